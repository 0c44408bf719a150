package dataset

import (
	"context"

	"github.com/pkg/errors"
)

// Batch is a collated group of raw samples.
type Batch struct {
	Images     [][]byte
	Captions   []string
	Embeddings [][]float32
}

// Len is the number of samples in the batch.
func (b Batch) Len() int { return len(b.Images) }

func (b *Batch) add(s Sample, text TextKind) {
	b.Images = append(b.Images, s.Image)
	if text == TextEmbedding {
		b.Embeddings = append(b.Embeddings, s.Embedding)
		return
	}
	b.Captions = append(b.Captions, s.Caption)
}

// Source yields the batches of one epoch.
type Source interface {
	SetEpoch(epoch int)
	// Batches streams the current epoch. The batch channel closes when the
	// epoch is exhausted; the error channel then yields at most one error.
	Batches(ctx context.Context) (<-chan Batch, <-chan error)
	NumSamples() int
	NumBatches() int
}

// LoaderOptions configures a shard-backed Loader.
type LoaderOptions struct {
	Roots      []string
	BatchSize  int
	NumWorkers int
	Seed       int64
	Rank       int
	WorldSize  int
	Text       TextKind
	PendingCap int
}

// Loader batches samples streamed by the sampler. Ranks take every
// WorldSize-th sample starting at Rank, and every rank yields exactly
// NumBatches batches so collective operations stay in lockstep.
type Loader struct {
	opts       LoaderOptions
	shards     map[string][]string
	numSamples int
	epoch      int
}

// NewLoader discovers shards under opts.Roots and counts their samples.
func NewLoader(ctx context.Context, opts LoaderOptions) (*Loader, error) {
	if opts.BatchSize <= 0 {
		return nil, errors.Errorf("batch size must be positive, got %d", opts.BatchSize)
	}
	if opts.WorldSize <= 0 {
		opts.WorldSize = 1
	}
	if opts.Rank < 0 || opts.Rank >= opts.WorldSize {
		return nil, errors.Errorf("rank %d outside world of %d", opts.Rank, opts.WorldSize)
	}
	shards, err := DiscoverByRoot(opts.Roots)
	if err != nil {
		return nil, err
	}
	total, err := CountSamples(ctx, shards, opts.Text)
	if err != nil {
		return nil, err
	}
	l := &Loader{opts: opts, shards: shards, numSamples: total}
	if l.NumBatches() == 0 {
		return nil, errors.Errorf("%d samples cannot fill one batch of %d on %d ranks", total, opts.BatchSize, opts.WorldSize)
	}
	return l, nil
}

func (l *Loader) SetEpoch(epoch int) { l.epoch = epoch }

// NumSamples is the global sample count across every rank.
func (l *Loader) NumSamples() int { return l.numSamples }

// NumBatches is the per-rank batch count of one epoch. A trailing partial
// batch is dropped.
func (l *Loader) NumBatches() int {
	return l.numSamples / (l.opts.BatchSize * l.opts.WorldSize)
}

func (l *Loader) Batches(ctx context.Context) (<-chan Batch, <-chan error) {
	out := make(chan Batch, 1)
	errCh := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errCh)

		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		samples, sampleErrs, err := StartSampler(ctx, SamplerOptions{
			Roots:      l.shards,
			Seed:       l.opts.Seed,
			Epoch:      l.epoch,
			NumWorkers: l.opts.NumWorkers,
			PendingCap: l.opts.PendingCap,
			Text:       l.opts.Text,
		})
		if err != nil {
			errCh <- err
			return
		}

		want := l.NumBatches()
		emitted := 0
		index := 0
		var cur Batch
		for sample := range samples {
			mine := index%l.opts.WorldSize == l.opts.Rank
			index++
			if !mine {
				continue
			}
			cur.add(sample, l.opts.Text)
			if cur.Len() < l.opts.BatchSize {
				continue
			}
			select {
			case <-ctx.Done():
				errCh <- ctx.Err()
				return
			case out <- cur:
			}
			cur = Batch{}
			emitted++
			if emitted == want {
				// Stop the sampler; the remainder would be uneven across ranks.
				cancel()
				for range samples {
				}
				return
			}
		}
		if err := <-sampleErrs; err != nil {
			errCh <- err
			return
		}
		if emitted < want {
			errCh <- errors.Errorf("epoch %d ended after %d of %d batches", l.epoch, emitted, want)
		}
	}()

	return out, errCh
}

// Memory is an in-memory Source of fixed batches.
type Memory struct {
	batches []Batch
	epoch   int
}

// NewMemory returns a Source replaying batches every epoch.
func NewMemory(batches []Batch) *Memory {
	return &Memory{batches: batches}
}

func (m *Memory) SetEpoch(epoch int) { m.epoch = epoch }

// Epoch reports the last epoch passed to SetEpoch.
func (m *Memory) Epoch() int { return m.epoch }

func (m *Memory) NumBatches() int { return len(m.batches) }

func (m *Memory) NumSamples() int {
	n := 0
	for _, b := range m.batches {
		n += b.Len()
	}
	return n
}

func (m *Memory) Batches(ctx context.Context) (<-chan Batch, <-chan error) {
	out := make(chan Batch)
	errCh := make(chan error, 1)
	go func() {
		defer close(out)
		defer close(errCh)
		for _, b := range m.batches {
			select {
			case <-ctx.Done():
				errCh <- ctx.Err()
				return
			case out <- b:
			}
		}
	}()
	return out, errCh
}
