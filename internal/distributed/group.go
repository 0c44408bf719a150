package distributed

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/floats"
)

// Group is an in-process collective shared by WorldSize ranks running as
// goroutines.
type Group struct {
	size int

	mu      sync.Mutex
	cond    *sync.Cond
	gen     uint64
	arrived int
	acc     []float64
	result  []float64
	failed  error
}

// NewGroup returns a collective for size ranks.
func NewGroup(size int) *Group {
	if size <= 0 {
		size = 1
	}
	g := &Group{size: size}
	g.cond = sync.NewCond(&g.mu)
	return g
}

// Size is the number of participating ranks.
func (g *Group) Size() int { return g.size }

// AllReduceMean replaces buf on every rank with the element-wise mean of all
// ranks' buffers. It blocks until every rank has contributed.
func (g *Group) AllReduceMean(buf []float64) error {
	if g.size == 1 {
		return nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.failed != nil {
		return g.failed
	}
	gen := g.gen
	if g.arrived == 0 {
		g.acc = make([]float64, len(buf))
	} else if len(g.acc) != len(buf) {
		g.failed = errors.Errorf("all-reduce: buffer of %d values, peers sent %d", len(buf), len(g.acc))
		g.cond.Broadcast()
		return g.failed
	}
	floats.Add(g.acc, buf)
	g.arrived++
	if g.arrived == g.size {
		floats.Scale(1/float64(g.size), g.acc)
		g.result = g.acc
		g.arrived = 0
		g.gen++
		g.cond.Broadcast()
	} else {
		for gen == g.gen && g.failed == nil {
			g.cond.Wait()
		}
		if g.failed != nil {
			return g.failed
		}
	}
	copy(buf, g.result)
	return nil
}

// Abort wakes every rank blocked in a collective with err.
func (g *Group) Abort(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.failed == nil {
		g.failed = err
	}
	g.cond.Broadcast()
}

// IsPrimary reports whether rank owns logging and checkpointing.
func IsPrimary(rank int) bool { return rank == 0 }

// Launch runs fn once per rank and waits for all of them. The first failing
// rank aborts the group so peers blocked in a collective return.
func Launch(ctx context.Context, g *Group, fn func(ctx context.Context, rank int) error) error {
	eg, ctx := errgroup.WithContext(ctx)
	for rank := 0; rank < g.Size(); rank++ {
		eg.Go(func() error {
			err := fn(ctx, rank)
			if err != nil {
				g.Abort(errors.Wrapf(err, "rank %d", rank))
			}
			return err
		})
	}
	return eg.Wait()
}
