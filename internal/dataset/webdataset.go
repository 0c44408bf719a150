package dataset

import (
	"archive/tar"
	"bufio"
	"context"
	"encoding/binary"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

// TextKind selects which text member pairs with an image.
type TextKind int

const (
	// TextCaption pairs images with raw .txt captions.
	TextCaption TextKind = iota
	// TextEmbedding pairs images with .emb files of little-endian float32s.
	TextEmbedding
)

func (k TextKind) String() string {
	if k == TextEmbedding {
		return "embedding"
	}
	return "caption"
}

// Sample is one image/text record from a WebDataset shard.
type Sample struct {
	Key       string
	Image     []byte
	Caption   string
	Embedding []float32
}

// ErrPendingOverflow indicates the pairing map exceeded the configured bound.
var ErrPendingOverflow = errors.New("webdataset: pending pair buffer exceeded")

const defaultPendingCap = 1024

// StreamShard streams paired samples from the shard at path.
func StreamShard(ctx context.Context, path string, text TextKind, pendingCap int) (<-chan Sample, <-chan error) {
	if pendingCap <= 0 {
		pendingCap = defaultPendingCap
	}
	out := make(chan Sample)
	errCh := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errCh)

		f, err := os.Open(path)
		if err != nil {
			errCh <- errors.Wrap(err, "open shard")
			return
		}
		defer f.Close()

		tr := tar.NewReader(bufio.NewReader(f))
		pending := make(map[string]*partial)

		for {
			select {
			case <-ctx.Done():
				errCh <- ctx.Err()
				return
			default:
			}

			hdr, err := tr.Next()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				errCh <- errors.Wrap(err, "read tar")
				return
			}
			if hdr.FileInfo().IsDir() {
				continue
			}
			name := filepath.Base(hdr.Name)
			ext := strings.ToLower(filepath.Ext(name))
			key := strings.TrimSuffix(name, ext)

			var apply func(p *partial, payload []byte) error
			switch {
			case ext == ".jpg" || ext == ".jpeg" || ext == ".png":
				apply = func(p *partial, payload []byte) error {
					p.image = payload
					return nil
				}
			case ext == ".txt" && text == TextCaption:
				apply = func(p *partial, payload []byte) error {
					caption := strings.TrimSpace(string(payload))
					p.caption = &caption
					return nil
				}
			case ext == ".emb" && text == TextEmbedding:
				apply = func(p *partial, payload []byte) error {
					emb, err := decodeEmbedding(payload)
					if err != nil {
						return err
					}
					p.embedding = emb
					return nil
				}
			default:
				continue
			}

			payload, err := io.ReadAll(tr)
			if err != nil {
				errCh <- errors.Wrapf(err, "read %s", name)
				return
			}
			part := pending[key]
			if part == nil {
				part = &partial{}
				pending[key] = part
			}
			if err := apply(part, payload); err != nil {
				errCh <- errors.Wrapf(err, "decode %s", name)
				return
			}

			if len(pending) > pendingCap {
				errCh <- ErrPendingOverflow
				return
			}

			if part.ready(text) {
				sample := Sample{Key: key, Image: part.image, Embedding: part.embedding}
				if part.caption != nil {
					sample.Caption = *part.caption
				}
				delete(pending, key)

				select {
				case <-ctx.Done():
					errCh <- ctx.Err()
					return
				case out <- sample:
				}
			}
		}

		if len(pending) > 0 {
			errCh <- errors.Errorf("%d samples incomplete", len(pending))
		}
	}()

	return out, errCh
}

// CountShard returns the number of complete samples in the shard at path.
func CountShard(ctx context.Context, path string, text TextKind) (int, error) {
	samples, errCh := StreamShard(ctx, path, text, 0)
	n := 0
	for range samples {
		n++
	}
	if err := <-errCh; err != nil {
		return 0, errors.Wrapf(err, "count %s", path)
	}
	return n, nil
}

func decodeEmbedding(payload []byte) ([]float32, error) {
	if len(payload)%4 != 0 {
		return nil, errors.Errorf("embedding payload of %d bytes is not a float32 array", len(payload))
	}
	out := make([]float32, len(payload)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(payload[i*4:]))
	}
	return out, nil
}

// EncodeEmbedding is the inverse of the .emb decoding.
func EncodeEmbedding(v []float32) []byte {
	out := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(f))
	}
	return out
}

type partial struct {
	image     []byte
	caption   *string
	embedding []float32
}

func (p *partial) ready(text TextKind) bool {
	if len(p.image) == 0 {
		return false
	}
	if text == TextEmbedding {
		return p.embedding != nil
	}
	return p.caption != nil
}
