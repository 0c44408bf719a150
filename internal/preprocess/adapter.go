// Package preprocess turns raw batches into device tensors.
package preprocess

import (
	"context"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"clipforge/internal/dataset"
	"clipforge/internal/tensor"
	"clipforge/internal/tokenizer"
)

// Adapter prepares batches for the model. Exactly one of Tokenizer and
// EmbedDim selects the text path.
type Adapter struct {
	Transform  ImageTransform
	ImageShape []int
	// Tokenizer handles raw captions. Nil selects the embedding path.
	Tokenizer tokenizer.Tokenizer
	// EmbedDim is the expected width of pre-embedded texts.
	EmbedDim   int
	InputDType tensor.DType
	Device     tensor.Device
	// Workers bounds parallel image decoding; <= 0 means one per image.
	Workers int
}

// Validate checks the adapter is usable.
func (a *Adapter) Validate() error {
	if a.Transform == nil {
		return errors.New("preprocess: no image transform")
	}
	if a.Tokenizer == nil && a.EmbedDim <= 0 {
		return errors.New("preprocess: need a tokenizer or a positive text embedding width")
	}
	if a.Tokenizer != nil && a.EmbedDim > 0 {
		return errors.New("preprocess: tokenizer and text embeddings are mutually exclusive")
	}
	return nil
}

// Prepare produces [B, ImageShape...] images and [B, ...] texts on the
// device. Texts are transferred without blocking.
func (a *Adapter) Prepare(ctx context.Context, b dataset.Batch) (images, texts *tensor.Tensor, err error) {
	n := b.Len()
	textCount := len(b.Captions)
	if a.Tokenizer == nil {
		textCount = len(b.Embeddings)
	}
	if textCount != n {
		return nil, nil, errors.Wrapf(tensor.ErrShapeMismatch, "preprocess: %d images vs %d texts", n, textCount)
	}

	rows := make([][]float64, n)
	eg, _ := errgroup.WithContext(ctx)
	if a.Workers > 0 {
		eg.SetLimit(a.Workers)
	}
	for i, raw := range b.Images {
		eg.Go(func() error {
			v, err := a.Transform(raw)
			if err != nil {
				return errors.Wrapf(err, "image %d", i)
			}
			rows[i] = v
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, nil, err
	}
	images, err = tensor.Stack(rows, a.ImageShape...)
	if err != nil {
		return nil, nil, errors.Wrap(err, "stack images")
	}
	images = a.device().Put(images.Cast(a.InputDType), false)

	if a.Tokenizer != nil {
		texts, err = a.Tokenizer.Tokenize(b.Captions)
		if err != nil {
			return nil, nil, errors.Wrap(err, "tokenize")
		}
	} else {
		texts, err = stackEmbeddings(b.Embeddings, a.EmbedDim)
		if err != nil {
			return nil, nil, err
		}
		// Text embeddings stay in float32 whatever the input precision.
		texts = texts.Cast(tensor.Float32)
	}
	return images, a.device().Put(texts, true), nil
}

func (a *Adapter) device() tensor.Device {
	if a.Device == nil {
		return tensor.CPU{}
	}
	return a.Device
}

func stackEmbeddings(embs [][]float32, dim int) (*tensor.Tensor, error) {
	rows := make([][]float64, len(embs))
	for i, e := range embs {
		row := make([]float64, len(e))
		for j, v := range e {
			row[j] = float64(v)
		}
		rows[i] = row
	}
	t, err := tensor.Stack(rows, dim)
	return t, errors.Wrap(err, "stack text embeddings")
}
