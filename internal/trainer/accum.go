package trainer

import (
	"github.com/pkg/errors"

	"clipforge/internal/model"
	"clipforge/internal/tensor"
)

// accumulation holds the cached inputs and gradient-free features of one
// accumulation window, aligned by micro-batch slot.
type accumulation struct {
	images   []*tensor.Tensor
	texts    []*tensor.Tensor
	names    []string
	features map[string][]*tensor.Tensor
}

func newAccumulation() *accumulation {
	return &accumulation{features: make(map[string][]*tensor.Tensor)}
}

// add caches one micro-batch. Logit scale and bias are not cached.
func (a *accumulation) add(images, texts *tensor.Tensor, out model.Output) {
	for _, name := range out.Features() {
		t, _ := out.Get(name)
		if _, ok := a.features[name]; !ok {
			a.names = append(a.names, name)
		}
		a.features[name] = append(a.features[name], t.Detach())
	}
	a.images = append(a.images, images)
	a.texts = append(a.texts, texts)
}

func (a *accumulation) len() int { return len(a.images) }

// check verifies every cached sequence covers the same slots.
func (a *accumulation) check() error {
	n := len(a.images)
	if len(a.texts) != n {
		return errors.Errorf("accumulation: %d image slots vs %d text slots", n, len(a.texts))
	}
	for _, name := range a.names {
		if got := len(a.features[name]); got != n {
			return errors.Errorf("accumulation: feature %q has %d slots, want %d", name, got, n)
		}
	}
	return nil
}

// substitute rebuilds every cached feature with slot j replaced by the
// live, gradient-bearing output, keeping slot order.
func (a *accumulation) substitute(j int, live model.Output) (model.Output, error) {
	var in model.Output
	for _, name := range a.names {
		cur, err := live.Require(name)
		if err != nil {
			return model.Output{}, errors.Wrapf(err, "recompute slot %d", j)
		}
		cached := a.features[name]
		parts := make([]*tensor.Tensor, 0, len(cached))
		parts = append(parts, cached[:j]...)
		parts = append(parts, cur)
		parts = append(parts, cached[j+1:]...)
		joined, err := tensor.Concat(parts)
		if err != nil {
			return model.Output{}, errors.Wrapf(err, "feature %q", name)
		}
		in.Set(name, joined)
	}
	return in, nil
}

func (a *accumulation) reset() {
	a.images = nil
	a.texts = nil
	a.names = nil
	a.features = make(map[string][]*tensor.Tensor)
}
