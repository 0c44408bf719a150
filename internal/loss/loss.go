package loss

import (
	"clipforge/internal/model"
	"clipforge/internal/tensor"
)

// TotalKey is the synthesized entry holding the sum of all other components.
const TotalKey = "loss"

// Loss maps named model outputs to named scalar loss components.
type Loss interface {
	Compute(in model.Output) (*Dict, error)
}

// Dict is an insertion-ordered set of scalar loss components.
type Dict struct {
	names []string
	terms map[string]*tensor.Tensor
}

// NewDict returns an empty Dict.
func NewDict() *Dict {
	return &Dict{terms: make(map[string]*tensor.Tensor)}
}

// Add stores a component, replacing any previous value under name.
func (d *Dict) Add(name string, t *tensor.Tensor) {
	if _, ok := d.terms[name]; !ok {
		d.names = append(d.names, name)
	}
	d.terms[name] = t
}

// Names lists components in insertion order.
func (d *Dict) Names() []string { return d.names }

// Get returns the named component or nil.
func (d *Dict) Get(name string) *tensor.Tensor { return d.terms[name] }

// Len is the number of stored entries, including TotalKey once finalized.
func (d *Dict) Len() int { return len(d.names) }

// Total sums every component except TotalKey.
func (d *Dict) Total() *tensor.Tensor {
	terms := make([]*tensor.Tensor, 0, len(d.names))
	for _, n := range d.names {
		if n == TotalKey {
			continue
		}
		terms = append(terms, d.terms[n])
	}
	return tensor.Sum(terms...)
}

// Finalize computes Total, records it under TotalKey and returns it.
func (d *Dict) Finalize() *tensor.Tensor {
	total := d.Total()
	d.Add(TotalKey, total)
	return total
}

// Values returns the scalar value of every entry.
func (d *Dict) Values() map[string]float64 {
	out := make(map[string]float64, len(d.names))
	for _, n := range d.names {
		out[n] = d.terms[n].Item()
	}
	return out
}
