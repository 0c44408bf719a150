package tensor

import (
	"math"

	"github.com/pkg/errors"
	"golang.org/x/exp/slices"
	"gonum.org/v1/gonum/floats"
)

// Parameter is a learnable tensor with its accumulated gradient.
type Parameter struct {
	Name  string
	Shape []int
	Value []float64
	Grad  []float64
}

// NewParameter allocates a parameter initialised with value.
func NewParameter(name string, shape []int, value []float64) (*Parameter, error) {
	if numel(shape) != len(value) {
		return nil, errors.Wrapf(ErrShapeMismatch, "parameter %s: shape %v holds %d values, got %d", name, shape, numel(shape), len(value))
	}
	return &Parameter{
		Name:  name,
		Shape: slices.Clone(shape),
		Value: value,
		Grad:  make([]float64, len(value)),
	}, nil
}

// Dims is the number of dimensions; scalars have zero.
func (p *Parameter) Dims() int { return len(p.Shape) }

// ZeroGrad clears the accumulated gradient.
func (p *Parameter) ZeroGrad() {
	for i := range p.Grad {
		p.Grad[i] = 0
	}
}

// AccumulateGrad adds g into the parameter's gradient.
func (p *Parameter) AccumulateGrad(g []float64) {
	floats.Add(p.Grad, g)
}

// Tensor returns a detached copy of the current value.
func (p *Parameter) Tensor() *Tensor {
	return &Tensor{shape: slices.Clone(p.Shape), data: slices.Clone(p.Value)}
}

// ZeroGrads clears every parameter's gradient.
func ZeroGrads(params []*Parameter) {
	for _, p := range params {
		p.ZeroGrad()
	}
}

// GradNorm is the L2 norm over all parameter gradients taken together.
func GradNorm(params []*Parameter) float64 {
	sq := 0.0
	for _, p := range params {
		n := floats.Norm(p.Grad, 2)
		sq += n * n
	}
	return math.Sqrt(sq)
}

// ScaleGrads multiplies every gradient by s.
func ScaleGrads(params []*Parameter, s float64) {
	for _, p := range params {
		floats.Scale(s, p.Grad)
	}
}

// ClipGradNorm rescales gradients so their joint L2 norm is at most maxNorm
// and returns the norm measured before clipping.
func ClipGradNorm(params []*Parameter, maxNorm float64) float64 {
	norm := GradNorm(params)
	coef := maxNorm / (norm + 1e-6)
	if coef < 1 {
		ScaleGrads(params, coef)
	}
	return norm
}

// GradsFinite reports whether every gradient value is finite.
func GradsFinite(params []*Parameter) bool {
	for _, p := range params {
		for _, g := range p.Grad {
			if math.IsInf(g, 0) || math.IsNaN(g) {
				return false
			}
		}
	}
	return true
}
