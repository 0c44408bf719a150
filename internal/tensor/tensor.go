package tensor

import (
	"math"

	"github.com/pkg/errors"
	"github.com/x448/float16"
	"golang.org/x/exp/slices"
)

// ErrShapeMismatch is returned when tensors that must line up do not.
var ErrShapeMismatch = errors.New("tensor: shape mismatch")

// ErrNoGrad is returned by Backward on a tensor that does not track gradients.
var ErrNoGrad = errors.New("tensor: backward on a tensor without gradient tracking")

// DType is the numeric precision values are rounded to.
type DType int

const (
	// Float64 keeps values at full precision.
	Float64 DType = iota
	Float32
	Float16
	BFloat16
	Int64
)

func (d DType) String() string {
	switch d {
	case Float64:
		return "float64"
	case Float32:
		return "float32"
	case Float16:
		return "float16"
	case BFloat16:
		return "bfloat16"
	case Int64:
		return "int64"
	default:
		return "unknown"
	}
}

// Round returns v as it would be stored in d.
func (d DType) Round(v float64) float64 {
	switch d {
	case Float16:
		return float64(float16.Fromfloat32(float32(v)).Float32())
	case BFloat16:
		return float64(roundBFloat16(float32(v)))
	case Int64:
		return math.Trunc(v)
	case Float32:
		return float64(float32(v))
	default:
		return v
	}
}

// roundBFloat16 keeps the upper 16 bits of a float32, rounding to nearest even.
func roundBFloat16(f float32) float32 {
	if math.IsNaN(float64(f)) {
		return f
	}
	bits := math.Float32bits(f)
	bits += 0x7fff + ((bits >> 16) & 1)
	return math.Float32frombits(bits & 0xffff0000)
}

// GradFunc receives the gradient of the final scalar w.r.t. a tensor's values.
type GradFunc func(grad []float64) error

// Tensor is a dense row-major array. The leading dimension is the batch
// dimension for everything the training loop moves around.
type Tensor struct {
	shape []int
	data  []float64
	dtype DType
	grad  GradFunc
}

// New wraps data with the given shape. data is not copied.
func New(shape []int, data []float64) (*Tensor, error) {
	if numel(shape) != len(data) {
		return nil, errors.Wrapf(ErrShapeMismatch, "shape %v holds %d values, got %d", shape, numel(shape), len(data))
	}
	return &Tensor{shape: slices.Clone(shape), data: data}, nil
}

// Zeros allocates a zero-filled tensor.
func Zeros(shape ...int) *Tensor {
	return &Tensor{shape: slices.Clone(shape), data: make([]float64, numel(shape))}
}

// Scalar returns a 0-dim tensor holding v.
func Scalar(v float64) *Tensor {
	return &Tensor{data: []float64{v}}
}

func numel(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

// Shape returns a copy of the tensor's shape.
func (t *Tensor) Shape() []int { return slices.Clone(t.shape) }

// Data exposes the underlying storage.
func (t *Tensor) Data() []float64 { return t.data }

// Len is the number of stored values.
func (t *Tensor) Len() int { return len(t.data) }

// DType reports the precision the values were rounded to.
func (t *Tensor) DType() DType { return t.dtype }

// Rows is the size of the leading dimension; scalars have one row.
func (t *Tensor) Rows() int {
	if len(t.shape) == 0 {
		return 1
	}
	return t.shape[0]
}

// RowSize is the number of values per leading-dimension slice.
func (t *Tensor) RowSize() int {
	if len(t.shape) == 0 {
		return 1
	}
	return numel(t.shape[1:])
}

// Row returns the i-th leading-dimension slice without copying.
func (t *Tensor) Row(i int) []float64 {
	n := t.RowSize()
	return t.data[i*n : (i+1)*n]
}

// Item returns the first value. Meant for scalars.
func (t *Tensor) Item() float64 {
	if len(t.data) == 0 {
		return 0
	}
	return t.data[0]
}

// RequiresGrad reports whether Backward will propagate anywhere.
func (t *Tensor) RequiresGrad() bool { return t.grad != nil }

// WithGrad returns a view of t that propagates gradients through fn.
func (t *Tensor) WithGrad(fn GradFunc) *Tensor {
	return &Tensor{shape: t.shape, data: t.data, dtype: t.dtype, grad: fn}
}

// Detach returns a view of t without gradient tracking.
func (t *Tensor) Detach() *Tensor {
	return &Tensor{shape: t.shape, data: t.data, dtype: t.dtype}
}

// Clone deep-copies values; gradient tracking is dropped.
func (t *Tensor) Clone() *Tensor {
	return &Tensor{shape: slices.Clone(t.shape), data: slices.Clone(t.data), dtype: t.dtype}
}

// Cast rounds every value to d. Gradients pass through unchanged.
func (t *Tensor) Cast(d DType) *Tensor {
	out := make([]float64, len(t.data))
	for i, v := range t.data {
		out[i] = d.Round(v)
	}
	return &Tensor{shape: t.shape, data: out, dtype: d, grad: t.grad}
}

// Backward seeds the gradient of t with grad and propagates it.
func (t *Tensor) Backward(grad []float64) error {
	if t.grad == nil {
		return ErrNoGrad
	}
	if len(grad) != len(t.data) {
		return errors.Wrapf(ErrShapeMismatch, "backward: gradient has %d values, tensor %d", len(grad), len(t.data))
	}
	return t.grad(grad)
}

// Stack joins equally shaped rows along a new leading dimension.
func Stack(rows [][]float64, rowShape ...int) (*Tensor, error) {
	width := numel(rowShape)
	data := make([]float64, 0, len(rows)*width)
	for i, r := range rows {
		if len(r) != width {
			return nil, errors.Wrapf(ErrShapeMismatch, "stack: row %d has %d values, want %d", i, len(r), width)
		}
		data = append(data, r...)
	}
	return New(append([]int{len(rows)}, rowShape...), data)
}

// Concat joins tensors along the leading dimension. The result routes each
// gradient slice back to the part it came from; parts without gradient
// tracking receive nothing.
func Concat(parts []*Tensor) (*Tensor, error) {
	if len(parts) == 0 {
		return nil, errors.Wrap(ErrShapeMismatch, "concat: no tensors")
	}
	tail := parts[0].shape
	if len(tail) > 0 {
		tail = tail[1:]
	}
	rows := 0
	tracked := false
	for i, p := range parts {
		pt := p.shape
		if len(pt) > 0 {
			pt = pt[1:]
		}
		if !slices.Equal(pt, tail) {
			return nil, errors.Wrapf(ErrShapeMismatch, "concat: part %d has shape %v, want [*%v]", i, p.shape, tail)
		}
		rows += p.Rows()
		tracked = tracked || p.RequiresGrad()
	}
	data := make([]float64, 0, rows*numel(tail))
	for _, p := range parts {
		data = append(data, p.data...)
	}
	out := &Tensor{shape: append([]int{rows}, tail...), data: data, dtype: parts[0].dtype}
	if !tracked {
		return out, nil
	}
	out.grad = func(grad []float64) error {
		off := 0
		for _, p := range parts {
			n := len(p.data)
			if p.RequiresGrad() {
				if err := p.grad(grad[off : off+n]); err != nil {
					return err
				}
			}
			off += n
		}
		return nil
	}
	return out, nil
}

// Sum adds scalar tensors. The result fans its gradient out to every term
// that tracks gradients.
func Sum(terms ...*Tensor) *Tensor {
	total := 0.0
	tracked := make([]*Tensor, 0, len(terms))
	for _, t := range terms {
		total += t.Item()
		if t.RequiresGrad() {
			tracked = append(tracked, t)
		}
	}
	out := Scalar(total)
	if len(tracked) == 0 {
		return out
	}
	out.grad = func(grad []float64) error {
		for _, t := range tracked {
			if err := t.grad([]float64{grad[0]}); err != nil {
				return err
			}
		}
		return nil
	}
	return out
}
