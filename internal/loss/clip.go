package loss

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"clipforge/internal/model"
	"clipforge/internal/tensor"
)

// Component names.
const (
	Contrastive = "contrastive_loss"
	Distill     = "distill_loss"
)

// ClipLoss is the symmetric image/text InfoNCE loss over the local batch.
// Row i of the image features is the positive for row i of the text features;
// every other row is a negative.
type ClipLoss struct{}

// Compute implements Loss.
func (ClipLoss) Compute(in model.Output) (*Dict, error) {
	p, err := newPair(in, "")
	if err != nil {
		return nil, err
	}
	value, grad := symmetricCrossEntropy(p.logits(), nil, nil)
	d := NewDict()
	d.Add(Contrastive, p.scalar(value, grad))
	return d, nil
}

// DistillClipLoss adds a soft cross-entropy term pulling the student's
// similarity distribution towards a frozen teacher's, read from the
// dist_-prefixed outputs.
type DistillClipLoss struct{}

// Compute implements Loss.
func (DistillClipLoss) Compute(in model.Output) (*Dict, error) {
	student, err := newPair(in, "")
	if err != nil {
		return nil, err
	}
	teacher, err := newPair(in, model.DistillPrefix)
	if err != nil {
		return nil, err
	}
	if teacher.n != student.n {
		return nil, errors.Wrapf(tensor.ErrShapeMismatch, "distill: teacher batch %d vs student %d", teacher.n, student.n)
	}
	logits := student.logits()
	tl := teacher.logits()
	perImage := softmaxRows(tl)
	perText := softmaxRows(mat.DenseCopyOf(tl.T()))

	d := NewDict()
	value, grad := symmetricCrossEntropy(logits, nil, nil)
	d.Add(Contrastive, student.scalar(value, grad))
	value, grad = symmetricCrossEntropy(logits, perImage, perText)
	d.Add(Distill, student.scalar(value, grad))
	return d, nil
}

type pair struct {
	img, txt    *tensor.Tensor
	scale, bias *tensor.Tensor
	n, dim      int
}

func newPair(in model.Output, prefix string) (*pair, error) {
	img, err := in.Require(prefix + model.ImageFeatures)
	if err != nil {
		return nil, err
	}
	txt, err := in.Require(prefix + model.TextFeatures)
	if err != nil {
		return nil, err
	}
	scale, err := in.Require(prefix + model.LogitScale)
	if err != nil {
		return nil, err
	}
	bias, _ := in.Get(prefix + model.LogitBias)
	if img.Rows() != txt.Rows() || img.RowSize() != txt.RowSize() {
		return nil, errors.Wrapf(tensor.ErrShapeMismatch, "%simage features %v vs text features %v", prefix, img.Shape(), txt.Shape())
	}
	if img.Rows() == 0 {
		return nil, errors.Wrap(tensor.ErrShapeMismatch, "empty feature batch")
	}
	return &pair{img: img, txt: txt, scale: scale, bias: bias, n: img.Rows(), dim: img.RowSize()}, nil
}

func (p *pair) similarity() *mat.Dense {
	i := mat.NewDense(p.n, p.dim, p.img.Data())
	t := mat.NewDense(p.n, p.dim, p.txt.Data())
	sim := mat.NewDense(p.n, p.n, nil)
	sim.Mul(i, t.T())
	return sim
}

// logits returns scale * I T^T + bias, one row per image.
func (p *pair) logits() *mat.Dense {
	l := p.similarity()
	l.Scale(p.scale.Item(), l)
	if p.bias != nil {
		b := p.bias.Item()
		l.Apply(func(_, _ int, v float64) float64 { return v + b }, l)
	}
	return l
}

// scalar wraps a loss value whose gradient w.r.t. the logits is g. Backward
// pushes the chain-ruled gradient into every input that tracks gradients.
func (p *pair) scalar(value float64, g *mat.Dense) *tensor.Tensor {
	out := tensor.Scalar(value)
	if !p.img.RequiresGrad() && !p.txt.RequiresGrad() && !p.scale.RequiresGrad() && (p.bias == nil || !p.bias.RequiresGrad()) {
		return out
	}
	return out.WithGrad(func(seed []float64) error {
		c := seed[0]
		s := p.scale.Item()
		if p.img.RequiresGrad() {
			t := mat.NewDense(p.n, p.dim, p.txt.Data())
			di := mat.NewDense(p.n, p.dim, nil)
			di.Mul(g, t)
			di.Scale(c*s, di)
			if err := p.img.Backward(di.RawMatrix().Data); err != nil {
				return errors.Wrap(err, "image features")
			}
		}
		if p.txt.RequiresGrad() {
			i := mat.NewDense(p.n, p.dim, p.img.Data())
			dt := mat.NewDense(p.n, p.dim, nil)
			dt.Mul(g.T(), i)
			dt.Scale(c*s, dt)
			if err := p.txt.Backward(dt.RawMatrix().Data); err != nil {
				return errors.Wrap(err, "text features")
			}
		}
		if p.scale.RequiresGrad() {
			ds := mat.Sum(elemMul(g, p.similarity()))
			if err := p.scale.Backward([]float64{c * ds}); err != nil {
				return errors.Wrap(err, "logit scale")
			}
		}
		if p.bias != nil && p.bias.RequiresGrad() {
			if err := p.bias.Backward([]float64{c * mat.Sum(g)}); err != nil {
				return errors.Wrap(err, "logit bias")
			}
		}
		return nil
	})
}

func elemMul(a, b *mat.Dense) *mat.Dense {
	var out mat.Dense
	out.MulElem(a, b)
	return &out
}

// symmetricCrossEntropy averages the row-wise cross entropy of z and of z^T.
// Nil targets mean the identity (matching pairs on the diagonal). The
// returned matrix is the gradient w.r.t. z.
func symmetricCrossEntropy(z, perRow, perCol *mat.Dense) (float64, *mat.Dense) {
	v1, g1 := softCrossEntropy(z, perRow)
	v2, g2 := softCrossEntropy(mat.DenseCopyOf(z.T()), perCol)
	n, _ := z.Dims()
	grad := mat.NewDense(n, n, nil)
	grad.Add(g1, g2.T())
	grad.Scale(0.5, grad)
	return (v1 + v2) / 2, grad
}

// softCrossEntropy is -mean_r sum_c target[r,c] log softmax(z)[r,c] with its
// gradient (softmax(z) - target) / rows.
func softCrossEntropy(z, target *mat.Dense) (float64, *mat.Dense) {
	n, m := z.Dims()
	probs := softmaxRows(z)
	grad := mat.NewDense(n, m, nil)
	total := 0.0
	for r := 0; r < n; r++ {
		row := z.RawRowView(r)
		lse := floats.LogSumExp(row)
		pr := probs.RawRowView(r)
		gr := grad.RawRowView(r)
		copy(gr, pr)
		if target == nil {
			total += lse - row[r]
			gr[r] -= 1
			continue
		}
		tr := target.RawRowView(r)
		for c := range row {
			total -= tr[c] * (row[c] - lse)
		}
		floats.Sub(gr, tr)
	}
	grad.Scale(1/float64(n), grad)
	return total / float64(n), grad
}

func softmaxRows(z *mat.Dense) *mat.Dense {
	n, m := z.Dims()
	out := mat.NewDense(n, m, nil)
	for r := 0; r < n; r++ {
		row := z.RawRowView(r)
		peak := floats.Max(row)
		dst := out.RawRowView(r)
		sum := 0.0
		for c, v := range row {
			dst[c] = math.Exp(v - peak)
			sum += dst[c]
		}
		floats.Scale(1/sum, dst)
	}
	return out
}
