package model

import (
	"math"
	"math/rand"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"clipforge/internal/tensor"
)

// DualEncoderConfig sizes a DualEncoder.
type DualEncoderConfig struct {
	// ImageDim is the flattened size of one preprocessed image.
	ImageDim int
	// TextDim is the width of one text embedding.
	TextDim int
	// EmbedDim is the shared feature width.
	EmbedDim int
	// VocabSize > 0 makes the text tower consume token ids through a learned
	// embedding table. Zero means texts arrive pre-embedded.
	VocabSize int
	// LogitBias adds a learnable bias to the similarity logits.
	LogitBias bool
	Seed      int64
}

// DualEncoder is a linear two-tower contrastive model: each tower projects its
// input into the shared space and L2-normalises it.
type DualEncoder struct {
	cfg        DualEncoderConfig
	visualProj *tensor.Parameter
	textProj   *tensor.Parameter
	tokenEmbed *tensor.Parameter
	logitScale *tensor.Parameter
	logitBias  *tensor.Parameter
}

// NewDualEncoder constructs the model with random initialisation.
func NewDualEncoder(cfg DualEncoderConfig) (*DualEncoder, error) {
	if cfg.ImageDim <= 0 || cfg.TextDim <= 0 {
		return nil, errors.Errorf("dual encoder: image_dim and text_dim must be > 0 (got %d, %d)", cfg.ImageDim, cfg.TextDim)
	}
	if cfg.EmbedDim <= 0 {
		cfg.EmbedDim = 64
	}
	rng := rand.New(rand.NewSource(cfg.Seed))
	m := &DualEncoder{cfg: cfg}
	var err error
	if m.visualProj, err = tensor.NewParameter("visual.proj", []int{cfg.EmbedDim, cfg.ImageDim}, uniform(rng, cfg.EmbedDim*cfg.ImageDim, cfg.ImageDim)); err != nil {
		return nil, err
	}
	if m.textProj, err = tensor.NewParameter("text.proj", []int{cfg.EmbedDim, cfg.TextDim}, uniform(rng, cfg.EmbedDim*cfg.TextDim, cfg.TextDim)); err != nil {
		return nil, err
	}
	if cfg.VocabSize > 0 {
		emb := make([]float64, cfg.VocabSize*cfg.TextDim)
		for i := range emb {
			emb[i] = rng.NormFloat64() * 0.02
		}
		if m.tokenEmbed, err = tensor.NewParameter("text.token_embedding", []int{cfg.VocabSize, cfg.TextDim}, emb); err != nil {
			return nil, err
		}
	}
	if m.logitScale, err = tensor.NewParameter(LogitScale, nil, []float64{math.Log(1 / 0.07)}); err != nil {
		return nil, err
	}
	if cfg.LogitBias {
		if m.logitBias, err = tensor.NewParameter(LogitBias, nil, []float64{-10}); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func uniform(rng *rand.Rand, n, fanIn int) []float64 {
	bound := 1 / math.Sqrt(float64(fanIn))
	out := make([]float64, n)
	for i := range out {
		out[i] = (rng.Float64()*2 - 1) * bound
	}
	return out
}

// Parameters lists every learnable tensor.
func (m *DualEncoder) Parameters() []*tensor.Parameter {
	params := []*tensor.Parameter{m.visualProj, m.textProj}
	if m.tokenEmbed != nil {
		params = append(params, m.tokenEmbed)
	}
	params = append(params, m.logitScale)
	if m.logitBias != nil {
		params = append(params, m.logitBias)
	}
	return params
}

// LogitScaleParameter exposes the log-space temperature.
func (m *DualEncoder) LogitScaleParameter() *tensor.Parameter { return m.logitScale }

// StateDict snapshots all parameters.
func (m *DualEncoder) StateDict() tensor.StateDict {
	return tensor.ParametersState(m.Parameters())
}

// LoadStateDict restores parameters from state.
func (m *DualEncoder) LoadStateDict(state tensor.StateDict) error {
	return errors.Wrap(tensor.LoadParameters(m.Parameters(), state), "dual encoder")
}

// Forward encodes both towers. With opts.Grad set the returned features and
// logit scale/bias propagate gradients into the parameters.
func (m *DualEncoder) Forward(images, texts *tensor.Tensor, opts ForwardOptions) (Output, error) {
	n := images.Rows()
	if n == 0 {
		return Output{}, errors.Wrap(tensor.ErrShapeMismatch, "dual encoder: empty batch")
	}
	if texts.Rows() != n {
		return Output{}, errors.Wrapf(tensor.ErrShapeMismatch, "dual encoder: %d images vs %d texts", n, texts.Rows())
	}
	if images.RowSize() != m.cfg.ImageDim {
		return Output{}, errors.Wrapf(tensor.ErrShapeMismatch, "dual encoder: image width %d, want %d", images.RowSize(), m.cfg.ImageDim)
	}

	xi := mat.NewDense(n, m.cfg.ImageDim, append([]float64(nil), images.Data()...))
	xt, ids, err := m.textInputs(texts)
	if err != nil {
		return Output{}, err
	}

	img := m.encode(xi, m.visualProj, opts.Autocast)
	txt := m.encode(xt, m.textProj, opts.Autocast)

	out := Output{
		ImageFeatures: img.features,
		TextFeatures:  txt.features,
	}
	scale := math.Exp(m.logitScale.Value[0])
	out.LogitScale = tensor.Scalar(scale)
	if m.logitBias != nil {
		out.LogitBias = tensor.Scalar(m.logitBias.Value[0])
	}
	if !opts.Grad {
		return out, nil
	}

	out.ImageFeatures = img.features.WithGrad(func(g []float64) error {
		img.backward(g, m.visualProj)
		return nil
	})
	out.TextFeatures = txt.features.WithGrad(func(g []float64) error {
		dx := txt.backward(g, m.textProj)
		if ids != nil {
			m.embedBackward(dx, ids)
		}
		return nil
	})
	theta := m.logitScale
	out.LogitScale = out.LogitScale.WithGrad(func(g []float64) error {
		theta.Grad[0] += g[0] * scale
		return nil
	})
	if m.logitBias != nil {
		bias := m.logitBias
		out.LogitBias = out.LogitBias.WithGrad(func(g []float64) error {
			bias.Grad[0] += g[0]
			return nil
		})
	}
	return out, nil
}

// textInputs returns the text tower input matrix and, on the token path, the
// token ids per row.
func (m *DualEncoder) textInputs(texts *tensor.Tensor) (*mat.Dense, [][]int, error) {
	n := texts.Rows()
	if m.tokenEmbed == nil {
		if texts.RowSize() != m.cfg.TextDim {
			return nil, nil, errors.Wrapf(tensor.ErrShapeMismatch, "dual encoder: text width %d, want %d", texts.RowSize(), m.cfg.TextDim)
		}
		return mat.NewDense(n, m.cfg.TextDim, append([]float64(nil), texts.Data()...)), nil, nil
	}
	x := mat.NewDense(n, m.cfg.TextDim, nil)
	ids := make([][]int, n)
	width := m.cfg.TextDim
	for r := 0; r < n; r++ {
		row := x.RawRowView(r)
		for _, v := range texts.Row(r) {
			id := int(v)
			if id == 0 {
				continue
			}
			if id < 0 || id >= m.cfg.VocabSize {
				return nil, nil, errors.Errorf("dual encoder: token id %d outside vocab of %d", id, m.cfg.VocabSize)
			}
			ids[r] = append(ids[r], id)
			floats.Add(row, m.tokenEmbed.Value[id*width:(id+1)*width])
		}
		if len(ids[r]) > 0 {
			floats.Scale(1/float64(len(ids[r])), row)
		}
	}
	return x, ids, nil
}

func (m *DualEncoder) embedBackward(dx *mat.Dense, ids [][]int) {
	width := m.cfg.TextDim
	for r, row := range ids {
		if len(row) == 0 {
			continue
		}
		g := dx.RawRowView(r)
		inv := 1 / float64(len(row))
		for _, id := range row {
			floats.AddScaled(m.tokenEmbed.Grad[id*width:(id+1)*width], inv, g)
		}
	}
}

type encoding struct {
	x        *mat.Dense
	w        *mat.Dense
	normed   *mat.Dense
	norms    []float64
	features *tensor.Tensor
}

func (m *DualEncoder) encode(x *mat.Dense, p *tensor.Parameter, dt tensor.DType) *encoding {
	n, in := x.Dims()
	w := mat.NewDense(m.cfg.EmbedDim, in, append([]float64(nil), p.Value...))
	z := mat.NewDense(n, m.cfg.EmbedDim, nil)
	z.Mul(x, w.T())

	norms := make([]float64, n)
	for r := 0; r < n; r++ {
		row := z.RawRowView(r)
		for i, v := range row {
			row[i] = dt.Round(v)
		}
		norms[r] = math.Max(floats.Norm(row, 2), 1e-12)
		floats.Scale(1/norms[r], row)
	}
	f, _ := tensor.New([]int{n, m.cfg.EmbedDim}, z.RawMatrix().Data)
	return &encoding{x: x, w: w, normed: z, norms: norms, features: f}
}

// backward accumulates the projection gradient for upstream gradient g on the
// normalised features and returns the gradient w.r.t. the tower input.
func (e *encoding) backward(g []float64, p *tensor.Parameter) *mat.Dense {
	n, d := e.normed.Dims()
	dz := mat.NewDense(n, d, nil)
	for r := 0; r < n; r++ {
		y := e.normed.RawRowView(r)
		gr := g[r*d : (r+1)*d]
		dot := floats.Dot(y, gr)
		row := dz.RawRowView(r)
		copy(row, gr)
		floats.AddScaled(row, -dot, y)
		floats.Scale(1/e.norms[r], row)
	}
	_, in := e.x.Dims()
	dw := mat.NewDense(d, in, nil)
	dw.Mul(dz.T(), e.x)
	p.AccumulateGrad(dw.RawMatrix().Data)

	dx := mat.NewDense(n, in, nil)
	dx.Mul(dz, e.w)
	return dx
}
