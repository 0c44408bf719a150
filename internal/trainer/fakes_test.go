package trainer

import (
	"context"

	"clipforge/internal/dataset"
	"clipforge/internal/loss"
	"clipforge/internal/model"
	"clipforge/internal/tensor"
)

// markerModel echoes each row's marker as its feature. Gradient-bearing
// forwards add 1000 so live values are distinguishable from cached ones.
type markerModel struct {
	w     *tensor.Parameter
	scale *tensor.Parameter
	calls []bool
}

func newMarkerModel() *markerModel {
	w, _ := tensor.NewParameter("w", []int{1}, []float64{0})
	s, _ := tensor.NewParameter(model.LogitScale, nil, []float64{1})
	return &markerModel{w: w, scale: s}
}

func (m *markerModel) Forward(images, texts *tensor.Tensor, opts model.ForwardOptions) (model.Output, error) {
	m.calls = append(m.calls, opts.Grad)
	vals := make([]float64, images.Rows())
	for r := range vals {
		vals[r] = images.Row(r)[0]
		if opts.Grad {
			vals[r] += 1000
		}
	}
	feat, err := tensor.New([]int{len(vals), 1}, vals)
	if err != nil {
		return model.Output{}, err
	}
	out := model.Output{
		ImageFeatures: feat,
		TextFeatures:  feat.Clone(),
		LogitScale:    tensor.Scalar(m.scale.Value[0]),
	}
	if opts.Grad {
		w, s := m.w, m.scale
		out.ImageFeatures = feat.WithGrad(func(g []float64) error {
			for r, v := range g {
				w.Grad[0] += v * vals[r]
			}
			return nil
		})
		out.LogitScale = out.LogitScale.WithGrad(func(g []float64) error {
			s.Grad[0] += g[0]
			return nil
		})
	}
	return out, nil
}

func (m *markerModel) Parameters() []*tensor.Parameter { return []*tensor.Parameter{m.w, m.scale} }
func (m *markerModel) StateDict() tensor.StateDict    { return tensor.ParametersState(m.Parameters()) }
func (m *markerModel) LoadStateDict(s tensor.StateDict) error {
	return tensor.LoadParameters(m.Parameters(), s)
}
func (m *markerModel) LogitScaleParameter() *tensor.Parameter { return m.scale }

func (m *markerModel) counts() (cached, live int) {
	for _, grad := range m.calls {
		if grad {
			live++
		} else {
			cached++
		}
	}
	return cached, live
}

// markerLoss sums the image features it sees and records them.
type markerLoss struct {
	seen [][]float64
}

func (l *markerLoss) Compute(in model.Output) (*loss.Dict, error) {
	img, err := in.Require(model.ImageFeatures)
	if err != nil {
		return nil, err
	}
	scale, err := in.Require(model.LogitScale)
	if err != nil {
		return nil, err
	}
	l.seen = append(l.seen, append([]float64(nil), img.Data()...))
	sum := 0.0
	for _, v := range img.Data() {
		sum += v
	}
	total := tensor.Scalar(sum)
	if img.RequiresGrad() {
		total = total.WithGrad(func(g []float64) error {
			ones := make([]float64, img.Len())
			for i := range ones {
				ones[i] = g[0]
			}
			return img.Backward(ones)
		})
	}
	d := loss.NewDict()
	d.Add("contrastive_loss", total)
	d.Add("scale_loss", scale)
	return d, nil
}

type markerPreparer struct{}

func (markerPreparer) Prepare(_ context.Context, b dataset.Batch) (*tensor.Tensor, *tensor.Tensor, error) {
	rows := make([][]float64, b.Len())
	for i, img := range b.Images {
		rows[i] = []float64{float64(img[0])}
	}
	images, err := tensor.Stack(rows, 1)
	if err != nil {
		return nil, nil, err
	}
	return images, images.Clone(), nil
}

// markerBatches returns n batches of size rows; batch k carries marker
// base+k in every row.
func markerBatches(n, size int, base byte) []dataset.Batch {
	out := make([]dataset.Batch, n)
	for k := range out {
		for r := 0; r < size; r++ {
			out[k].Images = append(out[k].Images, []byte{base + byte(k)})
			out[k].Captions = append(out[k].Captions, "")
		}
	}
	return out
}

// recordingOptimizer copies the gradients it is stepped with.
type recordingOptimizer struct {
	params []*tensor.Parameter
	lr     float64
	grads  [][]float64
	onStep func()
	events *[]string
}

func (o *recordingOptimizer) ZeroGrad() { tensor.ZeroGrads(o.params) }

func (o *recordingOptimizer) Step() error {
	var flat []float64
	for _, p := range o.params {
		flat = append(flat, p.Grad...)
	}
	o.grads = append(o.grads, flat)
	if o.events != nil {
		*o.events = append(*o.events, "step")
	}
	if o.onStep != nil {
		o.onStep()
	}
	return nil
}

func (o *recordingOptimizer) LR() float64                 { return o.lr }
func (o *recordingOptimizer) SetLR(lr float64)            { o.lr = lr }
func (o *recordingOptimizer) Params() []*tensor.Parameter { return o.params }
func (o *recordingOptimizer) StateDict() tensor.StateDict {
	return tensor.StateDict{"lr": tensor.Scalar(o.lr)}
}
func (o *recordingOptimizer) LoadStateDict(s tensor.StateDict) error {
	o.lr = s["lr"].Item()
	return nil
}

// stepLog is a scheduler recording the steps it is adjusted at.
type stepLog struct {
	steps []int
}

func (s *stepLog) Adjust(step int) float64 {
	s.steps = append(s.steps, step)
	return 0
}

func markerTrainer(t interface{ Fatalf(string, ...any) }, batches []dataset.Batch, accum int, mutate func(*Options)) (*Trainer, *markerModel, *markerLoss, *recordingOptimizer, *stepLog) {
	m := newMarkerModel()
	l := &markerLoss{}
	opt := &recordingOptimizer{params: m.Parameters(), lr: 0.1}
	sched := &stepLog{}
	opts := Options{
		Model:     m,
		Loss:      l,
		Optimizer: opt,
		Source:    dataset.NewMemory(batches),
		Preparer:  markerPreparer{},
		Scheduler: sched,
		AccumFreq: accum,
		LogEvery:  1,
		Logf:      func(string, ...any) {},
	}
	if mutate != nil {
		mutate(&opts)
	}
	tr, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return tr, m, l, opt, sched
}
