package optim

import (
	"fmt"
	"math"
	"strings"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"

	"clipforge/internal/tensor"
)

// Optimizer updates a fixed set of parameters from their gradients.
type Optimizer interface {
	ZeroGrad()
	Step() error
	// LR is the learning rate of the first parameter group.
	LR() float64
	SetLR(lr float64)
	Params() []*tensor.Parameter
	StateDict() tensor.StateDict
	LoadStateDict(state tensor.StateDict) error
}

// AdamWOptions configures AdamW.
type AdamWOptions struct {
	LR          float64
	Beta1       float64
	Beta2       float64
	Eps         float64
	WeightDecay float64
}

// AdamW is Adam with decoupled weight decay. Gains, biases, the logit scale
// and every parameter with fewer than two dimensions are not decayed.
type AdamW struct {
	opts   AdamWOptions
	params []*tensor.Parameter
	decay  []bool
	m, v   [][]float64
	step   int
}

// NewAdamW validates opts and allocates moment buffers.
func NewAdamW(params []*tensor.Parameter, opts AdamWOptions) (*AdamW, error) {
	if opts.LR < 0 {
		return nil, errors.Errorf("adamw: lr must be >= 0 (got %g)", opts.LR)
	}
	if opts.Beta1 < 0 || opts.Beta1 >= 1 || opts.Beta2 < 0 || opts.Beta2 >= 1 {
		return nil, errors.Errorf("adamw: betas must be in [0,1) (got %g, %g)", opts.Beta1, opts.Beta2)
	}
	if opts.Eps <= 0 {
		return nil, errors.Errorf("adamw: eps must be > 0 (got %g)", opts.Eps)
	}
	a := &AdamW{opts: opts, params: params}
	for _, p := range params {
		a.decay = append(a.decay, decays(p))
		a.m = append(a.m, make([]float64, len(p.Value)))
		a.v = append(a.v, make([]float64, len(p.Value)))
	}
	return a, nil
}

func decays(p *tensor.Parameter) bool {
	if p.Dims() < 2 {
		return false
	}
	for _, s := range []string{"bn", "ln", "bias", "logit_scale"} {
		if strings.Contains(p.Name, s) {
			return false
		}
	}
	return true
}

func (a *AdamW) ZeroGrad()                   { tensor.ZeroGrads(a.params) }
func (a *AdamW) LR() float64                 { return a.opts.LR }
func (a *AdamW) SetLR(lr float64)            { a.opts.LR = lr }
func (a *AdamW) Params() []*tensor.Parameter { return a.params }

// Step applies one update.
func (a *AdamW) Step() error {
	a.step++
	b1, b2 := a.opts.Beta1, a.opts.Beta2
	c1 := 1 - math.Pow(b1, float64(a.step))
	c2 := 1 - math.Pow(b2, float64(a.step))
	lr := a.opts.LR
	for i, p := range a.params {
		if a.decay[i] && a.opts.WeightDecay != 0 {
			floats.Scale(1-lr*a.opts.WeightDecay, p.Value)
		}
		m, v := a.m[i], a.v[i]
		for k, g := range p.Grad {
			m[k] = b1*m[k] + (1-b1)*g
			v[k] = b2*v[k] + (1-b2)*g*g
			mhat := m[k] / c1
			vhat := math.Max(v[k]/c2, 0)
			p.Value[k] -= lr * mhat / (math.Sqrt(vhat) + a.opts.Eps)
		}
	}
	return nil
}

// StateDict exports moments, the step count and the learning rate.
func (a *AdamW) StateDict() tensor.StateDict {
	state := tensor.StateDict{
		"step": tensor.Scalar(float64(a.step)),
		"lr":   tensor.Scalar(a.opts.LR),
	}
	for i, p := range a.params {
		state[fmt.Sprintf("exp_avg.%s", p.Name)] = vector(a.m[i])
		state[fmt.Sprintf("exp_avg_sq.%s", p.Name)] = vector(a.v[i])
	}
	return state
}

// LoadStateDict restores state produced by StateDict.
func (a *AdamW) LoadStateDict(state tensor.StateDict) error {
	step, ok := state["step"]
	if !ok {
		return errors.New("adamw: state missing step")
	}
	a.step = int(step.Item())
	if lr, ok := state["lr"]; ok {
		a.opts.LR = lr.Item()
	}
	for i, p := range a.params {
		if err := restore(state, "exp_avg."+p.Name, a.m[i]); err != nil {
			return err
		}
		if err := restore(state, "exp_avg_sq."+p.Name, a.v[i]); err != nil {
			return err
		}
	}
	return nil
}

// SGD is stochastic gradient descent with optional momentum.
type SGD struct {
	lr       float64
	momentum float64
	params   []*tensor.Parameter
	buf      [][]float64
}

// NewSGD allocates momentum buffers when momentum > 0.
func NewSGD(params []*tensor.Parameter, lr, momentum float64) *SGD {
	s := &SGD{lr: lr, momentum: momentum, params: params}
	for _, p := range params {
		s.buf = append(s.buf, make([]float64, len(p.Value)))
	}
	return s
}

func (s *SGD) ZeroGrad()                   { tensor.ZeroGrads(s.params) }
func (s *SGD) LR() float64                 { return s.lr }
func (s *SGD) SetLR(lr float64)            { s.lr = lr }
func (s *SGD) Params() []*tensor.Parameter { return s.params }

// Step applies one update.
func (s *SGD) Step() error {
	for i, p := range s.params {
		d := p.Grad
		if s.momentum > 0 {
			floats.Scale(s.momentum, s.buf[i])
			floats.Add(s.buf[i], p.Grad)
			d = s.buf[i]
		}
		floats.AddScaled(p.Value, -s.lr, d)
	}
	return nil
}

// StateDict exports momentum buffers and the learning rate.
func (s *SGD) StateDict() tensor.StateDict {
	state := tensor.StateDict{"lr": tensor.Scalar(s.lr)}
	for i, p := range s.params {
		state["momentum_buffer."+p.Name] = vector(s.buf[i])
	}
	return state
}

// LoadStateDict restores state produced by StateDict.
func (s *SGD) LoadStateDict(state tensor.StateDict) error {
	if lr, ok := state["lr"]; ok {
		s.lr = lr.Item()
	}
	for i, p := range s.params {
		if err := restore(state, "momentum_buffer."+p.Name, s.buf[i]); err != nil {
			return err
		}
	}
	return nil
}

func vector(v []float64) *tensor.Tensor {
	t, _ := tensor.New([]int{len(v)}, append([]float64(nil), v...))
	return t
}

func restore(state tensor.StateDict, key string, dst []float64) error {
	t, ok := state[key]
	if !ok {
		return errors.Errorf("optimizer state missing %q", key)
	}
	if t.Len() != len(dst) {
		return errors.Wrapf(tensor.ErrShapeMismatch, "optimizer state %q has %d values, want %d", key, t.Len(), len(dst))
	}
	copy(dst, t.Data())
	return nil
}
