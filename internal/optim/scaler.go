package optim

import (
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"clipforge/internal/tensor"
)

// Scaler is the mixed-precision loss-scaling contract used by the trainer.
type Scaler interface {
	// Backward propagates loss multiplied by the current scale.
	Backward(loss *tensor.Tensor) error
	// Unscale divides the optimizer's gradients by the scale. At most once
	// between two Update calls.
	Unscale(opt Optimizer) error
	// Step steps opt unless the unscaled gradients were not finite.
	Step(opt Optimizer) error
	// Update adjusts the scale from what the last step observed.
	Update()
	Scale() float64
	StateDict() tensor.StateDict
	LoadStateDict(state tensor.StateDict) error
}

// GradScalerOptions configures dynamic loss scaling.
type GradScalerOptions struct {
	InitScale      float64
	GrowthFactor   float64
	BackoffFactor  float64
	GrowthInterval int
}

// DefaultGradScalerOptions mirrors the usual dynamic scaling defaults.
func DefaultGradScalerOptions() GradScalerOptions {
	return GradScalerOptions{
		InitScale:      65536,
		GrowthFactor:   2,
		BackoffFactor:  0.5,
		GrowthInterval: 2000,
	}
}

// GradScaler implements Scaler with dynamic scale adjustment: the scale is
// backed off after any step with non-finite gradients and grown after
// GrowthInterval consecutive clean steps.
type GradScaler struct {
	opts          GradScalerOptions
	scale         float64
	growthTracker int
	unscaled      bool
	foundInf      bool
	skipped       bool
}

// NewGradScaler returns a scaler starting at opts.InitScale.
func NewGradScaler(opts GradScalerOptions) *GradScaler {
	return &GradScaler{opts: opts, scale: opts.InitScale}
}

func (s *GradScaler) Scale() float64 { return s.scale }

// Skipped reports whether the most recent Step skipped the optimizer.
func (s *GradScaler) Skipped() bool { return s.skipped }

func (s *GradScaler) Backward(loss *tensor.Tensor) error {
	return loss.Backward([]float64{s.scale})
}

func (s *GradScaler) Unscale(opt Optimizer) error {
	if s.unscaled {
		return errors.New("grad scaler: unscale already called since the last update")
	}
	tensor.ScaleGrads(opt.Params(), 1/s.scale)
	s.foundInf = !tensor.GradsFinite(opt.Params())
	s.unscaled = true
	return nil
}

func (s *GradScaler) Step(opt Optimizer) error {
	if !s.unscaled {
		if err := s.Unscale(opt); err != nil {
			return err
		}
	}
	s.skipped = s.foundInf
	if s.foundInf {
		klog.V(1).Infof("grad scaler: non-finite gradients at scale %g, skipping optimizer step", s.scale)
		return nil
	}
	return opt.Step()
}

func (s *GradScaler) Update() {
	if s.foundInf {
		s.scale *= s.opts.BackoffFactor
		s.growthTracker = 0
	} else {
		s.growthTracker++
		if s.growthTracker >= s.opts.GrowthInterval {
			s.scale *= s.opts.GrowthFactor
			s.growthTracker = 0
		}
	}
	s.unscaled = false
	s.foundInf = false
}

func (s *GradScaler) StateDict() tensor.StateDict {
	return tensor.StateDict{
		"scale":           tensor.Scalar(s.scale),
		"growth_factor":   tensor.Scalar(s.opts.GrowthFactor),
		"backoff_factor":  tensor.Scalar(s.opts.BackoffFactor),
		"growth_interval": tensor.Scalar(float64(s.opts.GrowthInterval)),
		"growth_tracker":  tensor.Scalar(float64(s.growthTracker)),
	}
}

func (s *GradScaler) LoadStateDict(state tensor.StateDict) error {
	scale, ok := state["scale"]
	if !ok {
		return errors.New("grad scaler: state missing scale")
	}
	s.scale = scale.Item()
	if t, ok := state["growth_tracker"]; ok {
		s.growthTracker = int(t.Item())
	}
	if t, ok := state["growth_factor"]; ok {
		s.opts.GrowthFactor = t.Item()
	}
	if t, ok := state["backoff_factor"]; ok {
		s.opts.BackoffFactor = t.Item()
	}
	if t, ok := state["growth_interval"]; ok {
		s.opts.GrowthInterval = int(t.Item())
	}
	return nil
}
