package optim

import (
	"math"

	"github.com/pkg/errors"
)

// Scheduler sets the optimizer's learning rate for a global step.
type Scheduler interface {
	Adjust(step int) float64
}

// SchedulerFunc adapts a function to Scheduler.
type SchedulerFunc func(step int) float64

func (f SchedulerFunc) Adjust(step int) float64 { return f(step) }

func warmupLR(base float64, warmup, step int) float64 {
	return base * float64(step+1) / float64(warmup)
}

// CosineLR warms up linearly for warmup steps and then follows a half cosine
// from base down to zero at totalSteps.
func CosineLR(opt Optimizer, base float64, warmup, totalSteps int) Scheduler {
	return SchedulerFunc(func(step int) float64 {
		var lr float64
		if step < warmup {
			lr = warmupLR(base, warmup, step)
		} else {
			e := step - warmup
			es := totalSteps - warmup
			if es <= 0 {
				lr = base
			} else {
				lr = 0.5 * (1 + math.Cos(math.Pi*float64(e)/float64(es))) * base
			}
		}
		opt.SetLR(lr)
		return lr
	})
}

// ConstLR warms up linearly and then holds base.
func ConstLR(opt Optimizer, base float64, warmup int) Scheduler {
	return SchedulerFunc(func(step int) float64 {
		lr := base
		if step < warmup {
			lr = warmupLR(base, warmup, step)
		}
		opt.SetLR(lr)
		return lr
	})
}

// NewScheduler builds the named schedule.
func NewScheduler(name string, opt Optimizer, base float64, warmup, totalSteps int) (Scheduler, error) {
	switch name {
	case "", "cosine":
		return CosineLR(opt, base, warmup, totalSteps), nil
	case "const":
		return ConstLR(opt, base, warmup), nil
	default:
		return nil, errors.Errorf("unknown lr scheduler %q", name)
	}
}
