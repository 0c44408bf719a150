package trainer

import (
	"math"

	"clipforge/internal/model"
	"clipforge/internal/optim"
	"clipforge/internal/tensor"
)

// MaxLogitScale bounds the log-space temperature: exp(MaxLogitScale) == 100.
var MaxLogitScale = math.Log(100)

// Synchronizer is a distributed optimizer that can exchange gradients
// explicitly and have its implicit exchange suppressed.
type Synchronizer interface {
	Synchronize() error
	SkipSynchronize(fn func() error) error
}

// finalizer turns accumulated gradients into one optimizer step.
type finalizer interface {
	finalize() error
	String() string
}

func newFinalizer(opt optim.Optimizer, scaler optim.Scaler, sync Synchronizer, clip float64) finalizer {
	switch {
	case sync != nil && scaler != nil:
		return syncedScaledFinalizer{opt: opt, scaler: scaler, sync: sync, clip: clip}
	case sync != nil:
		return syncedFinalizer{opt: opt, sync: sync, clip: clip}
	case scaler != nil:
		return scaledFinalizer{opt: opt, scaler: scaler, clip: clip}
	default:
		return plainFinalizer{opt: opt, clip: clip}
	}
}

func clipGrads(opt optim.Optimizer, maxNorm float64) {
	if maxNorm > 0 {
		tensor.ClipGradNorm(opt.Params(), maxNorm)
	}
}

type plainFinalizer struct {
	opt  optim.Optimizer
	clip float64
}

func (f plainFinalizer) finalize() error {
	clipGrads(f.opt, f.clip)
	return f.opt.Step()
}

func (plainFinalizer) String() string { return "plain" }

type scaledFinalizer struct {
	opt    optim.Optimizer
	scaler optim.Scaler
	clip   float64
}

func (f scaledFinalizer) finalize() error {
	if f.clip > 0 {
		if err := f.scaler.Unscale(f.opt); err != nil {
			return err
		}
		clipGrads(f.opt, f.clip)
	}
	if err := f.scaler.Step(f.opt); err != nil {
		return err
	}
	f.scaler.Update()
	return nil
}

func (scaledFinalizer) String() string { return "scaled" }

type syncedFinalizer struct {
	opt  optim.Optimizer
	sync Synchronizer
	clip float64
}

func (f syncedFinalizer) finalize() error {
	if err := f.sync.Synchronize(); err != nil {
		return err
	}
	clipGrads(f.opt, f.clip)
	return f.sync.SkipSynchronize(f.opt.Step)
}

func (syncedFinalizer) String() string { return "synced" }

type syncedScaledFinalizer struct {
	opt    optim.Optimizer
	scaler optim.Scaler
	sync   Synchronizer
	clip   float64
}

func (f syncedScaledFinalizer) finalize() error {
	if err := f.sync.Synchronize(); err != nil {
		return err
	}
	if err := f.scaler.Unscale(f.opt); err != nil {
		return err
	}
	clipGrads(f.opt, f.clip)
	err := f.sync.SkipSynchronize(func() error { return f.scaler.Step(f.opt) })
	if err != nil {
		return err
	}
	f.scaler.Update()
	return nil
}

func (syncedScaledFinalizer) String() string { return "synced+scaled" }

// clampLogitScale bounds the model's learnable temperature in place.
func clampLogitScale(m model.Model) {
	ls, ok := m.(model.LogitScaler)
	if !ok {
		return
	}
	p := ls.LogitScaleParameter()
	if p == nil {
		return
	}
	for i, v := range p.Value {
		p.Value[i] = math.Min(math.Max(v, 0), MaxLogitScale)
	}
}
