package trainer

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"clipforge/internal/checkpoint"
	"clipforge/internal/dataset"
	"clipforge/internal/distributed"
	"clipforge/internal/loss"
	"clipforge/internal/model"
	"clipforge/internal/optim"
	"clipforge/internal/tensor"
	"clipforge/internal/tracking"
)

// Preparer turns a raw batch into model inputs.
type Preparer interface {
	Prepare(ctx context.Context, b dataset.Batch) (images, texts *tensor.Tensor, err error)
}

// Options wires a Trainer to its collaborators.
type Options struct {
	Model     model.Model
	Loss      loss.Loss
	Optimizer optim.Optimizer
	Source    dataset.Source
	Preparer  Preparer

	// Teacher enables distillation. Only valid with AccumFreq == 1.
	Teacher model.Forwarder
	// Scaler enables mixed-precision loss scaling.
	Scaler optim.Scaler
	// Scheduler is stepped once per optimizer step unless SkipScheduler.
	Scheduler     optim.Scheduler
	SkipScheduler bool
	// Sync is the gradient exchange of a distributed run. Required when
	// Distributed is set.
	Sync        Synchronizer
	Distributed bool

	Family       model.Family
	AccumFreq    int
	GradClipNorm float64
	Autocast     tensor.DType

	Name      string
	Rank      int
	WorldSize int
	LogEvery  int
	// Checkpoints is nil when step checkpoints are disabled.
	Checkpoints *checkpoint.Writer
	Tracker     tracking.Sink
	// Logf receives the progress line. Defaults to klog.Infof.
	Logf func(format string, args ...any)
}

// EpochStats summarizes one TrainOneEpoch call.
type EpochStats struct {
	Batches int
	Steps   int
	// LastStep is the global step of the last optimizer step, -1 if none.
	LastStep int
	Losses   map[string]float64
}

// Trainer runs the epoch loop for one rank.
type Trainer struct {
	opts      Options
	finalizer finalizer
	accum     *accumulation
	now       func() time.Time
}

// New validates opts and selects the finalization strategy.
func New(opts Options) (*Trainer, error) {
	if opts.Model == nil || opts.Loss == nil || opts.Optimizer == nil {
		return nil, errors.New("trainer: model, loss and optimizer are required")
	}
	if opts.Source == nil || opts.Preparer == nil {
		return nil, errors.New("trainer: data source and preparer are required")
	}
	if opts.AccumFreq == 0 {
		opts.AccumFreq = 1
	}
	if opts.AccumFreq < 0 {
		return nil, errors.Errorf("trainer: accum_freq must be > 0 (got %d)", opts.AccumFreq)
	}
	if opts.GradClipNorm < 0 {
		return nil, errors.Errorf("trainer: grad clip norm must be >= 0 (got %g)", opts.GradClipNorm)
	}
	if opts.Teacher != nil && opts.AccumFreq > 1 {
		return nil, errors.New("trainer: distillation is not supported with accum_freq > 1")
	}
	if opts.Distributed && opts.Sync == nil {
		return nil, errors.New("trainer: distributed run without a gradient synchronizer")
	}
	if !opts.Distributed {
		opts.Sync = nil
	}
	if opts.Scheduler == nil && !opts.SkipScheduler {
		return nil, errors.New("trainer: no scheduler configured and skip_scheduler is off")
	}
	if opts.WorldSize <= 0 {
		opts.WorldSize = 1
	}
	if opts.LogEvery <= 0 {
		opts.LogEvery = 100
	}
	if opts.Logf == nil {
		opts.Logf = klog.Infof
	}
	t := &Trainer{
		opts:      opts,
		finalizer: newFinalizer(opts.Optimizer, opts.Scaler, opts.Sync, opts.GradClipNorm),
		now:       time.Now,
	}
	if opts.AccumFreq > 1 {
		t.accum = newAccumulation()
	}
	klog.V(1).Infof("trainer: rank %d finalizer=%s accum_freq=%d family=%s", opts.Rank, t.finalizer, opts.AccumFreq, opts.Family.Name)
	return t, nil
}

func (t *Trainer) primary() bool { return distributed.IsPrimary(t.opts.Rank) }

// TrainOneEpoch consumes every batch of the source once.
func (t *Trainer) TrainOneEpoch(ctx context.Context, epoch int) (EpochStats, error) {
	o := t.opts
	stats := EpochStats{LastStep: -1}

	o.Source.SetEpoch(epoch)
	batchesPerEpoch := o.Source.NumBatches() / o.AccumFreq
	if batchesPerEpoch == 0 {
		return stats, errors.Errorf("trainer: %d batches cannot fill one window of %d", o.Source.NumBatches(), o.AccumFreq)
	}

	var prog *progress
	if t.primary() {
		prog = newProgress(o.Logf, o.Tracker, o.LogEvery, o.AccumFreq, o.WorldSize, batchesPerEpoch, o.Source.NumSamples())
	}
	if t.accum != nil {
		t.accum.reset()
		defer t.accum.reset()
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	batches, errCh := o.Source.Batches(ctx)

	// Micro-batches past the last full window are never trained on.
	limit := batchesPerEpoch * o.AccumFreq
	windowStart := t.now()
	mark := windowStart
	i := -1
	for i+1 < limit {
		var batch dataset.Batch
		select {
		case <-ctx.Done():
			return stats, ctx.Err()
		case b, ok := <-batches:
			if !ok {
				if err := <-errCh; err != nil {
					return stats, errors.Wrapf(err, "epoch %d data", epoch)
				}
				return stats, nil
			}
			batch = b
		}
		i++
		stats.Batches++
		iAccum := i / o.AccumFreq
		step := batchesPerEpoch*epoch + iAccum

		if i%o.AccumFreq == 0 && !o.SkipScheduler {
			o.Scheduler.Adjust(step)
		}

		images, texts, err := o.Preparer.Prepare(ctx, batch)
		if err != nil {
			return stats, errors.Wrapf(err, "batch %d", i)
		}
		if prog != nil {
			prog.dataTime.Update(t.now().Sub(mark).Seconds(), 1)
		}

		var losses *loss.Dict
		var logitScale *tensor.Tensor
		if o.AccumFreq == 1 {
			losses, logitScale, err = t.oneShot(images, texts)
		} else {
			if err = t.cache(images, texts); err != nil {
				return stats, errors.Wrapf(err, "batch %d", i)
			}
			if (i+1)%o.AccumFreq != 0 {
				mark = t.now()
				continue
			}
			losses, logitScale, err = t.recompute()
		}
		if err != nil {
			return stats, errors.Wrapf(err, "step %d", step)
		}

		if err := t.finalizer.finalize(); err != nil {
			return stats, errors.Wrapf(err, "step %d optimizer", step)
		}
		if t.accum != nil {
			t.accum.reset()
		}
		clampLogitScale(o.Model)

		stats.Steps++
		stats.LastStep = step
		stats.Losses = losses.Values()

		now := t.now()
		if prog != nil {
			prog.batchTime.Update(now.Sub(windowStart).Seconds(), 1)
			if prog.due(iAccum) {
				r := stepReport{
					epoch:     epoch,
					step:      step,
					iAccum:    iAccum,
					batchSize: images.Rows(),
					lr:        o.Optimizer.LR(),
					losses:    losses,
				}
				if logitScale != nil {
					v := logitScale.Item()
					r.logitScale = &v
				}
				if err := prog.emit(r); err != nil {
					return stats, errors.Wrap(err, "tracking")
				}
			}
			if err := t.maybeCheckpoint(step+1, epoch); err != nil {
				return stats, err
			}
		}
		windowStart = t.now()
		mark = windowStart
	}
	return stats, nil
}

// oneShot runs forward, loss and backward for a single micro-batch step.
func (t *Trainer) oneShot(images, texts *tensor.Tensor) (*loss.Dict, *tensor.Tensor, error) {
	o := t.opts
	o.Optimizer.ZeroGrad()
	out, err := o.Model.Forward(images, texts, model.ForwardOptions{Grad: true, Autocast: o.Autocast})
	if err != nil {
		return nil, nil, errors.Wrap(err, "forward")
	}
	if o.Teacher != nil {
		teacherOut, err := o.Teacher.Forward(images, texts, model.ForwardOptions{Autocast: o.Autocast})
		if err != nil {
			return nil, nil, errors.Wrap(err, "teacher forward")
		}
		out.MergeDistill(teacherOut)
	}
	losses, err := o.Loss.Compute(out)
	if err != nil {
		return nil, nil, errors.Wrap(err, "loss")
	}
	if err := t.backward(losses.Finalize()); err != nil {
		return nil, nil, err
	}
	if o.Family.ClipGradToUnit {
		tensor.ClipGradNorm(o.Optimizer.Params(), 1)
	}
	return losses, out.LogitScale, nil
}

// cache runs the gradient-free forward of one micro-batch and stores its
// features with the prepared inputs.
func (t *Trainer) cache(images, texts *tensor.Tensor) error {
	out, err := t.opts.Model.Forward(images, texts, model.ForwardOptions{Autocast: t.opts.Autocast})
	if err != nil {
		return errors.Wrap(err, "cache forward")
	}
	t.accum.add(images, texts, out)
	return nil
}

// recompute re-runs every cached micro-batch with gradients, substituting
// the live features into the cached ones, and backpropagates each.
func (t *Trainer) recompute() (*loss.Dict, *tensor.Tensor, error) {
	o := t.opts
	if err := t.accum.check(); err != nil {
		return nil, nil, err
	}
	o.Optimizer.ZeroGrad()
	var losses *loss.Dict
	var logitScale *tensor.Tensor
	for j := 0; j < t.accum.len(); j++ {
		live, err := o.Model.Forward(t.accum.images[j], t.accum.texts[j], model.ForwardOptions{Grad: true, Autocast: o.Autocast})
		if err != nil {
			return nil, nil, errors.Wrapf(err, "recompute forward %d", j)
		}
		logitScale, err = live.Require(model.LogitScale)
		if err != nil {
			return nil, nil, errors.Wrapf(err, "recompute slot %d", j)
		}
		in, err := t.accum.substitute(j, live)
		if err != nil {
			return nil, nil, err
		}
		in.LogitScale = logitScale
		in.LogitBias = live.LogitBias

		losses, err = o.Loss.Compute(in)
		if err != nil {
			return nil, nil, errors.Wrapf(err, "loss slot %d", j)
		}
		if err := t.backward(losses.Finalize()); err != nil {
			return nil, nil, err
		}
	}
	return losses, logitScale, nil
}

func (t *Trainer) backward(total *tensor.Tensor) error {
	if !total.RequiresGrad() {
		return errors.Wrap(tensor.ErrNoGrad, "total loss")
	}
	if t.opts.Scaler != nil {
		return errors.Wrap(t.opts.Scaler.Backward(total), "scaled backward")
	}
	return errors.Wrap(total.Backward([]float64{1}), "backward")
}

func (t *Trainer) maybeCheckpoint(completed, epoch int) error {
	o := t.opts
	_, err := o.Checkpoints.MaybeSave(completed, func() *checkpoint.Checkpoint {
		return t.snapshot(completed, epoch)
	})
	return errors.Wrapf(err, "checkpoint step %d", completed)
}

// snapshot captures the resumable state after completed steps.
func (t *Trainer) snapshot(completed, epoch int) *checkpoint.Checkpoint {
	o := t.opts
	c := &checkpoint.Checkpoint{
		Step:      completed,
		Epoch:     epoch,
		Name:      o.Name,
		Model:     o.Model.StateDict(),
		Optimizer: o.Optimizer.StateDict(),
	}
	if o.Scaler != nil {
		c.Scaler = o.Scaler.StateDict()
	}
	return c
}
