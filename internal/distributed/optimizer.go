package distributed

import (
	"github.com/pkg/errors"

	"clipforge/internal/optim"
)

// SyncOptimizer averages gradients across the group before stepping the
// wrapped optimizer. Synchronize performs the exchange explicitly; Step
// performs it implicitly unless called inside SkipSynchronize.
type SyncOptimizer struct {
	optim.Optimizer
	group *Group
	skip  bool
	syncs int
}

// NewSyncOptimizer wraps opt for group.
func NewSyncOptimizer(opt optim.Optimizer, group *Group) *SyncOptimizer {
	return &SyncOptimizer{Optimizer: opt, group: group}
}

// Synchronize all-reduces every gradient in one flat exchange.
func (o *SyncOptimizer) Synchronize() error {
	params := o.Params()
	n := 0
	for _, p := range params {
		n += len(p.Grad)
	}
	flat := make([]float64, 0, n)
	for _, p := range params {
		flat = append(flat, p.Grad...)
	}
	if err := o.group.AllReduceMean(flat); err != nil {
		return errors.Wrap(err, "synchronize gradients")
	}
	off := 0
	for _, p := range params {
		off += copy(p.Grad, flat[off:off+len(p.Grad)])
	}
	o.syncs++
	return nil
}

// Syncs counts completed gradient exchanges.
func (o *SyncOptimizer) Syncs() int { return o.syncs }

// Step synchronizes unless suppressed, then steps the wrapped optimizer.
func (o *SyncOptimizer) Step() error {
	if !o.skip {
		if err := o.Synchronize(); err != nil {
			return err
		}
	}
	return o.Optimizer.Step()
}

// SkipSynchronize runs fn with the implicit exchange in Step suppressed.
func (o *SyncOptimizer) SkipSynchronize(fn func() error) error {
	o.skip = true
	defer func() { o.skip = false }()
	return fn()
}
