package tensor

import (
	"github.com/pkg/errors"
	"golang.org/x/exp/slices"
)

// StateDict maps names to detached tensors. Models, optimizers and scale
// managers all export their state this way.
type StateDict map[string]*Tensor

// Keys returns the names in sorted order.
func (s StateDict) Keys() []string {
	keys := make([]string, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// ParametersState snapshots parameter values by name.
func ParametersState(params []*Parameter) StateDict {
	state := make(StateDict, len(params))
	for _, p := range params {
		state[p.Name] = p.Tensor()
	}
	return state
}

// LoadParameters copies values from state into params. Every parameter must
// be present with a matching size.
func LoadParameters(params []*Parameter, state StateDict) error {
	for _, p := range params {
		t, ok := state[p.Name]
		if !ok {
			return errors.Errorf("state dict: missing %q", p.Name)
		}
		if t.Len() != len(p.Value) {
			return errors.Wrapf(ErrShapeMismatch, "state dict: %q has %d values, want %d", p.Name, t.Len(), len(p.Value))
		}
		copy(p.Value, t.Data())
	}
	return nil
}
