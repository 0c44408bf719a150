package checkpoint

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
	"k8s.io/klog/v2"

	"clipforge/internal/tensor"
)

// Checkpoint is everything needed to resume a run.
type Checkpoint struct {
	Step      int
	Epoch     int
	Name      string
	Model     tensor.StateDict
	Optimizer tensor.StateDict
	// Scaler is nil when mixed-precision scaling is off.
	Scaler tensor.StateDict
}

// StepPath is the file a checkpoint for completed step lands in.
func StepPath(dir string, step int) string {
	return filepath.Join(dir, fmt.Sprintf("step_%d.ckpt", step))
}

// EpochPath is the file the end-of-epoch checkpoint lands in.
func EpochPath(dir string, epoch int) string {
	return filepath.Join(dir, fmt.Sprintf("epoch_%d.ckpt", epoch))
}

// Save encodes c as a protobuf Struct and writes it to path.
func Save(c *Checkpoint, path string) error {
	fields := map[string]any{
		"step":       c.Step,
		"epoch":      c.Epoch,
		"name":       c.Name,
		"state_dict": encodeState(c.Model),
		"optimizer":  encodeState(c.Optimizer),
	}
	if c.Scaler != nil {
		fields["scaler"] = encodeState(c.Scaler)
	}
	msg, err := structpb.NewStruct(fields)
	if err != nil {
		return errors.Wrap(err, "build checkpoint message")
	}
	data, err := proto.Marshal(msg)
	if err != nil {
		return errors.Wrap(err, "marshal checkpoint")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrap(err, "checkpoint dir")
	}
	return errors.Wrapf(os.WriteFile(path, data, 0o644), "write checkpoint %s", path)
}

// Load reads a checkpoint written by Save.
func Load(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read checkpoint")
	}
	var msg structpb.Struct
	if err := proto.Unmarshal(data, &msg); err != nil {
		return nil, errors.Wrapf(err, "unmarshal checkpoint %s", path)
	}
	f := msg.GetFields()
	c := &Checkpoint{
		Step:  int(f["step"].GetNumberValue()),
		Epoch: int(f["epoch"].GetNumberValue()),
		Name:  f["name"].GetStringValue(),
	}
	if c.Model, err = decodeState(f["state_dict"]); err != nil {
		return nil, errors.Wrap(err, "state_dict")
	}
	if c.Optimizer, err = decodeState(f["optimizer"]); err != nil {
		return nil, errors.Wrap(err, "optimizer")
	}
	if v, ok := f["scaler"]; ok {
		if c.Scaler, err = decodeState(v); err != nil {
			return nil, errors.Wrap(err, "scaler")
		}
	}
	return c, nil
}

func encodeState(state tensor.StateDict) map[string]any {
	out := make(map[string]any, len(state))
	for _, k := range state.Keys() {
		t := state[k]
		shape := make([]any, 0, len(t.Shape()))
		for _, d := range t.Shape() {
			shape = append(shape, d)
		}
		data := make([]any, 0, t.Len())
		for _, v := range t.Data() {
			data = append(data, v)
		}
		out[k] = map[string]any{"shape": shape, "data": data}
	}
	return out
}

func decodeState(v *structpb.Value) (tensor.StateDict, error) {
	if v == nil {
		return nil, errors.New("missing")
	}
	entries := v.GetStructValue().GetFields()
	state := make(tensor.StateDict, len(entries))
	for name, e := range entries {
		fields := e.GetStructValue().GetFields()
		var shape []int
		for _, d := range fields["shape"].GetListValue().GetValues() {
			shape = append(shape, int(d.GetNumberValue()))
		}
		raw := fields["data"].GetListValue().GetValues()
		data := make([]float64, len(raw))
		for i, d := range raw {
			data[i] = d.GetNumberValue()
		}
		t, err := tensor.New(shape, data)
		if err != nil {
			return nil, errors.Wrapf(err, "entry %q", name)
		}
		state[name] = t
	}
	return state, nil
}

// Writer saves step checkpoints on a fixed cadence.
type Writer struct {
	Dir string
	// Every is the cadence in completed steps; zero disables the writer.
	Every int
	// KeepLatestOnly removes the checkpoint one interval older after each save.
	KeepLatestOnly bool
}

// Due reports whether completedStep is on the cadence.
func (w *Writer) Due(completedStep int) bool {
	return w != nil && w.Every > 0 && completedStep%w.Every == 0
}

// MaybeSave writes the checkpoint built by build when completedStep is due
// and returns the written path, or "" when nothing was due.
func (w *Writer) MaybeSave(completedStep int, build func() *Checkpoint) (string, error) {
	if !w.Due(completedStep) {
		return "", nil
	}
	path := StepPath(w.Dir, completedStep)
	if err := Save(build(), path); err != nil {
		return "", err
	}
	klog.V(1).Infof("saved checkpoint %s", path)
	if w.KeepLatestOnly {
		prev := StepPath(w.Dir, completedStep-w.Every)
		if err := os.Remove(prev); err != nil && !os.IsNotExist(err) {
			klog.Warningf("remove previous checkpoint %s: %v", prev, err)
		}
	}
	return path, nil
}
