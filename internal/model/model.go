package model

import (
	"github.com/pkg/errors"
	"golang.org/x/exp/slices"

	"clipforge/internal/tensor"
)

// Well-known output names.
const (
	ImageFeatures = "image_features"
	TextFeatures  = "text_features"
	LogitScale    = "logit_scale"
	LogitBias     = "logit_bias"
)

// DistillPrefix namespaces teacher outputs merged into a student output.
const DistillPrefix = "dist_"

// ErrMissingOutput is returned when a required named output is absent.
var ErrMissingOutput = errors.New("model: missing output")

// Output holds the named heads produced by a forward pass. Extra carries
// model specific or merged teacher outputs.
type Output struct {
	ImageFeatures *tensor.Tensor
	TextFeatures  *tensor.Tensor
	LogitScale    *tensor.Tensor
	LogitBias     *tensor.Tensor
	Extra         map[string]*tensor.Tensor
}

// Get looks an output up by name.
func (o *Output) Get(name string) (*tensor.Tensor, bool) {
	var t *tensor.Tensor
	switch name {
	case ImageFeatures:
		t = o.ImageFeatures
	case TextFeatures:
		t = o.TextFeatures
	case LogitScale:
		t = o.LogitScale
	case LogitBias:
		t = o.LogitBias
	default:
		t = o.Extra[name]
	}
	return t, t != nil
}

// Require is Get that fails with ErrMissingOutput.
func (o *Output) Require(name string) (*tensor.Tensor, error) {
	t, ok := o.Get(name)
	if !ok {
		return nil, errors.Wrapf(ErrMissingOutput, "%q", name)
	}
	return t, nil
}

// Set stores t under name.
func (o *Output) Set(name string, t *tensor.Tensor) {
	switch name {
	case ImageFeatures:
		o.ImageFeatures = t
	case TextFeatures:
		o.TextFeatures = t
	case LogitScale:
		o.LogitScale = t
	case LogitBias:
		o.LogitBias = t
	default:
		if o.Extra == nil {
			o.Extra = make(map[string]*tensor.Tensor)
		}
		o.Extra[name] = t
	}
}

// Names lists every present output, well-known heads first, extras sorted.
func (o *Output) Names() []string {
	var names []string
	for _, n := range []string{ImageFeatures, TextFeatures, LogitScale, LogitBias} {
		if _, ok := o.Get(n); ok {
			names = append(names, n)
		}
	}
	extra := make([]string, 0, len(o.Extra))
	for n, t := range o.Extra {
		if t != nil {
			extra = append(extra, n)
		}
	}
	slices.Sort(extra)
	return append(names, extra...)
}

// Features returns the batch-aligned outputs: everything except the logit
// scale and bias.
func (o *Output) Features() []string {
	names := o.Names()
	out := names[:0]
	for _, n := range names {
		if n != LogitScale && n != LogitBias {
			out = append(out, n)
		}
	}
	return out
}

// MergeDistill copies teacher outputs into o under DistillPrefix.
func (o *Output) MergeDistill(teacher Output) {
	for _, n := range teacher.Names() {
		t, _ := teacher.Get(n)
		o.Set(DistillPrefix+n, t)
	}
}

// ForwardOptions controls one forward pass.
type ForwardOptions struct {
	// Grad enables gradient tracking on the returned outputs.
	Grad bool
	// Autocast is the precision intermediate activations are rounded to.
	Autocast tensor.DType
}

// Forwarder maps a prepared batch to named outputs.
type Forwarder interface {
	Forward(images, texts *tensor.Tensor, opts ForwardOptions) (Output, error)
}

// Model is a trainable Forwarder.
type Model interface {
	Forwarder
	Parameters() []*tensor.Parameter
	StateDict() tensor.StateDict
	LoadStateDict(state tensor.StateDict) error
}

// LogitScaler is implemented by models with a learnable contrastive
// temperature stored in log space.
type LogitScaler interface {
	LogitScaleParameter() *tensor.Parameter
}
