package model

import (
	"math"
	"testing"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"

	"clipforge/internal/tensor"
)

func newTestEncoder(t *testing.T, vocab int) *DualEncoder {
	t.Helper()
	m, err := NewDualEncoder(DualEncoderConfig{ImageDim: 4, TextDim: 3, EmbedDim: 5, VocabSize: vocab, Seed: 3})
	if err != nil {
		t.Fatalf("NewDualEncoder: %v", err)
	}
	return m
}

func testBatch(t *testing.T) (*tensor.Tensor, *tensor.Tensor) {
	t.Helper()
	images, err := tensor.New([]int{2, 4}, []float64{0.1, 0.2, 0.3, 0.4, 0.4, 0.3, -0.2, 0.1})
	if err != nil {
		t.Fatal(err)
	}
	texts, err := tensor.New([]int{2, 3}, []float64{0.5, -0.1, 0.2, 0.0, 0.3, 0.9})
	if err != nil {
		t.Fatal(err)
	}
	return images, texts
}

func TestDualEncoderFeaturesAreNormalised(t *testing.T) {
	m := newTestEncoder(t, 0)
	images, texts := testBatch(t)
	out, err := m.Forward(images, texts, ForwardOptions{})
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	for r := 0; r < 2; r++ {
		if n := floats.Norm(out.ImageFeatures.Row(r), 2); math.Abs(n-1) > 1e-6 {
			t.Fatalf("image row %d norm %v", r, n)
		}
		if n := floats.Norm(out.TextFeatures.Row(r), 2); math.Abs(n-1) > 1e-6 {
			t.Fatalf("text row %d norm %v", r, n)
		}
	}
	if out.ImageFeatures.RequiresGrad() || out.LogitScale.RequiresGrad() {
		t.Fatal("no-grad forward returned gradient-tracking outputs")
	}
	if math.Abs(out.LogitScale.Item()-1/0.07) > 1e-9 {
		t.Fatalf("initial logit scale %v", out.LogitScale.Item())
	}
}

func TestDualEncoderRejectsMismatchedBatch(t *testing.T) {
	m := newTestEncoder(t, 0)
	images, _ := testBatch(t)
	texts := tensor.Zeros(3, 3)
	if _, err := m.Forward(images, texts, ForwardOptions{}); !errors.Is(err, tensor.ErrShapeMismatch) {
		t.Fatalf("expected ErrShapeMismatch, got %v", err)
	}
}

func TestDualEncoderGradientMatchesFiniteDifference(t *testing.T) {
	m := newTestEncoder(t, 0)
	images, texts := testBatch(t)
	weights := []float64{0.3, -0.7, 0.2, 0.5, -0.1, 0.9, 0.4, -0.3, 0.6, 0.1}

	objective := func() float64 {
		out, err := m.Forward(images, texts, ForwardOptions{})
		if err != nil {
			t.Fatalf("Forward: %v", err)
		}
		return floats.Dot(out.ImageFeatures.Data(), weights)
	}

	out, err := m.Forward(images, texts, ForwardOptions{Grad: true})
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if err := out.ImageFeatures.Backward(weights); err != nil {
		t.Fatalf("Backward: %v", err)
	}

	p := m.visualProj
	const eps = 1e-6
	for _, i := range []int{0, 5, 11, 19} {
		orig := p.Value[i]
		p.Value[i] = orig + eps
		up := objective()
		p.Value[i] = orig - eps
		down := objective()
		p.Value[i] = orig
		numeric := (up - down) / (2 * eps)
		if math.Abs(numeric-p.Grad[i]) > 1e-4 {
			t.Fatalf("grad[%d]: analytic %v numeric %v", i, p.Grad[i], numeric)
		}
	}
}

func TestDualEncoderTokenPath(t *testing.T) {
	m := newTestEncoder(t, 10)
	images, _ := testBatch(t)
	tokens, _ := tensor.New([]int{2, 4}, []float64{8, 3, 9, 0, 8, 9, 0, 0})
	out, err := m.Forward(images, tokens, ForwardOptions{Grad: true})
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	g := make([]float64, out.TextFeatures.Len())
	g[0] = 1
	if err := out.TextFeatures.Backward(g); err != nil {
		t.Fatalf("Backward: %v", err)
	}
	emb := m.tokenEmbed
	touched := func(id int) bool {
		for _, v := range emb.Grad[id*3 : (id+1)*3] {
			if v != 0 {
				return true
			}
		}
		return false
	}
	if !touched(3) || !touched(8) {
		t.Fatal("tokens of row 0 received no gradient")
	}
	if touched(0) || touched(5) {
		t.Fatal("padding or unused tokens received gradient")
	}

	bad, _ := tensor.New([]int{2, 1}, []float64{10, 1})
	if _, err := m.Forward(images, bad, ForwardOptions{}); err == nil {
		t.Fatal("expected out-of-vocab error")
	}
}

func TestOutputFeaturesAndDistillMerge(t *testing.T) {
	out := Output{
		ImageFeatures: tensor.Zeros(2, 3),
		TextFeatures:  tensor.Zeros(2, 3),
		LogitScale:    tensor.Scalar(1),
		LogitBias:     tensor.Scalar(0),
	}
	out.Set("aux_tokens", tensor.Zeros(2, 1))
	got := out.Features()
	want := []string{ImageFeatures, TextFeatures, "aux_tokens"}
	if len(got) != len(want) {
		t.Fatalf("features %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("features %v, want %v", got, want)
		}
	}

	teacher := Output{ImageFeatures: tensor.Zeros(2, 3), LogitScale: tensor.Scalar(5)}
	out.MergeDistill(teacher)
	if s, err := out.Require("dist_logit_scale"); err != nil || s.Item() != 5 {
		t.Fatalf("dist_logit_scale not merged: %v", err)
	}
	if _, err := out.Require("dist_text_features"); !errors.Is(err, ErrMissingOutput) {
		t.Fatalf("expected ErrMissingOutput, got %v", err)
	}
}

func TestResolveFamily(t *testing.T) {
	cases := map[string]bool{
		"LIFT-linear":   true,
		"lift":          true,
		"ViT-B-16-LIFT": true,
		"clip-linear":   false,
		"siglip-b16":    false,
		"":              false,
	}
	for name, clip := range cases {
		if got := ResolveFamily(name).ClipGradToUnit; got != clip {
			t.Fatalf("%q: ClipGradToUnit=%v want %v", name, got, clip)
		}
	}
	if f := ResolveFamily("ViT-SigLIP-B"); f.Name != "siglip" || !f.LogitBias {
		t.Fatalf("siglip inside a longer name resolved to %+v", f)
	}
}
