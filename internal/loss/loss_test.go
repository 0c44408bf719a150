package loss

import (
	"math"
	"testing"

	"github.com/pkg/errors"

	"clipforge/internal/model"
	"clipforge/internal/tensor"
)

func TestDictTotalExcludesSynthesizedEntry(t *testing.T) {
	d := NewDict()
	d.Add("a", tensor.Scalar(0.5))
	d.Add("b", tensor.Scalar(1.25))
	d.Add("c", tensor.Scalar(-0.25))
	total := d.Finalize()
	if total.Item() != 1.5 {
		t.Fatalf("total %v, want 1.5", total.Item())
	}
	if again := d.Total(); again.Item() != 1.5 {
		t.Fatalf("total after finalize %v, want 1.5 (double counted)", again.Item())
	}
	names := d.Names()
	if names[len(names)-1] != TotalKey || d.Len() != 4 {
		t.Fatalf("names %v", names)
	}
}

func features(t *testing.T, rows [][]float64) *tensor.Tensor {
	t.Helper()
	out, err := tensor.Stack(rows, len(rows[0]))
	if err != nil {
		t.Fatal(err)
	}
	return out
}

func TestClipLossPrefersAlignedPairs(t *testing.T) {
	img := features(t, [][]float64{{1, 0}, {0, 1}})
	aligned := model.Output{ImageFeatures: img, TextFeatures: features(t, [][]float64{{1, 0}, {0, 1}}), LogitScale: tensor.Scalar(10)}
	swapped := model.Output{ImageFeatures: img, TextFeatures: features(t, [][]float64{{0, 1}, {1, 0}}), LogitScale: tensor.Scalar(10)}

	good, err := ClipLoss{}.Compute(aligned)
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	bad, err := ClipLoss{}.Compute(swapped)
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	if good.Get(Contrastive).Item() >= bad.Get(Contrastive).Item() {
		t.Fatalf("aligned loss %v not below swapped %v", good.Get(Contrastive).Item(), bad.Get(Contrastive).Item())
	}
	want := math.Log(1 + math.Exp(-10))
	if math.Abs(good.Get(Contrastive).Item()-want) > 1e-9 {
		t.Fatalf("aligned loss %v, want %v", good.Get(Contrastive).Item(), want)
	}
}

func TestClipLossGradientMatchesFiniteDifference(t *testing.T) {
	imgData := []float64{0.6, 0.8, -0.8, 0.6, 0.28, 0.96}
	txtData := []float64{0.8, 0.6, 0.0, 1.0, -0.6, 0.8}
	const scale, bias = 3.0, -0.5

	value := func(img []float64, s float64) float64 {
		i, _ := tensor.New([]int{3, 2}, img)
		tx, _ := tensor.New([]int{3, 2}, txtData)
		d, err := ClipLoss{}.Compute(model.Output{ImageFeatures: i, TextFeatures: tx, LogitScale: tensor.Scalar(s), LogitBias: tensor.Scalar(bias)})
		if err != nil {
			t.Fatalf("Compute: %v", err)
		}
		return d.Get(Contrastive).Item()
	}

	var gotImg []float64
	var gotScale float64
	i, _ := tensor.New([]int{3, 2}, append([]float64(nil), imgData...))
	tx, _ := tensor.New([]int{3, 2}, txtData)
	in := model.Output{
		ImageFeatures: i.WithGrad(func(g []float64) error { gotImg = append([]float64(nil), g...); return nil }),
		TextFeatures:  tx,
		LogitScale:    tensor.Scalar(scale).WithGrad(func(g []float64) error { gotScale = g[0]; return nil }),
		LogitBias:     tensor.Scalar(bias),
	}
	d, err := ClipLoss{}.Compute(in)
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	if err := d.Finalize().Backward([]float64{1}); err != nil {
		t.Fatalf("Backward: %v", err)
	}

	const eps = 1e-6
	for k := range imgData {
		up := append([]float64(nil), imgData...)
		down := append([]float64(nil), imgData...)
		up[k] += eps
		down[k] -= eps
		numeric := (value(up, scale) - value(down, scale)) / (2 * eps)
		if math.Abs(numeric-gotImg[k]) > 1e-5 {
			t.Fatalf("d/dimg[%d]: analytic %v numeric %v", k, gotImg[k], numeric)
		}
	}
	numeric := (value(imgData, scale+eps) - value(imgData, scale-eps)) / (2 * eps)
	if math.Abs(numeric-gotScale) > 1e-5 {
		t.Fatalf("d/dscale: analytic %v numeric %v", gotScale, numeric)
	}
}

func TestClipLossRequiresLogitScale(t *testing.T) {
	img := features(t, [][]float64{{1, 0}})
	_, err := ClipLoss{}.Compute(model.Output{ImageFeatures: img, TextFeatures: img})
	if !errors.Is(err, model.ErrMissingOutput) {
		t.Fatalf("expected ErrMissingOutput, got %v", err)
	}
}

func TestDistillLossHasNoGradientWhenStudentMatchesTeacher(t *testing.T) {
	img := features(t, [][]float64{{0.6, 0.8}, {1, 0}})
	txt := features(t, [][]float64{{0.8, 0.6}, {0, 1}})
	var got []float64
	in := model.Output{
		ImageFeatures: img.WithGrad(func(g []float64) error { got = append([]float64(nil), g...); return nil }),
		TextFeatures:  txt,
		LogitScale:    tensor.Scalar(4),
	}
	in.MergeDistill(model.Output{ImageFeatures: img, TextFeatures: txt, LogitScale: tensor.Scalar(4)})

	d, err := DistillClipLoss{}.Compute(in)
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	if d.Get(Contrastive) == nil || d.Get(Distill) == nil {
		t.Fatalf("components %v", d.Names())
	}
	if err := d.Get(Distill).Backward([]float64{1}); err != nil {
		t.Fatalf("Backward: %v", err)
	}
	for k, g := range got {
		if math.Abs(g) > 1e-12 {
			t.Fatalf("distill gradient[%d]=%v, want 0", k, g)
		}
	}
}

func TestDistillLossRequiresTeacherOutputs(t *testing.T) {
	img := features(t, [][]float64{{1, 0}})
	_, err := DistillClipLoss{}.Compute(model.Output{ImageFeatures: img, TextFeatures: img, LogitScale: tensor.Scalar(1)})
	if !errors.Is(err, model.ErrMissingOutput) {
		t.Fatalf("expected ErrMissingOutput, got %v", err)
	}
}
