package preprocess

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"math"
	"testing"

	"clipforge/internal/dataset"
	"clipforge/internal/tensor"
	"clipforge/internal/tokenizer"
)

func encodePNG(t *testing.T, size int, fill color.Color) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, size, size))
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			img.Set(x, y, fill)
		}
	}
	buf := &bytes.Buffer{}
	if err := png.Encode(buf, img); err != nil {
		t.Fatalf("encode: %v", err)
	}
	return buf.Bytes()
}

func TestGridTransformNormalizes(t *testing.T) {
	raw := encodePNG(t, 10, color.RGBA{R: 255, G: 0, B: 255, A: 255})
	out, err := GridTransform(4)(raw)
	if err != nil {
		t.Fatalf("transform: %v", err)
	}
	if len(out) != 3*16 {
		t.Fatalf("expected %d values, got %d", 3*16, len(out))
	}
	wantR := (1 - Mean[0]) / Std[0]
	wantG := (0 - Mean[1]) / Std[1]
	if math.Abs(out[0]-wantR) > 1e-9 || math.Abs(out[16]-wantG) > 1e-9 {
		t.Fatalf("r=%v g=%v, want %v %v", out[0], out[16], wantR, wantG)
	}
}

func TestGridTransformRejectsGarbage(t *testing.T) {
	if _, err := GridTransform(4)([]byte("not an image")); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestPrepareTokenPath(t *testing.T) {
	tok, _ := tokenizer.NewHash(100, 6)
	a := &Adapter{
		Transform:  GridTransform(2),
		ImageShape: []int{3, 2, 2},
		Tokenizer:  tok,
		InputDType: tensor.BFloat16,
		Workers:    2,
	}
	if err := a.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	img := encodePNG(t, 4, color.Gray{Y: 128})
	images, texts, err := a.Prepare(context.Background(), dataset.Batch{
		Images:   [][]byte{img, img, img},
		Captions: []string{"a", "b c", ""},
	})
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if s := images.Shape(); len(s) != 4 || s[0] != 3 || s[1] != 3 {
		t.Fatalf("image shape %v", s)
	}
	if images.DType() != tensor.BFloat16 {
		t.Fatalf("image dtype %v", images.DType())
	}
	if s := texts.Shape(); s[0] != 3 || s[1] != 6 || texts.DType() != tensor.Int64 {
		t.Fatalf("text shape %v dtype %v", s, texts.DType())
	}
}

func TestPrepareEmbeddingPath(t *testing.T) {
	a := &Adapter{Transform: GridTransform(1), ImageShape: []int{3, 1, 1}, EmbedDim: 2, InputDType: tensor.BFloat16}
	img := encodePNG(t, 2, color.White)
	images, texts, err := a.Prepare(context.Background(), dataset.Batch{
		Images:     [][]byte{img, img},
		Embeddings: [][]float32{{1, 2}, {3, 4.000001}},
	})
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if images.DType() != tensor.BFloat16 || texts.DType() != tensor.Float32 {
		t.Fatalf("image dtype %v, text dtype %v", images.DType(), texts.DType())
	}
	if d := texts.Data(); len(d) != 4 || d[3] != float64(float32(4.000001)) {
		t.Fatalf("texts %v", d)
	}
}

func TestPrepareLengthMismatch(t *testing.T) {
	a := &Adapter{Transform: GridTransform(1), ImageShape: []int{3, 1, 1}, EmbedDim: 2}
	img := encodePNG(t, 2, color.White)
	_, _, err := a.Prepare(context.Background(), dataset.Batch{
		Images:     [][]byte{img, img},
		Embeddings: [][]float32{{1, 2}},
	})
	if !errors.Is(err, tensor.ErrShapeMismatch) {
		t.Fatalf("expected shape mismatch, got %v", err)
	}
}

func TestPrepareTransformFailure(t *testing.T) {
	a := &Adapter{Transform: GridTransform(1), ImageShape: []int{3, 1, 1}, EmbedDim: 1}
	_, _, err := a.Prepare(context.Background(), dataset.Batch{
		Images:     [][]byte{[]byte("junk")},
		Embeddings: [][]float32{{1}},
	})
	if err == nil {
		t.Fatal("expected transform error to propagate")
	}
}

func TestValidateTextPath(t *testing.T) {
	tok, _ := tokenizer.NewHash(100, 4)
	if err := (&Adapter{Transform: GridTransform(1)}).Validate(); err == nil {
		t.Fatal("expected error without a text path")
	}
	if err := (&Adapter{Transform: GridTransform(1), Tokenizer: tok, EmbedDim: 3}).Validate(); err == nil {
		t.Fatal("expected error with both text paths")
	}
}
