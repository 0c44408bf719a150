package preprocess

import (
	"bytes"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"math"

	"github.com/pkg/errors"
)

// CLIP image normalization constants.
var (
	Mean = [3]float64{0.48145466, 0.4578275, 0.40821073}
	Std  = [3]float64{0.26862954, 0.26130258, 0.27577711}
)

// ImageTransform turns one encoded image into a flat channel-first vector.
type ImageTransform func(raw []byte) ([]float64, error)

// GridTransform decodes an image, samples a grid x grid lattice of pixels
// and normalizes each RGB channel. The result has shape [3, grid, grid].
func GridTransform(grid int) ImageTransform {
	plane := grid * grid
	return func(raw []byte) ([]float64, error) {
		img, _, err := image.Decode(bytes.NewReader(raw))
		if err != nil {
			return nil, errors.Wrap(err, "decode image")
		}
		bounds := img.Bounds()
		width := bounds.Dx()
		height := bounds.Dy()
		if width == 0 || height == 0 {
			return nil, errors.New("empty image")
		}
		out := make([]float64, 3*plane)
		stepX := float64(width) / float64(grid)
		stepY := float64(height) / float64(grid)
		for gy := 0; gy < grid; gy++ {
			for gx := 0; gx < grid; gx++ {
				px := bounds.Min.X + int(math.Min(float64(width-1), float64(gx)*stepX))
				py := bounds.Min.Y + int(math.Min(float64(height-1), float64(gy)*stepY))
				r, g, b, _ := img.At(px, py).RGBA()
				off := gy*grid + gx
				for c, v := range [3]uint32{r, g, b} {
					out[c*plane+off] = (float64(v)/65535.0 - Mean[c]) / Std[c]
				}
			}
		}
		return out, nil
	}
}
