package imaging

import (
	"image"

	"github.com/disintegration/imaging"
)

// Adjustments describes the brightness/contrast normalization applied to a
// frame before detection. The zero value leaves the frame untouched.
type Adjustments struct {
	// Brightness in percent, -100 to 100.
	Brightness float64 `yaml:"brightness"`

	// Contrast in percent, -100 to 100.
	Contrast float64 `yaml:"contrast"`

	// Gamma correction; values below 1 darken, above 1 brighten.
	// Zero or 1 disables it.
	Gamma float64 `yaml:"gamma"`
}

// IsZero reports whether the adjustments would leave a frame unchanged.
func (a Adjustments) IsZero() bool {
	return a.Brightness == 0 && a.Contrast == 0 && (a.Gamma == 0 || a.Gamma == 1)
}

// Normalize applies a to img. Each stage is skipped when it is a no-op, and
// the original image is returned when every stage is.
func Normalize(img image.Image, a Adjustments) image.Image {
	if a.IsZero() {
		return img
	}
	out := img
	if a.Gamma != 0 && a.Gamma != 1 {
		out = imaging.AdjustGamma(out, a.Gamma)
	}
	if a.Brightness != 0 {
		out = imaging.AdjustBrightness(out, a.Brightness)
	}
	if a.Contrast != 0 {
		out = imaging.AdjustContrast(out, a.Contrast)
	}
	return out
}
