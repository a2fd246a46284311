package imaging

import (
	"fmt"
	"image"
	"image/color"

	"github.com/anthonynsimon/bild/blur"
	"github.com/anthonynsimon/bild/effect"
	"github.com/lucasb-eyer/go-colorful"
)

// HSV is a color in the 8-bit HSV convention used by OpenCV, so thresholds
// tuned on the robot carry over unchanged:
//   - H: hue, 0-179 (degrees / 2)
//   - S: saturation, 0-255
//   - V: value, 0-255
type HSV struct {
	H float64 `yaml:"h" json:"h"`
	S float64 `yaml:"s" json:"s"`
	V float64 `yaml:"v" json:"v"`
}

// HSVRange is an inclusive box in HSV space.
type HSVRange struct {
	Low  HSV `yaml:"low" json:"low"`
	High HSV `yaml:"high" json:"high"`
}

// Contains reports whether c lies inside the range on every channel.
func (r HSVRange) Contains(c HSV) bool {
	return c.H >= r.Low.H && c.H <= r.High.H &&
		c.S >= r.Low.S && c.S <= r.High.S &&
		c.V >= r.Low.V && c.V <= r.High.V
}

// Validate checks that every bound is within its channel's scale and that
// Low does not exceed High.
func (r HSVRange) Validate() error {
	check := func(name string, lo, hi, max float64) error {
		if lo < 0 || hi > max {
			return fmt.Errorf("%s range [%g,%g] outside [0,%g]", name, lo, hi, max)
		}
		if lo > hi {
			return fmt.Errorf("%s low %g exceeds high %g", name, lo, hi)
		}
		return nil
	}
	if err := check("hue", r.Low.H, r.High.H, 179); err != nil {
		return err
	}
	if err := check("saturation", r.Low.S, r.High.S, 255); err != nil {
		return err
	}
	return check("value", r.Low.V, r.High.V, 255)
}

// ToHSV converts a color to the OpenCV-scaled HSV convention.
//
// The second return value is false for fully transparent pixels, which have
// no meaningful hue.
func ToHSV(c color.Color) (HSV, bool) {
	cf, ok := colorful.MakeColor(c)
	if !ok {
		return HSV{}, false
	}
	h, s, v := cf.Hsv()
	return HSV{H: h / 2, S: s * 255, V: v * 255}, true
}

// MaskOptions tunes the cleanup applied around the HSV threshold.
type MaskOptions struct {
	// BlurRadius is the Gaussian blur radius applied before thresholding.
	// Zero disables the blur.
	BlurRadius float64

	// MorphRadius is the erode-then-dilate radius that removes speckle.
	// Zero disables the morphology pass.
	MorphRadius float64

	// TopCrop is the fraction of the frame height (from the top) excluded
	// from the mask. The robot camera sees the ball on the floor, so the
	// upper part of the frame only contributes false positives.
	TopCrop float64
}

// DefaultMaskOptions mirrors the segmentation the robot ran on-board:
// an 11x11 blur, two erode/dilate iterations, and the top 30% masked out.
func DefaultMaskOptions() MaskOptions {
	return MaskOptions{
		BlurRadius:  5,
		MorphRadius: 2,
		TopCrop:     0.30,
	}
}

// ColorMask segments the pixels of img that fall inside rng.
//
// Returns a grayscale mask with the same bounds as img where 255 marks a
// matching pixel and 0 everything else.
//
// # Pipeline
//
//  1. Gaussian blur (bild) to smooth sensor noise
//  2. RGB -> HSV (go-colorful) and range test
//  3. Erode then dilate (bild) to drop isolated pixels
//  4. Region of interest: clear the top TopCrop fraction of the frame
func ColorMask(img image.Image, rng HSVRange, opts MaskOptions) *image.Gray {
	bounds := img.Bounds()

	src := img
	if opts.BlurRadius > 0 {
		src = blur.Gaussian(img, opts.BlurRadius)
	}
	sb := src.Bounds()

	mask := image.NewGray(bounds)
	for y := 0; y < bounds.Dy(); y++ {
		for x := 0; x < bounds.Dx(); x++ {
			hsv, ok := ToHSV(src.At(x+sb.Min.X, y+sb.Min.Y))
			if ok && rng.Contains(hsv) {
				mask.SetGray(x+bounds.Min.X, y+bounds.Min.Y, color.Gray{Y: 255})
			}
		}
	}

	if opts.MorphRadius > 0 {
		cleaned := effect.Dilate(effect.Erode(mask, opts.MorphRadius), opts.MorphRadius)
		mask = binarize(cleaned, bounds)
	}

	if opts.TopCrop > 0 {
		RegionOfInterest(mask, opts.TopCrop)
	}

	return mask
}

// binarize converts the output of a bild filter back into a 0/255 mask
// positioned at bounds.
func binarize(img image.Image, bounds image.Rectangle) *image.Gray {
	ib := img.Bounds()
	out := image.NewGray(bounds)
	for y := 0; y < bounds.Dy(); y++ {
		for x := 0; x < bounds.Dx(); x++ {
			r, g, b, _ := img.At(x+ib.Min.X, y+ib.Min.Y).RGBA()
			if (r+g+b)/3 >= 0x8000 {
				out.SetGray(x+bounds.Min.X, y+bounds.Min.Y, color.Gray{Y: 255})
			}
		}
	}
	return out
}
