package imaging

import (
	"image"
	"image/color"

	"github.com/disintegration/imaging"
)

// RegionOfInterest clears the top fraction of a mask in place.
//
// Only the band from topFraction*height down to the bottom edge survives.
// Values outside [0, 1] are clamped.
func RegionOfInterest(mask *image.Gray, topFraction float64) {
	if topFraction <= 0 {
		return
	}
	if topFraction > 1 {
		topFraction = 1
	}
	bounds := mask.Bounds()
	cut := bounds.Min.Y + int(topFraction*float64(bounds.Dy()))
	for y := bounds.Min.Y; y < cut; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			mask.SetGray(x, y, color.Gray{})
		}
	}
}

// FitInput downscales img so its longer side is at most size pixels.
//
// Returns the image to feed the detector and the factor that maps detector
// coordinates back to frame coordinates (frame = detector * scale). Images
// already small enough, and size <= 0, are returned unchanged with scale 1.
func FitInput(img image.Image, size int) (image.Image, float64) {
	bounds := img.Bounds()
	longest := bounds.Dx()
	if bounds.Dy() > longest {
		longest = bounds.Dy()
	}
	if size <= 0 || longest <= size {
		return img, 1
	}

	fitted := imaging.Fit(img, size, size, imaging.Lanczos)
	fb := fitted.Bounds()
	fLongest := fb.Dx()
	if fb.Dy() > fLongest {
		fLongest = fb.Dy()
	}
	return fitted, float64(longest) / float64(fLongest)
}
