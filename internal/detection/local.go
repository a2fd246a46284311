package detection

import (
	"context"
	"image"
	"math"

	"github.com/ironsheep/ball-detect/internal/imaging"
)

// HoughDetector finds balls as circles in the edge map of a frame.
//
// Boxes are reported in descending confidence order. It needs no model
// weights, which makes it the default backend on a bare host.
type HoughDetector struct {
	MinRadius int
	MaxRadius int
	Options   CircleOptions
}

// NewHoughDetector returns a detector searching radii in [minRadius, maxRadius].
func NewHoughDetector(minRadius, maxRadius int) *HoughDetector {
	return &HoughDetector{
		MinRadius: minRadius,
		MaxRadius: maxRadius,
		Options:   DefaultCircleOptions(),
	}
}

// Infer implements Detector.
func (d *HoughDetector) Infer(ctx context.Context, img image.Image) ([]Box, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	circles := DetectCircles(img, d.MinRadius, d.MaxRadius, d.Options)
	boxes := make([]Box, 0, len(circles))
	for _, c := range circles {
		r := float64(c.Radius)
		cx, cy := float64(c.Center.X), float64(c.Center.Y)
		boxes = append(boxes, Box{
			X1:         cx - r,
			Y1:         cy - r,
			X2:         cx + r,
			Y2:         cy + r,
			Confidence: c.Confidence,
		})
	}
	return boxes, nil
}

// ConcurrentSafe implements ThreadSafeDetector; Infer keeps no state.
func (d *HoughDetector) ConcurrentSafe() {}

// ColorDetector finds balls as blobs of a known color.
//
// This is the color segmentation the robot used before the learned detector:
// an HSV range mask, cleaned up, with the largest blob reported first.
type ColorDetector struct {
	Range   imaging.HSVRange
	Mask    imaging.MaskOptions
	MinArea int
}

// NewColorDetector returns a detector for rng using the default mask cleanup.
func NewColorDetector(rng imaging.HSVRange) *ColorDetector {
	return &ColorDetector{
		Range:   rng,
		Mask:    imaging.DefaultMaskOptions(),
		MinArea: 50,
	}
}

// Infer implements Detector.
//
// Each blob becomes one box. Confidence is how much of the circle inscribed
// in the box the blob fills, so a round ball scores near 1 and an elongated
// smear scores low.
func (d *ColorDetector) Infer(ctx context.Context, img image.Image) ([]Box, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	mask := imaging.ColorMask(img, d.Range, d.Mask)
	blobs := FindBlobs(mask, d.MinArea)

	boxes := make([]Box, 0, len(blobs))
	for _, b := range blobs {
		r := 0.5 * math.Max(float64(b.Bounds.Dx()), float64(b.Bounds.Dy()))
		fill := float64(b.Area) / (math.Pi * r * r)
		boxes = append(boxes, Box{
			X1:         float64(b.Bounds.Min.X),
			Y1:         float64(b.Bounds.Min.Y),
			X2:         float64(b.Bounds.Max.X),
			Y2:         float64(b.Bounds.Max.Y),
			Confidence: math.Min(fill, 1.0),
		})
	}
	return boxes, nil
}

// ConcurrentSafe implements ThreadSafeDetector; Infer keeps no state.
func (d *ColorDetector) ConcurrentSafe() {}
