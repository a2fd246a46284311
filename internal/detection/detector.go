package detection

import (
	"context"
	"image"
)

// Box is one raw detection in frame pixel coordinates.
//
// (X1, Y1) is the top-left corner and (X2, Y2) the bottom-right corner.
// Confidence is in [0, 1]. ClassID is the detector's label index; detectors
// with a single class report 0.
type Box struct {
	X1         float64 `json:"x1"`
	Y1         float64 `json:"y1"`
	X2         float64 `json:"x2"`
	Y2         float64 `json:"y2"`
	Confidence float64 `json:"confidence"`
	ClassID    int     `json:"class_id"`
}

// Width returns X2 - X1.
func (b Box) Width() float64 { return b.X2 - b.X1 }

// Height returns Y2 - Y1.
func (b Box) Height() float64 { return b.Y2 - b.Y1 }

// Scale multiplies every coordinate by f, leaving confidence and class alone.
func (b Box) Scale(f float64) Box {
	b.X1 *= f
	b.Y1 *= f
	b.X2 *= f
	b.Y2 *= f
	return b
}

// Detector is the opaque detection capability: given a frame, return zero or
// more boxes in the detector's native order.
//
// Implementations that can run Infer from several goroutines at once must
// also implement ThreadSafeDetector; callers serialize everything else.
// The returned slice stays owned by the detector and callers must not
// modify it.
type Detector interface {
	Infer(ctx context.Context, img image.Image) ([]Box, error)
}

// ThreadSafeDetector marks a Detector whose Infer may be called concurrently.
type ThreadSafeDetector interface {
	Detector
	ConcurrentSafe()
}

// DetectorFunc adapts a plain function to the Detector interface. It makes no
// concurrency promise.
type DetectorFunc func(ctx context.Context, img image.Image) ([]Box, error)

// Infer calls f.
func (f DetectorFunc) Infer(ctx context.Context, img image.Image) ([]Box, error) {
	return f(ctx, img)
}
