package backend

import (
	"fmt"
	"math"

	"github.com/ironsheep/ball-detect/internal/detection"
	"github.com/ironsheep/ball-detect/internal/protocol"
)

// AcceptancePolicy decides whether a raw detection counts as a ball.
//
// A detection is accepted when its confidence is at least MinConfidence and
// its radius lies strictly between MinRadius and MaxRadius.
type AcceptancePolicy struct {
	MinConfidence float64 `yaml:"min_confidence"`
	MinRadius     int     `yaml:"min_radius"`
	MaxRadius     int     `yaml:"max_radius"`
}

// DefaultPolicy returns the thresholds the robot used on-board.
func DefaultPolicy() AcceptancePolicy {
	return AcceptancePolicy{
		MinConfidence: 0.8,
		MinRadius:     20,
		MaxRadius:     80,
	}
}

// Accepts reports whether a detection with the given confidence and radius
// passes the policy. Both radius bounds are exclusive.
func (p AcceptancePolicy) Accepts(confidence float64, radius int) bool {
	return confidence >= p.MinConfidence && p.MinRadius < radius && radius < p.MaxRadius
}

// Validate rejects policies that can never accept anything.
func (p AcceptancePolicy) Validate() error {
	if p.MinConfidence < 0 || p.MinConfidence > 1 {
		return fmt.Errorf("min_confidence %g outside [0,1]", p.MinConfidence)
	}
	if p.MinRadius < 0 {
		return fmt.Errorf("min_radius %d is negative", p.MinRadius)
	}
	if p.MaxRadius <= p.MinRadius+1 {
		return fmt.Errorf("no integer radius fits strictly between %d and %d", p.MinRadius, p.MaxRadius)
	}
	return nil
}

// Evaluate applies the policy to a detector's output.
//
// Only the first box is considered. If it is accepted the result is
// detected; if it is rejected, or there are no boxes, the result is not
// detected. Later boxes are never promoted.
func (p AcceptancePolicy) Evaluate(boxes []detection.Box) protocol.DetectedCircle {
	if len(boxes) == 0 {
		return protocol.NotDetected()
	}
	b := boxes[0]
	if !finite(b.X1, b.Y1, b.X2, b.Y2, b.Confidence) {
		return protocol.NotDetected()
	}

	radius := int(math.Round(0.5 * math.Max(b.Width(), b.Height())))
	if !p.Accepts(b.Confidence, radius) {
		return protocol.NotDetected()
	}

	return protocol.DetectedCircle{
		Detected: true,
		X1:       b.X1,
		Y1:       b.Y1,
		X2:       b.X2,
		Y2:       b.Y2,
		CX:       int(math.Round((b.X1 + b.X2) / 2)),
		CY:       int(math.Round((b.Y1 + b.Y2) / 2)),
		Radius:   radius,
	}
}

func finite(vals ...float64) bool {
	for _, v := range vals {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}
