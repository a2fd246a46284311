// Package pose recovers the 3D position of a detected ball from its image
// circle.
//
// The ball is modelled as nine points on a sphere of known radius: the point
// facing the camera, the four silhouette extremes and four points at 45°
// between them. The matching image points are read off the detected circle,
// and a perspective-n-point solve (Levenberg-Marquardt on the reprojection
// error) returns the rotation and translation of the sphere in camera
// coordinates.
//
// The translation is the useful part: it is the ball center in the same unit
// as the ball radius (millimetres by default), with Z pointing away from the
// camera.
package pose

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/ironsheep/ball-detect/internal/protocol"
)

// DefaultBallRadius is the radius of the robot's ball in millimetres.
const DefaultBallRadius = 25.0

// ErrSolveFailure is returned when no pose can be recovered.
var ErrSolveFailure = errors.New("pose solve failed")

// Options configures Estimate. The zero value uses DefaultIntrinsics and
// DefaultBallRadius.
type Options struct {
	Intrinsics *Intrinsics
	BallRadius float64
}

func (o Options) intrinsics() Intrinsics {
	if o.Intrinsics != nil {
		return *o.Intrinsics
	}
	return DefaultIntrinsics()
}

func (o Options) ballRadius() float64 {
	if o.BallRadius > 0 {
		return o.BallRadius
	}
	return DefaultBallRadius
}

// Pose is a rigid transform from the sphere model into camera coordinates.
type Pose struct {
	// Rotation is an axis-angle vector: direction is the axis, length is
	// the angle in radians.
	Rotation r3.Vec

	// Translation is the sphere center in camera coordinates.
	Translation r3.Vec
}

// Distance returns the straight-line distance from the camera to the ball
// center.
func (p Pose) Distance() float64 {
	return r3.Norm(p.Translation)
}

// Bearing returns the horizontal angle to the ball in radians, positive to
// the right of the optical axis.
func (p Pose) Bearing() float64 {
	return math.Atan2(p.Translation.X, p.Translation.Z)
}

func (p Pose) String() string {
	return fmt.Sprintf("t=(%.1f, %.1f, %.1f) r=(%.3f, %.3f, %.3f)",
		p.Translation.X, p.Translation.Y, p.Translation.Z,
		p.Rotation.X, p.Rotation.Y, p.Rotation.Z)
}

// Estimate recovers the pose of a detected circle.
func Estimate(c protocol.DetectedCircle, opts Options) (Pose, error) {
	if !c.Detected {
		return Pose{}, fmt.Errorf("%w: circle not detected", ErrSolveFailure)
	}
	return EstimateCircle(float64(c.CX), float64(c.CY), float64(c.Radius), opts)
}

// EstimateCircle recovers the pose of a ball imaged as a circle centered at
// (cx, cy) with radius r pixels.
func EstimateCircle(cx, cy, r float64, opts Options) (Pose, error) {
	if !isFinite(cx, cy, r) {
		return Pose{}, fmt.Errorf("%w: non-finite circle", ErrSolveFailure)
	}
	if r <= 0 {
		return Pose{}, fmt.Errorf("%w: radius %g", ErrSolveFailure, r)
	}

	intr := opts.intrinsics()
	if err := intr.Validate(); err != nil {
		return Pose{}, fmt.Errorf("%w: %v", ErrSolveFailure, err)
	}
	radius := opts.ballRadius()

	object := sphereModel(radius)
	image := circlePoints(cx, cy, r)
	guess := initialGuess(cx, cy, r, radius, intr)

	// The nine-point circle pattern is only approximately a perspective view
	// of the model, so the allowed residual grows with the imaged radius.
	p, err := solvePnP(object, image, intr, guess, circleFitTolerance*r)
	if err != nil {
		return Pose{}, err
	}
	if !(p.Translation.Z > 0) {
		return Pose{}, fmt.Errorf("%w: solution behind the camera", ErrSolveFailure)
	}
	return p, nil
}

type point2 struct{ U, V float64 }

// sphereModel returns the nine model points. The model's +X axis faces the
// camera once the initial rotation is applied.
func sphereModel(radius float64) []r3.Vec {
	s := radius * math.Sin(math.Pi/4)
	c := radius * math.Cos(math.Pi/4)
	return []r3.Vec{
		{X: radius},
		{Y: -radius},
		{Y: radius},
		{Z: radius},
		{Z: -radius},
		{X: s, Y: c},
		{X: s, Y: -c},
		{X: s, Z: -c},
		{X: s, Z: c},
	}
}

// circlePoints returns the image points matching sphereModel, in the same
// order.
func circlePoints(cx, cy, r float64) []point2 {
	d := r * math.Cos(math.Pi/4)
	return []point2{
		{cx, cy},
		{cx - r, cy},
		{cx + r, cy},
		{cx, cy - r},
		{cx, cy + r},
		{cx + d, cy},
		{cx - d, cy},
		{cx, cy + d},
		{cx, cy - d},
	}
}

// initialRotation turns the model so its +X axis points back at the camera,
// its +Y axis to the image right and its +Z axis to the image top:
//
//	[ 0  1  0 ]
//	[ 0  0 -1 ]
//	[-1  0  0 ]
//
// as an axis-angle vector: 120° about (1, 1, -1).
func initialRotation() r3.Vec {
	angle := 2 * math.Pi / 3
	return r3.Scale(angle/math.Sqrt(3), r3.Vec{X: 1, Y: 1, Z: -1})
}

// circleFitTolerance is the RMS reprojection error allowed per pixel of
// imaged radius.
const circleFitTolerance = 0.2

// initialGuess places the sphere by similar triangles: a ball of radius R
// imaged with radius r lies at depth f·R/r.
func initialGuess(cx, cy, r, radius float64, intr Intrinsics) Pose {
	z := intr.FX * radius / r
	return Pose{
		Rotation: initialRotation(),
		Translation: r3.Vec{
			X: (cx - intr.CX) * z / intr.FX,
			Y: (cy - intr.CY) * z / intr.FY,
			Z: z,
		},
	}
}

func isFinite(vals ...float64) bool {
	for _, v := range vals {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}
