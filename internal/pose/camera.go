package pose

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/spatial/r3"
)

// Distortion holds the radial (K1, K2) and tangential (P1, P2) lens
// coefficients of the Brown-Conrady model.
type Distortion struct {
	K1 float64 `yaml:"k1"`
	K2 float64 `yaml:"k2"`
	P1 float64 `yaml:"p1"`
	P2 float64 `yaml:"p2"`
}

// Intrinsics is a pinhole camera calibration.
type Intrinsics struct {
	FX float64 `yaml:"fx"`
	FY float64 `yaml:"fy"`
	CX float64 `yaml:"cx"`
	CY float64 `yaml:"cy"`

	Distortion Distortion `yaml:"distortion"`
}

// DefaultIntrinsics returns the calibration of the robot's camera at its
// 320x240 capture size.
func DefaultIntrinsics() Intrinsics {
	return Intrinsics{
		FX: 277.345389059622,
		FY: 278.253264643578,
		CX: 152.389201831827,
		CY: 109.376457506074,
		Distortion: Distortion{
			K1: -0.0691655300978844,
			K2: 0.0630063731358772,
		},
	}
}

// Validate checks that the focal lengths are usable.
func (in Intrinsics) Validate() error {
	if !(in.FX > 0) || !(in.FY > 0) {
		return fmt.Errorf("focal lengths must be positive, got fx=%g fy=%g", in.FX, in.FY)
	}
	for _, v := range []float64{in.CX, in.CY, in.Distortion.K1, in.Distortion.K2, in.Distortion.P1, in.Distortion.P2} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("calibration contains a non-finite value")
		}
	}
	return nil
}

// Project maps a point in camera coordinates to pixel coordinates.
//
// ok is false when the point is at or behind the image plane.
func (in Intrinsics) Project(p r3.Vec) (u, v float64, ok bool) {
	if p.Z <= 0 {
		return 0, 0, false
	}
	x := p.X / p.Z
	y := p.Y / p.Z

	d := in.Distortion
	r2 := x*x + y*y
	radial := 1 + d.K1*r2 + d.K2*r2*r2
	xd := x*radial + 2*d.P1*x*y + d.P2*(r2+2*x*x)
	yd := y*radial + d.P1*(r2+2*y*y) + 2*d.P2*x*y

	return in.FX*xd + in.CX, in.FY*yd + in.CY, true
}

// rotate applies the rotation encoded by the axis-angle vector rv to p.
func rotate(rv, p r3.Vec) r3.Vec {
	theta := r3.Norm(rv)
	if theta < 1e-12 {
		return r3.Add(p, r3.Cross(rv, p))
	}
	k := r3.Scale(1/theta, rv)
	sin, cos := math.Sincos(theta)
	return r3.Add(
		r3.Add(r3.Scale(cos, p), r3.Scale(sin, r3.Cross(k, p))),
		r3.Scale(r3.Dot(k, p)*(1-cos), k),
	)
}
