package pose

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/diff/fd"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"
)

const (
	maxIterations = 100
	lambdaInit    = 1e-3
	lambdaMax     = 1e16
	costTolerance = 1e-10
	stepTolerance = 1e-10

	// minRMSLimit is the smallest reprojection limit, in pixels, accepted
	// by solvePnP.
	minRMSLimit = 2.0
)

// solvePnP minimises the squared reprojection error of object onto image
// over the six pose parameters, starting from guess. A solution whose RMS
// reprojection error exceeds maxRMS pixels is a failure.
func solvePnP(object []r3.Vec, image []point2, intr Intrinsics, guess Pose, maxRMS float64) (Pose, error) {
	if len(object) != len(image) || len(object) < 4 {
		return Pose{}, fmt.Errorf("%w: need at least 4 point pairs, got %d/%d", ErrSolveFailure, len(object), len(image))
	}

	m := 2 * len(object)
	residuals := func(dst, x []float64) {
		rv := r3.Vec{X: x[0], Y: x[1], Z: x[2]}
		t := r3.Vec{X: x[3], Y: x[4], Z: x[5]}
		for i, p := range object {
			u, v, ok := intr.Project(r3.Add(rotate(rv, p), t))
			if !ok {
				dst[2*i], dst[2*i+1] = math.Inf(1), math.Inf(1)
				continue
			}
			dst[2*i] = u - image[i].U
			dst[2*i+1] = v - image[i].V
		}
	}
	cost := func(x []float64) float64 {
		r := make([]float64, m)
		residuals(r, x)
		var s float64
		for _, v := range r {
			s += v * v
		}
		if math.IsNaN(s) {
			return math.Inf(1)
		}
		return s
	}

	x := []float64{
		guess.Rotation.X, guess.Rotation.Y, guess.Rotation.Z,
		guess.Translation.X, guess.Translation.Y, guess.Translation.Z,
	}
	current := cost(x)
	if math.IsInf(current, 0) {
		return Pose{}, fmt.Errorf("%w: initial guess projects behind the camera", ErrSolveFailure)
	}

	maxRMS = math.Max(maxRMS, minRMSLimit)
	finish := func(x []float64, cost float64) (Pose, error) {
		rms := math.Sqrt(cost / float64(len(object)))
		if rms > maxRMS {
			return Pose{}, fmt.Errorf("%w: reprojection error %.2fpx exceeds %.2fpx", ErrSolveFailure, rms, maxRMS)
		}
		return toPose(x), nil
	}

	jac := mat.NewDense(m, 6, nil)
	res := make([]float64, m)
	lambda := lambdaInit
	settings := &fd.JacobianSettings{Formula: fd.Central}

	for iter := 0; iter < maxIterations; iter++ {
		residuals(res, x)
		fd.Jacobian(jac, residuals, x, settings)

		var jtj mat.SymDense
		jtj.SymOuterK(1, jac.T())
		var grad mat.VecDense
		grad.MulVec(jac.T(), mat.NewVecDense(m, res))

		improved := false
		for !improved {
			if lambda > lambdaMax {
				// No step reduces the error any further: a local minimum.
				return finish(x, current)
			}

			step, ok := dampedStep(&jtj, &grad, lambda)
			if !ok {
				lambda *= 10
				continue
			}

			trial := make([]float64, 6)
			for i := range x {
				trial[i] = x[i] + step.AtVec(i)
			}
			next := cost(trial)
			if next >= current {
				lambda *= 10
				continue
			}

			improved = true
			lambda = math.Max(lambda/10, 1e-12)
			drop := current - next
			x, current = trial, next

			if drop <= costTolerance*math.Max(current, 1) || mat.Norm(step, 2) <= stepTolerance*(floats2Norm(x)+stepTolerance) {
				return finish(x, current)
			}
		}
	}
	return Pose{}, fmt.Errorf("%w: no convergence after %d iterations", ErrSolveFailure, maxIterations)
}

// dampedStep solves (JᵀJ + λ·diag(JᵀJ)) δ = -Jᵀr.
func dampedStep(jtj *mat.SymDense, grad *mat.VecDense, lambda float64) (*mat.VecDense, bool) {
	n := jtj.SymmetricDim()
	a := mat.NewSymDense(n, nil)
	a.CopySym(jtj)
	for i := 0; i < n; i++ {
		d := jtj.At(i, i)
		a.SetSym(i, i, d+lambda*math.Max(d, 1e-9))
	}

	var chol mat.Cholesky
	if ok := chol.Factorize(a); !ok {
		return nil, false
	}

	var neg mat.VecDense
	neg.ScaleVec(-1, grad)
	var step mat.VecDense
	if err := chol.SolveVecTo(&step, &neg); err != nil {
		return nil, false
	}
	for i := 0; i < n; i++ {
		if v := step.AtVec(i); math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, false
		}
	}
	return &step, true
}

func floats2Norm(x []float64) float64 {
	var s float64
	for _, v := range x {
		s += v * v
	}
	return math.Sqrt(s)
}

func toPose(x []float64) Pose {
	return Pose{
		Rotation:    r3.Vec{X: x[0], Y: x[1], Z: x[2]},
		Translation: r3.Vec{X: x[3], Y: x[4], Z: x[5]},
	}
}
