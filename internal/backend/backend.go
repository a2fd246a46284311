// Package backend turns a frame reference into an accepted ball detection.
//
// A Backend loads the frame, optionally normalizes and downsizes it, runs the
// configured detector, and applies an AcceptancePolicy to the first box the
// detector reports. It is shared by every server session.
package backend

import (
	"context"
	"errors"
	"fmt"
	"image"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/ironsheep/ball-detect/internal/detection"
	"github.com/ironsheep/ball-detect/internal/imaging"
	"github.com/ironsheep/ball-detect/internal/monitoring"
	"github.com/ironsheep/ball-detect/internal/protocol"
)

var (
	// ErrFrameUnreadable is returned when the reference does not resolve to a
	// decodable image.
	ErrFrameUnreadable = imaging.ErrFrameUnreadable

	// ErrDetectorFailure is returned when the detector itself fails.
	ErrDetectorFailure = errors.New("detector failure")
)

// FrameLoader resolves a frame reference to an image.
type FrameLoader func(ref string) (image.Image, error)

// Options configures a Backend. The zero value uses DefaultPolicy,
// imaging.LoadFrame, no preprocessing and no resizing.
type Options struct {
	Policy AcceptancePolicy

	// Loader replaces imaging.LoadFrame, mostly for tests.
	Loader FrameLoader

	// Preprocess is applied to every frame before inference.
	Preprocess imaging.Adjustments

	// InputSize caps the longer side of the image handed to the detector.
	// Boxes are scaled back to frame coordinates. Zero disables resizing.
	InputSize int
}

// Backend is the detection pipeline shared by all sessions.
type Backend struct {
	detector detection.Detector
	policy   AcceptancePolicy
	loader   FrameLoader
	opts     Options
}

// New creates a backend around det.
//
// Detectors that do not implement detection.ThreadSafeDetector are wrapped so
// that at most one Infer call runs at a time.
func New(det detection.Detector, opts Options) *Backend {
	policy := opts.Policy
	if policy == (AcceptancePolicy{}) {
		policy = DefaultPolicy()
	}
	loader := opts.Loader
	if loader == nil {
		loader = imaging.LoadFrame
	}
	return &Backend{
		detector: Serialize(det),
		policy:   policy,
		loader:   loader,
		opts:     opts,
	}
}

// Policy returns the acceptance policy in effect.
func (b *Backend) Policy() AcceptancePolicy {
	return b.policy
}

// Detect runs the full pipeline for one frame reference.
//
// Returns a not-detected result (and no error) when the detector finds
// nothing or its first box fails the policy. Errors wrap ErrFrameUnreadable
// or ErrDetectorFailure.
func (b *Backend) Detect(ctx context.Context, ref string) (protocol.DetectedCircle, error) {
	img, err := b.loader(ref)
	if err != nil {
		if errors.Is(err, ErrFrameUnreadable) {
			return protocol.NotDetected(), err
		}
		return protocol.NotDetected(), fmt.Errorf("%w: %v", ErrFrameUnreadable, err)
	}

	if !b.opts.Preprocess.IsZero() {
		img = imaging.Normalize(img, b.opts.Preprocess)
	}
	input, scale := imaging.FitInput(img, b.opts.InputSize)

	start := time.Now()
	boxes, err := b.detector.Infer(ctx, input)
	if err != nil {
		return protocol.NotDetected(), fmt.Errorf("%w: %w", ErrDetectorFailure, err)
	}
	// The detector owns boxes; scaled coordinates go into a fresh slice.
	if scale != 1 {
		scaled := make([]detection.Box, len(boxes))
		for i, box := range boxes {
			scaled[i] = box.Scale(scale)
		}
		boxes = scaled
	}

	circle := b.policy.Evaluate(boxes)
	monitoring.Debugf("backend: %s: %d boxes in %s, detected=%v", ref, len(boxes), time.Since(start), circle.Detected)
	return circle, nil
}

// Serialize returns det unchanged if it is a ThreadSafeDetector, and
// otherwise wraps it so concurrent Infer calls queue behind one another.
// Waiting honors context cancellation.
func Serialize(det detection.Detector) detection.ThreadSafeDetector {
	if safe, ok := det.(detection.ThreadSafeDetector); ok {
		return safe
	}
	return &serialized{det: det, sem: semaphore.NewWeighted(1)}
}

type serialized struct {
	det detection.Detector
	sem *semaphore.Weighted
}

func (s *serialized) Infer(ctx context.Context, img image.Image) ([]detection.Box, error) {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer s.sem.Release(1)
	return s.det.Infer(ctx, img)
}

func (s *serialized) ConcurrentSafe() {}
