package config

import (
	"context"
	"fmt"

	"github.com/ironsheep/ball-detect/internal/detection"
	"github.com/ironsheep/ball-detect/internal/imaging"
)

// BuildDetector constructs the detector selected by Kind. The returned close
// function releases any client the detector holds and is never nil.
func (d DetectorConfig) BuildDetector(ctx context.Context) (detection.Detector, func() error, error) {
	noop := func() error { return nil }

	switch d.Kind {
	case DetectorHough:
		det := detection.NewHoughDetector(d.Hough.MinRadius, d.Hough.MaxRadius)
		det.Options = detection.CircleOptions{
			EdgeLow:  d.Hough.EdgeLow,
			EdgeHigh: d.Hough.EdgeHigh,
			MinVotes: d.Hough.MinVotes,
		}
		return det, noop, nil

	case DetectorColor:
		det := detection.NewColorDetector(d.Color.Range)
		det.Mask = imaging.MaskOptions{
			BlurRadius:  d.Color.BlurRadius,
			MorphRadius: d.Color.MorphRadius,
			TopCrop:     d.Color.TopCrop,
		}
		det.MinArea = d.Color.MinArea
		return det, noop, nil

	case DetectorHTTP:
		det := detection.NewHTTPDetector(d.HTTP.URL, d.HTTP.Timeout)
		det.HealthURL = d.HTTP.HealthURL
		if err := det.CheckHealth(ctx); err != nil {
			return nil, noop, fmt.Errorf("model service health check failed: %w", err)
		}
		return det, noop, nil

	case DetectorVision:
		det, err := detection.NewVisionDetector(ctx, d.Vision.Labels)
		if err != nil {
			return nil, noop, err
		}
		return det, det.Close, nil
	}
	return nil, noop, fmt.Errorf("unknown detector kind %q", d.Kind)
}
