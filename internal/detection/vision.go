package detection

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"strings"

	gvision "cloud.google.com/go/vision/v2/apiv1"
	visionpb "cloud.google.com/go/vision/v2/apiv1/visionpb"
	"github.com/disintegration/imaging"
)

// DefaultVisionLabels are the Cloud Vision object names treated as a ball.
var DefaultVisionLabels = []string{"Ball", "Sports ball"}

type annotateFunc func(ctx context.Context, req *visionpb.BatchAnnotateImagesRequest) (*visionpb.BatchAnnotateImagesResponse, error)

// VisionDetector uses Google Cloud Vision object localization as the detector.
//
// Only annotations whose name matches one of the configured labels
// (case-insensitively) are returned, in the order the API lists them. ClassID
// is the index of the matching label.
type VisionDetector struct {
	annotate   annotateFunc
	closeFn    func() error
	labels     []string
	maxResults int32
}

var _ ThreadSafeDetector = (*VisionDetector)(nil)

// NewVisionDetector creates a client using Application Default Credentials.
// An empty labels slice means DefaultVisionLabels.
func NewVisionDetector(ctx context.Context, labels []string) (*VisionDetector, error) {
	client, err := gvision.NewImageAnnotatorClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create vision client: %w", err)
	}
	annotate := func(ctx context.Context, req *visionpb.BatchAnnotateImagesRequest) (*visionpb.BatchAnnotateImagesResponse, error) {
		return client.BatchAnnotateImages(ctx, req)
	}
	d := newVisionDetector(annotate, labels)
	d.closeFn = client.Close
	return d, nil
}

func newVisionDetector(annotate annotateFunc, labels []string) *VisionDetector {
	if len(labels) == 0 {
		labels = DefaultVisionLabels
	}
	return &VisionDetector{
		annotate:   annotate,
		labels:     labels,
		maxResults: 10,
	}
}

// Close releases the Vision API client.
func (v *VisionDetector) Close() error {
	if v.closeFn == nil {
		return nil
	}
	return v.closeFn()
}

// Infer implements Detector.
func (v *VisionDetector) Infer(ctx context.Context, img image.Image) ([]Box, error) {
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(90)); err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}

	req := &visionpb.BatchAnnotateImagesRequest{
		Requests: []*visionpb.AnnotateImageRequest{
			{
				Image: &visionpb.Image{Content: buf.Bytes()},
				Features: []*visionpb.Feature{
					{Type: visionpb.Feature_OBJECT_LOCALIZATION, MaxResults: v.maxResults},
				},
			},
		},
	}

	resp, err := v.annotate(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("vision API request failed: %w", err)
	}
	if len(resp.GetResponses()) == 0 {
		return nil, nil
	}

	first := resp.GetResponses()[0]
	if first.GetError() != nil {
		return nil, fmt.Errorf("vision API error: %s", first.GetError().GetMessage())
	}

	bounds := img.Bounds()
	width, height := float64(bounds.Dx()), float64(bounds.Dy())

	boxes := make([]Box, 0)
	for _, obj := range first.GetLocalizedObjectAnnotations() {
		classID := v.classOf(obj.GetName())
		if classID < 0 {
			continue
		}
		box, err := normalizedBox(obj.GetBoundingPoly().GetNormalizedVertices(), width, height)
		if err != nil {
			continue
		}
		box.Confidence = float64(obj.GetScore())
		box.ClassID = classID
		boxes = append(boxes, box)
	}
	return boxes, nil
}

// ConcurrentSafe implements ThreadSafeDetector; the API client is safe for
// concurrent use.
func (v *VisionDetector) ConcurrentSafe() {}

func (v *VisionDetector) classOf(name string) int {
	for i, label := range v.labels {
		if strings.EqualFold(label, name) {
			return i
		}
	}
	return -1
}

// normalizedBox converts a normalized bounding polygon into a pixel box.
func normalizedBox(vertices []*visionpb.NormalizedVertex, width, height float64) (Box, error) {
	if len(vertices) == 0 {
		return Box{}, errors.New("empty bounding polygon")
	}
	minX, minY := 1.0, 1.0
	maxX, maxY := 0.0, 0.0
	for _, vtx := range vertices {
		x, y := float64(vtx.GetX()), float64(vtx.GetY())
		minX = min(minX, x)
		minY = min(minY, y)
		maxX = max(maxX, x)
		maxY = max(maxY, y)
	}
	return Box{
		X1: minX * width,
		Y1: minY * height,
		X2: maxX * width,
		Y2: maxY * height,
	}, nil
}
