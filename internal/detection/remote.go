package detection

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/disintegration/imaging"
)

// HTTPDetector forwards frames to a model service over HTTP.
//
// The service receives a multipart POST with the frame as a JPEG in the
// "file" field and answers with:
//
//	{"detections": [{"x1": 10, "y1": 20, "x2": 60, "y2": 70, "confidence": 0.93, "class_id": 0}]}
//
// Detections are passed through in the order the service returns them.
type HTTPDetector struct {
	// URL is the inference endpoint.
	URL string

	// HealthURL, if set, is checked by CheckHealth.
	HealthURL string

	// Client performs the requests. Its Timeout bounds each inference.
	Client *http.Client

	// Quality is the JPEG quality used to upload frames. Zero means 90.
	Quality int
}

// NewHTTPDetector returns a detector posting to url with the given timeout.
func NewHTTPDetector(url string, timeout time.Duration) *HTTPDetector {
	return &HTTPDetector{
		URL:    url,
		Client: &http.Client{Timeout: timeout},
	}
}

type httpDetectResponse struct {
	Detections []Box `json:"detections"`
}

// Infer implements Detector.
func (d *HTTPDetector) Infer(ctx context.Context, img image.Image) ([]Box, error) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	part, err := writer.CreateFormFile("file", "frame.jpg")
	if err != nil {
		return nil, fmt.Errorf("create form file: %w", err)
	}

	quality := d.Quality
	if quality == 0 {
		quality = 90
	}
	if err := imaging.Encode(part, img, imaging.JPEG, imaging.JPEGQuality(quality)); err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("close multipart body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.URL, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := d.client().Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("inference failed with status %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}

	var result httpDetectResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return result.Detections, nil
}

// CheckHealth requests HealthURL. It returns nil when no HealthURL is set.
func (d *HTTPDetector) CheckHealth(ctx context.Context) error {
	if d.HealthURL == "" {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.HealthURL, nil)
	if err != nil {
		return err
	}
	resp, err := d.client().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("model service unhealthy: %d", resp.StatusCode)
	}
	return nil
}

// DefaultHealthInterval is the check period used by WatchHealth when none is
// given.
const DefaultHealthInterval = 30 * time.Second

// WatchHealth checks HealthURL every interval until ctx is done. report is
// called with the check result each time the service changes between healthy
// and unhealthy; the first check counts as a change only when it fails.
// It returns nil when ctx ends and immediately when no HealthURL is set.
func (d *HTTPDetector) WatchHealth(ctx context.Context, interval time.Duration, report func(error)) error {
	if d.HealthURL == "" {
		return nil
	}
	if interval <= 0 {
		interval = DefaultHealthInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	healthy := true
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		err := d.CheckHealth(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if (err == nil) != healthy {
			healthy = err == nil
			report(err)
		}
	}
}

// ConcurrentSafe implements ThreadSafeDetector. Each call is an independent
// HTTP request; the remote service owns its own scheduling.
func (d *HTTPDetector) ConcurrentSafe() {}

func (d *HTTPDetector) client() *http.Client {
	if d.Client != nil {
		return d.Client
	}
	return http.DefaultClient
}
