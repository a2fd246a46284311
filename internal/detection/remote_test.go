package detection

import (
	"context"
	"image/color"
	"image/jpeg"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPDetector_Infer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)

		file, _, err := r.FormFile("file")
		if !assert.NoError(t, err) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		defer file.Close()

		img, err := jpeg.Decode(file)
		if !assert.NoError(t, err) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		assert.Equal(t, 64, img.Bounds().Dx())

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"detections":[
			{"x1":10,"y1":12,"x2":40,"y2":42,"confidence":0.91,"class_id":0},
			{"x1":1,"y1":2,"x2":3,"y2":4,"confidence":0.2,"class_id":1}]}`))
	}))
	defer srv.Close()

	d := NewHTTPDetector(srv.URL, 5*time.Second)
	boxes, err := d.Infer(context.Background(), createTestImage(64, 48, color.White))
	require.NoError(t, err)
	require.Len(t, boxes, 2)

	assert.Equal(t, Box{X1: 10, Y1: 12, X2: 40, Y2: 42, Confidence: 0.91}, boxes[0])
	assert.Equal(t, 1, boxes[1].ClassID)
}

func TestHTTPDetector_NonOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not loaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	d := NewHTTPDetector(srv.URL, 5*time.Second)
	_, err := d.Infer(context.Background(), createTestImage(8, 8, color.White))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
	assert.Contains(t, err.Error(), "model not loaded")
}

func TestHTTPDetector_MalformedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`not json`))
	}))
	defer srv.Close()

	d := NewHTTPDetector(srv.URL, 5*time.Second)
	_, err := d.Infer(context.Background(), createTestImage(8, 8, color.White))
	assert.Error(t, err)
}

func TestHTTPDetector_CheckHealth(t *testing.T) {
	healthy := true
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !healthy {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := NewHTTPDetector(srv.URL+"/detect", time.Second)
	assert.NoError(t, d.CheckHealth(context.Background()), "no HealthURL means healthy")

	d.HealthURL = srv.URL + "/health"
	assert.NoError(t, d.CheckHealth(context.Background()))

	healthy = false
	assert.Error(t, d.CheckHealth(context.Background()))
}

func TestHTTPDetector_WatchHealth(t *testing.T) {
	var healthy atomic.Bool
	healthy.Store(true)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !healthy.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := NewHTTPDetector(srv.URL+"/detect", time.Second)
	d.HealthURL = srv.URL + "/health"

	reports := make(chan error, 16)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- d.WatchHealth(ctx, 10*time.Millisecond, func(err error) { reports <- err })
	}()

	healthy.Store(false)
	select {
	case err := <-reports:
		assert.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("no report after the service went down")
	}

	healthy.Store(true)
	select {
	case err := <-reports:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("no report after the service recovered")
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("WatchHealth did not return after cancel")
	}
}

func TestHTTPDetector_WatchHealthWithoutURL(t *testing.T) {
	d := NewHTTPDetector("http://127.0.0.1:1/detect", time.Second)
	err := d.WatchHealth(context.Background(), time.Millisecond, func(error) {
		t.Error("report must not be called")
	})
	assert.NoError(t, err)
}
