package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ironsheep/ball-detect/internal/backend"
	"github.com/ironsheep/ball-detect/internal/detection"
	"github.com/ironsheep/ball-detect/internal/monitoring"
	"github.com/ironsheep/ball-detect/internal/protocol"
)

type backendFunc func(ctx context.Context, ref string) (protocol.DetectedCircle, error)

func (f backendFunc) Detect(ctx context.Context, ref string) (protocol.DetectedCircle, error) {
	return f(ctx, ref)
}

// indexBackend reports frame "frame-N" as a ball centered at x=N.
var indexBackend = backendFunc(func(_ context.Context, ref string) (protocol.DetectedCircle, error) {
	n, err := strconv.Atoi(strings.TrimPrefix(ref, "frame-"))
	if err != nil {
		return protocol.NotDetected(), nil
	}
	return protocol.DetectedCircle{Detected: true, CX: n, CY: 1, Radius: 25, X1: 1, Y1: 2, X2: 3, Y2: 4}, nil
})

func TestMain(m *testing.M) {
	monitoring.SetLogger(nil)
	os.Exit(m.Run())
}

// startServer runs a server on a loopback port and stops it when the test
// ends.
func startServer(t *testing.T, b Backend, cfg Config) *Server {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := New(b, cfg)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()
	require.Eventually(t, func() bool { return srv.Addr() != nil }, 2*time.Second, time.Millisecond)

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("server did not stop")
		}
	})
	return srv
}

type testConn struct {
	net.Conn
	r *bufio.Reader
}

func dial(t *testing.T, srv *Server) *testConn {
	t.Helper()
	conn, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &testConn{Conn: conn, r: bufio.NewReader(conn)}
}

func (c *testConn) send(t *testing.T, s string) {
	t.Helper()
	_, err := c.Write([]byte(s))
	require.NoError(t, err)
}

func (c *testConn) readLine(t *testing.T) string {
	t.Helper()
	require.NoError(t, c.SetReadDeadline(time.Now().Add(5*time.Second)))
	line, err := c.r.ReadString('\n')
	require.NoError(t, err)
	return line
}

func TestServer_MissingFrame(t *testing.T) {
	b := backend.New(detection.DetectorFunc(func(context.Context, image.Image) ([]detection.Box, error) {
		return nil, nil
	}), backend.Options{})
	srv := startServer(t, b, Config{})

	c := dial(t, srv)
	c.send(t, filepath.Join(t.TempDir(), "missing.jpg")+"\n")

	assert.Equal(t, `{"success":false,"error":"Image not found or unreadable."}`+"\n", c.readLine(t))
}

func TestServer_DetectedResponse(t *testing.T) {
	b := backendFunc(func(context.Context, string) (protocol.DetectedCircle, error) {
		return protocol.DetectedCircle{Detected: true, X1: 100, Y1: 100, X2: 150, Y2: 150, CX: 125, CY: 125, Radius: 25}, nil
	})
	srv := startServer(t, b, Config{})

	c := dial(t, srv)
	c.send(t, "frame.jpg\n")

	assert.Equal(t,
		`{"results":{"detected":true,"cx":125,"cy":125,"x1":100,"y1":100,"x2":150,"y2":150,"radius":25}}`+"\n",
		c.readLine(t))
}

func TestServer_NotDetectedResponse(t *testing.T) {
	srv := startServer(t, indexBackend, Config{})

	c := dial(t, srv)
	c.send(t, "not-an-index\n")

	assert.Equal(t,
		`{"results":{"detected":false,"cx":null,"cy":null,"x1":null,"y1":null,"x2":null,"y2":null,"radius":null}}`+"\n",
		c.readLine(t))
}

func TestServer_SplitRequestLine(t *testing.T) {
	var mu sync.Mutex
	var seen []string
	b := backendFunc(func(_ context.Context, ref string) (protocol.DetectedCircle, error) {
		mu.Lock()
		seen = append(seen, ref)
		mu.Unlock()
		return protocol.NotDetected(), nil
	})
	srv := startServer(t, b, Config{})

	c := dial(t, srv)
	c.send(t, "/tmp/fra")
	time.Sleep(30 * time.Millisecond)
	c.send(t, "me_01.jpg")
	time.Sleep(30 * time.Millisecond)
	c.send(t, "\n")

	c.readLine(t)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"/tmp/frame_01.jpg"}, seen)
}

func TestServer_PipelinedAndBlankLines(t *testing.T) {
	srv := startServer(t, indexBackend, Config{})

	c := dial(t, srv)
	c.send(t, "frame-1\n\n   \r\nframe-2\r\n  frame-3  \n")

	for want := 1; want <= 3; want++ {
		got, err := protocol.Decode([]byte(c.readLine(t)))
		require.NoError(t, err)
		assert.Equal(t, want, got.CX)
	}
}

func TestServer_IdleTimeoutClosesSession(t *testing.T) {
	srv := startServer(t, indexBackend, Config{IdleTimeout: 100 * time.Millisecond})

	c := dial(t, srv)
	start := time.Now()
	require.NoError(t, c.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, err := c.r.ReadByte()
	assert.ErrorIs(t, err, io.EOF)
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestServer_IdleTimeoutExcludesProcessing(t *testing.T) {
	b := backendFunc(func(context.Context, string) (protocol.DetectedCircle, error) {
		time.Sleep(300 * time.Millisecond)
		return protocol.NotDetected(), nil
	})
	srv := startServer(t, b, Config{IdleTimeout: 100 * time.Millisecond})

	c := dial(t, srv)
	c.send(t, "slow.jpg\n")
	assert.Contains(t, c.readLine(t), `"detected":false`)
}

func TestServer_ConcurrentClients(t *testing.T) {
	srv := startServer(t, indexBackend, Config{})

	const clients, requests = 8, 10
	var wg sync.WaitGroup
	for i := 0; i < clients; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			conn, err := net.Dial("tcp", srv.Addr().String())
			if !assert.NoError(t, err) {
				return
			}
			defer conn.Close()
			r := bufio.NewReader(conn)

			for j := 0; j < requests; j++ {
				want := id*100 + j
				if _, err := fmt.Fprintf(conn, "frame-%d\n", want); !assert.NoError(t, err) {
					return
				}
				_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
				line, err := r.ReadString('\n')
				if !assert.NoError(t, err) {
					return
				}
				got, err := protocol.Decode([]byte(line))
				if assert.NoError(t, err) {
					assert.Equal(t, want, got.CX)
				}
			}
		}(i)
	}
	wg.Wait()
}

// scratchDetector keeps the frame it is working on in a field, so two
// overlapping Infer calls would read each other's frame.
type scratchDetector struct {
	frame          image.Image
	inFlight, peak atomic.Int32
}

func (d *scratchDetector) Infer(_ context.Context, img image.Image) ([]detection.Box, error) {
	n := d.inFlight.Add(1)
	defer d.inFlight.Add(-1)
	if n > d.peak.Load() {
		d.peak.Store(n)
	}

	d.frame = img
	time.Sleep(time.Millisecond)
	cx := float64(d.frame.Bounds().Dx())
	return []detection.Box{{X1: cx - 25, Y1: 0, X2: cx + 25, Y2: 50, Confidence: 0.9}}, nil
}

func TestServer_ConcurrentClientsSharedDetector(t *testing.T) {
	// Frame "frame-N" decodes to an N pixel wide image.
	loader := func(ref string) (image.Image, error) {
		n, err := strconv.Atoi(strings.TrimPrefix(ref, "frame-"))
		if err != nil {
			return nil, err
		}
		return image.NewGray(image.Rect(0, 0, n, 1)), nil
	}
	det := &scratchDetector{}
	srv := startServer(t, backend.New(det, backend.Options{Loader: loader}), Config{})

	const clients, requests = 6, 8
	var wg sync.WaitGroup
	for i := 0; i < clients; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			conn, err := net.Dial("tcp", srv.Addr().String())
			if !assert.NoError(t, err) {
				return
			}
			defer conn.Close()
			r := bufio.NewReader(conn)

			for j := 0; j < requests; j++ {
				want := 100 + id*10 + j
				if _, err := fmt.Fprintf(conn, "frame-%d\n", want); !assert.NoError(t, err) {
					return
				}
				_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
				line, err := r.ReadString('\n')
				if !assert.NoError(t, err) {
					return
				}
				got, err := protocol.Decode([]byte(line))
				if assert.NoError(t, err) {
					assert.True(t, got.Detected)
					assert.Equal(t, want, got.CX)
					assert.Equal(t, 25, got.Radius)
				}
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), det.peak.Load(), "detector ran concurrently")
}

func TestServer_BackendErrorKeepsSessionOpen(t *testing.T) {
	b := backendFunc(func(_ context.Context, ref string) (protocol.DetectedCircle, error) {
		if ref == "bad" {
			return protocol.NotDetected(), fmt.Errorf("%w: model crashed", backend.ErrDetectorFailure)
		}
		return protocol.NotDetected(), nil
	})
	srv := startServer(t, b, Config{})

	c := dial(t, srv)
	c.send(t, "bad\n")
	_, err := protocol.Decode([]byte(c.readLine(t)))
	var remote *protocol.RemoteError
	require.True(t, errors.As(err, &remote))
	assert.Contains(t, remote.Message, "model crashed")

	c.send(t, "good\n")
	got, err := protocol.Decode([]byte(c.readLine(t)))
	require.NoError(t, err)
	assert.False(t, got.Detected)
}

func TestServer_RemovesFramesInCleanupDir(t *testing.T) {
	dir := t.TempDir()
	inside := filepath.Join(dir, "frame.jpg")
	require.NoError(t, os.WriteFile(inside, []byte("x"), 0o644))

	other := t.TempDir()
	outside := filepath.Join(other, "keep.jpg")
	require.NoError(t, os.WriteFile(outside, []byte("x"), 0o644))

	srv := startServer(t, indexBackend, Config{RemoveFrames: true, CleanupDir: dir})
	c := dial(t, srv)

	c.send(t, inside+"\n")
	c.readLine(t)
	_, err := os.Stat(inside)
	assert.True(t, os.IsNotExist(err), "frame inside cleanup dir should be removed")

	c.send(t, outside+"\n")
	c.readLine(t)
	_, err = os.Stat(outside)
	assert.NoError(t, err, "frame outside cleanup dir must be kept")
}

func TestServer_RemovesFrameAfterError(t *testing.T) {
	dir := t.TempDir()
	frame := filepath.Join(dir, "frame.jpg")
	require.NoError(t, os.WriteFile(frame, []byte("not an image"), 0o644))

	b := backend.New(detection.DetectorFunc(func(context.Context, image.Image) ([]detection.Box, error) {
		return nil, nil
	}), backend.Options{})
	srv := startServer(t, b, Config{RemoveFrames: true, CleanupDir: dir})

	c := dial(t, srv)
	c.send(t, frame+"\n")
	assert.Contains(t, c.readLine(t), protocol.MsgFrameUnreadable)

	_, err := os.Stat(frame)
	assert.True(t, os.IsNotExist(err))
}

func TestServer_KeepsFramesWhenDisabled(t *testing.T) {
	dir := t.TempDir()
	frame := filepath.Join(dir, "frame.jpg")
	require.NoError(t, os.WriteFile(frame, []byte("x"), 0o644))

	srv := startServer(t, indexBackend, Config{CleanupDir: dir})
	c := dial(t, srv)
	c.send(t, frame+"\n")
	c.readLine(t)

	_, err := os.Stat(frame)
	assert.NoError(t, err)
}

func TestServer_OversizedLineClosesSession(t *testing.T) {
	srv := startServer(t, indexBackend, Config{MaxLineBytes: 16})

	c := dial(t, srv)
	c.send(t, strings.Repeat("x", 200))

	require.NoError(t, c.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, err := c.r.ReadByte()
	assert.Error(t, err)
}

func TestServer_InferenceTimeout(t *testing.T) {
	b := backendFunc(func(ctx context.Context, _ string) (protocol.DetectedCircle, error) {
		<-ctx.Done()
		return protocol.NotDetected(), fmt.Errorf("%w: %w", backend.ErrDetectorFailure, ctx.Err())
	})
	srv := startServer(t, b, Config{InferenceTimeout: 50 * time.Millisecond})

	c := dial(t, srv)
	c.send(t, "frame.jpg\n")
	assert.Contains(t, c.readLine(t), "deadline exceeded")
}

func TestServer_ShutdownClosesSessions(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv := New(indexBackend, Config{IdleTimeout: time.Minute})

	done := make(chan error, 1)
	go func() { done <- srv.Serve(context.Background(), ln) }()

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	// Make sure the session is running before shutting down.
	_, err = conn.Write([]byte("frame-1\n"))
	require.NoError(t, err)
	r := bufio.NewReader(conn)
	_, err = r.ReadString('\n')
	require.NoError(t, err)

	require.NoError(t, srv.Shutdown())

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after Shutdown")
	}

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, err = r.ReadByte()
	assert.Error(t, err)
	assert.NoError(t, srv.Shutdown(), "second Shutdown is a no-op")
}

func TestConfig_Defaults(t *testing.T) {
	cfg := New(indexBackend, Config{}).Config()
	assert.Equal(t, "127.0.0.1:65432", cfg.Addr)
	assert.Equal(t, 2*time.Second, cfg.IdleTimeout)
	assert.Equal(t, 1024, cfg.ReadBufferSize)
	assert.Equal(t, 64*1024, cfg.MaxLineBytes)
	assert.Equal(t, os.TempDir(), cfg.CleanupDir)
	assert.False(t, cfg.RemoveFrames)
}
