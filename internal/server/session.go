package server

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"os"
	"strings"
	"time"

	"github.com/ironsheep/ball-detect/internal/backend"
	"github.com/ironsheep/ball-detect/internal/imaging"
	"github.com/ironsheep/ball-detect/internal/monitoring"
	"github.com/ironsheep/ball-detect/internal/protocol"
)

// session is the per-connection state. It is owned by a single goroutine.
type session struct {
	srv          *Server
	conn         net.Conn
	remote       string
	buf          []byte
	lastActivity time.Time
}

func newSession(srv *Server, conn net.Conn) *session {
	return &session{
		srv:          srv,
		conn:         conn,
		remote:       conn.RemoteAddr().String(),
		lastActivity: time.Now(),
	}
}

func (ss *session) run(ctx context.Context) {
	monitoring.Logf("Connected by %s", ss.remote)
	defer func() {
		ss.conn.Close()
		monitoring.Logf("Connection closed: %s", ss.remote)
	}()

	cfg := ss.srv.cfg
	chunk := make([]byte, cfg.ReadBufferSize)
	for {
		if err := ss.conn.SetReadDeadline(time.Now().Add(cfg.IdleTimeout)); err != nil {
			monitoring.Debugf("%s: set deadline: %v", ss.remote, err)
			return
		}

		n, readErr := ss.conn.Read(chunk)
		if n > 0 {
			ss.buf = append(ss.buf, chunk[:n]...)
			ss.lastActivity = time.Now()
			if !ss.drain(ctx) {
				return
			}
			if len(ss.buf) > cfg.MaxLineBytes {
				monitoring.Logf("%s: request line exceeds %d bytes, closing", ss.remote, cfg.MaxLineBytes)
				return
			}
		}

		if readErr != nil {
			ss.logReadEnd(readErr)
			return
		}
	}
}

// drain answers every complete line in the buffer, in order. It returns false
// if a response could not be written.
func (ss *session) drain(ctx context.Context) bool {
	for {
		i := bytes.IndexByte(ss.buf, '\n')
		if i < 0 {
			return true
		}
		line := strings.TrimSpace(string(ss.buf[:i]))
		ss.buf = ss.buf[i+1:]
		if line == "" {
			continue
		}

		if err := ss.handle(ctx, line); err != nil {
			monitoring.Logf("%s: failed to send response: %v", ss.remote, err)
			return false
		}
	}
}

// handle runs one request and writes its response.
func (ss *session) handle(ctx context.Context, ref string) error {
	cfg := ss.srv.cfg
	if cfg.InferenceTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.InferenceTimeout)
		defer cancel()
	}

	monitoring.Debugf("%s: request %q", ss.remote, ref)
	circle, err := ss.srv.backend.Detect(ctx, ref)

	var resp *protocol.Response
	switch {
	case err == nil:
		resp = protocol.Success(circle)
	case errors.Is(err, backend.ErrFrameUnreadable):
		monitoring.Debugf("%s: %v", ss.remote, err)
		resp = protocol.Failure(protocol.MsgFrameUnreadable)
	default:
		monitoring.Logf("Detection failed for %s: %v", ref, err)
		resp = protocol.Failure(err.Error())
	}

	ss.cleanup(ref)

	data, err := protocol.Encode(resp)
	if err != nil {
		return err
	}
	_, err = ss.conn.Write(data)
	return err
}

// cleanup removes the frame behind ref if frame removal is enabled and the
// file lies inside the cleanup directory.
func (ss *session) cleanup(ref string) {
	cfg := ss.srv.cfg
	if !cfg.RemoveFrames {
		return
	}
	if !imaging.WithinDir(cfg.CleanupDir, ref) {
		monitoring.Debugf("%s: not removing %q outside %s", ss.remote, ref, cfg.CleanupDir)
		return
	}
	if err := os.Remove(ref); err != nil && !errors.Is(err, os.ErrNotExist) {
		monitoring.Logf("Failed to remove frame %s: %v", ref, err)
	}
}

func (ss *session) logReadEnd(err error) {
	var ne net.Error
	switch {
	case errors.Is(err, io.EOF):
		monitoring.Debugf("%s: client closed the connection", ss.remote)
	case errors.As(err, &ne) && ne.Timeout():
		monitoring.Debugf("%s: idle for %v, closing", ss.remote, time.Since(ss.lastActivity).Round(time.Millisecond))
	case errors.Is(err, net.ErrClosed):
		monitoring.Debugf("%s: connection closed by server", ss.remote)
	default:
		monitoring.Logf("Read error from %s: %v", ss.remote, err)
	}
}
