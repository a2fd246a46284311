// Package client is the robot side of the detection protocol.
//
// A Client holds one TCP connection to a detection server and sends one
// frame reference per Detect call. The server closes sessions that stay idle
// for a couple of seconds, so a Client transparently redials once when it
// finds its connection closed before any response bytes arrived.
package client

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"net"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/ironsheep/ball-detect/internal/imaging"
	"github.com/ironsheep/ball-detect/internal/monitoring"
	"github.com/ironsheep/ball-detect/internal/protocol"
)

var (
	// ErrInvalidReference is returned for references that are empty or
	// contain a line break.
	ErrInvalidReference = errors.New("invalid frame reference")

	// ErrClosed is returned by calls made after Close.
	ErrClosed = errors.New("client closed")
)

// DefaultTimeout bounds a Detect call when its context has no deadline.
const DefaultTimeout = 5 * time.Second

// Options configures a Client.
type Options struct {
	// Timeout bounds each request when the context carries no deadline.
	// Zero means DefaultTimeout.
	Timeout time.Duration

	// Codec writes the frames passed to DetectImage. Nil means a JPEG codec
	// writing to the OS temp directory.
	Codec *imaging.FrameCodec
}

// Client is a connection to a detection server. It is safe for concurrent
// use; requests are sent one at a time.
type Client struct {
	addr string
	opts Options

	mu     sync.Mutex
	conn   net.Conn
	r      *bufio.Reader
	closed bool
}

// Dial connects to the detection server at addr.
func Dial(ctx context.Context, addr string, opts Options) (*Client, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Codec == nil {
		opts.Codec = imaging.NewFrameCodec("")
	}

	c := &Client{addr: addr, opts: opts}
	if err := c.connect(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// Addr returns the server address.
func (c *Client) Addr() string {
	return c.addr
}

// Detect asks the server to detect a ball in the frame at ref.
//
// A server error response is returned as *protocol.RemoteError.
func (c *Client) Detect(ctx context.Context, ref string) (protocol.DetectedCircle, error) {
	if !protocol.ValidReference(ref) {
		return protocol.DetectedCircle{}, fmt.Errorf("%w: %q", ErrInvalidReference, ref)
	}
	ref = strings.TrimSpace(ref)

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return protocol.DetectedCircle{}, ErrClosed
	}
	if c.conn == nil {
		if err := c.connect(ctx); err != nil {
			return protocol.DetectedCircle{}, err
		}
	}

	line, err := c.roundTrip(ctx, ref)
	if err != nil && len(line) == 0 && isConnClosed(err) && ctx.Err() == nil {
		monitoring.Debugf("client: connection to %s closed, redialing", c.addr)
		c.drop()
		if err := c.connect(ctx); err != nil {
			return protocol.DetectedCircle{}, err
		}
		line, err = c.roundTrip(ctx, ref)
	}
	if err != nil {
		c.drop()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return protocol.DetectedCircle{}, ctxErr
		}
		return protocol.DetectedCircle{}, fmt.Errorf("request failed: %w", err)
	}

	return protocol.Decode(line)
}

// DetectImage writes img as a temporary frame, detects on it and removes the
// frame again, whatever the outcome.
func (c *Client) DetectImage(ctx context.Context, img image.Image) (protocol.DetectedCircle, error) {
	ref, err := c.opts.Codec.Write(img)
	if err != nil {
		return protocol.DetectedCircle{}, err
	}
	defer func() {
		if err := c.opts.Codec.Remove(ref); err != nil {
			monitoring.Logf("client: %v", err)
		}
	}()
	return c.Detect(ctx, ref)
}

// Close closes the connection. Later calls return ErrClosed.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn, c.r = nil, nil
	return err
}

func (c *Client) connect(ctx context.Context) error {
	dctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(dctx, "tcp", c.addr)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", c.addr, err)
	}
	c.conn = conn
	c.r = bufio.NewReader(conn)
	return nil
}

func (c *Client) drop() {
	if c.conn != nil {
		c.conn.Close()
	}
	c.conn, c.r = nil, nil
}

// roundTrip sends one request line and reads back one response line. The
// returned line is whatever was read, even on error.
func (c *Client) roundTrip(ctx context.Context, ref string) ([]byte, error) {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(c.opts.Timeout)
	}
	if err := c.conn.SetDeadline(deadline); err != nil {
		return nil, err
	}

	conn := c.conn
	stop := context.AfterFunc(ctx, func() {
		conn.SetDeadline(time.Unix(1, 0))
	})
	defer stop()

	if _, err := io.WriteString(conn, ref+"\n"); err != nil {
		return nil, err
	}
	return c.r.ReadBytes('\n')
}

// isConnClosed reports whether err means the peer had already closed the
// connection.
func isConnClosed(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, net.ErrClosed)
}
