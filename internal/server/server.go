package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/ironsheep/ball-detect/internal/monitoring"
	"github.com/ironsheep/ball-detect/internal/protocol"
)

// Backend produces a detection for one frame reference. It is shared by all
// sessions and must be safe for concurrent use.
type Backend interface {
	Detect(ctx context.Context, ref string) (protocol.DetectedCircle, error)
}

// Config holds the server settings.
type Config struct {
	// Addr is the host:port to listen on.
	Addr string `yaml:"addr"`

	// IdleTimeout closes a session that sends nothing for this long while
	// the server waits for a request.
	IdleTimeout time.Duration `yaml:"idle_timeout"`

	// ReadBufferSize is the size of each socket read.
	ReadBufferSize int `yaml:"read_buffer_size"`

	// MaxLineBytes bounds an unterminated request line. A session whose
	// pending line grows past it is closed.
	MaxLineBytes int `yaml:"max_line_bytes"`

	// RemoveFrames deletes each referenced frame after its response is
	// produced.
	RemoveFrames bool `yaml:"remove_frames"`

	// CleanupDir restricts RemoveFrames to files inside this directory.
	CleanupDir string `yaml:"cleanup_dir"`

	// InferenceTimeout bounds each backend call. Zero means no limit.
	InferenceTimeout time.Duration `yaml:"inference_timeout"`
}

// DefaultConfig returns the settings the robot expects.
func DefaultConfig() Config {
	return Config{
		Addr:           "127.0.0.1:65432",
		IdleTimeout:    2 * time.Second,
		ReadBufferSize: 1024,
		MaxLineBytes:   64 * 1024,
		RemoveFrames:   true,
		CleanupDir:     os.TempDir(),
	}
}

// withDefaults fills unset fields. RemoveFrames is left as given.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Addr == "" {
		c.Addr = d.Addr
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = d.IdleTimeout
	}
	if c.ReadBufferSize <= 0 {
		c.ReadBufferSize = d.ReadBufferSize
	}
	if c.MaxLineBytes <= 0 {
		c.MaxLineBytes = d.MaxLineBytes
	}
	if c.CleanupDir == "" {
		c.CleanupDir = d.CleanupDir
	}
	return c
}

// Server accepts robot connections and answers detection requests.
type Server struct {
	cfg     Config
	backend Backend

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	closed   bool
	wg       sync.WaitGroup
}

// New creates a server. Zero-valued Config fields take their defaults.
func New(backend Backend, cfg Config) *Server {
	return &Server{
		cfg:     cfg.withDefaults(),
		backend: backend,
		conns:   make(map[net.Conn]struct{}),
	}
}

// Config returns the effective configuration.
func (s *Server) Config() Config {
	return s.cfg
}

// ListenAndServe listens on the configured address and serves until ctx is
// cancelled or Shutdown is called.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln, one goroutine per connection.
//
// It returns nil once ctx is cancelled or Shutdown is called, after every
// session has ended. Any other accept failure is returned.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		ln.Close()
		return nil
	}
	s.listener = ln
	s.mu.Unlock()

	monitoring.Logf("Server listening on %s", ln.Addr())

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-ctx.Done()
		s.Shutdown()
	}()

	var backoff time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.isClosed() {
				s.wg.Wait()
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				backoff = nextBackoff(backoff)
				monitoring.Logf("Accept error: %v; retrying in %v", err, backoff)
				time.Sleep(backoff)
				continue
			}
			return fmt.Errorf("accept failed: %w", err)
		}
		backoff = 0

		if !s.track(conn) {
			conn.Close()
			continue
		}
		go func() {
			defer s.wg.Done()
			defer s.untrack(conn)
			newSession(s, conn).run(ctx)
		}()
	}
}

// Shutdown stops accepting connections, closes every open session and waits
// for their goroutines to finish. It is safe to call more than once.
func (s *Server) Shutdown() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.wg.Wait()
		return nil
	}
	s.closed = true

	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}
	for c := range s.conns {
		c.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	return err
}

// Addr returns the listening address, or nil before Serve.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// track registers conn and reserves a slot in the wait group. It returns
// false once the server is shutting down.
func (s *Server) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[conn] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
}

func nextBackoff(d time.Duration) time.Duration {
	if d == 0 {
		return 5 * time.Millisecond
	}
	d *= 2
	if d > time.Second {
		d = time.Second
	}
	return d
}
