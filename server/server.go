package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"sync"
	"syscall"
	"time"

	multierror "github.com/hashicorp/go-multierror"
)

// ErrServerClosed is returned by ListenAndServe/Serve after Shutdown.
var ErrServerClosed = errors.New("ftp: server closed")

// defaultMaxConnections applies when the caller doesn't set
// WithMaxConnections.
const defaultMaxConnections = 100

const (
	pasvMinPort    = 1024
	pasvMaxPort    = 65535
	pasvMaxRetries = 50
)

// Server accepts control connections and runs one session per connection,
// with a global cap on concurrent sessions and a graceful drain on
// shutdown.
type Server struct {
	addr    string
	driver  Driver
	logger  *slog.Logger
	rootDir string

	maxConnections int
	idleTimeout    time.Duration

	mu       sync.Mutex
	listener net.Listener
	shutdown bool

	activeConns int
	drainWG     sync.WaitGroup

	rngMu sync.Mutex
	rng   *rand.Rand
}

// Option configures a Server at construction time.
type Option func(*Server) error

// WithDriver sets the filesystem driver. Required.
func WithDriver(d Driver) Option {
	return func(s *Server) error {
		s.driver = d
		return nil
	}
}

// WithLogger overrides the default slog.Logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) error {
		s.logger = l
		return nil
	}
}

// WithRootDir records the real filesystem path being served, used only to
// locate the optional README banner file before a session authenticates.
func WithRootDir(dir string) Option {
	return func(s *Server) error {
		s.rootDir = dir
		return nil
	}
}

// WithMaxConnections caps concurrent sessions; the (max+1)-th connection is
// rejected with 421.
func WithMaxConnections(n int) Option {
	return func(s *Server) error {
		if n <= 0 {
			return fmt.Errorf("ftp: max connections must be positive")
		}
		s.maxConnections = n
		return nil
	}
}

// WithIdleTimeout bounds how long a session may sit between commands; on
// expiry the session is answered 421 and torn down. Zero (the default)
// disables enforcement, which the protocol leaves optional.
func WithIdleTimeout(d time.Duration) Option {
	return func(s *Server) error {
		if d < 0 {
			return fmt.Errorf("ftp: idle timeout must not be negative")
		}
		s.idleTimeout = d
		return nil
	}
}

// NewServer constructs a Server bound to addr (host:port, host may be
// empty for all interfaces). WithDriver is required.
func NewServer(addr string, opts ...Option) (*Server, error) {
	s := &Server{
		addr:           addr,
		logger:         slog.Default(),
		maxConnections: defaultMaxConnections,
		rng:            rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	if s.driver == nil {
		return nil, fmt.Errorf("ftp: WithDriver is required")
	}
	return s, nil
}

// ListenAndServe binds s.addr and serves until Shutdown is called.
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp4", s.addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve runs the accept loop on an already-bound listener.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		ln.Close()
		return ErrServerClosed
	}
	s.listener = ln
	s.mu.Unlock()

	var consecutiveFailures int
	for {
		conn, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			shuttingDown := s.shutdown
			s.mu.Unlock()
			if shuttingDown {
				return ErrServerClosed
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			consecutiveFailures++
			s.logger.Warn("accept error", "error", err, "consecutive", consecutiveFailures)
			if consecutiveFailures >= 10 {
				return fmt.Errorf("ftp: too many consecutive accept failures: %w", err)
			}
			continue
		}
		consecutiveFailures = 0

		if tc, ok := conn.(*net.TCPConn); ok {
			tc.SetNoDelay(true)
		}

		go s.handleConnection(conn)
	}
}

// handleConnection runs one session's admission check and command loop.
func (s *Server) handleConnection(conn net.Conn) {
	if !s.admit() {
		fmt.Fprintf(conn, "421 Too many users logged in (%d logins maximum).\r\n", s.maxConnections)
		conn.Close()
		return
	}
	defer s.release()

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("session panic", "error", r)
		}
	}()

	sess := newSession(s, conn)
	sess.serve()
}

func (s *Server) admit() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.activeConns >= s.maxConnections {
		return false
	}
	s.activeConns++
	s.drainWG.Add(1)
	return true
}

func (s *Server) release() {
	s.mu.Lock()
	s.activeConns--
	s.mu.Unlock()
	s.drainWG.Done()
}

// Shutdown stops the accept loop and waits for in-flight sessions to finish
// on their own (there is no mid-transfer cancellation), or for ctx to be
// done, whichever comes first.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.shutdown = true
	var lnErr error
	if s.listener != nil {
		lnErr = s.listener.Close()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.drainWG.Wait()
		close(done)
	}()

	var result *multierror.Error
	if lnErr != nil {
		result = multierror.Append(result, lnErr)
	}

	select {
	case <-done:
	case <-ctx.Done():
		result = multierror.Append(result, ctx.Err())
	}
	return result.ErrorOrNil()
}

// listenPassive binds a transient TCP listener on bindIP for PASV mode,
// drawing the port uniformly from [1024,65535] and retrying on
// EADDRINUSE.
func (s *Server) listenPassive(bindIP net.IP) (net.Listener, *net.TCPAddr, error) {
	for attempt := 0; attempt < pasvMaxRetries; attempt++ {
		port := s.randomPasvPort()
		addr := &net.TCPAddr{IP: bindIP, Port: port}
		ln, err := net.ListenTCP("tcp4", addr)
		if err == nil {
			return ln, ln.Addr().(*net.TCPAddr), nil
		}
		if !errors.Is(err, syscall.EADDRINUSE) {
			return nil, nil, err
		}
	}
	return nil, nil, fmt.Errorf("ftp: no free passive port after %d attempts", pasvMaxRetries)
}

func (s *Server) randomPasvPort() int {
	s.rngMu.Lock()
	defer s.rngMu.Unlock()
	return pasvMinPort + s.rng.Intn(pasvMaxPort-pasvMinPort+1)
}
