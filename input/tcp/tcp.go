// Package tcp provides the device-facing TCP listener. It accepts
// connections under a global admission cap and runs one handler goroutine per
// connection, feeding received bytes through framing, validation,
// deduplication, and routing to the publisher.
package tcp

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360/fleetgate/dedup"
	"github.com/c360/fleetgate/errors"
	"github.com/c360/fleetgate/health"
	"github.com/c360/fleetgate/metric"
	"github.com/c360/fleetgate/pkg/retry"
	"github.com/c360/fleetgate/publisher"
)

const componentName = "tcp-input"

// Config holds the listener and per-connection settings.
type Config struct {
	// Addr is the host:port the listener binds.
	Addr string
	// MaxConnections is the global admission cap.
	MaxConnections int
	// ReadBufferSize is the size of each socket read.
	ReadBufferSize int
	// MaxPendingBytes caps the per-connection framing buffer.
	MaxPendingBytes int
	// IdleTimeout closes a connection that produces no bytes for this long.
	IdleTimeout time.Duration
	// MessageTopic and EventTopic are the two publish destinations.
	MessageTopic string
	EventTopic   string
	// DisconnectOnPublishError closes the connection when a publish fails
	// instead of dropping the message and continuing.
	DisconnectOnPublishError bool
}

// ServerDeps holds runtime dependencies for the TCP input component.
type ServerDeps struct {
	Config    Config
	Publisher publisher.Publisher
	Dedup     *dedup.Index
	Metrics   *metric.Metrics
	Monitor   *health.Monitor
	Logger    *slog.Logger
}

// Server is the TCP input component. Create with NewServer, then Initialize,
// Start, and Stop.
type Server struct {
	cfg     Config
	pub     publisher.Publisher
	dedup   *dedup.Index
	metrics *metric.Metrics
	monitor *health.Monitor
	logger  *slog.Logger

	// sem is the admission semaphore: one token per admitted connection,
	// acquired non-blocking at accept and released when the handler exits.
	sem chan struct{}

	retryConfig retry.Config

	mu       sync.Mutex
	listener net.Listener
	shutdown chan struct{}
	done     chan struct{}
	running  atomic.Bool
	handlers sync.WaitGroup

	connMu sync.Mutex
	conns  map[net.Conn]struct{}

	framesProcessed atomic.Int64
	connErrors      atomic.Int64
}

// NewServer creates the TCP input component.
func NewServer(deps ServerDeps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default().With("component", componentName)
	}

	return &Server{
		cfg:         deps.Config,
		pub:         deps.Publisher,
		dedup:       deps.Dedup,
		metrics:     deps.Metrics,
		monitor:     deps.Monitor,
		logger:      logger,
		sem:         make(chan struct{}, deps.Config.MaxConnections),
		retryConfig: retry.Quick(),
		conns:       make(map[net.Conn]struct{}),
	}
}

// Initialize validates configuration and dependencies but does not bind the
// listener.
func (s *Server) Initialize() error {
	if s.cfg.Addr == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig,
			componentName, "Initialize", "listen address validation")
	}
	if s.cfg.MaxConnections <= 0 {
		return errors.WrapInvalid(
			fmt.Errorf("max connections must be positive, got %d", s.cfg.MaxConnections),
			componentName, "Initialize", "admission cap validation")
	}
	if s.cfg.ReadBufferSize <= 0 {
		return errors.WrapInvalid(
			fmt.Errorf("read buffer size must be positive, got %d", s.cfg.ReadBufferSize),
			componentName, "Initialize", "read buffer validation")
	}
	if s.cfg.MaxPendingBytes <= 0 {
		return errors.WrapInvalid(
			fmt.Errorf("pending cap must be positive, got %d", s.cfg.MaxPendingBytes),
			componentName, "Initialize", "framing cap validation")
	}
	if s.cfg.MessageTopic == "" || s.cfg.EventTopic == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig,
			componentName, "Initialize", "topic validation")
	}
	if s.pub == nil {
		return errors.WrapInvalid(fmt.Errorf("nil publisher"),
			componentName, "Initialize", "publisher validation")
	}
	if s.dedup == nil {
		return errors.WrapInvalid(fmt.Errorf("nil dedup index"),
			componentName, "Initialize", "dedup validation")
	}
	return nil
}

// Start binds the listener and begins accepting connections. Idempotent.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running.Load() {
		return nil
	}

	s.shutdown = make(chan struct{})
	s.done = make(chan struct{})

	bind := func() error {
		l, err := net.Listen("tcp", s.cfg.Addr)
		if err != nil {
			return err
		}
		s.listener = l
		return nil
	}
	if err := retry.Do(ctx, s.retryConfig, bind); err != nil {
		s.cleanupLocked()
		if s.monitor != nil {
			s.monitor.UpdateUnhealthy(componentName, fmt.Sprintf("bind %s failed", s.cfg.Addr))
		}
		return errors.WrapTransient(err, componentName, "Start", "listener binding")
	}

	s.running.Store(true)
	if s.monitor != nil {
		s.monitor.UpdateHealthy(componentName, fmt.Sprintf("accepting on %s", s.Addr()))
	}
	s.logger.Info("listening", "addr", s.Addr(), "max_connections", s.cfg.MaxConnections)

	go func() {
		defer close(s.done)
		s.acceptLoop(ctx)
	}()

	return nil
}

// Addr returns the bound listener address, or the configured address before
// Start.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.cfg.Addr
}

// Stop closes the listener, stops accepting, and waits up to timeout for
// in-flight connection handlers to drain.
func (s *Server) Stop(timeout time.Duration) error {
	if !s.running.Load() {
		return nil
	}
	s.running.Store(false)

	s.mu.Lock()
	if s.shutdown != nil {
		select {
		case <-s.shutdown:
		default:
			close(s.shutdown)
		}
	}
	if s.listener != nil {
		_ = s.listener.Close()
	}
	s.mu.Unlock()

	if s.monitor != nil {
		s.monitor.UpdateUnhealthy(componentName, "stopped")
	}

	// Close open connections to unblock handlers stuck in Read.
	s.connMu.Lock()
	for conn := range s.conns {
		_ = conn.Close()
	}
	s.connMu.Unlock()

	drained := make(chan struct{})
	go func() {
		<-s.done
		s.handlers.Wait()
		close(drained)
	}()

	select {
	case <-drained:
	case <-time.After(timeout):
		return errors.WrapTransient(fmt.Errorf("stop timeout after %v", timeout),
			componentName, "Stop", "handler drain")
	}

	s.mu.Lock()
	s.cleanupLocked()
	s.mu.Unlock()

	s.logger.Info("stopped",
		"frames_processed", s.framesProcessed.Load(),
		"connection_errors", s.connErrors.Load())
	return nil
}

// ActiveConnections returns the number of currently admitted connections.
func (s *Server) ActiveConnections() int {
	return len(s.sem)
}

func (s *Server) cleanupLocked() {
	if s.shutdown != nil {
		select {
		case <-s.shutdown:
		default:
			close(s.shutdown)
		}
		s.shutdown = nil
	}
	if s.listener != nil {
		_ = s.listener.Close()
		s.listener = nil
	}
}

// acceptLoop admits connections under the semaphore. A connection that cannot
// acquire a token immediately is closed and counted; it is never queued.
func (s *Server) acceptLoop(ctx context.Context) {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			case <-s.shutdown:
				return
			default:
			}
			if !s.running.Load() {
				return
			}
			s.connErrors.Add(1)
			s.logger.Warn("accept failed", "error", err)
			if !errors.IsTransient(err) {
				return
			}
			continue
		}

		select {
		case s.sem <- struct{}{}:
			s.admit(ctx, conn)
		default:
			if s.metrics != nil {
				s.metrics.ConnectionsRejected.Inc()
			}
			s.logger.Warn("connection rejected", "remote", conn.RemoteAddr(),
				"error", errors.ErrAdmissionRejected)
			_ = conn.Close()
		}
	}
}

// admit runs the handler for an accepted connection. The semaphore token is
// released exactly once, when the handler goroutine exits.
func (s *Server) admit(ctx context.Context, conn net.Conn) {
	if s.metrics != nil {
		s.metrics.ConnectionsAccepted.Inc()
		s.metrics.ActiveConnections.Inc()
	}

	s.connMu.Lock()
	s.conns[conn] = struct{}{}
	s.connMu.Unlock()

	s.handlers.Add(1)
	go func() {
		defer func() {
			_ = conn.Close()
			s.connMu.Lock()
			delete(s.conns, conn)
			s.connMu.Unlock()
			<-s.sem
			if s.metrics != nil {
				s.metrics.ActiveConnections.Dec()
			}
			s.handlers.Done()
		}()

		h := newConnHandler(s, conn)
		h.run(ctx)
	}()
}
