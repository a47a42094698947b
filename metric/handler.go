package metric

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/c360/fleetgate/errors"
	"github.com/c360/fleetgate/health"
)

// Server exposes /metrics and /health over HTTP.
type Server struct {
	port     int
	path     string
	server   *http.Server
	registry *Registry
	monitor  *health.Monitor
	mu       sync.Mutex // protects server field
}

// NewServer creates the observability HTTP server. The health endpoint
// reports the monitor's aggregate; a nil monitor always reports healthy.
func NewServer(port int, path string, registry *Registry, monitor *health.Monitor) *Server {
	if path == "" {
		path = "/metrics"
	}
	if port == 0 {
		port = 9090
	}

	return &Server{
		port:     port,
		path:     path,
		registry: registry,
		monitor:  monitor,
	}
}

// Start begins serving. It returns once the listener is bound; serving
// continues on a background goroutine until Stop.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.server != nil {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Server", "Start", "server already running")
	}
	if s.registry == nil {
		return errors.WrapFatal(
			fmt.Errorf("nil registry"),
			"Server", "Start", "metrics registry not provided")
	}

	mux := http.NewServeMux()
	mux.Handle(s.path, promhttp.HandlerFor(
		s.registry.PrometheusRegistry(),
		promhttp.HandlerOpts{EnableOpenMetrics: true},
	))
	mux.HandleFunc("/health", s.handleHealth)

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", s.port))
	if err != nil {
		return errors.WrapFatal(err, "Server", "Start",
			fmt.Sprintf("failed to bind metrics port %d", s.port))
	}

	s.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		_ = s.server.Serve(listener)
	}()

	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	status := health.NewHealthy("fleetgate", "ok")
	if s.monitor != nil {
		status = s.monitor.AggregateHealth("fleetgate")
	}

	w.Header().Set("Content-Type", "application/json")
	if !status.IsHealthy() {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(status)
}

// Stop stops the metrics server
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.server != nil {
		err := s.server.Close()
		s.server = nil
		if err != nil {
			return errors.WrapTransient(err, "Server", "Stop", "close HTTP server")
		}
	}
	return nil
}

// Address returns the server address
func (s *Server) Address() string {
	return fmt.Sprintf("http://localhost:%d%s", s.port, s.path)
}
