package metric

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/c360/mbus/errors"
)

const (
	// DefaultPath is where metrics are served when no path is given.
	DefaultPath = "/metrics"
	// HealthPath serves the node health next to the metrics.
	HealthPath = "/health"

	shutdownGrace = 5 * time.Second
)

// Server exposes a MetricsRegistry and the node health over HTTP.
type Server struct {
	port     int
	path     string
	registry *MetricsRegistry
	health   http.Handler
	logger   *slog.Logger

	mu    sync.Mutex
	bound net.Addr
}

// ServerOption configures a Server
type ServerOption func(*Server)

// WithHealthHandler serves h on HealthPath instead of a plain 200 OK.
func WithHealthHandler(h http.Handler) ServerOption {
	return func(s *Server) {
		s.health = h
	}
}

// WithServerLogger sets the logger.
func WithServerLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewServer creates a server for registry on port. Port 0 picks a free port
// when serving starts.
func NewServer(port int, path string, registry *MetricsRegistry, opts ...ServerOption) *Server {
	if path == "" {
		path = DefaultPath
	}
	s := &Server{
		port:     port,
		path:     path,
		registry: registry,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the mux Serve uses.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle(s.path, promhttp.HandlerFor(s.registry.PrometheusRegistry(), promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorLog:          slog.NewLogLogger(s.logger.Handler(), slog.LevelError),
	}))

	health := s.health
	if health == nil {
		health = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte("OK"))
		})
	}
	mux.Handle(HealthPath, health)
	return mux
}

// Serve listens on the configured port and serves until ctx ends, then shuts
// down gracefully. It returns nil after a shutdown caused by ctx.
func (s *Server) Serve(ctx context.Context) error {
	if s.registry == nil {
		return errors.WrapFatal(errors.ErrMissingConfig, "Server", "Serve", "metrics registry not provided")
	}

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", s.port))
	if err != nil {
		return errors.WrapFatal(err, "Server", "Serve", fmt.Sprintf("listen on port %d", s.port))
	}
	s.mu.Lock()
	s.bound = listener.Addr()
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.bound = nil
		s.mu.Unlock()
	}()

	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	served := make(chan error, 1)
	go func() { served <- srv.Serve(listener) }()
	s.logger.Info("Serving metrics", "address", s.Address())

	select {
	case err := <-served:
		return errors.WrapFatal(err, "Server", "Serve", "serve metrics")
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return errors.WrapTransient(err, "Server", "Serve", "shut down")
	}
	if err := <-served; err != nil && !stderrors.Is(err, http.ErrServerClosed) {
		return errors.WrapFatal(err, "Server", "Serve", "serve metrics")
	}
	return nil
}

// Address returns the metrics URL. While serving it names the bound port.
func (s *Server) Address() string {
	port := s.port
	s.mu.Lock()
	if tcp, ok := s.bound.(*net.TCPAddr); ok {
		port = tcp.Port
	}
	s.mu.Unlock()
	return fmt.Sprintf("http://localhost:%d%s", port, s.path)
}

// Listening reports whether Serve has bound its port.
func (s *Server) Listening() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bound != nil
}
