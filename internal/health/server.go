package health

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"

	"github.com/insightd/internal/config"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server serves Prometheus metrics and health endpoints.
type Server struct {
	server *http.Server
}

// NewServer creates a new metrics/health HTTP server. ready backs /readyz.
func NewServer(cfg config.Metrics, gatherer prometheus.Gatherer, ready func() bool) *Server {
	mux := http.NewServeMux()

	// Prometheus metrics endpoint
	mux.Handle(cfg.Path, promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	// Liveness probe
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	// Readiness probe
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if ready != nil && !ready() {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("not ready"))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	return &Server{
		server: &http.Server{
			Addr:    cfg.Address,
			Handler: mux,
		},
	}
}

// Handler exposes the mux, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Serve accepts connections on l until Stop is called.
func (s *Server) Serve(l net.Listener) error {
	log.Printf("[metrics] starting server on %s", l.Addr())
	if err := s.server.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Start begins serving metrics on the configured address.
func (s *Server) Start() error {
	l, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return err
	}
	return s.Serve(l)
}

// Stop gracefully stops the server.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
