// Package health serves readiness and metrics on a port separate from the
// proxy.
//
// GET /health answers 102 Processing while plugins are still being plugged
// and 200 "ok" once the proxy is serving. GET /metrics exposes the Prometheus
// registry when one is supplied.
package health

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server provides health check endpoints for linkscrub
type Server struct {
	server *http.Server
	ready  atomic.Bool
}

// New creates a new health server on the specified port. A nil gatherer
// disables /metrics.
func New(port int, gatherer prometheus.Gatherer) *Server {
	mux := http.NewServeMux()
	s := &Server{
		server: &http.Server{
			Addr:              ":" + strconv.Itoa(port),
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}

	mux.HandleFunc("/health", s.healthHandler)
	if gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{
			EnableOpenMetrics: true,
		}))
	}

	return s
}

// Start begins listening for health check requests
func (s *Server) Start() error {
	slog.Info("Starting health server", "addr", s.server.Addr)
	return s.server.ListenAndServe()
}

// Stop gracefully shuts down the health server
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

// MarkReady sets the server state to ready, causing /health to return 200
func (s *Server) MarkReady() {
	s.ready.Store(true)
	slog.Info("Health server marked as ready")
}

// MarkNotReady sets the server state to not ready, causing /health to return 102
func (s *Server) MarkNotReady() {
	s.ready.Store(false)
	slog.Info("Health server marked as not ready")
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	status, body := http.StatusProcessing, "starting"
	if s.ready.Load() {
		status, body = http.StatusOK, "ok"
	}

	w.WriteHeader(status)
	if _, err := w.Write([]byte(body)); err != nil {
		slog.Error("Failed to write health response", "error", err)
	}
}
