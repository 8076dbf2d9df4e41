// Package ops serves the operational HTTP endpoints: Prometheus metrics,
// health and a read-only engine status view.
package ops

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"spottrader/internal/core"
	"spottrader/internal/health"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// StatusSource answers the engine status for /status.
type StatusSource interface {
	Status() map[string]interface{}
}

// Server is the operational HTTP listener. It never exposes trading
// actions, only observation.
type Server struct {
	port   int
	health *health.Manager
	status StatusSource
	logger core.ILogger
}

func NewServer(port int, health *health.Manager, status StatusSource, logger core.ILogger) *Server {
	return &Server{
		port:   port,
		health: health,
		status: status,
		logger: logger.WithField("component", "ops_server"),
	}
}

// Run serves until ctx ends, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/status", s.handleStatus)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Ops server listening", "port", s.port)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("ops server: %w", err)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health.IsHealthy() {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusServiceUnavailable)
	_ = json.NewEncoder(w).Encode(s.health.GetStatus())
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.status.Status()); err != nil {
		s.logger.Warn("Status encode failed", "error", err)
	}
}
