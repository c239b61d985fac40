// Package metrics serves Prometheus metrics and health for headless runs
package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"trade_executor/internal/core"
	"trade_executor/pkg/telemetry"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server exposes /metrics and /health
type Server struct {
	addr   string
	logger core.ILogger
	health core.IHealthMonitor
}

// NewServer creates a metrics server. health may be nil.
func NewServer(addr string, logger core.ILogger, health core.IHealthMonitor) *Server {
	return &Server{
		addr:   addr,
		logger: logger.WithField("component", "metrics_server"),
		health: health,
	}
}

// Handler returns the routes
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /health", s.handleHealth)
	return mux
}

// Run serves until ctx is done
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	srv := &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("Starting metrics server", "addr", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	select {
	case err := <-errChan:
		return err
	case <-ctx.Done():
		s.logger.Info("Stopping metrics server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	m := telemetry.GetGlobalMetrics()
	resp := map[string]interface{}{
		"status":  "ok",
		"running": m.IsRunning(),
		"pending": m.GetPending(),
	}
	code := http.StatusOK
	if s.health != nil {
		resp["components"] = s.health.GetStatus()
		if !s.health.IsHealthy() {
			resp["status"] = "unhealthy"
			code = http.StatusServiceUnavailable
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(resp)
}
