package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"trade_executor/internal/core"
)

const shutdownTimeout = 10 * time.Second

// HTTPServer serves a handler until its context is cancelled
type HTTPServer struct {
	addr    string
	handler http.Handler
	logger  core.ILogger

	mu       sync.Mutex
	srv      *http.Server
	listener net.Listener
}

// NewHTTPServer creates a server for addr ("host:port")
func NewHTTPServer(addr string, handler http.Handler, logger core.ILogger) *HTTPServer {
	return &HTTPServer{
		addr:    addr,
		handler: handler,
		logger:  logger.WithField("component", "http_server"),
	}
}

// Run listens and serves until ctx is done, then shuts down gracefully
func (s *HTTPServer) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.listener = ln
	s.srv = &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	srv := s.srv
	s.mu.Unlock()

	s.logger.Info("Starting control surface", "addr", ln.Addr().String())

	errChan := make(chan error, 1)
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
		close(errChan)
	}()

	select {
	case err := <-errChan:
		return err
	case <-ctx.Done():
		s.logger.Info("Stopping control surface")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// Addr returns the bound address once Run is listening
func (s *HTTPServer) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}
