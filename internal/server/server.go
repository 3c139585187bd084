// Package server exposes the fusion ensemble over HTTP.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"

	"github.com/macdet/macdet/internal/config"
	"github.com/macdet/macdet/internal/telemetry"
)

// Server wraps the HTTP server components for macdet.
type Server struct {
	cfg      *config.Config
	comp     *Components
	tel      *telemetry.Provider
	logger   *slog.Logger
	limiter  *rateLimiter
	handler  http.Handler
	httpSrv  *http.Server
	draining atomic.Bool
}

// New builds the HTTP layer over already built components.
func New(cfg *config.Config, comp *Components, tel *telemetry.Provider, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:     cfg,
		comp:    comp,
		tel:     tel,
		logger:  logger,
		limiter: newRateLimiter(cfg.Server.RateLimitRPS, cfg.Server.RateLimitBurst),
	}

	mux := http.NewServeMux()
	mux.Handle("POST /v1/detect", s.limiter.Middleware(http.HandlerFunc(s.handleDetect)))
	mux.HandleFunc("GET /v1/engines", s.handleEngines)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /readyz", s.handleReady)

	s.handler = withRequestID(withAccessLog(logger, tel, mux))
	s.httpSrv = &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           s.handler,
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
	}
	return s
}

// Handler returns the root handler, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.handler }

// Serve accepts connections on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info("macdet listening", "addr", ln.Addr().String())
	if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Start listens on the configured address and serves until Shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Server.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Shutdown stops accepting requests, drains in-flight ones, then tears down
// the engines. Readiness reports unavailable from the first moment.
func (s *Server) Shutdown(ctx context.Context) error {
	s.draining.Store(true)
	var errs []error
	if err := s.httpSrv.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	s.limiter.Close()
	if err := s.comp.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
