// Package server implements the runguard HTTP API server.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/riandyrn/otelchi"

	"github.com/dwsmith1983/runguard/internal/gateway"
	"github.com/dwsmith1983/runguard/internal/provider"
	"github.com/dwsmith1983/runguard/pkg/types"
)

// Defaults.
const (
	DefaultAddr           = ":8080"
	DefaultMaxRequestBody = 1 << 20
	serviceName           = "runguard"
)

// Server is the runguard HTTP API server.
type Server struct {
	gateway  *gateway.Gateway
	provider provider.Provider
	logger   *slog.Logger
	router   chi.Router
	addr     string
	srv      *http.Server
}

// New creates a new HTTP server. A nil cfg uses the defaults with no API key.
func New(cfg *types.ServerConfig, gw *gateway.Gateway, prov provider.Provider, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	addr, apiKey, maxBody := DefaultAddr, "", int64(DefaultMaxRequestBody)
	if cfg != nil {
		if cfg.Addr != "" {
			addr = cfg.Addr
		}
		apiKey = cfg.APIKey
		if cfg.MaxRequestBody > 0 {
			maxBody = cfg.MaxRequestBody
		}
	}

	s := &Server{
		gateway:  gw,
		provider: prov,
		logger:   logger,
		addr:     addr,
	}

	r := chi.NewRouter()
	r.Use(RequestIDMiddleware)
	r.Use(otelchi.Middleware(serviceName, otelchi.WithChiRoutes(r)))
	r.Use(RequestLogger(logger))
	r.Use(middleware.Recoverer)
	r.Use(MaxBodyMiddleware(maxBody))

	s.router = r
	s.registerRoutes(r, apiKey)
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// Covers the 30s orchestrator start plus claim bookkeeping.
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	return s
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

// Addr returns the listen address.
func (s *Server) Addr() string { return s.addr }

// Start begins serving HTTP requests. It returns nil after Stop.
func (s *Server) Start() error {
	s.logger.Info("runguard server listening", "addr", s.addr)
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
