package server

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/dwsmith1983/runguard/internal/metrics"
	"github.com/dwsmith1983/runguard/internal/server/handlers"
)

func (s *Server) registerRoutes(r chi.Router, apiKey string) {
	h := handlers.New(s.gateway, s.provider)
	h.SetLogger(s.logger)

	// Unauthenticated
	r.With(middleware.SetHeader("Content-Type", "application/json")).Get("/health", h.Health)
	r.Handle("/metrics", metrics.Handler())

	r.Group(func(r chi.Router) {
		r.Use(APIKeyMiddleware(apiKey))
		r.Use(middleware.SetHeader("Content-Type", "application/json"))

		r.Post("/campaigns/{campaignID}/run", h.TriggerRun)
		r.Get("/campaigns/{campaignID}/run/status", h.RunStatus)
		r.Post("/campaigns/{campaignID}/run/callback", h.RunCallback)
	})
}
