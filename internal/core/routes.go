package core

import (
	"github.com/go-chi/chi/v5"
)

// MountRoutes registers the global middleware chain and all endpoints.
//
// Middleware order matters: Recoverer is outermost so every panic is
// caught; RequestID runs before the logger so log lines carry the
// correlation ID.
func (s *Server) MountRoutes() {
	s.router.Use(s.Recoverer)
	s.router.Use(RequestIDMiddleware)
	s.router.Use(SecurityHeadersMiddleware)
	s.router.Use(RequestLogger(s.Logger))

	s.router.Route("/v1", func(r chi.Router) {
		r.Post("/authorize", s.HandleAuthorize)
		r.Get("/usage/{userID}/{tool}", s.HandleUsage)

		if s.Events != nil {
			r.Get("/events/recent", s.HandleRecentEvents)
		}
		if s.Webhooks != nil {
			r.Post("/webhooks/stripe", s.HandleStripeWebhook)
		}
	})

	s.router.Get("/health", s.HandleHealth)
}
