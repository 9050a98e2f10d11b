// Package core provides the API chassis for the entitlement service.
// It builds a chi router usable both behind standard HTTP (local dev)
// and AWS Lambda proxy integration, and enforces cross-cutting concerns
// (panic recovery, request IDs, logging, error envelopes) before
// requests reach the domain handlers.
package core

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"monsaas/internal/config"
	"monsaas/internal/entitlement"
	"monsaas/internal/types"
)

// Authorizer is the entitlement surface the API exposes.
type Authorizer interface {
	Authorize(ctx context.Context, userID string, tier types.PlanTier, tool types.ToolType, meta entitlement.RequestMeta) (types.Decision, error)
	Snapshot(ctx context.Context, userID string, tier types.PlanTier, tool types.ToolType) (*types.UsageSnapshot, error)
}

// PlanResolver resolves a user's current plan from the local billing
// projection.
type PlanResolver interface {
	GetPlan(ctx context.Context, userID string) (*types.Subscriber, error)
}

// EventLister serves the dashboard's security event feed.
type EventLister interface {
	ListRecent(ctx context.Context, limit int) ([]types.SecurityEvent, error)
}

// WebhookProcessor verifies and applies a payment provider webhook
// delivery.
type WebhookProcessor interface {
	Process(ctx context.Context, payload []byte, sigHeader string) error
}

// Server encapsulates the API dependencies, allowing injection during
// testing and distinct configuration for different environments.
type Server struct {
	Config       *config.Config
	Logger       *slog.Logger
	Authorizer   Authorizer
	Plans        PlanResolver
	Events       EventLister
	Webhooks     WebhookProcessor
	Validator    *Validator
	HealthProbes []HealthProbe

	router *chi.Mux
}

// NewServer initializes the server and prepares the router. The caller
// mounts routes via MountRoutes after construction; the separation lets
// tests customize registration.
func NewServer(cfg *config.Config, authorizer Authorizer, plans PlanResolver, logger *slog.Logger) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config must not be nil")
	}
	if authorizer == nil {
		return nil, fmt.Errorf("authorizer must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Server{
		Config:     cfg,
		Logger:     logger,
		Authorizer: authorizer,
		Plans:      plans,
		Validator:  NewValidator(),
		router:     chi.NewRouter(),
	}, nil
}

// Handler returns the http.Handler for the router. Used by
// http.ListenAndServe locally and the Lambda adapter in production.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Router returns the underlying chi.Mux for route registration.
func (s *Server) Router() *chi.Mux {
	return s.router
}
