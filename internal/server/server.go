// Package server implements the HTTP transport layer for the Gatewayz gateway.
package server

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/Alpaca-Network/gatewayz/internal/app"
	"github.com/Alpaca-Network/gatewayz/internal/auth"
	"github.com/Alpaca-Network/gatewayz/internal/registry"
	"github.com/Alpaca-Network/gatewayz/internal/telemetry"
)

// ReadyChecker reports whether the system is ready to serve traffic.
type ReadyChecker func(ctx context.Context) error

// Deps holds all dependencies for the HTTP server.
type Deps struct {
	Gate           *auth.Gate
	App            *app.App
	Catalog        *registry.Registry
	AdminKey       string             // empty disables admin endpoints
	ReadyCheck     ReadyChecker       // nil = always ready (for tests)
	Metrics        *telemetry.Metrics // nil = no request metrics
	MetricsHandler http.Handler       // nil = no /metrics endpoint
}

// New creates an http.Handler with all routes and middleware wired.
func New(deps Deps) http.Handler {
	s := &server{deps: deps}

	r := chi.NewRouter()

	// Global middleware
	r.Use(s.recovery)
	r.Use(s.requestID)
	r.Use(s.logging)
	if deps.Metrics != nil {
		r.Use(metricsMiddleware(deps.Metrics))
	}

	// System endpoints (no auth)
	r.Get("/health", s.handleHealth)
	r.Get("/readyz", s.handleReadyz)
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}

	// Catalog endpoints are public; the catalog carries no tenant data.
	r.Get("/v1/models", s.handleListModels)
	r.Get("/models", s.handleListModels)

	// Client-facing API (auth required)
	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)
		r.Post("/v1/chat/completions", s.handleChatCompletion)
		r.Post("/v1/images/generations", s.handleGenerateImage)
	})

	// Admin API (static admin key)
	r.Group(func(r chi.Router) {
		r.Use(s.adminOnly)
		r.Get("/admin/status", s.handleAdminStatus)
		r.Post("/admin/catalog/refresh", s.handleCatalogRefresh)
	})

	return r
}

type server struct {
	deps Deps
}
