/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Logger:     zap request log + Prometheus HTTP metrics
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. CORS:       Cross-origin requests for storefront frontends

ROUTE GROUPS:
  /api/accounts/*       Account creation, detail, redemptions, refunds,
                        transfer history, balance audit
  /api/transfers/*      Transfer detail and reversal
  /healthz              Liveness (pings the store when one is wired)
  /metrics              Prometheus exposition

SECURITY NOTE:
  No authentication middleware. Callers are expected to sit behind an
  authenticating gateway.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, allowedOrigins []string) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(requestLogger(h.Logger, h.Metrics))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Location", "Retry-After"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		// Account routes
		r.Route("/accounts", func(r chi.Router) {
			r.Post("/", h.CreateAccount)
			r.Get("/{code}", h.GetAccount)
			r.Post("/{code}/redemptions", h.Redeem)
			r.Post("/{code}/refunds", h.Refund)
			r.Get("/{code}/transfers", h.ListTransfers)
			r.Get("/{code}/audit", h.AuditAccount)
		})

		// Transfer routes
		r.Route("/transfers", func(r chi.Router) {
			r.Get("/{id}", h.GetTransfer)
			r.Post("/{id}/reverse", h.Reverse)
		})
	})

	r.Get("/healthz", h.Health)
	if h.Metrics != nil {
		r.Handle("/metrics", h.Metrics.Handler())
	}

	return r
}
