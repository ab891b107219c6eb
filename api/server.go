/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. AccessLog:  zerolog request logging (carries the request id)
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. CORS:       Cross-origin requests for the web client

ROUTE GROUPS:
  /api/*            Principal-scoped routes (RequirePrincipal)
  /api/admin/*      Operator routes (RequireAdmin)
  /webhooks/*       Payment provider callbacks (signature-checked)
  /healthz          Liveness / store reachability
  /metrics          Prometheus exposition

SEE ALSO:
  - handlers.go: Handler implementations
  - middleware.go: Authentication and access log
  - cmd/server/main.go: Server startup
*/
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"
)

// RouterOptions configures cross-cutting concerns of the router.
type RouterOptions struct {
	Auth           Authenticator
	AdminToken     string
	AllowedOrigins []string
	Log            zerolog.Logger
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	if opts.Auth == nil {
		opts.Auth = HeaderAuthenticator{Header: "X-Principal-ID"}
	}

	// Cross-origin clients carry the principal header.
	allowedHeaders := []string{"Accept", "Authorization", "Content-Type"}
	if ha, ok := opts.Auth.(HeaderAuthenticator); ok && ha.Header != "" {
		allowedHeaders = append(allowedHeaders, ha.Header)
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(AccessLog(opts.Log))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   opts.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders:   allowedHeaders,
		AllowCredentials: true,
	}))

	r.Get("/healthz", h.Healthz)
	r.Handle("/metrics", h.Metrics.Handler())

	r.Route("/webhooks", func(r chi.Router) {
		r.Post("/payment", h.PaymentWebhook)
	})

	r.Route("/api", func(r chi.Router) {
		// Admin routes
		r.Route("/admin", func(r chi.Router) {
			r.Use(RequireAdmin(opts.AdminToken))
			r.Post("/principals", h.OpenPrincipal)
			r.Get("/rejected-events", h.ListRejectedEvents)
			r.Post("/budget/run", h.RunBudgetCheck)
		})

		r.Group(func(r chi.Router) {
			r.Use(RequirePrincipal(opts.Auth))

			r.Post("/usage", h.TrackUsage)
			r.Get("/credits", h.GetCredits)
			r.Get("/history", h.GetHistory)
			r.Get("/sessions", h.ListSessions)

			// Budget routes
			r.Route("/budget", func(r chi.Router) {
				r.Get("/", h.GetBudget)
				r.Put("/", h.PutBudget)
				r.Post("/evaluate", h.EvaluateBudget)
				r.Get("/alerts", h.ListAlerts)
			})
		})
	})

	return r
}
