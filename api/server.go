/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Logger:     Request logging
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. Timeout:    Bounds every request so a stuck store can't pin a worker
  5. CORS:       Cross-origin requests for the desk frontend

ROUTE GROUPS:
  /api/customers/*   Customer balance and block management
  /api/blocks/*      Single-block operations
  /api/admin/*       Sweep and repair
  /api/health        Liveness

SECURITY NOTE:
  No authentication middleware. Deploy behind the studio's gateway.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// RouterOptions tunes NewRouter.
type RouterOptions struct {
	AllowedOrigins []string
	RequestTimeout time.Duration
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	if len(opts.AllowedOrigins) == 0 {
		opts.AllowedOrigins = []string{"http://localhost:5173", "http://localhost:8080"}
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(opts.RequestTimeout))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   opts.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.HealthCheck)

		// Customer routes
		r.Route("/customers", func(r chi.Router) {
			r.Post("/", h.CreateCustomer)
			r.Get("/{id}/balance", h.GetBalance)
			r.Post("/{id}/recompute", h.RecomputeBalance)
			r.Get("/{id}/blocks", h.ListBlocks)
			r.Post("/{id}/blocks", h.CreateBlock)
			r.Get("/{id}/next", h.NextBlock)
			r.Post("/{id}/lock-expired", h.LockExpired)
		})

		// Block routes
		r.Route("/blocks", func(r chi.Router) {
			r.Get("/{id}", h.GetBlock)
			r.Delete("/{id}", h.DeleteBlock)
			r.Post("/{id}/consume", h.ConsumeBlock)
			r.Post("/{id}/restore", h.RestoreBlock)
			r.Post("/{id}/lock", h.LockBlock)
			r.Post("/{id}/unlock", h.UnlockBlock)
		})

		// Admin routes
		r.Route("/admin", func(r chi.Router) {
			r.Post("/sweep", h.TriggerSweep)
			r.Post("/recompute", h.RecomputeAll)
		})
	})

	return r
}
