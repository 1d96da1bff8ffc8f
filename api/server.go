/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Logger:     Request logging
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. CORS:       Cross-origin requests for frontend clients

ROUTE GROUPS:
  /api/tasks/*            Task CRUD, completion, breakdown, delete
  /api/tombstones/*       Recoverable deletions and restore
  /api/credits/*          Balance and ledger history
  /api/admin/credits/*    Grants, rollover, expiry sweep

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
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:8080"},
		AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Owner-ID", "Idempotency-Key"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		// Task routes
		r.Route("/tasks", func(r chi.Router) {
			r.Post("/", h.CreateTask)
			r.Get("/{id}", h.GetTask)
			r.Patch("/{id}", h.UpdateTask)
			r.Delete("/{id}", h.DeleteTask)
			r.Get("/{id}/children", h.ListChildren)
			r.Post("/{id}/children", h.AddChild)
			r.Post("/{id}/complete", h.CompleteTask)
			r.Post("/{id}/hide", h.HideTask)
			r.Post("/{id}/breakdown", h.Breakdown)
		})

		// Recovery routes
		r.Route("/tombstones", func(r chi.Router) {
			r.Get("/", h.ListTombstones)
			r.Post("/{id}/restore", h.RestoreTask)
		})

		// Credit routes
		r.Route("/credits", func(r chi.Router) {
			r.Get("/balance", h.GetBalance)
			r.Get("/entries", h.ListEntries)
		})

		// Admin routes
		r.Route("/admin/credits", func(r chi.Router) {
			r.Post("/grant", h.GrantCredits)
			r.Post("/rollover", h.TriggerRollover)
			r.Post("/sweep", h.TriggerExpirySweep)
		})
	})

	return r
}
