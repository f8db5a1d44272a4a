package handlers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
)

// NewRouter mounts every route. requestTimeout applies to everything except
// the stream, which is bounded by the generation timeout instead.
func NewRouter(h *ChatHandler, m *Middleware, health http.Handler, requestTimeout time.Duration) chi.Router {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(m.RequestLogger)
	r.Use(chimiddleware.Recoverer)
	r.Use(m.CORSMiddleware)

	// Health check (no auth required)
	r.Method(http.MethodGet, "/health", health)

	r.Group(func(r chi.Router) {
		r.Use(m.AuthMiddleware)

		r.Get("/generation/{id}/stream", h.HandleStream)

		r.Group(func(r chi.Router) {
			r.Use(chimiddleware.Timeout(requestTimeout))

			r.With(m.RateLimitMiddleware).Post("/generation", h.HandleCreate)
			r.Get("/generation/{id}", h.HandleGet)
			r.Post("/generation/{id}/cancel", h.HandleCancel)
			r.Post("/generation/{id}/finalize", h.HandleFinalize)
			r.Get("/pool/status", h.HandlePoolStatus)
		})
	})

	return r
}
