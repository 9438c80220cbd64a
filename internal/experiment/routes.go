package experiment

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// RegisterRoutes registers experiment catalog routes with the Chi router.
// Reads require authentication; mutations additionally require admin role.
func RegisterRoutes(r chi.Router, handler *Handler, authMiddleware, adminMiddleware func(next http.Handler) http.Handler) {
	r.Route("/experiments", func(r chi.Router) {
		r.Use(authMiddleware)

		// GET /api/v1/experiments - List catalog entries
		r.Get("/", handler.List)

		// GET /api/v1/experiments/boards - Supported board types
		r.Get("/boards", handler.Boards)

		// GET /api/v1/experiments/{id} - Get catalog entry
		r.Get("/{id}", handler.GetByID)

		r.Group(func(r chi.Router) {
			r.Use(adminMiddleware)

			// POST /api/v1/experiments - Create catalog entry
			r.Post("/", handler.Create)

			// PUT/PATCH /api/v1/experiments/{id} - Edit catalog entry
			r.Put("/{id}", handler.Update)
			r.Patch("/{id}", handler.Update)

			// DELETE /api/v1/experiments/{id} - Deactivate catalog entry
			r.Delete("/{id}", handler.Deactivate)
		})
	})
}
