package booking

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// RegisterRoutes registers booking routes with the Chi router.
// All routes require authentication.
func RegisterRoutes(r chi.Router, handler *Handler, authMiddleware func(next http.Handler) http.Handler) {
	r.Route("/bookings", func(r chi.Router) {
		r.Use(authMiddleware)

		// POST /api/v1/bookings - Reserve a slot
		r.Post("/", handler.Create)

		// GET /api/v1/bookings - List caller's bookings
		r.Get("/", handler.List)

		// GET /api/v1/bookings/{id} - Inspect a booking
		r.Get("/{id}", handler.GetByID)

		// DELETE /api/v1/bookings/{id} - Cancel a booking
		r.Delete("/{id}", handler.Cancel)
	})

	// GET /api/v1/experiments/{id}/slots - Free slots for a day
	r.Group(func(r chi.Router) {
		r.Use(authMiddleware)
		r.Get("/experiments/{id}/slots", handler.AvailableSlots)
	})
}
