package labsession

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// RegisterRoutes registers lab session routes with the Chi router. All
// routes require authentication; flash-related routes are additionally
// rate limited per user.
func RegisterRoutes(r chi.Router, handler *Handler, authMiddleware, flashLimiter func(next http.Handler) http.Handler) {
	r.Route("/sessions", func(r chi.Router) {
		r.Use(authMiddleware)

		// POST /api/v1/sessions - Start a session from a booking
		r.Post("/", handler.Start)

		// GET /api/v1/sessions - List live sessions
		r.Get("/", handler.List)

		// GET /api/v1/sessions/{id} - Inspect a session
		r.Get("/{id}", handler.GetByID)

		// DELETE /api/v1/sessions/{id} - End a session
		r.Delete("/{id}", handler.End)

		// POST /api/v1/sessions/{id}/commands - Send a console command
		r.Post("/{id}/commands", handler.Command)

		r.Group(func(r chi.Router) {
			r.Use(flashLimiter)

			// POST /api/v1/sessions/{id}/firmware - Upload a firmware image
			r.Post("/{id}/firmware", handler.Upload)

			// POST /api/v1/sessions/{id}/flash - Flash a stored image
			r.Post("/{id}/flash", handler.Flash)

			// POST /api/v1/sessions/{id}/factory-reset - Restore factory firmware
			r.Post("/{id}/factory-reset", handler.FactoryReset)
		})

		// POST /api/v1/sessions/{id}/power-cycle - Power cycle the board
		r.Post("/{id}/power-cycle", handler.PowerCycle)
	})

	r.Group(func(r chi.Router) {
		r.Use(authMiddleware)

		// GET /api/v1/power - Battery/AC snapshot
		r.Get("/power", handler.PowerStatus)
	})
}
