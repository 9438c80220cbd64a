package sse

import (
	"github.com/go-chi/chi/v5"
)

// RegisterRoutes registers SSE routes with the Chi router.
// The stream endpoint authenticates internally so it can accept the token
// as a query parameter, which browser EventSource clients require.
func RegisterRoutes(r chi.Router, handler *Handler) {
	r.Route("/events", func(r chi.Router) {
		// GET /api/v1/events/stream?topic=<topic> - SSE stream endpoint
		r.Get("/stream", handler.HandleStream)
	})
}
