package auth

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Middleware is an interface for HTTP middleware
type Middleware func(http.Handler) http.Handler

// RegisterRoutes registers all authentication routes with the Chi router.
// Public routes: /register, /login, /refresh
// Protected routes: /logout, /me, /password
// Admin routes: /users/{userID}/unlock
// passwordMiddleware must admit tokens whose password has expired, so an
// expired password can still be changed.
func RegisterRoutes(r chi.Router, handler *AuthHandler, authMiddleware, passwordMiddleware, adminMiddleware Middleware) {
	r.Route("/auth", func(r chi.Router) {
		// Public routes (no authentication required)
		r.Post("/register", handler.Register)
		r.Post("/login", handler.Login)
		r.Post("/refresh", handler.Refresh)

		// Protected routes (authentication required)
		r.Group(func(r chi.Router) {
			r.Use(authMiddleware)
			r.Post("/logout", handler.Logout)
			r.Get("/me", handler.GetMe)
		})

		// Password change stays reachable after password expiry
		r.Group(func(r chi.Router) {
			r.Use(passwordMiddleware)
			r.Post("/password", handler.ChangePassword)
		})

		// Admin routes
		r.Group(func(r chi.Router) {
			r.Use(authMiddleware)
			r.Use(adminMiddleware)
			r.Post("/users/{userID}/unlock", handler.UnlockAccount)
		})
	})
}
