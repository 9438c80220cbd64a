package auth

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	appctx "github.com/Abhilash1575/virtual-lab/internal/context"
	"github.com/go-chi/chi/v5"
)

// APIResponse represents the standard API response format
type APIResponse struct {
	Success   bool        `json:"success"`
	Data      interface{} `json:"data,omitempty"`
	Error     *APIError   `json:"error,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// APIError represents the error detail in API response
type APIError struct {
	Code    string              `json:"code"`
	Message string              `json:"message"`
	Details map[string][]string `json:"details,omitempty"`
}

// AuthHandler handles HTTP requests for authentication endpoints
type AuthHandler struct {
	authService *AuthService
}

// NewAuthHandler creates a new AuthHandler instance
func NewAuthHandler(authService *AuthService) *AuthHandler {
	return &AuthHandler{
		authService: authService,
	}
}

// Register handles user registration
// POST /api/v1/auth/register
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, CodeValidationError, "Invalid request body", nil)
		return
	}

	response, validationErrors, err := h.authService.Register(r.Context(), req, getClientIP(r), r.UserAgent())
	if err != nil {
		if errors.Is(err, ErrUsernameExists) {
			h.writeError(w, http.StatusConflict, CodeUsernameExists, "An account with this username already exists", nil)
			return
		}
		if errors.Is(err, ErrEmailExists) {
			h.writeError(w, http.StatusConflict, CodeEmailExists, "An account with this email already exists", nil)
			return
		}
		h.writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "An unexpected error occurred", nil)
		return
	}

	if len(validationErrors) > 0 {
		h.writeValidationErrors(w, validationErrors)
		return
	}

	h.writeSuccess(w, http.StatusCreated, response)
}

// Login handles user authentication
// POST /api/v1/auth/login
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, CodeValidationError, "Invalid request body", nil)
		return
	}

	response, err := h.authService.Login(r.Context(), req, getClientIP(r), r.UserAgent())
	if err != nil {
		if errors.Is(err, ErrInvalidCredentials) {
			h.writeError(w, http.StatusUnauthorized, CodeInvalidCredentials, "Invalid username or password", nil)
			return
		}
		if errors.Is(err, ErrAccountLocked) {
			details := map[string][]string{
				"retry_after": {"900"},
			}
			h.writeError(w, http.StatusTooManyRequests, CodeAccountLocked, "Account locked after too many failed login attempts. Please try again later.", details)
			return
		}
		if errors.Is(err, ErrAccountDisabled) {
			h.writeError(w, http.StatusForbidden, CodeAccountDisabled, "Account is disabled", nil)
			return
		}
		h.writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "An unexpected error occurred", nil)
		return
	}

	h.writeSuccess(w, http.StatusOK, response)
}

// Logout handles user logout
// POST /api/v1/auth/logout
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	var req LogoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, CodeValidationError, "Invalid request body", nil)
		return
	}

	if req.RefreshToken == "" {
		h.writeError(w, http.StatusBadRequest, CodeValidationError, "refresh_token is required", nil)
		return
	}

	err := h.authService.Logout(r.Context(), req.RefreshToken)
	if err != nil {
		if errors.Is(err, ErrInvalidRefreshToken) || errors.Is(err, ErrSessionNotFound) {
			h.writeError(w, http.StatusUnauthorized, CodeInvalidRefreshToken, "Invalid refresh token", nil)
			return
		}
		h.writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "An unexpected error occurred", nil)
		return
	}

	h.writeSuccess(w, http.StatusOK, map[string]string{
		"message": "Successfully logged out",
	})
}

// Refresh handles token refresh
// POST /api/v1/auth/refresh
func (h *AuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	var req RefreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, CodeValidationError, "Invalid request body", nil)
		return
	}

	if req.RefreshToken == "" {
		h.writeError(w, http.StatusBadRequest, CodeValidationError, "refresh_token is required", nil)
		return
	}

	tokens, err := h.authService.RefreshToken(r.Context(), req.RefreshToken)
	if err != nil {
		if errors.Is(err, ErrInvalidRefreshToken) {
			h.writeError(w, http.StatusUnauthorized, CodeInvalidRefreshToken, "Invalid or expired refresh token", nil)
			return
		}
		if errors.Is(err, ErrAccountDisabled) {
			h.writeError(w, http.StatusForbidden, CodeAccountDisabled, "Account is disabled", nil)
			return
		}
		h.writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "An unexpected error occurred", nil)
		return
	}

	h.writeSuccess(w, http.StatusOK, map[string]interface{}{
		"tokens": tokens,
	})
}

// GetMe handles getting current user profile
// GET /api/v1/auth/me
func (h *AuthHandler) GetMe(w http.ResponseWriter, r *http.Request) {
	userID, ok := appctx.ExtractUserID(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, CodeAuthTokenInvalid, "Invalid or expired token", nil)
		return
	}

	profile, err := h.authService.GetUserProfile(r.Context(), userID)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			h.writeError(w, http.StatusNotFound, "USER_NOT_FOUND", "User not found", nil)
			return
		}
		h.writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "An unexpected error occurred", nil)
		return
	}

	h.writeSuccess(w, http.StatusOK, map[string]interface{}{
		"user": profile,
	})
}

// ChangePassword handles password change for the current user.
// Logins with an expired password land here before any other endpoint.
// POST /api/v1/auth/password
func (h *AuthHandler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	userID, ok := appctx.ExtractUserID(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, CodeAuthTokenInvalid, "Invalid or expired token", nil)
		return
	}

	var req ChangePasswordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, CodeValidationError, "Invalid request body", nil)
		return
	}

	response, validationErrors, err := h.authService.ChangePassword(r.Context(), userID, req, getClientIP(r), r.UserAgent())
	if err != nil {
		if errors.Is(err, ErrInvalidCredentials) {
			h.writeError(w, http.StatusUnauthorized, CodeInvalidCredentials, "Current password is incorrect", nil)
			return
		}
		if errors.Is(err, ErrUserNotFound) {
			h.writeError(w, http.StatusNotFound, "USER_NOT_FOUND", "User not found", nil)
			return
		}
		h.writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "An unexpected error occurred", nil)
		return
	}

	if len(validationErrors) > 0 {
		h.writeValidationErrors(w, validationErrors)
		return
	}

	h.writeSuccess(w, http.StatusOK, response)
}

// UnlockAccount handles clearing an account lockout ahead of its expiry
// POST /api/v1/auth/users/{userID}/unlock (admin only)
func (h *AuthHandler) UnlockAccount(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if userID == "" {
		h.writeError(w, http.StatusBadRequest, CodeValidationError, "userID is required", nil)
		return
	}

	if err := h.authService.UnlockAccount(r.Context(), userID); err != nil {
		if errors.Is(err, ErrUserNotFound) {
			h.writeError(w, http.StatusNotFound, "USER_NOT_FOUND", "User not found", nil)
			return
		}
		h.writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "An unexpected error occurred", nil)
		return
	}

	h.writeSuccess(w, http.StatusOK, map[string]string{
		"message": "Account unlocked",
	})
}

// writeValidationErrors writes a 400 response with per-field details
func (h *AuthHandler) writeValidationErrors(w http.ResponseWriter, validationErrors []ValidationError) {
	details := make(map[string][]string)
	for _, ve := range validationErrors {
		details[ve.Field] = append(details[ve.Field], ve.Message)
	}
	h.writeError(w, http.StatusBadRequest, CodeValidationError, "Request validation failed", details)
}

// writeSuccess writes a successful JSON response
func (h *AuthHandler) writeSuccess(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	response := APIResponse{
		Success:   true,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}

	json.NewEncoder(w).Encode(response)
}

// writeError writes an error JSON response
func (h *AuthHandler) writeError(w http.ResponseWriter, statusCode int, code, message string, details map[string][]string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	response := APIResponse{
		Success: false,
		Error: &APIError{
			Code:    code,
			Message: message,
			Details: details,
		},
		Timestamp: time.Now().UTC(),
	}

	json.NewEncoder(w).Encode(response)
}

// getClientIP extracts the client IP address from the request
func getClientIP(r *http.Request) string {
	// X-Forwarded-For can contain multiple IPs, take the first one
	xff := r.Header.Get("X-Forwarded-For")
	if xff != "" {
		parts := strings.Split(xff, ",")
		if ip := strings.TrimSpace(parts[0]); ip != "" {
			return ip
		}
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}

	return r.RemoteAddr
}
