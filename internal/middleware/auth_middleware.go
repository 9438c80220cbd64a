package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/Abhilash1575/virtual-lab/internal/auth"
	appctx "github.com/Abhilash1575/virtual-lab/internal/context"
	"github.com/Abhilash1575/virtual-lab/internal/repository"
	"github.com/google/uuid"
)

// ErrorResponse represents the standard error response format
type ErrorResponse struct {
	Success   bool        `json:"success"`
	Error     ErrorDetail `json:"error"`
	Timestamp time.Time   `json:"timestamp"`
}

// ErrorDetail contains error information
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// AuthMiddleware handles JWT authentication for protected routes.
// Besides signature and expiry checks it verifies that the session named
// in the token still exists, so tokens from superseded logins are
// actively rejected rather than riding out their remaining lifetime.
type AuthMiddleware struct {
	tokenService *auth.TokenService
	sessionRepo  repository.SessionRepository
}

// NewAuthMiddleware creates a new AuthMiddleware instance
func NewAuthMiddleware(tokenService *auth.TokenService, sessionRepo repository.SessionRepository) *AuthMiddleware {
	return &AuthMiddleware{
		tokenService: tokenService,
		sessionRepo:  sessionRepo,
	}
}

// Authenticate validates JWT tokens from the Authorization header and
// rejects tokens whose password has expired. Endpoints that must stay
// reachable with an expired password use AuthenticateAllowExpiredPassword.
func (m *AuthMiddleware) Authenticate(next http.Handler) http.Handler {
	return m.authenticate(next, false)
}

// AuthenticateAllowExpiredPassword validates tokens but lets requests
// through even when the password change deadline has passed. Used only
// for the password change endpoint; everything else requires a current
// password.
func (m *AuthMiddleware) AuthenticateAllowExpiredPassword(next http.Handler) http.Handler {
	return m.authenticate(next, true)
}

func (m *AuthMiddleware) authenticate(next http.Handler, allowExpiredPassword bool) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			m.writeError(w, http.StatusUnauthorized, auth.CodeAuthTokenMissing, "Authorization header is required")
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			m.writeError(w, http.StatusUnauthorized, auth.CodeAuthTokenInvalid, "Invalid authorization header format")
			return
		}

		tokenString := parts[1]
		if tokenString == "" {
			m.writeError(w, http.StatusUnauthorized, auth.CodeAuthTokenInvalid, "Token is empty")
			return
		}

		claims, err := m.tokenService.ValidateAccessToken(tokenString)
		if err != nil {
			m.writeError(w, http.StatusUnauthorized, auth.CodeAuthTokenInvalid, "Invalid or expired token")
			return
		}

		// The session named in the token must still exist. A newer login
		// or a logout deletes it, which invalidates this token.
		sessionID, err := uuid.Parse(claims.SessionID)
		if err != nil {
			m.writeError(w, http.StatusUnauthorized, auth.CodeAuthTokenInvalid, "Invalid or expired token")
			return
		}
		session, err := m.sessionRepo.GetByID(r.Context(), sessionID)
		if err != nil {
			m.writeError(w, http.StatusUnauthorized, auth.CodeSessionRevoked, "Session was superseded by a newer login")
			return
		}
		if time.Now().UTC().After(session.ExpiresAt) {
			m.writeError(w, http.StatusUnauthorized, auth.CodeAuthTokenInvalid, "Invalid or expired token")
			return
		}

		if claims.MustChangePassword && !allowExpiredPassword {
			m.writeError(w, http.StatusForbidden, auth.CodePasswordExpired, "Password has expired and must be changed before continuing")
			return
		}

		ctx := context.WithValue(r.Context(), appctx.UserIDKey, claims.UserID())
		ctx = context.WithValue(ctx, appctx.UsernameKey, claims.Username)
		ctx = context.WithValue(ctx, appctx.RoleKey, claims.Role)
		ctx = context.WithValue(ctx, appctx.AuthSessionIDKey, claims.SessionID)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireAdmin rejects requests whose authenticated role is not admin.
// Must run after Authenticate.
func (m *AuthMiddleware) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !appctx.IsAdmin(r.Context()) {
			m.writeError(w, http.StatusForbidden, "FORBIDDEN", "Administrator role required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// writeError writes a JSON error response
func (m *AuthMiddleware) writeError(w http.ResponseWriter, statusCode int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	response := ErrorResponse{
		Success: false,
		Error: ErrorDetail{
			Code:    code,
			Message: message,
		},
		Timestamp: time.Now().UTC(),
	}

	json.NewEncoder(w).Encode(response)
}

// ExtractUserID extracts the user ID from the request context
func ExtractUserID(ctx context.Context) (string, bool) {
	return appctx.ExtractUserID(ctx)
}

// ExtractRole extracts the user role from the request context
func ExtractRole(ctx context.Context) (string, bool) {
	return appctx.ExtractRole(ctx)
}
