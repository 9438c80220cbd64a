package auth

import (
	"context"
	"errors"
	"log/slog"
	"net/mail"
	"regexp"
	"strings"
	"time"

	"github.com/Abhilash1575/virtual-lab/internal/repository"
	"github.com/google/uuid"
)

// Auth service errors
var (
	ErrInvalidUsername     = errors.New("invalid username format")
	ErrUsernameExists      = errors.New("username already exists")
	ErrEmailExists         = errors.New("email already exists")
	ErrInvalidCredentials  = errors.New("invalid username or password")
	ErrAccountLocked       = errors.New("account locked after too many failed login attempts")
	ErrAccountDisabled     = errors.New("account is disabled")
	ErrInvalidRefreshToken = errors.New("invalid or expired refresh token")
	ErrSessionNotFound     = errors.New("session not found")
	ErrUserNotFound        = errors.New("user not found")
)

// Error codes for API responses
const (
	CodeValidationError     = "VALIDATION_ERROR"
	CodeUsernameExists      = "USERNAME_EXISTS"
	CodeEmailExists         = "EMAIL_EXISTS"
	CodeInvalidCredentials  = "INVALID_CREDENTIALS"
	CodeAccountLocked       = "ACCOUNT_LOCKED"
	CodeAccountDisabled     = "ACCOUNT_DISABLED"
	CodeInvalidRefreshToken = "INVALID_REFRESH_TOKEN"
	CodeAuthTokenMissing    = "AUTH_TOKEN_MISSING"
	CodeAuthTokenInvalid    = "AUTH_TOKEN_INVALID"
	CodeSessionRevoked      = "SESSION_REVOKED"
	CodePasswordExpired     = "PASSWORD_EXPIRED"
)

// Account lockout and password aging constants
const (
	// MaxFailedAttempts consecutive failures lock the account
	MaxFailedAttempts = 5
	// LockoutDuration is how long a locked account stays locked
	LockoutDuration = 15 * time.Minute
	// PasswordMaxAge forces a password change after this long
	PasswordMaxAge = 90 * 24 * time.Hour
)

var usernamePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]{2,31}$`)

// RegisterRequest represents the registration request payload
type RegisterRequest struct {
	Username        string `json:"username"`
	Email           string `json:"email"`
	Password        string `json:"password"`
	ConfirmPassword string `json:"confirm_password"`
}

// LoginRequest represents the login request payload
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// RefreshRequest represents the token refresh request payload
type RefreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// LogoutRequest represents the logout request payload
type LogoutRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// ChangePasswordRequest represents the password change request payload
type ChangePasswordRequest struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
	ConfirmPassword string `json:"confirm_password"`
}

// AuthResponse represents the authentication response
type AuthResponse struct {
	User   UserResponse  `json:"user"`
	Tokens TokenResponse `json:"tokens"`
}

// TokenResponse represents the token response
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	TokenType    string `json:"token_type"`
}

// UserResponse represents the user data in responses
type UserResponse struct {
	ID                 string     `json:"id"`
	Username           string     `json:"username"`
	Email              string     `json:"email"`
	Role               string     `json:"role"`
	CreatedAt          time.Time  `json:"created_at"`
	LastLogin          *time.Time `json:"last_login,omitempty"`
	MustChangePassword bool       `json:"must_change_password"`
}

// ValidationError represents a validation error with field details
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// AuthService handles authentication business logic
type AuthService struct {
	userRepo          repository.UserRepository
	sessionRepo       repository.SessionRepository
	tokenService      *TokenService
	passwordValidator *PasswordValidator
	logger            *slog.Logger
	now               func() time.Time
}

// NewAuthService creates a new AuthService instance
func NewAuthService(
	userRepo repository.UserRepository,
	sessionRepo repository.SessionRepository,
	tokenService *TokenService,
	passwordValidator *PasswordValidator,
	logger *slog.Logger,
) *AuthService {
	if logger == nil {
		logger = slog.Default()
	}
	return &AuthService{
		userRepo:          userRepo,
		sessionRepo:       sessionRepo,
		tokenService:      tokenService,
		passwordValidator: passwordValidator,
		logger:            logger,
		now:               time.Now,
	}
}

// passwordExpired reports whether the user's password is past its maximum age
func (s *AuthService) passwordExpired(user *repository.User) bool {
	return s.now().UTC().Sub(user.PasswordChangedAt) > PasswordMaxAge
}

// Register creates a new user account and returns tokens
func (s *AuthService) Register(ctx context.Context, req RegisterRequest, ipAddress, userAgent string) (*AuthResponse, []ValidationError, error) {
	var validationErrors []ValidationError

	username := strings.TrimSpace(strings.ToLower(req.Username))
	if !usernamePattern.MatchString(username) {
		validationErrors = append(validationErrors, ValidationError{
			Field:   "username",
			Message: "Username must be 3-32 characters of lowercase letters, digits, '.', '_' or '-'",
		})
	}

	email := strings.TrimSpace(strings.ToLower(req.Email))
	if !isValidEmail(email) {
		validationErrors = append(validationErrors, ValidationError{
			Field:   "email",
			Message: "Invalid email format",
		})
	}

	passwordErrors := s.passwordValidator.ValidatePassword(req.Password)
	for _, err := range passwordErrors {
		validationErrors = append(validationErrors, ValidationError{
			Field:   err.Field,
			Message: err.Message,
		})
	}

	if req.Password != req.ConfirmPassword {
		validationErrors = append(validationErrors, ValidationError{
			Field:   "confirm_password",
			Message: "Password and confirm_password do not match",
		})
	}

	if len(validationErrors) > 0 {
		return nil, validationErrors, nil
	}

	passwordHash, err := s.passwordValidator.HashPassword(req.Password)
	if err != nil {
		return nil, nil, err
	}

	user := &repository.User{
		Username:     username,
		Email:        email,
		PasswordHash: passwordHash,
		Role:         repository.RoleUser,
		IsActive:     true,
	}

	if err := s.userRepo.Create(ctx, user); err != nil {
		if errors.Is(err, repository.ErrUsernameTaken) {
			return nil, nil, ErrUsernameExists
		}
		if errors.Is(err, repository.ErrEmailAlreadyExists) {
			return nil, nil, ErrEmailExists
		}
		return nil, nil, err
	}

	response, err := s.issueSession(ctx, user, ipAddress, userAgent)
	if err != nil {
		return nil, nil, err
	}

	return response, nil, nil
}

// Login authenticates a user and returns tokens. A successful login
// invalidates any previous session for the user, so at most one session
// is ever live (last login wins).
func (s *AuthService) Login(ctx context.Context, req LoginRequest, ipAddress, userAgent string) (*AuthResponse, error) {
	username := strings.TrimSpace(strings.ToLower(req.Username))

	user, err := s.userRepo.GetByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			// Generic error to prevent account enumeration
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}

	now := s.now().UTC()

	// A locked account rejects even a correct password until the lock expires
	if user.Locked(now) {
		return nil, ErrAccountLocked
	}

	if !user.IsActive {
		return nil, ErrAccountDisabled
	}

	if err := s.passwordValidator.VerifyPassword(req.Password, user.PasswordHash); err != nil {
		if rerr := s.userRepo.RecordLoginFailure(ctx, user.ID, MaxFailedAttempts, LockoutDuration); rerr != nil {
			s.logger.Warn("Failed to record login failure", "user_id", user.ID, "error", rerr)
		}
		if user.FailedLoginAttempts+1 >= MaxFailedAttempts {
			s.logger.Info("Account locked after repeated login failures",
				"user_id", user.ID, "attempts", user.FailedLoginAttempts+1)
			return nil, ErrAccountLocked
		}
		return nil, ErrInvalidCredentials
	}

	if err := s.userRepo.RecordLoginSuccess(ctx, user.ID); err != nil {
		return nil, err
	}

	// Refresh user to get updated last_login_at
	user, err = s.userRepo.GetByID(ctx, user.ID)
	if err != nil {
		return nil, err
	}

	return s.issueSession(ctx, user, ipAddress, userAgent)
}

// issueSession replaces any existing session for the user with a fresh one
// and returns the new token pair. The session ID is embedded in the access
// token so the middleware can reject tokens from superseded logins.
func (s *AuthService) issueSession(ctx context.Context, user *repository.User, ipAddress, userAgent string) (*AuthResponse, error) {
	if deleted, err := s.sessionRepo.DeleteByUserID(ctx, user.ID); err != nil {
		return nil, err
	} else if deleted > 0 {
		s.logger.Info("Previous session invalidated by new login", "user_id", user.ID)
	}

	refreshToken, err := s.tokenService.GenerateRefreshToken(user.ID.String())
	if err != nil {
		return nil, err
	}

	session := &repository.AuthSession{
		UserID:    user.ID,
		TokenHash: s.tokenService.HashRefreshToken(refreshToken),
		ExpiresAt: s.now().UTC().Add(s.tokenService.GetRefreshTokenExpiry()),
		IPAddress: &ipAddress,
		UserAgent: &userAgent,
	}

	if err := s.sessionRepo.Create(ctx, session); err != nil {
		return nil, err
	}

	mustChange := s.passwordExpired(user)

	accessToken, err := s.tokenService.GenerateAccessToken(AccessTokenParams{
		UserID:             user.ID.String(),
		Username:           user.Username,
		Role:               user.Role,
		SessionID:          session.ID.String(),
		MustChangePassword: mustChange,
	})
	if err != nil {
		return nil, err
	}

	return &AuthResponse{
		User:   s.userResponse(user, mustChange),
		Tokens: TokenResponse{
			AccessToken:  accessToken,
			RefreshToken: refreshToken,
			ExpiresIn:    int64(s.tokenService.GetAccessTokenExpiry().Seconds()),
			TokenType:    "Bearer",
		},
	}, nil
}

func (s *AuthService) userResponse(user *repository.User, mustChange bool) UserResponse {
	return UserResponse{
		ID:                 user.ID.String(),
		Username:           user.Username,
		Email:              user.Email,
		Role:               user.Role,
		CreatedAt:          user.CreatedAt,
		LastLogin:          user.LastLoginAt,
		MustChangePassword: mustChange,
	}
}

// RefreshToken validates a refresh token and rotates the session,
// returning new tokens
func (s *AuthService) RefreshToken(ctx context.Context, refreshToken string) (*TokenResponse, error) {
	claims, err := s.tokenService.ValidateRefreshToken(refreshToken)
	if err != nil {
		return nil, ErrInvalidRefreshToken
	}

	tokenHash := s.tokenService.HashRefreshToken(refreshToken)
	session, err := s.sessionRepo.GetByTokenHash(ctx, tokenHash)
	if err != nil {
		if errors.Is(err, repository.ErrSessionNotFound) {
			return nil, ErrInvalidRefreshToken
		}
		return nil, err
	}

	if s.now().UTC().After(session.ExpiresAt) {
		_ = s.sessionRepo.Delete(ctx, session.ID)
		return nil, ErrInvalidRefreshToken
	}

	userID, err := uuid.Parse(claims.Subject)
	if err != nil {
		return nil, ErrInvalidRefreshToken
	}

	user, err := s.userRepo.GetByID(ctx, userID)
	if err != nil {
		return nil, ErrInvalidRefreshToken
	}

	if !user.IsActive {
		_ = s.sessionRepo.Delete(ctx, session.ID)
		return nil, ErrAccountDisabled
	}

	// Rotate: invalidate the old session, create a new one
	if err := s.sessionRepo.Delete(ctx, session.ID); err != nil {
		return nil, err
	}

	newRefreshToken, err := s.tokenService.GenerateRefreshToken(user.ID.String())
	if err != nil {
		return nil, err
	}

	newSession := &repository.AuthSession{
		UserID:    user.ID,
		TokenHash: s.tokenService.HashRefreshToken(newRefreshToken),
		ExpiresAt: s.now().UTC().Add(s.tokenService.GetRefreshTokenExpiry()),
		IPAddress: session.IPAddress,
		UserAgent: session.UserAgent,
	}

	if err := s.sessionRepo.Create(ctx, newSession); err != nil {
		return nil, err
	}

	accessToken, err := s.tokenService.GenerateAccessToken(AccessTokenParams{
		UserID:             user.ID.String(),
		Username:           user.Username,
		Role:               user.Role,
		SessionID:          newSession.ID.String(),
		MustChangePassword: s.passwordExpired(user),
	})
	if err != nil {
		return nil, err
	}

	return &TokenResponse{
		AccessToken:  accessToken,
		RefreshToken: newRefreshToken,
		ExpiresIn:    int64(s.tokenService.GetAccessTokenExpiry().Seconds()),
		TokenType:    "Bearer",
	}, nil
}

// Logout invalidates a user session
func (s *AuthService) Logout(ctx context.Context, refreshToken string) error {
	_, err := s.tokenService.ValidateRefreshToken(refreshToken)
	if err != nil {
		return ErrInvalidRefreshToken
	}

	tokenHash := s.tokenService.HashRefreshToken(refreshToken)
	if err := s.sessionRepo.DeleteByTokenHash(ctx, tokenHash); err != nil {
		if errors.Is(err, repository.ErrSessionNotFound) {
			return ErrSessionNotFound
		}
		return err
	}

	return nil
}

// ChangePassword verifies the current password, stores the new one and
// rotates the session. Expired-password logins call this before anything
// else is allowed.
func (s *AuthService) ChangePassword(ctx context.Context, userID string, req ChangePasswordRequest, ipAddress, userAgent string) (*AuthResponse, []ValidationError, error) {
	id, err := uuid.Parse(userID)
	if err != nil {
		return nil, nil, ErrUserNotFound
	}

	user, err := s.userRepo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return nil, nil, ErrUserNotFound
		}
		return nil, nil, err
	}

	if err := s.passwordValidator.VerifyPassword(req.CurrentPassword, user.PasswordHash); err != nil {
		return nil, nil, ErrInvalidCredentials
	}

	var validationErrors []ValidationError
	passwordErrors := s.passwordValidator.ValidatePassword(req.NewPassword)
	for _, perr := range passwordErrors {
		validationErrors = append(validationErrors, ValidationError{
			Field:   "new_password",
			Message: perr.Message,
		})
	}
	if req.NewPassword == req.CurrentPassword {
		validationErrors = append(validationErrors, ValidationError{
			Field:   "new_password",
			Message: "New password must differ from the current password",
		})
	}
	if req.NewPassword != req.ConfirmPassword {
		validationErrors = append(validationErrors, ValidationError{
			Field:   "confirm_password",
			Message: "New password and confirm_password do not match",
		})
	}
	if len(validationErrors) > 0 {
		return nil, validationErrors, nil
	}

	passwordHash, err := s.passwordValidator.HashPassword(req.NewPassword)
	if err != nil {
		return nil, nil, err
	}

	if err := s.userRepo.UpdatePassword(ctx, user.ID, passwordHash); err != nil {
		return nil, nil, err
	}

	s.logger.Info("Password changed", "user_id", user.ID)

	// Refresh user so the new password_changed_at drives the expiry claim
	user, err = s.userRepo.GetByID(ctx, user.ID)
	if err != nil {
		return nil, nil, err
	}

	response, err := s.issueSession(ctx, user, ipAddress, userAgent)
	if err != nil {
		return nil, nil, err
	}

	return response, nil, nil
}

// UnlockAccount clears a lockout ahead of its expiry (admin action)
func (s *AuthService) UnlockAccount(ctx context.Context, userID string) error {
	id, err := uuid.Parse(userID)
	if err != nil {
		return ErrUserNotFound
	}

	if err := s.userRepo.ClearLockout(ctx, id); err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return ErrUserNotFound
		}
		return err
	}

	s.logger.Info("Account lockout cleared", "user_id", id)
	return nil
}

// GetUserProfile returns the user profile
func (s *AuthService) GetUserProfile(ctx context.Context, userID string) (*UserResponse, error) {
	id, err := uuid.Parse(userID)
	if err != nil {
		return nil, ErrUserNotFound
	}

	user, err := s.userRepo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}

	resp := s.userResponse(user, s.passwordExpired(user))
	return &resp, nil
}

// ValidatePassword validates a password against complexity requirements.
// Returns validation errors if any.
func (s *AuthService) ValidatePassword(password string) []PasswordValidationError {
	return s.passwordValidator.ValidatePassword(password)
}

// isValidEmail checks if the email format is valid
func isValidEmail(email string) bool {
	if email == "" {
		return false
	}
	_, err := mail.ParseAddress(email)
	return err == nil
}
