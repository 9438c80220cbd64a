package repository

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Common errors
var (
	ErrUserNotFound       = errors.New("user not found")
	ErrUsernameTaken      = errors.New("username already exists")
	ErrEmailAlreadyExists = errors.New("email already exists")
)

// UserRepository defines the interface for user data access
type UserRepository interface {
	Create(ctx context.Context, user *User) error
	GetByID(ctx context.Context, id uuid.UUID) (*User, error)
	GetByUsername(ctx context.Context, username string) (*User, error)
	RecordLoginSuccess(ctx context.Context, id uuid.UUID) error
	RecordLoginFailure(ctx context.Context, id uuid.UUID, lockThreshold int, lockFor time.Duration) error
	ClearLockout(ctx context.Context, id uuid.UUID) error
	UpdatePassword(ctx context.Context, id uuid.UUID, passwordHash string) error
	SetActive(ctx context.Context, id uuid.UUID, active bool) error
}

// userRepository implements UserRepository using PostgreSQL
type userRepository struct {
	pool *pgxpool.Pool
}

// NewUserRepository creates a new UserRepository instance
func NewUserRepository(pool *pgxpool.Pool) UserRepository {
	return &userRepository{pool: pool}
}

const userColumns = `id, username, email, password_hash, role, is_active,
	created_at, updated_at, last_login_at, password_changed_at,
	failed_login_attempts, locked_until`

func scanUser(row pgx.Row) (*User, error) {
	user := &User{}
	err := row.Scan(
		&user.ID,
		&user.Username,
		&user.Email,
		&user.PasswordHash,
		&user.Role,
		&user.IsActive,
		&user.CreatedAt,
		&user.UpdatedAt,
		&user.LastLoginAt,
		&user.PasswordChangedAt,
		&user.FailedLoginAttempts,
		&user.LockedUntil,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return user, nil
}

// Create inserts a new user into the database
func (r *userRepository) Create(ctx context.Context, user *User) error {
	query := `
		INSERT INTO users (username, email, password_hash, role, is_active, password_changed_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		RETURNING id, created_at, updated_at, password_changed_at
	`

	err := r.pool.QueryRow(ctx, query,
		strings.ToLower(user.Username),
		strings.ToLower(user.Email),
		user.PasswordHash,
		user.Role,
		true,
	).Scan(&user.ID, &user.CreatedAt, &user.UpdatedAt, &user.PasswordChangedAt)

	if err != nil {
		// Check for unique constraint violations
		if strings.Contains(err.Error(), "idx_users_username") {
			return ErrUsernameTaken
		}
		if strings.Contains(err.Error(), "idx_users_email") {
			return ErrEmailAlreadyExists
		}
		return err
	}

	user.IsActive = true
	return nil
}

// GetByID retrieves a user by their ID
func (r *userRepository) GetByID(ctx context.Context, id uuid.UUID) (*User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE id = $1`
	return scanUser(r.pool.QueryRow(ctx, query, id))
}

// GetByUsername retrieves a user by username (case-insensitive)
func (r *userRepository) GetByUsername(ctx context.Context, username string) (*User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE LOWER(username) = LOWER($1)`
	return scanUser(r.pool.QueryRow(ctx, query, username))
}

// RecordLoginSuccess updates last_login_at and resets the failure counter
// and any lockout in a single statement.
func (r *userRepository) RecordLoginSuccess(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE users
		SET last_login_at = $1, failed_login_attempts = 0, locked_until = NULL
		WHERE id = $2
	`

	result, err := r.pool.Exec(ctx, query, time.Now().UTC(), id)
	if err != nil {
		return err
	}

	if result.RowsAffected() == 0 {
		return ErrUserNotFound
	}

	return nil
}

// RecordLoginFailure increments the consecutive-failure counter and, once
// it reaches lockThreshold, locks the account for lockFor. The increment
// and lock decision run as one statement so concurrent failures cannot
// skip past the threshold.
func (r *userRepository) RecordLoginFailure(ctx context.Context, id uuid.UUID, lockThreshold int, lockFor time.Duration) error {
	query := `
		UPDATE users
		SET failed_login_attempts = failed_login_attempts + 1,
		    locked_until = CASE
		        WHEN failed_login_attempts + 1 >= $2 THEN $3::timestamptz
		        ELSE locked_until
		    END
		WHERE id = $1
	`

	lockedUntil := time.Now().UTC().Add(lockFor)
	result, err := r.pool.Exec(ctx, query, id, lockThreshold, lockedUntil)
	if err != nil {
		return err
	}

	if result.RowsAffected() == 0 {
		return ErrUserNotFound
	}

	return nil
}

// ClearLockout resets the failure counter and lockout (admin reset)
func (r *userRepository) ClearLockout(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE users
		SET failed_login_attempts = 0, locked_until = NULL
		WHERE id = $1
	`

	result, err := r.pool.Exec(ctx, query, id)
	if err != nil {
		return err
	}

	if result.RowsAffected() == 0 {
		return ErrUserNotFound
	}

	return nil
}

// UpdatePassword stores a new password hash and restarts the expiry clock
func (r *userRepository) UpdatePassword(ctx context.Context, id uuid.UUID, passwordHash string) error {
	query := `
		UPDATE users
		SET password_hash = $1, password_changed_at = NOW(),
		    failed_login_attempts = 0, locked_until = NULL
		WHERE id = $2
	`

	result, err := r.pool.Exec(ctx, query, passwordHash, id)
	if err != nil {
		return err
	}

	if result.RowsAffected() == 0 {
		return ErrUserNotFound
	}

	return nil
}

// SetActive soft-enables or soft-disables an account. Accounts are never
// hard-deleted so booking history stays auditable.
func (r *userRepository) SetActive(ctx context.Context, id uuid.UUID, active bool) error {
	query := `UPDATE users SET is_active = $1 WHERE id = $2`

	result, err := r.pool.Exec(ctx, query, active, id)
	if err != nil {
		return err
	}

	if result.RowsAffected() == 0 {
		return ErrUserNotFound
	}

	return nil
}
