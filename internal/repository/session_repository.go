package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Session repository errors
var (
	ErrSessionNotFound = errors.New("session not found")
)

// SessionRepository defines the interface for auth session data access
type SessionRepository interface {
	Create(ctx context.Context, session *AuthSession) error
	GetByID(ctx context.Context, id uuid.UUID) (*AuthSession, error)
	GetByTokenHash(ctx context.Context, tokenHash string) (*AuthSession, error)
	Delete(ctx context.Context, id uuid.UUID) error
	DeleteByTokenHash(ctx context.Context, tokenHash string) error
	DeleteByUserID(ctx context.Context, userID uuid.UUID) (int64, error)
	CleanupExpiredSessions(ctx context.Context) (int64, error)
}

// sessionRepository implements SessionRepository using PostgreSQL
type sessionRepository struct {
	pool *pgxpool.Pool
}

// NewSessionRepository creates a new SessionRepository instance
func NewSessionRepository(pool *pgxpool.Pool) SessionRepository {
	return &sessionRepository{pool: pool}
}

// Create inserts a new auth session into the database
func (r *sessionRepository) Create(ctx context.Context, session *AuthSession) error {
	query := `
		INSERT INTO auth_sessions (user_id, token_hash, expires_at, ip_address, user_agent)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at
	`

	return r.pool.QueryRow(ctx, query,
		session.UserID,
		session.TokenHash,
		session.ExpiresAt,
		session.IPAddress,
		session.UserAgent,
	).Scan(&session.ID, &session.CreatedAt)
}

// GetByID retrieves a session by its ID. The auth middleware uses this to
// actively reject tokens whose session was invalidated by a newer login.
func (r *sessionRepository) GetByID(ctx context.Context, id uuid.UUID) (*AuthSession, error) {
	query := `
		SELECT id, user_id, token_hash, expires_at, created_at, ip_address, user_agent
		FROM auth_sessions
		WHERE id = $1
	`

	return r.scanSession(r.pool.QueryRow(ctx, query, id))
}

// GetByTokenHash retrieves a session by its refresh token hash
func (r *sessionRepository) GetByTokenHash(ctx context.Context, tokenHash string) (*AuthSession, error) {
	query := `
		SELECT id, user_id, token_hash, expires_at, created_at, ip_address, user_agent
		FROM auth_sessions
		WHERE token_hash = $1
	`

	return r.scanSession(r.pool.QueryRow(ctx, query, tokenHash))
}

func (r *sessionRepository) scanSession(row pgx.Row) (*AuthSession, error) {
	session := &AuthSession{}
	err := row.Scan(
		&session.ID,
		&session.UserID,
		&session.TokenHash,
		&session.ExpiresAt,
		&session.CreatedAt,
		&session.IPAddress,
		&session.UserAgent,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}
	return session, nil
}

// Delete removes a session by its ID
func (r *sessionRepository) Delete(ctx context.Context, id uuid.UUID) error {
	query := `DELETE FROM auth_sessions WHERE id = $1`

	result, err := r.pool.Exec(ctx, query, id)
	if err != nil {
		return err
	}

	if result.RowsAffected() == 0 {
		return ErrSessionNotFound
	}

	return nil
}

// DeleteByTokenHash removes a session by its token hash
func (r *sessionRepository) DeleteByTokenHash(ctx context.Context, tokenHash string) error {
	query := `DELETE FROM auth_sessions WHERE token_hash = $1`

	result, err := r.pool.Exec(ctx, query, tokenHash)
	if err != nil {
		return err
	}

	if result.RowsAffected() == 0 {
		return ErrSessionNotFound
	}

	return nil
}

// DeleteByUserID removes all sessions for a user. Called on every login so
// the newest session is the only live one (last-login-wins).
func (r *sessionRepository) DeleteByUserID(ctx context.Context, userID uuid.UUID) (int64, error) {
	query := `DELETE FROM auth_sessions WHERE user_id = $1`

	result, err := r.pool.Exec(ctx, query, userID)
	if err != nil {
		return 0, err
	}

	return result.RowsAffected(), nil
}

// CleanupExpiredSessions removes all expired sessions from the database
func (r *sessionRepository) CleanupExpiredSessions(ctx context.Context) (int64, error) {
	query := `DELETE FROM auth_sessions WHERE expires_at < $1`

	result, err := r.pool.Exec(ctx, query, time.Now().UTC())
	if err != nil {
		return 0, err
	}

	return result.RowsAffected(), nil
}
