package repository

import (
	"context"

	"github.com/jmoiron/sqlx"
)

// Email log statuses
const (
	EmailStatusSent   = "sent"
	EmailStatusFailed = "failed"
)

// EmailLogRepositoryInterface records notification delivery attempts
type EmailLogRepositoryInterface interface {
	Record(ctx context.Context, entry *EmailLog) error
}

// EmailLogRepo implements EmailLogRepositoryInterface using PostgreSQL
type EmailLogRepo struct {
	db *sqlx.DB
}

// NewEmailLogRepo creates a new EmailLogRepo instance
func NewEmailLogRepo(db *sqlx.DB) *EmailLogRepo {
	return &EmailLogRepo{db: db}
}

// Record inserts a notification log entry
func (r *EmailLogRepo) Record(ctx context.Context, entry *EmailLog) error {
	query := `
		INSERT INTO email_log (recipient, subject, body, status, error_message)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, sent_at
	`

	return r.db.QueryRowxContext(ctx, query,
		entry.Recipient,
		entry.Subject,
		entry.Body,
		entry.Status,
		entry.Error,
	).Scan(&entry.ID, &entry.SentAt)
}
