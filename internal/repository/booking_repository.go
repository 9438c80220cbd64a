package repository

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// Booking repository errors
var (
	ErrBookingNotFound = errors.New("booking not found")
	// ErrBookingConflict is returned when a booking window overlaps an
	// existing booking for the same experiment. Enforced at the store by
	// an exclusion constraint, so two concurrent inserts for overlapping
	// windows can never both commit.
	ErrBookingConflict = errors.New("booking window conflicts with an existing booking")
)

// BookingRepositoryInterface defines the interface for booking data access
type BookingRepositoryInterface interface {
	Create(ctx context.Context, booking *Booking) error
	GetByID(ctx context.Context, id uuid.UUID) (*Booking, error)
	ListForExperiment(ctx context.Context, experimentID uuid.UUID, from, to time.Time) ([]Booking, error)
	ListForUser(ctx context.Context, userID uuid.UUID, includeFinished bool) ([]Booking, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, status string) error
	ExpireLapsed(ctx context.Context, now time.Time) (int64, error)
}

// BookingRepo implements BookingRepositoryInterface using PostgreSQL
type BookingRepo struct {
	db *sqlx.DB
}

// NewBookingRepo creates a new BookingRepo instance
func NewBookingRepo(db *sqlx.DB) *BookingRepo {
	return &BookingRepo{db: db}
}

// Create inserts a new booking. The bookings table carries
//
//	EXCLUDE USING gist (experiment_id WITH =, tstzrange(start_time, end_time) WITH &&)
//
// over non-cancelled rows, so the availability check and the insert are a
// single atomic operation at the store. SQLSTATE 23P01 (exclusion
// violation) maps to ErrBookingConflict.
func (r *BookingRepo) Create(ctx context.Context, booking *Booking) error {
	query := `
		INSERT INTO bookings (user_id, experiment_id, start_time, end_time, status, notes)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at
	`

	err := r.db.QueryRowxContext(ctx, query,
		booking.UserID,
		booking.ExperimentID,
		booking.StartTime,
		booking.EndTime,
		booking.Status,
		booking.Notes,
	).Scan(&booking.ID, &booking.CreatedAt)

	if err != nil {
		if isExclusionViolation(err) {
			return ErrBookingConflict
		}
		return err
	}

	return nil
}

// isExclusionViolation detects a Postgres exclusion-constraint violation
// (SQLSTATE 23P01) on the booking overlap constraint.
func isExclusionViolation(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "23P01") || strings.Contains(msg, "bookings_no_overlap")
}

// GetByID retrieves a booking by its ID
func (r *BookingRepo) GetByID(ctx context.Context, id uuid.UUID) (*Booking, error) {
	query := `
		SELECT id, user_id, experiment_id, start_time, end_time, status, notes, created_at
		FROM bookings
		WHERE id = $1
	`

	booking := &Booking{}
	err := r.db.GetContext(ctx, booking, query, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrBookingNotFound
		}
		return nil, err
	}

	return booking, nil
}

// ListForExperiment returns non-cancelled bookings for an experiment whose
// windows intersect [from, to), ordered by start time. Input for the
// availability computation.
func (r *BookingRepo) ListForExperiment(ctx context.Context, experimentID uuid.UUID, from, to time.Time) ([]Booking, error) {
	query := `
		SELECT id, user_id, experiment_id, start_time, end_time, status, notes, created_at
		FROM bookings
		WHERE experiment_id = $1
		  AND status <> 'cancelled'
		  AND start_time < $3
		  AND end_time > $2
		ORDER BY start_time
	`

	bookings := []Booking{}
	if err := r.db.SelectContext(ctx, &bookings, query, experimentID, from, to); err != nil {
		return nil, err
	}

	return bookings, nil
}

// ListForUser returns a user's bookings, newest first
func (r *BookingRepo) ListForUser(ctx context.Context, userID uuid.UUID, includeFinished bool) ([]Booking, error) {
	query := `
		SELECT id, user_id, experiment_id, start_time, end_time, status, notes, created_at
		FROM bookings
		WHERE user_id = $1
	`
	if !includeFinished {
		query += ` AND status IN ('booked', 'active')`
	}
	query += ` ORDER BY start_time DESC`

	bookings := []Booking{}
	if err := r.db.SelectContext(ctx, &bookings, query, userID); err != nil {
		return nil, err
	}

	return bookings, nil
}

// UpdateStatus transitions a booking to the given status
func (r *BookingRepo) UpdateStatus(ctx context.Context, id uuid.UUID, status string) error {
	query := `UPDATE bookings SET status = $1 WHERE id = $2`

	result, err := r.db.ExecContext(ctx, query, status, id)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrBookingNotFound
	}

	return nil
}

// ExpireLapsed marks booked windows whose end time has passed without a
// session ever attaching as completed. Run periodically from the server.
func (r *BookingRepo) ExpireLapsed(ctx context.Context, now time.Time) (int64, error) {
	query := `UPDATE bookings SET status = 'completed' WHERE status = 'booked' AND end_time < $1`

	result, err := r.db.ExecContext(ctx, query, now)
	if err != nil {
		return 0, err
	}

	return result.RowsAffected()
}
