package repository

import (
	"time"

	"github.com/google/uuid"
)

// User roles
const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

// User represents a lab user account in the database.
// Users are never hard-deleted; IsActive soft-disables the account.
type User struct {
	ID                  uuid.UUID  `db:"id"`
	Username            string     `db:"username"`
	Email               string     `db:"email"`
	PasswordHash        string     `db:"password_hash"`
	Role                string     `db:"role"`
	IsActive            bool       `db:"is_active"`
	CreatedAt           time.Time  `db:"created_at"`
	UpdatedAt           time.Time  `db:"updated_at"`
	LastLoginAt         *time.Time `db:"last_login_at"`
	PasswordChangedAt   time.Time  `db:"password_changed_at"`
	FailedLoginAttempts int        `db:"failed_login_attempts"`
	LockedUntil         *time.Time `db:"locked_until"`
}

// Locked reports whether the account lockout is still in effect at now.
func (u *User) Locked(now time.Time) bool {
	return u.LockedUntil != nil && now.Before(*u.LockedUntil)
}

// AuthSession represents an authentication session in the database.
// At most one row exists per user: a new login deletes any previous
// sessions (last-login-wins).
type AuthSession struct {
	ID        uuid.UUID `db:"id"`
	UserID    uuid.UUID `db:"user_id"`
	TokenHash string    `db:"token_hash"`
	ExpiresAt time.Time `db:"expires_at"`
	CreatedAt time.Time `db:"created_at"`
	IPAddress *string   `db:"ip_address"`
	UserAgent *string   `db:"user_agent"`
}

// Experiment represents a catalog entry for a bookable lab setup
type Experiment struct {
	ID              uuid.UUID `db:"id"`
	Name            string    `db:"name"`
	Description     string    `db:"description"`
	BoardType       string    `db:"board_type"`
	DurationMinutes int       `db:"duration_minutes"`
	// OpensAt/ClosesAt bound the daily operating window, minutes from
	// midnight UTC
	OpensAtMinutes  int       `db:"opens_at_minutes"`
	ClosesAtMinutes int       `db:"closes_at_minutes"`
	IsActive        bool      `db:"is_active"`
	CreatedAt       time.Time `db:"created_at"`
	UpdatedAt       time.Time `db:"updated_at"`
}

// Booking statuses
const (
	BookingStatusBooked    = "booked"
	BookingStatusActive    = "active"
	BookingStatusCompleted = "completed"
	BookingStatusCancelled = "cancelled"
)

// Booking represents a reserved [start,end) time slot on an experiment
type Booking struct {
	ID           uuid.UUID `db:"id"`
	UserID       uuid.UUID `db:"user_id"`
	ExperimentID uuid.UUID `db:"experiment_id"`
	StartTime    time.Time `db:"start_time"`
	EndTime      time.Time `db:"end_time"`
	Status       string    `db:"status"`
	Notes        *string   `db:"notes"`
	CreatedAt    time.Time `db:"created_at"`
}

// Overlaps reports whether the booking window overlaps [start,end)
func (b *Booking) Overlaps(start, end time.Time) bool {
	return start.Before(b.EndTime) && end.After(b.StartTime)
}

// EmailLog records a fire-and-forget notification attempt
type EmailLog struct {
	ID        uuid.UUID `db:"id"`
	Recipient string    `db:"recipient"`
	Subject   string    `db:"subject"`
	Body      string    `db:"body"`
	Status    string    `db:"status"`
	Error     *string   `db:"error_message"`
	SentAt    time.Time `db:"sent_at"`
}
