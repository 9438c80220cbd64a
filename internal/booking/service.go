// Package booking reserves time slots on experiments. Overlap prevention
// is enforced at the store by an exclusion constraint, so concurrent
// requests for the same slot are linearized by Postgres and at most one
// commits.
package booking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/Abhilash1575/virtual-lab/internal/metrics"
	"github.com/Abhilash1575/virtual-lab/internal/notify"
	"github.com/Abhilash1575/virtual-lab/internal/repository"
)

// Service errors
var (
	ErrBookingNotFound    = errors.New("booking not found")
	ErrBookingConflict    = errors.New("booking window conflicts with an existing booking")
	ErrExperimentNotFound = errors.New("experiment not found")
	ErrExperimentInactive = errors.New("experiment is not accepting bookings")
	ErrInvalidWindow      = errors.New("invalid booking window")
	ErrAccessDenied       = errors.New("access denied")
	ErrNotCancellable     = errors.New("booking can no longer be cancelled")
)

// Error codes for API responses
const (
	CodeValidationError    = "VALIDATION_ERROR"
	CodeBookingConflict    = "BOOKING_CONFLICT"
	CodeBookingNotFound    = "BOOKING_NOT_FOUND"
	CodeExperimentNotFound = "EXPERIMENT_NOT_FOUND"
	CodeExperimentInactive = "EXPERIMENT_INACTIVE"
	CodeForbidden          = "FORBIDDEN"
	CodeNotCancellable     = "BOOKING_NOT_CANCELLABLE"
)

// CreateBookingRequest represents a booking request
type CreateBookingRequest struct {
	ExperimentID string    `json:"experiment_id"`
	StartTime    time.Time `json:"start_time"`
	EndTime      time.Time `json:"end_time"`
	Notes        string    `json:"notes,omitempty"`
}

// BookingResponse represents a booking in API responses
type BookingResponse struct {
	ID           string    `json:"id"`
	ExperimentID string    `json:"experiment_id"`
	StartTime    time.Time `json:"start_time"`
	EndTime      time.Time `json:"end_time"`
	Status       string    `json:"status"`
	Notes        *string   `json:"notes,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// Slot is a free sub-interval of an experiment's operating window
type Slot struct {
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`
}

// Service handles booking business logic
type Service struct {
	bookings    repository.BookingRepositoryInterface
	experiments repository.ExperimentRepositoryInterface
	users       repository.UserRepository
	notifier    *notify.Notifier
	logger      *slog.Logger

	now func() time.Time
}

// NewService creates a booking Service. The notifier may be nil when no
// mail relay is configured.
func NewService(
	bookings repository.BookingRepositoryInterface,
	experiments repository.ExperimentRepositoryInterface,
	users repository.UserRepository,
	notifier *notify.Notifier,
	logger *slog.Logger,
) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		bookings:    bookings,
		experiments: experiments,
		users:       users,
		notifier:    notifier,
		logger:      logger,
		now:         time.Now,
	}
}

// RequestBooking reserves [start, end) on an experiment. The window must
// be in the future, exactly one slot long, and inside the experiment's
// daily operating hours. Overlap with an existing booking returns
// ErrBookingConflict.
func (s *Service) RequestBooking(ctx context.Context, userID uuid.UUID, req CreateBookingRequest) (*BookingResponse, error) {
	experimentID, err := uuid.Parse(req.ExperimentID)
	if err != nil {
		return nil, ErrExperimentNotFound
	}

	exp, err := s.experiments.GetByID(ctx, experimentID)
	if err != nil {
		if errors.Is(err, repository.ErrExperimentNotFound) {
			return nil, ErrExperimentNotFound
		}
		return nil, fmt.Errorf("failed to get experiment: %w", err)
	}
	if !exp.IsActive {
		return nil, ErrExperimentInactive
	}

	start := req.StartTime.UTC().Truncate(time.Minute)
	end := req.EndTime.UTC().Truncate(time.Minute)

	if err := validateWindow(start, end, exp, s.now().UTC()); err != nil {
		return nil, err
	}

	booking := &repository.Booking{
		UserID:       userID,
		ExperimentID: experimentID,
		StartTime:    start,
		EndTime:      end,
		Status:       repository.BookingStatusBooked,
	}
	if req.Notes != "" {
		booking.Notes = &req.Notes
	}

	if err := s.bookings.Create(ctx, booking); err != nil {
		if errors.Is(err, repository.ErrBookingConflict) {
			metrics.BookingConflictsTotal.Inc()
			return nil, ErrBookingConflict
		}
		return nil, fmt.Errorf("failed to create booking: %w", err)
	}

	metrics.BookingsCreatedTotal.Inc()
	s.logger.Info("Booking created",
		"booking_id", booking.ID,
		"experiment_id", experimentID,
		"user_id", userID,
		"start", start,
		"end", end,
	)

	if s.notifier != nil {
		if user, err := s.users.GetByID(ctx, userID); err == nil {
			s.notifier.BookingConfirmation(user.Email, exp.Name, start, end)
		}
	}

	return toResponse(booking), nil
}

// validateWindow checks the window shape against the experiment. The slot
// length must match the experiment's duration and the whole window must
// fall inside one day's operating hours.
func validateWindow(start, end time.Time, exp *repository.Experiment, now time.Time) error {
	if !start.Before(end) {
		return fmt.Errorf("%w: start must be before end", ErrInvalidWindow)
	}
	if start.Before(now) {
		return fmt.Errorf("%w: window starts in the past", ErrInvalidWindow)
	}
	if end.Sub(start) != time.Duration(exp.DurationMinutes)*time.Minute {
		return fmt.Errorf("%w: window must be exactly %d minutes", ErrInvalidWindow, exp.DurationMinutes)
	}

	startDay := start.Truncate(24 * time.Hour)
	endDay := end.Add(-time.Nanosecond).Truncate(24 * time.Hour)
	if !startDay.Equal(endDay) {
		return fmt.Errorf("%w: window must not cross midnight UTC", ErrInvalidWindow)
	}

	startMinute := start.Hour()*60 + start.Minute()
	endMinute := startMinute + int(end.Sub(start)/time.Minute)
	if startMinute < exp.OpensAtMinutes || endMinute > exp.ClosesAtMinutes {
		return fmt.Errorf("%w: window is outside operating hours", ErrInvalidWindow)
	}

	return nil
}

// Cancel cancels a booking. Only the owner or an admin may cancel, and
// only while the booking is still in the booked state.
func (s *Service) Cancel(ctx context.Context, userID uuid.UUID, isAdmin bool, bookingID string) error {
	id, err := uuid.Parse(bookingID)
	if err != nil {
		return ErrBookingNotFound
	}

	booking, err := s.bookings.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrBookingNotFound) {
			return ErrBookingNotFound
		}
		return fmt.Errorf("failed to get booking: %w", err)
	}

	if booking.UserID != userID && !isAdmin {
		return ErrAccessDenied
	}
	if booking.Status != repository.BookingStatusBooked {
		return ErrNotCancellable
	}

	if err := s.bookings.UpdateStatus(ctx, id, repository.BookingStatusCancelled); err != nil {
		if errors.Is(err, repository.ErrBookingNotFound) {
			return ErrBookingNotFound
		}
		return fmt.Errorf("failed to cancel booking: %w", err)
	}

	s.logger.Info("Booking cancelled", "booking_id", id, "user_id", userID)

	if s.notifier != nil {
		owner, ownerErr := s.users.GetByID(ctx, booking.UserID)
		exp, expErr := s.experiments.GetByID(ctx, booking.ExperimentID)
		if ownerErr == nil && expErr == nil {
			s.notifier.BookingCancellation(owner.Email, exp.Name, booking.StartTime)
		}
	}

	return nil
}

// GetByID returns a booking visible to the caller
func (s *Service) GetByID(ctx context.Context, userID uuid.UUID, isAdmin bool, bookingID string) (*BookingResponse, error) {
	id, err := uuid.Parse(bookingID)
	if err != nil {
		return nil, ErrBookingNotFound
	}

	booking, err := s.bookings.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrBookingNotFound) {
			return nil, ErrBookingNotFound
		}
		return nil, fmt.Errorf("failed to get booking: %w", err)
	}
	if booking.UserID != userID && !isAdmin {
		return nil, ErrAccessDenied
	}

	return toResponse(booking), nil
}

// ListMine returns the caller's bookings
func (s *Service) ListMine(ctx context.Context, userID uuid.UUID, includeFinished bool) ([]BookingResponse, error) {
	bookings, err := s.bookings.ListForUser(ctx, userID, includeFinished)
	if err != nil {
		return nil, fmt.Errorf("failed to list bookings: %w", err)
	}

	responses := make([]BookingResponse, len(bookings))
	for i := range bookings {
		responses[i] = *toResponse(&bookings[i])
	}
	return responses, nil
}

// AvailableSlots returns the free sub-intervals of an experiment's
// operating window on the given UTC day that can still fit a slot.
func (s *Service) AvailableSlots(ctx context.Context, experimentID string, day time.Time) ([]Slot, error) {
	id, err := uuid.Parse(experimentID)
	if err != nil {
		return nil, ErrExperimentNotFound
	}

	exp, err := s.experiments.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrExperimentNotFound) {
			return nil, ErrExperimentNotFound
		}
		return nil, fmt.Errorf("failed to get experiment: %w", err)
	}

	dayStart := day.UTC().Truncate(24 * time.Hour)
	opens := dayStart.Add(time.Duration(exp.OpensAtMinutes) * time.Minute)
	closes := dayStart.Add(time.Duration(exp.ClosesAtMinutes) * time.Minute)

	bookings, err := s.bookings.ListForExperiment(ctx, id, opens, closes)
	if err != nil {
		return nil, fmt.Errorf("failed to list bookings: %w", err)
	}

	duration := time.Duration(exp.DurationMinutes) * time.Minute
	return computeFreeSlots(opens, closes, duration, bookings), nil
}

// computeFreeSlots is a pure function over the existing bookings: it
// returns the maximal free sub-intervals of [opens, closes) that can fit
// at least one slot of the given duration. Bookings must be ordered by
// start time, as ListForExperiment returns them.
func computeFreeSlots(opens, closes time.Time, duration time.Duration, bookings []repository.Booking) []Slot {
	slots := []Slot{}
	cursor := opens

	for i := range bookings {
		b := &bookings[i]
		if !b.StartTime.After(cursor) {
			if b.EndTime.After(cursor) {
				cursor = b.EndTime
			}
			continue
		}
		if b.StartTime.Sub(cursor) >= duration {
			slots = append(slots, Slot{StartTime: cursor, EndTime: b.StartTime})
		}
		if b.EndTime.After(cursor) {
			cursor = b.EndTime
		}
	}

	if closes.Sub(cursor) >= duration {
		slots = append(slots, Slot{StartTime: cursor, EndTime: closes})
	}

	return slots
}

// ExpireLapsed sweeps booked windows whose end time passed without a
// session ever attaching. Run periodically from the server.
func (s *Service) ExpireLapsed(ctx context.Context) (int64, error) {
	return s.bookings.ExpireLapsed(ctx, s.now().UTC())
}

func toResponse(b *repository.Booking) *BookingResponse {
	return &BookingResponse{
		ID:           b.ID.String(),
		ExperimentID: b.ExperimentID.String(),
		StartTime:    b.StartTime,
		EndTime:      b.EndTime,
		Status:       b.Status,
		Notes:        b.Notes,
		CreatedAt:    b.CreatedAt,
	}
}
