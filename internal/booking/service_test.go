package booking

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"pgregory.net/rapid"

	"github.com/Abhilash1575/virtual-lab/internal/repository"
)

// mockBookingRepo mimics the store's exclusion constraint: an insert that
// overlaps a non-cancelled booking for the same experiment fails
type mockBookingRepo struct {
	bookings map[uuid.UUID]*repository.Booking
}

func newMockBookingRepo() *mockBookingRepo {
	return &mockBookingRepo{bookings: make(map[uuid.UUID]*repository.Booking)}
}

func (m *mockBookingRepo) Create(ctx context.Context, booking *repository.Booking) error {
	for _, existing := range m.bookings {
		if existing.ExperimentID != booking.ExperimentID {
			continue
		}
		if existing.Status == repository.BookingStatusCancelled {
			continue
		}
		if existing.Overlaps(booking.StartTime, booking.EndTime) {
			return repository.ErrBookingConflict
		}
	}
	booking.ID = uuid.New()
	booking.CreatedAt = time.Now().UTC()
	clone := *booking
	m.bookings[booking.ID] = &clone
	return nil
}

func (m *mockBookingRepo) GetByID(ctx context.Context, id uuid.UUID) (*repository.Booking, error) {
	b, ok := m.bookings[id]
	if !ok {
		return nil, repository.ErrBookingNotFound
	}
	clone := *b
	return &clone, nil
}

func (m *mockBookingRepo) ListForExperiment(ctx context.Context, experimentID uuid.UUID, from, to time.Time) ([]repository.Booking, error) {
	var out []repository.Booking
	for _, b := range m.bookings {
		if b.ExperimentID != experimentID || b.Status == repository.BookingStatusCancelled {
			continue
		}
		if b.StartTime.Before(to) && b.EndTime.After(from) {
			out = append(out, *b)
		}
	}
	// ordered by start time, as the real query returns them
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].StartTime.Before(out[j-1].StartTime); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out, nil
}

func (m *mockBookingRepo) ListForUser(ctx context.Context, userID uuid.UUID, includeFinished bool) ([]repository.Booking, error) {
	var out []repository.Booking
	for _, b := range m.bookings {
		if b.UserID != userID {
			continue
		}
		if !includeFinished && b.Status != repository.BookingStatusBooked && b.Status != repository.BookingStatusActive {
			continue
		}
		out = append(out, *b)
	}
	return out, nil
}

func (m *mockBookingRepo) UpdateStatus(ctx context.Context, id uuid.UUID, status string) error {
	b, ok := m.bookings[id]
	if !ok {
		return repository.ErrBookingNotFound
	}
	b.Status = status
	return nil
}

func (m *mockBookingRepo) ExpireLapsed(ctx context.Context, now time.Time) (int64, error) {
	var n int64
	for _, b := range m.bookings {
		if b.Status == repository.BookingStatusBooked && b.EndTime.Before(now) {
			b.Status = repository.BookingStatusCompleted
			n++
		}
	}
	return n, nil
}

// stubExperimentRepo serves a single fixed experiment
type stubExperimentRepo struct {
	exp *repository.Experiment
}

func (s *stubExperimentRepo) Create(ctx context.Context, exp *repository.Experiment) error { return nil }

func (s *stubExperimentRepo) GetByID(ctx context.Context, id uuid.UUID) (*repository.Experiment, error) {
	if s.exp == nil || s.exp.ID != id {
		return nil, repository.ErrExperimentNotFound
	}
	clone := *s.exp
	return &clone, nil
}

func (s *stubExperimentRepo) List(ctx context.Context, activeOnly bool) ([]repository.Experiment, error) {
	return nil, nil
}

func (s *stubExperimentRepo) Update(ctx context.Context, exp *repository.Experiment) error {
	return nil
}

func (s *stubExperimentRepo) SetActive(ctx context.Context, id uuid.UUID, active bool) error {
	return nil
}

// testDay is a fixed reference day so windows are deterministic
var testDay = time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)

func arduinoExperiment() *repository.Experiment {
	return &repository.Experiment{
		ID:              uuid.New(),
		Name:            "Arduino Microcontroller",
		BoardType:       "arduino",
		DurationMinutes: 30,
		OpensAtMinutes:  8 * 60,
		ClosesAtMinutes: 20 * 60,
		IsActive:        true,
	}
}

func newTestService(exp *repository.Experiment) (*Service, *mockBookingRepo) {
	repo := newMockBookingRepo()
	service := NewService(repo, &stubExperimentRepo{exp: exp}, nil, nil, nil)
	service.now = func() time.Time { return testDay }
	return service, repo
}

func bookingRequest(exp *repository.Experiment, startHour, startMinute, minutes int) CreateBookingRequest {
	start := testDay.Add(time.Duration(startHour)*time.Hour + time.Duration(startMinute)*time.Minute)
	return CreateBookingRequest{
		ExperimentID: exp.ID.String(),
		StartTime:    start,
		EndTime:      start.Add(time.Duration(minutes) * time.Minute),
	}
}

func TestRequestBooking_OverlapScenario(t *testing.T) {
	exp := arduinoExperiment()
	service, _ := newTestService(exp)
	ctx := context.Background()
	user := uuid.New()

	if _, err := service.RequestBooking(ctx, user, bookingRequest(exp, 10, 0, 30)); err != nil {
		t.Fatalf("10:00-10:30 should be accepted: %v", err)
	}

	if _, err := service.RequestBooking(ctx, user, bookingRequest(exp, 10, 15, 30)); !errors.Is(err, ErrBookingConflict) {
		t.Fatalf("10:15-10:45 should conflict, got %v", err)
	}

	// Windows are half-open, so a booking starting exactly at the
	// previous end is fine
	if _, err := service.RequestBooking(ctx, user, bookingRequest(exp, 10, 30, 30)); err != nil {
		t.Fatalf("10:30-11:00 should be accepted: %v", err)
	}
}

func TestRequestBooking_AcceptedBookingsNeverOverlap(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		exp := arduinoExperiment()
		service, repo := newTestService(exp)
		ctx := context.Background()
		user := uuid.New()

		attempts := rapid.IntRange(1, 40).Draw(t, "attempts")
		for i := 0; i < attempts; i++ {
			// Any half-hour offset inside the operating window
			offset := rapid.IntRange(0, 22).Draw(t, fmt.Sprintf("offset%d", i))
			req := bookingRequest(exp, 8, offset*30, 30)
			_, err := service.RequestBooking(ctx, user, req)
			if err != nil && !errors.Is(err, ErrBookingConflict) {
				t.Fatalf("unexpected error: %v", err)
			}
		}

		var accepted []repository.Booking
		for _, b := range repo.bookings {
			accepted = append(accepted, *b)
		}
		for i := range accepted {
			for j := i + 1; j < len(accepted); j++ {
				if accepted[i].Overlaps(accepted[j].StartTime, accepted[j].EndTime) {
					t.Fatalf("accepted bookings overlap: [%v,%v) and [%v,%v)",
						accepted[i].StartTime, accepted[i].EndTime,
						accepted[j].StartTime, accepted[j].EndTime)
				}
			}
		}
	})
}

func TestRequestBooking_WindowValidation(t *testing.T) {
	exp := arduinoExperiment()
	service, _ := newTestService(exp)
	ctx := context.Background()
	user := uuid.New()

	tests := []struct {
		name string
		req  CreateBookingRequest
	}{
		{"start after end", CreateBookingRequest{
			ExperimentID: exp.ID.String(),
			StartTime:    testDay.Add(11 * time.Hour),
			EndTime:      testDay.Add(10 * time.Hour),
		}},
		{"zero-length window", CreateBookingRequest{
			ExperimentID: exp.ID.String(),
			StartTime:    testDay.Add(10 * time.Hour),
			EndTime:      testDay.Add(10 * time.Hour),
		}},
		{"starts in the past", CreateBookingRequest{
			ExperimentID: exp.ID.String(),
			StartTime:    testDay.Add(-1 * time.Hour),
			EndTime:      testDay.Add(-30 * time.Minute),
		}},
		{"wrong slot length", bookingRequest(exp, 10, 0, 45)},
		{"before opening", bookingRequest(exp, 7, 30, 30)},
		{"past closing", bookingRequest(exp, 19, 45, 30)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := service.RequestBooking(ctx, user, tt.req); !errors.Is(err, ErrInvalidWindow) {
				t.Errorf("expected ErrInvalidWindow, got %v", err)
			}
		})
	}
}

func TestRequestBooking_InactiveExperimentRejected(t *testing.T) {
	exp := arduinoExperiment()
	exp.IsActive = false
	service, _ := newTestService(exp)

	_, err := service.RequestBooking(context.Background(), uuid.New(), bookingRequest(exp, 10, 0, 30))
	if !errors.Is(err, ErrExperimentInactive) {
		t.Fatalf("expected ErrExperimentInactive, got %v", err)
	}
}

func TestCancel_OwnerAndAdminOnly(t *testing.T) {
	exp := arduinoExperiment()
	service, _ := newTestService(exp)
	ctx := context.Background()
	owner := uuid.New()
	stranger := uuid.New()

	created, err := service.RequestBooking(ctx, owner, bookingRequest(exp, 10, 0, 30))
	if err != nil {
		t.Fatalf("booking failed: %v", err)
	}

	if err := service.Cancel(ctx, stranger, false, created.ID); !errors.Is(err, ErrAccessDenied) {
		t.Fatalf("stranger cancel should be denied, got %v", err)
	}

	if err := service.Cancel(ctx, stranger, true, created.ID); err != nil {
		t.Fatalf("admin cancel failed: %v", err)
	}

	// Already cancelled
	if err := service.Cancel(ctx, owner, false, created.ID); !errors.Is(err, ErrNotCancellable) {
		t.Fatalf("expected ErrNotCancellable, got %v", err)
	}
}

func TestCancel_FreesTheWindow(t *testing.T) {
	exp := arduinoExperiment()
	service, _ := newTestService(exp)
	ctx := context.Background()
	user := uuid.New()

	created, err := service.RequestBooking(ctx, user, bookingRequest(exp, 10, 0, 30))
	if err != nil {
		t.Fatalf("booking failed: %v", err)
	}
	if err := service.Cancel(ctx, user, false, created.ID); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}

	if _, err := service.RequestBooking(ctx, user, bookingRequest(exp, 10, 0, 30)); err != nil {
		t.Fatalf("cancelled window should be bookable again: %v", err)
	}
}

func TestAvailableSlots_ExcludesBookedIntervals(t *testing.T) {
	exp := arduinoExperiment()
	service, _ := newTestService(exp)
	ctx := context.Background()
	user := uuid.New()

	if _, err := service.RequestBooking(ctx, user, bookingRequest(exp, 10, 0, 30)); err != nil {
		t.Fatalf("booking failed: %v", err)
	}
	if _, err := service.RequestBooking(ctx, user, bookingRequest(exp, 14, 0, 30)); err != nil {
		t.Fatalf("booking failed: %v", err)
	}

	slots, err := service.AvailableSlots(ctx, exp.ID.String(), testDay)
	if err != nil {
		t.Fatalf("available slots failed: %v", err)
	}

	booked := []repository.Booking{
		{StartTime: testDay.Add(10 * time.Hour), EndTime: testDay.Add(10*time.Hour + 30*time.Minute)},
		{StartTime: testDay.Add(14 * time.Hour), EndTime: testDay.Add(14*time.Hour + 30*time.Minute)},
	}
	for _, slot := range slots {
		for _, b := range booked {
			if b.Overlaps(slot.StartTime, slot.EndTime) {
				t.Errorf("free slot [%v,%v) overlaps booking [%v,%v)",
					slot.StartTime, slot.EndTime, b.StartTime, b.EndTime)
			}
		}
	}

	// 08:00-10:00, 10:30-14:00, 14:30-20:00
	if len(slots) != 3 {
		t.Fatalf("expected 3 free intervals, got %d: %v", len(slots), slots)
	}
	if !slots[0].StartTime.Equal(testDay.Add(8 * time.Hour)) {
		t.Errorf("first interval should start at opening, got %v", slots[0].StartTime)
	}
	if !slots[2].EndTime.Equal(testDay.Add(20 * time.Hour)) {
		t.Errorf("last interval should end at closing, got %v", slots[2].EndTime)
	}
}

func TestComputeFreeSlots_NeverCoversBookings(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		opens := testDay.Add(8 * time.Hour)
		closes := testDay.Add(20 * time.Hour)
		duration := 30 * time.Minute

		count := rapid.IntRange(0, 10).Draw(t, "count")
		var bookings []repository.Booking
		for i := 0; i < count; i++ {
			startOffset := rapid.IntRange(0, 22).Draw(t, fmt.Sprintf("start%d", i))
			lengthSlots := rapid.IntRange(1, 4).Draw(t, fmt.Sprintf("len%d", i))
			start := opens.Add(time.Duration(startOffset) * duration)
			end := start.Add(time.Duration(lengthSlots) * duration)
			if end.After(closes) {
				end = closes
			}
			bookings = append(bookings, repository.Booking{StartTime: start, EndTime: end})
		}
		// computeFreeSlots expects order by start time
		for i := 1; i < len(bookings); i++ {
			for j := i; j > 0 && bookings[j].StartTime.Before(bookings[j-1].StartTime); j-- {
				bookings[j], bookings[j-1] = bookings[j-1], bookings[j]
			}
		}

		slots := computeFreeSlots(opens, closes, duration, bookings)

		for _, slot := range slots {
			if slot.StartTime.Before(opens) || slot.EndTime.After(closes) {
				t.Fatalf("slot [%v,%v) escapes the operating window", slot.StartTime, slot.EndTime)
			}
			if slot.EndTime.Sub(slot.StartTime) < duration {
				t.Fatalf("slot [%v,%v) too short for one booking", slot.StartTime, slot.EndTime)
			}
			for _, b := range bookings {
				if b.Overlaps(slot.StartTime, slot.EndTime) {
					t.Fatalf("free slot [%v,%v) overlaps booking [%v,%v)",
						slot.StartTime, slot.EndTime, b.StartTime, b.EndTime)
				}
			}
		}
	})
}

func TestExpireLapsed(t *testing.T) {
	exp := arduinoExperiment()
	service, repo := newTestService(exp)
	ctx := context.Background()
	user := uuid.New()

	created, err := service.RequestBooking(ctx, user, bookingRequest(exp, 10, 0, 30))
	if err != nil {
		t.Fatalf("booking failed: %v", err)
	}

	service.now = func() time.Time { return testDay.Add(12 * time.Hour) }

	n, err := service.ExpireLapsed(ctx)
	if err != nil {
		t.Fatalf("expire failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 lapsed booking, got %d", n)
	}

	id, _ := uuid.Parse(created.ID)
	b, _ := repo.GetByID(ctx, id)
	if b.Status != repository.BookingStatusCompleted {
		t.Errorf("expected completed status, got %s", b.Status)
	}
}
