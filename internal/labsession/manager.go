package labsession

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Abhilash1575/virtual-lab/internal/device"
	"github.com/Abhilash1575/virtual-lab/internal/events"
	"github.com/Abhilash1575/virtual-lab/internal/firmware"
	"github.com/Abhilash1575/virtual-lab/internal/metrics"
	"github.com/Abhilash1575/virtual-lab/internal/repository"
)

const railPollInterval = 50 * time.Millisecond

// Flasher runs firmware flashes for a session. Satisfied by
// firmware.Dispatcher.
type Flasher interface {
	Flash(ctx context.Context, sessionID string, board firmware.BoardType, mode firmware.Mode, imagePath string) error
	Cancel(sessionID string)
}

// ImageStore stores and retrieves firmware images. Satisfied by
// imagestore.Store.
type ImageStore interface {
	Upload(ctx context.Context, sessionID, filename string, body io.Reader, size int64) (string, error)
	FetchToTemp(ctx context.Context, key string) (localPath string, cleanup func(), err error)
	DeleteSessionUploads(ctx context.Context, sessionID string) (int, error)
}

// ManagerConfig holds session lifecycle tuning
type ManagerConfig struct {
	// DeviceID names the lab rig this server controls
	DeviceID string
	// SerialPort and SerialBaud locate the board's console
	SerialPort string
	SerialBaud int
	// PowerOnTimeout bounds the wait for rail stabilization
	PowerOnTimeout time.Duration
	// IdleTimeout force-closes a session with no client activity
	IdleTimeout time.Duration
	// DisconnectGrace is how long a dropped client may reconnect
	DisconnectGrace time.Duration
}

// Session is the runtime record of a live lab session. It exists only in
// memory; the booking row is the persistent trace.
type Session struct {
	ID           string
	BookingID    uuid.UUID
	UserID       uuid.UUID
	ExperimentID uuid.UUID
	Board        firmware.BoardType
	StartedAt    time.Time
	WindowEnd    time.Time

	mu           sync.Mutex
	state        State
	deviceState  DeviceState
	pump         *device.Pump
	lastActivity time.Time
	graceTimer   *time.Timer
	activated    bool // booking row transitioned to active

	closeOnce sync.Once
	done      chan struct{}
}

// State returns the session's current lifecycle state
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

func (s *Session) touch(now time.Time) {
	s.mu.Lock()
	s.lastActivity = now
	s.mu.Unlock()
}

// firmwareUnknown reports whether the board's firmware state can no
// longer be trusted (a flash verification failed)
func (s *Session) firmwareUnknown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deviceState.Unknown
}

func (s *Session) idleSince() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

func (s *Session) response() *SessionResponse {
	s.mu.Lock()
	defer s.mu.Unlock()
	return &SessionResponse{
		ID:              s.ID,
		BookingID:       s.BookingID.String(),
		ExperimentID:    s.ExperimentID.String(),
		BoardType:       string(s.Board),
		State:           string(s.state),
		PersistentImage: s.deviceState.PersistentImage,
		VolatileImage:   s.deviceState.VolatileImage,
		FirmwareUnknown: s.deviceState.Unknown,
		StartedAt:       s.StartedAt,
		WindowEnd:       s.WindowEnd,
	}
}

// Manager owns the lab session lifecycle: it powers boards on for
// bookings, supervises idle/window/disconnect timeouts, and guarantees
// the power-off cleanup sequence exactly once per session.
type Manager struct {
	bookings    repository.BookingRepositoryInterface
	experiments repository.ExperimentRepositoryInterface
	registry    *Registry
	opener      device.Opener
	relay       device.Relay
	rail        device.RailSensor
	flasher     Flasher
	images      ImageStore
	bus         events.EventBus
	cfg         ManagerConfig
	logger      *slog.Logger
	now         func() time.Time

	mu         sync.Mutex
	sessions   map[string]*Session
	unsubPower func()
}

// NewManager creates a session Manager
func NewManager(
	bookings repository.BookingRepositoryInterface,
	experiments repository.ExperimentRepositoryInterface,
	registry *Registry,
	opener device.Opener,
	relay device.Relay,
	rail device.RailSensor,
	flasher Flasher,
	images ImageStore,
	bus events.EventBus,
	cfg ManagerConfig,
	logger *slog.Logger,
) *Manager {
	if cfg.DeviceID == "" {
		cfg.DeviceID = "lab-1"
	}
	if cfg.PowerOnTimeout <= 0 {
		cfg.PowerOnTimeout = 5 * time.Second
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 5 * time.Minute
	}
	if cfg.DisconnectGrace <= 0 {
		cfg.DisconnectGrace = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	m := &Manager{
		bookings:    bookings,
		experiments: experiments,
		registry:    registry,
		opener:      opener,
		relay:       relay,
		rail:        rail,
		flasher:     flasher,
		images:      images,
		bus:         bus,
		cfg:         cfg,
		logger:      logger,
		now:         func() time.Time { return time.Now().UTC() },
		sessions:    make(map[string]*Session),
	}

	// A low-battery warning drains the lab: every live session closes
	// within one monitor poll.
	m.unsubPower = bus.Subscribe(events.TopicPower, func(ev events.Event) {
		if ev.Type == events.EventTypeShutdownWarning {
			go m.CloseAll(ReasonLowVoltage)
		}
	})

	return m
}

// Start turns a booking into a live session: lease the device, power the
// rail, open the serial console. The caller must own the booking and the
// booking window must be open.
func (m *Manager) Start(ctx context.Context, userID uuid.UUID, bookingID uuid.UUID) (*SessionResponse, error) {
	booking, err := m.bookings.GetByID(ctx, bookingID)
	if err != nil {
		if errors.Is(err, repository.ErrBookingNotFound) {
			return nil, ErrBookingNotUsable
		}
		return nil, err
	}
	if booking.UserID != userID {
		return nil, ErrAccessDenied
	}
	if booking.Status != repository.BookingStatusBooked && booking.Status != repository.BookingStatusActive {
		return nil, ErrBookingNotUsable
	}

	now := m.now()
	if now.Before(booking.StartTime) || !now.Before(booking.EndTime) {
		return nil, ErrBookingNotOpen
	}

	experiment, err := m.experiments.GetByID(ctx, booking.ExperimentID)
	if err != nil {
		return nil, err
	}
	board, err := firmware.ParseBoardType(experiment.BoardType)
	if err != nil {
		return nil, err
	}

	sessionID := uuid.New().String()
	if err := m.registry.Acquire(m.cfg.DeviceID, sessionID); err != nil {
		return nil, err
	}

	sess := &Session{
		ID:           sessionID,
		BookingID:    booking.ID,
		UserID:       booking.UserID,
		ExperimentID: booking.ExperimentID,
		Board:        board,
		StartedAt:    now,
		WindowEnd:    booking.EndTime,
		state:        StatePending,
		lastActivity: now,
		done:         make(chan struct{}),
	}

	m.mu.Lock()
	m.sessions[sessionID] = sess
	m.mu.Unlock()

	m.publishState(sess, StatePending, "")
	m.logger.Info("Lab session starting",
		"session_id", sessionID,
		"booking_id", booking.ID,
		"board", board)

	sess.setState(StatePoweringOn)
	m.publishState(sess, StatePoweringOn, "")

	if err := m.relay.SetPower(ctx, true); err != nil {
		m.close(sess, ReasonPowerFault)
		return nil, fmt.Errorf("power relay: %w", err)
	}
	if err := m.waitRailStable(ctx); err != nil {
		m.close(sess, ReasonPowerFault)
		return nil, err
	}

	sess.setState(StateReady)
	m.publishState(sess, StateReady, "")

	port, err := m.opener.Open(ctx, m.cfg.SerialPort, m.cfg.SerialBaud)
	if err != nil {
		m.close(sess, ReasonPowerFault)
		return nil, fmt.Errorf("serial open: %w", err)
	}

	pump := device.NewPump(sessionID, port, m.bus, m.logger)
	pump.Start()

	sess.mu.Lock()
	sess.pump = pump
	sess.state = StateActive
	sess.activated = true
	sess.mu.Unlock()

	if err := m.bookings.UpdateStatus(ctx, booking.ID, repository.BookingStatusActive); err != nil {
		m.logger.Warn("Failed to mark booking active",
			"booking_id", booking.ID, "error", err)
	}

	metrics.SessionsActive.Inc()
	m.publishState(sess, StateActive, "")

	go m.watch(sess)

	return sess.response(), nil
}

// waitRailStable polls the rail sensor until it reports a stable rail,
// bounded by PowerOnTimeout.
func (m *Manager) waitRailStable(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.PowerOnTimeout)
	defer cancel()

	ticker := time.NewTicker(railPollInterval)
	defer ticker.Stop()

	for {
		stable, err := m.rail.Stable(ctx)
		if err == nil && stable {
			return nil
		}
		select {
		case <-ctx.Done():
			return ErrPowerOnTimeout
		case <-ticker.C:
		}
	}
}

// End closes a session at the owner's (or an admin's) request
func (m *Manager) End(ctx context.Context, callerID uuid.UUID, isAdmin bool, sessionID string) error {
	sess, err := m.authorized(callerID, isAdmin, sessionID)
	if err != nil {
		return err
	}
	m.close(sess, ReasonUserRequest)
	return nil
}

// Get returns one session visible to the caller
func (m *Manager) Get(callerID uuid.UUID, isAdmin bool, sessionID string) (*SessionResponse, error) {
	sess, err := m.authorized(callerID, isAdmin, sessionID)
	if err != nil {
		return nil, err
	}
	return sess.response(), nil
}

// List returns the caller's live sessions; admins see every session
func (m *Manager) List(callerID uuid.UUID, isAdmin bool) []*SessionResponse {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*SessionResponse, 0, len(m.sessions))
	for _, sess := range m.sessions {
		if isAdmin || sess.UserID == callerID {
			out = append(out, sess.response())
		}
	}
	return out
}

// Touch records client activity, deferring the idle timeout
func (m *Manager) Touch(sessionID string) {
	m.mu.Lock()
	sess, ok := m.sessions[sessionID]
	m.mu.Unlock()
	if ok {
		sess.touch(m.now())
	}
}

// Disconnect starts the reconnect grace timer for a session whose client
// stream dropped. If the client does not return within the grace period
// the session closes.
func (m *Manager) Disconnect(sessionID string) {
	m.mu.Lock()
	sess, ok := m.sessions[sessionID]
	m.mu.Unlock()
	if !ok {
		return
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.graceTimer != nil {
		return
	}
	sess.graceTimer = time.AfterFunc(m.cfg.DisconnectGrace, func() {
		m.close(sess, ReasonDisconnect)
	})
	m.logger.Info("Client disconnected, grace timer armed",
		"session_id", sessionID, "grace", m.cfg.DisconnectGrace)
}

// Reconnect cancels the disconnect grace timer
func (m *Manager) Reconnect(sessionID string) {
	m.mu.Lock()
	sess, ok := m.sessions[sessionID]
	m.mu.Unlock()
	if !ok {
		return
	}

	sess.mu.Lock()
	if sess.graceTimer != nil {
		sess.graceTimer.Stop()
		sess.graceTimer = nil
	}
	sess.lastActivity = m.now()
	sess.mu.Unlock()
}

// SendCommand relays one command line to the board's console. Refused
// while the firmware state is unknown: the board must be re-flashed
// before its output can be trusted.
func (m *Manager) SendCommand(ctx context.Context, callerID uuid.UUID, isAdmin bool, sessionID, command string) error {
	sess, err := m.activeSession(callerID, isAdmin, sessionID)
	if err != nil {
		return err
	}
	if sess.firmwareUnknown() {
		return ErrFirmwareUnknown
	}
	sess.touch(m.now())
	return sess.pump.SendCommand(command)
}

// UploadImage stores a firmware image for later flashing in this session
func (m *Manager) UploadImage(ctx context.Context, callerID uuid.UUID, isAdmin bool, sessionID, filename string, body io.Reader, size int64) (string, error) {
	sess, err := m.activeSession(callerID, isAdmin, sessionID)
	if err != nil {
		return "", err
	}
	sess.touch(m.now())
	return m.images.Upload(ctx, sessionID, filename, body, size)
}

// Flash writes a stored image to the session's board and updates the
// tracked device firmware state from the outcome. Blocks until the flash
// finishes or fails.
func (m *Manager) Flash(ctx context.Context, callerID uuid.UUID, isAdmin bool, sessionID, imageKey string, mode firmware.Mode) error {
	sess, err := m.activeSession(callerID, isAdmin, sessionID)
	if err != nil {
		return err
	}
	sess.touch(m.now())

	localPath, cleanup, err := m.images.FetchToTemp(ctx, imageKey)
	if err != nil {
		return err
	}
	defer cleanup()

	flashErr := m.flasher.Flash(ctx, sessionID, sess.Board, mode, localPath)

	sess.mu.Lock()
	switch {
	case flashErr == nil:
		sess.deviceState.ApplyFlash(mode, imageKey)
	case errors.Is(flashErr, firmware.ErrFlashVerification):
		// Partial write: what the board runs now is anyone's guess
		sess.deviceState.MarkUnknown()
	}
	board := sess.Board
	sess.mu.Unlock()

	metrics.FlashResultsTotal.WithLabelValues(string(board), flashResultLabel(flashErr)).Inc()
	sess.touch(m.now())
	return flashErr
}

// FactoryReset restores the board's factory firmware image
func (m *Manager) FactoryReset(ctx context.Context, callerID uuid.UUID, isAdmin bool, sessionID string) error {
	sess, err := m.activeSession(callerID, isAdmin, sessionID)
	if err != nil {
		return err
	}
	profile, err := firmware.ProfileFor(sess.Board)
	if err != nil {
		return err
	}
	return m.Flash(ctx, callerID, isAdmin, sessionID, profile.DefaultImage, firmware.ModeFlash)
}

// PowerCycle toggles the board's power rail. Any RAM-loaded image is
// lost; the persistent flash image boots. Refused while the firmware
// state is unknown, since a partial flash may not boot at all.
func (m *Manager) PowerCycle(ctx context.Context, callerID uuid.UUID, isAdmin bool, sessionID string) error {
	sess, err := m.activeSession(callerID, isAdmin, sessionID)
	if err != nil {
		return err
	}
	if sess.firmwareUnknown() {
		return ErrFirmwareUnknown
	}
	sess.touch(m.now())

	if err := m.relay.SetPower(ctx, false); err != nil {
		return fmt.Errorf("power relay: %w", err)
	}
	if err := m.relay.SetPower(ctx, true); err != nil {
		m.close(sess, ReasonPowerFault)
		return fmt.Errorf("power relay: %w", err)
	}
	if err := m.waitRailStable(ctx); err != nil {
		m.close(sess, ReasonPowerFault)
		return err
	}

	sess.mu.Lock()
	sess.deviceState.PowerCycle()
	sess.mu.Unlock()
	return nil
}

// CloseAll closes every live session with the given reason
func (m *Manager) CloseAll(reason string) {
	m.mu.Lock()
	live := make([]*Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		live = append(live, sess)
	}
	m.mu.Unlock()

	for _, sess := range live {
		m.close(sess, reason)
	}
}

// Shutdown closes all sessions and detaches from the event bus. Called
// during server shutdown.
func (m *Manager) Shutdown() {
	if m.unsubPower != nil {
		m.unsubPower()
	}
	m.CloseAll(ReasonShutdown)
}

// close runs the session teardown sequence exactly once: cancel any
// in-progress flash, close the console, drop the power rail, release the
// device lease, and delete the session's uploaded images.
func (m *Manager) close(sess *Session, reason string) {
	sess.closeOnce.Do(func() {
		sess.setState(StateClosing)
		m.publishState(sess, StateClosing, reason)
		m.logger.Info("Lab session closing",
			"session_id", sess.ID, "reason", reason)

		m.flasher.Cancel(sess.ID)

		sess.mu.Lock()
		pump := sess.pump
		graceTimer := sess.graceTimer
		activated := sess.activated
		sess.mu.Unlock()

		if graceTimer != nil {
			graceTimer.Stop()
		}
		if pump != nil {
			if err := pump.Close(); err != nil {
				m.logger.Warn("Serial close failed",
					"session_id", sess.ID, "error", err)
			}
		}

		// Teardown must finish even when the triggering context is gone
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := m.relay.SetPower(ctx, false); err != nil {
			m.logger.Error("Failed to de-assert power relay",
				"session_id", sess.ID, "error", err)
		}

		m.registry.Release(m.cfg.DeviceID, sess.ID)

		if _, err := m.images.DeleteSessionUploads(ctx, sess.ID); err != nil {
			m.logger.Warn("Failed to delete session uploads",
				"session_id", sess.ID, "error", err)
		}

		if activated {
			if err := m.bookings.UpdateStatus(ctx, sess.BookingID, repository.BookingStatusCompleted); err != nil {
				m.logger.Warn("Failed to complete booking",
					"booking_id", sess.BookingID, "error", err)
			}
			metrics.SessionsActive.Dec()
		}
		metrics.SessionsClosedTotal.WithLabelValues(reason).Inc()

		sess.setState(StateClosed)
		m.publishState(sess, StateClosed, reason)

		m.mu.Lock()
		delete(m.sessions, sess.ID)
		m.mu.Unlock()

		close(sess.done)
		m.logger.Info("Lab session closed",
			"session_id", sess.ID, "reason", reason)
	})
}

// watch supervises one session's booking window and idle timeout
func (m *Manager) watch(sess *Session) {
	windowTimer := time.NewTimer(sess.WindowEnd.Sub(m.now()))
	defer windowTimer.Stop()

	tick := m.cfg.IdleTimeout / 4
	if tick < 10*time.Millisecond {
		tick = 10 * time.Millisecond
	}
	if tick > 5*time.Second {
		tick = 5 * time.Second
	}
	idleTicker := time.NewTicker(tick)
	defer idleTicker.Stop()

	for {
		select {
		case <-sess.done:
			return
		case <-windowTimer.C:
			m.close(sess, ReasonWindowExpired)
			return
		case <-idleTicker.C:
			if m.now().Sub(sess.idleSince()) >= m.cfg.IdleTimeout {
				m.close(sess, ReasonIdleTimeout)
				return
			}
		}
	}
}

// CanSubscribe implements topic authorization for the event stream: the
// power feed is open to any authenticated user, a session feed to its
// owner or an admin.
func (m *Manager) CanSubscribe(rawUserID string, isAdmin bool, topic string) bool {
	if topic == events.TopicPower {
		return true
	}
	sessionID := strings.TrimPrefix(topic, "session:")
	if sessionID == topic || sessionID == "" {
		return false
	}

	m.mu.Lock()
	sess, ok := m.sessions[sessionID]
	m.mu.Unlock()
	if !ok {
		return false
	}
	if isAdmin {
		return true
	}
	userID, err := uuid.Parse(rawUserID)
	return err == nil && sess.UserID == userID
}

// authorized looks up a session the caller may touch
func (m *Manager) authorized(callerID uuid.UUID, isAdmin bool, sessionID string) (*Session, error) {
	m.mu.Lock()
	sess, ok := m.sessions[sessionID]
	m.mu.Unlock()
	if !ok {
		return nil, ErrSessionNotFound
	}
	if !isAdmin && sess.UserID != callerID {
		return nil, ErrAccessDenied
	}
	return sess, nil
}

// activeSession is authorized plus a state check for device operations
func (m *Manager) activeSession(callerID uuid.UUID, isAdmin bool, sessionID string) (*Session, error) {
	sess, err := m.authorized(callerID, isAdmin, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.State() != StateActive {
		return nil, ErrSessionNotActive
	}
	return sess, nil
}

func (m *Manager) publishState(sess *Session, state State, reason string) {
	now := m.now()
	data, err := json.Marshal(events.SessionStateEvent{
		SessionID: sess.ID,
		State:     string(state),
		Reason:    reason,
		Timestamp: now,
	})
	if err != nil {
		return
	}
	_ = m.bus.Publish(events.Event{
		ID:        uuid.New().String(),
		Type:      events.EventTypeSessionState,
		Topic:     events.SessionTopic(sess.ID),
		Data:      data,
		Timestamp: now,
	})
}

// flashResultLabel buckets a flash outcome for the metrics counter
func flashResultLabel(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, firmware.ErrFlashVerification):
		return "verify_failed"
	case errors.Is(err, firmware.ErrDeviceNotResponding):
		return "not_responding"
	case errors.Is(err, firmware.ErrToolNotFound):
		return "tool_missing"
	default:
		return "failure"
	}
}
