package firmware

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/Abhilash1575/virtual-lab/internal/events"
	"github.com/google/uuid"
)

// notRespondingMarkers are tool output fragments that indicate the device
// never answered the programmer. These failures are worth retrying after
// a short backoff; everything else is surfaced immediately.
var notRespondingMarkers = []string{
	"not responding",
	"no response",
	"timed out",
	"timeout",
	"failed to connect",
	"unable to open",
	"can't open device",
	"no device found",
}

// verifyMarkers indicate a post-write verification mismatch. The write
// may be partial, so the firmware state of the device is unknown.
var verifyMarkers = []string{
	"verify failed",
	"verification error",
	"verification failed",
	"content mismatch",
}

// DispatcherConfig holds retry tuning for the Dispatcher
type DispatcherConfig struct {
	SerialPort string
	Retries    int
	Backoff    time.Duration
}

// Dispatcher runs flashing tools against the lab board and streams their
// output as events on the session topic. At most one flash runs per
// session at a time.
type Dispatcher struct {
	runner  Runner
	bus     events.EventBus
	cfg     DispatcherConfig
	logger  *slog.Logger
	mu      sync.Mutex
	running map[string]context.CancelFunc // sessionID -> cancel
}

// NewDispatcher creates a Dispatcher
func NewDispatcher(runner Runner, bus events.EventBus, cfg DispatcherConfig, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Retries <= 0 {
		cfg.Retries = 3
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 2 * time.Second
	}
	return &Dispatcher{
		runner:  runner,
		bus:     bus,
		cfg:     cfg,
		logger:  logger,
		running: make(map[string]context.CancelFunc),
	}
}

// Flash writes the image at imagePath to the board. ModeRAM loads into
// volatile memory and is rejected for boards whose tool cannot do that.
// Tool output is published line by line as flash_progress events; the
// final outcome as a flash_result event. Blocks until the flash finishes,
// fails, or ctx is cancelled.
func (d *Dispatcher) Flash(ctx context.Context, sessionID string, board BoardType, mode Mode, imagePath string) error {
	profile, err := ProfileFor(board)
	if err != nil {
		return err
	}

	argsFor := profile.FlashArgs
	if mode == ModeRAM {
		if !profile.RAMCapable() {
			return ErrUnsupportedMode
		}
		argsFor = profile.RAMArgs
	}

	ctx, err = d.acquire(ctx, sessionID)
	if err != nil {
		return err
	}
	defer d.release(sessionID)

	args := argsFor(d.cfg.SerialPort, imagePath)

	var lastErr error
	for attempt := 1; attempt <= d.cfg.Retries; attempt++ {
		var verifyFailed, notResponding bool

		onLine := func(line string) {
			lowered := strings.ToLower(line)
			for _, marker := range verifyMarkers {
				if strings.Contains(lowered, marker) {
					verifyFailed = true
				}
			}
			for _, marker := range notRespondingMarkers {
				if strings.Contains(lowered, marker) {
					notResponding = true
				}
			}
			d.publishProgress(sessionID, board, mode, line, attempt)
		}

		d.logger.Info("Flash attempt starting",
			"session_id", sessionID, "board", board, "mode", mode,
			"tool", profile.Tool, "attempt", attempt)

		runErr := d.runner.Run(ctx, profile.Tool, args, onLine)

		switch {
		case runErr == nil && !verifyFailed:
			d.publishResult(sessionID, board, mode, true, "", attempt)
			return nil

		case errors.Is(runErr, ErrToolNotFound):
			// Host misconfiguration, retrying cannot help
			d.publishResult(sessionID, board, mode, false, ErrToolNotFound.Error(), attempt)
			return ErrToolNotFound

		case ctx.Err() != nil:
			d.publishResult(sessionID, board, mode, false, "flash cancelled", attempt)
			return ctx.Err()

		case verifyFailed:
			// The write may be partial; device firmware state is unknown
			d.publishResult(sessionID, board, mode, false, ErrFlashVerification.Error(), attempt)
			return ErrFlashVerification

		case notResponding:
			lastErr = ErrDeviceNotResponding
			if attempt < d.cfg.Retries {
				d.logger.Warn("Device not responding, retrying",
					"session_id", sessionID, "board", board, "attempt", attempt)
				select {
				case <-time.After(d.cfg.Backoff * time.Duration(attempt)):
				case <-ctx.Done():
					d.publishResult(sessionID, board, mode, false, "flash cancelled", attempt)
					return ctx.Err()
				}
				continue
			}
			d.publishResult(sessionID, board, mode, false, ErrDeviceNotResponding.Error(), attempt)
			return ErrDeviceNotResponding

		default:
			err := fmt.Errorf("flash tool failed: %w", runErr)
			d.publishResult(sessionID, board, mode, false, err.Error(), attempt)
			return err
		}
	}

	return lastErr
}

// Cancel stops a running flash for the session, if any
func (d *Dispatcher) Cancel(sessionID string) {
	d.mu.Lock()
	cancel, ok := d.running[sessionID]
	d.mu.Unlock()
	if ok {
		cancel()
	}
}

// Running reports whether a flash is in progress for the session
func (d *Dispatcher) Running(sessionID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.running[sessionID]
	return ok
}

func (d *Dispatcher) acquire(ctx context.Context, sessionID string) (context.Context, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.running[sessionID]; ok {
		return nil, ErrFlashInProgress
	}
	ctx, cancel := context.WithCancel(ctx)
	d.running[sessionID] = cancel
	return ctx, nil
}

func (d *Dispatcher) release(sessionID string) {
	d.mu.Lock()
	cancel, ok := d.running[sessionID]
	delete(d.running, sessionID)
	d.mu.Unlock()
	if ok {
		cancel()
	}
}

func (d *Dispatcher) publishProgress(sessionID string, board BoardType, mode Mode, line string, attempt int) {
	data, err := json.Marshal(events.FlashProgressEvent{
		Board:     string(board),
		Mode:      string(mode),
		Line:      line,
		Attempt:   attempt,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		return
	}
	_ = d.bus.Publish(events.Event{
		ID:        uuid.New().String(),
		Type:      events.EventTypeFlashProgress,
		Topic:     events.SessionTopic(sessionID),
		Data:      data,
		Timestamp: time.Now().UTC(),
	})
}

func (d *Dispatcher) publishResult(sessionID string, board BoardType, mode Mode, success bool, errMsg string, attempts int) {
	data, err := json.Marshal(events.FlashResultEvent{
		Board:     string(board),
		Mode:      string(mode),
		Success:   success,
		Error:     errMsg,
		Attempts:  attempts,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		return
	}
	_ = d.bus.Publish(events.Event{
		ID:        uuid.New().String(),
		Type:      events.EventTypeFlashResult,
		Topic:     events.SessionTopic(sessionID),
		Data:      data,
		Timestamp: time.Now().UTC(),
	})
}
