package firmware

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Abhilash1575/virtual-lab/internal/events"
)

// fakeOutcome scripts one tool invocation for the fake runner
type fakeOutcome struct {
	lines []string
	err   error
}

// fakeRunner replays scripted outcomes instead of spawning processes
type fakeRunner struct {
	mu       sync.Mutex
	outcomes []fakeOutcome
	calls    int
	block    chan struct{} // when set, Run blocks until closed
}

func (f *fakeRunner) Run(ctx context.Context, tool string, args []string, onLine func(string)) error {
	f.mu.Lock()
	call := f.calls
	f.calls++
	block := f.block
	f.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if call >= len(f.outcomes) {
		return nil
	}
	outcome := f.outcomes[call]
	for _, line := range outcome.lines {
		onLine(line)
	}
	return outcome.err
}

func (f *fakeRunner) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func newTestDispatcher(runner Runner) (*Dispatcher, *events.InMemoryEventStore) {
	store := events.NewEventStore(100)
	bus := events.NewEventBus(store)
	d := NewDispatcher(runner, bus, DispatcherConfig{
		SerialPort: "/dev/ttyUSB0",
		Retries:    3,
		Backoff:    time.Millisecond,
	}, nil)
	return d, store
}

// collectResults decodes the flash_result events stored for a session
func collectResults(t *testing.T, store *events.InMemoryEventStore, sessionID string) []events.FlashResultEvent {
	t.Helper()
	stored, err := store.GetSince(events.SessionTopic(sessionID), "", 100)
	if err != nil {
		t.Fatalf("get events: %v", err)
	}
	var results []events.FlashResultEvent
	for _, ev := range stored {
		if ev.Type != events.EventTypeFlashResult {
			continue
		}
		var result events.FlashResultEvent
		if err := json.Unmarshal(ev.Data, &result); err != nil {
			t.Fatalf("decode result: %v", err)
		}
		results = append(results, result)
	}
	return results
}

// Unknown board names fail at parse time, before any device I/O
func TestParseBoardType_UnknownBoardRejected(t *testing.T) {
	if _, err := ParseBoardType("esp32"); err != nil {
		t.Fatalf("esp32 should parse: %v", err)
	}
	if _, err := ParseBoardType("ESP32 "); err != nil {
		t.Fatalf("board parsing should normalize case and spacing: %v", err)
	}
	if _, err := ParseBoardType("z80"); !errors.Is(err, ErrUnsupportedBoard) {
		t.Fatalf("expected ErrUnsupportedBoard, got %v", err)
	}
}

func TestFlash_UnknownBoardBeforeIO(t *testing.T) {
	runner := &fakeRunner{}
	d, _ := newTestDispatcher(runner)

	err := d.Flash(context.Background(), "sess-1", BoardType("z80"), ModeFlash, "/tmp/fw.bin")
	if !errors.Is(err, ErrUnsupportedBoard) {
		t.Fatalf("expected ErrUnsupportedBoard, got %v", err)
	}
	if runner.callCount() != 0 {
		t.Errorf("tool must not run for an unknown board, ran %d times", runner.callCount())
	}
}

// RAM loading is rejected for boards whose tool cannot do it
func TestFlash_RAMModeUnsupportedBoard(t *testing.T) {
	runner := &fakeRunner{}
	d, _ := newTestDispatcher(runner)

	err := d.Flash(context.Background(), "sess-1", BoardArduino, ModeRAM, "/tmp/fw.hex")
	if !errors.Is(err, ErrUnsupportedMode) {
		t.Fatalf("expected ErrUnsupportedMode, got %v", err)
	}
	if runner.callCount() != 0 {
		t.Errorf("tool must not run for an unsupported mode, ran %d times", runner.callCount())
	}

	// The openocd boards do support RAM loads
	runner2 := &fakeRunner{outcomes: []fakeOutcome{{lines: []string{"resumed"}}}}
	d2, _ := newTestDispatcher(runner2)
	if err := d2.Flash(context.Background(), "sess-1", BoardSTM32, ModeRAM, "/tmp/fw.bin"); err != nil {
		t.Fatalf("stm32 RAM load should succeed: %v", err)
	}
}

// A missing tool binary is fatal and never retried
func TestFlash_ToolNotFoundNotRetried(t *testing.T) {
	runner := &fakeRunner{outcomes: []fakeOutcome{{err: ErrToolNotFound}}}
	d, store := newTestDispatcher(runner)

	err := d.Flash(context.Background(), "sess-1", BoardESP32, ModeFlash, "/tmp/fw.bin")
	if !errors.Is(err, ErrToolNotFound) {
		t.Fatalf("expected ErrToolNotFound, got %v", err)
	}
	if runner.callCount() != 1 {
		t.Errorf("tool-not-found must not be retried, ran %d times", runner.callCount())
	}

	results := collectResults(t, store, "sess-1")
	if len(results) != 1 || results[0].Success {
		t.Errorf("expected one failed result event, got %+v", results)
	}
}

// Unresponsive devices are retried with backoff, then surfaced
func TestFlash_DeviceNotRespondingRetriedThenSurfaced(t *testing.T) {
	runner := &fakeRunner{outcomes: []fakeOutcome{
		{lines: []string{"Connecting...", "A fatal error occurred: timed out waiting for packet header"}, err: errors.New("exit status 2")},
		{lines: []string{"Connecting...", "timed out"}, err: errors.New("exit status 2")},
		{lines: []string{"Connecting...", "timed out"}, err: errors.New("exit status 2")},
	}}
	d, _ := newTestDispatcher(runner)

	err := d.Flash(context.Background(), "sess-1", BoardESP32, ModeFlash, "/tmp/fw.bin")
	if !errors.Is(err, ErrDeviceNotResponding) {
		t.Fatalf("expected ErrDeviceNotResponding, got %v", err)
	}
	if runner.callCount() != 3 {
		t.Errorf("expected 3 attempts, got %d", runner.callCount())
	}
}

// A retry that succeeds reports success with the attempt count
func TestFlash_RetrySucceeds(t *testing.T) {
	runner := &fakeRunner{outcomes: []fakeOutcome{
		{lines: []string{"timed out"}, err: errors.New("exit status 2")},
		{lines: []string{"Writing at 0x10000...", "Hash of data verified."}},
	}}
	d, store := newTestDispatcher(runner)

	if err := d.Flash(context.Background(), "sess-1", BoardESP32, ModeFlash, "/tmp/fw.bin"); err != nil {
		t.Fatalf("expected success on retry, got %v", err)
	}

	results := collectResults(t, store, "sess-1")
	if len(results) != 1 {
		t.Fatalf("expected one result event, got %d", len(results))
	}
	if !results[0].Success {
		t.Error("result should be success")
	}
	if results[0].Attempts != 2 {
		t.Errorf("expected attempt 2 in result, got %d", results[0].Attempts)
	}
}

// A verification mismatch is surfaced immediately, never retried
func TestFlash_VerificationMismatchSurfaced(t *testing.T) {
	runner := &fakeRunner{outcomes: []fakeOutcome{
		{lines: []string{"** Programming Started **", "** Verify Failed **"}, err: errors.New("exit status 1")},
	}}
	d, store := newTestDispatcher(runner)

	err := d.Flash(context.Background(), "sess-1", BoardSTM32, ModeFlash, "/tmp/fw.bin")
	if !errors.Is(err, ErrFlashVerification) {
		t.Fatalf("expected ErrFlashVerification, got %v", err)
	}
	if runner.callCount() != 1 {
		t.Errorf("verification mismatch must not be retried, ran %d times", runner.callCount())
	}

	results := collectResults(t, store, "sess-1")
	if len(results) != 1 || results[0].Success {
		t.Errorf("expected one failed result event, got %+v", results)
	}
}

// Tool output is streamed as flash_progress events on the session topic
func TestFlash_ProgressStreamed(t *testing.T) {
	runner := &fakeRunner{outcomes: []fakeOutcome{
		{lines: []string{"line one", "line two", "line three"}},
	}}
	d, store := newTestDispatcher(runner)

	if err := d.Flash(context.Background(), "sess-1", BoardESP32, ModeFlash, "/tmp/fw.bin"); err != nil {
		t.Fatalf("flash failed: %v", err)
	}

	stored, _ := store.GetSince(events.SessionTopic("sess-1"), "", 100)
	var progress int
	for _, ev := range stored {
		if ev.Type == events.EventTypeFlashProgress {
			progress++
		}
	}
	if progress != 3 {
		t.Errorf("expected 3 progress events, got %d", progress)
	}
}

// At most one flash runs per session
func TestFlash_ConcurrentFlashRejected(t *testing.T) {
	block := make(chan struct{})
	runner := &fakeRunner{block: block, outcomes: []fakeOutcome{{}, {}}}
	d, _ := newTestDispatcher(runner)

	done := make(chan error, 1)
	go func() {
		done <- d.Flash(context.Background(), "sess-1", BoardESP32, ModeFlash, "/tmp/fw.bin")
	}()

	// Wait until the first flash is registered
	deadline := time.After(time.Second)
	for !d.Running("sess-1") {
		select {
		case <-deadline:
			t.Fatal("first flash never started")
		case <-time.After(time.Millisecond):
		}
	}

	if err := d.Flash(context.Background(), "sess-1", BoardESP32, ModeFlash, "/tmp/fw2.bin"); !errors.Is(err, ErrFlashInProgress) {
		t.Fatalf("expected ErrFlashInProgress, got %v", err)
	}

	close(block)
	if err := <-done; err != nil {
		t.Fatalf("first flash should complete: %v", err)
	}
	if d.Running("sess-1") {
		t.Error("session should not be running after completion")
	}
}

// Cancel kills a running flash
func TestFlash_CancelStopsRun(t *testing.T) {
	block := make(chan struct{})
	runner := &fakeRunner{block: block}
	d, _ := newTestDispatcher(runner)

	done := make(chan error, 1)
	go func() {
		done <- d.Flash(context.Background(), "sess-1", BoardESP32, ModeFlash, "/tmp/fw.bin")
	}()

	deadline := time.After(time.Second)
	for !d.Running("sess-1") {
		select {
		case <-deadline:
			t.Fatal("flash never started")
		case <-time.After(time.Millisecond):
		}
	}

	d.Cancel("sess-1")

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("flash did not stop after cancel")
	}
}
