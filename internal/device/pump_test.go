package device

import (
	"bufio"
	"encoding/json"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/Abhilash1575/virtual-lab/internal/events"
)

func newTestPump(t *testing.T) (*Pump, net.Conn, *events.InMemoryEventStore) {
	t.Helper()
	store := events.NewEventStore(100)
	bus := events.NewEventBus(store)

	local, remote := net.Pipe()
	pump := NewPump("sess-1", local, bus, nil)
	pump.Start()

	t.Cleanup(func() {
		pump.Close()
		remote.Close()
	})

	return pump, remote, store
}

// waitForEvents polls the store until the session topic holds at least n
// events of the given type
func waitForEvents(t *testing.T, store *events.InMemoryEventStore, eventType string, n int) []events.Event {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		stored, _ := store.GetSince(events.SessionTopic("sess-1"), "", 100)
		var matched []events.Event
		for _, ev := range stored {
			if ev.Type == eventType {
				matched = append(matched, ev)
			}
		}
		if len(matched) >= n {
			return matched
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d %s events", n, eventType)
	return nil
}

func TestPump_PublishesFeedbackLines(t *testing.T) {
	_, remote, store := newTestPump(t)

	go remote.Write([]byte("booting firmware\nready\n"))

	feedback := waitForEvents(t, store, events.EventTypeSerialFeedback, 2)

	var first events.SerialFeedbackEvent
	if err := json.Unmarshal(feedback[0].Data, &first); err != nil {
		t.Fatalf("decode feedback: %v", err)
	}
	if first.Line != "booting firmware" {
		t.Errorf("expected first line %q, got %q", "booting firmware", first.Line)
	}
}

func TestPump_ParsesSensorLines(t *testing.T) {
	_, remote, store := newTestPump(t)

	go remote.Write([]byte("temp:25.4,hum:60\n"))

	sensor := waitForEvents(t, store, events.EventTypeSensorData, 1)

	var payload events.SensorDataEvent
	if err := json.Unmarshal(sensor[0].Data, &payload); err != nil {
		t.Fatalf("decode sensor data: %v", err)
	}
	if payload.Values["temp"] != 25.4 || payload.Values["hum"] != 60 {
		t.Errorf("unexpected values: %v", payload.Values)
	}
}

func TestPump_PlainLinesProduceNoSensorData(t *testing.T) {
	_, remote, store := newTestPump(t)

	go remote.Write([]byte("hello world\n"))

	waitForEvents(t, store, events.EventTypeSerialFeedback, 1)

	stored, _ := store.GetSince(events.SessionTopic("sess-1"), "", 100)
	for _, ev := range stored {
		if ev.Type == events.EventTypeSensorData {
			t.Fatal("plain text must not produce sensor_data")
		}
	}
}

func TestPump_SendCommandAppendsNewline(t *testing.T) {
	pump, remote, store := newTestPump(t)

	lines := make(chan string, 1)
	go func() {
		reader := bufio.NewReader(remote)
		line, err := reader.ReadString('\n')
		if err == nil {
			lines <- line
		}
	}()

	if err := pump.SendCommand("LED ON"); err != nil {
		t.Fatalf("send failed: %v", err)
	}

	select {
	case line := <-lines:
		if line != "LED ON\n" {
			t.Errorf("expected %q on the wire, got %q", "LED ON\n", line)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("command never reached the port")
	}

	// The echo goes to the feedback stream too
	feedback := waitForEvents(t, store, events.EventTypeSerialFeedback, 1)
	var echo events.SerialFeedbackEvent
	if err := json.Unmarshal(feedback[len(feedback)-1].Data, &echo); err != nil {
		t.Fatalf("decode feedback: %v", err)
	}
	if echo.Line != "SENT> LED ON" {
		t.Errorf("expected echo %q, got %q", "SENT> LED ON", echo.Line)
	}
}

func TestPump_CloseIsIdempotent(t *testing.T) {
	pump, _, _ := newTestPump(t)

	if err := pump.Close(); err != nil {
		t.Fatalf("first close failed: %v", err)
	}
	if err := pump.Close(); err != nil {
		t.Fatalf("second close failed: %v", err)
	}

	if err := pump.SendCommand("LED ON"); !errors.Is(err, ErrPortClosed) {
		t.Fatalf("expected ErrPortClosed after close, got %v", err)
	}
}
