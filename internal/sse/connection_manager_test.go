package sse

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"pgregory.net/rapid"

	"github.com/Abhilash1575/virtual-lab/internal/events"
)

// mockResponseWriter implements http.ResponseWriter and http.Flusher for testing.
type mockResponseWriter struct {
	*httptest.ResponseRecorder
	flushed bool
}

func newMockResponseWriter() *mockResponseWriter {
	return &mockResponseWriter{
		ResponseRecorder: httptest.NewRecorder(),
	}
}

func (m *mockResponseWriter) Flush() {
	m.flushed = true
}

// createTestConnection creates a test connection on a topic.
func createTestConnection(topic string) (*Connection, *mockResponseWriter) {
	w := newMockResponseWriter()
	conn, _ := NewConnection(uuid.New().String(), uuid.New().String(), topic, w)
	return conn, w
}

// For any topic at its connection limit, a new connection closes the
// oldest one and sends it a connection_limit event first.
func TestConnectionLimit_EvictsOldest(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		maxConnections := rapid.IntRange(2, 10).Draw(t, "maxConnections")
		topic := events.SessionTopic(uuid.New().String())

		config := Config{
			HeartbeatInterval:      30 * time.Second,
			ConnectionTimeout:      1 * time.Hour,
			MaxConnectionsPerTopic: maxConnections,
		}

		cm := NewConnectionManager(config)

		connections := make([]*Connection, 0, maxConnections+1)
		writers := make([]*mockResponseWriter, 0, maxConnections+1)

		for i := 0; i < maxConnections; i++ {
			conn, w := createTestConnection(topic)
			// Stagger creation times to ensure ordering
			conn.CreatedAt = time.Now().Add(time.Duration(i) * time.Millisecond)
			connections = append(connections, conn)
			writers = append(writers, w)

			if err := cm.AddConnection(topic, conn); err != nil {
				t.Fatalf("failed to add connection %d: %v", i, err)
			}
		}

		extra, _ := createTestConnection(topic)
		extra.CreatedAt = time.Now().Add(time.Duration(maxConnections) * time.Millisecond)
		if err := cm.AddConnection(topic, extra); err != nil {
			t.Fatalf("failed to add connection past the limit: %v", err)
		}

		if got := cm.CountConnections(topic); got != maxConnections {
			t.Errorf("expected %d connections after eviction, got %d", maxConnections, got)
		}
		if !connections[0].IsClosed() {
			t.Error("the oldest connection should be closed")
		}
		if extra.IsClosed() {
			t.Error("the new connection should stay open")
		}

		body := writers[0].Body.String()
		if !strings.Contains(body, "event: connection_limit") {
			t.Error("evicted connection should receive a connection_limit event")
		}
		var payload events.ConnectionLimitEvent
		for _, line := range strings.Split(body, "\n") {
			if strings.HasPrefix(line, "data: ") {
				if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &payload); err != nil {
					t.Fatalf("connection_limit payload not valid JSON: %v", err)
				}
			}
		}
		if payload.MaxConnections != maxConnections {
			t.Errorf("expected max_connections=%d in the payload, got %d", maxConnections, payload.MaxConnections)
		}
	})
}

func TestBroadcast_ReachesOnlyTheTopic(t *testing.T) {
	cm := NewConnectionManager(DefaultConfig())
	topicA := events.SessionTopic("a")
	topicB := events.SessionTopic("b")

	connA, writerA := createTestConnection(topicA)
	connB, writerB := createTestConnection(topicB)
	cm.AddConnection(topicA, connA)
	cm.AddConnection(topicB, connB)

	event := events.Event{
		ID:        uuid.New().String(),
		Type:      events.EventTypeSerialFeedback,
		Topic:     topicA,
		Data:      json.RawMessage(`{"line":"ready"}`),
		Timestamp: time.Now(),
	}
	if err := cm.Broadcast(topicA, event); err != nil {
		t.Fatalf("broadcast failed: %v", err)
	}

	if !strings.Contains(writerA.Body.String(), "event: feedback") {
		t.Error("topic A connection missed the event")
	}
	if strings.Contains(writerB.Body.String(), "event: feedback") {
		t.Error("topic B connection received a foreign event")
	}
	if !writerA.flushed {
		t.Error("events must be flushed to the client")
	}
}

func TestBroadcast_SkipsClosedConnections(t *testing.T) {
	cm := NewConnectionManager(DefaultConfig())
	topic := events.TopicPower

	open, openWriter := createTestConnection(topic)
	closed, closedWriter := createTestConnection(topic)
	cm.AddConnection(topic, open)
	cm.AddConnection(topic, closed)
	closed.Close()

	event := events.Event{
		ID:        uuid.New().String(),
		Type:      events.EventTypePowerStatus,
		Topic:     topic,
		Data:      json.RawMessage(`{"voltage":3.9}`),
		Timestamp: time.Now(),
	}
	if err := cm.Broadcast(topic, event); err != nil {
		t.Fatalf("broadcast failed: %v", err)
	}

	if !strings.Contains(openWriter.Body.String(), "event: power_status") {
		t.Error("open connection missed the event")
	}
	if strings.Contains(closedWriter.Body.String(), "event: power_status") {
		t.Error("closed connection should not receive events")
	}
}

func TestCleanupDeadConnections(t *testing.T) {
	config := DefaultConfig()
	config.HeartbeatInterval = 10 * time.Millisecond
	cm := NewConnectionManager(config)
	topic := events.TopicPower

	live, _ := createTestConnection(topic)
	stale, _ := createTestConnection(topic)
	stale.LastPing = time.Now().Add(-time.Second)

	cm.AddConnection(topic, live)
	cm.AddConnection(topic, stale)

	cm.CleanupDeadConnections()

	if got := cm.CountConnections(topic); got != 1 {
		t.Errorf("expected 1 connection after cleanup, got %d", got)
	}
	if !stale.IsClosed() {
		t.Error("stale connection should be closed by cleanup")
	}
}

func TestRemoveConnection_Idempotent(t *testing.T) {
	cm := NewConnectionManager(DefaultConfig())
	topic := events.TopicPower

	conn, _ := createTestConnection(topic)
	cm.AddConnection(topic, conn)

	cm.RemoveConnection(topic, conn.ID)
	cm.RemoveConnection(topic, conn.ID)

	if got := cm.TotalConnections(); got != 0 {
		t.Errorf("expected no connections, got %d", got)
	}
	if !conn.IsClosed() {
		t.Error("removed connection should be closed")
	}
}
