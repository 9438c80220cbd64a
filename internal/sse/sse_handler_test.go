package sse

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/Abhilash1575/virtual-lab/internal/auth"
	"github.com/Abhilash1575/virtual-lab/internal/events"
)

// testTokenService creates a token service for testing.
func testTokenService() *auth.TokenService {
	return auth.NewTokenService(auth.TokenServiceConfig{
		AccessSecret:       "test-access-secret-key-32-bytes!",
		RefreshSecret:      "test-refresh-secret-key-32-bytes",
		AccessTokenExpiry:  15 * time.Minute,
		RefreshTokenExpiry: 7 * 24 * time.Hour,
		Issuer:             "test-issuer",
	})
}

// allowOwner authorizes a single user on a single topic, plus the power
// feed for everyone.
type allowOwner struct {
	userID string
	topic  string
}

func (a *allowOwner) CanSubscribe(userID string, isAdmin bool, topic string) bool {
	if topic == events.TopicPower {
		return true
	}
	if isAdmin {
		return topic == a.topic
	}
	return userID == a.userID && topic == a.topic
}

// recordingPresence records attach/detach notifications
type recordingPresence struct {
	mu          sync.Mutex
	reconnects  []string
	disconnects []string
}

func (p *recordingPresence) Reconnect(sessionID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reconnects = append(p.reconnects, sessionID)
}

func (p *recordingPresence) Disconnect(sessionID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.disconnects = append(p.disconnects, sessionID)
}

func (p *recordingPresence) counts() (int, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.reconnects), len(p.disconnects)
}

type handlerFixture struct {
	handler     *Handler
	connManager *InMemoryConnectionManager
	bus         events.EventBus
	store       *events.InMemoryEventStore
	tokens      *auth.TokenService
	presence    *recordingPresence
	userID      string
	sessionID   string
	topic       string
}

func newHandlerFixture(t *testing.T) *handlerFixture {
	t.Helper()

	store := events.NewEventStore(100)
	bus := events.NewEventBus(store)
	connManager := NewConnectionManager(DefaultConfig())
	tokens := testTokenService()
	presence := &recordingPresence{}

	userID := uuid.New().String()
	sessionID := uuid.New().String()
	topic := events.SessionTopic(sessionID)

	handler := NewHandler(DefaultConfig(), connManager, bus, tokens,
		&allowOwner{userID: userID, topic: topic}, presence)

	return &handlerFixture{
		handler:     handler,
		connManager: connManager,
		bus:         bus,
		store:       store,
		tokens:      tokens,
		presence:    presence,
		userID:      userID,
		sessionID:   sessionID,
		topic:       topic,
	}
}

func (f *handlerFixture) token(t *testing.T, userID, role string) string {
	t.Helper()
	token, err := f.tokens.GenerateAccessToken(auth.AccessTokenParams{
		UserID:    userID,
		Username:  "labuser",
		Role:      role,
		SessionID: uuid.New().String(),
	})
	if err != nil {
		t.Fatalf("generate token: %v", err)
	}
	return token
}

// stream runs HandleStream in a goroutine and returns the recorder plus a
// cancel that ends the request.
func (f *handlerFixture) stream(t *testing.T, req *http.Request) (*mockResponseWriter, func()) {
	t.Helper()

	ctx, cancel := context.WithCancel(req.Context())
	req = req.WithContext(ctx)

	w := newMockResponseWriter()
	done := make(chan struct{})
	go func() {
		defer close(done)
		f.handler.HandleStream(w, req)
	}()

	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("stream handler never returned")
		}
	})

	return w, cancel
}

// waitFor polls until the condition holds
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestHandleStream_RequiresToken(t *testing.T) {
	f := newHandlerFixture(t)

	req := httptest.NewRequest("GET", "/api/v1/events/stream?topic="+f.topic, nil)
	w := newMockResponseWriter()
	f.handler.HandleStream(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", w.Code)
	}
}

func TestHandleStream_RequiresTopic(t *testing.T) {
	f := newHandlerFixture(t)

	req := httptest.NewRequest("GET", "/api/v1/events/stream?token="+f.token(t, f.userID, "user"), nil)
	w := newMockResponseWriter()
	f.handler.HandleStream(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

func TestHandleStream_SessionTopicIsOwnerOrAdmin(t *testing.T) {
	f := newHandlerFixture(t)

	// A stranger is refused
	req := httptest.NewRequest("GET",
		"/api/v1/events/stream?topic="+f.topic+"&token="+f.token(t, uuid.New().String(), "user"), nil)
	w := newMockResponseWriter()
	f.handler.HandleStream(w, req)
	if w.Code != http.StatusForbidden {
		t.Errorf("stranger: expected 403, got %d", w.Code)
	}

	// An admin is let in
	req = httptest.NewRequest("GET",
		"/api/v1/events/stream?topic="+f.topic+"&token="+f.token(t, uuid.New().String(), "admin"), nil)
	_, cancel := f.stream(t, req)
	waitFor(t, "admin connection", func() bool {
		return f.connManager.CountConnections(f.topic) == 1
	})
	cancel()
}

func TestHandleStream_ConnectedEventAndHeaders(t *testing.T) {
	f := newHandlerFixture(t)

	req := httptest.NewRequest("GET",
		"/api/v1/events/stream?topic="+f.topic+"&token="+f.token(t, f.userID, "user"), nil)
	w, cancel := f.stream(t, req)

	waitFor(t, "connection", func() bool {
		return f.connManager.CountConnections(f.topic) == 1
	})

	if got := w.Header().Get("Content-Type"); got != "text/event-stream" {
		t.Errorf("expected Content-Type text/event-stream, got %s", got)
	}
	if got := w.Header().Get("Cache-Control"); got != "no-cache" {
		t.Errorf("expected Cache-Control no-cache, got %s", got)
	}

	waitFor(t, "connected event", func() bool {
		return strings.Contains(w.Body.String(), "event: connected")
	})

	cancel()
	waitFor(t, "connection removal", func() bool {
		return f.connManager.CountConnections(f.topic) == 0
	})
}

func TestHandleStream_ForwardsTopicEvents(t *testing.T) {
	f := newHandlerFixture(t)

	req := httptest.NewRequest("GET",
		"/api/v1/events/stream?topic="+f.topic+"&token="+f.token(t, f.userID, "user"), nil)
	w, _ := f.stream(t, req)

	waitFor(t, "connection", func() bool {
		return f.connManager.CountConnections(f.topic) == 1
	})

	data, _ := json.Marshal(events.SerialFeedbackEvent{Line: "ready", Timestamp: time.Now()})
	f.bus.Publish(events.Event{
		ID:        uuid.New().String(),
		Type:      events.EventTypeSerialFeedback,
		Topic:     f.topic,
		Data:      data,
		Timestamp: time.Now(),
	})

	waitFor(t, "feedback event", func() bool {
		return strings.Contains(w.Body.String(), "event: feedback")
	})
}

func TestHandleStream_ReplaysMissedEvents(t *testing.T) {
	f := newHandlerFixture(t)

	// Three events hit the topic while the client was away
	var lastSeen string
	for i, line := range []string{"boot", "ready", "blink"} {
		id := uuid.New().String()
		data, _ := json.Marshal(events.SerialFeedbackEvent{Line: line, Timestamp: time.Now()})
		f.store.Store(events.Event{
			ID:        id,
			Type:      events.EventTypeSerialFeedback,
			Topic:     f.topic,
			Data:      data,
			Timestamp: time.Now(),
		})
		if i == 0 {
			lastSeen = id
		}
	}

	req := httptest.NewRequest("GET",
		"/api/v1/events/stream?topic="+f.topic+"&token="+f.token(t, f.userID, "user"), nil)
	req.Header.Set("Last-Event-ID", lastSeen)
	w, _ := f.stream(t, req)

	waitFor(t, "replayed events", func() bool {
		body := w.Body.String()
		return strings.Contains(body, "ready") && strings.Contains(body, "blink")
	})

	if strings.Contains(w.Body.String(), "boot") {
		t.Error("events at or before Last-Event-ID must not be replayed")
	}
}

func TestHandleStream_NotifiesSessionPresence(t *testing.T) {
	f := newHandlerFixture(t)

	req := httptest.NewRequest("GET",
		"/api/v1/events/stream?topic="+f.topic+"&token="+f.token(t, f.userID, "user"), nil)
	_, cancel := f.stream(t, req)

	waitFor(t, "attach notification", func() bool {
		attached, _ := f.presence.counts()
		return attached == 1
	})

	cancel()
	waitFor(t, "detach notification", func() bool {
		_, detached := f.presence.counts()
		return detached == 1
	})
}

func TestFormatSSEEvent(t *testing.T) {
	event := events.Event{
		ID:        "evt-1",
		Type:      events.EventTypeHeartbeat,
		Data:      json.RawMessage(`{"ok":true}`),
		Timestamp: time.Now(),
	}

	got := FormatSSEEvent(event)
	want := "event: heartbeat\ndata: {\"ok\":true}\nid: evt-1\n\n"
	if got != want {
		t.Errorf("expected %q, got %q", want, got)
	}
}
