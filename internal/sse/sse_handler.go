package sse

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Abhilash1575/virtual-lab/internal/auth"
	"github.com/Abhilash1575/virtual-lab/internal/events"
)

// Handler implements the SSE handler for the lab event stream.
type Handler struct {
	config       Config
	connManager  *InMemoryConnectionManager
	eventBus     events.EventBus
	tokenService *auth.TokenService
	authorizer   TopicAuthorizer
	presence     PresenceNotifier
}

// NewHandler creates a new SSE handler.
func NewHandler(config Config, connManager *InMemoryConnectionManager, eventBus events.EventBus, tokenService *auth.TokenService, authorizer TopicAuthorizer, presence PresenceNotifier) *Handler {
	return &Handler{
		config:       config,
		connManager:  connManager,
		eventBus:     eventBus,
		tokenService: tokenService,
		authorizer:   authorizer,
		presence:     presence,
	}
}

// HandleStream handles an SSE stream request for one topic.
// The topic comes from the topic query parameter: "session:<id>" for a
// lab session feed or "power" for the battery feed. Authentication is via
// query parameter (token) or Authorization header, since EventSource
// cannot set headers in every browser.
func (h *Handler) HandleStream(w http.ResponseWriter, r *http.Request) {
	userID, isAdmin, err := h.authenticate(r)
	if err != nil {
		h.writeUnauthorized(w)
		return
	}

	topic := r.URL.Query().Get("topic")
	if topic == "" {
		http.Error(w, "A topic is required", http.StatusBadRequest)
		return
	}
	if !h.authorizer.CanSubscribe(userID, isAdmin, topic) {
		h.writeForbidden(w)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}

	// Set SSE headers
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering

	connID := uuid.New().String()
	conn := &Connection{
		ID:        connID,
		UserID:    userID,
		Topic:     topic,
		Writer:    w,
		Flusher:   flusher,
		Done:      make(chan struct{}),
		CreatedAt: time.Now(),
		LastPing:  time.Now(),
	}

	if err := h.connManager.AddConnection(topic, conn); err != nil {
		http.Error(w, "Failed to establish connection", http.StatusInternalServerError)
		return
	}

	// A watcher on a session feed counts as the client being present
	if sessionID, ok := sessionTopicID(topic); ok && h.presence != nil {
		h.presence.Reconnect(sessionID)
	}

	h.sendConnectedEvent(conn)

	// Handle Last-Event-ID for replay after a dropped connection
	lastEventID := r.Header.Get("Last-Event-ID")
	if lastEventID != "" {
		h.replayEvents(conn, topic, lastEventID)
	}

	unsubscribe := h.eventBus.Subscribe(topic, func(event events.Event) {
		h.sendEvent(conn, event)
	})
	defer unsubscribe()

	heartbeatDone := make(chan struct{})
	go h.heartbeatLoop(conn, heartbeatDone)

	ctx := r.Context()
	timeout := time.NewTimer(h.config.ConnectionTimeout)
	defer timeout.Stop()

	select {
	case <-ctx.Done():
		// Client disconnected
	case <-conn.Done:
		// Connection closed by server (e.g., limit exceeded)
	case <-timeout.C:
		// Connection timeout
	}

	close(heartbeatDone)
	h.connManager.RemoveConnection(topic, connID)

	// Last watcher gone: start the session's disconnect grace timer
	if sessionID, ok := sessionTopicID(topic); ok && h.presence != nil {
		if h.connManager.CountConnections(topic) == 0 {
			h.presence.Disconnect(sessionID)
		}
	}
}

// sessionTopicID extracts the session ID from a session topic
func sessionTopicID(topic string) (string, bool) {
	sessionID := strings.TrimPrefix(topic, "session:")
	if sessionID == topic || sessionID == "" {
		return "", false
	}
	return sessionID, true
}

// authenticate extracts and validates the JWT token from the request.
// It supports both query parameter (token) and Authorization header.
func (h *Handler) authenticate(r *http.Request) (userID string, isAdmin bool, err error) {
	tokenString := r.URL.Query().Get("token")

	if tokenString == "" {
		authHeader := r.Header.Get("Authorization")
		if authHeader != "" {
			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
				tokenString = parts[1]
			}
		}
	}

	if tokenString == "" {
		return "", false, ErrInvalidToken
	}

	claims, err := h.tokenService.ValidateAccessToken(tokenString)
	if err != nil {
		return "", false, ErrInvalidToken
	}

	return claims.UserID(), claims.Role == "admin", nil
}

// writeUnauthorized writes a 401 Unauthorized response.
func (h *Handler) writeUnauthorized(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"success": false,
		"error": map[string]string{
			"code":    "AUTH_TOKEN_INVALID",
			"message": "Invalid or missing authentication token",
		},
		"timestamp": time.Now().UTC(),
	})
}

// writeForbidden writes a 403 Forbidden response.
func (h *Handler) writeForbidden(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusForbidden)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"success": false,
		"error": map[string]string{
			"code":    "FORBIDDEN",
			"message": "You do not have access to this event topic",
		},
		"timestamp": time.Now().UTC(),
	})
}

// sendConnectedEvent sends the connected event to a connection.
func (h *Handler) sendConnectedEvent(conn *Connection) {
	connectedData := events.ConnectedEvent{
		Timestamp: time.Now(),
		Message:   "Connected to lab event stream",
	}

	data, err := json.Marshal(connectedData)
	if err != nil {
		return
	}

	event := events.Event{
		ID:        uuid.New().String(),
		Type:      events.EventTypeConnected,
		Topic:     conn.Topic,
		Data:      data,
		Timestamp: time.Now(),
	}

	h.sendEvent(conn, event)
}

// sendEvent sends an event to a connection.
func (h *Handler) sendEvent(conn *Connection, event events.Event) error {
	return h.connManager.sendEventToConnection(conn, event)
}

// heartbeatLoop sends heartbeat events at regular intervals.
func (h *Handler) heartbeatLoop(conn *Connection, done <-chan struct{}) {
	ticker := time.NewTicker(h.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-conn.Done:
			return
		case <-ticker.C:
			h.sendHeartbeat(conn)
		}
	}
}

// sendHeartbeat sends a heartbeat event to a connection.
func (h *Handler) sendHeartbeat(conn *Connection) {
	heartbeatData := events.HeartbeatEvent{
		Timestamp: time.Now(),
	}

	data, err := json.Marshal(heartbeatData)
	if err != nil {
		return
	}

	event := events.Event{
		ID:        uuid.New().String(),
		Type:      events.EventTypeHeartbeat,
		Topic:     conn.Topic,
		Data:      data,
		Timestamp: time.Now(),
	}

	if err := h.sendEvent(conn, event); err != nil {
		// Connection may be dead, leave it for cleanup
		return
	}

	h.connManager.UpdateLastPing(conn.Topic, conn.ID)
}

// replayEvents replays missed events to a reconnecting client.
func (h *Handler) replayEvents(conn *Connection, topic, lastEventID string) {
	missedEvents, err := h.eventBus.GetEventsSince(topic, lastEventID)
	if err != nil {
		return
	}

	for _, event := range missedEvents {
		if err := h.sendEvent(conn, event); err != nil {
			return
		}
	}
}

// FormatSSEEvent formats an event as an SSE message.
// Format: event: <type>\ndata: <json>\nid: <id>\n\n
func FormatSSEEvent(event events.Event) string {
	return fmt.Sprintf("event: %s\ndata: %s\nid: %s\n\n",
		event.Type,
		string(event.Data),
		event.ID,
	)
}
