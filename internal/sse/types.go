// Package sse streams lab events (serial feedback, flash progress, power
// status) to browsers over Server-Sent Events.
package sse

import (
	"net/http"
	"time"

	"github.com/Abhilash1575/virtual-lab/internal/events"
)

// Config holds SSE server configuration.
type Config struct {
	HeartbeatInterval      time.Duration // Default: 30 seconds
	ConnectionTimeout      time.Duration // Default: 1 hour
	MaxConnectionsPerTopic int           // Default: 10
}

// DefaultConfig returns the default SSE configuration.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval:      30 * time.Second,
		ConnectionTimeout:      1 * time.Hour,
		MaxConnectionsPerTopic: 10,
	}
}

// Connection represents an active SSE connection to one topic.
type Connection struct {
	ID        string
	UserID    string
	Topic     string
	Writer    http.ResponseWriter
	Flusher   http.Flusher
	Done      chan struct{}
	CreatedAt time.Time
	LastPing  time.Time
}

// NewConnection creates a new SSE connection.
func NewConnection(id, userID, topic string, w http.ResponseWriter) (*Connection, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, ErrStreamingNotSupported
	}

	return &Connection{
		ID:        id,
		UserID:    userID,
		Topic:     topic,
		Writer:    w,
		Flusher:   flusher,
		Done:      make(chan struct{}),
		CreatedAt: time.Now(),
		LastPing:  time.Now(),
	}, nil
}

// Close closes the connection.
func (c *Connection) Close() {
	select {
	case <-c.Done:
		// Already closed
	default:
		close(c.Done)
	}
}

// IsClosed returns true if the connection is closed.
func (c *Connection) IsClosed() bool {
	select {
	case <-c.Done:
		return true
	default:
		return false
	}
}

// ConnectionManager defines the interface for managing SSE connections.
type ConnectionManager interface {
	// AddConnection adds a new connection to a topic. When the topic is
	// at its connection limit the oldest connection is evicted.
	AddConnection(topic string, conn *Connection) error
	// RemoveConnection removes a connection.
	RemoveConnection(topic string, connID string)
	// GetConnections returns all connections on a topic.
	GetConnections(topic string) []*Connection
	// CountConnections returns the number of connections on a topic.
	CountConnections(topic string) int
	// Broadcast sends an event to all connections on a topic.
	Broadcast(topic string, event events.Event) error
	// CleanupDeadConnections removes dead connections.
	CleanupDeadConnections()
}

// TopicAuthorizer decides whether a user may attach to an event topic.
// The session manager implements this: session topics are owner-or-admin,
// the power topic is open to any authenticated user.
type TopicAuthorizer interface {
	CanSubscribe(userID string, isAdmin bool, topic string) bool
}

// PresenceNotifier lets the session manager track whether a client is
// watching a session's stream, for disconnect-grace handling.
type PresenceNotifier interface {
	Reconnect(sessionID string)
	Disconnect(sessionID string)
}
