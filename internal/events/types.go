// Package events provides event types and interfaces for the real-time
// lab event stream (flash progress, serial feedback, power status).
package events

import (
	"encoding/json"
	"time"
)

// Event represents a notification event to be sent to stream consumers.
type Event struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Topic     string          `json:"-"` // internal routing key, not sent to client
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
}

// EventHandler is a function that handles incoming events.
type EventHandler func(event Event)

// EventBus defines the interface for publishing and subscribing to events.
// Topics follow the form "session:<id>" for per-session streams and
// TopicPower for the lab-wide power feed.
type EventBus interface {
	// Publish sends an event to all subscribers of the event's topic.
	Publish(event Event) error
	// Subscribe registers a handler for events on a topic.
	// Returns an unsubscribe function.
	Subscribe(topic string, handler EventHandler) (unsubscribe func())
	// GetEventsSince returns events after the given event ID for replay.
	GetEventsSince(topic string, lastEventID string) ([]Event, error)
}

// EventStore defines the interface for storing and retrieving events.
type EventStore interface {
	// Store saves an event for later replay.
	Store(event Event) error
	// GetSince returns events after the given event ID.
	GetSince(topic string, eventID string, limit int) ([]Event, error)
	// Cleanup removes events older than the given duration.
	Cleanup(olderThan time.Duration) error
}
