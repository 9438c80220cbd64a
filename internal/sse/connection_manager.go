package sse

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Abhilash1575/virtual-lab/internal/events"
	"github.com/Abhilash1575/virtual-lab/internal/metrics"
)

// InMemoryConnectionManager implements ConnectionManager using in-memory storage.
// Connections are keyed by topic: several browser tabs may watch the same
// session or the power feed at once.
type InMemoryConnectionManager struct {
	mu          sync.RWMutex
	connections map[string]map[string]*Connection // topic -> connID -> Connection
	config      Config
}

// NewConnectionManager creates a new InMemoryConnectionManager with the given config.
func NewConnectionManager(config Config) *InMemoryConnectionManager {
	return &InMemoryConnectionManager{
		connections: make(map[string]map[string]*Connection),
		config:      config,
	}
}

// AddConnection adds a new connection to a topic.
// If the topic has reached the connection limit, the oldest connection is
// closed and a connection_limit event is sent to it before removal.
func (cm *InMemoryConnectionManager) AddConnection(topic string, conn *Connection) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.connections[topic] == nil {
		cm.connections[topic] = make(map[string]*Connection)
	}

	topicConns := cm.connections[topic]

	if len(topicConns) >= cm.config.MaxConnectionsPerTopic {
		oldest := cm.findOldestConnectionLocked(topic)
		if oldest != nil {
			cm.sendConnectionLimitEventLocked(oldest)
			oldest.Close()
			delete(topicConns, oldest.ID)
		}
	}

	topicConns[conn.ID] = conn
	metrics.SSEConnectionsActive.Set(float64(cm.totalLocked()))
	return nil
}

// RemoveConnection removes a connection from a topic.
func (cm *InMemoryConnectionManager) RemoveConnection(topic string, connID string) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if topicConns, exists := cm.connections[topic]; exists {
		if conn, connExists := topicConns[connID]; connExists {
			conn.Close()
			delete(topicConns, connID)
		}
		if len(topicConns) == 0 {
			delete(cm.connections, topic)
		}
	}
	metrics.SSEConnectionsActive.Set(float64(cm.totalLocked()))
}

// GetConnections returns all active connections on a topic.
func (cm *InMemoryConnectionManager) GetConnections(topic string) []*Connection {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.getConnectionsLocked(topic)
}

// CountConnections returns the number of active connections on a topic.
func (cm *InMemoryConnectionManager) CountConnections(topic string) int {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	count := 0
	for _, conn := range cm.connections[topic] {
		if !conn.IsClosed() {
			count++
		}
	}
	return count
}

// Broadcast sends an event to all connections on a topic.
func (cm *InMemoryConnectionManager) Broadcast(topic string, event events.Event) error {
	cm.mu.RLock()
	conns := cm.getConnectionsLocked(topic)
	cm.mu.RUnlock()

	if len(conns) == 0 {
		return nil // No watchers, not an error
	}

	for _, conn := range conns {
		if err := cm.sendEventToConnection(conn, event); err != nil {
			// Dead connections are swept by CleanupDeadConnections
			continue
		}
	}

	return nil
}

// getConnectionsLocked returns connections without acquiring the lock.
func (cm *InMemoryConnectionManager) getConnectionsLocked(topic string) []*Connection {
	topicConns, exists := cm.connections[topic]
	if !exists {
		return []*Connection{}
	}

	result := make([]*Connection, 0, len(topicConns))
	for _, conn := range topicConns {
		if !conn.IsClosed() {
			result = append(result, conn)
		}
	}
	return result
}

// CleanupDeadConnections removes connections that are closed or unresponsive.
func (cm *InMemoryConnectionManager) CleanupDeadConnections() {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	for topic, topicConns := range cm.connections {
		for connID, conn := range topicConns {
			if conn.IsClosed() || cm.isConnectionDead(conn) {
				conn.Close()
				delete(topicConns, connID)
			}
		}
		if len(topicConns) == 0 {
			delete(cm.connections, topic)
		}
	}
	metrics.SSEConnectionsActive.Set(float64(cm.totalLocked()))
}

// isConnectionDead checks if a connection is unresponsive: no successful
// heartbeat within 3 heartbeat intervals.
func (cm *InMemoryConnectionManager) isConnectionDead(conn *Connection) bool {
	deadThreshold := cm.config.HeartbeatInterval * 3
	return time.Since(conn.LastPing) > deadThreshold
}

// findOldestConnectionLocked finds the oldest connection on a topic.
// Caller must hold the lock.
func (cm *InMemoryConnectionManager) findOldestConnectionLocked(topic string) *Connection {
	topicConns, exists := cm.connections[topic]
	if !exists || len(topicConns) == 0 {
		return nil
	}

	conns := make([]*Connection, 0, len(topicConns))
	for _, conn := range topicConns {
		conns = append(conns, conn)
	}

	sort.Slice(conns, func(i, j int) bool {
		return conns[i].CreatedAt.Before(conns[j].CreatedAt)
	})

	return conns[0]
}

// sendConnectionLimitEventLocked sends a connection_limit event to a connection.
// Caller must hold the lock.
func (cm *InMemoryConnectionManager) sendConnectionLimitEventLocked(conn *Connection) {
	limitEvent := events.ConnectionLimitEvent{
		Message:        "Maximum connections exceeded, closing oldest connection",
		MaxConnections: cm.config.MaxConnectionsPerTopic,
	}

	data, err := json.Marshal(limitEvent)
	if err != nil {
		return
	}

	event := events.Event{
		ID:        uuid.New().String(),
		Type:      events.EventTypeConnectionLimit,
		Topic:     conn.Topic,
		Data:      data,
		Timestamp: time.Now(),
	}

	// Best effort, the connection is being closed anyway
	_ = cm.sendEventToConnection(conn, event)
}

// sendEventToConnection sends an event to a specific connection.
func (cm *InMemoryConnectionManager) sendEventToConnection(conn *Connection, event events.Event) error {
	if conn.IsClosed() {
		return ErrConnectionClosed
	}

	if _, err := fmt.Fprint(conn.Writer, FormatSSEEvent(event)); err != nil {
		return err
	}

	conn.Flusher.Flush()
	metrics.SSEEventsPublished.WithLabelValues(event.Type).Inc()
	return nil
}

// totalLocked counts live connections across all topics. Caller must hold
// the lock (read or write).
func (cm *InMemoryConnectionManager) totalLocked() int {
	total := 0
	for _, topicConns := range cm.connections {
		for _, conn := range topicConns {
			if !conn.IsClosed() {
				total++
			}
		}
	}
	return total
}

// TotalConnections returns the total number of connections across all topics.
func (cm *InMemoryConnectionManager) TotalConnections() int {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.totalLocked()
}

// UpdateLastPing updates the last ping time for a connection.
func (cm *InMemoryConnectionManager) UpdateLastPing(topic, connID string) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if topicConns, exists := cm.connections[topic]; exists {
		if conn, connExists := topicConns[connID]; connExists {
			conn.LastPing = time.Now()
		}
	}
}

// StartCleanupRoutine starts a background goroutine that periodically cleans up dead connections.
// Returns a stop function to terminate the cleanup routine.
func (cm *InMemoryConnectionManager) StartCleanupRoutine(interval time.Duration) (stop func()) {
	ticker := time.NewTicker(interval)
	done := make(chan struct{})

	go func() {
		for {
			select {
			case <-ticker.C:
				cm.CleanupDeadConnections()
			case <-done:
				ticker.Stop()
				return
			}
		}
	}()

	return func() {
		close(done)
	}
}
