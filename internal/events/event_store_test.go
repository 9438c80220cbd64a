package events

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"pgregory.net/rapid"
)

// Helper to create a test event
func createTestEvent(topic string, eventType string) Event {
	data, _ := json.Marshal(map[string]string{"test": "data"})
	return Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Topic:     topic,
		Data:      data,
		Timestamp: time.Now(),
	}
}

// For any reconnection with a Last-Event-ID, the store replays all events
// after that ID that are still in the buffer, in order.
func TestEventStore_Replay(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		// Generate random parameters
		bufferSize := rapid.IntRange(10, 100).Draw(t, "bufferSize")
		numEvents := rapid.IntRange(1, bufferSize-1).Draw(t, "numEvents")
		sessionID := rapid.StringMatching(`[a-f0-9]{8}-[a-f0-9]{4}-[a-f0-9]{4}-[a-f0-9]{4}-[a-f0-9]{12}`).Draw(t, "sessionID")
		topic := SessionTopic(sessionID)

		store := NewEventStore(bufferSize)

		// Store events and track their IDs
		eventIDs := make([]string, numEvents)
		for i := 0; i < numEvents; i++ {
			event := createTestEvent(topic, EventTypeSerialFeedback)
			eventIDs[i] = event.ID
			err := store.Store(event)
			if err != nil {
				t.Fatalf("failed to store event: %v", err)
			}
			// Small delay to ensure different timestamps
			time.Sleep(time.Microsecond)
		}

		// Pick a random event ID to replay from
		replayFromIndex := rapid.IntRange(0, numEvents-1).Draw(t, "replayFromIndex")
		lastEventID := eventIDs[replayFromIndex]

		// Get events since the last event ID
		replayedEvents, err := store.GetSince(topic, lastEventID, 100)
		if err != nil {
			t.Fatalf("failed to get events since: %v", err)
		}

		// All events after lastEventID should be returned
		expectedCount := numEvents - replayFromIndex - 1
		if len(replayedEvents) != expectedCount {
			t.Errorf("expected %d replayed events, got %d", expectedCount, len(replayedEvents))
		}

		// Replayed events should be in order and match expected IDs
		for i, event := range replayedEvents {
			expectedID := eventIDs[replayFromIndex+1+i]
			if event.ID != expectedID {
				t.Errorf("event %d: expected ID %s, got %s", i, expectedID, event.ID)
			}
		}

		// Replayed events should all belong to the same topic
		for _, event := range replayedEvents {
			if event.Topic != topic {
				t.Errorf("replayed event has wrong topic: expected %s, got %s", topic, event.Topic)
			}
		}
	})
}

// Events from different topics are isolated during replay
func TestEventStore_Replay_TopicIsolation(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		bufferSize := rapid.IntRange(20, 50).Draw(t, "bufferSize")
		numEventsPerTopic := rapid.IntRange(3, 10).Draw(t, "numEventsPerTopic")

		topic1 := SessionTopic(rapid.StringMatching(`session1-[a-f0-9]{8}`).Draw(t, "session1"))
		topic2 := SessionTopic(rapid.StringMatching(`session2-[a-f0-9]{8}`).Draw(t, "session2"))

		store := NewEventStore(bufferSize)

		// Store events for both topics interleaved
		topic1Events := make([]string, 0)
		topic2Events := make([]string, 0)

		for i := 0; i < numEventsPerTopic; i++ {
			event1 := createTestEvent(topic1, EventTypeSerialFeedback)
			topic1Events = append(topic1Events, event1.ID)
			store.Store(event1)

			event2 := createTestEvent(topic2, EventTypeSensorData)
			topic2Events = append(topic2Events, event2.ID)
			store.Store(event2)
		}

		// Replay for topic1 from its first event
		if len(topic1Events) > 1 {
			replayed, err := store.GetSince(topic1, topic1Events[0], 100)
			if err != nil {
				t.Fatalf("failed to get events: %v", err)
			}

			// Only topic1's events should be returned
			for _, event := range replayed {
				if event.Topic != topic1 {
					t.Errorf("replay for topic1 returned event for topic %s", event.Topic)
				}
			}

			// Should return all topic1 events after the first one
			expectedCount := len(topic1Events) - 1
			if len(replayed) != expectedCount {
				t.Errorf("expected %d events for topic1, got %d", expectedCount, len(replayed))
			}
		}
	})
}

// Buffer overflow removes oldest events
func TestEventStore_Replay_BufferOverflow(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		bufferSize := rapid.IntRange(5, 20).Draw(t, "bufferSize")
		overflow := rapid.IntRange(1, 10).Draw(t, "overflow")
		topic := SessionTopic(rapid.StringMatching(`[a-f0-9]{8}-[a-f0-9]{4}-[a-f0-9]{4}-[a-f0-9]{4}-[a-f0-9]{12}`).Draw(t, "sessionID"))

		store := NewEventStore(bufferSize)

		// Store more events than buffer size
		totalEvents := bufferSize + overflow
		allEventIDs := make([]string, totalEvents)

		for i := 0; i < totalEvents; i++ {
			event := createTestEvent(topic, EventTypeFlashProgress)
			allEventIDs[i] = event.ID
			store.Store(event)
		}

		// Store should not exceed buffer size
		if store.Len() > bufferSize {
			t.Errorf("store size %d exceeds buffer size %d", store.Len(), bufferSize)
		}

		// Most recent events should still be available
		allEvents, err := store.GetSince(topic, "", bufferSize)
		if err != nil {
			t.Fatalf("failed to get all events: %v", err)
		}

		if len(allEvents) != bufferSize {
			t.Errorf("expected %d events in buffer, got %d", bufferSize, len(allEvents))
		}

		// The last event should be the most recently added
		if len(allEvents) > 0 {
			lastEvent := allEvents[len(allEvents)-1]
			if lastEvent.ID != allEventIDs[totalEvents-1] {
				t.Errorf("last event ID mismatch: expected %s, got %s",
					allEventIDs[totalEvents-1], lastEvent.ID)
			}
		}
	})
}

// Cleanup removes old events
func TestEventStore_Cleanup(t *testing.T) {
	store := NewEventStore(100)
	topic := SessionTopic("test-session")

	// Create events with different timestamps
	oldEvent := Event{
		ID:        "old-event",
		Type:      EventTypeSerialFeedback,
		Topic:     topic,
		Data:      json.RawMessage(`{}`),
		Timestamp: time.Now().Add(-2 * time.Hour),
	}
	newEvent := Event{
		ID:        "new-event",
		Type:      EventTypeSerialFeedback,
		Topic:     topic,
		Data:      json.RawMessage(`{}`),
		Timestamp: time.Now(),
	}

	store.Store(oldEvent)
	store.Store(newEvent)

	// Cleanup events older than 1 hour
	err := store.Cleanup(1 * time.Hour)
	if err != nil {
		t.Fatalf("cleanup failed: %v", err)
	}

	// Old event should be removed
	if store.Len() != 1 {
		t.Errorf("expected 1 event after cleanup, got %d", store.Len())
	}

	// New event should still be there
	events, _ := store.GetSince(topic, "", 10)
	if len(events) != 1 || events[0].ID != "new-event" {
		t.Error("new event should still be in store after cleanup")
	}
}

// GetSince with empty lastEventID returns recent events
func TestEventStore_GetSince_EmptyLastEventID(t *testing.T) {
	store := NewEventStore(100)
	topic := TopicPower

	// Store some events
	for i := 0; i < 5; i++ {
		event := createTestEvent(topic, EventTypePowerStatus)
		store.Store(event)
	}

	// Get events with empty lastEventID
	events, err := store.GetSince(topic, "", 10)
	if err != nil {
		t.Fatalf("failed to get events: %v", err)
	}

	if len(events) != 5 {
		t.Errorf("expected 5 events, got %d", len(events))
	}
}

// GetSince with non-existent lastEventID returns empty
func TestEventStore_GetSince_NonExistentEventID(t *testing.T) {
	store := NewEventStore(100)
	topic := SessionTopic("test-session")

	// Store some events
	for i := 0; i < 5; i++ {
		event := createTestEvent(topic, EventTypeSerialFeedback)
		store.Store(event)
	}

	// Get events with non-existent lastEventID
	events, err := store.GetSince(topic, "non-existent-id", 10)
	if err != nil {
		t.Fatalf("failed to get events: %v", err)
	}

	// Should return empty since the event ID doesn't exist
	if len(events) != 0 {
		t.Errorf("expected 0 events for non-existent ID, got %d", len(events))
	}
}
