package events

import "time"

// TopicPower is the lab-wide power/battery feed. Session feeds use
// SessionTopic(id).
const TopicPower = "power"

// SessionTopic returns the event topic for a lab session.
func SessionTopic(sessionID string) string {
	return "session:" + sessionID
}

// Event type constants
const (
	EventTypeConnected       = "connected"
	EventTypeHeartbeat       = "heartbeat"
	EventTypeSessionState    = "session_state"
	EventTypeSerialFeedback  = "feedback"
	EventTypeSensorData      = "sensor_data"
	EventTypeFlashProgress   = "flash_progress"
	EventTypeFlashResult     = "flash_result"
	EventTypePowerStatus     = "power_status"
	EventTypeShutdownWarning = "shutdown_warning"
	EventTypeACLost          = "ac_lost"
	EventTypeACRestored      = "ac_restored"
	EventTypeConnectionLimit = "connection_limit"
	EventTypeError           = "error"
)

// ConnectedEvent is sent when a client establishes an SSE connection.
type ConnectedEvent struct {
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
}

// HeartbeatEvent is sent periodically to keep the connection alive.
type HeartbeatEvent struct {
	Timestamp time.Time `json:"timestamp"`
}

// SessionStateEvent is sent on every lab session state transition.
type SessionStateEvent struct {
	SessionID string    `json:"session_id"`
	State     string    `json:"state"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// SerialFeedbackEvent carries one raw line from the device console.
type SerialFeedbackEvent struct {
	Line      string    `json:"line"`
	Timestamp time.Time `json:"timestamp"`
}

// SensorDataEvent carries parsed numeric readings from a serial line,
// keyed exactly as the device sent them.
type SensorDataEvent struct {
	Values    map[string]float64 `json:"values"`
	Timestamp time.Time          `json:"timestamp"`
}

// FlashProgressEvent carries one line of flashing tool output.
type FlashProgressEvent struct {
	Board     string    `json:"board"`
	Mode      string    `json:"mode"`
	Line      string    `json:"line"`
	Attempt   int       `json:"attempt"`
	Timestamp time.Time `json:"timestamp"`
}

// FlashResultEvent is sent when a flash operation finishes.
type FlashResultEvent struct {
	Board     string    `json:"board"`
	Mode      string    `json:"mode"`
	Success   bool      `json:"success"`
	Error     string    `json:"error,omitempty"`
	Attempts  int       `json:"attempts"`
	Timestamp time.Time `json:"timestamp"`
}

// PowerStatusEvent carries the latest battery/AC snapshot.
type PowerStatusEvent struct {
	Voltage    float64   `json:"voltage"`
	Capacity   float64   `json:"capacity"`
	ACPresent  bool      `json:"ac_present"`
	LowVoltage bool      `json:"low_voltage"`
	Timestamp  time.Time `json:"timestamp"`
}

// ShutdownWarningEvent is sent once when battery voltage crosses below
// the low-voltage threshold. Active sessions must begin closing.
type ShutdownWarningEvent struct {
	Voltage   float64   `json:"voltage"`
	Threshold float64   `json:"threshold"`
	Timestamp time.Time `json:"timestamp"`
}

// ACEvent is sent on mains transitions (edge-triggered, both directions).
type ACEvent struct {
	Present   bool      `json:"present"`
	Timestamp time.Time `json:"timestamp"`
}

// ConnectionLimitEvent is sent when a topic exceeds the connection limit.
type ConnectionLimitEvent struct {
	Message        string `json:"message"`
	MaxConnections int    `json:"max_connections"`
}

// ErrorEvent is sent when an error occurs.
type ErrorEvent struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
