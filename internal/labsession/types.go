// Package labsession turns an approved booking into a live lab session:
// it powers the board, opens the serial console, tracks firmware state,
// and guarantees the power-off/cleanup sequence at session end.
package labsession

import (
	"errors"
	"time"

	"github.com/Abhilash1575/virtual-lab/internal/firmware"
)

// State is a lab session's lifecycle state
type State string

// Session lifecycle states, in transition order
const (
	StatePending    State = "pending"
	StatePoweringOn State = "powering_on"
	StateReady      State = "ready"
	StateActive     State = "active"
	StateClosing    State = "closing"
	StateClosed     State = "closed"
)

// Close reasons, reported on the session_state event
const (
	ReasonWindowExpired = "window_expired"
	ReasonUserRequest   = "user_request"
	ReasonIdleTimeout   = "idle_timeout"
	ReasonDisconnect    = "disconnect"
	ReasonLowVoltage    = "low_voltage"
	ReasonPowerFault    = "power_fault"
	ReasonShutdown      = "server_shutdown"
)

// Service errors
var (
	ErrSessionNotFound   = errors.New("lab session not found")
	ErrSessionNotActive  = errors.New("lab session is not active")
	ErrDeviceHeld        = errors.New("device is held by another session")
	ErrBookingNotOpen    = errors.New("booking window is not open")
	ErrBookingNotUsable  = errors.New("booking cannot start a session")
	ErrAccessDenied      = errors.New("access denied")
	ErrFirmwareUnknown   = errors.New("firmware state unknown, re-flash required")
	ErrPowerOnTimeout    = errors.New("power rail did not stabilize")
)

// Error codes for API responses
const (
	CodeSessionNotFound  = "SESSION_NOT_FOUND"
	CodeSessionNotActive = "SESSION_NOT_ACTIVE"
	CodeDeviceHeld       = "DEVICE_CONFLICT"
	CodeBookingNotOpen   = "BOOKING_NOT_OPEN"
	CodeBookingNotUsable = "BOOKING_NOT_USABLE"
	CodeFirmwareUnknown  = "FIRMWARE_UNKNOWN"
	CodeForbidden        = "FORBIDDEN"
	CodePowerFault       = "POWER_FAULT"
	CodeValidationError  = "VALIDATION_ERROR"
)

// DeviceState tracks what firmware the board is running. Not persisted:
// it exists only while the session owns the device.
type DeviceState struct {
	// PersistentImage is what boots after a power cycle
	PersistentImage string
	// VolatileImage is a RAM-loaded image, lost on power cycle
	VolatileImage string
	// Unknown is set after a failed verification; the board must be
	// re-flashed before its state can be trusted again
	Unknown bool
}

// ApplyFlash records a successful flash in the given mode
func (d *DeviceState) ApplyFlash(mode firmware.Mode, image string) {
	d.Unknown = false
	if mode == firmware.ModeRAM {
		d.VolatileImage = image
		return
	}
	d.PersistentImage = image
	d.VolatileImage = ""
}

// MarkUnknown records a verification mismatch
func (d *DeviceState) MarkUnknown() {
	d.Unknown = true
}

// PowerCycle drops the volatile image; whatever is in flash boots next
func (d *DeviceState) PowerCycle() {
	d.VolatileImage = ""
}

// RunningImage returns the image the board is executing right now
func (d *DeviceState) RunningImage() string {
	if d.VolatileImage != "" {
		return d.VolatileImage
	}
	return d.PersistentImage
}

// SessionResponse represents a lab session in API responses
type SessionResponse struct {
	ID              string    `json:"id"`
	BookingID       string    `json:"booking_id"`
	ExperimentID    string    `json:"experiment_id"`
	BoardType       string    `json:"board_type"`
	State           string    `json:"state"`
	PersistentImage string    `json:"persistent_image,omitempty"`
	VolatileImage   string    `json:"volatile_image,omitempty"`
	FirmwareUnknown bool      `json:"firmware_unknown,omitempty"`
	StartedAt       time.Time `json:"started_at"`
	WindowEnd       time.Time `json:"window_end"`
}
