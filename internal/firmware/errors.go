package firmware

import "errors"

// Flashing errors
var (
	// ErrUnsupportedBoard is returned for board names outside the profile
	// table. Detected at parse time, before any device I/O.
	ErrUnsupportedBoard = errors.New("unsupported board type")
	// ErrUnsupportedMode is returned when a board's tool cannot load to RAM
	ErrUnsupportedMode = errors.New("board does not support RAM loading")
	// ErrToolNotFound is returned when the flashing tool binary is not
	// installed on the host. Never retried.
	ErrToolNotFound = errors.New("flashing tool not found on host")
	// ErrDeviceNotResponding is returned after all retries against an
	// unresponsive device are exhausted
	ErrDeviceNotResponding = errors.New("device not responding")
	// ErrFlashVerification is returned when the tool reports a post-write
	// verification mismatch. The device firmware state is unknown.
	ErrFlashVerification = errors.New("flash verification mismatch")
	// ErrFlashInProgress is returned when a session already has a flash
	// operation running
	ErrFlashInProgress = errors.New("a flash operation is already in progress")
	// ErrImageNotFound is returned when the requested firmware image does
	// not exist in the image store
	ErrImageNotFound = errors.New("firmware image not found")
)
