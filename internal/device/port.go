// Package device abstracts the lab board's serial console and power
// relay and turns the console byte stream into typed events.
package device

import (
	"context"
	"errors"
	"io"
)

// Device errors
var (
	ErrPortClosed = errors.New("serial port is closed")
	ErrPortBusy   = errors.New("serial port is already open")
	ErrNoSuchPort = errors.New("serial port does not exist")
	ErrRelayFault = errors.New("power relay did not acknowledge")
)

// Port is an open serial connection to the board
type Port interface {
	io.ReadWriteCloser
}

// Opener opens serial ports. The production implementation wraps the
// host's tty devices; tests substitute an in-memory pipe.
type Opener interface {
	Open(ctx context.Context, name string, baud int) (Port, error)
}

// Relay switches the board's power rail. Implementations talk GPIO/I2C;
// the session controller only sees on/off with an error.
type Relay interface {
	SetPower(ctx context.Context, on bool) error
}

// RailSensor senses whether the board's power rail has stabilized after
// the relay closes. Implementations read the rail ADC.
type RailSensor interface {
	Stable(ctx context.Context) (bool, error)
}
