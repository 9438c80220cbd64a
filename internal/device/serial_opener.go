package device

import (
	"context"
	"errors"
	"fmt"

	"go.bug.st/serial"
)

// SerialOpener opens real tty devices on the lab host
type SerialOpener struct{}

// NewSerialOpener creates a SerialOpener
func NewSerialOpener() *SerialOpener {
	return &SerialOpener{}
}

// Open opens the named serial device at the given baud rate, 8N1
func (o *SerialOpener) Open(ctx context.Context, name string, baud int) (Port, error) {
	port, err := serial.Open(name, &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		var portErr *serial.PortError
		if errors.As(err, &portErr) {
			switch portErr.Code() {
			case serial.PortNotFound:
				return nil, ErrNoSuchPort
			case serial.PortBusy:
				return nil, ErrPortBusy
			}
		}
		return nil, fmt.Errorf("failed to open serial port %s: %w", name, err)
	}
	return port, nil
}
