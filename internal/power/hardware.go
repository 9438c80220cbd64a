// Package power polls the lab's battery/UPS hardware and publishes
// status, AC-loss, and low-voltage shutdown events.
package power

import (
	"context"
	"errors"
)

// ErrPowerFault is returned when the power hardware fails to respond or
// a rail never stabilizes.
var ErrPowerFault = errors.New("power hardware fault")

// Reading is one sample from the battery/UPS interface
type Reading struct {
	Voltage   float64
	Capacity  float64
	ACPresent bool
}

// Hardware reads the battery/UPS state. The production implementation
// talks I2C to the fuel gauge and a GPIO line for AC detection; the
// monitor only sees samples.
type Hardware interface {
	Read(ctx context.Context) (Reading, error)
}
