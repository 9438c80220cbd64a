package device

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// GPIORelay drives the board's power relay through a sysfs GPIO line.
// The line must already be exported and set to output direction, which
// the lab host does at boot.
type GPIORelay struct {
	valuePath string
	// ActiveLow inverts the written level for relays wired active-low
	activeLow bool
}

// NewGPIORelay creates a relay on the given GPIO line number
func NewGPIORelay(line int, activeLow bool) *GPIORelay {
	return &GPIORelay{
		valuePath: fmt.Sprintf("/sys/class/gpio/gpio%d/value", line),
		activeLow: activeLow,
	}
}

// SetPower asserts or de-asserts the relay line
func (r *GPIORelay) SetPower(ctx context.Context, on bool) error {
	level := "0"
	if on != r.activeLow {
		level = "1"
	}
	if err := os.WriteFile(r.valuePath, []byte(level), 0o644); err != nil {
		return fmt.Errorf("%w: %v", ErrRelayFault, err)
	}
	return nil
}

// ADCRailSensor reads the board's power rail through an IIO ADC channel
// and reports it stable once the measured voltage clears a floor.
type ADCRailSensor struct {
	rawPath string
	// scale converts the raw ADC value to volts
	scale float64
	// minVolts is the rail voltage considered stable
	minVolts float64
}

// NewADCRailSensor creates a rail sensor on an IIO voltage channel
func NewADCRailSensor(devicePath string, channel int, scale, minVolts float64) *ADCRailSensor {
	return &ADCRailSensor{
		rawPath:  fmt.Sprintf("%s/in_voltage%d_raw", devicePath, channel),
		scale:    scale,
		minVolts: minVolts,
	}
}

// Stable reports whether the rail voltage has reached the floor
func (s *ADCRailSensor) Stable(ctx context.Context) (bool, error) {
	raw, err := os.ReadFile(s.rawPath)
	if err != nil {
		return false, err
	}
	value, err := strconv.ParseFloat(strings.TrimSpace(string(raw)), 64)
	if err != nil {
		return false, fmt.Errorf("bad ADC reading %q: %w", strings.TrimSpace(string(raw)), err)
	}
	return value*s.scale >= s.minVolts, nil
}
