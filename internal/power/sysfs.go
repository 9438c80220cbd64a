package power

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// SysfsHardware reads the battery and AC state from the kernel's
// power_supply class. voltage_now is in microvolts, capacity in percent,
// online is 0/1 on the AC supply.
type SysfsHardware struct {
	batteryDir string
	acDir      string
}

// NewSysfsHardware creates a reader over the named power supplies,
// e.g. NewSysfsHardware("BAT0", "AC").
func NewSysfsHardware(battery, ac string) *SysfsHardware {
	return &SysfsHardware{
		batteryDir: filepath.Join("/sys/class/power_supply", battery),
		acDir:      filepath.Join("/sys/class/power_supply", ac),
	}
}

// Read takes one sample from sysfs
func (h *SysfsHardware) Read(ctx context.Context) (Reading, error) {
	microvolts, err := h.readFloat(filepath.Join(h.batteryDir, "voltage_now"))
	if err != nil {
		return Reading{}, fmt.Errorf("%w: %v", ErrPowerFault, err)
	}
	capacity, err := h.readFloat(filepath.Join(h.batteryDir, "capacity"))
	if err != nil {
		return Reading{}, fmt.Errorf("%w: %v", ErrPowerFault, err)
	}
	online, err := h.readFloat(filepath.Join(h.acDir, "online"))
	if err != nil {
		return Reading{}, fmt.Errorf("%w: %v", ErrPowerFault, err)
	}

	return Reading{
		Voltage:   microvolts / 1e6,
		Capacity:  capacity,
		ACPresent: online != 0,
	}, nil
}

func (h *SysfsHardware) readFloat(path string) (float64, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.ParseFloat(strings.TrimSpace(string(raw)), 64)
}
