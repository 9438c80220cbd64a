// Package firmware dispatches firmware images to lab boards through the
// external flashing tools installed on the lab host (esptool, avrdude,
// openocd, mspdebug) and streams tool output as session events.
package firmware

import "strings"

// BoardType identifies a supported lab board
type BoardType string

// Supported board types
const (
	BoardESP32        BoardType = "esp32"
	BoardESP8266      BoardType = "esp8266"
	BoardArduino      BoardType = "arduino"
	BoardATtiny       BoardType = "attiny"
	BoardSTM32        BoardType = "stm32"
	BoardNucleoF446RE BoardType = "nucleo_f446re"
	BoardBlackPill    BoardType = "black_pill"
	BoardMSP430       BoardType = "msp430"
	BoardTiva         BoardType = "tiva"
)

// Mode selects where the image is loaded
type Mode string

const (
	// ModeFlash writes the image to persistent flash memory. It survives
	// a power cycle.
	ModeFlash Mode = "flash"
	// ModeRAM loads the image into volatile memory. It is lost on power
	// cycle, leaving whatever is in flash to boot next.
	ModeRAM Mode = "ram"
)

// ParseBoardType validates a board name. Unknown boards fail here, before
// any device I/O happens.
func ParseBoardType(s string) (BoardType, error) {
	board := BoardType(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := profiles[board]; !ok {
		return "", ErrUnsupportedBoard
	}
	return board, nil
}

// ParseMode validates a load mode, defaulting to flash
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", string(ModeFlash):
		return ModeFlash, nil
	case string(ModeRAM):
		return ModeRAM, nil
	default:
		return "", ErrUnsupportedMode
	}
}

// SupportedBoards returns the boards in the profile table
func SupportedBoards() []BoardType {
	boards := make([]BoardType, 0, len(profiles))
	for board := range profiles {
		boards = append(boards, board)
	}
	return boards
}

// Profile describes how one board type is flashed: the tool binary, its
// argument templates per mode, and the board's default firmware image.
type Profile struct {
	Tool string
	// FlashArgs builds the argv for a persistent flash write
	FlashArgs func(port, image string) []string
	// RAMArgs builds the argv for a volatile RAM load; nil when the tool
	// has no RAM loading for this board
	RAMArgs func(port, image string) []string
	// DefaultImage is the object-store key of the factory firmware
	DefaultImage string
}

// RAMCapable reports whether the board's tool can load to RAM
func (p *Profile) RAMCapable() bool {
	return p.RAMArgs != nil
}

// ProfileFor returns the tool profile for a board
func ProfileFor(board BoardType) (*Profile, error) {
	profile, ok := profiles[board]
	if !ok {
		return nil, ErrUnsupportedBoard
	}
	return profile, nil
}

// stm32RAMArgs loads an image into SRAM and resumes execution there.
// Used by the openocd-driven ARM boards.
func stm32RAMArgs(cfgs ...string) func(port, image string) []string {
	return func(port, image string) []string {
		args := []string{}
		for _, cfg := range cfgs {
			args = append(args, "-f", cfg)
		}
		return append(args, "-c",
			"init; reset halt; load_image "+image+" 0x20000000; resume 0x20000000; exit")
	}
}

// profiles is the static board-type to tool mapping. Invocations follow
// the lab host's installed tool versions; boards sharing a debug probe
// share a profile shape.
var profiles = map[BoardType]*Profile{
	BoardESP32: {
		Tool: "esptool.py",
		FlashArgs: func(port, image string) []string {
			return []string{"--chip", "esp32", "--port", port, "write_flash", "0x10000", image}
		},
		DefaultImage: "defaults/esp32_default.bin",
	},
	BoardESP8266: {
		Tool: "esptool.py",
		FlashArgs: func(port, image string) []string {
			return []string{"--port", port, "write_flash", "0x00000", image}
		},
		DefaultImage: "defaults/esp8266_default.bin",
	},
	BoardArduino: {
		Tool: "avrdude",
		FlashArgs: func(port, image string) []string {
			return []string{"-v", "-p", "atmega328p", "-c", "arduino", "-P", port, "-b115200", "-D", "-U", "flash:w:" + image + ":i"}
		},
		DefaultImage: "defaults/arduino_default.hex",
	},
	BoardATtiny: {
		Tool: "avrdude",
		FlashArgs: func(port, image string) []string {
			return []string{"-v", "-p", "attiny85", "-c", "usbasp", "-P", port, "-U", "flash:w:" + image + ":i"}
		},
		DefaultImage: "defaults/attiny_default.hex",
	},
	BoardSTM32: {
		Tool: "openocd",
		FlashArgs: func(port, image string) []string {
			return []string{"-f", "interface/stlink.cfg", "-f", "target/stm32f4x.cfg", "-c", "program " + image + " 0x08000000 verify reset exit"}
		},
		RAMArgs:      stm32RAMArgs("interface/stlink.cfg", "target/stm32f4x.cfg"),
		DefaultImage: "defaults/stm32_default.bin",
	},
	BoardNucleoF446RE: {
		Tool: "openocd",
		FlashArgs: func(port, image string) []string {
			return []string{"-f", "interface/stlink.cfg", "-f", "target/stm32f4x.cfg", "-c", "program " + image + " 0x08000000 verify reset exit"}
		},
		RAMArgs:      stm32RAMArgs("interface/stlink.cfg", "target/stm32f4x.cfg"),
		DefaultImage: "defaults/stm32_default.bin",
	},
	BoardBlackPill: {
		Tool: "openocd",
		FlashArgs: func(port, image string) []string {
			return []string{"-f", "interface/stlink.cfg", "-f", "target/stm32f4x.cfg", "-c", "program " + image + " 0x08000000 verify reset exit"}
		},
		RAMArgs:      stm32RAMArgs("interface/stlink.cfg", "target/stm32f4x.cfg"),
		DefaultImage: "defaults/stm32_default.bin",
	},
	BoardMSP430: {
		Tool: "mspdebug",
		FlashArgs: func(port, image string) []string {
			return []string{"rf2500", "prog " + image}
		},
		DefaultImage: "defaults/msp430_default.bin",
	},
	BoardTiva: {
		Tool: "openocd",
		FlashArgs: func(port, image string) []string {
			return []string{"-f", "board/ti_ek-tm4c123gxl.cfg", "-c", "program " + image + " verify reset exit"}
		},
		RAMArgs:      stm32RAMArgs("board/ti_ek-tm4c123gxl.cfg"),
		DefaultImage: "defaults/tiva_default.out",
	},
}
