package device

import (
	"math"
	"regexp"
	"strconv"
	"strings"
)

// Devices report readings in whatever format their firmware happens to
// print: "temp:25.4,hum=60", "V > 3.3; I > 0.5", "12:04:01 adc 512".
// The parser accepts any of the common separators, pairs up the
// remaining tokens, and keeps the keys exactly as the device sent them.

var (
	separatorAny   = regexp.MustCompile(`[:=@>#^!$*%~\\|+;,-]`)
	leadingClock   = regexp.MustCompile(`^\d{1,2}:\d{2}:\d{2}\s*`)
	pairGroupSplit = regexp.MustCompile(`[,;]`)
	tokenSeparator = regexp.MustCompile(`[:=>@#^!$*~\\|+%\s&]+`)
	numericChars   = regexp.MustCompile(`[^\d.\-+eE]`)
)

// ParseSensorLine extracts key/value readings from one console line.
// Returns nil when the line carries no parseable numeric pairs, which is
// the common case for plain log output.
func ParseSensorLine(line string) map[string]float64 {
	text := strings.TrimSpace(line)
	if text == "" {
		return nil
	}
	if !separatorAny.MatchString(text) || !strings.ContainsAny(text, "0123456789") {
		return nil
	}

	// Firmware often prefixes a wall-clock timestamp; it is not a reading
	trimmed := leadingClock.ReplaceAllString(text, "")

	values := make(map[string]float64)
	for _, group := range pairGroupSplit.Split(trimmed, -1) {
		if strings.TrimSpace(group) == "" {
			continue
		}
		normalized := strings.TrimSpace(tokenSeparator.ReplaceAllString(group, " "))
		tokens := strings.Fields(normalized)
		for i := 0; i+1 < len(tokens); i += 2 {
			key := strings.ToLower(strings.TrimSpace(tokens[i]))
			raw := numericChars.ReplaceAllString(tokens[i+1], "")
			num, err := strconv.ParseFloat(raw, 64)
			if err != nil || math.IsNaN(num) || math.IsInf(num, 0) {
				continue
			}
			values[key] = num
		}
	}

	if len(values) == 0 {
		return nil
	}
	return values
}
