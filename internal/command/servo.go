package command

import (
	"fmt"
	"strconv"
	"strings"
)

const (
	// MinAngle and MaxAngle bound the servo's mechanical range in degrees.
	MinAngle = 0.0
	MaxAngle = 270.0

	// CenterAngle is the power-on default, the midpoint of the range.
	CenterAngle = 135.0

	// maxRawByte is the largest value accepted on the single-byte write
	// path; it is rescaled linearly onto [MinAngle, MaxAngle].
	maxRawByte = 180
)

// ParseServoAngle parses a servo write payload. A payload of exactly one
// byte is a coarse raw value 0..180 rescaled onto the full range; anything
// longer is an ASCII decimal angle within [0.0, 270.0].
func ParseServoAngle(payload []byte) (float64, error) {
	if len(payload) == 0 {
		return 0, rejectf(BadLength, "empty servo payload")
	}
	if len(payload) == 1 {
		raw := payload[0]
		if raw > maxRawByte {
			return 0, rejectf(BadValue, "raw byte %d exceeds %d", raw, maxRawByte)
		}
		return float64(raw) * (MaxAngle / maxRawByte), nil
	}
	s := strings.TrimSpace(string(payload))
	angle, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, rejectf(BadFormat, "%q is not a decimal angle", s)
	}
	if angle < MinAngle || angle > MaxAngle {
		return 0, rejectf(BadValue, "angle %.1f outside [%.0f, %.0f]", angle, MinAngle, MaxAngle)
	}
	return angle, nil
}

// FormatServoAngle renders an angle in the wire form used for reads and
// notifications: decimal with one fractional digit.
func FormatServoAngle(angle float64) string {
	return fmt.Sprintf("%.1f", angle)
}
