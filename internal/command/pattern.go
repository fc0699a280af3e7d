package command

const (
	// PatternLength is the fixed number of LED slots on the strip.
	PatternLength = 60

	// MaxColorIndex is the highest palette entry. Palette: 0 off, 1 red,
	// 2 orange, 3 yellow, 4 green, 5 cyan, 6 blue, 7 purple.
	MaxColorIndex = 7
)

// LedPattern holds one palette index per LED slot, always normalized to
// the full strip length.
type LedPattern [PatternLength]byte

// ParseLedPattern parses an LED write payload: 1 to PatternLength ASCII
// digits, each '0'..'7', mapped 1:1 by position. Shorter inputs leave
// trailing slots at 0; inputs longer than the strip keep the first
// PatternLength digits. Any byte outside '0'..'7' anywhere in the payload
// rejects the whole write.
func ParseLedPattern(payload []byte) (LedPattern, error) {
	var p LedPattern
	if len(payload) == 0 {
		return p, rejectf(BadLength, "empty pattern payload")
	}
	for i, b := range payload {
		if b < '0' || b > '0'+MaxColorIndex {
			return p, rejectf(BadValue, "byte %d: %q is not a digit in '0'..'%d'", i, b, MaxColorIndex)
		}
		if i < PatternLength {
			p[i] = b - '0'
		}
	}
	return p, nil
}

// String renders the pattern as the 60-digit wire form used for reads
// and notifications.
func (p LedPattern) String() string {
	buf := make([]byte, PatternLength)
	for i, v := range p {
		buf[i] = '0' + v
	}
	return string(buf)
}

// Bytes returns the wire form of String as a fresh slice.
func (p LedPattern) Bytes() []byte {
	return []byte(p.String())
}
