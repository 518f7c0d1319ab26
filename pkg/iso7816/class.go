package iso7816

import "fmt"

// Class is the CLA byte of a command APDU.
//
// Bit 8 set marks a proprietary class. 0xFF is reserved by ISO 7816-4 and
// PC/SC part 3 claims it for commands addressed to the reader rather than
// to the card.
type Class byte

const (
	// ClassInterindustry is the first interindustry class on logical channel 0.
	ClassInterindustry Class = 0x00
	// ClassReader addresses the PC/SC reader (pseudo-APDU).
	ClassReader Class = 0xFF
)

// IsProprietary reports whether bit 8 is set.
func (c Class) IsProprietary() bool {
	return c&0x80 != 0
}

// Channel returns the logical channel for first interindustry classes.
func (c Class) Channel() uint8 {
	if c.IsProprietary() || c&0x40 != 0 {
		return 0
	}
	return uint8(c & 0x03)
}

func (c Class) String() string {
	switch {
	case c == ClassReader:
		return "CLA FF (PC/SC reader)"
	case c.IsProprietary():
		return fmt.Sprintf("CLA %02X (proprietary)", byte(c))
	default:
		return fmt.Sprintf("CLA %02X (interindustry, channel %d)", byte(c), c.Channel())
	}
}
