// Package tlv provides hex helpers and BER-TLV lookups on top of
// github.com/moov-io/bertlv.
package tlv

import (
	"encoding/hex"
	"fmt"
	"strings"
)

var hexSeparators = strings.NewReplacer(" ", "", ":", "", "-", "", "\t", "")

// ParseHex joins parts and decodes them as hex. Spaces, colons and dashes are
// ignored so that values can be written as "00 A4 04 00" or "FF:FF:FF".
func ParseHex(parts ...string) ([]byte, error) {
	clean := hexSeparators.Replace(strings.Join(parts, ""))

	data, err := hex.DecodeString(clean)
	if err != nil {
		return nil, fmt.Errorf("invalid hex %q: %w", clean, err)
	}
	return data, nil
}

// Hex is ParseHex for literals known to be valid. It panics on bad input.
func Hex(parts ...string) []byte {
	data, err := ParseHex(parts...)
	if err != nil {
		panic(err.Error())
	}
	return data
}
