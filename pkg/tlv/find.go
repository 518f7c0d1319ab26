package tlv

import (
	"fmt"
	"strings"

	"github.com/moov-io/bertlv"
)

// Find walks packets following path, one tag per nesting level, and returns
// the TLV at its end. Tags compare case-insensitively.
func Find(packets []bertlv.TLV, path ...string) (bertlv.TLV, bool) {
	if len(path) == 0 {
		return bertlv.TLV{}, false
	}
	for _, p := range packets {
		if !strings.EqualFold(p.Tag, path[0]) {
			continue
		}
		if len(path) == 1 {
			return p, true
		}
		return Find(p.TLVs, path[1:]...)
	}
	return bertlv.TLV{}, false
}

// Value returns the payload of a TLV. Constructed TLVs are re-encoded so the
// caller always gets the bytes as they appeared on the wire.
func Value(p bertlv.TLV) []byte {
	if len(p.TLVs) > 0 {
		if enc, err := bertlv.Encode(p.TLVs); err == nil {
			return enc
		}
	}
	return p.Value
}

// Lookup decodes data and returns the value found at path.
func Lookup(data []byte, path ...string) ([]byte, error) {
	packets, err := bertlv.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("bertlv decode failed: %w", err)
	}
	p, ok := Find(packets, path...)
	if !ok {
		return nil, fmt.Errorf("tag %s not found", strings.ToUpper(strings.Join(path, "/")))
	}
	return Value(p), nil
}
