package pcsc

import (
	"encoding/hex"
	"fmt"

	"github.com/gregLibert/nfc-pcsc/pkg/iso7816"
	"github.com/gregLibert/nfc-pcsc/pkg/tlv"
)

// Key types for MIFARE Classic authentication.
const (
	KeyTypeA = iso7816.KeyTypeA
	KeyTypeB = iso7816.KeyTypeB
)

// Key is a 6-byte MIFARE Classic key.
type Key [iso7816.KeyLength]byte

// DefaultKey is the transport key shipped on blank cards.
var DefaultKey = Key{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}

// ParseKey decodes a 12-digit hex key. Separators accepted by tlv.ParseHex
// are ignored.
func ParseKey(s string) (Key, error) {
	b, err := tlv.ParseHex(s)
	if err != nil {
		return Key{}, newError(KindLoadKey, CodeInvalidKey, "key must be a hex string", err)
	}
	return KeyFromBytes(b)
}

// KeyFromBytes copies b into a Key. b must be exactly 6 bytes long.
func KeyFromBytes(b []byte) (Key, error) {
	var k Key
	if len(b) != len(k) {
		return k, newError(KindLoadKey, CodeInvalidKey,
			fmt.Sprintf("key length must be %d bytes, got %d", len(k), len(b)), nil)
	}
	copy(k[:], b)
	return k, nil
}

// KeyFromUint64 returns the 48-bit big-endian key held in v.
func KeyFromUint64(v uint64) (Key, error) {
	if v>>48 != 0 {
		return Key{}, newError(KindLoadKey, CodeInvalidKey,
			fmt.Sprintf("key 0x%x does not fit in 6 bytes", v), nil)
	}
	var k Key
	for i := len(k) - 1; i >= 0; i-- {
		k[i] = byte(v)
		v >>= 8
	}
	return k, nil
}

// String returns the canonical lower-case hex form of k.
func (k Key) String() string {
	return hex.EncodeToString(k[:])
}
