package iso7816

import "fmt"

// Reader commands (PC/SC part 3 pseudo-APDUs and ACR122 escape commands).
//
// All of them use CLA FF. The reader answers on behalf of the card, so the
// status word reflects the reader's view of the RF exchange: 0x9000 on
// success, 0x6300 for a generic failure.

// Memory card key types.
const (
	KeyTypeA byte = 0x60
	KeyTypeB byte = 0x61
)

const (
	// KeyLength is the size of a MIFARE Classic key.
	KeyLength = 6
	// KeySlots is the number of volatile key registers in the reader.
	KeySlots = 2
	// UIDResponseLength fits a 10-byte triple-size UID and the status word.
	UIDResponseLength = 12
)

// GetUID builds `FF CA 00 00 00`.
func GetUID() *CommandAPDU {
	return NewCommandAPDU(ClassReader, INS_GET_DATA, 0x00, 0x00, nil, MaxShortLe)
}

// LoadAuthenticationKey builds `FF 82 00 <slot> 06 <key>`, loading key into
// the reader's volatile memory.
func LoadAuthenticationKey(slot byte, key []byte) (*CommandAPDU, error) {
	if slot >= KeySlots {
		return nil, fmt.Errorf("invalid key slot %d: must be 0 or 1", slot)
	}
	if len(key) != KeyLength {
		return nil, fmt.Errorf("invalid key length %d: must be %d bytes", len(key), KeyLength)
	}
	data := make([]byte, KeyLength)
	copy(data, key)
	return NewCommandAPDU(ClassReader, INS_LOAD_KEYS, 0x00, slot, data, 0), nil
}

// GeneralAuthenticate builds `FF 86 00 00 05 01 00 <block> <keyType> <slot>`.
// The data field is the version 01 authenticate data object with a 2-byte
// block address.
func GeneralAuthenticate(block, keyType, slot byte) *CommandAPDU {
	data := []byte{0x01, 0x00, block, keyType, slot}
	return NewCommandAPDU(ClassReader, INS_GENERAL_AUTHENTICATE, 0x00, 0x00, data, 0)
}

// AuthenticateLegacy builds the obsolete `FF 88 00 <block> <keyType> <slot>`.
func AuthenticateLegacy(block, keyType, slot byte) *CommandAPDU {
	cmd := NewCommandAPDU(ClassReader, INS_AUTHENTICATE_LEGACY, 0x00, block, nil, 0)
	cmd.Body = []byte{keyType, slot}
	return cmd
}

// ReadBinary builds `<cla> B0 <blockHi> <blockLo> <length>`.
// length is limited to a short Le (1 to 256).
func ReadBinary(cla Class, block uint16, length int) (*CommandAPDU, error) {
	if length < 1 || length > MaxShortLe {
		return nil, fmt.Errorf("invalid read length %d: must be 1 to %d", length, MaxShortLe)
	}
	return NewCommandAPDU(cla, INS_READ_BINARY, byte(block>>8), byte(block), nil, length), nil
}

// UpdateBinary builds `FF D6 00 <block> <len> <data>`.
func UpdateBinary(block byte, data []byte) (*CommandAPDU, error) {
	if len(data) == 0 || len(data) > MaxShortLc {
		return nil, fmt.Errorf("invalid update length %d: must be 1 to %d", len(data), MaxShortLc)
	}
	return NewCommandAPDU(ClassReader, INS_UPDATE_BINARY, 0x00, block, data, 0), nil
}

// LEDControl builds the ACR122 `FF 00 40 <led> 04 <T1> <T2> <repeat> <buzzer>`
// escape command. timing holds the T1 and T2 blink durations (units of
// 100 ms), the repetition count and the buzzer link.
func LEDControl(led byte, timing [4]byte) *CommandAPDU {
	return NewCommandAPDU(ClassReader, INS_ESCAPE, 0x40, led, timing[:], 0)
}

// BuzzerControl builds the ACR122 `FF 00 52 <FF|00> 00` escape command that
// toggles the buzzer on card detection.
func BuzzerControl(enabled bool) *CommandAPDU {
	var p2 byte
	if enabled {
		p2 = 0xFF
	}
	return NewCommandAPDU(ClassReader, INS_ESCAPE, 0x52, p2, nil, MaxShortLe)
}
