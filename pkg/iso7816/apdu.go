package iso7816

import (
	"bytes"
	"errors"
	"fmt"
)

// APDU structures and encodings according to ISO/IEC 7816-3 and 7816-4.
//
// COMMAND APDU (C-APDU):
//   - Header: CLA, INS, P1, P2.
//   - Body: Lc + Data (when data is sent), Le (when a response is expected).
//
// ENCODING CASES (ISO 7816-3):
//   - Case 1: Header only.
//   - Case 2: Header + Le.
//   - Case 3: Header + Lc + Data.
//   - Case 4: Header + Lc + Data + Le.
//
// Lc/Le use one byte (short length) unless Lc > 255 or Le > 256, in which case
// the extended encoding is used.
//
// A few reader commands predate this layout (the PC/SC v2.01 authenticate
// form sends its parameters without Lc). Those set Body, which is written
// verbatim after the header.
//
// RESPONSE APDU (R-APDU): optional data followed by SW1 SW2.

// APDU Limits according to ISO 7816-3.
const (
	// MaxShortLc is the maximum data length (Nc) encodable in Short Length mode.
	MaxShortLc = 255

	// MaxShortLe is the maximum expected response length in Short Length mode.
	// 0x00 encodes 256.
	MaxShortLe = 256

	// MaxExtendedLc is the limit for Lc in Extended mode (16-bit unsigned).
	MaxExtendedLc = 65535

	// MaxExtendedLe is the maximum Ne in Extended mode. 0x0000 encodes 65536.
	MaxExtendedLe = 65536
)

// ErrResponseTooShort is returned when a response cannot hold a status word.
var ErrResponseTooShort = errors.New("response too short")

// CommandAPDU represents a command sent to the card or the reader.
type CommandAPDU struct {
	Class       Class
	Instruction Instruction
	P1, P2      byte
	Data        []byte
	Ne          int    // Expected response length (0 means none)
	Body        []byte // Raw trailer for non-standard commands; overrides Data and Ne
}

// NewCommandAPDU creates a basic command.
func NewCommandAPDU(cla Class, ins Instruction, p1, p2 byte, data []byte, ne int) *CommandAPDU {
	return &CommandAPDU{
		Class:       cla,
		Instruction: ins,
		P1:          p1,
		P2:          p2,
		Data:        data,
		Ne:          ne,
	}
}

// Bytes encodes the CommandAPDU into its byte representation (C-APDU).
// It selects Short or Extended encoding from len(Data) and Ne.
func (c *CommandAPDU) Bytes() ([]byte, error) {
	if err := c.Instruction.Validate(); err != nil {
		return nil, err
	}

	nc := len(c.Data)
	ne := c.Ne

	if nc > MaxExtendedLc {
		return nil, fmt.Errorf("data too long: %d bytes", nc)
	}
	if ne < 0 || ne > MaxExtendedLe {
		return nil, fmt.Errorf("invalid expected length: %d", ne)
	}

	buf := new(bytes.Buffer)
	buf.WriteByte(byte(c.Class))
	buf.WriteByte(byte(c.Instruction))
	buf.WriteByte(c.P1)
	buf.WriteByte(c.P2)

	if c.Body != nil {
		buf.Write(c.Body)
		return buf.Bytes(), nil
	}

	isExtended := nc > MaxShortLc || ne > MaxShortLe

	if nc > 0 {
		if !isExtended {
			buf.WriteByte(byte(nc))
		} else {
			buf.WriteByte(0x00)
			buf.WriteByte(byte(nc >> 8))
			buf.WriteByte(byte(nc))
		}
		buf.Write(c.Data)
	}

	if ne > 0 {
		if !isExtended {
			// 0x00 represents 256
			buf.WriteByte(byte(ne))
		} else {
			// Case 2 Extended needs the leading 00 that Lc would otherwise carry.
			if nc == 0 {
				buf.WriteByte(0x00)
			}
			// 0x0000 represents 65536
			buf.WriteByte(byte(ne >> 8))
			buf.WriteByte(byte(ne))
		}
	}

	return buf.Bytes(), nil
}

// ResponseLength returns the buffer size needed for the response: Ne plus
// the status word.
func (c *CommandAPDU) ResponseLength() int {
	return c.Ne + 2
}

// String returns a readable representation of the command meta-data.
func (c *CommandAPDU) String() string {
	if c.Body != nil {
		return fmt.Sprintf("%s | %s | P1: %02X, P2: %02X | Body: %X",
			c.Class, c.Instruction, c.P1, c.P2, c.Body)
	}
	return fmt.Sprintf("%s | %s | P1: %02X, P2: %02X | Lc: %d | Le: %d",
		c.Class, c.Instruction, c.P1, c.P2, len(c.Data), c.Ne)
}

// ResponseAPDU represents the reply from the card (R-APDU).
type ResponseAPDU struct {
	Data   []byte
	Status StatusWord
}

// ParseResponseAPDU parses raw bytes received from the card into a ResponseAPDU.
// The input must contain at least 2 bytes (SW1, SW2).
func ParseResponseAPDU(raw []byte) (*ResponseAPDU, error) {
	if len(raw) < 2 {
		return nil, fmt.Errorf("%w: length %d, expected at least 2 bytes", ErrResponseTooShort, len(raw))
	}

	indexSW1 := len(raw) - 2

	return &ResponseAPDU{
		Data:   raw[:indexSW1],
		Status: NewStatusWord(raw[indexSW1], raw[indexSW1+1]),
	}, nil
}

// Err returns a *StatusError unless the status word is 0x9000.
func (r *ResponseAPDU) Err() error {
	if r.Status.IsSuccess() {
		return nil
	}
	return &StatusError{Status: r.Status}
}

// String returns a readable representation of the response.
func (r *ResponseAPDU) String() string {
	return fmt.Sprintf("Data (%d bytes) | Status: %s", len(r.Data), r.Status.Verbose())
}

// CheckResponse validates a raw response and returns its data field.
// Responses shorter than 2 bytes yield ErrResponseTooShort; any status other
// than 0x9000 yields a *StatusError.
func CheckResponse(raw []byte) ([]byte, error) {
	resp, err := ParseResponseAPDU(raw)
	if err != nil {
		return nil, err
	}
	if err := resp.Err(); err != nil {
		return nil, err
	}
	return resp.Data, nil
}

// StatusError reports a response whose status word is not 0x9000.
type StatusError struct {
	Status StatusWord
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("status code 0x%04x: %s", uint16(e.Status), e.Status.Verbose())
}
