package iso7816

import (
	"fmt"

	"github.com/gregLibert/nfc-pcsc/pkg/bits"
)

// Dynamic Status Word Logic:
//
// Most Status Words are static values (0x9000, 0x6A82...). ISO 7816-4 also
// defines ranges whose low byte carries information:
//
//  1. '61XX': Process completed, XX more bytes available (GET RESPONSE).
//  2. '6CXX': Wrong length, XX is the correct Le.
//  3. '63CX': Counter management, X is a counter (remaining retries).
//
// Contactless PC/SC readers mostly answer 0x9000 or 0x6300 (operation
// failed); the other codes surface when commands reach ISO 14443-4 cards.

// StatusWord represents the two-byte status response (SW1-SW2).
type StatusWord uint16

// NewStatusWord creates a StatusWord instance from two separate bytes.
func NewStatusWord(sw1, sw2 byte) StatusWord {
	return StatusWord(uint16(sw1)<<8 | uint16(sw2))
}

// SW1 returns the first byte (high byte) of the status word.
func (sw StatusWord) SW1() byte {
	return byte(sw >> 8)
}

// SW2 returns the second byte (low byte) of the status word.
func (sw StatusWord) SW2() byte {
	return byte(sw)
}

// IsSuccess returns true only for 0x9000.
func (sw StatusWord) IsSuccess() bool {
	return sw == SW_NO_ERROR
}

// MoreDataAvailable reports a '61XX' status.
func (sw StatusWord) MoreDataAvailable() bool {
	return sw.SW1() == 0x61
}

// IsCounter checks if the status carries a counter ('63CX').
func (sw StatusWord) IsCounter() bool {
	return sw.SW1() == 0x63 && bits.GetRange(sw.SW2(), 8, 5) == 0x0C
}

// IsWarning returns true if the status indicates a warning (62XX or 63XX).
func (sw StatusWord) IsWarning() bool {
	sw1 := sw.SW1()
	return sw1 == 0x62 || sw1 == 0x63
}

// IsError returns true if the status indicates an execution or checking error (64XX to 6FXX).
func (sw StatusWord) IsError() bool {
	sw1 := sw.SW1()
	return sw1 >= 0x64 && sw1 <= 0x6F
}

// String returns the constant name for known codes.
func (sw StatusWord) String() string {
	if name, ok := statusNames[sw]; ok {
		return name
	}
	return fmt.Sprintf("StatusWord(0x%04X)", uint16(sw))
}

// Verbose returns a human-readable description of the status word.
func (sw StatusWord) Verbose() string {
	sw2 := sw.SW2()

	switch {
	case sw.IsCounter():
		return fmt.Sprintf("[%04X] Warning: counter = %d", uint16(sw), bits.GetRange(sw2, 4, 1))
	case sw.MoreDataAvailable():
		return fmt.Sprintf("[%04X] Process completed, %d bytes available", uint16(sw), sw2)
	case sw.SW1() == 0x6C:
		return fmt.Sprintf("[%04X] Wrong length, correct Le is %d", uint16(sw), sw2)
	}

	if desc, ok := statusDescriptions[sw]; ok {
		return fmt.Sprintf("[%04X] %s", uint16(sw), desc)
	}
	return fmt.Sprintf("[%04X] %s", uint16(sw), sw.genericCategoryDescription())
}

// genericCategoryDescription provides a fallback description based on SW1.
func (sw StatusWord) genericCategoryDescription() string {
	switch sw.SW1() {
	case 0x62:
		return "Warning: NV memory unchanged"
	case 0x63:
		return "Warning: NV memory changed"
	case 0x64:
		return "Execution Error: NV memory unchanged"
	case 0x65:
		return "Execution Error: NV memory changed"
	case 0x66:
		return "Execution Error: Security issue"
	case 0x68:
		return "Checking Error: Function not supported"
	case 0x69:
		return "Checking Error: Command not allowed"
	case 0x6A:
		return "Checking Error: Wrong parameters"
	default:
		return "Unknown Status"
	}
}

// Status Word codes returned by contactless readers and ISO 14443-4 cards.
const (
	SW_NO_ERROR StatusWord = 0x9000

	// SW_OPERATION_FAILED is the PC/SC part 3 generic failure (bad key, no card in field...).
	SW_OPERATION_FAILED StatusWord = 0x6300
	SW_WARN_EOF_REACHED StatusWord = 0x6282
	SW_WARN_COUNTER_0   StatusWord = 0x63C0

	SW_ERR_WRONG_LENGTH            StatusWord = 0x6700
	SW_ERR_SECURITY_STATUS_NOT_SAT StatusWord = 0x6982
	SW_ERR_AUTH_METHOD_BLOCKED     StatusWord = 0x6983
	SW_ERR_COND_OF_USE_NOT_SAT     StatusWord = 0x6985
	SW_ERR_CMD_NOT_ALLOWED_NO_EF   StatusWord = 0x6986
	SW_ERR_FUNC_NOT_SUPPORTED      StatusWord = 0x6A81
	SW_ERR_FILE_NOT_FOUND          StatusWord = 0x6A82
	SW_ERR_INCORRECT_PARAMS_P1P2   StatusWord = 0x6A86
	SW_ERR_WRONG_P1P2              StatusWord = 0x6B00
	SW_ERR_INS_INVALID             StatusWord = 0x6D00
	SW_ERR_CLA_NOT_SUPPORTED       StatusWord = 0x6E00
	SW_ERR_UNKNOWN                 StatusWord = 0x6F00
)

var statusNames = map[StatusWord]string{
	SW_NO_ERROR:                    "SW_NO_ERROR",
	SW_OPERATION_FAILED:            "SW_OPERATION_FAILED",
	SW_WARN_EOF_REACHED:            "SW_WARN_EOF_REACHED",
	SW_WARN_COUNTER_0:              "SW_WARN_COUNTER_0",
	SW_ERR_WRONG_LENGTH:            "SW_ERR_WRONG_LENGTH",
	SW_ERR_SECURITY_STATUS_NOT_SAT: "SW_ERR_SECURITY_STATUS_NOT_SAT",
	SW_ERR_AUTH_METHOD_BLOCKED:     "SW_ERR_AUTH_METHOD_BLOCKED",
	SW_ERR_COND_OF_USE_NOT_SAT:     "SW_ERR_COND_OF_USE_NOT_SAT",
	SW_ERR_CMD_NOT_ALLOWED_NO_EF:   "SW_ERR_CMD_NOT_ALLOWED_NO_EF",
	SW_ERR_FUNC_NOT_SUPPORTED:      "SW_ERR_FUNC_NOT_SUPPORTED",
	SW_ERR_FILE_NOT_FOUND:          "SW_ERR_FILE_NOT_FOUND",
	SW_ERR_INCORRECT_PARAMS_P1P2:   "SW_ERR_INCORRECT_PARAMS_P1P2",
	SW_ERR_WRONG_P1P2:              "SW_ERR_WRONG_P1P2",
	SW_ERR_INS_INVALID:             "SW_ERR_INS_INVALID",
	SW_ERR_CLA_NOT_SUPPORTED:       "SW_ERR_CLA_NOT_SUPPORTED",
	SW_ERR_UNKNOWN:                 "SW_ERR_UNKNOWN",
}

var statusDescriptions = map[StatusWord]string{
	SW_NO_ERROR:                    "Success",
	SW_OPERATION_FAILED:            "Operation failed",
	SW_WARN_EOF_REACHED:            "Warning: End of file reached before Le bytes",
	SW_ERR_WRONG_LENGTH:            "Checking Error: Wrong length",
	SW_ERR_SECURITY_STATUS_NOT_SAT: "Checking Error: Security status not satisfied",
	SW_ERR_AUTH_METHOD_BLOCKED:     "Checking Error: Authentication method blocked",
	SW_ERR_COND_OF_USE_NOT_SAT:     "Checking Error: Conditions of use not satisfied",
	SW_ERR_CMD_NOT_ALLOWED_NO_EF:   "Checking Error: Command not allowed (no current EF)",
	SW_ERR_FUNC_NOT_SUPPORTED:      "Checking Error: Function not supported",
	SW_ERR_FILE_NOT_FOUND:          "Checking Error: File or application not found",
	SW_ERR_INCORRECT_PARAMS_P1P2:   "Checking Error: Incorrect parameters P1-P2",
	SW_ERR_WRONG_P1P2:              "Checking Error: Wrong parameters P1-P2",
	SW_ERR_INS_INVALID:             "Checking Error: Instruction not supported",
	SW_ERR_CLA_NOT_SUPPORTED:       "Checking Error: Class not supported",
	SW_ERR_UNKNOWN:                 "Checking Error: No precise diagnosis",
}
