package pcsc

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gregLibert/nfc-pcsc/pkg/iso7816"
)

// Kind groups failures by the operation that raised them.
type Kind int

const (
	KindUnknown Kind = iota
	KindConnect
	KindDisconnect
	KindTransmit
	KindControl
	KindGetUID
	KindSelect
	KindLoadKey
	KindAuthenticate
	KindRead
	KindWrite
	KindClose
)

var kindNames = [...]string{
	KindUnknown:      "unknown",
	KindConnect:      "connect",
	KindDisconnect:   "disconnect",
	KindTransmit:     "transmit",
	KindControl:      "control",
	KindGetUID:       "get uid",
	KindSelect:       "select",
	KindLoadKey:      "load key",
	KindAuthenticate: "authenticate",
	KindRead:         "read",
	KindWrite:        "write",
	KindClose:        "close",
}

func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return fmt.Sprintf("Kind(%d)", int(k))
	}
	return kindNames[k]
}

// Code is the machine-readable reason carried by an Error.
type Code string

const (
	CodeUnknown           Code = "unknown_error"
	CodeFailure           Code = "failure"
	CodeCardNotConnected  Code = "card_not_connected"
	CodeNotConnected      Code = "not_connected"
	CodeInvalidMode       Code = "invalid_mode"
	CodeOperationFailed   Code = "operation_failed"
	CodeInvalidResponse   Code = "invalid_response"
	CodeInvalidKeyNumber  Code = "invalid_key_number"
	CodeInvalidKey        Code = "invalid_key"
	CodeInvalidDataLength Code = "invalid_data_length"
	CodeInvalidBlock      Code = "invalid_block"
	CodeUnableToLoadKey   Code = "unable_to_load_key"
)

// ErrClosed is wrapped by every error returned after the reader was closed.
var ErrClosed = errors.New("reader closed")

// Error is returned by every Reader operation and delivered to OnError
// handlers.
//
// Status is set when the card or the reader answered with a status word
// other than 0x9000. Err is the lower-level cause, if any.
type Error struct {
	Kind    Kind
	Code    Code
	Message string
	Status  iso7816.StatusWord
	Err     error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.String())
	b.WriteString(": ")

	if e.Message == "" {
		b.WriteString(string(e.Code))
		if e.Err != nil {
			b.WriteString("-(PREV): ")
			b.WriteString(e.Err.Error())
		}
		return b.String()
	}

	b.WriteString(e.Message)
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(kind Kind, code Code, msg string, cause error) *Error {
	return &Error{Kind: kind, Code: code, Message: msg, Err: cause}
}

// statusError builds an operation_failed error for a rejected command.
func statusError(kind Kind, what string, sw iso7816.StatusWord) *Error {
	return &Error{
		Kind:    kind,
		Code:    CodeOperationFailed,
		Message: fmt.Sprintf("%s operation failed: status code 0x%04x", what, uint16(sw)),
		Status:  sw,
		Err:     &iso7816.StatusError{Status: sw},
	}
}

// checkResponse validates a raw response and returns its data field. A
// response without a status word is invalid_response, a status other than
// 0x9000 is operation_failed.
func checkResponse(kind Kind, what string, raw []byte) ([]byte, error) {
	data, err := iso7816.CheckResponse(raw)
	if err == nil {
		return data, nil
	}

	var se *iso7816.StatusError
	if errors.As(err, &se) {
		return nil, statusError(kind, what, se.Status)
	}
	return nil, newError(kind, CodeInvalidResponse,
		fmt.Sprintf("%s operation failed: invalid response length %d, expected at least 2 bytes", what, len(raw)), err)
}

// KindOf returns the Kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// CodeOf returns the Code of the first *Error in err's chain.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeUnknown
}

// StatusOf returns the status word carried by err, if any.
func StatusOf(err error) (iso7816.StatusWord, bool) {
	var e *Error
	if errors.As(err, &e) && e.Status != 0 {
		return e.Status, true
	}
	var se *iso7816.StatusError
	if errors.As(err, &se) {
		return se.Status, true
	}
	return 0, false
}
