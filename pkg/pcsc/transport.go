package pcsc

import "runtime"

// StateFlag mirrors the PC/SC SCARD_STATE_* reader state bits.
type StateFlag uint32

const (
	StateUnaware     StateFlag = 0x0000
	StateIgnore      StateFlag = 0x0001
	StateChanged     StateFlag = 0x0002
	StateUnknown     StateFlag = 0x0004
	StateUnavailable StateFlag = 0x0008
	StateEmpty       StateFlag = 0x0010
	StatePresent     StateFlag = 0x0020
	StateAtrMatch    StateFlag = 0x0040
	StateExclusive   StateFlag = 0x0080
	StateInUse       StateFlag = 0x0100
	StateMute        StateFlag = 0x0200
	StateUnpowered   StateFlag = 0x0400
)

// ShareMode is the PC/SC share mode requested on connect.
type ShareMode uint32

const (
	ShareExclusive ShareMode = 0x1
	ShareShared    ShareMode = 0x2
	// ShareDirect talks to the reader itself, with or without a card.
	ShareDirect ShareMode = 0x3
)

// Protocol is the transmission protocol negotiated with the card.
type Protocol uint32

const (
	ProtocolUndefined Protocol = 0x0
	ProtocolT0        Protocol = 0x1
	ProtocolT1        Protocol = 0x2
	ProtocolAny                = ProtocolT0 | ProtocolT1
)

// Disposition tells the reader what to do with the card on disconnect.
type Disposition uint32

const (
	LeaveCard Disposition = iota
	ResetCard
	UnpowerCard
	EjectCard
)

// Status is one event of a reader's status stream. Err reports a failure
// of the reader itself; State and ATR are then meaningless.
type Status struct {
	State StateFlag
	ATR   []byte
	Err   error
}

// Transport is one physical reader as seen through the PC/SC layer.
//
// Status is a stream of reader state changes; it is closed when the reader
// disappears.
type Transport interface {
	Name() string
	Status() <-chan Status
	Connect(mode ShareMode, preferred Protocol) (Conn, error)
	Close() error
}

// Conn is an open connection to a card or, in direct mode, to the reader.
//
// maxLen is the largest response the caller is prepared to receive; an
// implementation fails when the response does not fit. Sessions tell
// connections apart by identity, so implementations must be comparable,
// typically pointers.
type Conn interface {
	Protocol() Protocol
	Transmit(cmd []byte, maxLen int) ([]byte, error)
	Control(code uint32, cmd []byte, maxLen int) ([]byte, error)
	Disconnect(d Disposition) error
}

// Monitor reports readers as they are attached. Readers are closed by the
// consumer; the Readers channel is closed when the monitor stops.
type Monitor interface {
	Readers() <-chan Transport
	Errors() <-chan error
	Close() error
}

// ControlCode returns the platform value of SCARD_CTL_CODE(code).
func ControlCode(code uint32) uint32 {
	if runtime.GOOS == "windows" {
		return 0x00310000 | code<<2
	}
	return 0x42000000 + code
}

// EscapeControlCode is the CCID escape IOCTL, SCARD_CTL_CODE(3500).
func EscapeControlCode() uint32 {
	return ControlCode(3500)
}
