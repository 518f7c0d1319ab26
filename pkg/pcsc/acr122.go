package pcsc

import (
	"context"
	"fmt"
	"strings"

	"github.com/gregLibert/nfc-pcsc/pkg/iso7816"
)

// Feedback is a predefined LED and buzzer pattern of ACS ACR122 readers.
type Feedback int

const (
	// FeedbackSuccess: green, one beep.
	FeedbackSuccess Feedback = iota + 1
	// FeedbackSuccessMultiple: green, five beeps.
	FeedbackSuccessMultiple
	// FeedbackError: red, one long beep.
	FeedbackError
	// FeedbackErrorSimple: red, two beeps.
	FeedbackErrorSimple
	// FeedbackFatalError: red, four slow beeps.
	FeedbackFatalError
)

func (f Feedback) String() string {
	switch f {
	case FeedbackSuccess:
		return "SUCCESS"
	case FeedbackSuccessMultiple:
		return "SUCCESS_MULTIPLE"
	case FeedbackError:
		return "ERROR"
	case FeedbackErrorSimple:
		return "ERROR_SIMPLE"
	case FeedbackFatalError:
		return "FATAL_ERROR"
	default:
		return fmt.Sprintf("Feedback(%d)", int(f))
	}
}

// BlinkTiming is the data field of the LED command: T1 and T2 durations in
// units of 100 ms, the number of repetitions and the buzzer link.
type BlinkTiming [4]byte

// LED state bits: final red/green state, state masks, initial blinking
// state and blinking masks.
const (
	ledRedPattern   byte = 0b01011101
	ledGreenPattern byte = 0b00101110
)

type feedbackPattern struct {
	led    byte
	timing BlinkTiming
}

var feedbackPatterns = map[Feedback]feedbackPattern{
	FeedbackError:           {ledRedPattern, BlinkTiming{0x02, 0x01, 0x03, 0x01}},
	FeedbackFatalError:      {ledRedPattern, BlinkTiming{0x03, 0x01, 0x05, 0x01}},
	FeedbackErrorSimple:     {ledRedPattern, BlinkTiming{0x02, 0x01, 0x03, 0x01}},
	FeedbackSuccess:         {ledGreenPattern, BlinkTiming{0x01, 0x01, 0x02, 0x01}},
	FeedbackSuccessMultiple: {ledGreenPattern, BlinkTiming{0x05, 0x01, 0x03, 0x01}},
}

// escapeResponseLength fits the 2-byte answer of ACR122 escape commands.
const escapeResponseLength = 2

// ACR122 drives the LED and buzzer of ACS ACR122 and ACR125 readers
// through escape commands on a direct connection.
type ACR122 struct {
	r *Reader
}

// NewACR122 returns the ACR122 extension of r regardless of its name.
func NewACR122(r *Reader) *ACR122 {
	return &ACR122{r: r}
}

// IsACR122 reports whether name designates an ACS ACR122 or ACR125 reader.
func IsACR122(name string) bool {
	n := strings.ToLower(name)
	return strings.Contains(n, "acr122") || strings.Contains(n, "acr125")
}

// ACR122 returns the ACR122 extension when the reader is one.
func (r *Reader) ACR122() (*ACR122, bool) {
	if !IsACR122(r.name) {
		return nil, false
	}
	return NewACR122(r), true
}

// SetFeedback plays f. A non-nil timing replaces the pattern's timing. The
// raw reader response is returned.
func (a *ACR122) SetFeedback(ctx context.Context, f Feedback, timing *BlinkTiming) ([]byte, error) {
	p, ok := feedbackPatterns[f]
	if !ok {
		return nil, newError(KindControl, CodeInvalidMode, fmt.Sprintf("unknown feedback %s", f), nil)
	}
	if timing != nil {
		p.timing = *timing
	}
	return a.escape(ctx, iso7816.LEDControl(p.led, p.timing))
}

// SetBuzzer turns the beep on card detection on or off.
func (a *ACR122) SetBuzzer(ctx context.Context, enabled bool) ([]byte, error) {
	return a.escape(ctx, iso7816.BuzzerControl(enabled))
}

func (a *ACR122) escape(ctx context.Context, cmd *iso7816.CommandAPDU) ([]byte, error) {
	if _, err := a.r.Connect(ctx, ModeDirect); err != nil {
		return nil, newError(KindConnect, CodeOperationFailed, "failed to communicate with reader", err)
	}
	raw, err := cmd.Bytes()
	if err != nil {
		return nil, newError(KindControl, CodeFailure, "", err)
	}
	return a.r.Control(ctx, raw, escapeResponseLength)
}
