package pcsc

import (
	"bytes"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gregLibert/nfc-pcsc/pkg/tlv"
	"github.com/stretchr/testify/require"
)

var (
	// MIFARE Classic 1K as synthesized by PC/SC readers (byte 5 is 0x4F).
	atrMemoryCard = tlv.Hex("3B 8F 80 01 80 4F 0C A0 00 00 03 06 03 00 01 00 00 00 00 6A")
	// ISO 14443-4 smart card.
	atrSmartCard = tlv.Hex("3B 88 80 01 00 00 00 00 33 81 81 00 3A")

	swOK     = tlv.Hex("90 00")
	swFailed = tlv.Hex("63 00")
)

const eventTimeout = 2 * time.Second

type transmission struct {
	cmd    []byte
	maxLen int
}

type control struct {
	code   uint32
	cmd    []byte
	maxLen int
}

// fakeTransport is a scripted reader. respond answers every transmitted
// APDU; the default answers 90 00.
type fakeTransport struct {
	name   string
	status chan Status

	mu            sync.Mutex
	respond       func(cmd []byte) ([]byte, error)
	connectErr    error
	disconnectErr error
	closeErr      error
	modes         []ShareMode
	sent          []transmission
	controls      []control
	disconnects   int
	closed        bool
}

func newFakeTransport(name string) *fakeTransport {
	return &fakeTransport{
		name:   name,
		status: make(chan Status, 16),
	}
}

func (t *fakeTransport) Name() string          { return t.name }
func (t *fakeTransport) Status() <-chan Status { return t.status }

func (t *fakeTransport) Connect(mode ShareMode, _ Protocol) (Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.connectErr != nil {
		return nil, t.connectErr
	}
	t.modes = append(t.modes, mode)
	proto := ProtocolT1
	if mode == ShareDirect {
		proto = ProtocolUndefined
	}
	return &fakeConn{t: t, proto: proto}, nil
}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return t.closeErr
}

func (t *fakeTransport) setResponder(fn func(cmd []byte) ([]byte, error)) {
	t.mu.Lock()
	t.respond = fn
	t.mu.Unlock()
}

func (t *fakeTransport) transmissions() []transmission {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]transmission(nil), t.sent...)
}

// commands returns the transmitted APDUs starting with prefix.
func (t *fakeTransport) commands(prefix ...byte) [][]byte {
	var out [][]byte
	for _, tx := range t.transmissions() {
		if bytes.HasPrefix(tx.cmd, prefix) {
			out = append(out, tx.cmd)
		}
	}
	return out
}

func (t *fakeTransport) controlCalls() []control {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]control(nil), t.controls...)
}

func (t *fakeTransport) shareModes() []ShareMode {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]ShareMode(nil), t.modes...)
}

func (t *fakeTransport) disconnectCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.disconnects
}

func (t *fakeTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *fakeTransport) insert(atr []byte) {
	t.status <- Status{State: StatePresent | StateChanged, ATR: atr}
}

func (t *fakeTransport) remove() {
	t.status <- Status{State: StateEmpty | StateChanged}
}

type fakeConn struct {
	t     *fakeTransport
	proto Protocol
}

func (c *fakeConn) Protocol() Protocol { return c.proto }

func (c *fakeConn) Transmit(cmd []byte, maxLen int) ([]byte, error) {
	c.t.mu.Lock()
	c.t.sent = append(c.t.sent, transmission{cmd: bytes.Clone(cmd), maxLen: maxLen})
	respond := c.t.respond
	c.t.mu.Unlock()

	if respond == nil {
		return bytes.Clone(swOK), nil
	}
	resp, err := respond(cmd)
	if err != nil {
		return nil, err
	}
	if len(resp) > maxLen {
		return nil, errors.New("insufficient buffer")
	}
	return resp, nil
}

func (c *fakeConn) Control(code uint32, cmd []byte, maxLen int) ([]byte, error) {
	c.t.mu.Lock()
	defer c.t.mu.Unlock()
	c.t.controls = append(c.t.controls, control{code: code, cmd: bytes.Clone(cmd), maxLen: maxLen})
	return bytes.Clone(swOK), nil
}

func (c *fakeConn) Disconnect(Disposition) error {
	c.t.mu.Lock()
	defer c.t.mu.Unlock()
	c.t.disconnects++
	return c.t.disconnectErr
}

// events collects the notifications of a Reader.
type events struct {
	connected  chan Card
	ready      chan Card
	removed    chan Card
	errs       chan error
	readerErrs chan error
	end        chan struct{}
}

func record(r *Reader) *events {
	ev := &events{
		connected:  make(chan Card, 16),
		ready:      make(chan Card, 16),
		removed:    make(chan Card, 16),
		errs:       make(chan error, 16),
		readerErrs: make(chan error, 16),
		end:        make(chan struct{}, 1),
	}
	r.OnCardConnected(func(c Card) { ev.connected <- c })
	r.OnCard(func(c Card) { ev.ready <- c })
	r.OnCardRemoved(func(c Card) { ev.removed <- c })
	r.OnError(func(err error) { ev.errs <- err })
	r.OnReaderError(func(err error) { ev.readerErrs <- err })
	r.OnEnd(func() { ev.end <- struct{}{} })
	return ev
}

// startSession starts a reader over t and closes it when the test ends.
func startSession(t *testing.T, ft *fakeTransport, opts ...Option) (*Reader, *events) {
	t.Helper()
	r, err := NewReader(ft, opts...)
	require.NoError(t, err)
	ev := record(r)
	r.Start()
	t.Cleanup(func() { _ = r.Close() })
	return r, ev
}

// connectedSession returns a session with a memory card connected and ready.
func connectedSession(t *testing.T, ft *fakeTransport, opts ...Option) (*Reader, *events) {
	t.Helper()
	r, ev := startSession(t, ft, opts...)
	ft.insert(atrMemoryCard)
	receive(t, ev.ready)
	return r, ev
}

func receive[T any](t *testing.T, ch chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(eventTimeout):
		t.Fatalf("timed out waiting for %T", *new(T))
	}
	panic("unreachable")
}

func nothing[T any](t *testing.T, ch chan T) {
	t.Helper()
	select {
	case v := <-ch:
		t.Fatalf("unexpected %T: %v", v, v)
	case <-time.After(50 * time.Millisecond):
	}
}
