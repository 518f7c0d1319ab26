package scardtransport

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/ebfe/scard"
	"github.com/gregLibert/nfc-pcsc/pkg/pcsc"
)

// statusBuffer lets the watch loop run ahead of a busy session.
const statusBuffer = 16

// reader is the pcsc.Transport of one attached reader. Its status stream is
// written and closed by the monitor's run goroutine only.
type reader struct {
	m      *Monitor
	name   string
	status chan pcsc.Status

	// Owned by the run goroutine.
	last     scard.StateFlag
	vanished bool

	closed     atomic.Bool
	gone       chan struct{}
	closeOnce  sync.Once
	vanishOnce sync.Once
}

var _ pcsc.Transport = (*reader)(nil)

func newReader(m *Monitor, name string) *reader {
	return &reader{
		m:      m,
		name:   name,
		status: make(chan pcsc.Status, statusBuffer),
		last:   scard.StateUnaware,
		gone:   make(chan struct{}),
	}
}

func (r *reader) Name() string               { return r.name }
func (r *reader) Status() <-chan pcsc.Status { return r.status }
func (r *reader) String() string             { return r.name }
func (r *reader) isClosed() bool             { return r.closed.Load() }
func (r *reader) isVanished() bool           { return r.vanished }

// Connect opens a connection through the monitor's connection context.
func (r *reader) Connect(mode pcsc.ShareMode, preferred pcsc.Protocol) (pcsc.Conn, error) {
	if r.isClosed() {
		return nil, fmt.Errorf("%s: %w", r.name, pcsc.ErrClosed)
	}
	share, err := shareMode(mode)
	if err != nil {
		return nil, err
	}

	_, ctx := r.m.contexts()
	if ctx == nil {
		return nil, fmt.Errorf("%s: %w", r.name, pcsc.ErrClosed)
	}
	card, err := ctx.Connect(r.name, share, protocol(preferred))
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", r.name, err)
	}
	c := &conn{card: card, reader: r.name, proto: pcsc.ProtocolUndefined}
	if mode != pcsc.ShareDirect {
		if st, err := card.Status(); err == nil {
			c.proto = pcsc.Protocol(st.ActiveProtocol)
		} else {
			logger.Debugf("%s: card status: %v", r.name, err)
		}
	}
	logger.Debugf("%s: connected, share mode %d, protocol %d", r.name, share, c.proto)
	return c, nil
}

// Close stops watching the reader. The stream is closed by the monitor.
func (r *reader) Close() error {
	r.closeOnce.Do(func() {
		r.closed.Store(true)
		close(r.gone)
		r.m.wake()
	})
	return nil
}

// publish hands st to the session unless the reader or the monitor is
// shutting down.
func (r *reader) publish(st pcsc.Status, quit <-chan struct{}) {
	select {
	case r.status <- st:
	case <-r.gone:
	case <-quit:
	}
}

// vanish ends the status stream.
func (r *reader) vanish() {
	r.vanishOnce.Do(func() {
		r.vanished = true
		close(r.status)
	})
}

// conn is a pcsc.Conn over an ebfe/scard card handle.
type conn struct {
	card   *scard.Card
	reader string
	proto  pcsc.Protocol
}

var _ pcsc.Conn = (*conn)(nil)

func (c *conn) Protocol() pcsc.Protocol {
	return c.proto
}

func (c *conn) Transmit(cmd []byte, maxLen int) ([]byte, error) {
	resp, err := c.card.Transmit(cmd)
	if err != nil {
		return nil, fmt.Errorf("transmit on %s: %w", c.reader, err)
	}
	return fitResponse(resp, maxLen)
}

func (c *conn) Control(code uint32, cmd []byte, maxLen int) ([]byte, error) {
	resp, err := c.card.Control(code, cmd)
	if err != nil {
		return nil, fmt.Errorf("control %08X on %s: %w", code, c.reader, err)
	}
	return fitResponse(resp, maxLen)
}

func (c *conn) Disconnect(d pcsc.Disposition) error {
	if err := c.card.Disconnect(disposition(d)); err != nil {
		return fmt.Errorf("disconnect %s: %w", c.reader, err)
	}
	return nil
}
