// Package scardtransport implements the pcsc transport boundary on top of
// the system PC/SC service through github.com/ebfe/scard.
//
// A Monitor holds two PC/SC contexts: one blocks in GetStatusChange to watch
// every reader and the plug-and-play pseudo reader, the other serves card
// and direct connections.
package scardtransport

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ebfe/scard"
	"github.com/gregLibert/nfc-pcsc/internal/syncutil"
	"github.com/gregLibert/nfc-pcsc/pkg/pcsc"
	"github.com/juju/loggo"
)

var logger = loggo.GetLogger("scardtransport")

// pnpReader is the pseudo reader that reports reader attach and detach.
const pnpReader = `\\?PnP?\Notification`

const (
	// pollInterval bounds a wait when the service has no PnP support.
	pollInterval = time.Second
	// retryDelay separates attempts after a service failure.
	retryDelay = 2 * time.Second
)

// Monitor reports PC/SC readers as they are attached and feeds each one its
// status stream.
type Monitor struct {
	readers chan pcsc.Transport
	errs    chan error

	mu    syncutil.Mutex
	watch *scard.Context
	conn  *scard.Context

	// Owned by the run goroutine.
	known  map[string]*reader
	pnp    scard.StateFlag
	hasPnP bool

	closeOnce sync.Once
	quit      chan struct{}
	done      chan struct{}
}

var _ pcsc.Monitor = (*Monitor)(nil)

// NewMonitor establishes the PC/SC contexts and starts watching.
func NewMonitor() (*Monitor, error) {
	watch, conn, err := establish()
	if err != nil {
		return nil, err
	}
	m := &Monitor{
		readers: make(chan pcsc.Transport),
		errs:    make(chan error, 4),
		watch:   watch,
		conn:    conn,
		known:   make(map[string]*reader),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	m.hasPnP = m.detectPnP()
	go m.run()
	return m, nil
}

func establish() (watch, conn *scard.Context, err error) {
	watch, err = scard.EstablishContext()
	if err != nil {
		return nil, nil, fmt.Errorf("establish watch context: %w", err)
	}
	conn, err = scard.EstablishContext()
	if err != nil {
		_ = watch.Release()
		return nil, nil, fmt.Errorf("establish connection context: %w", err)
	}
	return watch, conn, nil
}

// Readers implements pcsc.Monitor.
func (m *Monitor) Readers() <-chan pcsc.Transport { return m.readers }

// Errors implements pcsc.Monitor.
func (m *Monitor) Errors() <-chan error { return m.errs }

// Close stops watching and releases both contexts. Status streams of
// readers still attached are closed.
func (m *Monitor) Close() error {
	err := pcsc.ErrClosed
	m.closeOnce.Do(func() {
		close(m.quit)
		m.wake()
		for stopped := false; !stopped; {
			select {
			case <-m.done:
				stopped = true
			case <-time.After(100 * time.Millisecond):
				// The cancel may have landed between two waits.
				m.wake()
			}
		}

		m.mu.Lock()
		defer m.mu.Unlock()
		err = errors.Join(release(m.watch), release(m.conn))
		m.watch, m.conn = nil, nil
	})
	return err
}

func release(ctx *scard.Context) error {
	if ctx == nil {
		return nil
	}
	return ctx.Release()
}

// wake interrupts a pending GetStatusChange.
func (m *Monitor) wake() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.watch != nil {
		if err := m.watch.Cancel(); err != nil {
			logger.Debugf("cancel status wait: %v", err)
		}
	}
}

func (m *Monitor) contexts() (watch, conn *scard.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.watch, m.conn
}

// detectPnP reports whether the service understands the PnP pseudo reader.
func (m *Monitor) detectPnP() bool {
	watch, _ := m.contexts()
	rs := []scard.ReaderState{{Reader: pnpReader, CurrentState: scard.StateUnaware}}
	if err := watch.GetStatusChange(rs, 0); err != nil && !errors.Is(err, scard.ErrTimeout) {
		logger.Debugf("pnp check: %v", err)
		return false
	}
	if rs[0].EventState&scard.StateUnknown != 0 {
		logger.Infof("pnp notifications unsupported, polling every %s", pollInterval)
		return false
	}
	m.pnp = rs[0].EventState
	return true
}

func (m *Monitor) stopped() bool {
	select {
	case <-m.quit:
		return true
	default:
		return false
	}
}

func (m *Monitor) run() {
	defer close(m.done)
	defer func() {
		for name, r := range m.known {
			r.vanish()
			delete(m.known, name)
		}
		close(m.readers)
		close(m.errs)
	}()

	for !m.stopped() {
		if err := m.refresh(); err != nil {
			if !m.handleFailure(err) {
				return
			}
			continue
		}
		if err := m.wait(); err != nil {
			if !m.handleFailure(err) {
				return
			}
		}
	}
}

// refresh reconciles the watched readers with the service's reader list.
func (m *Monitor) refresh() error {
	watch, _ := m.contexts()
	names, err := watch.ListReaders()
	if err != nil && !errors.Is(err, scard.ErrNoReadersAvailable) {
		return fmt.Errorf("list readers: %w", err)
	}

	added, removed := diffReaders(m.known, names)
	for _, name := range removed {
		logger.Infof("reader detached: %s", name)
		m.known[name].vanish()
		delete(m.known, name)
	}
	for _, name := range added {
		r := newReader(m, name)
		m.known[name] = r
		logger.Infof("reader attached: %s", name)
		select {
		case m.readers <- r:
		case <-m.quit:
			return nil
		}
	}

	// Readers closed by their consumer stay known, unwatched, until detached.
	for _, r := range m.known {
		if r.isClosed() {
			r.vanish()
		}
	}
	return nil
}

// wait blocks until a watched reader or the reader list changes.
func (m *Monitor) wait() error {
	watched := m.watched()
	rs := readerStates(watched, m.hasPnP, m.pnp)
	if len(rs) == 0 {
		select {
		case <-m.quit:
		case <-time.After(pollInterval):
		}
		return nil
	}

	timeout := time.Duration(-1)
	if !m.hasPnP {
		timeout = pollInterval
	}

	watch, _ := m.contexts()
	err := watch.GetStatusChange(rs, timeout)
	switch {
	case errors.Is(err, scard.ErrTimeout), errors.Is(err, scard.ErrCancelled), errors.Is(err, scard.ErrUnknownReader):
		return nil
	case err != nil:
		return fmt.Errorf("wait for status change: %w", err)
	}

	for i, r := range watched {
		m.dispatch(r, rs[i])
	}
	if m.hasPnP {
		m.pnp = rs[len(rs)-1].EventState
	}
	return nil
}

func (m *Monitor) watched() []*reader {
	out := make([]*reader, 0, len(m.known))
	for _, r := range m.known {
		if !r.isVanished() {
			out = append(out, r)
		}
	}
	sortReaders(out)
	return out
}

// dispatch forwards one reader's status change to its stream.
func (m *Monitor) dispatch(r *reader, rs scard.ReaderState) {
	if rs.EventState&scard.StateChanged == 0 {
		return
	}
	if rs.EventState&(scard.StateUnknown|scard.StateIgnore) != 0 {
		logger.Debugf("%s: reader gone", r.name)
		r.vanish()
		return
	}
	r.last = rs.EventState
	r.publish(pcsc.Status{
		State: statusFlags(rs.EventState),
		ATR:   append([]byte(nil), rs.Atr...),
	}, m.quit)
}

// handleFailure handles a failed refresh or wait. It returns false once the
// monitor is closing.
func (m *Monitor) handleFailure(err error) bool {
	if m.stopped() {
		return false
	}

	logger.Warningf("%v", err)
	select {
	case m.errs <- err:
	default:
		logger.Debugf("error dropped, nobody listening: %v", err)
	}

	if errors.Is(err, scard.ErrNoService) || errors.Is(err, scard.ErrServiceStopped) || errors.Is(err, scard.ErrInvalidHandle) {
		for name, r := range m.known {
			r.vanish()
			delete(m.known, name)
		}
		if !m.sleep(retryDelay) {
			return false
		}
		return m.reestablish()
	}
	return m.sleep(retryDelay)
}

func (m *Monitor) sleep(d time.Duration) bool {
	select {
	case <-m.quit:
		return false
	case <-time.After(d):
		return true
	}
}

// reestablish replaces both contexts after the service went away.
func (m *Monitor) reestablish() bool {
	for {
		watch, conn, err := establish()
		if err == nil {
			m.mu.Lock()
			old := []*scard.Context{m.watch, m.conn}
			m.watch, m.conn = watch, conn
			m.mu.Unlock()
			for _, ctx := range old {
				_ = release(ctx)
			}
			m.hasPnP = m.detectPnP()
			logger.Infof("pcsc service available again")
			return true
		}
		logger.Debugf("%v", err)
		if !m.sleep(retryDelay) {
			return false
		}
	}
}
