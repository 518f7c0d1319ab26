package pcsc

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/gregLibert/nfc-pcsc/internal/syncutil"
	"github.com/juju/loggo"
	"github.com/rcrowley/go-metrics"
)

var managerLogger = loggo.GetLogger("pcsc.manager")

// Manager turns the readers reported by a Monitor into Reader sessions.
//
// Reader handlers run on the manager goroutine before the session starts, so
// handlers registered there see every event of the new reader.
type Manager struct {
	monitor  Monitor
	opts     []Option
	registry metrics.Registry

	mu        syncutil.Mutex
	readers   map[*Reader]struct{}
	readerFns []func(*Reader)
	errorFns  []func(error)
	closed    bool
	startOnce sync.Once
	quit      chan struct{}
	done      chan struct{}
}

// NewManager creates a manager for monitor. opts apply to every reader.
// Unless opts contain WithMetrics, readers share a registry owned by the
// manager.
func NewManager(monitor Monitor, opts ...Option) *Manager {
	m := &Manager{
		monitor:  monitor,
		registry: metrics.NewRegistry(),
		readers:  make(map[*Reader]struct{}),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	m.opts = append([]Option{WithMetrics(m.registry)}, opts...)
	return m
}

// Metrics returns the registry readers report to by default.
func (m *Manager) Metrics() metrics.Registry {
	return m.registry
}

// OnReader registers fn for newly attached readers.
func (m *Manager) OnReader(fn func(*Reader)) {
	m.mu.Lock()
	m.readerFns = append(m.readerFns, fn)
	m.mu.Unlock()
}

// OnError registers fn for errors of the monitor and for readers that
// could not be set up.
func (m *Manager) OnError(fn func(error)) {
	m.mu.Lock()
	m.errorFns = append(m.errorFns, fn)
	m.mu.Unlock()
}

// Readers returns the live sessions sorted by name.
func (m *Manager) Readers() []*Reader {
	m.mu.Lock()
	out := make([]*Reader, 0, len(m.readers))
	for r := range m.readers {
		out = append(out, r)
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// Start begins consuming the monitor.
func (m *Manager) Start() {
	m.startOnce.Do(func() {
		go m.run()
	})
}

func (m *Manager) run() {
	defer close(m.done)

	readers, errs := m.monitor.Readers(), m.monitor.Errors()
	for readers != nil || errs != nil {
		select {
		case <-m.quit:
			return
		case t, ok := <-readers:
			if !ok {
				readers = nil
				continue
			}
			m.attach(t)
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			managerLogger.Warningf("monitor error: %v", err)
			m.emitError(err)
		}
	}
}

func (m *Manager) attach(t Transport) {
	r, err := NewReader(t, m.opts...)
	if err != nil {
		managerLogger.Errorf("reader %q: %v", t.Name(), err)
		_ = t.Close()
		m.emitError(fmt.Errorf("reader %q: %w", t.Name(), err))
		return
	}

	r.onClose = func() { m.detach(r) }

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		_ = r.Close()
		return
	}
	m.readers[r] = struct{}{}
	fns := slices.Clone(m.readerFns)
	m.mu.Unlock()

	managerLogger.Infof("reader attached: %s", r.Name())
	for _, fn := range fns {
		fn(r)
	}
	r.Start()
}

// detach forgets a reader that was removed or closed.
func (m *Manager) detach(r *Reader) {
	m.mu.Lock()
	_, ok := m.readers[r]
	delete(m.readers, r)
	m.mu.Unlock()
	if ok {
		managerLogger.Infof("reader detached: %s", r.Name())
	}
}

func (m *Manager) emitError(err error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	fns := slices.Clone(m.errorFns)
	m.mu.Unlock()

	for _, fn := range fns {
		fn(err)
	}
}

// Close stops the manager, closes every live reader, then the monitor.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	m.closed = true
	m.mu.Unlock()

	close(m.quit)
	m.startOnce.Do(func() { close(m.done) })
	<-m.done

	var errs []error
	for _, r := range m.Readers() {
		if err := r.Close(); err != nil && !errors.Is(err, ErrClosed) {
			errs = append(errs, err)
		}
	}
	m.mu.Lock()
	clear(m.readers)
	m.mu.Unlock()

	if err := m.monitor.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close monitor: %w", err))
	}
	return errors.Join(errs...)
}
