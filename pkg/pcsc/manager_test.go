package pcsc

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gregLibert/nfc-pcsc/pkg/tlv"
	"github.com/rcrowley/go-metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeMonitor struct {
	readers chan Transport
	errs    chan error

	mu     sync.Mutex
	closed bool
}

func newFakeMonitor() *fakeMonitor {
	return &fakeMonitor{
		readers: make(chan Transport, 4),
		errs:    make(chan error, 4),
	}
}

func (m *fakeMonitor) Readers() <-chan Transport { return m.readers }
func (m *fakeMonitor) Errors() <-chan error      { return m.errs }

func (m *fakeMonitor) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *fakeMonitor) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// startManager returns a started manager that forwards attached readers
// and their ready cards.
func startManager(t *testing.T, mon *fakeMonitor) (*Manager, chan *Reader, chan Card) {
	t.Helper()
	m := NewManager(mon)
	attached := make(chan *Reader, 4)
	ready := make(chan Card, 4)
	m.OnReader(func(r *Reader) {
		r.OnCard(func(c Card) { ready <- c })
		attached <- r
	})
	m.Start()
	t.Cleanup(func() { _ = m.Close() })
	return m, attached, ready
}

func TestManager_AttachesReaders(t *testing.T) {
	mon := newFakeMonitor()
	m, attached, ready := startManager(t, mon)

	second := newFakeTransport("reader B")
	first := newFakeTransport("reader A")
	mon.readers <- second
	mon.readers <- first
	receive(t, attached)
	receive(t, attached)

	readers := m.Readers()
	require.Len(t, readers, 2)
	assert.Equal(t, "reader A", readers[0].Name())
	assert.Equal(t, "reader B", readers[1].Name())

	first.setResponder(func([]byte) ([]byte, error) { return tlv.Hex("04 A2 2B 1A 9000"), nil })
	first.insert(atrMemoryCard)
	card := receive(t, ready)
	assert.Equal(t, "04a22b1a", card.UID)

	counter, ok := m.Metrics().Get(MetricCardsDetected).(metrics.Counter)
	require.True(t, ok)
	assert.Equal(t, int64(1), counter.Count())
}

func TestManager_DetachesEndedReaders(t *testing.T) {
	mon := newFakeMonitor()
	m, attached, _ := startManager(t, mon)

	ft := newFakeTransport("reader")
	mon.readers <- ft
	r := receive(t, attached)

	close(ft.status)
	require.Eventually(t, func() bool { return len(m.Readers()) == 0 }, eventTimeout, 10*time.Millisecond)
	assert.True(t, r.Closed())
	assert.True(t, ft.isClosed())
}

func TestManager_DropsClosedReaders(t *testing.T) {
	mon := newFakeMonitor()
	m, attached, _ := startManager(t, mon)

	first, second := newFakeTransport("reader A"), newFakeTransport("reader B")
	mon.readers <- first
	mon.readers <- second
	r := receive(t, attached)
	receive(t, attached)
	require.Len(t, m.Readers(), 2)

	require.NoError(t, r.Close())
	readers := m.Readers()
	require.Len(t, readers, 1)
	assert.NotSame(t, r, readers[0])
	assert.False(t, readers[0].Closed())
}

func TestManager_MonitorErrors(t *testing.T) {
	mon := newFakeMonitor()
	m := NewManager(mon)
	errs := make(chan error, 1)
	m.OnError(func(err error) { errs <- err })
	m.Start()
	t.Cleanup(func() { _ = m.Close() })

	cause := errors.New("service stopped")
	mon.errs <- cause
	assert.Equal(t, cause, receive(t, errs))
}

func TestManager_InvalidOptions(t *testing.T) {
	mon := newFakeMonitor()
	m := NewManager(mon, WithMetrics(nil))
	errs := make(chan error, 1)
	m.OnError(func(err error) { errs <- err })
	m.Start()
	t.Cleanup(func() { _ = m.Close() })

	ft := newFakeTransport("reader")
	mon.readers <- ft
	err := receive(t, errs)
	assert.Contains(t, err.Error(), `reader "reader"`)
	assert.True(t, ft.isClosed())
	assert.Empty(t, m.Readers())
}

func TestManager_Close(t *testing.T) {
	mon := newFakeMonitor()
	m, attached, _ := startManager(t, mon)

	ft := newFakeTransport("reader")
	mon.readers <- ft
	r := receive(t, attached)

	require.NoError(t, m.Close())
	assert.True(t, r.Closed())
	assert.True(t, ft.isClosed())
	assert.True(t, mon.isClosed())
	assert.Empty(t, m.Readers())
	assert.ErrorIs(t, m.Close(), ErrClosed)
}

func TestManager_CloseWithoutStart(t *testing.T) {
	mon := newFakeMonitor()
	m := NewManager(mon)

	require.NoError(t, m.Close())
	assert.True(t, mon.isClosed())
}
