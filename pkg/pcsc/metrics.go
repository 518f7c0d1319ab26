package pcsc

import (
	"time"

	"github.com/rcrowley/go-metrics"
)

// Metric names registered by every session.
const (
	MetricAPDUSent      = "pcsc.apdu.sent"
	MetricAPDUFailed    = "pcsc.apdu.failed"
	MetricAPDULatency   = "pcsc.apdu.latency"
	MetricKeyLoads      = "pcsc.key.loads"
	MetricKeyHits       = "pcsc.key.hits"
	MetricCardsDetected = "pcsc.cards.detected"
)

type sessionMetrics struct {
	sent     metrics.Counter
	failed   metrics.Counter
	latency  metrics.Timer
	loads    metrics.Counter
	hits     metrics.Counter
	detected metrics.Counter
}

// newSessionMetrics gets or registers the counters in registry, so readers
// sharing a registry share the totals.
func newSessionMetrics(registry metrics.Registry) *sessionMetrics {
	return &sessionMetrics{
		sent:     metrics.GetOrRegisterCounter(MetricAPDUSent, registry),
		failed:   metrics.GetOrRegisterCounter(MetricAPDUFailed, registry),
		latency:  metrics.GetOrRegisterTimer(MetricAPDULatency, registry),
		loads:    metrics.GetOrRegisterCounter(MetricKeyLoads, registry),
		hits:     metrics.GetOrRegisterCounter(MetricKeyHits, registry),
		detected: metrics.GetOrRegisterCounter(MetricCardsDetected, registry),
	}
}

func (m *sessionMetrics) exchange(start time.Time, err error) {
	m.sent.Inc(1)
	m.latency.UpdateSince(start)
	if err != nil {
		m.failed.Inc(1)
	}
}
