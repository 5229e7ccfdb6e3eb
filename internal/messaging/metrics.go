package messaging

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups the correlation engine's collectors.  A nil *Metrics is
// valid and records nothing, which keeps tests free of global registration.
type Metrics struct {
	pending   prometheus.Gauge
	finished  *prometheus.CounterVec
	replies   *prometheus.CounterVec
	published *prometheus.CounterVec
}

var (
	defaultMetricsOnce sync.Once
	defaultMetrics     *Metrics
)

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "reservation",
			Subsystem: "correlation",
			Name:      "pending_slots",
			Help:      "Requests currently waiting for a correlated reply.",
		}),
		finished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "reservation",
			Subsystem: "correlation",
			Name:      "slots_finished_total",
			Help:      "Pending slots removed from the registry, by final state.",
		}, []string{"state"}),
		replies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "reservation",
			Subsystem: "correlation",
			Name:      "replies_total",
			Help:      "Inbound replies by registry outcome.",
		}, []string{"outcome"}),
		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "reservation",
			Subsystem: "bus",
			Name:      "published_total",
			Help:      "Messages published to the broker, by kind and result.",
		}, []string{"kind", "result"}),
	}
	reg.MustRegister(m.pending, m.finished, m.replies, m.published)
	return m
}

// DefaultMetrics registers the collectors with the default prometheus
// registry exactly once.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		defaultMetrics = NewMetrics(prometheus.DefaultRegisterer)
	})
	return defaultMetrics
}

func (m *Metrics) slotRegistered() {
	if m == nil {
		return
	}
	m.pending.Inc()
}

func (m *Metrics) slotFinished(state SlotState) {
	if m == nil {
		return
	}
	m.pending.Dec()
	m.finished.WithLabelValues(state.String()).Inc()
}

func (m *Metrics) reply(o Outcome) {
	if m == nil {
		return
	}
	m.replies.WithLabelValues(o.String()).Inc()
}

func (m *Metrics) publish(kind Kind, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.published.WithLabelValues(string(kind), result).Inc()
}
