package reconciler

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exports sweep outcomes.  A nil *Metrics records nothing.
type Metrics struct {
	rows     *prometheus.CounterVec
	duration prometheus.Histogram
}

// NewMetrics registers the reconciler collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		rows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "reservation",
			Subsystem: "reconciler",
			Name:      "rows_total",
			Help:      "Reservations handled by lifecycle sweeps, by outcome.",
		}, []string{"outcome"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "reservation",
			Subsystem: "reconciler",
			Name:      "sweep_duration_seconds",
			Help:      "Wall time of one lifecycle sweep.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
	reg.MustRegister(m.rows, m.duration)
	return m
}

func (m *Metrics) observe(r Result, took time.Duration) {
	if m == nil {
		return
	}
	m.rows.WithLabelValues("expired").Add(float64(r.Expired))
	m.rows.WithLabelValues("completed").Add(float64(r.Completed))
	m.rows.WithLabelValues("skipped").Add(float64(r.Skipped))
	m.rows.WithLabelValues("failed").Add(float64(r.Failed))
	m.duration.Observe(took.Seconds())
}
