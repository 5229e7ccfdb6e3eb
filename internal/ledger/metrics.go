package ledger

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts ledger operations by outcome.  A nil *Metrics records
// nothing.
type Metrics struct {
	ops *prometheus.CounterVec
}

var (
	defaultMetricsOnce sync.Once
	defaultMetrics     *Metrics
)

// NewMetrics registers the ledger collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{ops: prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "reservation",
		Subsystem: "quota",
		Name:      "operations_total",
		Help:      "Quota ledger operations by kind and whether the conditional update applied.",
	}, []string{"op", "applied"})}
	reg.MustRegister(m.ops)
	return m
}

// DefaultMetrics registers with the default registry once.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() { defaultMetrics = NewMetrics(prometheus.DefaultRegisterer) })
	return defaultMetrics
}

func (m *Metrics) observe(op string, applied bool) {
	if m == nil {
		return
	}
	a := "false"
	if applied {
		a = "true"
	}
	m.ops.WithLabelValues(op, a).Inc()
}
