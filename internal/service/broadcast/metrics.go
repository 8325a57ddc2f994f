// internal/service/broadcast/metrics.go

package broadcast

import (
	"github.com/prometheus/client_golang/prometheus"

	"taxistream/internal/domain/stream"
)

// Metrics holds the broadcaster's Prometheus collectors
type Metrics struct {
	recordsPublished    prometheus.Counter
	activeSubscriptions prometheus.Gauge
	slowDropped         prometheus.Counter
	terminals           *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg. A nil
// registerer leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		recordsPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "taxistream",
			Subsystem: "broadcast",
			Name:      "records_published_total",
			Help:      "Total number of records published to subscribers",
		}),
		activeSubscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "taxistream",
			Subsystem: "broadcast",
			Name:      "active_subscriptions",
			Help:      "Number of subscriptions currently receiving records",
		}),
		slowDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "taxistream",
			Subsystem: "broadcast",
			Name:      "slow_subscribers_dropped_total",
			Help:      "Total number of subscriptions dropped because their queue was full",
		}),
		terminals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "taxistream",
			Subsystem: "broadcast",
			Name:      "terminal_signals_total",
			Help:      "Terminal signals delivered to subscriptions by kind",
		}, []string{"kind"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.recordsPublished,
			m.activeSubscriptions,
			m.slowDropped,
			m.terminals,
		)
	}

	return m
}

func (m *Metrics) terminal(kind stream.Kind, n int) {
	m.terminals.WithLabelValues(string(kind)).Add(float64(n))
}
