package transaction

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// metrics holds the Prometheus instruments for one Manager: the same
// counter/gauge/histogram split used across this module's packages.
type metrics struct {
	created     *prometheus.CounterVec
	terminated  *prometheus.CounterVec
	retransmits *prometheus.CounterVec
	timeouts    *prometheus.CounterVec
	active      prometheus.Gauge
	lifetime    prometheus.Histogram
}

func newMetrics(reg prometheus.Registerer) *metrics {
	factory := promauto.With(reg)
	return &metrics{
		created: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sip",
			Subsystem: "transaction",
			Name:      "created_total",
			Help:      "Transactions created, by family and role.",
		}, []string{"family", "role"}),
		terminated: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sip",
			Subsystem: "transaction",
			Name:      "terminated_total",
			Help:      "Transactions terminated, by family, role, and terminal reason.",
		}, []string{"family", "role", "reason"}),
		retransmits: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sip",
			Subsystem: "transaction",
			Name:      "retransmits_total",
			Help:      "Retransmissions sent, by timer name.",
		}, []string{"timer"}),
		timeouts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sip",
			Subsystem: "transaction",
			Name:      "timeouts_total",
			Help:      "Timer-driven terminations, by timer name.",
		}, []string{"timer"}),
		active: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "sip",
			Subsystem: "transaction",
			Name:      "active",
			Help:      "Transactions currently tracked by the manager.",
		}),
		lifetime: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "sip",
			Subsystem: "transaction",
			Name:      "lifetime_seconds",
			Help:      "Wall time from transaction creation to Terminated.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
		}),
	}
}
