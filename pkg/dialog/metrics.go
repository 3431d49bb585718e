package dialog

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// metrics holds the Prometheus instruments for one Coordinator: a
// counter/gauge/histogram split mirrored across every package that
// exports metrics in this module.
type metrics struct {
	dialogsCreated    prometheus.Counter
	dialogsActive     prometheus.Gauge
	dialogDuration    prometheus.Histogram
	sessionsByState   *prometheus.GaugeVec
	transfersStarted  *prometheus.CounterVec
	transfersResolved *prometheus.CounterVec
	cseqRejected      prometheus.Counter
	eventsDropped     prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	factory := promauto.With(reg)
	return &metrics{
		dialogsCreated: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "sip",
			Subsystem: "dialog",
			Name:      "created_total",
			Help:      "Dialogs confirmed by the coordinator.",
		}),
		dialogsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "sip",
			Subsystem: "dialog",
			Name:      "active",
			Help:      "Dialogs currently tracked by the coordinator.",
		}),
		dialogDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "sip",
			Subsystem: "dialog",
			Name:      "duration_seconds",
			Help:      "Wall time from dialog confirmation to termination.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 14),
		}),
		sessionsByState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "sip",
			Subsystem: "session",
			Name:      "by_state",
			Help:      "Sessions currently in each state.",
		}, []string{"state"}),
		transfersStarted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sip",
			Subsystem: "transfer",
			Name:      "started_total",
			Help:      "Transfers initiated, by kind (blind/attended).",
		}, []string{"kind"}),
		transfersResolved: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sip",
			Subsystem: "transfer",
			Name:      "resolved_total",
			Help:      "Transfers resolved, by outcome (success/failed).",
		}, []string{"outcome"}),
		cseqRejected: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "sip",
			Subsystem: "dialog",
			Name:      "cseq_rejected_total",
			Help:      "In-dialog requests rejected for CSeq discipline violations.",
		}),
		eventsDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "sip",
			Subsystem: "session",
			Name:      "events_dropped_total",
			Help:      "Application events dropped because a subscriber fell behind.",
		}),
	}
}
