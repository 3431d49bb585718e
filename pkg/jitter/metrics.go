package jitter

import "github.com/prometheus/client_golang/prometheus"

// metrics holds the Prometheus instruments for one buffer instance, the
// same counter/gauge split used by the other packages in this module.
type metrics struct {
	depth    prometheus.Gauge
	jitterMS prometheus.Gauge
	dropped  *prometheus.CounterVec
	played   prometheus.Counter
}

func newMetrics(reg prometheus.Registerer, streamID string) *metrics {
	labels := prometheus.Labels{"stream_id": streamID}
	m := &metrics{
		depth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "sip",
			Subsystem:   "jitter",
			Name:        "depth_packets",
			Help:        "Current number of packets held by the jitter buffer.",
			ConstLabels: labels,
		}),
		jitterMS: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "sip",
			Subsystem:   "jitter",
			Name:        "estimate_ms",
			Help:        "RFC 3550 interarrival jitter estimate in milliseconds.",
			ConstLabels: labels,
		}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "sip",
			Subsystem:   "jitter",
			Name:        "dropped_total",
			Help:        "Packets dropped by the jitter buffer, by reason.",
			ConstLabels: labels,
		}, []string{"reason"}),
		played: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "sip",
			Subsystem:   "jitter",
			Name:        "played_total",
			Help:        "Packets returned by GetNextPacket.",
			ConstLabels: labels,
		}),
	}
	if reg != nil {
		reg.MustRegister(m.depth, m.jitterMS, m.dropped, m.played)
	}
	return m
}
