package registry

import "github.com/prometheus/client_golang/prometheus"

type metrics struct {
	exchanges prometheus.Gauge
	sequence  prometheus.Gauge
	updates   *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		exchanges: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "dex",
			Subsystem: "registry",
			Name:      "exchanges",
			Help:      "Number of exchanges in the current snapshot.",
		}),
		sequence: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "dex",
			Subsystem: "registry",
			Name:      "sequence",
			Help:      "Sequence number of the current snapshot.",
		}),
		updates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dex",
			Subsystem: "registry",
			Name:      "updates_total",
			Help:      "Accepted registry updates segmented by kind (full or diff).",
		}, []string{"kind"}),
	}
	reg.MustRegister(m.exchanges, m.sequence, m.updates)
	return m
}
