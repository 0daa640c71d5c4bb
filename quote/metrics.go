package quote

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the prometheus collectors for quote requests.
type Metrics struct {
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// NewMetrics creates the quote collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dex",
			Subsystem: "quote",
			Name:      "requests_total",
			Help:      "Total quote requests segmented by method and outcome.",
		}, []string{"method", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "dex",
			Subsystem: "quote",
			Name:      "duration_seconds",
			Help:      "Latency distribution of quote computations.",
			Buckets:   []float64{1e-6, 5e-6, 1e-5, 5e-5, 1e-4, 5e-4, 1e-3, 1e-2},
		}, []string{"method"}),
	}
	reg.MustRegister(m.requests, m.duration)
	return m
}

func (m *Metrics) observe(method string, err error, seconds float64) {
	outcome := "ok"
	if err != nil {
		outcome = classify(err).Kind.String()
	}
	m.requests.WithLabelValues(method, outcome).Inc()
	m.duration.WithLabelValues(method).Observe(seconds)
}
