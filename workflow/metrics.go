package workflow

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "aacompare"

type metrics struct {
	calls   *prometheus.CounterVec
	latency *prometheus.HistogramVec
	gasUsed *prometheus.GaugeVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	f := promauto.With(reg)
	return &metrics{
		calls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "provider_calls_total",
			Help:      "Provider operations by outcome.",
		}, []string{"provider", "operation", "outcome"}),
		latency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "provider_latency_seconds",
			Help:      "Time from submission to confirmed success.",
			Buckets:   []float64{0.5, 1, 2, 4, 8, 16, 32, 64},
		}, []string{"provider"}),
		gasUsed: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "provider_gas_used",
			Help:      "Gas used by the last confirmed transaction.",
		}, []string{"provider"}),
	}
}

func (m *metrics) observe(provider, operation string, err error) {
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.calls.WithLabelValues(provider, operation, outcome).Inc()
}

func (m *metrics) observeLatency(provider string, d time.Duration) {
	m.latency.WithLabelValues(provider).Observe(d.Seconds())
}

func (m *metrics) observeGas(provider string, gas uint64) {
	m.gasUsed.WithLabelValues(provider).Set(float64(gas))
}
