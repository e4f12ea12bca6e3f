package delegate

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics instruments delegate runs.
type Metrics struct {
	Runs     *prometheus.CounterVec
	Duration *prometheus.HistogramVec
	InFlight prometheus.Gauge
	Waiting  prometheus.Gauge
}

// NewMetrics creates and registers the delegate collectors on registry.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	m := &Metrics{
		Runs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "farmx_delegate_runs_total",
				Help: "Delegate runs by outcome",
			},
			[]string{"outcome"},
		),
		Duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "farmx_delegate_run_duration_seconds",
				Help:    "Wall-clock duration of delegate runs",
				Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
			},
			[]string{"outcome"},
		),
		InFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "farmx_delegate_in_flight",
			Help: "Delegate processes currently running",
		}),
		Waiting: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "farmx_delegate_waiting",
			Help: "Delegate runs waiting for a free slot",
		}),
	}
	if registry != nil {
		registry.MustRegister(m.Runs, m.Duration, m.InFlight, m.Waiting)
	}
	return m
}

func (m *Metrics) observe(outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.Runs.WithLabelValues(outcome).Inc()
	m.Duration.WithLabelValues(outcome).Observe(seconds)
}

func (m *Metrics) inFlight(delta float64) {
	if m == nil {
		return
	}
	m.InFlight.Add(delta)
}

func (m *Metrics) waiting(delta float64) {
	if m == nil {
		return
	}
	m.Waiting.Add(delta)
}
