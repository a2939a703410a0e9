package scraper

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/rdhawladar/google-scraper/pkg/monitor"
)

// Metrics are the Prometheus series exported by a scraper process. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	attempts  *prometheus.CounterVec
	failures  *prometheus.CounterVec
	decisions *prometheus.CounterVec
	fetch     *prometheus.HistogramVec
	inFlight  prometheus.Gauge
	results   prometheus.Histogram
	circuit   prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		attempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scraper_attempts_total",
				Help: "Scrape attempts by outcome.",
			},
			[]string{"outcome"},
		),
		failures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scraper_failures_total",
				Help: "Failed or deferred attempts by reason.",
			},
			[]string{"reason"},
		),
		decisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scraper_decisions_total",
				Help: "Dispatcher actions taken after an attempt.",
			},
			[]string{"action"},
		),
		fetch: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "scraper_fetch_duration_seconds",
				Help:    "Duration of outbound search requests.",
				Buckets: []float64{0.25, 0.5, 1, 2, 4, 8, 16, 32, 64},
			},
			[]string{"via"},
		),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "scraper_jobs_in_flight",
			Help: "Jobs currently being handled.",
		}),
		results: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "scraper_organic_results",
			Help:    "Organic results extracted per successful page.",
			Buckets: prometheus.LinearBuckets(0, 2, 11),
		}),
		circuit: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "scraper_circuit_state",
			Help: "Shared circuit state: 0 closed, 1 half-open, 2 open.",
		}),
	}

	reg.MustRegister(m.attempts, m.failures, m.decisions, m.fetch, m.inFlight, m.results, m.circuit)
	return m
}

func (m *Metrics) attempt(outcome string) {
	if m != nil {
		m.attempts.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) failure(reason string) {
	if m != nil {
		m.failures.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) decision(a Action) {
	if m != nil {
		m.decisions.WithLabelValues(a.String()).Inc()
	}
}

func (m *Metrics) fetched(proxied bool, d time.Duration) {
	if m == nil {
		return
	}
	via := "direct"
	if proxied {
		via = "proxy"
	}
	m.fetch.WithLabelValues(via).Observe(d.Seconds())
}

func (m *Metrics) organic(n int) {
	if m != nil {
		m.results.Observe(float64(n))
	}
}

func (m *Metrics) jobStarted() {
	if m != nil {
		m.inFlight.Inc()
	}
}

func (m *Metrics) jobFinished() {
	if m != nil {
		m.inFlight.Dec()
	}
}

func (m *Metrics) ObserveCircuit(s monitor.State) {
	if m == nil {
		return
	}
	switch s {
	case monitor.StateOpen:
		m.circuit.Set(2)
	case monitor.StateHalfOpen:
		m.circuit.Set(1)
	default:
		m.circuit.Set(0)
	}
}
