// Package metrics exposes Prometheus collectors for the triage pipeline.
package metrics

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "pediatric"

// Metrics holds the pipeline collectors. A nil *Metrics records nothing.
type Metrics struct {
	turns          *prometheus.CounterVec
	turnDuration   *prometheus.HistogramVec
	extractions    *prometheus.CounterVec
	breakerOpen    prometheus.Gauge
	safetyAborts   *prometheus.CounterVec
	retrievalModes *prometheus.CounterVec
	tasks          *prometheus.CounterVec
}

var (
	defaultOnce sync.Once
	shared      *Metrics
)

// Default returns metrics registered with the global registry, created once.
func Default() *Metrics {
	defaultOnce.Do(func() {
		shared = MustNew(prometheus.DefaultRegisterer)
	})
	return shared
}

// MustNew registers the collectors with reg and panics on any registration
// error other than an identical collector already being present, which is
// reused.
func MustNew(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	return &Metrics{
		turns: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dialogue",
			Name:      "turns_total",
			Help:      "Turns handled, by resulting action kind.",
		}, []string{"kind"})),
		turnDuration: register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "dialogue",
			Name:      "turn_duration_seconds",
			Help:      "Time to plan a turn, excluding answer streaming.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"kind"})),
		extractions: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "extraction",
			Name:      "results_total",
			Help:      "Extraction results, by the source that produced them.",
		}, []string{"source"})),
		breakerOpen: register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "extraction",
			Name:      "breaker_open",
			Help:      "1 while the remote extractor is bypassed.",
		})),
		safetyAborts: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "safety",
			Name:      "aborts_total",
			Help:      "Answer streams aborted by the safety filter, by tier.",
		}, []string{"tier"})),
		retrievalModes: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "retrieval",
			Name:      "searches_total",
			Help:      "Knowledge searches, by mode.",
		}, []string{"mode"})),
		tasks: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tasks",
			Name:      "transitions_total",
			Help:      "Background task status transitions, by kind and status.",
		}, []string{"kind", "status"})),
	}
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(C); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}

func (m *Metrics) ObserveTurn(kind string, d time.Duration) {
	if m == nil {
		return
	}
	m.turns.WithLabelValues(kind).Inc()
	m.turnDuration.WithLabelValues(kind).Observe(d.Seconds())
}

func (m *Metrics) ObserveExtraction(source string) {
	if m == nil {
		return
	}
	m.extractions.WithLabelValues(source).Inc()
}

// SetBreakerOpen records the breaker state after a transition.
func (m *Metrics) SetBreakerOpen(open bool) {
	if m == nil {
		return
	}
	if open {
		m.breakerOpen.Set(1)
		return
	}
	m.breakerOpen.Set(0)
}

func (m *Metrics) ObserveSafetyAbort(tier string) {
	if m == nil {
		return
	}
	m.safetyAborts.WithLabelValues(tier).Inc()
}

func (m *Metrics) ObserveRetrieval(mode string) {
	if m == nil {
		return
	}
	m.retrievalModes.WithLabelValues(mode).Inc()
}

func (m *Metrics) ObserveTask(kind, status string) {
	if m == nil {
		return
	}
	m.tasks.WithLabelValues(kind, status).Inc()
}
