// Package metrics exports coordinator events as Prometheus metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/corepower/pmcoord/internal/power"
)

// Sink counts events and tracks per-core state.
type Sink struct {
	registry *prometheus.Registry

	events     *prometheus.CounterVec
	coreState  *prometheus.GaugeVec
	sleptMs    *prometheus.HistogramVec
	deepSleeps prometheus.Counter
}

// New creates a sink with its own registry.
func New() *Sink {
	s := &Sink{
		registry: prometheus.NewRegistry(),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pmcoord",
			Name:      "events_total",
			Help:      "Coordinator events by kind and core.",
		}, []string{"kind", "core"}),
		coreState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "pmcoord",
			Name:      "core_state",
			Help:      "Core power state: 0 active, 1 clock gated, 2 power gated.",
		}, []string{"core"}),
		sleptMs: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "pmcoord",
			Name:      "gated_period_ms",
			Help:      "Length of completed gated periods.",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 10),
		}, []string{"core"}),
		deepSleeps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pmcoord",
			Name:      "deep_sleeps_total",
			Help:      "Deep sleep entries.",
		}),
	}
	s.registry.MustRegister(s.events, s.coreState, s.sleptMs, s.deepSleeps)
	return s
}

// Registry exposes the underlying registry.
func (s *Sink) Registry() *prometheus.Registry { return s.registry }

// Handler serves the registry in the Prometheus text format.
func (s *Sink) Handler() http.Handler {
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
}

// Register mounts the handler on /metrics.
func (s *Sink) Register(mux *http.ServeMux) {
	mux.Handle("/metrics", s.Handler())
}

// Publish implements power.EventSink.
func (s *Sink) Publish(ev power.Event) {
	s.events.WithLabelValues(string(ev.Kind), ev.Core).Inc()

	switch ev.Kind {
	case power.EventSuspend:
		st := power.StatePowerGated
		if ev.State == power.StateClockGated.String() {
			st = power.StateClockGated
		}
		s.coreState.WithLabelValues(ev.Core).Set(float64(st))
	case power.EventResume:
		s.coreState.WithLabelValues(ev.Core).Set(float64(power.StateActive))
		s.sleptMs.WithLabelValues(ev.Core).Observe(float64(ev.SleptMs))
	case power.EventDeepSleep:
		s.deepSleeps.Inc()
	}
}
