// Package metrics bundles the runtime's Prometheus collectors behind one
// registry so the daemon can serve them from a single endpoint.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector the runtime records into. All collectors are
// safe for concurrent use.
type Metrics struct {
	reg *prometheus.Registry

	TickDuration  prometheus.Histogram
	StageDuration prometheus.Histogram
	Ticks         prometheus.Counter
	SystemFailed  *prometheus.CounterVec
	Entities      prometheus.Gauge

	UpdatesPublished prometheus.Counter
	CommandsApplied  prometheus.Counter
	CommandsDropped  prometheus.Counter
	Sessions         prometheus.Gauge
}

func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		TickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "elodin",
			Name:      "tick_duration_seconds",
			Help:      "Wall time of one committed tick.",
			Buckets:   prometheus.ExponentialBuckets(50e-6, 2, 16),
		}),
		StageDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "elodin",
			Name:      "stage_duration_seconds",
			Help:      "Wall time of one execution stage.",
			Buckets:   prometheus.ExponentialBuckets(10e-6, 2, 16),
		}),
		Ticks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "elodin",
			Name:      "ticks_total",
			Help:      "Committed ticks.",
		}),
		SystemFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "elodin",
			Name:      "system_failures_total",
			Help:      "Systems whose outputs were discarded, by system name.",
		}, []string{"system"}),
		Entities: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "elodin",
			Name:      "entities",
			Help:      "Live entities.",
		}),
		UpdatesPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "elodin",
			Name:      "updates_published_total",
			Help:      "Component updates sent to clients.",
		}),
		CommandsApplied: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "elodin",
			Name:      "commands_applied_total",
			Help:      "Inbound client commands applied to the world.",
		}),
		CommandsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "elodin",
			Name:      "commands_dropped_total",
			Help:      "Inbound client commands rejected or shed.",
		}),
		Sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "elodin",
			Name:      "sessions",
			Help:      "Connected sync sessions.",
		}),
	}
	m.reg.MustRegister(
		m.TickDuration, m.StageDuration, m.Ticks, m.SystemFailed, m.Entities,
		m.UpdatesPublished, m.CommandsApplied, m.CommandsDropped, m.Sessions,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}
