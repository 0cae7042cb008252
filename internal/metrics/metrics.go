// Package metrics exposes the process's Prometheus instrumentation on a
// private registry, following trickster's pattern of an explicit registry
// per subsystem rather than registering on the global default one.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics bundles every counter/gauge the core touches.
type Metrics struct {
	Registry *prometheus.Registry

	CacheHits     prometheus.Counter
	CacheMisses   prometheus.Counter
	Reconnects    *prometheus.CounterVec
	GiveUps       *prometheus.CounterVec
	Tunnels       prometheus.Counter
	ActiveFlows   prometheus.Gauge
}

// New builds and registers every metric under namespace (empty is allowed).
func New(namespace string) *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,
		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "desync_cache_hits_total",
			Help:      "Strategy cache lookups that found a live entry.",
		}),
		CacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "desync_cache_misses_total",
			Help:      "Strategy cache lookups that found no live entry.",
		}),
		Reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "desync_reconnects_total",
			Help:      "Flows that redialed upstream with the next candidate strategy.",
		}, []string{"reason"}),
		GiveUps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "desync_giveups_total",
			Help:      "Flows torn down with no further strategy to try.",
		}, []string{"reason"}),
		Tunnels: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "desync_tunnels_total",
			Help:      "Flows that reached steady-state bidirectional forwarding.",
		}),
		ActiveFlows: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "desync_active_flows",
			Help:      "Flows currently alive, in any state.",
		}),
	}

	reg.MustRegister(
		m.CacheHits, m.CacheMisses,
		m.Reconnects, m.GiveUps,
		m.Tunnels, m.ActiveFlows,
	)
	return m
}
