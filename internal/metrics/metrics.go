// Package metrics holds the prometheus collectors shared across components.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles every collector the coordinator exports. A single instance
// is created at process start and passed to the components that record into it.
type Metrics struct {
	registry *prometheus.Registry

	ActiveSessions   prometheus.Gauge
	BatchesApplied   prometheus.Counter
	ChangesApplied   prometheus.Counter
	Uploads          *prometheus.CounterVec
	StaleReleases    prometheus.Counter
	SessionTransfers prometheus.Counter
	ProtocolErrors   *prometheus.CounterVec
}

// New creates the collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "annosync_active_sessions",
			Help: "Number of live sync sessions.",
		}),
		BatchesApplied: factory.NewCounter(prometheus.CounterOpts{
			Name: "annosync_batches_applied_total",
			Help: "Change batches successfully applied.",
		}),
		ChangesApplied: factory.NewCounter(prometheus.CounterOpts{
			Name: "annosync_changes_applied_total",
			Help: "Individual changes successfully applied.",
		}),
		Uploads: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "annosync_uploads_total",
			Help: "Working-copy uploads by outcome.",
		}, []string{"outcome"}),
		StaleReleases: factory.NewCounter(prometheus.CounterOpts{
			Name: "annosync_stale_lock_releases_total",
			Help: "Locks force-released for inactivity.",
		}),
		SessionTransfers: factory.NewCounter(prometheus.CounterOpts{
			Name: "annosync_session_transfers_total",
			Help: "Sessions superseded by a reconnect from the same user.",
		}),
		ProtocolErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "annosync_protocol_errors_total",
			Help: "Error replies sent on the sync channel, by code.",
		}, []string{"code"}),
	}
}

// Registry exposes the underlying registry for the /metrics handler.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
