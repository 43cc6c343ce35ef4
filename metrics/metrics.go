// Package metrics exposes prometheus instrumentation for the sync engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics counts sync activity. Construct with New; a nil registerer
// yields unregistered (but safe to use) collectors.
type Metrics struct {
	PullPages     prometheus.Counter
	PulledRecords prometheus.Counter
	PushedOps     *prometheus.CounterVec
	PushConflicts prometheus.Counter
	PushErrors    prometheus.Counter
	PurgedRecords prometheus.Counter
}

func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		PullPages: factory.NewCounter(prometheus.CounterOpts{
			Name: "offline_sync_pull_pages_total",
			Help: "Pages of records fetched by pull.",
		}),
		PulledRecords: factory.NewCounter(prometheus.CounterOpts{
			Name: "offline_sync_pulled_records_total",
			Help: "Server records integrated by pull.",
		}),
		PushedOps: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "offline_sync_pushed_operations_total",
			Help: "Operations pushed to the table service.",
		}, []string{"action"}),
		PushConflicts: factory.NewCounter(prometheus.CounterOpts{
			Name: "offline_sync_push_conflicts_total",
			Help: "Version conflicts reported during push.",
		}),
		PushErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "offline_sync_push_errors_total",
			Help: "Non-conflict errors reported during push.",
		}),
		PurgedRecords: factory.NewCounter(prometheus.CounterOpts{
			Name: "offline_sync_purged_records_total",
			Help: "Local records removed by purge.",
		}),
	}
}

// Nop returns metrics backed by unregistered collectors.
func Nop() *Metrics {
	return New(nil)
}
