package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors for the daemon
type Metrics struct {
	registry *prometheus.Registry

	RunsStarted  prometheus.Counter
	RunsFinished *prometheus.CounterVec
	RunsRejected *prometheus.CounterVec
	ActiveRuns   prometheus.Gauge
	RunDuration  prometheus.Histogram

	SyncOperations  *prometheus.CounterVec
	SyncLastSuccess *prometheus.GaugeVec
	SnapshotBytes   prometheus.Gauge
}

// New creates and registers all collectors on a private registry
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		RunsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "runforge_runs_started_total",
			Help: "Total runs accepted by the supervisor",
		}),
		RunsFinished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "runforge_runs_finished_total",
				Help: "Total runs that reached a terminal status",
			},
			[]string{"status"},
		),
		RunsRejected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "runforge_runs_rejected_total",
				Help: "Run requests rejected at the call boundary",
			},
			[]string{"reason"},
		),
		ActiveRuns: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "runforge_active_runs",
			Help: "Runs currently holding an account exclusivity slot",
		}),
		RunDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "runforge_run_duration_seconds",
			Help:    "Wall time of finished runs",
			Buckets: prometheus.ExponentialBuckets(1, 4, 8),
		}),
		SyncOperations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "runforge_sync_operations_total",
				Help: "Snapshot pull/push operations by result",
			},
			[]string{"op", "result"},
		),
		SyncLastSuccess: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "runforge_sync_last_success_timestamp_seconds",
				Help: "Unix time of the last successful pull/push",
			},
			[]string{"op"},
		),
		SnapshotBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "runforge_snapshot_bytes",
			Help: "Size of the last uploaded snapshot bundle",
		}),
	}

	m.registry.MustRegister(
		m.RunsStarted, m.RunsFinished, m.RunsRejected, m.ActiveRuns, m.RunDuration,
		m.SyncOperations, m.SyncLastSuccess, m.SnapshotBytes,
	)
	return m
}

// Handler returns the /metrics HTTP handler for this registry
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
