package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Store holds the Prometheus metrics collectors.
type Store struct {
	Registry              *prometheus.Registry // Use a custom registry
	SyncRunning           prometheus.Gauge
	SessionDuration       prometheus.Histogram
	SessionsTotal         *prometheus.CounterVec
	StageDuration         *prometheus.HistogramVec
	RowsSelectedTotal     *prometheus.CounterVec
	RowsAppliedTotal      *prometheus.CounterVec
	ConflictsTotal        *prometheus.CounterVec
	BatchPartsTotal       *prometheus.CounterVec
	ReconnectAttempts     *prometheus.CounterVec
	MetadataCleanedTotal  *prometheus.CounterVec
	SyncErrorsTotal       *prometheus.CounterVec
	ScopeWatermark        *prometheus.GaugeVec
	DBConnections         *prometheus.GaugeVec
}

// NewMetricsStore creates and registers Prometheus metrics.
func NewMetricsStore() *Store {
	registry := prometheus.NewRegistry() // Create a non-global registry

	return &Store{
		Registry: registry,
		SyncRunning: promauto.With(registry).NewGauge(prometheus.GaugeOpts{
			Name: "bisync_up",
			Help: "1 while a sync session is in flight, 0 otherwise.",
		}),
		SessionDuration: promauto.With(registry).NewHistogram(prometheus.HistogramOpts{
			Name:    "bisync_session_duration_seconds",
			Help:    "Duration of complete sync sessions.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 16), // 50ms to ~27min
		}),
		SessionsTotal: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
			Name: "bisync_sessions_total",
			Help: "Sync sessions by outcome.",
		}, []string{"outcome"}), // success, failed, cancelled
		StageDuration: promauto.With(registry).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "bisync_stage_duration_seconds",
			Help:    "Duration of orchestrator stages.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 18),
		}, []string{"side", "stage"}),
		RowsSelectedTotal: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
			Name: "bisync_rows_selected_total",
			Help: "Rows selected as changes, labeled by side and table.",
		}, []string{"side", "table"}),
		RowsAppliedTotal: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
			Name: "bisync_rows_applied_total",
			Help: "Rows applied, labeled by side, table and row state.",
		}, []string{"side", "table", "state"}),
		ConflictsTotal: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
			Name: "bisync_conflicts_total",
			Help: "Row conflicts by side, conflict type and resolution.",
		}, []string{"side", "type", "resolution"}),
		BatchPartsTotal: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
			Name: "bisync_batch_parts_total",
			Help: "Batch parts produced (selected) or consumed (applied).",
		}, []string{"side", "op"}),
		ReconnectAttempts: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
			Name: "bisync_reconnect_attempts_total",
			Help: "Retries after transient provider errors.",
		}, []string{"side"}),
		MetadataCleanedTotal: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
			Name: "bisync_metadata_rows_cleaned_total",
			Help: "Tombstones purged by metadata cleanup.",
		}, []string{"side", "table"}),
		SyncErrorsTotal: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
			Name: "bisync_errors_total",
			Help: "Fatal session errors by kind and side.",
		}, []string{"kind", "side"}),
		ScopeWatermark: promauto.With(registry).NewGaugeVec(prometheus.GaugeOpts{
			Name: "bisync_scope_watermark",
			Help: "Last saved watermark of a scope (logical clock units).",
		}, []string{"side", "scope", "clock"}), // clock: local, server
		DBConnections: promauto.With(registry).NewGaugeVec(prometheus.GaugeOpts{
			Name: "bisync_db_connections_open",
			Help: "Open connections per peer database, sampled from sql.DB stats.",
		}, []string{"db_alias"}),
	}
}
