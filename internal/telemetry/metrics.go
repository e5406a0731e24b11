// Package telemetry holds the engine's Prometheus metrics, declared as
// promauto package vars in the const-block-plus-var-block style used
// by controlplane/funder/internal/metrics/metrics.go and
// telemetry/global-monitor/internal/metrics/metrics.go.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	MetricNameBuildInfo       = "wealthfolio_sync_build_info"
	MetricNameCycleTotal      = "wealthfolio_sync_cycle_total"
	MetricNameCycleDuration   = "wealthfolio_sync_cycle_duration_seconds"
	MetricNameCursor          = "wealthfolio_sync_cursor"
	MetricNameConsecutiveFail = "wealthfolio_sync_consecutive_failures"
	MetricNamePushed          = "wealthfolio_sync_events_pushed_total"
	MetricNamePulled          = "wealthfolio_sync_events_pulled_total"
	MetricNameOutboxPending   = "wealthfolio_sync_outbox_pending"
	MetricNameSnapshotTotal   = "wealthfolio_sync_snapshot_upload_total"

	LabelVersion = "version"
	LabelCommit  = "commit"
	LabelDate    = "date"
	LabelStatus  = "status"
)

var (
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: MetricNameBuildInfo,
			Help: "Build information of the sync engine",
		},
		[]string{LabelVersion, LabelCommit, LabelDate},
	)

	CycleTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: MetricNameCycleTotal,
		Help: "Total number of sync cycles, by terminal status",
	}, []string{LabelStatus})

	CycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    MetricNameCycleDuration,
		Help:    "Duration of a sync cycle",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12), // 50ms .. ~100s
	})

	Cursor = promauto.NewGauge(prometheus.GaugeOpts{
		Name: MetricNameCursor,
		Help: "The local event cursor position",
	})

	ConsecutiveFailures = promauto.NewGauge(prometheus.GaugeOpts{
		Name: MetricNameConsecutiveFail,
		Help: "Number of consecutive non-ok cycle outcomes",
	})

	EventsPushed = promauto.NewCounter(prometheus.CounterOpts{
		Name: MetricNamePushed,
		Help: "Total number of outbox events successfully pushed to the relay",
	})

	EventsPulled = promauto.NewCounter(prometheus.CounterOpts{
		Name: MetricNamePulled,
		Help: "Total number of remote events pulled and applied",
	})

	OutboxPending = promauto.NewGauge(prometheus.GaugeOpts{
		Name: MetricNameOutboxPending,
		Help: "Number of outbox events currently pending",
	})

	SnapshotUploadTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: MetricNameSnapshotTotal,
		Help: "Total number of snapshot upload attempts, by outcome",
	}, []string{LabelStatus})
)

// ObserveCycle records a completed cycle's status and duration.
func ObserveCycle(status string, durationSeconds float64) {
	CycleTotal.WithLabelValues(status).Inc()
	CycleDuration.Observe(durationSeconds)
}
