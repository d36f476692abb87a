package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "covidlake_indexer_build_info",
		Help: "Build information of the covidlake indexer",
	}, []string{"version", "commit", "date"})

	ViewRefreshTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "covidlake_indexer_view_refresh_total",
		Help: "Total number of view refreshes by status",
	}, []string{"view", "status"})

	ViewRefreshDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "covidlake_indexer_view_refresh_duration_seconds",
		Help:    "Duration of view refreshes in seconds",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 14),
	}, []string{"view"})

	SnapshotFilesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "covidlake_indexer_snapshot_files_total",
		Help: "Total number of snapshot files processed by outcome (ingested, skipped, failed)",
	}, []string{"outcome"})

	RowsIngestedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "covidlake_indexer_rows_ingested_total",
		Help: "Total number of raw rows loaded into the store",
	})

	RowsRejectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "covidlake_indexer_rows_rejected_total",
		Help: "Total number of rows rejected during validation by reason",
	}, []string{"reason"})

	GitHubAPIErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "covidlake_indexer_github_api_errors_total",
		Help: "Total number of GitHub API errors by operation and kind",
	}, []string{"operation", "kind"})
)
