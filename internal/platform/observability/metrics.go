// Package observability exposes Prometheus metrics and the health server.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ItemsFetched = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "intel_items_fetched_total",
		Help: "The total number of content items fetched",
	}, []string{"source"})

	FetcherErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "intel_fetcher_errors_total",
		Help: "The total number of fetcher failures",
	}, []string{"source"})

	RunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "intel_runs_total",
		Help: "The total number of pipeline runs by trigger and final state",
	}, []string{"trigger", "state"})

	RunsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "intel_runs_rejected_total",
		Help: "The total number of rejected triggers",
	}, []string{"trigger", "reason"})

	RunDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "intel_run_duration_seconds",
		Help:    "Duration of complete pipeline runs",
		Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1200, 1800},
	})

	LLMRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "intel_llm_request_duration_seconds",
		Help:    "Duration of LLM requests",
		Buckets: prometheus.DefBuckets,
	}, []string{"model"})

	LLMBatchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "intel_llm_batches_total",
		Help: "The total number of analysis batches by outcome",
	}, []string{"outcome"})

	SnapshotFallbacks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "intel_snapshot_fallbacks_total",
		Help: "The total number of runs degraded to the fallback market snapshot",
	})

	ResultsAnalyzed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "intel_results_analyzed_total",
		Help: "The total number of analysis results by category",
	}, []string{"category"})

	ReportChunksDelivered = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "intel_report_chunks_total",
		Help: "The total number of report chunks sent by status",
	}, []string{"status"})

	CommandsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "intel_commands_total",
		Help: "The total number of Telegram commands by command and outcome",
	}, []string{"command", "outcome"})

	ItemsPurged = promauto.NewCounter(prometheus.CounterOpts{
		Name: "intel_items_purged_total",
		Help: "The total number of items removed by retention",
	})
)
