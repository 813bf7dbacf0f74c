package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "analyst_build_info",
			Help: "Build information of the analyst",
		},
		[]string{"version", "commit", "date"},
	)

	RunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "analyst_runs_total",
			Help: "Total number of pipeline runs reaching a status",
		},
		[]string{"status"},
	)

	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "analyst_stage_duration_seconds",
			Help:    "Duration of pipeline stage attempts",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 0.01s to ~41s
		},
		[]string{"stage"},
	)

	StageOutcomesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "analyst_stage_outcomes_total",
			Help: "Total number of stage attempts by outcome",
		},
		[]string{"stage", "outcome"},
	)

	QueriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "analyst_queries_total",
			Help: "Total number of executed queries by outcome",
		},
		[]string{"outcome"},
	)

	QueryDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "analyst_query_duration_seconds",
			Help:    "Duration of query executions",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 16),
		},
	)

	QueriesRejectedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "analyst_queries_rejected_total",
			Help: "Total number of generated queries rejected by the safety validator",
		},
		[]string{"reason"},
	)

	ApprovalsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "analyst_approvals_total",
			Help: "Total number of approval gate decisions",
		},
		[]string{"action"},
	)

	LLMCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "analyst_llm_calls_total",
			Help: "Total number of reasoning calls",
		},
		[]string{"status"},
	)

	LLMCallDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "analyst_llm_call_duration_seconds",
			Help:    "Duration of reasoning calls",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		},
	)

	CatalogDatasets = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "analyst_catalog_datasets",
			Help: "Number of datasets registered in the catalog",
		},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "analyst_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)
)
