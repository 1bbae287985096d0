// Package metrics provides Prometheus metrics for the Fern service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RowsStagedTotal tracks rows written into staging by area
	RowsStagedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "staging",
			Name:      "rows_total",
			Help:      "Total number of rows written into staging",
		},
		[]string{"area", "status"},
	)

	// DecisionsTotal tracks resolver verdicts by action
	DecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "decision",
			Name:      "verdicts_total",
			Help:      "Total number of resolver verdicts by action",
		},
		[]string{"area", "action"},
	)

	// ApplyRowsTotal tracks apply outcomes per row
	ApplyRowsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "apply",
			Name:      "rows_total",
			Help:      "Total number of rows processed by the apply executor",
		},
		[]string{"area", "outcome"},
	)

	// ApplyDuration tracks apply run duration in seconds
	ApplyDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "fern",
			Subsystem: "apply",
			Name:      "run_duration_seconds",
			Help:      "Duration of apply runs in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		},
	)

	// GovernanceCandidatesTotal tracks lookup candidates by review outcome
	GovernanceCandidatesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "governance",
			Name:      "candidates_total",
			Help:      "Total number of lookup candidates by review outcome",
		},
		[]string{"type_key", "status"},
	)

	// MergesExecutedTotal tracks vendor merges by outcome
	MergesExecutedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "merge",
			Name:      "executed_total",
			Help:      "Total number of vendor merges by outcome",
		},
		[]string{"status"},
	)

	// MergeDuration tracks merge execution duration in seconds
	MergeDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "fern",
			Subsystem: "merge",
			Name:      "duration_seconds",
			Help:      "Duration of merge executions in seconds",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
	)

	// ReferencesRewiredTotal tracks references repointed during merges
	ReferencesRewiredTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "merge",
			Name:      "references_rewired_total",
			Help:      "Total number of child references repointed during merges",
		},
		[]string{"table"},
	)

	// DatabaseQueryDuration tracks database query duration
	DatabaseQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "fern",
			Subsystem: "database",
			Name:      "query_duration_seconds",
			Help:      "Duration of database queries in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		},
		[]string{"operation"},
	)
)

// RecordApplyRow records one apply outcome
func RecordApplyRow(area, outcome string) {
	ApplyRowsTotal.WithLabelValues(area, outcome).Inc()
}

// RecordDecision records one resolver verdict
func RecordDecision(area, action string) {
	DecisionsTotal.WithLabelValues(area, action).Inc()
}

// RecordMerge records one merge execution
func RecordMerge(status string, durationSeconds float64) {
	MergesExecutedTotal.WithLabelValues(status).Inc()
	MergeDuration.Observe(durationSeconds)
}
