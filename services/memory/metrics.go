// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package memory

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// decisionTotal counts admission decisions by kind
	decisionTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "recall_decisions_total",
		Help: "Total admission decisions by kind",
	}, []string{"kind"})

	// judgeFailureTotal counts judge failures by cause
	judgeFailureTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "recall_judge_failures_total",
		Help: "Total judge failures by cause",
	}, []string{"cause"})

	// commitConflictTotal counts transaction conflicts during commit
	commitConflictTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "recall_commit_conflicts_total",
		Help: "Total transaction conflicts during decision commit",
	})

	// degradedAddTotal counts decisions degraded to ADD after exhausting
	// the conflict budget
	degradedAddTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "recall_degraded_adds_total",
		Help: "Total decisions degraded to ADD after repeated conflicts",
	})

	// retrievalDuration tracks end-to-end retrieval latency
	retrievalDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "recall_retrieval_duration_seconds",
		Help:    "Retrieval duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
	})

	// submitDuration tracks end-to-end submission latency
	submitDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "recall_submit_duration_seconds",
		Help:    "Submission duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms to ~16s
	})
)

// Metrics is a nil-safe handle over the package collectors so callers
// without a metrics pipeline can pass nil.
type Metrics struct{}

// NewMetrics returns the shared metrics handle.
func NewMetrics() *Metrics {
	return &Metrics{}
}

// Decision records an admission decision by kind.
func (m *Metrics) Decision(kind DecisionKind) {
	if m == nil {
		return
	}
	decisionTotal.WithLabelValues(string(kind)).Inc()
}

// JudgeFailure records a judge failure by cause.
func (m *Metrics) JudgeFailure(cause string) {
	if m == nil {
		return
	}
	judgeFailureTotal.WithLabelValues(cause).Inc()
}

// CommitConflict records a transaction conflict during commit.
func (m *Metrics) CommitConflict() {
	if m == nil {
		return
	}
	commitConflictTotal.Inc()
}

// DegradedAdd records a decision degraded to ADD after repeated conflicts.
func (m *Metrics) DegradedAdd() {
	if m == nil {
		return
	}
	degradedAddTotal.Inc()
}

// ObserveRetrieval records retrieval latency in seconds.
func (m *Metrics) ObserveRetrieval(seconds float64) {
	if m == nil {
		return
	}
	retrievalDuration.Observe(seconds)
}

// ObserveSubmit records submission latency in seconds.
func (m *Metrics) ObserveSubmit(seconds float64) {
	if m == nil {
		return
	}
	submitDuration.Observe(seconds)
}
