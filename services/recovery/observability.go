// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package recovery

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
)

// =============================================================================
// OTel Tracer
// =============================================================================

const recoveryTracerName = "aleutian.ielts.recovery"

var recoveryTracer = otel.Tracer(recoveryTracerName)

// =============================================================================
// Prometheus Metrics
// =============================================================================

// Outcome labels for recoveryRunsTotal.
const (
	outcomeAccepted = "accepted"
	outcomePartial  = "partial"
	outcomeFailed   = "failed"
	outcomeUpstream = "upstream_error"
	outcomeCanceled = "canceled"
)

var (
	recoveryDecodeTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ielts",
		Subsystem: "recovery",
		Name:      "decode_total",
		Help:      "Decoded model responses by task and winning strategy",
	}, []string{"task", "strategy"})

	recoveryVerdictTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ielts",
		Subsystem: "recovery",
		Name:      "verdict_total",
		Help:      "Validation verdicts by task, kind, and reason",
	}, []string{"task", "verdict", "reason"})

	recoveryRepairsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ielts",
		Subsystem: "recovery",
		Name:      "repairs_total",
		Help:      "In-place consistency repairs by task",
	}, []string{"task"})

	recoveryRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ielts",
		Subsystem: "recovery",
		Name:      "runs_total",
		Help:      "Recovery runs by task and outcome: accepted, partial, failed, upstream_error, canceled",
	}, []string{"task", "outcome"})

	recoveryRunAttempts = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "ielts",
		Subsystem: "recovery",
		Name:      "run_attempts",
		Help:      "Model calls per recovery run",
		Buckets:   []float64{1, 2, 3, 4, 5},
	}, []string{"task"})

	recoveryRunDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "ielts",
		Subsystem: "recovery",
		Name:      "run_duration_seconds",
		Help:      "Wall time of a recovery run including all attempts",
		Buckets:   []float64{0.5, 1, 2.5, 5, 10, 20, 40, 80},
	}, []string{"task"})
)

func recordAttemptMetrics(task string, strat Strategy, v Verdict) {
	recoveryDecodeTotal.WithLabelValues(task, strat.String()).Inc()
	recoveryVerdictTotal.WithLabelValues(task, v.Kind.String(), string(v.Reason)).Inc()
	if len(v.Repairs) > 0 {
		recoveryRepairsTotal.WithLabelValues(task).Add(float64(len(v.Repairs)))
	}
}

func recordRunMetrics(task, outcome string, attempts int, duration time.Duration) {
	recoveryRunsTotal.WithLabelValues(task, outcome).Inc()
	recoveryRunAttempts.WithLabelValues(task).Observe(float64(attempts))
	recoveryRunDuration.WithLabelValues(task).Observe(duration.Seconds())
}
