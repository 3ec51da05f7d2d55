// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package orchestrator

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/AleutianAI/AleutianEnsemble/services/ensemble/datatypes"
)

var (
	executionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ensemble",
		Subsystem: "orchestrator",
		Name:      "executions_total",
		Help:      "Task executions by strategy and outcome",
	}, []string{"strategy", "outcome"})

	executionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "ensemble",
		Subsystem: "orchestrator",
		Name:      "execution_duration_seconds",
		Help:      "Task execution duration by strategy",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
	}, []string{"strategy"})

	invocationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ensemble",
		Subsystem: "orchestrator",
		Name:      "invocations_total",
		Help:      "Agent invocations by agent and outcome",
	}, []string{"agent", "outcome"})

	invocationLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "ensemble",
		Subsystem: "orchestrator",
		Name:      "invocation_latency_seconds",
		Help:      "Agent invocation latency",
		Buckets:   prometheus.ExponentialBuckets(0.005, 2.5, 10),
	}, []string{"agent"})

	breakerRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ensemble",
		Subsystem: "orchestrator",
		Name:      "breaker_rejections_total",
		Help:      "Invocations skipped because the agent circuit was open",
	}, []string{"agent"})

	collaborativeRounds = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "ensemble",
		Subsystem: "orchestrator",
		Name:      "collaborative_rounds",
		Help:      "Rounds executed per COLLABORATIVE task",
		Buckets:   prometheus.LinearBuckets(1, 1, 10),
	})
)

func recordExecution(strategy datatypes.Strategy, err error, d time.Duration) {
	outcome := "completed"
	if err != nil {
		outcome = string(datatypes.KindOf(err))
		if outcome == "" {
			outcome = "error"
		}
	}
	executionsTotal.WithLabelValues(string(strategy), outcome).Inc()
	executionDuration.WithLabelValues(string(strategy)).Observe(d.Seconds())
}

func recordInvocation(agent string, out *datatypes.AgentOutput) {
	outcome := "ok"
	if !out.OK() {
		outcome = string(out.ErrKind)
	}
	invocationsTotal.WithLabelValues(agent, outcome).Inc()
	invocationLatency.WithLabelValues(agent).Observe(out.LatencyActual.Seconds())
}

func recordBreakerRejection(agent string) {
	breakerRejections.WithLabelValues(agent).Inc()
}

func recordRounds(n int) {
	collaborativeRounds.Observe(float64(n))
}
