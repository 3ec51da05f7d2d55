// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package routing

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/AleutianAI/AleutianEnsemble/services/ensemble/datatypes"
)

// =============================================================================
// Prometheus Metrics for Strategy Routing
// =============================================================================

var (
	// routingDecisions counts decisions.
	// Labels: strategy, mode (exploit, explore, fallback)
	routingDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ensemble",
		Subsystem: "routing",
		Name:      "decisions_total",
		Help:      "Routing decisions by strategy and selection mode",
	}, []string{"strategy", "mode"})

	// routingLatency measures end-to-end Route time.
	routingLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "ensemble",
		Subsystem: "routing",
		Name:      "latency_seconds",
		Help:      "Routing decision latency in seconds",
		Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
	})

	// routingFallbacks counts fallbacks.
	// Labels: reason (cold_start, no_valid_action, policy_timeout)
	routingFallbacks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ensemble",
		Subsystem: "routing",
		Name:      "fallbacks_total",
		Help:      "Routing fallbacks to the deterministic plan",
	}, []string{"reason"})

	// epsilonGauge tracks the current exploration rate.
	epsilonGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "ensemble",
		Subsystem: "routing",
		Name:      "epsilon",
		Help:      "Current epsilon-greedy exploration rate",
	})

	// policyUpdates counts applied Q updates.
	policyUpdates = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ensemble",
		Subsystem: "routing",
		Name:      "policy_updates_total",
		Help:      "Q-value updates applied by training",
	})

	// replaySize tracks the replay buffer fill.
	replaySize = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "ensemble",
		Subsystem: "routing",
		Name:      "replay_buffer_size",
		Help:      "Transitions held in the replay buffer",
	})
)

func recordDecision(strategy datatypes.Strategy, mode string, latency time.Duration) {
	routingDecisions.WithLabelValues(string(strategy), mode).Inc()
	routingLatency.Observe(latency.Seconds())
}

func recordFallback(reason string) {
	routingFallbacks.WithLabelValues(reason).Inc()
}

func recordPolicyUpdates(n, size int) {
	policyUpdates.Add(float64(n))
	replaySize.Set(float64(size))
}
