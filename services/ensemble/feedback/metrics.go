// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package feedback

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/AleutianAI/AleutianEnsemble/services/ensemble/datatypes"
)

var (
	rewardValue = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "ensemble",
		Subsystem: "feedback",
		Name:      "reward",
		Help:      "Shaped reward per task kind",
		Buckets:   prometheus.LinearBuckets(-2, 0.25, 13),
	}, []string{"kind"})

	transitionsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ensemble",
		Subsystem: "feedback",
		Name:      "transitions_dropped_total",
		Help:      "Transitions dropped because the feedback queue was full",
	})

	transitionsSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ensemble",
		Subsystem: "feedback",
		Name:      "transitions_skipped_total",
		Help:      "Observations not trained on because the task was aborted",
	})

	batchSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "ensemble",
		Subsystem: "feedback",
		Name:      "batch_size",
		Help:      "Transitions per training batch",
		Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
	})
)

func recordReward(kind datatypes.TaskKind, r Reward) {
	rewardValue.WithLabelValues(string(kind)).Observe(r.Value)
}

func recordDropped() {
	transitionsDropped.Inc()
}

func recordSkipped() {
	transitionsSkipped.Inc()
}

func recordBatch(n int) {
	batchSize.Observe(float64(n))
}
