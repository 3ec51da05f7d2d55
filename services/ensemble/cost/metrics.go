// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package cost

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/AleutianAI/AleutianEnsemble/services/ensemble/datatypes"
)

var (
	estimatesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ensemble",
		Subsystem: "cost",
		Name:      "estimates_total",
		Help:      "Cost estimate calls by outcome",
	}, []string{"outcome"})

	estimateDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "ensemble",
		Subsystem: "cost",
		Name:      "estimate_round_duration_seconds",
		Help:      "Wall time of one concurrent estimate round",
		Buckets:   []float64{.001, .005, .01, .05, .1, .25, .5, 1, 2.5, 5},
	})
)

func recordEstimate(kind datatypes.Kind) {
	outcome := "ok"
	switch kind {
	case datatypes.KindCostEstimateTimeout:
		outcome = "timeout"
	case datatypes.KindEstimateFailed:
		outcome = "error"
	}
	estimatesTotal.WithLabelValues(outcome).Inc()
}

func recordEstimateDuration(d time.Duration) {
	estimateDuration.Observe(d.Seconds())
}
