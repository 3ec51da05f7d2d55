// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ensemble

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/AleutianAI/AleutianEnsemble/services/ensemble/datatypes"
)

var (
	submissionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ensemble",
		Subsystem: "service",
		Name:      "submissions_total",
		Help:      "Task submissions by kind and outcome",
	}, []string{"kind", "outcome"})

	streamClients = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "ensemble",
		Subsystem: "service",
		Name:      "event_stream_clients",
		Help:      "Connected websocket event stream clients",
	})
)

func recordSubmission(kind datatypes.TaskKind, outcome string) {
	submissionsTotal.WithLabelValues(string(kind), outcome).Inc()
}
