// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package checkpoint

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	savesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ensemble",
		Subsystem: "checkpoint",
		Name:      "saves_total",
		Help:      "Policy checkpoint saves by backend and outcome",
	}, []string{"backend", "outcome"})

	lastSizeBytes = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "ensemble",
		Subsystem: "checkpoint",
		Name:      "last_size_bytes",
		Help:      "Size of the last successful checkpoint",
	}, []string{"backend"})
)

func recordSave(backend string, size int, err error) {
	if err != nil {
		savesTotal.WithLabelValues(backend, "error").Inc()
		return
	}
	savesTotal.WithLabelValues(backend, "ok").Inc()
	lastSizeBytes.WithLabelValues(backend).Set(float64(size))
}
