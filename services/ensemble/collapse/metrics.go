// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package collapse

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/AleutianAI/AleutianEnsemble/services/ensemble/datatypes"
)

var collapsesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "ensemble",
	Subsystem: "collapse",
	Name:      "total",
	Help:      "Collapses by method and outcome",
}, []string{"method", "outcome"})

func recordCollapse(method datatypes.CollapseMethod, ok bool) {
	outcome := "chosen"
	if !ok {
		outcome = "failed"
	}
	collapsesTotal.WithLabelValues(string(method), outcome).Inc()
}
