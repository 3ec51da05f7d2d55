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
	"sync"

	"github.com/AleutianAI/AleutianEnsemble/services/ensemble/datatypes"
	"github.com/AleutianAI/AleutianEnsemble/services/ensemble/routing"
)

// neutralRate is the success rate before any observation.
const neutralRate = 0.5

// History tracks an exponentially weighted success rate per task kind.
type History struct {
	alpha float64

	mu    sync.RWMutex
	rates map[datatypes.TaskKind]float64
	count map[datatypes.TaskKind]int64
}

var _ routing.SuccessRates = (*History)(nil)

// NewHistory creates a history with smoothing factor alpha in (0, 1].
func NewHistory(alpha float64) *History {
	if alpha <= 0 || alpha > 1 {
		alpha = 0.1
	}
	return &History{
		alpha: alpha,
		rates: make(map[datatypes.TaskKind]float64),
		count: make(map[datatypes.TaskKind]int64),
	}
}

// Record folds one outcome into kind's rate and returns the new rate.
func (h *History) Record(kind datatypes.TaskKind, success bool) float64 {
	v := 0.0
	if success {
		v = 1
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	prev, ok := h.rates[kind]
	if !ok {
		prev = neutralRate
	}
	next := prev + h.alpha*(v-prev)
	h.rates[kind] = next
	h.count[kind]++
	return next
}

// SuccessRate implements routing.SuccessRates.
func (h *History) SuccessRate(kind datatypes.TaskKind) float64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if r, ok := h.rates[kind]; ok {
		return r
	}
	return neutralRate
}

// Count returns how many outcomes were recorded for kind.
func (h *History) Count(kind datatypes.TaskKind) int64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.count[kind]
}

// Snapshot returns every tracked rate.
func (h *History) Snapshot() map[datatypes.TaskKind]float64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make(map[datatypes.TaskKind]float64, len(h.rates))
	for k, v := range h.rates {
		out[k] = v
	}
	return out
}
