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
	"github.com/AleutianAI/AleutianEnsemble/services/ensemble/datatypes"
	"github.com/AleutianAI/AleutianEnsemble/services/ensemble/registry"
)

// =============================================================================
// Action Set
// =============================================================================

// Action is one discrete router choice: a strategy plus a coarse parameter
// bucket.
type Action struct {
	ID       int                  `json:"id"`
	Name     string               `json:"name"`
	Strategy datatypes.Strategy   `json:"strategy"`
	Params   datatypes.PlanParams `json:"params"`
}

// DefaultActions returns the fixed action set. IDs equal slice indices and
// the order is part of the checkpoint format.
func DefaultActions() []Action {
	actions := []Action{
		{Name: "sequential", Strategy: datatypes.StrategySequential},
		{Name: "sequential_refine_all", Strategy: datatypes.StrategySequential,
			Params: datatypes.PlanParams{RequireAll: true, ChainRefine: true}},
		{Name: "parallel_all", Strategy: datatypes.StrategyParallel},
		{Name: "parallel_quorum1", Strategy: datatypes.StrategyParallel,
			Params: datatypes.PlanParams{Quorum: 1}},
		{Name: "pipeline", Strategy: datatypes.StrategyPipeline},
		{Name: "collaborative_r3", Strategy: datatypes.StrategyCollaborative,
			Params: datatypes.PlanParams{Rounds: 3}},
		{Name: "collaborative_r5", Strategy: datatypes.StrategyCollaborative,
			Params: datatypes.PlanParams{Rounds: 5}},
		{Name: "quantum_v2_best", Strategy: datatypes.StrategyQuantum,
			Params: datatypes.PlanParams{VariationCount: 2, CollapseMethod: datatypes.CollapseBestScore}},
		{Name: "quantum_v3_best", Strategy: datatypes.StrategyQuantum,
			Params: datatypes.PlanParams{VariationCount: 3, CollapseMethod: datatypes.CollapseBestScore}},
		{Name: "quantum_v3_weighted", Strategy: datatypes.StrategyQuantum,
			Params: datatypes.PlanParams{VariationCount: 3, CollapseMethod: datatypes.CollapseWeighted}},
		{Name: "quantum_v3_first", Strategy: datatypes.StrategyQuantum,
			Params: datatypes.PlanParams{VariationCount: 3, CollapseMethod: datatypes.CollapseFirstSuccess}},
		{Name: "quantum_v5_majority", Strategy: datatypes.StrategyQuantum,
			Params: datatypes.PlanParams{VariationCount: 5, CollapseMethod: datatypes.CollapseMajority}},
		{Name: "quantum_v5_best", Strategy: datatypes.StrategyQuantum,
			Params: datatypes.PlanParams{VariationCount: 5, CollapseMethod: datatypes.CollapseBestScore}},
	}
	for i := range actions {
		actions[i].ID = i
	}
	return actions
}

// ActionNames returns the names in ID order.
func ActionNames(actions []Action) []string {
	out := make([]string, len(actions))
	for i, a := range actions {
		out[i] = a.Name
	}
	return out
}

// Valid reports whether the candidate analysis can satisfy the action.
//
// Description:
//
//	SEQUENTIAL needs one independently capable agent. PARALLEL and QUANTUM
//	need at least minConcurrent of them. PIPELINE needs a cover.
//	COLLABORATIVE needs two contributors.
func (a Action) Valid(m *registry.Match, minConcurrent int) bool {
	switch a.Strategy {
	case datatypes.StrategySequential:
		return len(m.Independent) >= 1
	case datatypes.StrategyParallel, datatypes.StrategyQuantum:
		return len(m.Independent) >= minConcurrent
	case datatypes.StrategyPipeline:
		return len(m.Cover) >= 1
	case datatypes.StrategyCollaborative:
		return len(m.Contributors) >= 2
	}
	return false
}

func firstActionFor(actions []Action, s datatypes.Strategy) (Action, bool) {
	for _, a := range actions {
		if a.Strategy == s {
			return a, true
		}
	}
	return Action{}, false
}
