// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import (
	"time"
)

// Strategy is an orchestration mode.
type Strategy string

const (
	StrategySequential    Strategy = "SEQUENTIAL"
	StrategyParallel      Strategy = "PARALLEL"
	StrategyPipeline      Strategy = "PIPELINE"
	StrategyCollaborative Strategy = "COLLABORATIVE"
	StrategyQuantum       Strategy = "QUANTUM"
)

// AllStrategies lists the strategies in a stable order.
var AllStrategies = []Strategy{
	StrategySequential,
	StrategyParallel,
	StrategyPipeline,
	StrategyCollaborative,
	StrategyQuantum,
}

// SplitsCoverage reports whether the strategy may spread the required
// capabilities across several agents.
func (s Strategy) SplitsCoverage() bool {
	return s == StrategyPipeline || s == StrategyCollaborative
}

// Concurrent reports whether the strategy runs agents concurrently, which
// makes the slowest agent bound plan latency.
func (s Strategy) Concurrent() bool {
	return s == StrategyParallel || s == StrategyQuantum
}

// CollapseMethod selects how QUANTUM variations are reduced.
type CollapseMethod string

const (
	CollapseBestScore    CollapseMethod = "BEST_SCORE"
	CollapseMajority     CollapseMethod = "MAJORITY"
	CollapseFirstSuccess CollapseMethod = "FIRST_SUCCESS"
	CollapseWeighted     CollapseMethod = "WEIGHTED"
)

// Valid reports whether m is a known method.
func (m CollapseMethod) Valid() bool {
	switch m {
	case CollapseBestScore, CollapseMajority, CollapseFirstSuccess, CollapseWeighted:
		return true
	}
	return false
}

// PlanParams are the strategy-specific knobs chosen by the router.
type PlanParams struct {
	// RequireAll makes SEQUENTIAL invoke every candidate.
	RequireAll bool `json:"require_all,omitempty"`

	// ChainRefine passes each SEQUENTIAL payload to the next agent.
	ChainRefine bool `json:"chain_refine,omitempty"`

	// Quorum is the PARALLEL success count to wait for; 0 means all.
	Quorum int `json:"quorum,omitempty"`

	// Rounds bounds COLLABORATIVE execution.
	Rounds int `json:"rounds,omitempty"`

	// VariationCount is the QUANTUM branch count (2 to 5).
	VariationCount int `json:"variation_count,omitempty"`

	// CollapseMethod reduces QUANTUM outputs.
	CollapseMethod CollapseMethod `json:"collapse_method,omitempty"`

	// VariationTimeout bounds each QUANTUM branch; 0 uses the orchestrator
	// default.
	VariationTimeout time.Duration `json:"variation_timeout,omitempty"`
}

// ExecutionPlan is the router's per-task decision.
//
// # Description
//
// A plan is consumed exactly once by the orchestrator. Candidates is never
// empty when a plan reaches the orchestrator.
type ExecutionPlan struct {
	TaskID     string           `json:"task_id"`
	Strategy   Strategy         `json:"strategy"`
	Candidates []Candidate      `json:"candidates"`
	Params     PlanParams       `json:"params"`
	Estimate   PlanCostEstimate `json:"estimate"`
}

// CandidateNames returns the candidate names in plan order.
func (p ExecutionPlan) CandidateNames() []string {
	names := make([]string, len(p.Candidates))
	for i, c := range p.Candidates {
		names[i] = c.Name
	}
	return names
}

// PlanCostEstimate aggregates per-agent estimates for one strategy.
type PlanCostEstimate struct {
	MonetaryCost     float64                 `json:"monetary_cost"`
	EstimatedLatency time.Duration           `json:"estimated_latency"`
	Confidence       float64                 `json:"confidence"`
	PerAgent         map[string]CostEstimate `json:"per_agent,omitempty"`
}

// Variation is one QUANTUM exploration branch.
type Variation struct {
	ID        string         `json:"variation_id"`
	Overrides map[string]any `json:"params_override"`
	Agent     Candidate      `json:"agent_ref"`
}
