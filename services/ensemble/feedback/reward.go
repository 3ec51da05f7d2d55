// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package feedback turns finished executions into rewards and feeds them
// to the routing policy off the request path.
//
// # Description
//
// Reward = QualityWeight*quality - cost penalty - latency penalty.
// quality is the collapsed output's score when a collapse happened, the
// mean successful score otherwise, and -FailurePenalty for a failed task.
// Each penalty is weight * clamp(actual/estimate, 0, MaxRatio), so an
// execution that matches its estimate pays exactly the weight.
//
// A task aborted from outside (caller cancellation or shutdown, but not a
// deadline) yields a skipped reward: it trains nothing and is not counted
// in the success history.
//
// # Thread Safety
//
// Loop and History are safe for concurrent use.
package feedback

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/AleutianAI/AleutianEnsemble/services/ensemble/datatypes"
	"github.com/AleutianAI/AleutianEnsemble/services/ensemble/routing"
)

// ErrInvalidRewardConfig is returned by RewardConfig.Validate.
var ErrInvalidRewardConfig = errors.New("invalid reward config")

// RewardConfig weighs the reward terms.
type RewardConfig struct {
	QualityWeight  float64 `yaml:"quality_weight" json:"quality_weight" validate:"gt=0"`
	CostWeight     float64 `yaml:"cost_weight" json:"cost_weight" validate:"gte=0"`
	LatencyWeight  float64 `yaml:"latency_weight" json:"latency_weight" validate:"gte=0"`
	MaxRatio       float64 `yaml:"max_ratio" json:"max_ratio" validate:"gt=0"`
	FailurePenalty float64 `yaml:"failure_penalty" json:"failure_penalty" validate:"gte=0"`
}

// DefaultRewardConfig returns the default weights.
func DefaultRewardConfig() RewardConfig {
	return RewardConfig{
		QualityWeight:  1.0,
		CostWeight:     0.2,
		LatencyWeight:  0.1,
		MaxRatio:       5.0,
		FailurePenalty: 1.0,
	}
}

// Validate rejects weights that would make rewards meaningless.
func (c RewardConfig) Validate() error {
	switch {
	case c.QualityWeight <= 0:
		return fmt.Errorf("%w: quality_weight must be positive", ErrInvalidRewardConfig)
	case c.CostWeight < 0 || c.LatencyWeight < 0 || c.FailurePenalty < 0:
		return fmt.Errorf("%w: negative weight", ErrInvalidRewardConfig)
	case c.MaxRatio <= 0:
		return fmt.Errorf("%w: max_ratio must be positive", ErrInvalidRewardConfig)
	}
	return nil
}

// Observation is one finished execution.
type Observation struct {
	TaskID string
	Kind   datatypes.TaskKind

	// State and Action are the routing decision that produced the plan.
	State  routing.Features
	Action int

	Plan     datatypes.ExecutionPlan
	Outputs  []datatypes.AgentOutput
	Collapse *datatypes.CollapseResult

	// Err is the task error, if any.
	Err error

	// Latency is the wall time of the execution.
	Latency time.Duration
}

// Reward is the shaped reward and its parts.
type Reward struct {
	Value          float64 `json:"value"`
	Quality        float64 `json:"quality"`
	CostPenalty    float64 `json:"cost_penalty"`
	LatencyPenalty float64 `json:"latency_penalty"`
	Failed         bool    `json:"failed"`
	Skipped        bool    `json:"skipped,omitempty"`
}

// ComputeReward shapes obs into a reward under cfg.
func ComputeReward(cfg RewardConfig, obs Observation) Reward {
	var r Reward
	switch {
	case Aborted(obs.Err):
		r.Skipped = true
		return r
	case obs.Err != nil:
		r.Failed = true
		r.Quality = -cfg.FailurePenalty
	case obs.Collapse != nil:
		r.Quality = obs.Collapse.Chosen.ScoreValue()
	default:
		r.Quality = datatypes.MeanScore(obs.Outputs)
	}

	est := obs.Plan.Estimate
	r.CostPenalty = cfg.CostWeight * ratio(datatypes.TotalCost(obs.Outputs), est.MonetaryCost, cfg.MaxRatio)
	r.LatencyPenalty = cfg.LatencyWeight * ratio(float64(obs.Latency), float64(est.EstimatedLatency), cfg.MaxRatio)
	r.Value = cfg.QualityWeight*r.Quality - r.CostPenalty - r.LatencyPenalty
	return r
}

// Aborted reports whether err cancelled a task from outside. A deadline
// is not an abort: a plan that overran the task timeout is charged for it.
func Aborted(err error) bool {
	return datatypes.KindOf(err) == datatypes.KindCancelled && !errors.Is(err, context.DeadlineExceeded)
}

// ratio is actual/estimate clamped to [0, limit]. Without an estimate any
// positive actual costs the full limit.
func ratio(actual, estimate, limit float64) float64 {
	if actual <= 0 {
		return 0
	}
	if estimate <= 0 {
		return limit
	}
	return min(max(actual/estimate, 0), limit)
}
