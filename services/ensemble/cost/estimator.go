// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package cost collects pre-execution cost estimates from candidate agents
// and aggregates them into plan-level estimates.
package cost

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/AleutianEnsemble/services/ensemble/datatypes"
)

// Config configures the Estimator.
type Config struct {
	// Workers bounds concurrent estimate_cost calls.
	Workers int `yaml:"workers" json:"workers" validate:"gte=1,lte=256"`

	// Timeout bounds each individual call. Slower agents are excluded.
	Timeout time.Duration `yaml:"timeout" json:"timeout" validate:"gt=0"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Workers: 8,
		Timeout: 2 * time.Second,
	}
}

// Option configures an Estimator.
type Option func(*Estimator)

// WithLogger sets the estimator logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Estimator) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// Estimator asks candidates for cost estimates concurrently.
//
// # Thread Safety
//
// Safe for concurrent use; it holds no mutable state.
type Estimator struct {
	cfg    Config
	logger *slog.Logger
}

// NewEstimator creates an estimator. Invalid config values are replaced by
// defaults.
func NewEstimator(cfg Config, opts ...Option) *Estimator {
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	e := &Estimator{cfg: cfg, logger: slog.Default()}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Report holds the per-agent estimates of one Estimate call.
type Report struct {
	// PerAgent holds the estimate of every agent that answered in time.
	// Agents whose call failed appear with a zero-confidence estimate.
	PerAgent map[string]datatypes.CostEstimate

	// Excluded names agents dropped for exceeding the timeout.
	Excluded map[string]bool

	// Warnings describe every exclusion and failure.
	Warnings []datatypes.Warning
}

type estimateResult struct {
	name     string
	estimate datatypes.CostEstimate
	kind     datatypes.Kind
	err      error
}

// Estimate queries every candidate.
//
// # Description
//
// Calls run on an errgroup bounded by Config.Workers. Each call gets its
// own deadline; a call that overruns it is abandoned (the estimator does
// not wait for it) and the agent is excluded with a CostEstimateTimeout
// warning. An agent returning an error stays eligible with a
// zero-confidence estimate and an EstimateFailed warning.
//
// # Outputs
//
//   - *Report: Always non-nil when err is nil.
//   - error: ctx.Err() if the caller's context ended.
func (e *Estimator) Estimate(ctx context.Context, candidates []datatypes.Candidate, task datatypes.Task) (*Report, error) {
	start := time.Now()
	results := make([]estimateResult, len(candidates))

	var g errgroup.Group
	g.SetLimit(e.cfg.Workers)
	for i, cand := range candidates {
		g.Go(func() error {
			results[i] = e.estimateOne(ctx, cand, task)
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	report := &Report{
		PerAgent: make(map[string]datatypes.CostEstimate, len(candidates)),
		Excluded: map[string]bool{},
	}
	for _, r := range results {
		switch r.kind {
		case datatypes.KindCostEstimateTimeout:
			report.Excluded[r.name] = true
			report.Warnings = append(report.Warnings, datatypes.Warning{
				Kind:    r.kind,
				Agent:   r.name,
				Message: fmt.Sprintf("estimate exceeded %s, agent excluded", e.cfg.Timeout),
			})
			e.logger.Warn("cost estimate timeout, excluding agent",
				slog.String("task_id", task.ID),
				slog.String("agent", r.name),
				slog.Duration("timeout", e.cfg.Timeout),
			)
		case datatypes.KindEstimateFailed:
			report.PerAgent[r.name] = datatypes.CostEstimate{}
			report.Warnings = append(report.Warnings, datatypes.Warning{
				Kind:    r.kind,
				Agent:   r.name,
				Message: r.err.Error(),
			})
			e.logger.Warn("cost estimate failed",
				slog.String("task_id", task.ID),
				slog.String("agent", r.name),
				slog.String("error", r.err.Error()),
			)
		default:
			report.PerAgent[r.name] = r.estimate
		}
		recordEstimate(r.kind)
	}

	recordEstimateDuration(time.Since(start))
	return report, nil
}

func (e *Estimator) estimateOne(ctx context.Context, cand datatypes.Candidate, task datatypes.Task) estimateResult {
	callCtx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	done := make(chan estimateResult, 1)
	go func() {
		est, err := safeEstimate(callCtx, cand.Agent, task)
		done <- estimateResult{name: cand.Name, estimate: est, err: err}
	}()

	select {
	case r := <-done:
		if r.err == nil {
			return r
		}
		if ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			r.kind = datatypes.KindCostEstimateTimeout
			return r
		}
		r.kind = datatypes.KindEstimateFailed
		return r
	case <-callCtx.Done():
		r := estimateResult{name: cand.Name, err: callCtx.Err()}
		if ctx.Err() == nil {
			r.kind = datatypes.KindCostEstimateTimeout
		} else {
			r.kind = datatypes.KindEstimateFailed
		}
		return r
	}
}

func safeEstimate(ctx context.Context, agent datatypes.Agent, task datatypes.Task) (est datatypes.CostEstimate, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: estimate: %v", datatypes.ErrAgentPanic, r)
		}
	}()
	return agent.EstimateCost(ctx, task)
}

// Aggregate folds the report's estimates for the given candidates into a
// plan-level estimate under strategy. Candidates missing from the report
// are skipped.
func (r *Report) Aggregate(strategy datatypes.Strategy, candidates []datatypes.Candidate) datatypes.PlanCostEstimate {
	return r.aggregateInvocations(strategy, candidates)
}

// EstimatePlan estimates plan by counting one agent estimate per planned
// invocation.
//
// # Description
//
// Plan params must already be resolved (see orchestrator.ResolveParams):
//
//   - SEQUENTIAL without RequireAll plans only its first candidate.
//   - QUANTUM runs VariationCount variations assigned to the candidates
//     round-robin; 0 means one per candidate. Latency is the slowest
//     variation.
//   - COLLABORATIVE runs every candidate once per round, concurrently
//     within a round. Cost and latency scale by Rounds, an upper bound
//     since execution may stop early.
//   - PARALLEL and PIPELINE invoke each candidate once.
//
// Candidates missing from the report are skipped.
func (r *Report) EstimatePlan(plan datatypes.ExecutionPlan) datatypes.PlanCostEstimate {
	cands := plan.Candidates
	if plan.Strategy == datatypes.StrategySequential && !plan.Params.RequireAll && len(cands) > 1 {
		cands = cands[:1]
	}

	switch plan.Strategy {
	case datatypes.StrategyQuantum:
		n := plan.Params.VariationCount
		if n <= 0 {
			n = len(cands)
		}
		invocations := make([]datatypes.Candidate, 0, n)
		for i := 0; i < n && len(cands) > 0; i++ {
			invocations = append(invocations, cands[i%len(cands)])
		}
		return r.aggregateInvocations(datatypes.StrategyQuantum, invocations)

	case datatypes.StrategyCollaborative:
		rounds := max(plan.Params.Rounds, 1)
		est := r.aggregateInvocations(datatypes.StrategyParallel, cands)
		est.MonetaryCost *= float64(rounds)
		est.EstimatedLatency *= time.Duration(rounds)
		return est

	default:
		return r.aggregateInvocations(plan.Strategy, cands)
	}
}

// aggregateInvocations is Aggregate with one entry per invocation, so an
// agent invoked twice is counted twice.
func (r *Report) aggregateInvocations(strategy datatypes.Strategy, invocations []datatypes.Candidate) datatypes.PlanCostEstimate {
	per := make(map[string]datatypes.CostEstimate, len(invocations))
	ests := make([]datatypes.CostEstimate, 0, len(invocations))
	for _, c := range invocations {
		est, ok := r.PerAgent[c.Name]
		if !ok {
			continue
		}
		per[c.Name] = est
		ests = append(ests, est)
	}
	plan := Aggregate(strategy, ests)
	plan.PerAgent = per
	return plan
}

// Aggregate combines estimates under a strategy.
//
// # Description
//
// Monetary cost is always summed. Latency is the maximum for concurrent
// strategies (PARALLEL, QUANTUM) and the sum otherwise. Confidence is the
// minimum over all estimates, 0 when there are none.
func Aggregate(strategy datatypes.Strategy, estimates []datatypes.CostEstimate) datatypes.PlanCostEstimate {
	var plan datatypes.PlanCostEstimate
	if len(estimates) == 0 {
		return plan
	}
	plan.Confidence = math.Inf(1)
	for _, est := range estimates {
		plan.MonetaryCost += est.MonetaryCost
		if strategy.Concurrent() {
			plan.EstimatedLatency = max(plan.EstimatedLatency, est.EstimatedLatency)
		} else {
			plan.EstimatedLatency += est.EstimatedLatency
		}
		plan.Confidence = math.Min(plan.Confidence, est.Confidence)
	}
	return plan
}
