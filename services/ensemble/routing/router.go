// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package routing chooses an orchestration strategy per task with a learned
// epsilon-greedy Q policy, and falls back to a deterministic plan whenever
// the policy is cold, slow, or has nothing valid to offer.
package routing

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/AleutianAI/AleutianEnsemble/services/ensemble/cost"
	"github.com/AleutianAI/AleutianEnsemble/services/ensemble/datatypes"
	"github.com/AleutianAI/AleutianEnsemble/services/ensemble/registry"
)

// =============================================================================
// Strategy Router
// =============================================================================

// Fallback reasons.
const (
	FallbackColdStart     = "cold_start"
	FallbackNoValidAction = "no_valid_action"
	FallbackTimeout       = "policy_timeout"
)

// ActionSelector is the read side of a routing policy.
type ActionSelector interface {
	SelectAction(state Features, valid []int) (int, bool)
	Samples() int64
}

// SuccessRates reports the historical success rate for a task kind.
type SuccessRates interface {
	SuccessRate(kind datatypes.TaskKind) float64
}

type neutralRates struct{}

func (neutralRates) SuccessRate(datatypes.TaskKind) float64 { return 0.5 }

// RouterConfig configures the Router.
type RouterConfig struct {
	// Timeout bounds one policy evaluation.
	Timeout time.Duration `yaml:"timeout" json:"timeout" validate:"gt=0"`

	// MinTrainingSamples is the sample count below which the policy is
	// considered cold and the deterministic fallback is used.
	MinTrainingSamples int64 `yaml:"min_training_samples" json:"min_training_samples" validate:"gte=0"`

	// MinConcurrentAgents is the independently capable agent count PARALLEL
	// and QUANTUM require.
	MinConcurrentAgents int `yaml:"min_concurrent_agents" json:"min_concurrent_agents" validate:"gte=2"`
}

// DefaultRouterConfig returns the default router configuration.
func DefaultRouterConfig() RouterConfig {
	return RouterConfig{
		Timeout:             50 * time.Millisecond,
		MinTrainingSamples:  20,
		MinConcurrentAgents: 2,
	}
}

// Decision is the router's output for one task.
type Decision struct {
	Plan     datatypes.ExecutionPlan `json:"plan"`
	Action   Action                  `json:"action"`
	State    Features                `json:"state"`
	Explored bool                    `json:"explored"`

	// Fallback is set when the deterministic plan was used; Reason says why.
	Fallback bool   `json:"fallback"`
	Reason   string `json:"reason,omitempty"`

	Warnings []datatypes.Warning `json:"warnings,omitempty"`
	Latency  time.Duration       `json:"latency"`
}

// RouterOption configures a Router.
type RouterOption func(*Router)

// WithRouterLogger sets the router logger.
func WithRouterLogger(logger *slog.Logger) RouterOption {
	return func(r *Router) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithSuccessRates sets the success-rate source for the history feature.
func WithSuccessRates(rates SuccessRates) RouterOption {
	return func(r *Router) {
		if rates != nil {
			r.rates = rates
		}
	}
}

// ParamResolver fills the execution defaults a plan's params will run
// with. *orchestrator.Orchestrator's ResolveParams satisfies it.
type ParamResolver func(datatypes.Strategy, datatypes.PlanParams) datatypes.PlanParams

// WithParamResolver resolves plan params before the plan is estimated, so
// the estimate counts the invocations that will actually run.
func WithParamResolver(resolve ParamResolver) RouterOption {
	return func(r *Router) {
		if resolve != nil {
			r.resolve = resolve
		}
	}
}

// Router turns a candidate analysis into an ExecutionPlan.
//
// Description:
//
//	Route extracts features, filters the action set by validity, and asks
//	the policy for an action under a deadline. The deterministic fallback
//	is SEQUENTIAL with the single highest-priority independently capable
//	candidate. When no single agent covers the task it is PIPELINE over the
//	cover instead, since SEQUENTIAL cannot run at all.
//
// Thread Safety: Router is safe for concurrent use.
type Router struct {
	selector ActionSelector
	actions  []Action
	cfg      RouterConfig
	rates    SuccessRates
	resolve  ParamResolver
	logger   *slog.Logger
}

// NewRouter creates a router.
//
// Inputs:
//
//	selector - The policy. Usually a *Policy.
//	actions - The action set the selector was built over.
//	cfg - Configuration. Out-of-range values are replaced by defaults.
func NewRouter(selector ActionSelector, actions []Action, cfg RouterConfig, opts ...RouterOption) *Router {
	def := DefaultRouterConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.MinTrainingSamples < 0 {
		cfg.MinTrainingSamples = def.MinTrainingSamples
	}
	if cfg.MinConcurrentAgents < 2 {
		cfg.MinConcurrentAgents = def.MinConcurrentAgents
	}
	r := &Router{
		selector: selector,
		actions:  actions,
		cfg:      cfg,
		rates:    neutralRates{},
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Actions returns the router's action set.
func (r *Router) Actions() []Action {
	return r.actions
}

type selection struct {
	action   int
	explored bool
}

// Route picks a strategy and builds the plan.
//
// Inputs:
//
//	ctx - Cancellation. Route never waits longer than RouterConfig.Timeout
//	      on the policy.
//	task - The task.
//	match - Candidate analysis after cost-estimate exclusions.
//	report - Cost estimates.
//
// Outputs:
//
//	*Decision - The decision; Plan.Candidates is never empty.
//	error - ctx.Err() on cancellation, NoCapableAgent if match is empty.
func (r *Router) Route(ctx context.Context, task datatypes.Task, match *registry.Match, report *cost.Report) (*Decision, error) {
	start := time.Now()
	if match == nil || len(match.Contributors) == 0 {
		return nil, datatypes.NewError(datatypes.KindNoCapableAgent, "route", fmt.Errorf("no candidates"), nil)
	}
	if report == nil {
		report = &cost.Report{}
	}

	state := Extract(task, match, report, r.rates.SuccessRate(task.Kind))

	valid := make([]int, 0, len(r.actions))
	for _, a := range r.actions {
		if a.Valid(match, r.cfg.MinConcurrentAgents) {
			valid = append(valid, a.ID)
		}
	}

	var d *Decision
	switch {
	case len(valid) == 0:
		d = r.fallback(task, match, report, state, FallbackNoValidAction)
	case r.selector.Samples() < r.cfg.MinTrainingSamples:
		d = r.fallback(task, match, report, state, FallbackColdStart)
	default:
		done := make(chan selection, 1)
		go func() {
			a, explored := r.selector.SelectAction(state, valid)
			done <- selection{action: a, explored: explored}
		}()

		timer := time.NewTimer(r.cfg.Timeout)
		defer timer.Stop()

		select {
		case s := <-done:
			d = r.build(task, match, report, state, r.actions[s.action])
			d.Explored = s.explored
		case <-timer.C:
			d = r.fallback(task, match, report, state, FallbackTimeout)
			d.Warnings = append(d.Warnings, datatypes.Warning{
				Kind:    datatypes.KindPolicyTimeout,
				Message: fmt.Sprintf("policy evaluation exceeded %s", r.cfg.Timeout),
			})
			r.logger.Warn("policy timeout, using fallback",
				slog.String("task_id", task.ID),
				slog.Duration("timeout", r.cfg.Timeout),
			)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	d.Latency = time.Since(start)
	mode := "exploit"
	switch {
	case d.Fallback:
		mode = "fallback"
		recordFallback(d.Reason)
	case d.Explored:
		mode = "explore"
	}
	recordDecision(d.Plan.Strategy, mode, d.Latency)

	r.logger.Info("routing decision",
		slog.String("task_id", task.ID),
		slog.String("strategy", string(d.Plan.Strategy)),
		slog.String("action", d.Action.Name),
		slog.String("mode", mode),
		slog.Int("candidates", len(d.Plan.Candidates)),
	)
	return d, nil
}

func (r *Router) fallback(task datatypes.Task, match *registry.Match, report *cost.Report, state Features, reason string) *Decision {
	var d *Decision
	if len(match.Independent) > 0 {
		a, _ := firstActionFor(r.actions, datatypes.StrategySequential)
		a.Strategy = datatypes.StrategySequential
		a.Params = datatypes.PlanParams{}
		d = r.buildWith(task, report, state, a, match.Independent[:1])
	} else {
		a, _ := firstActionFor(r.actions, datatypes.StrategyPipeline)
		a.Strategy = datatypes.StrategyPipeline
		d = r.buildWith(task, report, state, a, match.Cover)
	}
	d.Fallback = true
	d.Reason = reason
	return d
}

func (r *Router) build(task datatypes.Task, match *registry.Match, report *cost.Report, state Features, a Action) *Decision {
	return r.buildWith(task, report, state, a, match.For(a.Strategy))
}

func (r *Router) buildWith(task datatypes.Task, report *cost.Report, state Features, a Action, cands []datatypes.Candidate) *Decision {
	plan := datatypes.ExecutionPlan{
		TaskID:     task.ID,
		Strategy:   a.Strategy,
		Candidates: cands,
		Params:     a.Params,
	}
	if r.resolve != nil {
		plan.Params = r.resolve(plan.Strategy, plan.Params)
	}
	plan.Estimate = report.EstimatePlan(plan)
	return &Decision{
		Plan:   plan,
		Action: a,
		State:  state,
	}
}
