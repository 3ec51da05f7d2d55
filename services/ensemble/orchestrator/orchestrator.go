// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package orchestrator executes an ExecutionPlan under one of five
// strategies and tracks the task through its lifecycle.
//
// # Description
//
// Execute drives a task through PLANNING → EXECUTING → [COLLAPSING] →
// COMPLETED | FAILED. Every agent invocation that actually starts yields
// exactly one AgentOutput, successful or failed; invocations skipped
// because the task was already cancelled or the agent's circuit is open
// yield none. Agent errors and panics are captured into outputs and
// never escape as Go panics.
//
// Concurrency is bounded twice: per task by Config.Workers, and across
// all tasks by a weighted semaphore of Config.MaxInFlight. The semaphore
// counts running agent calls, including abandoned ones still running.
//
// # Thread Safety
//
// Orchestrator is safe for concurrent use. Each Execute call owns its
// own state; breakers and the semaphore are shared.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/semaphore"

	"github.com/AleutianAI/AleutianEnsemble/services/ensemble/collapse"
	"github.com/AleutianAI/AleutianEnsemble/services/ensemble/datatypes"
	"github.com/AleutianAI/AleutianEnsemble/services/ensemble/telemetry"
)

// ErrEmptyPlan is returned for a plan without candidates.
var ErrEmptyPlan = errors.New("execution plan has no candidates")

// ErrUnknownStrategy is returned for a plan naming no known strategy.
var ErrUnknownStrategy = errors.New("unknown strategy")

// Config configures the orchestrator.
type Config struct {
	// Workers bounds concurrent invocations within one task.
	Workers int `yaml:"workers" json:"workers" validate:"gte=1,lte=256"`

	// MaxInFlight bounds concurrent agent calls across all tasks. A call
	// holds its permit until the agent returns, even after its invocation
	// was abandoned on cancellation, so an agent that ignores ctx keeps
	// occupying a slot until it finishes.
	MaxInFlight int64 `yaml:"max_in_flight" json:"max_in_flight" validate:"gte=1"`

	// VariationTimeout is the QUANTUM per-variation deadline when the plan
	// does not set one.
	VariationTimeout time.Duration `yaml:"variation_timeout" json:"variation_timeout" validate:"gt=0"`

	// DefaultRounds and MaxRounds bound COLLABORATIVE rounds.
	DefaultRounds int `yaml:"default_rounds" json:"default_rounds" validate:"gte=1"`
	MaxRounds     int `yaml:"max_rounds" json:"max_rounds" validate:"gtefield=DefaultRounds"`

	// DefaultVariations is the QUANTUM count when the plan does not set one.
	DefaultVariations int `yaml:"default_variations" json:"default_variations" validate:"gte=2,lte=5"`

	// TemperatureBase and TemperatureStep shape the per-variation
	// "temperature" override: base + step*index.
	TemperatureBase float64 `yaml:"temperature_base" json:"temperature_base" validate:"gte=0"`
	TemperatureStep float64 `yaml:"temperature_step" json:"temperature_step" validate:"gte=0"`

	CircuitBreaker BreakerConfig `yaml:"circuit_breaker" json:"circuit_breaker"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Workers:           8,
		MaxInFlight:       64,
		VariationTimeout:  30 * time.Second,
		DefaultRounds:     3,
		MaxRounds:         10,
		DefaultVariations: 3,
		TemperatureBase:   0.2,
		TemperatureStep:   0.3,
		CircuitBreaker:    DefaultBreakerConfig(),
	}
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the orchestrator logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithClock replaces time.Now for breaker timing. Tests only.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

// Outcome is everything Execute learned about one task.
//
// Outputs holds one entry per started invocation, in completion order
// for concurrent strategies and invocation order otherwise.
type Outcome struct {
	TaskID      string                    `json:"task_id"`
	Strategy    datatypes.Strategy        `json:"strategy"`
	State       TaskState                 `json:"state"`
	Outputs     []datatypes.AgentOutput   `json:"outputs"`
	Chosen      *datatypes.AgentOutput    `json:"chosen,omitempty"`
	Collapse    *datatypes.CollapseResult `json:"collapse,omitempty"`
	Rounds      int                       `json:"rounds,omitempty"`
	Warnings    []datatypes.Warning       `json:"warnings,omitempty"`
	Transitions []StateChange             `json:"transitions"`
	Duration    time.Duration             `json:"duration"`
}

// Orchestrator executes plans.
type Orchestrator struct {
	cfg      Config
	sm       *StateMachine
	collapse *collapse.Engine
	sem      *semaphore.Weighted
	breakers *breakerSet
	logger   *slog.Logger
	now      func() time.Time
}

// New creates an orchestrator. Out-of-range config values are clamped.
func New(cfg Config, engine *collapse.Engine, opts ...Option) *Orchestrator {
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = def.MaxInFlight
	}
	if cfg.VariationTimeout <= 0 {
		cfg.VariationTimeout = def.VariationTimeout
	}
	if cfg.DefaultRounds <= 0 {
		cfg.DefaultRounds = def.DefaultRounds
	}
	cfg.MaxRounds = max(cfg.MaxRounds, cfg.DefaultRounds)
	cfg.DefaultVariations = clampVariations(cfg.DefaultVariations, def.DefaultVariations)
	if cfg.CircuitBreaker.FailureThreshold <= 0 {
		cfg.CircuitBreaker.FailureThreshold = def.CircuitBreaker.FailureThreshold
	}
	if cfg.CircuitBreaker.SuccessThreshold <= 0 {
		cfg.CircuitBreaker.SuccessThreshold = def.CircuitBreaker.SuccessThreshold
	}
	if cfg.CircuitBreaker.OpenDuration <= 0 {
		cfg.CircuitBreaker.OpenDuration = def.CircuitBreaker.OpenDuration
	}
	if cfg.CircuitBreaker.HalfOpenMax <= 0 {
		cfg.CircuitBreaker.HalfOpenMax = def.CircuitBreaker.HalfOpenMax
	}
	if engine == nil {
		engine = collapse.NewEngine(collapse.DefaultWeights())
	}

	o := &Orchestrator{
		cfg:      cfg,
		sm:       NewStateMachine(),
		collapse: engine,
		sem:      semaphore.NewWeighted(cfg.MaxInFlight),
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	o.breakers = newBreakerSet(cfg.CircuitBreaker, o.now)
	return o
}

// Config returns the effective configuration.
func (o *Orchestrator) Config() Config {
	return o.cfg
}

// BreakerStats returns per-agent circuit breaker snapshots.
func (o *Orchestrator) BreakerStats() map[string]BreakerStats {
	return o.breakers.stats()
}

// strategyResult is what an executor hands back to Execute.
type strategyResult struct {
	outputs  []datatypes.AgentOutput
	chosen   *datatypes.AgentOutput
	rounds   int
	warnings []datatypes.Warning
	err      error
}

// Execute runs plan for task.
//
// # Inputs
//
//   - ctx: Cancellation and deadline for the whole task. Cancelling it
//     cancels every running invocation.
//   - task: The task being executed.
//   - plan: The routing decision. Must carry at least one candidate.
//
// # Outputs
//
//   - *Outcome: Always non-nil, including on error, so callers can learn
//     from failed executions.
//   - error: A *datatypes.Error of kind StrategyFailed, CollapseFailed or
//     Cancelled carrying partial outputs, or nil.
func (o *Orchestrator) Execute(ctx context.Context, task datatypes.Task, plan datatypes.ExecutionPlan) (*Outcome, error) {
	start := time.Now()
	r := newRun(o.sm, task.ID)
	outcome := &Outcome{TaskID: task.ID, Strategy: plan.Strategy}

	ctx, span := telemetry.StartSpan(ctx, telemetry.TracerOrchestrator, "orchestrator.Execute")
	span.SetAttributes(
		attribute.String("task.id", task.ID),
		attribute.String("strategy", string(plan.Strategy)),
		attribute.Int("candidates", len(plan.Candidates)),
	)
	logger := telemetry.LoggerWithTrace(ctx, o.logger).With(
		slog.String("task_id", task.ID),
		slog.String("strategy", string(plan.Strategy)),
	)

	finish := func(res strategyResult) (*Outcome, error) {
		outcome.Outputs = res.outputs
		outcome.Chosen = res.chosen
		outcome.Rounds = res.rounds
		outcome.Warnings = append(outcome.Warnings, res.warnings...)
		final := StateCompleted
		if res.err != nil {
			final = StateFailed
		}
		if err := r.to(final); err != nil {
			logger.Error("task state transition rejected", slog.String("error", err.Error()))
		}
		outcome.State = r.current()
		outcome.Transitions = r.changes()
		outcome.Duration = time.Since(start)

		recordExecution(plan.Strategy, res.err, outcome.Duration)
		telemetry.EndSpan(span, res.err)
		if res.err != nil {
			logger.Warn("task failed",
				slog.String("error", res.err.Error()),
				slog.Int("outputs", len(res.outputs)),
			)
		} else {
			logger.Info("task completed",
				slog.Int("outputs", len(res.outputs)),
				slog.Duration("duration", outcome.Duration),
			)
		}
		return outcome, res.err
	}

	if len(plan.Candidates) == 0 {
		return finish(strategyResult{err: datatypes.NewError(datatypes.KindStrategyFailed, "execute", ErrEmptyPlan, nil)})
	}
	if err := r.to(StateExecuting); err != nil {
		return finish(strategyResult{err: err})
	}

	var res strategyResult
	switch plan.Strategy {
	case datatypes.StrategySequential:
		res = o.runSequential(ctx, task, plan)
	case datatypes.StrategyParallel:
		res = o.runParallel(ctx, task, plan)
	case datatypes.StrategyPipeline:
		res = o.runPipeline(ctx, task, plan)
	case datatypes.StrategyCollaborative:
		res = o.runCollaborative(ctx, task, plan)
	case datatypes.StrategyQuantum:
		res = o.runQuantum(ctx, task, plan)
		if res.err == nil {
			if err := r.to(StateCollapsing); err != nil {
				res.err = err
				break
			}
			o.collapseInto(ctx, &res, plan, outcome)
		}
	default:
		res.err = datatypes.NewError(datatypes.KindStrategyFailed, "execute",
			fmt.Errorf("%w: %q", ErrUnknownStrategy, plan.Strategy), nil)
	}
	return finish(res)
}

// collapseInto reduces QUANTUM outputs and records the result.
func (o *Orchestrator) collapseInto(ctx context.Context, res *strategyResult, plan datatypes.ExecutionPlan, outcome *Outcome) {
	method := plan.Params.CollapseMethod
	if !method.Valid() {
		method = datatypes.CollapseBestScore
	}
	_, span := telemetry.StartSpan(ctx, telemetry.TracerOrchestrator, "orchestrator.Collapse")
	span.SetAttributes(attribute.String("method", string(method)), attribute.Int("outputs", len(res.outputs)))

	cr, err := o.collapse.Collapse(res.outputs, method)
	telemetry.EndSpan(span, err)
	if err != nil {
		res.err = err
		return
	}
	chosen := cr.Chosen
	res.chosen = &chosen
	outcome.Collapse = &cr
}

// invocation describes one agent call.
type invocation struct {
	cand   datatypes.Candidate
	task   datatypes.Task
	params datatypes.Params
}

// invoke runs one agent call and returns its output.
//
// It returns a nil output when the invocation never started: ctx was
// already done, the global semaphore could not be acquired, or the
// agent's circuit is open. The last case also returns an
// AgentUnavailable warning.
//
// The call runs on its own goroutine so that an agent ignoring ctx still
// yields a timely failed output; its late result is discarded. The
// semaphore permit is released by that goroutine, not by invoke.
func (o *Orchestrator) invoke(ctx context.Context, inv invocation) (*datatypes.AgentOutput, *datatypes.Warning) {
	if ctx.Err() != nil {
		return nil, nil
	}

	var release func()
	var br *breaker
	if o.cfg.CircuitBreaker.Enabled {
		br = o.breakers.get(inv.cand.Name)
		ok, rel := br.allow()
		if !ok {
			recordBreakerRejection(inv.cand.Name)
			return nil, &datatypes.Warning{
				Kind:    datatypes.KindAgentUnavailable,
				Agent:   inv.cand.Name,
				Message: "circuit open, invocation skipped",
			}
		}
		release = rel
	}
	if release != nil {
		defer release()
	}

	if err := o.sem.Acquire(ctx, 1); err != nil {
		return nil, nil
	}

	ctx, span := telemetry.StartSpan(ctx, telemetry.TracerOrchestrator, "orchestrator.invoke")
	span.SetAttributes(
		attribute.String("agent", inv.cand.Name),
		attribute.String("variation_id", inv.params.VariationID),
	)

	out := &datatypes.AgentOutput{
		AgentRef:    inv.cand.Name,
		VariationID: inv.params.VariationID,
		Round:       inv.params.Round,
		Stage:       inv.params.Stage,
		StartedAt:   time.Now(),
	}

	type result struct {
		resp datatypes.Response
		err  error
	}
	done := make(chan result, 1)
	go func() {
		defer o.sem.Release(1)
		resp, err := safeExecute(ctx, inv.cand.Agent, inv.task, inv.params)
		done <- result{resp, err}
	}()

	var res result
	select {
	case res = <-done:
	case <-ctx.Done():
		res = result{err: ctx.Err()}
	}
	out.CompletedAt = time.Now()
	out.LatencyActual = out.CompletedAt.Sub(out.StartedAt)

	if res.err != nil {
		kind := classify(ctx, res.err)
		out.Fail(kind, res.err)
		if kind != datatypes.KindCancelled {
			if br != nil {
				br.recordFailure()
			}
			telemetry.LoggerWithTrace(ctx, o.logger).Warn("agent invocation failed",
				slog.String("agent", inv.cand.Name),
				slog.String("kind", string(kind)),
				slog.String("error", res.err.Error()),
			)
		}
	} else {
		out.Payload = res.resp.Payload
		out.CostActual = res.resp.Cost
		out.EquivalenceKey = res.resp.EquivalenceKey
		if res.resp.Score != nil {
			out.Score = datatypes.Score(min(max(*res.resp.Score, 0), 1))
		}
		if br != nil {
			br.recordSuccess()
		}
	}

	recordInvocation(inv.cand.Name, out)
	if out.Err != nil {
		telemetry.EndSpan(span, out.Err)
	} else {
		span.SetAttributes(attribute.Float64("score", out.ScoreValue()))
		telemetry.EndSpan(span, nil)
	}
	return out, nil
}

// classify maps an invocation error to its kind.
func classify(ctx context.Context, err error) datatypes.Kind {
	switch {
	case errors.Is(err, datatypes.ErrAgentPanic):
		return datatypes.KindAgentPanic
	case errors.Is(ctx.Err(), context.DeadlineExceeded), errors.Is(err, context.DeadlineExceeded):
		return datatypes.KindAgentTimeout
	case errors.Is(ctx.Err(), context.Canceled), errors.Is(err, context.Canceled):
		return datatypes.KindCancelled
	default:
		return datatypes.KindAgentExecution
	}
}

func safeExecute(ctx context.Context, agent datatypes.Agent, task datatypes.Task, params datatypes.Params) (resp datatypes.Response, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v\n%s", datatypes.ErrAgentPanic, r, debug.Stack())
		}
	}()
	return agent.Execute(ctx, task, params)
}

// collector gathers outputs from concurrent invocations.
type collector struct {
	mu        sync.Mutex
	outputs   []datatypes.AgentOutput
	warnings  []datatypes.Warning
	successes int
}

// add records an invocation result and returns the running success count.
func (c *collector) add(out *datatypes.AgentOutput, w *datatypes.Warning) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if w != nil {
		c.warnings = append(c.warnings, *w)
	}
	if out != nil {
		c.outputs = append(c.outputs, *out)
		if out.OK() {
			c.successes++
		}
	}
	return c.successes
}

func cancelled(op string, cause error, partial []datatypes.AgentOutput) *datatypes.Error {
	return datatypes.NewError(datatypes.KindCancelled, op, cause, partial)
}

func failed(op string, cause error, partial []datatypes.AgentOutput) *datatypes.Error {
	return datatypes.NewError(datatypes.KindStrategyFailed, op, cause, partial)
}

func clampVariations(n, fallback int) int {
	if n == 0 {
		return fallback
	}
	return min(max(n, 2), 5)
}

// ResolveParams fills the defaults and bounds Execute applies to params
// under strategy: the QUANTUM variation count and the COLLABORATIVE round
// limit. Resolving an already resolved value is a no-op.
func (o *Orchestrator) ResolveParams(strategy datatypes.Strategy, params datatypes.PlanParams) datatypes.PlanParams {
	switch strategy {
	case datatypes.StrategyQuantum:
		params.VariationCount = clampVariations(params.VariationCount, o.cfg.DefaultVariations)
	case datatypes.StrategyCollaborative:
		if params.Rounds <= 0 {
			params.Rounds = o.cfg.DefaultRounds
		}
		params.Rounds = min(params.Rounds, o.cfg.MaxRounds)
	}
	return params
}
