// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ensemble is the task submission surface of the multi-strategy
// agent engine.
//
// # Description
//
// Service.Submit runs one task through the full pipeline:
//
//	validate -> admit -> match -> estimate -> route -> execute -> learn
//
// Matching and estimation narrow the registry to capable, responsive
// agents; the router picks a strategy from its learned policy; the
// orchestrator runs it; the feedback loop turns the outcome into a
// training transition off the request path. Routing, execution and
// collapse each publish a telemetry event.
//
// Handlers exposes Submit and policy administration over HTTP, plus a
// websocket stream of telemetry events.
//
// # Thread Safety
//
// Service is safe for concurrent use. Concurrent submissions share the
// orchestrator's global invocation pool.
package ensemble

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/AleutianEnsemble/services/ensemble/checkpoint"
	"github.com/AleutianAI/AleutianEnsemble/services/ensemble/collapse"
	"github.com/AleutianAI/AleutianEnsemble/services/ensemble/cost"
	"github.com/AleutianAI/AleutianEnsemble/services/ensemble/datatypes"
	"github.com/AleutianAI/AleutianEnsemble/services/ensemble/feedback"
	"github.com/AleutianAI/AleutianEnsemble/services/ensemble/orchestrator"
	"github.com/AleutianAI/AleutianEnsemble/services/ensemble/registry"
	"github.com/AleutianAI/AleutianEnsemble/services/ensemble/routing"
	"github.com/AleutianAI/AleutianEnsemble/services/ensemble/telemetry"
)

var (
	// ErrRateLimited is returned by Submit when admission is refused.
	ErrRateLimited = errors.New("submission rate limit exceeded")

	// ErrMissingComponent is returned by NewService for a nil dependency.
	ErrMissingComponent = errors.New("missing service component")

	// ErrNoCheckpointer is returned by Checkpoint when none is configured.
	ErrNoCheckpointer = errors.New("checkpointing is not configured")
)

// Config configures admission and deadlines.
type Config struct {
	// RateLimit is admitted submissions per second. Zero disables limiting.
	RateLimit float64 `yaml:"rate_limit" json:"rate_limit" validate:"gte=0"`

	// Burst is the admission bucket size.
	Burst int `yaml:"burst" json:"burst" validate:"gte=1"`

	// TaskTimeout is the overall deadline of one submission.
	TaskTimeout time.Duration `yaml:"task_timeout" json:"task_timeout" validate:"gt=0"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		RateLimit:   50,
		Burst:       100,
		TaskTimeout: 2 * time.Minute,
	}
}

// Components are the collaborators a Service drives.
//
// Registry, Router, Orchestrator and Feedback are required. A nil
// Estimator, Events or Collapse is replaced by a default instance.
type Components struct {
	Registry     *registry.Registry
	Estimator    *cost.Estimator
	Policy       *routing.Policy
	Router       *routing.Router
	Orchestrator *orchestrator.Orchestrator
	Collapse     *collapse.Engine
	Feedback     *feedback.Loop
	Events       *telemetry.Emitter
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the service logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithInstruments records OTel submission metrics.
func WithInstruments(inst *telemetry.Instruments) Option {
	return func(s *Service) {
		s.instruments = inst
	}
}

// WithCheckpointer enables Checkpoint and the checkpoint endpoint.
func WithCheckpointer(c *checkpoint.Checkpointer) Option {
	return func(s *Service) {
		s.checkpointer = c
	}
}

// Result is a successful submission.
type Result struct {
	TaskID   string                    `json:"task_id"`
	Strategy datatypes.Strategy        `json:"strategy"`
	Action   string                    `json:"action"`
	Explored bool                      `json:"explored"`
	Fallback bool                      `json:"fallback"`
	Output   *datatypes.AgentOutput    `json:"output"`
	Outputs  []datatypes.AgentOutput   `json:"outputs"`
	Collapse *datatypes.CollapseResult `json:"collapse,omitempty"`
	Rounds   int                       `json:"rounds,omitempty"`
	Warnings []datatypes.Warning       `json:"warnings,omitempty"`
	Reward   float64                   `json:"reward"`
	Duration time.Duration             `json:"duration"`
}

// Service wires the engine components into Submit.
type Service struct {
	cfg          Config
	registry     *registry.Registry
	estimator    *cost.Estimator
	policy       *routing.Policy
	router       *routing.Router
	orch         *orchestrator.Orchestrator
	collapse     *collapse.Engine
	feedback     *feedback.Loop
	events       *telemetry.Emitter
	instruments  *telemetry.Instruments
	checkpointer *checkpoint.Checkpointer
	limiter      *rate.Limiter
	logger       *slog.Logger
}

// NewService creates a Service.
//
// # Outputs
//
//   - *Service: Ready for Submit.
//   - error: ErrMissingComponent naming the nil dependency.
func NewService(cfg Config, c Components, opts ...Option) (*Service, error) {
	switch {
	case c.Registry == nil:
		return nil, fmt.Errorf("%w: registry", ErrMissingComponent)
	case c.Router == nil:
		return nil, fmt.Errorf("%w: router", ErrMissingComponent)
	case c.Orchestrator == nil:
		return nil, fmt.Errorf("%w: orchestrator", ErrMissingComponent)
	case c.Feedback == nil:
		return nil, fmt.Errorf("%w: feedback loop", ErrMissingComponent)
	}
	def := DefaultConfig()
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = def.TaskTimeout
	}
	if cfg.Burst <= 0 {
		cfg.Burst = def.Burst
	}
	if c.Estimator == nil {
		c.Estimator = cost.NewEstimator(cost.DefaultConfig())
	}
	if c.Collapse == nil {
		c.Collapse = collapse.NewEngine(collapse.DefaultWeights())
	}
	if c.Events == nil {
		c.Events = telemetry.NewEmitter()
	}

	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	s := &Service{
		cfg:       cfg,
		registry:  c.Registry,
		estimator: c.Estimator,
		policy:    c.Policy,
		router:    c.Router,
		orch:      c.Orchestrator,
		collapse:  c.Collapse,
		feedback:  c.Feedback,
		events:    c.Events,
		limiter:   rate.NewLimiter(limit, cfg.Burst),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Submit runs task to completion.
//
// # Inputs
//
//   - ctx: Caller cancellation. Cancelling it cancels every in-flight
//     agent invocation of the task.
//   - task: The task. An empty ID is replaced by a UUID.
//
// # Outputs
//
//   - *Result: The chosen output and everything gathered on the way.
//   - error: ErrRateLimited, a wrapped datatypes.ErrInvalidTask, or a
//     *datatypes.Error of kind NoCapableAgent, StrategyFailed,
//     CollapseFailed or Cancelled carrying partial outputs.
func (s *Service) Submit(ctx context.Context, task datatypes.Task) (*Result, error) {
	start := time.Now()
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if err := task.Validate(); err != nil {
		recordSubmission(task.Kind, "invalid")
		return nil, err
	}
	if !s.limiter.Allow() {
		recordSubmission(task.Kind, "rate_limited")
		s.instruments.RecordSubmit(ctx, string(task.Kind), "", "rate_limited", 0, 0)
		return nil, ErrRateLimited
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.TaskTimeout)
	defer cancel()

	ctx, span := telemetry.StartSpan(ctx, telemetry.TracerService, "ensemble.Submit")
	span.SetAttributes(
		attribute.String("task.id", task.ID),
		attribute.String("task.kind", string(task.Kind)),
		attribute.String("task.required", task.RequiredCapabilities.String()),
	)
	logger := telemetry.LoggerWithTrace(ctx, s.logger).With(slog.String("task_id", task.ID))

	if s.instruments != nil {
		s.instruments.ActiveTasks.Add(ctx, 1)
		defer s.instruments.ActiveTasks.Add(ctx, -1)
	}

	res, err := s.submit(ctx, task, logger)
	telemetry.EndSpan(span, err)

	outcome := "completed"
	strategy, reward := "", 0.0
	if res != nil {
		strategy, reward = string(res.Strategy), res.Reward
	}
	if err != nil {
		outcome = string(datatypes.KindOf(err))
		if outcome == "" {
			outcome = "error"
		}
	}
	recordSubmission(task.Kind, outcome)
	s.instruments.RecordSubmit(ctx, string(task.Kind), strategy, outcome, time.Since(start), reward)
	if err != nil {
		return nil, err
	}
	res.Duration = time.Since(start)
	return res, nil
}

func (s *Service) submit(ctx context.Context, task datatypes.Task, logger *slog.Logger) (*Result, error) {
	match, err := s.registry.Match(task.RequiredCapabilities)
	if err != nil {
		logger.Warn("no capable agent", slog.String("required", task.RequiredCapabilities.String()))
		return nil, err
	}

	report, err := s.estimator.Estimate(ctx, match.All(), task)
	if err != nil {
		return nil, datatypes.NewError(datatypes.KindCancelled, "estimate", err, nil)
	}
	match, err = match.Without(report.Excluded)
	if err != nil {
		logger.Warn("no capable agent after estimate exclusions", slog.Int("excluded", len(report.Excluded)))
		return nil, err
	}

	decision, err := s.router.Route(ctx, task, match, report)
	if err != nil {
		if ctx.Err() != nil && datatypes.KindOf(err) == "" {
			return nil, datatypes.NewError(datatypes.KindCancelled, "route", err, nil)
		}
		return nil, err
	}
	s.events.Publish(ctx, telemetry.EventRoutingDecision, task.ID, routingData(task, decision))

	outcome, execErr := s.orch.Execute(ctx, task, decision.Plan)
	if outcome.Collapse != nil {
		s.events.Publish(ctx, telemetry.EventCollapsePerformed, task.ID, collapseData(outcome.Collapse))
		logger.Info("collapse performed",
			slog.String("method", string(outcome.Collapse.Method)),
			slog.String("chosen", outcome.Collapse.Chosen.VariationID),
			slog.Int("discarded", outcome.Collapse.DiscardedCount),
		)
	}

	reward := s.feedback.Observe(feedback.Observation{
		TaskID:   task.ID,
		Kind:     task.Kind,
		State:    decision.State,
		Action:   decision.Action.ID,
		Plan:     decision.Plan,
		Outputs:  outcome.Outputs,
		Collapse: outcome.Collapse,
		Err:      execErr,
		Latency:  outcome.Duration,
	})

	warnings := make([]datatypes.Warning, 0, len(report.Warnings)+len(decision.Warnings)+len(outcome.Warnings))
	warnings = append(warnings, report.Warnings...)
	warnings = append(warnings, decision.Warnings...)
	warnings = append(warnings, outcome.Warnings...)

	s.events.Publish(ctx, telemetry.EventExecutionCompleted, task.ID,
		executionData(task, outcome, warnings, reward.Value, execErr))

	if execErr != nil {
		logger.Warn("strategy failed",
			slog.String("strategy", string(decision.Plan.Strategy)),
			slog.String("kind", string(datatypes.KindOf(execErr))),
			slog.Int("partial_outputs", len(datatypes.PartialOutputs(execErr))),
		)
		return nil, execErr
	}

	return &Result{
		TaskID:   task.ID,
		Strategy: decision.Plan.Strategy,
		Action:   decision.Action.Name,
		Explored: decision.Explored,
		Fallback: decision.Fallback,
		Output:   outcome.Chosen,
		Outputs:  outcome.Outputs,
		Collapse: outcome.Collapse,
		Rounds:   outcome.Rounds,
		Warnings: warnings,
		Reward:   reward.Value,
	}, nil
}

func routingData(task datatypes.Task, d *routing.Decision) telemetry.RoutingDecisionData {
	return telemetry.RoutingDecisionData{
		Kind:             string(task.Kind),
		Strategy:         string(d.Plan.Strategy),
		Action:           d.Action.Name,
		ActionID:         d.Action.ID,
		StateKey:         d.State.Key(),
		Explored:         d.Explored,
		Fallback:         d.Fallback,
		Reason:           d.Reason,
		Candidates:       d.Plan.CandidateNames(),
		EstimatedCost:    d.Plan.Estimate.MonetaryCost,
		EstimatedLatency: d.Plan.Estimate.EstimatedLatency,
		Latency:          d.Latency,
	}
}

func collapseData(cr *datatypes.CollapseResult) telemetry.CollapsePerformedData {
	return telemetry.CollapsePerformedData{
		Method:      string(cr.Method),
		Chosen:      cr.Chosen.AgentRef,
		VariationID: cr.Chosen.VariationID,
		Score:       cr.Chosen.ScoreValue(),
		Discarded:   cr.DiscardedCount,
	}
}

func executionData(task datatypes.Task, o *orchestrator.Outcome, warnings []datatypes.Warning, reward float64, err error) telemetry.ExecutionCompletedData {
	d := telemetry.ExecutionCompletedData{
		Kind:       string(task.Kind),
		Strategy:   string(o.Strategy),
		State:      o.State.String(),
		Outputs:    len(o.Outputs),
		Successful: len(datatypes.Successful(o.Outputs)),
		Cost:       datatypes.TotalCost(o.Outputs),
		Reward:     reward,
		Rounds:     o.Rounds,
		ErrorKind:  string(datatypes.KindOf(err)),
		Duration:   o.Duration,
	}
	if o.Chosen != nil {
		d.Chosen = o.Chosen.AgentRef
		d.Score = o.Chosen.ScoreValue()
	}
	for _, w := range warnings {
		d.Warnings = append(d.Warnings, w.String())
	}
	return d
}

// Agents returns the registered agents in priority order.
func (s *Service) Agents() []datatypes.Candidate {
	return s.registry.Agents()
}

// Events returns the telemetry emitter.
func (s *Service) Events() *telemetry.Emitter {
	return s.events
}

// ExportPolicy serializes the routing policy.
func (s *Service) ExportPolicy() ([]byte, error) {
	if s.policy == nil {
		return nil, fmt.Errorf("%w: policy", ErrMissingComponent)
	}
	return s.policy.Export()
}

// ImportPolicy replaces the routing policy state.
func (s *Service) ImportPolicy(data []byte) error {
	if s.policy == nil {
		return fmt.Errorf("%w: policy", ErrMissingComponent)
	}
	return s.policy.Import(data)
}

// Checkpoint saves the policy now.
func (s *Service) Checkpoint(ctx context.Context) (checkpoint.SaveResult, error) {
	if s.checkpointer == nil {
		return checkpoint.SaveResult{}, ErrNoCheckpointer
	}
	return s.checkpointer.Save(ctx)
}

// Tune applies new reward and collapse weights to the running engine.
func (s *Service) Tune(reward feedback.RewardConfig, weights collapse.Weights) error {
	if err := weights.Validate(); err != nil {
		return err
	}
	if err := s.feedback.SetRewardConfig(reward); err != nil {
		return err
	}
	if err := s.collapse.SetWeights(weights); err != nil {
		return err
	}
	s.logger.Info("engine retuned",
		slog.Float64("quality_weight", reward.QualityWeight),
		slog.Float64("cost_weight", reward.CostWeight),
		slog.Float64("latency_weight", reward.LatencyWeight),
	)
	return nil
}

// PolicyStatus summarizes the routing policy.
type PolicyStatus struct {
	Actions     []string                             `json:"actions"`
	Epsilon     float64                              `json:"epsilon"`
	Samples     int64                                `json:"samples"`
	Invocations int64                                `json:"invocations"`
	ReplaySize  int                                  `json:"replay_size"`
	SuccessRate map[datatypes.TaskKind]float64       `json:"success_rate"`
	Feedback    feedback.Stats                       `json:"feedback"`
	Breakers    map[string]orchestrator.BreakerStats `json:"breakers,omitempty"`
	Checkpoint  *checkpoint.SaveResult               `json:"last_checkpoint,omitempty"`
}

// Status reports the learned policy and feedback loop state.
func (s *Service) Status() PolicyStatus {
	st := PolicyStatus{
		Actions:     routing.ActionNames(s.router.Actions()),
		SuccessRate: s.feedback.History().Snapshot(),
		Feedback:    s.feedback.Stats(),
		Breakers:    s.orch.BreakerStats(),
	}
	if s.policy != nil {
		st.Epsilon = s.policy.Epsilon()
		st.Samples = s.policy.Samples()
		st.Invocations = s.policy.Invocations()
		st.ReplaySize = s.policy.ReplaySize()
	}
	if s.checkpointer != nil {
		if last := s.checkpointer.Last(); !last.SavedAt.IsZero() {
			st.Checkpoint = &last
		}
	}
	return st
}
