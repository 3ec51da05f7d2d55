// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package scripted provides a deterministic, configuration-driven agent.
//
// Scripted agents do no real work. They sleep for a configured latency,
// report a configured score and cost, and optionally fail or write to a
// collaborative blackboard. The host binary uses them to exercise the
// engine end to end and tests use them as controllable fakes.
package scripted

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/AleutianAI/AleutianEnsemble/services/ensemble/datatypes"
)

// ErrScriptedFailure is returned when an agent is configured to fail.
var ErrScriptedFailure = errors.New("scripted failure")

// Config declares a scripted agent's behaviour.
type Config struct {
	Name         string                 `yaml:"name" json:"name" validate:"required"`
	Capabilities []datatypes.Capability `yaml:"capabilities" json:"capabilities" validate:"min=1"`
	Priority     int                    `yaml:"priority" json:"priority"`

	// Execution behaviour.
	Score          *float64      `yaml:"score" json:"score,omitempty" validate:"omitempty,gte=0,lte=1"`
	Cost           float64       `yaml:"cost" json:"cost" validate:"gte=0"`
	Latency        time.Duration `yaml:"latency" json:"latency" validate:"gte=0"`
	Fail           bool          `yaml:"fail" json:"fail"`
	Payload        any           `yaml:"payload" json:"payload,omitempty"`
	EquivalenceKey string        `yaml:"equivalence_key" json:"equivalence_key,omitempty"`

	// Blackboard writes for COLLABORATIVE runs. WriteRounds limits them to
	// the first N rounds; 0 writes every round.
	Writes      map[string]any `yaml:"writes" json:"writes,omitempty"`
	WriteRounds int            `yaml:"write_rounds" json:"write_rounds" validate:"gte=0"`

	// Estimate behaviour.
	EstimateCost       float64       `yaml:"estimate_cost" json:"estimate_cost" validate:"gte=0"`
	EstimateLatency    time.Duration `yaml:"estimate_latency" json:"estimate_latency" validate:"gte=0"`
	EstimateConfidence float64       `yaml:"estimate_confidence" json:"estimate_confidence" validate:"gte=0,lte=1"`
	EstimateDelay      time.Duration `yaml:"estimate_delay" json:"estimate_delay" validate:"gte=0"`
}

// ExecuteFunc overrides the scripted execution.
type ExecuteFunc func(ctx context.Context, task datatypes.Task, params datatypes.Params) (datatypes.Response, error)

// EstimateFunc overrides the scripted estimate.
type EstimateFunc func(ctx context.Context, task datatypes.Task) (datatypes.CostEstimate, error)

// Option configures an Agent.
type Option func(*Agent)

// WithExecute replaces the scripted execution with fn.
func WithExecute(fn ExecuteFunc) Option {
	return func(a *Agent) { a.execute = fn }
}

// WithEstimate replaces the scripted estimate with fn.
func WithEstimate(fn EstimateFunc) Option {
	return func(a *Agent) { a.estimate = fn }
}

// Agent is a scripted datatypes.Agent.
//
// # Thread Safety
//
// Safe for concurrent use. Configuration is immutable after New; call
// counters are atomic.
type Agent struct {
	cfg      Config
	caps     datatypes.CapabilitySet
	execute  ExecuteFunc
	estimate EstimateFunc

	calls     atomic.Int64
	estimates atomic.Int64
}

var _ datatypes.Agent = (*Agent)(nil)

// New creates a scripted agent.
func New(cfg Config, opts ...Option) *Agent {
	a := &Agent{
		cfg:  cfg,
		caps: datatypes.NewCapabilitySet(cfg.Capabilities...),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Name implements datatypes.Agent.
func (a *Agent) Name() string { return a.cfg.Name }

// Priority returns the configured registry priority.
func (a *Agent) Priority() int { return a.cfg.Priority }

// Capabilities implements datatypes.Agent.
func (a *Agent) Capabilities() datatypes.CapabilitySet { return a.caps.Clone() }

// Calls returns how many times Execute ran.
func (a *Agent) Calls() int64 { return a.calls.Load() }

// Estimates returns how many times EstimateCost ran.
func (a *Agent) Estimates() int64 { return a.estimates.Load() }

// EstimateCost implements datatypes.Agent.
func (a *Agent) EstimateCost(ctx context.Context, task datatypes.Task) (datatypes.CostEstimate, error) {
	a.estimates.Add(1)
	if a.estimate != nil {
		return a.estimate(ctx, task)
	}
	if err := sleep(ctx, a.cfg.EstimateDelay); err != nil {
		return datatypes.CostEstimate{}, err
	}
	return datatypes.CostEstimate{
		MonetaryCost:     a.cfg.EstimateCost,
		EstimatedLatency: a.cfg.EstimateLatency,
		Confidence:       a.cfg.EstimateConfidence,
	}, nil
}

// Execute implements datatypes.Agent.
func (a *Agent) Execute(ctx context.Context, task datatypes.Task, params datatypes.Params) (datatypes.Response, error) {
	a.calls.Add(1)
	if a.execute != nil {
		return a.execute(ctx, task, params)
	}
	if err := sleep(ctx, a.cfg.Latency); err != nil {
		return datatypes.Response{}, err
	}
	if a.cfg.Fail {
		return datatypes.Response{}, fmt.Errorf("%s: %w", a.cfg.Name, ErrScriptedFailure)
	}

	if params.Blackboard != nil && (a.cfg.WriteRounds == 0 || params.Round <= a.cfg.WriteRounds) {
		for k, v := range a.cfg.Writes {
			params.Blackboard.Write(k, v)
		}
	}

	payload := a.cfg.Payload
	if payload == nil {
		payload = fmt.Sprintf("%s: %s", a.cfg.Name, task.Prompt)
	}
	resp := datatypes.Response{
		Payload:        payload,
		Cost:           a.cfg.Cost,
		EquivalenceKey: a.cfg.EquivalenceKey,
	}
	if a.cfg.Score != nil {
		resp.Score = datatypes.Score(*a.cfg.Score)
	}
	return resp, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
