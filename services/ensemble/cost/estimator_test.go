// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package cost

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianEnsemble/services/ensemble/agents/scripted"
	"github.com/AleutianAI/AleutianEnsemble/services/ensemble/datatypes"
)

func candidate(a *scripted.Agent) datatypes.Candidate {
	return datatypes.Candidate{Agent: a, Name: a.Name(), Capabilities: a.Capabilities()}
}

func TestNewEstimator_ClampsConfig(t *testing.T) {
	e := NewEstimator(Config{})
	assert.Equal(t, DefaultConfig(), e.cfg)
}

func TestEstimate_CollectsAll(t *testing.T) {
	a := scripted.New(scripted.Config{Name: "a", EstimateCost: 1, EstimateLatency: 100 * time.Millisecond, EstimateConfidence: 0.9})
	b := scripted.New(scripted.Config{Name: "b", EstimateCost: 2, EstimateLatency: 300 * time.Millisecond, EstimateConfidence: 0.6})

	e := NewEstimator(Config{Workers: 2, Timeout: time.Second})
	report, err := e.Estimate(context.Background(), []datatypes.Candidate{candidate(a), candidate(b)}, datatypes.Task{ID: "t"})
	require.NoError(t, err)
	assert.Len(t, report.PerAgent, 2)
	assert.Empty(t, report.Excluded)
	assert.Empty(t, report.Warnings)

	cands := []datatypes.Candidate{candidate(a), candidate(b)}
	seq := report.Aggregate(datatypes.StrategySequential, cands)
	assert.InDelta(t, 3.0, seq.MonetaryCost, 1e-9)
	assert.Equal(t, 400*time.Millisecond, seq.EstimatedLatency)
	assert.InDelta(t, 0.6, seq.Confidence, 1e-9)

	par := report.Aggregate(datatypes.StrategyParallel, cands)
	assert.InDelta(t, 3.0, par.MonetaryCost, 1e-9)
	assert.Equal(t, 300*time.Millisecond, par.EstimatedLatency)
	assert.Len(t, par.PerAgent, 2)
}

func TestEstimate_TimeoutExcludesAgent(t *testing.T) {
	fast := scripted.New(scripted.Config{Name: "fast", EstimateConfidence: 1})
	// Ignores its context entirely; the estimator must not wait for it.
	stubborn := scripted.New(scripted.Config{Name: "stubborn"},
		scripted.WithEstimate(func(ctx context.Context, task datatypes.Task) (datatypes.CostEstimate, error) {
			time.Sleep(500 * time.Millisecond)
			return datatypes.CostEstimate{}, nil
		}))
	polite := scripted.New(scripted.Config{Name: "polite", EstimateDelay: time.Minute})

	e := NewEstimator(Config{Workers: 4, Timeout: 30 * time.Millisecond})
	start := time.Now()
	report, err := e.Estimate(context.Background(),
		[]datatypes.Candidate{candidate(fast), candidate(stubborn), candidate(polite)}, datatypes.Task{ID: "t"})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 400*time.Millisecond)

	assert.Equal(t, map[string]bool{"stubborn": true, "polite": true}, report.Excluded)
	assert.Contains(t, report.PerAgent, "fast")
	assert.NotContains(t, report.PerAgent, "stubborn")
	require.Len(t, report.Warnings, 2)
	for _, w := range report.Warnings {
		assert.Equal(t, datatypes.KindCostEstimateTimeout, w.Kind)
	}
}

func TestEstimate_ErrorKeepsAgent(t *testing.T) {
	broken := scripted.New(scripted.Config{Name: "broken"},
		scripted.WithEstimate(func(ctx context.Context, task datatypes.Task) (datatypes.CostEstimate, error) {
			return datatypes.CostEstimate{}, errors.New("pricing unavailable")
		}))
	panicky := scripted.New(scripted.Config{Name: "panicky"},
		scripted.WithEstimate(func(ctx context.Context, task datatypes.Task) (datatypes.CostEstimate, error) {
			panic("boom")
		}))

	e := NewEstimator(DefaultConfig())
	report, err := e.Estimate(context.Background(), []datatypes.Candidate{candidate(broken), candidate(panicky)}, datatypes.Task{})
	require.NoError(t, err)
	assert.Empty(t, report.Excluded)
	assert.Equal(t, datatypes.CostEstimate{}, report.PerAgent["broken"])
	require.Len(t, report.Warnings, 2)
	assert.Equal(t, datatypes.KindEstimateFailed, report.Warnings[0].Kind)
	assert.Contains(t, report.Warnings[1].Message, "agent panic")
}

func TestEstimate_RespectsWorkerLimit(t *testing.T) {
	var inFlight, peak atomic.Int32
	mk := func(name string) datatypes.Candidate {
		return candidate(scripted.New(scripted.Config{Name: name},
			scripted.WithEstimate(func(ctx context.Context, task datatypes.Task) (datatypes.CostEstimate, error) {
				n := inFlight.Add(1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				time.Sleep(10 * time.Millisecond)
				inFlight.Add(-1)
				return datatypes.CostEstimate{}, nil
			})))
	}
	cands := []datatypes.Candidate{mk("a"), mk("b"), mk("c"), mk("d"), mk("e"), mk("f")}

	e := NewEstimator(Config{Workers: 2, Timeout: time.Second})
	_, err := e.Estimate(context.Background(), cands, datatypes.Task{})
	require.NoError(t, err)
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestEstimate_CallerCancellation(t *testing.T) {
	slow := scripted.New(scripted.Config{Name: "slow", EstimateDelay: time.Minute})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewEstimator(DefaultConfig()).Estimate(ctx, []datatypes.Candidate{candidate(slow)}, datatypes.Task{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestAggregate(t *testing.T) {
	tests := []struct {
		name     string
		strategy datatypes.Strategy
		wantLat  time.Duration
	}{
		{"sequential sums", datatypes.StrategySequential, 3 * time.Second},
		{"pipeline sums", datatypes.StrategyPipeline, 3 * time.Second},
		{"collaborative sums", datatypes.StrategyCollaborative, 3 * time.Second},
		{"parallel max", datatypes.StrategyParallel, 2 * time.Second},
		{"quantum max", datatypes.StrategyQuantum, 2 * time.Second},
	}
	ests := []datatypes.CostEstimate{
		{MonetaryCost: 0.5, EstimatedLatency: time.Second, Confidence: 0.4},
		{MonetaryCost: 0.25, EstimatedLatency: 2 * time.Second, Confidence: 0.8},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Aggregate(tt.strategy, ests)
			assert.Equal(t, tt.wantLat, got.EstimatedLatency)
			assert.InDelta(t, 0.75, got.MonetaryCost, 1e-9)
			assert.InDelta(t, 0.4, got.Confidence, 1e-9)
		})
	}

	assert.Equal(t, datatypes.PlanCostEstimate{}, Aggregate(datatypes.StrategyParallel, nil))
}

func TestReport_EstimatePlan(t *testing.T) {
	report := &Report{PerAgent: map[string]datatypes.CostEstimate{
		"a": {MonetaryCost: 1, EstimatedLatency: time.Second, Confidence: 0.9},
		"b": {MonetaryCost: 2, EstimatedLatency: 3 * time.Second, Confidence: 0.6},
	}}
	cands := []datatypes.Candidate{{Name: "a"}, {Name: "b"}}

	tests := []struct {
		name     string
		strategy datatypes.Strategy
		params   datatypes.PlanParams
		wantCost float64
		wantLat  time.Duration
	}{
		{"sequential plans first candidate", datatypes.StrategySequential, datatypes.PlanParams{}, 1, time.Second},
		{"sequential require all", datatypes.StrategySequential, datatypes.PlanParams{RequireAll: true}, 3, 4 * time.Second},
		{"parallel", datatypes.StrategyParallel, datatypes.PlanParams{}, 3, 3 * time.Second},
		{"pipeline", datatypes.StrategyPipeline, datatypes.PlanParams{}, 3, 4 * time.Second},
		{"quantum one per candidate", datatypes.StrategyQuantum, datatypes.PlanParams{}, 3, 3 * time.Second},
		{"quantum round robin", datatypes.StrategyQuantum, datatypes.PlanParams{VariationCount: 5}, 7, 3 * time.Second},
		{"collaborative one round", datatypes.StrategyCollaborative, datatypes.PlanParams{}, 3, 3 * time.Second},
		{"collaborative rounds", datatypes.StrategyCollaborative, datatypes.PlanParams{Rounds: 3}, 9, 9 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := report.EstimatePlan(datatypes.ExecutionPlan{Strategy: tt.strategy, Candidates: cands, Params: tt.params})
			assert.InDelta(t, tt.wantCost, got.MonetaryCost, 1e-9)
			assert.Equal(t, tt.wantLat, got.EstimatedLatency)
			wantConf := 0.6
			if len(got.PerAgent) == 1 {
				wantConf = 0.9
			}
			assert.InDelta(t, wantConf, got.Confidence, 1e-9)
		})
	}
}

func TestReport_EstimatePlanSkipsUnknownAgents(t *testing.T) {
	report := &Report{PerAgent: map[string]datatypes.CostEstimate{"a": {MonetaryCost: 1, Confidence: 1}}}
	got := report.EstimatePlan(datatypes.ExecutionPlan{
		Strategy:   datatypes.StrategyParallel,
		Candidates: []datatypes.Candidate{{Name: "a"}, {Name: "excluded"}},
	})
	assert.InDelta(t, 1.0, got.MonetaryCost, 1e-9)
	assert.NotContains(t, got.PerAgent, "excluded")
}
