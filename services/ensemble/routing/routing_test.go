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
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianEnsemble/services/ensemble/agents/scripted"
	"github.com/AleutianAI/AleutianEnsemble/services/ensemble/cost"
	"github.com/AleutianAI/AleutianEnsemble/services/ensemble/datatypes"
	"github.com/AleutianAI/AleutianEnsemble/services/ensemble/orchestrator"
	"github.com/AleutianAI/AleutianEnsemble/services/ensemble/registry"
)

// =============================================================================
// Helpers
// =============================================================================

func newRegistry(t *testing.T, agents ...*scripted.Agent) *registry.Registry {
	t.Helper()
	r := registry.New()
	for _, a := range agents {
		require.NoError(t, r.Register(a, registry.WithPriority(a.Priority())))
	}
	return r
}

func agent(name string, priority int, caps ...datatypes.Capability) *scripted.Agent {
	return scripted.New(scripted.Config{Name: name, Priority: priority, Capabilities: caps})
}

func genTask() datatypes.Task {
	return datatypes.Task{
		ID:                   "task-1",
		Kind:                 datatypes.TaskKindGeneration,
		RequiredCapabilities: datatypes.NewCapabilitySet(datatypes.CapCodeGeneration),
	}
}

func deterministicPolicy(eps float64) *Policy {
	return NewPolicy(DefaultActions(), PolicyConfig{
		EpsilonStart: eps,
		EpsilonMin:   eps,
		EpsilonDecay: 1,
		LearningRate: 0.5,
		Gamma:        0,
		BatchSize:    1,
		Seed:         42,
	})
}

type slowSelector struct {
	delay time.Duration
}

func (s slowSelector) SelectAction(Features, []int) (int, bool) {
	time.Sleep(s.delay)
	return 2, false
}

func (slowSelector) Samples() int64 { return 1 << 20 }

// fixedSelector always picks one action and never counts as cold.
type fixedSelector struct {
	action int
}

func (s fixedSelector) SelectAction(Features, []int) (int, bool) { return s.action, false }

func (fixedSelector) Samples() int64 { return 1 << 20 }

// =============================================================================
// Router
// =============================================================================

func TestRoute_ColdStartFallsBackToSequentialTopCandidate(t *testing.T) {
	reg := newRegistry(t,
		agent("gen-a", 0, datatypes.CapCodeGeneration),
		agent("gen-b", 5, datatypes.CapCodeGeneration),
		agent("gen-c", 0, datatypes.CapCodeGeneration),
	)
	match, err := reg.Match(genTask().RequiredCapabilities)
	require.NoError(t, err)

	router := NewRouter(NewPolicy(DefaultActions(), DefaultPolicyConfig()), DefaultActions(), DefaultRouterConfig())
	before := testutil.ToFloat64(routingFallbacks.WithLabelValues(FallbackColdStart))

	for i := 0; i < 20; i++ {
		d, err := router.Route(context.Background(), genTask(), match, nil)
		require.NoError(t, err)
		assert.True(t, d.Fallback)
		assert.Equal(t, FallbackColdStart, d.Reason)
		assert.Equal(t, datatypes.StrategySequential, d.Plan.Strategy)
		assert.Equal(t, []string{"gen-b"}, d.Plan.CandidateNames())
		assert.Equal(t, "task-1", d.Plan.TaskID)
	}
	assert.Equal(t, before+20, testutil.ToFloat64(routingFallbacks.WithLabelValues(FallbackColdStart)))
}

func TestRoute_FallbackToPipelineWhenNoSingleAgentCovers(t *testing.T) {
	reg := newRegistry(t,
		agent("tester", 0, datatypes.CapTesting),
		agent("gen", 0, datatypes.CapCodeGeneration),
	)
	task := genTask()
	task.RequiredCapabilities = datatypes.NewCapabilitySet(datatypes.CapCodeGeneration, datatypes.CapTesting)
	match, err := reg.Match(task.RequiredCapabilities)
	require.NoError(t, err)

	router := NewRouter(NewPolicy(DefaultActions(), DefaultPolicyConfig()), DefaultActions(), DefaultRouterConfig())
	d, err := router.Route(context.Background(), task, match, nil)
	require.NoError(t, err)
	assert.Equal(t, datatypes.StrategyPipeline, d.Plan.Strategy)
	assert.Equal(t, []string{"gen", "tester"}, d.Plan.CandidateNames())
}

func TestRoute_PolicyTimeoutFallsBack(t *testing.T) {
	reg := newRegistry(t, agent("a", 0, datatypes.CapCodeGeneration), agent("b", 0, datatypes.CapCodeGeneration))
	match, err := reg.Match(genTask().RequiredCapabilities)
	require.NoError(t, err)

	cfg := DefaultRouterConfig()
	cfg.Timeout = 10 * time.Millisecond
	router := NewRouter(slowSelector{delay: 300 * time.Millisecond}, DefaultActions(), cfg)

	start := time.Now()
	d, err := router.Route(context.Background(), genTask(), match, nil)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 200*time.Millisecond)
	assert.True(t, d.Fallback)
	assert.Equal(t, FallbackTimeout, d.Reason)
	assert.Equal(t, datatypes.StrategySequential, d.Plan.Strategy)
	require.Len(t, d.Warnings, 1)
	assert.Equal(t, datatypes.KindPolicyTimeout, d.Warnings[0].Kind)
}

func TestRoute_NoValidAction(t *testing.T) {
	reg := newRegistry(t, agent("solo", 0, datatypes.CapCodeGeneration))
	match, err := reg.Match(genTask().RequiredCapabilities)
	require.NoError(t, err)

	var quantumOnly []Action
	for _, a := range DefaultActions() {
		if a.Strategy == datatypes.StrategyQuantum {
			a.ID = len(quantumOnly)
			quantumOnly = append(quantumOnly, a)
		}
	}
	router := NewRouter(NewPolicy(quantumOnly, DefaultPolicyConfig()), quantumOnly, DefaultRouterConfig())
	d, err := router.Route(context.Background(), genTask(), match, nil)
	require.NoError(t, err)
	assert.Equal(t, FallbackNoValidAction, d.Reason)
	assert.Equal(t, []string{"solo"}, d.Plan.CandidateNames())
}

func TestRoute_ExplorationRespectsValidity(t *testing.T) {
	reg := newRegistry(t, agent("solo", 0, datatypes.CapCodeGeneration, datatypes.CapTesting))
	match, err := reg.Match(genTask().RequiredCapabilities)
	require.NoError(t, err)

	cfg := DefaultRouterConfig()
	cfg.MinTrainingSamples = 0
	router := NewRouter(deterministicPolicy(1), DefaultActions(), cfg)

	for i := 0; i < 100; i++ {
		d, err := router.Route(context.Background(), genTask(), match, nil)
		require.NoError(t, err)
		assert.True(t, d.Explored)
		assert.NotEqual(t, datatypes.StrategyQuantum, d.Plan.Strategy)
		assert.NotEqual(t, datatypes.StrategyParallel, d.Plan.Strategy)
		assert.NotEqual(t, datatypes.StrategyCollaborative, d.Plan.Strategy)
		assert.NotEmpty(t, d.Plan.Candidates)
	}
}

func TestRoute_ExploitsLearnedAction(t *testing.T) {
	reg := newRegistry(t,
		agent("a", 0, datatypes.CapCodeGeneration),
		agent("b", 0, datatypes.CapCodeGeneration),
		agent("c", 0, datatypes.CapCodeGeneration),
	)
	match, err := reg.Match(genTask().RequiredCapabilities)
	require.NoError(t, err)

	policy := deterministicPolicy(0)
	cfg := DefaultRouterConfig()
	cfg.MinTrainingSamples = 5
	router := NewRouter(policy, DefaultActions(), cfg)

	state := Extract(genTask(), match, nil, 0.5)
	quantum := DefaultActions()[8]
	require.Equal(t, "quantum_v3_best", quantum.Name)
	for i := 0; i < 10; i++ {
		policy.Update(state, quantum.ID, 1.0, state)
		policy.Update(state, 0, -0.5, state)
	}

	d, err := router.Route(context.Background(), genTask(), match, nil)
	require.NoError(t, err)
	assert.False(t, d.Fallback)
	assert.False(t, d.Explored)
	assert.Equal(t, datatypes.StrategyQuantum, d.Plan.Strategy)
	assert.Equal(t, 3, d.Plan.Params.VariationCount)
	assert.Equal(t, datatypes.CollapseBestScore, d.Plan.Params.CollapseMethod)
	assert.Len(t, d.Plan.Candidates, 3)
}

func TestRoute_UsesCostReport(t *testing.T) {
	a := scripted.New(scripted.Config{Name: "a", Capabilities: []datatypes.Capability{datatypes.CapCodeGeneration},
		EstimateCost: 0.5, EstimateLatency: time.Second, EstimateConfidence: 1})
	reg := newRegistry(t, a)
	match, err := reg.Match(genTask().RequiredCapabilities)
	require.NoError(t, err)

	report, err := cost.NewEstimator(cost.DefaultConfig()).Estimate(context.Background(), match.All(), genTask())
	require.NoError(t, err)

	router := NewRouter(NewPolicy(DefaultActions(), DefaultPolicyConfig()), DefaultActions(), DefaultRouterConfig())
	d, err := router.Route(context.Background(), genTask(), match, report)
	require.NoError(t, err)
	assert.InDelta(t, 0.5, d.Plan.Estimate.MonetaryCost, 1e-9)
	assert.InDelta(t, 0.5, d.State.EstimatedCost, 1e-9)
	assert.Equal(t, time.Second, d.State.EstimatedLatency)
}

func TestRoute_EstimateMatchesExecutedCost(t *testing.T) {
	// Every invocation costs 1 and writes a fresh value, so COLLABORATIVE
	// runs all of its rounds.
	unitAgent := func(name string) *scripted.Agent {
		return scripted.New(scripted.Config{
			Name:               name,
			Capabilities:       []datatypes.Capability{datatypes.CapCodeGeneration},
			EstimateCost:       1,
			EstimateLatency:    time.Millisecond,
			EstimateConfidence: 1,
		}, scripted.WithExecute(func(_ context.Context, _ datatypes.Task, p datatypes.Params) (datatypes.Response, error) {
			if p.Blackboard != nil {
				p.Blackboard.Write("round", p.Round)
			}
			return datatypes.Response{Payload: name, Cost: 1, Score: datatypes.Score(0.8)}, nil
		}))
	}
	reg := newRegistry(t, unitAgent("a"), unitAgent("b"))
	match, err := reg.Match(genTask().RequiredCapabilities)
	require.NoError(t, err)
	report, err := cost.NewEstimator(cost.DefaultConfig()).Estimate(context.Background(), match.All(), genTask())
	require.NoError(t, err)

	orch := orchestrator.New(orchestrator.DefaultConfig(), nil)

	tests := []struct {
		action      string
		invocations int
	}{
		{"sequential", 1},
		{"sequential_refine_all", 2},
		{"parallel_all", 2},
		{"pipeline", 1},
		{"collaborative_r3", 6},
		{"collaborative_r5", 10},
		{"quantum_v2_best", 2},
		{"quantum_v3_weighted", 3},
		{"quantum_v5_best", 5},
	}
	for _, tt := range tests {
		t.Run(tt.action, func(t *testing.T) {
			id := -1
			for _, a := range DefaultActions() {
				if a.Name == tt.action {
					id = a.ID
				}
			}
			require.GreaterOrEqual(t, id, 0)

			router := NewRouter(fixedSelector{action: id}, DefaultActions(), DefaultRouterConfig(),
				WithParamResolver(orch.ResolveParams))
			d, err := router.Route(context.Background(), genTask(), match, report)
			require.NoError(t, err)
			require.Equal(t, tt.action, d.Action.Name)

			outcome, err := orch.Execute(context.Background(), genTask(), d.Plan)
			require.NoError(t, err)
			require.Len(t, outcome.Outputs, tt.invocations)

			var actual float64
			for _, out := range outcome.Outputs {
				actual += out.CostActual
			}
			assert.InDelta(t, float64(tt.invocations), d.Plan.Estimate.MonetaryCost, 1e-9)
			assert.InDelta(t, actual, d.Plan.Estimate.MonetaryCost, 1e-9)
		})
	}
}

func TestRoute_ResolvesParamsBeforeEstimating(t *testing.T) {
	reg := newRegistry(t,
		scripted.New(scripted.Config{Name: "a", Capabilities: []datatypes.Capability{datatypes.CapCodeGeneration}, EstimateCost: 1}),
		scripted.New(scripted.Config{Name: "b", Capabilities: []datatypes.Capability{datatypes.CapCodeGeneration}, EstimateCost: 1}),
	)
	match, err := reg.Match(genTask().RequiredCapabilities)
	require.NoError(t, err)
	report, err := cost.NewEstimator(cost.DefaultConfig()).Estimate(context.Background(), match.All(), genTask())
	require.NoError(t, err)

	// A custom action leaving the round count to the orchestrator.
	actions := []Action{{ID: 0, Name: "collaborative", Strategy: datatypes.StrategyCollaborative}}
	orch := orchestrator.New(orchestrator.Config{DefaultRounds: 4, MaxRounds: 4}, nil)
	router := NewRouter(fixedSelector{action: 0}, actions, DefaultRouterConfig(),
		WithParamResolver(orch.ResolveParams))

	d, err := router.Route(context.Background(), genTask(), match, report)
	require.NoError(t, err)
	assert.Equal(t, 4, d.Plan.Params.Rounds)
	assert.InDelta(t, 8.0, d.Plan.Estimate.MonetaryCost, 1e-9)
}

func TestRoute_Errors(t *testing.T) {
	router := NewRouter(NewPolicy(DefaultActions(), DefaultPolicyConfig()), DefaultActions(), DefaultRouterConfig())
	_, err := router.Route(context.Background(), genTask(), nil, nil)
	assert.ErrorIs(t, err, datatypes.ErrNoCapableAgent)

	reg := newRegistry(t, agent("a", 0, datatypes.CapCodeGeneration))
	match, err := reg.Match(genTask().RequiredCapabilities)
	require.NoError(t, err)

	cfg := DefaultRouterConfig()
	cfg.Timeout = time.Second
	slow := NewRouter(slowSelector{delay: 200 * time.Millisecond}, DefaultActions(), cfg)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = slow.Route(ctx, genTask(), match, nil)
	assert.ErrorIs(t, err, context.Canceled)
}

// =============================================================================
// Policy
// =============================================================================

func TestPolicy_EpsilonDecays(t *testing.T) {
	p := NewPolicy(DefaultActions(), PolicyConfig{EpsilonStart: 0.5, EpsilonMin: 0.1, EpsilonDecay: 0.5, Seed: 1})
	assert.InDelta(t, 0.5, p.Epsilon(), 1e-9)

	state := Features{Kind: datatypes.TaskKindReview}
	p.SelectAction(state, []int{0})
	assert.InDelta(t, 0.25, p.Epsilon(), 1e-9)
	p.SelectAction(state, []int{0})
	p.SelectAction(state, []int{0})
	assert.InDelta(t, 0.1, p.Epsilon(), 1e-9, "clamped at minimum")
	assert.Equal(t, int64(3), p.Invocations())
}

func TestPolicy_LearnMovesQTowardsReward(t *testing.T) {
	p := deterministicPolicy(0)
	state := Features{Kind: datatypes.TaskKindTest, CandidateCount: 2}

	assert.Nil(t, p.Q(state))
	p.Update(state, 3, 1.0, state)
	q := p.Q(state)
	require.Len(t, q, len(DefaultActions()))
	assert.Greater(t, q[3], 0.0)
	assert.Equal(t, int64(1), p.Samples())
	assert.Equal(t, 1, p.ReplaySize())

	for i := 0; i < 50; i++ {
		p.Update(state, 3, 1.0, state)
	}
	assert.InDelta(t, 1.0, p.Q(state)[3], 0.01)

	action, explored := p.SelectAction(state, []int{0, 3, 5})
	assert.Equal(t, 3, action)
	assert.False(t, explored)
}

func TestPolicy_LearnAppliesFreshTransitionOnce(t *testing.T) {
	p := deterministicPolicy(0)
	a := Features{Kind: datatypes.TaskKindTest}
	b := Features{Kind: datatypes.TaskKindReview}

	n := p.Learn([]Transition{
		{State: a, Action: 2, Reward: 1, NextState: a, Terminal: true},
		{State: b, Action: 4, Reward: -1, NextState: b, Terminal: true},
	})
	assert.Equal(t, 2, n, "empty replay contributes no extra updates")
	assert.InDelta(t, 0.5, p.Q(a)[2], 1e-12)
	assert.InDelta(t, -0.5, p.Q(b)[4], 1e-12)
	assert.Equal(t, 2, p.ReplaySize())

	// The next call samples one stored transition in addition to the fresh one.
	n = p.Learn([]Transition{{State: a, Action: 2, Reward: 1, NextState: a, Terminal: true}})
	assert.Equal(t, 2, n)
	assert.Equal(t, 3, p.ReplaySize())
}

func TestPolicy_TieBreaksOnLowestID(t *testing.T) {
	p := deterministicPolicy(0)
	action, _ := p.SelectAction(Features{}, []int{7, 4, 9})
	assert.Equal(t, 4, action)
}

func TestPolicy_LearnDropsUnknownActions(t *testing.T) {
	p := deterministicPolicy(0)
	n := p.Learn([]Transition{{Action: 99}, {Action: -1}})
	assert.Zero(t, n)
	assert.Zero(t, p.Samples())
}

func TestPolicy_ExportImportRoundTrip(t *testing.T) {
	src := deterministicPolicy(0)
	state := Features{Kind: datatypes.TaskKindAnalysis, CandidateCount: 3}
	for i := 0; i < 5; i++ {
		src.Update(state, 2, 0.8, state)
	}
	src.SelectAction(state, []int{2})

	data, err := src.Export()
	require.NoError(t, err)

	dst := deterministicPolicy(0)
	require.NoError(t, dst.Import(data))
	assert.Equal(t, src.Q(state), dst.Q(state))
	assert.Equal(t, src.Samples(), dst.Samples())
	assert.Equal(t, src.Invocations(), dst.Invocations())
}

func TestPolicy_ImportRejectsBadInput(t *testing.T) {
	p := deterministicPolicy(0)
	assert.ErrorIs(t, p.Import([]byte("not gzip")), ErrCorruptCheckpoint)

	other := NewPolicy(DefaultActions()[:4], DefaultPolicyConfig())
	data, err := other.Export()
	require.NoError(t, err)
	assert.ErrorIs(t, p.Import(data), ErrIncompatibleCheckpoint)
}

func TestPolicy_ConcurrentSelectAndLearn(t *testing.T) {
	p := NewPolicy(DefaultActions(), PolicyConfig{EpsilonStart: 0.5, EpsilonMin: 0.1, EpsilonDecay: 0.99, BatchSize: 8, Seed: 7})
	state := Features{Kind: datatypes.TaskKindGeneration}
	valid := []int{0, 1, 2, 3}

	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				p.SelectAction(state, valid)
			}
		}()
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				p.Update(state, i%4, 0.5, state)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(800), p.Invocations())
	assert.Equal(t, int64(200), p.Samples())
}

// =============================================================================
// Features
// =============================================================================

func TestFeatures_Key(t *testing.T) {
	f := Features{
		Kind:             datatypes.TaskKindReview,
		RequiredCount:    9,
		PersonaBucket:    3,
		CandidateCount:   2,
		CoverCount:       1,
		ContributorCount: 2,
		EstimatedCost:    0.05,
		EstimatedLatency: 3 * time.Second,
		SuccessRate:      0.8,
	}
	assert.Equal(t, "review|r4|p3|c2|v1|k2|$2|l3|s3", f.Key())
	assert.Equal(t, "review|r4|p3|c2|v1|k2|$2|l3|s4", f.WithSuccessRate(1.5).Key())
}

func TestPersonaBucket(t *testing.T) {
	assert.Zero(t, PersonaBucket(""))
	b := PersonaBucket("senior-reviewer")
	assert.GreaterOrEqual(t, b, 1)
	assert.Less(t, b, PersonaBuckets)
	assert.Equal(t, b, PersonaBucket("senior-reviewer"))
}

func TestDefaultActions(t *testing.T) {
	actions := DefaultActions()
	seen := map[string]bool{}
	for i, a := range actions {
		assert.Equal(t, i, a.ID)
		assert.False(t, seen[a.Name], "duplicate action %s", a.Name)
		seen[a.Name] = true
		if a.Strategy == datatypes.StrategyQuantum {
			assert.GreaterOrEqual(t, a.Params.VariationCount, 2)
			assert.LessOrEqual(t, a.Params.VariationCount, 5)
			assert.True(t, a.Params.CollapseMethod.Valid())
		}
	}
	for _, s := range datatypes.AllStrategies {
		_, ok := firstActionFor(actions, s)
		assert.True(t, ok, "no action for %s", s)
	}
}
