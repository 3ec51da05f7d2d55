// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ensemble

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianEnsemble/services/ensemble/agents/scripted"
	"github.com/AleutianAI/AleutianEnsemble/services/ensemble/checkpoint"
	"github.com/AleutianAI/AleutianEnsemble/services/ensemble/collapse"
	"github.com/AleutianAI/AleutianEnsemble/services/ensemble/datatypes"
	"github.com/AleutianAI/AleutianEnsemble/services/ensemble/feedback"
	"github.com/AleutianAI/AleutianEnsemble/services/ensemble/orchestrator"
	"github.com/AleutianAI/AleutianEnsemble/services/ensemble/registry"
	"github.com/AleutianAI/AleutianEnsemble/services/ensemble/routing"
	"github.com/AleutianAI/AleutianEnsemble/services/ensemble/telemetry"
)

type fixture struct {
	svc      *Service
	policy   *routing.Policy
	loop     *feedback.Loop
	events   *telemetry.Emitter
	agents   map[string]*scripted.Agent
	registry *registry.Registry
}

func genAgent(name string, score float64) *scripted.Agent {
	return scripted.New(scripted.Config{
		Name:         name,
		Capabilities: []datatypes.Capability{datatypes.CapCodeGeneration},
		Score:        datatypes.Score(score),
		Cost:         0.01,

		EstimateCost:       0.01,
		EstimateLatency:    time.Second,
		EstimateConfidence: 0.9,
	})
}

func newFixture(t *testing.T, cfg Config, agents ...*scripted.Agent) *fixture {
	t.Helper()

	reg := registry.New()
	byName := make(map[string]*scripted.Agent, len(agents))
	for i, a := range agents {
		require.NoError(t, reg.Register(a, registry.WithPriority(len(agents)-i)))
		byName[a.Name()] = a
	}

	actions := routing.DefaultActions()
	policy := routing.NewPolicy(actions, routing.PolicyConfig{Seed: 7})
	loop := feedback.NewLoop(policy, feedback.DefaultConfig())
	router := routing.NewRouter(policy, actions, routing.DefaultRouterConfig(), routing.WithSuccessRates(loop.History()))

	engine := collapse.NewEngine(collapse.DefaultWeights())
	ocfg := orchestrator.DefaultConfig()
	ocfg.CircuitBreaker.Enabled = false
	orch := orchestrator.New(ocfg, engine)
	events := telemetry.NewEmitter()

	svc, err := NewService(cfg, Components{
		Registry:     reg,
		Policy:       policy,
		Router:       router,
		Orchestrator: orch,
		Collapse:     engine,
		Feedback:     loop,
		Events:       events,
	}, WithCheckpointer(checkpoint.New(policy, checkpoint.NewMemoryStore(), checkpoint.DefaultConfig())))
	require.NoError(t, err)

	return &fixture{svc: svc, policy: policy, loop: loop, events: events, agents: byName, registry: reg}
}

func genTask() datatypes.Task {
	return datatypes.Task{
		Kind:                 datatypes.TaskKindGeneration,
		Prompt:               "write a tokenizer",
		RequiredCapabilities: datatypes.NewCapabilitySet(datatypes.CapCodeGeneration),
	}
}

func TestNewService_MissingComponents(t *testing.T) {
	_, err := NewService(DefaultConfig(), Components{})
	assert.ErrorIs(t, err, ErrMissingComponent)
}

func TestSubmit_ColdStartRunsSingleAgentSequential(t *testing.T) {
	f := newFixture(t, DefaultConfig(), genAgent("primary", 0.8), genAgent("backup", 0.9))

	res, err := f.svc.Submit(context.Background(), genTask())
	require.NoError(t, err)

	assert.NotEmpty(t, res.TaskID)
	assert.Equal(t, datatypes.StrategySequential, res.Strategy)
	assert.True(t, res.Fallback)
	require.NotNil(t, res.Output)
	assert.Equal(t, "primary", res.Output.AgentRef)
	assert.EqualValues(t, 1, f.agents["primary"].Calls())
	assert.Zero(t, f.agents["backup"].Calls())
	assert.Positive(t, res.Reward)
	assert.Positive(t, res.Duration)

	assert.EqualValues(t, 1, f.loop.Stats().Observed)
	assert.Equal(t, 1, f.loop.Flush())
	assert.EqualValues(t, 1, f.policy.Samples())
}

func TestSubmit_KeepsCallerTaskID(t *testing.T) {
	f := newFixture(t, DefaultConfig(), genAgent("primary", 0.8))
	task := genTask()
	task.ID = "caller-id"

	res, err := f.svc.Submit(context.Background(), task)
	require.NoError(t, err)
	assert.Equal(t, "caller-id", res.TaskID)
}

func TestSubmit_NoCapableAgentInvokesNothing(t *testing.T) {
	f := newFixture(t, DefaultConfig(), genAgent("primary", 0.8))
	task := genTask()
	task.RequiredCapabilities = datatypes.NewCapabilitySet(datatypes.CapSecurity)

	res, err := f.svc.Submit(context.Background(), task)
	require.Error(t, err)
	assert.Nil(t, res)
	assert.ErrorIs(t, err, datatypes.ErrNoCapableAgent)
	assert.Zero(t, f.agents["primary"].Calls())
	assert.Zero(t, f.loop.Stats().Observed)
}

func TestSubmit_InvalidTask(t *testing.T) {
	f := newFixture(t, DefaultConfig(), genAgent("primary", 0.8))
	task := genTask()
	task.Kind = "astrology"

	_, err := f.svc.Submit(context.Background(), task)
	assert.ErrorIs(t, err, datatypes.ErrInvalidTask)
	assert.Zero(t, f.agents["primary"].Calls())
}

func TestSubmit_RateLimited(t *testing.T) {
	f := newFixture(t, Config{RateLimit: 0.001, Burst: 1}, genAgent("primary", 0.8))

	_, err := f.svc.Submit(context.Background(), genTask())
	require.NoError(t, err)
	_, err = f.svc.Submit(context.Background(), genTask())
	assert.ErrorIs(t, err, ErrRateLimited)
	assert.EqualValues(t, 1, f.agents["primary"].Calls())
}

func TestSubmit_StrategyFailedCarriesPartialOutputs(t *testing.T) {
	bad := scripted.New(scripted.Config{
		Name:         "bad",
		Capabilities: []datatypes.Capability{datatypes.CapCodeGeneration},
		Fail:         true,
	})
	f := newFixture(t, DefaultConfig(), bad)

	_, err := f.svc.Submit(context.Background(), genTask())
	require.ErrorIs(t, err, datatypes.ErrStrategyFailed)
	partial := datatypes.PartialOutputs(err)
	require.Len(t, partial, 1)
	assert.Equal(t, "bad", partial[0].AgentRef)

	// Failures still train the policy.
	assert.EqualValues(t, 1, f.loop.Stats().Observed)
}

func TestSubmit_CancelledContext(t *testing.T) {
	f := newFixture(t, DefaultConfig(), genAgent("primary", 0.8))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.svc.Submit(ctx, genTask())
	require.Error(t, err)
	assert.Equal(t, datatypes.KindCancelled, datatypes.KindOf(err))
}

func TestSubmit_PublishesEvents(t *testing.T) {
	f := newFixture(t, DefaultConfig(), genAgent("primary", 0.8))

	var mu sync.Mutex
	var got []telemetry.EventType
	f.events.Subscribe(func(ev telemetry.Event) {
		mu.Lock()
		got = append(got, ev.Type)
		mu.Unlock()
	})

	res, err := f.svc.Submit(context.Background(), genTask())
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, got, telemetry.EventRoutingDecision)
	assert.Contains(t, got, telemetry.EventExecutionCompleted)

	recent := f.events.Recent(0)
	require.NotEmpty(t, recent)
	for _, ev := range recent {
		assert.Equal(t, res.TaskID, ev.TaskID)
	}
	last := recent[len(recent)-1]
	data, ok := last.Data.(telemetry.ExecutionCompletedData)
	require.True(t, ok)
	assert.Equal(t, "primary", data.Chosen)
	assert.Equal(t, string(datatypes.StrategySequential), data.Strategy)
}

func TestPolicyExportImportAndStatus(t *testing.T) {
	f := newFixture(t, DefaultConfig(), genAgent("primary", 0.8))
	_, err := f.svc.Submit(context.Background(), genTask())
	require.NoError(t, err)
	f.loop.Flush()

	blob, err := f.svc.ExportPolicy()
	require.NoError(t, err)

	other := newFixture(t, DefaultConfig(), genAgent("primary", 0.8))
	require.NoError(t, other.svc.ImportPolicy(blob))
	assert.Equal(t, f.policy.Samples(), other.policy.Samples())

	st := other.svc.Status()
	assert.Len(t, st.Actions, len(routing.DefaultActions()))
	assert.EqualValues(t, 1, st.Samples)
	assert.Nil(t, st.Checkpoint)

	_, err = other.svc.Checkpoint(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, other.svc.Status().Checkpoint)

	assert.Error(t, other.svc.ImportPolicy([]byte("garbage")))
}

func TestTune(t *testing.T) {
	f := newFixture(t, DefaultConfig(), genAgent("primary", 0.8))

	reward := feedback.DefaultRewardConfig()
	reward.CostWeight = 0.5
	weights := collapse.Weights{Score: 0.5, Cost: 0.3, Latency: 0.2}
	require.NoError(t, f.svc.Tune(reward, weights))
	assert.Equal(t, weights, f.svc.collapse.Weights())
	assert.InDelta(t, 0.5, f.loop.RewardConfig().CostWeight, 1e-9)

	assert.Error(t, f.svc.Tune(reward, collapse.Weights{Score: -1}))
}
