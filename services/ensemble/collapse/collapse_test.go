// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package collapse

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianEnsemble/services/ensemble/datatypes"
)

var t0 = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func out(id string, score float64, cost float64, latency time.Duration, done time.Duration) datatypes.AgentOutput {
	return datatypes.AgentOutput{
		AgentRef:      "agent-" + id,
		VariationID:   id,
		Score:         datatypes.Score(score),
		CostActual:    cost,
		LatencyActual: latency,
		CompletedAt:   t0.Add(done),
	}
}

func failed(id string) datatypes.AgentOutput {
	o := datatypes.AgentOutput{AgentRef: "agent-" + id, VariationID: id}
	o.Fail(datatypes.KindAgentTimeout, errors.New("deadline exceeded"))
	return o
}

func TestCollapse_BestScore(t *testing.T) {
	e := NewEngine(DefaultWeights())
	outputs := []datatypes.AgentOutput{
		failed("v0"),
		out("v1", 0.7, 0.1, time.Second, time.Second),
		out("v2", 0.85, 0.3, 2*time.Second, 2*time.Second),
	}

	res, err := e.Collapse(outputs, datatypes.CollapseBestScore)
	require.NoError(t, err)
	assert.Equal(t, "v2", res.Chosen.VariationID)
	assert.Equal(t, datatypes.CollapseBestScore, res.Method)
	assert.Equal(t, 1, res.DiscardedCount)
}

func TestCollapse_BestScoreTieBreaksOnCostThenOrder(t *testing.T) {
	e := NewEngine(DefaultWeights())
	outputs := []datatypes.AgentOutput{
		out("a", 0.8, 0.5, 0, 0),
		out("b", 0.8, 0.2, 0, 0),
		out("c", 0.8, 0.2, 0, 0),
	}
	res, err := e.Collapse(outputs, datatypes.CollapseBestScore)
	require.NoError(t, err)
	assert.Equal(t, "b", res.Chosen.VariationID)
}

func TestCollapse_BestScoreIsDeterministic(t *testing.T) {
	e := NewEngine(DefaultWeights())
	outputs := []datatypes.AgentOutput{
		out("a", 0.5, 0.5, time.Second, 3*time.Second),
		out("b", 0.9, 0.7, time.Second, time.Second),
		out("c", 0.9, 0.7, time.Second, 2*time.Second),
		failed("d"),
	}
	first, err := e.Collapse(outputs, datatypes.CollapseBestScore)
	require.NoError(t, err)
	for i := 0; i < 50; i++ {
		again, err := e.Collapse(outputs, datatypes.CollapseBestScore)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestCollapse_SingleSuccessHasNoDiscards(t *testing.T) {
	e := NewEngine(DefaultWeights())
	outputs := []datatypes.AgentOutput{failed("a"), out("b", 0.4, 1, 0, 0), failed("c")}

	for _, m := range []datatypes.CollapseMethod{
		datatypes.CollapseBestScore, datatypes.CollapseMajority,
		datatypes.CollapseFirstSuccess, datatypes.CollapseWeighted,
	} {
		t.Run(string(m), func(t *testing.T) {
			res, err := e.Collapse(outputs, m)
			require.NoError(t, err)
			assert.Equal(t, "b", res.Chosen.VariationID)
			assert.Zero(t, res.DiscardedCount)
		})
	}
}

func TestCollapse_AllFailed(t *testing.T) {
	e := NewEngine(DefaultWeights())

	_, err := e.Collapse(nil, datatypes.CollapseBestScore)
	assert.ErrorIs(t, err, datatypes.ErrCollapseFailed)

	outputs := []datatypes.AgentOutput{failed("a"), failed("b")}
	_, err = e.Collapse(outputs, datatypes.CollapseWeighted)
	require.ErrorIs(t, err, datatypes.ErrCollapseFailed)
	assert.Len(t, datatypes.PartialOutputs(err), 2)
}

func TestCollapse_UnknownMethod(t *testing.T) {
	_, err := NewEngine(DefaultWeights()).Collapse([]datatypes.AgentOutput{out("a", 1, 0, 0, 0)}, "VIBES")
	assert.ErrorIs(t, err, ErrUnknownMethod)
}

func TestCollapse_Majority(t *testing.T) {
	e := NewEngine(DefaultWeights())
	withKey := func(o datatypes.AgentOutput, k string) datatypes.AgentOutput {
		o.EquivalenceKey = k
		return o
	}

	t.Run("largest class wins over higher score", func(t *testing.T) {
		outputs := []datatypes.AgentOutput{
			withKey(out("a", 0.99, 0, 0, 0), "x"),
			withKey(out("b", 0.5, 0, 0, 0), "y"),
			withKey(out("c", 0.6, 0, 0, 0), "y"),
		}
		res, err := e.Collapse(outputs, datatypes.CollapseMajority)
		require.NoError(t, err)
		assert.Equal(t, "c", res.Chosen.VariationID)
		assert.Equal(t, 2, res.DiscardedCount)
	})

	t.Run("tied classes settle by best score", func(t *testing.T) {
		outputs := []datatypes.AgentOutput{
			withKey(out("a", 0.3, 0, 0, 0), "x"),
			withKey(out("b", 0.4, 0, 0, 0), "x"),
			withKey(out("c", 0.9, 0, 0, 0), "y"),
			withKey(out("d", 0.1, 0, 0, 0), "y"),
			withKey(out("e", 1.0, 0, 0, 0), "z"),
		}
		res, err := e.Collapse(outputs, datatypes.CollapseMajority)
		require.NoError(t, err)
		assert.Equal(t, "c", res.Chosen.VariationID)
	})

	t.Run("no keys degrades to best score", func(t *testing.T) {
		outputs := []datatypes.AgentOutput{out("a", 0.3, 0, 0, 0), out("b", 0.8, 0, 0, 0)}
		res, err := e.Collapse(outputs, datatypes.CollapseMajority)
		require.NoError(t, err)
		assert.Equal(t, "b", res.Chosen.VariationID)
	})
}

func TestCollapse_FirstSuccess(t *testing.T) {
	e := NewEngine(DefaultWeights())
	outputs := []datatypes.AgentOutput{
		out("slow-good", 0.95, 0, 0, 3*time.Second),
		failed("fastest-but-failed"),
		out("fast", 0.2, 0, 0, time.Second),
		out("fast-better", 0.4, 0, 0, time.Second),
	}
	res, err := e.Collapse(outputs, datatypes.CollapseFirstSuccess)
	require.NoError(t, err)
	assert.Equal(t, "fast-better", res.Chosen.VariationID)
	assert.Equal(t, 2, res.DiscardedCount)
}

func TestCollapse_Weighted(t *testing.T) {
	outputs := []datatypes.AgentOutput{
		out("quality", 0.9, 1.0, 4*time.Second, 0),
		out("cheap", 0.6, 0.1, 500*time.Millisecond, 0),
	}

	qualityFirst := NewEngine(Weights{Score: 1})
	res, err := qualityFirst.Collapse(outputs, datatypes.CollapseWeighted)
	require.NoError(t, err)
	assert.Equal(t, "quality", res.Chosen.VariationID)

	frugal := NewEngine(Weights{Score: 0.2, Cost: 0.5, Latency: 0.3})
	res, err = frugal.Collapse(outputs, datatypes.CollapseWeighted)
	require.NoError(t, err)
	assert.Equal(t, "cheap", res.Chosen.VariationID)

	// Equal totals fall back to best score.
	balanced := NewEngine(Weights{Score: 0.5, Cost: 0.5})
	res, err = balanced.Collapse(outputs, datatypes.CollapseWeighted)
	require.NoError(t, err)
	assert.Equal(t, "quality", res.Chosen.VariationID)
}

func TestWeights(t *testing.T) {
	assert.NoError(t, DefaultWeights().Validate())
	assert.ErrorIs(t, Weights{}.Validate(), ErrInvalidWeights)
	assert.ErrorIs(t, Weights{Score: 1, Cost: -1}.Validate(), ErrInvalidWeights)

	e := NewEngine(Weights{})
	assert.Equal(t, DefaultWeights(), e.Weights())
	assert.Error(t, e.SetWeights(Weights{}))
	require.NoError(t, e.SetWeights(Weights{Latency: 1}))
	assert.Equal(t, Weights{Latency: 1}, e.Weights())
}
