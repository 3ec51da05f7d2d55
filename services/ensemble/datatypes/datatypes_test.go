// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCapabilitySet_Covers(t *testing.T) {
	tests := []struct {
		name     string
		have     CapabilitySet
		required CapabilitySet
		want     bool
	}{
		{"empty required", NewCapabilitySet(CapReview), NewCapabilitySet(), true},
		{"exact", NewCapabilitySet(CapReview), NewCapabilitySet(CapReview), true},
		{"superset", NewCapabilitySet(CapReview, CapTesting), NewCapabilitySet(CapTesting), true},
		{"missing one", NewCapabilitySet(CapReview), NewCapabilitySet(CapReview, CapTesting), false},
		{"nil have", nil, NewCapabilitySet(CapReview), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.have.Covers(tt.required))
		})
	}
}

func TestCapabilitySet_SortedUsesStageOrder(t *testing.T) {
	s := NewCapabilitySet(CapTesting, "zeta", CapCodeGeneration, "alpha", CapAnalysis)
	assert.Equal(t, []Capability{CapAnalysis, CapCodeGeneration, CapTesting, "alpha", "zeta"}, s.Sorted())
	assert.Equal(t, "analysis,code_generation,testing,alpha,zeta", s.String())
}

func TestCapabilitySet_JSON(t *testing.T) {
	in := NewCapabilitySet(CapTesting, CapCodeGeneration)
	data, err := json.Marshal(in)
	require.NoError(t, err)
	assert.JSONEq(t, `["code_generation","testing"]`, string(data))

	var out CapabilitySet
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, in, out)

	assert.Error(t, json.Unmarshal([]byte(`{"x":1}`), &out))
}

func TestTask_Validate(t *testing.T) {
	valid := Task{ID: "t1", Kind: TaskKindGeneration, Prompt: "write it"}
	require.NoError(t, valid.Validate())

	missingKind := valid
	missingKind.Kind = ""
	assert.ErrorIs(t, missingKind.Validate(), ErrInvalidTask)

	badKind := valid
	badKind.Kind = "poetry"
	assert.ErrorIs(t, badKind.Validate(), ErrInvalidTask)
}

func TestTask_WithContextDoesNotMutate(t *testing.T) {
	orig := Task{ID: "t1", Kind: TaskKindTest, Context: map[string]any{"a": 1}}
	derived := orig.WithContext(map[string]any{"b": 2, "a": 3})

	assert.Equal(t, map[string]any{"a": 1}, orig.Context)
	assert.Equal(t, map[string]any{"a": 3, "b": 2}, derived.Context)
}

func TestError_IsAndKind(t *testing.T) {
	cause := errors.New("stage 2 exploded")
	partial := []AgentOutput{{AgentRef: "gen"}}
	err := fmt.Errorf("submit: %w", NewError(KindStrategyFailed, "pipeline", cause, partial))

	assert.ErrorIs(t, err, ErrStrategyFailed)
	assert.ErrorIs(t, err, cause)
	assert.NotErrorIs(t, err, ErrCollapseFailed)
	assert.Equal(t, KindStrategyFailed, KindOf(err))
	assert.Equal(t, partial, PartialOutputs(err))
	assert.Contains(t, err.Error(), "1 partial outputs")

	assert.Equal(t, Kind(""), KindOf(cause))
	assert.Nil(t, PartialOutputs(cause))
}

func TestKind_Fatal(t *testing.T) {
	assert.True(t, KindNoCapableAgent.Fatal())
	assert.True(t, KindCollapseFailed.Fatal())
	assert.False(t, KindPolicyTimeout.Fatal())
	assert.False(t, KindAgentExecution.Fatal())
}

func TestOutputHelpers(t *testing.T) {
	ok1 := AgentOutput{AgentRef: "a", Score: Score(0.5), CostActual: 1}
	ok2 := AgentOutput{AgentRef: "b", CostActual: 2}
	bad := AgentOutput{AgentRef: "c", CostActual: 0.5}
	bad.Fail(KindAgentExecution, errors.New("boom"))

	outputs := []AgentOutput{ok1, bad, ok2}
	assert.Len(t, Successful(outputs), 2)
	assert.InDelta(t, 0.25, MeanScore(outputs), 1e-9)
	assert.InDelta(t, 3.5, TotalCost(outputs), 1e-9)
	assert.Equal(t, "boom", bad.Error)
	assert.False(t, bad.OK())
	assert.Zero(t, MeanScore([]AgentOutput{bad}))
}
