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
	"time"
)

// AgentOutput records exactly one agent invocation, successful or not.
//
// # Description
//
// Failed invocations are represented with Err set and never dropped. The
// orchestrator fills timing and cost fields; agents only supply a Response.
type AgentOutput struct {
	AgentRef    string `json:"agent_ref"`
	VariationID string `json:"variation_id,omitempty"`

	Payload any      `json:"payload,omitempty"`
	Score   *float64 `json:"score,omitempty"`

	CostActual    float64       `json:"cost_actual"`
	LatencyActual time.Duration `json:"latency_actual"`
	StartedAt     time.Time     `json:"started_at"`
	CompletedAt   time.Time     `json:"completed_at"`

	// EquivalenceKey is the agent's structural equality hint.
	EquivalenceKey string `json:"equivalence_key,omitempty"`

	// Round is the COLLABORATIVE round, Stage the PIPELINE stage.
	Round int `json:"round,omitempty"`
	Stage int `json:"stage,omitempty"`

	// Err is the invocation failure, if any. ErrKind classifies it and
	// Error carries its message for serialization.
	Err     error  `json:"-"`
	ErrKind Kind   `json:"error_kind,omitempty"`
	Error   string `json:"error,omitempty"`
}

// OK reports whether the invocation succeeded.
func (o AgentOutput) OK() bool {
	return o.Err == nil
}

// ScoreValue returns the score, or 0 when the agent supplied none.
func (o AgentOutput) ScoreValue() float64 {
	if o.Score == nil {
		return 0
	}
	return *o.Score
}

// Fail marks the output as failed with the given kind.
func (o *AgentOutput) Fail(kind Kind, err error) {
	o.Err = err
	o.ErrKind = kind
	if err != nil {
		o.Error = err.Error()
	}
}

// Successful filters outputs down to the error-free ones, preserving order.
func Successful(outputs []AgentOutput) []AgentOutput {
	out := make([]AgentOutput, 0, len(outputs))
	for _, o := range outputs {
		if o.OK() {
			out = append(out, o)
		}
	}
	return out
}

// MeanScore averages the scores of successful outputs. Outputs without a
// score count as zero. Returns 0 when nothing succeeded.
func MeanScore(outputs []AgentOutput) float64 {
	var sum float64
	n := 0
	for _, o := range outputs {
		if !o.OK() {
			continue
		}
		sum += o.ScoreValue()
		n++
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

// TotalCost sums the actual cost of every output, failures included.
func TotalCost(outputs []AgentOutput) float64 {
	var sum float64
	for _, o := range outputs {
		sum += o.CostActual
	}
	return sum
}

// CollapseResult is the single reduced result of a QUANTUM run.
type CollapseResult struct {
	Chosen         AgentOutput    `json:"chosen_output"`
	Method         CollapseMethod `json:"method_used"`
	DiscardedCount int            `json:"discarded_count"`
}
