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
	"context"
	"time"
)

// Agent is the contract every worker implements.
//
// # Description
//
// The engine never knows what an agent is, only its name, its capability
// set, and the two methods below. Agents are registered as instances and
// are treated as stateless by the orchestrator.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use. PARALLEL, QUANTUM and
// COLLABORATIVE invoke the same agent from several goroutines at once.
type Agent interface {
	// Name returns a stable identifier, unique within a registry.
	Name() string

	// Capabilities returns the set of work kinds the agent can perform.
	Capabilities() CapabilitySet

	// EstimateCost predicts cost and latency before execution.
	// It must honour ctx cancellation.
	EstimateCost(ctx context.Context, task Task) (CostEstimate, error)

	// Execute performs the task. It must return promptly once ctx is done.
	// Returned errors are captured into AgentOutput.Err, never propagated.
	Execute(ctx context.Context, task Task, params Params) (Response, error)
}

// CostEstimate is an advisory pre-execution prediction.
type CostEstimate struct {
	MonetaryCost     float64       `json:"monetary_cost"`
	EstimatedLatency time.Duration `json:"estimated_latency"`

	// Confidence is in [0, 1]. Zero means "no idea".
	Confidence float64 `json:"confidence"`
}

// Params carries per-invocation execution parameters.
type Params struct {
	// VariationID is set under QUANTUM.
	VariationID string `json:"variation_id,omitempty"`

	// Overrides carries the QUANTUM parameter perturbation for this branch.
	Overrides map[string]any `json:"overrides,omitempty"`

	// Refine is the previous SEQUENTIAL agent's payload when refine chaining
	// is enabled. Agents may ignore it.
	Refine any `json:"refine,omitempty"`

	// Stage is the zero-based PIPELINE stage index.
	Stage int `json:"stage,omitempty"`

	// Round is the one-based COLLABORATIVE round number.
	Round int `json:"round,omitempty"`

	// Blackboard is the shared COLLABORATIVE board; nil for other strategies.
	Blackboard Blackboard `json:"-"`
}

// Response is what an agent returns on success.
type Response struct {
	Payload any `json:"payload"`

	// Score is the agent's own quality assessment in [0, 1], if any.
	Score *float64 `json:"score,omitempty"`

	// Cost is the actual monetary cost of the invocation.
	Cost float64 `json:"cost"`

	// EquivalenceKey groups structurally equal payloads for MAJORITY
	// collapse. Empty means the payload is not comparable.
	EquivalenceKey string `json:"equivalence_key,omitempty"`
}

// Blackboard is an agent's view of the COLLABORATIVE shared state.
//
// Reads observe the board as it stood at the start of the current round.
// Writes are last-writer-wins per key.
type Blackboard interface {
	Read(key string) (any, bool)
	Snapshot() map[string]any
	Write(key string, value any)
}

// Candidate is a registered agent together with its registry metadata.
type Candidate struct {
	Agent        Agent         `json:"-"`
	Name         string        `json:"name"`
	Priority     int           `json:"priority"`
	Order        int           `json:"order"`
	Capabilities CapabilitySet `json:"capabilities"`
}

// Score returns a pointer to v, for building Responses.
func Score(v float64) *float64 {
	return &v
}
