// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes defines the shared vocabulary of the ensemble engine:
// tasks, capabilities, the agent contract, execution plans, agent outputs,
// and the task error taxonomy.
//
// Every other ensemble package depends on this one; it depends on nothing
// inside the module.
package datatypes

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate *validator.Validate

func init() {
	validate = validator.New()
	if err := validate.RegisterValidation("taskkind", validateTaskKind); err != nil {
		panic(fmt.Sprintf("datatypes: register taskkind validation: %v", err))
	}
}

// =============================================================================
// Task Kind
// =============================================================================

// TaskKind classifies a task for routing and success-rate bookkeeping.
type TaskKind string

const (
	TaskKindGeneration TaskKind = "generation"
	TaskKindAnalysis   TaskKind = "analysis"
	TaskKindReview     TaskKind = "review"
	TaskKindTest       TaskKind = "test"
	TaskKindCustom     TaskKind = "custom"
)

// AllTaskKinds lists the kinds in their stable feature-encoding order.
var AllTaskKinds = []TaskKind{
	TaskKindGeneration,
	TaskKindAnalysis,
	TaskKindReview,
	TaskKindTest,
	TaskKindCustom,
}

// Valid reports whether k is one of the known kinds.
func (k TaskKind) Valid() bool {
	return k.Index() >= 0
}

// Index returns the position of k in AllTaskKinds, or -1 if unknown.
func (k TaskKind) Index() int {
	for i, known := range AllTaskKinds {
		if k == known {
			return i
		}
	}
	return -1
}

func validateTaskKind(fl validator.FieldLevel) bool {
	return TaskKind(fl.Field().String()).Valid()
}

// =============================================================================
// Capabilities
// =============================================================================

// Capability tags a kind of work an agent can perform.
type Capability string

const (
	CapAnalysis       Capability = "analysis"
	CapCodeGeneration Capability = "code_generation"
	CapRefactoring    Capability = "refactoring"
	CapDocumentation  Capability = "documentation"
	CapReview         Capability = "review"
	CapTesting        Capability = "testing"
	CapSecurity       Capability = "security"
)

// StageOrder is the canonical order in which capabilities are laid out as
// pipeline stages. Capabilities not listed here sort after these,
// alphabetically.
var StageOrder = []Capability{
	CapAnalysis,
	CapCodeGeneration,
	CapRefactoring,
	CapDocumentation,
	CapReview,
	CapTesting,
	CapSecurity,
}

func stageRank(c Capability) int {
	for i, s := range StageOrder {
		if s == c {
			return i
		}
	}
	return len(StageOrder)
}

// CapabilitySet is an unordered set of capabilities.
//
// # Thread Safety
//
// Not safe for concurrent mutation. Sets handed to the registry are copied
// and never mutated afterwards.
type CapabilitySet map[Capability]struct{}

// NewCapabilitySet builds a set from the given capabilities.
func NewCapabilitySet(caps ...Capability) CapabilitySet {
	s := make(CapabilitySet, len(caps))
	for _, c := range caps {
		s[c] = struct{}{}
	}
	return s
}

// Has reports whether c is in the set.
func (s CapabilitySet) Has(c Capability) bool {
	_, ok := s[c]
	return ok
}

// Len returns the set cardinality.
func (s CapabilitySet) Len() int {
	return len(s)
}

// Covers reports whether s is a superset of required.
func (s CapabilitySet) Covers(required CapabilitySet) bool {
	for c := range required {
		if !s.Has(c) {
			return false
		}
	}
	return true
}

// Intersects reports whether s and other share at least one capability.
func (s CapabilitySet) Intersects(other CapabilitySet) bool {
	for c := range other {
		if s.Has(c) {
			return true
		}
	}
	return false
}

// Clone returns an independent copy of s.
func (s CapabilitySet) Clone() CapabilitySet {
	out := make(CapabilitySet, len(s))
	for c := range s {
		out[c] = struct{}{}
	}
	return out
}

// Add inserts every capability of other into s.
func (s CapabilitySet) Add(other CapabilitySet) {
	for c := range other {
		s[c] = struct{}{}
	}
}

// Sorted returns the capabilities in stage order, unknown ones last and
// alphabetical.
func (s CapabilitySet) Sorted() []Capability {
	out := make([]Capability, 0, len(s))
	for c := range s {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		ri, rj := stageRank(out[i]), stageRank(out[j])
		if ri != rj {
			return ri < rj
		}
		return out[i] < out[j]
	})
	return out
}

// String renders the set as "a,b,c" in stage order.
func (s CapabilitySet) String() string {
	caps := s.Sorted()
	parts := make([]string, len(caps))
	for i, c := range caps {
		parts[i] = string(c)
	}
	return strings.Join(parts, ",")
}

// MarshalJSON encodes the set as a sorted list.
func (s CapabilitySet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Sorted())
}

// UnmarshalJSON decodes a list of capabilities.
func (s *CapabilitySet) UnmarshalJSON(data []byte) error {
	var caps []Capability
	if err := json.Unmarshal(data, &caps); err != nil {
		return fmt.Errorf("decode capability set: %w", err)
	}
	*s = NewCapabilitySet(caps...)
	return nil
}

// =============================================================================
// Task
// =============================================================================

// Task is one unit of work submitted to the engine.
//
// # Description
//
// A Task is immutable once submitted. Strategies that need to pass data
// forward (PIPELINE stages, SEQUENTIAL refine hints) derive copies with
// WithContext rather than mutating the original.
type Task struct {
	// ID identifies the task. Submit assigns a UUID when empty.
	ID string `json:"id"`

	// Kind classifies the task for routing.
	Kind TaskKind `json:"kind" validate:"required,taskkind"`

	// Prompt is the opaque work description handed to agents.
	Prompt string `json:"prompt" validate:"max=65536"`

	// Context is an opaque key/value bag passed through to agents.
	Context map[string]any `json:"context,omitempty"`

	// RequiredCapabilities must be covered by the chosen candidates.
	RequiredCapabilities CapabilitySet `json:"required_capabilities,omitempty"`

	// PersonaHint is an opaque string bucketed into a routing feature.
	PersonaHint string `json:"persona_hint,omitempty" validate:"max=256"`
}

// Validate checks the task's struct constraints.
//
// # Outputs
//
//   - error: Wraps ErrInvalidTask on failure.
func (t Task) Validate() error {
	if err := validate.Struct(t); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidTask, err)
	}
	return nil
}

// WithContext returns a copy of t whose context is the original context
// overlaid with the given entries. The original task is left untouched.
func (t Task) WithContext(entries map[string]any) Task {
	merged := make(map[string]any, len(t.Context)+len(entries))
	for k, v := range t.Context {
		merged[k] = v
	}
	for k, v := range entries {
		merged[k] = v
	}
	t.Context = merged
	return t
}

// Context keys the orchestrator writes when deriving stage tasks.
const (
	ContextKeyPreviousOutput = "ensemble.previous_output"
	ContextKeyPreviousAgent  = "ensemble.previous_agent"
	ContextKeyStage          = "ensemble.stage"
	ContextKeyStageOutputs   = "ensemble.stage_outputs"
)
