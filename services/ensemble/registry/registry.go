// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package registry holds the registered agents and matches tasks to
// capable candidates.
//
// # Description
//
// The registry is written during startup and read on every task. Reads
// are lock-free: Register publishes an immutable snapshot through an
// atomic pointer, so matchers running on the request path never contend
// with each other or with a late registration.
package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/AleutianAI/AleutianEnsemble/services/ensemble/datatypes"
)

var (
	// ErrNilAgent is returned when registering a nil agent.
	ErrNilAgent = errors.New("agent must not be nil")

	// ErrEmptyName is returned when an agent reports an empty name.
	ErrEmptyName = errors.New("agent name must not be empty")

	// ErrDuplicateAgent is returned when the name is already registered.
	ErrDuplicateAgent = errors.New("agent already registered")
)

// RegisterOption customizes a single registration.
type RegisterOption func(*registration)

type registration struct {
	priority int
}

// WithPriority sets the agent's specialization priority. Higher values rank
// first; equal priorities keep registration order. Default 0.
func WithPriority(p int) RegisterOption {
	return func(r *registration) { r.priority = p }
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the registry logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// snapshot is an immutable view of the registry.
type snapshot struct {
	ordered []datatypes.Candidate
	byName  map[string]int
	union   datatypes.CapabilitySet
}

// Registry is the set of available agents.
//
// # Thread Safety
//
// Register is serialized by a writer lock. All read methods load the
// current snapshot atomically and never block.
type Registry struct {
	mu     sync.Mutex
	snap   atomic.Pointer[snapshot]
	next   int
	logger *slog.Logger
}

// New creates an empty registry.
func New(opts ...Option) *Registry {
	r := &Registry{logger: slog.Default()}
	for _, opt := range opts {
		opt(r)
	}
	r.snap.Store(&snapshot{byName: map[string]int{}, union: datatypes.NewCapabilitySet()})
	return r
}

// Register adds an agent.
//
// # Description
//
// The agent's capability set is copied at registration time. Candidates
// are kept sorted by priority (descending) then registration order.
//
// # Outputs
//
//   - error: ErrNilAgent, ErrEmptyName, or ErrDuplicateAgent.
func (r *Registry) Register(agent datatypes.Agent, opts ...RegisterOption) error {
	if agent == nil {
		return ErrNilAgent
	}
	name := agent.Name()
	if name == "" {
		return ErrEmptyName
	}

	reg := registration{}
	for _, opt := range opts {
		opt(&reg)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.snap.Load()
	if _, exists := cur.byName[name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateAgent, name)
	}

	cand := datatypes.Candidate{
		Agent:        agent,
		Name:         name,
		Priority:     reg.priority,
		Order:        r.next,
		Capabilities: agent.Capabilities().Clone(),
	}
	r.next++

	ordered := make([]datatypes.Candidate, len(cur.ordered), len(cur.ordered)+1)
	copy(ordered, cur.ordered)
	ordered = append(ordered, cand)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].Priority != ordered[j].Priority {
			return ordered[i].Priority > ordered[j].Priority
		}
		return ordered[i].Order < ordered[j].Order
	})

	next := &snapshot{
		ordered: ordered,
		byName:  make(map[string]int, len(ordered)),
		union:   cur.union.Clone(),
	}
	for i, c := range ordered {
		next.byName[c.Name] = i
	}
	next.union.Add(cand.Capabilities)
	r.snap.Store(next)

	r.logger.Info("agent registered",
		slog.String("agent", name),
		slog.Int("priority", reg.priority),
		slog.String("capabilities", cand.Capabilities.String()),
	)
	return nil
}

// Agents returns every registered candidate in rank order.
func (r *Registry) Agents() []datatypes.Candidate {
	cur := r.snap.Load()
	out := make([]datatypes.Candidate, len(cur.ordered))
	copy(out, cur.ordered)
	return out
}

// Get looks an agent up by name.
func (r *Registry) Get(name string) (datatypes.Candidate, bool) {
	cur := r.snap.Load()
	i, ok := cur.byName[name]
	if !ok {
		return datatypes.Candidate{}, false
	}
	return cur.ordered[i], true
}

// Len returns the number of registered agents.
func (r *Registry) Len() int {
	return len(r.snap.Load().ordered)
}

// Union returns the union of every registered capability.
func (r *Registry) Union() datatypes.CapabilitySet {
	return r.snap.Load().union.Clone()
}
