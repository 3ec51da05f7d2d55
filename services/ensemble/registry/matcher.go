// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package registry

import (
	"fmt"
	"strings"

	"github.com/AleutianAI/AleutianEnsemble/services/ensemble/datatypes"
)

// Match is the candidate analysis for one required capability set.
//
// # Description
//
// Three views are computed at once so the router can judge every strategy
// against the same registry snapshot:
//
//   - Independent: agents that each cover the whole set, in rank order.
//     SEQUENTIAL, PARALLEL and QUANTUM draw from this list.
//   - Cover: a minimal ordered cover for PIPELINE. Capabilities are walked
//     in datatypes.StageOrder and the highest-ranked agent providing each
//     uncovered capability becomes the next stage.
//   - Contributors: every agent providing at least one required capability,
//     in rank order. COLLABORATIVE draws from this list.
type Match struct {
	Required     datatypes.CapabilitySet
	Independent  []datatypes.Candidate
	Cover        []datatypes.Candidate
	Contributors []datatypes.Candidate
}

// Match analyses the registry for the required capabilities.
//
// # Outputs
//
//   - *Match: The candidate views.
//   - error: A datatypes.Error of kind NoCapableAgent when not even the union
//     of all agents covers the set.
func (r *Registry) Match(required datatypes.CapabilitySet) (*Match, error) {
	return computeMatch(r.snap.Load().ordered, required)
}

// FindCandidates returns the ordered candidates usable by strategy.
//
// # Outputs
//
//   - []datatypes.Candidate: Never empty on success.
//   - error: NoCapableAgent when the strategy's coverage rule cannot be met.
func (r *Registry) FindCandidates(required datatypes.CapabilitySet, strategy datatypes.Strategy) ([]datatypes.Candidate, error) {
	m, err := r.Match(required)
	if err != nil {
		return nil, err
	}
	cands := m.For(strategy)
	if len(cands) == 0 {
		return nil, datatypes.NewError(datatypes.KindNoCapableAgent, "find candidates",
			fmt.Errorf("no single agent covers %s", required), nil)
	}
	return cands, nil
}

// For returns the candidate list a strategy draws from.
func (m *Match) For(strategy datatypes.Strategy) []datatypes.Candidate {
	switch strategy {
	case datatypes.StrategyPipeline:
		return m.Cover
	case datatypes.StrategyCollaborative:
		return m.Contributors
	default:
		return m.Independent
	}
}

// All returns every agent that could take part in some strategy.
func (m *Match) All() []datatypes.Candidate {
	return m.Contributors
}

// Without recomputes the match with the named agents removed.
//
// # Outputs
//
//   - error: NoCapableAgent if the remaining agents no longer cover the set.
func (m *Match) Without(excluded map[string]bool) (*Match, error) {
	if len(excluded) == 0 {
		return m, nil
	}
	remaining := make([]datatypes.Candidate, 0, len(m.Contributors))
	for _, c := range m.Contributors {
		if !excluded[c.Name] {
			remaining = append(remaining, c)
		}
	}
	return computeMatch(remaining, m.Required)
}

func computeMatch(ordered []datatypes.Candidate, required datatypes.CapabilitySet) (*Match, error) {
	if required == nil {
		required = datatypes.NewCapabilitySet()
	}
	m := &Match{Required: required}

	union := datatypes.NewCapabilitySet()
	for _, c := range ordered {
		if required.Len() == 0 || c.Capabilities.Intersects(required) {
			m.Contributors = append(m.Contributors, c)
			union.Add(c.Capabilities)
		}
		if c.Capabilities.Covers(required) {
			m.Independent = append(m.Independent, c)
		}
	}

	if len(ordered) == 0 || !union.Covers(required) {
		return nil, datatypes.NewError(datatypes.KindNoCapableAgent, "match",
			fmt.Errorf("missing capabilities: %s", missing(union, required)), nil)
	}

	if required.Len() == 0 {
		m.Cover = []datatypes.Candidate{m.Contributors[0]}
		return m, nil
	}

	covered := datatypes.NewCapabilitySet()
	for _, capability := range required.Sorted() {
		if covered.Has(capability) {
			continue
		}
		for _, c := range m.Contributors {
			if c.Capabilities.Has(capability) {
				m.Cover = append(m.Cover, c)
				for rc := range required {
					if c.Capabilities.Has(rc) {
						covered[rc] = struct{}{}
					}
				}
				break
			}
		}
	}
	return m, nil
}

func missing(have, required datatypes.CapabilitySet) string {
	var out []string
	for _, c := range required.Sorted() {
		if !have.Has(c) {
			out = append(out, string(c))
		}
	}
	if len(out) == 0 {
		return "none (registry empty)"
	}
	return strings.Join(out, ",")
}
