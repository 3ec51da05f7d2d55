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
	"fmt"
	"hash/fnv"
	"math"
	"time"

	"github.com/AleutianAI/AleutianEnsemble/services/ensemble/cost"
	"github.com/AleutianAI/AleutianEnsemble/services/ensemble/datatypes"
	"github.com/AleutianAI/AleutianEnsemble/services/ensemble/registry"
)

// =============================================================================
// Task Features
// =============================================================================

// PersonaBuckets is the number of buckets persona hints hash into.
// Bucket 0 is reserved for "no hint".
const PersonaBuckets = 8

var (
	costBucketEdges    = []float64{0.001, 0.01, 0.1, 1, 10}
	latencyBucketEdges = []time.Duration{100 * time.Millisecond, 500 * time.Millisecond, 2 * time.Second, 10 * time.Second, time.Minute}
)

// Features is the routing state derived from one task.
//
// Description:
//
//	Features captures the task kind, required capability cardinality,
//	persona bucket, candidate counts, the plan cost estimate, and the
//	historical success rate for the kind. Key discretizes it into the
//	tabular Q state.
//
// Thread Safety: Features is an immutable value.
type Features struct {
	Kind             datatypes.TaskKind `json:"kind"`
	RequiredCount    int                `json:"required_count"`
	PersonaBucket    int                `json:"persona_bucket"`
	CandidateCount   int                `json:"candidate_count"`
	CoverCount       int                `json:"cover_count"`
	ContributorCount int                `json:"contributor_count"`
	EstimatedCost    float64            `json:"estimated_cost"`
	EstimatedLatency time.Duration      `json:"estimated_latency"`
	SuccessRate      float64            `json:"success_rate"`
}

// Extract derives routing features.
//
// Inputs:
//
//	task - The submitted task.
//	match - Candidate analysis from the registry.
//	report - Cost estimates, may be nil.
//	successRate - Historical success rate for task.Kind in [0, 1].
//
// Outputs:
//
//	Features - The routing state.
func Extract(task datatypes.Task, match *registry.Match, report *cost.Report, successRate float64) Features {
	f := Features{
		Kind:          task.Kind,
		RequiredCount: task.RequiredCapabilities.Len(),
		PersonaBucket: PersonaBucket(task.PersonaHint),
		SuccessRate:   clamp01(successRate),
	}
	if match != nil {
		f.CandidateCount = len(match.Independent)
		f.CoverCount = len(match.Cover)
		f.ContributorCount = len(match.Contributors)
		if report != nil {
			est := report.Aggregate(datatypes.StrategySequential, match.All())
			f.EstimatedCost = est.MonetaryCost
			f.EstimatedLatency = est.EstimatedLatency
		}
	}
	return f
}

// PersonaBucket hashes a persona hint into [1, PersonaBuckets). An empty
// hint maps to 0.
func PersonaBucket(hint string) int {
	if hint == "" {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(hint))
	return 1 + int(h.Sum32()%uint32(PersonaBuckets-1))
}

// Key discretizes the features into a Q-table state key.
func (f Features) Key() string {
	return fmt.Sprintf("%s|r%d|p%d|c%d|v%d|k%d|$%d|l%d|s%d",
		f.Kind,
		min(f.RequiredCount, 4),
		f.PersonaBucket,
		min(f.CandidateCount, 5),
		min(f.CoverCount, 4),
		min(f.ContributorCount, 5),
		bucketFloat(f.EstimatedCost, costBucketEdges),
		bucketDuration(f.EstimatedLatency, latencyBucketEdges),
		int(math.Floor(clamp01(f.SuccessRate)*4)),
	)
}

// WithSuccessRate returns a copy with the success rate replaced. The
// feedback loop uses it to build the post-execution next state.
func (f Features) WithSuccessRate(rate float64) Features {
	f.SuccessRate = clamp01(rate)
	return f
}

func bucketFloat(v float64, edges []float64) int {
	for i, e := range edges {
		if v < e {
			return i
		}
	}
	return len(edges)
}

func bucketDuration(v time.Duration, edges []time.Duration) int {
	for i, e := range edges {
		if v < e {
			return i
		}
	}
	return len(edges)
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(0, math.Min(1, v))
}
