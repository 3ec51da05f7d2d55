// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package collapse reduces the outputs of parallel QUANTUM variations to a
// single chosen result.
//
// # Description
//
// Every method is a pure function of its input: the same outputs in the
// same order always yield the same CollapseResult. Failed outputs are
// ignored; DiscardedCount counts the successful outputs that were not
// chosen. The final tie-break for every method is input order.
package collapse

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"

	"github.com/AleutianAI/AleutianEnsemble/services/ensemble/datatypes"
)

// ErrInvalidWeights is returned by Weights.Validate.
var ErrInvalidWeights = errors.New("invalid collapse weights")

// ErrUnknownMethod is returned for an unrecognized collapse method.
var ErrUnknownMethod = errors.New("unknown collapse method")

// Weights is the WEIGHTED method's weight tuple.
type Weights struct {
	Score   float64 `yaml:"score" json:"score" validate:"gte=0"`
	Cost    float64 `yaml:"cost" json:"cost" validate:"gte=0"`
	Latency float64 `yaml:"latency" json:"latency" validate:"gte=0"`
}

// DefaultWeights favours quality while still rewarding cheap, fast outputs.
func DefaultWeights() Weights {
	return Weights{Score: 0.6, Cost: 0.2, Latency: 0.2}
}

// Validate rejects negative weights and an all-zero tuple.
func (w Weights) Validate() error {
	if w.Score < 0 || w.Cost < 0 || w.Latency < 0 {
		return fmt.Errorf("%w: negative weight", ErrInvalidWeights)
	}
	if w.Score+w.Cost+w.Latency == 0 {
		return fmt.Errorf("%w: all weights are zero", ErrInvalidWeights)
	}
	return nil
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// Engine performs collapses.
//
// # Thread Safety
//
// Safe for concurrent use. Weights can be replaced at runtime with
// SetWeights; each Collapse call reads them once.
type Engine struct {
	mu      sync.RWMutex
	weights Weights
	logger  *slog.Logger
}

// NewEngine creates an engine. Invalid weights fall back to DefaultWeights.
func NewEngine(weights Weights, opts ...Option) *Engine {
	if weights.Validate() != nil {
		weights = DefaultWeights()
	}
	e := &Engine{weights: weights, logger: slog.Default()}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Weights returns the current weight tuple.
func (e *Engine) Weights() Weights {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.weights
}

// SetWeights replaces the weight tuple.
func (e *Engine) SetWeights(w Weights) error {
	if err := w.Validate(); err != nil {
		return err
	}
	e.mu.Lock()
	e.weights = w
	e.mu.Unlock()
	return nil
}

// Collapse reduces outputs with method.
//
// # Inputs
//
//   - outputs: Variation outputs, successful and failed.
//   - method: The reduction method.
//
// # Outputs
//
//   - datatypes.CollapseResult: The chosen output and discard count.
//   - error: A datatypes.Error of kind CollapseFailed when no output
//     succeeded, or ErrUnknownMethod.
func (e *Engine) Collapse(outputs []datatypes.AgentOutput, method datatypes.CollapseMethod) (datatypes.CollapseResult, error) {
	ok := datatypes.Successful(outputs)
	if len(ok) == 0 {
		recordCollapse(method, false)
		return datatypes.CollapseResult{}, datatypes.NewError(datatypes.KindCollapseFailed, "collapse",
			fmt.Errorf("%d outputs, none successful", len(outputs)), outputs)
	}

	var idx int
	switch method {
	case datatypes.CollapseBestScore:
		idx = bestScore(ok, allIndices(len(ok)))
	case datatypes.CollapseMajority:
		idx = majority(ok)
	case datatypes.CollapseFirstSuccess:
		idx = firstSuccess(ok)
	case datatypes.CollapseWeighted:
		idx = weighted(ok, e.Weights())
	default:
		return datatypes.CollapseResult{}, fmt.Errorf("%w: %q", ErrUnknownMethod, method)
	}

	res := datatypes.CollapseResult{
		Chosen:         ok[idx],
		Method:         method,
		DiscardedCount: len(ok) - 1,
	}
	recordCollapse(method, true)
	e.logger.Debug("collapse performed",
		slog.String("method", string(method)),
		slog.String("chosen", ok[idx].AgentRef),
		slog.String("variation_id", ok[idx].VariationID),
		slog.Int("discarded", res.DiscardedCount),
	)
	return res, nil
}

func allIndices(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}

// bestScore returns the index (into outputs) of the highest score among
// idxs, ties broken by lowest cost then input order.
func bestScore(outputs []datatypes.AgentOutput, idxs []int) int {
	best := idxs[0]
	for _, i := range idxs[1:] {
		si, sb := outputs[i].ScoreValue(), outputs[best].ScoreValue()
		switch {
		case si > sb:
			best = i
		case si == sb && outputs[i].CostActual < outputs[best].CostActual:
			best = i
		}
	}
	return best
}

// majority groups by equivalence key. Outputs without a key are singleton
// classes. The largest class wins; ties are settled by BEST_SCORE across
// the members of every tied class.
func majority(outputs []datatypes.AgentOutput) int {
	classes := make(map[string][]int)
	var order []string
	for i, o := range outputs {
		key := o.EquivalenceKey
		if key == "" {
			key = fmt.Sprintf("\x00singleton-%d", i)
		}
		if _, seen := classes[key]; !seen {
			order = append(order, key)
		}
		classes[key] = append(classes[key], i)
	}

	largest := 0
	for _, k := range order {
		largest = max(largest, len(classes[k]))
	}
	var tied []int
	for _, k := range order {
		if len(classes[k]) == largest {
			tied = append(tied, classes[k]...)
		}
	}
	return bestScore(outputs, tied)
}

// firstSuccess picks the earliest completion; equal timestamps fall back
// to BEST_SCORE.
func firstSuccess(outputs []datatypes.AgentOutput) int {
	earliest := outputs[0].CompletedAt
	for _, o := range outputs[1:] {
		if o.CompletedAt.Before(earliest) {
			earliest = o.CompletedAt
		}
	}
	var tied []int
	for i, o := range outputs {
		if o.CompletedAt.Equal(earliest) {
			tied = append(tied, i)
		}
	}
	return bestScore(outputs, tied)
}

// weighted scores every output as
//
//	w.Score*norm(score) + w.Cost*inv(cost) + w.Latency*inv(latency)
//
// with min-max normalization across the successful outputs. When all
// values of a dimension are equal the dimension contributes fully.
func weighted(outputs []datatypes.AgentOutput, w Weights) int {
	scores := make([]float64, len(outputs))
	costs := make([]float64, len(outputs))
	lats := make([]float64, len(outputs))
	for i, o := range outputs {
		scores[i] = o.ScoreValue()
		costs[i] = o.CostActual
		lats[i] = float64(o.LatencyActual)
	}
	ns := normalize(scores, false)
	nc := normalize(costs, true)
	nl := normalize(lats, true)

	best, bestTotal := 0, math.Inf(-1)
	var tied []int
	for i := range outputs {
		total := w.Score*ns[i] + w.Cost*nc[i] + w.Latency*nl[i]
		switch {
		case total > bestTotal+1e-12:
			best, bestTotal = i, total
			tied = []int{i}
		case math.Abs(total-bestTotal) <= 1e-12:
			tied = append(tied, i)
		}
	}
	if len(tied) > 1 {
		return bestScore(outputs, tied)
	}
	return best
}

func normalize(vals []float64, inverse bool) []float64 {
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, v := range vals {
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	out := make([]float64, len(vals))
	for i, v := range vals {
		if hi == lo {
			out[i] = 1
			continue
		}
		n := (v - lo) / (hi - lo)
		if inverse {
			n = 1 - n
		}
		out[i] = n
	}
	return out
}
