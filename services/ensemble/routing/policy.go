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
	"bytes"
	"compress/gzip"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand/v2"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AleutianAI/AleutianEnsemble/services/ensemble/internal/ringbuffer"
)

// =============================================================================
// Routing Policy
// =============================================================================

// CheckpointVersion is the current export format version.
const CheckpointVersion = 1

var (
	// ErrIncompatibleCheckpoint is returned when importing a checkpoint whose
	// version or action set does not match this policy.
	ErrIncompatibleCheckpoint = errors.New("incompatible policy checkpoint")

	// ErrCorruptCheckpoint is returned when a checkpoint cannot be decoded.
	ErrCorruptCheckpoint = errors.New("corrupt policy checkpoint")
)

// Transition is one (state, action, reward, next_state) replay tuple.
type Transition struct {
	State     Features  `json:"state"`
	Action    int       `json:"action"`
	Reward    float64   `json:"reward"`
	NextState Features  `json:"next_state"`
	Terminal  bool      `json:"terminal"`
	At        time.Time `json:"at"`
}

// PolicyConfig configures the learned policy.
type PolicyConfig struct {
	// EpsilonStart is the exploration rate before any invocation.
	EpsilonStart float64 `yaml:"epsilon_start" json:"epsilon_start" validate:"gte=0,lte=1"`

	// EpsilonMin is the floor the exploration rate decays towards.
	EpsilonMin float64 `yaml:"epsilon_min" json:"epsilon_min" validate:"gte=0,lte=1"`

	// EpsilonDecay is the per-invocation multiplicative decay.
	EpsilonDecay float64 `yaml:"epsilon_decay" json:"epsilon_decay" validate:"gt=0,lte=1"`

	// LearningRate is the Q-learning step size alpha.
	LearningRate float64 `yaml:"learning_rate" json:"learning_rate" validate:"gt=0,lte=1"`

	// Gamma discounts the next state's value.
	Gamma float64 `yaml:"gamma" json:"gamma" validate:"gte=0,lt=1"`

	// ReplayCapacity bounds the replay ring buffer.
	ReplayCapacity int `yaml:"replay_capacity" json:"replay_capacity" validate:"gte=1"`

	// BatchSize is the replay minibatch sampled per training step.
	BatchSize int `yaml:"batch_size" json:"batch_size" validate:"gte=1"`

	// Seed makes exploration reproducible. 0 seeds from the clock.
	Seed uint64 `yaml:"seed" json:"seed"`
}

// DefaultPolicyConfig returns the default policy configuration.
func DefaultPolicyConfig() PolicyConfig {
	return PolicyConfig{
		EpsilonStart:   0.3,
		EpsilonMin:     0.02,
		EpsilonDecay:   0.995,
		LearningRate:   0.1,
		Gamma:          0.5,
		ReplayCapacity: 4096,
		BatchSize:      32,
	}
}

// Policy is the tabular Q-learning routing policy.
//
// Description:
//
//	Q values live in a map from discretized state key to one value per
//	action. Unseen states read as all zeros. Action selection is
//	epsilon-greedy over the caller's valid actions, with the exploration
//	rate decaying per invocation:
//
//	  epsilon(n) = max(EpsilonMin, EpsilonStart * EpsilonDecay^n)
//
//	Learning is batched: Learn records fresh transitions into the replay
//	buffer and applies Q-learning updates for them plus a sampled
//	minibatch. Targets are computed under the read lock; only the final
//	writes take the write lock.
//
// Thread Safety: Policy is safe for concurrent use. SelectAction holds the
// read lock only while scanning one row.
type Policy struct {
	cfg     PolicyConfig
	actions []Action

	mu    sync.RWMutex
	table map[string][]float64

	rngMu sync.Mutex
	rng   *rand.Rand

	replay *ringbuffer.RingBuffer[Transition]

	invocations atomic.Int64
	samples     atomic.Int64
	updates     atomic.Int64

	logger *slog.Logger
}

// PolicyOption configures a Policy.
type PolicyOption func(*Policy)

// WithPolicyLogger sets the policy logger.
func WithPolicyLogger(logger *slog.Logger) PolicyOption {
	return func(p *Policy) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// NewPolicy creates a cold policy over the given action set.
//
// Inputs:
//
//	actions - The action set. Must be non-empty; IDs must equal indices.
//	cfg - Configuration. Out-of-range values are replaced by defaults.
//
// Outputs:
//
//	*Policy - The policy.
func NewPolicy(actions []Action, cfg PolicyConfig, opts ...PolicyOption) *Policy {
	def := DefaultPolicyConfig()
	if cfg.EpsilonStart < 0 || cfg.EpsilonStart > 1 {
		cfg.EpsilonStart = def.EpsilonStart
	}
	if cfg.EpsilonMin < 0 || cfg.EpsilonMin > cfg.EpsilonStart {
		cfg.EpsilonMin = math.Min(def.EpsilonMin, cfg.EpsilonStart)
	}
	if cfg.EpsilonDecay <= 0 || cfg.EpsilonDecay > 1 {
		cfg.EpsilonDecay = def.EpsilonDecay
	}
	if cfg.LearningRate <= 0 || cfg.LearningRate > 1 {
		cfg.LearningRate = def.LearningRate
	}
	if cfg.Gamma < 0 || cfg.Gamma >= 1 {
		cfg.Gamma = def.Gamma
	}
	if cfg.ReplayCapacity <= 0 {
		cfg.ReplayCapacity = def.ReplayCapacity
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}

	p := &Policy{
		cfg:     cfg,
		actions: slices.Clone(actions),
		table:   make(map[string][]float64),
		rng:     rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		replay:  ringbuffer.New[Transition](cfg.ReplayCapacity),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Actions returns the policy's action set.
func (p *Policy) Actions() []Action {
	return slices.Clone(p.actions)
}

// Epsilon returns the current exploration rate.
func (p *Policy) Epsilon() float64 {
	return p.epsilonAt(p.invocations.Load())
}

func (p *Policy) epsilonAt(n int64) float64 {
	eps := p.cfg.EpsilonStart * math.Pow(p.cfg.EpsilonDecay, float64(n))
	return math.Max(p.cfg.EpsilonMin, eps)
}

// Samples returns the number of transitions the policy has learned from,
// including those restored from a checkpoint.
func (p *Policy) Samples() int64 {
	return p.samples.Load()
}

// Invocations returns the number of SelectAction calls, including those
// restored from a checkpoint.
func (p *Policy) Invocations() int64 {
	return p.invocations.Load()
}

// ReplaySize returns the number of transitions held for replay.
func (p *Policy) ReplaySize() int {
	return p.replay.Size()
}

// SelectAction picks an action for state among valid action IDs.
//
// Description:
//
//	With probability epsilon a uniformly random valid action is returned
//	(explored=true). Otherwise the valid action with the highest Q value is
//	returned; ties go to the lowest action ID. valid must be non-empty.
//
// Outputs:
//
//	int - The chosen action ID.
//	bool - True if the choice was exploratory.
func (p *Policy) SelectAction(state Features, valid []int) (int, bool) {
	n := p.invocations.Add(1) - 1
	eps := p.epsilonAt(n)
	epsilonGauge.Set(eps)

	p.rngMu.Lock()
	explore := p.rng.Float64() < eps
	pick := p.rng.IntN(len(valid))
	p.rngMu.Unlock()

	if explore {
		return valid[pick], true
	}

	p.mu.RLock()
	row := p.table[state.Key()]
	best, bestQ := valid[0], math.Inf(-1)
	for _, id := range valid {
		q := 0.0
		if row != nil {
			q = row[id]
		}
		if q > bestQ || (q == bestQ && id < best) {
			best, bestQ = id, q
		}
	}
	p.mu.RUnlock()
	return best, false
}

// Q returns a copy of the Q row for state, or nil when unseen.
func (p *Policy) Q(state Features) []float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	row := p.table[state.Key()]
	if row == nil {
		return nil
	}
	return slices.Clone(row)
}

// Update applies a single transition. Equivalent to Learn with one entry.
func (p *Policy) Update(state Features, action int, reward float64, next Features) {
	p.Learn([]Transition{{State: state, Action: action, Reward: reward, NextState: next, At: time.Now()}})
}

type qUpdate struct {
	key    string
	action int
	target float64
}

// Learn records fresh transitions and runs one training step.
//
// Description:
//
//	The update batch is the fresh transitions plus BatchSize transitions
//	sampled uniformly from replay as it stood before the call. The fresh
//	transitions are pushed into replay afterwards, so each is applied once
//	per call. Transitions with an out-of-range action are dropped.
//
// Outputs:
//
//	int - Number of Q updates applied.
func (p *Policy) Learn(fresh []Transition) int {
	accepted := fresh[:0:0]
	for _, t := range fresh {
		if t.Action < 0 || t.Action >= len(p.actions) {
			p.logger.Warn("dropping transition with unknown action", slog.Int("action", t.Action))
			continue
		}
		accepted = append(accepted, t)
	}

	p.rngMu.Lock()
	sampled := p.replay.Sample(p.cfg.BatchSize, p.rng.IntN)
	p.rngMu.Unlock()

	for _, t := range accepted {
		p.replay.Push(t)
	}
	p.samples.Add(int64(len(accepted)))

	batch := append(accepted, sampled...)
	if len(batch) == 0 {
		return 0
	}

	updates := make([]qUpdate, 0, len(batch))
	p.mu.RLock()
	for _, t := range batch {
		target := t.Reward
		if !t.Terminal && p.cfg.Gamma > 0 {
			target += p.cfg.Gamma * maxOf(p.table[t.NextState.Key()])
		}
		updates = append(updates, qUpdate{key: t.State.Key(), action: t.Action, target: target})
	}
	p.mu.RUnlock()

	p.mu.Lock()
	for _, u := range updates {
		row := p.table[u.key]
		if row == nil {
			row = make([]float64, len(p.actions))
			p.table[u.key] = row
		}
		row[u.action] += p.cfg.LearningRate * (u.target - row[u.action])
	}
	states := len(p.table)
	p.mu.Unlock()

	p.updates.Add(int64(len(updates)))
	recordPolicyUpdates(len(updates), p.replay.Size())
	p.logger.Debug("policy batch applied",
		slog.Int("fresh", len(accepted)),
		slog.Int("updates", len(updates)),
		slog.Int("states", states),
	)
	return len(updates)
}

func maxOf(row []float64) float64 {
	if len(row) == 0 {
		return 0
	}
	return slices.Max(row)
}

// =============================================================================
// Checkpoint Export / Import
// =============================================================================

type policyCheckpoint struct {
	Version     int                  `json:"version"`
	Actions     []string             `json:"actions"`
	Table       map[string][]float64 `json:"table"`
	Invocations int64                `json:"invocations"`
	Samples     int64                `json:"samples"`
	SavedAt     time.Time            `json:"saved_at"`
}

// Export serializes the policy as gzip-compressed JSON.
//
// Description:
//
//	The replay buffer is not exported; a restored policy keeps its Q
//	values, exploration schedule position, and sample count.
func (p *Policy) Export() ([]byte, error) {
	p.mu.RLock()
	table := make(map[string][]float64, len(p.table))
	for k, row := range p.table {
		table[k] = slices.Clone(row)
	}
	p.mu.RUnlock()

	cp := policyCheckpoint{
		Version:     CheckpointVersion,
		Actions:     ActionNames(p.actions),
		Table:       table,
		Invocations: p.invocations.Load(),
		Samples:     p.samples.Load(),
		SavedAt:     time.Now().UTC(),
	}

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if err := json.NewEncoder(gz).Encode(cp); err != nil {
		return nil, fmt.Errorf("encode policy: %w", err)
	}
	if err := gz.Close(); err != nil {
		return nil, fmt.Errorf("compress policy: %w", err)
	}
	return buf.Bytes(), nil
}

// Import replaces the policy state with a checkpoint produced by Export.
//
// Outputs:
//
//	error - ErrCorruptCheckpoint or ErrIncompatibleCheckpoint. On error the
//	        policy is left unchanged.
func (p *Policy) Import(data []byte) error {
	gz, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCorruptCheckpoint, err)
	}
	defer gz.Close()

	raw, err := io.ReadAll(gz)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCorruptCheckpoint, err)
	}
	var cp policyCheckpoint
	if err := json.Unmarshal(raw, &cp); err != nil {
		return fmt.Errorf("%w: %v", ErrCorruptCheckpoint, err)
	}
	if cp.Version != CheckpointVersion {
		return fmt.Errorf("%w: version %d, want %d", ErrIncompatibleCheckpoint, cp.Version, CheckpointVersion)
	}
	if !slices.Equal(cp.Actions, ActionNames(p.actions)) {
		return fmt.Errorf("%w: action set differs", ErrIncompatibleCheckpoint)
	}
	for key, row := range cp.Table {
		if len(row) != len(p.actions) {
			return fmt.Errorf("%w: state %q has %d values, want %d", ErrIncompatibleCheckpoint, key, len(row), len(p.actions))
		}
	}

	p.mu.Lock()
	p.table = cp.Table
	if p.table == nil {
		p.table = make(map[string][]float64)
	}
	p.mu.Unlock()
	p.invocations.Store(cp.Invocations)
	p.samples.Store(cp.Samples)

	p.logger.Info("policy imported",
		slog.Int("states", len(cp.Table)),
		slog.Int64("samples", cp.Samples),
		slog.Time("saved_at", cp.SavedAt),
	)
	return nil
}
