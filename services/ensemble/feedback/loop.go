// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package feedback

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AleutianAI/AleutianEnsemble/services/ensemble/routing"
)

// Learner consumes transition batches. *routing.Policy implements it.
type Learner interface {
	Learn(batch []routing.Transition) int
}

// Config configures the feedback loop.
type Config struct {
	// QueueSize bounds pending transitions. Observe drops when full.
	QueueSize int `yaml:"queue_size" json:"queue_size" validate:"gte=1"`

	// BatchSize triggers a training step when this many are pending.
	BatchSize int `yaml:"batch_size" json:"batch_size" validate:"gte=1"`

	// FlushInterval triggers a training step on a timer.
	FlushInterval time.Duration `yaml:"flush_interval" json:"flush_interval" validate:"gt=0"`

	// HistoryAlpha is the success-rate EWMA smoothing factor.
	HistoryAlpha float64 `yaml:"history_alpha" json:"history_alpha" validate:"gt=0,lte=1"`

	Reward RewardConfig `yaml:"reward" json:"reward"`
}

// DefaultConfig returns loop defaults.
func DefaultConfig() Config {
	return Config{
		QueueSize:     1024,
		BatchSize:     16,
		FlushInterval: 2 * time.Second,
		HistoryAlpha:  0.1,
		Reward:        DefaultRewardConfig(),
	}
}

// Option configures a Loop.
type Option func(*Loop)

// WithLogger sets the loop logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Loop) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithHistory shares an existing History, typically the one the router
// reads success rates from.
func WithHistory(h *History) Option {
	return func(l *Loop) {
		if h != nil {
			l.history = h
		}
	}
}

// Loop computes rewards synchronously and trains asynchronously.
//
// # Description
//
// Observe never blocks: it shapes the reward, updates History, and
// enqueues a transition. A background goroutine drains the queue into
// Learner.Learn whenever BatchSize transitions are pending or
// FlushInterval elapses. Stop drains whatever is left.
type Loop struct {
	cfg     Config
	learner Learner
	history *History
	logger  *slog.Logger

	rewardMu sync.RWMutex
	reward   RewardConfig

	queue   chan routing.Transition
	kick    chan struct{}
	stopCh  chan struct{}
	wg      sync.WaitGroup
	started atomic.Bool
	stopped atomic.Bool

	trainMu sync.Mutex

	observed atomic.Int64
	dropped  atomic.Int64
	skipped  atomic.Int64
	learned  atomic.Int64
}

// NewLoop creates a loop feeding learner. Invalid config values fall back
// to defaults.
func NewLoop(learner Learner, cfg Config, opts ...Option) *Loop {
	def := DefaultConfig()
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = def.FlushInterval
	}
	if cfg.Reward.Validate() != nil {
		cfg.Reward = def.Reward
	}

	l := &Loop{
		cfg:     cfg,
		learner: learner,
		logger:  slog.Default(),
		reward:  cfg.Reward,
		queue:   make(chan routing.Transition, cfg.QueueSize),
		kick:    make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.history == nil {
		l.history = NewHistory(cfg.HistoryAlpha)
	}
	return l
}

// History returns the success history the loop updates.
func (l *Loop) History() *History {
	return l.history
}

// RewardConfig returns the active reward weights.
func (l *Loop) RewardConfig() RewardConfig {
	l.rewardMu.RLock()
	defer l.rewardMu.RUnlock()
	return l.reward
}

// SetRewardConfig replaces the reward weights for later observations.
func (l *Loop) SetRewardConfig(cfg RewardConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	l.rewardMu.Lock()
	l.reward = cfg
	l.rewardMu.Unlock()
	return nil
}

// Start launches the background trainer. Calling it twice is a no-op.
func (l *Loop) Start() {
	if !l.started.CompareAndSwap(false, true) {
		return
	}
	l.wg.Add(1)
	go l.run()
}

// Stop halts the trainer and applies every pending transition.
func (l *Loop) Stop() {
	if !l.stopped.CompareAndSwap(false, true) {
		return
	}
	close(l.stopCh)
	l.wg.Wait()
	if n := l.Flush(); n > 0 {
		l.logger.Info("feedback loop flushed on stop", slog.Int("transitions", n))
	}
}

// Observe shapes the reward for obs and queues its transition.
//
// # Outputs
//
//   - Reward: The shaped reward, returned even when the transition is
//     dropped because the queue is full. Skipped for an aborted task,
//     which queues nothing and leaves History untouched.
func (l *Loop) Observe(obs Observation) Reward {
	reward := ComputeReward(l.RewardConfig(), obs)
	l.observed.Add(1)
	if reward.Skipped {
		l.skipped.Add(1)
		recordSkipped()
		l.logger.Debug("feedback skipped for aborted task",
			slog.String("task_id", obs.TaskID),
			slog.String("error", obs.Err.Error()),
		)
		return reward
	}
	rate := l.history.Record(obs.Kind, !reward.Failed)
	recordReward(obs.Kind, reward)

	t := routing.Transition{
		State:     obs.State,
		Action:    obs.Action,
		Reward:    reward.Value,
		NextState: obs.State.WithSuccessRate(rate),
		At:        time.Now(),
	}
	select {
	case l.queue <- t:
	default:
		l.dropped.Add(1)
		recordDropped()
		l.logger.Warn("feedback queue full, dropping transition",
			slog.String("task_id", obs.TaskID),
			slog.Int("queue_size", l.cfg.QueueSize),
		)
		return reward
	}
	if len(l.queue) >= l.cfg.BatchSize {
		select {
		case l.kick <- struct{}{}:
		default:
		}
	}
	return reward
}

// Flush drains the queue into the learner now and returns how many
// transitions were applied.
func (l *Loop) Flush() int {
	l.trainMu.Lock()
	defer l.trainMu.Unlock()

	var batch []routing.Transition
drain:
	for {
		select {
		case t := <-l.queue:
			batch = append(batch, t)
		default:
			break drain
		}
	}
	if len(batch) == 0 || l.learner == nil {
		return 0
	}
	updates := l.learner.Learn(batch)
	l.learned.Add(int64(len(batch)))
	recordBatch(len(batch))
	l.logger.Debug("feedback batch applied",
		slog.Int("transitions", len(batch)),
		slog.Int("updates", updates),
	)
	return len(batch)
}

// Stats reports loop counters.
func (l *Loop) Stats() Stats {
	return Stats{
		Observed: l.observed.Load(),
		Learned:  l.learned.Load(),
		Dropped:  l.dropped.Load(),
		Skipped:  l.skipped.Load(),
		Pending:  len(l.queue),
	}
}

// Stats is a snapshot of loop counters.
type Stats struct {
	Observed int64 `json:"observed"`
	Learned  int64 `json:"learned"`
	Dropped  int64 `json:"dropped"`
	Skipped  int64 `json:"skipped"`
	Pending  int   `json:"pending"`
}

func (l *Loop) run() {
	defer l.wg.Done()
	ticker := time.NewTicker(l.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stopCh:
			return
		case <-ticker.C:
			l.Flush()
		case <-l.kick:
			l.Flush()
		}
	}
}
