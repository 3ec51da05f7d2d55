// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/AleutianAI/AleutianEnsemble/services/ensemble/storage/badger"
	"github.com/AleutianAI/AleutianEnsemble/services/ensemble/telemetry"
)

// ErrNoStore is returned by Save and Restore when no backend is configured.
var ErrNoStore = errors.New("no checkpoint store configured")

// Policy is the state being checkpointed. *routing.Policy satisfies it.
type Policy interface {
	Export() ([]byte, error)
	Import(data []byte) error
	Samples() int64
}

// Publisher receives checkpoint events. *telemetry.Emitter satisfies it.
type Publisher interface {
	Publish(ctx context.Context, t telemetry.EventType, taskID string, data any) telemetry.Event
}

// Config configures checkpoint persistence.
type Config struct {
	// Backend is one of none, memory, badger, gcs.
	Backend string `yaml:"backend" json:"backend" validate:"oneof=none memory badger gcs"`

	// Key names the policy blob inside the store.
	Key string `yaml:"key" json:"key" validate:"required"`

	// Interval between periodic saves. Zero disables the ticker.
	Interval time.Duration `yaml:"interval" json:"interval" validate:"gte=0"`

	// Timeout bounds each save and restore.
	Timeout time.Duration `yaml:"timeout" json:"timeout" validate:"gt=0"`

	Badger badger.Config `yaml:"badger" json:"badger"`
	GCS    GCSConfig     `yaml:"gcs" json:"gcs"`
}

// DefaultConfig returns a config with checkpointing disabled.
func DefaultConfig() Config {
	return Config{
		Backend:  BackendNone,
		Key:      "routing-policy",
		Interval: 5 * time.Minute,
		Timeout:  30 * time.Second,
		Badger:   badger.DefaultConfig(),
	}
}

// Option configures a Checkpointer.
type Option func(*Checkpointer)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Checkpointer) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithPublisher publishes a policy_checkpoint event after every save.
func WithPublisher(p Publisher) Option {
	return func(c *Checkpointer) {
		c.events = p
	}
}

// SaveResult describes one completed save.
type SaveResult struct {
	Backend string    `json:"backend"`
	Bytes   int       `json:"bytes"`
	Samples int64     `json:"samples"`
	SavedAt time.Time `json:"saved_at"`
}

// Checkpointer saves a Policy to a Store on an interval.
//
// # Description
//
// Concurrent save requests (ticker, HTTP trigger, shutdown) share one
// in-flight save through a singleflight group.
//
// # Thread Safety
//
// Safe for concurrent use. Start and Stop are idempotent.
type Checkpointer struct {
	policy Policy
	store  Store
	cfg    Config
	logger *slog.Logger
	events Publisher

	group singleflight.Group

	mu      sync.Mutex
	started bool
	stopped bool
	stopCh  chan struct{}
	done    chan struct{}
	last    SaveResult
}

// New creates a Checkpointer. A nil store makes every save return
// ErrNoStore.
func New(policy Policy, store Store, cfg Config, opts ...Option) *Checkpointer {
	def := DefaultConfig()
	if cfg.Key == "" {
		cfg.Key = def.Key
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.Interval < 0 {
		cfg.Interval = 0
	}
	c := &Checkpointer{
		policy: policy,
		store:  store,
		cfg:    cfg,
		logger: slog.Default(),
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Restore imports the stored policy. It reports false, with no error,
// when nothing has been saved yet.
func (c *Checkpointer) Restore(ctx context.Context) (bool, error) {
	if c.store == nil {
		return false, ErrNoStore
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	data, err := c.store.Load(ctx, c.cfg.Key)
	if errors.Is(err, ErrNotFound) {
		c.logger.Info("no policy checkpoint found, starting cold",
			slog.String("backend", c.store.Backend()))
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("load checkpoint: %w", err)
	}
	if err := c.policy.Import(data); err != nil {
		return false, fmt.Errorf("import checkpoint: %w", err)
	}
	c.logger.Info("policy checkpoint restored",
		slog.String("backend", c.store.Backend()),
		slog.Int("bytes", len(data)),
		slog.Int64("samples", c.policy.Samples()),
	)
	return true, nil
}

// Save exports the policy and writes it to the store.
func (c *Checkpointer) Save(ctx context.Context) (SaveResult, error) {
	if c.store == nil {
		return SaveResult{}, ErrNoStore
	}
	v, err, _ := c.group.Do("save", func() (any, error) {
		return c.save(ctx)
	})
	if err != nil {
		return SaveResult{}, err
	}
	return v.(SaveResult), nil
}

func (c *Checkpointer) save(ctx context.Context) (SaveResult, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	backend := c.store.Backend()
	data, err := c.policy.Export()
	if err == nil {
		err = c.store.Save(ctx, c.cfg.Key, data)
	}
	res := SaveResult{Backend: backend, Bytes: len(data), Samples: c.policy.Samples(), SavedAt: time.Now()}

	evt := telemetry.PolicyCheckpointData{Backend: backend, Bytes: res.Bytes, Samples: res.Samples}
	if err != nil {
		evt.Error = err.Error()
	}
	if c.events != nil {
		c.events.Publish(ctx, telemetry.EventPolicyCheckpoint, "", evt)
	}
	recordSave(backend, res.Bytes, err)

	if err != nil {
		c.logger.Warn("checkpoint save failed",
			slog.String("backend", backend),
			slog.String("error", err.Error()),
		)
		return SaveResult{}, fmt.Errorf("save checkpoint: %w", err)
	}

	c.mu.Lock()
	c.last = res
	c.mu.Unlock()
	c.logger.Info("checkpoint saved",
		slog.String("backend", backend),
		slog.Int("bytes", res.Bytes),
		slog.Int64("samples", res.Samples),
	)
	return res, nil
}

// Last returns the most recent successful save.
func (c *Checkpointer) Last() SaveResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

// Start begins periodic saves. It is a no-op without a store or interval.
func (c *Checkpointer) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started || c.stopped || c.store == nil || c.cfg.Interval == 0 {
		return
	}
	c.started = true
	go c.run()
}

func (c *Checkpointer) run() {
	defer close(c.done)
	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			_, _ = c.Save(context.Background())
		}
	}
}

// Stop halts periodic saves, writes a final checkpoint, and closes the
// store.
func (c *Checkpointer) Stop(ctx context.Context) error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil
	}
	c.stopped = true
	started := c.started
	c.mu.Unlock()

	close(c.stopCh)
	if started {
		<-c.done
	}
	if c.store == nil {
		return nil
	}
	_, err := c.Save(ctx)
	return errors.Join(err, c.store.Close())
}
