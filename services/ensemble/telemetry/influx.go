// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package telemetry

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// ErrInfluxDisabled is returned by NewInfluxSink when the sink is disabled.
var ErrInfluxDisabled = errors.New("influx sink disabled")

// InfluxConfig configures the InfluxDB event sink.
type InfluxConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	URL     string `yaml:"url" json:"url" validate:"required_if=Enabled true,omitempty,url"`
	Token   string `yaml:"token" json:"-"`
	Org     string `yaml:"org" json:"org" validate:"required_if=Enabled true"`
	Bucket  string `yaml:"bucket" json:"bucket" validate:"required_if=Enabled true"`

	// QueueSize bounds buffered points; Emit drops when full.
	QueueSize int `yaml:"queue_size" json:"queue_size" validate:"gte=1"`

	// WriteTimeout bounds each write.
	WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout" validate:"gt=0"`
}

// DefaultInfluxConfig returns a disabled sink config.
func DefaultInfluxConfig() InfluxConfig {
	return InfluxConfig{
		URL:          "http://localhost:8086",
		Org:          "aleutian",
		Bucket:       "ensemble",
		QueueSize:    1024,
		WriteTimeout: 5 * time.Second,
	}
}

// pointWriter is the subset of api.WriteAPIBlocking the sink uses.
type pointWriter interface {
	WritePoint(ctx context.Context, point ...*write.Point) error
}

// InfluxSink writes events to InfluxDB as points.
//
// # Description
//
// Emit converts the event to a point and queues it; a background
// goroutine writes queued points. Events without a numeric payload are
// skipped. Close drains the queue and closes the client.
//
// # Thread Safety
//
// Safe for concurrent use.
type InfluxSink struct {
	cfg    InfluxConfig
	writer pointWriter
	client influxdb2.Client
	logger *slog.Logger

	mu     sync.RWMutex
	closed bool
	queue  chan *write.Point
	done   chan struct{}

	written atomic.Int64
	dropped atomic.Int64
	failed  atomic.Int64
}

var _ Sink = (*InfluxSink)(nil)

// NewInfluxSink connects to InfluxDB per cfg.
func NewInfluxSink(cfg InfluxConfig, logger *slog.Logger) (*InfluxSink, error) {
	if !cfg.Enabled {
		return nil, ErrInfluxDisabled
	}
	client := influxdb2.NewClient(cfg.URL, cfg.Token)
	s := newInfluxSink(cfg, client.WriteAPIBlocking(cfg.Org, cfg.Bucket), logger)
	s.client = client
	return s, nil
}

func newInfluxSink(cfg InfluxConfig, writer pointWriter, logger *slog.Logger) *InfluxSink {
	def := DefaultInfluxConfig()
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &InfluxSink{
		cfg:    cfg,
		writer: writer,
		logger: logger,
		queue:  make(chan *write.Point, cfg.QueueSize),
		done:   make(chan struct{}),
	}
	go s.run()
	return s
}

// Emit implements Sink.
func (s *InfluxSink) Emit(_ context.Context, ev Event) {
	p := eventPoint(ev)
	if p == nil {
		return
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		s.dropped.Add(1)
		return
	}
	select {
	case s.queue <- p:
	default:
		s.dropped.Add(1)
	}
}

// Close drains pending points and releases the client.
func (s *InfluxSink) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.queue)
	s.mu.Unlock()

	<-s.done
	if s.client != nil {
		s.client.Close()
	}
}

// Written, Dropped and Failed report point counters.
func (s *InfluxSink) Written() int64 { return s.written.Load() }
func (s *InfluxSink) Dropped() int64 { return s.dropped.Load() }
func (s *InfluxSink) Failed() int64  { return s.failed.Load() }

func (s *InfluxSink) run() {
	defer close(s.done)
	for p := range s.queue {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.WriteTimeout)
		err := s.writer.WritePoint(ctx, p)
		cancel()
		if err != nil {
			s.failed.Add(1)
			s.logger.Warn("influx write failed", slog.String("error", err.Error()))
			continue
		}
		s.written.Add(1)
	}
}

// eventPoint maps an event to an InfluxDB point, or nil.
func eventPoint(ev Event) *write.Point {
	tags := map[string]string{"type": string(ev.Type)}
	var fields map[string]any

	switch d := ev.Data.(type) {
	case RoutingDecisionData:
		tags["kind"] = d.Kind
		tags["strategy"] = d.Strategy
		tags["action"] = d.Action
		fields = map[string]any{
			"explored":             d.Explored,
			"fallback":             d.Fallback,
			"candidates":           len(d.Candidates),
			"estimated_cost":       d.EstimatedCost,
			"estimated_latency_ms": d.EstimatedLatency.Milliseconds(),
			"latency_us":           d.Latency.Microseconds(),
		}
	case ExecutionCompletedData:
		tags["kind"] = d.Kind
		tags["strategy"] = d.Strategy
		tags["state"] = d.State
		fields = map[string]any{
			"outputs":     d.Outputs,
			"successful":  d.Successful,
			"score":       d.Score,
			"cost":        d.Cost,
			"reward":      d.Reward,
			"rounds":      d.Rounds,
			"duration_ms": d.Duration.Milliseconds(),
		}
	case CollapsePerformedData:
		tags["method"] = d.Method
		fields = map[string]any{
			"score":     d.Score,
			"discarded": d.Discarded,
		}
	case PolicyCheckpointData:
		tags["backend"] = d.Backend
		fields = map[string]any{
			"bytes":   d.Bytes,
			"samples": d.Samples,
			"ok":      d.Error == "",
		}
	default:
		return nil
	}
	return influxdb2.NewPoint("ensemble_events", tags, fields, ev.Timestamp)
}
