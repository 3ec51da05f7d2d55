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
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianEnsemble/services/ensemble/internal/ringbuffer"
)

// EventType names a telemetry event.
type EventType string

const (
	EventRoutingDecision    EventType = "routing_decision"
	EventExecutionCompleted EventType = "execution_completed"
	EventCollapsePerformed  EventType = "collapse_performed"
	EventPolicyCheckpoint   EventType = "policy_checkpoint"
)

// Event is one telemetry record. Data holds one of the *Data payloads.
type Event struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	TaskID    string    `json:"task_id,omitempty"`
	TraceID   string    `json:"trace_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

// RoutingDecisionData is the payload of EventRoutingDecision.
type RoutingDecisionData struct {
	Kind             string        `json:"kind"`
	Strategy         string        `json:"strategy"`
	Action           string        `json:"action"`
	ActionID         int           `json:"action_id"`
	StateKey         string        `json:"state_key"`
	Explored         bool          `json:"explored"`
	Fallback         bool          `json:"fallback"`
	Reason           string        `json:"reason,omitempty"`
	Candidates       []string      `json:"candidates"`
	EstimatedCost    float64       `json:"estimated_cost"`
	EstimatedLatency time.Duration `json:"estimated_latency"`
	Latency          time.Duration `json:"latency"`
}

// ExecutionCompletedData is the payload of EventExecutionCompleted.
type ExecutionCompletedData struct {
	Kind       string        `json:"kind"`
	Strategy   string        `json:"strategy"`
	State      string        `json:"state"`
	Outputs    int           `json:"outputs"`
	Successful int           `json:"successful"`
	Chosen     string        `json:"chosen,omitempty"`
	Score      float64       `json:"score"`
	Cost       float64       `json:"cost"`
	Reward     float64       `json:"reward"`
	Rounds     int           `json:"rounds,omitempty"`
	ErrorKind  string        `json:"error_kind,omitempty"`
	Warnings   []string      `json:"warnings,omitempty"`
	Duration   time.Duration `json:"duration"`
}

// CollapsePerformedData is the payload of EventCollapsePerformed.
type CollapsePerformedData struct {
	Method      string  `json:"method"`
	Chosen      string  `json:"chosen"`
	VariationID string  `json:"variation_id"`
	Score       float64 `json:"score"`
	Discarded   int     `json:"discarded"`
}

// PolicyCheckpointData is the payload of EventPolicyCheckpoint.
type PolicyCheckpointData struct {
	Backend string `json:"backend"`
	Bytes   int    `json:"bytes"`
	Samples int64  `json:"samples"`
	Error   string `json:"error,omitempty"`
}

// Sink receives telemetry events. Implementations must not block the
// caller for long; slow sinks should buffer.
type Sink interface {
	Emit(ctx context.Context, event Event)
}

// Handler receives events from an Emitter subscription.
type Handler func(event Event)

type subscription struct {
	id      string
	handler Handler
	types   []EventType
}

// EmitterOption configures an Emitter.
type EmitterOption func(*Emitter)

// WithRecentSize sets how many recent events the emitter retains.
func WithRecentSize(n int) EmitterOption {
	return func(e *Emitter) {
		if n > 0 {
			e.recentSize = n
		}
	}
}

// WithSinks forwards every event to sinks.
func WithSinks(sinks ...Sink) EmitterOption {
	return func(e *Emitter) {
		for _, s := range sinks {
			if s != nil {
				e.sinks = append(e.sinks, s)
			}
		}
	}
}

// WithEmitterLogger sets the emitter logger.
func WithEmitterLogger(logger *slog.Logger) EmitterOption {
	return func(e *Emitter) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// Emitter fans events out to subscribers and sinks and keeps the most
// recent ones for late subscribers.
//
// # Thread Safety
//
// Safe for concurrent use. Handlers run synchronously on the emitting
// goroutine; a panicking handler is logged and skipped.
type Emitter struct {
	mu            sync.RWMutex
	subscriptions map[string]*subscription
	sinks         []Sink
	recent        *ringbuffer.RingBuffer[Event]
	recentSize    int
	logger        *slog.Logger
}

var _ Sink = (*Emitter)(nil)

// NewEmitter creates an emitter.
func NewEmitter(opts ...EmitterOption) *Emitter {
	e := &Emitter{
		subscriptions: make(map[string]*subscription),
		recentSize:    256,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.recent = ringbuffer.New[Event](e.recentSize)
	return e
}

// Subscribe registers handler for the given types, or every type when
// none are given. It returns the subscription ID.
func (e *Emitter) Subscribe(handler Handler, types ...EventType) string {
	sub := &subscription{id: uuid.NewString(), handler: handler, types: types}
	e.mu.Lock()
	e.subscriptions[sub.id] = sub
	e.mu.Unlock()
	return sub.id
}

// Unsubscribe removes a subscription and reports whether it existed.
func (e *Emitter) Unsubscribe(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.subscriptions[id]; !ok {
		return false
	}
	delete(e.subscriptions, id)
	return true
}

// SubscriptionCount returns the number of live subscriptions.
func (e *Emitter) SubscriptionCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.subscriptions)
}

// Publish builds an event of type t and emits it.
func (e *Emitter) Publish(ctx context.Context, t EventType, taskID string, data any) Event {
	ev := Event{
		ID:        uuid.NewString(),
		Type:      t,
		TaskID:    taskID,
		TraceID:   TraceID(ctx),
		Timestamp: time.Now(),
		Data:      data,
	}
	e.Emit(ctx, ev)
	return ev
}

// Emit implements Sink.
func (e *Emitter) Emit(ctx context.Context, ev Event) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	e.recent.Push(ev)

	e.mu.RLock()
	subs := make([]*subscription, 0, len(e.subscriptions))
	for _, s := range e.subscriptions {
		subs = append(subs, s)
	}
	sinks := e.sinks
	e.mu.RUnlock()

	for _, s := range subs {
		if len(s.types) == 0 || slices.Contains(s.types, ev.Type) {
			e.safeInvoke(s.handler, ev)
		}
	}
	for _, s := range sinks {
		s.Emit(ctx, ev)
	}
}

func (e *Emitter) safeInvoke(h Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("event handler panicked",
				slog.String("event_type", string(ev.Type)),
				slog.String("event_id", ev.ID),
				slog.Any("panic", r),
			)
		}
	}()
	h(ev)
}

// Recent returns up to n of the most recent events, oldest first. n <= 0
// returns all retained events.
func (e *Emitter) Recent(n int) []Event {
	all := e.recent.Snapshot()
	if n > 0 && n < len(all) {
		all = all[len(all)-n:]
	}
	return all
}

// Discard is a Sink that drops everything.
type Discard struct{}

// Emit implements Sink.
func (Discard) Emit(context.Context, Event) {}
