// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package orchestrator

import (
	"sync"
	"time"
)

// CircuitState is a per-agent breaker state.
type CircuitState int

const (
	// CircuitClosed lets invocations through.
	CircuitClosed CircuitState = iota
	// CircuitOpen skips the agent until OpenDuration elapses.
	CircuitOpen
	// CircuitHalfOpen admits a limited number of trial invocations.
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig configures per-agent circuit breakers.
type BreakerConfig struct {
	// Enabled turns breakers on. Disabled breakers always allow.
	Enabled bool `yaml:"enabled" json:"enabled"`

	// FailureThreshold is consecutive failures before opening.
	FailureThreshold int `yaml:"failure_threshold" json:"failure_threshold" validate:"gte=1"`

	// SuccessThreshold is half-open successes needed to close.
	SuccessThreshold int `yaml:"success_threshold" json:"success_threshold" validate:"gte=1"`

	// OpenDuration is how long an open breaker skips the agent.
	OpenDuration time.Duration `yaml:"open_duration" json:"open_duration" validate:"gt=0"`

	// HalfOpenMax bounds concurrent trial invocations.
	HalfOpenMax int `yaml:"half_open_max" json:"half_open_max" validate:"gte=1"`
}

// DefaultBreakerConfig returns defaults with breakers enabled.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		Enabled:          true,
		FailureThreshold: 5,
		SuccessThreshold: 2,
		OpenDuration:     30 * time.Second,
		HalfOpenMax:      1,
	}
}

// BreakerStats is a snapshot of one breaker.
type BreakerStats struct {
	State           string    `json:"state"`
	TotalCalls      int64     `json:"total_calls"`
	TotalFailures   int64     `json:"total_failures"`
	TotalRejections int64     `json:"total_rejections"`
	CurrentFailures int       `json:"current_failures"`
	LastStateChange time.Time `json:"last_state_change"`
}

// breaker guards one agent. Failures here are agent execution failures;
// cancellations are never recorded.
//
// Thread Safety: Safe for concurrent use.
type breaker struct {
	cfg BreakerConfig
	now func() time.Time

	mu              sync.Mutex
	state           CircuitState
	failures        int
	successes       int
	lastStateChange time.Time
	halfOpenActive  int

	totalCalls      int64
	totalFailures   int64
	totalRejections int64
}

func newBreaker(cfg BreakerConfig, now func() time.Time) *breaker {
	return &breaker{cfg: cfg, now: now, state: CircuitClosed, lastStateChange: now()}
}

// allow reports whether an invocation may proceed. The release func, when
// non-nil, must be called once the invocation finishes.
func (b *breaker) allow() (bool, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalCalls++
	switch b.state {
	case CircuitClosed:
		return true, nil
	case CircuitOpen:
		if b.now().Sub(b.lastStateChange) >= b.cfg.OpenDuration {
			b.transitionTo(CircuitHalfOpen)
			return b.tryHalfOpen()
		}
		b.totalRejections++
		return false, nil
	case CircuitHalfOpen:
		return b.tryHalfOpen()
	}
	return false, nil
}

func (b *breaker) tryHalfOpen() (bool, func()) {
	if b.halfOpenActive >= b.cfg.HalfOpenMax {
		b.totalRejections++
		return false, nil
	}
	b.halfOpenActive++
	return true, func() {
		b.mu.Lock()
		b.halfOpenActive--
		b.mu.Unlock()
	}
}

func (b *breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	if b.state == CircuitHalfOpen {
		b.successes++
		if b.successes >= b.cfg.SuccessThreshold {
			b.transitionTo(CircuitClosed)
		}
	}
}

func (b *breaker) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalFailures++
	b.failures++
	b.successes = 0
	switch b.state {
	case CircuitClosed:
		if b.failures >= b.cfg.FailureThreshold {
			b.transitionTo(CircuitOpen)
		}
	case CircuitHalfOpen:
		b.transitionTo(CircuitOpen)
	}
}

func (b *breaker) transitionTo(s CircuitState) {
	b.state = s
	b.lastStateChange = b.now()
	b.failures = 0
	b.successes = 0
}

func (b *breaker) stats() BreakerStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BreakerStats{
		State:           b.state.String(),
		TotalCalls:      b.totalCalls,
		TotalFailures:   b.totalFailures,
		TotalRejections: b.totalRejections,
		CurrentFailures: b.failures,
		LastStateChange: b.lastStateChange,
	}
}

// breakerSet lazily holds one breaker per agent name.
type breakerSet struct {
	cfg BreakerConfig
	now func() time.Time

	mu       sync.Mutex
	breakers map[string]*breaker
}

func newBreakerSet(cfg BreakerConfig, now func() time.Time) *breakerSet {
	return &breakerSet{cfg: cfg, now: now, breakers: make(map[string]*breaker)}
}

func (s *breakerSet) get(name string) *breaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.breakers[name]
	if !ok {
		b = newBreaker(s.cfg, s.now)
		s.breakers[name] = b
	}
	return b
}

func (s *breakerSet) stats() map[string]BreakerStats {
	s.mu.Lock()
	names := make([]string, 0, len(s.breakers))
	bs := make([]*breaker, 0, len(s.breakers))
	for n, b := range s.breakers {
		names = append(names, n)
		bs = append(bs, b)
	}
	s.mu.Unlock()

	out := make(map[string]BreakerStats, len(names))
	for i, n := range names {
		out[n] = bs[i].stats()
	}
	return out
}
