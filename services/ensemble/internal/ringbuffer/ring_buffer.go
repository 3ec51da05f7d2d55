// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ringbuffer provides a bounded, concurrency-safe circular buffer
// that overwrites its oldest entry when full.
package ringbuffer

import (
	"sync"
	"sync/atomic"
)

// RingBuffer is a thread-safe, fixed-size circular buffer.
//
// # Description
//
// Push never blocks: when the buffer is full the oldest entry is
// overwritten and DroppedCount is incremented. Reads (Snapshot, Sample)
// do not consume entries, so one transition can be sampled many times.
//
// # Thread Safety
//
// All methods are safe for concurrent use. Reads and writes share one
// mutex; every critical section is O(n) at worst in the requested count.
type RingBuffer[T any] struct {
	mu       sync.Mutex
	buffer   []T
	head     int
	size     int
	capacity int

	pushed  atomic.Int64
	dropped atomic.Int64
}

// New creates an empty ring buffer holding up to capacity entries.
//
// # Panics
//
// Panics if capacity <= 0.
func New[T any](capacity int) *RingBuffer[T] {
	if capacity <= 0 {
		panic("ring buffer capacity must be positive")
	}
	return &RingBuffer[T]{
		buffer:   make([]T, capacity),
		capacity: capacity,
	}
}

// Push appends item, overwriting the oldest entry when full.
//
// # Outputs
//
//   - bool: true if an entry was overwritten to make room.
func (r *RingBuffer[T]) Push(item T) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.pushed.Add(1)
	tail := (r.head + r.size) % r.capacity
	r.buffer[tail] = item

	if r.size == r.capacity {
		r.head = (r.head + 1) % r.capacity
		r.dropped.Add(1)
		return true
	}
	r.size++
	return false
}

// Snapshot returns a copy of every entry, oldest first.
func (r *RingBuffer[T]) Snapshot() []T {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]T, r.size)
	for i := 0; i < r.size; i++ {
		out[i] = r.buffer[(r.head+i)%r.capacity]
	}
	return out
}

// Sample returns n entries chosen with replacement.
//
// # Description
//
// intn must return a uniform integer in [0, k). Passing the source in keeps
// sampling deterministic under a seeded generator. Returns nil when the
// buffer is empty or n <= 0.
func (r *RingBuffer[T]) Sample(n int, intn func(k int) int) []T {
	r.mu.Lock()
	defer r.mu.Unlock()

	if n <= 0 || r.size == 0 {
		return nil
	}
	out := make([]T, n)
	for i := range out {
		out[i] = r.buffer[(r.head+intn(r.size))%r.capacity]
	}
	return out
}

// Drain removes and returns every entry, oldest first.
func (r *RingBuffer[T]) Drain() []T {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.size == 0 {
		return nil
	}
	out := make([]T, r.size)
	var zero T
	for i := 0; i < r.size; i++ {
		idx := (r.head + i) % r.capacity
		out[i] = r.buffer[idx]
		r.buffer[idx] = zero
	}
	r.head = 0
	r.size = 0
	return out
}

// Size returns the current number of entries.
func (r *RingBuffer[T]) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.size
}

// Capacity returns the fixed capacity.
func (r *RingBuffer[T]) Capacity() int {
	return r.capacity
}

// Pushed returns the total number of Push calls over the buffer's life.
func (r *RingBuffer[T]) Pushed() int64 {
	return r.pushed.Load()
}

// DroppedCount returns how many entries were overwritten.
func (r *RingBuffer[T]) DroppedCount() int64 {
	return r.dropped.Load()
}
