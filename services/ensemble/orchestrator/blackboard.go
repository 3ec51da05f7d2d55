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
	"maps"
	"reflect"
	"sync"

	"github.com/AleutianAI/AleutianEnsemble/services/ensemble/datatypes"
)

// slot is one blackboard key.
type slot struct {
	mu     sync.Mutex
	value  any
	set    bool
	round  int
	writer int
}

// blackboard is the shared COLLABORATIVE key/value store.
//
// # Description
//
// Reads during a round see the snapshot taken when the round began, so
// every agent in a round works from the same state. Writes land in
// per-key slots: the last write to a key wins across rounds, and within
// one round a key already written by a lower-ranked (earlier) candidate
// cannot be overwritten by a higher-ranked one. Rank is the candidate's
// plan position.
//
// # Thread Safety
//
// Writes to different keys never contend. beginRound and endRound must
// not run concurrently with agent writes.
type blackboard struct {
	slots sync.Map // string -> *slot

	mu       sync.RWMutex
	round    int
	snapshot map[string]any
}

func newBlackboard() *blackboard {
	return &blackboard{snapshot: map[string]any{}}
}

// beginRound freezes the read snapshot for round.
func (b *blackboard) beginRound(round int) {
	snap := b.current()
	b.mu.Lock()
	b.round = round
	b.snapshot = snap
	b.mu.Unlock()
}

// endRound returns how many keys differ from the round-start snapshot.
func (b *blackboard) endRound() int {
	b.mu.RLock()
	start := b.snapshot
	b.mu.RUnlock()

	now := b.current()
	changed := 0
	for k, v := range now {
		prev, ok := start[k]
		if !ok || !reflect.DeepEqual(prev, v) {
			changed++
		}
	}
	return changed
}

// current returns the live contents.
func (b *blackboard) current() map[string]any {
	out := make(map[string]any)
	b.slots.Range(func(k, v any) bool {
		s := v.(*slot)
		s.mu.Lock()
		if s.set {
			out[k.(string)] = s.value
		}
		s.mu.Unlock()
		return true
	})
	return out
}

func (b *blackboard) read(key string) (any, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	v, ok := b.snapshot[key]
	return v, ok
}

func (b *blackboard) readAll() map[string]any {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return maps.Clone(b.snapshot)
}

func (b *blackboard) write(rank int, key string, value any) {
	b.mu.RLock()
	round := b.round
	b.mu.RUnlock()

	v, _ := b.slots.LoadOrStore(key, &slot{})
	s := v.(*slot)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.set && s.round == round && s.writer < rank {
		return
	}
	s.value = value
	s.set = true
	s.round = round
	s.writer = rank
}

// view binds the board to one candidate's rank.
type view struct {
	board *blackboard
	rank  int
}

var _ datatypes.Blackboard = view{}

func (v view) Read(key string) (any, bool) { return v.board.read(key) }
func (v view) Snapshot() map[string]any { return v.board.readAll() }
func (v view) Write(key string, value any) { v.board.write(v.rank, key, value) }
