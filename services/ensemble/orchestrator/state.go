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
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrInvalidTransition is returned for a transition the state machine
// does not allow.
var ErrInvalidTransition = errors.New("invalid task state transition")

// TaskState is the lifecycle state of one in-flight task.
type TaskState string

const (
	StatePlanning   TaskState = "PLANNING"
	StateExecuting  TaskState = "EXECUTING"
	StateCollapsing TaskState = "COLLAPSING"
	StateCompleted  TaskState = "COMPLETED"
	StateFailed     TaskState = "FAILED"
)

// AllStates returns every task state.
func AllStates() []TaskState {
	return []TaskState{StatePlanning, StateExecuting, StateCollapsing, StateCompleted, StateFailed}
}

// IsTerminal reports whether no transition leaves s.
func (s TaskState) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed
}

func (s TaskState) String() string {
	return string(s)
}

// StateMachine holds the valid task state transitions.
//
// The transition graph:
//
//	PLANNING   → EXECUTING   : plan accepted
//	PLANNING   → FAILED      : plan rejected
//	EXECUTING  → COLLAPSING  : QUANTUM variations collected
//	EXECUTING  → COMPLETED   : strategy success criteria met
//	EXECUTING  → FAILED      : no usable outputs, or cancelled
//	COLLAPSING → COMPLETED   : one output chosen
//	COLLAPSING → FAILED      : nothing to choose from
//
// COMPLETED and FAILED are terminal.
//
// Thread Safety: StateMachine is immutable after construction.
type StateMachine struct {
	transitions map[TaskState]map[TaskState]bool
}

// NewStateMachine creates the task state machine.
func NewStateMachine() *StateMachine {
	sm := &StateMachine{transitions: make(map[TaskState]map[TaskState]bool)}
	for _, s := range AllStates() {
		sm.transitions[s] = make(map[TaskState]bool)
	}

	sm.addTransition(StatePlanning, StateExecuting)
	sm.addTransition(StatePlanning, StateFailed)

	sm.addTransition(StateExecuting, StateCollapsing)
	sm.addTransition(StateExecuting, StateCompleted)
	sm.addTransition(StateExecuting, StateFailed)

	sm.addTransition(StateCollapsing, StateCompleted)
	sm.addTransition(StateCollapsing, StateFailed)
	return sm
}

func (sm *StateMachine) addTransition(from, to TaskState) {
	sm.transitions[from][to] = true
}

// CanTransition reports whether from → to is allowed.
func (sm *StateMachine) CanTransition(from, to TaskState) bool {
	return sm.transitions[from][to]
}

// StateChange records one transition.
type StateChange struct {
	From TaskState `json:"from"`
	To   TaskState `json:"to"`
	At   time.Time `json:"at"`
}

// run tracks the state of one task.
type run struct {
	sm     *StateMachine
	taskID string

	mu      sync.Mutex
	state   TaskState
	history []StateChange
}

func newRun(sm *StateMachine, taskID string) *run {
	return &run{sm: sm, taskID: taskID, state: StatePlanning}
}

func (r *run) current() TaskState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *run) to(next TaskState) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.sm.CanTransition(r.state, next) {
		return fmt.Errorf("%w: task %s %s -> %s", ErrInvalidTransition, r.taskID, r.state, next)
	}
	r.history = append(r.history, StateChange{From: r.state, To: next, At: time.Now()})
	r.state = next
	return nil
}

func (r *run) changes() []StateChange {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]StateChange, len(r.history))
	copy(out, r.history)
	return out
}
