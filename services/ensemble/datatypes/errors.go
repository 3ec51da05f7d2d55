// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import (
	"errors"
	"fmt"
)

// Kind classifies task errors, invocation errors, and warnings.
type Kind string

const (
	// Fatal task kinds.
	KindNoCapableAgent Kind = "NoCapableAgent"
	KindStrategyFailed Kind = "StrategyFailed"
	KindCollapseFailed Kind = "CollapseFailed"
	KindCancelled      Kind = "Cancelled"

	// Warning kinds.
	KindCostEstimateTimeout Kind = "CostEstimateTimeout"
	KindEstimateFailed      Kind = "EstimateFailed"
	KindPolicyTimeout       Kind = "PolicyTimeout"
	KindAgentUnavailable    Kind = "AgentUnavailable"

	// Invocation kinds carried on AgentOutput.
	KindAgentExecution Kind = "AgentExecutionError"
	KindAgentTimeout   Kind = "AgentTimeout"
	KindAgentPanic     Kind = "AgentPanic"
)

var (
	ErrNoCapableAgent      = errors.New("no capable agent")
	ErrStrategyFailed      = errors.New("strategy failed")
	ErrCollapseFailed      = errors.New("collapse failed")
	ErrCancelled           = errors.New("task cancelled")
	ErrCostEstimateTimeout = errors.New("cost estimate timeout")
	ErrEstimateFailed      = errors.New("cost estimate failed")
	ErrPolicyTimeout       = errors.New("policy timeout")
	ErrAgentUnavailable    = errors.New("agent unavailable")
	ErrAgentExecution      = errors.New("agent execution error")
	ErrAgentTimeout        = errors.New("agent timeout")
	ErrAgentPanic          = errors.New("agent panic")

	// ErrInvalidTask is returned by Task.Validate.
	ErrInvalidTask = errors.New("invalid task")
)

var kindSentinels = map[Kind]error{
	KindNoCapableAgent:      ErrNoCapableAgent,
	KindStrategyFailed:      ErrStrategyFailed,
	KindCollapseFailed:      ErrCollapseFailed,
	KindCancelled:           ErrCancelled,
	KindCostEstimateTimeout: ErrCostEstimateTimeout,
	KindEstimateFailed:      ErrEstimateFailed,
	KindPolicyTimeout:       ErrPolicyTimeout,
	KindAgentUnavailable:    ErrAgentUnavailable,
	KindAgentExecution:      ErrAgentExecution,
	KindAgentTimeout:        ErrAgentTimeout,
	KindAgentPanic:          ErrAgentPanic,
}

// Sentinel returns the errors.Is target for k, or nil if k is unknown.
func (k Kind) Sentinel() error {
	return kindSentinels[k]
}

// Fatal reports whether the kind terminates a task.
func (k Kind) Fatal() bool {
	switch k {
	case KindNoCapableAgent, KindStrategyFailed, KindCollapseFailed, KindCancelled:
		return true
	}
	return false
}

// Error is the typed task error returned by Submit.
//
// # Description
//
// Error carries the taxonomy kind and every output gathered before the
// failure. errors.Is(err, ErrStrategyFailed) and friends match on Kind.
type Error struct {
	Kind    Kind
	Op      string
	Err     error
	Partial []AgentOutput
}

// NewError builds a task error.
func NewError(kind Kind, op string, err error, partial []AgentOutput) *Error {
	return &Error{Kind: kind, Op: op, Err: err, Partial: partial}
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if len(e.Partial) > 0 {
		msg += fmt.Sprintf(" (%d partial outputs)", len(e.Partial))
	}
	return msg
}

// Unwrap exposes both the kind sentinel and the cause.
func (e *Error) Unwrap() []error {
	errs := make([]error, 0, 2)
	if s := e.Kind.Sentinel(); s != nil {
		errs = append(errs, s)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// KindOf extracts the kind of a task error, or "" when err is not one.
func KindOf(err error) Kind {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return ""
}

// PartialOutputs returns the outputs attached to a task error.
func PartialOutputs(err error) []AgentOutput {
	var te *Error
	if errors.As(err, &te) {
		return te.Partial
	}
	return nil
}

// Warning is a non-fatal event attached to a result.
type Warning struct {
	Kind    Kind   `json:"kind"`
	Agent   string `json:"agent,omitempty"`
	Message string `json:"message"`
}

func (w Warning) String() string {
	if w.Agent == "" {
		return fmt.Sprintf("%s: %s", w.Kind, w.Message)
	}
	return fmt.Sprintf("%s [%s]: %s", w.Kind, w.Agent, w.Message)
}
