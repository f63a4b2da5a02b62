// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package phase defines the unit of autonomous work executed by the engine.
//
// A Phase is created when a run is planned and is mutated exclusively by the
// runner during execution. Its state follows a small state machine:
//
//	QUEUED ──► EXECUTING ──► COMPLETE
//	   ▲           │
//	   │           ├──────► FAILED ──┐
//	   │           │                 │ (human re-queue)
//	   │           └──────► STUCK ───┤
//	   └─────────────────────────────┘
//
// Thread Safety:
//
//	Phase values are plain data and are not synchronized. The runner owns a
//	phase for the duration of an attempt sequence; callers must Clone before
//	sharing.
package phase

import (
	"time"
)

// State is the lifecycle state of a phase.
type State string

const (
	// StateQueued is waiting for an attempt.
	StateQueued State = "QUEUED"

	// StateExecuting has an attempt in flight.
	StateExecuting State = "EXECUTING"

	// StateComplete finished successfully.
	StateComplete State = "COMPLETE"

	// StateFailed ended conclusively. A human may re-queue it.
	StateFailed State = "FAILED"

	// StateStuck requires an explicit human decision.
	StateStuck State = "STUCK"
)

// String returns the state name.
func (s State) String() string {
	return string(s)
}

// IsTerminal returns true for COMPLETE, FAILED and STUCK.
//
// STUCK is terminal from the engine's point of view: only a human re-queue
// moves it again.
func (s State) IsTerminal() bool {
	switch s {
	case StateComplete, StateFailed, StateStuck:
		return true
	default:
		return false
	}
}

// Valid reports whether s is one of the known states.
func (s State) Valid() bool {
	switch s {
	case StateQueued, StateExecuting, StateComplete, StateFailed, StateStuck:
		return true
	default:
		return false
	}
}

// AllStates returns every valid phase state.
func AllStates() []State {
	return []State{StateQueued, StateExecuting, StateComplete, StateFailed, StateStuck}
}

// Complexity is the coarse size tag used for budget estimation.
type Complexity string

const (
	ComplexityLow    Complexity = "low"
	ComplexityMedium Complexity = "medium"
	ComplexityHigh   Complexity = "high"
)

// Phase is one retryable, bounded unit of autonomous work.
//
// # Description
//
// Carries the identity, counters and hints the runner needs to decide
// whether and how to keep retrying. Attempts never exceeds MaxAttempts
// without the phase reaching a terminal state.
type Phase struct {
	// ID identifies the phase within its run.
	ID string `json:"id" yaml:"id" validate:"required"`

	// RunID identifies the owning run.
	RunID string `json:"run_id" yaml:"run_id"`

	// Sequence is the phase's position in the run plan.
	Sequence int `json:"sequence" yaml:"sequence"`

	// Description is the instruction handed to the generation collaborator.
	Description string `json:"description" yaml:"description"`

	// State is the current lifecycle state.
	State State `json:"state" yaml:"state"`

	// Attempts counts calls made to the generation collaborator.
	Attempts int `json:"attempts" yaml:"attempts"`

	// MaxAttempts bounds Attempts.
	MaxAttempts int `json:"max_attempts" yaml:"max_attempts" validate:"gte=1"`

	// EscalationLevel counts model escalations (index into the tier ladder).
	EscalationLevel int `json:"escalation_level" yaml:"escalation_level"`

	// TokenBudget is the currently assigned token budget.
	TokenBudget int `json:"token_budget" yaml:"token_budget" validate:"gte=0"`

	// InitialTokenBudget is the budget assigned at planning time. Used to
	// compute the remaining budget fraction for the stuck policy.
	InitialTokenBudget int `json:"initial_token_budget" yaml:"initial_token_budget"`

	// TokensUsed is cumulative token consumption across attempts.
	TokensUsed int `json:"tokens_used" yaml:"tokens_used"`

	// EstimatedTokens is an optional planner-provided estimate. Zero means
	// the runner estimates from Complexity and Deliverables.
	EstimatedTokens int `json:"estimated_tokens,omitempty" yaml:"estimated_tokens,omitempty"`

	// Complexity is the size tag (low, medium, high).
	Complexity Complexity `json:"complexity" yaml:"complexity" validate:"omitempty,oneof=low medium high"`

	// Category is a free-form task category tag.
	Category string `json:"category,omitempty" yaml:"category,omitempty"`

	// Deliverables are the declared output paths.
	Deliverables []string `json:"deliverables,omitempty" yaml:"deliverables,omitempty"`

	// AllowedScope lists filesystem paths the phase may touch.
	AllowedScope []string `json:"allowed_scope,omitempty" yaml:"allowed_scope,omitempty"`

	// Workspace is the directory the phase mutates. Guarded by a lease.
	Workspace string `json:"workspace" yaml:"workspace"`

	// Model is the generation model currently assigned.
	Model string `json:"model,omitempty" yaml:"model,omitempty"`

	// BuilderMode is a hint passed through to the collaborator.
	BuilderMode string `json:"builder_mode,omitempty" yaml:"builder_mode,omitempty"`

	// LastFailureReason is free text describing the most recent failure.
	LastFailureReason string `json:"last_failure_reason,omitempty" yaml:"last_failure_reason,omitempty"`

	// ConsecutiveFailures counts failed attempts since the last success,
	// replan, or model escalation.
	ConsecutiveFailures int `json:"consecutive_failures" yaml:"consecutive_failures"`

	// ReplanAttempted is set once a REPLAN resolution has been applied.
	ReplanAttempted bool `json:"replan_attempted" yaml:"replan_attempted"`

	// ScopeReduced is set once a REDUCE_SCOPE resolution has been applied.
	ScopeReduced bool `json:"scope_reduced" yaml:"scope_reduced"`

	// UpdatedAt is the last time the phase record was written.
	UpdatedAt time.Time `json:"updated_at" yaml:"updated_at,omitempty"`
}

// Clone returns a deep copy of the phase.
func (p *Phase) Clone() *Phase {
	if p == nil {
		return nil
	}
	c := *p
	if p.Deliverables != nil {
		c.Deliverables = append([]string(nil), p.Deliverables...)
	}
	if p.AllowedScope != nil {
		c.AllowedScope = append([]string(nil), p.AllowedScope...)
	}
	return &c
}

// AttemptsRemaining returns how many collaborator calls are still allowed.
func (p *Phase) AttemptsRemaining() int {
	remaining := p.MaxAttempts - p.Attempts
	if remaining < 0 {
		return 0
	}
	return remaining
}

// BudgetRemainingFraction estimates how much of the planned token budget is
// still unspent, in [0, 1].
//
// # Description
//
// Uses InitialTokenBudget scaled by MaxAttempts as the total allowance for
// the attempt sequence. Returns 1 when no budget was planned.
func (p *Phase) BudgetRemainingFraction() float64 {
	initial := p.InitialTokenBudget
	if initial <= 0 {
		initial = p.TokenBudget
	}
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	total := float64(initial) * float64(attempts)
	if total <= 0 {
		return 1
	}
	remaining := 1 - float64(p.TokensUsed)/total
	if remaining < 0 {
		return 0
	}
	if remaining > 1 {
		return 1
	}
	return remaining
}

// Key returns the storage key for the phase: "<run_id>/<phase_id>".
func (p *Phase) Key() string {
	return p.RunID + "/" + p.ID
}
