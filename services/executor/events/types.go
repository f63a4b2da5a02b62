// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package events publishes engine lifecycle events to in-process
// subscribers.
//
// The escalation channel is the phase.stuck event: when a phase needs a
// human decision the engine emits {phase_id, reason, rationale} and moves
// on. It never waits for a response.
package events

import "time"

// Type identifies an event.
type Type string

const (
	TypePhaseStarted       Type = "phase.started"
	TypePhaseCompleted     Type = "phase.completed"
	TypePhaseFailed        Type = "phase.failed"
	TypePhaseStuck         Type = "phase.stuck"
	TypePhaseSoftTimeout   Type = "phase.soft_timeout"
	TypePhaseReplanned     Type = "phase.replanned"
	TypePhaseScopeReduced  Type = "phase.scope_reduced"
	TypeModelEscalated     Type = "phase.model_escalated"
	TypeBudgetEscalated    Type = "budget.escalated"
	TypeBreakerStateChange Type = "breaker.state_changed"
)

// Event is one emitted occurrence.
type Event struct {
	// ID uniquely identifies this event.
	ID string `json:"id"`

	// Type is the event type.
	Type Type `json:"type"`

	// RunID is the owning run, empty for process-level events.
	RunID string `json:"run_id,omitempty"`

	// PhaseID is the phase concerned, empty for process-level events.
	PhaseID string `json:"phase_id,omitempty"`

	// Timestamp is when the event was emitted.
	Timestamp time.Time `json:"timestamp"`

	// Data is one of the *Data payloads below.
	Data any `json:"data,omitempty"`
}

// EscalationData is the payload of phase.stuck.
type EscalationData struct {
	PhaseID    string `json:"phase_id"`
	Reason     string `json:"reason"`
	Resolution string `json:"resolution"`
	Rationale  string `json:"rationale"`
}

// AttemptData is the payload of phase.started, phase.completed and
// phase.failed.
type AttemptData struct {
	Attempt      int    `json:"attempt"`
	MaxAttempts  int    `json:"max_attempts"`
	Model        string `json:"model,omitempty"`
	Collaborator string `json:"collaborator,omitempty"`
	TokenBudget  int    `json:"token_budget"`
	TokensUsed   int    `json:"tokens_used,omitempty"`
	Reason       string `json:"reason,omitempty"`
}

// SoftTimeoutData is the payload of phase.soft_timeout.
type SoftTimeoutData struct {
	Attempt   int           `json:"attempt"`
	Elapsed   time.Duration `json:"elapsed"`
	Limit     time.Duration `json:"limit"`
	Remaining time.Duration `json:"remaining"`
}

// BudgetEscalationData is the payload of budget.escalated.
type BudgetEscalationData struct {
	From   int    `json:"from"`
	To     int    `json:"to"`
	Status string `json:"status"`
	Stage  string `json:"stage"`
}

// ResolutionData is the payload of phase.replanned, phase.model_escalated
// and phase.scope_reduced.
type ResolutionData struct {
	Resolution string `json:"resolution"`
	Rationale  string `json:"rationale"`
	From       string `json:"from,omitempty"`
	To         string `json:"to,omitempty"`
}

// BreakerData is the payload of breaker.state_changed.
type BreakerData struct {
	Breaker string `json:"breaker"`
	From    string `json:"from"`
	To      string `json:"to"`
}
