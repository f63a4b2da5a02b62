// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package collaborator defines the generation-service boundary of the engine
// and its provider implementations.
//
// # Error Model
//
// Execute returns an error only when the call itself failed: transport
// errors, non-2xx responses, malformed payloads. Those count against the
// provider's circuit breaker. A call that completed but produced unusable
// work returns a Result with Success=false and a nil error; that is a phase
// failure, not a provider failure.
package collaborator

import (
	"context"
	"errors"

	"github.com/hshk99/Autopack-sub025/services/executor/phase"
)

var (
	// ErrNoCollaborator is returned when no provider matches a model.
	ErrNoCollaborator = errors.New("no collaborator for model")

	// ErrAllUnavailable is returned when every candidate's breaker is open.
	ErrAllUnavailable = errors.New("all candidate collaborators unavailable")

	// ErrMissingAPIKey is returned by provider constructors.
	ErrMissingAPIKey = errors.New("api key not configured")

	// ErrMalformedResponse is returned for a response the engine cannot use.
	ErrMalformedResponse = errors.New("malformed collaborator response")
)

// Request is one generation call for a phase attempt.
type Request struct {
	RunID             string   `json:"run_id"`
	PhaseID           string   `json:"phase_id"`
	Attempt           int      `json:"attempt"`
	Description       string   `json:"description"`
	Category          string   `json:"category,omitempty"`
	Complexity        string   `json:"complexity,omitempty"`
	Deliverables      []string `json:"deliverables,omitempty"`
	AllowedScope      []string `json:"allowed_scope,omitempty"`
	Model             string   `json:"model"`
	BuilderMode       string   `json:"builder_mode,omitempty"`
	BudgetTokens      int      `json:"budget_tokens"`
	LastFailureReason string   `json:"last_failure_reason,omitempty"`
}

// RequestFromPhase builds a request for the phase's current attempt.
func RequestFromPhase(p *phase.Phase) Request {
	return Request{
		RunID:             p.RunID,
		PhaseID:           p.ID,
		Attempt:           p.Attempts,
		Description:       p.Description,
		Category:          p.Category,
		Complexity:        string(p.Complexity),
		Deliverables:      append([]string(nil), p.Deliverables...),
		AllowedScope:      append([]string(nil), p.AllowedScope...),
		Model:             p.Model,
		BuilderMode:       p.BuilderMode,
		BudgetTokens:      p.TokenBudget,
		LastFailureReason: p.LastFailureReason,
	}
}

// Key returns the phase key "<run_id>/<phase_id>" the call is tracked under.
func (r Request) Key() string {
	return r.RunID + "/" + r.PhaseID
}

// Result is the outcome of a completed call.
type Result struct {
	// Success is true when the collaborator produced usable work.
	Success bool `json:"success"`

	// TokensUsed is output tokens consumed, compared against the budget.
	TokensUsed int `json:"tokens_used"`

	// StopReason is the provider's normalized stop reason. "max_tokens"
	// means the output was truncated at the budget.
	StopReason string `json:"stop_reason,omitempty"`

	// Error describes an unsuccessful result.
	Error string `json:"error,omitempty"`

	// StuckReason is set when the collaborator explicitly declares the phase
	// stuck (e.g. REQUIRES_APPROVAL).
	StuckReason string `json:"stuck_reason,omitempty"`

	// Output is the generated content.
	Output string `json:"output,omitempty"`
}

// Collaborator is a generation service.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
type Collaborator interface {
	// Name identifies the provider. It is also the circuit breaker name.
	Name() string

	// Execute performs one generation call under ctx.
	Execute(ctx context.Context, req Request) (*Result, error)

	// Cancel aborts the in-flight call for key, best effort. key is the
	// phase key "<run_id>/<phase_id>", as returned by Request.Key.
	Cancel(ctx context.Context, key string) error
}
