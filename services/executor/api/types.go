// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package api serves the engine's read-mostly operations surface over HTTP.
//
// The server exposes health, phase records, breaker state, lease status and
// recent events, plus the two human actions the engine supports: re-queueing
// a FAILED or STUCK phase and resetting a circuit breaker.
package api

import (
	"time"

	"github.com/hshk99/Autopack-sub025/services/executor/audit"
	"github.com/hshk99/Autopack-sub025/services/executor/breaker"
	"github.com/hshk99/Autopack-sub025/services/executor/events"
	"github.com/hshk99/Autopack-sub025/services/executor/phase"
)

// defaultAuditLimit applies when GET /v1/audit has no limit.
const defaultAuditLimit = 100

// ServiceName identifies the server in spans and health responses.
const ServiceName = "autopack-executor"

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	// Error is the error message.
	Error string `json:"error"`

	// Code is a stable machine-readable error code.
	Code string `json:"code,omitempty"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status    string    `json:"status"`
	Service   string    `json:"service"`
	Version   string    `json:"version,omitempty"`
	StartedAt time.Time `json:"started_at"`
	Uptime    string    `json:"uptime"`

	// ActivePhases lists phase keys with a running attempt timer.
	ActivePhases []string `json:"active_phases"`

	// OpenBreakers lists collaborators currently rejecting calls.
	OpenBreakers []string `json:"open_breakers"`
}

// PhasesResponse is returned by GET /v1/phases.
type PhasesResponse struct {
	RunID  string         `json:"run_id,omitempty"`
	Count  int            `json:"count"`
	Phases []*phase.Phase `json:"phases"`
}

// PhaseResponse is returned by the single-phase endpoints.
type PhaseResponse struct {
	Phase *phase.Phase `json:"phase"`
}

// BreakersResponse is returned by GET /v1/breakers.
type BreakersResponse struct {
	Breakers []breaker.Snapshot `json:"breakers"`
}

// EventsResponse is returned by GET /v1/events.
type EventsResponse struct {
	Count  int            `json:"count"`
	Events []events.Event `json:"events"`
}

// EventsQuery filters GET /v1/events.
type EventsQuery struct {
	RunID string `form:"run_id"`
	Type  string `form:"type"`
	Limit int    `form:"limit" binding:"omitempty,min=1,max=1000"`
}

// AuditResponse is returned by GET /v1/audit.
type AuditResponse struct {
	Count  int           `json:"count"`
	Events []audit.Event `json:"events"`
}

// AuditQuery filters GET /v1/audit.
type AuditQuery struct {
	Type       string `form:"type"`
	Actor      string `form:"actor"`
	ResourceID string `form:"resource_id"`
	Limit      int    `form:"limit" binding:"omitempty,min=1,max=1000"`
}
