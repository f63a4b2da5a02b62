// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package audit records operator decisions made outside the engine's own
// control loop: re-queueing a FAILED or STUCK phase, resetting a circuit
// breaker, and breaking a stale workspace lease.
//
// The engine never un-sticks itself, so these records are the trail of every
// human intervention in a run.
package audit

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/user"
	"slices"
	"time"
)

// Event types.
const (
	TypePhaseRequeued = "phase.requeued"
	TypeBreakerReset  = "breaker.reset"
	TypeLeaseBroken   = "lease.force_unlocked"
)

// Outcomes.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// ErrQueryUnsupported is returned by loggers that cannot read back events.
var ErrQueryUnsupported = errors.New("audit query not supported")

// Event is one operator action.
type Event struct {
	// ID uniquely identifies the event. Set by the logger when empty.
	ID string `json:"id"`

	// Type is one of the Type constants.
	Type string `json:"type"`

	// Timestamp is set to now (UTC) by the logger when zero.
	Timestamp time.Time `json:"timestamp"`

	// Actor identifies who acted: an OS user for the CLI, the
	// X-Autopack-Actor header (or "api") for the HTTP surface.
	Actor string `json:"actor"`

	// ResourceID is the phase key, breaker name or workspace path.
	ResourceID string `json:"resource_id"`

	// Outcome is OutcomeSuccess or OutcomeFailure.
	Outcome string `json:"outcome"`

	// Detail carries the failure message or other context.
	Detail string `json:"detail,omitempty"`
}

// Filter selects events in Query. Zero fields match everything.
type Filter struct {
	Type       string
	Actor      string
	ResourceID string
	Since      time.Time

	// Limit caps the result. Zero means no cap.
	Limit int
}

// Match reports whether e passes the filter.
func (f Filter) Match(e Event) bool {
	switch {
	case f.Type != "" && e.Type != f.Type:
		return false
	case f.Actor != "" && e.Actor != f.Actor:
		return false
	case f.ResourceID != "" && e.ResourceID != f.ResourceID:
		return false
	case !f.Since.IsZero() && e.Timestamp.Before(f.Since):
		return false
	}
	return true
}

// Logger records operator actions.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
type Logger interface {
	// Record stores e. Implementations fill ID and Timestamp when empty.
	Record(ctx context.Context, e Event) error

	// Query returns matching events, newest first.
	Query(ctx context.Context, f Filter) ([]Event, error)
}

// NopLogger discards events.
type NopLogger struct{}

// Record implements Logger.
func (NopLogger) Record(context.Context, Event) error { return nil }

// Query implements Logger.
func (NopLogger) Query(context.Context, Filter) ([]Event, error) { return []Event{}, nil }

// SlogLogger writes events to a structured logger. It cannot be queried.
type SlogLogger struct {
	logger *slog.Logger
}

// NewSlogLogger creates a logger writing under the "audit" group.
func NewSlogLogger(logger *slog.Logger) *SlogLogger {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlogLogger{logger: logger}
}

// Record implements Logger.
func (l *SlogLogger) Record(ctx context.Context, e Event) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	level := slog.LevelInfo
	if e.Outcome == OutcomeFailure {
		level = slog.LevelWarn
	}
	l.logger.LogAttrs(ctx, level, "operator action",
		slog.Group("audit",
			slog.String("type", e.Type),
			slog.String("actor", e.Actor),
			slog.String("resource_id", e.ResourceID),
			slog.String("outcome", e.Outcome),
			slog.String("detail", e.Detail),
			slog.Time("timestamp", e.Timestamp),
		))
	return nil
}

// Query implements Logger.
func (l *SlogLogger) Query(context.Context, Filter) ([]Event, error) {
	return nil, ErrQueryUnsupported
}

// Tee records to every logger; Query is served by the first that supports
// it.
type Tee []Logger

// Record implements Logger.
func (t Tee) Record(ctx context.Context, e Event) error {
	var errs []error
	for _, l := range t {
		errs = append(errs, l.Record(ctx, e))
	}
	return errors.Join(errs...)
}

// Query implements Logger.
func (t Tee) Query(ctx context.Context, f Filter) ([]Event, error) {
	for _, l := range t {
		evs, err := l.Query(ctx, f)
		if errors.Is(err, ErrQueryUnsupported) {
			continue
		}
		return evs, err
	}
	return nil, ErrQueryUnsupported
}

// Outcome returns OutcomeFailure for a non-nil err.
func Outcome(err error) string {
	if err != nil {
		return OutcomeFailure
	}
	return OutcomeSuccess
}

// Detail returns err's message, or "".
func Detail(err error) string {
	if err != nil {
		return err.Error()
	}
	return ""
}

// LocalActor names the OS user running the process.
func LocalActor() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	if name := os.Getenv("USER"); name != "" {
		return name
	}
	return "unknown"
}

// SortNewestFirst orders events by timestamp, newest first.
func SortNewestFirst(evs []Event) {
	slices.SortStableFunc(evs, func(a, b Event) int {
		return b.Timestamp.Compare(a.Timestamp)
	})
}

var (
	_ Logger = NopLogger{}
	_ Logger = (*SlogLogger)(nil)
	_ Logger = Tee(nil)
)
