// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the engine's OTel instruments. All names carry the
// "autopack_" prefix.
//
// A nil *Metrics is valid and records nothing.
//
// Thread Safety: Safe for concurrent use after creation.
type Metrics struct {
	// AttemptsTotal counts collaborator calls by collaborator and outcome.
	AttemptsTotal metric.Int64Counter

	// AttemptDuration records attempt wall-clock time in seconds.
	AttemptDuration metric.Float64Histogram

	// ActiveAttempts tracks in-flight attempts.
	ActiveAttempts metric.Int64UpDownCounter

	// TokensUsed counts tokens reported by collaborators.
	TokensUsed metric.Int64Counter

	// PhaseOutcomesTotal counts phases reaching a terminal state, by state.
	PhaseOutcomesTotal metric.Int64Counter

	// ResolutionsTotal counts stuck-policy decisions by reason and resolution.
	ResolutionsTotal metric.Int64Counter

	// BudgetEscalationsTotal counts budget escalations by stage.
	BudgetEscalationsTotal metric.Int64Counter
}

// NewMetrics registers the engine instruments on meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	if m.AttemptsTotal, err = meter.Int64Counter(
		"autopack_attempts_total",
		metric.WithDescription("Phase attempts by collaborator and outcome"),
		metric.WithUnit("{attempt}"),
	); err != nil {
		return nil, fmt.Errorf("create attempts_total: %w", err)
	}

	if m.AttemptDuration, err = meter.Float64Histogram(
		"autopack_attempt_duration_seconds",
		metric.WithDescription("Phase attempt duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(1, 5, 15, 30, 60, 120, 300, 600, 900),
	); err != nil {
		return nil, fmt.Errorf("create attempt_duration_seconds: %w", err)
	}

	if m.ActiveAttempts, err = meter.Int64UpDownCounter(
		"autopack_active_attempts",
		metric.WithDescription("Attempts currently in flight"),
	); err != nil {
		return nil, fmt.Errorf("create active_attempts: %w", err)
	}

	if m.TokensUsed, err = meter.Int64Counter(
		"autopack_tokens_used_total",
		metric.WithDescription("Tokens consumed by generation calls"),
		metric.WithUnit("{token}"),
	); err != nil {
		return nil, fmt.Errorf("create tokens_used_total: %w", err)
	}

	if m.PhaseOutcomesTotal, err = meter.Int64Counter(
		"autopack_phase_outcomes_total",
		metric.WithDescription("Phases reaching a terminal state"),
	); err != nil {
		return nil, fmt.Errorf("create phase_outcomes_total: %w", err)
	}

	if m.ResolutionsTotal, err = meter.Int64Counter(
		"autopack_stuck_resolutions_total",
		metric.WithDescription("Stuck policy decisions"),
	); err != nil {
		return nil, fmt.Errorf("create stuck_resolutions_total: %w", err)
	}

	if m.BudgetEscalationsTotal, err = meter.Int64Counter(
		"autopack_budget_escalations_total",
		metric.WithDescription("Token budget escalations"),
	); err != nil {
		return nil, fmt.Errorf("create budget_escalations_total: %w", err)
	}

	return m, nil
}

// DefaultMetrics registers instruments on the global meter provider.
func DefaultMetrics() (*Metrics, error) {
	return NewMetrics(otel.Meter(TracerName))
}

// AttemptStarted marks an attempt in flight.
func (m *Metrics) AttemptStarted(ctx context.Context) {
	if m == nil {
		return
	}
	m.ActiveAttempts.Add(ctx, 1)
}

// AttemptFinished records one finished attempt.
func (m *Metrics) AttemptFinished(ctx context.Context, collaborator, outcome string, tokens int, d time.Duration) {
	if m == nil {
		return
	}
	m.ActiveAttempts.Add(ctx, -1)
	attrs := metric.WithAttributes(
		attribute.String("collaborator", collaborator),
		attribute.String("outcome", outcome),
	)
	m.AttemptsTotal.Add(ctx, 1, attrs)
	m.AttemptDuration.Record(ctx, d.Seconds(), attrs)
	if tokens > 0 {
		m.TokensUsed.Add(ctx, int64(tokens), metric.WithAttributes(attribute.String("collaborator", collaborator)))
	}
}

// PhaseOutcome records a terminal phase state.
func (m *Metrics) PhaseOutcome(ctx context.Context, state string) {
	if m == nil {
		return
	}
	m.PhaseOutcomesTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("state", state)))
}

// Resolution records a stuck-policy decision.
func (m *Metrics) Resolution(ctx context.Context, reason, resolution string) {
	if m == nil {
		return
	}
	m.ResolutionsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("reason", reason),
		attribute.String("resolution", resolution),
	))
}

// BudgetEscalation records a budget escalation at stage "pre_call" or
// "post_call".
func (m *Metrics) BudgetEscalation(ctx context.Context, stage string) {
	if m == nil {
		return
	}
	m.BudgetEscalationsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("stage", stage)))
}
