// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package budget enforces per-phase token budgets around generation calls.
package budget

import (
	"fmt"
	"log/slog"
	"math"
	"sync"

	"github.com/hshk99/Autopack-sub025/services/executor/phase"
)

// Status classifies a budget check.
type Status string

const (
	StatusOK       Status = "OK"
	StatusWarning  Status = "WARNING"
	StatusExceeded Status = "EXCEEDED"
	StatusCritical Status = "CRITICAL"
)

// Config allows configuring enforcement thresholds.
type Config struct {
	// HardCeiling is the largest budget the provider accepts (default: 64000).
	HardCeiling int

	// EscalationFactor multiplies the budget on escalation (default: 1.5).
	EscalationFactor float64

	// MaxOverflows is the overflow count that trips the enforcer's own
	// breaker (default: 3).
	MaxOverflows int

	// WarningThreshold is pre-call utilization for WARNING (default: 0.85).
	WarningThreshold float64

	// CriticalThreshold is pre-call utilization for CRITICAL (default: 1.20).
	CriticalThreshold float64

	// PostCallWarning is post-call utilization for an anticipatory WARNING
	// (default: 0.95).
	PostCallWarning float64

	// TruncationStopReasons are collaborator stop reasons meaning the output
	// was cut off at the budget (default: "max_tokens", "length").
	TruncationStopReasons []string
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		HardCeiling:           64000,
		EscalationFactor:      1.5,
		MaxOverflows:          3,
		WarningThreshold:      0.85,
		CriticalThreshold:     1.20,
		PostCallWarning:       0.95,
		TruncationStopReasons: []string{"max_tokens", "length"},
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.HardCeiling <= 0 {
		c.HardCeiling = d.HardCeiling
	}
	if c.EscalationFactor <= 1 {
		c.EscalationFactor = d.EscalationFactor
	}
	if c.MaxOverflows <= 0 {
		c.MaxOverflows = d.MaxOverflows
	}
	if c.WarningThreshold <= 0 {
		c.WarningThreshold = d.WarningThreshold
	}
	if c.CriticalThreshold <= 1 {
		c.CriticalThreshold = d.CriticalThreshold
	}
	if c.PostCallWarning <= 0 {
		c.PostCallWarning = d.PostCallWarning
	}
	if len(c.TruncationStopReasons) == 0 {
		c.TruncationStopReasons = d.TruncationStopReasons
	}
	return c
}

// Validation is the result of one budget check. Produced fresh per check.
type Validation struct {
	Status          Status  `json:"status"`
	EstimatedTokens int     `json:"estimated_tokens,omitempty"`
	ActualTokens    int     `json:"actual_tokens,omitempty"`
	BudgetTokens    int     `json:"budget_tokens"`
	Utilization     float64 `json:"utilization"`
	Recommendation  string  `json:"recommendation"`
	ShouldEscalate  bool    `json:"should_escalate"`
}

// Enforcer validates token usage against a phase budget.
//
// Description:
//
//	Checks run before and after each generation call. The cumulative
//	overflow counter is the only mutable state; use one Enforcer per phase
//	attempt sequence. No method returns an error: bad input yields a
//	CRITICAL validation instead.
//
// Thread Safety: Safe for concurrent use via mutex.
type Enforcer struct {
	config Config
	logger *slog.Logger

	mu        sync.Mutex
	overflows int
}

// NewEnforcer creates an enforcer. Zero config fields use DefaultConfig.
func NewEnforcer(config Config, logger *slog.Logger) *Enforcer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Enforcer{config: config.withDefaults(), logger: logger}
}

// Config returns the effective configuration.
func (e *Enforcer) Config() Config {
	return e.config
}

// ValidatePreCall checks an estimate before the generation call.
//
// Description:
//
//	utilization = estimated / budget. >= CriticalThreshold is CRITICAL,
//	>= 1.0 is EXCEEDED, >= WarningThreshold is WARNING, else OK. EXCEEDED
//	and CRITICAL set ShouldEscalate. A budget <= 0 is CRITICAL with
//	ShouldEscalate and zero utilization.
//
// Inputs:
//
//	estimated - Estimated tokens for the call.
//	budget - Assigned token budget.
//	complexity - Phase complexity, used in the recommendation.
//
// Outputs:
//
//	Validation - Never nil-valued; always a usable status.
func (e *Enforcer) ValidatePreCall(estimated, budget int, complexity phase.Complexity) Validation {
	v := Validation{EstimatedTokens: estimated, BudgetTokens: budget}
	if budget <= 0 {
		v.Status = StatusCritical
		v.ShouldEscalate = true
		v.Recommendation = fmt.Sprintf("no token budget assigned; assign at least %d for %s complexity",
			DefaultBudget(complexity), complexityName(complexity))
		return v
	}

	v.Utilization = float64(estimated) / float64(budget)
	switch {
	case v.Utilization >= e.config.CriticalThreshold:
		v.Status = StatusCritical
		v.ShouldEscalate = true
		v.Recommendation = fmt.Sprintf("estimate exceeds budget by %.0f%%; escalate to %d before calling",
			(v.Utilization-1)*100, e.EscalatedBudget(budget, complexity))
	case v.Utilization >= 1.0:
		v.Status = StatusExceeded
		v.ShouldEscalate = true
		v.Recommendation = fmt.Sprintf("estimate meets or exceeds budget; escalate to %d",
			e.EscalatedBudget(budget, complexity))
	case v.Utilization >= e.config.WarningThreshold:
		v.Status = StatusWarning
		v.Recommendation = "estimate is close to budget; output may be truncated"
	default:
		v.Status = StatusOK
		v.Recommendation = "within budget"
	}
	return v
}

// ValidatePostCall checks actual usage after the generation call.
//
// Description:
//
//	A truncation stop reason is EXCEEDED with ShouldEscalate and bumps the
//	overflow counter. Otherwise utilization >= PostCallWarning is an
//	anticipatory WARNING with ShouldEscalate. A budget <= 0 is CRITICAL.
//
// Inputs:
//
//	actual - Tokens the collaborator reported.
//	budget - Budget the call ran under.
//	stopReason - Collaborator stop reason, may be empty.
//
// Outputs:
//
//	Validation - Post-call status.
func (e *Enforcer) ValidatePostCall(actual, budget int, stopReason string) Validation {
	v := Validation{ActualTokens: actual, BudgetTokens: budget}
	if budget > 0 {
		v.Utilization = float64(actual) / float64(budget)
	}

	if e.isTruncation(stopReason) {
		e.mu.Lock()
		e.overflows++
		count := e.overflows
		e.mu.Unlock()

		v.Status = StatusExceeded
		v.ShouldEscalate = true
		v.Recommendation = fmt.Sprintf("output truncated (%s); overflow %d of %d", stopReason, count, e.config.MaxOverflows)
		e.logger.Warn("token budget overflow",
			slog.Int("actual_tokens", actual),
			slog.Int("budget_tokens", budget),
			slog.String("stop_reason", stopReason),
			slog.Int("overflows", count))
		return v
	}

	switch {
	case budget <= 0:
		v.Status = StatusCritical
		v.ShouldEscalate = true
		v.Recommendation = "call ran without a token budget"
	case v.Utilization >= e.config.PostCallWarning:
		v.Status = StatusWarning
		v.ShouldEscalate = true
		v.Recommendation = "usage near budget; escalate before the next attempt"
	default:
		v.Status = StatusOK
		v.Recommendation = "within budget"
	}
	return v
}

func (e *Enforcer) isTruncation(stopReason string) bool {
	if stopReason == "" {
		return false
	}
	for _, r := range e.config.TruncationStopReasons {
		if r == stopReason {
			return true
		}
	}
	return false
}

// EscalatedBudget returns min(ceil(current * EscalationFactor), HardCeiling).
//
// Description:
//
//	The result is >= current whenever current <= HardCeiling, and never
//	above HardCeiling. A current budget <= 0 escalates to the complexity
//	default, capped at the ceiling.
func (e *Enforcer) EscalatedBudget(current int, complexity phase.Complexity) int {
	ceiling := e.config.HardCeiling
	if current <= 0 {
		return min(DefaultBudget(complexity), ceiling)
	}
	if current >= ceiling {
		return ceiling
	}
	next := int(math.Ceil(float64(current) * e.config.EscalationFactor))
	if next <= current {
		next = current + 1
	}
	return min(next, ceiling)
}

// AtCeiling reports whether budget cannot be escalated further.
func (e *Enforcer) AtCeiling(budget int) bool {
	return budget >= e.config.HardCeiling
}

// ShouldCircuitBreak reports whether overflows reached maxOverflows.
// maxOverflows <= 0 uses Config.MaxOverflows.
func (e *Enforcer) ShouldCircuitBreak(maxOverflows int) bool {
	if maxOverflows <= 0 {
		maxOverflows = e.config.MaxOverflows
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.overflows >= maxOverflows
}

// Overflows returns the cumulative overflow count.
func (e *Enforcer) Overflows() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.overflows
}
