// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package stuck decides how to resolve a phase that cannot make progress.
//
// The policy is a pure decision table. Given identical inputs it returns an
// identical Decision; it reads no clock, holds no counters and makes no
// calls. Unmatched combinations resolve to STOP.
package stuck

import "fmt"

// Reason is why a phase is considered stuck.
type Reason string

const (
	ReasonIrreducibleAmbiguity Reason = "IRREDUCIBLE_AMBIGUITY"
	ReasonRequiresApproval     Reason = "REQUIRES_APPROVAL"
	ReasonIterationsExceeded   Reason = "ITERATIONS_EXCEEDED"
	ReasonBudgetExceeded       Reason = "BUDGET_EXCEEDED"
	ReasonRepeatedFailures     Reason = "REPEATED_FAILURES"
	ReasonGoalDriftWarning     Reason = "GOAL_DRIFT_WARNING"
)

// Valid reports whether r is a known reason.
func (r Reason) Valid() bool {
	switch r {
	case ReasonIrreducibleAmbiguity, ReasonRequiresApproval, ReasonIterationsExceeded,
		ReasonBudgetExceeded, ReasonRepeatedFailures, ReasonGoalDriftWarning:
		return true
	}
	return false
}

// Resolution is the action the runner takes.
type Resolution string

const (
	ResolutionNeedsHuman    Resolution = "NEEDS_HUMAN"
	ResolutionStop          Resolution = "STOP"
	ResolutionReduceScope   Resolution = "REDUCE_SCOPE"
	ResolutionReplan        Resolution = "REPLAN"
	ResolutionEscalateModel Resolution = "ESCALATE_MODEL"
)

// Config holds the policy thresholds.
type Config struct {
	// RepeatedFailureThreshold is consecutive failures before REPLAN
	// (default: 2).
	RepeatedFailureThreshold int

	// BudgetLowWatermark is the remaining-budget fraction below which
	// BUDGET_EXCEEDED reduces scope (default: 0.10).
	BudgetLowWatermark float64

	// EscalationBudgetFloor is the remaining-budget fraction required to
	// escalate the model (default: 0.30).
	EscalationBudgetFloor float64

	// MaxEscalationsPerPhase bounds model escalations (default: 2).
	MaxEscalationsPerPhase int
}

// DefaultConfig returns the production thresholds.
func DefaultConfig() Config {
	return Config{
		RepeatedFailureThreshold: 2,
		BudgetLowWatermark:       0.10,
		EscalationBudgetFloor:    0.30,
		MaxEscalationsPerPhase:   2,
	}
}

// Input carries everything the policy may look at.
type Input struct {
	Reason                  Reason
	IterationsUsed          int
	BudgetRemainingFraction float64
	EscalationsUsed         int
	ConsecutiveFailures     int
	ReplanAttempted         bool
}

// Decision is the policy output.
type Decision struct {
	Resolution Resolution `json:"resolution"`
	Reason     Reason     `json:"reason"`
	Rationale  string     `json:"rationale"`
}

// Policy maps stuck inputs to a resolution.
//
// Thread Safety: Immutable, safe for concurrent use.
type Policy struct {
	config Config
}

// NewPolicy creates a policy. The config is used as given.
func NewPolicy(config Config) *Policy {
	return &Policy{config: config}
}

// Config returns the thresholds.
func (p *Policy) Config() Config {
	return p.config
}

// Decide returns the resolution for in.
//
// # Description
//
// Rules, first match wins:
//
//  1. IRREDUCIBLE_AMBIGUITY, REQUIRES_APPROVAL: NEEDS_HUMAN.
//  2. ITERATIONS_EXCEEDED: STOP.
//  3. BUDGET_EXCEEDED with remaining < BudgetLowWatermark: REDUCE_SCOPE.
//  4. GOAL_DRIFT_WARNING: REPLAN.
//  5. REPEATED_FAILURES: after a replan, ESCALATE_MODEL if escalations
//     remain and remaining >= EscalationBudgetFloor, else STOP. Before a
//     replan, REPLAN once consecutive failures reach the threshold.
//  6. Anything else: STOP.
func (p *Policy) Decide(in Input) Decision {
	d := Decision{Reason: in.Reason}
	c := p.config

	switch in.Reason {
	case ReasonIrreducibleAmbiguity, ReasonRequiresApproval:
		d.Resolution = ResolutionNeedsHuman
		d.Rationale = fmt.Sprintf("%s cannot be resolved by further attempts", in.Reason)
		return d

	case ReasonIterationsExceeded:
		d.Resolution = ResolutionStop
		d.Rationale = fmt.Sprintf("iteration limit reached after %d attempts", in.IterationsUsed)
		return d

	case ReasonBudgetExceeded:
		if in.BudgetRemainingFraction < c.BudgetLowWatermark {
			d.Resolution = ResolutionReduceScope
			d.Rationale = fmt.Sprintf("budget remaining %.2f below watermark %.2f; shrink the unit of work",
				in.BudgetRemainingFraction, c.BudgetLowWatermark)
			return d
		}

	case ReasonGoalDriftWarning:
		d.Resolution = ResolutionReplan
		d.Rationale = "goal drift detected; replan before further spend"
		return d

	case ReasonRepeatedFailures:
		if in.ReplanAttempted {
			if in.EscalationsUsed < c.MaxEscalationsPerPhase && in.BudgetRemainingFraction >= c.EscalationBudgetFloor {
				d.Resolution = ResolutionEscalateModel
				d.Rationale = fmt.Sprintf("replan already attempted; escalating model (%d of %d) with %.2f budget remaining",
					in.EscalationsUsed+1, c.MaxEscalationsPerPhase, in.BudgetRemainingFraction)
				return d
			}
			d.Resolution = ResolutionStop
			d.Rationale = fmt.Sprintf("replan already attempted and escalation not permitted (escalations %d/%d, budget remaining %.2f, floor %.2f)",
				in.EscalationsUsed, c.MaxEscalationsPerPhase, in.BudgetRemainingFraction, c.EscalationBudgetFloor)
			return d
		}
		if in.ConsecutiveFailures >= c.RepeatedFailureThreshold {
			d.Resolution = ResolutionReplan
			d.Rationale = fmt.Sprintf("%d consecutive failures; trying a different approach before escalating cost",
				in.ConsecutiveFailures)
			return d
		}
	}

	d.Resolution = ResolutionStop
	d.Rationale = fmt.Sprintf("no resolution rule matched %s; stopping", in.Reason)
	return d
}
