// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package stuck

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDecide(t *testing.T) {
	tests := []struct {
		name string
		in   Input
		want Resolution
	}{
		{"ambiguity needs human", Input{Reason: ReasonIrreducibleAmbiguity, BudgetRemainingFraction: 1}, ResolutionNeedsHuman},
		{"approval needs human", Input{Reason: ReasonRequiresApproval}, ResolutionNeedsHuman},
		{"iterations exceeded stops", Input{Reason: ReasonIterationsExceeded, IterationsUsed: 5}, ResolutionStop},
		{"budget exhausted reduces scope", Input{Reason: ReasonBudgetExceeded, BudgetRemainingFraction: 0.05}, ResolutionReduceScope},
		{"budget exceeded with headroom stops", Input{Reason: ReasonBudgetExceeded, BudgetRemainingFraction: 0.10}, ResolutionStop},
		{"goal drift replans", Input{Reason: ReasonGoalDriftWarning, ReplanAttempted: true}, ResolutionReplan},
		{"repeated failures replan", Input{Reason: ReasonRepeatedFailures, ConsecutiveFailures: 2}, ResolutionReplan},
		{"repeated failures below threshold", Input{Reason: ReasonRepeatedFailures, ConsecutiveFailures: 1}, ResolutionStop},
		{"after replan escalates", Input{Reason: ReasonRepeatedFailures, ConsecutiveFailures: 2, ReplanAttempted: true, BudgetRemainingFraction: 0.6}, ResolutionEscalateModel},
		{"after replan at floor escalates", Input{Reason: ReasonRepeatedFailures, ReplanAttempted: true, BudgetRemainingFraction: 0.30}, ResolutionEscalateModel},
		{"after replan low budget stops", Input{Reason: ReasonRepeatedFailures, ConsecutiveFailures: 2, ReplanAttempted: true, BudgetRemainingFraction: 0.2}, ResolutionStop},
		{"escalations exhausted stops", Input{Reason: ReasonRepeatedFailures, ReplanAttempted: true, EscalationsUsed: 2, BudgetRemainingFraction: 0.9}, ResolutionStop},
		{"unknown reason stops", Input{Reason: Reason("SOMETHING_NEW"), BudgetRemainingFraction: 1}, ResolutionStop},
	}

	p := NewPolicy(DefaultConfig())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := p.Decide(tt.in)
			assert.Equal(t, tt.want, d.Resolution)
			assert.Equal(t, tt.in.Reason, d.Reason)
			assert.NotEmpty(t, d.Rationale)
		})
	}
}

func TestDecide_Deterministic(t *testing.T) {
	p := NewPolicy(DefaultConfig())
	reasons := []Reason{
		ReasonIrreducibleAmbiguity, ReasonRequiresApproval, ReasonIterationsExceeded,
		ReasonBudgetExceeded, ReasonRepeatedFailures, ReasonGoalDriftWarning,
	}
	fractions := []float64{0, 0.05, 0.1, 0.29, 0.3, 0.6, 1}

	for _, reason := range reasons {
		assert.True(t, reason.Valid())
		for _, frac := range fractions {
			for esc := 0; esc <= 3; esc++ {
				for fails := 0; fails <= 3; fails++ {
					for _, replan := range []bool{false, true} {
						in := Input{
							Reason:                  reason,
							IterationsUsed:          fails + esc,
							BudgetRemainingFraction: frac,
							EscalationsUsed:         esc,
							ConsecutiveFailures:     fails,
							ReplanAttempted:         replan,
						}
						assert.Equal(t, p.Decide(in), p.Decide(in))
					}
				}
			}
		}
	}
}

func TestDecide_CustomThresholds(t *testing.T) {
	p := NewPolicy(Config{
		RepeatedFailureThreshold: 4,
		BudgetLowWatermark:       0.5,
		EscalationBudgetFloor:    0.8,
		MaxEscalationsPerPhase:   1,
	})
	assert.Equal(t, ResolutionStop, p.Decide(Input{Reason: ReasonRepeatedFailures, ConsecutiveFailures: 3}).Resolution)
	assert.Equal(t, ResolutionReplan, p.Decide(Input{Reason: ReasonRepeatedFailures, ConsecutiveFailures: 4}).Resolution)
	assert.Equal(t, ResolutionReduceScope, p.Decide(Input{Reason: ReasonBudgetExceeded, BudgetRemainingFraction: 0.4}).Resolution)
	assert.Equal(t, ResolutionStop, p.Decide(Input{Reason: ReasonRepeatedFailures, ReplanAttempted: true, BudgetRemainingFraction: 0.7}).Resolution)
	assert.False(t, Reason("nope").Valid())
}
