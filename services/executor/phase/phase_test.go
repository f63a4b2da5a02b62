// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package phase

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestState_IsTerminal(t *testing.T) {
	tests := []struct {
		state State
		want  bool
	}{
		{StateQueued, false},
		{StateExecuting, false},
		{StateComplete, true},
		{StateFailed, true},
		{StateStuck, true},
	}
	for _, tt := range tests {
		t.Run(tt.state.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.state.IsTerminal())
			assert.True(t, tt.state.Valid())
		})
	}
	assert.False(t, State("RUNNING").Valid())
}

func TestStateMachine_ValidTransitions(t *testing.T) {
	sm := NewStateMachine()
	valid := []struct{ from, to State }{
		{StateQueued, StateExecuting},
		{StateExecuting, StateQueued},
		{StateExecuting, StateComplete},
		{StateExecuting, StateFailed},
		{StateExecuting, StateStuck},
		{StateFailed, StateQueued},
		{StateStuck, StateQueued},
	}
	for _, tt := range valid {
		t.Run(tt.from.String()+"->"+tt.to.String(), func(t *testing.T) {
			assert.True(t, sm.CanTransition(tt.from, tt.to))
		})
	}
}

func TestStateMachine_InvalidTransitions(t *testing.T) {
	sm := NewStateMachine()
	invalid := []struct{ from, to State }{
		{StateQueued, StateComplete},
		{StateQueued, StateStuck},
		{StateComplete, StateQueued},
		{StateComplete, StateExecuting},
		{StateFailed, StateExecuting},
		{StateStuck, StateComplete},
	}
	for _, tt := range invalid {
		t.Run(tt.from.String()+"->"+tt.to.String(), func(t *testing.T) {
			p := &Phase{ID: "p1", State: tt.from}
			err := sm.Transition(p, tt.to)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidTransition))
			assert.Equal(t, tt.from, p.State)
		})
	}
}

func TestStateMachine_Requeue(t *testing.T) {
	p := &Phase{
		ID: "p1", State: StateStuck, Attempts: 3, MaxAttempts: 3, ConsecutiveFailures: 2,
		ReplanAttempted: true, EscalationLevel: 1,
		TokenBudget: 4000, InitialTokenBudget: 4000, TokensUsed: 11500,
	}
	require.Less(t, p.BudgetRemainingFraction(), 0.10)

	require.NoError(t, DefaultStateMachine.Requeue(p))
	assert.Equal(t, StateQueued, p.State)
	assert.Zero(t, p.Attempts)
	assert.Zero(t, p.ConsecutiveFailures)
	assert.False(t, p.ReplanAttempted)
	assert.Zero(t, p.TokensUsed)
	assert.Equal(t, 1.0, p.BudgetRemainingFraction())
	assert.Equal(t, 1, p.EscalationLevel)
	assert.Equal(t, 4000, p.TokenBudget)
}

func TestPhase_Clone(t *testing.T) {
	p := &Phase{ID: "p1", Deliverables: []string{"a.go"}, AllowedScope: []string{"src/"}}
	c := p.Clone()
	c.Deliverables[0] = "b.go"
	c.AllowedScope = append(c.AllowedScope, "docs/")
	assert.Equal(t, "a.go", p.Deliverables[0])
	assert.Len(t, p.AllowedScope, 1)

	var nilPhase *Phase
	assert.Nil(t, nilPhase.Clone())
}

func TestPhase_BudgetRemainingFraction(t *testing.T) {
	tests := []struct {
		name  string
		phase Phase
		want  float64
	}{
		{"no budget planned", Phase{}, 1},
		{"untouched", Phase{InitialTokenBudget: 1000, MaxAttempts: 2}, 1},
		{"half spent", Phase{InitialTokenBudget: 1000, MaxAttempts: 2, TokensUsed: 1000}, 0.5},
		{"overspent clamps", Phase{InitialTokenBudget: 1000, MaxAttempts: 1, TokensUsed: 5000}, 0},
		{"falls back to current budget", Phase{TokenBudget: 400, MaxAttempts: 1, TokensUsed: 100}, 0.75},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, tt.phase.BudgetRemainingFraction(), 1e-9)
		})
	}
}

func TestPhase_AttemptsRemaining(t *testing.T) {
	assert.Equal(t, 2, (&Phase{MaxAttempts: 3, Attempts: 1}).AttemptsRemaining())
	assert.Equal(t, 0, (&Phase{MaxAttempts: 3, Attempts: 5}).AttemptsRemaining())
	assert.Equal(t, "r1/p1", (&Phase{RunID: "r1", ID: "p1"}).Key())
}
