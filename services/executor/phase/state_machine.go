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
	"fmt"
	"time"
)

// ErrInvalidTransition is returned for a transition the state machine forbids.
var ErrInvalidTransition = errors.New("invalid phase state transition")

// StateMachine validates phase state transitions.
//
// Thread Safety: Immutable after construction, safe for concurrent use.
type StateMachine struct {
	allowed map[State]map[State]bool
}

// DefaultStateMachine is the transition table used by the runner.
var DefaultStateMachine = NewStateMachine()

// NewStateMachine builds the standard transition table.
func NewStateMachine() *StateMachine {
	allow := func(to ...State) map[State]bool {
		m := make(map[State]bool, len(to))
		for _, s := range to {
			m[s] = true
		}
		return m
	}
	return &StateMachine{
		allowed: map[State]map[State]bool{
			StateQueued:    allow(StateExecuting),
			StateExecuting: allow(StateQueued, StateComplete, StateFailed, StateStuck),
			StateFailed:    allow(StateQueued),
			StateStuck:     allow(StateQueued),
			StateComplete:  allow(),
		},
	}
}

// CanTransition reports whether from -> to is allowed.
func (sm *StateMachine) CanTransition(from, to State) bool {
	return sm.allowed[from][to]
}

// Transition moves p to the target state.
//
// # Inputs
//
//   - p: Phase to mutate.
//   - to: Target state.
//
// # Outputs
//
//   - error: Wraps ErrInvalidTransition if the move is not allowed.
func (sm *StateMachine) Transition(p *Phase, to State) error {
	if !sm.CanTransition(p.State, to) {
		return fmt.Errorf("%w: %s -> %s (phase %s)", ErrInvalidTransition, p.State, to, p.ID)
	}
	p.State = to
	p.UpdatedAt = time.Now().UTC()
	return nil
}

// Requeue returns a FAILED or STUCK phase to QUEUED after a human decision.
//
// Counters and token spend are reset so the phase gets a fresh attempt
// sequence with its full budget allowance; the escalation level and budget
// are kept.
func (sm *StateMachine) Requeue(p *Phase) error {
	if err := sm.Transition(p, StateQueued); err != nil {
		return err
	}
	p.Attempts = 0
	p.ConsecutiveFailures = 0
	p.ReplanAttempted = false
	p.TokensUsed = 0
	return nil
}
