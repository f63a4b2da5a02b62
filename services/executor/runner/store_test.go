// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package runner

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hshk99/Autopack-sub025/services/executor/phase"
)

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	_, err := s.LoadPhase(ctx, "r1", "p1")
	assert.ErrorIs(t, err, ErrPhaseNotFound)
	assert.Error(t, s.SavePhase(ctx, &phase.Phase{RunID: "r1"}))

	p := &phase.Phase{ID: "p1", RunID: "r1", State: phase.StateQueued, Deliverables: []string{"a.go"}}
	require.NoError(t, s.SavePhase(ctx, p))

	p.Deliverables[0] = "mutated.go"
	got, err := s.LoadPhase(ctx, "r1", "p1")
	require.NoError(t, err)
	assert.Equal(t, []string{"a.go"}, got.Deliverables, "store keeps its own copy")

	got.State = phase.StateComplete
	again, err := s.LoadPhase(ctx, "r1", "p1")
	require.NoError(t, err)
	assert.Equal(t, phase.StateQueued, again.State, "loaded phases are copies")
}

func TestMemoryStore_ListPhasesOrder(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	for _, p := range []*phase.Phase{
		{ID: "z", RunID: "r2", Sequence: 0},
		{ID: "b", RunID: "r1", Sequence: 1},
		{ID: "a", RunID: "r1", Sequence: 1},
		{ID: "c", RunID: "r1", Sequence: 0},
	} {
		require.NoError(t, s.SavePhase(ctx, p))
	}

	ids := func(phases []*phase.Phase) []string {
		var out []string
		for _, p := range phases {
			out = append(out, p.RunID+"/"+p.ID)
		}
		return out
	}

	r1, err := s.ListPhases(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, []string{"r1/c", "r1/a", "r1/b"}, ids(r1))

	all, err := s.ListPhases(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"r1/c", "r1/a", "r1/b", "r2/z"}, ids(all))

	none, err := s.ListPhases(ctx, "r3")
	require.NoError(t, err)
	assert.Empty(t, none)
}
