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
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/hshk99/Autopack-sub025/services/executor/phase"
)

// ErrPhaseNotFound is returned by Store.LoadPhase for an unknown phase.
var ErrPhaseNotFound = errors.New("phase not found")

// Store persists phase records keyed by (run_id, phase_id).
//
// The engine reads state in and writes transitions out; it does not own
// the schema.
type Store interface {
	// LoadPhase returns a copy of the stored phase.
	LoadPhase(ctx context.Context, runID, phaseID string) (*phase.Phase, error)

	// SavePhase upserts the phase.
	SavePhase(ctx context.Context, p *phase.Phase) error

	// ListPhases returns phases of runID, or of every run when runID is
	// empty, in plan order.
	ListPhases(ctx context.Context, runID string) ([]*phase.Phase, error)
}

// MemoryStore is an in-memory Store.
//
// Thread Safety: Safe for concurrent use.
type MemoryStore struct {
	mu     sync.RWMutex
	phases map[string]*phase.Phase
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{phases: make(map[string]*phase.Phase)}
}

// LoadPhase implements Store.
func (s *MemoryStore) LoadPhase(ctx context.Context, runID, phaseID string) (*phase.Phase, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.phases[runID+"/"+phaseID]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrPhaseNotFound, runID, phaseID)
	}
	return p.Clone(), nil
}

// SavePhase implements Store.
func (s *MemoryStore) SavePhase(ctx context.Context, p *phase.Phase) error {
	if p == nil || p.ID == "" {
		return errors.New("phase must have an ID")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.phases[p.Key()] = p.Clone()
	return nil
}

// ListPhases implements Store.
func (s *MemoryStore) ListPhases(ctx context.Context, runID string) ([]*phase.Phase, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*phase.Phase
	for _, p := range s.phases {
		if runID == "" || p.RunID == runID {
			out = append(out, p.Clone())
		}
	}
	SortPhases(out)
	return out, nil
}

// SortPhases orders phases by run ID, then plan sequence, then phase ID.
func SortPhases(phases []*phase.Phase) {
	sort.SliceStable(phases, func(i, j int) bool {
		a, b := phases[i], phases[j]
		if a.RunID != b.RunID {
			return a.RunID < b.RunID
		}
		if a.Sequence != b.Sequence {
			return a.Sequence < b.Sequence
		}
		return a.ID < b.ID
	})
}
