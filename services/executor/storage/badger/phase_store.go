// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package badger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"

	"github.com/hshk99/Autopack-sub025/pkg/validation"
	"github.com/hshk99/Autopack-sub025/services/executor/phase"
	"github.com/hshk99/Autopack-sub025/services/executor/runner"
)

const phasePrefix = "phase/"

// PhaseStore implements runner.Store on a DB.
//
// Thread Safety: Safe for concurrent use; badger transactions serialize
// conflicting writes.
type PhaseStore struct {
	db *DB
}

// NewPhaseStore creates a store over db. The caller owns db.
func NewPhaseStore(db *DB) *PhaseStore {
	return &PhaseStore{db: db}
}

var _ runner.Store = (*PhaseStore)(nil)

func phaseKey(runID, phaseID string) []byte {
	return []byte(phasePrefix + runID + "/" + phaseID)
}

// LoadPhase implements runner.Store.
func (s *PhaseStore) LoadPhase(ctx context.Context, runID, phaseID string) (*phase.Phase, error) {
	var p phase.Phase
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get(phaseKey(runID, phaseID))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &p)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %s/%s", runner.ErrPhaseNotFound, runID, phaseID)
	}
	if err != nil {
		return nil, fmt.Errorf("load phase %s/%s: %w", runID, phaseID, err)
	}
	return &p, nil
}

// SavePhase implements runner.Store.
func (s *PhaseStore) SavePhase(ctx context.Context, p *phase.Phase) error {
	if p == nil {
		return errors.New("phase is nil")
	}
	if err := validation.ValidatePhaseKey(p.RunID, p.ID); err != nil {
		return fmt.Errorf("save phase: %w", err)
	}
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal phase: %w", err)
	}
	return s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		return txn.Set(phaseKey(p.RunID, p.ID), data)
	})
}

// ListPhases implements runner.Store.
func (s *PhaseStore) ListPhases(ctx context.Context, runID string) ([]*phase.Phase, error) {
	prefix := []byte(phasePrefix)
	if runID != "" {
		prefix = []byte(phasePrefix + runID + "/")
	}

	var out []*phase.Phase
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var p phase.Phase
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &p)
			}); err != nil {
				return fmt.Errorf("decode %s: %w", it.Item().Key(), err)
			}
			out = append(out, &p)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list phases: %w", err)
	}
	runner.SortPhases(out)
	return out, nil
}

// DeleteRun removes every phase of runID. Returns the number removed.
func (s *PhaseStore) DeleteRun(ctx context.Context, runID string) (int, error) {
	if runID == "" {
		return 0, errors.New("run id is required")
	}
	prefix := []byte(phasePrefix + runID + "/")

	var keys [][]byte
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	err = s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		for _, k := range keys {
			if err := txn.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("delete run %s: %w", runID, err)
	}
	return len(keys), nil
}
