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
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"github.com/hshk99/Autopack-sub025/services/executor/audit"
)

const auditPrefix = "audit/"

// AuditStore implements audit.Logger on a DB.
//
// Keys are "audit/<unix-nanos, zero padded>/<id>" so a reverse prefix scan
// yields newest first.
type AuditStore struct {
	db  *DB
	now func() time.Time
}

// NewAuditStore creates an audit store over db. The caller owns db.
func NewAuditStore(db *DB) *AuditStore {
	return &AuditStore{db: db, now: func() time.Time { return time.Now().UTC() }}
}

var _ audit.Logger = (*AuditStore)(nil)

func auditKey(ts time.Time, id string) []byte {
	return []byte(fmt.Sprintf("%s%020d/%s", auditPrefix, ts.UnixNano(), id))
}

// Record implements audit.Logger.
func (s *AuditStore) Record(ctx context.Context, e audit.Event) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = s.now()
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}
	return s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		return txn.Set(auditKey(e.Timestamp, e.ID), data)
	})
}

// Query implements audit.Logger.
func (s *AuditStore) Query(ctx context.Context, f audit.Filter) ([]audit.Event, error) {
	prefix := []byte(auditPrefix)
	out := []audit.Event{}
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(append(append([]byte(nil), prefix...), 0xFF)); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var e audit.Event
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &e)
			}); err != nil {
				return fmt.Errorf("decode %s: %w", it.Item().Key(), err)
			}
			if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
				break
			}
			if !f.Match(e) {
				continue
			}
			out = append(out, e)
			if f.Limit > 0 && len(out) >= f.Limit {
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	return out, nil
}
