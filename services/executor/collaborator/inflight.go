// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.
package collaborator

import (
	"context"
	"sync"
)

// inflight tracks cancel functions for calls in progress, keyed by phase key
// (run_id/phase_id). Providers are shared across runs, so the run ID is part
// of the key.
type inflight struct {
	mu    sync.Mutex
	calls map[string]*inflightCall
}

type inflightCall struct {
	cancel context.CancelFunc
}

// track derives a cancelable ctx for key. done must be called when the call
// returns; it removes only this call's entry.
func (f *inflight) track(ctx context.Context, key string) (context.Context, func()) {
	ctx, cancel := context.WithCancel(ctx)
	c := &inflightCall{cancel: cancel}
	f.mu.Lock()
	if f.calls == nil {
		f.calls = make(map[string]*inflightCall)
	}
	f.calls[key] = c
	f.mu.Unlock()

	return ctx, func() {
		f.mu.Lock()
		if f.calls[key] == c {
			delete(f.calls, key)
		}
		f.mu.Unlock()
		cancel()
	}
}

// cancel aborts the call for key. Returns false if none was in flight.
func (f *inflight) cancel(key string) bool {
	f.mu.Lock()
	c, ok := f.calls[key]
	delete(f.calls, key)
	f.mu.Unlock()
	if ok {
		c.cancel()
	}
	return ok
}
