// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package lease

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Monitor watches the lease file while it is held.
//
// # Description
//
// The returned channel is closed if the lock file is removed or renamed by
// someone else while this Lease still holds it; at that point the workspace
// is no longer protected and the caller should abort the attempt. The
// monitor's own Release does not trigger it. The watcher stops when ctx is
// done.
//
// # Inputs
//
//   - ctx: Bounds the watch. Cancel it when the attempt ends.
//
// # Outputs
//
//   - <-chan struct{}: Closed on external loss.
//   - error: Watcher setup failure.
func (l *Lease) Monitor(ctx context.Context) (<-chan struct{}, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating lease watcher: %w", err)
	}
	if err := watcher.Add(l.dir); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("watching lease dir: %w", err)
	}

	lost := make(chan struct{})
	go l.watchLoop(ctx, watcher, lost)
	return lost, nil
}

// watchLoop handles fsnotify events for the lease dir.
func (l *Lease) watchLoop(ctx context.Context, watcher *fsnotify.Watcher, lost chan struct{}) {
	defer watcher.Close()
	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != l.lockPath {
				continue
			}
			if !event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
				continue
			}
			if !l.Held() {
				continue
			}
			l.logger.Warn("workspace lease file removed externally",
				slog.String("workspace", l.workspace),
				slog.String("lock_file", l.lockPath),
				slog.String("event", event.Op.String()))
			close(lost)
			return

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			l.logger.Warn("lease watcher error", slog.String("error", err.Error()))
		}
	}
}
