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
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLease(t *testing.T, workspace, dir string, opts ...Option) *Lease {
	t.Helper()
	l, err := New(workspace, Config{Dir: dir}, opts...)
	require.NoError(t, err)
	return l
}

// recordingLocker fails TryLock and remembers the files it saw.
type recordingLocker struct {
	err  error
	mu   sync.Mutex
	seen []*os.File
}

func (r *recordingLocker) TryLock(f *os.File) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, f)
	return r.err
}

func (r *recordingLocker) Unlock(f *os.File) error { return nil }

func TestNew_EmptyWorkspace(t *testing.T) {
	_, err := New("", DefaultConfig())
	assert.ErrorIs(t, err, ErrEmptyWorkspace)
}

func TestLease_MutualExclusion(t *testing.T) {
	ws, dir := t.TempDir(), t.TempDir()
	a := newTestLease(t, ws, dir)
	b := newTestLease(t, ws, dir)

	require.True(t, a.Acquire())
	assert.True(t, a.Held())
	assert.False(t, b.Acquire())
	assert.False(t, b.Held())

	require.NoError(t, a.Release())
	assert.True(t, b.Acquire())
	require.NoError(t, b.Release())
}

func TestLease_RelativeAndAbsoluteCollide(t *testing.T) {
	ws, dir := t.TempDir(), t.TempDir()
	cwd, err := os.Getwd()
	require.NoError(t, err)
	rel, err := filepath.Rel(cwd, ws)
	require.NoError(t, err)

	abs := newTestLease(t, ws, dir)
	relative := newTestLease(t, rel, dir)
	assert.Equal(t, abs.LockFile(), relative.LockFile())

	require.True(t, abs.Acquire())
	defer abs.Release()
	assert.False(t, relative.Acquire())
}

func TestLease_SymlinkCollides(t *testing.T) {
	ws, dir := t.TempDir(), t.TempDir()
	link := filepath.Join(t.TempDir(), "link")
	require.NoError(t, os.Symlink(ws, link))

	direct := newTestLease(t, ws, dir)
	viaLink := newTestLease(t, link, dir)
	assert.Equal(t, direct.Workspace(), viaLink.Workspace())
	assert.Equal(t, direct.LockFile(), viaLink.LockFile())
}

func TestLease_AcquireIsReentrantForHolder(t *testing.T) {
	l := newTestLease(t, t.TempDir(), t.TempDir())
	require.True(t, l.Acquire())
	assert.True(t, l.Acquire())
	require.NoError(t, l.Release())
}

func TestLease_ReleaseIsIdempotent(t *testing.T) {
	l := newTestLease(t, t.TempDir(), t.TempDir())
	assert.NoError(t, l.Release())
	require.True(t, l.Acquire())
	assert.NoError(t, l.Release())
	assert.NoError(t, l.Release())
	assert.False(t, l.Held())
	_, err := os.Stat(l.LockFile())
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestLease_FailedAcquireLeaksNoDescriptor(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"contended", ErrLocked},
		{"lock library error", errors.New("input/output error")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			locker := &recordingLocker{err: tt.err}
			l := newTestLease(t, t.TempDir(), t.TempDir(), WithLocker(locker))

			assert.False(t, l.Acquire())
			assert.False(t, l.Held())
			require.Len(t, locker.seen, 1)
			_, err := locker.seen[0].Stat()
			assert.ErrorIs(t, err, os.ErrClosed)
		})
	}
}

func TestLease_UnwritableDirFails(t *testing.T) {
	parent := t.TempDir()
	blocker := filepath.Join(parent, "file")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o644))

	l := newTestLease(t, t.TempDir(), filepath.Join(blocker, "leases"))
	assert.False(t, l.Acquire())
	assert.False(t, l.Held())
}

func TestLease_ConcurrentAcquireSingleWinner(t *testing.T) {
	ws, dir := t.TempDir(), t.TempDir()
	const n = 16

	var winners atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	leases := make([]*Lease, n)
	for i := range leases {
		leases[i] = newTestLease(t, ws, dir)
	}
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(l *Lease) {
			defer wg.Done()
			<-start
			if l.Acquire() {
				winners.Add(1)
			}
		}(leases[i])
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), winners.Load())
	for _, l := range leases {
		require.NoError(t, l.Release())
	}
}

func TestLease_ForceUnlock(t *testing.T) {
	t.Run("stale file removed", func(t *testing.T) {
		l := newTestLease(t, t.TempDir(), t.TempDir())
		require.NoError(t, os.WriteFile(l.LockFile(), []byte(`{"pid":1}`), 0o644))

		status := l.Status()
		assert.True(t, status.Stale())

		assert.True(t, l.ForceUnlock())
		_, err := os.Stat(l.LockFile())
		assert.True(t, errors.Is(err, os.ErrNotExist))
	})

	t.Run("missing file", func(t *testing.T) {
		l := newTestLease(t, t.TempDir(), t.TempDir())
		assert.False(t, l.ForceUnlock())
	})

	t.Run("live holder kept", func(t *testing.T) {
		ws, dir := t.TempDir(), t.TempDir()
		holder := newTestLease(t, ws, dir)
		other := newTestLease(t, ws, dir)
		require.True(t, holder.Acquire())
		defer holder.Release()

		assert.False(t, other.ForceUnlock())
		assert.False(t, holder.ForceUnlock())
		_, err := os.Stat(holder.LockFile())
		assert.NoError(t, err)
	})
}

func TestLease_StatusReportsHolder(t *testing.T) {
	ws, dir := t.TempDir(), t.TempDir()
	holder := newTestLease(t, ws, dir)
	observer := newTestLease(t, ws, dir)

	assert.False(t, observer.Status().Exists)

	require.True(t, holder.Acquire())
	s := observer.Status()
	assert.True(t, s.Exists)
	assert.True(t, s.Locked)
	assert.False(t, s.HeldByUs)
	require.NotNil(t, s.Holder)
	assert.Equal(t, os.Getpid(), s.Holder.PID)
	assert.Equal(t, holder.Workspace(), s.Holder.Workspace)

	assert.True(t, holder.Status().HeldByUs)
	require.NoError(t, holder.Release())
}

func TestWith_ReleasesOnEveryPath(t *testing.T) {
	ws, dir := t.TempDir(), t.TempDir()
	l := newTestLease(t, ws, dir)
	boom := errors.New("boom")

	acquired, err := With(context.Background(), l, func(ctx context.Context) error {
		assert.True(t, l.Held())
		return boom
	})
	assert.True(t, acquired)
	assert.ErrorIs(t, err, boom)
	assert.False(t, l.Held())

	func() {
		defer func() { _ = recover() }()
		_, _ = With(context.Background(), l, func(ctx context.Context) error {
			panic("attempt crashed")
		})
	}()
	assert.False(t, l.Held())

	other := newTestLease(t, ws, dir)
	require.True(t, other.Acquire())
	defer other.Release()
	ran := false
	acquired, err = With(context.Background(), l, func(ctx context.Context) error {
		ran = true
		return nil
	})
	assert.False(t, acquired)
	assert.NoError(t, err)
	assert.False(t, ran)
}

func TestMonitor_DetectsExternalRemoval(t *testing.T) {
	l := newTestLease(t, t.TempDir(), t.TempDir())
	require.True(t, l.Acquire())
	defer l.Release()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	lost, err := l.Monitor(ctx)
	require.NoError(t, err)

	require.NoError(t, os.Remove(l.LockFile()))

	select {
	case <-lost:
	case <-time.After(2 * time.Second):
		t.Fatal("lease loss not reported")
	}
}

func TestMonitor_IgnoresOwnRelease(t *testing.T) {
	l := newTestLease(t, t.TempDir(), t.TempDir())
	require.True(t, l.Acquire())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	lost, err := l.Monitor(ctx)
	require.NoError(t, err)

	require.NoError(t, l.Release())

	select {
	case <-lost:
		t.Fatal("own release reported as loss")
	case <-time.After(100 * time.Millisecond):
	}
}
