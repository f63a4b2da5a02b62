// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package lease provides advisory mutual exclusion over workspace directories.
//
// # Overview
//
// A Lease guards one workspace path. The lock itself is an flock(2) on a
// companion file under a lease directory:
//
//	{Dir}/{sha256(canonical workspace)[:16]}.lock
//
// The workspace path is canonicalized (absolute, symlinks resolved, cleaned)
// before hashing, so "./ws" and "/home/u/ws" contend for the same lease.
//
// # Outcomes
//
// Contention is expected and frequent. Acquire returns false instead of an
// error, and every failing path closes whatever descriptor it opened.
//
// # Stale Files
//
// A crashed holder releases the OS lock implicitly but leaves the file on
// disk. ForceUnlock removes such a file, and refuses while any live holder
// still has it locked.
package lease

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// maxAcquireRetries bounds re-opens when the lock file is unlinked between
// open and flock by a concurrent Release or ForceUnlock.
const maxAcquireRetries = 3

// Config configures lease file placement.
type Config struct {
	// Dir holds the lock files (default: ".autopack/leases").
	Dir string
}

// DefaultConfig returns the default lease configuration.
func DefaultConfig() Config {
	return Config{Dir: filepath.Join(".autopack", "leases")}
}

// HolderInfo is written into the lock file by the holder.
type HolderInfo struct {
	PID        int       `json:"pid"`
	Hostname   string    `json:"hostname,omitempty"`
	Workspace  string    `json:"workspace"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// Status describes a lease as observed from outside.
type Status struct {
	Workspace string      `json:"workspace"`
	LockFile  string      `json:"lock_file"`
	Exists    bool        `json:"exists"`
	Locked    bool        `json:"locked"`
	HeldByUs  bool        `json:"held_by_us"`
	Holder    *HolderInfo `json:"holder,omitempty"`
}

// Stale reports a lock file left behind by a dead holder.
func (s Status) Stale() bool {
	return s.Exists && !s.Locked
}

// Option configures a Lease.
type Option func(*Lease)

// WithLocker replaces the platform locker.
func WithLocker(locker Locker) Option {
	return func(l *Lease) {
		l.locker = locker
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Lease) {
		l.logger = logger
	}
}

// Lease is an advisory exclusive lock over one workspace directory.
//
// # Description
//
// Acquire is non-blocking. Release is idempotent. A Lease may be reacquired
// after Release.
//
// # Thread Safety
//
// Methods are safe for concurrent use. Mutual exclusion between goroutines
// comes from separate Lease values, not from sharing one.
type Lease struct {
	workspace string
	lockPath  string
	dir       string
	locker    Locker
	logger    *slog.Logger

	mu   sync.Mutex
	file *os.File
}

// New creates a lease for a workspace. It does not acquire it.
//
// # Inputs
//
//   - workspace: Directory to guard. Relative paths resolve against the cwd.
//   - config: Lease directory. An empty Dir uses DefaultConfig.
//   - opts: Optional locker and logger.
//
// # Outputs
//
//   - *Lease: Unacquired lease.
//   - error: ErrEmptyWorkspace, or a path resolution failure.
func New(workspace string, config Config, opts ...Option) (*Lease, error) {
	canonical, err := Canonicalize(workspace)
	if err != nil {
		return nil, err
	}
	if config.Dir == "" {
		config.Dir = DefaultConfig().Dir
	}
	dir, err := filepath.Abs(config.Dir)
	if err != nil {
		return nil, fmt.Errorf("resolving lease dir: %w", err)
	}

	l := &Lease{
		workspace: canonical,
		dir:       dir,
		lockPath:  LockPath(dir, canonical),
		locker:    DefaultLocker(),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Canonicalize returns the absolute, symlink-resolved, cleaned form of path.
// Paths that do not exist yet are cleaned without symlink resolution.
func Canonicalize(path string) (string, error) {
	if path == "" {
		return "", ErrEmptyWorkspace
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolving workspace %q: %w", path, err)
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		abs = resolved
	}
	return filepath.Clean(abs), nil
}

// LockPath returns the lock file for a canonical workspace path.
// Uses SHA256[:16] of the path.
func LockPath(dir, canonical string) string {
	hash := sha256.Sum256([]byte(canonical))
	return filepath.Join(dir, hex.EncodeToString(hash[:])[:16]+".lock")
}

// Workspace returns the canonical workspace path.
func (l *Lease) Workspace() string {
	return l.workspace
}

// LockFile returns the lock file path.
func (l *Lease) LockFile() string {
	return l.lockPath
}

// Held reports whether this Lease currently holds the lock.
func (l *Lease) Held() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file != nil
}

// Acquire takes the lease without blocking.
//
// # Description
//
// Opens (creating if needed) the lock file and applies a non-blocking
// exclusive flock. After locking it verifies the path still names the
// locked inode; a concurrent Release may have unlinked it in between, in
// which case it retries on the fresh file.
//
// Calling Acquire on a Lease that already holds the lock returns true.
//
// # Outputs
//
//   - bool: True if the lease is now held. False on contention or any
//     failure. On false no descriptor stays open.
func (l *Lease) Acquire() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		return true
	}
	if err := os.MkdirAll(l.dir, 0o755); err != nil {
		l.logger.Warn("lease dir unavailable",
			slog.String("dir", l.dir),
			slog.String("error", err.Error()))
		return false
	}

	for i := 0; i < maxAcquireRetries; i++ {
		f, err := l.tryLockOnce()
		if err != nil {
			if errors.Is(err, errLockFileReplaced) {
				continue
			}
			if errors.Is(err, ErrLocked) {
				l.logger.Debug("workspace lease busy",
					slog.String("workspace", l.workspace))
			} else {
				l.logger.Warn("workspace lease acquire failed",
					slog.String("workspace", l.workspace),
					slog.String("error", err.Error()))
			}
			return false
		}

		l.file = f
		if err := l.writeHolder(f); err != nil {
			l.logger.Warn("writing lease holder info",
				slog.String("lock_file", l.lockPath),
				slog.String("error", err.Error()))
		}
		l.logger.Debug("workspace lease acquired",
			slog.String("workspace", l.workspace),
			slog.String("lock_file", l.lockPath))
		return true
	}
	return false
}

var errLockFileReplaced = errors.New("lock file replaced during acquire")

// tryLockOnce opens and locks the lock file. On any error the descriptor is
// already closed.
func (l *Lease) tryLockOnce() (*os.File, error) {
	f, err := os.OpenFile(l.lockPath, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening lock file: %w", err)
	}

	if err := l.locker.TryLock(f); err != nil {
		_ = f.Close()
		return nil, err
	}

	same, err := sameFile(f, l.lockPath)
	if err == nil && !same {
		err = errLockFileReplaced
	}
	if err != nil {
		_ = l.locker.Unlock(f)
		_ = f.Close()
		return nil, err
	}
	return f, nil
}

func sameFile(f *os.File, path string) (bool, error) {
	held, err := f.Stat()
	if err != nil {
		return false, fmt.Errorf("stat locked file: %w", err)
	}
	onDisk, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("stat lock path: %w", err)
	}
	return os.SameFile(held, onDisk), nil
}

func (l *Lease) writeHolder(f *os.File) error {
	host, _ := os.Hostname()
	data, err := json.Marshal(HolderInfo{
		PID:        os.Getpid(),
		Hostname:   host,
		Workspace:  l.workspace,
		AcquiredAt: time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	if err := f.Truncate(0); err != nil {
		return err
	}
	if _, err := f.WriteAt(data, 0); err != nil {
		return err
	}
	return f.Sync()
}

// Release drops the lease. Idempotent.
//
// # Description
//
// The lock file is unlinked while still locked, then unlocked and closed.
// A contender that opened the old inode fails the same-file check in
// Acquire and retries on a fresh file.
//
// # Outputs
//
//   - error: First failure encountered. The descriptor is cleared regardless.
func (l *Lease) Release() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return nil
	}
	f := l.file
	l.file = nil

	var errs []error
	if err := os.Remove(l.lockPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		errs = append(errs, fmt.Errorf("removing lock file: %w", err))
	}
	if err := l.locker.Unlock(f); err != nil {
		errs = append(errs, fmt.Errorf("unlocking: %w", err))
	}
	if err := f.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing lock file: %w", err))
	}

	l.logger.Debug("workspace lease released", slog.String("workspace", l.workspace))
	return errors.Join(errs...)
}

// ForceUnlock removes a stale lock file.
//
// # Description
//
// Only succeeds when the file exists and no live holder has it locked,
// which is the state a crashed holder leaves behind. Never removes a lease
// held by this Lease or by anyone else.
//
// # Outputs
//
//   - bool: True only if a stale file existed and was removed.
func (l *Lease) ForceUnlock() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		return false
	}

	f, err := os.OpenFile(l.lockPath, os.O_RDWR, 0)
	if err != nil {
		return false
	}
	defer f.Close()

	if err := l.locker.TryLock(f); err != nil {
		return false
	}
	defer func() { _ = l.locker.Unlock(f) }()

	same, err := sameFile(f, l.lockPath)
	if err != nil || !same {
		return false
	}
	if err := os.Remove(l.lockPath); err != nil {
		l.logger.Warn("force unlock failed",
			slog.String("lock_file", l.lockPath),
			slog.String("error", err.Error()))
		return false
	}
	l.logger.Info("stale workspace lease removed",
		slog.String("workspace", l.workspace),
		slog.String("lock_file", l.lockPath))
	return true
}

// Status probes the lease without taking it.
func (l *Lease) Status() Status {
	l.mu.Lock()
	held := l.file != nil
	l.mu.Unlock()

	s := Status{Workspace: l.workspace, LockFile: l.lockPath, HeldByUs: held}
	if info, err := readHolder(l.lockPath); err == nil {
		s.Holder = info
	}
	if held {
		s.Exists, s.Locked = true, true
		return s
	}

	f, err := os.OpenFile(l.lockPath, os.O_RDWR, 0)
	if err != nil {
		return s
	}
	defer f.Close()
	s.Exists = true
	if err := l.locker.TryLock(f); err != nil {
		s.Locked = true
		return s
	}
	_ = l.locker.Unlock(f)
	return s
}

func readHolder(path string) (*HolderInfo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var info HolderInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// With runs fn while holding the lease.
//
// # Description
//
// Release runs on every exit path, including panics in fn and context
// cancellation observed by fn.
//
// # Outputs
//
//   - bool: False if the lease was busy; fn did not run.
//   - error: fn's error joined with any release error.
func With(ctx context.Context, l *Lease, fn func(ctx context.Context) error) (acquired bool, err error) {
	if !l.Acquire() {
		return false, nil
	}
	defer func() {
		if rerr := l.Release(); rerr != nil {
			err = errors.Join(err, rerr)
		}
	}()
	return true, fn(ctx)
}
