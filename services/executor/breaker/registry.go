// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package breaker

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// ErrAlreadyRegistered is returned by Register for a duplicate name.
var ErrAlreadyRegistered = errors.New("circuit breaker already registered")

// Registry is a name-keyed store of breakers shared by every phase that
// targets the same collaborator.
//
// # Description
//
// Construct one per process and pass it by reference. All mutations are
// serialized under a single mutex.
//
// # Thread Safety
//
// Safe for concurrent use.
type Registry struct {
	defaults Config
	opts     []Option
	logger   *slog.Logger

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithBreakerOptions sets options applied to every breaker the registry
// creates or restores.
func WithBreakerOptions(opts ...Option) RegistryOption {
	return func(r *Registry) {
		r.opts = append(r.opts, opts...)
	}
}

// WithRegistryLogger sets the registry logger. Breakers also log through it
// unless WithBreakerOptions overrides that.
func WithRegistryLogger(logger *slog.Logger) RegistryOption {
	return func(r *Registry) {
		r.logger = logger
	}
}

// NewRegistry creates an empty registry.
//
// # Inputs
//
//   - defaults: Config for breakers created by GetOrCreate.
//   - opts: Registry options.
func NewRegistry(defaults Config, opts ...RegistryOption) *Registry {
	r := &Registry{
		defaults: defaults.withDefaults(),
		logger:   slog.Default(),
		breakers: make(map[string]*Breaker),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.opts = append([]Option{WithLogger(r.logger)}, r.opts...)
	return r
}

// Register adds a breaker with an explicit config.
func (r *Registry) Register(name string, config Config) (*Breaker, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.breakers[name]; ok {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyRegistered, name)
	}
	b := New(name, config, r.opts...)
	r.breakers[name] = b
	return b, nil
}

// Get returns a registered breaker.
func (r *Registry) Get(name string) (*Breaker, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[name]
	return b, ok
}

// GetOrCreate returns the named breaker, creating it with the registry
// defaults if needed.
func (r *Registry) GetOrCreate(name string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[name]; ok {
		return b
	}
	b := New(name, r.defaults, r.opts...)
	r.breakers[name] = b
	return b
}

// Unregister removes a breaker. Returns false if it was not registered.
func (r *Registry) Unregister(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.breakers[name]; !ok {
		return false
	}
	delete(r.breakers, name)
	return true
}

// Reset closes one breaker. Returns false if it was not registered.
func (r *Registry) Reset(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[name]
	if !ok {
		return false
	}
	b.Reset()
	return true
}

// ResetAll closes every breaker.
func (r *Registry) ResetAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, b := range r.breakers {
		b.Reset()
	}
}

// Names returns registered names, sorted.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.namesLocked()
}

func (r *Registry) namesLocked() []string {
	names := make([]string, 0, len(r.breakers))
	for name := range r.breakers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Snapshots returns every breaker's snapshot, sorted by name.
func (r *Registry) Snapshots() []Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Snapshot, 0, len(r.breakers))
	for _, name := range r.namesLocked() {
		out = append(out, r.breakers[name].Snapshot())
	}
	return out
}

// PersistAll writes every breaker to path as a JSON object keyed by name.
//
// # Description
//
// The file is written to a temp file in the same directory and renamed
// into place, so readers never observe a partial document.
//
// # Outputs
//
//   - error: Marshal or filesystem failure.
func (r *Registry) PersistAll(path string) error {
	r.mu.Lock()
	doc := make(map[string]Snapshot, len(r.breakers))
	for name, b := range r.breakers {
		doc[name] = b.Snapshot()
	}
	r.mu.Unlock()

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling breaker state: %w", err)
	}
	if err := writeFileAtomic(path, data); err != nil {
		return fmt.Errorf("persisting breaker state: %w", err)
	}
	r.logger.Debug("circuit breaker state persisted",
		slog.String("path", path),
		slog.Int("breakers", len(doc)))
	return nil
}

// RestoreAll loads breakers written by PersistAll.
//
// # Description
//
// Existing breakers are updated in place so callers holding references see
// the restored state; unknown names are created. A missing or malformed
// file restores nothing. Individual malformed entries are skipped.
//
// # Outputs
//
//   - int: Number of breakers restored.
func (r *Registry) RestoreAll(path string) int {
	data, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			r.logger.Warn("reading breaker state failed",
				slog.String("path", path),
				slog.String("error", err.Error()))
		}
		return 0
	}

	var doc map[string]Snapshot
	if err := json.Unmarshal(data, &doc); err != nil {
		r.logger.Warn("malformed breaker state file",
			slog.String("path", path),
			slog.String("error", err.Error()))
		return 0
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	restored := 0
	for key, snap := range doc {
		if snap.Name == "" {
			snap.Name = key
		}
		if existing, ok := r.breakers[snap.Name]; ok {
			if err := existing.apply(snap); err != nil {
				r.logger.Warn("skipping breaker snapshot",
					slog.String("breaker", snap.Name),
					slog.String("error", err.Error()))
				continue
			}
			restored++
			continue
		}
		b, err := Restore(snap, r.opts...)
		if err != nil {
			r.logger.Warn("skipping breaker snapshot",
				slog.String("breaker", snap.Name),
				slog.String("error", err.Error()))
			continue
		}
		r.breakers[snap.Name] = b
		restored++
	}
	r.logger.Info("circuit breaker state restored",
		slog.String("path", path),
		slog.Int("breakers", restored))
	return restored
}

// writeFileAtomic writes data to a temp file next to path and renames it.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return err
	}
	return nil
}
