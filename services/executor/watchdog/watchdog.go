// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package watchdog enforces wall-clock ceilings on runs and phase attempts.
//
// # Overview
//
// The watchdog records a zero time for the run and for each in-flight phase
// attempt. Callers sample it with CheckPhaseTimeout and CheckRunTimeout at
// their own loop cadence; nothing in this package fires timers or cancels
// work on its own. The runner turns an exceeded signal into cancellation of
// the in-flight collaborator call.
//
// # Soft Warnings
//
// Once elapsed time crosses SoftWarningRatio (default 0.5) of the ceiling a
// soft warning is reported, giving the caller a chance to mitigate before
// the hard timeout.
//
// # Timer Lifecycle
//
// Timers are never garbage collected. Every TrackPhaseStart must be paired
// with ClearPhase, otherwise a later attempt with the same phase ID would
// inherit a stale start time.
//
// # Thread Safety
//
// All methods are safe for concurrent use.
package watchdog

import (
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Config controls watchdog ceilings.
type Config struct {
	// MaxRunDuration bounds the whole run (default: 2h).
	MaxRunDuration time.Duration

	// MaxPhaseDuration bounds a single phase attempt (default: 15m).
	MaxPhaseDuration time.Duration

	// SoftWarningRatio is the fraction of a ceiling after which a soft
	// warning is reported (default: 0.5).
	SoftWarningRatio float64
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		MaxRunDuration:   2 * time.Hour,
		MaxPhaseDuration: 15 * time.Minute,
		SoftWarningRatio: 0.5,
	}
}

// Check is the result of a timeout sample.
type Check struct {
	// Exceeded is true once Elapsed >= the ceiling.
	Exceeded bool

	// Elapsed is wall-clock time since the recorded start.
	Elapsed time.Duration

	// SoftWarning is true once Elapsed >= SoftWarningRatio * ceiling and the
	// ceiling is not yet exceeded.
	SoftWarning bool

	// Limit is the ceiling the sample was taken against.
	Limit time.Duration

	// Tracked is false when no start time was recorded.
	Tracked bool
}

// Remaining returns the time left before the ceiling, never negative.
func (c Check) Remaining() time.Duration {
	if !c.Tracked || c.Elapsed >= c.Limit {
		return 0
	}
	return c.Limit - c.Elapsed
}

// Option configures a Watchdog.
type Option func(*Watchdog)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(w *Watchdog) {
		w.now = now
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(w *Watchdog) {
		w.logger = logger
	}
}

// Watchdog tracks run and phase wall-clock budgets.
type Watchdog struct {
	config Config
	now    func() time.Time
	logger *slog.Logger

	mu       sync.Mutex
	runStart time.Time
	started  bool
	timers   map[string]time.Time
}

// New creates a watchdog.
//
// # Inputs
//
//   - config: Ceilings. Zero fields fall back to DefaultConfig values.
//   - opts: Optional clock and logger.
//
// # Outputs
//
//   - *Watchdog: Ready to use. Call Start to record the run's zero time.
func New(config Config, opts ...Option) *Watchdog {
	defaults := DefaultConfig()
	if config.MaxRunDuration <= 0 {
		config.MaxRunDuration = defaults.MaxRunDuration
	}
	if config.MaxPhaseDuration <= 0 {
		config.MaxPhaseDuration = defaults.MaxPhaseDuration
	}
	if config.SoftWarningRatio <= 0 || config.SoftWarningRatio >= 1 {
		config.SoftWarningRatio = defaults.SoftWarningRatio
	}

	w := &Watchdog{
		config: config,
		now:    time.Now,
		logger: slog.Default(),
		timers: make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Config returns the effective configuration.
func (w *Watchdog) Config() Config {
	return w.config
}

// Start records the run's zero time. Calling it again restarts the run clock.
func (w *Watchdog) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.runStart = w.now()
	w.started = true
}

// TrackPhaseStart records a phase attempt's zero time.
//
// Calling it twice for the same ID overwrites the timer; the latest attempt
// wins.
func (w *Watchdog) TrackPhaseStart(phaseID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.timers[phaseID]; ok {
		w.logger.Debug("phase timer overwritten", slog.String("phase_id", phaseID))
	}
	w.timers[phaseID] = w.now()
}

// ClearPhase removes a phase timer. Returns false if none was tracked.
func (w *Watchdog) ClearPhase(phaseID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.timers[phaseID]; !ok {
		return false
	}
	delete(w.timers, phaseID)
	return true
}

// CheckPhaseTimeout samples a phase timer.
//
// # Description
//
// Compares wall-clock time since TrackPhaseStart against max. A max of zero
// or less uses Config.MaxPhaseDuration. An untracked phase reports a zero
// Check with Tracked=false.
//
// # Inputs
//
//   - phaseID: Phase to sample.
//   - max: Ceiling for this phase.
//
// # Outputs
//
//   - Check: Exceeded, Elapsed and SoftWarning per the package contract.
func (w *Watchdog) CheckPhaseTimeout(phaseID string, max time.Duration) Check {
	if max <= 0 {
		max = w.config.MaxPhaseDuration
	}

	w.mu.Lock()
	start, ok := w.timers[phaseID]
	now := w.now()
	w.mu.Unlock()

	if !ok {
		return Check{Limit: max}
	}
	return w.evaluate(now.Sub(start), max)
}

// CheckRunTimeout samples the run timer against Config.MaxRunDuration.
func (w *Watchdog) CheckRunTimeout() Check {
	w.mu.Lock()
	start, started := w.runStart, w.started
	now := w.now()
	w.mu.Unlock()

	if !started {
		return Check{Limit: w.config.MaxRunDuration}
	}
	return w.evaluate(now.Sub(start), w.config.MaxRunDuration)
}

// evaluate applies the exceeded/soft-warning thresholds.
func (w *Watchdog) evaluate(elapsed, max time.Duration) Check {
	c := Check{Elapsed: elapsed, Limit: max, Tracked: true}
	soft := time.Duration(float64(max) * w.config.SoftWarningRatio)
	switch {
	case elapsed >= max:
		c.Exceeded = true
	case elapsed >= soft:
		c.SoftWarning = true
	}
	return c
}

// ActivePhases returns the IDs of phases with a live timer, sorted.
func (w *Watchdog) ActivePhases() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	ids := make([]string, 0, len(w.timers))
	for id := range w.timers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
