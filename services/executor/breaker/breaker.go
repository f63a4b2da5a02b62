// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package breaker isolates unreliable collaborators behind circuit breakers.
//
// # State Machine
//
//	         failures >= FailureThreshold
//	CLOSED ──────────────────────────────► OPEN
//	   ▲                                   │  ▲
//	   │ successes >= SuccessThreshold     │  │ any failure
//	   │                    Timeout elapsed│  │
//	   │                                   ▼  │
//	   └──────────────────────────────── HALF_OPEN
//
// CLOSED passes calls through. OPEN rejects them until Timeout has elapsed
// since the last state change; the next call attempt then moves to
// HALF_OPEN, which admits at most HalfOpenMaxCalls concurrent probes, each
// bounded by HalfOpenTimeout.
//
// # Persistence
//
// Every breaker serializes to a Snapshot and is reconstructed verbatim from
// one. Registry.PersistAll and Registry.RestoreAll carry breaker state
// across process restarts.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrOpen is returned when a call is rejected by an open breaker.
var ErrOpen = errors.New("circuit breaker is open")

// State is the breaker state.
type State int

const (
	// StateClosed is normal operation.
	StateClosed State = iota

	// StateOpen rejects calls.
	StateOpen

	// StateHalfOpen admits bounded probe calls.
	StateHalfOpen
)

// String returns the persisted state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// ParseState parses a persisted state name.
func ParseState(s string) (State, error) {
	switch s {
	case "CLOSED":
		return StateClosed, nil
	case "OPEN":
		return StateOpen, nil
	case "HALF_OPEN":
		return StateHalfOpen, nil
	default:
		return StateClosed, fmt.Errorf("unknown breaker state %q", s)
	}
}

// Config configures a breaker.
type Config struct {
	// FailureThreshold is consecutive failures before opening (default: 5).
	FailureThreshold int

	// SuccessThreshold is consecutive half-open successes before closing
	// (default: 2).
	SuccessThreshold int

	// Timeout is how long to stay open before probing (default: 60s).
	Timeout time.Duration

	// HalfOpenTimeout bounds each probe call (default: 30s).
	HalfOpenTimeout time.Duration

	// HalfOpenMaxCalls is the max concurrent probes (default: 1).
	HalfOpenMaxCalls int
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Timeout:          60 * time.Second,
		HalfOpenTimeout:  30 * time.Second,
		HalfOpenMaxCalls: 1,
	}
}

// withDefaults fills zero fields.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = d.SuccessThreshold
	}
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
	if c.HalfOpenTimeout <= 0 {
		c.HalfOpenTimeout = d.HalfOpenTimeout
	}
	if c.HalfOpenMaxCalls <= 0 {
		c.HalfOpenMaxCalls = d.HalfOpenMaxCalls
	}
	return c
}

// Metrics are cumulative call counters.
type Metrics struct {
	TotalCalls      int64            `json:"total_calls"`
	SuccessfulCalls int64            `json:"successful_calls"`
	FailedCalls     int64            `json:"failed_calls"`
	RejectedCalls   int64            `json:"rejected_calls"`
	Transitions     map[string]int64 `json:"state_transitions"`
}

func (m Metrics) clone() Metrics {
	c := m
	c.Transitions = make(map[string]int64, len(m.Transitions))
	for k, v := range m.Transitions {
		c.Transitions[k] = v
	}
	return c
}

// StateChange describes one transition.
type StateChange struct {
	Name string
	From State
	To   State
	At   time.Time
}

// TransitionKey returns the metrics key for from -> to.
func TransitionKey(from, to State) string {
	return from.String() + "->" + to.String()
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) {
		b.now = now
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Breaker) {
		b.logger = logger
	}
}

// WithStateChangeHook registers a callback invoked after every transition,
// outside the breaker lock.
func WithStateChangeHook(hook func(StateChange)) Option {
	return func(b *Breaker) {
		b.hooks = append(b.hooks, hook)
	}
}

// Breaker is a named circuit breaker.
//
// Thread Safety: Safe for concurrent use. Every decision-relevant read and
// write happens under the breaker's mutex.
type Breaker struct {
	name   string
	config Config
	now    func() time.Time
	logger *slog.Logger
	hooks  []func(StateChange)

	mu              sync.Mutex
	state           State
	failureCount    int
	successCount    int
	lastFailureTime time.Time
	lastStateChange time.Time
	halfOpenActive  int
	metrics         Metrics
	pending         []StateChange
}

// New creates a CLOSED breaker.
//
// # Inputs
//
//   - name: Registry key, usually the collaborator name.
//   - config: Thresholds. Zero fields use DefaultConfig.
//   - opts: Optional clock, logger and hooks.
func New(name string, config Config, opts ...Option) *Breaker {
	b := &Breaker{
		name:   name,
		config: config.withDefaults(),
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.lastStateChange = b.now()
	b.metrics.Transitions = make(map[string]int64)
	stateGauge.WithLabelValues(name).Set(float64(StateClosed))
	return b
}

// Name returns the breaker name.
func (b *Breaker) Name() string {
	return b.name
}

// Config returns the effective configuration.
func (b *Breaker) Config() Config {
	return b.config
}

// State returns the stored state. An OPEN breaker whose timeout elapsed
// still reports OPEN until the next call attempt.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Available reports whether a call attempt right now could be admitted.
// It never changes state.
func (b *Breaker) Available() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		return b.now().Sub(b.lastStateChange) >= b.config.Timeout
	case StateHalfOpen:
		return b.halfOpenActive < b.config.HalfOpenMaxCalls
	}
	return false
}

// Allow checks whether a call may proceed.
//
// # Outputs
//
//   - bool: True if the call may proceed.
//   - func(): Release for a half-open probe slot; nil otherwise. Call it
//     when the probe finishes, after RecordSuccess or RecordFailure.
func (b *Breaker) Allow() (bool, func()) {
	b.mu.Lock()
	defer b.unlock()

	b.metrics.TotalCalls++

	switch b.state {
	case StateClosed:
		return true, nil

	case StateOpen:
		if b.now().Sub(b.lastStateChange) >= b.config.Timeout {
			b.transitionTo(StateHalfOpen)
			return b.tryHalfOpen()
		}
		b.reject()
		return false, nil

	case StateHalfOpen:
		return b.tryHalfOpen()
	}

	b.reject()
	return false, nil
}

// tryHalfOpen admits a probe if a slot is free. Must be called with lock held.
func (b *Breaker) tryHalfOpen() (bool, func()) {
	if b.halfOpenActive >= b.config.HalfOpenMaxCalls {
		b.reject()
		return false, nil
	}
	b.halfOpenActive++
	var once sync.Once
	return true, func() {
		once.Do(func() {
			b.mu.Lock()
			if b.halfOpenActive > 0 {
				b.halfOpenActive--
			}
			b.mu.Unlock()
		})
	}
}

func (b *Breaker) reject() {
	b.metrics.RejectedCalls++
	rejectedCounter.WithLabelValues(b.name).Inc()
}

// RecordSuccess records a successful call.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.unlock()

	b.metrics.SuccessfulCalls++
	b.failureCount = 0

	if b.state == StateHalfOpen {
		b.successCount++
		if b.successCount >= b.config.SuccessThreshold {
			b.transitionTo(StateClosed)
		}
	}
}

// RecordFailure records a failed call.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.unlock()

	b.metrics.FailedCalls++
	b.failureCount++
	b.successCount = 0
	b.lastFailureTime = b.now()

	switch b.state {
	case StateClosed:
		if b.failureCount >= b.config.FailureThreshold {
			b.transitionTo(StateOpen)
		}
	case StateHalfOpen:
		b.transitionTo(StateOpen)
	}
}

// transitionTo changes state. Must be called with lock held.
func (b *Breaker) transitionTo(to State) {
	from := b.state
	if from == to {
		return
	}
	at := b.now()
	b.state = to
	b.lastStateChange = at
	b.failureCount = 0
	b.successCount = 0
	if to != StateHalfOpen {
		b.halfOpenActive = 0
	}
	b.metrics.Transitions[TransitionKey(from, to)]++
	b.pending = append(b.pending, StateChange{Name: b.name, From: from, To: to, At: at})
}

// unlock releases the mutex and then publishes queued transitions.
func (b *Breaker) unlock() {
	changes := b.pending
	b.pending = nil
	b.mu.Unlock()

	for _, c := range changes {
		stateGauge.WithLabelValues(c.Name).Set(float64(c.To))
		transitionCounter.WithLabelValues(c.Name, c.From.String(), c.To.String()).Inc()
		level := slog.LevelInfo
		if c.To == StateOpen {
			level = slog.LevelWarn
		}
		b.logger.Log(context.Background(), level, "circuit breaker state change",
			slog.String("breaker", c.Name),
			slog.String("from", c.From.String()),
			slog.String("to", c.To.String()))
		for _, hook := range b.hooks {
			hook(c)
		}
	}
}

// Execute runs fn under breaker protection.
//
// # Description
//
// Rejected calls return an error wrapping ErrOpen without invoking fn. A
// half-open probe runs under HalfOpenTimeout. A non-nil error from fn is a
// failure. If the caller's ctx was canceled without a cause the outcome is
// not recorded. A cancellation carrying a cause (for example a watchdog
// timeout) is recorded as a failure.
//
// # Inputs
//
//   - ctx: Parent context.
//   - fn: The protected call.
//
// # Outputs
//
//   - error: ErrOpen-wrapped rejection, or fn's error.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	allowed, release := b.Allow()
	if !allowed {
		return fmt.Errorf("%w: %s", ErrOpen, b.name)
	}
	if release != nil {
		defer release()
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.config.HalfOpenTimeout)
		defer cancel()
	}

	err := fn(ctx)
	switch {
	case err == nil:
		b.RecordSuccess()
	case callerCanceled(ctx):
	default:
		b.RecordFailure()
	}
	return err
}

// callerCanceled reports a plain cancellation by the caller. A ctx canceled
// through a CancelCauseFunc with a non-nil cause does not qualify.
func callerCanceled(ctx context.Context) bool {
	return errors.Is(ctx.Err(), context.Canceled) && errors.Is(context.Cause(ctx), context.Canceled)
}

// Reset forces the breaker to CLOSED and clears counters. Metrics are kept.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.unlock()

	b.transitionTo(StateClosed)
	b.failureCount = 0
	b.successCount = 0
	b.halfOpenActive = 0
	b.lastStateChange = b.now()
}

// Metrics returns a copy of the cumulative metrics.
func (b *Breaker) Metrics() Metrics {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.metrics.clone()
}
