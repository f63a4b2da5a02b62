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
	"fmt"
	"time"
)

// Snapshot is the neutral, serializable form of a breaker.
//
// Times are Unix milliseconds (0 means never) and durations are
// milliseconds, so a snapshot survives a JSON round trip unchanged.
type Snapshot struct {
	Name            string         `json:"name"`
	State           string         `json:"state"`
	FailureCount    int            `json:"failure_count"`
	SuccessCount    int            `json:"success_count"`
	LastFailureTime int64          `json:"last_failure_time"`
	LastStateChange int64          `json:"last_state_change"`
	Config          SnapshotConfig `json:"config"`
	Metrics         Metrics        `json:"metrics"`
}

// SnapshotConfig is Config in persisted form.
type SnapshotConfig struct {
	FailureThreshold  int   `json:"failure_threshold"`
	SuccessThreshold  int   `json:"success_threshold"`
	TimeoutMs         int64 `json:"timeout_ms"`
	HalfOpenTimeoutMs int64 `json:"half_open_timeout_ms"`
	HalfOpenMaxCalls  int   `json:"half_open_max_calls"`
}

func toSnapshotConfig(c Config) SnapshotConfig {
	return SnapshotConfig{
		FailureThreshold:  c.FailureThreshold,
		SuccessThreshold:  c.SuccessThreshold,
		TimeoutMs:         c.Timeout.Milliseconds(),
		HalfOpenTimeoutMs: c.HalfOpenTimeout.Milliseconds(),
		HalfOpenMaxCalls:  c.HalfOpenMaxCalls,
	}
}

// ToConfig converts back to Config.
func (s SnapshotConfig) ToConfig() Config {
	return Config{
		FailureThreshold: s.FailureThreshold,
		SuccessThreshold: s.SuccessThreshold,
		Timeout:          time.Duration(s.TimeoutMs) * time.Millisecond,
		HalfOpenTimeout:  time.Duration(s.HalfOpenTimeoutMs) * time.Millisecond,
		HalfOpenMaxCalls: s.HalfOpenMaxCalls,
	}
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

// Snapshot captures the breaker's full state.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		Name:            b.name,
		State:           b.state.String(),
		FailureCount:    b.failureCount,
		SuccessCount:    b.successCount,
		LastFailureTime: toMillis(b.lastFailureTime),
		LastStateChange: toMillis(b.lastStateChange),
		Config:          toSnapshotConfig(b.config),
		Metrics:         b.metrics.clone(),
	}
}

// Restore reconstructs a breaker from a snapshot.
//
// # Outputs
//
//   - *Breaker: Breaker whose Snapshot equals s.
//   - error: Unknown state name or empty breaker name.
func Restore(s Snapshot, opts ...Option) (*Breaker, error) {
	if s.Name == "" {
		return nil, fmt.Errorf("breaker snapshot has no name")
	}
	b := New(s.Name, s.Config.ToConfig(), opts...)
	if err := b.apply(s); err != nil {
		return nil, err
	}
	return b, nil
}

// apply overwrites state, counters, config and metrics from s. In-flight
// half-open probes are forgotten.
func (b *Breaker) apply(s Snapshot) error {
	state, err := ParseState(s.State)
	if err != nil {
		return err
	}

	b.mu.Lock()
	b.state = state
	b.failureCount = s.FailureCount
	b.successCount = s.SuccessCount
	b.lastFailureTime = fromMillis(s.LastFailureTime)
	b.lastStateChange = fromMillis(s.LastStateChange)
	b.config = s.Config.ToConfig().withDefaults()
	b.halfOpenActive = 0
	b.metrics = s.Metrics.clone()
	b.mu.Unlock()

	stateGauge.WithLabelValues(b.name).Set(float64(state))
	return nil
}
