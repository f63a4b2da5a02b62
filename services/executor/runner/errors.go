// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package runner

import (
	"errors"
	"fmt"
)

var (
	// ErrWatchdogRequired is returned by New when no watchdog is supplied.
	// Unbounded phase execution is never allowed.
	ErrWatchdogRequired = errors.New("runner: watchdog is required")

	// ErrResolverRequired is returned by New when no collaborator resolver
	// is supplied.
	ErrResolverRequired = errors.New("runner: collaborator resolver is required")

	// ErrPhaseNotRunnable is returned when ExecutePhase is handed a phase
	// that is not QUEUED.
	ErrPhaseNotRunnable = errors.New("phase is not runnable")

	// ErrRunNotFound is returned when a run has no phases.
	ErrRunNotFound = errors.New("run not found")

	// ErrAttemptTimeout is the cancellation cause of a collaborator call
	// stopped by the watchdog. Breakers count it as a failure.
	ErrAttemptTimeout = errors.New("phase attempt exceeded its time limit")
)

// PhaseError carries the phase and operation that failed.
type PhaseError struct {
	RunID   string
	PhaseID string
	Op      string
	Err     error
}

func (e *PhaseError) Error() string {
	return fmt.Sprintf("phase %s/%s: %s: %v", e.RunID, e.PhaseID, e.Op, e.Err)
}

func (e *PhaseError) Unwrap() error {
	return e.Err
}
