// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"errors"
	"fmt"

	"github.com/hshk99/Autopack-sub025/services/executor/runner"
)

// Process exit codes beyond the generic 1.
const (
	exitIncomplete  = 2
	exitBusy        = 3
	exitInterrupted = 130
)

// ExitError carries a process exit code through cobra's error return.
type ExitError struct {
	// Code is the process exit code.
	Code int

	// Wrapped is the underlying error.
	Wrapped error
}

func (e *ExitError) Error() string {
	if e.Wrapped == nil {
		return fmt.Sprintf("exit %d", e.Code)
	}
	return e.Wrapped.Error()
}

func (e *ExitError) Unwrap() error {
	return e.Wrapped
}

// reportExit maps a run report to the command result.
func reportExit(report *runner.RunReport) error {
	switch report.StopReason {
	case runner.StopAllPhasesTerminal:
		if report.Succeeded() {
			return nil
		}
		return &ExitError{Code: exitIncomplete, Wrapped: fmt.Errorf("run %s finished with incomplete phases", report.RunID)}
	case runner.StopContextCanceled:
		return &ExitError{Code: exitInterrupted, Wrapped: errors.New("run interrupted")}
	case runner.StopWorkspaceBusy:
		return &ExitError{Code: exitBusy, Wrapped: fmt.Errorf("run %s yielded: workspace lease held by another process", report.RunID)}
	default:
		return &ExitError{Code: exitIncomplete, Wrapped: fmt.Errorf("run %s stopped: %s", report.RunID, report.StopReason)}
	}
}
