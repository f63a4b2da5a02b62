// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package validation checks identifiers that end up in storage keys, lock
// file names and URL paths.
//
// Run and phase IDs are concatenated into badger keys ("phase/<run>/<id>")
// and appear as path parameters, so a separator or traversal sequence in an
// ID would alias another record.
package validation

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// MaxIDLength bounds a run or phase ID.
const MaxIDLength = 128

// ErrInvalidID wraps every identifier rejection.
var ErrInvalidID = errors.New("invalid identifier")

// idPattern allows letters, digits, dots, underscores and hyphens, starting
// with a letter or digit.
var idPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._\-]*$`)

// ValidateID validates a run or phase identifier.
//
// # Inputs
//
//   - kind: Used in the error message, e.g. "run id".
//   - id: The identifier.
//
// # Outputs
//
//   - error: Wraps ErrInvalidID when id is empty, longer than MaxIDLength,
//     contains characters outside [A-Za-z0-9._-], or is a dot sequence.
//
// Example:
//
//	if err := validation.ValidateID("phase id", id); err != nil {
//	    return fmt.Errorf("load phase: %w", err)
//	}
func ValidateID(kind, id string) error {
	if id == "" {
		return fmt.Errorf("%w: %s cannot be empty", ErrInvalidID, kind)
	}
	if len(id) > MaxIDLength {
		return fmt.Errorf("%w: %s longer than %d characters", ErrInvalidID, kind, MaxIDLength)
	}
	if !idPattern.MatchString(id) || strings.Contains(id, "..") {
		return fmt.Errorf("%w: %s %q (use letters, digits, '.', '_' or '-')", ErrInvalidID, kind, id)
	}
	return nil
}

// ValidatePhaseKey validates a run ID and phase ID pair.
func ValidatePhaseKey(runID, phaseID string) error {
	return errors.Join(ValidateID("run id", runID), ValidateID("phase id", phaseID))
}
