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

import "errors"

var (
	// ErrLocked indicates the lock file is held by another open file
	// description (another process or another Lease in this process).
	ErrLocked = errors.New("lease file is locked")

	// ErrUnsupported indicates the platform has no advisory lock support.
	ErrUnsupported = errors.New("advisory file locking not supported on this platform")

	// ErrEmptyWorkspace is returned by New for an empty workspace path.
	ErrEmptyWorkspace = errors.New("workspace path is empty")
)
