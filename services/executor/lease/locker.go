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

import "os"

// Locker applies and removes an OS-level advisory lock on an open file.
//
// # Description
//
// Abstracts flock(2) so Lease can be tested with a fake that injects
// failures on the lock path.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use on different files.
type Locker interface {
	// TryLock takes an exclusive lock without blocking.
	//
	// Returns ErrLocked if another open file description holds the lock.
	TryLock(f *os.File) error

	// Unlock drops the lock. Safe to call on an unlocked file.
	Unlock(f *os.File) error
}

// DefaultLocker returns the platform locker.
func DefaultLocker() Locker {
	return &flockLocker{}
}
