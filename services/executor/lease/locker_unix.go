// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

//go:build unix

package lease

import (
	"errors"
	"os"

	"golang.org/x/sys/unix"
)

// flockLocker implements Locker with flock(2).
//
// flock locks belong to the open file description, so two Lease values in
// the same process that open the same lock file contend just like two
// processes do. The kernel drops the lock when the last descriptor closes,
// including on process death.
type flockLocker struct{}

// TryLock uses LOCK_EX|LOCK_NB.
func (l *flockLocker) TryLock(f *os.File) error {
	for {
		err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.EWOULDBLOCK):
			return ErrLocked
		default:
			return err
		}
	}
}

// Unlock uses LOCK_UN.
func (l *flockLocker) Unlock(f *os.File) error {
	return unix.Flock(int(f.Fd()), unix.LOCK_UN)
}
