// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package store

import (
	"os"
)

// fileLocker abstracts platform-specific advisory locking.
//
// # Description
//
// Unix uses flock(2), Windows uses LockFileEx. Both are non-blocking and
// both locks die with the holding process, so a crashed writer never
// leaves the store locked.
type fileLocker interface {
	// Lock acquires an exclusive lock. Returns errFileLocked if taken.
	Lock(f *os.File) error

	// Unlock releases the lock. Safe to call when not locked.
	Unlock(f *os.File) error
}

// IsProcessAlive checks if a process with the given PID is still running.
//
// # Description
//
// Used to tell a live holder from stale lock info left by a crash.
func IsProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	return isProcessAlive(pid)
}
