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
	"errors"
	"fmt"
)

// Sentinel errors for store operations.
var (
	// ErrStoreLocked indicates another writer holds the store lock.
	ErrStoreLocked = errors.New("marker store is locked by another writer")

	// ErrLockNotHeld indicates a write outside an exclusive scope.
	ErrLockNotHeld = errors.New("store lock not held")

	// ErrBackupNotFound indicates a restore of a backup that does not exist.
	ErrBackupNotFound = errors.New("backup not found")

	// errFileLocked is returned by platform lockers when the lock is taken.
	errFileLocked = errors.New("file is locked")
)

// LockError provides detail about a lock conflict.
//
// # Description
//
// Wraps ErrStoreLocked with the current holder so the CLI can report who
// is writing and since when.
//
// # Fields
//
//   - Path: The lock file.
//   - Holder: Lock info written by the holder. Nil if it could not be read.
//   - Err: The underlying error (ErrStoreLocked).
type LockError struct {
	Path   string
	Holder *LockInfo
	Err    error
}

// Error returns a human-readable error message.
func (e *LockError) Error() string {
	if e.Holder != nil {
		return fmt.Sprintf("%s held by PID %d (session %s, %q) since %s: %v",
			e.Path, e.Holder.PID, e.Holder.SessionID, e.Holder.Reason,
			e.Holder.LockedAt.Format("15:04:05"), e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Path, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *LockError) Unwrap() error {
	return e.Err
}
