// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package lock

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for lock operations.
var (
	// ErrLockTimeout indicates the lock could not be acquired within the
	// configured timeout. Recoverable: the caller may retry.
	ErrLockTimeout = errors.New("lock acquisition timed out")

	// ErrNotHeld indicates an attempt to release a lock not held by this manager.
	ErrNotHeld = errors.New("lock not held by this process")

	// ErrEmptyDatabase indicates an empty database name was provided.
	ErrEmptyDatabase = errors.New("database name is empty")

	// ErrClosed indicates the manager has been closed.
	ErrClosed = errors.New("lock manager is closed")
)

// LockTimeoutError provides detailed information about a lock timeout.
//
// # Description
//
// Wraps ErrLockTimeout with the database name, how long the caller
// waited, and (when readable) the current holder, allowing the caller
// to decide how to proceed (retry, back off, report).
//
// # Fields
//
//   - Database: The database whose lock timed out.
//   - Waited: How long acquisition was attempted.
//   - Holder: Information about the current lock holder. May be nil.
type LockTimeoutError struct {
	Database string
	Waited   time.Duration
	Holder   *LockInfo
}

// Error returns a human-readable error message.
func (e *LockTimeoutError) Error() string {
	if e.Holder != nil {
		return fmt.Sprintf("database %s is locked by PID %d (session %s) since %s, waited %s: %v",
			e.Database, e.Holder.PID, e.Holder.SessionID,
			e.Holder.AcquiredAt.Format("15:04:05"), e.Waited.Round(time.Millisecond), ErrLockTimeout)
	}
	return fmt.Sprintf("database %s: waited %s: %v",
		e.Database, e.Waited.Round(time.Millisecond), ErrLockTimeout)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *LockTimeoutError) Unwrap() error {
	return ErrLockTimeout
}
