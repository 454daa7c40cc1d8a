// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package synclog

import (
	"errors"
	"fmt"
	"strings"
)

// ============================================================================
// Sentinel Errors
// ============================================================================

var (
	// ErrSyncInProgress indicates a sync for the same source and target
	// set is already pending or running.
	ErrSyncInProgress = errors.New("sync already in progress")

	// ErrInvalidState indicates a transition the state machine does not
	// allow.
	ErrInvalidState = errors.New("invalid sync state transition")

	// ErrAlreadyTerminal indicates a completed entry was asked to change.
	ErrAlreadyTerminal = errors.New("sync entry already terminal")

	// ErrNotFound indicates no entry exists for the sync ID.
	ErrNotFound = errors.New("sync entry not found")

	// ErrInvalidRequest indicates malformed arguments: unknown databases,
	// empty target sets, unrecognized types, or negative deltas.
	ErrInvalidRequest = errors.New("invalid sync request")
)

// ============================================================================
// Typed Errors
// ============================================================================

// SyncInProgressError reports the active entry blocking a new sync for
// the same (source, targets) pair.
type SyncInProgressError struct {
	// Source is the requested source database.
	Source string

	// Targets is the requested target set, sorted.
	Targets []string

	// ActiveSyncID is the pending or running entry holding the pair.
	ActiveSyncID string
}

// Error returns a human-readable error message.
func (e *SyncInProgressError) Error() string {
	return fmt.Sprintf("sync from %s to [%s] already in progress as %s",
		e.Source, strings.Join(e.Targets, ", "), e.ActiveSyncID)
}

// Unwrap returns the sentinel error for errors.Is matching.
func (e *SyncInProgressError) Unwrap() error {
	return ErrSyncInProgress
}

// InvalidStateError reports an operation applied to an entry in the
// wrong state.
type InvalidStateError struct {
	// SyncID identifies the entry.
	SyncID string

	// Status is the entry's current status.
	Status Status

	// Op is the rejected operation.
	Op string
}

// Error returns a human-readable error message.
func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("sync %s is %s: cannot %s", e.SyncID, e.Status, e.Op)
}

// Unwrap returns the sentinel error for errors.Is matching.
func (e *InvalidStateError) Unwrap() error {
	return ErrInvalidState
}

// AlreadyTerminalError reports a completion attempt on an entry that
// already reached a terminal status.
type AlreadyTerminalError struct {
	// SyncID identifies the entry.
	SyncID string

	// Status is the terminal status the entry holds.
	Status Status
}

// Error returns a human-readable error message.
func (e *AlreadyTerminalError) Error() string {
	return fmt.Sprintf("sync %s already completed as %s", e.SyncID, e.Status)
}

// Unwrap returns the sentinel error for errors.Is matching.
func (e *AlreadyTerminalError) Unwrap() error {
	return ErrAlreadyTerminal
}
