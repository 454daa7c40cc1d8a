// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package synclog records and gates synchronization passes between
// database scopes.
//
// # Description
//
// Every sync pass is one Entry moving through a fixed state machine:
//
//	PENDING -> RUNNING -> {SUCCESS | FAILED | ROLLED_BACK}
//
// No transition skips RUNNING, and terminal entries never change again.
// Retries append a fresh entry pointing at the failed one through
// RetryOf instead of reviving it.
//
// Begin is the concurrency gate: at most one entry per (source, target
// set) pair may be pending or running, so sync passes over the same
// pair are serialized. It is the only operation in the registry that
// holds more than one database lock at a time, and it acquires them in
// lexicographic name order so two syncs in opposite directions cannot
// deadlock each other.
//
// Entries live in the sync_log table of the source database's scope.
//
// # Thread Safety
//
// All methods are safe for concurrent use. State transitions take the
// owning scope's lock for the duration of the call.
package synclog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/TemplateMesh/services/registry/lock"
	"github.com/AleutianAI/TemplateMesh/services/registry/store"
)

// keyTimeLayout is fixed-width so lexicographic key order matches
// chronological order.
const keyTimeLayout = "20060102150405.000000000"

// prefixID holds the sync-ID lookup rows. Entry keys start with a
// digit, so every entry sorts before the first id/ row.
const prefixID = "id/"

// ============================================================================
// Types
// ============================================================================

// SyncType classifies the direction of a sync pass.
type SyncType string

const (
	// TypePush copies entities from the source into the targets.
	TypePush SyncType = "push"

	// TypePull copies entities from the targets into the source.
	TypePull SyncType = "pull"

	// TypeBidirectional reconciles both directions in one pass.
	TypeBidirectional SyncType = "bidirectional"
)

// Valid reports whether the sync type is recognized.
func (t SyncType) Valid() bool {
	switch t {
	case TypePush, TypePull, TypeBidirectional:
		return true
	default:
		return false
	}
}

// Status is a sync entry's position in the state machine.
type Status string

const (
	// StatusPending means the entry is created but the pass has not
	// started.
	StatusPending Status = "PENDING"

	// StatusRunning means the pass is underway.
	StatusRunning Status = "RUNNING"

	// StatusSuccess means the pass finished cleanly.
	StatusSuccess Status = "SUCCESS"

	// StatusFailed means the pass aborted with an error.
	StatusFailed Status = "FAILED"

	// StatusRolledBack means the pass was undone after partial work.
	StatusRolledBack Status = "ROLLED_BACK"
)

// Valid reports whether the status is recognized.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusSuccess, StatusFailed, StatusRolledBack:
		return true
	default:
		return false
	}
}

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	switch s {
	case StatusSuccess, StatusFailed, StatusRolledBack:
		return true
	default:
		return false
	}
}

// Entry is one recorded sync pass.
type Entry struct {
	// SyncID uniquely identifies the pass.
	SyncID string `json:"sync_id"`

	// SourceDatabase is the scope driving the pass. The entry is
	// stored there.
	SourceDatabase string `json:"source_database"`

	// TargetDatabases is the sorted set of scopes being reconciled.
	TargetDatabases []string `json:"target_databases"`

	// SyncType is the pass direction.
	SyncType SyncType `json:"sync_type"`

	// Operation is a free-text label for what drove the pass.
	Operation string `json:"operation,omitempty"`

	// ItemsSynchronized counts entities written so far. Monotonic.
	ItemsSynchronized uint64 `json:"items_synchronized"`

	// ConflictsResolved counts conflicts settled so far. Monotonic.
	ConflictsResolved uint64 `json:"conflicts_resolved"`

	// StartedAt is when the entry was created.
	StartedAt time.Time `json:"started_at"`

	// CompletedAt is when the entry reached a terminal status.
	CompletedAt time.Time `json:"completed_at,omitempty"`

	// Status is the entry's state machine position.
	Status Status `json:"status"`

	// ErrorDetails describes the failure for FAILED and ROLLED_BACK.
	ErrorDetails string `json:"error_details,omitempty"`

	// RetryOf is the failed entry this pass retries, when set.
	RetryOf string `json:"retry_of,omitempty"`
}

// Pair returns the (source, targets) identity the in-flight gate
// serializes on.
func (e Entry) Pair() string {
	return e.SourceDatabase + " -> " + strings.Join(e.TargetDatabases, ",")
}

// Filter narrows List results. Zero fields match everything.
type Filter struct {
	// Source limits results to one scope's entries.
	Source string

	// Status matches entries in one state.
	Status Status

	// SyncType matches one pass direction.
	SyncType SyncType

	// Since excludes entries started before this time.
	Since time.Time

	// Limit caps the result count. Zero means no cap.
	Limit int
}

func (f Filter) matches(e Entry) bool {
	if f.Source != "" && e.SourceDatabase != f.Source {
		return false
	}
	if f.Status != "" && e.Status != f.Status {
		return false
	}
	if f.SyncType != "" && e.SyncType != f.SyncType {
		return false
	}
	if !f.Since.IsZero() && e.StartedAt.Before(f.Since) {
		return false
	}
	return true
}

// ============================================================================
// Log
// ============================================================================

// Config carries the Log's dependencies.
type Config struct {
	// Stores maps database names to their storage handles.
	Stores store.Stores

	// Locks coordinates exclusive access across processes.
	Locks *lock.Manager

	// Logger receives structured logs. Defaults to slog.Default().
	Logger *slog.Logger
}

// Log gates and records sync passes.
//
// # Description
//
// The Log enforces the sync state machine over entries in each scope's
// sync_log table. Begin acquires the source and every target lock in
// lexicographic order, checks the in-flight gate, writes a PENDING
// entry, and releases the locks; later transitions lock only the
// entry's source scope.
//
// # Example
//
//	syncID, err := log.Begin(ctx, "production", []string{"analytics_collector"},
//		synclog.TypePush, "nightly reconcile")
//	if err != nil { ... }
//	if err := log.Start(ctx, syncID); err != nil { ... }
//	_ = log.RecordProgress(ctx, syncID, 12, 1)
//	_ = log.Complete(ctx, syncID, synclog.StatusSuccess, "")
type Log struct {
	stores store.Stores
	locks  *lock.Manager
	logger *slog.Logger
}

// New creates a sync log over the given scopes.
//
// # Inputs
//
//   - cfg: dependencies. Stores and Locks are required.
//
// # Outputs
//
//   - *Log: the ready log.
//   - error: non-nil when a required dependency is missing.
func New(cfg Config) (*Log, error) {
	if len(cfg.Stores) == 0 {
		return nil, errors.New("synclog: at least one store is required")
	}
	if cfg.Locks == nil {
		return nil, errors.New("synclog: lock manager is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Log{stores: cfg.Stores, locks: cfg.Locks, logger: cfg.Logger}, nil
}

// ============================================================================
// Begin
// ============================================================================

// Begin opens a new sync pass as a PENDING entry.
//
// # Description
//
// Begin locks the source and all targets in lexicographic name order,
// verifies no PENDING or RUNNING entry exists for the same (source,
// sorted targets) pair, writes the entry, and releases every lock
// before returning. SyncInProgressError identifies the active entry
// when the gate is closed; callers retry with backoff once it
// completes.
//
// # Inputs
//
//   - ctx: cancellation and lock-wait deadline.
//   - source: the driving scope. Must be a known database.
//   - targets: scopes to reconcile. Deduplicated and sorted; must be
//     non-empty, known, and must not include the source.
//   - syncType: push, pull, or bidirectional.
//   - operation: free-text label stored on the entry.
//
// # Outputs
//
//   - string: the new entry's SyncID.
//   - error: ErrInvalidRequest, SyncInProgressError, or a lock or
//     storage failure.
func (l *Log) Begin(ctx context.Context, source string, targets []string, syncType SyncType, operation string) (string, error) {
	return l.begin(ctx, source, targets, syncType, operation, "")
}

// BeginRetry opens a new sync pass retrying a failed one.
//
// The original entry stays untouched; the new entry copies its source,
// targets, and sync type, and records the original's ID as RetryOf.
// Only FAILED and ROLLED_BACK entries can be retried. An empty
// operation inherits the original's label.
func (l *Log) BeginRetry(ctx context.Context, failedSyncID, operation string) (string, error) {
	prior, err := l.Get(ctx, failedSyncID)
	if err != nil {
		return "", err
	}
	switch prior.Status {
	case StatusFailed, StatusRolledBack:
	default:
		return "", &InvalidStateError{SyncID: prior.SyncID, Status: prior.Status, Op: "retry"}
	}
	if operation == "" {
		operation = prior.Operation
	}
	return l.begin(ctx, prior.SourceDatabase, prior.TargetDatabases, prior.SyncType, operation, prior.SyncID)
}

func (l *Log) begin(ctx context.Context, source string, targets []string, syncType SyncType, operation, retryOf string) (string, error) {
	targets, err := l.normalizeTargets(source, targets)
	if err != nil {
		return "", err
	}
	if !syncType.Valid() {
		return "", fmt.Errorf("sync type %q: %w", syncType, ErrInvalidRequest)
	}
	st, ok := l.stores.For(source)
	if !ok {
		return "", fmt.Errorf("unknown database %q: %w", source, ErrInvalidRequest)
	}

	names := append([]string{source}, targets...)
	if err := l.locks.AcquireAll(ctx, names, "begin_sync"); err != nil {
		return "", err
	}
	defer l.releaseAll(names)

	if activeID, err := l.activeEntry(ctx, st, source, targets); err != nil {
		return "", err
	} else if activeID != "" {
		return "", &SyncInProgressError{Source: source, Targets: targets, ActiveSyncID: activeID}
	}

	entry := Entry{
		SyncID:          uuid.NewString(),
		SourceDatabase:  source,
		TargetDatabases: targets,
		SyncType:        syncType,
		Operation:       operation,
		StartedAt:       time.Now().UTC(),
		Status:          StatusPending,
		RetryOf:         retryOf,
	}
	if err := l.putEntry(ctx, st, entryKey(entry), entry); err != nil {
		return "", err
	}

	l.logger.Debug("Opened sync pass",
		"sync_id", entry.SyncID,
		"pair", entry.Pair(),
		"sync_type", syncType,
		"retry_of", retryOf)
	return entry.SyncID, nil
}

// normalizeTargets validates, deduplicates, and sorts the target set.
func (l *Log) normalizeTargets(source string, targets []string) ([]string, error) {
	if strings.TrimSpace(source) == "" {
		return nil, fmt.Errorf("source database is required: %w", ErrInvalidRequest)
	}
	if len(targets) == 0 {
		return nil, fmt.Errorf("at least one target database is required: %w", ErrInvalidRequest)
	}

	seen := make(map[string]bool, len(targets))
	out := make([]string, 0, len(targets))
	for _, target := range targets {
		if target == source {
			return nil, fmt.Errorf("target %q is the source: %w", target, ErrInvalidRequest)
		}
		if _, ok := l.stores.For(target); !ok {
			return nil, fmt.Errorf("unknown database %q: %w", target, ErrInvalidRequest)
		}
		if !seen[target] {
			seen[target] = true
			out = append(out, target)
		}
	}
	sort.Strings(out)
	return out, nil
}

// activeEntry returns the SyncID of a pending or running entry for the
// exact (source, targets) pair, or "" when the gate is open.
func (l *Log) activeEntry(ctx context.Context, st store.Store, source string, targets []string) (string, error) {
	var activeID string
	err := st.Scan(ctx, store.TableSyncLog, func(key string, row store.Row) (bool, error) {
		if strings.HasPrefix(key, prefixID) {
			return false, nil
		}
		var e Entry
		if err := json.Unmarshal(row, &e); err != nil {
			return false, fmt.Errorf("decode sync entry %s: %w", key, err)
		}
		if e.Status.Terminal() || e.SourceDatabase != source {
			return true, nil
		}
		if slices.Equal(e.TargetDatabases, targets) {
			activeID = e.SyncID
			return false, nil
		}
		return true, nil
	})
	if err != nil {
		return "", err
	}
	return activeID, nil
}

// releaseAll releases the locks AcquireAll took, in reverse order.
func (l *Log) releaseAll(names []string) {
	sorted := append([]string(nil), names...)
	sort.Strings(sorted)
	for i := len(sorted) - 1; i >= 0; i-- {
		l.locks.Release(sorted[i])
	}
}

// ============================================================================
// Transitions
// ============================================================================

// Start moves a PENDING entry to RUNNING.
func (l *Log) Start(ctx context.Context, syncID string) error {
	return l.transition(ctx, syncID, "sync_start", func(e *Entry) error {
		if e.Status != StatusPending {
			return &InvalidStateError{SyncID: e.SyncID, Status: e.Status, Op: "start"}
		}
		e.Status = StatusRunning
		return nil
	})
}

// RecordProgress adds to a RUNNING entry's counters.
//
// Counters only grow. Negative deltas are rejected, and entries that
// are not RUNNING cannot take progress.
func (l *Log) RecordProgress(ctx context.Context, syncID string, itemsDelta, conflictsDelta int) error {
	if itemsDelta < 0 || conflictsDelta < 0 {
		return fmt.Errorf("progress deltas must be non-negative (%d, %d): %w",
			itemsDelta, conflictsDelta, ErrInvalidRequest)
	}
	return l.transition(ctx, syncID, "sync_progress", func(e *Entry) error {
		if e.Status != StatusRunning {
			return &InvalidStateError{SyncID: e.SyncID, Status: e.Status, Op: "record progress"}
		}
		e.ItemsSynchronized += uint64(itemsDelta)
		e.ConflictsResolved += uint64(conflictsDelta)
		return nil
	})
}

// Complete moves a RUNNING entry to a terminal status, exactly once.
//
// # Description
//
// The status must be SUCCESS, FAILED, or ROLLED_BACK. A PENDING entry
// cannot complete (no transition skips RUNNING) and a terminal entry
// rejects every further completion with AlreadyTerminalError.
//
// # Inputs
//
//   - ctx: cancellation and lock-wait deadline.
//   - syncID: the entry to complete.
//   - status: the terminal status to record.
//   - errorDetails: failure description, stored for FAILED and
//     ROLLED_BACK passes.
//
// # Outputs
//
//   - error: ErrNotFound, ErrInvalidRequest, InvalidStateError,
//     AlreadyTerminalError, or a lock or storage failure.
func (l *Log) Complete(ctx context.Context, syncID string, status Status, errorDetails string) error {
	if !status.Terminal() {
		return fmt.Errorf("completion status %q is not terminal: %w", status, ErrInvalidRequest)
	}
	return l.transition(ctx, syncID, "sync_complete", func(e *Entry) error {
		if e.Status.Terminal() {
			return &AlreadyTerminalError{SyncID: e.SyncID, Status: e.Status}
		}
		if e.Status != StatusRunning {
			return &InvalidStateError{SyncID: e.SyncID, Status: e.Status, Op: "complete"}
		}
		e.Status = status
		e.ErrorDetails = errorDetails
		e.CompletedAt = time.Now().UTC()
		return nil
	})
}

// transition applies fn to the entry under its source scope's lock and
// persists the result. fn returning an error leaves the entry as it
// was.
func (l *Log) transition(ctx context.Context, syncID, reason string, fn func(*Entry) error) error {
	scope, key, err := l.locate(ctx, syncID)
	if err != nil {
		return err
	}
	st, _ := l.stores.For(scope)

	if err := l.locks.Acquire(ctx, scope, reason); err != nil {
		return err
	}
	defer l.locks.Release(scope)

	entry, err := l.getEntry(ctx, st, key)
	if err != nil {
		return err
	}
	before := entry.Status
	if err := fn(&entry); err != nil {
		return err
	}
	if err := l.putEntry(ctx, st, key, entry); err != nil {
		return err
	}

	l.logger.Debug("Sync entry transitioned",
		"sync_id", syncID,
		"from", before,
		"to", entry.Status,
		"items", entry.ItemsSynchronized,
		"conflicts", entry.ConflictsResolved)
	return nil
}

// ============================================================================
// Reads
// ============================================================================

// Get returns the entry for a sync ID, searching every scope.
func (l *Log) Get(ctx context.Context, syncID string) (Entry, error) {
	scope, key, err := l.locate(ctx, syncID)
	if err != nil {
		return Entry{}, err
	}
	st, _ := l.stores.For(scope)
	return l.getEntry(ctx, st, key)
}

// List returns entries matching the filter, oldest first.
func (l *Log) List(ctx context.Context, f Filter) ([]Entry, error) {
	scopes := l.stores.Names()
	if f.Source != "" {
		if _, ok := l.stores.For(f.Source); !ok {
			return nil, fmt.Errorf("unknown database %q: %w", f.Source, ErrInvalidRequest)
		}
		scopes = []string{f.Source}
	}
	sort.Strings(scopes)

	var entries []Entry
	for _, scope := range scopes {
		st, _ := l.stores.For(scope)
		err := st.Scan(ctx, store.TableSyncLog, func(key string, row store.Row) (bool, error) {
			if strings.HasPrefix(key, prefixID) {
				return false, nil
			}
			var e Entry
			if err := json.Unmarshal(row, &e); err != nil {
				return false, fmt.Errorf("decode sync entry %s: %w", key, err)
			}
			if f.matches(e) {
				entries = append(entries, e)
			}
			return true, nil
		})
		if err != nil {
			return nil, err
		}
	}

	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].StartedAt.Equal(entries[j].StartedAt) {
			return entries[i].StartedAt.Before(entries[j].StartedAt)
		}
		return entries[i].SyncID < entries[j].SyncID
	})
	if f.Limit > 0 && len(entries) > f.Limit {
		entries = entries[:f.Limit]
	}
	return entries, nil
}

// ============================================================================
// Row plumbing
// ============================================================================

// entryKey is the entry's primary key: started time then sync ID, so
// scans come back chronological.
func entryKey(e Entry) string {
	return e.StartedAt.UTC().Format(keyTimeLayout) + "@" + e.SyncID
}

// locate finds the scope and primary key holding a sync ID.
func (l *Log) locate(ctx context.Context, syncID string) (scope, key string, err error) {
	names := l.stores.Names()
	sort.Strings(names)

	var firstErr error
	for _, name := range names {
		st, _ := l.stores.For(name)
		row, err := st.Get(ctx, store.TableSyncLog, prefixID+syncID)
		if errors.Is(err, store.ErrKeyNotFound) {
			continue
		}
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		var key string
		if err := json.Unmarshal(row, &key); err != nil {
			return "", "", fmt.Errorf("decode sync id row for %s: %w", syncID, err)
		}
		return name, key, nil
	}
	if firstErr != nil {
		return "", "", firstErr
	}
	return "", "", fmt.Errorf("sync %s: %w", syncID, ErrNotFound)
}

func (l *Log) getEntry(ctx context.Context, st store.Store, key string) (Entry, error) {
	row, err := st.Get(ctx, store.TableSyncLog, key)
	if errors.Is(err, store.ErrKeyNotFound) {
		return Entry{}, fmt.Errorf("sync row %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return Entry{}, err
	}
	var e Entry
	if err := json.Unmarshal(row, &e); err != nil {
		return Entry{}, fmt.Errorf("decode sync entry %s: %w", key, err)
	}
	return e, nil
}

func (l *Log) putEntry(ctx context.Context, st store.Store, key string, e Entry) error {
	row, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode sync entry %s: %w", e.SyncID, err)
	}
	if err := st.Put(ctx, store.TableSyncLog, key, row); err != nil {
		return err
	}
	idRow, err := json.Marshal(key)
	if err != nil {
		return fmt.Errorf("encode sync id row %s: %w", e.SyncID, err)
	}
	return st.Put(ctx, store.TableSyncLog, prefixID+e.SyncID, idRow)
}
