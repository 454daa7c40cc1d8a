// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package store defines the row-store interface each database scope
// exposes to the registry.
//
// # Ownership Model
//
// A Store is the storage handle for exactly one database scope. The
// registry never resolves storage paths itself; every component receives
// its Store (or a Stores map for cross-database work) through its
// constructor. Rows are opaque JSON; nothing above this interface speaks
// SQL or engine-specific key encodings.
//
// # Table Model
//
// Each scope persists four logical tables: entities, references,
// sync_log, and adaptation_audit. Backings are free to map these onto
// whatever physical layout suits the engine (key prefixes for Badger,
// one generic table per logical table for SQLite).
//
// # Thread Safety
//
// Implementations must be safe for concurrent use. Scan iterates a
// snapshot: rows written after the scan begins may or may not be
// observed, and readers never block writers.
package store

import (
	"context"
	"regexp"
	"sort"
)

// Logical table names persisted by every database scope.
const (
	TableEntities        = "entities"
	TableReferences      = "references"
	TableSyncLog         = "sync_log"
	TableAdaptationAudit = "adaptation_audit"
)

// Tables lists the logical tables in a stable order.
func Tables() []string {
	return []string{TableEntities, TableReferences, TableSyncLog, TableAdaptationAudit}
}

// Row is one JSON-encoded record.
type Row []byte

// ScanFunc receives rows during a Scan in ascending key order.
//
// Return false to stop the scan early. A non-nil error aborts the scan
// and is returned from Scan unchanged.
type ScanFunc func(key string, row Row) (bool, error)

// Store is the three-primitive row store backing one database scope.
//
// # Description
//
// Get fetches a single row, Put inserts or replaces one, Scan iterates
// a table in ascending key order. These three primitives are the entire
// storage contract; uniqueness checks, indexes, and cross-table
// invariants are the registry's job.
//
// # Example
//
//	row, err := st.Get(ctx, store.TableEntities, key)
//	if errors.Is(err, store.ErrKeyNotFound) {
//	    // first registration of this key
//	}
type Store interface {
	// Get returns the row stored under (table, key).
	//
	// Returns ErrKeyNotFound if no row exists, ErrClosed after Close.
	Get(ctx context.Context, table, key string) (Row, error)

	// Put inserts or replaces the row under (table, key).
	Put(ctx context.Context, table, key string, row Row) error

	// Scan calls fn for each row in the table in ascending key order.
	Scan(ctx context.Context, table string, fn ScanFunc) error

	// Close releases the backing resources. Further calls return ErrClosed.
	Close() error
}

// Stores maps database names to their storage handles.
//
// Cross-database components (the reference ledger, the syncer) receive a
// Stores map instead of a single handle. A missing name means that scope
// is unreachable from this process; callers surface that as a stale
// endpoint, never a panic.
type Stores map[string]Store

// For returns the handle for a database scope.
func (s Stores) For(database string) (Store, bool) {
	st, ok := s[database]
	return st, ok
}

// Names returns the database names in lexicographic order.
func (s Stores) Names() []string {
	names := make([]string, 0, len(s))
	for name := range s {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// CloseAll closes every handle, returning the first error.
func (s Stores) CloseAll() error {
	var first error
	for _, st := range s {
		if err := st.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

var tableNameRE = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// ValidateTable checks that a table name is a lowercase identifier.
//
// Backings embed table names in key prefixes and DDL, so anything outside
// [a-z][a-z0-9_]* is rejected before it reaches an engine.
func ValidateTable(table string) error {
	if table == "" {
		return ErrEmptyTable
	}
	if !tableNameRE.MatchString(table) {
		return ErrInvalidTable
	}
	return nil
}

// ValidateRef checks that a (table, key) pair names a storable row.
//
// Backings call this before touching their engine so every implementation
// rejects malformed coordinates with the same sentinels.
func ValidateRef(table, key string) error {
	if err := ValidateTable(table); err != nil {
		return err
	}
	if key == "" {
		return ErrEmptyKey
	}
	return nil
}
