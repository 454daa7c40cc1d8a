// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package sqlite backs the registry store contract with SQLite.
//
// Each database scope owns one .db file. Every logical table maps to a
// physical table "kv_<table>" with the same generic layout (key, row,
// updated_at), created on first touch. The database opens in WAL mode
// with a busy timeout so concurrent scopes on one filesystem do not
// trip over SQLITE_BUSY.
//
// SQLite is the backing of choice when rows must be inspectable with
// stock tooling; BadgerDB (the badgerdb sibling package) is the default
// for throughput.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/AleutianAI/TemplateMesh/services/registry/store"
)

// Config holds configuration for one SQLite-backed store.
type Config struct {
	// Path is the database file. Parent directories are created.
	Path string

	// BusyTimeout is how long a write waits on a locked database
	// before failing. Default: 5 seconds.
	BusyTimeout time.Duration
}

// DefaultConfig returns sensible defaults for production use.
//
// Outputs:
//
//	Config - WAL journaling with a 5-second busy timeout. Path must
//	         still be set by the caller.
func DefaultConfig() Config {
	return Config{
		BusyTimeout: 5 * time.Second,
	}
}

// Store is a SQLite-backed implementation of store.Store.
type Store struct {
	db   *sql.DB
	path string

	mu     sync.RWMutex
	closed bool

	// created caches which physical tables exist so the DDL runs once
	// per table per process.
	createMu sync.Mutex
	created  map[string]struct{}
}

var _ store.Store = (*Store)(nil)

// Open creates or opens a SQLite-backed store.
//
// Description:
//
//	Opens the database file in WAL mode, creating parent directories
//	and the physical tables for the standard logical tables.
//
// Inputs:
//
//	cfg - Store configuration. Path is required.
//
// Outputs:
//
//	*Store - The opened store. Caller must call Close() when done.
//	error - Non-nil if the path is invalid or the schema cannot be applied.
//
// Thread Safety: The returned *Store is safe for concurrent use.
func Open(cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, errors.New("path is required")
	}
	if cfg.BusyTimeout <= 0 {
		cfg.BusyTimeout = 5 * time.Second
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0750); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=%d", cfg.Path, cfg.BusyTimeout.Milliseconds())
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	st := &Store{
		db:      db,
		path:    cfg.Path,
		created: make(map[string]struct{}),
	}

	for _, table := range store.Tables() {
		if err := st.ensureTable(context.Background(), table); err != nil {
			db.Close()
			return nil, fmt.Errorf("initialize schema: %w", err)
		}
	}

	return st, nil
}

// OpenWithPath is a convenience function for opening a store at a path.
func OpenWithPath(path string) (*Store, error) {
	cfg := DefaultConfig()
	cfg.Path = path
	return Open(cfg)
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// physicalTable maps a logical table to its physical name. The table
// name has already passed store.ValidateTable, so interpolating it into
// DDL and queries is safe.
func physicalTable(table string) string {
	return "kv_" + table
}

// ensureTable creates the physical table on first touch.
func (s *Store) ensureTable(ctx context.Context, table string) error {
	s.createMu.Lock()
	defer s.createMu.Unlock()

	if _, ok := s.created[table]; ok {
		return nil
	}

	ddl := fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS %s (
		key TEXT PRIMARY KEY,
		row BLOB NOT NULL,
		updated_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_%s_updated ON %s(updated_at);
	`, physicalTable(table), physicalTable(table), physicalTable(table))

	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("create table %s: %w", physicalTable(table), err)
	}
	s.created[table] = struct{}{}
	return nil
}

// Get returns the row stored under (table, key).
//
// Description:
//
//	Reads the row with a point query and returns a copy owned by the
//	caller.
//
// Outputs:
//
//	store.Row - The stored row.
//	error - store.ErrKeyNotFound if no row exists, store.ErrClosed after
//	        Close, or a driver error.
//
// Thread Safety: Safe for concurrent use.
func (s *Store) Get(ctx context.Context, table, key string) (store.Row, error) {
	if err := store.ValidateRef(table, key); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, store.ErrClosed
	}
	if err := s.ensureTable(ctx, table); err != nil {
		return nil, err
	}

	var row store.Row
	query := fmt.Sprintf(`SELECT row FROM %s WHERE key = ?`, physicalTable(table))
	err := s.db.QueryRowContext(ctx, query, key).Scan(&row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrKeyNotFound
		}
		return nil, fmt.Errorf("get %s/%s: %w", table, key, err)
	}
	return row, nil
}

// Put inserts or replaces the row under (table, key).
//
// Description:
//
//	Upserts the row with ON CONFLICT DO UPDATE, stamping updated_at.
//
// Outputs:
//
//	error - store.ErrClosed after Close, or a driver error.
//
// Thread Safety: Safe for concurrent use. Concurrent writers serialize
// on SQLite's write lock, bounded by the configured busy timeout.
func (s *Store) Put(ctx context.Context, table, key string, row store.Row) error {
	if err := store.ValidateRef(table, key); err != nil {
		return err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return store.ErrClosed
	}
	if err := s.ensureTable(ctx, table); err != nil {
		return err
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (key, row, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			row = excluded.row,
			updated_at = excluded.updated_at
	`, physicalTable(table))

	if _, err := s.db.ExecContext(ctx, query, key, []byte(row), time.Now().UTC()); err != nil {
		return fmt.Errorf("put %s/%s: %w", table, key, err)
	}
	return nil
}

// Scan calls fn for each row in the table in ascending key order.
//
// Description:
//
//	Streams rows ordered by key. The context is honored both by the
//	driver and between rows, so large tables stay cancellable.
//
// Outputs:
//
//	error - store.ErrClosed after Close, the callback's error, or a
//	        driver error.
//
// Thread Safety: Safe for concurrent use. WAL mode means the scan reads
// a consistent snapshot and never blocks writers.
func (s *Store) Scan(ctx context.Context, table string, fn store.ScanFunc) error {
	if err := store.ValidateTable(table); err != nil {
		return err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return store.ErrClosed
	}
	if err := s.ensureTable(ctx, table); err != nil {
		return err
	}

	query := fmt.Sprintf(`SELECT key, row FROM %s ORDER BY key`, physicalTable(table))
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return fmt.Errorf("scan %s: %w", table, err)
	}
	defer rows.Close()

	for rows.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		var key string
		var row store.Row
		if err := rows.Scan(&key, &row); err != nil {
			return fmt.Errorf("scan %s: %w", table, err)
		}
		cont, err := fn(key, row)
		if err != nil {
			return err
		}
		if !cont {
			return nil
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("scan %s: %w", table, err)
	}
	return nil
}

// Close closes the database connection.
//
// Description:
//
//	Safe to call multiple times; subsequent calls return store.ErrClosed
//	without touching the connection again.
//
// Thread Safety: Safe for concurrent use.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return store.ErrClosed
	}
	s.closed = true
	return s.db.Close()
}
