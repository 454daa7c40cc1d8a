// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package badgerdb backs the registry store contract with BadgerDB.
//
// Each database scope owns one BadgerDB directory. Tables are flattened
// into the key space as "<table>/<key>", so a table scan is a prefix
// iteration and cross-table keys never collide (table names contain no
// slash, see store.Tables).
//
// BadgerDB gives the registry low-latency embedded storage without a
// server process, which matters because a single deployment opens one
// store per database scope.
//
// License: BadgerDB is Apache 2.0 licensed (github.com/dgraph-io/badger).
// This package follows Apache 2.0 guidelines for attribution and usage.
package badgerdb

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/TemplateMesh/services/registry/store"
)

// Config holds configuration for one BadgerDB-backed store.
type Config struct {
	// Path is the directory for BadgerDB files.
	// Required for persistent databases.
	// Ignored when InMemory is true.
	Path string

	// InMemory enables in-memory mode (no disk persistence).
	// Useful for testing.
	InMemory bool

	// SyncWrites enables synchronous writes for durability.
	// Default: true for production, false for testing.
	SyncWrites bool

	// Logger is the logger for BadgerDB operations.
	// If nil, BadgerDB's internal logging is disabled.
	Logger *slog.Logger

	// NumVersionsToKeep is the number of versions to keep per key.
	// Default: 1 (rows are replace-on-write, no version history).
	NumVersionsToKeep int

	// GCInterval is how often to run value log garbage collection.
	// Default: 5 minutes. Set to 0 to disable.
	GCInterval time.Duration

	// GCDiscardRatio is the minimum ratio of discardable data before GC.
	// Default: 0.5 (GC when 50% of value log is garbage).
	GCDiscardRatio float64
}

// DefaultConfig returns sensible defaults for production use.
//
// Description:
//
//	Returns a Config with:
//	- SyncWrites enabled for durability
//	- Single version retention
//	- 5-minute GC interval
//	- 50% discard ratio threshold
//
// Outputs:
//
//	Config - Ready-to-use production configuration
func DefaultConfig() Config {
	return Config{
		SyncWrites:        true,
		NumVersionsToKeep: 1,
		GCInterval:        5 * time.Minute,
		GCDiscardRatio:    0.5,
	}
}

// InMemoryConfig returns configuration optimized for testing.
//
// Description:
//
//	Returns a Config with:
//	- InMemory mode enabled (no disk I/O)
//	- SyncWrites disabled (faster tests)
//	- GC disabled
//
// Outputs:
//
//	Config - Ready-to-use test configuration
func InMemoryConfig() Config {
	return Config{
		InMemory:          true,
		SyncWrites:        false,
		NumVersionsToKeep: 1,
		GCInterval:        0, // disabled
	}
}

// badgerLogger adapts slog.Logger to BadgerDB's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// Store is a BadgerDB-backed implementation of store.Store.
type Store struct {
	db       *badger.DB
	gcRunner *GCRunner
	path     string
	inMemory bool

	mu     sync.RWMutex
	closed bool
}

var _ store.Store = (*Store)(nil)

// Open opens a BadgerDB-backed store with full lifecycle management.
//
// Description:
//
//	Opens a BadgerDB database at the configured path, or in memory if
//	InMemory is true. Creates the directory if it doesn't exist, and
//	starts a GC runner if GCInterval is configured.
//
// Inputs:
//
//	cfg - Database configuration. Path is required unless InMemory is true.
//
// Outputs:
//
//	*Store - The opened store. Caller must call Close() when done.
//	error - Non-nil if path is invalid or database cannot be opened.
//
// Thread Safety: The returned *Store is safe for concurrent use.
func Open(cfg Config) (*Store, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for persistent database")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		// Ensure directory exists
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create database directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}

	// Apply configuration
	opts = opts.WithSyncWrites(cfg.SyncWrites)
	opts = opts.WithNumVersionsToKeep(cfg.NumVersionsToKeep)

	// Configure logging
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil) // Disable BadgerDB's internal logging
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}

	st := &Store{
		db:       db,
		path:     cfg.Path,
		inMemory: cfg.InMemory,
	}

	// Start GC runner if configured
	if cfg.GCInterval > 0 && !cfg.InMemory {
		runner, err := NewGCRunner(db, cfg.GCInterval, cfg.GCDiscardRatio, cfg.Logger)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("create GC runner: %w", err)
		}
		st.gcRunner = runner
		runner.Start()
	}

	return st, nil
}

// OpenWithPath is a convenience function for opening a store at a path.
//
// Description:
//
//	Opens a persistent store with production defaults at the given path.
//
// Inputs:
//
//	path - Directory for database files. Created if it doesn't exist.
//
// Outputs:
//
//	*Store - The opened store. Caller must call Close() when done.
//	error - Non-nil if path is invalid or database cannot be opened.
//
// Thread Safety: The returned *Store is safe for concurrent use.
func OpenWithPath(path string) (*Store, error) {
	cfg := DefaultConfig()
	cfg.Path = path
	return Open(cfg)
}

// OpenInMemory is a convenience function for opening an in-memory store.
//
// Description:
//
//	Opens an in-memory store for testing. Data is lost when closed.
//
// Outputs:
//
//	*Store - The opened store. Caller must call Close() when done.
//	error - Non-nil if database cannot be opened (unlikely for in-memory).
//
// Thread Safety: The returned *Store is safe for concurrent use.
func OpenInMemory() (*Store, error) {
	return Open(InMemoryConfig())
}

// rowKey flattens a (table, key) reference into the BadgerDB key space.
func rowKey(table, key string) []byte {
	return []byte(table + "/" + key)
}

// tablePrefix returns the iteration prefix covering one table.
func tablePrefix(table string) []byte {
	return []byte(table + "/")
}

// Get returns the row stored under (table, key).
//
// Description:
//
//	Reads the row in a read-only transaction and returns a copy owned
//	by the caller.
//
// Inputs:
//
//	ctx - Context for cancellation.
//	table - Table name. Must be non-empty.
//	key - Row key. Must be non-empty.
//
// Outputs:
//
//	store.Row - Copy of the stored row.
//	error - store.ErrKeyNotFound if no row exists, store.ErrClosed after
//	        Close, or a BadgerDB error.
//
// Thread Safety: Safe for concurrent use.
func (s *Store) Get(ctx context.Context, table, key string) (store.Row, error) {
	if err := store.ValidateRef(table, key); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, store.ErrClosed
	}

	var row store.Row
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(rowKey(table, key))
		if err != nil {
			return err
		}
		row, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
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
//	Writes the row in its own transaction. The row is copied by BadgerDB
//	before the call returns, so the caller may reuse the slice.
//
// Inputs:
//
//	ctx - Context for cancellation.
//	table - Table name. Must be non-empty.
//	key - Row key. Must be non-empty.
//	row - Row contents. May be empty but not nil-significant.
//
// Outputs:
//
//	error - store.ErrClosed after Close, or a BadgerDB error.
//
// Thread Safety: Safe for concurrent use.
func (s *Store) Put(ctx context.Context, table, key string, row store.Row) error {
	if err := store.ValidateRef(table, key); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return store.ErrClosed
	}

	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(rowKey(table, key), row)
	})
	if err != nil {
		return fmt.Errorf("put %s/%s: %w", table, key, err)
	}
	return nil
}

// Scan calls fn for each row in the table in ascending key order.
//
// Description:
//
//	Iterates the table prefix in a read-only transaction. BadgerDB
//	iterates keys in byte order, which for the registry's UTF-8 keys is
//	the required lexicographic order. The context is checked between
//	rows so large tables stay cancellable.
//
// Inputs:
//
//	ctx - Context for cancellation.
//	table - Table name. Must be non-empty.
//	fn - Callback receiving the bare key (prefix stripped) and a copy of
//	     the row. Returning false stops the scan without error.
//
// Outputs:
//
//	error - store.ErrClosed after Close, the callback's error, or a
//	        BadgerDB error.
//
// Thread Safety: Safe for concurrent use. The scan observes a snapshot;
// concurrent writers are never blocked.
func (s *Store) Scan(ctx context.Context, table string, fn store.ScanFunc) error {
	if err := store.ValidateTable(table); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return store.ErrClosed
	}

	prefix := tablePrefix(table)
	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := it.Item()
			key := string(item.Key()[len(prefix):])
			row, err := item.ValueCopy(nil)
			if err != nil {
				return fmt.Errorf("scan %s at %s: %w", table, key, err)
			}
			cont, err := fn(key, row)
			if err != nil {
				return err
			}
			if !cont {
				return nil
			}
		}
		return nil
	})
}

// Close stops the GC runner and closes the database.
//
// Description:
//
//	Safe to call multiple times; subsequent calls return store.ErrClosed
//	without touching the database again.
//
// Outputs:
//
//	error - Non-nil if database close fails.
//
// Thread Safety: Safe for concurrent use.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return store.ErrClosed
	}
	s.closed = true

	if s.gcRunner != nil {
		s.gcRunner.Stop()
	}
	return s.db.Close()
}

// Path returns the database path, or empty string for in-memory stores.
func (s *Store) Path() string {
	return s.path
}

// InMemory returns true if this is an in-memory store.
func (s *Store) InMemory() bool {
	return s.inMemory
}

// Sync flushes pending writes to disk.
//
// Description:
//
//	For in-memory stores, this is a no-op.
//	For persistent stores, forces a sync to disk.
//
// Outputs:
//
//	error - Non-nil if sync fails.
//
// Thread Safety: Safe for concurrent use.
func (s *Store) Sync() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return store.ErrClosed
	}
	if s.inMemory {
		return nil
	}
	return s.db.Sync()
}

// GCRunner runs periodic garbage collection on a BadgerDB instance.
type GCRunner struct {
	db       *badger.DB
	interval time.Duration
	ratio    float64
	stopCh   chan struct{}
	doneCh   chan struct{}
	logger   *slog.Logger
}

// NewGCRunner creates a garbage collection runner.
//
// Description:
//
//	Creates a runner that periodically triggers BadgerDB value log GC.
//	Call Start() to begin GC and Stop() to halt it.
//
// Inputs:
//
//	db - The BadgerDB instance. Must not be nil.
//	interval - How often to run GC. Must be positive.
//	ratio - Minimum garbage ratio to trigger GC (0.0-1.0).
//	logger - Optional logger for GC events.
//
// Outputs:
//
//	*GCRunner - The runner. Not started until Start() is called.
//	error - Non-nil if inputs are invalid.
//
// Thread Safety: Safe for concurrent use after creation.
func NewGCRunner(db *badger.DB, interval time.Duration, ratio float64, logger *slog.Logger) (*GCRunner, error) {
	if db == nil {
		return nil, errors.New("db must not be nil")
	}
	if interval <= 0 {
		return nil, errors.New("interval must be positive")
	}
	if ratio < 0 || ratio > 1 {
		return nil, errors.New("ratio must be between 0 and 1")
	}

	return &GCRunner{
		db:       db,
		interval: interval,
		ratio:    ratio,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
		logger:   logger,
	}, nil
}

// Start begins periodic garbage collection.
//
// Description:
//
//	Starts a goroutine that runs GC at the configured interval.
//
// Thread Safety: Safe for concurrent use.
func (r *GCRunner) Start() {
	go r.run()
}

// Stop halts garbage collection.
//
// Description:
//
//	Signals the GC goroutine to stop and waits for it to finish.
//
// Thread Safety: Safe for concurrent use.
func (r *GCRunner) Stop() {
	close(r.stopCh)
	<-r.doneCh
}

func (r *GCRunner) run() {
	defer close(r.doneCh)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.runGC()
		}
	}
}

func (r *GCRunner) runGC() {
	// RunValueLogGC returns nil if GC was triggered, error if not needed
	err := r.db.RunValueLogGC(r.ratio)
	if err == nil {
		if r.logger != nil {
			r.logger.Debug("badger value log GC completed")
		}
	} else if !errors.Is(err, badger.ErrNoRewrite) {
		// ErrNoRewrite means no GC was needed, not an error
		if r.logger != nil {
			r.logger.Warn("badger value log GC error", slog.String("error", err.Error()))
		}
	}
}
