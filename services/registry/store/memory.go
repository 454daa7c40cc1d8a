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
	"context"
	"sort"
	"sync"
)

// Memory is an in-process Store for tests and ephemeral deployments.
//
// # Description
//
// Rows live in a map of tables to key-sorted entries. Scan takes a
// point-in-time copy of the table under the read lock and iterates the
// copy, so concurrent writers are never blocked by a slow callback and
// a scan never observes a half-applied write.
//
// # Thread Safety
//
// Safe for concurrent use.
//
// # Example
//
//	st := store.NewMemory()
//	defer st.Close()
//	_ = st.Put(ctx, store.TableEntities, "template/x", row)
type Memory struct {
	mu     sync.RWMutex
	tables map[string]map[string]Row
	closed bool
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{tables: make(map[string]map[string]Row)}
}

// Get returns the row stored under (table, key).
func (m *Memory) Get(ctx context.Context, table, key string) (Row, error) {
	if err := ValidateRef(table, key); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}

	row, ok := m.tables[table][key]
	if !ok {
		return nil, ErrKeyNotFound
	}
	out := make(Row, len(row))
	copy(out, row)
	return out, nil
}

// Put inserts or replaces the row under (table, key).
func (m *Memory) Put(ctx context.Context, table, key string, row Row) error {
	if err := ValidateRef(table, key); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}

	t, ok := m.tables[table]
	if !ok {
		t = make(map[string]Row)
		m.tables[table] = t
	}
	stored := make(Row, len(row))
	copy(stored, row)
	t[key] = stored
	return nil
}

// Scan calls fn for each row in ascending key order.
func (m *Memory) Scan(ctx context.Context, table string, fn ScanFunc) error {
	if err := ValidateTable(table); err != nil {
		return err
	}

	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return ErrClosed
	}
	t := m.tables[table]
	keys := make([]string, 0, len(t))
	for k := range t {
		keys = append(keys, k)
	}
	snapshot := make(map[string]Row, len(t))
	for k, v := range t {
		snapshot[k] = v
	}
	m.mu.RUnlock()

	sort.Strings(keys)
	for _, k := range keys {
		if err := ctx.Err(); err != nil {
			return err
		}
		row := snapshot[k]
		out := make(Row, len(row))
		copy(out, row)
		cont, err := fn(k, out)
		if err != nil {
			return err
		}
		if !cont {
			return nil
		}
	}
	return nil
}

// Close marks the store closed. Idempotent.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Len reports the number of rows in a table. Test helper.
func (m *Memory) Len(table string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.tables[table])
}

var _ Store = (*Memory)(nil)
