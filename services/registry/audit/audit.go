// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package audit persists the append-only audit trail for a database scope.
//
// # Description
//
// Audit entries record the changes that need an explicit paper trail:
// security level demotions, successful template adaptations, and sync
// conflict decisions. Entries live in the scope's adaptation_audit table,
// keyed so a plain scan returns them in chronological order. Entries are
// never updated or deleted.
//
// Callers must not place raw secret material in an entry; record the
// identifying name and the decision, not the value.
//
// # Thread Safety
//
// Log is safe for concurrent use. Append does not take the scope lock;
// every writer that produces an audit record already holds it.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/TemplateMesh/services/registry/store"
)

// keyTimeLayout is fixed-width so lexicographic key order matches
// chronological order.
const keyTimeLayout = "20060102150405.000000000"

// Kind identifies the category of audited change.
type Kind string

const (
	// KindSecurityDemotion records a placeholder security level demotion.
	KindSecurityDemotion Kind = "security_demotion"

	// KindAdaptation records a successful template adaptation.
	KindAdaptation Kind = "adaptation"

	// KindSyncConflict records a conflict decision made during a sync pass.
	KindSyncConflict Kind = "sync_conflict"
)

// Valid reports whether the kind is one of the defined categories.
func (k Kind) Valid() bool {
	switch k {
	case KindSecurityDemotion, KindAdaptation, KindSyncConflict:
		return true
	}
	return false
}

// Entry is one immutable audit record.
type Entry struct {
	// ID uniquely identifies the entry. Filled on append when empty.
	ID string `json:"id"`

	// Kind is the audited change category.
	Kind Kind `json:"kind"`

	// Database is the owning scope. Stamped by the log on append.
	Database string `json:"database"`

	// EntityKind names the entity type the change applied to
	// (template, placeholder, profile, rule).
	EntityKind string `json:"entity_kind"`

	// EntityKey identifies the entity within its kind.
	EntityKey string `json:"entity_key"`

	// Actor is who or what made the change (operator name, sync id).
	Actor string `json:"actor"`

	// Reason says why the change happened. Required.
	Reason string `json:"reason"`

	// Details carries change-specific fields (old/new values, policy).
	Details map[string]string `json:"details,omitempty"`

	// CreatedAt is when the entry was appended. Filled on append when zero.
	CreatedAt time.Time `json:"created_at"`
}

// Filter narrows a List call. Zero fields match everything.
type Filter struct {
	// Kind restricts results to one change category.
	Kind Kind

	// EntityKind restricts results to one entity type.
	EntityKind string

	// EntityKey restricts results to one entity.
	EntityKey string

	// Since excludes entries created before the given time.
	Since time.Time

	// Limit caps the number of returned entries. Zero means no cap.
	Limit int
}

// Log appends and lists audit entries for one database scope.
type Log struct {
	database string
	store    store.Store
	logger   *slog.Logger
}

// Option configures a Log.
type Option func(*Log)

// WithLogger sets the slog logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(l *Log) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// New creates an audit log for the named database scope backed by st.
func New(database string, st store.Store, opts ...Option) (*Log, error) {
	if strings.TrimSpace(database) == "" {
		return nil, ErrEmptyDatabase
	}
	if st == nil {
		return nil, fmt.Errorf("audit log for %q: store is required", database)
	}

	l := &Log{
		database: database,
		store:    st,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Database returns the scope name this log writes to.
func (l *Log) Database() string { return l.database }

// Append validates and persists an entry, filling ID, Database, and
// CreatedAt. The stamped entry is returned so callers can reference it.
func (l *Log) Append(ctx context.Context, e Entry) (Entry, error) {
	if !e.Kind.Valid() {
		return Entry{}, fmt.Errorf("audit kind %q: %w", e.Kind, ErrUnknownKind)
	}
	if strings.TrimSpace(e.Reason) == "" {
		return Entry{}, fmt.Errorf("audit entry for %s %q: %w", e.EntityKind, e.EntityKey, ErrEmptyReason)
	}

	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	} else {
		e.CreatedAt = e.CreatedAt.UTC()
	}
	e.Database = l.database

	row, err := json.Marshal(e)
	if err != nil {
		return Entry{}, fmt.Errorf("marshal audit entry %s: %w", e.ID, err)
	}

	key := e.CreatedAt.Format(keyTimeLayout) + "@" + e.ID
	if err := l.store.Put(ctx, store.TableAdaptationAudit, key, row); err != nil {
		return Entry{}, fmt.Errorf("append audit entry %s: %w", e.ID, err)
	}

	l.logger.Debug("audit entry appended",
		"database", l.database,
		"kind", e.Kind,
		"entity_kind", e.EntityKind,
		"entity_key", e.EntityKey)
	return e, nil
}

// List returns entries in chronological order, oldest first, applying
// the filter.
func (l *Log) List(ctx context.Context, f Filter) ([]Entry, error) {
	var out []Entry
	err := l.store.Scan(ctx, store.TableAdaptationAudit, func(key string, row []byte) (bool, error) {
		var e Entry
		if err := json.Unmarshal(row, &e); err != nil {
			return false, fmt.Errorf("decode audit entry %s: %w", key, err)
		}
		if !f.matches(e) {
			return true, nil
		}
		out = append(out, e)
		if f.Limit > 0 && len(out) >= f.Limit {
			return false, nil
		}
		return true, nil
	})
	if err != nil {
		return nil, fmt.Errorf("list audit entries for %s: %w", l.database, err)
	}
	return out, nil
}

func (f Filter) matches(e Entry) bool {
	if f.Kind != "" && e.Kind != f.Kind {
		return false
	}
	if f.EntityKind != "" && e.EntityKind != f.EntityKind {
		return false
	}
	if f.EntityKey != "" && e.EntityKey != f.EntityKey {
		return false
	}
	if !f.Since.IsZero() && e.CreatedAt.Before(f.Since) {
		return false
	}
	return true
}
