// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ledger maintains weak references between entities across
// database scopes.
//
// # Description
//
// A reference is a 6-tuple of (database, table, id) endpoints plus a
// relationship type. The ledger owns its rows; the referenced entities
// stay exclusively owned by their source databases, so a reference can
// outlive either endpoint. Staleness is detected lazily at resolution
// and reported as warnings, never as failures.
//
// Reference rows live in the source endpoint's scope, under that
// scope's lock. Clone links run a cycle check over the full clone graph
// first; clone lineages must stay a DAG. Reference and adaptation links
// may form cycles freely.
//
// # Thread Safety
//
// Ledger is safe for concurrent use. Reads are lock-free and may race
// writers; they tolerate endpoints that vanish mid-flight.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/TemplateMesh/services/registry/entity"
	"github.com/AleutianAI/TemplateMesh/services/registry/lock"
	"github.com/AleutianAI/TemplateMesh/services/registry/store"
)

// prefixID marks the id index rows in the references table. Reference
// rows themselves sit under bare zero-padded sequence keys, which sort
// before the index, so a scan reads references in creation order and
// stops at the first id/ key.
const prefixID = "id/"

// RelationshipType classifies a reference edge.
type RelationshipType string

const (
	// RelReference is a non-ownership link. May be cyclic.
	RelReference RelationshipType = "reference"

	// RelClone marks the target as cloned from the source. The clone
	// graph must stay acyclic.
	RelClone RelationshipType = "clone"

	// RelAdaptation marks the target as an environment adaptation of
	// the source. Treated like RelReference for cycle purposes.
	RelAdaptation RelationshipType = "adaptation"
)

// Valid reports whether the type is one of the defined relationships.
func (r RelationshipType) Valid() bool {
	return r == RelReference || r == RelClone || r == RelAdaptation
}

// Endpoint identifies one side of a reference.
type Endpoint struct {
	// Database is the owning scope name.
	Database string `json:"database"`

	// Table is the logical table within the scope.
	Table string `json:"table"`

	// ID is the row key within the table.
	ID string `json:"id"`
}

// String renders the endpoint as database/table/id.
func (e Endpoint) String() string {
	return e.Database + "/" + e.Table + "/" + e.ID
}

func (e Endpoint) validate() error {
	if strings.TrimSpace(e.Database) == "" {
		return fmt.Errorf("endpoint database is required: %w", ErrInvalidEndpoint)
	}
	if err := store.ValidateTable(e.Table); err != nil {
		return fmt.Errorf("endpoint table %q: %w", e.Table, ErrInvalidEndpoint)
	}
	if strings.TrimSpace(e.ID) == "" {
		return fmt.Errorf("endpoint id is required: %w", ErrInvalidEndpoint)
	}
	return nil
}

// TemplateEndpoint builds an endpoint for a template row.
func TemplateEndpoint(database, templateID string) Endpoint {
	return Endpoint{
		Database: database,
		Table:    store.TableEntities,
		ID:       entity.TemplateRowKey(templateID),
	}
}

// PlaceholderEndpoint builds an endpoint for a placeholder row.
func PlaceholderEndpoint(database, name string) Endpoint {
	return Endpoint{
		Database: database,
		Table:    store.TableEntities,
		ID:       entity.PlaceholderRowKey(name),
	}
}

// Reference is one ledger row.
type Reference struct {
	// ReferenceID uniquely identifies the reference.
	ReferenceID string `json:"reference_id"`

	// Source is the owning side. The row lives in this scope.
	Source Endpoint `json:"source"`

	// Target is the referenced side.
	Target Endpoint `json:"target"`

	// Type is the relationship classification.
	Type RelationshipType `json:"relationship_type"`

	// Seq orders references by creation across the ledger.
	Seq uint64 `json:"seq"`

	// CreatedAt is when the link was made.
	CreatedAt time.Time `json:"created_at"`
}

// Warning sides and causes for stale references.
const (
	SideSource = "source"
	SideTarget = "target"

	CauseDatabaseUnreachable = "database_unreachable"
	CauseEntityMissing       = "entity_missing"
)

// StaleReferenceWarning describes an endpoint that could not be
// resolved. Weak references are expected to go stale; this is
// informational, not a failure.
type StaleReferenceWarning struct {
	// Side is which end went stale (source or target).
	Side string `json:"side"`

	// Endpoint is the unresolvable endpoint.
	Endpoint Endpoint `json:"endpoint"`

	// Cause is database_unreachable or entity_missing.
	Cause string `json:"cause"`
}

// String renders the warning for logs.
func (w StaleReferenceWarning) String() string {
	return fmt.Sprintf("%s endpoint %s is stale: %s", w.Side, w.Endpoint, w.Cause)
}

// Resolution is the outcome of resolving a reference's endpoints.
//
// Entities come back decoded through the entity codec, so placeholder
// secrets stay redacted on every rendering of a Resolution. A side that
// could not be fetched is nil and explained in Stale.
type Resolution struct {
	// Reference is the resolved ledger row.
	Reference Reference `json:"reference"`

	// Source is the decoded source entity, nil when stale.
	Source any `json:"source,omitempty"`

	// Target is the decoded target entity, nil when stale.
	Target any `json:"target,omitempty"`

	// Stale lists the sides that could not be resolved.
	Stale []StaleReferenceWarning `json:"stale,omitempty"`
}

// Complete reports whether both endpoints resolved.
func (r Resolution) Complete() bool {
	return len(r.Stale) == 0
}

// Config carries the Ledger's dependencies.
type Config struct {
	// Stores maps database names to their storage handles.
	Stores store.Stores

	// Locks serializes writes. Link holds the source scope's lock.
	Locks *lock.Manager

	// Logger is the slog logger. Defaults to slog.Default().
	Logger *slog.Logger
}

// Ledger reads and writes cross-database references.
type Ledger struct {
	stores store.Stores
	locks  *lock.Manager
	logger *slog.Logger
	seq    atomic.Uint64
}

// New creates a Ledger and seeds its sequence counter from the highest
// sequence already stored. Scopes that fail to scan are skipped with a
// warning; sequence ties that could follow are broken deterministically
// when listing.
func New(ctx context.Context, cfg Config) (*Ledger, error) {
	if len(cfg.Stores) == 0 {
		return nil, errors.New("ledger: at least one store is required")
	}
	if cfg.Locks == nil {
		return nil, errors.New("ledger: lock manager is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	l := &Ledger{
		stores: cfg.Stores,
		locks:  cfg.Locks,
		logger: cfg.Logger,
	}

	var maxSeq uint64
	for _, name := range cfg.Stores.Names() {
		st, _ := cfg.Stores.For(name)
		err := st.Scan(ctx, store.TableReferences, func(key string, row store.Row) (bool, error) {
			if strings.HasPrefix(key, prefixID) {
				return false, nil
			}
			var ref Reference
			if err := json.Unmarshal(row, &ref); err != nil {
				return false, fmt.Errorf("decode reference %s: %w", key, err)
			}
			if ref.Seq > maxSeq {
				maxSeq = ref.Seq
			}
			return true, nil
		})
		if err != nil {
			l.logger.Warn("skipping reference scan for sequence seed",
				"database", name,
				"error", err)
		}
	}
	l.seq.Store(maxSeq)

	return l, nil
}

// seqKey is fixed-width so lexicographic order matches numeric order.
func seqKey(seq uint64) string {
	return fmt.Sprintf("%020d", seq)
}

// Link records a reference between two endpoints.
//
// # Description
//
// The row is written to the source endpoint's scope under that scope's
// lock. Clone links first check that the new edge keeps the clone graph
// acyclic, walking existing clone edges depth-first from the target;
// a path back to the source means the link would close a cycle. Clone
// self-links are rejected outright. Reference and adaptation links skip
// the check.
//
// # Inputs
//
//   - ctx: Cancellation context.
//   - source: The owning endpoint.
//   - target: The referenced endpoint.
//   - relType: reference, clone, or adaptation.
//
// # Outputs
//
//   - string: The new reference id.
//   - error: ErrInvalidEndpoint, ErrInvalidRelationship, ErrCyclicClone,
//     ErrUnreachableDatabase, lock or storage failures.
func (l *Ledger) Link(ctx context.Context, source, target Endpoint, relType RelationshipType) (string, error) {
	if err := source.validate(); err != nil {
		return "", fmt.Errorf("source: %w", err)
	}
	if err := target.validate(); err != nil {
		return "", fmt.Errorf("target: %w", err)
	}
	if !relType.Valid() {
		return "", fmt.Errorf("relationship type %q: %w", relType, ErrInvalidRelationship)
	}

	if relType == RelClone && source == target {
		return "", &CyclicCloneError{
			Source: source,
			Target: target,
			Path:   []string{source.String(), target.String()},
		}
	}

	st, ok := l.stores.For(source.Database)
	if !ok {
		return "", fmt.Errorf("source database %q: %w", source.Database, ErrUnreachableDatabase)
	}

	if err := l.locks.Acquire(ctx, source.Database, "link"); err != nil {
		return "", err
	}
	defer l.locks.Release(source.Database)

	if relType == RelClone {
		path, err := l.clonePathBack(ctx, source, target)
		if err != nil {
			return "", err
		}
		if path != nil {
			return "", &CyclicCloneError{
				Source: source,
				Target: target,
				Path:   append([]string{source.String()}, path...),
			}
		}
	}

	ref := Reference{
		ReferenceID: uuid.NewString(),
		Source:      source,
		Target:      target,
		Type:        relType,
		Seq:         l.seq.Add(1),
		CreatedAt:   time.Now().UTC(),
	}

	row, err := json.Marshal(ref)
	if err != nil {
		return "", fmt.Errorf("encode reference: %w", err)
	}

	key := seqKey(ref.Seq)
	if err := st.Put(ctx, store.TableReferences, key, row); err != nil {
		return "", fmt.Errorf("store reference %s: %w", ref.ReferenceID, err)
	}
	idxRow, err := json.Marshal(key)
	if err != nil {
		return "", fmt.Errorf("encode reference index: %w", err)
	}
	if err := st.Put(ctx, store.TableReferences, prefixID+ref.ReferenceID, idxRow); err != nil {
		return "", fmt.Errorf("index reference %s: %w", ref.ReferenceID, err)
	}

	l.logger.Debug("reference linked",
		"reference_id", ref.ReferenceID,
		"type", relType,
		"source", source.String(),
		"target", target.String(),
		"seq", ref.Seq)
	return ref.ReferenceID, nil
}

// clonePathBack walks existing clone edges depth-first from target,
// returning the path target -> ... -> source when one exists, nil when
// the new edge is safe.
func (l *Ledger) clonePathBack(ctx context.Context, source, target Endpoint) ([]string, error) {
	adjacency := make(map[string][]Endpoint)
	err := l.eachReference(ctx, func(ref Reference) (bool, error) {
		if ref.Type == RelClone {
			from := ref.Source.String()
			adjacency[from] = append(adjacency[from], ref.Target)
		}
		return true, nil
	})
	if err != nil {
		return nil, fmt.Errorf("load clone graph: %w", err)
	}

	goal := source.String()
	start := target.String()

	type frame struct {
		node string
		path []string
	}
	stack := []frame{{node: start, path: []string{start}}}
	visited := map[string]bool{start: true}

	for len(stack) > 0 {
		top := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if top.node == goal {
			return top.path, nil
		}

		for _, next := range adjacency[top.node] {
			name := next.String()
			if visited[name] {
				continue
			}
			visited[name] = true

			path := make([]string, len(top.path), len(top.path)+1)
			copy(path, top.path)
			stack = append(stack, frame{node: name, path: append(path, name)})
		}
	}
	return nil, nil
}

// Resolve fetches both endpoints of a reference.
//
// # Description
//
// A missing or unreachable endpoint never fails the call; the surviving
// side is returned and the other is reported in Stale. Only a missing
// reference row itself is an error, since the ledger owns its rows.
// Lock-free.
//
// # Inputs
//
//   - ctx: Cancellation context.
//   - referenceID: The reference to resolve.
//
// # Outputs
//
//   - Resolution: The reference plus whichever endpoints resolved.
//   - error: ErrNotFound when the reference row is missing, storage
//     failures while reading the ledger's own rows.
func (l *Ledger) Resolve(ctx context.Context, referenceID string) (Resolution, error) {
	ref, err := l.getReference(ctx, referenceID)
	if err != nil {
		return Resolution{}, err
	}

	res := Resolution{Reference: ref}

	res.Source, res.Stale = l.fetchEndpoint(ctx, SideSource, ref.Source, res.Stale)
	res.Target, res.Stale = l.fetchEndpoint(ctx, SideTarget, ref.Target, res.Stale)

	for _, w := range res.Stale {
		l.logger.Debug("stale reference endpoint",
			"reference_id", ref.ReferenceID,
			"side", w.Side,
			"endpoint", w.Endpoint.String(),
			"cause", w.Cause)
	}
	return res, nil
}

// fetchEndpoint resolves one side, appending a warning instead of
// failing when it cannot.
func (l *Ledger) fetchEndpoint(ctx context.Context, side string, e Endpoint, stale []StaleReferenceWarning) (any, []StaleReferenceWarning) {
	st, ok := l.stores.For(e.Database)
	if !ok {
		return nil, append(stale, StaleReferenceWarning{Side: side, Endpoint: e, Cause: CauseDatabaseUnreachable})
	}

	row, err := st.Get(ctx, e.Table, e.ID)
	if errors.Is(err, store.ErrKeyNotFound) {
		return nil, append(stale, StaleReferenceWarning{Side: side, Endpoint: e, Cause: CauseEntityMissing})
	}
	if err != nil {
		return nil, append(stale, StaleReferenceWarning{Side: side, Endpoint: e, Cause: CauseDatabaseUnreachable})
	}

	_, value, err := entity.DecodeRow(e.ID, row)
	if err != nil {
		return nil, append(stale, StaleReferenceWarning{Side: side, Endpoint: e, Cause: CauseEntityMissing})
	}
	return value, stale
}

// getReference finds a reference row by id across scopes.
func (l *Ledger) getReference(ctx context.Context, referenceID string) (Reference, error) {
	var firstErr error
	for _, name := range l.stores.Names() {
		st, _ := l.stores.For(name)

		idxRow, err := st.Get(ctx, store.TableReferences, prefixID+referenceID)
		if errors.Is(err, store.ErrKeyNotFound) {
			continue
		}
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("read reference index in %s: %w", name, err)
			}
			continue
		}

		var key string
		if err := json.Unmarshal(idxRow, &key); err != nil {
			return Reference{}, fmt.Errorf("decode reference index %s: %w", referenceID, err)
		}

		row, err := st.Get(ctx, store.TableReferences, key)
		if err != nil {
			return Reference{}, fmt.Errorf("read reference %s in %s: %w", referenceID, name, err)
		}

		var ref Reference
		if err := json.Unmarshal(row, &ref); err != nil {
			return Reference{}, fmt.Errorf("decode reference %s: %w", referenceID, err)
		}
		return ref, nil
	}

	if firstErr != nil {
		return Reference{}, firstErr
	}
	return Reference{}, fmt.Errorf("reference %s: %w", referenceID, ErrNotFound)
}

// ListReferences streams the references touching an endpoint in
// creation order.
//
// # Description
//
// Both sides count: references where the endpoint is the source and
// where it is the target are included. Fan-out is unbounded; fn is
// called once per reference, return false to stop early. Lock-free.
//
// # Inputs
//
//   - ctx: Cancellation context.
//   - endpoint: The entity whose references to list.
//   - fn: Callback receiving references in ascending Seq order.
//
// # Outputs
//
//   - error: Validation or storage failures, or fn's error.
func (l *Ledger) ListReferences(ctx context.Context, endpoint Endpoint, fn func(Reference) (bool, error)) error {
	if err := endpoint.validate(); err != nil {
		return err
	}

	var matched []Reference
	err := l.eachReference(ctx, func(ref Reference) (bool, error) {
		if ref.Source == endpoint || ref.Target == endpoint {
			matched = append(matched, ref)
		}
		return true, nil
	})
	if err != nil {
		return err
	}

	sort.Slice(matched, func(i, j int) bool {
		a, b := matched[i], matched[j]
		if a.Seq != b.Seq {
			return a.Seq < b.Seq
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ReferenceID < b.ReferenceID
	})

	for _, ref := range matched {
		cont, err := fn(ref)
		if err != nil {
			return err
		}
		if !cont {
			return nil
		}
	}
	return nil
}

// WalkReferences streams every reference in every scope.
//
// # Description
//
// Visits references scope by scope in each scope's creation order;
// there is no global ordering across scopes. fn returning false stops
// the walk. Lock-free. Used by validation sweeps that resolve each
// reference to surface stale endpoints.
//
// # Inputs
//
//   - ctx: Cancellation context.
//   - fn: Callback receiving each reference once.
//
// # Outputs
//
//   - error: Storage failures, or fn's error.
func (l *Ledger) WalkReferences(ctx context.Context, fn func(Reference) (bool, error)) error {
	return l.eachReference(ctx, fn)
}

// eachReference scans every scope's sequence rows. Id index rows sort
// after the digit-prefixed sequence keys, so each scan stops at the
// first id/ key. fn returning false stops the whole walk.
func (l *Ledger) eachReference(ctx context.Context, fn func(Reference) (bool, error)) error {
	stopped := false
	for _, name := range l.stores.Names() {
		st, _ := l.stores.For(name)

		err := st.Scan(ctx, store.TableReferences, func(key string, row store.Row) (bool, error) {
			if strings.HasPrefix(key, prefixID) {
				return false, nil
			}
			var ref Reference
			if err := json.Unmarshal(row, &ref); err != nil {
				return false, fmt.Errorf("decode reference %s: %w", key, err)
			}
			cont, err := fn(ref)
			if err != nil {
				return false, err
			}
			if !cont {
				stopped = true
				return false, nil
			}
			return true, nil
		})
		if err != nil {
			return fmt.Errorf("scan references in %s: %w", name, err)
		}
		if stopped {
			return nil
		}
	}
	return nil
}
