// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package syncer executes reconciliation passes between database scopes.
//
// # Description
//
// A pass copies entity rows from one scope into others under a sync log
// entry: Begin gates the (source, targets) pair, the pass transitions to
// RUNNING, reconciles the entities table per direction, records progress
// deltas, and completes SUCCESS or FAILED. Rows missing from a
// destination are inserted; rows that diverge are resolved by the
// configured conflict policy and the decision is recorded in the
// destination's audit trail. Rows are never deleted.
//
// Push passes flow source to targets, pull passes flow targets to
// source, bidirectional passes do both under the same entry.
//
// # Thread Safety
//
// Syncer is safe for concurrent use. Within a pass, directions that
// write to distinct targets run concurrently; every destination write
// happens under that scope's lock, one lock at a time.
package syncer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/TemplateMesh/services/registry/audit"
	"github.com/AleutianAI/TemplateMesh/services/registry/lock"
	"github.com/AleutianAI/TemplateMesh/services/registry/store"
	"github.com/AleutianAI/TemplateMesh/services/registry/synclog"
)

// opReconcile is the operation recorded on sync entries this package
// begins.
const opReconcile = "entity_reconciliation"

// ============================================================================
// Conflict policy
// ============================================================================

// ConflictPolicy decides which copy survives when a row diverges
// between the origin and the destination of a direction.
type ConflictPolicy string

const (
	// PolicyLastWriteWins keeps the copy with the newest updated_at
	// stamp. Ties keep the origin's copy.
	PolicyLastWriteWins ConflictPolicy = "last_write_wins"

	// PolicyPreferSource always keeps the origin's copy.
	PolicyPreferSource ConflictPolicy = "prefer_source"
)

// Valid reports whether the policy is one of the defined policies.
func (p ConflictPolicy) Valid() bool {
	switch p {
	case PolicyLastWriteWins, PolicyPreferSource:
		return true
	}
	return false
}

// ============================================================================
// Syncer
// ============================================================================

// Config carries the syncer's dependencies.
type Config struct {
	// Stores holds the storage handle for every reachable scope.
	Stores store.Stores

	// Locks serializes destination writes against other writers.
	Locks *lock.Manager

	// Log is the sync log passes are recorded in.
	Log *synclog.Log

	// Policy resolves row divergence. Defaults to PolicyLastWriteWins.
	Policy ConflictPolicy

	// Logger receives structured logs. Defaults to slog.Default().
	Logger *slog.Logger
}

// Syncer runs reconciliation passes.
type Syncer struct {
	stores store.Stores
	locks  *lock.Manager
	log    *synclog.Log
	policy ConflictPolicy
	logger *slog.Logger

	// audits holds one audit log per scope for conflict decisions,
	// keyed by scope name.
	audits map[string]*audit.Log
}

// New creates a syncer over the given scopes.
func New(cfg Config) (*Syncer, error) {
	if len(cfg.Stores) == 0 {
		return nil, errors.New("syncer: at least one store is required")
	}
	if cfg.Locks == nil {
		return nil, errors.New("syncer: lock manager is required")
	}
	if cfg.Log == nil {
		return nil, errors.New("syncer: sync log is required")
	}
	if cfg.Policy == "" {
		cfg.Policy = PolicyLastWriteWins
	}
	if !cfg.Policy.Valid() {
		return nil, fmt.Errorf("syncer: policy %q: %w", cfg.Policy, ErrInvalidPolicy)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	audits := make(map[string]*audit.Log, len(cfg.Stores))
	for name, st := range cfg.Stores {
		log, err := audit.New(name, st, audit.WithLogger(cfg.Logger))
		if err != nil {
			return nil, fmt.Errorf("syncer: audit log for %s: %w", name, err)
		}
		audits[name] = log
	}

	return &Syncer{
		stores: cfg.Stores,
		locks:  cfg.Locks,
		log:    cfg.Log,
		policy: cfg.Policy,
		logger: cfg.Logger,
		audits: audits,
	}, nil
}

// Log returns the sync log passes are recorded in.
func (s *Syncer) Log() *synclog.Log { return s.log }

// Run executes one reconciliation pass.
//
// # Description
//
// Begins a sync entry (which gates the pair and validates the scopes),
// transitions it to RUNNING, reconciles each direction, and completes
// the entry SUCCESS or FAILED. The returned entry carries the final
// status and counters. A failure mid-pass leaves already-written rows
// in place; the entry's error details name the cause and the pass can
// be retried through the log.
//
// # Inputs
//
//   - ctx: Cancellation context. A canceled pass is completed FAILED.
//   - source: The scope the pass is anchored on.
//   - targets: The scopes to reconcile with.
//   - syncType: Push, pull, or bidirectional.
//
// # Outputs
//
//   - synclog.Entry: The terminal sync entry.
//   - error: synclog.ErrSyncInProgress when the pair is gated,
//     synclog.ErrInvalidRequest on malformed input, otherwise the
//     first reconciliation failure.
func (s *Syncer) Run(ctx context.Context, source string, targets []string, syncType synclog.SyncType) (synclog.Entry, error) {
	syncID, err := s.log.Begin(ctx, source, targets, syncType, opReconcile)
	if err != nil {
		return synclog.Entry{}, err
	}
	ent, err := s.log.Get(ctx, syncID)
	if err != nil {
		return s.abort(ctx, syncID, err)
	}

	if err := s.log.Start(ctx, syncID); err != nil {
		return s.abort(ctx, syncID, err)
	}

	started := time.Now()
	if err := s.reconcile(ctx, syncID, ent); err != nil {
		return s.abort(ctx, syncID, err)
	}

	if err := s.log.Complete(ctx, syncID, synclog.StatusSuccess, ""); err != nil {
		return s.abort(ctx, syncID, err)
	}
	final, err := s.log.Get(ctx, syncID)
	if err != nil {
		return synclog.Entry{}, fmt.Errorf("sync %s finished but entry unreadable: %w", syncID, err)
	}

	s.logger.Info("Sync pass finished",
		"sync_id", syncID,
		"source", final.SourceDatabase,
		"targets", final.TargetDatabases,
		"sync_type", final.SyncType,
		"items", final.ItemsSynchronized,
		"conflicts", final.ConflictsResolved,
		"duration", time.Since(started))
	return final, nil
}

// abort drives the entry to FAILED and returns the cause.
//
// Uses an uncancelable context: the entry must reach a terminal state
// even when the pass's context died, or the pair stays gated.
func (s *Syncer) abort(ctx context.Context, syncID string, cause error) (synclog.Entry, error) {
	cctx := context.WithoutCancel(ctx)

	if ent, err := s.log.Get(cctx, syncID); err == nil && ent.Status == synclog.StatusPending {
		if err := s.log.Start(cctx, syncID); err != nil {
			s.logger.Error("Sync entry stuck pending", "sync_id", syncID, "error", err)
		}
	}
	if err := s.log.Complete(cctx, syncID, synclog.StatusFailed, cause.Error()); err != nil {
		s.logger.Error("Could not fail sync entry", "sync_id", syncID, "error", err)
	}

	ent, err := s.log.Get(cctx, syncID)
	if err != nil {
		ent = synclog.Entry{}
	}
	return ent, fmt.Errorf("sync %s: %w", syncID, cause)
}

// reconcile runs every direction of the pass and records progress.
//
// Directions writing to distinct targets run concurrently; directions
// writing into the source run sequentially after them. Progress lands
// in the log once per phase, from this goroutine only.
func (s *Syncer) reconcile(ctx context.Context, syncID string, ent synclog.Entry) error {
	source := ent.SourceDatabase
	targets := ent.TargetDatabases

	if ent.SyncType == synclog.TypePush || ent.SyncType == synclog.TypeBidirectional {
		counts := make([]progress, len(targets))
		g, gctx := errgroup.WithContext(ctx)
		for i, target := range targets {
			g.Go(func() error {
				p, err := s.reconcileDirection(gctx, syncID, source, target)
				counts[i] = p
				return err
			})
		}
		err := g.Wait()
		if p := sum(counts); p.items > 0 || p.conflicts > 0 {
			if rerr := s.log.RecordProgress(context.WithoutCancel(ctx), syncID, p.items, p.conflicts); rerr != nil {
				s.logger.Warn("Could not record sync progress", "sync_id", syncID, "error", rerr)
			}
		}
		if err != nil {
			return err
		}
	}

	if ent.SyncType == synclog.TypePull || ent.SyncType == synclog.TypeBidirectional {
		var total progress
		var err error
		for _, target := range targets {
			var p progress
			p, err = s.reconcileDirection(ctx, syncID, target, source)
			total.items += p.items
			total.conflicts += p.conflicts
			if err != nil {
				break
			}
		}
		if total.items > 0 || total.conflicts > 0 {
			if rerr := s.log.RecordProgress(context.WithoutCancel(ctx), syncID, total.items, total.conflicts); rerr != nil {
				s.logger.Warn("Could not record sync progress", "sync_id", syncID, "error", rerr)
			}
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// progress counts one direction's work.
type progress struct {
	items     int
	conflicts int
}

func sum(counts []progress) progress {
	var total progress
	for _, p := range counts {
		total.items += p.items
		total.conflicts += p.conflicts
	}
	return total
}

// reconcileDirection copies entity rows from one scope into another.
func (s *Syncer) reconcileDirection(ctx context.Context, syncID, from, to string) (progress, error) {
	var p progress

	fromSt, ok := s.stores.For(from)
	if !ok {
		return p, fmt.Errorf("reconcile from %s: %w", from, ErrUnknownDatabase)
	}
	toSt, ok := s.stores.For(to)
	if !ok {
		return p, fmt.Errorf("reconcile into %s: %w", to, ErrUnknownDatabase)
	}

	err := fromSt.Scan(ctx, store.TableEntities, func(key string, row store.Row) (bool, error) {
		current, err := toSt.Get(ctx, store.TableEntities, key)
		switch {
		case errors.Is(err, store.ErrKeyNotFound):
			// Missing in the destination; write under lock below.
		case err != nil:
			return false, fmt.Errorf("read %s/%s: %w", to, key, err)
		case bytes.Equal(current, row):
			return true, nil
		}

		wrote, conflicted, err := s.reconcileRow(ctx, syncID, from, to, toSt, key, row)
		if err != nil {
			return false, err
		}
		if wrote {
			p.items++
		}
		if conflicted {
			p.conflicts++
		}
		return true, nil
	})
	if err != nil {
		return p, fmt.Errorf("reconcile %s into %s: %w", from, to, err)
	}
	return p, nil
}

// reconcileRow settles one row under the destination's lock.
//
// The destination is re-read under the lock; the lock-free read that
// got us here may have raced a writer. Divergence is resolved by the
// policy and recorded in the destination's audit trail with the sync
// id as the actor.
func (s *Syncer) reconcileRow(ctx context.Context, syncID, from, to string, toSt store.Store, key string, src store.Row) (wrote, conflicted bool, err error) {
	if err := s.locks.Acquire(ctx, to, "sync_write"); err != nil {
		return false, false, fmt.Errorf("lock %s for sync write: %w", to, err)
	}
	defer s.locks.Release(to)

	current, err := toSt.Get(ctx, store.TableEntities, key)
	switch {
	case errors.Is(err, store.ErrKeyNotFound):
		if err := toSt.Put(ctx, store.TableEntities, key, src); err != nil {
			return false, false, fmt.Errorf("insert %s/%s: %w", to, key, err)
		}
		return true, false, nil
	case err != nil:
		return false, false, fmt.Errorf("read %s/%s: %w", to, key, err)
	case bytes.Equal(current, src):
		return false, false, nil
	}

	srcStamp := rowStamp(src)
	dstStamp := rowStamp(current)
	srcWins := s.policy == PolicyPreferSource || !srcStamp.Before(dstStamp)

	if srcWins {
		if err := toSt.Put(ctx, store.TableEntities, key, src); err != nil {
			return false, false, fmt.Errorf("overwrite %s/%s: %w", to, key, err)
		}
	}

	winner := "target"
	if srcWins {
		winner = "source"
	}
	_, err = s.audits[to].Append(ctx, audit.Entry{
		Kind:       audit.KindSyncConflict,
		EntityKind: entityKindFromKey(key),
		EntityKey:  key,
		Actor:      syncID,
		Reason:     fmt.Sprintf("conflicting copies during sync from %s, %s copy kept", from, winner),
		Details: map[string]string{
			"sync_id":           syncID,
			"source_database":   from,
			"target_database":   to,
			"policy":            string(s.policy),
			"winner":            winner,
			"source_updated_at": srcStamp.UTC().Format(time.RFC3339Nano),
			"target_updated_at": dstStamp.UTC().Format(time.RFC3339Nano),
		},
	})
	if err != nil {
		return srcWins, true, fmt.Errorf("audit conflict on %s/%s: %w", to, key, err)
	}
	return srcWins, true, nil
}

// rowStamp extracts the updated_at stamp from an entity row.
//
// Index rows encode a bare string and yield the zero time, so two
// diverging index rows tie and the origin's copy wins.
func rowStamp(row store.Row) time.Time {
	var stamp struct {
		UpdatedAt time.Time `json:"updated_at"`
	}
	if err := json.Unmarshal(row, &stamp); err != nil {
		return time.Time{}
	}
	return stamp.UpdatedAt
}

// entityKindFromKey maps a storage key to its entity kind prefix.
func entityKindFromKey(key string) string {
	if i := strings.IndexByte(key, '/'); i > 0 {
		return key[:i]
	}
	return "entity"
}
