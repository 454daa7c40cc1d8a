// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package health scores the registry from observable signals.
//
// # Description
//
// The score is a fixed weighted sum over three measured components:
// store reachability (0.4), lock contention (0.3), and the recent sync
// failure rate (0.3). Each component is a fraction in [0, 1], so the
// composite is too. There is no hidden arithmetic; the weights are
// exported and the components ship alongside the composite in every
// report.
package health

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/AleutianAI/TemplateMesh/services/registry/lock"
	"github.com/AleutianAI/TemplateMesh/services/registry/store"
	"github.com/AleutianAI/TemplateMesh/services/registry/synclog"
)

// Component weights of the composite score. They sum to 1.
const (
	// WeightStores weighs the fraction of reachable database scopes.
	WeightStores = 0.4

	// WeightLocks weighs the inverse lock contention ratio.
	WeightLocks = 0.3

	// WeightSync weighs the inverse recent sync failure rate.
	WeightSync = 0.3
)

// defaultWindow bounds how far back sync outcomes count.
const defaultWindow = time.Hour

// probeKey is the entities-table key used to ping a store. The key is
// never written; a not-found answer proves the store responds.
const probeKey = "health/probe"

// Grade labels for Report.Grade.
const (
	GradeHealthy  = "healthy"
	GradeDegraded = "degraded"
	GradeCritical = "critical"
)

// Report is one scoring pass over the live signals.
type Report struct {
	// Score is the weighted composite in [0, 1].
	Score float64 `json:"score"`

	// StoreScore is the fraction of scopes that answered the probe.
	StoreScore float64 `json:"store_score"`

	// LockScore is 1 minus the contention ratio.
	LockScore float64 `json:"lock_score"`

	// SyncScore is 1 minus the recent failure rate.
	SyncScore float64 `json:"sync_score"`

	// Reachable maps each scope to its probe outcome.
	Reachable map[string]bool `json:"reachable"`

	// ContentionRatio is (contended + timed out) over attempted
	// acquisitions. Zero when no locks were taken yet.
	ContentionRatio float64 `json:"contention_ratio"`

	// RecentPasses counts terminal sync entries inside the window.
	RecentPasses int `json:"recent_passes"`

	// RecentFailures counts FAILED and ROLLED_BACK entries inside the
	// window.
	RecentFailures int `json:"recent_failures"`

	// Window is how far back sync outcomes were counted.
	Window time.Duration `json:"window"`

	// CollectedAt is when the signals were read.
	CollectedAt time.Time `json:"collected_at"`
}

// Grade buckets the composite score for operator display.
func (r Report) Grade() string {
	switch {
	case r.Score >= 0.9:
		return GradeHealthy
	case r.Score >= 0.6:
		return GradeDegraded
	default:
		return GradeCritical
	}
}

// Config carries the scorer's signal sources.
type Config struct {
	// Stores holds every scope to probe.
	Stores store.Stores

	// Locks supplies contention counters.
	Locks *lock.Manager

	// Log supplies recent sync outcomes.
	Log *synclog.Log

	// Window bounds how far back sync outcomes count. Defaults to one
	// hour.
	Window time.Duration

	// Logger receives structured logs. Defaults to slog.Default().
	Logger *slog.Logger
}

// Scorer computes health reports.
type Scorer struct {
	stores store.Stores
	locks  *lock.Manager
	log    *synclog.Log
	window time.Duration
	logger *slog.Logger
}

// New creates a scorer.
func New(cfg Config) (*Scorer, error) {
	if len(cfg.Stores) == 0 {
		return nil, errors.New("health: at least one store is required")
	}
	if cfg.Locks == nil {
		return nil, errors.New("health: lock manager is required")
	}
	if cfg.Log == nil {
		return nil, errors.New("health: sync log is required")
	}
	if cfg.Window <= 0 {
		cfg.Window = defaultWindow
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Scorer{
		stores: cfg.Stores,
		locks:  cfg.Locks,
		log:    cfg.Log,
		window: cfg.Window,
		logger: cfg.Logger,
	}, nil
}

// Check reads the live signals and scores them.
//
// # Description
//
// Every scope is probed with a single read; a not-found answer counts
// as reachable. Sync outcomes are listed per scope so one unreachable
// scope costs store score without blinding the sync component. Lock
// counters come from the manager's running totals.
//
// # Inputs
//
//   - ctx: Cancellation context.
//
// # Outputs
//
//   - Report: Component and composite scores.
//   - error: Only the context's error; signal failures degrade the
//     score instead of failing the check.
func (s *Scorer) Check(ctx context.Context) (Report, error) {
	now := time.Now().UTC()
	rep := Report{
		Reachable:   make(map[string]bool, len(s.stores)),
		Window:      s.window,
		CollectedAt: now,
	}

	for _, name := range s.stores.Names() {
		if err := ctx.Err(); err != nil {
			return Report{}, err
		}
		st, _ := s.stores.For(name)
		_, err := st.Get(ctx, store.TableEntities, probeKey)
		reachable := err == nil || errors.Is(err, store.ErrKeyNotFound)
		rep.Reachable[name] = reachable
		if reachable {
			rep.StoreScore++
		}
	}
	rep.StoreScore /= float64(len(s.stores))

	stats := s.locks.Stats()
	attempts := stats.Acquired + stats.Timeouts
	if attempts > 0 {
		rep.ContentionRatio = float64(stats.Contended+stats.Timeouts) / float64(attempts)
	}
	rep.LockScore = 1 - rep.ContentionRatio

	since := now.Add(-s.window)
	for _, name := range s.stores.Names() {
		if !rep.Reachable[name] {
			continue
		}
		entries, err := s.log.List(ctx, synclog.Filter{Source: name, Since: since})
		if err != nil {
			if cerr := ctx.Err(); cerr != nil {
				return Report{}, cerr
			}
			s.logger.Warn("Could not read sync outcomes", "database", name, "error", err)
			continue
		}
		for _, e := range entries {
			if !e.Status.Terminal() {
				continue
			}
			rep.RecentPasses++
			if e.Status != synclog.StatusSuccess {
				rep.RecentFailures++
			}
		}
	}
	rep.SyncScore = 1
	if rep.RecentPasses > 0 {
		rep.SyncScore = 1 - float64(rep.RecentFailures)/float64(rep.RecentPasses)
	}

	rep.Score = WeightStores*rep.StoreScore + WeightLocks*rep.LockScore + WeightSync*rep.SyncScore

	s.logger.Debug("Health check",
		"score", fmt.Sprintf("%.3f", rep.Score),
		"grade", rep.Grade(),
		"store_score", rep.StoreScore,
		"lock_score", rep.LockScore,
		"sync_score", rep.SyncScore,
		"recent_passes", rep.RecentPasses,
		"recent_failures", rep.RecentFailures)
	return rep, nil
}
