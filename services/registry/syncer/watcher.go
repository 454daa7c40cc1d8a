// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/TemplateMesh/services/registry/synclog"
)

const (
	// defaultInterval is the ticker fallback period for scopes without
	// a watchable path.
	defaultInterval = time.Minute

	// defaultTriggerGap is the minimum spacing between passes for one
	// pair.
	defaultTriggerGap = 30 * time.Second
)

// Pair names one recurring sync relationship the watcher drives.
type Pair struct {
	// Source is the scope the pass is anchored on.
	Source string `json:"source"`

	// Targets are the scopes to reconcile with.
	Targets []string `json:"targets"`

	// SyncType selects the pass direction.
	SyncType synclog.SyncType `json:"sync_type"`
}

// key is the limiter key: stable across target orderings.
func (p Pair) key() string {
	targets := append([]string(nil), p.Targets...)
	sort.Strings(targets)
	return p.Source + "->" + strings.Join(targets, ",") + "#" + string(p.SyncType)
}

// watches reports whether a change in the scope should trigger this
// pair. Push pairs react to their source, pull pairs to their targets,
// bidirectional pairs to both ends.
func (p Pair) watches(scope string) bool {
	switch p.SyncType {
	case synclog.TypePush:
		return p.Source == scope
	case synclog.TypePull:
		return slices.Contains(p.Targets, scope)
	default:
		return p.Source == scope || slices.Contains(p.Targets, scope)
	}
}

// WatcherConfig configures a Watcher.
type WatcherConfig struct {
	// Syncer runs the triggered passes.
	Syncer *Syncer

	// Pairs are the sync relationships to keep reconciled.
	Pairs []Pair

	// Paths maps scope names to the filesystem location of their
	// backing store. Scopes without a path (memory stores) are covered
	// by the interval ticker alone.
	Paths map[string]string

	// Interval is the ticker fallback period. Defaults to one minute.
	Interval time.Duration

	// MinTriggerGap is the minimum spacing between passes for one
	// pair. Defaults to 30 seconds.
	MinTriggerGap time.Duration

	// Logger receives structured logs. Defaults to slog.Default().
	Logger *slog.Logger
}

// Watcher triggers sync passes when watched scopes change.
//
// # Description
//
// Filesystem events on configured store paths and a fallback ticker
// both feed the same trigger path: each pair has a rate limiter, and a
// pass only launches when the limiter grants a slot. A pair whose gate
// reports an in-flight pass is skipped quietly; the next trigger picks
// the work up.
//
// # Example
//
//	w, err := syncer.NewWatcher(syncer.WatcherConfig{
//	    Syncer: s,
//	    Pairs: []syncer.Pair{
//	        {Source: "production", Targets: []string{"analytics_collector"}, SyncType: synclog.TypePush},
//	    },
//	})
//	if err != nil {
//	    return err
//	}
//	go w.Run(ctx)
type Watcher struct {
	syncer   *Syncer
	pairs    []Pair
	paths    map[string]string
	interval time.Duration
	limiters map[string]*rate.Limiter
	logger   *slog.Logger

	// wg tracks in-flight passes so Run does not return while one is
	// still writing.
	wg sync.WaitGroup
}

// NewWatcher creates a watcher over the syncer's scopes.
func NewWatcher(cfg WatcherConfig) (*Watcher, error) {
	if cfg.Syncer == nil {
		return nil, errors.New("watcher: syncer is required")
	}
	if len(cfg.Pairs) == 0 {
		return nil, ErrNoPairs
	}
	for _, p := range cfg.Pairs {
		if _, ok := cfg.Syncer.stores.For(p.Source); !ok {
			return nil, fmt.Errorf("watcher: pair source %q: %w", p.Source, ErrUnknownDatabase)
		}
		for _, target := range p.Targets {
			if _, ok := cfg.Syncer.stores.For(target); !ok {
				return nil, fmt.Errorf("watcher: pair target %q: %w", target, ErrUnknownDatabase)
			}
		}
		if !p.SyncType.Valid() {
			return nil, fmt.Errorf("watcher: pair %s: sync type %q: %w", p.key(), p.SyncType, synclog.ErrInvalidRequest)
		}
	}
	for scope := range cfg.Paths {
		if _, ok := cfg.Syncer.stores.For(scope); !ok {
			return nil, fmt.Errorf("watcher: path for %q: %w", scope, ErrUnknownDatabase)
		}
	}

	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.MinTriggerGap <= 0 {
		cfg.MinTriggerGap = defaultTriggerGap
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	limiters := make(map[string]*rate.Limiter, len(cfg.Pairs))
	for _, p := range cfg.Pairs {
		limiters[p.key()] = rate.NewLimiter(rate.Every(cfg.MinTriggerGap), 1)
	}

	return &Watcher{
		syncer:   cfg.Syncer,
		pairs:    cfg.Pairs,
		paths:    cfg.Paths,
		interval: cfg.Interval,
		limiters: limiters,
		logger:   cfg.Logger,
	}, nil
}

// Run watches until the context is canceled.
//
// # Description
//
// Blocks on filesystem events, watch errors, and the fallback ticker.
// Returns the context's error after every in-flight pass has finished;
// passes started near shutdown complete their entries (FAILED when the
// context died under them) rather than leaving the pair gated.
func (w *Watcher) Run(ctx context.Context) error {
	var events chan fsnotify.Event
	var watchErrs chan error

	if len(w.paths) > 0 {
		fsw, err := fsnotify.NewWatcher()
		if err != nil {
			return fmt.Errorf("watcher: %w", err)
		}
		defer fsw.Close()

		for scope, path := range w.paths {
			if err := fsw.Add(path); err != nil {
				return fmt.Errorf("watcher: watch %s at %s: %w", scope, path, err)
			}
		}
		events = fsw.Events
		watchErrs = fsw.Errors
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	defer w.wg.Wait()

	w.logger.Info("Sync watcher running",
		"pairs", len(w.pairs),
		"watched_paths", len(w.paths),
		"interval", w.interval)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			scope := w.scopeFor(ev.Name)
			if scope == "" {
				continue
			}
			for _, p := range w.pairs {
				if p.watches(scope) {
					w.trigger(ctx, p)
				}
			}

		case err, ok := <-watchErrs:
			if !ok {
				watchErrs = nil
				continue
			}
			w.logger.Warn("Filesystem watch error", "error", err)

		case <-ticker.C:
			for _, p := range w.pairs {
				w.trigger(ctx, p)
			}
		}
	}
}

// trigger launches a pass for the pair when its limiter grants a slot.
func (w *Watcher) trigger(ctx context.Context, p Pair) {
	if !w.limiters[p.key()].Allow() {
		return
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()

		ent, err := w.syncer.Run(ctx, p.Source, p.Targets, p.SyncType)
		switch {
		case errors.Is(err, synclog.ErrSyncInProgress):
			w.logger.Debug("Sync pair already in flight, skipped",
				"source", p.Source, "targets", p.Targets)
		case errors.Is(err, context.Canceled):
			w.logger.Debug("Sync pass canceled by shutdown",
				"source", p.Source, "targets", p.Targets)
		case err != nil:
			w.logger.Warn("Watched sync pass failed",
				"source", p.Source, "targets", p.Targets, "error", err)
		default:
			w.logger.Debug("Watched sync pass finished",
				"sync_id", ent.SyncID,
				"items", ent.ItemsSynchronized,
				"conflicts", ent.ConflictsResolved)
		}
	}()
}

// scopeFor maps an event path back to the scope whose store contains
// it, or "" when the path is outside every watched store.
func (w *Watcher) scopeFor(name string) string {
	name = filepath.Clean(name)
	for scope, path := range w.paths {
		path = filepath.Clean(path)
		if name == path || strings.HasPrefix(name, path+string(filepath.Separator)) {
			return scope
		}
	}
	return ""
}
