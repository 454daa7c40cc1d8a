// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"fmt"
	"log/slog"

	"github.com/AleutianAI/TemplateMesh/pkg/logging"
	"github.com/AleutianAI/TemplateMesh/pkg/ux"
	"github.com/AleutianAI/TemplateMesh/services/registry/audit"
	"github.com/AleutianAI/TemplateMesh/services/registry/entity"
	"github.com/AleutianAI/TemplateMesh/services/registry/lock"
	"github.com/AleutianAI/TemplateMesh/services/registry/store"
)

// workspace bundles the open stores, lock manager, and per-scope
// registries a command needs. Commands open one, do their work, and
// Close it before rendering output.
type workspace struct {
	log        *logging.Logger
	logger     *slog.Logger
	stores     store.Stores
	paths      map[string]string
	locks      *lock.Manager
	audits     map[string]*audit.Log
	registries map[string]*entity.Registry
}

// cliLogger builds the logger commands hand to registry components.
// Styled terminal output is the CLI's voice; the structured log stays
// at warn level so it only speaks up when something is wrong.
func cliLogger() *logging.Logger {
	return logging.New(logging.Config{
		Level:   logging.LevelWarn,
		Service: "cli",
		Quiet:   quietOutput,
	})
}

// openWorkspace opens every scope in the plan plus the lock manager
// and builds a registry per scope, mirroring what the provisioning
// flow does at startup.
func openWorkspace() (*workspace, error) {
	log := cliLogger()
	logger := log.Slog()

	locks, err := lock.NewManager(lock.Config{
		LockDir:       plan.LockDir,
		CleanupOnInit: true,
	})
	if err != nil {
		_ = log.Close()
		return nil, fmt.Errorf("lock manager: %w", err)
	}

	ws := &workspace{
		log:        log,
		logger:     logger,
		stores:     make(store.Stores, len(plan.Databases)),
		paths:      make(map[string]string, len(plan.Databases)),
		locks:      locks,
		audits:     make(map[string]*audit.Log, len(plan.Databases)),
		registries: make(map[string]*entity.Registry, len(plan.Databases)),
	}

	for _, name := range plan.Databases {
		st, path, err := plan.OpenScope(name, logger)
		if err != nil {
			_ = ws.Close()
			return nil, fmt.Errorf("open %s: %w", name, err)
		}
		ws.stores[name] = st
		ws.paths[name] = path

		audits, err := audit.New(name, st, audit.WithLogger(logger))
		if err != nil {
			_ = ws.Close()
			return nil, fmt.Errorf("audit log %s: %w", name, err)
		}
		reg, err := entity.New(entity.Config{
			Database: name,
			Store:    st,
			Locks:    locks,
			Audit:    audits,
			Logger:   logger,
		})
		if err != nil {
			_ = ws.Close()
			return nil, fmt.Errorf("registry %s: %w", name, err)
		}
		ws.audits[name] = audits
		ws.registries[name] = reg
	}

	return ws, nil
}

// Close releases stores first, then the lock manager, then the log
// sink. The first error wins but every handle is still released.
func (w *workspace) Close() error {
	var first error
	for name, st := range w.stores {
		if err := st.Close(); err != nil && first == nil {
			first = fmt.Errorf("close %s: %w", name, err)
		}
	}
	if w.locks != nil {
		if err := w.locks.Close(); err != nil && first == nil {
			first = err
		}
	}
	if w.log != nil {
		if err := w.log.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// defaultScope resolves the --database flag, falling back to the
// plan's first scope.
func defaultScope() string {
	if databaseScope != "" {
		return databaseScope
	}
	if len(plan.Databases) > 0 {
		return plan.Databases[0]
	}
	return ""
}

// registryFor returns the registry for the named scope.
func (w *workspace) registryFor(scope string) (*entity.Registry, error) {
	reg, ok := w.registries[scope]
	if !ok {
		return nil, fmt.Errorf("unknown scope %q: plan defines %v", scope, plan.Databases)
	}
	return reg, nil
}

// scopeNames returns every scope except the named one, preserving
// plan order. Sync commands use it to default --targets.
func scopeNames(except string) []string {
	names := make([]string, 0, len(plan.Databases))
	for _, name := range plan.Databases {
		if name != except {
			names = append(names, name)
		}
	}
	return names
}

// machineMode reports whether styled output is suppressed, either by
// personality or because the caller asked for JSON.
func machineMode() bool {
	return jsonOutput || ux.GetPersonality().Level == ux.PersonalityMachine
}
