// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/TemplateMesh/pkg/ux"
	"github.com/AleutianAI/TemplateMesh/services/registry/syncer"
	"github.com/AleutianAI/TemplateMesh/services/registry/synclog"
	"github.com/AleutianAI/TemplateMesh/services/registry/telemetry"
)

// runSyncRun executes one reconciliation pass.
//
// # Exit Codes
//
//   - 0: Pass completed successfully
//   - 1: Pass reached a terminal state other than SUCCESS
//   - 2: Error
func runSyncRun(cmd *cobra.Command, args []string) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	source := args[0]
	targets := syncTargets
	if len(targets) == 0 {
		targets = scopeNames(source)
	}
	syncType := synclog.SyncType(strings.ToLower(syncTypeFlag))
	if !syncType.Valid() {
		OutputError(jsonOutput, "Invalid sync type",
			fmt.Errorf("%q is not push, pull, or bidirectional", syncTypeFlag))
		os.Exit(CLIExitError)
	}

	ws, err := openWorkspace()
	if err != nil {
		OutputError(jsonOutput, "Failed to open registry", err)
		os.Exit(CLIExitError)
	}
	defer ws.Close()

	s, err := buildSyncer(ws)
	if err != nil {
		OutputError(jsonOutput, "Failed to build syncer", err)
		os.Exit(CLIExitError)
	}

	var entry synclog.Entry
	runPass := func() error {
		e, runErr := s.Run(ctx, source, targets, syncType)
		entry = e
		return runErr
	}
	if machineMode() {
		err = runPass()
	} else {
		err = ux.WithSpinner(
			fmt.Sprintf("Synchronizing %s %s %s", source, ux.IconSync, strings.Join(targets, ", ")),
			runPass)
	}
	if err != nil {
		os.Exit(OutputResult(outputCfg(), "sync run", start, entry, false, err))
	}

	if !jsonOutput && !quietOutput {
		renderSyncEntry(entry)
	}
	os.Exit(OutputResult(outputCfg(), "sync run", start, entry,
		entry.Status != synclog.StatusSuccess, nil))
}

// runSyncLog lists sync log entries across scopes.
//
// # Exit Codes
//
//   - 0: Listed (possibly zero entries)
//   - 2: Error
func runSyncLog(cmd *cobra.Command, args []string) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	filter := synclog.Filter{
		Source:   syncLogSource,
		Status:   synclog.Status(strings.ToUpper(syncLogStatus)),
		SyncType: synclog.SyncType(strings.ToLower(syncLogType)),
		Limit:    syncLogLimit,
	}
	if syncLogSince != "" {
		d, err := time.ParseDuration(syncLogSince)
		if err != nil {
			OutputError(jsonOutput, fmt.Sprintf("Invalid --since %q", syncLogSince), err)
			os.Exit(CLIExitError)
		}
		filter.Since = time.Now().Add(-d)
	}

	ws, err := openWorkspace()
	if err != nil {
		OutputError(jsonOutput, "Failed to open registry", err)
		os.Exit(CLIExitError)
	}
	defer ws.Close()

	log, err := synclog.New(synclog.Config{
		Stores: ws.stores,
		Locks:  ws.locks,
		Logger: ws.logger,
	})
	if err != nil {
		OutputError(jsonOutput, "Failed to open sync log", err)
		os.Exit(CLIExitError)
	}

	entries, err := log.List(ctx, filter)
	if err != nil {
		os.Exit(OutputResult(outputCfg(), "sync log", start, nil, false, err))
	}

	if !jsonOutput && !quietOutput {
		renderSyncLog(entries)
	}
	os.Exit(OutputResult(outputCfg(), "sync log", start, SyncLogResult{
		Entries: entries,
		Count:   len(entries),
	}, false, nil))
}

// runWatch keeps scopes reconciled until interrupted.
//
// # Exit Codes
//
//   - 0: Interrupted cleanly
//   - 2: Error
func runWatch(cmd *cobra.Command, args []string) {
	source := args[0]
	targets := syncTargets
	if len(targets) == 0 {
		targets = scopeNames(source)
	}
	syncType := synclog.SyncType(strings.ToLower(syncTypeFlag))
	if !syncType.Valid() {
		OutputError(jsonOutput, "Invalid sync type",
			fmt.Errorf("%q is not push, pull, or bidirectional", syncTypeFlag))
		os.Exit(CLIExitError)
	}
	interval, err := time.ParseDuration(watchInterval)
	if err != nil {
		OutputError(jsonOutput, fmt.Sprintf("Invalid --interval %q", watchInterval), err)
		os.Exit(CLIExitError)
	}
	minGap, err := time.ParseDuration(watchMinGap)
	if err != nil {
		OutputError(jsonOutput, fmt.Sprintf("Invalid --min-gap %q", watchMinGap), err)
		os.Exit(CLIExitError)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdown, err := telemetry.Init(ctx, telemetry.DefaultConfig())
	if err != nil {
		OutputError(jsonOutput, "Failed to initialize telemetry", err)
		os.Exit(CLIExitError)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdown(shutdownCtx)
	}()

	ws, err := openWorkspace()
	if err != nil {
		OutputError(jsonOutput, "Failed to open registry", err)
		os.Exit(CLIExitError)
	}
	defer ws.Close()

	s, err := buildSyncer(ws)
	if err != nil {
		OutputError(jsonOutput, "Failed to build syncer", err)
		os.Exit(CLIExitError)
	}

	// Memory scopes have no on-disk path to watch; they ride the
	// interval ticker.
	paths := make(map[string]string)
	for name, p := range ws.paths {
		if p != "" {
			paths[name] = p
		}
	}

	watcher, err := syncer.NewWatcher(syncer.WatcherConfig{
		Syncer:        s,
		Pairs:         []syncer.Pair{{Source: source, Targets: targets, SyncType: syncType}},
		Paths:         paths,
		Interval:      interval,
		MinTriggerGap: minGap,
		Logger:        ws.logger,
	})
	if err != nil {
		OutputError(jsonOutput, "Failed to build watcher", err)
		os.Exit(CLIExitError)
	}

	if metricsPort > 0 {
		mux := http.NewServeMux()
		mux.Handle("/metrics", telemetry.MetricsHandler())
		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", metricsPort),
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if serveErr := srv.ListenAndServe(); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
				ws.logger.Error("Metrics server failed", "error", serveErr)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	if !jsonOutput && !quietOutput {
		ux.Title("Watching for changes")
		ux.Info(fmt.Sprintf("%s %s %s (%s), interval %s",
			source, ux.IconSync, strings.Join(targets, ", "), syncType, interval))
		if metricsPort > 0 {
			ux.Muted(fmt.Sprintf("Metrics on :%d/metrics", metricsPort))
		}
		ux.Muted("Press Ctrl+C to stop")
	}

	if err := watcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		OutputError(jsonOutput, "Watcher failed", err)
		os.Exit(CLIExitError)
	}

	if !jsonOutput && !quietOutput {
		ux.Success("Watcher stopped")
	}
	os.Exit(CLIExitSuccess)
}

// buildSyncer wires a syncer over the workspace's scopes.
func buildSyncer(ws *workspace) (*syncer.Syncer, error) {
	log, err := synclog.New(synclog.Config{
		Stores: ws.stores,
		Locks:  ws.locks,
		Logger: ws.logger,
	})
	if err != nil {
		return nil, err
	}
	return syncer.New(syncer.Config{
		Stores: ws.stores,
		Locks:  ws.locks,
		Log:    log,
		Logger: ws.logger,
	})
}

func renderSyncEntry(entry synclog.Entry) {
	switch entry.Status {
	case synclog.StatusSuccess:
		ux.Success(fmt.Sprintf("Pass %s: %d item(s), %d conflict(s) resolved",
			entry.SyncID, entry.ItemsSynchronized, entry.ConflictsResolved))
	default:
		ux.Warning(fmt.Sprintf("Pass %s ended %s: %s",
			entry.SyncID, entry.Status, entry.ErrorDetails))
	}
	if !entry.CompletedAt.IsZero() {
		elapsed := entry.CompletedAt.Sub(entry.StartedAt).Round(time.Millisecond)
		ux.Muted(fmt.Sprintf("%s in %s", entry.Pair(), elapsed))
	}
}

func renderSyncLog(entries []synclog.Entry) {
	ux.Title("Sync log")
	if len(entries) == 0 {
		ux.Muted("No entries match the filter.")
		return
	}
	for _, e := range entries {
		icon := ux.IconSuccess
		switch e.Status {
		case synclog.StatusFailed, synclog.StatusRolledBack:
			icon = ux.IconError
		case synclog.StatusPending, synclog.StatusRunning:
			icon = ux.IconPending
		}
		detail := fmt.Sprintf("%s %s, %d item(s), %s",
			e.SyncType, e.Pair(), e.ItemsSynchronized,
			e.StartedAt.Local().Format("2006-01-02 15:04:05"))
		if e.RetryOf != "" {
			detail += fmt.Sprintf(", retry of %s", e.RetryOf)
		}
		ux.ScopeStatus(e.SyncID, icon, detail)
	}
	ux.Muted(fmt.Sprintf("%d entries", len(entries)))
}
