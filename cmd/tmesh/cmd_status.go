// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/TemplateMesh/pkg/ux"
	"github.com/AleutianAI/TemplateMesh/services/registry/health"
	"github.com/AleutianAI/TemplateMesh/services/registry/synclog"
)

// StatusResult holds status output.
type StatusResult struct {
	Grade  string        `json:"grade"`
	Report health.Report `json:"report"`
}

// runStatus scores registry health across stores, locks, and sync
// history.
//
// # Exit Codes
//
//   - 0: Healthy
//   - 1: Degraded or critical
//   - 2: Error
func runStatus(cmd *cobra.Command, args []string) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

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

	scorer, err := health.New(health.Config{
		Stores: ws.stores,
		Locks:  ws.locks,
		Log:    log,
		Logger: ws.logger,
	})
	if err != nil {
		OutputError(jsonOutput, "Failed to build health scorer", err)
		os.Exit(CLIExitError)
	}

	report, err := scorer.Check(ctx)
	if err != nil {
		os.Exit(OutputResult(outputCfg(), "status", start, nil, false, err))
	}
	grade := report.Grade()

	if !jsonOutput && !quietOutput {
		renderHealthReport(grade, report)
	}
	os.Exit(OutputResult(outputCfg(), "status", start, StatusResult{
		Grade:  grade,
		Report: report,
	}, grade != health.GradeHealthy, nil))
}

func renderHealthReport(grade string, report health.Report) {
	ux.Title("Registry health")

	for _, name := range plan.Databases {
		reachable, probed := report.Reachable[name]
		icon := ux.IconSuccess
		detail := "reachable"
		switch {
		case !probed:
			icon = ux.IconPending
			detail = "not probed"
		case !reachable:
			icon = ux.IconError
			detail = "unreachable"
		}
		ux.ScopeStatus(name, icon, detail)
	}

	ux.Info(fmt.Sprintf("Stores %.2f, locks %.2f, sync %.2f",
		report.StoreScore, report.LockScore, report.SyncScore))
	if report.RecentPasses > 0 {
		ux.Info(fmt.Sprintf("%d pass(es) in the last %s, %d failed",
			report.RecentPasses, report.Window, report.RecentFailures))
	}
	if report.ContentionRatio > 0 {
		ux.Info(fmt.Sprintf("Lock contention %.1f%%", report.ContentionRatio*100))
	}

	msg := fmt.Sprintf("%s (score %.2f)", grade, report.Score)
	switch grade {
	case health.GradeHealthy:
		ux.Success(msg)
	case health.GradeDegraded:
		ux.Warning(msg)
	default:
		ux.Error(msg)
	}
}
