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
	"github.com/AleutianAI/TemplateMesh/services/registry/orchestrator"
)

// runOrchestrate executes one deployment pass over the plan.
//
// # Exit Codes
//
//   - 0: Pass completed with no stale references
//   - 1: Pass completed but stale references were found
//   - 2: Error
func runOrchestrate(cmd *cobra.Command, args []string) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	cfg := plan
	if orchestrateMode != "" {
		cfg.Mode = orchestrator.Mode(orchestrateMode)
	}

	log := cliLogger()
	defer log.Close()

	orch, err := orchestrator.New(cfg, orchestrator.WithLogger(log.Slog()))
	if err != nil {
		OutputError(jsonOutput, "Invalid deployment plan", err)
		os.Exit(CLIExitError)
	}

	var status *orchestrator.Status
	runPass := func() error {
		s, runErr := orch.Run(ctx)
		status = s
		return runErr
	}
	if machineMode() {
		err = runPass()
	} else {
		err = ux.WithSpinner(fmt.Sprintf("Running %s pass", cfg.Mode), runPass)
	}
	if err != nil {
		os.Exit(OutputResult(outputCfg(), "orchestrate", start, nil, false, err))
	}

	stale := len(status.StaleReferences) > 0
	if !jsonOutput && !quietOutput {
		renderPassStatus(status)
	}
	os.Exit(OutputResult(outputCfg(), "orchestrate", start, status, stale, nil))
}

// renderPassStatus prints a pass summary in the current personality.
func renderPassStatus(status *orchestrator.Status) {
	ux.Title(fmt.Sprintf("Deployment pass (%s)", status.Mode))

	for _, name := range plan.Databases {
		scope, ok := status.Databases[name]
		if !ok {
			continue
		}
		detail := string(scope.Backend)
		if scope.Path != "" {
			detail = fmt.Sprintf("%s at %s", scope.Backend, scope.Path)
		}
		ux.ScopeStatus(name, ux.IconSuccess, detail)
	}

	for _, name := range plan.Databases {
		summary, ok := status.Seeded[name]
		if !ok {
			continue
		}
		ux.Info(fmt.Sprintf("Seeded %s: %d rules, %d profiles, %d placeholders",
			name,
			summary.RulesAdded,
			summary.ProfilesAdded,
			summary.PlaceholdersAdded))
	}

	if status.ScriptScope != "" {
		ux.Summary(status.ScriptsRegistered, status.ScriptsSkipped,
			status.ScriptsRegistered+status.ScriptsSkipped)
	}

	if status.ReferencesChecked > 0 {
		ux.Info(fmt.Sprintf("References checked: %d", status.ReferencesChecked))
	}
	for _, ref := range status.StaleReferences {
		ux.Warning(fmt.Sprintf("Stale reference: %s", ref))
	}

	if status.HealthGrade != "" {
		msg := fmt.Sprintf("Health: %s (score %.2f)", status.HealthGrade, status.Health.Score)
		if status.HealthGrade == health.GradeHealthy {
			ux.Success(msg)
		} else {
			ux.Warning(msg)
		}
	}

	elapsed := status.CompletedAt.Sub(status.StartedAt).Round(time.Millisecond)
	ux.Muted(fmt.Sprintf("Completed in %s", elapsed))
}
