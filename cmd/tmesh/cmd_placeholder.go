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
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/TemplateMesh/pkg/ux"
	"github.com/AleutianAI/TemplateMesh/services/registry/entity"
)

// runPlaceholderRegister registers a placeholder definition.
//
// # Exit Codes
//
//   - 0: Placeholder registered
//   - 2: Error (invalid spec, duplicate name)
func runPlaceholderRegister(cmd *cobra.Command, args []string) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	name := args[0]
	level, err := entity.ParseSecurityLevel(phSecurity)
	if err != nil {
		OutputError(jsonOutput, "Invalid security level", err)
		os.Exit(CLIExitError)
	}

	ws, err := openWorkspace()
	if err != nil {
		OutputError(jsonOutput, "Failed to open registry", err)
		os.Exit(CLIExitError)
	}
	defer ws.Close()

	scope := defaultScope()
	reg, err := ws.registryFor(scope)
	if err != nil {
		OutputError(jsonOutput, "Invalid database scope", err)
		os.Exit(CLIExitError)
	}

	err = reg.RegisterPlaceholder(ctx, entity.PlaceholderSpec{
		Name:              name,
		Type:              entity.PlaceholderType(strings.ToLower(phType)),
		Category:          phCategory,
		SecurityLevel:     level,
		DefaultValue:      phDefault,
		ValidationPattern: phPattern,
	})
	if err != nil {
		os.Exit(OutputResult(outputCfg(), "placeholder register", start, nil, false, err))
	}

	if !jsonOutput && !quietOutput {
		ux.Success(fmt.Sprintf("Registered placeholder %s (%s, %s) in %s",
			name, phType, level, scope))
	}
	os.Exit(OutputResult(outputCfg(), "placeholder register", start, map[string]string{
		"name":           name,
		"type":           strings.ToLower(phType),
		"security_level": string(level),
		"database":       scope,
	}, false, nil))
}

// runPlaceholderList lists placeholder definitions. SECRET defaults
// render as the redaction marker; --reveal swaps in the raw value on
// interactive terminals only, and never in JSON output.
//
// # Exit Codes
//
//   - 0: Listed (possibly zero placeholders)
//   - 2: Error
func runPlaceholderList(cmd *cobra.Command, args []string) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	ws, err := openWorkspace()
	if err != nil {
		OutputError(jsonOutput, "Failed to open registry", err)
		os.Exit(CLIExitError)
	}
	defer ws.Close()

	scope := defaultScope()
	reg, err := ws.registryFor(scope)
	if err != nil {
		OutputError(jsonOutput, "Invalid database scope", err)
		os.Exit(CLIExitError)
	}

	placeholders, err := reg.ListPlaceholders(ctx, entity.PlaceholderFilter{
		Type:          entity.PlaceholderType(strings.ToLower(phListType)),
		SecurityLevel: entity.SecurityLevel(strings.ToUpper(phListSecurity)),
		Category:      phListCategory,
	})
	if err != nil {
		os.Exit(OutputResult(outputCfg(), "placeholder list", start, nil, false, err))
	}

	summaries := make([]PlaceholderSummary, 0, len(placeholders))
	for _, p := range placeholders {
		summaries = append(summaries, PlaceholderSummary{
			Name:          p.Name,
			Type:          string(p.Type),
			Category:      p.Category,
			SecurityLevel: string(p.SecurityLevel),
			Default:       p.DefaultValue.String(),
			UsageCount:    p.UsageCount,
		})
	}

	if !jsonOutput && !quietOutput {
		renderPlaceholderList(scope, placeholders)
	}
	os.Exit(OutputResult(outputCfg(), "placeholder list", start, PlaceholderListResult{
		Database:     scope,
		Placeholders: summaries,
		Count:        len(summaries),
	}, false, nil))
}

// runProfileActive shows the winning profile for an environment type.
//
// # Exit Codes
//
//   - 0: Active profile found
//   - 2: Error (including no active profile)
func runProfileActive(cmd *cobra.Command, args []string) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	envType := args[0]

	ws, err := openWorkspace()
	if err != nil {
		OutputError(jsonOutput, "Failed to open registry", err)
		os.Exit(CLIExitError)
	}
	defer ws.Close()

	scope := defaultScope()
	reg, err := ws.registryFor(scope)
	if err != nil {
		OutputError(jsonOutput, "Invalid database scope", err)
		os.Exit(CLIExitError)
	}

	profile, err := reg.GetActiveProfile(ctx, envType)
	if err != nil {
		os.Exit(OutputResult(outputCfg(), "profile active", start, nil, false, err))
	}

	if !jsonOutput && !quietOutput {
		ux.Title(fmt.Sprintf("Active profile for %s", envType))
		ux.Info(fmt.Sprintf("%s (priority %d)", profile.ProfileID, profile.Priority))
		if profile.Description != "" {
			ux.Muted(profile.Description)
		}
		if len(profile.RuleIDs) > 0 {
			ux.Info(fmt.Sprintf("Rules: %s", strings.Join(profile.RuleIDs, ", ")))
		}
	}
	os.Exit(OutputResult(outputCfg(), "profile active", start, profile, false, nil))
}

// renderPlaceholderList prints placeholders in the current
// personality. The reveal path is the one place raw SECRET bytes may
// reach the terminal, and only when the session is interactive.
func renderPlaceholderList(scope string, placeholders []entity.Placeholder) {
	ux.Title(fmt.Sprintf("Placeholders in %s", scope))
	if len(placeholders) == 0 {
		ux.Muted("No placeholders match the filter.")
		return
	}

	reveal := revealSecrets && ux.IsInteractive()
	if revealSecrets && !reveal {
		ux.Warning("--reveal ignored: not an interactive terminal")
	}

	for _, p := range placeholders {
		icon := ux.IconBullet
		if p.SecurityLevel == entity.SecuritySecret {
			icon = ux.IconSecret
		}
		value := p.DefaultValue.String()
		if reveal {
			value = p.DefaultValue.Reveal()
		}
		detail := fmt.Sprintf("%s, %s = %s", p.Type, p.SecurityLevel, value)
		ux.ScopeStatus(p.Name, icon, detail)
	}
	ux.Muted(fmt.Sprintf("%d placeholder(s)", len(placeholders)))
}
