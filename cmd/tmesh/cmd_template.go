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
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/TemplateMesh/pkg/ux"
	"github.com/AleutianAI/TemplateMesh/services/registry/adapt"
	"github.com/AleutianAI/TemplateMesh/services/registry/entity"
	"github.com/AleutianAI/TemplateMesh/services/registry/ledger"
)

// runTemplateRegister registers a local file as a template.
//
// # Exit Codes
//
//   - 0: Template registered
//   - 2: Error (bad file, invalid spec, duplicate key)
func runTemplateRegister(cmd *cobra.Command, args []string) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	file := args[0]
	content, err := os.ReadFile(file)
	if err != nil {
		OutputError(jsonOutput, fmt.Sprintf("Failed to read %s", file), err)
		os.Exit(CLIExitError)
	}

	name := templateName
	if name == "" {
		base := filepath.Base(file)
		name = strings.TrimSuffix(base, filepath.Ext(base))
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

	id, err := reg.RegisterTemplate(ctx, entity.TemplateSpec{
		Name:        name,
		Version:     templateVersion,
		Environment: templateEnv,
		Content:     string(content),
		Tags:        templateTags,
		Category:    templateCategory,
	})
	if err != nil {
		os.Exit(OutputResult(outputCfg(), "template register", start, nil, false, err))
	}

	if !jsonOutput && !quietOutput {
		ux.Success(fmt.Sprintf("Registered %s@%s for %s in %s (id %s)",
			name, templateVersion, templateEnv, scope, id))
	}
	os.Exit(OutputResult(outputCfg(), "template register", start, TemplateRegisterResult{
		ID:          id,
		Name:        name,
		Version:     templateVersion,
		Environment: templateEnv,
		Database:    scope,
	}, false, nil))
}

// runTemplateList lists the templates of one scope.
//
// # Exit Codes
//
//   - 0: Listed (possibly zero templates)
//   - 2: Error
func runTemplateList(cmd *cobra.Command, args []string) {
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

	templates, err := reg.ListTemplates(ctx, entity.TemplateFilter{
		Name:        listName,
		Environment: listEnv,
		Category:    listCategory,
		Tag:         listTag,
		ActiveOnly:  listActiveOnly,
	})
	if err != nil {
		os.Exit(OutputResult(outputCfg(), "template list", start, nil, false, err))
	}

	summaries := make([]TemplateSummary, 0, len(templates))
	for _, tpl := range templates {
		summaries = append(summaries, templateSummary(tpl))
	}

	if !jsonOutput && !quietOutput {
		renderTemplateList(scope, summaries)
	}
	os.Exit(OutputResult(outputCfg(), "template list", start, TemplateListResult{
		Database:  scope,
		Templates: summaries,
		Count:     len(summaries),
	}, false, nil))
}

// runTemplateAdapt adapts a template to a target environment.
//
// # Exit Codes
//
//   - 0: Adapted (or returned unchanged when no rule applied)
//   - 2: Error
func runTemplateAdapt(cmd *cobra.Command, args []string) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	templateID := args[0]
	if adaptTarget == "" {
		OutputError(jsonOutput, "Missing target environment",
			fmt.Errorf("--target is required"))
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

	refs, err := ledger.New(ctx, ledger.Config{
		Stores: ws.stores,
		Locks:  ws.locks,
		Logger: ws.logger,
	})
	if err != nil {
		OutputError(jsonOutput, "Failed to open reference ledger", err)
		os.Exit(CLIExitError)
	}

	engine, err := adapt.New(adapt.Config{
		Registry: reg,
		Ledger:   refs,
		Audits:   ws.audits[scope],
		Logger:   ws.logger,
	})
	if err != nil {
		OutputError(jsonOutput, "Failed to build adaptation engine", err)
		os.Exit(CLIExitError)
	}

	result, err := engine.Adapt(ctx, templateID, adaptTarget)
	if err != nil {
		os.Exit(OutputResult(outputCfg(), "template adapt", start, nil, false, err))
	}

	if !jsonOutput && !quietOutput {
		renderAdaptResult(templateID, result)
	}
	os.Exit(OutputResult(outputCfg(), "template adapt", start, result, false, nil))
}

// templateSummary maps a template row to its list view.
func templateSummary(tpl entity.Template) TemplateSummary {
	return TemplateSummary{
		ID:          tpl.ID,
		Name:        tpl.Name,
		Version:     tpl.Version,
		Environment: tpl.Environment,
		Category:    tpl.Category,
		Tags:        tpl.Tags,
		Status:      string(tpl.Status),
		UsageCount:  tpl.UsageCount,
		SuccessRate: tpl.SuccessRate,
	}
}

func renderTemplateList(scope string, summaries []TemplateSummary) {
	ux.Title(fmt.Sprintf("Templates in %s", scope))
	if len(summaries) == 0 {
		ux.Muted("No templates match the filter.")
		return
	}
	for _, s := range summaries {
		icon := ux.IconSuccess
		if s.Status != string(entity.StatusActive) {
			icon = ux.IconPending
		}
		detail := s.Environment
		if s.Category != "" {
			detail = fmt.Sprintf("%s, %s", s.Environment, s.Category)
		}
		ux.ScopeStatus(fmt.Sprintf("%s@%s", s.Name, s.Version), icon, detail)
	}
	ux.Muted(fmt.Sprintf("%d template(s)", len(summaries)))
}

func renderAdaptResult(sourceID string, result adapt.Result) {
	if !result.Adapted() {
		ux.Info(fmt.Sprintf("No adaptation rule matched %s; template returned unchanged", sourceID))
		return
	}
	ux.Success(fmt.Sprintf("Adapted %s to %s as %s",
		sourceID, result.Template.Environment, result.Template.ID))
	for _, change := range result.Changes {
		ux.Info(fmt.Sprintf("Applied %s to %s (confidence %.2f)",
			change.RuleID, change.Field, change.Confidence))
	}
	if result.ReferenceID != "" {
		ux.Muted(fmt.Sprintf("Adaptation link %s", result.ReferenceID))
	}
}
