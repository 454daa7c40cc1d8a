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
	"github.com/AleutianAI/TemplateMesh/services/registry/ledger"
)

// parseEndpoint turns a CLI endpoint argument into a ledger endpoint.
//
// The full form is database/table/id. The two-segment shorthand
// database/id addresses a template row, the common case.
func parseEndpoint(arg string) (ledger.Endpoint, error) {
	parts := strings.Split(arg, "/")
	switch len(parts) {
	case 3:
		return ledger.Endpoint{Database: parts[0], Table: parts[1], ID: parts[2]}, nil
	case 2:
		return ledger.TemplateEndpoint(parts[0], parts[1]), nil
	default:
		return ledger.Endpoint{}, fmt.Errorf(
			"endpoint %q: want database/table/id or database/template-id", arg)
	}
}

// runLink records a reference between two entities.
//
// # Exit Codes
//
//   - 0: Reference recorded
//   - 2: Error (bad endpoint, dead endpoint, clone cycle)
func runLink(cmd *cobra.Command, args []string) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	source, err := parseEndpoint(args[0])
	if err != nil {
		OutputError(jsonOutput, "Invalid source endpoint", err)
		os.Exit(CLIExitError)
	}
	target, err := parseEndpoint(args[1])
	if err != nil {
		OutputError(jsonOutput, "Invalid target endpoint", err)
		os.Exit(CLIExitError)
	}

	relType := ledger.RelationshipType(strings.ToLower(linkRelType))

	ws, err := openWorkspace()
	if err != nil {
		OutputError(jsonOutput, "Failed to open registry", err)
		os.Exit(CLIExitError)
	}
	defer ws.Close()

	refs, err := ledger.New(ctx, ledger.Config{
		Stores: ws.stores,
		Locks:  ws.locks,
		Logger: ws.logger,
	})
	if err != nil {
		OutputError(jsonOutput, "Failed to open reference ledger", err)
		os.Exit(CLIExitError)
	}

	refID, err := refs.Link(ctx, source, target, relType)
	if err != nil {
		os.Exit(OutputResult(outputCfg(), "link", start, nil, false, err))
	}

	if !jsonOutput && !quietOutput {
		ux.Success(fmt.Sprintf("Linked %s %s %s (%s)",
			source, ux.IconArrow, target, relType))
		ux.Muted(fmt.Sprintf("Reference %s", refID))
	}
	os.Exit(OutputResult(outputCfg(), "link", start, LinkResult{
		ReferenceID: refID,
		Source:      source.String(),
		Target:      target.String(),
		Type:        string(relType),
	}, false, nil))
}

// runResolve resolves a reference to both endpoint rows.
//
// # Exit Codes
//
//   - 0: Both endpoints resolved
//   - 1: Reference found but one or both endpoints are stale
//   - 2: Error (unknown reference)
func runResolve(cmd *cobra.Command, args []string) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	referenceID := args[0]

	ws, err := openWorkspace()
	if err != nil {
		OutputError(jsonOutput, "Failed to open registry", err)
		os.Exit(CLIExitError)
	}
	defer ws.Close()

	refs, err := ledger.New(ctx, ledger.Config{
		Stores: ws.stores,
		Locks:  ws.locks,
		Logger: ws.logger,
	})
	if err != nil {
		OutputError(jsonOutput, "Failed to open reference ledger", err)
		os.Exit(CLIExitError)
	}

	resolution, err := refs.Resolve(ctx, referenceID)
	if err != nil {
		os.Exit(OutputResult(outputCfg(), "resolve", start, nil, false, err))
	}

	if !jsonOutput && !quietOutput {
		renderResolution(resolution)
	}
	os.Exit(OutputResult(outputCfg(), "resolve", start, resolution,
		!resolution.Complete(), nil))
}

func renderResolution(res ledger.Resolution) {
	ref := res.Reference
	ux.Title(fmt.Sprintf("Reference %s", ref.ReferenceID))
	ux.Info(fmt.Sprintf("%s %s %s (%s)",
		ref.Source, ux.IconArrow, ref.Target, ref.Type))

	sourceIcon, targetIcon := ux.IconSuccess, ux.IconSuccess
	for _, warn := range res.Stale {
		if warn.Side == ledger.SideSource {
			sourceIcon = ux.IconError
		} else {
			targetIcon = ux.IconError
		}
	}
	ux.ScopeStatus("source", sourceIcon, ref.Source.String())
	ux.ScopeStatus("target", targetIcon, ref.Target.String())

	for _, warn := range res.Stale {
		ux.Warning(fmt.Sprintf("Stale %s: %s (%s)", warn.Side, warn.Endpoint, warn.Cause))
	}
	if res.Complete() {
		ux.Success("Both endpoints resolved")
	}
}
