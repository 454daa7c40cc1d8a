// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Exit codes for CLI commands.
const (
	CLIExitSuccess  = 0 // Operation completed successfully
	CLIExitFindings = 1 // Operation completed with findings (stale refs, degraded health)
	CLIExitError    = 2 // Operation failed
)

// OutputConfig controls output behavior.
type OutputConfig struct {
	JSON    bool // Output as JSON
	Compact bool // No indentation
	Quiet   bool // No output, exit code only
}

// outputCfg builds the output configuration from the global flags.
func outputCfg() OutputConfig {
	return OutputConfig{JSON: jsonOutput, Compact: compactOutput, Quiet: quietOutput}
}

// CommandResult wraps command output with metadata.
type CommandResult struct {
	APIVersion string      `json:"api_version"`
	Command    string      `json:"command"`
	Timestamp  time.Time   `json:"timestamp"`
	DurationMs int64       `json:"duration_ms"`
	Success    bool        `json:"success"`
	Data       interface{} `json:"data,omitempty"`
	Error      string      `json:"error,omitempty"`
}

// OutputJSON writes structured data as JSON to stdout.
//
// # Inputs
//
//   - data: The data to encode. Must be JSON-serializable.
//   - compact: If true, output without indentation.
//
// # Outputs
//
//   - error: Non-nil if encoding fails.
func OutputJSON(data interface{}, compact bool) error {
	encoder := json.NewEncoder(os.Stdout)
	if !compact {
		encoder.SetIndent("", "  ")
	}
	return encoder.Encode(data)
}

// OutputError writes an error in the appropriate format.
//
// # Inputs
//
//   - jsonMode: If true, output as JSON to stdout.
//   - msg: Human-readable error message.
//   - err: The underlying error.
func OutputError(jsonMode bool, msg string, err error) {
	if jsonMode {
		result := CommandResult{
			APIVersion: "1.0",
			Timestamp:  time.Now(),
			Success:    false,
			Error:      fmt.Sprintf("%s: %v", msg, err),
		}
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		encoder.Encode(result)
	} else {
		fmt.Fprintf(os.Stderr, "Error: %s: %v\n", msg, err)
	}
}

// OutputResult handles all output scenarios with proper formatting.
//
// # Inputs
//
//   - cfg: Output configuration.
//   - cmd: Command name for metadata.
//   - start: Start time for duration calculation.
//   - data: The data to output.
//   - hasFindings: Whether the operation found issues (for exit code).
//   - err: Any error that occurred.
//
// # Outputs
//
//   - int: The exit code to use.
func OutputResult(cfg OutputConfig, cmd string, start time.Time, data interface{}, hasFindings bool, err error) int {
	if cfg.Quiet {
		if err != nil {
			return CLIExitError
		}
		if hasFindings {
			return CLIExitFindings
		}
		return CLIExitSuccess
	}

	if err != nil {
		OutputError(cfg.JSON, "Command failed", err)
		return CLIExitError
	}

	if cfg.JSON {
		result := CommandResult{
			APIVersion: "1.0",
			Command:    cmd,
			Timestamp:  time.Now(),
			DurationMs: time.Since(start).Milliseconds(),
			Success:    true,
			Data:       data,
		}
		if encErr := OutputJSON(result, cfg.Compact); encErr != nil {
			fmt.Fprintf(os.Stderr, "Failed to encode JSON: %v\n", encErr)
			return CLIExitError
		}
	}

	if hasFindings {
		return CLIExitFindings
	}
	return CLIExitSuccess
}

// TemplateRegisterResult holds template register output.
type TemplateRegisterResult struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Version     string `json:"version"`
	Environment string `json:"environment"`
	Database    string `json:"database"`
}

// TemplateListResult holds template list output.
type TemplateListResult struct {
	Database  string            `json:"database"`
	Templates []TemplateSummary `json:"templates"`
	Count     int               `json:"count"`
}

// TemplateSummary represents a template in list output.
type TemplateSummary struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Version     string   `json:"version"`
	Environment string   `json:"environment"`
	Category    string   `json:"category,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	Status      string   `json:"status"`
	UsageCount  int64    `json:"usage_count"`
	SuccessRate float64  `json:"success_rate"`
}

// PlaceholderListResult holds placeholder list output.
type PlaceholderListResult struct {
	Database     string               `json:"database"`
	Placeholders []PlaceholderSummary `json:"placeholders"`
	Count        int                  `json:"count"`
}

// PlaceholderSummary represents a placeholder in list output. Default
// carries the redaction marker for SECRET values, never the raw bytes.
type PlaceholderSummary struct {
	Name          string `json:"name"`
	Type          string `json:"type"`
	Category      string `json:"category,omitempty"`
	SecurityLevel string `json:"security_level"`
	Default       string `json:"default"`
	UsageCount    int64  `json:"usage_count"`
}

// LinkResult holds link output.
type LinkResult struct {
	ReferenceID string `json:"reference_id"`
	Source      string `json:"source"`
	Target      string `json:"target"`
	Type        string `json:"relationship_type"`
}

// SyncLogResult holds sync log output.
type SyncLogResult struct {
	Entries interface{} `json:"entries"`
	Count   int         `json:"count"`
}

// BackupResult holds backup output.
type BackupResult struct {
	Database      string `json:"database"`
	Backend       string `json:"backend"`
	Source        string `json:"source"`
	Bucket        string `json:"bucket"`
	Prefix        string `json:"prefix"`
	FilesUploaded int    `json:"files_uploaded"`
}
