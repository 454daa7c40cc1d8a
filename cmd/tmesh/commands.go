// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"github.com/spf13/cobra"
)

// --- Global Command Variables ---
var (
	configPath       string
	personalityLevel string // UX personality level (full/standard/minimal/machine)
	jsonOutput       bool
	compactOutput    bool
	quietOutput      bool

	databaseScope    string
	orchestrateMode  string
	templateName     string
	templateVersion  string
	templateEnv      string
	templateCategory string
	templateTags     []string
	listName         string
	listEnv          string
	listCategory     string
	listTag          string
	listActiveOnly   bool
	adaptTarget      string
	phType           string
	phCategory       string
	phSecurity       string
	phDefault        string
	phPattern        string
	phListType       string
	phListSecurity   string
	phListCategory   string
	revealSecrets    bool
	linkRelType      string
	syncTargets      []string
	syncTypeFlag     string
	syncLogSource    string
	syncLogStatus    string
	syncLogType      string
	syncLogSince     string
	syncLogLimit     int
	watchInterval    string
	watchMinGap      string
	metricsPort      int
	backupBucket     string
	backupProject    string
	backupKeyPath    string
	backupPrefix     string

	rootCmd = &cobra.Command{
		Use:   "tmesh",
		Short: "A cli to manage the TemplateMesh configuration registry",
		Long: `tmesh provisions and operates a mesh of per-environment template
				registries: deployment passes, template and placeholder management,
				cross-scope references, synchronization, and backups.`,
	}

	// --- Deployment ---
	orchestrateCmd = &cobra.Command{
		Use:   "orchestrate",
		Short: "Run a one-shot deployment pass over the configured database scopes",
		Run:   runOrchestrate, // Defined in cmd_orchestrate.go
	}

	// --- Templates ---
	templateCmd = &cobra.Command{
		Use:   "template",
		Short: "Manage configuration templates",
	}
	templateRegisterCmd = &cobra.Command{
		Use:   "register [file]",
		Short: "Register a template from a local file",
		Args:  cobra.ExactArgs(1),
		Run:   runTemplateRegister, // Defined in cmd_template.go
	}
	templateListCmd = &cobra.Command{
		Use:   "list",
		Short: "List templates in a database scope",
		Run:   runTemplateList, // Defined in cmd_template.go
	}
	templateAdaptCmd = &cobra.Command{
		Use:   "adapt [template-id]",
		Short: "Adapt a template to a target environment using the scope's rules",
		Args:  cobra.ExactArgs(1),
		Run:   runTemplateAdapt, // Defined in cmd_template.go
	}

	// --- Placeholders ---
	placeholderCmd = &cobra.Command{
		Use:   "placeholder",
		Short: "Manage placeholder definitions",
	}
	placeholderRegisterCmd = &cobra.Command{
		Use:   "register [name]",
		Short: "Register a placeholder definition",
		Args:  cobra.ExactArgs(1),
		Run:   runPlaceholderRegister, // Defined in cmd_placeholder.go
	}
	placeholderListCmd = &cobra.Command{
		Use:   "list",
		Short: "List placeholder definitions (SECRET defaults stay redacted)",
		Run:   runPlaceholderList, // Defined in cmd_placeholder.go
	}

	// --- Profiles ---
	profileCmd = &cobra.Command{
		Use:   "profile",
		Short: "Inspect environment profiles",
	}
	profileActiveCmd = &cobra.Command{
		Use:   "active [environment_type]",
		Short: "Show the active profile for an environment type",
		Args:  cobra.ExactArgs(1),
		Run:   runProfileActive, // Defined in cmd_placeholder.go
	}

	// --- References ---
	linkCmd = &cobra.Command{
		Use:   "link [source] [target]",
		Short: "Link two entities across scopes (endpoints as database/table/id)",
		Args:  cobra.ExactArgs(2),
		Run:   runLink, // Defined in cmd_link.go
	}
	resolveCmd = &cobra.Command{
		Use:   "resolve [reference-id]",
		Short: "Resolve a reference to both endpoint rows, flagging stale ends",
		Args:  cobra.ExactArgs(1),
		Run:   runResolve, // Defined in cmd_link.go
	}

	// --- Synchronization ---
	syncCmd = &cobra.Command{
		Use:   "sync",
		Short: "Run and inspect synchronization passes",
	}
	syncRunCmd = &cobra.Command{
		Use:   "run [source]",
		Short: "Run a synchronization pass from a source scope",
		Args:  cobra.ExactArgs(1),
		Run:   runSyncRun, // Defined in cmd_sync.go
	}
	syncLogCmd = &cobra.Command{
		Use:   "log",
		Short: "List synchronization log entries",
		Run:   runSyncLog, // Defined in cmd_sync.go
	}
	watchCmd = &cobra.Command{
		Use:   "watch [source]",
		Short: "Watch scopes and trigger synchronization passes on change",
		Args:  cobra.ExactArgs(1),
		Run:   runWatch, // Defined in cmd_sync.go
	}

	// --- Health ---
	statusCmd = &cobra.Command{
		Use:   "status",
		Short: "Score registry health across stores, locks, and sync history",
		Run:   runStatus, // Defined in cmd_status.go
	}

	// --- Backups ---
	backupCmd = &cobra.Command{
		Use:   "backup [database]",
		Short: "Upload a database scope's on-disk state to Google Cloud Storage",
		Args:  cobra.ExactArgs(1),
		Run:   runBackup, // Defined in cmd_backup.go
	}
)

// init runs when the Go program starts
func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "config.yaml",
		"Path to the deployment plan")
	rootCmd.PersistentFlags().StringVar(&personalityLevel, "personality", "",
		"Output style: full (default, rich), standard, minimal, or machine (scripting)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false,
		"Output results as JSON")
	rootCmd.PersistentFlags().BoolVar(&compactOutput, "compact", false,
		"Compact JSON output (no indentation)")
	rootCmd.PersistentFlags().BoolVar(&quietOutput, "quiet", false,
		"Suppress output, exit code only")

	rootCmd.AddCommand(orchestrateCmd)
	orchestrateCmd.Flags().StringVar(&orchestrateMode, "mode", "",
		"Override the plan's mode (full_deployment, database_only, scripts_only, validation)")

	rootCmd.AddCommand(templateCmd)
	templateCmd.PersistentFlags().StringVarP(&databaseScope, "database", "d", "",
		"Database scope (default: first scope in the plan)")
	templateCmd.AddCommand(templateRegisterCmd)
	templateRegisterCmd.Flags().StringVar(&templateName, "name", "", "Template name (default: file basename)")
	templateRegisterCmd.Flags().StringVar(&templateVersion, "version", "1.0.0", "Template version")
	templateRegisterCmd.Flags().StringVar(&templateEnv, "env", "production", "Target environment")
	templateRegisterCmd.Flags().StringVar(&templateCategory, "category", "", "Category label")
	templateRegisterCmd.Flags().StringSliceVar(&templateTags, "tags", nil, "Tags (comma separated)")
	templateCmd.AddCommand(templateListCmd)
	templateListCmd.Flags().StringVar(&listName, "name", "", "Filter by logical name")
	templateListCmd.Flags().StringVar(&listEnv, "env", "", "Filter by environment")
	templateListCmd.Flags().StringVar(&listCategory, "category", "", "Filter by category")
	templateListCmd.Flags().StringVar(&listTag, "tag", "", "Filter by tag")
	templateListCmd.Flags().BoolVar(&listActiveOnly, "active", false, "Active templates only")
	templateCmd.AddCommand(templateAdaptCmd)
	templateAdaptCmd.Flags().StringVar(&adaptTarget, "target", "", "Target environment (required)")

	rootCmd.AddCommand(placeholderCmd)
	placeholderCmd.PersistentFlags().StringVarP(&databaseScope, "database", "d", "",
		"Database scope (default: first scope in the plan)")
	placeholderCmd.AddCommand(placeholderRegisterCmd)
	placeholderRegisterCmd.Flags().StringVar(&phType, "type", "environment",
		"Placeholder type (database, api, environment, secret, infrastructure, monitoring, compliance)")
	placeholderRegisterCmd.Flags().StringVar(&phCategory, "category", "", "Taxonomy category")
	placeholderRegisterCmd.Flags().StringVar(&phSecurity, "security", "PUBLIC",
		"Security level (PUBLIC, INTERNAL, CONFIDENTIAL, SECRET)")
	placeholderRegisterCmd.Flags().StringVar(&phDefault, "default", "", "Default substitution value")
	placeholderRegisterCmd.Flags().StringVar(&phPattern, "pattern", "", "Validation pattern (regular expression)")
	placeholderCmd.AddCommand(placeholderListCmd)
	placeholderListCmd.Flags().StringVar(&phListType, "type", "", "Filter by type")
	placeholderListCmd.Flags().StringVar(&phListSecurity, "security", "", "Filter by security level")
	placeholderListCmd.Flags().StringVar(&phListCategory, "category", "", "Filter by category")
	placeholderListCmd.Flags().BoolVar(&revealSecrets, "reveal", false,
		"Reveal SECRET default values (interactive terminals only)")

	rootCmd.AddCommand(profileCmd)
	profileCmd.PersistentFlags().StringVarP(&databaseScope, "database", "d", "",
		"Database scope (default: first scope in the plan)")
	profileCmd.AddCommand(profileActiveCmd)

	rootCmd.AddCommand(linkCmd)
	linkCmd.Flags().StringVar(&linkRelType, "rel", "reference",
		"Relationship type (reference, clone, adaptation)")
	rootCmd.AddCommand(resolveCmd)

	rootCmd.AddCommand(syncCmd)
	syncCmd.AddCommand(syncRunCmd)
	syncRunCmd.Flags().StringSliceVar(&syncTargets, "targets", nil,
		"Target scopes (default: every other scope in the plan)")
	syncRunCmd.Flags().StringVar(&syncTypeFlag, "type", "bidirectional",
		"Pass direction (push, pull, bidirectional)")
	syncCmd.AddCommand(syncLogCmd)
	syncLogCmd.Flags().StringVar(&syncLogSource, "source", "", "Filter by source scope")
	syncLogCmd.Flags().StringVar(&syncLogStatus, "status", "", "Filter by status")
	syncLogCmd.Flags().StringVar(&syncLogType, "type", "", "Filter by pass direction")
	syncLogCmd.Flags().StringVar(&syncLogSince, "since", "", "Only entries newer than this duration (e.g. 24h)")
	syncLogCmd.Flags().IntVar(&syncLogLimit, "limit", 20, "Maximum entries to show (0 = all)")

	rootCmd.AddCommand(watchCmd)
	watchCmd.Flags().StringSliceVar(&syncTargets, "targets", nil,
		"Target scopes (default: every other scope in the plan)")
	watchCmd.Flags().StringVar(&syncTypeFlag, "type", "bidirectional",
		"Pass direction (push, pull, bidirectional)")
	watchCmd.Flags().StringVar(&watchInterval, "interval", "1m", "Periodic pass interval")
	watchCmd.Flags().StringVar(&watchMinGap, "min-gap", "30s", "Minimum gap between triggered passes")
	watchCmd.Flags().IntVar(&metricsPort, "metrics-port", 9090, "Prometheus /metrics port (0 disables)")

	rootCmd.AddCommand(statusCmd)

	rootCmd.AddCommand(backupCmd)
	backupCmd.Flags().StringVar(&backupBucket, "bucket", "", "GCS bucket name (required)")
	backupCmd.Flags().StringVar(&backupProject, "project", "", "GCP project id")
	backupCmd.Flags().StringVar(&backupKeyPath, "key", "", "Service account key path (required)")
	backupCmd.Flags().StringVar(&backupPrefix, "prefix", "backups", "Object name prefix")
}
