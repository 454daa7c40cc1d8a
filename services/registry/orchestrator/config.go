// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package orchestrator

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/TemplateMesh/services/registry/catalog"
	"github.com/AleutianAI/TemplateMesh/services/registry/store"
	"github.com/AleutianAI/TemplateMesh/services/registry/store/badgerdb"
	"github.com/AleutianAI/TemplateMesh/services/registry/store/sqlite"
)

// Mode selects which deployment steps a run executes.
type Mode string

const (
	// ModeFullDeployment provisions stores, seeds catalogs, registers
	// scripts, and writes the status snapshot, as the flags permit.
	ModeFullDeployment Mode = "full_deployment"

	// ModeDatabaseOnly provisions stores and seeds catalogs; script
	// registration is skipped regardless of flags.
	ModeDatabaseOnly Mode = "database_only"

	// ModeScriptsOnly provisions stores and registers scripts; catalog
	// seeding is skipped regardless of flags.
	ModeScriptsOnly Mode = "scripts_only"

	// ModeValidation provisions stores and runs read-only checks:
	// the reference sweep and the health score. Nothing is written to
	// the registries.
	ModeValidation Mode = "validation"
)

// Valid reports whether the mode is one of the defined values.
func (m Mode) Valid() bool {
	switch m {
	case ModeFullDeployment, ModeDatabaseOnly, ModeScriptsOnly, ModeValidation:
		return true
	}
	return false
}

// seedsCatalogs reports whether the mode includes catalog seeding.
func (m Mode) seedsCatalogs() bool {
	return m == ModeFullDeployment || m == ModeDatabaseOnly
}

// registersScripts reports whether the mode includes script registration.
func (m Mode) registersScripts() bool {
	return m == ModeFullDeployment || m == ModeScriptsOnly
}

// Backend selects the storage backing provisioned for each scope.
type Backend string

const (
	// BackendMemory keeps all rows in process memory.
	BackendMemory Backend = "memory"

	// BackendBadger stores each scope in a BadgerDB directory under
	// the data dir.
	BackendBadger Backend = "badger"

	// BackendSQLite stores each scope in a SQLite file under the
	// data dir.
	BackendSQLite Backend = "sqlite"
)

// Valid reports whether the backend is one of the defined values.
func (b Backend) Valid() bool {
	switch b {
	case BackendMemory, BackendBadger, BackendSQLite:
		return true
	}
	return false
}

// Config is the orchestrator's deployment plan, usually loaded from a
// YAML file.
type Config struct {
	// Mode gates which steps run. See the Mode constants.
	Mode Mode `yaml:"mode" validate:"required,oneof=full_deployment database_only scripts_only validation"`

	// DeployDatabases enables catalog seeding into the provisioned
	// scopes (subject to Mode and SeedCatalogs).
	DeployDatabases bool `yaml:"deploy_databases"`

	// DeployScripts enables registering script templates from
	// ScriptsDir (subject to Mode).
	DeployScripts bool `yaml:"deploy_scripts"`

	// DeployWebGUI enables writing the read-only JSON status snapshot
	// to StatusPath. No server is started; the snapshot is the whole
	// integration surface.
	DeployWebGUI bool `yaml:"deploy_web_gui"`

	// Backend selects the storage backing for every scope.
	Backend Backend `yaml:"backend" validate:"required,oneof=memory badger sqlite"`

	// DataDir holds the per-scope store directories or files.
	// Required unless Backend is memory.
	DataDir string `yaml:"data_dir" validate:"required_unless=Backend memory"`

	// LockDir holds the cross-process lock files.
	LockDir string `yaml:"lock_dir" validate:"required"`

	// Databases are the scope names to provision.
	Databases []string `yaml:"databases" validate:"required,min=1,unique,dive,dbname"`

	// ScriptsDir is the tree of script files to register as templates.
	// Required when DeployScripts is set.
	ScriptsDir string `yaml:"scripts_dir" validate:"required_if=DeployScripts true"`

	// SeedCatalogs enables seeding the builtin catalog into each scope.
	SeedCatalogs bool `yaml:"seed_catalogs"`

	// StatusPath is where the status snapshot is written.
	// Required when DeployWebGUI is set.
	StatusPath string `yaml:"status_path" validate:"required_if=DeployWebGUI true"`
}

// orchValidate is the validator instance for orchestrator configs.
// Initialized in init() with the database-name validator.
var orchValidate *validator.Validate

var databaseNameRE = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

func init() {
	orchValidate = validator.New()
	_ = orchValidate.RegisterValidation("dbname", validateDatabaseName)
}

// validateDatabaseName enforces the lowercase identifier pattern scope
// names use everywhere else in the registry.
func validateDatabaseName(fl validator.FieldLevel) bool {
	return databaseNameRE.MatchString(fl.Field().String())
}

// DefaultConfig returns a full deployment of the builtin scope set on
// BadgerDB under ./data.
func DefaultConfig() Config {
	return Config{
		Mode:            ModeFullDeployment,
		DeployDatabases: true,
		Backend:         BackendBadger,
		DataDir:         "./data",
		LockDir:         "./data/locks",
		Databases:       catalog.Databases(),
		SeedCatalogs:    true,
	}
}

// Validate checks the config against its struct tags.
func (c Config) Validate() error {
	if err := orchValidate.Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

// LoadConfig reads a YAML deployment plan, layered over DefaultConfig.
//
// # Description
//
//	Fields absent from the file keep their defaults; the merged config
//	is validated before returning.
//
// # Inputs
//
//	path - The YAML file to read.
//
// # Outputs
//
//	Config - The merged, validated config.
//	error - Non-nil when the file cannot be read, parsed, or validated.
func LoadConfig(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ScopePath returns where the named scope's state lives on disk.
// Empty for the memory backend.
func (c Config) ScopePath(name string) string {
	switch c.Backend {
	case BackendBadger:
		return filepath.Join(c.DataDir, name)
	case BackendSQLite:
		return filepath.Join(c.DataDir, name+".db")
	default:
		return ""
	}
}

// OpenScope opens the named scope's backing store per the plan's
// backend. The returned path is empty for the memory backend.
func (c Config) OpenScope(name string, logger *slog.Logger) (store.Store, string, error) {
	switch c.Backend {
	case BackendMemory:
		return store.NewMemory(), "", nil

	case BackendBadger:
		cfg := badgerdb.DefaultConfig()
		cfg.Path = c.ScopePath(name)
		cfg.Logger = logger
		st, err := badgerdb.Open(cfg)
		if err != nil {
			return nil, "", err
		}
		return st, cfg.Path, nil

	case BackendSQLite:
		cfg := sqlite.DefaultConfig()
		cfg.Path = c.ScopePath(name)
		st, err := sqlite.Open(cfg)
		if err != nil {
			return nil, "", err
		}
		return st, cfg.Path, nil

	default:
		return nil, "", fmt.Errorf("%w: %s", ErrUnknownBackend, c.Backend)
	}
}
