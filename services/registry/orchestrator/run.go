// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package orchestrator provisions the registry's database scopes and
// runs one-shot deployment passes over them.
//
// A pass opens every configured scope on the selected backend, seeds
// the builtin catalog, registers script templates from a directory
// tree, and, in validation mode, sweeps the reference ledger and
// scores registry health. The pass can export a read-only JSON status
// snapshot for dashboards; it never starts a server.
//
// Orchestrators are one-shot: build one with New, call Run once, and
// inspect the returned Status. All stores and locks opened by Run are
// closed before it returns.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/TemplateMesh/services/registry/audit"
	"github.com/AleutianAI/TemplateMesh/services/registry/catalog"
	"github.com/AleutianAI/TemplateMesh/services/registry/entity"
	"github.com/AleutianAI/TemplateMesh/services/registry/health"
	"github.com/AleutianAI/TemplateMesh/services/registry/ledger"
	"github.com/AleutianAI/TemplateMesh/services/registry/lock"
	"github.com/AleutianAI/TemplateMesh/services/registry/store"
	"github.com/AleutianAI/TemplateMesh/services/registry/synclog"
	"github.com/AleutianAI/TemplateMesh/services/registry/telemetry"
)

const tracerName = "registry.orchestrator"

// factoryScope is the preferred home for script templates when it is
// among the configured databases.
const factoryScope = "factory_deployment"

// scriptVersion is the version every script template registers under.
// Re-running a pass over the same tree hits ErrDuplicateKey and counts
// the file as skipped, which keeps passes idempotent.
const scriptVersion = "1.0.0"

// ============================================================================
// Status
// ============================================================================

// ScopeStatus describes one provisioned database scope.
type ScopeStatus struct {
	// Backend is the storage backing the scope was opened on.
	Backend Backend `json:"backend"`

	// Path is the on-disk location, empty for memory scopes.
	Path string `json:"path,omitempty"`
}

// Status is the outcome of one deployment pass. When DeployWebGUI is
// set it is also what lands in the snapshot file, so every field
// carries a stable JSON name.
type Status struct {
	// Mode is the mode the pass ran in.
	Mode Mode `json:"mode"`

	// StartedAt and CompletedAt bound the pass, in UTC.
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`

	// Databases maps each provisioned scope to its backing.
	Databases map[string]ScopeStatus `json:"databases"`

	// Seeded maps each scope to its catalog seeding counts. Present
	// only when the pass seeded catalogs.
	Seeded map[string]catalog.Summary `json:"seeded,omitempty"`

	// ScriptsRegistered and ScriptsSkipped count script files. A file
	// is skipped when its template already exists.
	ScriptsRegistered int `json:"scripts_registered"`
	ScriptsSkipped    int `json:"scripts_skipped"`

	// ScriptScope is the database the scripts were registered into.
	ScriptScope string `json:"script_scope,omitempty"`

	// ReferencesChecked counts references resolved by the validation
	// sweep; StaleReferences describes the ones with dead endpoints.
	ReferencesChecked int      `json:"references_checked"`
	StaleReferences   []string `json:"stale_references,omitempty"`

	// Health is the composite health report. Present in validation
	// mode and whenever the snapshot is exported.
	Health *health.Report `json:"health,omitempty"`

	// HealthGrade buckets Health.Score for operator display.
	HealthGrade string `json:"health_grade,omitempty"`
}

// ============================================================================
// Orchestrator
// ============================================================================

// Orchestrator runs one-shot deployment passes.
type Orchestrator struct {
	cfg     Config
	logger  *slog.Logger
	metrics *telemetry.Metrics
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the structured logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMetrics attaches instrument recording to deployment passes.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(o *Orchestrator) {
		o.metrics = m
	}
}

// New creates an orchestrator for a deployment plan.
//
// # Description
//
//	The config is validated up front; a plan that names an unknown
//	mode, an unknown backend, or a malformed database name never
//	produces an orchestrator.
//
// # Inputs
//
//	cfg - The deployment plan.
//	opts - Optional logger and metrics wiring.
//
// # Outputs
//
//	*Orchestrator - Ready to Run.
//	error - Wraps ErrInvalidConfig on a bad plan.
func New(cfg Config, opts ...Option) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := &Orchestrator{
		cfg:    cfg,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// Run executes one deployment pass.
//
// # Description
//
//	Provisions every configured scope, then performs the steps the
//	mode and flags select: catalog seeding, script registration, the
//	reference sweep, the health check, and the snapshot export. Stores
//	and locks opened by the pass are closed before Run returns.
//
// # Inputs
//
//	ctx - Cancels the pass between steps.
//
// # Outputs
//
//	*Status - What the pass did. Nil on error.
//	error - The first step failure.
//
// # Thread Safety
//
//	Run holds no state on the Orchestrator; concurrent passes are safe
//	as long as their plans do not share a DataDir.
func (o *Orchestrator) Run(ctx context.Context) (*Status, error) {
	ctx, span := telemetry.StartSpan(ctx, tracerName, "Orchestrator.Run")
	defer span.End()

	logger := telemetry.LoggerWithTrace(ctx, o.logger)
	logger.Info("Deployment pass starting",
		"mode", o.cfg.Mode,
		"backend", o.cfg.Backend,
		"databases", len(o.cfg.Databases))

	status := &Status{
		Mode:      o.cfg.Mode,
		StartedAt: time.Now().UTC(),
		Databases: make(map[string]ScopeStatus, len(o.cfg.Databases)),
	}

	stores, err := o.provisionStores(ctx, status)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}
	defer func() {
		if cerr := stores.CloseAll(); cerr != nil {
			logger.Warn("Closing stores failed", "error", cerr)
		}
	}()

	locks, err := lock.NewManager(lock.Config{
		LockDir:       o.cfg.LockDir,
		CleanupOnInit: true,
	})
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, fmt.Errorf("lock manager: %w", err)
	}
	defer func() {
		if cerr := locks.Close(); cerr != nil {
			logger.Warn("Closing lock manager failed", "error", cerr)
		}
	}()

	registries, err := o.buildRegistries(stores, locks)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}

	if o.cfg.Mode.seedsCatalogs() && o.cfg.DeployDatabases && o.cfg.SeedCatalogs {
		if err := o.seedCatalogs(ctx, registries, status, logger); err != nil {
			telemetry.RecordError(span, err)
			return nil, err
		}
	}

	if o.cfg.Mode.registersScripts() && o.cfg.DeployScripts {
		if err := o.registerScripts(ctx, registries, status, logger); err != nil {
			telemetry.RecordError(span, err)
			return nil, err
		}
	}

	if o.cfg.Mode == ModeValidation {
		if err := o.sweepReferences(ctx, stores, locks, status, logger); err != nil {
			telemetry.RecordError(span, err)
			return nil, err
		}
	}

	if o.cfg.Mode == ModeValidation || o.cfg.DeployWebGUI {
		if err := o.scoreHealth(ctx, stores, locks, status, logger); err != nil {
			telemetry.RecordError(span, err)
			return nil, err
		}
	}

	status.CompletedAt = time.Now().UTC()

	if o.cfg.DeployWebGUI {
		if err := o.writeSnapshot(status); err != nil {
			telemetry.RecordError(span, err)
			return nil, err
		}
	}

	telemetry.SetSpanOK(span)
	logger.Info("Deployment pass complete",
		"mode", o.cfg.Mode,
		"duration", status.CompletedAt.Sub(status.StartedAt),
		"scripts_registered", status.ScriptsRegistered,
		"stale_references", len(status.StaleReferences))
	return status, nil
}

// ============================================================================
// Provisioning
// ============================================================================

// provisionStores opens one store per configured scope, concurrently.
// On any failure every already-open store is closed before returning.
func (o *Orchestrator) provisionStores(ctx context.Context, status *Status) (store.Stores, error) {
	if o.cfg.Backend != BackendMemory {
		if err := os.MkdirAll(o.cfg.DataDir, 0750); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	opened := make([]store.Store, len(o.cfg.Databases))
	paths := make([]string, len(o.cfg.Databases))

	g, gctx := errgroup.WithContext(ctx)
	for i, name := range o.cfg.Databases {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			st, path, err := o.cfg.OpenScope(name, o.logger)
			if err != nil {
				return fmt.Errorf("provision %s: %w", name, err)
			}
			opened[i] = st
			paths[i] = path
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for _, st := range opened {
			if st != nil {
				_ = st.Close()
			}
		}
		return nil, err
	}

	stores := make(store.Stores, len(o.cfg.Databases))
	for i, name := range o.cfg.Databases {
		stores[name] = opened[i]
		status.Databases[name] = ScopeStatus{Backend: o.cfg.Backend, Path: paths[i]}
	}
	return stores, nil
}

// buildRegistries wires an audit log and an entity registry per scope.
func (o *Orchestrator) buildRegistries(stores store.Stores, locks *lock.Manager) (map[string]*entity.Registry, error) {
	registries := make(map[string]*entity.Registry, len(stores))
	for name, st := range stores {
		audits, err := audit.New(name, st, audit.WithLogger(o.logger))
		if err != nil {
			return nil, fmt.Errorf("audit log %s: %w", name, err)
		}
		reg, err := entity.New(entity.Config{
			Database: name,
			Store:    st,
			Locks:    locks,
			Audit:    audits,
			Logger:   o.logger,
		})
		if err != nil {
			return nil, fmt.Errorf("registry %s: %w", name, err)
		}
		registries[name] = reg
	}
	return registries, nil
}

// ============================================================================
// Seeding
// ============================================================================

// seedCatalogs seeds the builtin catalog into every scope, in the
// configured order.
func (o *Orchestrator) seedCatalogs(ctx context.Context, registries map[string]*entity.Registry, status *Status, logger *slog.Logger) error {
	seeded := make(map[string]catalog.Summary, len(registries))
	for _, name := range o.cfg.Databases {
		sum, err := catalog.Seed(ctx, registries[name])
		if err != nil {
			return fmt.Errorf("seed %s: %w", name, err)
		}
		seeded[name] = sum
	}
	status.Seeded = seeded
	logger.Info("Catalogs seeded", "databases", len(seeded))
	return nil
}

// ============================================================================
// Script registration
// ============================================================================

// scriptScope picks where script templates land: the factory scope
// when provisioned, otherwise the first configured database.
func (o *Orchestrator) scriptScope() string {
	for _, name := range o.cfg.Databases {
		if name == factoryScope {
			return name
		}
	}
	return o.cfg.Databases[0]
}

// registerScripts walks the script tree and registers each file as a
// template in the script scope. Hidden files and directories are
// skipped.
func (o *Orchestrator) registerScripts(ctx context.Context, registries map[string]*entity.Registry, status *Status, logger *slog.Logger) error {
	scope := o.scriptScope()
	reg := registries[scope]
	status.ScriptScope = scope

	err := filepath.WalkDir(o.cfg.ScriptsDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != o.cfg.ScriptsDir && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasPrefix(d.Name(), ".") {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		registered, err := o.registerScript(ctx, reg, scope, path)
		if err != nil {
			return err
		}
		if registered {
			status.ScriptsRegistered++
		} else {
			status.ScriptsSkipped++
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("register scripts: %w", err)
	}

	logger.Info("Scripts registered",
		"scope", scope,
		"registered", status.ScriptsRegistered,
		"skipped", status.ScriptsSkipped)
	return nil
}

// registerScript registers one script file as a template and touches
// the placeholders its content names. Returns false when the template
// already exists.
func (o *Orchestrator) registerScript(ctx context.Context, reg *entity.Registry, scope, path string) (bool, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return false, fmt.Errorf("read script %s: %w", path, err)
	}
	content := string(raw)

	spec := entity.TemplateSpec{
		Name:        scriptName(path),
		Version:     scriptVersion,
		Environment: scope,
		Content:     content,
		Tags:        scriptTags(o.cfg.ScriptsDir, path),
		Category:    "script",
	}

	_, err = reg.RegisterTemplate(ctx, spec)
	switch {
	case err == nil:
		o.recordRegistryOp(ctx, "register_template", "success")
	case errors.Is(err, entity.ErrDuplicateKey):
		o.recordRegistryOp(ctx, "register_template", "duplicate")
		return false, nil
	default:
		return false, fmt.Errorf("register script %s: %w", path, err)
	}

	// Touching usage counters is best effort: a script may mention
	// markers the placeholder taxonomy does not carry.
	for _, name := range scriptPlaceholders(content) {
		if err := reg.TouchPlaceholder(ctx, name); err != nil && !errors.Is(err, entity.ErrNotFound) {
			return true, fmt.Errorf("touch placeholder %s: %w", name, err)
		}
	}
	return true, nil
}

// scriptName is the file's base name without its extension.
func scriptName(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// scriptTags labels a script with its directory segments under the
// script root plus its extension.
func scriptTags(root, path string) []string {
	var tags []string
	if rel, err := filepath.Rel(root, path); err == nil {
		if dir := filepath.Dir(rel); dir != "." {
			tags = append(tags, strings.Split(filepath.ToSlash(dir), "/")...)
		}
	}
	if ext := strings.TrimPrefix(filepath.Ext(path), "."); ext != "" {
		tags = append(tags, ext)
	}
	return tags
}

// scriptPlaceholders returns the distinct placeholder names a script
// mentions, in order of first appearance.
func scriptPlaceholders(content string) []string {
	var names []string
	seen := make(map[string]bool)
	for _, m := range entity.MarkerPattern.FindAllStringSubmatch(content, -1) {
		if !seen[m[1]] {
			seen[m[1]] = true
			names = append(names, m[1])
		}
	}
	return names
}

// ============================================================================
// Validation
// ============================================================================

// sweepReferences resolves every ledger reference and reports the ones
// whose endpoints no longer exist.
func (o *Orchestrator) sweepReferences(ctx context.Context, stores store.Stores, locks *lock.Manager, status *Status, logger *slog.Logger) error {
	led, err := ledger.New(ctx, ledger.Config{
		Stores: stores,
		Locks:  locks,
		Logger: o.logger,
	})
	if err != nil {
		return fmt.Errorf("ledger: %w", err)
	}

	err = led.WalkReferences(ctx, func(ref ledger.Reference) (bool, error) {
		res, err := led.Resolve(ctx, ref.ReferenceID)
		if err != nil {
			return false, fmt.Errorf("resolve %s: %w", ref.ReferenceID, err)
		}
		status.ReferencesChecked++
		for _, w := range res.Stale {
			status.StaleReferences = append(status.StaleReferences,
				fmt.Sprintf("%s %s %s: %s", ref.ReferenceID, w.Side, w.Endpoint.String(), w.Cause))
			if o.metrics != nil {
				o.metrics.StaleReferencesTotal.Add(ctx, 1, metric.WithAttributes(
					attribute.String("database", w.Endpoint.Database)))
			}
		}
		return true, nil
	})
	if err != nil {
		return fmt.Errorf("reference sweep: %w", err)
	}

	logger.Info("Reference sweep complete",
		"checked", status.ReferencesChecked,
		"stale", len(status.StaleReferences))
	return nil
}

// scoreHealth runs the composite health check and attaches the report.
func (o *Orchestrator) scoreHealth(ctx context.Context, stores store.Stores, locks *lock.Manager, status *Status, logger *slog.Logger) error {
	syncs, err := synclog.New(synclog.Config{
		Stores: stores,
		Locks:  locks,
		Logger: o.logger,
	})
	if err != nil {
		return fmt.Errorf("sync log: %w", err)
	}

	scorer, err := health.New(health.Config{
		Stores: stores,
		Locks:  locks,
		Log:    syncs,
		Logger: o.logger,
	})
	if err != nil {
		return fmt.Errorf("health scorer: %w", err)
	}

	report, err := scorer.Check(ctx)
	if err != nil {
		return fmt.Errorf("health check: %w", err)
	}
	status.Health = &report
	status.HealthGrade = report.Grade()

	logger.Info("Health scored", "score", report.Score, "grade", status.HealthGrade)
	return nil
}

// ============================================================================
// Snapshot export
// ============================================================================

// writeSnapshot exports the read-only JSON status file dashboards
// consume.
func (o *Orchestrator) writeSnapshot(status *Status) error {
	raw, err := json.MarshalIndent(status, "", "  ")
	if err != nil {
		return fmt.Errorf("encode status: %w", err)
	}
	if dir := filepath.Dir(o.cfg.StatusPath); dir != "." {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return fmt.Errorf("create status dir: %w", err)
		}
	}
	if err := os.WriteFile(o.cfg.StatusPath, raw, 0644); err != nil {
		return fmt.Errorf("write status: %w", err)
	}
	return nil
}

// recordRegistryOp bumps the registry operation counter when metrics
// are attached.
func (o *Orchestrator) recordRegistryOp(ctx context.Context, operation, result string) {
	if o.metrics == nil {
		return
	}
	o.metrics.RegistryOpsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("kind", "template"),
		attribute.String("status", result),
	))
}
