// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package entity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/TemplateMesh/services/registry/audit"
	"github.com/AleutianAI/TemplateMesh/services/registry/lock"
	"github.com/AleutianAI/TemplateMesh/services/registry/store"
)

// Entity key prefixes within the entities table.
const (
	prefixTemplate    = "template/"
	prefixTemplateKey = "template_key/"
	prefixPlaceholder = "placeholder/"
	prefixProfile     = "profile/"
	prefixRule        = "rule/"
)

// DefaultEWMAWeight is the weight given to the newest usage observation.
const DefaultEWMAWeight = 0.1

// Config carries the Registry's dependencies.
type Config struct {
	// Database is the owning scope name, a lowercase identifier.
	Database string

	// Store is the scope's storage handle.
	Store store.Store

	// Locks serializes writes to the scope. Every mutating operation
	// holds the scope lock for the duration of the call.
	Locks *lock.Manager

	// Audit receives the records mandatory changes produce, such as
	// security level demotions.
	Audit *audit.Log

	// EWMAWeight is the weight of the newest observation when updating
	// success rates. Defaults to DefaultEWMAWeight.
	EWMAWeight float64

	// Logger is the slog logger. Defaults to slog.Default().
	Logger *slog.Logger
}

// Registry owns entity CRUD for one database scope.
type Registry struct {
	database   string
	store      store.Store
	locks      *lock.Manager
	audits     *audit.Log
	ewmaWeight float64
	logger     *slog.Logger
}

// New creates a Registry from the config.
func New(cfg Config) (*Registry, error) {
	if !environmentRE.MatchString(cfg.Database) {
		return nil, fmt.Errorf("database name %q: %w", cfg.Database, ErrInvalidSpec)
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("registry for %q: store is required", cfg.Database)
	}
	if cfg.Locks == nil {
		return nil, fmt.Errorf("registry for %q: lock manager is required", cfg.Database)
	}
	if cfg.Audit == nil {
		return nil, fmt.Errorf("registry for %q: audit log is required", cfg.Database)
	}
	if cfg.EWMAWeight < 0 || cfg.EWMAWeight > 1 {
		return nil, fmt.Errorf("registry for %q: EWMA weight %v outside [0,1]", cfg.Database, cfg.EWMAWeight)
	}
	if cfg.EWMAWeight == 0 {
		cfg.EWMAWeight = DefaultEWMAWeight
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Registry{
		database:   cfg.Database,
		store:      cfg.Store,
		locks:      cfg.Locks,
		audits:     cfg.Audit,
		ewmaWeight: cfg.EWMAWeight,
		logger:     cfg.Logger,
	}, nil
}

// Database returns the scope name this registry writes to.
func (r *Registry) Database() string { return r.database }

// =============================================================================
// Templates
// =============================================================================

// templateIndex is the row stored under a template_key/ index key.
type templateIndex struct {
	ID string `json:"id"`
}

// TemplateFilter narrows a ListTemplates call. Zero fields match
// everything.
type TemplateFilter struct {
	// Name matches the logical name exactly.
	Name string

	// Environment matches the target environment exactly.
	Environment string

	// Category matches the category label exactly.
	Category string

	// Tag requires the tag to be present in the template's tag set.
	Tag string

	// ActiveOnly excludes inactive templates.
	ActiveOnly bool
}

func (f TemplateFilter) matches(t Template) bool {
	if f.Name != "" && t.Name != f.Name {
		return false
	}
	if f.Environment != "" && t.Environment != f.Environment {
		return false
	}
	if f.Category != "" && t.Category != f.Category {
		return false
	}
	if f.Tag != "" && !t.HasTag(f.Tag) {
		return false
	}
	if f.ActiveOnly && !t.Active() {
		return false
	}
	return true
}

// RegisterTemplate validates the spec and stores a new template.
//
// # Description
//
// The (name, version, environment) triple is unique within the scope; a
// second registration with the same triple fails with a
// DuplicateKeyError. The new template starts active with zero usage.
//
// # Inputs
//
//   - ctx: Cancellation context.
//   - spec: The template to register.
//
// # Outputs
//
//   - string: The immutable template id.
//   - error: ErrInvalidSpec, ErrDuplicateKey, lock or storage failures.
func (r *Registry) RegisterTemplate(ctx context.Context, spec TemplateSpec) (string, error) {
	spec, err := spec.validate()
	if err != nil {
		return "", err
	}

	if err := r.locks.Acquire(ctx, r.database, "register_template"); err != nil {
		return "", err
	}
	defer r.locks.Release(r.database)

	key := TemplateKey(spec.Name, spec.Version, spec.Environment)
	_, err = r.store.Get(ctx, store.TableEntities, prefixTemplateKey+key)
	switch {
	case err == nil:
		return "", &DuplicateKeyError{Kind: "template", Key: key}
	case !errors.Is(err, store.ErrKeyNotFound):
		return "", fmt.Errorf("check template key %s: %w", key, err)
	}

	now := time.Now().UTC()
	tpl := Template{
		ID:          uuid.NewString(),
		Name:        spec.Name,
		Version:     spec.Version,
		Environment: spec.Environment,
		Content:     spec.Content,
		Tags:        spec.Tags,
		Category:    spec.Category,
		ParentID:    spec.ParentID,
		Status:      StatusActive,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := r.putJSON(ctx, prefixTemplate+tpl.ID, tpl); err != nil {
		return "", fmt.Errorf("store template %s: %w", key, err)
	}
	if err := r.putJSON(ctx, prefixTemplateKey+key, templateIndex{ID: tpl.ID}); err != nil {
		return "", fmt.Errorf("index template %s: %w", key, err)
	}

	r.logger.Debug("template registered",
		"database", r.database,
		"template_id", tpl.ID,
		"key", key)
	return tpl.ID, nil
}

// UpdateUsage records one use of a template.
//
// # Description
//
// Increments the usage counter and folds the outcome into the success
// rate as an exponentially weighted average: rate becomes
// (1-w)*rate + w*observation, where the observation is 1 for success and
// 0 for failure. A single sample therefore never overwrites the history.
//
// # Inputs
//
//   - ctx: Cancellation context.
//   - id: The template id.
//   - outcome: OutcomeSuccess or OutcomeFailure.
//
// # Outputs
//
//   - error: ErrInvalidSpec for unknown outcomes, ErrNotFound, lock or
//     storage failures.
func (r *Registry) UpdateUsage(ctx context.Context, id string, outcome Outcome) error {
	if !outcome.Valid() {
		return fmt.Errorf("outcome %q: %w", outcome, ErrInvalidSpec)
	}

	if err := r.locks.Acquire(ctx, r.database, "update_usage"); err != nil {
		return err
	}
	defer r.locks.Release(r.database)

	var tpl Template
	if err := r.getJSON(ctx, prefixTemplate+id, &tpl); err != nil {
		return err
	}

	observation := 0.0
	if outcome == OutcomeSuccess {
		observation = 1.0
	}

	tpl.UsageCount++
	tpl.SuccessRate = (1-r.ewmaWeight)*tpl.SuccessRate + r.ewmaWeight*observation
	if tpl.SuccessRate < 0 {
		tpl.SuccessRate = 0
	} else if tpl.SuccessRate > 1 {
		tpl.SuccessRate = 1
	}
	tpl.UpdatedAt = time.Now().UTC()

	if err := r.putJSON(ctx, prefixTemplate+id, tpl); err != nil {
		return fmt.Errorf("store template %s: %w", id, err)
	}

	r.logger.Debug("template usage updated",
		"database", r.database,
		"template_id", id,
		"outcome", outcome,
		"usage_count", tpl.UsageCount,
		"success_rate", tpl.SuccessRate)
	return nil
}

// DeactivateTemplate flags a template inactive. Idempotent; templates
// are never physically deleted.
func (r *Registry) DeactivateTemplate(ctx context.Context, id string) error {
	if err := r.locks.Acquire(ctx, r.database, "deactivate_template"); err != nil {
		return err
	}
	defer r.locks.Release(r.database)

	var tpl Template
	if err := r.getJSON(ctx, prefixTemplate+id, &tpl); err != nil {
		return err
	}
	if tpl.Status == StatusInactive {
		return nil
	}

	tpl.Status = StatusInactive
	tpl.UpdatedAt = time.Now().UTC()
	if err := r.putJSON(ctx, prefixTemplate+id, tpl); err != nil {
		return fmt.Errorf("store template %s: %w", id, err)
	}

	r.logger.Debug("template deactivated",
		"database", r.database,
		"template_id", id,
		"key", tpl.Key())
	return nil
}

// GetTemplate returns a template by id. Lock-free.
func (r *Registry) GetTemplate(ctx context.Context, id string) (Template, error) {
	var tpl Template
	if err := r.getJSON(ctx, prefixTemplate+id, &tpl); err != nil {
		return Template{}, err
	}
	return tpl, nil
}

// GetTemplateByKey returns a template by its unique triple. The version
// is normalized before lookup, so "1.2.0" and "v1.2.0" resolve alike.
func (r *Registry) GetTemplateByKey(ctx context.Context, name, version, environment string) (Template, error) {
	normalized, err := NormalizeVersion(version)
	if err != nil {
		return Template{}, err
	}
	key := TemplateKey(name, normalized, environment)

	var idx templateIndex
	if err := r.getJSON(ctx, prefixTemplateKey+key, &idx); err != nil {
		return Template{}, err
	}
	return r.GetTemplate(ctx, idx.ID)
}

// ListTemplates returns templates matching the filter, ordered by
// (name, version, environment). Lock-free; tolerates rows written or
// removed by concurrent writers.
func (r *Registry) ListTemplates(ctx context.Context, f TemplateFilter) ([]Template, error) {
	var out []Template
	err := r.scanPrefix(ctx, prefixTemplateKey, func(_ string, row store.Row) (bool, error) {
		var idx templateIndex
		if err := json.Unmarshal(row, &idx); err != nil {
			return false, fmt.Errorf("decode template index: %w", err)
		}

		tpl, err := r.GetTemplate(ctx, idx.ID)
		if errors.Is(err, ErrNotFound) {
			return true, nil
		}
		if err != nil {
			return false, err
		}
		if f.matches(tpl) {
			out = append(out, tpl)
		}
		return true, nil
	})
	if err != nil {
		return nil, fmt.Errorf("list templates in %s: %w", r.database, err)
	}
	return out, nil
}

// =============================================================================
// Storage helpers
// =============================================================================

func (r *Registry) getJSON(ctx context.Context, key string, v any) error {
	row, err := r.store.Get(ctx, store.TableEntities, key)
	if errors.Is(err, store.ErrKeyNotFound) {
		return fmt.Errorf("%s in %s: %w", key, r.database, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("get %s in %s: %w", key, r.database, err)
	}
	if err := json.Unmarshal(row, v); err != nil {
		return fmt.Errorf("decode %s in %s: %w", key, r.database, err)
	}
	return nil
}

func (r *Registry) putJSON(ctx context.Context, key string, v any) error {
	row, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return r.store.Put(ctx, store.TableEntities, key, row)
}

// scanPrefix iterates entities-table rows under a key prefix, stripping
// the prefix from the keys handed to fn. Entity prefixes partition the
// key space, so the scan stops at the first key past the prefix range.
func (r *Registry) scanPrefix(ctx context.Context, prefix string, fn func(key string, row store.Row) (bool, error)) error {
	return r.store.Scan(ctx, store.TableEntities, func(key string, row store.Row) (bool, error) {
		if !strings.HasPrefix(key, prefix) {
			if key > prefix {
				return false, nil
			}
			return true, nil
		}
		return fn(key[len(prefix):], row)
	})
}
