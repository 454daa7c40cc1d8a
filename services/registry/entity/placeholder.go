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
	"strings"
	"time"

	"github.com/AleutianAI/TemplateMesh/pkg/secret"
	"github.com/AleutianAI/TemplateMesh/services/registry/audit"
	"github.com/AleutianAI/TemplateMesh/services/registry/store"
)

// placeholderRow is the storage encoding of a Placeholder. The default
// value is stored raw; storage is the system of record, and the secret
// wrapper is rebuilt on decode so every rendering path redacts.
type placeholderRow struct {
	Name              string          `json:"name"`
	Type              PlaceholderType `json:"type"`
	Category          string          `json:"category,omitempty"`
	SecurityLevel     SecurityLevel   `json:"security_level"`
	DefaultValue      string          `json:"default_value"`
	ValidationPattern string          `json:"validation_pattern,omitempty"`
	UsageCount        int64           `json:"usage_count"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

func (row placeholderRow) decode() Placeholder {
	return Placeholder{
		Name:              row.Name,
		Type:              row.Type,
		Category:          row.Category,
		SecurityLevel:     row.SecurityLevel,
		DefaultValue:      secret.New(row.Name, row.DefaultValue, row.SecurityLevel == SecuritySecret),
		ValidationPattern: row.ValidationPattern,
		UsageCount:        row.UsageCount,
		CreatedAt:         row.CreatedAt,
		UpdatedAt:         row.UpdatedAt,
	}
}

// normalizePlaceholderName strips an optional surrounding {{...}} and
// enforces the UPPER_SNAKE convention.
func normalizePlaceholderName(name string) (string, error) {
	trimmed := strings.TrimSpace(name)
	if strings.HasPrefix(trimmed, "{{") && strings.HasSuffix(trimmed, "}}") {
		trimmed = strings.TrimSpace(trimmed[2 : len(trimmed)-2])
	}
	if !placeholderNameRE.MatchString(trimmed) {
		return "", fmt.Errorf("placeholder name %q is not UPPER_SNAKE: %w", name, ErrInvalidSpec)
	}
	return trimmed, nil
}

// PlaceholderFilter narrows a ListPlaceholders call. Zero fields match
// everything.
type PlaceholderFilter struct {
	// Type matches the placeholder type exactly.
	Type PlaceholderType

	// SecurityLevel matches the tier exactly.
	SecurityLevel SecurityLevel

	// Category matches the taxonomy group exactly.
	Category string
}

func (f PlaceholderFilter) matches(p Placeholder) bool {
	if f.Type != "" && p.Type != f.Type {
		return false
	}
	if f.SecurityLevel != "" && p.SecurityLevel != f.SecurityLevel {
		return false
	}
	if f.Category != "" && p.Category != f.Category {
		return false
	}
	return true
}

// RegisterPlaceholder validates the spec and stores a new placeholder.
//
// # Description
//
// Placeholder names are unique within the scope; a second registration
// fails with a DuplicateKeyError. SECRET defaults are held guarded in
// memory and render as the redaction marker on every output path.
//
// # Inputs
//
//   - ctx: Cancellation context.
//   - spec: The placeholder to register.
//
// # Outputs
//
//   - error: ErrInvalidSpec, ErrInvalidSecurityLevel, ErrDuplicateKey,
//     lock or storage failures.
func (r *Registry) RegisterPlaceholder(ctx context.Context, spec PlaceholderSpec) error {
	spec, err := spec.validate()
	if err != nil {
		return err
	}

	if err := r.locks.Acquire(ctx, r.database, "register_placeholder"); err != nil {
		return err
	}
	defer r.locks.Release(r.database)

	key := prefixPlaceholder + spec.Name
	_, err = r.store.Get(ctx, store.TableEntities, key)
	switch {
	case err == nil:
		return &DuplicateKeyError{Kind: "placeholder", Key: spec.Name}
	case !errors.Is(err, store.ErrKeyNotFound):
		return fmt.Errorf("check placeholder %s: %w", spec.Name, err)
	}

	now := time.Now().UTC()
	row := placeholderRow{
		Name:              spec.Name,
		Type:              spec.Type,
		Category:          spec.Category,
		SecurityLevel:     spec.SecurityLevel,
		DefaultValue:      spec.DefaultValue,
		ValidationPattern: spec.ValidationPattern,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := r.putJSON(ctx, key, row); err != nil {
		return fmt.Errorf("store placeholder %s: %w", spec.Name, err)
	}

	r.logger.Debug("placeholder registered",
		"database", r.database,
		"name", spec.Name,
		"type", spec.Type,
		"security_level", spec.SecurityLevel)
	return nil
}

// SetPlaceholderSecurity changes a placeholder's security level.
//
// # Description
//
// Promotions to a higher tier are free. Demotions are rejected with
// ErrUnauditedDemotion unless the caller supplies an audit entry with a
// reason; the entry is appended to the scope's audit log in the same
// call, before the level changes. Setting the current level is a no-op.
//
// # Inputs
//
//   - ctx: Cancellation context.
//   - name: The placeholder name.
//   - level: The new security level.
//   - entry: Audit entry for demotions. Ignored for promotions.
//
// # Outputs
//
//   - error: ErrInvalidSecurityLevel, ErrNotFound, ErrUnauditedDemotion,
//     lock or storage failures.
func (r *Registry) SetPlaceholderSecurity(ctx context.Context, name string, level SecurityLevel, entry *audit.Entry) error {
	name, err := normalizePlaceholderName(name)
	if err != nil {
		return err
	}
	if !level.Valid() {
		return &InvalidSecurityLevelError{Name: name, Level: level}
	}

	if err := r.locks.Acquire(ctx, r.database, "set_placeholder_security"); err != nil {
		return err
	}
	defer r.locks.Release(r.database)

	key := prefixPlaceholder + name
	var row placeholderRow
	if err := r.getJSON(ctx, key, &row); err != nil {
		return err
	}

	old := row.SecurityLevel
	if old == level {
		return nil
	}

	demotion := level.Below(old)
	if demotion {
		if entry == nil || strings.TrimSpace(entry.Reason) == "" {
			return fmt.Errorf("demote placeholder %s from %s to %s: %w",
				name, old, level, ErrUnauditedDemotion)
		}

		record := *entry
		record.Kind = audit.KindSecurityDemotion
		record.EntityKind = "placeholder"
		record.EntityKey = name
		if record.Details == nil {
			record.Details = make(map[string]string, 2)
		}
		record.Details["old_level"] = string(old)
		record.Details["new_level"] = string(level)

		appended, err := r.audits.Append(ctx, record)
		if err != nil {
			return fmt.Errorf("audit demotion of %s: %w", name, err)
		}
		r.logger.Info("placeholder security demoted",
			"database", r.database,
			"name", name,
			"old_level", old,
			"new_level", level,
			"audit_id", appended.ID)
	}

	row.SecurityLevel = level
	row.UpdatedAt = time.Now().UTC()
	if err := r.putJSON(ctx, key, row); err != nil {
		return fmt.Errorf("store placeholder %s: %w", name, err)
	}

	if !demotion {
		r.logger.Debug("placeholder security promoted",
			"database", r.database,
			"name", name,
			"old_level", old,
			"new_level", level)
	}
	return nil
}

// TouchPlaceholder increments a placeholder's usage counter.
func (r *Registry) TouchPlaceholder(ctx context.Context, name string) error {
	name, err := normalizePlaceholderName(name)
	if err != nil {
		return err
	}

	if err := r.locks.Acquire(ctx, r.database, "touch_placeholder"); err != nil {
		return err
	}
	defer r.locks.Release(r.database)

	key := prefixPlaceholder + name
	var row placeholderRow
	if err := r.getJSON(ctx, key, &row); err != nil {
		return err
	}

	row.UsageCount++
	row.UpdatedAt = time.Now().UTC()
	if err := r.putJSON(ctx, key, row); err != nil {
		return fmt.Errorf("store placeholder %s: %w", name, err)
	}
	return nil
}

// GetPlaceholder returns a placeholder by name. Lock-free.
func (r *Registry) GetPlaceholder(ctx context.Context, name string) (Placeholder, error) {
	name, err := normalizePlaceholderName(name)
	if err != nil {
		return Placeholder{}, err
	}

	var row placeholderRow
	if err := r.getJSON(ctx, prefixPlaceholder+name, &row); err != nil {
		return Placeholder{}, err
	}
	return row.decode(), nil
}

// ListPlaceholders returns placeholders matching the filter, ordered by
// name. Lock-free.
func (r *Registry) ListPlaceholders(ctx context.Context, f PlaceholderFilter) ([]Placeholder, error) {
	var out []Placeholder
	err := r.scanPrefix(ctx, prefixPlaceholder, func(_ string, raw store.Row) (bool, error) {
		var row placeholderRow
		if err := json.Unmarshal(raw, &row); err != nil {
			return false, fmt.Errorf("decode placeholder: %w", err)
		}
		p := row.decode()
		if f.matches(p) {
			out = append(out, p)
		}
		return true, nil
	})
	if err != nil {
		return nil, fmt.Errorf("list placeholders in %s: %w", r.database, err)
	}
	return out, nil
}
