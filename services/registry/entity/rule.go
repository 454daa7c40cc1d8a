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
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/TemplateMesh/services/registry/store"
)

// RuleFilter narrows a ListRules call. Zero fields match everything.
type RuleFilter struct {
	// EnvironmentContext matches the rule's environment exactly.
	EnvironmentContext string

	// Category matches the rule category exactly.
	Category RuleCategory

	// ActiveOnly excludes inactive rules.
	ActiveOnly bool
}

func (f RuleFilter) matches(rule Rule) bool {
	if f.EnvironmentContext != "" && rule.EnvironmentContext != f.EnvironmentContext {
		return false
	}
	if f.Category != "" && rule.Category != f.Category {
		return false
	}
	if f.ActiveOnly && !rule.Active {
		return false
	}
	return true
}

// RegisterRule validates the spec and stores a new adaptation rule.
//
// # Description
//
// Rule ids are unique within the scope; an empty spec id gets a
// generated one. The condition pattern and any replace-action pattern
// must compile.
//
// # Inputs
//
//   - ctx: Cancellation context.
//   - spec: The rule to register.
//
// # Outputs
//
//   - string: The rule id.
//   - error: ErrInvalidSpec, ErrDuplicateKey, lock or storage failures.
func (r *Registry) RegisterRule(ctx context.Context, spec RuleSpec) (string, error) {
	spec, err := spec.validate()
	if err != nil {
		return "", err
	}
	if spec.RuleID == "" {
		spec.RuleID = uuid.NewString()
	}

	if err := r.locks.Acquire(ctx, r.database, "register_rule"); err != nil {
		return "", err
	}
	defer r.locks.Release(r.database)

	key := prefixRule + spec.RuleID
	_, err = r.store.Get(ctx, store.TableEntities, key)
	switch {
	case err == nil:
		return "", &DuplicateKeyError{Kind: "rule", Key: spec.RuleID}
	case !errors.Is(err, store.ErrKeyNotFound):
		return "", fmt.Errorf("check rule %s: %w", spec.RuleID, err)
	}

	now := time.Now().UTC()
	rule := Rule{
		RuleID:              spec.RuleID,
		EnvironmentContext:  spec.EnvironmentContext,
		ConditionPattern:    spec.ConditionPattern,
		Action:              spec.Action,
		ConfidenceThreshold: spec.ConfidenceThreshold,
		ExecutionPriority:   spec.ExecutionPriority,
		Category:            spec.Category,
		Active:              spec.Active,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	if err := r.putJSON(ctx, key, rule); err != nil {
		return "", fmt.Errorf("store rule %s: %w", spec.RuleID, err)
	}

	r.logger.Debug("rule registered",
		"database", r.database,
		"rule_id", spec.RuleID,
		"environment_context", spec.EnvironmentContext,
		"category", spec.Category)
	return spec.RuleID, nil
}

// GetRule returns a rule by id. Lock-free.
func (r *Registry) GetRule(ctx context.Context, ruleID string) (Rule, error) {
	var rule Rule
	if err := r.getJSON(ctx, prefixRule+ruleID, &rule); err != nil {
		return Rule{}, err
	}
	return rule, nil
}

// ListRules returns rules matching the filter, ordered by rule id.
// Lock-free; the adaptation engine reorders by execution priority.
func (r *Registry) ListRules(ctx context.Context, f RuleFilter) ([]Rule, error) {
	var out []Rule
	err := r.scanPrefix(ctx, prefixRule, func(_ string, row store.Row) (bool, error) {
		var rule Rule
		if err := json.Unmarshal(row, &rule); err != nil {
			return false, fmt.Errorf("decode rule: %w", err)
		}
		if f.matches(rule) {
			out = append(out, rule)
		}
		return true, nil
	})
	if err != nil {
		return nil, fmt.Errorf("list rules in %s: %w", r.database, err)
	}
	return out, nil
}
