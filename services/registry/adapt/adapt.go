// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package adapt produces environment-adapted template variants.
//
// # Description
//
// The engine takes a registered template and a target environment,
// selects the active adaptation rules declared for that environment,
// and applies every rule whose match confidence clears its own
// threshold, in ascending execution priority. Rules mutate a working
// copy; nothing persists until every rule has run, so a canceled or
// failed adaptation leaves the registry untouched.
//
// Confidence weighs how well a rule's condition pattern fits the
// template's metadata:
//
//	confidence = 0.6·(pattern matches category) + 0.4·(fraction of tags matching)
//
// A template with no tags scores only the category term.
//
// Applied rules append to an ordered change record. When a later rule
// fully overwrites a field an earlier rule changed, the earlier entries
// are flagged overridden rather than dropped.
//
// # Thread Safety
//
// The engine is stateless between calls and safe for concurrent use;
// persistence goes through the registry's own locking.
package adapt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"

	"github.com/AleutianAI/TemplateMesh/services/registry/audit"
	"github.com/AleutianAI/TemplateMesh/services/registry/entity"
	"github.com/AleutianAI/TemplateMesh/services/registry/ledger"
)

// Confidence weights for the two metadata signals.
const (
	categoryWeight = 0.6
	tagWeight      = 0.4
)

// actor recorded on adaptation audit entries.
const actor = "adapt_engine"

// ============================================================================
// Types
// ============================================================================

// Change is one applied rule's effect on the working copy.
type Change struct {
	// RuleID identifies the applied rule.
	RuleID string `json:"rule_id"`

	// Field is the template field the rule mutated.
	Field entity.ActionField `json:"field"`

	// OldValue is the field before the rule ran.
	OldValue string `json:"old_value"`

	// NewValue is the field after the rule ran.
	NewValue string `json:"new_value"`

	// Confidence is the rule's match confidence for this template.
	Confidence float64 `json:"confidence"`

	// Overridden marks a change a later rule fully overwrote.
	Overridden bool `json:"overridden,omitempty"`
}

// Result is the outcome of one adaptation call.
type Result struct {
	// Template is the adapted variant, or the original template when
	// no rule applied.
	Template entity.Template `json:"template"`

	// Changes records applied rules in execution order.
	Changes []Change `json:"changes"`

	// ReferenceID is the adaptation link from source to variant. Empty
	// when nothing was persisted.
	ReferenceID string `json:"reference_id,omitempty"`

	// AuditID is the adaptation audit entry. Empty when nothing was
	// persisted.
	AuditID string `json:"audit_id,omitempty"`
}

// Adapted reports whether any rule applied.
func (r Result) Adapted() bool {
	return len(r.Changes) > 0
}

// ============================================================================
// Engine
// ============================================================================

// Config carries the engine's dependencies.
type Config struct {
	// Registry owns the templates and rules of the scope being
	// adapted.
	Registry *entity.Registry

	// Ledger records the adaptation link from source to variant.
	Ledger *ledger.Ledger

	// Audits records adaptation audit entries.
	Audits *audit.Log

	// Logger receives structured logs. Defaults to slog.Default().
	Logger *slog.Logger
}

// Engine adapts templates to target environments.
type Engine struct {
	registry *entity.Registry
	ledger   *ledger.Ledger
	audits   *audit.Log
	logger   *slog.Logger
}

// New creates an adaptation engine.
func New(cfg Config) (*Engine, error) {
	if cfg.Registry == nil {
		return nil, errors.New("adapt: entity registry is required")
	}
	if cfg.Ledger == nil {
		return nil, errors.New("adapt: reference ledger is required")
	}
	if cfg.Audits == nil {
		return nil, errors.New("adapt: audit log is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Engine{
		registry: cfg.Registry,
		ledger:   cfg.Ledger,
		audits:   cfg.Audits,
		logger:   cfg.Logger,
	}, nil
}

// Adapt produces a variant of a template for a target environment.
//
// # Description
//
// Active rules whose environment context equals the target environment
// are ordered by ascending execution priority and applied to a working
// copy when their confidence clears their threshold. Cancellation is
// checked between rules; an aborted call persists nothing.
//
// When at least one rule applied, the variant is registered as a new
// template under the same name and version in the target environment,
// an adaptation reference links source to variant, and an audit entry
// records the run. Zero applicable rules is not an error: the original
// template comes back unchanged with an empty change list.
//
// # Inputs
//
//   - ctx: cancellation. Checked between rule applications.
//   - templateID: the source template. Must exist in this scope.
//   - targetEnvironment: a lowercase environment identifier.
//
// # Outputs
//
//   - Result: the variant or original, its change record, and the
//     lineage identifiers when persisted.
//   - error: entity.ErrNotFound, entity.ErrInvalidSpec,
//     entity.ErrDuplicateKey when the variant key exists, ctx.Err() on
//     cancellation, or a storage failure.
//
// # Example
//
//	res, err := engine.Adapt(ctx, id, "disaster_recovery")
//	if err != nil { ... }
//	if res.Adapted() {
//		fmt.Println(res.Template.ID, len(res.Changes))
//	}
func (e *Engine) Adapt(ctx context.Context, templateID, targetEnvironment string) (Result, error) {
	if !entity.ValidEnvironment(targetEnvironment) {
		return Result{}, fmt.Errorf("target environment %q: %w", targetEnvironment, entity.ErrInvalidSpec)
	}

	tpl, err := e.registry.GetTemplate(ctx, templateID)
	if err != nil {
		return Result{}, err
	}

	rules, err := e.registry.ListRules(ctx, entity.RuleFilter{
		EnvironmentContext: targetEnvironment,
		ActiveOnly:         true,
	})
	if err != nil {
		return Result{}, err
	}
	sort.SliceStable(rules, func(i, j int) bool {
		if rules[i].ExecutionPriority != rules[j].ExecutionPriority {
			return rules[i].ExecutionPriority < rules[j].ExecutionPriority
		}
		return rules[i].RuleID < rules[j].RuleID
	})

	variant := tpl
	variant.Tags = append([]string(nil), tpl.Tags...)
	changes := make([]Change, 0, len(rules))

	for _, rule := range rules {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}

		re, err := entity.CompilePattern(rule.ConditionPattern)
		if err != nil {
			return Result{}, fmt.Errorf("rule %s condition pattern: %w", rule.RuleID, err)
		}
		confidence := matchConfidence(re, variant)
		if confidence < rule.ConfidenceThreshold {
			continue
		}

		oldValue, newValue, err := applyAction(&variant, rule.Action)
		if err != nil {
			return Result{}, fmt.Errorf("rule %s: %w", rule.RuleID, err)
		}

		if rule.Action.Op == entity.OpSet {
			for i := range changes {
				if changes[i].Field == rule.Action.Field {
					changes[i].Overridden = true
				}
			}
		}
		changes = append(changes, Change{
			RuleID:     rule.RuleID,
			Field:      rule.Action.Field,
			OldValue:   oldValue,
			NewValue:   newValue,
			Confidence: confidence,
		})
	}

	if len(changes) == 0 {
		e.logger.Debug("No adaptation rules applied",
			"template_id", templateID,
			"target_environment", targetEnvironment,
			"rules_considered", len(rules))
		return Result{Template: tpl, Changes: changes}, nil
	}

	variantID, err := e.registry.RegisterTemplate(ctx, entity.TemplateSpec{
		Name:        tpl.Name,
		Version:     tpl.Version,
		Environment: targetEnvironment,
		Content:     variant.Content,
		Tags:        variant.Tags,
		Category:    variant.Category,
		ParentID:    tpl.ID,
	})
	if err != nil {
		return Result{}, err
	}

	database := e.registry.Database()
	refID, err := e.ledger.Link(ctx,
		ledger.TemplateEndpoint(database, tpl.ID),
		ledger.TemplateEndpoint(database, variantID),
		ledger.RelAdaptation)
	if err != nil {
		return Result{}, fmt.Errorf("link adaptation %s -> %s: %w", tpl.ID, variantID, err)
	}

	entry, err := e.audits.Append(ctx, audit.Entry{
		Kind:       audit.KindAdaptation,
		EntityKind: "template",
		EntityKey:  variantID,
		Actor:      actor,
		Reason:     fmt.Sprintf("adapted %s for %s", tpl.Key(), targetEnvironment),
		Details: map[string]string{
			"source_template_id": tpl.ID,
			"target_environment": targetEnvironment,
			"rules_applied":      fmt.Sprintf("%d", len(changes)),
			"reference_id":       refID,
		},
	})
	if err != nil {
		return Result{}, fmt.Errorf("audit adaptation of %s: %w", tpl.ID, err)
	}

	adapted, err := e.registry.GetTemplate(ctx, variantID)
	if err != nil {
		return Result{}, err
	}

	e.logger.Info("Adapted template",
		"template_id", tpl.ID,
		"variant_id", variantID,
		"target_environment", targetEnvironment,
		"rules_applied", len(changes),
		"reference_id", refID)

	return Result{
		Template:    adapted,
		Changes:     changes,
		ReferenceID: refID,
		AuditID:     entry.ID,
	}, nil
}

// ============================================================================
// Rule application
// ============================================================================

// matchConfidence scores a rule's condition pattern against template
// metadata. The category either matches or it does not; tags score by
// the matching fraction, and a template with no tags takes no tag term.
func matchConfidence(re *regexp.Regexp, tpl entity.Template) float64 {
	var score float64
	if re.MatchString(tpl.Category) {
		score += categoryWeight
	}
	if len(tpl.Tags) > 0 {
		matched := 0
		for _, tag := range tpl.Tags {
			if re.MatchString(tag) {
				matched++
			}
		}
		score += tagWeight * float64(matched) / float64(len(tpl.Tags))
	}
	return score
}

// applyAction mutates one field of the working copy and returns the
// field's rendering before and after.
func applyAction(variant *entity.Template, action entity.Action) (string, string, error) {
	switch action.Field {
	case entity.FieldContent:
		old := variant.Content
		updated, err := applyTextOp(old, action, "\n")
		if err != nil {
			return "", "", err
		}
		variant.Content = updated
		return old, updated, nil

	case entity.FieldCategory:
		old := variant.Category
		updated, err := applyTextOp(old, action, "")
		if err != nil {
			return "", "", err
		}
		variant.Category = updated
		return old, updated, nil

	case entity.FieldTags:
		old := strings.Join(variant.Tags, ",")
		updated, err := applyTagsOp(variant.Tags, action)
		if err != nil {
			return "", "", err
		}
		variant.Tags = updated
		return old, strings.Join(updated, ","), nil

	default:
		return "", "", fmt.Errorf("action field %q: %w", action.Field, entity.ErrInvalidSpec)
	}
}

// applyTextOp applies a set, replace, or append to a string field.
// Append joins with sep when both sides are non-empty.
func applyTextOp(current string, action entity.Action, sep string) (string, error) {
	switch action.Op {
	case entity.OpSet:
		return action.Value, nil
	case entity.OpReplace:
		re, err := entity.CompilePattern(action.Pattern)
		if err != nil {
			return "", fmt.Errorf("action pattern %q: %w", action.Pattern, err)
		}
		return re.ReplaceAllString(current, action.Value), nil
	case entity.OpAppend:
		if current == "" {
			return action.Value, nil
		}
		return current + sep + action.Value, nil
	default:
		return "", fmt.Errorf("action op %q: %w", action.Op, entity.ErrInvalidSpec)
	}
}

// applyTagsOp applies a set, replace, or append to the tag set. Set
// replaces the whole set with the comma-separated value; append adds
// one tag; replace rewrites each tag through the pattern.
func applyTagsOp(current []string, action entity.Action) ([]string, error) {
	switch action.Op {
	case entity.OpSet:
		return entity.NormalizeTags(strings.Split(action.Value, ",")), nil
	case entity.OpAppend:
		return entity.NormalizeTags(append(append([]string(nil), current...), action.Value)), nil
	case entity.OpReplace:
		re, err := entity.CompilePattern(action.Pattern)
		if err != nil {
			return nil, fmt.Errorf("action pattern %q: %w", action.Pattern, err)
		}
		out := make([]string, len(current))
		for i, tag := range current {
			out[i] = re.ReplaceAllString(tag, action.Value)
		}
		return entity.NormalizeTags(out), nil
	default:
		return nil, fmt.Errorf("action op %q: %w", action.Op, entity.ErrInvalidSpec)
	}
}
