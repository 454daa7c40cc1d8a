// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package adapt

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/AleutianAI/TemplateMesh/services/registry/audit"
	"github.com/AleutianAI/TemplateMesh/services/registry/entity"
	"github.com/AleutianAI/TemplateMesh/services/registry/ledger"
	"github.com/AleutianAI/TemplateMesh/services/registry/lock"
	"github.com/AleutianAI/TemplateMesh/services/registry/store"
)

type engineFixture struct {
	engine *Engine
	reg    *entity.Registry
	led    *ledger.Ledger
	audits *audit.Log
}

func createTestEngine(t *testing.T) *engineFixture {
	t.Helper()

	st := store.NewMemory()
	t.Cleanup(func() { _ = st.Close() })

	locks, err := lock.NewManager(lock.Config{
		LockDir:      t.TempDir(),
		Timeout:      2 * time.Second,
		PollInterval: 20 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	t.Cleanup(func() { _ = locks.Close() })

	audits, err := audit.New("development", st)
	if err != nil {
		t.Fatalf("audit.New() error = %v", err)
	}

	reg, err := entity.New(entity.Config{
		Database: "development",
		Store:    st,
		Locks:    locks,
		Audit:    audits,
	})
	if err != nil {
		t.Fatalf("entity.New() error = %v", err)
	}

	led, err := ledger.New(context.Background(), ledger.Config{
		Stores: store.Stores{"development": st},
		Locks:  locks,
	})
	if err != nil {
		t.Fatalf("ledger.New() error = %v", err)
	}

	engine, err := New(Config{Registry: reg, Ledger: led, Audits: audits})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	return &engineFixture{engine: engine, reg: reg, led: led, audits: audits}
}

func (f *engineFixture) registerTemplate(t *testing.T, spec entity.TemplateSpec) string {
	t.Helper()

	id, err := f.reg.RegisterTemplate(context.Background(), spec)
	if err != nil {
		t.Fatalf("RegisterTemplate(%s) error = %v", spec.Name, err)
	}
	return id
}

func (f *engineFixture) registerRule(t *testing.T, spec entity.RuleSpec) string {
	t.Helper()

	id, err := f.reg.RegisterRule(context.Background(), spec)
	if err != nil {
		t.Fatalf("RegisterRule(%s) error = %v", spec.RuleID, err)
	}
	return id
}

func webServerSpec() entity.TemplateSpec {
	return entity.TemplateSpec{
		Name:        "web_server",
		Version:     "1.0.0",
		Environment: "development",
		Content:     "server:\n  log_level=debug\n  workers=2",
		Tags:        []string{"web", "logging"},
		Category:    "web_config",
	}
}

func TestNew(t *testing.T) {
	fix := createTestEngine(t)

	cases := []struct {
		name string
		cfg  Config
	}{
		{"missing registry", Config{Ledger: fix.led, Audits: fix.audits}},
		{"missing ledger", Config{Registry: fix.reg, Audits: fix.audits}},
		{"missing audits", Config{Registry: fix.reg, Ledger: fix.led}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := New(tc.cfg); err == nil {
				t.Error("New() should fail")
			}
		})
	}
}

func TestEngine_Adapt(t *testing.T) {
	ctx := context.Background()

	t.Run("applies matching rules and persists the variant", func(t *testing.T) {
		fix := createTestEngine(t)
		srcID := fix.registerTemplate(t, webServerSpec())

		quiet := fix.registerRule(t, entity.RuleSpec{
			RuleID:              "production_logging_quiet",
			EnvironmentContext:  "production",
			ConditionPattern:    "web",
			ConfidenceThreshold: 0.7,
			ExecutionPriority:   0,
			Category:            entity.CategoryLogging,
			Active:              true,
			Action: entity.Action{
				Field:   entity.FieldContent,
				Op:      entity.OpReplace,
				Pattern: "log_level=debug",
				Value:   "log_level=warn",
			},
		})
		harden := fix.registerRule(t, entity.RuleSpec{
			RuleID:              "production_tag_hardened",
			EnvironmentContext:  "production",
			ConditionPattern:    "logging",
			ConfidenceThreshold: 0.1,
			ExecutionPriority:   1,
			Category:            entity.CategorySecurity,
			Active:              true,
			Action: entity.Action{
				Field: entity.FieldTags,
				Op:    entity.OpAppend,
				Value: "hardened",
			},
		})

		res, err := fix.engine.Adapt(ctx, srcID, "production")
		if err != nil {
			t.Fatalf("Adapt() error = %v", err)
		}
		if !res.Adapted() {
			t.Fatal("Adapt() applied no rules")
		}
		if len(res.Changes) != 2 || res.Changes[0].RuleID != quiet || res.Changes[1].RuleID != harden {
			t.Fatalf("Changes = %+v, want [%s %s] in priority order", res.Changes, quiet, harden)
		}

		variant := res.Template
		if variant.ID == srcID {
			t.Error("variant reused the source template ID")
		}
		if variant.Name != "web_server" || variant.Version != "v1.0.0" || variant.Environment != "production" {
			t.Errorf("variant key = %s, want web_server@v1.0.0@production", variant.Key())
		}
		if variant.ParentID != srcID {
			t.Errorf("ParentID = %q, want %q", variant.ParentID, srcID)
		}
		if variant.Content != "server:\n  log_level=warn\n  workers=2" {
			t.Errorf("variant content = %q, want the rewritten log level", variant.Content)
		}
		wantTags := []string{"hardened", "logging", "web"}
		if len(variant.Tags) != 3 || variant.Tags[0] != wantTags[0] ||
			variant.Tags[1] != wantTags[1] || variant.Tags[2] != wantTags[2] {
			t.Errorf("variant tags = %v, want %v", variant.Tags, wantTags)
		}

		// The variant is findable by key and the source is untouched.
		byKey, err := fix.reg.GetTemplateByKey(ctx, "web_server", "1.0.0", "production")
		if err != nil {
			t.Fatalf("GetTemplateByKey() error = %v", err)
		}
		if byKey.ID != variant.ID {
			t.Errorf("GetTemplateByKey() = %s, want %s", byKey.ID, variant.ID)
		}
		src, _ := fix.reg.GetTemplate(ctx, srcID)
		if src.Content != webServerSpec().Content || src.SuccessRate != 0 {
			t.Errorf("source template mutated: %+v", src)
		}

		// Lineage: one adaptation reference from source to variant.
		var refs []ledger.Reference
		err = fix.led.ListReferences(ctx, ledger.TemplateEndpoint("development", srcID),
			func(ref ledger.Reference) (bool, error) {
				refs = append(refs, ref)
				return true, nil
			})
		if err != nil {
			t.Fatalf("ListReferences() error = %v", err)
		}
		if len(refs) != 1 || refs[0].ReferenceID != res.ReferenceID ||
			refs[0].Type != ledger.RelAdaptation {
			t.Fatalf("references = %+v, want one adaptation link %s", refs, res.ReferenceID)
		}
		if refs[0].Target != ledger.TemplateEndpoint("development", variant.ID) {
			t.Errorf("link target = %s, want the variant", refs[0].Target)
		}

		// The run is audited.
		entries, err := fix.audits.List(ctx, audit.Filter{Kind: audit.KindAdaptation})
		if err != nil {
			t.Fatalf("audits.List() error = %v", err)
		}
		if len(entries) != 1 || entries[0].ID != res.AuditID {
			t.Fatalf("audit entries = %+v, want the run's entry %s", entries, res.AuditID)
		}
		if entries[0].EntityKey != variant.ID ||
			entries[0].Details["source_template_id"] != srcID ||
			entries[0].Details["target_environment"] != "production" {
			t.Errorf("audit entry = %+v, want variant and source recorded", entries[0])
		}
	})

	t.Run("zero matching rules returns the original unchanged", func(t *testing.T) {
		fix := createTestEngine(t)
		srcID := fix.registerTemplate(t, webServerSpec())

		// Active rule for another environment and an inactive rule for
		// the target both stay out of the run.
		fix.registerRule(t, entity.RuleSpec{
			RuleID:              "staging_rule",
			EnvironmentContext:  "staging",
			ConditionPattern:    ".*",
			ConfidenceThreshold: 0,
			Category:            entity.CategoryLogging,
			Active:              true,
			Action:              entity.Action{Field: entity.FieldCategory, Op: entity.OpSet, Value: "x"},
		})
		fix.registerRule(t, entity.RuleSpec{
			RuleID:              "production_dormant",
			EnvironmentContext:  "production",
			ConditionPattern:    ".*",
			ConfidenceThreshold: 0,
			Category:            entity.CategoryLogging,
			Active:              false,
			Action:              entity.Action{Field: entity.FieldCategory, Op: entity.OpSet, Value: "x"},
		})

		res, err := fix.engine.Adapt(ctx, srcID, "production")
		if err != nil {
			t.Fatalf("Adapt() error = %v", err)
		}
		if res.Adapted() || len(res.Changes) != 0 {
			t.Errorf("Changes = %+v, want none", res.Changes)
		}
		if res.Template.ID != srcID || res.Template.SuccessRate != 0 {
			t.Errorf("Template = %+v, want the untouched original", res.Template)
		}
		if res.ReferenceID != "" || res.AuditID != "" {
			t.Errorf("lineage ids = %q/%q, want empty", res.ReferenceID, res.AuditID)
		}

		// Nothing was persisted for the target environment.
		if _, err := fix.reg.GetTemplateByKey(ctx, "web_server", "1.0.0", "production"); !errors.Is(err, entity.ErrNotFound) {
			t.Errorf("GetTemplateByKey() error = %v, want ErrNotFound", err)
		}
	})

	t.Run("threshold gates application", func(t *testing.T) {
		fix := createTestEngine(t)
		srcID := fix.registerTemplate(t, entity.TemplateSpec{
			Name:        "db_pool",
			Version:     "2.1.0",
			Environment: "development",
			Content:     "pool_size=4",
			Tags:        []string{"db", "cache", "db_pool"},
			Category:    "database_config",
		})

		// ^db$ matches exactly one of three tags and not the category:
		// confidence = 0.4 * 1/3.
		clears := fix.registerRule(t, entity.RuleSpec{
			RuleID:              "clears_threshold",
			EnvironmentContext:  "production",
			ConditionPattern:    "^db$",
			ConfidenceThreshold: 0.13,
			ExecutionPriority:   0,
			Category:            entity.CategoryDatabase,
			Active:              true,
			Action:              entity.Action{Field: entity.FieldContent, Op: entity.OpAppend, Value: "max_overflow=0"},
		})
		fix.registerRule(t, entity.RuleSpec{
			RuleID:              "misses_threshold",
			EnvironmentContext:  "production",
			ConditionPattern:    "^db$",
			ConfidenceThreshold: 0.14,
			ExecutionPriority:   1,
			Category:            entity.CategoryDatabase,
			Active:              true,
			Action:              entity.Action{Field: entity.FieldContent, Op: entity.OpSet, Value: "never applied"},
		})

		res, err := fix.engine.Adapt(ctx, srcID, "production")
		if err != nil {
			t.Fatalf("Adapt() error = %v", err)
		}
		if len(res.Changes) != 1 || res.Changes[0].RuleID != clears {
			t.Fatalf("Changes = %+v, want only %s", res.Changes, clears)
		}
		if got, want := res.Changes[0].Confidence, 0.4/3.0; math.Abs(got-want) > 1e-9 {
			t.Errorf("Confidence = %v, want %v", got, want)
		}
		if res.Template.Content != "pool_size=4\nmax_overflow=0" {
			t.Errorf("content = %q, want the appended directive", res.Template.Content)
		}
	})

	t.Run("later set flags earlier changes overridden", func(t *testing.T) {
		fix := createTestEngine(t)
		srcID := fix.registerTemplate(t, webServerSpec())

		first := fix.registerRule(t, entity.RuleSpec{
			RuleID:              "category_first",
			EnvironmentContext:  "production",
			ConditionPattern:    "web",
			ConfidenceThreshold: 0.2,
			ExecutionPriority:   0,
			Category:            entity.CategoryResource,
			Active:              true,
			Action:              entity.Action{Field: entity.FieldCategory, Op: entity.OpSet, Value: "tuned_web_config"},
		})
		second := fix.registerRule(t, entity.RuleSpec{
			RuleID:              "category_second",
			EnvironmentContext:  "production",
			ConditionPattern:    "web",
			ConfidenceThreshold: 0.2,
			ExecutionPriority:   5,
			Category:            entity.CategoryResource,
			Active:              true,
			Action:              entity.Action{Field: entity.FieldCategory, Op: entity.OpSet, Value: "final_web_config"},
		})

		res, err := fix.engine.Adapt(ctx, srcID, "production")
		if err != nil {
			t.Fatalf("Adapt() error = %v", err)
		}
		if len(res.Changes) != 2 {
			t.Fatalf("Changes = %+v, want 2 entries", res.Changes)
		}
		if res.Changes[0].RuleID != first || !res.Changes[0].Overridden {
			t.Errorf("Changes[0] = %+v, want %s flagged overridden", res.Changes[0], first)
		}
		if res.Changes[1].RuleID != second || res.Changes[1].Overridden {
			t.Errorf("Changes[1] = %+v, want %s not overridden", res.Changes[1], second)
		}
		if res.Template.Category != "final_web_config" {
			t.Errorf("Category = %q, want last writer's value", res.Template.Category)
		}
	})

	t.Run("appends compose without overriding", func(t *testing.T) {
		fix := createTestEngine(t)
		srcID := fix.registerTemplate(t, webServerSpec())

		fix.registerRule(t, entity.RuleSpec{
			RuleID:              "append_metrics",
			EnvironmentContext:  "production",
			ConditionPattern:    "web",
			ConfidenceThreshold: 0.2,
			ExecutionPriority:   0,
			Category:            entity.CategoryPerformance,
			Active:              true,
			Action:              entity.Action{Field: entity.FieldContent, Op: entity.OpAppend, Value: "metrics=on"},
		})
		fix.registerRule(t, entity.RuleSpec{
			RuleID:              "append_limits",
			EnvironmentContext:  "production",
			ConditionPattern:    "web",
			ConfidenceThreshold: 0.2,
			ExecutionPriority:   1,
			Category:            entity.CategoryResource,
			Active:              true,
			Action:              entity.Action{Field: entity.FieldContent, Op: entity.OpAppend, Value: "max_conns=512"},
		})

		res, err := fix.engine.Adapt(ctx, srcID, "production")
		if err != nil {
			t.Fatalf("Adapt() error = %v", err)
		}
		if res.Changes[0].Overridden || res.Changes[1].Overridden {
			t.Errorf("Changes = %+v, appends should not override", res.Changes)
		}
		want := webServerSpec().Content + "\nmetrics=on\nmax_conns=512"
		if res.Template.Content != want {
			t.Errorf("content = %q, want both appends in order", res.Template.Content)
		}
	})

	t.Run("cancellation persists nothing", func(t *testing.T) {
		fix := createTestEngine(t)
		srcID := fix.registerTemplate(t, webServerSpec())
		fix.registerRule(t, entity.RuleSpec{
			RuleID:              "production_rule",
			EnvironmentContext:  "production",
			ConditionPattern:    ".*",
			ConfidenceThreshold: 0,
			Category:            entity.CategoryLogging,
			Active:              true,
			Action:              entity.Action{Field: entity.FieldContent, Op: entity.OpSet, Value: "canceled"},
		})

		canceled, cancel := context.WithCancel(ctx)
		cancel()

		if _, err := fix.engine.Adapt(canceled, srcID, "production"); !errors.Is(err, context.Canceled) {
			t.Fatalf("Adapt(canceled) error = %v, want context.Canceled", err)
		}
		if _, err := fix.reg.GetTemplateByKey(ctx, "web_server", "1.0.0", "production"); !errors.Is(err, entity.ErrNotFound) {
			t.Errorf("GetTemplateByKey() error = %v, want ErrNotFound after abort", err)
		}
	})

	t.Run("existing variant key surfaces duplicate", func(t *testing.T) {
		fix := createTestEngine(t)
		srcID := fix.registerTemplate(t, webServerSpec())
		fix.registerRule(t, entity.RuleSpec{
			RuleID:              "production_rule",
			EnvironmentContext:  "production",
			ConditionPattern:    ".*",
			ConfidenceThreshold: 0,
			Category:            entity.CategoryLogging,
			Active:              true,
			Action:              entity.Action{Field: entity.FieldContent, Op: entity.OpAppend, Value: "x=1"},
		})

		if _, err := fix.engine.Adapt(ctx, srcID, "production"); err != nil {
			t.Fatalf("Adapt() error = %v", err)
		}
		if _, err := fix.engine.Adapt(ctx, srcID, "production"); !errors.Is(err, entity.ErrDuplicateKey) {
			t.Errorf("second Adapt() error = %v, want ErrDuplicateKey", err)
		}
	})

	t.Run("malformed requests", func(t *testing.T) {
		fix := createTestEngine(t)
		srcID := fix.registerTemplate(t, webServerSpec())

		if _, err := fix.engine.Adapt(ctx, srcID, "Prod-1"); !errors.Is(err, entity.ErrInvalidSpec) {
			t.Errorf("Adapt(bad environment) error = %v, want ErrInvalidSpec", err)
		}
		if _, err := fix.engine.Adapt(ctx, "no-such-template", "production"); !errors.Is(err, entity.ErrNotFound) {
			t.Errorf("Adapt(unknown template) error = %v, want ErrNotFound", err)
		}
	})
}
