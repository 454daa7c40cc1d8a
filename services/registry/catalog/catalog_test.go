// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package catalog

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/AleutianAI/TemplateMesh/pkg/secret"
	"github.com/AleutianAI/TemplateMesh/services/registry/audit"
	"github.com/AleutianAI/TemplateMesh/services/registry/entity"
	"github.com/AleutianAI/TemplateMesh/services/registry/lock"
	"github.com/AleutianAI/TemplateMesh/services/registry/store"
)

func createTestRegistry(t *testing.T) *entity.Registry {
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

	audits, err := audit.New("production", st)
	if err != nil {
		t.Fatalf("audit.New() error = %v", err)
	}

	reg, err := entity.New(entity.Config{
		Database: "production",
		Store:    st,
		Locks:    locks,
		Audit:    audits,
	})
	if err != nil {
		t.Fatalf("entity.New() error = %v", err)
	}
	return reg
}

func TestCatalog_Shape(t *testing.T) {
	t.Run("placeholder taxonomy", func(t *testing.T) {
		specs := Placeholders()
		if got, want := len(specs), 34; got != want {
			t.Fatalf("len(Placeholders()) = %d, want %d", got, want)
		}

		seen := make(map[string]bool, len(specs))
		categories := make(map[string]int)
		for _, spec := range specs {
			if seen[spec.Name] {
				t.Errorf("duplicate placeholder name %s", spec.Name)
			}
			seen[spec.Name] = true
			categories[spec.Category]++

			if spec.SecurityLevel == entity.SecuritySecret && spec.DefaultValue != "" {
				t.Errorf("secret placeholder %s ships a default value", spec.Name)
			}
			if spec.ValidationPattern == "" {
				t.Errorf("placeholder %s has no validation pattern", spec.Name)
			}
		}
		if got, want := len(categories), 7; got != want {
			t.Errorf("placeholder categories = %d, want %d", got, want)
		}
	})

	t.Run("profiles select their environment's rules", func(t *testing.T) {
		rules := make(map[string]entity.RuleSpec, len(Rules()))
		for _, r := range Rules() {
			if _, dup := rules[r.RuleID]; dup {
				t.Errorf("duplicate rule id %s", r.RuleID)
			}
			rules[r.RuleID] = r
		}

		profiles := Profiles()
		if got, want := len(profiles), len(Environments()); got != want {
			t.Fatalf("len(Profiles()) = %d, want %d", got, want)
		}

		tiers := make(map[int]string, len(profiles))
		for _, p := range profiles {
			if len(p.RuleIDs) == 0 {
				t.Errorf("profile %s selects no rules", p.ProfileID)
			}
			for _, id := range p.RuleIDs {
				r, ok := rules[id]
				if !ok {
					t.Errorf("profile %s references unknown rule %s", p.ProfileID, id)
					continue
				}
				if r.EnvironmentContext != p.EnvironmentType {
					t.Errorf("profile %s selects rule %s from environment %s",
						p.ProfileID, id, r.EnvironmentContext)
				}
			}
			if holder, taken := tiers[p.Priority]; taken {
				t.Errorf("profiles %s and %s share priority %d", holder, p.ProfileID, p.Priority)
			}
			tiers[p.Priority] = p.ProfileID
			if !p.Active {
				t.Errorf("profile %s is not active", p.ProfileID)
			}
		}
	})

	t.Run("every environment has rules", func(t *testing.T) {
		byEnv := make(map[string]int)
		for _, r := range Rules() {
			byEnv[r.EnvironmentContext]++
			if !r.Active {
				t.Errorf("rule %s is not active", r.RuleID)
			}
		}
		for _, env := range Environments() {
			if byEnv[env] == 0 {
				t.Errorf("environment %s has no rules", env)
			}
		}
		if got, want := byEnv["production"], 6; got != want {
			t.Errorf("production rules = %d, want %d", got, want)
		}
	})
}

func TestSeed(t *testing.T) {
	ctx := context.Background()

	t.Run("fresh registry registers everything", func(t *testing.T) {
		reg := createTestRegistry(t)

		sum, err := Seed(ctx, reg)
		if err != nil {
			t.Fatalf("Seed() error = %v", err)
		}
		if sum.Empty() {
			t.Error("Seed() on a fresh registry reported nothing added")
		}
		if got, want := sum.RulesAdded, len(Rules()); got != want {
			t.Errorf("RulesAdded = %d, want %d", got, want)
		}
		if got, want := sum.ProfilesAdded, len(Profiles()); got != want {
			t.Errorf("ProfilesAdded = %d, want %d", got, want)
		}
		if got, want := sum.PlaceholdersAdded, len(Placeholders()); got != want {
			t.Errorf("PlaceholdersAdded = %d, want %d", got, want)
		}
		if sum.RulesSkipped != 0 || sum.ProfilesSkipped != 0 || sum.PlaceholdersSkipped != 0 {
			t.Errorf("fresh seed skipped entries: %+v", sum)
		}
	})

	t.Run("second run skips everything", func(t *testing.T) {
		reg := createTestRegistry(t)
		if _, err := Seed(ctx, reg); err != nil {
			t.Fatalf("first Seed() error = %v", err)
		}

		sum, err := Seed(ctx, reg)
		if err != nil {
			t.Fatalf("second Seed() error = %v", err)
		}
		if !sum.Empty() {
			t.Errorf("second Seed() added entries: %+v", sum)
		}
		if got, want := sum.RulesSkipped, len(Rules()); got != want {
			t.Errorf("RulesSkipped = %d, want %d", got, want)
		}
		if got, want := sum.ProfilesSkipped, len(Profiles()); got != want {
			t.Errorf("ProfilesSkipped = %d, want %d", got, want)
		}
		if got, want := sum.PlaceholdersSkipped, len(Placeholders()); got != want {
			t.Errorf("PlaceholdersSkipped = %d, want %d", got, want)
		}
	})

	t.Run("nil registry", func(t *testing.T) {
		if _, err := Seed(ctx, nil); err == nil {
			t.Error("Seed(nil) succeeded")
		}
	})
}

func TestSeed_Lookups(t *testing.T) {
	ctx := context.Background()
	reg := createTestRegistry(t)
	if _, err := Seed(ctx, reg); err != nil {
		t.Fatalf("Seed() error = %v", err)
	}

	t.Run("active profile per environment", func(t *testing.T) {
		p, err := reg.GetActiveProfile(ctx, "production")
		if err != nil {
			t.Fatalf("GetActiveProfile(production) error = %v", err)
		}
		if p.ProfileID != "PROFILE_PRODUCTION" {
			t.Errorf("ProfileID = %s, want PROFILE_PRODUCTION", p.ProfileID)
		}
		if len(p.RuleIDs) != 6 {
			t.Errorf("production profile selects %d rules, want 6", len(p.RuleIDs))
		}

		for _, env := range Environments() {
			if _, err := reg.GetActiveProfile(ctx, env); err != nil {
				t.Errorf("GetActiveProfile(%s) error = %v", env, err)
			}
		}
	})

	t.Run("production rules cover all six categories", func(t *testing.T) {
		rules, err := reg.ListRules(ctx, entity.RuleFilter{
			EnvironmentContext: "production",
			ActiveOnly:         true,
		})
		if err != nil {
			t.Fatalf("ListRules(production) error = %v", err)
		}
		if len(rules) != 6 {
			t.Fatalf("production rules = %d, want 6", len(rules))
		}

		covered := make(map[entity.RuleCategory]bool, len(rules))
		for _, r := range rules {
			covered[r.Category] = true
		}
		for _, want := range []entity.RuleCategory{
			entity.CategoryLogging,
			entity.CategoryDatabase,
			entity.CategoryErrorHandling,
			entity.CategoryPerformance,
			entity.CategorySecurity,
			entity.CategoryResource,
		} {
			if !covered[want] {
				t.Errorf("production rules missing category %s", want)
			}
		}
	})

	t.Run("secret placeholders redact", func(t *testing.T) {
		p, err := reg.GetPlaceholder(ctx, "DATABASE_PASSWORD")
		if err != nil {
			t.Fatalf("GetPlaceholder(DATABASE_PASSWORD) error = %v", err)
		}
		if !p.DefaultValue.IsSensitive() {
			t.Error("DATABASE_PASSWORD default is not sensitive")
		}
		if got := fmt.Sprint(p.DefaultValue); got != secret.Marker {
			t.Errorf("rendered secret default = %q, want %q", got, secret.Marker)
		}
		if got := p.DefaultValue.Reveal(); got != "" {
			t.Errorf("Reveal() = %q, want empty", got)
		}
	})

	t.Run("placeholder filters", func(t *testing.T) {
		secrets, err := reg.ListPlaceholders(ctx, entity.PlaceholderFilter{
			SecurityLevel: entity.SecuritySecret,
		})
		if err != nil {
			t.Fatalf("ListPlaceholders(secret) error = %v", err)
		}
		if got, want := len(secrets), 5; got != want {
			t.Errorf("secret placeholders = %d, want %d", got, want)
		}

		conn, err := reg.ListPlaceholders(ctx, entity.PlaceholderFilter{
			Category: "DATABASE_CONNECTION",
		})
		if err != nil {
			t.Fatalf("ListPlaceholders(DATABASE_CONNECTION) error = %v", err)
		}
		if got, want := len(conn), 5; got != want {
			t.Errorf("DATABASE_CONNECTION placeholders = %d, want %d", got, want)
		}
	})
}
