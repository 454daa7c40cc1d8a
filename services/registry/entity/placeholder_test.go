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
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"testing"

	"github.com/AleutianAI/TemplateMesh/pkg/secret"
	"github.com/AleutianAI/TemplateMesh/services/registry/audit"
)

func TestRegistry_RegisterPlaceholder(t *testing.T) {
	ctx := context.Background()

	t.Run("round trip", func(t *testing.T) {
		fix := createTestRegistry(t)

		err := fix.reg.RegisterPlaceholder(ctx, PlaceholderSpec{
			Name:              "DB_HOST",
			Type:              TypeDatabase,
			Category:          "DATABASE_CONNECTION",
			SecurityLevel:     SecurityInternal,
			DefaultValue:      "localhost",
			ValidationPattern: `^[a-z0-9.-]+$`,
		})
		if err != nil {
			t.Fatalf("RegisterPlaceholder() error = %v", err)
		}

		p, err := fix.reg.GetPlaceholder(ctx, "DB_HOST")
		if err != nil {
			t.Fatalf("GetPlaceholder() error = %v", err)
		}
		if p.DefaultValue.Reveal() != "localhost" {
			t.Errorf("DefaultValue = %q, want %q", p.DefaultValue.Reveal(), "localhost")
		}
		if p.Token() != "{{DB_HOST}}" {
			t.Errorf("Token() = %q, want {{DB_HOST}}", p.Token())
		}

		ok, err := p.Validate("db.internal")
		if err != nil || !ok {
			t.Errorf("Validate(db.internal) = %v, %v, want match", ok, err)
		}
		ok, err = p.Validate("NOT_A_HOST")
		if err != nil || ok {
			t.Errorf("Validate(NOT_A_HOST) = %v, %v, want no match", ok, err)
		}
	})

	t.Run("braced name is normalized", func(t *testing.T) {
		fix := createTestRegistry(t)

		err := fix.reg.RegisterPlaceholder(ctx, PlaceholderSpec{
			Name:          "{{API_TIMEOUT}}",
			Type:          TypeAPI,
			SecurityLevel: SecurityPublic,
			DefaultValue:  "30s",
		})
		if err != nil {
			t.Fatalf("RegisterPlaceholder() error = %v", err)
		}

		if _, err := fix.reg.GetPlaceholder(ctx, "API_TIMEOUT"); err != nil {
			t.Errorf("GetPlaceholder(unbraced) error = %v", err)
		}
		if _, err := fix.reg.GetPlaceholder(ctx, "{{API_TIMEOUT}}"); err != nil {
			t.Errorf("GetPlaceholder(braced) error = %v", err)
		}
	})

	t.Run("duplicate name fails", func(t *testing.T) {
		fix := createTestRegistry(t)

		spec := PlaceholderSpec{Name: "DB_PORT", Type: TypeDatabase, SecurityLevel: SecurityPublic, DefaultValue: "5432"}
		if err := fix.reg.RegisterPlaceholder(ctx, spec); err != nil {
			t.Fatalf("RegisterPlaceholder() error = %v", err)
		}

		err := fix.reg.RegisterPlaceholder(ctx, spec)
		var dup *DuplicateKeyError
		if !errors.As(err, &dup) || dup.Kind != "placeholder" {
			t.Errorf("second RegisterPlaceholder error = %v, want placeholder DuplicateKeyError", err)
		}
	})

	t.Run("rejects malformed specs", func(t *testing.T) {
		fix := createTestRegistry(t)

		lower := PlaceholderSpec{Name: "db_host", Type: TypeDatabase, SecurityLevel: SecurityPublic}
		if err := fix.reg.RegisterPlaceholder(ctx, lower); !errors.Is(err, ErrInvalidSpec) {
			t.Errorf("lowercase name error = %v, want ErrInvalidSpec", err)
		}

		badType := PlaceholderSpec{Name: "X", Type: "quantum", SecurityLevel: SecurityPublic}
		if err := fix.reg.RegisterPlaceholder(ctx, badType); !errors.Is(err, ErrInvalidSpec) {
			t.Errorf("bad type error = %v, want ErrInvalidSpec", err)
		}

		badPattern := PlaceholderSpec{Name: "X", Type: TypeAPI, SecurityLevel: SecurityPublic, ValidationPattern: "(["}
		if err := fix.reg.RegisterPlaceholder(ctx, badPattern); !errors.Is(err, ErrInvalidSpec) {
			t.Errorf("bad pattern error = %v, want ErrInvalidSpec", err)
		}
	})

	t.Run("rejects unknown security level", func(t *testing.T) {
		fix := createTestRegistry(t)

		err := fix.reg.RegisterPlaceholder(ctx, PlaceholderSpec{
			Name:          "DB_PASSWORD",
			Type:          TypeSecret,
			SecurityLevel: "TOP_SECRET",
		})
		if !errors.Is(err, ErrInvalidSecurityLevel) {
			t.Fatalf("error = %v, want ErrInvalidSecurityLevel", err)
		}

		var bad *InvalidSecurityLevelError
		if !errors.As(err, &bad) {
			t.Fatalf("error %v is not an *InvalidSecurityLevelError", err)
		}
		if bad.Name != "DB_PASSWORD" || bad.Level != "TOP_SECRET" {
			t.Errorf("error fields = %q/%q, want DB_PASSWORD/TOP_SECRET", bad.Name, bad.Level)
		}
	})
}

func TestRegistry_SetPlaceholderSecurity(t *testing.T) {
	ctx := context.Background()

	register := func(t *testing.T, fix *registryFixture, level SecurityLevel) {
		t.Helper()
		err := fix.reg.RegisterPlaceholder(ctx, PlaceholderSpec{
			Name:          "DB_PASSWORD",
			Type:          TypeSecret,
			SecurityLevel: level,
			DefaultValue:  "swordfish",
		})
		if err != nil {
			t.Fatalf("RegisterPlaceholder() error = %v", err)
		}
	}

	t.Run("promotion is free", func(t *testing.T) {
		fix := createTestRegistry(t)
		register(t, fix, SecurityInternal)

		if err := fix.reg.SetPlaceholderSecurity(ctx, "DB_PASSWORD", SecuritySecret, nil); err != nil {
			t.Fatalf("promotion error = %v", err)
		}

		p, _ := fix.reg.GetPlaceholder(ctx, "DB_PASSWORD")
		if p.SecurityLevel != SecuritySecret {
			t.Errorf("SecurityLevel = %q, want SECRET", p.SecurityLevel)
		}
		if !p.DefaultValue.IsSensitive() {
			t.Error("promoted SECRET value should be sensitive")
		}

		entries, _ := fix.audits.List(ctx, audit.Filter{})
		if len(entries) != 0 {
			t.Errorf("promotion wrote %d audit entries, want 0", len(entries))
		}
	})

	t.Run("demotion without audit entry is rejected", func(t *testing.T) {
		fix := createTestRegistry(t)
		register(t, fix, SecuritySecret)

		err := fix.reg.SetPlaceholderSecurity(ctx, "DB_PASSWORD", SecurityInternal, nil)
		if !errors.Is(err, ErrUnauditedDemotion) {
			t.Fatalf("unaudited demotion error = %v, want ErrUnauditedDemotion", err)
		}

		err = fix.reg.SetPlaceholderSecurity(ctx, "DB_PASSWORD", SecurityInternal, &audit.Entry{Reason: "  "})
		if !errors.Is(err, ErrUnauditedDemotion) {
			t.Fatalf("blank-reason demotion error = %v, want ErrUnauditedDemotion", err)
		}

		p, _ := fix.reg.GetPlaceholder(ctx, "DB_PASSWORD")
		if p.SecurityLevel != SecuritySecret {
			t.Errorf("rejected demotion changed the level to %q", p.SecurityLevel)
		}
	})

	t.Run("audited demotion records the change", func(t *testing.T) {
		fix := createTestRegistry(t)
		register(t, fix, SecuritySecret)

		err := fix.reg.SetPlaceholderSecurity(ctx, "DB_PASSWORD", SecurityInternal, &audit.Entry{
			Actor:  "ops",
			Reason: "credential rotated out of service",
		})
		if err != nil {
			t.Fatalf("audited demotion error = %v", err)
		}

		p, _ := fix.reg.GetPlaceholder(ctx, "DB_PASSWORD")
		if p.SecurityLevel != SecurityInternal {
			t.Errorf("SecurityLevel = %q, want INTERNAL", p.SecurityLevel)
		}
		if p.DefaultValue.IsSensitive() {
			t.Error("demoted INTERNAL value should render plainly")
		}

		entries, err := fix.audits.List(ctx, audit.Filter{Kind: audit.KindSecurityDemotion})
		if err != nil {
			t.Fatalf("List() error = %v", err)
		}
		if len(entries) != 1 {
			t.Fatalf("audit log has %d demotion entries, want 1", len(entries))
		}
		e := entries[0]
		if e.EntityKind != "placeholder" || e.EntityKey != "DB_PASSWORD" {
			t.Errorf("entry entity = %s/%s, want placeholder/DB_PASSWORD", e.EntityKind, e.EntityKey)
		}
		if e.Details["old_level"] != "SECRET" || e.Details["new_level"] != "INTERNAL" {
			t.Errorf("entry details = %v, want old SECRET new INTERNAL", e.Details)
		}
	})

	t.Run("same level is a no-op", func(t *testing.T) {
		fix := createTestRegistry(t)
		register(t, fix, SecuritySecret)

		if err := fix.reg.SetPlaceholderSecurity(ctx, "DB_PASSWORD", SecuritySecret, nil); err != nil {
			t.Errorf("same-level set error = %v", err)
		}
	})

	t.Run("missing placeholder", func(t *testing.T) {
		fix := createTestRegistry(t)

		err := fix.reg.SetPlaceholderSecurity(ctx, "NO_SUCH", SecurityPublic, nil)
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("error = %v, want ErrNotFound", err)
		}
	})
}

func TestRegistry_TouchPlaceholder(t *testing.T) {
	ctx := context.Background()
	fix := createTestRegistry(t)

	err := fix.reg.RegisterPlaceholder(ctx, PlaceholderSpec{
		Name:          "CACHE_SIZE",
		Type:          TypeInfrastructure,
		SecurityLevel: SecurityPublic,
		DefaultValue:  "512mb",
	})
	if err != nil {
		t.Fatalf("RegisterPlaceholder() error = %v", err)
	}

	for i := 0; i < 3; i++ {
		if err := fix.reg.TouchPlaceholder(ctx, "CACHE_SIZE"); err != nil {
			t.Fatalf("TouchPlaceholder() error = %v", err)
		}
	}

	p, _ := fix.reg.GetPlaceholder(ctx, "CACHE_SIZE")
	if p.UsageCount != 3 {
		t.Errorf("UsageCount = %d, want 3", p.UsageCount)
	}

	if err := fix.reg.TouchPlaceholder(ctx, "NO_SUCH"); !errors.Is(err, ErrNotFound) {
		t.Errorf("TouchPlaceholder(missing) error = %v, want ErrNotFound", err)
	}
}

func TestRegistry_ListPlaceholders(t *testing.T) {
	ctx := context.Background()
	fix := createTestRegistry(t)

	seed := []PlaceholderSpec{
		{Name: "DB_HOST", Type: TypeDatabase, Category: "DATABASE_CONNECTION", SecurityLevel: SecurityInternal, DefaultValue: "localhost"},
		{Name: "DB_PASSWORD", Type: TypeSecret, Category: "DATABASE_CONNECTION", SecurityLevel: SecuritySecret, DefaultValue: "swordfish"},
		{Name: "API_RATE_LIMIT", Type: TypeAPI, Category: "API_CONFIGURATION", SecurityLevel: SecurityPublic, DefaultValue: "1000"},
	}
	for _, spec := range seed {
		if err := fix.reg.RegisterPlaceholder(ctx, spec); err != nil {
			t.Fatalf("RegisterPlaceholder(%s) error = %v", spec.Name, err)
		}
	}

	all, err := fix.reg.ListPlaceholders(ctx, PlaceholderFilter{})
	if err != nil {
		t.Fatalf("ListPlaceholders() error = %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("ListPlaceholders() returned %d, want 3", len(all))
	}
	if all[0].Name != "API_RATE_LIMIT" {
		t.Errorf("first placeholder = %q, want API_RATE_LIMIT (name order)", all[0].Name)
	}

	secrets, err := fix.reg.ListPlaceholders(ctx, PlaceholderFilter{SecurityLevel: SecuritySecret})
	if err != nil {
		t.Fatalf("ListPlaceholders() error = %v", err)
	}
	if len(secrets) != 1 || secrets[0].Name != "DB_PASSWORD" {
		t.Errorf("ListPlaceholders(SECRET) = %+v, want DB_PASSWORD only", secrets)
	}

	byCategory, err := fix.reg.ListPlaceholders(ctx, PlaceholderFilter{Category: "DATABASE_CONNECTION"})
	if err != nil {
		t.Fatalf("ListPlaceholders() error = %v", err)
	}
	if len(byCategory) != 2 {
		t.Errorf("ListPlaceholders(category) returned %d, want 2", len(byCategory))
	}
}

// TestRegistry_SecretNeverLeaks drives a SECRET default through every
// reporting path and asserts only the redaction marker comes out.
func TestRegistry_SecretNeverLeaks(t *testing.T) {
	ctx := context.Background()
	fix := createTestRegistry(t)

	const raw = "hunter2-super-secret"
	err := fix.reg.RegisterPlaceholder(ctx, PlaceholderSpec{
		Name:          "DB_PASSWORD",
		Type:          TypeSecret,
		Category:      "SECURITY_CONFIG",
		SecurityLevel: SecuritySecret,
		DefaultValue:  raw,
	})
	if err != nil {
		t.Fatalf("RegisterPlaceholder() error = %v", err)
	}

	p, err := fix.reg.GetPlaceholder(ctx, "DB_PASSWORD")
	if err != nil {
		t.Fatalf("GetPlaceholder() error = %v", err)
	}

	t.Run("fmt renderings", func(t *testing.T) {
		renderings := []string{
			fmt.Sprint(p.DefaultValue),
			fmt.Sprintf("%v", p.DefaultValue),
			fmt.Sprintf("%s", p.DefaultValue),
			fmt.Sprintf("%+v", p.DefaultValue),
			fmt.Sprintf("%#v", p.DefaultValue),
			fmt.Sprintf("%q", p.DefaultValue),
			fmt.Sprintf("%+v", p),
		}
		for i, rendered := range renderings {
			if strings.Contains(rendered, raw) {
				t.Errorf("rendering %d leaked the raw value: %s", i, rendered)
			}
		}
		if !strings.Contains(renderings[0], secret.Marker) {
			t.Errorf("rendering = %q, want the %s marker", renderings[0], secret.Marker)
		}
	})

	t.Run("json reporting", func(t *testing.T) {
		encoded, err := json.Marshal(p)
		if err != nil {
			t.Fatalf("Marshal() error = %v", err)
		}
		if bytes.Contains(encoded, []byte(raw)) {
			t.Errorf("JSON leaked the raw value: %s", encoded)
		}
		if !bytes.Contains(encoded, []byte(secret.Marker)) {
			t.Errorf("JSON = %s, want the %s marker", encoded, secret.Marker)
		}

		list, err := fix.reg.ListPlaceholders(ctx, PlaceholderFilter{})
		if err != nil {
			t.Fatalf("ListPlaceholders() error = %v", err)
		}
		encoded, err = json.Marshal(list)
		if err != nil {
			t.Fatalf("Marshal(list) error = %v", err)
		}
		if bytes.Contains(encoded, []byte(raw)) {
			t.Errorf("list JSON leaked the raw value: %s", encoded)
		}
	})

	t.Run("slog output", func(t *testing.T) {
		var buf bytes.Buffer
		logger := slog.New(slog.NewTextHandler(&buf, nil))

		logger.Info("placeholder in use", "name", p.Name, "value", p.DefaultValue)

		if strings.Contains(buf.String(), raw) {
			t.Errorf("log output leaked the raw value: %s", buf.String())
		}
		if !strings.Contains(buf.String(), secret.Marker) {
			t.Errorf("log output = %q, want the %s marker", buf.String(), secret.Marker)
		}
	})

	t.Run("reveal is explicit", func(t *testing.T) {
		if got := p.DefaultValue.Reveal(); got != raw {
			t.Errorf("Reveal() = %q, want the raw value", got)
		}
	})

	t.Run("non-secret renders plainly", func(t *testing.T) {
		err := fix.reg.RegisterPlaceholder(ctx, PlaceholderSpec{
			Name:          "LOG_LEVEL",
			Type:          TypeMonitoring,
			SecurityLevel: SecurityPublic,
			DefaultValue:  "info",
		})
		if err != nil {
			t.Fatalf("RegisterPlaceholder() error = %v", err)
		}

		plain, _ := fix.reg.GetPlaceholder(ctx, "LOG_LEVEL")
		if got := fmt.Sprint(plain.DefaultValue); got != "info" {
			t.Errorf("public value rendered as %q, want %q", got, "info")
		}
	})
}
