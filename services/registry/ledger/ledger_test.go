// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/AleutianAI/TemplateMesh/services/registry/entity"
	"github.com/AleutianAI/TemplateMesh/services/registry/lock"
	"github.com/AleutianAI/TemplateMesh/services/registry/store"
)

type ledgerFixture struct {
	ledger *Ledger
	stores store.Stores
	locks  *lock.Manager
}

func createTestLedger(t *testing.T) *ledgerFixture {
	t.Helper()

	stores := store.Stores{
		"production":          store.NewMemory(),
		"analytics_collector": store.NewMemory(),
	}
	t.Cleanup(func() { _ = stores.CloseAll() })

	locks, err := lock.NewManager(lock.Config{
		LockDir:      t.TempDir(),
		Timeout:      2 * time.Second,
		PollInterval: 20 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	t.Cleanup(func() { _ = locks.Close() })

	l, err := New(context.Background(), Config{Stores: stores, Locks: locks})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	return &ledgerFixture{ledger: l, stores: stores, locks: locks}
}

// putTemplate writes a template row directly so endpoints have
// something to resolve.
func (f *ledgerFixture) putTemplate(t *testing.T, database, id, name string) Endpoint {
	t.Helper()

	now := time.Now().UTC()
	row, err := json.Marshal(entity.Template{
		ID:          id,
		Name:        name,
		Version:     "v1.0.0",
		Environment: database,
		Status:      entity.StatusActive,
		CreatedAt:   now,
		UpdatedAt:   now,
	})
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}

	st, ok := f.stores.For(database)
	if !ok {
		t.Fatalf("no store for %q", database)
	}
	if err := st.Put(context.Background(), store.TableEntities, entity.TemplateRowKey(id), row); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	return TemplateEndpoint(database, id)
}

func (f *ledgerFixture) link(t *testing.T, source, target Endpoint, relType RelationshipType) string {
	t.Helper()

	id, err := f.ledger.Link(context.Background(), source, target, relType)
	if err != nil {
		t.Fatalf("Link(%s -> %s, %s) error = %v", source, target, relType, err)
	}
	return id
}

func (f *ledgerFixture) collect(t *testing.T, endpoint Endpoint) []Reference {
	t.Helper()

	var refs []Reference
	err := f.ledger.ListReferences(context.Background(), endpoint, func(ref Reference) (bool, error) {
		refs = append(refs, ref)
		return true, nil
	})
	if err != nil {
		t.Fatalf("ListReferences(%s) error = %v", endpoint, err)
	}
	return refs
}

func TestNew(t *testing.T) {
	t.Run("requires stores and locks", func(t *testing.T) {
		if _, err := New(context.Background(), Config{}); err == nil {
			t.Error("New() without stores should fail")
		}
		if _, err := New(context.Background(), Config{Stores: store.Stores{"x": store.NewMemory()}}); err == nil {
			t.Error("New() without locks should fail")
		}
	})

	t.Run("seeds sequence from stored rows", func(t *testing.T) {
		fix := createTestLedger(t)
		a := fix.putTemplate(t, "production", "t-a", "a")
		b := fix.putTemplate(t, "production", "t-b", "b")

		fix.link(t, a, b, RelReference)
		fix.link(t, b, a, RelReference)

		reopened, err := New(context.Background(), Config{Stores: fix.stores, Locks: fix.locks})
		if err != nil {
			t.Fatalf("New() error = %v", err)
		}

		id, err := reopened.Link(context.Background(), a, b, RelAdaptation)
		if err != nil {
			t.Fatalf("Link() error = %v", err)
		}
		res, err := reopened.Resolve(context.Background(), id)
		if err != nil {
			t.Fatalf("Resolve() error = %v", err)
		}
		if res.Reference.Seq != 3 {
			t.Errorf("Seq = %d, want 3 after reopening", res.Reference.Seq)
		}
	})
}

func TestLedger_Link(t *testing.T) {
	ctx := context.Background()

	t.Run("round trip", func(t *testing.T) {
		fix := createTestLedger(t)
		src := fix.putTemplate(t, "production", "t-src", "cache_config")
		dst := fix.putTemplate(t, "analytics_collector", "t-dst", "cache_config_analytics")

		id := fix.link(t, src, dst, RelReference)

		res, err := fix.ledger.Resolve(ctx, id)
		if err != nil {
			t.Fatalf("Resolve() error = %v", err)
		}
		ref := res.Reference
		if ref.ReferenceID != id || ref.Source != src || ref.Target != dst || ref.Type != RelReference {
			t.Errorf("Resolve() reference = %+v, want the linked tuple", ref)
		}
		if ref.Seq == 0 {
			t.Error("Seq = 0, want assigned sequence")
		}
	})

	t.Run("validates endpoints", func(t *testing.T) {
		fix := createTestLedger(t)
		good := TemplateEndpoint("production", "t1")

		cases := []Endpoint{
			{Table: store.TableEntities, ID: "template/t1"},
			{Database: "production", ID: "template/t1"},
			{Database: "production", Table: "Bad-Table", ID: "template/t1"},
			{Database: "production", Table: store.TableEntities},
		}
		for _, bad := range cases {
			if _, err := fix.ledger.Link(ctx, bad, good, RelReference); !errors.Is(err, ErrInvalidEndpoint) {
				t.Errorf("Link(%+v) error = %v, want ErrInvalidEndpoint", bad, err)
			}
		}
	})

	t.Run("validates relationship type", func(t *testing.T) {
		fix := createTestLedger(t)
		a := TemplateEndpoint("production", "t1")
		b := TemplateEndpoint("production", "t2")

		if _, err := fix.ledger.Link(ctx, a, b, "ownership"); !errors.Is(err, ErrInvalidRelationship) {
			t.Errorf("Link(ownership) error = %v, want ErrInvalidRelationship", err)
		}
	})

	t.Run("source scope must be reachable", func(t *testing.T) {
		fix := createTestLedger(t)
		a := TemplateEndpoint("learning_monitor", "t1")
		b := TemplateEndpoint("production", "t2")

		if _, err := fix.ledger.Link(ctx, a, b, RelReference); !errors.Is(err, ErrUnreachableDatabase) {
			t.Errorf("Link(unreachable source) error = %v, want ErrUnreachableDatabase", err)
		}
	})
}

func TestLedger_CloneCycles(t *testing.T) {
	ctx := context.Background()

	t.Run("reference cycles are allowed", func(t *testing.T) {
		fix := createTestLedger(t)
		a := fix.putTemplate(t, "production", "t-a", "a")
		b := fix.putTemplate(t, "production", "t-b", "b")

		fix.link(t, a, b, RelReference)
		fix.link(t, b, a, RelReference)

		if got := len(fix.collect(t, a)); got != 2 {
			t.Errorf("reference cycle produced %d references, want 2", got)
		}
	})

	t.Run("clone cycle is rejected", func(t *testing.T) {
		fix := createTestLedger(t)
		a := fix.putTemplate(t, "production", "t-a", "a")
		b := fix.putTemplate(t, "analytics_collector", "t-b", "b")

		fix.link(t, a, b, RelClone)

		_, err := fix.ledger.Link(ctx, b, a, RelClone)
		if !errors.Is(err, ErrCyclicClone) {
			t.Fatalf("reverse clone error = %v, want ErrCyclicClone", err)
		}

		var cyc *CyclicCloneError
		if !errors.As(err, &cyc) {
			t.Fatalf("error %v is not a *CyclicCloneError", err)
		}
		if cyc.Source != b || cyc.Target != a {
			t.Errorf("cycle tuple = %s -> %s, want %s -> %s", cyc.Source, cyc.Target, b, a)
		}
		if len(cyc.Path) < 3 || cyc.Path[0] != b.String() || cyc.Path[len(cyc.Path)-1] != b.String() {
			t.Errorf("Path = %v, want a cycle starting and ending at %s", cyc.Path, b)
		}
	})

	t.Run("transitive clone cycle is rejected", func(t *testing.T) {
		fix := createTestLedger(t)
		a := fix.putTemplate(t, "production", "t-a", "a")
		b := fix.putTemplate(t, "production", "t-b", "b")
		c := fix.putTemplate(t, "production", "t-c", "c")

		fix.link(t, a, b, RelClone)
		fix.link(t, b, c, RelClone)

		if _, err := fix.ledger.Link(ctx, c, a, RelClone); !errors.Is(err, ErrCyclicClone) {
			t.Errorf("transitive clone cycle error = %v, want ErrCyclicClone", err)
		}
	})

	t.Run("diamond lineage is a valid DAG", func(t *testing.T) {
		fix := createTestLedger(t)
		a := fix.putTemplate(t, "production", "t-a", "a")
		b := fix.putTemplate(t, "production", "t-b", "b")
		c := fix.putTemplate(t, "production", "t-c", "c")
		d := fix.putTemplate(t, "production", "t-d", "d")

		fix.link(t, a, b, RelClone)
		fix.link(t, a, c, RelClone)
		fix.link(t, b, d, RelClone)
		fix.link(t, c, d, RelClone)

		// Shared ancestry is fine; only a path back closes a cycle.
		if _, err := fix.ledger.Link(ctx, d, a, RelClone); !errors.Is(err, ErrCyclicClone) {
			t.Errorf("closing the diamond error = %v, want ErrCyclicClone", err)
		}
	})

	t.Run("clone self-link is rejected", func(t *testing.T) {
		fix := createTestLedger(t)
		a := fix.putTemplate(t, "production", "t-a", "a")

		if _, err := fix.ledger.Link(ctx, a, a, RelClone); !errors.Is(err, ErrCyclicClone) {
			t.Errorf("clone self-link error = %v, want ErrCyclicClone", err)
		}

		// Reference self-links carry no ownership and stay legal.
		if _, err := fix.ledger.Link(ctx, a, a, RelReference); err != nil {
			t.Errorf("reference self-link error = %v, want nil", err)
		}
	})

	t.Run("mixed types do not poison the clone graph", func(t *testing.T) {
		fix := createTestLedger(t)
		a := fix.putTemplate(t, "production", "t-a", "a")
		b := fix.putTemplate(t, "production", "t-b", "b")

		fix.link(t, a, b, RelClone)
		fix.link(t, b, a, RelReference)
		fix.link(t, b, a, RelAdaptation)

		// The reference and adaptation edges back do not make b -> a a
		// clone cycle on their own; only a clone edge would.
		if _, err := fix.ledger.Link(ctx, b, a, RelClone); !errors.Is(err, ErrCyclicClone) {
			t.Errorf("clone back-edge error = %v, want ErrCyclicClone", err)
		}
	})
}

func TestLedger_Resolve(t *testing.T) {
	ctx := context.Background()

	t.Run("complete resolution decodes both sides", func(t *testing.T) {
		fix := createTestLedger(t)
		src := fix.putTemplate(t, "production", "t-src", "cache_config")
		dst := fix.putTemplate(t, "analytics_collector", "t-dst", "cache_config_clone")

		id := fix.link(t, src, dst, RelClone)

		res, err := fix.ledger.Resolve(ctx, id)
		if err != nil {
			t.Fatalf("Resolve() error = %v", err)
		}
		if !res.Complete() {
			t.Fatalf("Resolve() stale = %v, want complete", res.Stale)
		}

		source, ok := res.Source.(entity.Template)
		if !ok {
			t.Fatalf("Source type = %T, want entity.Template", res.Source)
		}
		if source.Name != "cache_config" {
			t.Errorf("Source.Name = %q, want cache_config", source.Name)
		}
		if target, ok := res.Target.(entity.Template); !ok || target.Name != "cache_config_clone" {
			t.Errorf("Target = %+v, want the clone template", res.Target)
		}
	})

	t.Run("missing endpoint is a warning not an error", func(t *testing.T) {
		fix := createTestLedger(t)
		src := fix.putTemplate(t, "production", "t-src", "cache_config")
		ghost := TemplateEndpoint("analytics_collector", "never-written")

		id := fix.link(t, src, ghost, RelReference)

		res, err := fix.ledger.Resolve(ctx, id)
		if err != nil {
			t.Fatalf("Resolve() error = %v", err)
		}
		if res.Complete() {
			t.Fatal("Resolve() reported complete for a missing target")
		}
		if res.Source == nil {
			t.Error("surviving source side should be populated")
		}
		if res.Target != nil {
			t.Error("missing target side should be nil")
		}
		if len(res.Stale) != 1 || res.Stale[0].Side != SideTarget || res.Stale[0].Cause != CauseEntityMissing {
			t.Errorf("Stale = %+v, want one target entity_missing warning", res.Stale)
		}
	})

	t.Run("unreachable database is a warning not an error", func(t *testing.T) {
		fix := createTestLedger(t)
		src := fix.putTemplate(t, "production", "t-src", "cache_config")
		faraway := TemplateEndpoint("learning_monitor", "t-far")

		id := fix.link(t, src, faraway, RelReference)

		res, err := fix.ledger.Resolve(ctx, id)
		if err != nil {
			t.Fatalf("Resolve() error = %v", err)
		}
		if len(res.Stale) != 1 || res.Stale[0].Cause != CauseDatabaseUnreachable {
			t.Errorf("Stale = %+v, want one database_unreachable warning", res.Stale)
		}
	})

	t.Run("missing reference row is an error", func(t *testing.T) {
		fix := createTestLedger(t)

		_, err := fix.ledger.Resolve(ctx, "no-such-reference")
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("Resolve(missing) error = %v, want ErrNotFound", err)
		}
	})

	t.Run("placeholder endpoints stay redacted", func(t *testing.T) {
		fix := createTestLedger(t)
		src := fix.putTemplate(t, "production", "t-src", "db_config")

		const raw = "prod-db-password-3f9c"
		row := []byte(`{"name":"DB_PASSWORD","type":"secret","security_level":"SECRET","default_value":"` + raw + `"}`)
		st, _ := fix.stores.For("production")
		if err := st.Put(ctx, store.TableEntities, entity.PlaceholderRowKey("DB_PASSWORD"), row); err != nil {
			t.Fatalf("Put() error = %v", err)
		}

		id := fix.link(t, src, PlaceholderEndpoint("production", "DB_PASSWORD"), RelReference)

		res, err := fix.ledger.Resolve(ctx, id)
		if err != nil {
			t.Fatalf("Resolve() error = %v", err)
		}
		if !res.Complete() {
			t.Fatalf("Resolve() stale = %v, want complete", res.Stale)
		}

		encoded, err := json.Marshal(res)
		if err != nil {
			t.Fatalf("Marshal() error = %v", err)
		}
		if bytes.Contains(encoded, []byte(raw)) {
			t.Errorf("resolution JSON leaked the raw secret: %s", encoded)
		}
		if !strings.Contains(string(encoded), "SECRET_REDACTED") {
			t.Errorf("resolution JSON = %s, want the redaction marker", encoded)
		}
	})
}

func TestLedger_ListReferences(t *testing.T) {
	ctx := context.Background()

	t.Run("creation order across scopes", func(t *testing.T) {
		fix := createTestLedger(t)
		hub := fix.putTemplate(t, "production", "t-hub", "hub")
		a := fix.putTemplate(t, "analytics_collector", "t-a", "a")
		b := fix.putTemplate(t, "production", "t-b", "b")

		first := fix.link(t, a, hub, RelReference)     // row in analytics_collector
		second := fix.link(t, hub, b, RelReference)    // row in production
		third := fix.link(t, hub, a, RelAdaptation)    // row in production
		fix.link(t, a, b, RelReference)                // does not touch hub

		refs := fix.collect(t, hub)
		if len(refs) != 3 {
			t.Fatalf("ListReferences(hub) returned %d, want 3", len(refs))
		}
		want := []string{first, second, third}
		for i, id := range want {
			if refs[i].ReferenceID != id {
				t.Errorf("refs[%d] = %s, want %s (creation order)", i, refs[i].ReferenceID, id)
			}
		}
		for i := 1; i < len(refs); i++ {
			if refs[i].Seq <= refs[i-1].Seq {
				t.Errorf("Seq not ascending: %d then %d", refs[i-1].Seq, refs[i].Seq)
			}
		}
	})

	t.Run("early stop", func(t *testing.T) {
		fix := createTestLedger(t)
		a := fix.putTemplate(t, "production", "t-a", "a")
		b := fix.putTemplate(t, "production", "t-b", "b")

		fix.link(t, a, b, RelReference)
		fix.link(t, b, a, RelReference)

		calls := 0
		err := fix.ledger.ListReferences(ctx, a, func(Reference) (bool, error) {
			calls++
			return false, nil
		})
		if err != nil {
			t.Fatalf("ListReferences() error = %v", err)
		}
		if calls != 1 {
			t.Errorf("callback ran %d times after stop, want 1", calls)
		}
	})

	t.Run("validates endpoint", func(t *testing.T) {
		fix := createTestLedger(t)

		err := fix.ledger.ListReferences(ctx, Endpoint{}, func(Reference) (bool, error) { return true, nil })
		if !errors.Is(err, ErrInvalidEndpoint) {
			t.Errorf("ListReferences(zero endpoint) error = %v, want ErrInvalidEndpoint", err)
		}
	})
}

func TestLedger_WalkReferences(t *testing.T) {
	ctx := context.Background()

	t.Run("visits every reference once", func(t *testing.T) {
		fix := createTestLedger(t)
		a := fix.putTemplate(t, "production", "t-a", "a")
		b := fix.putTemplate(t, "analytics_collector", "t-b", "b")
		c := fix.putTemplate(t, "production", "t-c", "c")

		want := map[string]bool{
			fix.link(t, a, b, RelReference):  false,
			fix.link(t, b, c, RelAdaptation): false,
			fix.link(t, a, c, RelReference):  false,
		}

		err := fix.ledger.WalkReferences(ctx, func(ref Reference) (bool, error) {
			seen, ok := want[ref.ReferenceID]
			if !ok {
				t.Errorf("unexpected reference %s", ref.ReferenceID)
			}
			if seen {
				t.Errorf("reference %s visited twice", ref.ReferenceID)
			}
			want[ref.ReferenceID] = true
			return true, nil
		})
		if err != nil {
			t.Fatalf("WalkReferences() error = %v", err)
		}
		for id, seen := range want {
			if !seen {
				t.Errorf("reference %s never visited", id)
			}
		}
	})

	t.Run("stop ends the walk", func(t *testing.T) {
		fix := createTestLedger(t)
		a := fix.putTemplate(t, "production", "t-a", "a")
		b := fix.putTemplate(t, "production", "t-b", "b")

		fix.link(t, a, b, RelReference)
		fix.link(t, b, a, RelReference)

		calls := 0
		err := fix.ledger.WalkReferences(ctx, func(Reference) (bool, error) {
			calls++
			return false, nil
		})
		if err != nil {
			t.Fatalf("WalkReferences() error = %v", err)
		}
		if calls != 1 {
			t.Errorf("callback ran %d times after stop, want 1", calls)
		}
	})
}
