// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package lock

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestNewManager(t *testing.T) {
	t.Run("creates manager with defaults", func(t *testing.T) {
		tmpDir := t.TempDir()
		config := DefaultConfig()
		config.LockDir = filepath.Join(tmpDir, "locks")
		config.CleanupOnInit = false

		manager, err := NewManager(config)
		if err != nil {
			t.Fatalf("NewManager failed: %v", err)
		}
		defer manager.Close()

		// Verify lock directory was created
		if _, err := os.Stat(config.LockDir); os.IsNotExist(err) {
			t.Error("Lock directory was not created")
		}

		// Session ID is generated when not provided
		if manager.SessionID() == "" {
			t.Error("Expected generated session ID")
		}
	})

	t.Run("requires lock directory", func(t *testing.T) {
		_, err := NewManager(Config{})
		if err == nil {
			t.Error("Expected error for missing lock directory")
		}
	})

	t.Run("fails with invalid lock directory", func(t *testing.T) {
		config := DefaultConfig()
		config.LockDir = "/nonexistent/readonly/path/that/should/fail"
		config.CleanupOnInit = false

		_, err := NewManager(config)
		if err == nil {
			t.Error("Expected error for invalid lock directory")
		}
	})
}

func TestManager_AcquireRelease(t *testing.T) {
	t.Run("acquire and release lock successfully", func(t *testing.T) {
		manager := createTestManager(t)

		ctx := context.Background()
		if err := manager.Acquire(ctx, "production", "test reason"); err != nil {
			t.Fatalf("Acquire failed: %v", err)
		}

		locked, info, err := manager.Holder("production")
		if err != nil {
			t.Fatalf("Holder failed: %v", err)
		}
		if !locked {
			t.Error("Expected database to be locked")
		}
		if info == nil {
			t.Fatal("Expected lock info")
		}
		if info.Reason != "test reason" {
			t.Errorf("Expected reason 'test reason', got %q", info.Reason)
		}
		if info.PID != os.Getpid() {
			t.Errorf("Expected PID %d, got %d", os.Getpid(), info.PID)
		}
		if info.SessionID != manager.SessionID() {
			t.Errorf("Expected session %q, got %q", manager.SessionID(), info.SessionID)
		}

		if err := manager.Release("production"); err != nil {
			t.Fatalf("Release failed: %v", err)
		}

		locked, _, err = manager.Holder("production")
		if err != nil {
			t.Fatalf("Holder failed: %v", err)
		}
		if locked {
			t.Error("Expected database to be unlocked after release")
		}
	})

	t.Run("release without acquire returns ErrNotHeld", func(t *testing.T) {
		manager := createTestManager(t)

		if err := manager.Release("production"); !errors.Is(err, ErrNotHeld) {
			t.Errorf("Expected ErrNotHeld, got %v", err)
		}
	})

	t.Run("empty database name rejected", func(t *testing.T) {
		manager := createTestManager(t)

		if err := manager.Acquire(context.Background(), "", "r"); !errors.Is(err, ErrEmptyDatabase) {
			t.Errorf("Expected ErrEmptyDatabase, got %v", err)
		}
		if err := manager.Release(""); !errors.Is(err, ErrEmptyDatabase) {
			t.Errorf("Expected ErrEmptyDatabase, got %v", err)
		}
	})

	t.Run("reacquire by same manager updates reason", func(t *testing.T) {
		manager := createTestManager(t)
		ctx := context.Background()

		if err := manager.Acquire(ctx, "production", "first"); err != nil {
			t.Fatalf("Acquire failed: %v", err)
		}
		if err := manager.Acquire(ctx, "production", "second"); err != nil {
			t.Fatalf("Reacquire failed: %v", err)
		}

		_, info, err := manager.Holder("production")
		if err != nil || info == nil {
			t.Fatalf("Holder failed: info=%v err=%v", info, err)
		}
		if info.Reason != "second" {
			t.Errorf("Expected updated reason 'second', got %q", info.Reason)
		}

		// One release suffices
		if err := manager.Release("production"); err != nil {
			t.Fatalf("Release failed: %v", err)
		}
		if err := manager.Release("production"); !errors.Is(err, ErrNotHeld) {
			t.Errorf("Expected ErrNotHeld on second release, got %v", err)
		}
	})
}

func TestManager_Contention(t *testing.T) {
	t.Run("second manager times out with holder info", func(t *testing.T) {
		tmpDir := t.TempDir()
		m1 := createTestManagerIn(t, tmpDir)
		m2 := createTestManagerIn(t, tmpDir)

		ctx := context.Background()
		if err := m1.Acquire(ctx, "production", "holding"); err != nil {
			t.Fatalf("m1 Acquire failed: %v", err)
		}

		err := m2.Acquire(ctx, "production", "waiting")
		if !errors.Is(err, ErrLockTimeout) {
			t.Fatalf("Expected ErrLockTimeout, got %v", err)
		}

		var timeoutErr *LockTimeoutError
		if !errors.As(err, &timeoutErr) {
			t.Fatalf("Expected *LockTimeoutError, got %T", err)
		}
		if timeoutErr.Database != "production" {
			t.Errorf("Expected database 'production', got %q", timeoutErr.Database)
		}
		if timeoutErr.Waited <= 0 {
			t.Error("Expected positive waited duration")
		}
		if timeoutErr.Holder == nil {
			t.Fatal("Expected holder info in timeout error")
		}
		if timeoutErr.Holder.PID != os.Getpid() {
			t.Errorf("Expected holder PID %d, got %d", os.Getpid(), timeoutErr.Holder.PID)
		}
	})

	t.Run("waiter proceeds after release", func(t *testing.T) {
		tmpDir := t.TempDir()
		m1 := createTestManagerIn(t, tmpDir)
		m2 := createTestManagerIn(t, tmpDir)

		ctx := context.Background()
		if err := m1.Acquire(ctx, "production", "holding"); err != nil {
			t.Fatalf("m1 Acquire failed: %v", err)
		}

		go func() {
			time.Sleep(100 * time.Millisecond)
			_ = m1.Release("production")
		}()

		start := time.Now()
		if err := m2.Acquire(ctx, "production", "waiting"); err != nil {
			t.Fatalf("m2 Acquire failed: %v", err)
		}
		if waited := time.Since(start); waited < 50*time.Millisecond {
			t.Errorf("m2 acquired suspiciously fast (%v), lock may not have been held", waited)
		}

		stats := m2.Stats()
		if stats.Acquired != 1 {
			t.Errorf("Expected 1 acquisition, got %d", stats.Acquired)
		}
		if stats.Contended != 1 {
			t.Errorf("Expected 1 contended acquisition, got %d", stats.Contended)
		}
		if stats.WaitTotal <= 0 {
			t.Error("Expected positive cumulative wait")
		}
	})

	t.Run("caller cancellation propagates as context error", func(t *testing.T) {
		tmpDir := t.TempDir()
		m1 := createTestManagerIn(t, tmpDir)
		m2 := createTestManagerIn(t, tmpDir)

		if err := m1.Acquire(context.Background(), "production", "holding"); err != nil {
			t.Fatalf("m1 Acquire failed: %v", err)
		}

		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			time.Sleep(50 * time.Millisecond)
			cancel()
		}()

		err := m2.Acquire(ctx, "production", "waiting")
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Expected context.Canceled, got %v", err)
		}
		if errors.Is(err, ErrLockTimeout) {
			t.Error("Cancellation must not report as lock timeout")
		}
	})
}

func TestManager_StaleLocks(t *testing.T) {
	t.Run("dead holder PID is reclaimed", func(t *testing.T) {
		tmpDir := t.TempDir()
		manager := createTestManagerIn(t, tmpDir)

		writeLockFile(t, manager, "production", LockInfo{
			Database:   "production",
			PID:        999999999, // unlikely to exist
			SessionID:  "dead-session",
			AcquiredAt: time.Now(),
			ExpiresAt:  time.Now().Add(time.Hour),
		})

		start := time.Now()
		if err := manager.Acquire(context.Background(), "production", "reclaim"); err != nil {
			t.Fatalf("Acquire over dead holder failed: %v", err)
		}
		if waited := time.Since(start); waited > 200*time.Millisecond {
			t.Errorf("Stale reclaim took too long: %v", waited)
		}
	})

	t.Run("expired TTL is reclaimed even with live PID", func(t *testing.T) {
		tmpDir := t.TempDir()
		manager := createTestManagerIn(t, tmpDir)

		writeLockFile(t, manager, "production", LockInfo{
			Database:   "production",
			PID:        os.Getpid(),
			SessionID:  "old-session",
			AcquiredAt: time.Now().Add(-2 * time.Hour),
			ExpiresAt:  time.Now().Add(-time.Hour),
		})

		if err := manager.Acquire(context.Background(), "production", "reclaim"); err != nil {
			t.Fatalf("Acquire over expired lock failed: %v", err)
		}
	})

	t.Run("CleanupStale removes only stale locks", func(t *testing.T) {
		tmpDir := t.TempDir()
		manager := createTestManagerIn(t, tmpDir)

		writeLockFile(t, manager, "dead_pid", LockInfo{
			Database: "dead_pid", PID: 999999999,
			AcquiredAt: time.Now(), ExpiresAt: time.Now().Add(time.Hour),
		})
		writeLockFile(t, manager, "expired", LockInfo{
			Database: "expired", PID: os.Getpid(),
			AcquiredAt: time.Now().Add(-2 * time.Hour), ExpiresAt: time.Now().Add(-time.Hour),
		})
		writeLockFile(t, manager, "fresh", LockInfo{
			Database: "fresh", PID: os.Getpid(),
			AcquiredAt: time.Now(), ExpiresAt: time.Now().Add(time.Hour),
		})

		cleaned, err := manager.CleanupStale()
		if err != nil {
			t.Fatalf("CleanupStale failed: %v", err)
		}
		if cleaned != 2 {
			t.Errorf("Expected 2 cleaned locks, got %d", cleaned)
		}

		locked, _, err := manager.Holder("fresh")
		if err != nil {
			t.Fatalf("Holder failed: %v", err)
		}
		if !locked {
			t.Error("Fresh lock should have survived cleanup")
		}
	})
}

func TestManager_AcquireAll(t *testing.T) {
	t.Run("acquires every database", func(t *testing.T) {
		manager := createTestManager(t)

		databases := []string{"production", "analytics_collector", "learning_monitor"}
		if err := manager.AcquireAll(context.Background(), databases, "sync pass"); err != nil {
			t.Fatalf("AcquireAll failed: %v", err)
		}

		for _, db := range databases {
			locked, _, err := manager.Holder(db)
			if err != nil {
				t.Fatalf("Holder(%s) failed: %v", db, err)
			}
			if !locked {
				t.Errorf("Expected %s to be locked", db)
			}
		}

		if err := manager.ReleaseAll(); err != nil {
			t.Fatalf("ReleaseAll failed: %v", err)
		}
		for _, db := range databases {
			locked, _, _ := manager.Holder(db)
			if locked {
				t.Errorf("Expected %s to be released", db)
			}
		}
	})

	t.Run("collapses duplicates", func(t *testing.T) {
		manager := createTestManager(t)

		if err := manager.AcquireAll(context.Background(), []string{"production", "production"}, "r"); err != nil {
			t.Fatalf("AcquireAll failed: %v", err)
		}
		if err := manager.Release("production"); err != nil {
			t.Fatalf("Release failed: %v", err)
		}
	})

	t.Run("rolls back on partial failure", func(t *testing.T) {
		tmpDir := t.TempDir()
		m1 := createTestManagerIn(t, tmpDir)
		m2 := createTestManagerIn(t, tmpDir)

		ctx := context.Background()
		if err := m1.Acquire(ctx, "learning_monitor", "blocking"); err != nil {
			t.Fatalf("m1 Acquire failed: %v", err)
		}

		// Sorted order is analytics_collector, learning_monitor, production;
		// the middle acquisition times out.
		err := m2.AcquireAll(ctx, []string{"production", "learning_monitor", "analytics_collector"}, "sync pass")
		if !errors.Is(err, ErrLockTimeout) {
			t.Fatalf("Expected ErrLockTimeout, got %v", err)
		}

		// Nothing must remain held by m2
		for _, db := range []string{"production", "analytics_collector"} {
			if err := m2.Release(db); !errors.Is(err, ErrNotHeld) {
				t.Errorf("Expected ErrNotHeld for %s after rollback, got %v", db, err)
			}
		}

		// And the rolled-back locks are acquirable again
		if err := m1.Acquire(ctx, "analytics_collector", "check"); err != nil {
			t.Errorf("analytics_collector should be free after rollback: %v", err)
		}
	})
}

func TestManager_Close(t *testing.T) {
	tmpDir := t.TempDir()
	manager := createTestManagerIn(t, tmpDir)

	ctx := context.Background()
	if err := manager.Acquire(ctx, "production", "r"); err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	if err := manager.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	// Held locks are released on close
	if _, err := os.Stat(filepath.Join(tmpDir, "locks", "production.lock")); !os.IsNotExist(err) {
		t.Error("Lock file should be removed on close")
	}

	if err := manager.Acquire(ctx, "production", "r"); !errors.Is(err, ErrClosed) {
		t.Errorf("Expected ErrClosed after close, got %v", err)
	}
	if err := manager.Close(); !errors.Is(err, ErrClosed) {
		t.Errorf("Expected ErrClosed on double close, got %v", err)
	}
}

func TestManager_Stats(t *testing.T) {
	tmpDir := t.TempDir()
	m1 := createTestManagerIn(t, tmpDir)
	m2 := createTestManagerIn(t, tmpDir)

	ctx := context.Background()
	if err := m1.Acquire(ctx, "production", "holding"); err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if err := m2.Acquire(ctx, "production", "waiting"); !errors.Is(err, ErrLockTimeout) {
		t.Fatalf("Expected timeout, got %v", err)
	}

	stats := m2.Stats()
	if stats.Timeouts != 1 {
		t.Errorf("Expected 1 timeout, got %d", stats.Timeouts)
	}
	if stats.Acquired != 0 {
		t.Errorf("Expected 0 acquisitions, got %d", stats.Acquired)
	}

	stats = m1.Stats()
	if stats.Acquired != 1 {
		t.Errorf("Expected 1 acquisition, got %d", stats.Acquired)
	}
	if stats.Contended != 0 {
		t.Errorf("Expected 0 contended acquisitions, got %d", stats.Contended)
	}
}

func TestLockInfo_IsExpired(t *testing.T) {
	t.Run("future expiry", func(t *testing.T) {
		info := LockInfo{ExpiresAt: time.Now().Add(time.Hour)}
		if info.IsExpired() {
			t.Error("Expected not expired")
		}
	})

	t.Run("past expiry", func(t *testing.T) {
		info := LockInfo{ExpiresAt: time.Now().Add(-time.Hour)}
		if !info.IsExpired() {
			t.Error("Expected expired")
		}
	})
}

func TestIsProcessAlive(t *testing.T) {
	t.Run("current process is alive", func(t *testing.T) {
		if !IsProcessAlive(os.Getpid()) {
			t.Error("Current process should be alive")
		}
	})

	t.Run("non-existent PID", func(t *testing.T) {
		// Use a very high PID that's unlikely to exist
		if IsProcessAlive(999999999) {
			t.Error("Non-existent PID should not be alive")
		}
	})
}

// =============================================================================
// Test helpers
// =============================================================================

func createTestManager(t *testing.T) *Manager {
	t.Helper()
	return createTestManagerIn(t, t.TempDir())
}

func createTestManagerIn(t *testing.T, tmpDir string) *Manager {
	t.Helper()

	config := DefaultConfig()
	config.LockDir = filepath.Join(tmpDir, "locks")
	config.SessionID = "test-session"
	config.Timeout = 300 * time.Millisecond
	config.PollInterval = 20 * time.Millisecond
	config.CleanupOnInit = false

	manager, err := NewManager(config)
	if err != nil {
		t.Fatalf("Failed to create manager: %v", err)
	}
	t.Cleanup(func() { _ = manager.Close() })

	return manager
}

func writeLockFile(t *testing.T, m *Manager, database string, info LockInfo) {
	t.Helper()

	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		t.Fatalf("Failed to encode lock info: %v", err)
	}
	if err := os.WriteFile(m.lockFile(database), data, 0640); err != nil {
		t.Fatalf("Failed to write lock file: %v", err)
	}
}
