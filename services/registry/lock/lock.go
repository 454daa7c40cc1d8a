// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package lock provides per-database advisory locks for cross-process
// coordination.
//
// Every database scope has one lock file named "<database>.lock" in a
// shared lock directory. Creating the file with O_CREATE|O_EXCL is the
// acquisition; the file body is JSON metadata about the holder for
// debugging and staleness checks. Locks from crashed processes are
// reclaimed when their TTL expires or their PID is gone.
//
// Waiters block on fsnotify remove events from the lock directory with
// a polling fallback, so a release wakes them without a busy loop.
package lock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
)

// LockInfo describes the holder of a database lock.
type LockInfo struct {
	Database   string    `json:"database"`
	PID        int       `json:"pid"`
	SessionID  string    `json:"session_id"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
	Reason     string    `json:"reason,omitempty"`
}

// IsExpired reports whether the lock has passed its TTL.
func (i *LockInfo) IsExpired() bool {
	return time.Now().After(i.ExpiresAt)
}

// Config holds configuration for a lock manager.
type Config struct {
	// LockDir is the directory holding lock files. Created if missing.
	LockDir string

	// SessionID identifies this process in lock metadata.
	// A random ID is generated when empty.
	SessionID string

	// TTL is how long a lock stays valid before other processes may
	// reclaim it. Default: 30 seconds.
	TTL time.Duration

	// Timeout is how long Acquire waits before returning
	// LockTimeoutError. Default: 5 seconds.
	Timeout time.Duration

	// PollInterval is the fallback wait between acquisition attempts
	// when no filesystem event arrives. Default: 100 milliseconds.
	PollInterval time.Duration

	// CleanupOnInit removes stale locks from crashed processes when the
	// manager starts.
	CleanupOnInit bool
}

// DefaultConfig returns sensible defaults for production use.
func DefaultConfig() Config {
	return Config{
		TTL:           30 * time.Second,
		Timeout:       5 * time.Second,
		PollInterval:  100 * time.Millisecond,
		CleanupOnInit: true,
	}
}

// Stats is a snapshot of lock acquisition counters.
//
// The health scorer derives its contention signal from these.
type Stats struct {
	// Acquired counts successful acquisitions.
	Acquired uint64

	// Contended counts acquisitions that had to wait at least once.
	Contended uint64

	// Timeouts counts acquisitions that gave up.
	Timeouts uint64

	// WaitTotal is the cumulative time spent waiting on contended locks.
	WaitTotal time.Duration
}

// Manager coordinates per-database locks across processes.
//
// # Description
//
// Provides exclusive database locks with:
// - Atomic acquisition via O_CREATE|O_EXCL lock files
// - JSON lock info files for debugging and visibility
// - Stale lock cleanup via PID checks and TTL expiration
// - Event-driven waiting via fsnotify with a polling fallback
// - Deadlock-free multi-lock acquisition in lexicographic order
//
// # Thread Safety
//
// All public methods are safe for concurrent use from multiple goroutines.
type Manager struct {
	lockDir   string
	sessionID string
	ttl       time.Duration
	timeout   time.Duration
	poll      time.Duration

	mu     sync.Mutex
	held   map[string]*LockInfo
	closed bool

	watcher   *fsnotify.Watcher
	waiterMu  sync.Mutex
	waiters   map[string][]chan struct{}
	watchDone chan struct{}

	acquired  atomic.Uint64
	contended atomic.Uint64
	timeouts  atomic.Uint64
	waitNs    atomic.Int64
}

// NewManager creates a lock manager over a lock directory.
//
// # Description
//
// Creates the lock directory, starts the directory watcher, and (if
// configured) reclaims stale locks from crashed processes.
//
// # Inputs
//
//   - config: Manager configuration. Use DefaultConfig() for defaults.
//
// # Outputs
//
//   - *Manager: Ready-to-use lock manager.
//   - error: Non-nil if setup fails (e.g., can't create lock directory).
//
// # Example
//
//	config := lock.DefaultConfig()
//	config.LockDir = filepath.Join(dataDir, "locks")
//	manager, err := lock.NewManager(config)
func NewManager(config Config) (*Manager, error) {
	if config.LockDir == "" {
		return nil, errors.New("lock directory is required")
	}
	if config.SessionID == "" {
		config.SessionID = uuid.NewString()
	}
	if config.TTL == 0 {
		config.TTL = 30 * time.Second
	}
	if config.Timeout == 0 {
		config.Timeout = 5 * time.Second
	}
	if config.PollInterval == 0 {
		config.PollInterval = 100 * time.Millisecond
	}

	if err := os.MkdirAll(config.LockDir, 0750); err != nil {
		return nil, fmt.Errorf("creating lock directory %s: %w", config.LockDir, err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating lock watcher: %w", err)
	}
	if err := watcher.Add(config.LockDir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watching lock directory %s: %w", config.LockDir, err)
	}

	m := &Manager{
		lockDir:   config.LockDir,
		sessionID: config.SessionID,
		ttl:       config.TTL,
		timeout:   config.Timeout,
		poll:      config.PollInterval,
		held:      make(map[string]*LockInfo),
		watcher:   watcher,
		waiters:   make(map[string][]chan struct{}),
		watchDone: make(chan struct{}),
	}

	go m.watchLoop()

	if config.CleanupOnInit {
		cleaned, err := m.CleanupStale()
		if err != nil {
			slog.Warn("Failed to cleanup stale locks on init",
				"error", err)
		} else if cleaned > 0 {
			slog.Info("Cleaned up stale locks on init",
				"count", cleaned)
		}
	}

	return m, nil
}

// SessionID returns the identifier written into this manager's lock files.
func (m *Manager) SessionID() string {
	return m.sessionID
}

// Acquire acquires the exclusive lock for a database.
//
// # Description
//
// Attempts to create the lock file, waiting for release events until the
// configured timeout. Stale locks (expired TTL or dead holder PID) are
// reclaimed. Acquiring a lock this manager already holds succeeds and
// updates the recorded reason.
//
// # Inputs
//
//   - ctx: Context for cancellation. Cancellation is propagated as the
//     context's error; only running out the timeout produces
//     LockTimeoutError.
//   - database: Database scope to lock.
//   - reason: Human-readable reason for the lock (for debugging).
//
// # Outputs
//
//   - error: nil on success, LockTimeoutError wrapping ErrLockTimeout on
//     timeout, other errors on failure.
//
// # Example
//
//	if err := manager.Acquire(ctx, "production", "sync pass 7f3a"); err != nil {
//	    if errors.Is(err, lock.ErrLockTimeout) {
//	        // back off and retry
//	    }
//	    return err
//	}
//	defer manager.Release("production")
func (m *Manager) Acquire(ctx context.Context, database, reason string) error {
	if database == "" {
		return ErrEmptyDatabase
	}

	start := time.Now()
	deadline := time.NewTimer(m.timeout)
	defer deadline.Stop()

	waited := false
	var lastHolder *LockInfo
	for {
		ok, holder, retryNow, err := m.tryAcquire(database, reason)
		if err != nil {
			return err
		}
		if ok {
			m.acquired.Add(1)
			if waited {
				m.contended.Add(1)
				m.waitNs.Add(int64(time.Since(start)))
			}
			return nil
		}
		if holder != nil {
			lastHolder = holder
		}
		waited = true
		if retryNow {
			// Stale lock reclaimed or lost a release race; contend for
			// the file again without waiting.
			select {
			case <-ctx.Done():
				m.timeouts.Add(1)
				return ctx.Err()
			default:
			}
			continue
		}

		release := m.addWaiter(database)
		poll := time.NewTimer(m.poll)
		select {
		case <-ctx.Done():
			poll.Stop()
			m.removeWaiter(database, release)
			m.timeouts.Add(1)
			m.waitNs.Add(int64(time.Since(start)))
			return ctx.Err()
		case <-deadline.C:
			poll.Stop()
			m.removeWaiter(database, release)
			m.timeouts.Add(1)
			m.waitNs.Add(int64(time.Since(start)))
			return &LockTimeoutError{
				Database: database,
				Waited:   time.Since(start),
				Holder:   lastHolder,
			}
		case <-release:
			poll.Stop()
		case <-poll.C:
			m.removeWaiter(database, release)
		}
	}
}

// tryAcquire makes one acquisition attempt.
//
// Returns ok=true on success. When ok is false, retryNow=true means the
// attempt should repeat without waiting (stale lock reclaimed, or lost a
// release race); otherwise the lock is held and holder (when readable)
// identifies the owner.
func (m *Manager) tryAcquire(database, reason string) (ok bool, holder *LockInfo, retryNow bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return false, nil, false, ErrClosed
	}

	// Already held by us: update the reason and succeed.
	if info, exists := m.held[database]; exists {
		info.Reason = reason
		return true, nil, false, nil
	}

	// Lock directory may have been removed out from under us.
	if err := os.MkdirAll(m.lockDir, 0750); err != nil {
		return false, nil, false, fmt.Errorf("creating lock directory: %w", err)
	}

	path := m.lockFile(database)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0640)
	if err != nil {
		if !errors.Is(err, os.ErrExist) {
			return false, nil, false, fmt.Errorf("creating lock file %s: %w", path, err)
		}

		existing, rerr := m.readLockInfo(path)
		if rerr != nil {
			if os.IsNotExist(rerr) {
				// Released between our create attempt and the read.
				return false, nil, true, nil
			}
			// Unreadable lock file. Reclaim only once it is older
			// than the TTL, otherwise assume a writer mid-flight.
			if st, serr := os.Stat(path); serr == nil && time.Since(st.ModTime()) > m.ttl {
				slog.Info("Removing unreadable stale lock",
					"database", database,
					"path", path)
				_ = os.Remove(path)
				return false, nil, true, nil
			}
			return false, nil, false, nil
		}

		if existing.IsExpired() || !IsProcessAlive(existing.PID) {
			slog.Info("Removing stale lock",
				"database", database,
				"old_pid", existing.PID,
				"expired", existing.IsExpired())
			_ = os.Remove(path)
			return false, nil, true, nil
		}

		return false, existing, false, nil
	}

	now := time.Now()
	info := &LockInfo{
		Database:   database,
		PID:        os.Getpid(),
		SessionID:  m.sessionID,
		AcquiredAt: now,
		ExpiresAt:  now.Add(m.ttl),
		Reason:     reason,
	}

	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		f.Close()
		_ = os.Remove(path)
		return false, nil, false, fmt.Errorf("encoding lock info: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		_ = os.Remove(path)
		return false, nil, false, fmt.Errorf("writing lock info: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(path)
		return false, nil, false, fmt.Errorf("closing lock file: %w", err)
	}

	m.held[database] = info

	slog.Debug("Acquired lock",
		"database", database,
		"reason", reason,
		"expires_at", info.ExpiresAt.Format(time.RFC3339))

	return true, nil, false, nil
}

// AcquireAll acquires the locks for several databases.
//
// # Description
//
// Sorts the names lexicographically before acquiring so every caller
// takes multi-locks in the same order, which rules out deadlock between
// concurrent multi-lock passes. On any failure the locks already taken
// are released in reverse order.
//
// The manager must not already hold any of the named locks.
//
// # Inputs
//
//   - ctx: Context for cancellation.
//   - databases: Database scopes to lock. Duplicates are collapsed.
//   - reason: Human-readable reason recorded on every lock.
//
// # Outputs
//
//   - error: nil when all locks are held, otherwise the first
//     acquisition error (no locks remain held).
func (m *Manager) AcquireAll(ctx context.Context, databases []string, reason string) error {
	names := append([]string(nil), databases...)
	sort.Strings(names)

	var taken []string
	for i, database := range names {
		if i > 0 && names[i-1] == database {
			continue
		}
		if err := m.Acquire(ctx, database, reason); err != nil {
			for j := len(taken) - 1; j >= 0; j-- {
				if rerr := m.Release(taken[j]); rerr != nil {
					slog.Warn("Failed to roll back lock",
						"database", taken[j],
						"error", rerr)
				}
			}
			return err
		}
		taken = append(taken, database)
	}
	return nil
}

// Release releases the lock for a database.
//
// # Description
//
// Removes the lock file and forgets the lock. Returns ErrNotHeld when
// this manager does not hold the lock.
//
// # Inputs
//
//   - database: Database scope to unlock.
//
// # Outputs
//
//   - error: nil on success, ErrNotHeld if not locked by this manager.
func (m *Manager) Release(database string) error {
	if database == "" {
		return ErrEmptyDatabase
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.held[database]; !ok {
		return ErrNotHeld
	}
	return m.releaseLocked(database)
}

// releaseLocked removes one held lock (must be called with mu held).
func (m *Manager) releaseLocked(database string) error {
	path := m.lockFile(database)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		slog.Warn("Failed to remove lock file",
			"path", path,
			"error", err)
	}
	delete(m.held, database)

	slog.Debug("Released lock",
		"database", database)

	return nil
}

// ReleaseAll releases all locks held by this manager.
//
// # Outputs
//
//   - error: First error encountered (continues releasing on error).
func (m *Manager) ReleaseAll() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var firstErr error
	for database := range m.held {
		if err := m.releaseLocked(database); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Holder reports whether a database is locked and by whom.
//
// # Description
//
// Checks our own locks first, then the lock file. Stale locks (expired
// or dead PID) report as unlocked.
//
// # Inputs
//
//   - database: Database scope to check.
//
// # Outputs
//
//   - bool: True if the database is locked.
//   - *LockInfo: Information about the lock holder (nil if not locked).
//   - error: Non-nil on failure to check.
func (m *Manager) Holder(database string) (bool, *LockInfo, error) {
	if database == "" {
		return false, nil, ErrEmptyDatabase
	}

	m.mu.Lock()
	if info, ok := m.held[database]; ok {
		m.mu.Unlock()
		return true, info, nil
	}
	m.mu.Unlock()

	info, err := m.readLockInfo(m.lockFile(database))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil, nil
		}
		return false, nil, err
	}
	if info.IsExpired() || !IsProcessAlive(info.PID) {
		return false, nil, nil // Stale lock
	}
	return true, info, nil
}

// CleanupStale removes locks from dead processes.
//
// # Description
//
// Scans the lock directory for lock files from processes that have
// exited or locks that have expired. Removes stale lock files.
//
// # Outputs
//
//   - int: Number of stale locks cleaned up.
//   - error: Non-nil on failure to scan directory.
func (m *Manager) CleanupStale() (int, error) {
	entries, err := os.ReadDir(m.lockDir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("reading lock directory: %w", err)
	}

	cleaned := 0
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".lock" {
			continue
		}

		path := filepath.Join(m.lockDir, entry.Name())
		info, err := m.readLockInfo(path)
		if err != nil {
			slog.Warn("Failed to read lock info",
				"path", path,
				"error", err)
			continue
		}

		if info.IsExpired() || !IsProcessAlive(info.PID) {
			slog.Info("Cleaning up stale lock",
				"database", info.Database,
				"pid", info.PID,
				"expired", info.IsExpired())
			if err := os.Remove(path); err != nil {
				slog.Warn("Failed to remove stale lock",
					"path", path,
					"error", err)
			} else {
				cleaned++
			}
		}
	}

	return cleaned, nil
}

// Stats returns a snapshot of the acquisition counters.
func (m *Manager) Stats() Stats {
	return Stats{
		Acquired:  m.acquired.Load(),
		Contended: m.contended.Load(),
		Timeouts:  m.timeouts.Load(),
		WaitTotal: time.Duration(m.waitNs.Load()),
	}
}

// Close shuts down the lock manager.
//
// # Description
//
// Releases all locks and stops the directory watcher. The manager
// cannot be used afterwards.
//
// # Outputs
//
//   - error: First error encountered during shutdown.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	m.closed = true
	var firstErr error
	for database := range m.held {
		if err := m.releaseLocked(database); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	m.mu.Unlock()

	if err := m.watcher.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	<-m.watchDone
	return firstErr
}

// =============================================================================
// Internal helpers
// =============================================================================

// IsProcessAlive checks if a process with the given PID is still running.
//
// # Description
//
// Used for stale lock detection. On Unix, uses kill -0.
// On Windows, uses OpenProcess.
//
// # Inputs
//
//   - pid: Process ID to check.
//
// # Outputs
//
//   - bool: True if process exists, false otherwise.
func IsProcessAlive(pid int) bool {
	return isProcessAlive(pid)
}

// lockFile returns the lock file path for a database.
func (m *Manager) lockFile(database string) string {
	return filepath.Join(m.lockDir, database+".lock")
}

// readLockInfo reads lock metadata from a JSON file.
func (m *Manager) readLockInfo(path string) (*LockInfo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var info LockInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// addWaiter registers interest in the release of a database lock.
func (m *Manager) addWaiter(database string) chan struct{} {
	ch := make(chan struct{})
	m.waiterMu.Lock()
	m.waiters[database] = append(m.waiters[database], ch)
	m.waiterMu.Unlock()
	return ch
}

// removeWaiter drops one waiter registration.
func (m *Manager) removeWaiter(database string, ch chan struct{}) {
	m.waiterMu.Lock()
	defer m.waiterMu.Unlock()

	chans := m.waiters[database]
	for i, c := range chans {
		if c == ch {
			m.waiters[database] = append(chans[:i], chans[i+1:]...)
			break
		}
	}
	if len(m.waiters[database]) == 0 {
		delete(m.waiters, database)
	}
}

// notifyReleased wakes every waiter for a database.
func (m *Manager) notifyReleased(database string) {
	m.waiterMu.Lock()
	chans := m.waiters[database]
	delete(m.waiters, database)
	m.waiterMu.Unlock()

	for _, ch := range chans {
		close(ch)
	}
}

// watchLoop handles fsnotify events from the lock directory.
func (m *Manager) watchLoop() {
	defer close(m.watchDone)

	for {
		select {
		case event, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			name := filepath.Base(event.Name)
			if filepath.Ext(name) != ".lock" {
				continue
			}
			m.notifyReleased(name[:len(name)-len(".lock")])

		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("Lock watcher error",
				"error", err)
		}
	}
}
