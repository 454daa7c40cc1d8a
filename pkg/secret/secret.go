// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package secret holds sensitive placeholder values in guarded memory.
//
// Placeholder defaults carrying a SECRET security level must never appear
// in logs, error strings, or reporting output. Value enforces this at the
// type level: String, Format, MarshalJSON, and LogValue all emit a
// redaction marker for sensitive values, so a Value can be passed to slog
// or fmt without leaking. The raw bytes are only reachable through
// Reveal(), which storage codecs and explicitly gated CLI paths call.
//
// Sensitive bytes live in a memguard LockedBuffer when the system's mlock
// limit permits: mlocked so they cannot be swapped to disk, guard-paged,
// and wiped on Destroy. On systems with insufficient mlock limits the
// package degrades to ordinary heap storage and logs a single warning;
// the redaction guarantees are unaffected, only the at-rest memory
// protections are lost.
//
//	v := secret.New("DB_PASSWORD", "hunter2", true)
//	logger.Info("registered placeholder", "default_value", v)  // [SECRET_REDACTED]
//	row.DefaultValue = v.Reveal()                              // storage codec only
package secret

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/awnumar/memguard"
	"golang.org/x/sys/unix"
)

// Marker is the redaction marker emitted in place of sensitive values.
const Marker = "[SECRET_REDACTED]"

// MinMlockLimitKB is the minimum mlock limit required for guarded storage.
// Placeholder values are small; 64 KB covers a full catalog with headroom.
const MinMlockLimitKB = 64

var (
	initOnce sync.Once

	// guardedMode is set during initialization when mlocked memory is usable.
	guardedMode bool

	// mlockLimitKB records the probed limit for logging (-1 if unlimited).
	mlockLimitKB int64
)

// initSecureMemory probes the mlock limit once and arms memguard.
//
// Unlike a streaming buffer, a registry cannot refuse to hold a value just
// because the host is missing an rlimit, so insufficient limits downgrade
// to heap storage with a warning instead of failing.
func initSecureMemory() {
	initOnce.Do(func() {
		memguard.CatchInterrupt()
		guardedMode, mlockLimitKB = checkMlockLimit()
		if guardedMode {
			slog.Debug("Guarded secret storage initialized",
				"mlock_limit_kb", mlockLimitKB,
				"required_kb", MinMlockLimitKB,
			)
			return
		}
		slog.Warn("mlock limit insufficient, secret values held in unguarded memory",
			"current_limit_kb", mlockLimitKB,
			"required_kb", MinMlockLimitKB,
		)
	})
}

// checkMlockLimit queries the kernel's RLIMIT_MEMLOCK.
//
// Returns whether the limit covers MinMlockLimitKB and the current limit
// in kilobytes (-1 if unlimited or undeterminable).
func checkMlockLimit() (bool, int64) {
	if os.Getenv("TMESH_INSECURE_MEMORY") == "true" {
		return false, -1
	}

	var rlimit unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_MEMLOCK, &rlimit); err != nil {
		slog.Warn("Could not determine mlock limit", "error", err)
		return true, -1
	}

	if rlimit.Cur == unix.RLIM_INFINITY {
		return true, -1
	}

	limitKB := int64(rlimit.Cur / 1024)
	return limitKB >= MinMlockLimitKB, limitKB
}

// GuardedMode reports whether sensitive values are held in mlocked memory.
//
// The second return is the probed mlock limit in KB (-1 if unlimited).
func GuardedMode() (bool, int64) {
	initSecureMemory()
	return guardedMode, mlockLimitKB
}

// Purge wipes all guarded memory.
//
// Call during graceful shutdown. Existing guarded Values are unusable
// afterwards.
func Purge() {
	memguard.Purge()
}

// =============================================================================
// Value
// =============================================================================

// Value is a placeholder default value with type-level redaction.
//
// A Value is either plain (non-sensitive, passes through all renderings)
// or sensitive (every rendering emits Marker; raw bytes only via Reveal).
// The zero Value is an empty plain value.
//
// # Thread Safety
//
// Value is immutable after construction except for Destroy; concurrent
// reads are safe. Destroy must not race with Reveal on the same Value.
type Value struct {
	name      string
	sensitive bool

	// Exactly one of buf/data holds the bytes for non-empty values.
	// buf is used in guarded mode for sensitive values.
	buf  *memguard.LockedBuffer
	data []byte
}

// New creates a Value.
//
// name identifies the owning placeholder in debugging output (it appears
// nowhere in redacted renderings, which emit exactly Marker). sensitive
// selects redaction and, when the system permits, guarded storage.
func New(name, raw string, sensitive bool) Value {
	v := Value{name: name, sensitive: sensitive}
	if raw == "" {
		return v
	}

	if sensitive {
		initSecureMemory()
		if guardedMode {
			v.buf = memguard.NewBufferFromBytes([]byte(raw))
			return v
		}
	}

	v.data = []byte(raw)
	return v
}

// Plain creates a non-sensitive Value.
func Plain(raw string) Value {
	return Value{data: []byte(raw)}
}

// Name returns the owning placeholder name the Value was created with.
func (v Value) Name() string { return v.name }

// IsSensitive reports whether renderings of this Value are redacted.
func (v Value) IsSensitive() bool { return v.sensitive }

// IsZero reports whether the Value holds no bytes.
func (v Value) IsZero() bool {
	return v.buf == nil && len(v.data) == 0
}

// Reveal returns the raw value.
//
// The only way to read a sensitive Value. Callers are responsible for not
// passing the result to a logger; storage codecs and `placeholder list
// --reveal` are the intended call sites.
func (v Value) Reveal() string {
	if v.buf != nil {
		return v.buf.String()
	}
	return string(v.data)
}

// Equal compares two Values by their raw bytes.
func (v Value) Equal(other Value) bool {
	return v.Reveal() == other.Reveal()
}

// Destroy wipes a guarded Value's bytes. Safe to call multiple times.
//
// Plain values are zeroed best-effort; the Go runtime may retain copies.
func (v *Value) Destroy() {
	if v.buf != nil {
		v.buf.Destroy()
		v.buf = nil
	}
	for i := range v.data {
		v.data[i] = 0
	}
	v.data = nil
}

// =============================================================================
// Renderings (all redact when sensitive)
// =============================================================================

// String implements fmt.Stringer.
func (v Value) String() string {
	if v.sensitive {
		return Marker
	}
	return v.Reveal()
}

// Format implements fmt.Formatter so every verb, including %#v and %+v,
// goes through redaction rather than reflective struct printing.
func (v Value) Format(f fmt.State, verb rune) {
	switch verb {
	case 'q':
		fmt.Fprintf(f, "%q", v.String())
	default:
		fmt.Fprint(f, v.String())
	}
}

// MarshalJSON implements json.Marshaler.
//
// Sensitive values marshal as the redaction marker. Persisting the real
// bytes is the storage codec's job, via Reveal into its own record type.
func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.String())
}

// LogValue implements slog.LogValuer.
func (v Value) LogValue() slog.Value {
	return slog.StringValue(v.String())
}
