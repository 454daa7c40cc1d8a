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
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrDuplicateKey indicates a registration that collides with an
	// existing unique key.
	ErrDuplicateKey = errors.New("duplicate key")

	// ErrInvalidSecurityLevel indicates a security level outside the
	// four defined tiers.
	ErrInvalidSecurityLevel = errors.New("invalid security level")

	// ErrAmbiguousProfile indicates two active profiles tied at the top
	// priority for an environment type. The violation is surfaced, never
	// silently resolved.
	ErrAmbiguousProfile = errors.New("ambiguous active profile")

	// ErrNotFound indicates the requested entity does not exist in this
	// scope.
	ErrNotFound = errors.New("entity not found")

	// ErrUnauditedDemotion indicates a security level demotion without
	// an accompanying audit entry.
	ErrUnauditedDemotion = errors.New("security demotion requires an audit entry")

	// ErrInvalidSpec indicates a malformed registration input.
	ErrInvalidSpec = errors.New("invalid spec")
)

// DuplicateKeyError reports which key collided.
type DuplicateKeyError struct {
	// Kind is the entity kind (template, placeholder, profile, rule,
	// active_profile).
	Kind string

	// Key is the colliding unique key.
	Key string
}

// Error implements the error interface.
func (e *DuplicateKeyError) Error() string {
	return fmt.Sprintf("%s %q already exists", e.Kind, e.Key)
}

// Unwrap returns ErrDuplicateKey for errors.Is matching.
func (e *DuplicateKeyError) Unwrap() error {
	return ErrDuplicateKey
}

// InvalidSecurityLevelError reports an unknown security tier.
type InvalidSecurityLevelError struct {
	// Name is the placeholder the level was given for.
	Name string

	// Level is the offending value.
	Level SecurityLevel
}

// Error implements the error interface.
func (e *InvalidSecurityLevelError) Error() string {
	return fmt.Sprintf("placeholder %q: security level %q is not one of PUBLIC, INTERNAL, CONFIDENTIAL, SECRET",
		e.Name, string(e.Level))
}

// Unwrap returns ErrInvalidSecurityLevel for errors.Is matching.
func (e *InvalidSecurityLevelError) Unwrap() error {
	return ErrInvalidSecurityLevel
}

// AmbiguousProfileError reports an active profile tie.
type AmbiguousProfileError struct {
	// EnvironmentType is the queried environment type.
	EnvironmentType string

	// Priority is the tied priority tier.
	Priority int

	// ProfileIDs are the profiles tied at that tier.
	ProfileIDs []string
}

// Error implements the error interface.
func (e *AmbiguousProfileError) Error() string {
	return fmt.Sprintf("environment type %q has %d active profiles at priority %d: %s",
		e.EnvironmentType, len(e.ProfileIDs), e.Priority, strings.Join(e.ProfileIDs, ", "))
}

// Unwrap returns ErrAmbiguousProfile for errors.Is matching.
func (e *AmbiguousProfileError) Unwrap() error {
	return ErrAmbiguousProfile
}
