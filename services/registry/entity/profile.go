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
	"sort"
	"time"

	"github.com/AleutianAI/TemplateMesh/services/registry/store"
)

// ProfileFilter narrows a ListProfiles call. Zero fields match
// everything.
type ProfileFilter struct {
	// EnvironmentType matches the environment type exactly.
	EnvironmentType string

	// ActiveOnly excludes inactive profiles.
	ActiveOnly bool
}

func (f ProfileFilter) matches(p Profile) bool {
	if f.EnvironmentType != "" && p.EnvironmentType != f.EnvironmentType {
		return false
	}
	if f.ActiveOnly && !p.Active {
		return false
	}
	return true
}

// RegisterProfile validates the spec and stores a new profile.
//
// # Description
//
// Profile ids are unique within the scope. Registering an active profile
// whose (environment_type, priority) tier already has an active profile
// fails with a DuplicateKeyError of kind "active_profile"; the tier
// invariant is enforced at write time.
//
// # Inputs
//
//   - ctx: Cancellation context.
//   - spec: The profile to register.
//
// # Outputs
//
//   - error: ErrInvalidSpec, ErrDuplicateKey, lock or storage failures.
func (r *Registry) RegisterProfile(ctx context.Context, spec ProfileSpec) error {
	spec, err := spec.validate()
	if err != nil {
		return err
	}

	if err := r.locks.Acquire(ctx, r.database, "register_profile"); err != nil {
		return err
	}
	defer r.locks.Release(r.database)

	key := prefixProfile + spec.ProfileID
	_, err = r.store.Get(ctx, store.TableEntities, key)
	switch {
	case err == nil:
		return &DuplicateKeyError{Kind: "profile", Key: spec.ProfileID}
	case !errors.Is(err, store.ErrKeyNotFound):
		return fmt.Errorf("check profile %s: %w", spec.ProfileID, err)
	}

	if spec.Active {
		holder, err := r.activeProfileAt(ctx, spec.EnvironmentType, spec.Priority)
		if err != nil {
			return err
		}
		if holder != "" {
			return &DuplicateKeyError{
				Kind: "active_profile",
				Key:  fmt.Sprintf("%s@%d", spec.EnvironmentType, spec.Priority),
			}
		}
	}

	now := time.Now().UTC()
	profile := Profile{
		ProfileID:       spec.ProfileID,
		EnvironmentType: spec.EnvironmentType,
		Priority:        spec.Priority,
		RuleIDs:         spec.RuleIDs,
		Active:          spec.Active,
		Description:     spec.Description,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := r.putJSON(ctx, key, profile); err != nil {
		return fmt.Errorf("store profile %s: %w", spec.ProfileID, err)
	}

	r.logger.Debug("profile registered",
		"database", r.database,
		"profile_id", spec.ProfileID,
		"environment_type", spec.EnvironmentType,
		"priority", spec.Priority,
		"active", spec.Active)
	return nil
}

// activeProfileAt returns the id of the active profile occupying the
// (environment_type, priority) tier, or "" when the tier is free.
func (r *Registry) activeProfileAt(ctx context.Context, environmentType string, priority int) (string, error) {
	holder := ""
	err := r.scanPrefix(ctx, prefixProfile, func(_ string, row store.Row) (bool, error) {
		var p Profile
		if err := json.Unmarshal(row, &p); err != nil {
			return false, fmt.Errorf("decode profile: %w", err)
		}
		if p.Active && p.EnvironmentType == environmentType && p.Priority == priority {
			holder = p.ProfileID
			return false, nil
		}
		return true, nil
	})
	if err != nil {
		return "", fmt.Errorf("scan profiles in %s: %w", r.database, err)
	}
	return holder, nil
}

// GetActiveProfile returns the highest-precedence active profile for an
// environment type.
//
// # Description
//
// Precedence is the lowest priority number. When two active profiles tie
// at the top priority the invariant is broken, perhaps by rows a sync
// pass copied in; the tie is surfaced as an AmbiguousProfileError rather
// than resolved silently. Lock-free.
//
// # Inputs
//
//   - ctx: Cancellation context.
//   - environmentType: The environment type to select for.
//
// # Outputs
//
//   - Profile: The winning profile.
//   - error: ErrNotFound when no active profile exists,
//     ErrAmbiguousProfile on a tie, storage failures.
func (r *Registry) GetActiveProfile(ctx context.Context, environmentType string) (Profile, error) {
	candidates, err := r.ListProfiles(ctx, ProfileFilter{
		EnvironmentType: environmentType,
		ActiveOnly:      true,
	})
	if err != nil {
		return Profile{}, err
	}
	if len(candidates) == 0 {
		return Profile{}, fmt.Errorf("no active profile for environment type %q: %w",
			environmentType, ErrNotFound)
	}

	best := candidates[0]
	tied := []string{best.ProfileID}
	for _, p := range candidates[1:] {
		switch {
		case p.Priority < best.Priority:
			best = p
			tied = tied[:0]
			tied = append(tied, p.ProfileID)
		case p.Priority == best.Priority:
			tied = append(tied, p.ProfileID)
		}
	}

	if len(tied) > 1 {
		sort.Strings(tied)
		return Profile{}, &AmbiguousProfileError{
			EnvironmentType: environmentType,
			Priority:        best.Priority,
			ProfileIDs:      tied,
		}
	}
	return best, nil
}

// GetProfile returns a profile by id. Lock-free.
func (r *Registry) GetProfile(ctx context.Context, profileID string) (Profile, error) {
	var p Profile
	if err := r.getJSON(ctx, prefixProfile+profileID, &p); err != nil {
		return Profile{}, err
	}
	return p, nil
}

// ListProfiles returns profiles matching the filter, ordered by profile
// id. Lock-free.
func (r *Registry) ListProfiles(ctx context.Context, f ProfileFilter) ([]Profile, error) {
	var out []Profile
	err := r.scanPrefix(ctx, prefixProfile, func(_ string, row store.Row) (bool, error) {
		var p Profile
		if err := json.Unmarshal(row, &p); err != nil {
			return false, fmt.Errorf("decode profile: %w", err)
		}
		if f.matches(p) {
			out = append(out, p)
		}
		return true, nil
	})
	if err != nil {
		return nil, fmt.Errorf("list profiles in %s: %w", r.database, err)
	}
	return out, nil
}
