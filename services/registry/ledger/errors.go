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
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrCyclicClone indicates a clone link that would close a cycle.
	// Clone lineages must stay a DAG.
	ErrCyclicClone = errors.New("clone link would form a cycle")

	// ErrNotFound indicates the reference row itself does not exist.
	// Stale endpoints are warnings, not errors; this is for the ledger's
	// own rows.
	ErrNotFound = errors.New("reference not found")

	// ErrInvalidEndpoint indicates a malformed endpoint tuple.
	ErrInvalidEndpoint = errors.New("invalid endpoint")

	// ErrInvalidRelationship indicates a relationship type outside the
	// defined set.
	ErrInvalidRelationship = errors.New("invalid relationship type")

	// ErrUnreachableDatabase indicates the endpoint's owning database
	// has no storage handle in this process.
	ErrUnreachableDatabase = errors.New("database unreachable")
)

// CyclicCloneError reports the cycle a clone link would have formed.
type CyclicCloneError struct {
	// Source is the proposed link's source endpoint.
	Source Endpoint

	// Target is the proposed link's target endpoint.
	Target Endpoint

	// Path is the would-be cycle, starting and ending at Source.
	Path []string
}

// Error implements the error interface.
func (e *CyclicCloneError) Error() string {
	return fmt.Sprintf("clone link %s -> %s would form a cycle: %s",
		e.Source, e.Target, strings.Join(e.Path, " -> "))
}

// Unwrap returns ErrCyclicClone for errors.Is matching.
func (e *CyclicCloneError) Unwrap() error {
	return ErrCyclicClone
}
