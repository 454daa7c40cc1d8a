// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package store

import "errors"

var (
	// ErrKeyNotFound is returned by Get when no row exists under the key.
	ErrKeyNotFound = errors.New("key not found")

	// ErrClosed is returned by operations on a closed store.
	ErrClosed = errors.New("store is closed")

	// ErrEmptyTable is returned when an operation names an empty table string.
	ErrEmptyTable = errors.New("table name is empty")

	// ErrEmptyKey is returned when an operation names an empty key.
	ErrEmptyKey = errors.New("key is empty")

	// ErrInvalidTable is returned when a table name is not a lowercase
	// identifier. Backings embed table names in their key spaces and
	// schemas, so the shape is part of the contract.
	ErrInvalidTable = errors.New("invalid table name")
)
