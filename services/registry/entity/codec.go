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
	"encoding/json"
	"fmt"
	"strings"
)

// Row key constructors for the entities table. The reference ledger and
// the CLI build endpoint keys with these instead of hardcoding the
// prefix layout.

// TemplateRowKey returns the entities-table key for a template id.
func TemplateRowKey(id string) string { return prefixTemplate + id }

// PlaceholderRowKey returns the entities-table key for a placeholder
// name.
func PlaceholderRowKey(name string) string { return prefixPlaceholder + name }

// ProfileRowKey returns the entities-table key for a profile id.
func ProfileRowKey(profileID string) string { return prefixProfile + profileID }

// RuleRowKey returns the entities-table key for a rule id.
func RuleRowKey(ruleID string) string { return prefixRule + ruleID }

// DecodeRow decodes an entities-table row by its key prefix.
//
// # Description
//
// Reporting paths that hold raw rows (reference resolution, status
// snapshots) decode through here so placeholder defaults come back
// wrapped in their secret values and render redacted. Keys outside the
// known prefixes pass through as raw JSON.
//
// # Inputs
//
//   - key: The entities-table row key.
//   - row: The JSON row bytes.
//
// # Outputs
//
//   - string: The entity kind (template, placeholder, profile, rule,
//     template_index, or row for unknown keys).
//   - any: The decoded entity.
//   - error: Non-nil if the row does not decode as its kind.
func DecodeRow(key string, row []byte) (string, any, error) {
	switch {
	case strings.HasPrefix(key, prefixTemplate):
		var t Template
		if err := json.Unmarshal(row, &t); err != nil {
			return "", nil, fmt.Errorf("decode template row %s: %w", key, err)
		}
		return "template", t, nil

	case strings.HasPrefix(key, prefixTemplateKey):
		var idx templateIndex
		if err := json.Unmarshal(row, &idx); err != nil {
			return "", nil, fmt.Errorf("decode template index row %s: %w", key, err)
		}
		return "template_index", idx.ID, nil

	case strings.HasPrefix(key, prefixPlaceholder):
		var p placeholderRow
		if err := json.Unmarshal(row, &p); err != nil {
			return "", nil, fmt.Errorf("decode placeholder row %s: %w", key, err)
		}
		return "placeholder", p.decode(), nil

	case strings.HasPrefix(key, prefixProfile):
		var p Profile
		if err := json.Unmarshal(row, &p); err != nil {
			return "", nil, fmt.Errorf("decode profile row %s: %w", key, err)
		}
		return "profile", p, nil

	case strings.HasPrefix(key, prefixRule):
		var r Rule
		if err := json.Unmarshal(row, &r); err != nil {
			return "", nil, fmt.Errorf("decode rule row %s: %w", key, err)
		}
		return "rule", r, nil

	default:
		return "row", json.RawMessage(row), nil
	}
}
