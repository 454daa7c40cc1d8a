// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package audit

import "errors"

var (
	// ErrUnknownKind indicates an entry kind outside the defined set.
	ErrUnknownKind = errors.New("unknown audit kind")

	// ErrEmptyReason indicates an entry without a reason. Every audit
	// record must say why the change happened.
	ErrEmptyReason = errors.New("audit reason is required")

	// ErrEmptyDatabase indicates a log constructed without a database
	// scope name.
	ErrEmptyDatabase = errors.New("database name is required")
)
