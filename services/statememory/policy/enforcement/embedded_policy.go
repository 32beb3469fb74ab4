// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package enforcement carries the default write policy and the data
// classification patterns compiled into the binary, so a server started
// without a policy file still guards budgets, inventories and secrets.
package enforcement

import (
	_ "embed"
)

// DefaultPolicy holds the raw bytes of default_policy.yaml.
//
// Usage:
//
//	p, err := policy.Parse(enforcement.DefaultPolicy)
//
//go:embed default_policy.yaml
var DefaultPolicy []byte

// DataClassificationPatterns holds the raw bytes of
// data_classification_patterns.yaml, read by the sensitive_data rule.
//
//go:embed data_classification_patterns.yaml
var DataClassificationPatterns []byte
