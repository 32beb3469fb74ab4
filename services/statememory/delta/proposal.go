// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package delta

import "time"

// Proposal is the message a producer publishes when it wants a delta
// committed asynchronously. Consumers feed proposals into the same commit
// path as the synchronous delta endpoint.
//
// Pillar and AMLLevel are optional; when absent the least privileged
// policy context applies.
type Proposal struct {
	Tenant    string    `json:"tenant" validate:"required"`
	FSAID     string    `json:"fsa_id" validate:"required"`
	Actor     string    `json:"actor" validate:"required"`
	Delta     Delta     `json:"delta"`
	LineageID string    `json:"lineage_id" validate:"required"`
	Timestamp time.Time `json:"timestamp"`
	Pillar    string    `json:"pillar,omitempty"`
	AMLLevel  *int      `json:"aml_level,omitempty" validate:"omitempty,min=0"`
}

// Key returns the partition key producers use on the topic: "tenant:fsa".
func (p Proposal) Key() string {
	return p.Tenant + ":" + p.FSAID
}
