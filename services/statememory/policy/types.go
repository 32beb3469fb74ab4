// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package policy

import (
	"github.com/AleutianAI/statememory/services/statememory/delta"
	"github.com/AleutianAI/statememory/services/statememory/document"
)

// DefaultPillar is used when a submission names no pillar.
const DefaultPillar = "default"

// Context describes who is submitting a delta and with what autonomy.
type Context struct {
	Actor     string
	Pillar    string
	AMLLevel  int
	LineageID string
}

// Normalize fills the least privileged defaults: the default pillar and
// AML level 0 for anything negative.
func (c Context) Normalize() Context {
	if c.Pillar == "" {
		c.Pillar = DefaultPillar
	}
	if c.AMLLevel < 0 {
		c.AMLLevel = 0
	}
	return c
}

// Decision is the outcome of evaluating rules for a commit. When Allowed is
// false, Reason carries the first violation verbatim and Rule names the rule
// that produced it.
type Decision struct {
	Allowed bool
	Rule    string
	Reason  string
}

// Report is the outcome of a dry run: every violation, not just the first.
type Report struct {
	Allowed    bool     `json:"allowed"`
	Violations []string `json:"violations"`
}

// Evaluation is the input every rule sees: the document before and after a
// scratch application of the delta, the delta itself and the caller context.
type Evaluation struct {
	Before  *document.Node
	After   *document.Node
	Delta   delta.Delta
	Context Context
}

// Rule is a pure check over an Evaluation. It returns one message per
// violation, in document order, or nothing when the evaluation is allowed.
type Rule interface {
	Name() string
	Check(ev Evaluation) []string
}
