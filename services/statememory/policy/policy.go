// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package policy gates writes to FSA documents.
//
// # Description
//
// Policies are declared in YAML (see enforcement/default_policy.yaml) and
// compiled into an ordered list of rules:
//
//  1. non_negative: guarded numeric fields must stay >= 0.
//  2. autonomy: the change to any guarded field in one delta is capped by
//     the caller's AML (autonomy) level.
//  3. sensitive_data: when enabled, written strings must not match a
//     blocked data classification (credentials, personal data).
//  4. expressions: optional expr-lang predicates over before/after/delta/ctx.
//
// Resource invariants always run before autonomy caps, so a delta that both
// drives a budget negative and exceeds the caller's cap is reported as a
// plain policy violation.
package policy

import (
	"errors"
	"fmt"
	"math"
	"os"
	"sort"

	"github.com/AleutianAI/statememory/services/statememory/document"
	"github.com/AleutianAI/statememory/services/statememory/policy/enforcement"
	"gopkg.in/yaml.v3"
)

// ErrInvalidPolicy is returned when a policy file fails validation.
var ErrInvalidPolicy = errors.New("invalid policy")

// File is the YAML policy document.
type File struct {
	Version       int               `yaml:"version"`
	NonNegative   []GuardSpec       `yaml:"non_negative"`
	Autonomy      AutonomySpec      `yaml:"autonomy"`
	SensitiveData SensitiveDataSpec `yaml:"sensitive_data"`
	Expressions   []ExpressionSpec  `yaml:"expressions"`
}

// GuardSpec registers a dotted glob as a non-negative resource. Label is
// used in violation messages ("Inventory cannot be negative").
type GuardSpec struct {
	Pattern string `yaml:"pattern"`
	Label   string `yaml:"label"`
}

// AutonomySpec lists the fields whose per-delta change is capped and the
// cap table keyed by AML level.
type AutonomySpec struct {
	Guarded []string   `yaml:"guarded"`
	Caps    []CapLevel `yaml:"caps"`
}

// CapLevel is one row of the cap table.
type CapLevel struct {
	Level     int     `yaml:"level"`
	MaxChange float64 `yaml:"max_change"`
	Unlimited bool    `yaml:"unlimited"`
}

func (c CapLevel) limit() float64 {
	if c.Unlimited {
		return math.Inf(1)
	}
	return c.MaxChange
}

// ExpressionSpec is an expr-lang predicate. Pillars, when set, restricts the
// rule to submissions from those pillars.
type ExpressionSpec struct {
	Name    string   `yaml:"name"`
	Expr    string   `yaml:"expr"`
	Message string   `yaml:"message"`
	Pillars []string `yaml:"pillars"`
}

// CapTable maps AML levels to the largest change allowed per guarded field.
// Rows are sorted by level and limits never decrease with level.
type CapTable []CapLevel

// For returns the cap for an AML level: the row with the highest level not
// above aml. Levels below the first row use the first row.
func (t CapTable) For(aml int) float64 {
	if len(t) == 0 {
		return math.Inf(1)
	}
	limit := t[0].limit()
	for _, row := range t {
		if row.Level > aml {
			break
		}
		limit = row.limit()
	}
	return limit
}

// Parse decodes and validates a YAML policy.
func Parse(data []byte) (*File, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPolicy, err)
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

// LoadFile reads and parses a policy from disk.
func LoadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy file %s: %w", path, err)
	}
	return Parse(data)
}

// Default returns the policy compiled into the binary.
func Default() (*File, error) {
	return Parse(enforcement.DefaultPolicy)
}

// Validate checks patterns, sorts the cap table and enforces that caps are
// non-decreasing in AML level.
func (f *File) Validate() error {
	for _, g := range f.NonNegative {
		if !document.ValidGlob(g.Pattern) {
			return fmt.Errorf("%w: bad non_negative pattern %q", ErrInvalidPolicy, g.Pattern)
		}
	}
	for _, p := range f.Autonomy.Guarded {
		if !document.ValidGlob(p) {
			return fmt.Errorf("%w: bad autonomy pattern %q", ErrInvalidPolicy, p)
		}
	}
	if len(f.Autonomy.Guarded) > 0 && len(f.Autonomy.Caps) == 0 {
		return fmt.Errorf("%w: autonomy has guarded fields but no caps", ErrInvalidPolicy)
	}

	sort.SliceStable(f.Autonomy.Caps, func(i, j int) bool {
		return f.Autonomy.Caps[i].Level < f.Autonomy.Caps[j].Level
	})
	for i, row := range f.Autonomy.Caps {
		if row.Level < 0 {
			return fmt.Errorf("%w: cap level %d is negative", ErrInvalidPolicy, row.Level)
		}
		if !row.Unlimited && row.MaxChange < 0 {
			return fmt.Errorf("%w: cap for level %d is negative", ErrInvalidPolicy, row.Level)
		}
		if i == 0 {
			continue
		}
		prev := f.Autonomy.Caps[i-1]
		if prev.Level == row.Level {
			return fmt.Errorf("%w: cap level %d listed twice", ErrInvalidPolicy, row.Level)
		}
		if row.limit() < prev.limit() {
			return fmt.Errorf("%w: cap for level %d is lower than for level %d",
				ErrInvalidPolicy, row.Level, prev.Level)
		}
	}

	for _, p := range f.SensitiveData.Allow {
		if !document.ValidGlob(p) {
			return fmt.Errorf("%w: bad sensitive_data allow pattern %q", ErrInvalidPolicy, p)
		}
	}
	if f.SensitiveData.Enabled && len(f.SensitiveData.Block) == 0 {
		return fmt.Errorf("%w: sensitive_data is enabled but blocks nothing", ErrInvalidPolicy)
	}

	names := make(map[string]bool, len(f.Expressions))
	for _, e := range f.Expressions {
		if e.Name == "" || e.Expr == "" {
			return fmt.Errorf("%w: expression rules need a name and an expr", ErrInvalidPolicy)
		}
		if names[e.Name] {
			return fmt.Errorf("%w: expression rule %q listed twice", ErrInvalidPolicy, e.Name)
		}
		names[e.Name] = true
	}
	return nil
}
