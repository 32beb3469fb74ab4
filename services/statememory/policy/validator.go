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
	"fmt"
	"slices"

	"github.com/AleutianAI/statememory/services/statememory/delta"
	"github.com/AleutianAI/statememory/services/statememory/document"
)

// Validator evaluates an ordered rule list against proposed writes.
//
// # Description
//
// Validator holds two views of the same rules: the full list used for
// deltas, and the invariant subset (everything except autonomy caps) used
// when a whole document is written without an autonomy context.
//
// # Thread Safety
//
// Validator is immutable after construction and safe for concurrent use.
type Validator struct {
	rules      []Rule
	invariants []Rule
}

// NewValidator compiles a policy file into a validator.
//
// # Inputs
//
//   - f: A validated policy. Use Default() for the built-in policy.
//
// # Outputs
//
//   - *Validator: Ready to use.
//   - error: Non-nil if an expression rule fails to compile or
//     sensitive_data names an unknown classification.
func NewValidator(f *File) (*Validator, error) {
	if f == nil {
		return nil, fmt.Errorf("%w: nil policy", ErrInvalidPolicy)
	}
	v := &Validator{}

	nonNeg := NewNonNegativeRule(f.NonNegative)
	v.rules = append(v.rules, nonNeg)
	v.invariants = append(v.invariants, nonNeg)

	v.rules = append(v.rules, NewAutonomyCapRule(f.Autonomy))

	if f.SensitiveData.Enabled {
		classifier, err := NewDefaultClassifier()
		if err != nil {
			return nil, err
		}
		for _, name := range f.SensitiveData.Block {
			if !slices.Contains(classifier.Names(), name) {
				return nil, fmt.Errorf("%w: sensitive_data blocks unknown classification %q", ErrInvalidPolicy, name)
			}
		}
		rule := NewSensitiveDataRule(classifier, f.SensitiveData)
		v.rules = append(v.rules, rule)
		v.invariants = append(v.invariants, rule)
	}

	for _, spec := range f.Expressions {
		rule, err := NewExpressionRule(spec)
		if err != nil {
			return nil, err
		}
		v.rules = append(v.rules, rule)
		v.invariants = append(v.invariants, rule)
	}
	return v, nil
}

// NewDefaultValidator builds a validator from the embedded default policy.
func NewDefaultValidator() (*Validator, error) {
	f, err := Default()
	if err != nil {
		return nil, err
	}
	return NewValidator(f)
}

// RuleNames returns the rule names in evaluation order.
func (v *Validator) RuleNames() []string {
	names := make([]string, len(v.rules))
	for i, r := range v.rules {
		names[i] = r.Name()
	}
	return names
}

// Validate applies d to a scratch copy of doc and evaluates the rules.
// The first violation wins. A delta that cannot be applied at all (for
// example an Increment on a string) is denied with the apply error.
func (v *Validator) Validate(doc *document.Node, d delta.Delta, ctx Context) Decision {
	after, err := delta.Apply(doc, d)
	if err != nil {
		return Decision{Rule: "delta", Reason: err.Error()}
	}
	return v.ValidateApplied(doc, after, d, ctx)
}

// ValidateApplied evaluates the rules against an already computed
// post-delta document. The state manager uses this to avoid applying the
// delta twice inside the per-key critical section.
func (v *Validator) ValidateApplied(before, after *document.Node, d delta.Delta, ctx Context) Decision {
	ev := Evaluation{Before: before, After: after, Delta: d, Context: ctx.Normalize()}
	return first(v.rules, ev)
}

// ValidateAll is the dry-run form of Validate: it never stops early and
// returns every violation from every rule.
func (v *Validator) ValidateAll(doc *document.Node, d delta.Delta, ctx Context) Report {
	report := Report{Violations: []string{}}
	after, err := delta.Apply(doc, d)
	if err != nil {
		report.Violations = append(report.Violations, err.Error())
		return report
	}
	ev := Evaluation{Before: doc, After: after, Delta: d, Context: ctx.Normalize()}
	for _, r := range v.rules {
		report.Violations = append(report.Violations, r.Check(ev)...)
	}
	report.Allowed = len(report.Violations) == 0
	return report
}

// CheckDocument evaluates the invariant rules against a full document
// replacement. Autonomy caps do not apply to full writes.
func (v *Validator) CheckDocument(doc *document.Node, ctx Context) Decision {
	ev := Evaluation{After: doc, Context: ctx.Normalize()}
	return first(v.invariants, ev)
}

func first(rules []Rule, ev Evaluation) Decision {
	for _, r := range rules {
		if msgs := r.Check(ev); len(msgs) > 0 {
			return Decision{Rule: r.Name(), Reason: msgs[0]}
		}
	}
	return Decision{Allowed: true}
}
