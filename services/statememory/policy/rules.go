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
	"math"
	"slices"

	"github.com/AleutianAI/statememory/services/statememory/delta"
	"github.com/AleutianAI/statememory/services/statememory/document"
	exprlang "github.com/expr-lang/expr"
	exprvm "github.com/expr-lang/expr/vm"
)

// =============================================================================
// Non-negativity
// =============================================================================

// NonNegativeRule rejects documents in which a guarded numeric field is
// below zero.
type NonNegativeRule struct {
	guards []GuardSpec
}

// NewNonNegativeRule builds the rule from guard specs.
func NewNonNegativeRule(guards []GuardSpec) *NonNegativeRule {
	return &NonNegativeRule{guards: slices.Clone(guards)}
}

func (r *NonNegativeRule) Name() string { return "non_negative" }

// Check walks every numeric leaf of the post-delta document.
func (r *NonNegativeRule) Check(ev Evaluation) []string {
	var out []string
	ev.After.WalkNumbers("", func(path string, v float64) {
		if v >= 0 {
			return
		}
		for _, g := range r.guards {
			if document.MatchGlob(g.Pattern, path) {
				out = append(out, fmt.Sprintf("Policy violation: %s cannot be negative (%s = %s)",
					labelFor(g), path, document.FormatNumber(v)))
				return
			}
		}
	})
	return out
}

func labelFor(g GuardSpec) string {
	if g.Label != "" {
		return g.Label
	}
	return g.Pattern
}

// =============================================================================
// Autonomy caps
// =============================================================================

// AutonomyCapRule limits how far a single delta may move a guarded field,
// based on the caller's AML level.
type AutonomyCapRule struct {
	guarded []string
	caps    CapTable
}

// NewAutonomyCapRule builds the rule. caps must already be validated.
func NewAutonomyCapRule(spec AutonomySpec) *AutonomyCapRule {
	return &AutonomyCapRule{
		guarded: slices.Clone(spec.Guarded),
		caps:    CapTable(slices.Clone(spec.Caps)),
	}
}

func (r *AutonomyCapRule) Name() string { return "autonomy_cap" }

// Caps returns the cap table in level order.
func (r *AutonomyCapRule) Caps() CapTable { return slices.Clone(r.caps) }

// Check compares every numeric leaf under a touched path before and after
// the delta. A leaf missing on either side counts as 0.
func (r *AutonomyCapRule) Check(ev Evaluation) []string {
	if len(r.guarded) == 0 {
		return nil
	}
	limit := r.caps.For(ev.Context.AMLLevel)
	if math.IsInf(limit, 1) {
		return nil
	}

	var out []string
	for _, path := range touchedNumericPaths(ev) {
		if !r.isGuarded(path) {
			continue
		}
		change := numberAt(ev.After, path) - numberAt(ev.Before, path)
		if math.Abs(change) > limit {
			out = append(out, fmt.Sprintf("AML violation: change of %s to %s exceeds cap %s for AML level %d",
				document.FormatNumber(change), path, document.FormatNumber(limit), ev.Context.AMLLevel))
		}
	}
	return out
}

func (r *AutonomyCapRule) isGuarded(path string) bool {
	for _, p := range r.guarded {
		if document.MatchGlob(p, path) {
			return true
		}
	}
	return false
}

// touchedNumericPaths lists, once each and in discovery order, every numeric
// leaf at or under a delta path in either version of the document, plus any
// ancestor of a delta path that was a number. Writing beneath a number
// replaces it with a mapping, which removes its value.
func touchedNumericPaths(ev Evaluation) []string {
	seen := make(map[string]bool)
	var order []string
	add := func(path string) {
		if !seen[path] {
			seen[path] = true
			order = append(order, path)
		}
	}
	collect := func(root *document.Node, prefix string) {
		node, ok := root.Lookup(prefix)
		if !ok {
			return
		}
		node.WalkNumbers(prefix, func(path string, _ float64) { add(path) })
	}
	for _, p := range ev.Delta.Paths() {
		segs, err := document.SplitPath(p)
		if err != nil {
			continue
		}
		ancestor := ""
		for _, seg := range segs[:len(segs)-1] {
			ancestor = document.JoinPath(ancestor, seg)
			for _, root := range []*document.Node{ev.Before, ev.After} {
				if n, ok := root.Lookup(ancestor); ok && n.Kind() == document.KindNumber {
					add(ancestor)
				}
			}
		}
		collect(ev.Before, p)
		collect(ev.After, p)
	}
	return order
}

func numberAt(root *document.Node, path string) float64 {
	n, ok := root.Lookup(path)
	if !ok {
		return 0
	}
	v, _ := n.AsNumber()
	return v
}

// =============================================================================
// Expression rules
// =============================================================================

// ExpressionRule evaluates an expr-lang predicate. The predicate must
// return true for the delta to be allowed.
//
// Variables:
//
//	before  map[string]any   document before the delta
//	after   map[string]any   document after the delta
//	delta   map[string]any   path -> {"op": "set"|"increment", "value", "amount"}
//	ctx     map[string]any   actor, pillar, aml_level, lineage_id
type ExpressionRule struct {
	spec    ExpressionSpec
	program *exprvm.Program
}

// NewExpressionRule compiles spec.
func NewExpressionRule(spec ExpressionSpec) (*ExpressionRule, error) {
	program, err := exprlang.Compile(spec.Expr,
		exprlang.Env(map[string]any{}),
		exprlang.AllowUndefinedVariables(),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: compile expression %q: %v", ErrInvalidPolicy, spec.Name, err)
	}
	return &ExpressionRule{spec: spec, program: program}, nil
}

func (r *ExpressionRule) Name() string { return "expr:" + r.spec.Name }

// Check runs the predicate. Evaluation errors and non-boolean results are
// violations.
func (r *ExpressionRule) Check(ev Evaluation) []string {
	if len(r.spec.Pillars) > 0 && !slices.Contains(r.spec.Pillars, ev.Context.Pillar) {
		return nil
	}
	result, err := exprlang.Run(r.program, expressionEnv(ev))
	if err != nil {
		return []string{fmt.Sprintf("Policy violation: rule %s could not be evaluated: %v", r.spec.Name, err)}
	}
	ok, isBool := result.(bool)
	if !isBool {
		return []string{fmt.Sprintf("Policy violation: rule %s returned %T, expected bool", r.spec.Name, result)}
	}
	if ok {
		return nil
	}
	if r.spec.Message != "" {
		return []string{r.spec.Message}
	}
	return []string{fmt.Sprintf("Policy violation: rule %s rejected the delta", r.spec.Name)}
}

func expressionEnv(ev Evaluation) map[string]any {
	ops := make(map[string]any, ev.Delta.Len())
	for _, e := range ev.Delta.Entries() {
		switch e.Op.Kind() {
		case delta.OpIncrement:
			ops[e.Path] = map[string]any{"op": "increment", "amount": e.Op.Amount()}
		default:
			ops[e.Path] = map[string]any{"op": "set", "value": e.Op.Value().Interface()}
		}
	}
	return map[string]any{
		"before": asMap(ev.Before),
		"after":  asMap(ev.After),
		"delta":  ops,
		"ctx": map[string]any{
			"actor":      ev.Context.Actor,
			"pillar":     ev.Context.Pillar,
			"aml_level":  ev.Context.AMLLevel,
			"lineage_id": ev.Context.LineageID,
		},
	}
}

func asMap(n *document.Node) map[string]any {
	if m, ok := n.Interface().(map[string]any); ok {
		return m
	}
	return map[string]any{}
}
