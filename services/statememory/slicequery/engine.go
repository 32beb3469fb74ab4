// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package slicequery extracts bounded, pattern-selected slices of an FSA
// document together with a short text summary for prompt construction.
//
// # Description
//
// Supported patterns:
//
//	*                  whole document
//	task:*             the "tasks" section (plural, "es" plural, or bare name)
//	agent:alpha        one entry of the "agents" section
//	metric:cpu*        entries of "metrics" whose key starts with "cpu"
//	resources.*        one subtree by dotted path
//	tasks.T1.status    one value by exact dotted path
//	path:tasks.*.owner doublestar glob over leaf paths (opt-in)
//
// Results are always wrapped under their section (or full path) so the
// caller can tell where the data came from. A positive k keeps the first k
// entries in document order.
//
// A pattern that does not parse, or that matches nothing, yields an empty
// slice and a summary that says so. Query never fails.
//
// # Thread Safety
//
// Engine is immutable and safe for concurrent use. Query does not modify
// the input document.
package slicequery

import (
	"fmt"
	"strings"

	"github.com/AleutianAI/statememory/services/statememory/document"
)

// DefaultMaxSummaryChars bounds summaries when Config leaves it unset.
const DefaultMaxSummaryChars = 2000

// TokenCounter measures and cuts text in model tokens.
type TokenCounter interface {
	CountTokens(text string) int
	TruncateTokens(text string, max int) string
}

// Config tunes an Engine.
type Config struct {
	// MaxSummaryChars caps the summary length in runes. Default 2000.
	MaxSummaryChars int

	// MaxSummaryTokens caps the summary in tokens when Tokens is set.
	// Zero disables the token budget.
	MaxSummaryTokens int

	// Tokens counts tokens for MaxSummaryTokens.
	Tokens TokenCounter

	// EnableGlobPatterns allows "path:<glob>" patterns.
	EnableGlobPatterns bool
}

// Result is the answer to one slice query. It is never persisted.
type Result struct {
	Version int64          `json:"version"`
	Slice   *document.Node `json:"slice"`
	Summary string         `json:"summary"`
	Pattern string         `json:"pattern"`
}

// Engine evaluates slice patterns.
type Engine struct {
	cfg Config
}

// New creates an engine, filling defaults.
func New(cfg Config) *Engine {
	if cfg.MaxSummaryChars <= 0 {
		cfg.MaxSummaryChars = DefaultMaxSummaryChars
	}
	return &Engine{cfg: cfg}
}

// Config returns the effective configuration.
func (e *Engine) Config() Config { return e.cfg }

// Query selects the part of doc described by pattern.
//
// # Inputs
//
//   - doc: The document at version. Not modified.
//   - version: Echoed into the result.
//   - pattern: See the package documentation.
//   - k: Keep at most k entries of the matched container. k <= 0 keeps all.
//
// # Outputs
//
//   - Result: Always populated. Slice is an empty mapping when nothing
//     matched.
func (e *Engine) Query(doc *document.Node, version int64, pattern string, k int) Result {
	res := Result{Version: version, Pattern: pattern, Slice: document.NewMapping()}

	p, err := ParsePattern(pattern, e.cfg.EnableGlobPatterns)
	if err != nil {
		res.Summary = e.bound(fmt.Sprintf("%s. Nothing was selected.", capitalize(err.Error())))
		return res
	}

	slice, total, ok := e.selectNodes(doc, p, k)
	if !ok {
		res.Summary = e.bound(fmt.Sprintf("No data matched slice pattern %q at version %d.", pattern, version))
		return res
	}
	res.Slice = slice
	res.Summary = e.bound(render(slice, pattern, version, total, k))
	return res
}

// selectNodes returns the wrapped slice, the number of entries before the k
// cap, and whether anything matched.
func (e *Engine) selectNodes(doc *document.Node, p Pattern, k int) (*document.Node, int, bool) {
	if doc.Kind() != document.KindMapping {
		return nil, 0, false
	}
	switch p.Kind {
	case PatternAll:
		return capEntries(doc, k), doc.Len(), true

	case PatternSection:
		name, section, ok := findSection(doc, p.Name)
		if !ok {
			return nil, 0, false
		}
		return wrap(name, capEntries(section, k)), section.Len(), true

	case PatternEntry:
		name, section, ok := findSection(doc, p.Name)
		if !ok {
			return nil, 0, false
		}
		if strings.Contains(p.Arg, ".") {
			return nil, 0, false
		}
		entry, ok := section.Lookup(p.Arg)
		if !ok {
			return nil, 0, false
		}
		inner := document.NewMapping()
		inner.Set(p.Arg, entry.Clone())
		return wrap(name, inner), 1, true

	case PatternPrefix:
		name, section, ok := findSection(doc, p.Name)
		if !ok || section.Kind() != document.KindMapping {
			return nil, 0, false
		}
		matched := document.NewMapping()
		for _, key := range section.Keys() {
			if strings.HasPrefix(key, p.Arg) {
				v, _ := section.Get(key)
				matched.Set(key, v)
			}
		}
		if matched.Len() == 0 {
			return nil, 0, false
		}
		return wrap(name, capEntries(matched, k)), matched.Len(), true

	case PatternSubtree, PatternPath:
		node, ok := doc.Lookup(p.Arg)
		if !ok {
			return nil, 0, false
		}
		if p.Kind == PatternSubtree && !isContainer(node) {
			return nil, 0, false
		}
		return wrapPath(p.Arg, capEntries(node, k)), node.Len(), true

	case PatternGlob:
		out := document.NewMapping()
		total := 0
		doc.WalkLeaves("", func(path string, leaf *document.Node) {
			if !document.MatchGlob(p.Arg, path) {
				return
			}
			total++
			if k > 0 && total > k {
				return
			}
			setPath(out, path, leaf.Clone())
		})
		if total == 0 {
			return nil, 0, false
		}
		return out, total, true
	}
	return nil, 0, false
}

// findSection resolves a section name against the document's top-level keys.
func findSection(doc *document.Node, name string) (string, *document.Node, bool) {
	for _, candidate := range sectionCandidates(name) {
		if v, ok := doc.Get(candidate); ok {
			return candidate, v, true
		}
	}
	return "", nil, false
}

func isContainer(n *document.Node) bool {
	k := n.Kind()
	return k == document.KindMapping || k == document.KindSequence
}

// capEntries deep-copies n keeping at most k mapping entries or sequence
// items in order.
func capEntries(n *document.Node, k int) *document.Node {
	if k <= 0 || n.Len() <= k {
		return n.Clone()
	}
	switch n.Kind() {
	case document.KindMapping:
		out := document.NewMapping()
		for _, key := range n.Keys()[:k] {
			v, _ := n.Get(key)
			out.Set(key, v.Clone())
		}
		return out
	case document.KindSequence:
		items := n.Items()[:k]
		cloned := make([]*document.Node, len(items))
		for i, it := range items {
			cloned[i] = it.Clone()
		}
		return document.Sequence(cloned...)
	}
	return n.Clone()
}

func wrap(name string, inner *document.Node) *document.Node {
	out := document.NewMapping()
	out.Set(name, inner)
	return out
}

// wrapPath nests inner under every segment of a dotted path.
func wrapPath(path string, inner *document.Node) *document.Node {
	out := document.NewMapping()
	setPath(out, path, inner)
	return out
}

// setPath writes v at path inside root, creating mappings as needed.
// Sequence indexes along the way become mapping keys.
func setPath(root *document.Node, path string, v *document.Node) {
	segs, err := document.SplitPath(path)
	if err != nil {
		return
	}
	cur := root
	for _, seg := range segs[:len(segs)-1] {
		next, ok := cur.Get(seg)
		if !ok || next.Kind() != document.KindMapping {
			next = document.NewMapping()
			cur.Set(seg, next)
		}
		cur = next
	}
	cur.Set(segs[len(segs)-1], v)
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
