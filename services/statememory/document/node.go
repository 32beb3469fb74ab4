// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package document implements the FSA document tree.
//
// # Description
//
// An FSA document is an ordered tree of nodes. Every node is exactly one of
// Null, Bool, Number, String, Sequence or Mapping. Mappings keep their keys
// unique and remember insertion order so that rendering, slicing and JSON
// encoding are deterministic.
//
// Nodes are addressed with dotted paths ("tasks.T1.status"). Sequence
// elements are addressed by their decimal index ("steps.0").
//
// # Thread Safety
//
// Nodes are not safe for concurrent mutation. The state manager only hands
// out clones, so a stored document is never mutated after it is committed.
package document

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Kind identifies which variant a Node holds.
type Kind uint8

const (
	KindNull Kind = iota
	KindBool
	KindNumber
	KindString
	KindSequence
	KindMapping
)

// String returns the lowercase name of the kind, as used in error messages.
func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindNumber:
		return "number"
	case KindString:
		return "string"
	case KindSequence:
		return "sequence"
	case KindMapping:
		return "mapping"
	default:
		return "unknown"
	}
}

// ErrInvalidPath is returned for dotted paths with empty segments.
var ErrInvalidPath = errors.New("invalid document path")

// Node is a single value in an FSA document.
//
// The zero value is a Null node. A nil *Node is also treated as Null by
// every read accessor.
type Node struct {
	kind   Kind
	b      bool
	n      float64
	s      string
	items  []*Node
	keys   []string
	fields map[string]*Node
}

// Null returns a new Null node.
func Null() *Node { return &Node{kind: KindNull} }

// Bool returns a new Bool node.
func Bool(v bool) *Node { return &Node{kind: KindBool, b: v} }

// Number returns a new Number node.
func Number(v float64) *Node { return &Node{kind: KindNumber, n: v} }

// String returns a new String node.
func String(v string) *Node { return &Node{kind: KindString, s: v} }

// Sequence returns a new Sequence node holding items in order.
func Sequence(items ...*Node) *Node {
	seq := make([]*Node, 0, len(items))
	for _, it := range items {
		if it == nil {
			it = Null()
		}
		seq = append(seq, it)
	}
	return &Node{kind: KindSequence, items: seq}
}

// NewMapping returns a new, empty Mapping node.
func NewMapping() *Node {
	return &Node{kind: KindMapping, fields: make(map[string]*Node)}
}

// Kind returns the variant held by the node.
func (n *Node) Kind() Kind {
	if n == nil {
		return KindNull
	}
	return n.kind
}

// IsNull reports whether the node is Null (or nil).
func (n *Node) IsNull() bool { return n.Kind() == KindNull }

// AsBool returns the boolean value and whether the node is a Bool.
func (n *Node) AsBool() (bool, bool) {
	if n.Kind() != KindBool {
		return false, false
	}
	return n.b, true
}

// AsNumber returns the numeric value and whether the node is a Number.
func (n *Node) AsNumber() (float64, bool) {
	if n.Kind() != KindNumber {
		return 0, false
	}
	return n.n, true
}

// AsString returns the string value and whether the node is a String.
func (n *Node) AsString() (string, bool) {
	if n.Kind() != KindString {
		return "", false
	}
	return n.s, true
}

// Items returns the elements of a Sequence. The slice must not be modified.
func (n *Node) Items() []*Node {
	if n.Kind() != KindSequence {
		return nil
	}
	return n.items
}

// Keys returns a copy of a Mapping's keys in insertion order.
func (n *Node) Keys() []string {
	if n.Kind() != KindMapping {
		return nil
	}
	out := make([]string, len(n.keys))
	copy(out, n.keys)
	return out
}

// Len returns the number of entries of a Mapping or Sequence, 0 otherwise.
func (n *Node) Len() int {
	switch n.Kind() {
	case KindMapping:
		return len(n.keys)
	case KindSequence:
		return len(n.items)
	default:
		return 0
	}
}

// Get returns the child stored under key in a Mapping.
func (n *Node) Get(key string) (*Node, bool) {
	if n.Kind() != KindMapping {
		return nil, false
	}
	child, ok := n.fields[key]
	return child, ok
}

// Set stores value under key. New keys are appended; existing keys keep
// their position. Set panics if n is not a Mapping.
func (n *Node) Set(key string, value *Node) {
	if n.Kind() != KindMapping {
		panic(fmt.Sprintf("document: Set on %s node", n.Kind()))
	}
	if value == nil {
		value = Null()
	}
	if _, exists := n.fields[key]; !exists {
		n.keys = append(n.keys, key)
	}
	n.fields[key] = value
}

// Append adds value to the end of a Sequence. Append panics if n is not a
// Sequence.
func (n *Node) Append(value *Node) {
	if n.Kind() != KindSequence {
		panic(fmt.Sprintf("document: Append on %s node", n.Kind()))
	}
	if value == nil {
		value = Null()
	}
	n.items = append(n.items, value)
}

// Clone returns a deep copy of the node.
func (n *Node) Clone() *Node {
	if n == nil {
		return Null()
	}
	switch n.kind {
	case KindSequence:
		out := &Node{kind: KindSequence, items: make([]*Node, len(n.items))}
		for i, it := range n.items {
			out.items[i] = it.Clone()
		}
		return out
	case KindMapping:
		out := &Node{
			kind:   KindMapping,
			keys:   make([]string, len(n.keys)),
			fields: make(map[string]*Node, len(n.fields)),
		}
		copy(out.keys, n.keys)
		for k, v := range n.fields {
			out.fields[k] = v.Clone()
		}
		return out
	default:
		cp := *n
		return &cp
	}
}

// Equal reports whether two nodes hold the same value. Mapping equality
// ignores key order.
func (n *Node) Equal(other *Node) bool {
	if n.Kind() != other.Kind() {
		return false
	}
	switch n.Kind() {
	case KindNull:
		return true
	case KindBool:
		return n.b == other.b
	case KindNumber:
		return n.n == other.n
	case KindString:
		return n.s == other.s
	case KindSequence:
		if len(n.items) != len(other.items) {
			return false
		}
		for i := range n.items {
			if !n.items[i].Equal(other.items[i]) {
				return false
			}
		}
		return true
	case KindMapping:
		if len(n.keys) != len(other.keys) {
			return false
		}
		for k, v := range n.fields {
			ov, ok := other.fields[k]
			if !ok || !v.Equal(ov) {
				return false
			}
		}
		return true
	}
	return false
}

// SplitPath splits a dotted path into segments.
func SplitPath(path string) ([]string, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: empty path", ErrInvalidPath)
	}
	segs := strings.Split(path, ".")
	for _, s := range segs {
		if s == "" {
			return nil, fmt.Errorf("%w: %q has an empty segment", ErrInvalidPath, path)
		}
	}
	return segs, nil
}

// JoinPath joins segments into a dotted path, skipping an empty prefix.
func JoinPath(prefix, seg string) string {
	if prefix == "" {
		return seg
	}
	return prefix + "." + seg
}

// Lookup resolves a dotted path. An empty path returns n itself.
func (n *Node) Lookup(path string) (*Node, bool) {
	if path == "" {
		return n, n != nil
	}
	segs, err := SplitPath(path)
	if err != nil {
		return nil, false
	}
	cur := n
	for _, seg := range segs {
		switch cur.Kind() {
		case KindMapping:
			next, ok := cur.fields[seg]
			if !ok {
				return nil, false
			}
			cur = next
		case KindSequence:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(cur.items) {
				return nil, false
			}
			cur = cur.items[idx]
		default:
			return nil, false
		}
	}
	return cur, true
}

// WalkNumbers calls fn for every Number leaf beneath n, in document order.
// Paths are reported relative to prefix.
func (n *Node) WalkNumbers(prefix string, fn func(path string, value float64)) {
	switch n.Kind() {
	case KindNumber:
		fn(prefix, n.n)
	case KindMapping:
		for _, k := range n.keys {
			n.fields[k].WalkNumbers(JoinPath(prefix, k), fn)
		}
	case KindSequence:
		for i, it := range n.items {
			it.WalkNumbers(JoinPath(prefix, strconv.Itoa(i)), fn)
		}
	}
}

// WalkLeaves calls fn for every scalar leaf and every empty container
// beneath n, in document order.
func (n *Node) WalkLeaves(prefix string, fn func(path string, leaf *Node)) {
	switch n.Kind() {
	case KindMapping:
		if len(n.keys) == 0 {
			fn(prefix, n)
			return
		}
		for _, k := range n.keys {
			n.fields[k].WalkLeaves(JoinPath(prefix, k), fn)
		}
	case KindSequence:
		if len(n.items) == 0 {
			fn(prefix, n)
			return
		}
		for i, it := range n.items {
			it.WalkLeaves(JoinPath(prefix, strconv.Itoa(i)), fn)
		}
	default:
		fn(prefix, n)
	}
}

// Interface converts the node into plain Go values: nil, bool, float64,
// string, []any and map[string]any.
func (n *Node) Interface() any {
	switch n.Kind() {
	case KindBool:
		return n.b
	case KindNumber:
		return n.n
	case KindString:
		return n.s
	case KindSequence:
		out := make([]any, len(n.items))
		for i, it := range n.items {
			out[i] = it.Interface()
		}
		return out
	case KindMapping:
		out := make(map[string]any, len(n.keys))
		for _, k := range n.keys {
			out[k] = n.fields[k].Interface()
		}
		return out
	default:
		return nil
	}
}

// FormatNumber renders a number the way it is shown in JSON and summaries:
// integral values without a fractional part or exponent.
func FormatNumber(v float64) string {
	if v == math.Trunc(v) && math.Abs(v) < 1e15 {
		return strconv.FormatInt(int64(v), 10)
	}
	return strconv.FormatFloat(v, 'g', -1, 64)
}
