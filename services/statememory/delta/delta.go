// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package delta defines path-scoped document mutations and the merge engine
// that applies them.
//
// # Description
//
// A Delta is an ordered list of (dotted path, Operation) entries. The wire
// format is a JSON object whose keys are paths:
//
//	{
//	  "inventory.kitkats": {"$inc": 5000},
//	  "tasks.T1.status":   "done",
//	  "agents.alpha":      {"$set": {"state": "idle"}}
//	}
//
// An object holding exactly one "$inc" key is an Increment; an object
// holding exactly one "$set" key is an explicit Set; any other value is a
// Set of that value. The sentinel keys are only interpreted here, at the
// boundary. Everything downstream dispatches on Operation.Kind.
package delta

import (
	"errors"
	"fmt"

	"github.com/AleutianAI/statememory/services/statememory/document"
)

const (
	incrementKey = "$inc"
	setKey       = "$set"
)

var (
	// ErrEmptyDelta is returned when a delta carries no entries.
	ErrEmptyDelta = errors.New("delta has no entries")

	// ErrMalformedDelta is returned when the wire form cannot be parsed.
	ErrMalformedDelta = errors.New("malformed delta")
)

// OpKind identifies an Operation variant.
type OpKind uint8

const (
	OpSet OpKind = iota + 1
	OpIncrement
)

// String returns "set" or "increment".
func (k OpKind) String() string {
	switch k {
	case OpSet:
		return "set"
	case OpIncrement:
		return "increment"
	default:
		return "unknown"
	}
}

// Operation is a single leaf mutation: Set(value) or Increment(amount).
type Operation struct {
	kind   OpKind
	value  *document.Node
	amount float64
}

// Set replaces the leaf wholesale with value.
func Set(value *document.Node) Operation {
	if value == nil {
		value = document.Null()
	}
	return Operation{kind: OpSet, value: value}
}

// Increment adds amount to the numeric leaf, treating an absent leaf as 0.
func Increment(amount float64) Operation {
	return Operation{kind: OpIncrement, amount: amount}
}

// Kind returns the operation variant.
func (o Operation) Kind() OpKind { return o.kind }

// Value returns the Set payload, or nil for Increment.
func (o Operation) Value() *document.Node { return o.value }

// Amount returns the Increment amount, or 0 for Set.
func (o Operation) Amount() float64 { return o.amount }

// Entry binds an operation to a dotted path.
type Entry struct {
	Path string
	Op   Operation
}

// Delta is an ordered set of entries applied atomically to one document.
// The zero value is an empty delta.
type Delta struct {
	entries []Entry
}

// New builds a delta from entries, in order.
func New(entries ...Entry) Delta {
	return Delta{entries: append([]Entry(nil), entries...)}
}

// With returns a copy of d with one more entry appended.
func (d Delta) With(path string, op Operation) Delta {
	out := Delta{entries: make([]Entry, len(d.entries), len(d.entries)+1)}
	copy(out.entries, d.entries)
	out.entries = append(out.entries, Entry{Path: path, Op: op})
	return out
}

// Entries returns a copy of the entries in submission order.
func (d Delta) Entries() []Entry {
	out := make([]Entry, len(d.entries))
	copy(out, d.entries)
	return out
}

// Len returns the number of entries.
func (d Delta) Len() int { return len(d.entries) }

// Paths returns the entry paths in submission order.
func (d Delta) Paths() []string {
	out := make([]string, len(d.entries))
	for i, e := range d.entries {
		out[i] = e.Path
	}
	return out
}

// Validate checks that the delta is non-empty and every path is well formed.
func (d Delta) Validate() error {
	if len(d.entries) == 0 {
		return ErrEmptyDelta
	}
	for _, e := range d.entries {
		if _, err := document.SplitPath(e.Path); err != nil {
			return err
		}
		if e.Op.kind != OpSet && e.Op.kind != OpIncrement {
			return fmt.Errorf("%w: path %q has no operation", ErrMalformedDelta, e.Path)
		}
	}
	return nil
}

// Parse decodes the JSON wire form of a delta.
func Parse(data []byte) (Delta, error) {
	root, err := document.Parse(data)
	if err != nil {
		return Delta{}, fmt.Errorf("%w: %v", ErrMalformedDelta, err)
	}
	return FromNode(root)
}

// FromNode converts a decoded wire object into a Delta.
func FromNode(root *document.Node) (Delta, error) {
	if root.Kind() != document.KindMapping {
		return Delta{}, fmt.Errorf("%w: expected an object of path to operation, got %s",
			ErrMalformedDelta, root.Kind())
	}
	var d Delta
	for _, path := range root.Keys() {
		raw, _ := root.Get(path)
		op, err := parseOperation(path, raw)
		if err != nil {
			return Delta{}, err
		}
		d.entries = append(d.entries, Entry{Path: path, Op: op})
	}
	return d, nil
}

func parseOperation(path string, raw *document.Node) (Operation, error) {
	if raw.Kind() == document.KindMapping && raw.Len() == 1 {
		if amt, ok := raw.Get(incrementKey); ok {
			n, isNum := amt.AsNumber()
			if !isNum {
				return Operation{}, fmt.Errorf("%w: %s on %q must be a number, got %s",
					ErrMalformedDelta, incrementKey, path, amt.Kind())
			}
			return Increment(n), nil
		}
		if v, ok := raw.Get(setKey); ok {
			return Set(v.Clone()), nil
		}
	}
	return Set(raw.Clone()), nil
}

// ToNode renders the delta back into its wire object.
//
// The wire object holds one operation per path, so a delta that repeats a
// path (for example two Increments built with New) cannot be expressed and
// is reported as ErrMalformedDelta instead of losing entries.
func (d Delta) ToNode() (*document.Node, error) {
	root := document.NewMapping()
	for _, e := range d.entries {
		if _, dup := root.Get(e.Path); dup {
			return nil, fmt.Errorf("%w: path %q appears more than once and cannot be encoded",
				ErrMalformedDelta, e.Path)
		}
		switch e.Op.kind {
		case OpIncrement:
			inc := document.NewMapping()
			inc.Set(incrementKey, document.Number(e.Op.amount))
			root.Set(e.Path, inc)
		default:
			v := e.Op.value
			if v.Kind() == document.KindMapping && v.Len() == 1 {
				if _, ok := v.Get(incrementKey); ok {
					v = wrapSet(v)
				} else if _, ok := v.Get(setKey); ok {
					v = wrapSet(v)
				}
			}
			root.Set(e.Path, v.Clone())
		}
	}
	return root, nil
}

func wrapSet(v *document.Node) *document.Node {
	w := document.NewMapping()
	w.Set(setKey, v.Clone())
	return w
}

// MarshalJSON encodes the delta in its wire form.
func (d Delta) MarshalJSON() ([]byte, error) {
	root, err := d.ToNode()
	if err != nil {
		return nil, err
	}
	return root.MarshalJSON()
}

// UnmarshalJSON decodes the wire form.
func (d *Delta) UnmarshalJSON(data []byte) error {
	parsed, err := Parse(data)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}
