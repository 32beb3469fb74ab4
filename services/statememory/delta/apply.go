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

import (
	"errors"
	"fmt"
	"math"

	"github.com/AleutianAI/statememory/services/statememory/document"
)

// ErrTypeMismatch is wrapped by TypeMismatchError.
var ErrTypeMismatch = errors.New("type mismatch")

// TypeMismatchError reports an Increment aimed at a non-numeric value, or a
// delta applied to a document whose root is not a mapping.
type TypeMismatchError struct {
	Path  string
	Found document.Kind
}

func (e *TypeMismatchError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("Type mismatch: document root is a %s, expected a mapping", e.Found)
	}
	return fmt.Sprintf("Type mismatch: cannot increment %s (existing value is a %s)", e.Path, e.Found)
}

func (e *TypeMismatchError) Unwrap() error { return ErrTypeMismatch }

// ErrNumericOverflow is wrapped by NumericOverflowError.
var ErrNumericOverflow = errors.New("numeric overflow")

// NumericOverflowError reports a write whose resulting number is not finite
// and so could never be encoded or stored.
type NumericOverflowError struct {
	Path string
}

func (e *NumericOverflowError) Error() string {
	return fmt.Sprintf("Numeric overflow: %s would not be a finite number", e.Path)
}

func (e *NumericOverflowError) Unwrap() error { return ErrNumericOverflow }

// Apply merges d into a copy of doc and returns the copy.
//
// # Description
//
// Entries are applied in submission order. Intermediate mappings along each
// path are created on demand; an intermediate that exists but is not a
// mapping is replaced by one, so later entries win over earlier ones that
// touched an ancestor or descendant. Set replaces the leaf wholesale.
// Increment adds its amount to the prior numeric value (0 when absent).
//
// # Inputs
//
//   - doc: The current document. nil is treated as an empty mapping.
//   - d: The delta to apply. Must pass Validate.
//
// # Outputs
//
//   - *document.Node: The new document. doc is never modified.
//   - error: *TypeMismatchError, *NumericOverflowError when an increment
//     or set would leave a non-finite number, or a path/empty-delta error.
//     No partial result is ever returned.
func Apply(doc *document.Node, d Delta) (*document.Node, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}
	var out *document.Node
	switch doc.Kind() {
	case document.KindNull:
		out = document.NewMapping()
	case document.KindMapping:
		out = doc.Clone()
	default:
		return nil, &TypeMismatchError{Found: doc.Kind()}
	}

	for _, e := range d.entries {
		segs, _ := document.SplitPath(e.Path)
		parent := out
		for _, seg := range segs[:len(segs)-1] {
			child, ok := parent.Get(seg)
			if !ok || child.Kind() != document.KindMapping {
				child = document.NewMapping()
				parent.Set(seg, child)
			}
			parent = child
		}
		leaf := segs[len(segs)-1]

		switch e.Op.kind {
		case OpSet:
			if !finite(e.Op.value) {
				return nil, &NumericOverflowError{Path: e.Path}
			}
			parent.Set(leaf, e.Op.value.Clone())
		case OpIncrement:
			base := 0.0
			if prior, ok := parent.Get(leaf); ok {
				n, isNum := prior.AsNumber()
				if !isNum {
					return nil, &TypeMismatchError{Path: e.Path, Found: prior.Kind()}
				}
				base = n
			}
			sum := base + e.Op.amount
			if math.IsInf(sum, 0) || math.IsNaN(sum) {
				return nil, &NumericOverflowError{Path: e.Path}
			}
			parent.Set(leaf, document.Number(sum))
		}
	}
	return out, nil
}

func finite(n *document.Node) bool {
	ok := true
	n.WalkNumbers("", func(_ string, v float64) {
		if math.IsInf(v, 0) || math.IsNaN(v) {
			ok = false
		}
	})
	return ok
}
