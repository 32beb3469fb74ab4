// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package document

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_PreservesKeyOrder(t *testing.T) {
	doc, err := Parse([]byte(`{"zeta":1,"alpha":{"b":true,"a":null},"mid":[1,"two"]}`))
	require.NoError(t, err)

	assert.Equal(t, []string{"zeta", "alpha", "mid"}, doc.Keys())
	alpha, ok := doc.Get("alpha")
	require.True(t, ok)
	assert.Equal(t, []string{"b", "a"}, alpha.Keys())

	out, err := json.Marshal(doc)
	require.NoError(t, err)
	assert.Equal(t, `{"zeta":1,"alpha":{"b":true,"a":null},"mid":[1,"two"]}`, string(out))
}

func TestParse_RejectsTrailingData(t *testing.T) {
	_, err := Parse([]byte(`{"a":1} {"b":2}`))
	assert.Error(t, err)

	_, err = Parse([]byte(`{"a":`))
	assert.Error(t, err)
}

func TestParse_DuplicateKeysKeepFirstPosition(t *testing.T) {
	doc := MustParse(`{"a":1,"b":2,"a":3}`)
	assert.Equal(t, []string{"a", "b"}, doc.Keys())
	v, _ := doc.Lookup("a")
	n, _ := v.AsNumber()
	assert.Equal(t, 3.0, n)
}

func TestLookup(t *testing.T) {
	doc := MustParse(`{"tasks":{"T1":{"status":"open"}},"steps":[{"name":"x"},{"name":"y"}]}`)

	tests := []struct {
		name  string
		path  string
		found bool
		want  string
	}{
		{"nested mapping", "tasks.T1.status", true, "open"},
		{"sequence index", "steps.1.name", true, "y"},
		{"missing key", "tasks.T2.status", false, ""},
		{"index out of range", "steps.5.name", false, ""},
		{"through scalar", "tasks.T1.status.deeper", false, ""},
		{"empty segment", "tasks..T1", false, ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			n, ok := doc.Lookup(tc.path)
			assert.Equal(t, tc.found, ok)
			if tc.found {
				s, _ := n.AsString()
				assert.Equal(t, tc.want, s)
			}
		})
	}
}

func TestClone_IsDeep(t *testing.T) {
	doc := MustParse(`{"inventory":{"kitkats":10},"tags":["a"]}`)
	cp := doc.Clone()

	inv, _ := cp.Get("inventory")
	inv.Set("kitkats", Number(99))
	tags, _ := cp.Get("tags")
	tags.Append(String("b"))

	orig, _ := doc.Lookup("inventory.kitkats")
	n, _ := orig.AsNumber()
	assert.Equal(t, 10.0, n)
	origTags, _ := doc.Get("tags")
	assert.Equal(t, 1, origTags.Len())
	assert.False(t, doc.Equal(cp))
}

func TestEqual_IgnoresMappingOrder(t *testing.T) {
	a := MustParse(`{"x":1,"y":[true,null]}`)
	b := MustParse(`{"y":[true,null],"x":1}`)
	assert.True(t, a.Equal(b))
	assert.False(t, a.Equal(MustParse(`{"x":2,"y":[true,null]}`)))
}

func TestWalkNumbers(t *testing.T) {
	doc := MustParse(`{"budget":5,"inventory":{"a":1,"b":"n/a","c":{"d":-2}},"list":[3]}`)

	var paths []string
	var values []float64
	doc.WalkNumbers("", func(path string, v float64) {
		paths = append(paths, path)
		values = append(values, v)
	})
	assert.Equal(t, []string{"budget", "inventory.a", "inventory.c.d", "list.0"}, paths)
	assert.Equal(t, []float64{5, 1, -2, 3}, values)
}

func TestWalkLeaves_ReportsEmptyContainers(t *testing.T) {
	doc := MustParse(`{"a":{},"b":[],"c":{"d":"x"}}`)
	var paths []string
	doc.WalkLeaves("", func(path string, _ *Node) {
		paths = append(paths, path)
	})
	assert.Equal(t, []string{"a", "b", "c.d"}, paths)
}

func TestFormatNumber(t *testing.T) {
	assert.Equal(t, "6000", FormatNumber(6000))
	assert.Equal(t, "-5000", FormatNumber(-5000))
	assert.Equal(t, "0.25", FormatNumber(0.25))
	assert.Equal(t, "1e+20", FormatNumber(1e20))
}

func TestSplitPath(t *testing.T) {
	segs, err := SplitPath("tasks.T1.status")
	require.NoError(t, err)
	assert.Equal(t, []string{"tasks", "T1", "status"}, segs)

	_, err = SplitPath("")
	assert.ErrorIs(t, err, ErrInvalidPath)
	_, err = SplitPath("a.")
	assert.ErrorIs(t, err, ErrInvalidPath)
}

func TestInterface(t *testing.T) {
	doc := MustParse(`{"a":1,"b":[true,"s"],"c":null}`)
	got := doc.Interface()
	assert.Equal(t, map[string]any{"a": 1.0, "b": []any{true, "s"}, "c": nil}, got)
}

func TestNilNodeIsNull(t *testing.T) {
	var n *Node
	assert.Equal(t, KindNull, n.Kind())
	assert.True(t, n.IsNull())
	assert.Equal(t, 0, n.Len())
	assert.True(t, n.Clone().IsNull())
}
