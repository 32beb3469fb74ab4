// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package delta

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/AleutianAI/statememory/services/statememory/document"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Parse Tests
// =============================================================================

func TestParse_OperationsInOrder(t *testing.T) {
	d, err := Parse([]byte(`{
		"inventory.kitkats": {"$inc": 5000},
		"budget_remaining": {"$inc": -5000},
		"tasks.T1.status": "done",
		"agents.alpha": {"$set": {"$inc": 1}}
	}`))
	require.NoError(t, err)
	require.Equal(t, 4, d.Len())

	entries := d.Entries()
	assert.Equal(t, []string{"inventory.kitkats", "budget_remaining", "tasks.T1.status", "agents.alpha"}, d.Paths())
	assert.Equal(t, OpIncrement, entries[0].Op.Kind())
	assert.Equal(t, 5000.0, entries[0].Op.Amount())
	assert.Equal(t, -5000.0, entries[1].Op.Amount())
	assert.Equal(t, OpSet, entries[2].Op.Kind())
	s, _ := entries[2].Op.Value().AsString()
	assert.Equal(t, "done", s)

	// An explicit $set carries a literal object, even one shaped like $inc.
	assert.Equal(t, OpSet, entries[3].Op.Kind())
	assert.True(t, entries[3].Op.Value().Equal(document.MustParse(`{"$inc":1}`)))
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"not an object", `[1,2]`},
		{"bad json", `{"a":`},
		{"non-numeric increment", `{"a":{"$inc":"five"}}`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.body))
			assert.ErrorIs(t, err, ErrMalformedDelta)
		})
	}
}

func TestDelta_MarshalRoundTripKeepsSemantics(t *testing.T) {
	d := New(
		Entry{Path: "a.b", Op: Increment(2)},
		Entry{Path: "c", Op: Set(document.MustParse(`{"$inc":3}`))},
		Entry{Path: "d", Op: Set(document.String("x"))},
	)
	raw, err := json.Marshal(d)
	require.NoError(t, err)
	assert.JSONEq(t, `{"a.b":{"$inc":2},"c":{"$set":{"$inc":3}},"d":"x"}`, string(raw))

	var back Delta
	require.NoError(t, json.Unmarshal(raw, &back))
	require.Equal(t, 3, back.Len())
	assert.Equal(t, OpIncrement, back.Entries()[0].Op.Kind())
	assert.Equal(t, OpSet, back.Entries()[1].Op.Kind())
}

func TestDelta_MarshalRejectsRepeatedPaths(t *testing.T) {
	d := New(
		Entry{Path: "n", Op: Increment(2)},
		Entry{Path: "m", Op: Set(document.Number(1))},
		Entry{Path: "n", Op: Increment(3)},
	)
	require.NoError(t, d.Validate(), "repeated paths are valid to apply")

	_, err := d.ToNode()
	assert.ErrorIs(t, err, ErrMalformedDelta)
	assert.Contains(t, err.Error(), `"n"`)

	_, err = json.Marshal(d)
	assert.ErrorIs(t, err, ErrMalformedDelta)
}

func TestValidate(t *testing.T) {
	assert.ErrorIs(t, Delta{}.Validate(), ErrEmptyDelta)
	assert.ErrorIs(t, New(Entry{Path: "a..b", Op: Increment(1)}).Validate(), document.ErrInvalidPath)
	assert.Error(t, New(Entry{Path: "a"}).Validate())
	assert.NoError(t, Delta{}.With("a", Increment(1)).Validate())
}

// =============================================================================
// Apply Tests
// =============================================================================

func TestApply_EndToEndExample(t *testing.T) {
	doc := document.MustParse(`{"inventory":{"kitkats":1000},"budget_remaining":10000}`)
	d := New(
		Entry{Path: "inventory.kitkats", Op: Increment(5000)},
		Entry{Path: "budget_remaining", Op: Increment(-5000)},
	)

	out, err := Apply(doc, d)
	require.NoError(t, err)
	assert.True(t, out.Equal(document.MustParse(`{"inventory":{"kitkats":6000},"budget_remaining":5000}`)))

	// The input document is untouched.
	assert.True(t, doc.Equal(document.MustParse(`{"inventory":{"kitkats":1000},"budget_remaining":10000}`)))
}

func TestApply_CreatesIntermediateMappings(t *testing.T) {
	out, err := Apply(nil, New(Entry{Path: "tasks.T1.status", Op: Set(document.String("open"))}))
	require.NoError(t, err)
	assert.True(t, out.Equal(document.MustParse(`{"tasks":{"T1":{"status":"open"}}}`)))
}

func TestApply_IncrementAbsentDefaultsToZero(t *testing.T) {
	out, err := Apply(document.NewMapping(), New(Entry{Path: "metrics.calls", Op: Increment(3)}))
	require.NoError(t, err)
	v, ok := out.Lookup("metrics.calls")
	require.True(t, ok)
	n, _ := v.AsNumber()
	assert.Equal(t, 3.0, n)
}

func TestApply_IncrementNonNumericIsTypeMismatch(t *testing.T) {
	doc := document.MustParse(`{"inventory":{"name":"kitkats"}}`)
	_, err := Apply(doc, New(
		Entry{Path: "budget", Op: Increment(1)},
		Entry{Path: "inventory.name", Op: Increment(1)},
	))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTypeMismatch)

	var tm *TypeMismatchError
	require.ErrorAs(t, err, &tm)
	assert.Equal(t, "inventory.name", tm.Path)
	assert.Equal(t, document.KindString, tm.Found)

	// Nothing leaked from the first entry.
	_, ok := doc.Get("budget")
	assert.False(t, ok)
}

func TestApply_NonFiniteResultIsRejected(t *testing.T) {
	doc := document.MustParse(`{"counter":1.7e308,"floor":-1.7e308}`)
	tests := []struct {
		name string
		d    Delta
		path string
	}{
		{"positive overflow", New(Entry{Path: "counter", Op: Increment(1.7e308)}), "counter"},
		{"negative overflow", New(Entry{Path: "floor", Op: Increment(-1.7e308)}), "floor"},
		{"infinite amount", New(Entry{Path: "fresh", Op: Increment(math.Inf(1))}), "fresh"},
		{"nan amount", New(Entry{Path: "fresh", Op: Increment(math.NaN())}), "fresh"},
		{"infinite set", New(Entry{Path: "nested", Op: Set(document.MustParse(`{"a":1}`))},
			Entry{Path: "nested.b", Op: Set(document.Number(math.Inf(-1)))}), "nested.b"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Apply(doc, tc.d)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrNumericOverflow)
			var ov *NumericOverflowError
			require.ErrorAs(t, err, &ov)
			assert.Equal(t, tc.path, ov.Path)
		})
	}

	out, err := Apply(doc, New(Entry{Path: "counter", Op: Increment(-1.7e308)}))
	require.NoError(t, err)
	n, _ := out.Lookup("counter")
	v, _ := n.AsNumber()
	assert.Equal(t, 0.0, v)
}

func TestApply_LastAppliedWins(t *testing.T) {
	tests := []struct {
		name string
		d    Delta
		want string
	}{
		{
			name: "descendant after ancestor",
			d: New(
				Entry{Path: "a", Op: Set(document.Number(5))},
				Entry{Path: "a.b", Op: Set(document.Number(1))},
			),
			want: `{"a":{"b":1},"keep":true}`,
		},
		{
			name: "ancestor after descendant",
			d: New(
				Entry{Path: "a.b", Op: Set(document.Number(1))},
				Entry{Path: "a", Op: Set(document.String("flat"))},
			),
			want: `{"a":"flat","keep":true}`,
		},
		{
			name: "set replaces whole subobject",
			d:    New(Entry{Path: "a", Op: Set(document.MustParse(`{"z":0}`))}),
			want: `{"a":{"z":0},"keep":true}`,
		},
		{
			name: "repeated increments accumulate",
			d: New(
				Entry{Path: "n", Op: Increment(2)},
				Entry{Path: "n", Op: Increment(3)},
			),
			want: `{"a":{"x":1,"y":2},"keep":true,"n":5}`,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			doc := document.MustParse(`{"a":{"x":1,"y":2},"keep":true}`)
			out, err := Apply(doc, tc.d)
			require.NoError(t, err)
			assert.True(t, out.Equal(document.MustParse(tc.want)), "got %s", mustJSON(t, out))
		})
	}
}

func TestApply_RejectsNonMappingRoot(t *testing.T) {
	_, err := Apply(document.Number(1), New(Entry{Path: "a", Op: Increment(1)}))
	assert.ErrorIs(t, err, ErrTypeMismatch)
}

func TestApply_IsDeterministic(t *testing.T) {
	doc := document.MustParse(`{"x":{"y":1}}`)
	d := New(
		Entry{Path: "x.z", Op: Set(document.MustParse(`[1,2]`))},
		Entry{Path: "x.y", Op: Increment(0.5)},
	)
	first, err := Apply(doc, d)
	require.NoError(t, err)
	second, err := Apply(doc, d)
	require.NoError(t, err)
	assert.Equal(t, mustJSON(t, first), mustJSON(t, second))
}

func TestProposal_Key(t *testing.T) {
	var p Proposal
	require.NoError(t, json.Unmarshal([]byte(`{
		"tenant":"acme","fsa_id":"store-1","actor":"planner",
		"delta":{"inventory.kitkats":{"$inc":5}},
		"lineage_id":"wf-1","timestamp":"2025-06-01T12:00:00Z"
	}`), &p))
	assert.Equal(t, "acme:store-1", p.Key())
	assert.Equal(t, 1, p.Delta.Len())
	assert.Nil(t, p.AMLLevel)
}

func mustJSON(t *testing.T, n *document.Node) string {
	t.Helper()
	b, err := json.Marshal(n)
	require.NoError(t, err)
	return string(b)
}
