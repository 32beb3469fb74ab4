// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/statememory/pkg/extensions"
	"github.com/AleutianAI/statememory/services/statememory/delta"
	"github.com/AleutianAI/statememory/services/statememory/document"
	"github.com/AleutianAI/statememory/services/statememory/policy"
	"github.com/AleutianAI/statememory/services/statememory/slicequery"
	"github.com/AleutianAI/statememory/services/statememory/state"
	"github.com/AleutianAI/statememory/services/statememory/storage"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestRouter(t *testing.T, mgr StateManager) *gin.Engine {
	t.Helper()
	router := gin.New()
	router.GET("/health", HealthCheck)
	router.GET("/state/:tenant/:fsa", GetState(mgr))
	router.POST("/state/:tenant/:fsa", PutState(mgr))
	router.POST("/state/:tenant/:fsa/delta", ApplyDelta(mgr))
	router.GET("/state/:tenant/:fsa/slice", QuerySlice(mgr))
	router.POST("/validate/delta", ValidateDelta(mgr))
	router.POST("/proposals", SubmitProposal(mgr, &extensions.NopAuthzProvider{}))
	return router
}

func newManager(t *testing.T) *state.Manager {
	t.Helper()
	mgr, err := state.NewManager(state.Config{Store: storage.NewMemoryStore()})
	require.NoError(t, err)
	return mgr
}

func do(router http.Handler, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

const kitkatDoc = `{"inventory":{"kitkats":1000},"budget_remaining":10000}`

func seed(t *testing.T, router http.Handler) {
	t.Helper()
	w := do(router, http.MethodPost, "/state/acme/inventory?actor=seeder&lineage_id=seed-1", kitkatDoc)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
}

// =============================================================================
// Health
// =============================================================================

func TestHealthCheck(t *testing.T) {
	w := do(newTestRouter(t, newManager(t)), http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}

// =============================================================================
// Full document writes and reads
// =============================================================================

func TestPutAndGetState(t *testing.T) {
	router := newTestRouter(t, newManager(t))

	w := do(router, http.MethodPost, "/state/acme/inventory?actor=seeder&lineage_id=seed-1", kitkatDoc)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"version":1}`, w.Body.String())

	w = do(router, http.MethodPost, "/state/acme/inventory?actor=seeder&lineage_id=seed-2", kitkatDoc)
	assert.JSONEq(t, `{"version":2}`, w.Body.String())

	w = do(router, http.MethodGet, "/state/acme/inventory", "")
	require.Equal(t, http.StatusOK, w.Code)

	var got struct {
		Version       int64           `json:"version"`
		State         json.RawMessage `json:"state"`
		LastActor     string          `json:"last_actor"`
		LastLineageID string          `json:"last_lineage_id"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, int64(2), got.Version)
	assert.Equal(t, "seeder", got.LastActor)
	assert.Equal(t, "seed-2", got.LastLineageID)
	assert.Equal(t, kitkatDoc, string(got.State), "key order is preserved")
}

func TestGetState_NotFound(t *testing.T) {
	w := do(newTestRouter(t, newManager(t)), http.MethodGet, "/state/acme/missing", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "not found")
}

func TestPutState_BadRequests(t *testing.T) {
	tests := []struct {
		name string
		path string
		body string
		want int
	}{
		{"missing actor", "/state/acme/inventory?lineage_id=l", `{}`, http.StatusBadRequest},
		{"missing lineage", "/state/acme/inventory?actor=a", `{}`, http.StatusBadRequest},
		{"invalid json", "/state/acme/inventory?actor=a&lineage_id=l", `{"a":`, http.StatusBadRequest},
		{"array document", "/state/acme/inventory?actor=a&lineage_id=l", `[1]`, http.StatusBadRequest},
		{"colon in tenant", "/state/ac:me/inventory?actor=a&lineage_id=l", `{}`, http.StatusBadRequest},
		{"negative guarded value", "/state/acme/inventory?actor=a&lineage_id=l", `{"budget_remaining":-5}`, http.StatusUnprocessableEntity},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			w := do(newTestRouter(t, newManager(t)), http.MethodPost, tc.path, tc.body)
			assert.Equal(t, tc.want, w.Code, w.Body.String())
			assert.Contains(t, w.Body.String(), `"error"`)
		})
	}
}

// =============================================================================
// Deltas
// =============================================================================

func TestApplyDelta_EndToEnd(t *testing.T) {
	router := newTestRouter(t, newManager(t))
	seed(t, router)

	w := do(router, http.MethodPost,
		"/state/acme/inventory/delta?actor=buyer&lineage_id=wf-1&pillar=operations&aml_level=3",
		`{"inventory.kitkats":{"$inc":5000},"budget_remaining":{"$inc":-5000}}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.JSONEq(t, `{"success":true,"version":2,"message":"committed version 2"}`, w.Body.String())

	w = do(router, http.MethodGet, "/state/acme/inventory", "")
	assert.Contains(t, w.Body.String(), `"state":{"inventory":{"kitkats":6000},"budget_remaining":5000}`)
}

func TestApplyDelta_RejectionIsSuccessFalse(t *testing.T) {
	router := newTestRouter(t, newManager(t))
	seed(t, router)

	tests := []struct {
		name    string
		query   string
		body    string
		wantMsg string
	}{
		{"aml cap", "aml_level=1", `{"inventory.kitkats":{"$inc":5000}}`, "AML"},
		{"negative budget", "aml_level=4", `{"budget_remaining":{"$inc":-20000}}`, "budget_remaining"},
		{"type mismatch", "aml_level=4", `{"inventory":{"$inc":1}}`, "inventory"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			w := do(router, http.MethodPost, "/state/acme/inventory/delta?actor=buyer&lineage_id=wf&"+tc.query, tc.body)
			require.Equal(t, http.StatusOK, w.Code, w.Body.String())

			var res state.CommitResult
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
			assert.False(t, res.Success)
			assert.Equal(t, int64(1), res.Version)
			assert.Contains(t, res.Message, tc.wantMsg)
		})
	}

	w := do(router, http.MethodGet, "/state/acme/inventory", "")
	assert.Contains(t, w.Body.String(), `"version":1`)
}

func TestApplyDelta_BadRequests(t *testing.T) {
	tests := []struct {
		name  string
		query string
		body  string
	}{
		{"malformed delta", "actor=a&lineage_id=l", `{"a":`},
		{"empty delta", "actor=a&lineage_id=l", `{}`},
		{"non-numeric aml", "actor=a&lineage_id=l&aml_level=high", `{"a":1}`},
		{"negative aml", "actor=a&lineage_id=l&aml_level=-1", `{"a":1}`},
		{"missing actor", "lineage_id=l", `{"a":1}`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			w := do(newTestRouter(t, newManager(t)), http.MethodPost, "/state/acme/inventory/delta?"+tc.query, tc.body)
			assert.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
		})
	}
}

func TestApplyDelta_MissingKeyCreatesVersionOne(t *testing.T) {
	router := newTestRouter(t, newManager(t))
	w := do(router, http.MethodPost, "/state/acme/tasks/delta?actor=planner&lineage_id=wf", `{"tasks.T1.status":"open"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"success":true,"version":1,"message":"committed version 1"}`, w.Body.String())
}

// =============================================================================
// Slices and validation
// =============================================================================

func TestQuerySlice(t *testing.T) {
	router := newTestRouter(t, newManager(t))
	seed(t, router)

	w := do(router, http.MethodGet, "/state/acme/inventory/slice?slice=inventory&k=5", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var res struct {
		Version int64           `json:"version"`
		Slice   json.RawMessage `json:"slice"`
		Summary string          `json:"summary"`
		Pattern string          `json:"pattern"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Equal(t, int64(1), res.Version)
	assert.Equal(t, "inventory", res.Pattern)
	assert.JSONEq(t, `{"inventory":{"kitkats":1000}}`, string(res.Slice))
	assert.Contains(t, res.Summary, "kitkats")

	assert.Equal(t, http.StatusBadRequest, do(router, http.MethodGet, "/state/acme/inventory/slice", "").Code)
	assert.Equal(t, http.StatusBadRequest, do(router, http.MethodGet, "/state/acme/inventory/slice?slice=x&k=-1", "").Code)
	assert.Equal(t, http.StatusNotFound, do(router, http.MethodGet, "/state/acme/other/slice?slice=x", "").Code)
}

func TestValidateDelta(t *testing.T) {
	router := newTestRouter(t, newManager(t))
	seed(t, router)

	w := do(router, http.MethodPost, "/validate/delta?tenant_id=acme&fsa_id=inventory&aml_level=0",
		`{"inventory.kitkats":{"$inc":-2000},"budget_remaining":{"$inc":-20000}}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var report policy.Report
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &report))
	assert.False(t, report.Allowed)
	assert.GreaterOrEqual(t, len(report.Violations), 2)

	w = do(router, http.MethodPost, "/validate/delta?tenant_id=acme&fsa_id=inventory&aml_level=4", `{"notes":"ok"}`)
	assert.JSONEq(t, `{"allowed":true,"violations":[]}`, w.Body.String())

	assert.Equal(t, http.StatusBadRequest, do(router, http.MethodPost, "/validate/delta?fsa_id=inventory", `{"a":1}`).Code)
}

// =============================================================================
// Proposals
// =============================================================================

func TestSubmitProposal(t *testing.T) {
	router := newTestRouter(t, newManager(t))
	seed(t, router)

	body := `{
		"tenant": "acme",
		"fsa_id": "inventory",
		"actor": "buyer",
		"lineage_id": "wf-7",
		"timestamp": "2025-06-01T12:00:00Z",
		"pillar": "operations",
		"aml_level": 3,
		"delta": {"inventory.kitkats": {"$inc": 5000}, "budget_remaining": {"$inc": -5000}}
	}`
	w := do(router, http.MethodPost, "/proposals", body)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.JSONEq(t, `{"success":true,"version":2,"message":"committed version 2"}`, w.Body.String())

	w = do(router, http.MethodPost, "/proposals", `{"tenant":"acme","fsa_id":"inventory","delta":{"a":1}}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(router, http.MethodPost, "/proposals", `not json`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

// =============================================================================
// Error mapping
// =============================================================================

// stubManager returns fixed errors from every method.
type stubManager struct {
	err error
}

func (s stubManager) Get(context.Context, storage.Key) (state.Snapshot, error) {
	return state.Snapshot{}, s.err
}

func (s stubManager) PutFull(context.Context, storage.Key, *document.Node, string, string) (int64, error) {
	return 0, s.err
}

func (s stubManager) ApplyDelta(context.Context, storage.Key, delta.Delta, policy.Context) (state.CommitResult, error) {
	return state.CommitResult{}, s.err
}

func (s stubManager) ApplyProposal(context.Context, delta.Proposal) (state.CommitResult, error) {
	return state.CommitResult{}, s.err
}

func (s stubManager) ValidateOnly(context.Context, storage.Key, delta.Delta, policy.Context) (policy.Report, error) {
	return policy.Report{}, s.err
}

func (s stubManager) Query(context.Context, storage.Key, string, int) (slicequery.Result, error) {
	return slicequery.Result{}, s.err
}

func TestWriteError_StatusCodes(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"conflict", storage.ErrVersionConflict, http.StatusConflict},
		{"cancelled", context.Canceled, http.StatusServiceUnavailable},
		{"deadline", context.DeadlineExceeded, http.StatusServiceUnavailable},
		{"storage", errors.New("badger: disk full"), http.StatusInternalServerError},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			router := newTestRouter(t, stubManager{err: tc.err})
			w := do(router, http.MethodPost, "/state/acme/inventory/delta?actor=a&lineage_id=l", `{"a":1}`)
			assert.Equal(t, tc.want, w.Code)
			assert.NotContains(t, w.Body.String(), "disk full", "internal errors are not echoed")
		})
	}
}
