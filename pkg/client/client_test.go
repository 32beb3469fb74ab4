// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/statememory/pkg/extensions"
	"github.com/AleutianAI/statememory/services/statememory/delta"
	"github.com/AleutianAI/statememory/services/statememory/document"
	"github.com/AleutianAI/statememory/services/statememory/routes"
	"github.com/AleutianAI/statememory/services/statememory/state"
	"github.com/AleutianAI/statememory/services/statememory/storage"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// newServer runs the real router over a memory store.
func newServer(t *testing.T, opts extensions.ServiceOptions) (*httptest.Server, *extensions.MemoryAuditLogger) {
	t.Helper()
	audit := extensions.NewMemoryAuditLogger(0)
	mgr, err := state.NewManager(state.Config{Store: storage.NewMemoryStore(), Audit: audit})
	require.NoError(t, err)

	router := gin.New()
	routes.SetupRoutes(router, mgr, nil, opts)
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv, audit
}

func newClient(t *testing.T, url string, opts ...Option) *Client {
	t.Helper()
	c, err := New(url, opts...)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func intPtr(v int) *int { return &v }

const kitkatDoc = `{"inventory":{"kitkats":1000},"budget_remaining":10000}`

func TestNew_RejectsBadURL(t *testing.T) {
	for _, url := range []string{"", "localhost:12310", "ftp://host"} {
		_, err := New(url)
		assert.Error(t, err, url)
	}
	c, err := New("http://localhost:12310/")
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:12310", c.http.BaseURL)
}

func TestClient_Health(t *testing.T) {
	srv, _ := newServer(t, extensions.ServiceOptions{})
	assert.NoError(t, newClient(t, srv.URL).Health(context.Background()))
}

func TestClient_PutGetDelta(t *testing.T) {
	srv, audit := newServer(t, extensions.ServiceOptions{})
	c := newClient(t, srv.URL)
	ctx := context.Background()

	v, err := c.Put(ctx, "acme", "inventory", document.MustParse(kitkatDoc), WriteOptions{Actor: "seeder"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)

	d := delta.New().
		With("inventory.kitkats", delta.Increment(5000)).
		With("budget_remaining", delta.Increment(-5000))
	res, err := c.ApplyDelta(ctx, "acme", "inventory", d, DeltaOptions{
		Actor: "buyer", LineageID: "wf-1", Pillar: "operations", AMLLevel: intPtr(3),
	})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, int64(2), res.Version)

	got, err := c.Get(ctx, "acme", "inventory")
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.Version)
	assert.Equal(t, "buyer", got.LastActor)
	assert.Equal(t, "wf-1", got.LastLineageID)
	assert.True(t, got.State.Equal(document.MustParse(`{"inventory":{"kitkats":6000},"budget_remaining":5000}`)))

	events, err := audit.Query(ctx, extensions.AuditFilter{EventTypes: []string{extensions.EventFSAWrite}})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.NotEmpty(t, events[0].Metadata["lineage_id"], "a lineage id is generated when none is given")
}

func TestClient_ApplyDeltaRejected(t *testing.T) {
	srv, _ := newServer(t, extensions.ServiceOptions{})
	c := newClient(t, srv.URL)
	ctx := context.Background()

	_, err := c.Put(ctx, "acme", "inventory", document.MustParse(kitkatDoc), WriteOptions{Actor: "seeder"})
	require.NoError(t, err)

	d := delta.New().With("inventory.kitkats", delta.Increment(5000))
	res, err := c.ApplyDelta(ctx, "acme", "inventory", d, DeltaOptions{Actor: "buyer", AMLLevel: intPtr(1)})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRejected)

	var rejected *RejectedError
	require.True(t, errors.As(err, &rejected))
	assert.Equal(t, int64(1), rejected.Version)
	assert.Contains(t, rejected.Message, "AML")
	require.NotNil(t, res)
	assert.False(t, res.Success)
}

func TestClient_GetNotFound(t *testing.T) {
	srv, _ := newServer(t, extensions.ServiceOptions{})
	_, err := newClient(t, srv.URL).Get(context.Background(), "acme", "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestClient_BadRequestIsAPIError(t *testing.T) {
	srv, _ := newServer(t, extensions.ServiceOptions{})
	c := newClient(t, srv.URL)

	_, err := c.Put(context.Background(), "acme", "inventory", []int{1, 2}, WriteOptions{Actor: "a"})
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr), "got %v", err)
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	assert.NotEmpty(t, apiErr.Message)
	assert.False(t, apiErr.Temporary())
}

func TestClient_SliceAndValidate(t *testing.T) {
	srv, _ := newServer(t, extensions.ServiceOptions{})
	c := newClient(t, srv.URL)
	ctx := context.Background()

	_, err := c.Put(ctx, "acme", "inventory", document.MustParse(kitkatDoc), WriteOptions{Actor: "seeder"})
	require.NoError(t, err)

	sl, err := c.Slice(ctx, "acme", "inventory", "inventory", 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), sl.Version)
	assert.Contains(t, sl.Summary, "kitkats")

	d := delta.New().
		With("inventory.kitkats", delta.Increment(-2000)).
		With("budget_remaining", delta.Increment(-20000))
	report, err := c.Validate(ctx, "acme", "inventory", d, DeltaOptions{AMLLevel: intPtr(0)})
	require.NoError(t, err)
	assert.False(t, report.Allowed)
	assert.GreaterOrEqual(t, len(report.Violations), 2)

	got, err := c.Get(ctx, "acme", "inventory")
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.Version, "validate never commits")
}

func TestClient_SubmitProposal(t *testing.T) {
	srv, _ := newServer(t, extensions.ServiceOptions{})
	c := newClient(t, srv.URL)
	ctx := context.Background()

	_, err := c.Put(ctx, "acme", "inventory", document.MustParse(kitkatDoc), WriteOptions{Actor: "seeder"})
	require.NoError(t, err)

	res, err := c.SubmitProposal(ctx, delta.Proposal{
		Tenant:   "acme",
		FSAID:    "inventory",
		Actor:    "buyer",
		AMLLevel: intPtr(3),
		Delta:    delta.New().With("inventory.kitkats", delta.Increment(10)),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.Version)

	_, err = c.SubmitProposal(ctx, delta.Proposal{
		Tenant: "acme",
		FSAID:  "inventory",
		Actor:  "buyer",
		Delta:  delta.New().With("inventory.kitkats", delta.Increment(5000)),
	})
	assert.ErrorIs(t, err, ErrRejected, "no AML level means level 0")
}

func TestClient_TokenAndTenantIsolation(t *testing.T) {
	opts := extensions.ServiceOptions{}.
		WithAuth(extensions.NewStaticTokenAuthProvider(map[string]extensions.AuthInfo{
			"acme-token":   {UserID: "buyer", Tenants: []string{"acme"}},
			"globex-token": {UserID: "rival", Tenants: []string{"globex"}},
		})).
		WithAuthz(&extensions.TenantAuthzProvider{})
	srv, _ := newServer(t, opts)
	ctx := context.Background()

	acme := newClient(t, srv.URL, WithToken("acme-token"))
	_, err := acme.Put(ctx, "acme", "plan", map[string]any{"step": 1}, WriteOptions{Actor: "buyer"})
	require.NoError(t, err)

	var apiErr *APIError
	_, err = newClient(t, srv.URL, WithToken("globex-token")).Get(ctx, "acme", "plan")
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusForbidden, apiErr.StatusCode)

	_, err = newClient(t, srv.URL).Get(ctx, "acme", "plan")
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
}

func TestClient_RetriesReadsOnly(t *testing.T) {
	var gets, posts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			if gets.Add(1) < 3 {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"version":4,"state":{"a":1}}`))
			return
		}
		posts.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := newClient(t, srv.URL, WithRetries(3), WithTimeout(5*time.Second))
	got, err := c.Get(context.Background(), "acme", "inventory")
	require.NoError(t, err)
	assert.Equal(t, int64(4), got.Version)
	assert.Equal(t, int32(3), gets.Load())

	_, err = c.ApplyDelta(context.Background(), "acme", "inventory",
		delta.New().With("a", delta.Increment(1)), DeltaOptions{Actor: "a"})
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.True(t, apiErr.Temporary())
	assert.Equal(t, int32(1), posts.Load(), "writes are not retried")
}

func TestClient_CanceledContext(t *testing.T) {
	srv, _ := newServer(t, extensions.ServiceOptions{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := newClient(t, srv.URL).Get(ctx, "acme", "inventory")
	assert.ErrorIs(t, err, context.Canceled)
}
