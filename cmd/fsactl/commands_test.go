// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"bytes"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/statememory/pkg/client"
	"github.com/AleutianAI/statememory/pkg/extensions"
	"github.com/AleutianAI/statememory/services/statememory/routes"
	"github.com/AleutianAI/statememory/services/statememory/state"
	"github.com/AleutianAI/statememory/services/statememory/storage"
)

func newTestServer(t *testing.T) string {
	t.Helper()
	gin.SetMode(gin.TestMode)
	mgr, err := state.NewManager(state.Config{Store: storage.NewMemoryStore()})
	require.NoError(t, err)
	router := gin.New()
	routes.SetupRoutes(router, mgr, nil, extensions.ServiceOptions{})
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv.URL
}

// run executes fsactl with args against server and returns stdout.
func run(t *testing.T, server, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(append([]string{"--server", server}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func TestFsactl_Health(t *testing.T) {
	out, err := run(t, newTestServer(t), "", "health")
	require.NoError(t, err)
	assert.Equal(t, "ok\n", out)
}

func TestFsactl_PutDeltaGet(t *testing.T) {
	server := newTestServer(t)
	docPath := filepath.Join(t.TempDir(), "doc.json")
	require.NoError(t, os.WriteFile(docPath, []byte(`{"inventory":{"kitkats":1000},"budget_remaining":10000}`), 0o600))

	out, err := run(t, server, "", "put", "acme", "inventory", docPath, "--actor", "seeder")
	require.NoError(t, err)
	assert.JSONEq(t, `{"version":1}`, out)

	out, err = run(t, server, `{"inventory.kitkats":{"$inc":5000},"budget_remaining":{"$inc":-5000}}`,
		"delta", "acme", "inventory", "-", "--actor", "buyer", "--aml", "3", "--pillar", "operations")
	require.NoError(t, err)
	assert.Contains(t, out, `"version": 2`)

	out, err = run(t, server, "", "get", "acme", "inventory")
	require.NoError(t, err)
	assert.Contains(t, out, `"kitkats": 6000`)
	assert.Contains(t, out, `"last_actor": "buyer"`)
}

func TestFsactl_DeltaRejectedExitsNonZero(t *testing.T) {
	server := newTestServer(t)
	_, err := run(t, server, "", "put", "acme", "inventory", "--actor", "seeder",
		"--data", `{"inventory":{"kitkats":1000}}`)
	require.NoError(t, err)

	out, err := run(t, server, "", "delta", "acme", "inventory", "--actor", "buyer",
		"--data", `{"inventory.kitkats":{"$inc":5000}}`)
	require.Error(t, err)
	assert.ErrorIs(t, err, client.ErrRejected)
	assert.Contains(t, out, `"success": false`)
}

func TestFsactl_SliceSummary(t *testing.T) {
	server := newTestServer(t)
	_, err := run(t, server, "", "put", "acme", "inventory", "--actor", "seeder",
		"--data", `{"inventory":{"kitkats":1000}}`)
	require.NoError(t, err)

	out, err := run(t, server, "", "slice", "acme", "inventory", "inventory", "--summary")
	require.NoError(t, err)
	assert.Contains(t, out, "kitkats")
	assert.NotContains(t, out, `"version"`)
}

func TestFsactl_ValidateReportsViolations(t *testing.T) {
	server := newTestServer(t)
	_, err := run(t, server, "", "put", "acme", "inventory", "--actor", "seeder",
		"--data", `{"inventory":{"kitkats":1000},"budget_remaining":10000}`)
	require.NoError(t, err)

	out, err := run(t, server, "", "validate", "acme", "inventory", "--aml", "0",
		"--data", `{"inventory.kitkats":{"$inc":-2000},"budget_remaining":{"$inc":-20000}}`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "violation")
	assert.Contains(t, out, `"allowed": false`)

	out, err = run(t, server, "", "validate", "acme", "inventory", "--aml", "4", "--data", `{"notes":"ok"}`)
	require.NoError(t, err)
	assert.Contains(t, out, `"allowed": true`)
}

func TestFsactl_InputErrors(t *testing.T) {
	server := newTestServer(t)
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"no input", []string{"delta", "acme", "inventory"}, "missing input"},
		{"both inputs", []string{"delta", "acme", "inventory", "x.json", "--data", `{"a":1}`}, "not both"},
		{"bad delta", []string{"delta", "acme", "inventory", "--data", `{"a":`}, "invalid delta"},
		{"bad document", []string{"put", "acme", "inventory", "--data", `[`}, "invalid document"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := run(t, server, "", tc.args...)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestFsactl_BadServerURL(t *testing.T) {
	_, err := run(t, "localhost:1", "", "health")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "http://")
}
