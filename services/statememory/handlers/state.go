// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/statememory/pkg/extensions"
	"github.com/AleutianAI/statememory/services/statememory/datatypes"
	"github.com/AleutianAI/statememory/services/statememory/delta"
	"github.com/AleutianAI/statememory/services/statememory/document"
	"github.com/AleutianAI/statememory/services/statememory/middleware"
	"github.com/AleutianAI/statememory/services/statememory/policy"
	"github.com/AleutianAI/statememory/services/statememory/slicequery"
	"github.com/AleutianAI/statememory/services/statememory/state"
	"github.com/AleutianAI/statememory/services/statememory/storage"
)

// StateManager is the subset of *state.Manager the handlers use.
type StateManager interface {
	Get(ctx context.Context, key storage.Key) (state.Snapshot, error)
	PutFull(ctx context.Context, key storage.Key, doc *document.Node, actor, lineageID string) (int64, error)
	ApplyDelta(ctx context.Context, key storage.Key, d delta.Delta, pctx policy.Context) (state.CommitResult, error)
	ApplyProposal(ctx context.Context, p delta.Proposal) (state.CommitResult, error)
	ValidateOnly(ctx context.Context, key storage.Key, d delta.Delta, pctx policy.Context) (policy.Report, error)
	Query(ctx context.Context, key storage.Key, pattern string, k int) (slicequery.Result, error)
}

var _ StateManager = (*state.Manager)(nil)

// HealthCheck reports liveness.
func HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// GetState returns the document, version and last writer for a key.
func GetState(mgr StateManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		key, ok := bindKey(c)
		if !ok {
			return
		}
		snap, err := mgr.Get(c.Request.Context(), key)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, datatypes.StateResponse{
			Version:       snap.Version,
			State:         snap.Document,
			LastActor:     snap.LastActor,
			LastLineageID: snap.LastLineageID,
			UpdatedAt:     snap.UpdatedAt,
		})
	}
}

// PutState replaces the whole document. The body is the new document.
func PutState(mgr StateManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		key, ok := bindKey(c)
		if !ok {
			return
		}
		var params datatypes.WriteParams
		if !bindQuery(c, &params) {
			return
		}
		body, ok := readBody(c)
		if !ok {
			return
		}
		doc, err := document.Parse(body)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid document: %v", err)})
			return
		}

		version, err := mgr.PutFull(c.Request.Context(), key, doc, params.Actor, params.LineageID)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, datatypes.PutResponse{Version: version})
	}
}

// ApplyDelta commits a delta body. Policy and type rejections are reported
// as 200 with success=false.
func ApplyDelta(mgr StateManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		key, ok := bindKey(c)
		if !ok {
			return
		}
		var params datatypes.DeltaParams
		if !bindQuery(c, &params) {
			return
		}
		d, ok := readDelta(c)
		if !ok {
			return
		}

		res, err := mgr.ApplyDelta(c.Request.Context(), key, d, params.PolicyContext())
		writeCommit(c, res, err)
	}
}

// QuerySlice evaluates a slice pattern.
func QuerySlice(mgr StateManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		key, ok := bindKey(c)
		if !ok {
			return
		}
		var params datatypes.SliceParams
		if !bindQuery(c, &params) {
			return
		}
		res, err := mgr.Query(c.Request.Context(), key, params.Slice, params.K)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, res)
	}
}

// ValidateDelta is the dry run: every violation, nothing committed.
func ValidateDelta(mgr StateManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		var params datatypes.ValidateParams
		if !bindQuery(c, &params) {
			return
		}
		d, ok := readDelta(c)
		if !ok {
			return
		}
		report, err := mgr.ValidateOnly(c.Request.Context(), storage.NewKey(params.TenantID, params.FSAID), d, params.PolicyContext())
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, report)
	}
}

// SubmitProposal commits a queued delta proposal synchronously. The tenant
// comes from the body, so authorization happens here rather than in route
// middleware.
func SubmitProposal(mgr StateManager, authz extensions.AuthzProvider) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, datatypes.MaxBodyBytes)
		var p delta.Proposal
		if err := c.ShouldBindJSON(&p); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid proposal: %v", err)})
			return
		}
		if err := datatypes.Validate(p); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if err := datatypes.Validate(datatypes.StateKeyParams{Tenant: p.Tenant, FSA: p.FSAID}); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if !middleware.AuthorizeTenant(c, authz, middleware.ActionWrite, p.Tenant, p.Key()) {
			return
		}

		res, err := mgr.ApplyProposal(c.Request.Context(), p)
		writeCommit(c, res, err)
	}
}

// =============================================================================
// Helpers
// =============================================================================

func bindKey(c *gin.Context) (storage.Key, bool) {
	var params datatypes.StateKeyParams
	if err := c.ShouldBindUri(&params); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return storage.Key{}, false
	}
	if err := datatypes.Validate(params); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return storage.Key{}, false
	}
	return storage.NewKey(params.Tenant, params.FSA), true
}

func bindQuery(c *gin.Context, params any) bool {
	if err := c.ShouldBindQuery(params); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid query: %v", err)})
		return false
	}
	if err := datatypes.Validate(params); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return false
	}
	return true
}

func readBody(c *gin.Context) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, datatypes.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "request body too large"})
			return nil, false
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read request body"})
		return nil, false
	}
	return body, true
}

func readDelta(c *gin.Context) (delta.Delta, bool) {
	body, ok := readBody(c)
	if !ok {
		return delta.Delta{}, false
	}
	d, err := delta.Parse(body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid delta: %v", err)})
		return delta.Delta{}, false
	}
	return d, true
}

func writeCommit(c *gin.Context, res state.CommitResult, err error) {
	if err != nil && !state.IsRejection(err) {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// writeError maps manager errors to status codes. Internal errors are
// logged and not echoed.
func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, state.ErrInvalidRequest):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, state.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "fsa state not found"})
	case errors.Is(err, state.ErrPolicyViolation):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
	case errors.Is(err, storage.ErrVersionConflict):
		c.JSON(http.StatusConflict, gin.H{"error": "concurrent update from another replica, retry"})
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "request cancelled before commit"})
	default:
		slog.Error("state request failed", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
