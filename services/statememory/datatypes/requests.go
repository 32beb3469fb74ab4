// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes holds the HTTP request and response shapes of the state
// memory service and their validation rules.
package datatypes

import (
	"strings"
	"time"
	"unicode"

	"github.com/go-playground/validator/v10"

	"github.com/AleutianAI/statememory/services/statememory/document"
	"github.com/AleutianAI/statememory/services/statememory/policy"
	"github.com/AleutianAI/statememory/services/statememory/slicequery"
)

// =============================================================================
// Limits
// =============================================================================

const (
	// MaxBodyBytes bounds request bodies (documents, deltas, proposals).
	MaxBodyBytes = 4 << 20

	// MaxKeySegmentLen bounds tenant and fsa identifiers.
	MaxKeySegmentLen = 128

	// MaxSliceK bounds the k query parameter.
	MaxSliceK = 10000

	// MaxAMLLevel bounds the aml_level query parameter.
	MaxAMLLevel = 100
)

// =============================================================================
// Shared Validator Instance
// =============================================================================

// validate is the validator instance for request types. Initialized in
// init() with custom validators.
var validate *validator.Validate

func init() {
	validate = validator.New()
	_ = validate.RegisterValidation("keysegment", validateKeySegment)
}

// validateKeySegment accepts identifiers that are safe inside the
// "{tenant}:{fsa}" key and in storage keys: non-empty, at most
// MaxKeySegmentLen bytes, no ':' or '/', no whitespace or control runes.
func validateKeySegment(fl validator.FieldLevel) bool {
	s := fl.Field().String()
	if s == "" || len(s) > MaxKeySegmentLen {
		return false
	}
	if strings.ContainsAny(s, ":/") {
		return false
	}
	for _, r := range s {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return false
		}
	}
	return true
}

// Validate runs the struct validation rules on req.
func Validate(req any) error {
	return validate.Struct(req)
}

// =============================================================================
// Request Types
// =============================================================================

// StateKeyParams are the path parameters of every /state route.
type StateKeyParams struct {
	Tenant string `uri:"tenant" validate:"required,keysegment"`
	FSA    string `uri:"fsa" validate:"required,keysegment"`
}

// WriteParams identify who is writing and on behalf of which workflow.
type WriteParams struct {
	Actor     string `form:"actor" validate:"required,max=256"`
	LineageID string `form:"lineage_id" validate:"required,max=256"`
}

// DeltaParams are the query parameters of POST /state/:tenant/:fsa/delta.
// A missing aml_level means level 0.
type DeltaParams struct {
	WriteParams
	Pillar   string `form:"pillar" validate:"omitempty,max=64"`
	AMLLevel *int   `form:"aml_level" validate:"omitempty,min=0,max=100"`
}

// PolicyContext converts the parameters into a policy context.
func (p DeltaParams) PolicyContext() policy.Context {
	ctx := policy.Context{Actor: p.Actor, Pillar: p.Pillar, LineageID: p.LineageID}
	if p.AMLLevel != nil {
		ctx.AMLLevel = *p.AMLLevel
	}
	return ctx
}

// SliceParams are the query parameters of GET /state/:tenant/:fsa/slice.
type SliceParams struct {
	Slice string `form:"slice" validate:"required,max=512"`
	K     int    `form:"k" validate:"min=0,max=10000"`
}

// ValidateParams are the query parameters of POST /validate/delta. Actor
// and lineage are optional for a dry run.
type ValidateParams struct {
	TenantID  string `form:"tenant_id" validate:"required,keysegment"`
	FSAID     string `form:"fsa_id" validate:"required,keysegment"`
	Actor     string `form:"actor" validate:"omitempty,max=256"`
	LineageID string `form:"lineage_id" validate:"omitempty,max=256"`
	Pillar    string `form:"pillar" validate:"omitempty,max=64"`
	AMLLevel  *int   `form:"aml_level" validate:"omitempty,min=0,max=100"`
}

// PolicyContext converts the parameters into a policy context.
func (p ValidateParams) PolicyContext() policy.Context {
	ctx := policy.Context{Actor: p.Actor, Pillar: p.Pillar, LineageID: p.LineageID}
	if p.AMLLevel != nil {
		ctx.AMLLevel = *p.AMLLevel
	}
	return ctx
}

// =============================================================================
// Response Types
// =============================================================================

// StateResponse is the body of GET /state/:tenant/:fsa.
type StateResponse struct {
	Version       int64          `json:"version"`
	State         *document.Node `json:"state"`
	LastActor     string         `json:"last_actor"`
	LastLineageID string         `json:"last_lineage_id"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// PutResponse is the body of POST /state/:tenant/:fsa.
type PutResponse struct {
	Version int64 `json:"version"`
}

// SliceResponse is the body of GET /state/:tenant/:fsa/slice.
type SliceResponse = slicequery.Result

// ValidateResponse is the body of POST /validate/delta.
type ValidateResponse = policy.Report

// ErrorResponse is the body of every 4xx and 5xx reply.
type ErrorResponse struct {
	Error string `json:"error"`
}
