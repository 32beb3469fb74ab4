// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package extensions

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"slices"
)

// ErrUnauthorized is returned when authentication fails.
var ErrUnauthorized = errors.New("unauthorized")

// ErrForbidden is returned when an authenticated user may not perform an
// action.
var ErrForbidden = errors.New("forbidden")

// RoleAdmin grants access to every tenant.
const RoleAdmin = "admin"

// AuthInfo contains identity information returned after successful
// authentication.
//
// Required fields (always populated):
//   - UserID: Unique identifier for the caller
//
// Optional fields:
//   - Roles: Role memberships. RoleAdmin bypasses tenant checks.
//   - Tenants: Tenants the caller may read and write.
type AuthInfo struct {
	UserID  string
	Roles   []string
	Tenants []string
}

// HasRole checks if the user has a specific role.
func (a *AuthInfo) HasRole(role string) bool {
	return a != nil && slices.Contains(a.Roles, role)
}

// CanAccessTenant reports whether the caller is an admin or lists tenant.
func (a *AuthInfo) CanAccessTenant(tenant string) bool {
	if a == nil {
		return false
	}
	return a.HasRole(RoleAdmin) || slices.Contains(a.Tenants, tenant)
}

// AuthProvider validates authentication tokens and returns the caller's
// identity.
//
// Implementations must be safe for concurrent use by multiple goroutines.
type AuthProvider interface {
	// Validate checks the bearer token (possibly empty) and returns the
	// caller's identity, or an error wrapping ErrUnauthorized.
	Validate(ctx context.Context, token string) (*AuthInfo, error)
}

// AuthzRequest describes an authorization check as (subject, action,
// resource).
//
// Example:
//
//	req := AuthzRequest{
//	    User:         authInfo,
//	    Action:       "write",
//	    ResourceType: "fsa",
//	    Tenant:       "acme",
//	    ResourceID:   "acme:inventory",
//	}
type AuthzRequest struct {
	User         *AuthInfo
	Action       string
	ResourceType string
	Tenant       string
	ResourceID   string
}

// AuthzProvider checks if a user is authorized to perform an action.
type AuthzProvider interface {
	// Authorize returns nil when permitted, or an error wrapping
	// ErrForbidden.
	Authorize(ctx context.Context, req AuthzRequest) error
}

// NopAuthProvider is the default authentication provider.
//
// It always returns a local admin, so a single-user deployment needs no
// token setup.
type NopAuthProvider struct{}

// Validate always returns the local admin user.
func (p *NopAuthProvider) Validate(_ context.Context, _ string) (*AuthInfo, error) {
	return &AuthInfo{
		UserID: "local-user",
		Roles:  []string{RoleAdmin},
	}, nil
}

// NopAuthzProvider is the default authorization provider. It allows
// everything.
type NopAuthzProvider struct{}

// Authorize always returns nil.
func (p *NopAuthzProvider) Authorize(_ context.Context, _ AuthzRequest) error {
	return nil
}

// StaticTokenAuthProvider maps fixed API tokens to identities. It suits
// small deployments where tokens are provisioned out of band.
//
// Thread-safe: the token table is read-only after construction.
type StaticTokenAuthProvider struct {
	tokens map[string]AuthInfo
}

// NewStaticTokenAuthProvider copies tokens into a new provider.
func NewStaticTokenAuthProvider(tokens map[string]AuthInfo) *StaticTokenAuthProvider {
	copied := make(map[string]AuthInfo, len(tokens))
	for k, v := range tokens {
		copied[k] = v
	}
	return &StaticTokenAuthProvider{tokens: copied}
}

// Validate looks the token up in constant time per entry.
func (p *StaticTokenAuthProvider) Validate(_ context.Context, token string) (*AuthInfo, error) {
	if token == "" {
		return nil, fmt.Errorf("missing bearer token: %w", ErrUnauthorized)
	}
	for known, info := range p.tokens {
		if subtle.ConstantTimeCompare([]byte(known), []byte(token)) == 1 {
			out := info
			out.Roles = slices.Clone(info.Roles)
			out.Tenants = slices.Clone(info.Tenants)
			return &out, nil
		}
	}
	return nil, fmt.Errorf("unknown token: %w", ErrUnauthorized)
}

// TenantAuthzProvider allows a request when the caller may access the
// request's tenant.
type TenantAuthzProvider struct{}

// Authorize implements AuthzProvider.
func (p *TenantAuthzProvider) Authorize(_ context.Context, req AuthzRequest) error {
	if req.User == nil {
		return fmt.Errorf("no authenticated user: %w", ErrForbidden)
	}
	if req.Tenant == "" || req.User.CanAccessTenant(req.Tenant) {
		return nil
	}
	return fmt.Errorf("user %s cannot %s tenant %s: %w", req.User.UserID, req.Action, req.Tenant, ErrForbidden)
}

var (
	_ AuthProvider  = (*NopAuthProvider)(nil)
	_ AuthzProvider = (*NopAuthzProvider)(nil)
	_ AuthProvider  = (*StaticTokenAuthProvider)(nil)
	_ AuthzProvider = (*TenantAuthzProvider)(nil)
)
