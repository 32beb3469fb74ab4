// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package middleware provides HTTP middleware for the state memory service.
//
// # Authentication Flow
//
//	Request
//	   │
//	   ▼
//	AuthMiddleware
//	   │
//	   ├─► Extract token from "Authorization: Bearer <token>"
//	   ├─► provider.Validate(ctx, token)
//	   └─► Store AuthInfo in context
//	           │
//	           ▼
//	TenantAuthz (per route group)
//	   │
//	   └─► authz.Authorize(user, action, tenant)
//	           │
//	           ▼
//	       Handler
//
// # Open Source Behavior
//
// With the default NopAuthProvider every request is "local-user" with the
// admin role, and NopAuthzProvider allows every tenant.
package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/statememory/pkg/extensions"
)

// authInfoKey is the gin context key for the caller's AuthInfo.
const authInfoKey = "statememory_auth_info"

// Actions passed to the AuthzProvider.
const (
	ActionRead  = "read"
	ActionWrite = "write"
)

// SetAuthInfo stores the authenticated caller in the gin context.
func SetAuthInfo(c *gin.Context, info *extensions.AuthInfo) {
	c.Set(authInfoKey, info)
}

// GetAuthInfo returns the authenticated caller, or nil if AuthMiddleware
// did not run.
func GetAuthInfo(c *gin.Context) *extensions.AuthInfo {
	if info, exists := c.Get(authInfoKey); exists {
		if authInfo, ok := info.(*extensions.AuthInfo); ok {
			return authInfo
		}
	}
	return nil
}

// AuthMiddleware authenticates every request with provider.
//
// # Description
//
// The bearer token is taken from the Authorization header; a missing or
// malformed header passes an empty token, which NopAuthProvider accepts.
// Failures abort with 401.
//
// # Inputs
//
//   - provider: AuthProvider to validate tokens. Must not be nil.
//
// # Outputs
//
//   - gin.HandlerFunc: Middleware ready for router.Use.
//
// # Thread Safety
//
// Thread-safe. The returned middleware can be used concurrently.
func AuthMiddleware(provider extensions.AuthProvider) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := extractBearerToken(c)

		authInfo, err := provider.Validate(c.Request.Context(), token)
		if err != nil {
			if errors.Is(err, extensions.ErrUnauthorized) {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
				return
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authentication failed"})
			return
		}

		SetAuthInfo(c, authInfo)
		c.Next()
	}
}

// TenantAuthz authorizes action on the tenant named by the ":tenant" path
// parameter, falling back to the "tenant_id" query parameter.
func TenantAuthz(authz extensions.AuthzProvider, action string) gin.HandlerFunc {
	return func(c *gin.Context) {
		tenant := c.Param("tenant")
		if tenant == "" {
			tenant = c.Query("tenant_id")
		}
		resourceID := tenant
		if fsa := c.Param("fsa"); fsa != "" {
			resourceID = tenant + ":" + fsa
		} else if fsa := c.Query("fsa_id"); fsa != "" {
			resourceID = tenant + ":" + fsa
		}
		if !AuthorizeTenant(c, authz, action, tenant, resourceID) {
			return
		}
		c.Next()
	}
}

// AuthorizeTenant checks action on tenant for the current caller. On denial
// it aborts the request with 403 and returns false. Handlers that learn the
// tenant from the body (proposals) call it directly.
func AuthorizeTenant(c *gin.Context, authz extensions.AuthzProvider, action, tenant, resourceID string) bool {
	err := authz.Authorize(c.Request.Context(), extensions.AuthzRequest{
		User:         GetAuthInfo(c),
		Action:       action,
		ResourceType: "fsa",
		Tenant:       tenant,
		ResourceID:   resourceID,
	})
	if err == nil {
		return true
	}
	if errors.Is(err, extensions.ErrForbidden) {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
	} else {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "authorization failed"})
	}
	return false
}

// extractBearerToken returns the token from "Authorization: Bearer <token>"
// or "" when the header is missing or uses another scheme. The scheme is
// matched case-insensitively per RFC 7235.
func extractBearerToken(c *gin.Context) string {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		return ""
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}

	return strings.TrimSpace(parts[1])
}
