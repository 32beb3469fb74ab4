// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package routes

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/statememory/pkg/extensions"
	"github.com/AleutianAI/statememory/services/statememory/handlers"
	"github.com/AleutianAI/statememory/services/statememory/middleware"
)

// SetupRoutes registers every route of the state memory service.
//
// # Inputs
//
//   - router: The gin engine. Tracing middleware is added by the caller.
//   - mgr: The state manager.
//   - metrics: Serves /metrics. Pass promhttp.HandlerFor(registry, ...).
//   - opts: Auth, authz and audit providers. Zero fields use the
//     open-source defaults.
func SetupRoutes(router *gin.Engine, mgr handlers.StateManager, metrics http.Handler, opts extensions.ServiceOptions) {
	opts = opts.WithDefaults()

	router.GET("/health", handlers.HealthCheck)
	if metrics != nil {
		router.GET("/metrics", gin.WrapH(metrics))
	}

	api := router.Group("/")
	api.Use(middleware.AuthMiddleware(opts.AuthProvider))
	{
		st := api.Group("/state/:tenant/:fsa")
		{
			st.GET("", middleware.TenantAuthz(opts.AuthzProvider, middleware.ActionRead), handlers.GetState(mgr))
			st.POST("", middleware.TenantAuthz(opts.AuthzProvider, middleware.ActionWrite), handlers.PutState(mgr))
			st.POST("/delta", middleware.TenantAuthz(opts.AuthzProvider, middleware.ActionWrite), handlers.ApplyDelta(mgr))
			st.GET("/slice", middleware.TenantAuthz(opts.AuthzProvider, middleware.ActionRead), handlers.QuerySlice(mgr))
		}

		api.POST("/validate/delta", middleware.TenantAuthz(opts.AuthzProvider, middleware.ActionRead), handlers.ValidateDelta(mgr))
		api.POST("/proposals", handlers.SubmitProposal(mgr, opts.AuthzProvider))
	}
}
