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
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/AleutianAI/nia-orchestrator/services/llm"
	"github.com/AleutianAI/nia-orchestrator/services/orchestrator/handlers"
	"github.com/AleutianAI/nia-orchestrator/services/orchestrator/history"
	"github.com/AleutianAI/nia-orchestrator/services/orchestrator/middleware"
	"github.com/AleutianAI/nia-orchestrator/services/orchestrator/observability"
	"github.com/AleutianAI/nia-orchestrator/services/orchestrator/services"
	"github.com/AleutianAI/nia-orchestrator/services/orchestrator/usecase"
)

// SetupRoutes registers every HTTP surface of the orchestrator.
func SetupRoutes(
	router *gin.Engine,
	pipeline *services.ConversationPipeline,
	pool *llm.EndpointPool,
	store history.Store,
	registry *usecase.Registry,
	metrics *observability.GenerationMetrics,
	tenants middleware.TenantProvider,
) {
	router.GET("/health", handlers.HealthCheck(pool))
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	if tenants == nil {
		tenants = middleware.NopTenantProvider{}
	}

	// API version 1 group
	v1 := router.Group("/v1")
	v1.Use(middleware.Auth(tenants))
	{
		v1.POST("/generate", handlers.HandleGenerate(pipeline, metrics))
		v1.POST("/generate/stream", handlers.HandleGenerateStream(pipeline, metrics))

		v1.GET("/usecases", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{"use_cases": registry.Names()})
		})

		// Session administration routes
		sessions := v1.Group("/sessions")
		{
			sessions.GET("/:sessionId/history", handlers.GetSessionHistory(store))
			sessions.GET("/:sessionId/count", handlers.GetSessionTurnCount(store))
		}
	}
}
