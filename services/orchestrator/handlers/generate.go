// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package handlers exposes the generation pipeline over HTTP.
package handlers

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"

	"github.com/AleutianAI/nia-orchestrator/services/orchestrator/datatypes"
	"github.com/AleutianAI/nia-orchestrator/services/orchestrator/observability"
	"github.com/AleutianAI/nia-orchestrator/services/orchestrator/services"
)

var handlersTracer = otel.Tracer("nia.orchestrator.handlers")

// bindGenerateRequest parses and validates the request body. A non-nil
// return means the response has already been written.
func bindGenerateRequest(c *gin.Context) *datatypes.GenerateRequest {
	var req datatypes.GenerateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		slog.Error("failed to parse generate request", "error", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return nil
	}
	if err := req.Validate(); err != nil {
		slog.Warn("generate request failed validation", "error", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return nil
	}
	return &req
}

// HandleGenerate serves POST /v1/generate: the blocking pipeline.
//
// Upstream failures surface as diagnostic answers inside a 200 response;
// only malformed requests produce a non-200 status.
func HandleGenerate(pipeline *services.ConversationPipeline, metrics *observability.GenerationMetrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := handlersTracer.Start(c.Request.Context(), "HandleGenerate")
		defer span.End()

		req := bindGenerateRequest(c)
		if req == nil {
			metrics.RecordRequest("generate", "", "bad_request")
			return
		}

		result, err := pipeline.Generate(ctx, req)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			slog.Error("generation pipeline failed", "error", err)
			metrics.RecordRequest("generate", req.UseCase, "error")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "generation failed"})
			return
		}

		metrics.RecordRequest("generate", req.UseCase, string(result.CompletionState))
		c.JSON(http.StatusOK, result)
	}
}

// HandleGenerateStream serves POST /v1/generate/stream: token frames over
// SSE, closed by a done frame carrying the final result.
func HandleGenerateStream(pipeline *services.ConversationPipeline, metrics *observability.GenerationMetrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := handlersTracer.Start(c.Request.Context(), "HandleGenerateStream")
		defer span.End()

		req := bindGenerateRequest(c)
		if req == nil {
			metrics.RecordRequest("generate_stream", "", "bad_request")
			return
		}

		SetSSEHeaders(c.Writer)
		writer, err := NewEventWriter(c.Writer)
		if err != nil {
			span.RecordError(err)
			slog.Error("streaming unsupported by response writer", "error", err)
			metrics.RecordRequest("generate_stream", req.UseCase, "error")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming not supported"})
			return
		}

		result := pipeline.GenerateStream(ctx, req, newEventSink(writer))

		if err := writer.WriteDone(result); err != nil {
			// The client is likely gone; the turn is already persisted.
			slog.Debug("done frame not delivered", "error", err)
		}
		metrics.RecordRequest("generate_stream", req.UseCase, string(result.CompletionState))
	}
}
