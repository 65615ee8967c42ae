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
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/nia-orchestrator/services/orchestrator/history"
)

const defaultHistoryLimit = 50

// GetSessionHistory serves GET /v1/sessions/:sessionId/history. Turns are
// returned oldest first; an unknown session yields an empty list, not 404,
// since sessions exist implicitly.
func GetSessionHistory(store history.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		sessionID := c.Param("sessionId")

		limit := defaultHistoryLimit
		if raw := c.Query("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 1 {
				c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
				return
			}
			limit = n
		}

		turns, err := store.RecentTurns(c.Request.Context(), sessionID, limit)
		if err != nil {
			slog.Error("failed to read session history",
				"session_id", sessionID,
				"error", err,
			)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read session history"})
			return
		}
		if turns == nil {
			turns = []history.Turn{}
		}
		c.JSON(http.StatusOK, gin.H{
			"session_id": sessionID,
			"turns":      turns,
		})
	}
}

// GetSessionTurnCount serves GET /v1/sessions/:sessionId/count.
func GetSessionTurnCount(store history.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		sessionID := c.Param("sessionId")
		count, err := store.TurnCount(c.Request.Context(), sessionID)
		if err != nil {
			slog.Error("failed to count session turns",
				"session_id", sessionID,
				"error", err,
			)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to count session turns"})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"session_id": sessionID,
			"turn_count": count,
		})
	}
}
