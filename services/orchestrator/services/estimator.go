// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package services

import (
	"log/slog"

	"github.com/pkoukk/tiktoken-go"

	"github.com/AleutianAI/nia-orchestrator/services/orchestrator/datatypes"
)

const (
	// estimatorEncoding matches the GPT-4 class deployments we route to.
	estimatorEncoding = "cl100k_base"

	// fallbackBytesPerToken approximates English text when the encoding
	// is unavailable.
	fallbackBytesPerToken = 4

	// messageOverheadTokens accounts for per-message role framing.
	messageOverheadTokens = 4

	// DefaultTokenBudget bounds the assembled prompt. Soft limit only:
	// history is trimmed, requests are never rejected.
	DefaultTokenBudget = 6000
)

// TokenBudgetEstimator approximates prompt token counts and trims history
// to fit a budget.
//
// Counts are advisory. The estimator prefers the tiktoken encoding; when
// the encoding cannot be loaded (offline builds, missing cache) it falls
// back to a byte-length heuristic and logs once. Either way every
// non-empty input yields a non-zero count.
type TokenBudgetEstimator struct {
	enc    *tiktoken.Tiktoken
	budget int
}

// NewTokenBudgetEstimator builds an estimator with the given budget;
// non-positive budgets get DefaultTokenBudget.
func NewTokenBudgetEstimator(budget int) *TokenBudgetEstimator {
	if budget <= 0 {
		budget = DefaultTokenBudget
	}
	enc, err := tiktoken.GetEncoding(estimatorEncoding)
	if err != nil {
		slog.Warn("tiktoken encoding unavailable, using byte heuristic",
			"encoding", estimatorEncoding,
			"error", err,
		)
		enc = nil
	}
	return &TokenBudgetEstimator{enc: enc, budget: budget}
}

// Budget returns the configured soft limit.
func (e *TokenBudgetEstimator) Budget() int { return e.budget }

// EstimateText approximates the token count of s.
func (e *TokenBudgetEstimator) EstimateText(s string) int {
	if s == "" {
		return 0
	}
	if e.enc != nil {
		return len(e.enc.Encode(s, nil, nil))
	}
	n := len(s) / fallbackBytesPerToken
	if n == 0 {
		n = 1
	}
	return n
}

// EstimateMessages approximates the token count of a full conversation,
// including per-message framing overhead.
func (e *TokenBudgetEstimator) EstimateMessages(messages []datatypes.Message) int {
	total := 0
	for _, m := range messages {
		total += e.EstimateText(m.Content) + messageOverheadTokens
	}
	return total
}

// FitToBudget drops the oldest history turns until the conversation fits
// the budget. The system prompt (first message when role system) and the
// final message (the current query) are never dropped, so an over-budget
// single query still goes through. Returns the fitted slice and the
// number of dropped messages.
func (e *TokenBudgetEstimator) FitToBudget(messages []datatypes.Message) ([]datatypes.Message, int) {
	if len(messages) == 0 {
		return messages, 0
	}

	firstDroppable := 0
	if messages[0].Role == datatypes.RoleSystem {
		firstDroppable = 1
	}

	dropped := 0
	for e.EstimateMessages(messages) > e.budget && len(messages) > firstDroppable+1 {
		messages = append(messages[:firstDroppable:firstDroppable], messages[firstDroppable+1:]...)
		dropped++
	}

	if dropped > 0 {
		slog.Info("trimmed conversation history to token budget",
			"dropped_messages", dropped,
			"budget", e.budget,
			"estimated_tokens", e.EstimateMessages(messages),
		)
	}
	return messages, dropped
}
