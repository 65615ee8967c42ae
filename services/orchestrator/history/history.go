// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package history persists and recalls conversation turns per session.
package history

import (
	"context"
	"time"
)

// Turn is one question/answer exchange within a session. Answer may be
// empty while a turn is in flight; readers must tolerate partial turns.
type Turn struct {
	SessionID  string    `json:"session_id"`
	TurnNumber int       `json:"turn_number"`
	Question   string    `json:"question"`
	Answer     string    `json:"answer"`
	Timestamp  time.Time `json:"timestamp"`
}

// Store is the conversation history collaborator. Implementations must be
// safe for concurrent use.
//
// A turn is written in two steps: AppendTurn records the user's question
// before the model is called, and CompleteTurn fills in the answer once
// the result is finalized. An interrupted request therefore still leaves
// the question on record.
type Store interface {
	// AppendTurn persists one turn. Answer may be empty for a turn that
	// is still in flight.
	AppendTurn(ctx context.Context, turn Turn) error

	// CompleteTurn sets the answer on a previously appended turn.
	CompleteTurn(ctx context.Context, sessionID string, turnNumber int, answer string) error

	// RecentTurns returns up to limit turns for the session, oldest
	// first. An unknown session yields an empty slice, not an error.
	RecentTurns(ctx context.Context, sessionID string, limit int) ([]Turn, error)

	// TurnCount returns the number of persisted turns for the session.
	TurnCount(ctx context.Context, sessionID string) (int, error)
}
