// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

// Stream event types emitted on the SSE channel.
const (
	StreamEventTypeToken = "token"
	StreamEventTypeError = "error"
	StreamEventTypeDone  = "done"
)

// StreamEvent is one frame on the streaming generation channel.
//
// # Description
//
// Events carry either answer text (token), an operator-facing failure
// message (error), or the terminal frame (done). Each event is stamped
// with a UUID and millisecond timestamp and linked into a SHA-256 hash
// chain: Hash covers the event's own content, PrevHash is the previous
// event's Hash. Clients can verify the chain to detect dropped or
// reordered frames.
//
// # Fields
//
//   - Id: UUID v4, assigned by the writer.
//   - Type: One of the StreamEventType constants.
//   - CreatedAt: Unix milliseconds, assigned by the writer.
//   - Content: Token text. Token events only.
//   - Error: Failure message. Error events only.
//   - SessionId: Session identifier. Done events only.
//   - Result: Final generation result. Done events only.
//   - Hash, PrevHash: Integrity chain, assigned by the writer.
type StreamEvent struct {
	Id        string            `json:"id"`
	Type      string            `json:"type"`
	CreatedAt int64             `json:"created_at"`
	Content   string            `json:"content,omitempty"`
	Error     string            `json:"error,omitempty"`
	SessionId string            `json:"session_id,omitempty"`
	Result    *GenerationResult `json:"result,omitempty"`
	Hash      string            `json:"hash"`
	PrevHash  string            `json:"prev_hash"`
}
