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
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/nia-orchestrator/services/orchestrator/datatypes"
	"github.com/AleutianAI/nia-orchestrator/services/orchestrator/services"
)

// =============================================================================
// Interface Definition
// =============================================================================

// EventWriter writes generation stream frames to an HTTP response.
//
// # Description
//
// EventWriter abstracts the SSE wire format (event: type\ndata: json\n\n)
// away from the pipeline. Each frame is stamped with a UUID and a
// millisecond timestamp and linked into a SHA-256 hash chain so clients
// can detect dropped or reordered frames.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use; the relay and a
// keep-alive ticker may write from different goroutines.
type EventWriter interface {
	// WriteToken streams one chunk of answer text.
	WriteToken(content string) error

	// WriteError delivers an operator-facing failure message on the same
	// channel as answer text.
	WriteError(message string) error

	// WriteDone emits the terminal frame with the final result. No frames
	// may follow.
	WriteDone(result *datatypes.GenerationResult) error

	// WriteKeepAlive sends an SSE comment to hold the connection open
	// through long retrieval or routing phases. Comments are invisible to
	// clients and do not join the hash chain.
	WriteKeepAlive() error
}

// =============================================================================
// SSE Implementation
// =============================================================================

// sseWriter emits StreamEvent frames over Server-Sent Events with an
// integrity hash chain. The caller sets headers via SetSSEHeaders before
// the first write.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher

	mu       sync.Mutex
	prevHash string
}

var _ EventWriter = (*sseWriter)(nil)

// SetSSEHeaders prepares w for event streaming. X-Accel-Buffering stops
// nginx-style proxies from buffering the stream.
func SetSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

// NewEventWriter wraps w. Fails when the ResponseWriter cannot flush,
// which would silently buffer the whole stream.
func NewEventWriter(w http.ResponseWriter) (EventWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("ResponseWriter does not support http.Flusher")
	}
	return &sseWriter{w: w, flusher: flusher}, nil
}

func (s *sseWriter) WriteToken(content string) error {
	return s.writeEvent(datatypes.StreamEvent{
		Type:    datatypes.StreamEventTypeToken,
		Content: content,
	})
}

func (s *sseWriter) WriteError(message string) error {
	return s.writeEvent(datatypes.StreamEvent{
		Type:  datatypes.StreamEventTypeError,
		Error: message,
	})
}

func (s *sseWriter) WriteDone(result *datatypes.GenerationResult) error {
	ev := datatypes.StreamEvent{Type: datatypes.StreamEventTypeDone, Result: result}
	if result != nil {
		ev.SessionId = result.SessionID
	}
	return s.writeEvent(ev)
}

func (s *sseWriter) WriteKeepAlive() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := fmt.Fprint(s.w, ": ping\n\n"); err != nil {
		return fmt.Errorf("write keep-alive: %w", err)
	}
	s.flusher.Flush()
	return nil
}

// writeEvent stamps, chains, serializes, and flushes one frame.
func (s *sseWriter) writeEvent(ev datatypes.StreamEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ev.Id = uuid.NewString()
	ev.CreatedAt = time.Now().UnixMilli()
	ev.PrevHash = s.prevHash
	ev.Hash = eventHash(ev)
	s.prevHash = ev.Hash

	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", ev.Type, data); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	s.flusher.Flush()
	return nil
}

// eventHash covers every content field. Hash itself must be empty when
// called.
func eventHash(ev datatypes.StreamEvent) string {
	resultJSON := ""
	if ev.Result != nil {
		if data, err := json.Marshal(ev.Result); err == nil {
			resultJSON = string(data)
		}
	}
	input := fmt.Sprintf("%s|%s|%d|%s|%s|%s|%s|%s",
		ev.Id,
		ev.Type,
		ev.CreatedAt,
		ev.PrevHash,
		ev.Content,
		ev.Error,
		ev.SessionId,
		resultJSON,
	)
	sum := sha256.Sum256([]byte(input))
	return hex.EncodeToString(sum[:])
}

// =============================================================================
// Relay Adapter
// =============================================================================

// eventSink adapts an EventWriter to the relay's ChunkSink.
type eventSink struct {
	writer EventWriter
}

var _ services.ChunkSink = (*eventSink)(nil)

func newEventSink(writer EventWriter) *eventSink {
	return &eventSink{writer: writer}
}

func (s *eventSink) WriteChunk(text string) error {
	return s.writer.WriteToken(text)
}

func (s *eventSink) WriteDiagnostic(text string) error {
	return s.writer.WriteError(text)
}
