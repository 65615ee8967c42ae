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
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/AleutianAI/nia-orchestrator/services/orchestrator/datatypes"
)

// parseEvents decodes every data: line in an SSE body.
func parseEvents(t *testing.T, body string) []datatypes.StreamEvent {
	t.Helper()
	var events []datatypes.StreamEvent
	for _, line := range strings.Split(body, "\n") {
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev datatypes.StreamEvent
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
			t.Fatalf("decode event %q: %v", line, err)
		}
		events = append(events, ev)
	}
	return events
}

func TestEventWriterEmitsLinkedFrames(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	w, err := NewEventWriter(rec)
	if err != nil {
		t.Fatalf("NewEventWriter: %v", err)
	}

	if err := w.WriteToken("Hello "); err != nil {
		t.Fatalf("WriteToken: %v", err)
	}
	if err := w.WriteToken("world"); err != nil {
		t.Fatalf("WriteToken: %v", err)
	}
	if err := w.WriteDone(&datatypes.GenerationResult{SessionID: "s-1", Answer: "Hello world"}); err != nil {
		t.Fatalf("WriteDone: %v", err)
	}

	events := parseEvents(t, rec.Body.String())
	if len(events) != 3 {
		t.Fatalf("events = %d", len(events))
	}

	if events[0].Type != datatypes.StreamEventTypeToken || events[0].Content != "Hello " {
		t.Errorf("first event %+v", events[0])
	}
	done := events[2]
	if done.Type != datatypes.StreamEventTypeDone || done.SessionId != "s-1" {
		t.Errorf("done event %+v", done)
	}
	if done.Result == nil || done.Result.Answer != "Hello world" {
		t.Errorf("done result %+v", done.Result)
	}

	// Every frame links to its predecessor.
	if events[0].PrevHash != "" {
		t.Errorf("first frame prev_hash %q", events[0].PrevHash)
	}
	for i := 1; i < len(events); i++ {
		if events[i].PrevHash != events[i-1].Hash {
			t.Errorf("frame %d prev_hash %q, want %q", i, events[i].PrevHash, events[i-1].Hash)
		}
	}
	for i, ev := range events {
		if ev.Id == "" || ev.Hash == "" || ev.CreatedAt == 0 {
			t.Errorf("frame %d missing metadata: %+v", i, ev)
		}
	}
}

func TestEventWriterErrorFrame(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	w, err := NewEventWriter(rec)
	if err != nil {
		t.Fatalf("NewEventWriter: %v", err)
	}
	if err := w.WriteError("All model endpoints failed. Please try again later."); err != nil {
		t.Fatalf("WriteError: %v", err)
	}

	events := parseEvents(t, rec.Body.String())
	if len(events) != 1 || events[0].Type != datatypes.StreamEventTypeError {
		t.Fatalf("events %+v", events)
	}
	if !strings.Contains(events[0].Error, "endpoints failed") {
		t.Errorf("error text %q", events[0].Error)
	}
	if !strings.Contains(rec.Body.String(), "event: error\n") {
		t.Error("SSE event name missing")
	}
}

func TestEventWriterKeepAliveOutsideChain(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	w, err := NewEventWriter(rec)
	if err != nil {
		t.Fatalf("NewEventWriter: %v", err)
	}

	if err := w.WriteToken("a"); err != nil {
		t.Fatalf("WriteToken: %v", err)
	}
	if err := w.WriteKeepAlive(); err != nil {
		t.Fatalf("WriteKeepAlive: %v", err)
	}
	if err := w.WriteToken("b"); err != nil {
		t.Fatalf("WriteToken: %v", err)
	}

	if !strings.Contains(rec.Body.String(), ": ping\n\n") {
		t.Error("keep-alive comment missing")
	}
	events := parseEvents(t, rec.Body.String())
	if len(events) != 2 {
		t.Fatalf("events = %d, keep-alive must not be an event", len(events))
	}
	if events[1].PrevHash != events[0].Hash {
		t.Error("keep-alive broke the hash chain")
	}
}

func TestSetSSEHeaders(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	SetSSEHeaders(rec)
	if got := rec.Header().Get("Content-Type"); got != "text/event-stream" {
		t.Errorf("Content-Type %q", got)
	}
	if got := rec.Header().Get("X-Accel-Buffering"); got != "no" {
		t.Errorf("X-Accel-Buffering %q", got)
	}
}
