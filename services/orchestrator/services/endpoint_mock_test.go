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
	"context"
	"errors"
	"sync"

	"github.com/AleutianAI/nia-orchestrator/services/llm"
	"github.com/AleutianAI/nia-orchestrator/services/orchestrator/datatypes"
)

// chatScript is one scripted blocking response. tokens is the usage the
// fake backend reports; zero means the backend omitted usage.
type chatScript struct {
	resp   string
	tokens int
	err    error
}

// toolScript is one scripted tool-enabled response.
type toolScript struct {
	result *llm.ChatResult
	err    error
}

// streamScript is one scripted stream: chunks delivered in order, then
// err (nil means a clean end).
type streamScript struct {
	chunks []string
	err    error
}

// fakeEndpoint is a fully scripted llm.Endpoint. Each call pops the next
// script from its queue; an exhausted queue succeeds with a benign
// default so unrelated paths don't fail tests.
type fakeEndpoint struct {
	name string

	mu       sync.Mutex
	probeErr error

	chatQueue []chatScript
	chatCalls [][]datatypes.Message

	toolQueue []toolScript
	toolCalls [][]datatypes.Message

	describeQueue   []chatScript
	describePrompts []string

	streamQueue []streamScript
	streamCalls [][]datatypes.Message

	// onChat, when set, runs at the top of every Chat call.
	onChat func()
}

var _ llm.Endpoint = (*fakeEndpoint)(nil)

func newScriptedEndpoint(name string) *fakeEndpoint {
	return &fakeEndpoint{name: name}
}

func (f *fakeEndpoint) Name() string { return f.name }

func (f *fakeEndpoint) Probe(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.probeErr
}

func (f *fakeEndpoint) Chat(_ context.Context, messages []datatypes.Message, _ llm.GenerationParams) (*llm.ChatResult, error) {
	if f.onChat != nil {
		f.onChat()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chatCalls = append(f.chatCalls, messages)
	if len(f.chatQueue) == 0 {
		return &llm.ChatResult{Content: "ok"}, nil
	}
	s := f.chatQueue[0]
	f.chatQueue = f.chatQueue[1:]
	if s.err != nil {
		return nil, s.err
	}
	return &llm.ChatResult{Content: s.resp, TotalTokens: s.tokens}, nil
}

func (f *fakeEndpoint) ChatWithTools(_ context.Context, messages []datatypes.Message, _ llm.GenerationParams, _ []llm.ToolSpec) (*llm.ChatResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.toolCalls = append(f.toolCalls, messages)
	if len(f.toolQueue) == 0 {
		return &llm.ChatResult{Content: "no tool needed"}, nil
	}
	s := f.toolQueue[0]
	f.toolQueue = f.toolQueue[1:]
	return s.result, s.err
}

func (f *fakeEndpoint) ChatStream(ctx context.Context, messages []datatypes.Message, _ llm.GenerationParams, cb llm.StreamCallback) error {
	f.mu.Lock()
	f.streamCalls = append(f.streamCalls, messages)
	var s streamScript
	if len(f.streamQueue) > 0 {
		s = f.streamQueue[0]
		f.streamQueue = f.streamQueue[1:]
	}
	f.mu.Unlock()

	for _, chunk := range s.chunks {
		if err := cb(llm.StreamEvent{Type: llm.StreamEventToken, Content: chunk}); err != nil {
			return err
		}
	}
	if s.err != nil {
		return s.err
	}
	return cb(llm.StreamEvent{Type: llm.StreamEventDone})
}

func (f *fakeEndpoint) DescribeImage(_ context.Context, _ string, prompt string, _ llm.GenerationParams) (*llm.ChatResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.describePrompts = append(f.describePrompts, prompt)
	if len(f.describeQueue) == 0 {
		return &llm.ChatResult{Content: "an image of a turbine"}, nil
	}
	s := f.describeQueue[0]
	f.describeQueue = f.describeQueue[1:]
	if s.err != nil {
		return nil, s.err
	}
	return &llm.ChatResult{Content: s.resp, TotalTokens: s.tokens}, nil
}

func (f *fakeEndpoint) streamCallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.streamCalls)
}

func (f *fakeEndpoint) lastStreamMessages() []datatypes.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.streamCalls) == 0 {
		return nil
	}
	return f.streamCalls[len(f.streamCalls)-1]
}

func (f *fakeEndpoint) lastChatMessages() []datatypes.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.chatCalls) == 0 {
		return nil
	}
	return f.chatCalls[len(f.chatCalls)-1]
}

// retryableErr fabricates a connectivity failure from an endpoint.
func retryableErr(endpoint string) error {
	return &llm.BackendError{
		Endpoint: endpoint,
		Kind:     llm.KindConnectivity,
		Err:      errors.New("connection reset"),
	}
}

// badRequestErr fabricates a 400-class failure.
func badRequestErr(endpoint string) error {
	return &llm.BackendError{
		Endpoint:   endpoint,
		Kind:       llm.KindBadRequest,
		StatusCode: 400,
		Err:        errors.New("invalid request payload"),
	}
}

// collectSink records everything the relay writes.
type collectSink struct {
	mu          sync.Mutex
	chunks      []string
	diagnostics []string
	chunkErr    error
}

func (s *collectSink) WriteChunk(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.chunkErr != nil {
		return s.chunkErr
	}
	s.chunks = append(s.chunks, text)
	return nil
}

func (s *collectSink) WriteDiagnostic(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.diagnostics = append(s.diagnostics, text)
	return nil
}

func (s *collectSink) joined() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := ""
	for _, c := range s.chunks {
		out += c
	}
	return out
}

func (s *collectSink) diagnosticCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.diagnostics)
}

// fakeSearcher returns canned sources and records queries.
type fakeSearcher struct {
	mu      sync.Mutex
	result  *SearchResult
	err     error
	queries []string
}

func (f *fakeSearcher) Search(_ context.Context, query, _ string, _ bool) (*SearchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, query)
	if f.err != nil {
		return nil, f.err
	}
	if f.result != nil {
		return f.result, nil
	}
	return &SearchResult{Sources: "source text", DocumentCount: 1}, nil
}
