// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import (
	"context"

	"github.com/AleutianAI/nia-orchestrator/services/orchestrator/datatypes"
)

// GenerationParams carries per-request sampling knobs. Nil pointers mean
// "use the backend default".
type GenerationParams struct {
	Temperature      *float32 `json:"temperature"`
	TopP             *float32 `json:"top_p"`
	MaxTokens        *int     `json:"max_tokens"`
	FrequencyPenalty *float32 `json:"frequency_penalty"`
	PresencePenalty  *float32 `json:"presence_penalty"`
	Stop             []string `json:"stop"`
}

// StreamEventType discriminates events delivered to a StreamCallback.
type StreamEventType int

const (
	StreamEventToken StreamEventType = iota
	StreamEventDone
)

// StreamEvent is a single unit of streamed model output.
type StreamEvent struct {
	Type    StreamEventType
	Content string
}

// StreamCallback receives streamed events. Returning a non-nil error
// aborts the stream; the backend propagates that error to the caller.
type StreamCallback func(event StreamEvent) error

// ToolSpec describes a function the model may choose to call.
type ToolSpec struct {
	Name        string
	Description string
	Parameters  any
}

// ToolCall is a function invocation requested by the model. Arguments is
// the raw JSON string as produced by the model and may be malformed.
type ToolCall struct {
	Name      string
	Arguments string
}

// ChatResult is the outcome of a blocking chat turn. For tool-enabled
// calls exactly one of Content or ToolCalls is typically populated, but
// callers must tolerate both being present. TotalTokens is the
// backend-reported usage for the whole call; zero when the backend omits
// usage data, in which case callers fall back to a local estimate.
type ChatResult struct {
	Content      string
	ToolCalls    []ToolCall
	FinishReason string
	TotalTokens  int
}

// CompletionClient defines the standard interface for any chat model backend.
type CompletionClient interface {
	// Chat runs a blocking completion over the conversation.
	Chat(ctx context.Context, messages []datatypes.Message, params GenerationParams) (*ChatResult, error)

	// ChatWithTools runs a blocking completion with the given tools
	// offered to the model under automatic tool choice.
	ChatWithTools(ctx context.Context, messages []datatypes.Message, params GenerationParams, tools []ToolSpec) (*ChatResult, error)

	// ChatStream streams the completion chunk by chunk through callback.
	// It returns only after the stream terminates.
	ChatStream(ctx context.Context, messages []datatypes.Message, params GenerationParams, callback StreamCallback) error

	// DescribeImage runs a blocking multimodal completion over a single
	// base64-encoded image plus an instruction prompt.
	DescribeImage(ctx context.Context, imageB64 string, prompt string, params GenerationParams) (*ChatResult, error)
}

// Endpoint is a CompletionClient bound to one concrete upstream deployment,
// identifiable by name and cheap to health-check.
type Endpoint interface {
	CompletionClient

	// Name returns the configured endpoint name, used in logs and metrics.
	Name() string

	// Probe performs a lightweight liveness check against the upstream.
	Probe(ctx context.Context) error
}
