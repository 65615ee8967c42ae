// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes provides data structures for the orchestrator service.
//
// This file contains the request and response types for the assisted
// generation endpoints (blocking and streaming).
package datatypes

import (
	"github.com/go-playground/validator/v10"
)

// =============================================================================
// Constants for Security Compliance
// =============================================================================

const (
	// MaxQueryContentBytes is the maximum size of a user query.
	MaxQueryContentBytes = 32 * 1024 // 32KB

	// MaxImageContentBytes is the maximum size of a base64-encoded image
	// attached to a request.
	MaxImageContentBytes = 8 * 1024 * 1024 // 8MB

	// MaxHistoryTurns is the hard cap on conversation turns included in
	// the prompt. Older turns are dropped.
	MaxHistoryTurns = 6
)

// Message roles on the model wire.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Completion states reported to the finalization callback and echoed in
// streaming result frames.
type CompletionState string

const (
	CompletionComplete     CompletionState = "complete"
	CompletionError        CompletionState = "error"
	CompletionDisconnected CompletionState = "client_disconnect"
)

// =============================================================================
// Shared Validator Instance
// =============================================================================

// chatValidate is the validator instance for chat datatypes.
// Initialized in init() with custom validators.
var chatValidate *validator.Validate

func init() {
	chatValidate = validator.New()
	_ = chatValidate.RegisterValidation("maxquerybytes", validateMaxQueryBytes)
	_ = chatValidate.RegisterValidation("maximagebytes", validateMaxImageBytes)
}

// validateMaxQueryBytes checks byte length (not rune count) so oversized
// payloads are rejected before any allocation-heavy processing.
func validateMaxQueryBytes(fl validator.FieldLevel) bool {
	return len(fl.Field().String()) <= MaxQueryContentBytes
}

func validateMaxImageBytes(fl validator.FieldLevel) bool {
	return len(fl.Field().String()) <= MaxImageContentBytes
}

// =============================================================================
// Generation Request / Response Types
// =============================================================================

// Message is one turn on the model wire.
type Message struct {
	Role    string `json:"role" validate:"required,oneof=system user assistant tool"`
	Content string `json:"content"`
}

// GenerateRequest is the body of POST /v1/generate and /v1/generate/stream.
//
// # Fields
//
//   - SessionID: Optional. Blank means "start a new session"; the response
//     echoes the id actually used.
//   - Query: Required. The user's question, capped at 32KB.
//   - UseCase: Optional. Selects the prompt template and model settings;
//     unknown or blank falls back to the default use case.
//   - UseRAG: Optional. When true the request is eligible for retrieval
//     grounding via function routing.
//   - ImageB64: Optional. Base64-encoded image (bare payload or data URL).
type GenerateRequest struct {
	SessionID string `json:"session_id" validate:"omitempty,max=128"`
	Query     string `json:"query" validate:"required,maxquerybytes"`
	UseCase   string `json:"use_case" validate:"omitempty,max=128"`
	UseRAG    bool   `json:"use_rag"`
	ImageB64  string `json:"image_base64" validate:"omitempty,maximagebytes"`
}

// Validate runs struct validation with the custom byte-length rules.
func (r *GenerateRequest) Validate() error {
	return chatValidate.Struct(r)
}

// HasImage reports whether the request carries an image attachment.
func (r *GenerateRequest) HasImage() bool {
	return r.ImageB64 != ""
}

// GenerationResult is the canonical outcome of one generation request.
// Every caller-visible exit produces one, including the diagnostic-answer
// error paths; TokenCount is always non-zero.
type GenerationResult struct {
	SessionID         string          `json:"session_id"`
	Answer            string          `json:"answer"`
	FollowUpQuestions []string        `json:"follow_up_questions"`
	TokenCount        int             `json:"token_count"`
	CompletionState   CompletionState `json:"completion_state"`
	Endpoint          string          `json:"endpoint,omitempty"`
}
