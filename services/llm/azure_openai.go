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
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/AleutianAI/nia-orchestrator/services/orchestrator/datatypes"
)

var tracer = otel.Tracer("nia.llm.azure")

// EndpointConfig describes one Azure OpenAI deployment the pool can route to.
type EndpointConfig struct {
	Name       string `json:"name"`
	BaseURL    string `json:"base_url"`
	APIKey     string `json:"api_key"`
	Deployment string `json:"deployment"`
	APIVersion string `json:"api_version,omitempty"`
}

// AzureClient is a CompletionClient backed by a single Azure OpenAI
// deployment via the go-openai SDK.
type AzureClient struct {
	cfg    EndpointConfig
	client *openai.Client

	probeTimeout time.Duration
}

// Compile-time interface check.
var _ Endpoint = (*AzureClient)(nil)

// NewAzureClient builds a client for one deployment. The model name in
// outgoing requests is always mapped to the configured deployment.
func NewAzureClient(cfg EndpointConfig) *AzureClient {
	apiCfg := openai.DefaultAzureConfig(cfg.APIKey, cfg.BaseURL)
	if cfg.APIVersion != "" {
		apiCfg.APIVersion = cfg.APIVersion
	}
	apiCfg.AzureModelMapperFunc = func(model string) string {
		return cfg.Deployment
	}
	apiCfg.HTTPClient = &http.Client{Timeout: 5 * time.Minute}

	return &AzureClient{
		cfg:          cfg,
		client:       openai.NewClientWithConfig(apiCfg),
		probeTimeout: 10 * time.Second,
	}
}

// NewAzureEndpoints builds one client per config, preserving order.
func NewAzureEndpoints(cfgs []EndpointConfig) []Endpoint {
	endpoints := make([]Endpoint, 0, len(cfgs))
	for _, cfg := range cfgs {
		endpoints = append(endpoints, NewAzureClient(cfg))
	}
	return endpoints
}

func (a *AzureClient) Name() string { return a.cfg.Name }

// Probe lists models on the deployment as a cheap liveness check.
func (a *AzureClient) Probe(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, a.probeTimeout)
	defer cancel()

	if _, err := a.client.ListModels(ctx); err != nil {
		return wrapBackendError(a.cfg.Name, fmt.Errorf("probe: %w", err))
	}
	return nil
}

func (a *AzureClient) Chat(ctx context.Context, messages []datatypes.Message,
	params GenerationParams) (*ChatResult, error) {
	ctx, span := tracer.Start(ctx, "AzureClient.Chat")
	defer span.End()
	span.SetAttributes(attribute.String("llm.endpoint", a.cfg.Name))

	req := a.buildRequest(messages, params)
	resp, err := a.client.CreateChatCompletion(ctx, req)
	if err != nil {
		span.RecordError(err)
		return nil, wrapBackendError(a.cfg.Name, err)
	}

	result := &ChatResult{TotalTokens: resp.Usage.TotalTokens}
	if len(resp.Choices) > 0 {
		result.Content = resp.Choices[0].Message.Content
		result.FinishReason = string(resp.Choices[0].FinishReason)
	}
	span.SetAttributes(attribute.Int("llm.total_tokens", result.TotalTokens))
	return result, nil
}

func (a *AzureClient) ChatWithTools(ctx context.Context, messages []datatypes.Message,
	params GenerationParams, tools []ToolSpec) (*ChatResult, error) {
	ctx, span := tracer.Start(ctx, "AzureClient.ChatWithTools")
	defer span.End()
	span.SetAttributes(
		attribute.String("llm.endpoint", a.cfg.Name),
		attribute.Int("llm.tool_count", len(tools)),
	)

	req := a.buildRequest(messages, params)
	for _, t := range tools {
		req.Tools = append(req.Tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}
	req.ToolChoice = "auto"

	resp, err := a.client.CreateChatCompletion(ctx, req)
	if err != nil {
		span.RecordError(err)
		return nil, wrapBackendError(a.cfg.Name, err)
	}
	if len(resp.Choices) == 0 {
		return &ChatResult{TotalTokens: resp.Usage.TotalTokens}, nil
	}

	choice := resp.Choices[0]
	result := &ChatResult{
		Content:      choice.Message.Content,
		FinishReason: string(choice.FinishReason),
		TotalTokens:  resp.Usage.TotalTokens,
	}
	for _, tc := range choice.Message.ToolCalls {
		result.ToolCalls = append(result.ToolCalls, ToolCall{
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	return result, nil
}

// ChatStream streams deltas through callback until the upstream closes the
// stream or an error occurs. An error returned by callback aborts the
// stream and is returned as-is so the relay can distinguish its own
// cancellation from upstream failure.
func (a *AzureClient) ChatStream(ctx context.Context, messages []datatypes.Message,
	params GenerationParams, callback StreamCallback) error {
	ctx, span := tracer.Start(ctx, "AzureClient.ChatStream")
	defer span.End()
	span.SetAttributes(attribute.String("llm.endpoint", a.cfg.Name))

	req := a.buildRequest(messages, params)
	req.Stream = true

	stream, err := a.client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		span.RecordError(err)
		return wrapBackendError(a.cfg.Name, err)
	}
	defer stream.Close()

	for {
		resp, err := stream.Recv()
		if err == io.EOF {
			return callback(StreamEvent{Type: StreamEventDone})
		}
		if err != nil {
			span.RecordError(err)
			return wrapBackendError(a.cfg.Name, err)
		}
		if len(resp.Choices) == 0 {
			continue
		}
		delta := resp.Choices[0].Delta.Content
		if delta == "" {
			continue
		}
		if cbErr := callback(StreamEvent{Type: StreamEventToken, Content: delta}); cbErr != nil {
			return cbErr
		}
	}
}

// DescribeImage runs a single multimodal turn over one image. imageB64 may
// be a bare base64 payload or a complete data URL.
func (a *AzureClient) DescribeImage(ctx context.Context, imageB64 string,
	prompt string, params GenerationParams) (*ChatResult, error) {
	ctx, span := tracer.Start(ctx, "AzureClient.DescribeImage")
	defer span.End()
	span.SetAttributes(attribute.String("llm.endpoint", a.cfg.Name))

	url := imageB64
	if !strings.HasPrefix(url, "data:") && !strings.HasPrefix(url, "http") {
		url = "data:image/jpeg;base64," + imageB64
	}

	req := a.buildRequest(nil, params)
	req.Messages = []openai.ChatCompletionMessage{
		{
			Role: openai.ChatMessageRoleUser,
			MultiContent: []openai.ChatMessagePart{
				{Type: openai.ChatMessagePartTypeText, Text: prompt},
				{
					Type: openai.ChatMessagePartTypeImageURL,
					ImageURL: &openai.ChatMessageImageURL{
						URL:    url,
						Detail: openai.ImageURLDetailAuto,
					},
				},
			},
		},
	}

	resp, err := a.client.CreateChatCompletion(ctx, req)
	if err != nil {
		span.RecordError(err)
		return nil, wrapBackendError(a.cfg.Name, err)
	}

	result := &ChatResult{TotalTokens: resp.Usage.TotalTokens}
	if len(resp.Choices) > 0 {
		result.Content = resp.Choices[0].Message.Content
		result.FinishReason = string(resp.Choices[0].FinishReason)
	}
	return result, nil
}

func (a *AzureClient) buildRequest(messages []datatypes.Message,
	params GenerationParams) openai.ChatCompletionRequest {
	req := openai.ChatCompletionRequest{
		// Mapped to the deployment by AzureModelMapperFunc.
		Model:    openai.GPT4o,
		Messages: make([]openai.ChatCompletionMessage, 0, len(messages)),
	}
	for _, m := range messages {
		req.Messages = append(req.Messages, openai.ChatCompletionMessage{
			Role:    m.Role,
			Content: m.Content,
		})
	}
	if params.Temperature != nil {
		req.Temperature = *params.Temperature
	}
	if params.TopP != nil {
		req.TopP = *params.TopP
	}
	if params.MaxTokens != nil {
		req.MaxTokens = *params.MaxTokens
	}
	if params.FrequencyPenalty != nil {
		req.FrequencyPenalty = *params.FrequencyPenalty
	}
	if params.PresencePenalty != nil {
		req.PresencePenalty = *params.PresencePenalty
	}
	if len(params.Stop) > 0 {
		req.Stop = params.Stop
	}
	return req
}
