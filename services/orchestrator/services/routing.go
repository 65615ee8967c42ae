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
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/sashabaranov/go-openai/jsonschema"
	"go.opentelemetry.io/otel/attribute"

	"github.com/AleutianAI/nia-orchestrator/services/llm"
	"github.com/AleutianAI/nia-orchestrator/services/orchestrator/datatypes"
)

// SearchToolName is the single tool offered during route determination.
const SearchToolName = "get_data_from_knowledge_store"

// routingSystemPrompt frames the throwaway routing conversation. The
// model either calls the search tool with a distilled query or answers
// nothing useful, in which case the request proceeds as plain chat.
const routingSystemPrompt = "You are a routing assistant. First rephrase " +
	"the user's query using the conversation history and image details " +
	"provided with it, so references like \"that order\" resolve to " +
	"concrete terms. If answering the rephrased query requires facts from " +
	"the organization's knowledge store, call " + SearchToolName + " with " +
	"the rephrased query as the focused search query. If the question can " +
	"be answered from general knowledge or the conversation itself, reply " +
	"directly without calling any tool."

// RouteDecision is the outcome of function routing.
type RouteDecision struct {
	// UseSearch reports whether retrieval should run.
	UseSearch bool

	// SearchQuery is the model-distilled query. Only set with UseSearch.
	SearchQuery string

	// UseCase optionally overrides the request's use case.
	UseCase string

	// GetExtraData requests supplementary context from retrieval.
	GetExtraData bool
}

// searchToolArgs mirrors the tool's parameter schema.
type searchToolArgs struct {
	SearchQuery  string `json:"search_query"`
	UseCase      string `json:"use_case"`
	GetExtraData bool   `json:"get_extra_data"`
}

// searchToolSpec is the schema sent to the model.
var searchToolSpec = llm.ToolSpec{
	Name: SearchToolName,
	Description: "Search the organization's knowledge store for documents " +
		"relevant to the user's question.",
	Parameters: jsonschema.Definition{
		Type: jsonschema.Object,
		Properties: map[string]jsonschema.Definition{
			"search_query": {
				Type:        jsonschema.String,
				Description: "Focused search query distilled from the user's question.",
			},
			"use_case": {
				Type:        jsonschema.String,
				Description: "Knowledge store segment to search.",
			},
			"get_extra_data": {
				Type:        jsonschema.Boolean,
				Description: "Whether supplementary context should be returned.",
			},
		},
		Required: []string{"search_query"},
	},
}

// routingUserMessage packs everything the router needs into the single
// user turn: the query, the image description when one exists, and the
// condensed history so follow-up questions resolve against earlier turns.
func routingUserMessage(query, imageDescription string, histMsgs []datatypes.Message) string {
	var b strings.Builder
	b.WriteString("User Query: ")
	b.WriteString(query)
	b.WriteString("\nRephrase the query before deciding whether to search.")
	if imageDescription != "" {
		b.WriteString("\nImage Details: ")
		b.WriteString(imageDescription)
	}
	if len(histMsgs) > 0 {
		b.WriteString("\nConversation History:")
		for _, m := range histMsgs {
			b.WriteString("\n")
			b.WriteString(m.Role)
			b.WriteString(": ")
			b.WriteString(m.Content)
		}
	}
	return b.String()
}

// DetermineRoute runs the routing conversation against client.
//
// The conversation is separate from the user-visible one and is discarded
// afterwards; only the decision survives. Routing never hard-fails the
// request: a routing model error propagates (the caller applies the usual
// retry policy), but malformed tool arguments or an absent tool call
// simply degrade to plain chat.
func DetermineRoute(
	ctx context.Context,
	client llm.CompletionClient,
	query string,
	imageDescription string,
	useCase string,
	histMsgs []datatypes.Message,
	params llm.GenerationParams,
) (*RouteDecision, error) {
	ctx, span := servicesTracer.Start(ctx, "DetermineRoute")
	defer span.End()

	messages := []datatypes.Message{
		{Role: datatypes.RoleSystem, Content: routingSystemPrompt},
		{Role: datatypes.RoleUser, Content: routingUserMessage(query, imageDescription, histMsgs)},
	}

	result, err := client.ChatWithTools(ctx, messages, params, []llm.ToolSpec{searchToolSpec})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	for _, call := range result.ToolCalls {
		if call.Name != SearchToolName {
			continue
		}
		var args searchToolArgs
		if err := json.Unmarshal([]byte(call.Arguments), &args); err != nil || args.SearchQuery == "" {
			slog.Warn("malformed routing tool arguments, degrading to plain chat",
				"arguments", call.Arguments,
				"error", err,
			)
			span.SetAttributes(attribute.Bool("routing.degraded", true))
			return &RouteDecision{UseSearch: false}, nil
		}
		if args.UseCase == "" {
			args.UseCase = useCase
		}
		span.SetAttributes(
			attribute.Bool("routing.use_search", true),
			attribute.String("routing.use_case", args.UseCase),
		)
		return &RouteDecision{
			UseSearch:    true,
			SearchQuery:  args.SearchQuery,
			UseCase:      args.UseCase,
			GetExtraData: args.GetExtraData,
		}, nil
	}

	span.SetAttributes(attribute.Bool("routing.use_search", false))
	return &RouteDecision{UseSearch: false}, nil
}
