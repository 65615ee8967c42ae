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
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/nia-orchestrator/services/llm"
	"github.com/AleutianAI/nia-orchestrator/services/orchestrator/datatypes"
	"github.com/AleutianAI/nia-orchestrator/services/orchestrator/extract"
	"github.com/AleutianAI/nia-orchestrator/services/orchestrator/history"
	"github.com/AleutianAI/nia-orchestrator/services/orchestrator/observability"
	"github.com/AleutianAI/nia-orchestrator/services/orchestrator/usecase"
)

const (
	// imageDescriptionPrompt produces the compact description that is
	// appended to the query on the retrieval-plus-image path.
	imageDescriptionPrompt = "You are helpful AI Assistant who can analyze " +
		"the given image and return the description in maximum 100 words as response."

	// noResponseAnswer is returned when the model produced nothing usable.
	noResponseAnswer = "No response from model. Please try again."

	// badRequestAnswer is returned on non-retryable request failures.
	badRequestAnswer = "Bad request error occurred. Please check the request parameters."

	// persistTimeout bounds turn persistence on its detached context.
	persistTimeout = 30 * time.Second
)

// ConversationPipeline coordinates one generation request end to end:
// history recall, optional image pre-analysis, function routing, document
// retrieval, prompt assembly, model completion, and response extraction.
//
// The four request shapes map to distinct paths:
//
//  1. retrieval + image: describe the image (blocking), fold the
//     description into the query, then route.
//  2. retrieval only: route directly.
//  3. image only: one multimodal call; the analysis is the answer.
//  4. neither: plain chat over history plus the query.
//
// Every exit, including upstream failures, yields a well-formed
// GenerationResult with a non-zero token count.
type ConversationPipeline struct {
	pool      *llm.EndpointPool
	searcher  DocumentSearcher
	store     history.Store
	registry  *usecase.Registry
	estimator *TokenBudgetEstimator
	metrics   *observability.GenerationMetrics
	relay     *StreamRelay
}

// NewConversationPipeline wires the pipeline's collaborators. metrics may
// be nil in tests; everything else is required.
func NewConversationPipeline(
	pool *llm.EndpointPool,
	searcher DocumentSearcher,
	store history.Store,
	registry *usecase.Registry,
	estimator *TokenBudgetEstimator,
	metrics *observability.GenerationMetrics,
) *ConversationPipeline {
	return &ConversationPipeline{
		pool:      pool,
		searcher:  searcher,
		store:     store,
		registry:  registry,
		estimator: estimator,
		metrics:   metrics,
		relay:     NewStreamRelay(pool, metrics),
	}
}

// Generate runs the blocking pipeline. The returned result is always
// well-formed; upstream failures surface as diagnostic answers, not
// errors, so callers can render them directly.
func (p *ConversationPipeline) Generate(ctx context.Context, req *datatypes.GenerateRequest) (*datatypes.GenerationResult, error) {
	ctx, span := servicesTracer.Start(ctx, "ConversationPipeline.Generate")
	defer span.End()

	prep := p.prepare(ctx, req)
	span.SetAttributes(
		attribute.String("session_id", prep.sessionID),
		attribute.String("use_case", prep.cfg.Name),
		attribute.Bool("use_rag", req.UseRAG),
		attribute.Bool("has_image", req.HasImage()),
	)

	// The question is on record before any model call, so an interrupted
	// request still leaves the user's message in history.
	p.recordQuestion(prep, req.Query)

	var result *datatypes.GenerationResult
	defer func() {
		if result != nil {
			p.recordAnswer(prep, result.Answer)
		}
	}()

	switch {
	case req.UseRAG && req.HasImage():
		desc, err := callWithFailover(ctx, p, func(c llm.CompletionClient) (*llm.ChatResult, error) {
			return c.DescribeImage(ctx, req.ImageB64, imageDescriptionPrompt, prep.params)
		})
		if err != nil {
			result = p.failureResult(span, prep, err)
			return result, nil
		}
		result = p.routeAndAnswer(ctx, span, prep, req.Query, desc.Content)

	case req.UseRAG:
		result = p.routeAndAnswer(ctx, span, prep, req.Query, "")

	case req.HasImage():
		analysis, err := callWithFailover(ctx, p, func(c llm.CompletionClient) (*llm.ChatResult, error) {
			return c.DescribeImage(ctx, req.ImageB64, req.Query, prep.params)
		})
		if err != nil {
			result = p.failureResult(span, prep, err)
			return result, nil
		}
		result = p.buildResult(prep, analysis)

	default:
		completion, err := p.chatWithHistory(ctx, prep, req.Query)
		if err != nil {
			result = p.failureResult(span, prep, err)
			return result, nil
		}
		result = p.buildResult(prep, completion)
	}

	return result, nil
}

// GenerateStream runs the streaming pipeline, relaying chunks through
// sink. The returned result reflects the relay outcome. The question is
// recorded before the stream opens and the answer completes the turn on
// every terminal state.
func (p *ConversationPipeline) GenerateStream(ctx context.Context, req *datatypes.GenerateRequest, sink ChunkSink) *datatypes.GenerationResult {
	ctx, span := servicesTracer.Start(ctx, "ConversationPipeline.GenerateStream")
	defer span.End()

	prep := p.prepare(ctx, req)
	span.SetAttributes(
		attribute.String("session_id", prep.sessionID),
		attribute.String("use_case", prep.cfg.Name),
	)

	p.recordQuestion(prep, req.Query)

	imageDesc := ""

	// Image paths run their blocking pre-calls before the stream opens.
	if req.HasImage() {
		prompt := imageDescriptionPrompt
		if !req.UseRAG {
			prompt = req.Query
		}
		desc, err := callWithFailover(ctx, p, func(c llm.CompletionClient) (*llm.ChatResult, error) {
			return c.DescribeImage(ctx, req.ImageB64, prompt, prep.params)
		})
		if err != nil {
			result := p.failureResult(span, prep, err)
			_ = sink.WriteDiagnostic(result.Answer)
			p.recordAnswer(prep, result.Answer)
			return result
		}
		if !req.UseRAG {
			// Image-only requests have their full answer already; deliver
			// it as a single chunk.
			if werr := sink.WriteChunk(desc.Content); werr != nil {
				slog.Debug("image analysis chunk not delivered", "error", werr)
			}
			result := p.buildResult(prep, desc)
			p.recordAnswer(prep, result.Answer)
			return result
		}
		imageDesc = desc.Content
	}

	messages := p.assembleMessages(ctx, span, prep, req.Query, imageDesc, req.UseRAG)

	outcome := p.relay.Run(ctx, messages, prep.params, prep.cfg.Name, sink, func(o RelayOutcome) {
		p.recordAnswer(prep, o.Answer)
	})

	result := p.resultFromOutcome(prep, outcome)
	return result
}

// =============================================================================
// Request preparation
// =============================================================================

type preparedRequest struct {
	sessionID  string
	cfg        usecase.Config
	params     llm.GenerationParams
	histMsgs   []datatypes.Message
	turnNumber int
}

// prepare resolves the session, use case, sampling parameters, and recent
// history. History failures degrade to an empty window; a request is
// never rejected because recall is down.
func (p *ConversationPipeline) prepare(ctx context.Context, req *datatypes.GenerateRequest) preparedRequest {
	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	cfg := p.registry.Get(req.UseCase)

	turns, err := p.store.RecentTurns(ctx, sessionID, datatypes.MaxHistoryTurns)
	if err != nil {
		slog.Warn("history recall failed, continuing without history",
			"session_id", sessionID,
			"error", err,
		)
		turns = nil
	}

	histMsgs := make([]datatypes.Message, 0, len(turns)*2)
	turnNumber := 1
	for _, t := range turns {
		// In-flight turns still claim their number; only completed turns
		// enter the prompt.
		if t.TurnNumber >= turnNumber {
			turnNumber = t.TurnNumber + 1
		}
		if t.Question == "" || t.Answer == "" {
			continue
		}
		histMsgs = append(histMsgs,
			datatypes.Message{Role: datatypes.RoleUser, Content: t.Question},
			datatypes.Message{Role: datatypes.RoleAssistant, Content: t.Answer},
		)
	}

	return preparedRequest{
		sessionID:  sessionID,
		cfg:        cfg,
		params:     paramsFromModelConfig(cfg.Model),
		histMsgs:   histMsgs,
		turnNumber: turnNumber,
	}
}

func paramsFromModelConfig(mc usecase.ModelConfiguration) llm.GenerationParams {
	params := llm.GenerationParams{}
	if mc.MaxTokens > 0 {
		v := mc.MaxTokens
		params.MaxTokens = &v
	}
	if mc.Temperature > 0 {
		v := mc.Temperature
		params.Temperature = &v
	}
	if mc.TopP > 0 {
		v := mc.TopP
		params.TopP = &v
	}
	if mc.FrequencyPenalty != 0 {
		v := mc.FrequencyPenalty
		params.FrequencyPenalty = &v
	}
	if mc.PresencePenalty != 0 {
		v := mc.PresencePenalty
		params.PresencePenalty = &v
	}
	return params
}

// =============================================================================
// Routing and completion
// =============================================================================

// routeAndAnswer runs function routing, optional retrieval, and the final
// completion for the blocking path.
func (p *ConversationPipeline) routeAndAnswer(ctx context.Context, span trace.Span, prep preparedRequest, query, imageDesc string) *datatypes.GenerationResult {
	messages := p.assembleMessages(ctx, span, prep, query, imageDesc, true)
	completion, err := p.chatOnce(ctx, messages, prep.params)
	if err != nil {
		return p.failureResult(span, prep, err)
	}
	return p.buildResult(prep, completion)
}

// assembleMessages produces the final conversation: system prompt,
// budget-fitted history, and the (possibly retrieval-grounded) query.
// imageDesc, when present, rides along in the routing turn and is folded
// into the final query so the answering model sees the image content.
func (p *ConversationPipeline) assembleMessages(ctx context.Context, span trace.Span, prep preparedRequest, query, imageDesc string, useRAG bool) []datatypes.Message {
	finalQuery := query
	if imageDesc != "" {
		finalQuery = query + "\n\nAttached image description: " + imageDesc
	}

	if useRAG {
		decision, err := callWithFailover(ctx, p, func(c llm.CompletionClient) (*RouteDecision, error) {
			return DetermineRoute(ctx, c, query, imageDesc, prep.cfg.Name, prep.histMsgs, prep.params)
		})
		switch {
		case err != nil:
			// Routing is advisory. If no endpoint can route, the final
			// completion will fail the same way and report properly;
			// degrade to plain chat here.
			slog.Warn("function routing failed, degrading to plain chat", "error", err)
			span.SetAttributes(attribute.Bool("routing.degraded", true))
		case decision.UseSearch:
			sr, serr := p.searcher.Search(ctx, decision.SearchQuery, decision.UseCase, decision.GetExtraData)
			if serr != nil {
				slog.Warn("document search failed, answering without sources",
					"search_query", decision.SearchQuery,
					"error", serr,
				)
				span.SetAttributes(attribute.Bool("search.degraded", true))
			} else {
				finalQuery = prep.cfg.BuildPrompt(finalQuery, sr.Sources, sr.AdditionalSources)
			}
		}
	}

	messages := make([]datatypes.Message, 0, len(prep.histMsgs)+2)
	if prep.cfg.SystemPrompt != "" {
		messages = append(messages, datatypes.Message{
			Role:    datatypes.RoleSystem,
			Content: prep.cfg.SystemPrompt,
		})
	}
	messages = append(messages, prep.histMsgs...)
	messages = append(messages, datatypes.Message{
		Role:    datatypes.RoleUser,
		Content: finalQuery,
	})

	fitted, dropped := p.estimator.FitToBudget(messages)
	if dropped > 0 {
		span.SetAttributes(attribute.Int("budget.dropped_messages", dropped))
	}
	return fitted
}

// chatWithHistory is the plain-chat path: history plus query, no routing.
func (p *ConversationPipeline) chatWithHistory(ctx context.Context, prep preparedRequest, query string) (*llm.ChatResult, error) {
	messages := make([]datatypes.Message, 0, len(prep.histMsgs)+2)
	if prep.cfg.SystemPrompt != "" {
		messages = append(messages, datatypes.Message{
			Role:    datatypes.RoleSystem,
			Content: prep.cfg.SystemPrompt,
		})
	}
	messages = append(messages, prep.histMsgs...)
	messages = append(messages, datatypes.Message{Role: datatypes.RoleUser, Content: query})

	fitted, _ := p.estimator.FitToBudget(messages)
	return p.chatOnce(ctx, fitted, prep.params)
}

// chatOnce applies the one-failover-one-retry policy to a blocking chat.
func (p *ConversationPipeline) chatOnce(ctx context.Context, messages []datatypes.Message, params llm.GenerationParams) (*llm.ChatResult, error) {
	return callWithFailover(ctx, p, func(c llm.CompletionClient) (*llm.ChatResult, error) {
		return c.Chat(ctx, messages, params)
	})
}

// callWithFailover runs fn against the active endpoint and, on a
// retryable failure, fails the pool over once and retries exactly once.
// Bad requests and cancellations short-circuit.
func callWithFailover[T any](ctx context.Context, p *ConversationPipeline, fn func(llm.CompletionClient) (T, error)) (T, error) {
	client := p.pool.Current()
	out, err := fn(client)
	if err == nil {
		return out, nil
	}
	if !llm.IsRetryable(err) {
		return out, err
	}

	next, ferr := p.pool.Failover(ctx, client)
	if ferr != nil {
		p.metrics.RecordFailover(failoverReason(err), "exhausted")
		var zero T
		return zero, ferr
	}
	p.metrics.RecordFailover(failoverReason(err), "recovered")

	return fn(next)
}

// =============================================================================
// Result construction
// =============================================================================

// buildResult extracts the structured answer and guarantees the result
// invariants: non-empty answer, follow-ups present, token count non-zero.
// The backend-reported usage is preferred; the local estimate only covers
// backends that omit usage data.
func (p *ConversationPipeline) buildResult(prep preparedRequest, completion *llm.ChatResult) *datatypes.GenerationResult {
	if strings.TrimSpace(completion.Content) == "" {
		return p.diagnosticResult(prep, noResponseAnswer)
	}

	ext := extract.Extract(completion.Content)
	p.metrics.RecordExtraction(string(ext.Strategy))

	tokens := completion.TotalTokens
	if tokens < 1 {
		tokens = p.nonZeroTokens(completion.Content)
	}

	return &datatypes.GenerationResult{
		SessionID:         prep.sessionID,
		Answer:            ext.Answer,
		FollowUpQuestions: ext.FollowUpQuestions,
		TokenCount:        tokens,
		CompletionState:   datatypes.CompletionComplete,
		Endpoint:          p.currentEndpointName(),
	}
}

// failureResult maps an upstream error to its diagnostic answer.
func (p *ConversationPipeline) failureResult(span trace.Span, prep preparedRequest, err error) *datatypes.GenerationResult {
	span.RecordError(err)
	span.SetStatus(codes.Error, "generation failed")

	var answer string
	switch {
	case llm.IsBadRequest(err):
		answer = badRequestAnswer + "\n\nException Details: " + err.Error()
	default:
		answer = diagnosticExhausted + "\n\nException Details: " + err.Error()
	}
	result := p.diagnosticResult(prep, answer)
	return result
}

// diagnosticResult wraps a caller-facing failure message as a well-formed
// result.
func (p *ConversationPipeline) diagnosticResult(prep preparedRequest, answer string) *datatypes.GenerationResult {
	return &datatypes.GenerationResult{
		SessionID:         prep.sessionID,
		Answer:            answer,
		FollowUpQuestions: extract.DefaultFollowUps(),
		TokenCount:        p.nonZeroTokens(answer),
		CompletionState:   datatypes.CompletionError,
	}
}

// resultFromOutcome converts a relay outcome for the streaming path.
func (p *ConversationPipeline) resultFromOutcome(prep preparedRequest, outcome RelayOutcome) *datatypes.GenerationResult {
	if outcome.State == datatypes.CompletionComplete {
		ext := extract.Extract(outcome.Answer)
		p.metrics.RecordExtraction(string(ext.Strategy))
		tokens := outcome.TokenCount
		if tokens == 0 {
			tokens = p.nonZeroTokens(outcome.Answer)
		}
		return &datatypes.GenerationResult{
			SessionID:         prep.sessionID,
			Answer:            ext.Answer,
			FollowUpQuestions: ext.FollowUpQuestions,
			TokenCount:        tokens,
			CompletionState:   outcome.State,
			Endpoint:          p.currentEndpointName(),
		}
	}

	answer := outcome.Answer
	if answer == "" {
		answer = noResponseAnswer
	}
	tokens := outcome.TokenCount
	if tokens == 0 {
		tokens = p.nonZeroTokens(answer)
	}
	return &datatypes.GenerationResult{
		SessionID:         prep.sessionID,
		Answer:            answer,
		FollowUpQuestions: extract.DefaultFollowUps(),
		TokenCount:        tokens,
		CompletionState:   outcome.State,
	}
}

// nonZeroTokens estimates and clamps to at least one token.
func (p *ConversationPipeline) nonZeroTokens(s string) int {
	n := p.estimator.EstimateText(s)
	if n < 1 {
		n = 1
	}
	return n
}

func (p *ConversationPipeline) currentEndpointName() string {
	if p.pool == nil {
		return ""
	}
	return p.pool.Current().Name()
}

// recordQuestion persists the user's side of the turn before the model is
// called. Runs on a detached context so client disconnects cannot cancel
// persistence; a request is never rejected because history is down.
func (p *ConversationPipeline) recordQuestion(prep preparedRequest, question string) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	err := p.store.AppendTurn(ctx, history.Turn{
		SessionID:  prep.sessionID,
		TurnNumber: prep.turnNumber,
		Question:   question,
		Timestamp:  time.Now().UTC(),
	})
	if err != nil {
		slog.Warn("failed to record user turn",
			"session_id", prep.sessionID,
			"turn_number", prep.turnNumber,
			"error", err,
		)
	}
}

// recordAnswer completes the turn once the result is finalized, also on a
// detached context.
func (p *ConversationPipeline) recordAnswer(prep preparedRequest, answer string) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	err := p.store.CompleteTurn(ctx, prep.sessionID, prep.turnNumber, answer)
	if err != nil {
		slog.Error("failed to persist conversation turn",
			"session_id", prep.sessionID,
			"turn_number", prep.turnNumber,
			"error", err,
		)
	}
}
