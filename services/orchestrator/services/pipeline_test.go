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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/nia-orchestrator/services/llm"
	"github.com/AleutianAI/nia-orchestrator/services/orchestrator/datatypes"
	"github.com/AleutianAI/nia-orchestrator/services/orchestrator/extract"
	"github.com/AleutianAI/nia-orchestrator/services/orchestrator/history"
	"github.com/AleutianAI/nia-orchestrator/services/orchestrator/usecase"
)

type pipelineFixture struct {
	pipeline *ConversationPipeline
	store    *history.MemoryStore
	searcher *fakeSearcher
}

func newTestPipeline(t *testing.T, endpoints ...llm.Endpoint) *pipelineFixture {
	t.Helper()

	pool, err := llm.NewEndpointPool(context.Background(), endpoints)
	require.NoError(t, err)

	registry, err := usecase.NewStaticRegistry(usecase.Config{
		Name:           usecase.DefaultName,
		SystemPrompt:   "You are a helpful assistant.",
		PromptTemplate: "Context:\n{sources}\n\nQuestion: {query}",
	})
	require.NoError(t, err)

	store := history.NewMemoryStore()
	searcher := &fakeSearcher{}

	return &pipelineFixture{
		pipeline: NewConversationPipeline(
			pool,
			searcher,
			store,
			registry,
			NewTokenBudgetEstimator(DefaultTokenBudget),
			nil,
		),
		store:    store,
		searcher: searcher,
	}
}

// tinyImage is a 1x1 PNG, base64-encoded.
const tinyImage = "iVBORw0KGgoAAAANSUhEUgAAAAEAAAABCAYAAAAfFcSJAAAADUlEQVR42mP8z8BQDwAEhQGAhKmMIQAAAABJRU5ErkJggg=="

func TestGeneratePlainChat(t *testing.T) {
	t.Parallel()

	ep := newScriptedEndpoint("a")
	ep.chatQueue = []chatScript{{resp: "The capital of France is Paris."}}
	fx := newTestPipeline(t, ep)

	result, err := fx.pipeline.Generate(context.Background(), &datatypes.GenerateRequest{
		SessionID: "s-plain",
		Query:     "capital of France?",
	})
	require.NoError(t, err)
	assert.Equal(t, "The capital of France is Paris.", result.Answer)
	assert.Equal(t, datatypes.CompletionComplete, result.CompletionState)
	assert.GreaterOrEqual(t, result.TokenCount, 1)
	assert.NotEmpty(t, result.FollowUpQuestions)
	assert.Equal(t, "a", result.Endpoint)

	// Plain chat never routes or searches.
	assert.Empty(t, ep.toolCalls, "routing ran on the plain-chat path")
	assert.Empty(t, fx.searcher.queries, "search ran on the plain-chat path")
}

func TestGenerateRetrievalPathGroundsTheQuery(t *testing.T) {
	t.Parallel()

	ep := newScriptedEndpoint("a")
	ep.toolQueue = []toolScript{{
		result: &llm.ChatResult{
			ToolCalls: []llm.ToolCall{{
				Name:      SearchToolName,
				Arguments: `{"search_query":"maintenance schedule"}`,
			}},
		},
	}}
	ep.chatQueue = []chatScript{{resp: "Every six months."}}
	fx := newTestPipeline(t, ep)
	fx.searcher.result = &SearchResult{Sources: "doc: turbines are serviced twice a year", DocumentCount: 1}

	result, err := fx.pipeline.Generate(context.Background(), &datatypes.GenerateRequest{
		SessionID: "s-rag",
		Query:     "how often are turbines serviced?",
		UseRAG:    true,
	})
	require.NoError(t, err)
	assert.Equal(t, "Every six months.", result.Answer)

	require.Equal(t, []string{"maintenance schedule"}, fx.searcher.queries)
	final := ep.lastChatMessages()
	require.GreaterOrEqual(t, len(final), 2)
	last := final[len(final)-1]
	assert.Contains(t, last.Content, "turbines are serviced twice a year", "retrieved sources missing from final prompt")
	assert.Contains(t, last.Content, "how often are turbines serviced?", "original question missing from final prompt")
}

func TestGenerateRetrievalDegradesWhenSearchFails(t *testing.T) {
	t.Parallel()

	ep := newScriptedEndpoint("a")
	ep.toolQueue = []toolScript{{
		result: &llm.ChatResult{
			ToolCalls: []llm.ToolCall{{
				Name:      SearchToolName,
				Arguments: `{"search_query":"anything"}`,
			}},
		},
	}}
	ep.chatQueue = []chatScript{{resp: "best effort answer"}}
	fx := newTestPipeline(t, ep)
	fx.searcher.err = &SearchError{StatusCode: 503, Message: "unavailable", Retryable: true}

	result, err := fx.pipeline.Generate(context.Background(), &datatypes.GenerateRequest{
		SessionID: "s-deg",
		Query:     "q",
		UseRAG:    true,
	})
	require.NoError(t, err)
	assert.Equal(t, "best effort answer", result.Answer, "want the ungrounded completion")
	assert.Equal(t, datatypes.CompletionComplete, result.CompletionState)
}

func TestGenerateImageOnlyReturnsAnalysis(t *testing.T) {
	t.Parallel()

	ep := newScriptedEndpoint("a")
	ep.describeQueue = []chatScript{{resp: "A small turbine on a hill."}}
	fx := newTestPipeline(t, ep)

	result, err := fx.pipeline.Generate(context.Background(), &datatypes.GenerateRequest{
		SessionID: "s-img",
		Query:     "what is in this picture?",
		ImageB64:  tinyImage,
	})
	require.NoError(t, err)
	assert.Equal(t, "A small turbine on a hill.", result.Answer)

	// The user's question is the multimodal prompt on the image-only path.
	require.Equal(t, []string{"what is in this picture?"}, ep.describePrompts)
	// No routing, no chat completion.
	assert.Empty(t, ep.toolCalls, "image-only request must not route")
	assert.Empty(t, ep.chatCalls, "image-only request must not chat")
}

func TestGenerateImageWithRetrievalFoldsDescription(t *testing.T) {
	t.Parallel()

	ep := newScriptedEndpoint("a")
	ep.describeQueue = []chatScript{{resp: "A corroded pipe joint."}}
	ep.chatQueue = []chatScript{{resp: "Replace the joint."}}
	fx := newTestPipeline(t, ep)

	result, err := fx.pipeline.Generate(context.Background(), &datatypes.GenerateRequest{
		SessionID: "s-both",
		Query:     "is this a problem?",
		UseRAG:    true,
		ImageB64:  tinyImage,
	})
	require.NoError(t, err)
	assert.Equal(t, "Replace the joint.", result.Answer)

	// The compact description prompt is used, not the user's question.
	require.Len(t, ep.describePrompts, 1)
	assert.Contains(t, ep.describePrompts[0], "maximum 100 words")
	// The routing conversation sees the query and the image description.
	require.Len(t, ep.toolCalls, 1)
	routed := ep.toolCalls[0][1].Content
	assert.Contains(t, routed, "is this a problem?")
	assert.Contains(t, routed, "A corroded pipe joint.")
}

func TestGenerateRoutingTurnCarriesHistory(t *testing.T) {
	t.Parallel()

	ep := newScriptedEndpoint("a")
	ep.chatQueue = []chatScript{
		{resp: "Order OR00147 shipped on Monday."},
		{resp: "It arrives Thursday."},
	}
	fx := newTestPipeline(t, ep)

	ctx := context.Background()
	_, err := fx.pipeline.Generate(ctx, &datatypes.GenerateRequest{
		SessionID: "s-followup",
		Query:     "find order OR00147",
	})
	require.NoError(t, err)

	_, err = fx.pipeline.Generate(ctx, &datatypes.GenerateRequest{
		SessionID: "s-followup",
		Query:     "what about that order?",
		UseRAG:    true,
	})
	require.NoError(t, err)

	// The follow-up's routing turn must carry the earlier exchange so the
	// reference can be resolved.
	require.Len(t, ep.toolCalls, 1)
	routed := ep.toolCalls[0][1].Content
	assert.Contains(t, routed, "what about that order?")
	assert.Contains(t, routed, "OR00147")
	assert.Contains(t, routed, "shipped on Monday")
}

func TestGenerateFailsOverOnceAndRetries(t *testing.T) {
	t.Parallel()

	a := newScriptedEndpoint("a")
	a.chatQueue = []chatScript{{err: retryableErr("a")}}
	b := newScriptedEndpoint("b")
	b.chatQueue = []chatScript{{resp: "answer from b"}}
	fx := newTestPipeline(t, a, b)

	result, err := fx.pipeline.Generate(context.Background(), &datatypes.GenerateRequest{
		SessionID: "s-fo",
		Query:     "q",
	})
	require.NoError(t, err)
	assert.Equal(t, "answer from b", result.Answer)
	assert.Equal(t, "b", result.Endpoint, "want b after failover")
}

func TestGenerateBadRequestShortCircuits(t *testing.T) {
	t.Parallel()

	a := newScriptedEndpoint("a")
	a.chatQueue = []chatScript{{err: badRequestErr("a")}}
	b := newScriptedEndpoint("b")
	fx := newTestPipeline(t, a, b)

	result, err := fx.pipeline.Generate(context.Background(), &datatypes.GenerateRequest{
		SessionID: "s-bad",
		Query:     "q",
	})
	require.NoError(t, err)
	assert.Contains(t, result.Answer, badRequestAnswer)
	assert.Contains(t, result.Answer, "Exception Details:")
	assert.Equal(t, datatypes.CompletionError, result.CompletionState)
	assert.Empty(t, b.chatCalls, "bad request must not fail over to the next endpoint")
}

func TestGenerateExhaustionYieldsDiagnostic(t *testing.T) {
	t.Parallel()

	// A single-endpoint ring has no failover candidate, so the first
	// retryable failure exhausts the pool.
	a := newScriptedEndpoint("a")
	a.chatQueue = []chatScript{{err: retryableErr("a")}}
	fx := newTestPipeline(t, a)

	result, err := fx.pipeline.Generate(context.Background(), &datatypes.GenerateRequest{
		SessionID: "s-exh",
		Query:     "q",
	})
	require.NoError(t, err)
	assert.Contains(t, result.Answer, diagnosticExhausted)
	assert.Equal(t, datatypes.CompletionError, result.CompletionState)
	assert.GreaterOrEqual(t, result.TokenCount, 1, "token count must be locally computed on failure")
	assert.Equal(t, extract.DefaultFollowUps(), result.FollowUpQuestions)
}

func TestGenerateEmptyCompletionBecomesDiagnostic(t *testing.T) {
	t.Parallel()

	ep := newScriptedEndpoint("a")
	ep.chatQueue = []chatScript{{resp: "   \n"}}
	fx := newTestPipeline(t, ep)

	result, err := fx.pipeline.Generate(context.Background(), &datatypes.GenerateRequest{
		SessionID: "s-empty",
		Query:     "q",
	})
	require.NoError(t, err)
	assert.Equal(t, noResponseAnswer, result.Answer)
	assert.Equal(t, datatypes.CompletionError, result.CompletionState)
}

func TestGeneratePrefersBackendTokenCount(t *testing.T) {
	t.Parallel()

	ep := newScriptedEndpoint("a")
	ep.chatQueue = []chatScript{{resp: "short answer", tokens: 1234}}
	fx := newTestPipeline(t, ep)

	result, err := fx.pipeline.Generate(context.Background(), &datatypes.GenerateRequest{
		SessionID: "s-usage",
		Query:     "q",
	})
	require.NoError(t, err)
	assert.Equal(t, 1234, result.TokenCount, "backend-reported usage wins over the local estimate")
}

func TestGenerateRecordsQuestionBeforeCompletion(t *testing.T) {
	t.Parallel()

	ep := newScriptedEndpoint("a")
	ep.chatQueue = []chatScript{{resp: "late answer"}}
	fx := newTestPipeline(t, ep)

	// Observed from inside the completion call: the user's question must
	// already be on record, with the answer still pending.
	var turnsAtCallTime []history.Turn
	ep.onChat = func() {
		turnsAtCallTime, _ = fx.store.RecentTurns(context.Background(), "s-order", 10)
	}

	_, err := fx.pipeline.Generate(context.Background(), &datatypes.GenerateRequest{
		SessionID: "s-order",
		Query:     "was I heard?",
	})
	require.NoError(t, err)

	require.Len(t, turnsAtCallTime, 1, "question must be persisted before the model call")
	assert.Equal(t, "was I heard?", turnsAtCallTime[0].Question)
	assert.Empty(t, turnsAtCallTime[0].Answer, "answer cannot exist before the model call")

	turns, err := fx.store.RecentTurns(context.Background(), "s-order", 10)
	require.NoError(t, err)
	require.Len(t, turns, 1)
	assert.Equal(t, "late answer", turns[0].Answer, "answer completes the same turn afterwards")
}

func TestGeneratePersistsTurnAndThreadsHistory(t *testing.T) {
	t.Parallel()

	ep := newScriptedEndpoint("a")
	ep.chatQueue = []chatScript{
		{resp: "first answer"},
		{resp: "second answer"},
	}
	fx := newTestPipeline(t, ep)

	ctx := context.Background()
	_, err := fx.pipeline.Generate(ctx, &datatypes.GenerateRequest{
		SessionID: "s-hist",
		Query:     "first question",
	})
	require.NoError(t, err)

	turns, err := fx.store.RecentTurns(ctx, "s-hist", 10)
	require.NoError(t, err)
	require.Len(t, turns, 1)
	assert.Equal(t, "first question", turns[0].Question)
	assert.Equal(t, "first answer", turns[0].Answer)
	assert.Equal(t, 1, turns[0].TurnNumber)

	_, err = fx.pipeline.Generate(ctx, &datatypes.GenerateRequest{
		SessionID: "s-hist",
		Query:     "second question",
	})
	require.NoError(t, err)

	// The second call sees the first turn as history.
	msgs := ep.lastChatMessages()
	var sawHistory bool
	for _, m := range msgs {
		if m.Role == datatypes.RoleAssistant && m.Content == "first answer" {
			sawHistory = true
		}
	}
	assert.True(t, sawHistory, "first answer missing from second conversation: %+v", msgs)

	turns, _ = fx.store.RecentTurns(ctx, "s-hist", 10)
	require.Len(t, turns, 2)
	assert.Equal(t, 2, turns[1].TurnNumber)
}

func TestGenerateAssignsSessionID(t *testing.T) {
	t.Parallel()

	ep := newScriptedEndpoint("a")
	fx := newTestPipeline(t, ep)

	result, err := fx.pipeline.Generate(context.Background(), &datatypes.GenerateRequest{Query: "q"})
	require.NoError(t, err)
	require.NotEmpty(t, result.SessionID, "blank session id must be replaced")

	turns, _ := fx.store.RecentTurns(context.Background(), result.SessionID, 10)
	assert.Len(t, turns, 1, "turn not persisted under generated session id")
}

func TestGenerateStreamRelaysAndPersists(t *testing.T) {
	t.Parallel()

	ep := newScriptedEndpoint("a")
	ep.streamQueue = []streamScript{{chunks: []string{"streamed ", "answer"}}}
	fx := newTestPipeline(t, ep)

	sink := &collectSink{}
	result := fx.pipeline.GenerateStream(context.Background(), &datatypes.GenerateRequest{
		SessionID: "s-stream",
		Query:     "q",
	}, sink)

	assert.Equal(t, "streamed answer", sink.joined())
	assert.Equal(t, "streamed answer", result.Answer)
	assert.Equal(t, datatypes.CompletionComplete, result.CompletionState)
	assert.Equal(t, 2, result.TokenCount)

	turns, _ := fx.store.RecentTurns(context.Background(), "s-stream", 10)
	require.Len(t, turns, 1)
	assert.Equal(t, "streamed answer", turns[0].Answer)
}

func TestGenerateStreamImageOnlyDeliversSingleChunk(t *testing.T) {
	t.Parallel()

	ep := newScriptedEndpoint("a")
	ep.describeQueue = []chatScript{{resp: "A lighthouse at dusk."}}
	fx := newTestPipeline(t, ep)

	sink := &collectSink{}
	result := fx.pipeline.GenerateStream(context.Background(), &datatypes.GenerateRequest{
		SessionID: "s-imgstream",
		Query:     "describe this",
		ImageB64:  tinyImage,
	}, sink)

	require.Equal(t, []string{"A lighthouse at dusk."}, sink.chunks, "want the full analysis as one chunk")
	assert.Equal(t, datatypes.CompletionComplete, result.CompletionState)
	assert.Zero(t, ep.streamCallCount(), "image-only request must not open a token stream")
}

func TestGenerateStreamImageFailureWritesDiagnostic(t *testing.T) {
	t.Parallel()

	ep := newScriptedEndpoint("a")
	ep.describeQueue = []chatScript{{err: badRequestErr("a")}}
	fx := newTestPipeline(t, ep)

	sink := &collectSink{}
	result := fx.pipeline.GenerateStream(context.Background(), &datatypes.GenerateRequest{
		SessionID: "s-imgfail",
		Query:     "describe this",
		ImageB64:  tinyImage,
	}, sink)

	require.Equal(t, 1, sink.diagnosticCount())
	assert.Equal(t, datatypes.CompletionError, result.CompletionState)

	turns, _ := fx.store.RecentTurns(context.Background(), "s-imgfail", 10)
	require.Len(t, turns, 1, "diagnostic turn not persisted")
	assert.Contains(t, turns[0].Answer, badRequestAnswer)
}

func TestGenerateHistoryFailureDegrades(t *testing.T) {
	t.Parallel()

	ep := newScriptedEndpoint("a")
	ep.chatQueue = []chatScript{{resp: "ok without history"}}

	pool, err := llm.NewEndpointPool(context.Background(), []llm.Endpoint{ep})
	require.NoError(t, err)
	registry, err := usecase.NewStaticRegistry(usecase.Config{Name: usecase.DefaultName})
	require.NoError(t, err)

	p := NewConversationPipeline(
		pool,
		&fakeSearcher{},
		failingStore{},
		registry,
		NewTokenBudgetEstimator(DefaultTokenBudget),
		nil,
	)

	result, err := p.Generate(context.Background(), &datatypes.GenerateRequest{
		SessionID: "s-nohist",
		Query:     "q",
	})
	require.NoError(t, err)
	assert.Equal(t, "ok without history", result.Answer)
}

// failingStore errors on every operation.
type failingStore struct{}

func (failingStore) AppendTurn(context.Context, history.Turn) error {
	return context.DeadlineExceeded
}

func (failingStore) CompleteTurn(context.Context, string, int, string) error {
	return context.DeadlineExceeded
}

func (failingStore) RecentTurns(context.Context, string, int) ([]history.Turn, error) {
	return nil, context.DeadlineExceeded
}

func (failingStore) TurnCount(context.Context, string) (int, error) {
	return 0, context.DeadlineExceeded
}
