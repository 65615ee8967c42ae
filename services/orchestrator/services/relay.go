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
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/AleutianAI/nia-orchestrator/services/llm"
	"github.com/AleutianAI/nia-orchestrator/services/orchestrator/datatypes"
	"github.com/AleutianAI/nia-orchestrator/services/orchestrator/observability"
)

// continuationPrompt asks the replacement endpoint to resume a partially
// streamed answer without repeating delivered text.
const continuationPrompt = "Continue the previous response exactly where it " +
	"stopped. Do not repeat any text that was already produced and do not " +
	"add any preamble."

// diagnosticExhausted is streamed to the client when no endpoint can
// finish the answer.
const diagnosticExhausted = "All model endpoints failed. Please try again later."

// errClientGone marks a stream aborted because the client disconnected.
var errClientGone = errors.New("client disconnected")

// ChunkSink receives relay output. Implementations write to the client
// transport and must be safe for use from the relay goroutine.
type ChunkSink interface {
	// WriteChunk forwards one model chunk verbatim.
	WriteChunk(text string) error

	// WriteDiagnostic delivers an operator-facing failure message on the
	// same channel as answer text.
	WriteDiagnostic(text string) error
}

// RelayOutcome is handed to the finalization callback exactly once.
type RelayOutcome struct {
	State      datatypes.CompletionState
	Answer     string
	AnswerHash string
	TokenCount int
	Err        error
}

// FinalizeFunc consumes the terminal outcome of one relayed stream.
// Implementations typically persist the turn and record metrics; the
// relay guarantees exactly one invocation per Run regardless of how the
// stream ends.
type FinalizeFunc func(outcome RelayOutcome)

// StreamRelay forwards model chunks to a client as they arrive while
// accumulating the full answer.
//
// # Description
//
// Run drives one upstream stream. Chunks go to the sink immediately; a
// mid-stream retryable failure triggers at most one pool failover, after
// which the conversation is replayed with the partial answer as an
// assistant turn plus a continuation instruction, so the client sees an
// uninterrupted answer. A second failure, or a non-retryable one, emits a
// diagnostic chunk and terminates.
//
// # Termination
//
// Four terminal states exist: success, upstream error, client disconnect,
// and failover exhaustion (reported as error). The finalization callback
// fires exactly once in every case.
type StreamRelay struct {
	pool    *llm.EndpointPool
	metrics *observability.GenerationMetrics
}

// NewStreamRelay builds a relay over the endpoint pool. metrics may be
// nil in tests.
func NewStreamRelay(pool *llm.EndpointPool, metrics *observability.GenerationMetrics) *StreamRelay {
	return &StreamRelay{pool: pool, metrics: metrics}
}

// Run relays one stream and returns its outcome. The returned outcome is
// the same value passed to finalize.
func (r *StreamRelay) Run(
	ctx context.Context,
	messages []datatypes.Message,
	params llm.GenerationParams,
	useCase string,
	sink ChunkSink,
	finalize FinalizeFunc,
) RelayOutcome {
	ctx, span := servicesTracer.Start(ctx, "StreamRelay.Run")
	defer span.End()
	span.SetAttributes(attribute.String("use_case", useCase))

	acc := NewTokenAccumulator()
	defer acc.Destroy()

	var (
		once      sync.Once
		outcome   RelayOutcome
		tokens    atomic.Int64
		firstTok  sync.Once
		startedAt = time.Now()
	)

	r.metrics.StreamStarted()
	defer r.metrics.StreamEnded()

	fire := func(o RelayOutcome) {
		once.Do(func() {
			o.TokenCount = int(tokens.Load())
			if o.Answer == "" && o.State != datatypes.CompletionComplete {
				o.Answer = acc.Snapshot()
			}
			outcome = o
			r.metrics.RecordTokens(useCase, o.TokenCount)
			r.metrics.RecordStreamDuration(string(o.State), time.Since(startedAt).Seconds())
			if finalize != nil {
				finalize(outcome)
			}
		})
	}

	callback := func(ev llm.StreamEvent) error {
		select {
		case <-ctx.Done():
			return errClientGone
		default:
		}
		if ev.Type != llm.StreamEventToken {
			return nil
		}
		firstTok.Do(func() {
			r.metrics.RecordTimeToFirstToken(useCase, time.Since(startedAt).Seconds())
		})
		if err := acc.Write(ev.Content); err != nil {
			return err
		}
		tokens.Add(1)
		return sink.WriteChunk(ev.Content)
	}

	client := r.pool.Current()
	currentMessages := messages
	failedOver := false

	for {
		err := client.ChatStream(ctx, currentMessages, params, callback)
		if err == nil {
			answer, hashStr, ferr := acc.Finalize()
			if ferr != nil {
				span.RecordError(ferr)
			}
			fire(RelayOutcome{
				State:      datatypes.CompletionComplete,
				Answer:     answer,
				AnswerHash: hashStr,
			})
			return outcome
		}

		if errors.Is(err, errClientGone) || llm.IsCanceled(err) {
			slog.Info("client disconnected mid-stream",
				"use_case", useCase,
				"chunks_sent", tokens.Load(),
			)
			fire(RelayOutcome{State: datatypes.CompletionDisconnected, Err: err})
			return outcome
		}

		span.RecordError(err)

		if !llm.IsRetryable(err) || failedOver {
			if failedOver {
				r.metrics.RecordFailover(failoverReason(err), "exhausted")
			}
			r.emitDiagnostic(sink, err)
			span.SetStatus(codes.Error, "stream failed")
			fire(RelayOutcome{State: datatypes.CompletionError, Err: err})
			return outcome
		}

		next, ferr := r.pool.Failover(ctx, client)
		if ferr != nil {
			r.metrics.RecordFailover(failoverReason(err), "exhausted")
			r.emitDiagnostic(sink, ferr)
			span.SetStatus(codes.Error, "endpoints exhausted")
			fire(RelayOutcome{State: datatypes.CompletionError, Err: ferr})
			return outcome
		}

		r.metrics.RecordFailover(failoverReason(err), "recovered")
		slog.Warn("mid-stream failover",
			"error", err,
			"next_endpoint", next.Name(),
			"partial_bytes", acc.Len(),
		)

		// Replay the conversation with the partial answer so the
		// replacement endpoint continues the same sentence.
		if partial := acc.Snapshot(); partial != "" {
			currentMessages = append(append([]datatypes.Message{}, messages...),
				datatypes.Message{Role: datatypes.RoleAssistant, Content: partial},
				datatypes.Message{Role: datatypes.RoleUser, Content: continuationPrompt},
			)
		}
		client = next
		failedOver = true
	}
}

// emitDiagnostic best-effort delivers the failure to the client; the
// transport may already be gone.
func (r *StreamRelay) emitDiagnostic(sink ChunkSink, err error) {
	msg := diagnosticExhausted + "\n\nException Details: " + err.Error()
	if werr := sink.WriteDiagnostic(msg); werr != nil {
		slog.Debug("diagnostic chunk not delivered", "error", werr)
	}
}

func failoverReason(err error) string {
	if llm.Classify(err) == llm.KindRateLimit {
		return "rate_limit"
	}
	return "connectivity"
}
