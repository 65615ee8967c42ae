// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package history

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

// conversationClass is the Weaviate class holding session turns.
const conversationClass = "NiaConversationTurn"

var tracer = otel.Tracer("nia.orchestrator.history")

// WeaviateStore persists turns in a Weaviate class. Turns are stored as
// plain objects with no vectorization; lookup is always by session id.
type WeaviateStore struct {
	client *weaviate.Client
}

var _ Store = (*WeaviateStore)(nil)

// NewWeaviateStore wraps an existing client.
func NewWeaviateStore(client *weaviate.Client) *WeaviateStore {
	return &WeaviateStore{client: client}
}

// EnsureSchema creates the conversation class when it does not exist.
// Safe to call at every startup.
func (s *WeaviateStore) EnsureSchema(ctx context.Context) error {
	exists, err := s.client.Schema().ClassExistenceChecker().
		WithClassName(conversationClass).
		Do(ctx)
	if err != nil {
		return fmt.Errorf("check %s class: %w", conversationClass, err)
	}
	if exists {
		return nil
	}

	class := &models.Class{
		Class:      conversationClass,
		Vectorizer: "none",
		Properties: []*models.Property{
			{Name: "session_id", DataType: []string{"text"}},
			{Name: "turn_number", DataType: []string{"int"}},
			{Name: "question", DataType: []string{"text"}},
			{Name: "answer", DataType: []string{"text"}},
			{Name: "timestamp", DataType: []string{"date"}},
		},
	}
	if err := s.client.Schema().ClassCreator().WithClass(class).Do(ctx); err != nil {
		return fmt.Errorf("create %s class: %w", conversationClass, err)
	}
	slog.Info("created conversation schema", "class", conversationClass)
	return nil
}

// turnObjectID derives a stable object id from the turn's identity so a
// later CompleteTurn can address the same object.
func turnObjectID(sessionID string, turnNumber int) string {
	return uuid.NewSHA1(uuid.NameSpaceOID,
		[]byte(fmt.Sprintf("%s/%d", sessionID, turnNumber))).String()
}

// AppendTurn writes one turn as a new object keyed by its session and
// turn number.
func (s *WeaviateStore) AppendTurn(ctx context.Context, turn Turn) error {
	ctx, span := tracer.Start(ctx, "WeaviateStore.AppendTurn")
	defer span.End()
	span.SetAttributes(
		attribute.String("session_id", turn.SessionID),
		attribute.Int("turn_number", turn.TurnNumber),
	)

	if turn.Timestamp.IsZero() {
		turn.Timestamp = time.Now().UTC()
	}

	properties := map[string]interface{}{
		"session_id":  turn.SessionID,
		"turn_number": turn.TurnNumber,
		"question":    turn.Question,
		"answer":      turn.Answer,
		"timestamp":   turn.Timestamp.Format(time.RFC3339),
	}

	_, err := s.client.Data().Creator().
		WithClassName(conversationClass).
		WithID(turnObjectID(turn.SessionID, turn.TurnNumber)).
		WithProperties(properties).
		Do(ctx)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("persist turn: %w", err)
	}

	slog.Debug("conversation turn persisted",
		"session_id", turn.SessionID,
		"turn_number", turn.TurnNumber,
	)
	return nil
}

// CompleteTurn merges the finalized answer into the turn object written
// by AppendTurn.
func (s *WeaviateStore) CompleteTurn(ctx context.Context, sessionID string, turnNumber int, answer string) error {
	ctx, span := tracer.Start(ctx, "WeaviateStore.CompleteTurn")
	defer span.End()
	span.SetAttributes(
		attribute.String("session_id", sessionID),
		attribute.Int("turn_number", turnNumber),
	)

	err := s.client.Data().Updater().
		WithClassName(conversationClass).
		WithID(turnObjectID(sessionID, turnNumber)).
		WithProperties(map[string]interface{}{"answer": answer}).
		WithMerge().
		Do(ctx)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("complete turn: %w", err)
	}
	return nil
}

// weaviateTurn mirrors the GraphQL response shape for one object.
type weaviateTurn struct {
	SessionID  string `json:"session_id"`
	TurnNumber int    `json:"turn_number"`
	Question   string `json:"question"`
	Answer     string `json:"answer"`
	Timestamp  string `json:"timestamp"`
}

// weaviateTurnResponse is the typed envelope for Get queries. Marshal to
// JSON and back rather than walking map[string]interface{} by hand.
type weaviateTurnResponse struct {
	Get struct {
		NiaConversationTurn []weaviateTurn `json:"NiaConversationTurn"`
	} `json:"Get"`
}

// RecentTurns loads up to limit turns for the session, oldest first.
func (s *WeaviateStore) RecentTurns(ctx context.Context, sessionID string, limit int) ([]Turn, error) {
	ctx, span := tracer.Start(ctx, "WeaviateStore.RecentTurns")
	defer span.End()
	span.SetAttributes(attribute.String("session_id", sessionID))

	if sessionID == "" {
		return nil, nil
	}

	fields := []graphql.Field{
		{Name: "session_id"},
		{Name: "turn_number"},
		{Name: "question"},
		{Name: "answer"},
		{Name: "timestamp"},
	}
	whereFilter := filters.Where().
		WithPath([]string{"session_id"}).
		WithOperator(filters.Equal).
		WithValueString(sessionID)
	sortBy := graphql.Sort{
		Path:  []string{"turn_number"},
		Order: graphql.Desc,
	}

	result, err := s.client.GraphQL().Get().
		WithClassName(conversationClass).
		WithWhere(whereFilter).
		WithSort(sortBy).
		WithLimit(limit).
		WithFields(fields...).
		Do(ctx)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("query session history: %w", err)
	}

	jsonBytes, err := json.Marshal(result.Data)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("marshal history response: %w", err)
	}
	var typed weaviateTurnResponse
	if err := json.Unmarshal(jsonBytes, &typed); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("unmarshal history response: %w", err)
	}

	// Query is newest-first to honor the limit; flip to oldest-first for
	// prompt assembly.
	raw := typed.Get.NiaConversationTurn
	turns := make([]Turn, 0, len(raw))
	for i := len(raw) - 1; i >= 0; i-- {
		wt := raw[i]
		ts, _ := time.Parse(time.RFC3339, wt.Timestamp)
		turns = append(turns, Turn{
			SessionID:  wt.SessionID,
			TurnNumber: wt.TurnNumber,
			Question:   wt.Question,
			Answer:     wt.Answer,
			Timestamp:  ts,
		})
	}

	span.SetAttributes(attribute.Int("turns_loaded", len(turns)))
	return turns, nil
}

// weaviateCountResponse is the typed envelope for Aggregate queries.
type weaviateCountResponse struct {
	Aggregate struct {
		NiaConversationTurn []struct {
			Meta struct {
				Count int `json:"count"`
			} `json:"meta"`
		} `json:"NiaConversationTurn"`
	} `json:"Aggregate"`
}

// TurnCount counts persisted turns for the session.
func (s *WeaviateStore) TurnCount(ctx context.Context, sessionID string) (int, error) {
	ctx, span := tracer.Start(ctx, "WeaviateStore.TurnCount")
	defer span.End()

	whereFilter := filters.Where().
		WithPath([]string{"session_id"}).
		WithOperator(filters.Equal).
		WithValueString(sessionID)

	result, err := s.client.GraphQL().Aggregate().
		WithClassName(conversationClass).
		WithWhere(whereFilter).
		WithFields(graphql.Field{
			Name:   "meta",
			Fields: []graphql.Field{{Name: "count"}},
		}).
		Do(ctx)
	if err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("count session turns: %w", err)
	}

	jsonBytes, err := json.Marshal(result.Data)
	if err != nil {
		return 0, fmt.Errorf("marshal count response: %w", err)
	}
	var typed weaviateCountResponse
	if err := json.Unmarshal(jsonBytes, &typed); err != nil {
		return 0, fmt.Errorf("unmarshal count response: %w", err)
	}
	if len(typed.Aggregate.NiaConversationTurn) == 0 {
		return 0, nil
	}
	return typed.Aggregate.NiaConversationTurn[0].Meta.Count, nil
}
