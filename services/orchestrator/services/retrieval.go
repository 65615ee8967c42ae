// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package services implements the generation pipeline: retrieval,
// function routing, stream relay, and budget enforcement.
package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var servicesTracer = otel.Tracer("nia.orchestrator.services")

const (
	// maxSearchRetries is the number of retries after the initial attempt.
	maxSearchRetries = 2

	// initialSearchBackoff doubles on each retry.
	initialSearchBackoff = 1 * time.Second
)

// SearchResult is the retrieval outcome fed into prompt templates.
type SearchResult struct {
	// Sources is the formatted primary document text.
	Sources string `json:"sources"`

	// AdditionalSources is extra context returned only when the routing
	// decision asked for it.
	AdditionalSources string `json:"additional_sources"`

	// DocumentCount is how many documents contributed to Sources.
	DocumentCount int `json:"document_count"`
}

// DocumentSearcher is the retrieval collaborator.
type DocumentSearcher interface {
	// Search fetches grounding documents for a routed query. useCase
	// selects the index configuration; extraData requests supplementary
	// context alongside the primary sources.
	Search(ctx context.Context, query, useCase string, extraData bool) (*SearchResult, error)
}

// searchRequest is the wire shape sent to the retrieval service.
type searchRequest struct {
	Query          string   `json:"query"`
	UseCase        string   `json:"use_case"`
	FieldsToSelect []string `json:"fields_to_select,omitempty"`
	DocumentCount  int      `json:"document_count,omitempty"`
	GetExtraData   bool     `json:"get_extra_data"`
}

// HTTPSearcher calls the retrieval service's search endpoint with bounded
// retries. Transient upstream failures (502/503/504, network errors) are
// retried with exponential backoff; anything else fails immediately.
type HTTPSearcher struct {
	baseURL string
	client  *http.Client

	fieldsFor func(useCase string) ([]string, int)
}

var _ DocumentSearcher = (*HTTPSearcher)(nil)

// NewHTTPSearcher builds a searcher against baseURL. fieldsFor, when
// non-nil, supplies per-use-case field selection and document count.
func NewHTTPSearcher(baseURL string, fieldsFor func(useCase string) ([]string, int)) *HTTPSearcher {
	return &HTTPSearcher{
		baseURL:   strings.TrimSuffix(baseURL, "/"),
		client:    &http.Client{Timeout: 30 * time.Second},
		fieldsFor: fieldsFor,
	}
}

// Search retries transient failures up to maxSearchRetries times.
func (s *HTTPSearcher) Search(ctx context.Context, query, useCase string, extraData bool) (*SearchResult, error) {
	ctx, span := servicesTracer.Start(ctx, "HTTPSearcher.Search")
	defer span.End()
	span.SetAttributes(
		attribute.String("search.use_case", useCase),
		attribute.Bool("search.extra_data", extraData),
	)

	if query == "" {
		err := fmt.Errorf("query is required")
		span.RecordError(err)
		span.SetStatus(codes.Error, "empty query")
		return nil, err
	}

	req := &searchRequest{
		Query:        query,
		UseCase:      useCase,
		GetExtraData: extraData,
	}
	if s.fieldsFor != nil {
		req.FieldsToSelect, req.DocumentCount = s.fieldsFor(useCase)
	}

	backoff := initialSearchBackoff
	var lastErr error
	for attempt := 0; attempt <= maxSearchRetries; attempt++ {
		if attempt > 0 {
			slog.Warn("retrying document search",
				"attempt", attempt,
				"backoff", backoff,
				"error", lastErr,
			)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		result, err := s.callSearchEndpoint(ctx, req)
		if err == nil {
			span.SetAttributes(attribute.Int("search.documents", result.DocumentCount))
			return result, nil
		}
		lastErr = err
		if !isRetryableSearchError(err) {
			break
		}
	}

	span.RecordError(lastErr)
	span.SetStatus(codes.Error, "search failed")
	return nil, lastErr
}

func (s *HTTPSearcher) callSearchEndpoint(ctx context.Context, req *searchRequest) (*SearchResult, error) {
	searchURL := s.baseURL + "/v1/search"

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal search request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, searchURL, bytes.NewBuffer(payload))
	if err != nil {
		return nil, fmt.Errorf("create search request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("search request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read search response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &SearchError{
			StatusCode: resp.StatusCode,
			Message:    string(body),
			Retryable:  isRetryableStatusCode(resp.StatusCode),
		}
	}

	var result SearchResult
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("parse search response: %w", err)
	}
	return &result, nil
}

// isRetryableStatusCode treats gateway-class failures as transient.
func isRetryableStatusCode(statusCode int) bool {
	switch statusCode {
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

// isRetryableSearchError decides whether another attempt can help.
// Context errors are final: the caller is gone or out of time.
func isRetryableSearchError(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var searchErr *SearchError
	if errors.As(err, &searchErr) {
		return searchErr.Retryable
	}
	// Network-level failures (dial refused, reset) surface as wrapped
	// url.Error values; assume transient.
	return true
}

// SearchError is an HTTP-level failure from the retrieval service.
type SearchError struct {
	StatusCode int
	Message    string
	Retryable  bool
}

func (e *SearchError) Error() string {
	return fmt.Sprintf("search failed with status %d: %s", e.StatusCode, e.Message)
}

// IsSearchError reports whether err is a retrieval-service HTTP failure.
func IsSearchError(err error) bool {
	var searchErr *SearchError
	return errors.As(err, &searchErr)
}
