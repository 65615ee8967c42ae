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
	"errors"
	"fmt"
	"net"

	openai "github.com/sashabaranov/go-openai"
)

// ErrorKind buckets backend failures by how the caller should react.
type ErrorKind int

const (
	// KindUnknown covers errors that fit no other bucket. Not retried.
	KindUnknown ErrorKind = iota

	// KindConnectivity covers dial failures, timeouts, resets and 5xx
	// responses from the upstream. Retried on the next endpoint.
	KindConnectivity

	// KindRateLimit covers HTTP 429. Retried on the next endpoint.
	KindRateLimit

	// KindBadRequest covers 400/404/422 class failures. The request
	// itself is defective; never retried and never failed over.
	KindBadRequest

	// KindCanceled covers context cancellation and deadline expiry.
	// The caller is gone; never retried.
	KindCanceled
)

// ErrAllEndpointsDown is returned by the pool when a full failover lap
// finds no healthy endpoint. Fatal for the current request only.
var ErrAllEndpointsDown = errors.New("all model endpoints failed")

// ErrNoHealthyEndpoints is returned at startup when every configured
// endpoint fails its probe. The service must not start in this state.
var ErrNoHealthyEndpoints = errors.New("no configured endpoint passed its startup probe")

// BackendError wraps an upstream failure with the endpoint it came from
// and its classification.
type BackendError struct {
	Endpoint   string
	Kind       ErrorKind
	StatusCode int
	Err        error
}

func (e *BackendError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("endpoint %s: status %d: %v", e.Endpoint, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("endpoint %s: %v", e.Endpoint, e.Err)
}

func (e *BackendError) Unwrap() error { return e.Err }

// Classify maps an arbitrary error from a backend call to an ErrorKind.
//
// Context errors are checked first: a canceled caller must never trigger
// a failover. OpenAI API errors are bucketed by status code, transport
// errors by net.Error semantics. Anything unrecognized is KindUnknown.
func Classify(err error) ErrorKind {
	if err == nil {
		return KindUnknown
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindCanceled
	}

	var be *BackendError
	if errors.As(err, &be) {
		return be.Kind
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return classifyStatus(apiErr.HTTPStatusCode)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return classifyStatus(reqErr.HTTPStatusCode)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindConnectivity
	}

	return KindUnknown
}

func classifyStatus(status int) ErrorKind {
	switch {
	case status == 429:
		return KindRateLimit
	case status >= 500:
		return KindConnectivity
	case status == 400 || status == 404 || status == 422:
		return KindBadRequest
	case status >= 401 && status < 500:
		return KindBadRequest
	default:
		return KindUnknown
	}
}

// IsRetryable reports whether the failure warrants one failover and one
// retry against the next endpoint.
func IsRetryable(err error) bool {
	switch Classify(err) {
	case KindConnectivity, KindRateLimit:
		return true
	default:
		return false
	}
}

// IsBadRequest reports whether the failure is the caller's fault and must
// short-circuit without any retry.
func IsBadRequest(err error) bool {
	return Classify(err) == KindBadRequest
}

// IsCanceled reports whether the failure is caller cancellation.
func IsCanceled(err error) bool {
	return Classify(err) == KindCanceled
}

// wrapBackendError classifies and tags an error with its endpoint of
// origin, preserving the original for errors.Is/As chains.
func wrapBackendError(endpoint string, err error) error {
	if err == nil {
		return nil
	}
	status := 0
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		status = apiErr.HTTPStatusCode
	} else {
		var reqErr *openai.RequestError
		if errors.As(err, &reqErr) {
			status = reqErr.HTTPStatusCode
		}
	}
	return &BackendError{
		Endpoint:   endpoint,
		Kind:       Classify(err),
		StatusCode: status,
		Err:        err,
	}
}
