// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides Prometheus metrics for the orchestrator.
//
// Metrics cover the generation pipeline: request outcomes, endpoint
// failovers and health, stream latencies, token throughput, and which
// extraction strategy recovered each response. Exposed on /metrics.
//
// All operations are thread-safe via Prometheus's internal locking.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Namespace for all metrics.
const metricsNamespace = "nia"

const generationSubsystem = "generation"

// GenerationMetrics holds all Prometheus metrics for the generation
// pipeline. Initialize once at startup via InitMetrics().
type GenerationMetrics struct {
	// RequestsTotal counts generation requests.
	// Labels: route (generate, generate_stream), use_case, status.
	RequestsTotal *prometheus.CounterVec

	// FailoversTotal counts endpoint failovers.
	// Labels: reason (connectivity, rate_limit), outcome (recovered, exhausted).
	FailoversTotal *prometheus.CounterVec

	// EndpointHealthy reports last observed endpoint health (1/0).
	// Labels: endpoint.
	EndpointHealthy *prometheus.GaugeVec

	// TokensTotal counts streamed output tokens. Labels: use_case.
	TokensTotal *prometheus.CounterVec

	// TimeToFirstTokenSeconds measures latency to first streamed chunk.
	TimeToFirstTokenSeconds *prometheus.HistogramVec

	// StreamDurationSeconds measures total stream duration.
	// Labels: status (complete, error, client_disconnect).
	StreamDurationSeconds *prometheus.HistogramVec

	// ActiveStreams gauges streams currently in flight.
	ActiveStreams prometheus.Gauge

	// ExtractionsTotal counts responses by extraction strategy, making
	// parse drift visible. Labels: strategy.
	ExtractionsTotal *prometheus.CounterVec
}

// InitMetrics registers all pipeline metrics with the default registry.
// Call exactly once per process.
func InitMetrics() *GenerationMetrics {
	return &GenerationMetrics{
		RequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: generationSubsystem,
				Name:      "requests_total",
				Help:      "Generation requests by route, use case, and status.",
			},
			[]string{"route", "use_case", "status"},
		),
		FailoversTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: generationSubsystem,
				Name:      "failovers_total",
				Help:      "Endpoint failovers by reason and outcome.",
			},
			[]string{"reason", "outcome"},
		),
		EndpointHealthy: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: generationSubsystem,
				Name:      "endpoint_healthy",
				Help:      "Last observed endpoint health (1 healthy, 0 unhealthy).",
			},
			[]string{"endpoint"},
		),
		TokensTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: generationSubsystem,
				Name:      "tokens_total",
				Help:      "Streamed output tokens by use case.",
			},
			[]string{"use_case"},
		),
		TimeToFirstTokenSeconds: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: generationSubsystem,
				Name:      "time_to_first_token_seconds",
				Help:      "Latency from request start to first streamed chunk.",
				Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"use_case"},
		),
		StreamDurationSeconds: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: generationSubsystem,
				Name:      "stream_duration_seconds",
				Help:      "Total stream duration by terminal state.",
				Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
			},
			[]string{"status"},
		),
		ActiveStreams: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: generationSubsystem,
				Name:      "active_streams",
				Help:      "Streams currently in flight.",
			},
		),
		ExtractionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: generationSubsystem,
				Name:      "extractions_total",
				Help:      "Responses by extraction strategy.",
			},
			[]string{"strategy"},
		),
	}
}

// RecordRequest counts one finished request.
func (m *GenerationMetrics) RecordRequest(route, useCase, status string) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(route, useCase, status).Inc()
}

// RecordFailover counts one failover attempt.
func (m *GenerationMetrics) RecordFailover(reason, outcome string) {
	if m == nil {
		return
	}
	m.FailoversTotal.WithLabelValues(reason, outcome).Inc()
}

// SetEndpointHealth updates the per-endpoint health gauge.
func (m *GenerationMetrics) SetEndpointHealth(endpoint string, healthy bool) {
	if m == nil {
		return
	}
	v := 0.0
	if healthy {
		v = 1.0
	}
	m.EndpointHealthy.WithLabelValues(endpoint).Set(v)
}

// RecordTokens adds streamed token counts for a use case.
func (m *GenerationMetrics) RecordTokens(useCase string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.TokensTotal.WithLabelValues(useCase).Add(float64(n))
}

// RecordTimeToFirstToken observes first-chunk latency.
func (m *GenerationMetrics) RecordTimeToFirstToken(useCase string, seconds float64) {
	if m == nil {
		return
	}
	m.TimeToFirstTokenSeconds.WithLabelValues(useCase).Observe(seconds)
}

// RecordStreamDuration observes total stream duration by terminal state.
func (m *GenerationMetrics) RecordStreamDuration(status string, seconds float64) {
	if m == nil {
		return
	}
	m.StreamDurationSeconds.WithLabelValues(status).Observe(seconds)
}

// StreamStarted increments the active stream gauge.
func (m *GenerationMetrics) StreamStarted() {
	if m == nil {
		return
	}
	m.ActiveStreams.Inc()
}

// StreamEnded decrements the active stream gauge.
func (m *GenerationMetrics) StreamEnded() {
	if m == nil {
		return
	}
	m.ActiveStreams.Dec()
}

// RecordExtraction counts which strategy recovered a response.
func (m *GenerationMetrics) RecordExtraction(strategy string) {
	if m == nil {
		return
	}
	m.ExtractionsTotal.WithLabelValues(strategy).Inc()
}
