// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"encoding/json"
	"log"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/AleutianAI/nia-orchestrator/services/llm"
	"github.com/AleutianAI/nia-orchestrator/services/orchestrator/history"
	"github.com/AleutianAI/nia-orchestrator/services/orchestrator/observability"
	"github.com/AleutianAI/nia-orchestrator/services/orchestrator/routes"
	"github.com/AleutianAI/nia-orchestrator/services/orchestrator/services"
	"github.com/AleutianAI/nia-orchestrator/services/orchestrator/usecase"

	// --- OpenTelemetry imports ---
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"google.golang.org/grpc"
)

func initTracer() (func(context.Context), error) {
	ctx := context.Background()

	otelEndpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if otelEndpoint == "" {
		otelEndpoint = "nia-otel-collector:4317"
	}
	conn, err := grpc.NewClient(otelEndpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}
	traceExporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, err
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String("nia-orchestrator")))
	if err != nil {
		return nil, err
	}
	bsp := sdktrace.NewBatchSpanProcessor(traceExporter)
	traceProvider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(bsp))
	otel.SetTracerProvider(traceProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.
		TraceContext{}, propagation.Baggage{}))

	return func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, time.Second*5)
		defer cancel()
		if err := traceExporter.Shutdown(ctx); err != nil {
			slog.Error("failed to shutdown OTLP exporter", "error", err)
		}
	}, nil
}

// loadEndpoints parses NIA_ENDPOINTS, a JSON array of endpoint configs:
//
//	[{"name":"east","base_url":"https://...","api_key":"...","deployment":"gpt-4o"}]
func loadEndpoints() ([]llm.EndpointConfig, error) {
	raw := strings.Trim(os.Getenv("NIA_ENDPOINTS"), "\"' ")
	if raw == "" {
		return nil, nil
	}
	var configs []llm.EndpointConfig
	if err := json.Unmarshal([]byte(raw), &configs); err != nil {
		return nil, err
	}
	return configs, nil
}

// buildHistoryStore returns a Weaviate-backed store when
// WEAVIATE_SERVICE_URL is set and valid, an in-memory store otherwise.
func buildHistoryStore() history.Store {
	weaviateURL := strings.Trim(os.Getenv("WEAVIATE_SERVICE_URL"), "\"' ")
	if weaviateURL == "" || !strings.Contains(weaviateURL, "http") {
		slog.Info("WEAVIATE_SERVICE_URL not set, conversation history is in-memory only")
		return history.NewMemoryStore()
	}

	parsedURL, err := url.Parse(weaviateURL)
	if err != nil || parsedURL.Scheme == "" || parsedURL.Host == "" {
		slog.Warn("WEAVIATE_SERVICE_URL is invalid, conversation history is in-memory only",
			"url", weaviateURL, "error", err)
		return history.NewMemoryStore()
	}

	client, err := weaviate.NewClient(weaviate.Config{
		Host:   parsedURL.Host,
		Scheme: parsedURL.Scheme,
	})
	if err != nil {
		slog.Error("failed to create Weaviate client, conversation history is in-memory only",
			"error", err)
		return history.NewMemoryStore()
	}

	store := history.NewWeaviateStore(client)
	if err := store.EnsureSchema(context.Background()); err != nil {
		slog.Error("failed to ensure Weaviate schema, conversation history is in-memory only",
			"error", err)
		return history.NewMemoryStore()
	}
	return store
}

// buildRegistry loads the use case registry from USE_CASE_CONFIG_PATH and
// starts the hot-reload watcher; without the env var a bare default
// registry is used.
func buildRegistry(ctx context.Context) (*usecase.Registry, error) {
	path := os.Getenv("USE_CASE_CONFIG_PATH")
	if path == "" {
		slog.Info("USE_CASE_CONFIG_PATH not set, using built-in default use case")
		return usecase.NewStaticRegistry(usecase.Config{Name: usecase.DefaultName})
	}
	registry, err := usecase.NewRegistry(path)
	if err != nil {
		return nil, err
	}
	go func() {
		if err := registry.Watch(ctx); err != nil {
			slog.Error("use case config watcher stopped", "error", err)
		}
	}()
	return registry, nil
}

func main() {
	port := os.Getenv("ORCHESTRATOR_PORT")
	if port == "" {
		port = "12210"
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	// --- Init the tracer ---
	cleanup, err := initTracer()
	if err != nil {
		log.Fatalf("failed to setup the OTLP tracer: %v", err)
	}
	defer cleanup(context.Background())

	metrics := observability.InitMetrics()

	configs, err := loadEndpoints()
	if err != nil {
		log.Fatalf("FATAL: could not parse NIA_ENDPOINTS: %v", err)
	}
	if len(configs) == 0 {
		log.Fatal("FATAL: NIA_ENDPOINTS is not set; at least one model endpoint is required")
	}

	endpoints := llm.NewAzureEndpoints(configs)

	// Refuse to start with zero healthy endpoints; a pool that cannot
	// serve a single request is a deployment error, not a runtime one.
	startupCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	pool, err := llm.NewEndpointPool(startupCtx, endpoints,
		llm.WithHealthListener(metrics.SetEndpointHealth))
	cancel()
	if err != nil {
		log.Fatalf("FATAL: no healthy model endpoints at startup: %v", err)
	}

	registry, err := buildRegistry(context.Background())
	if err != nil {
		log.Fatalf("FATAL: could not load the use case registry: %v", err)
	}

	store := buildHistoryStore()

	retrievalURL := os.Getenv("RETRIEVAL_SERVICE_URL")
	if retrievalURL == "" {
		retrievalURL = "http://nia-retrieval:12220"
		slog.Warn("RETRIEVAL_SERVICE_URL not set, using default", "url", retrievalURL)
	}
	searcher := services.NewHTTPSearcher(retrievalURL, func(useCase string) ([]string, int) {
		cfg := registry.Get(useCase)
		return cfg.FieldsToSelect, cfg.DocumentCount
	})

	pipeline := services.NewConversationPipeline(
		pool,
		searcher,
		store,
		registry,
		services.NewTokenBudgetEstimator(services.DefaultTokenBudget),
		metrics,
	)

	router := gin.Default()
	router.Use(otelgin.Middleware("nia-orchestrator"))

	routes.SetupRoutes(router, pipeline, pool, store, registry, metrics, nil)

	log.Println("Starting the orchestrator server on port ", port)
	if err := router.Run(":" + port); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}
