// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package usecase holds the per-tenant prompt and model configuration.
//
// Each use case names a prompt template, retrieval settings, and model
// sampling parameters. The registry is loaded from YAML at startup and
// hot-reloaded when the file changes, so prompt tuning does not require
// a redeploy.
package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// DefaultName is the registry entry used when a request names no use
// case or an unknown one.
const DefaultName = "default"

// Placeholders recognized inside prompt templates.
const (
	PlaceholderQuery             = "{query}"
	PlaceholderSources           = "{sources}"
	PlaceholderAdditionalSources = "{additional_sources}"
)

// ModelConfiguration carries per-use-case sampling settings. Zero values
// mean "backend default"; pointers are not used here because the YAML
// author always states the values they care about.
type ModelConfiguration struct {
	MaxTokens        int     `yaml:"max_tokens" json:"max_tokens"`
	Temperature      float32 `yaml:"temperature" json:"temperature"`
	TopP             float32 `yaml:"top_p" json:"top_p"`
	FrequencyPenalty float32 `yaml:"frequency_penalty" json:"frequency_penalty"`
	PresencePenalty  float32 `yaml:"presence_penalty" json:"presence_penalty"`
}

// Config is one use case entry.
type Config struct {
	Name           string             `yaml:"name" json:"name"`
	SystemPrompt   string             `yaml:"system_prompt" json:"system_prompt"`
	PromptTemplate string             `yaml:"prompt_template" json:"prompt_template"`
	FieldsToSelect []string           `yaml:"fields_to_select" json:"fields_to_select"`
	DocumentCount  int                `yaml:"document_count" json:"document_count"`
	UseRAG         bool               `yaml:"use_rag" json:"use_rag"`
	Model          ModelConfiguration `yaml:"model_configuration" json:"model_configuration"`
}

// BuildPrompt fills the template placeholders. Missing placeholders are
// left alone; a template without {query} gets the query appended so the
// question is never silently dropped.
func (c *Config) BuildPrompt(query, sources, additionalSources string) string {
	r := strings.NewReplacer(
		PlaceholderQuery, query,
		PlaceholderSources, sources,
		PlaceholderAdditionalSources, additionalSources,
	)
	out := r.Replace(c.PromptTemplate)
	if !strings.Contains(c.PromptTemplate, PlaceholderQuery) {
		out = out + "\n\n" + query
	}
	return out
}

// file is the on-disk YAML shape.
type file struct {
	UseCases []Config `yaml:"use_cases"`
}

// Registry is a concurrency-safe view over the loaded use cases.
type Registry struct {
	mu    sync.RWMutex
	cases map[string]Config
	path  string
}

// NewRegistry loads the registry from path. The file must contain a
// "default" entry; every lookup falls back to it.
func NewRegistry(path string) (*Registry, error) {
	r := &Registry{path: path}
	if err := r.reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// NewStaticRegistry builds a registry from in-memory configs. Used by
// tests and by deployments that bake configuration into the binary.
func NewStaticRegistry(cfgs ...Config) (*Registry, error) {
	r := &Registry{cases: map[string]Config{}}
	for _, cfg := range cfgs {
		r.cases[cfg.Name] = cfg
	}
	if _, ok := r.cases[DefaultName]; !ok {
		return nil, fmt.Errorf("use case registry: missing %q entry", DefaultName)
	}
	return r, nil
}

func (r *Registry) reload() error {
	data, err := os.ReadFile(r.path)
	if err != nil {
		return fmt.Errorf("read use case config: %w", err)
	}
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("parse use case config: %w", err)
	}

	cases := make(map[string]Config, len(f.UseCases))
	for _, cfg := range f.UseCases {
		if cfg.Name == "" {
			return fmt.Errorf("use case config: entry with empty name")
		}
		cases[cfg.Name] = cfg
	}
	if _, ok := cases[DefaultName]; !ok {
		return fmt.Errorf("use case config: missing %q entry", DefaultName)
	}

	r.mu.Lock()
	r.cases = cases
	r.mu.Unlock()

	slog.Info("use case registry loaded", "path", r.path, "use_cases", len(cases))
	return nil
}

// Get returns the configuration for name, falling back to the default
// entry for blank or unknown names.
func (r *Registry) Get(name string) Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if cfg, ok := r.cases[name]; ok {
		return cfg
	}
	return r.cases[DefaultName]
}

// GetPromptTemplate returns the prompt template for name.
func (r *Registry) GetPromptTemplate(name string) string {
	return r.Get(name).PromptTemplate
}

// Names returns the loaded use case names, for diagnostics.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.cases))
	for name := range r.cases {
		names = append(names, name)
	}
	return names
}

// Watch hot-reloads the registry when the backing file changes. It
// blocks until ctx is done and is intended to run in its own goroutine.
// A reload failure keeps the previous configuration.
func (r *Registry) Watch(ctx context.Context) error {
	if r.path == "" {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("use case watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(r.path); err != nil {
		return fmt.Errorf("use case watcher add: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if err := r.reload(); err != nil {
				slog.Error("use case registry reload failed, keeping previous config",
					"path", r.path,
					"error", err,
				)
			}
		case werr, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("use case watcher error", "error", werr)
		}
	}
}
