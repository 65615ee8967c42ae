// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package usecase

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const testYAML = `
use_cases:
  - name: default
    system_prompt: "You are a helpful assistant."
    prompt_template: "Answer the question.\n\nQuestion: {query}\n\nSources:\n{sources}"
    document_count: 5
    use_rag: true
    model_configuration:
      max_tokens: 800
      temperature: 0.2
      top_p: 0.9
  - name: operations
    system_prompt: "You answer operations questions."
    prompt_template: "Q: {query}\nContext: {sources}\nExtra: {additional_sources}"
    fields_to_select: [title, content]
    document_count: 3
    use_rag: true
    model_configuration:
      max_tokens: 400
      temperature: 0.0
      top_p: 1.0
`

func writeTestConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "use_cases.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestNewRegistryLoadsYAML(t *testing.T) {
	t.Parallel()

	reg, err := NewRegistry(writeTestConfig(t, testYAML))
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}

	ops := reg.Get("operations")
	if ops.DocumentCount != 3 || !ops.UseRAG {
		t.Errorf("unexpected operations config: %+v", ops)
	}
	if ops.Model.MaxTokens != 400 {
		t.Errorf("max_tokens = %d, want 400", ops.Model.MaxTokens)
	}
	if len(reg.Names()) != 2 {
		t.Errorf("names = %v", reg.Names())
	}
}

func TestRegistryFallsBackToDefault(t *testing.T) {
	t.Parallel()

	reg, err := NewRegistry(writeTestConfig(t, testYAML))
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}

	for _, name := range []string{"", "nonexistent"} {
		cfg := reg.Get(name)
		if cfg.Name != DefaultName {
			t.Errorf("Get(%q) resolved %q, want default", name, cfg.Name)
		}
	}
	if tmpl := reg.GetPromptTemplate("nonexistent"); !strings.Contains(tmpl, "{query}") {
		t.Errorf("fallback template missing query placeholder: %q", tmpl)
	}
}

func TestNewRegistryRejectsMissingDefault(t *testing.T) {
	t.Parallel()

	yaml := "use_cases:\n  - name: only\n    prompt_template: \"{query}\"\n"
	if _, err := NewRegistry(writeTestConfig(t, yaml)); err == nil {
		t.Fatal("expected error for registry without default entry")
	}
}

func TestBuildPromptFillsPlaceholders(t *testing.T) {
	t.Parallel()

	cfg := Config{PromptTemplate: "Q: {query}\nS: {sources}\nA: {additional_sources}"}
	got := cfg.BuildPrompt("why?", "doc1", "doc2")
	want := "Q: why?\nS: doc1\nA: doc2"
	if got != want {
		t.Errorf("BuildPrompt = %q, want %q", got, want)
	}
}

func TestBuildPromptAppendsQueryWhenTemplateOmitsIt(t *testing.T) {
	t.Parallel()

	cfg := Config{PromptTemplate: "Use the sources: {sources}"}
	got := cfg.BuildPrompt("the question", "src", "")
	if !strings.Contains(got, "the question") {
		t.Errorf("query was dropped: %q", got)
	}
}

func TestStaticRegistry(t *testing.T) {
	t.Parallel()

	if _, err := NewStaticRegistry(Config{Name: "x"}); err == nil {
		t.Error("expected missing-default error")
	}

	reg, err := NewStaticRegistry(Config{Name: DefaultName, PromptTemplate: "{query}"})
	if err != nil {
		t.Fatalf("NewStaticRegistry: %v", err)
	}
	if reg.Get("anything").Name != DefaultName {
		t.Error("fallback broken for static registry")
	}
}
