// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package extract recovers a structured answer from raw model output.
//
// Models are instructed to reply with a JSON object carrying the answer
// and suggested follow-up questions, but drift is routine: fences go
// missing, prose leaks around the object, or the JSON never appears at
// all. Extraction therefore runs an ordered chain of strategies and
// degrades to returning the raw text verbatim rather than failing.
package extract

import (
	"encoding/json"
	"regexp"
	"strings"
)

// Strategy names the extraction path that produced a result. Exposed for
// logging and metrics so parse drift is observable in production.
type Strategy string

const (
	StrategyFencedJSON Strategy = "fenced_json"
	StrategyMarker     Strategy = "response_marker"
	StrategyBraceSpan  Strategy = "brace_span"
	StrategyRaw        Strategy = "raw_text"
)

// responseMarker precedes the JSON object in one known drift mode where
// the model narrates before answering.
const responseMarker = "### Response"

var fencedJSONRe = regexp.MustCompile("(?s)```json\\s*(.*?)```")

// defaultFollowUps are used whenever the model supplies none.
var defaultFollowUps = []string{
	"I would like to know more about this topic",
	"I need further clarification",
	"Rephrase your findings",
}

// Extraction is the structured view of one model response.
type Extraction struct {
	Answer            string
	FollowUpQuestions []string
	Strategy          Strategy
}

// payload mirrors the JSON shape models are prompted to produce.
type payload struct {
	Answer            string   `json:"answer"`
	FollowUpQuestions []string `json:"follow_up_questions"`
}

// DefaultFollowUps returns a fresh copy of the stock follow-up questions.
func DefaultFollowUps() []string {
	out := make([]string, len(defaultFollowUps))
	copy(out, defaultFollowUps)
	return out
}

// Extract runs the strategy chain over raw model text. It never returns
// an error: the last strategy accepts anything. Callers distinguish
// degraded parses through the Strategy field.
func Extract(raw string) Extraction {
	if ext, ok := tryFencedJSON(raw); ok {
		return ext
	}
	if ext, ok := tryResponseMarker(raw); ok {
		return ext
	}
	if ext, ok := tryBraceSpan(raw); ok {
		return ext
	}
	return Extraction{
		Answer:            raw,
		FollowUpQuestions: DefaultFollowUps(),
		Strategy:          StrategyRaw,
	}
}

// tryFencedJSON parses the first ```json fenced block and strips it from
// the visible answer. Prose around the fence is what the user reads; the
// block itself only supplies the structured fields. When the fence is the
// whole message, the block's answer field takes its place.
func tryFencedJSON(raw string) (Extraction, bool) {
	loc := fencedJSONRe.FindStringSubmatchIndex(raw)
	if loc == nil {
		return Extraction{}, false
	}

	var p payload
	block := strings.TrimSpace(raw[loc[2]:loc[3]])
	if err := json.Unmarshal([]byte(block), &p); err != nil {
		return Extraction{}, false
	}

	answer := strings.TrimSpace(raw[:loc[0]] + raw[loc[1]:])
	if answer == "" {
		answer = strings.TrimSpace(p.Answer)
	}
	if answer == "" {
		return Extraction{}, false
	}

	followUps := p.FollowUpQuestions
	if len(followUps) == 0 {
		followUps = DefaultFollowUps()
	}
	return Extraction{
		Answer:            answer,
		FollowUpQuestions: followUps,
		Strategy:          StrategyFencedJSON,
	}, true
}

// tryResponseMarker parses the JSON object following a "### Response"
// heading, tolerating prose between the marker and the object.
func tryResponseMarker(raw string) (Extraction, bool) {
	_, after, found := strings.Cut(raw, responseMarker)
	if !found {
		return Extraction{}, false
	}
	return tryBraceSpanIn(after, StrategyMarker)
}

// tryBraceSpan parses the span from the first '{' to the last '}'.
func tryBraceSpan(raw string) (Extraction, bool) {
	return tryBraceSpanIn(raw, StrategyBraceSpan)
}

func tryBraceSpanIn(s string, strategy Strategy) (Extraction, bool) {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return Extraction{}, false
	}
	return tryParse(s[start:end+1], strategy)
}

// tryParse unmarshals candidate JSON and normalizes the result. A parse
// that succeeds but yields an empty answer is treated as a miss so the
// chain keeps going.
func tryParse(candidate string, strategy Strategy) (Extraction, bool) {
	var p payload
	if err := json.Unmarshal([]byte(strings.TrimSpace(candidate)), &p); err != nil {
		return Extraction{}, false
	}
	if strings.TrimSpace(p.Answer) == "" {
		return Extraction{}, false
	}
	followUps := p.FollowUpQuestions
	if len(followUps) == 0 {
		followUps = DefaultFollowUps()
	}
	return Extraction{
		Answer:            p.Answer,
		FollowUpQuestions: followUps,
		Strategy:          strategy,
	}, true
}
