// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package recovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

// scriptedGenerator replays responses in order and records every request.
// The last response repeats once the script runs out.
type scriptedGenerator struct {
	mu        sync.Mutex
	responses []string
	err       error
	requests  []GenerationRequest
}

func (g *scriptedGenerator) Generate(_ context.Context, req GenerationRequest) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.requests = append(g.requests, req)
	if g.err != nil {
		return "", g.err
	}
	i := len(g.requests) - 1
	if i >= len(g.responses) {
		i = len(g.responses) - 1
	}
	return g.responses[i], nil
}

func (g *scriptedGenerator) calls() []GenerationRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]GenerationRequest(nil), g.requests...)
}

func vocabJSON(t *testing.T, n int) string {
	t.Helper()
	items := make([]any, n)
	for i := range items {
		items[i] = vocabItem(fmt.Sprintf("word%d", i))
	}
	b, err := json.Marshal(map[string]any{"vocabulary": items})
	require.NoError(t, err)
	return string(b)
}

func TestController_AcceptsFirstCompleteAttempt(t *testing.T) {
	gen := &scriptedGenerator{responses: []string{
		"Here you go:\n```json\n{\"topics\": [{\"name\": \"Travel\", \"questions\": [\"Where have you been?\"]}]}\n```",
	}}
	ctrl := NewController(gen, DefaultPolicy(), nil)

	out, err := ctrl.Run(context.Background(), Task{
		Schema:      mustSchema(t, TaskTopics),
		System:      "You are an IELTS content creator.",
		Prompt:      "Generate 1 topic.",
		Temperature: 0.7,
		MaxTokens:   2048,
		Input:       Input{RequestedCount: 1},
	})

	require.NoError(t, err)
	require.Len(t, out.Attempts, 1)
	assert.Equal(t, StrategyFenced, out.Attempts[0].Strategy)
	assert.False(t, out.Partial)
	assert.NotEmpty(t, out.RunID)

	topics := out.Result["topics"].([]any)
	require.Len(t, topics, 1)
	assert.Equal(t, "Travel", topics[0].(map[string]any)["name"])

	calls := gen.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "You are an IELTS content creator.", calls[0].System)
	assert.Equal(t, "Generate 1 topic.", calls[0].Prompt)
	assert.InDelta(t, 0.7, calls[0].Temperature, 1e-9)
	assert.Equal(t, 2048, calls[0].MaxOutputTokens)
}

func TestController_LengthFailureExhaustsRetries(t *testing.T) {
	original := strings.Repeat("a", 200)
	short, err := json.Marshal(map[string]any{"original": original, "corrected": strings.Repeat("b", 40)})
	require.NoError(t, err)

	gen := &scriptedGenerator{responses: []string{string(short)}}
	ctrl := NewController(gen, DefaultPolicy(), nil)

	out, err := ctrl.Run(context.Background(), Task{
		Schema:      mustSchema(t, TaskGrammar),
		Prompt:      "Correct this.",
		Temperature: 0.2,
		MaxTokens:   2048,
		Input:       Input{Original: original},
	})

	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrProcessingFailed))

	var perr *ProcessingError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, TaskGrammar, perr.Task)
	assert.Equal(t, 40, perr.ObservedLen)
	assert.Equal(t, 200, perr.OriginalLen)
	assert.Equal(t, 3, perr.Attempts)
	assert.Contains(t, err.Error(), "40")
	assert.Contains(t, err.Error(), "200")

	require.Len(t, out.Attempts, 3)
	assert.Nil(t, out.Result)

	calls := gen.calls()
	require.Len(t, calls, 3)
	assert.InDelta(t, 0.2, calls[0].Temperature, 1e-9)
	assert.InDelta(t, 0.4, calls[1].Temperature, 1e-9)
	assert.InDelta(t, 0.6, calls[2].Temperature, 1e-9)
	assert.Equal(t, 2048, calls[0].MaxOutputTokens)
	assert.Equal(t, 3072, calls[1].MaxOutputTokens)
	assert.Equal(t, 4608, calls[2].MaxOutputTokens)

	assert.Equal(t, "Correct this.", calls[0].Prompt)
	for _, c := range calls[1:] {
		assert.True(t, strings.HasPrefix(c.Prompt, "Correct this.\n\n"))
		assert.Contains(t, c.Prompt,
			"IMPORTANT: The previous response was incomplete. The original text has 200 characters but your output only had 40 characters")
		assert.Equal(t, 1, strings.Count(c.Prompt, "IMPORTANT:"), "notices do not accumulate")
	}
}

func TestController_RecoversAfterMissingFields(t *testing.T) {
	gen := &scriptedGenerator{responses: []string{
		"I'm sorry, I can't help with that.",
		`{"original": "I go home", "corrected": "I went home", "corrections": [], "explanation": ""}`,
	}}
	ctrl := NewController(gen, DefaultPolicy(), nil)

	out, err := ctrl.Run(context.Background(), Task{
		Schema:    mustSchema(t, TaskGrammar),
		Prompt:    "Correct this.",
		MaxTokens: 2048,
		Input:     Input{Original: "I go home"},
	})

	require.NoError(t, err)
	require.Len(t, out.Attempts, 2)
	assert.Equal(t, StrategyNone, out.Attempts[0].Strategy)
	assert.Equal(t, VerdictMissingFields, out.Attempts[0].Verdict.Kind)
	assert.Contains(t, out.Attempts[1].Prompt, "IMPORTANT: The previous response was missing required fields: corrected")
	assert.Equal(t, 2048, out.Attempts[1].MaxTokens)

	assert.Equal(t, "I went home", out.Result["corrected"])
	assert.Equal(t, "Made minor adjustments to improve grammar and naturalness.", out.Result["explanation"])
	assert.NotContains(t, out.Result, KeyParseError)
}

func TestController_CountShortfallAcceptedAsPartial(t *testing.T) {
	gen := &scriptedGenerator{responses: []string{vocabJSON(t, 3), vocabJSON(t, 4), vocabJSON(t, 20)}}
	ctrl := NewController(gen, DefaultPolicy(), nil)

	out, err := ctrl.Run(context.Background(), Task{
		Schema:      mustSchema(t, TaskVocabulary),
		Prompt:      "Generate 20 items.",
		Temperature: 0.3,
		MaxTokens:   2048,
		Input:       Input{RequestedCount: 20},
	})

	require.NoError(t, err)
	assert.True(t, out.Partial)
	require.Len(t, out.Attempts, 2, "one count retry, then accept")
	assert.Len(t, out.Result["vocabulary"], 4)

	calls := gen.calls()
	assert.Equal(t, 4000, calls[1].MaxOutputTokens)
	assert.Contains(t, calls[1].Prompt,
		"IMPORTANT: The previous response only had 3 items, but you need to generate EXACTLY 20 items")
}

func TestController_CountRetriesDisabled(t *testing.T) {
	gen := &scriptedGenerator{responses: []string{vocabJSON(t, 2)}}
	policy := DefaultPolicy()
	policy.CountRetries = 0
	ctrl := NewController(gen, policy, nil)

	out, err := ctrl.Run(context.Background(), Task{
		Schema: mustSchema(t, TaskVocabulary),
		Prompt: "Generate 5 items.",
		Input:  Input{RequestedCount: 5},
	})

	require.NoError(t, err)
	assert.True(t, out.Partial)
	assert.Len(t, gen.calls(), 1)
}

func TestController_UpstreamErrorIsNotRetried(t *testing.T) {
	errBackend := errors.New("connection refused")
	gen := &scriptedGenerator{err: errBackend}
	ctrl := NewController(gen, DefaultPolicy(), nil)

	out, err := ctrl.Run(context.Background(), Task{Schema: mustSchema(t, TaskAnswers), Prompt: "Answer."})

	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUpstreamUnavailable))
	assert.True(t, errors.Is(err, errBackend))
	assert.False(t, errors.Is(err, ErrProcessingFailed))

	var uerr *UpstreamError
	require.True(t, errors.As(err, &uerr))
	assert.Equal(t, TaskAnswers, uerr.Task)
	assert.Len(t, gen.calls(), 1)
	assert.Empty(t, out.Attempts)
}

func TestController_CanceledContext(t *testing.T) {
	gen := &scriptedGenerator{responses: []string{`{"answer": "never used here"}`}}
	ctrl := NewController(gen, DefaultPolicy(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := ctrl.Run(ctx, Task{Schema: mustSchema(t, TaskAnswers), Prompt: "Answer."})

	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Empty(t, gen.calls())
}

func TestController_NilSchema(t *testing.T) {
	ctrl := NewController(&scriptedGenerator{}, DefaultPolicy(), nil)
	_, err := ctrl.Run(context.Background(), Task{Prompt: "x"})
	assert.True(t, errors.Is(err, ErrUnknownTask))
}

func TestController_PassesHistoryAndModel(t *testing.T) {
	gen := &scriptedGenerator{responses: []string{`{"bandScore": 7}`}}
	ctrl := NewController(gen, DefaultPolicy(), nil)
	history := []Turn{{Role: "assistant", Content: "Please share your answer."}}

	_, err := ctrl.Run(context.Background(), Task{
		Schema:  mustSchema(t, TaskScore),
		History: history,
		Prompt:  "My answer.",
		Model:   "llama3.2",
	})

	require.NoError(t, err)
	calls := gen.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, history, calls[0].History)
	assert.Equal(t, "llama3.2", calls[0].Model)
	assert.True(t, calls[0].JSON)
}

func TestController_ConcurrentRuns(t *testing.T) {
	gen := GeneratorFunc(func(_ context.Context, req GenerationRequest) (string, error) {
		return fmt.Sprintf(`{"answer": "Answer for %s, with detail."}`, req.Prompt), nil
	})
	ctrl := NewController(gen, DefaultPolicy(), nil)
	s := mustSchema(t, TaskAnswers)

	var g errgroup.Group
	results := make([]string, 16)
	for i := range results {
		g.Go(func() error {
			out, err := ctrl.Run(context.Background(), Task{Schema: s, Prompt: fmt.Sprintf("q%d", i)})
			if err != nil {
				return err
			}
			results[i] = out.Result["answer"].(string)
			return nil
		})
	}
	require.NoError(t, g.Wait())

	for i, r := range results {
		assert.Equal(t, fmt.Sprintf("Answer for q%d, with detail.", i), r)
	}
}

func TestController_NextParameters(t *testing.T) {
	ctrl := NewController(&scriptedGenerator{}, DefaultPolicy(), nil)

	assert.InDelta(t, 1.0, ctrl.nextTemperature(0.9), 1e-9)
	assert.InDelta(t, 0.5, ctrl.nextTemperature(0.3), 1e-9)

	long := Input{Original: strings.Repeat("x", 3000)}
	assert.Equal(t, 7500, ctrl.nextMaxTokens(2048, Verdict{Reason: ReasonLength}, long))
	assert.Equal(t, 8192, ctrl.nextMaxTokens(6000, Verdict{Reason: ReasonLength}, long))
	assert.Equal(t, 8192, ctrl.nextMaxTokens(1024, Verdict{Reason: ReasonCount, RequestedCount: 100}, Input{}))
	assert.Equal(t, 1024, ctrl.nextMaxTokens(1024, Verdict{Reason: ReasonMissing}, Input{}))
}
