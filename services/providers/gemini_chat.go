// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package providers

import (
	"context"
	"fmt"
	"time"

	"github.com/AleutianAI/AleutianIELTS/services/llm"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

// GeminiChatAdapter wraps a Gemini client to implement Provider.
//
// Description:
//
//	Delegates chat requests to the Gemini REST API via the llm client.
//	Ollama-specific options (KeepAlive, NumCtx) are ignored.
//
// Thread Safety: GeminiChatAdapter is safe for concurrent use.
type GeminiChatAdapter struct {
	client  llm.LLMClient
	model   string
	limiter *rate.Limiter
}

// NewGeminiChatAdapter creates a new GeminiChatAdapter.
//
// Inputs:
//   - client: The Gemini client to wrap. Nil makes every call fail.
//   - model: Default model reported by DefaultModel.
//   - limiter: Upstream pacing. Nil disables limiting.
//
// Outputs:
//   - *GeminiChatAdapter: The configured adapter.
func NewGeminiChatAdapter(client llm.LLMClient, model string, limiter *rate.Limiter) *GeminiChatAdapter {
	return &GeminiChatAdapter{client: client, model: model, limiter: limiter}
}

// Name implements Provider.
func (a *GeminiChatAdapter) Name() string { return ProviderGemini }

// DefaultModel implements Provider.
func (a *GeminiChatAdapter) DefaultModel() string { return a.model }

// Chat implements ChatClient by delegating to the Gemini client.
func (a *GeminiChatAdapter) Chat(ctx context.Context, messages []llm.Message, opts ChatOptions) (string, error) {
	if a.client == nil {
		return "", fmt.Errorf("Gemini client is nil")
	}

	ctx, span := otel.Tracer(chatTracerName).Start(ctx, "providers.GeminiChatAdapter.Chat",
		trace.WithAttributes(
			attribute.String("provider", ProviderGemini),
			attribute.Int("message_count", len(messages)),
			attribute.Float64("temperature", opts.Temperature),
			attribute.Int("max_tokens", opts.MaxTokens),
		),
	)
	defer span.End()

	if err := waitLimiter(ctx, ProviderGemini, a.limiter); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}

	startTime := time.Now()
	result, err := a.client.Chat(ctx, messages, opts.params())
	duration := time.Since(startTime)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		recordChatMetrics(ProviderGemini, duration, err)
		return "", err
	}

	span.SetAttributes(attribute.Int("response_len", len(result)))
	recordChatMetrics(ProviderGemini, duration, nil)
	return result, nil
}

// ListModels implements ModelLister.
func (a *GeminiChatAdapter) ListModels(ctx context.Context) ([]llm.ModelInfo, error) {
	if a.client == nil {
		return nil, fmt.Errorf("Gemini client is nil")
	}
	ctx, span := otel.Tracer(chatTracerName).Start(ctx, "providers.GeminiChatAdapter.ListModels")
	defer span.End()

	models, err := a.client.ListModels(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Int("model_count", len(models)))
	return models, nil
}

// Ping validates the API key and connectivity by listing models.
func (a *GeminiChatAdapter) Ping(ctx context.Context) error {
	_, err := a.ListModels(ctx)
	return err
}
