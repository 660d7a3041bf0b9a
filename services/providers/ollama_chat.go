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

// OllamaChatAdapter wraps an Ollama client to implement Provider.
//
// Description:
//
//	Delegates chat requests to a local Ollama server. The adapter's
//	keepAlive and numCtx apply when ChatOptions leaves them unset.
//
// Thread Safety: OllamaChatAdapter is safe for concurrent use.
type OllamaChatAdapter struct {
	client    llm.LLMClient
	model     string
	keepAlive string
	numCtx    int
	limiter   *rate.Limiter
}

// NewOllamaChatAdapter creates a new OllamaChatAdapter.
//
// Inputs:
//   - client: The Ollama client to wrap. Nil makes every call fail.
//   - cfg: Model, KeepAlive and NumCtx defaults.
//   - limiter: Upstream pacing. Nil disables limiting.
//
// Outputs:
//   - *OllamaChatAdapter: The configured adapter.
func NewOllamaChatAdapter(client llm.LLMClient, cfg ProviderConfig, limiter *rate.Limiter) *OllamaChatAdapter {
	return &OllamaChatAdapter{
		client:    client,
		model:     cfg.Model,
		keepAlive: cfg.KeepAlive,
		numCtx:    cfg.NumCtx,
		limiter:   limiter,
	}
}

// Name implements Provider.
func (a *OllamaChatAdapter) Name() string { return ProviderOllama }

// DefaultModel implements Provider.
func (a *OllamaChatAdapter) DefaultModel() string { return a.model }

// Chat implements ChatClient by delegating to the Ollama client.
func (a *OllamaChatAdapter) Chat(ctx context.Context, messages []llm.Message, opts ChatOptions) (string, error) {
	if a.client == nil {
		return "", fmt.Errorf("Ollama client is nil")
	}

	if opts.Model == "" {
		opts.Model = a.model
	}
	if opts.Model == "" {
		return "", fmt.Errorf("model must be specified in ChatOptions or at adapter construction")
	}
	if opts.KeepAlive == "" {
		opts.KeepAlive = a.keepAlive
	}
	if opts.NumCtx == 0 {
		opts.NumCtx = a.numCtx
	}

	ctx, span := otel.Tracer(chatTracerName).Start(ctx, "providers.OllamaChatAdapter.Chat",
		trace.WithAttributes(
			attribute.String("provider", ProviderOllama),
			attribute.String("model", opts.Model),
			attribute.Int("message_count", len(messages)),
			attribute.Float64("temperature", opts.Temperature),
			attribute.Int("max_tokens", opts.MaxTokens),
		),
	)
	defer span.End()

	if err := waitLimiter(ctx, ProviderOllama, a.limiter); err != nil {
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
		recordChatMetrics(ProviderOllama, duration, err)
		return "", err
	}

	span.SetAttributes(attribute.Int("response_len", len(result)))
	recordChatMetrics(ProviderOllama, duration, nil)
	return result, nil
}

// ListModels implements ModelLister using the server's tag list.
func (a *OllamaChatAdapter) ListModels(ctx context.Context) ([]llm.ModelInfo, error) {
	if a.client == nil {
		return nil, fmt.Errorf("Ollama client is nil")
	}
	ctx, span := otel.Tracer(chatTracerName).Start(ctx, "providers.OllamaChatAdapter.ListModels")
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

// Ping reports whether the Ollama server answers.
func (a *OllamaChatAdapter) Ping(ctx context.Context) error {
	_, err := a.ListModels(ctx)
	return err
}
