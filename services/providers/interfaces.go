// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package providers defines provider-agnostic chat interfaces and factories
// for the generative backends used by the IELTS service. The local route
// group talks to Ollama and the v2 route group talks to Gemini, both through
// the same ChatClient contract.
//
// Thread Safety:
//
//	All interfaces in this package must be implemented as safe for concurrent use.
package providers

import (
	"context"

	"github.com/AleutianAI/AleutianIELTS/services/llm"
)

// ChatClient is the minimal interface the recovery layer needs.
//
// Thread Safety: Implementations must be safe for concurrent use.
type ChatClient interface {
	// Chat sends messages and returns the assistant's response text.
	//
	// Inputs:
	//   - ctx: Context for cancellation and timeout.
	//   - messages: Conversation messages (system, user, assistant).
	//   - opts: Provider-agnostic chat options.
	//
	// Outputs:
	//   - string: The assistant's response text.
	//   - error: Non-nil on failure.
	Chat(ctx context.Context, messages []llm.Message, opts ChatOptions) (string, error)
}

// ModelLister advertises the models a backend serves.
type ModelLister interface {
	ListModels(ctx context.Context) ([]llm.ModelInfo, error)
}

// Provider is a named backend usable for chat, discovery and health checks.
//
// Thread Safety: Implementations must be safe for concurrent use.
type Provider interface {
	ChatClient
	ModelLister

	// Name returns the provider constant, e.g. ProviderGemini.
	Name() string

	// DefaultModel returns the model used when ChatOptions.Model is empty.
	DefaultModel() string

	// Ping reports whether the backend is reachable and authorised.
	Ping(ctx context.Context) error
}

// ChatOptions holds provider-agnostic options for a chat request.
type ChatOptions struct {
	// Temperature controls randomness. A negative value omits it from the
	// request and uses the provider's default.
	Temperature float64

	// MaxTokens limits the response length. Zero leaves the provider default.
	MaxTokens int

	// Model overrides the adapter's default model.
	Model string

	// JSONMode asks the backend to constrain output to JSON.
	JSONMode bool

	// KeepAlive controls model VRAM lifetime (Ollama-specific, ignored by cloud).
	KeepAlive string

	// NumCtx sets the context window size (Ollama-specific, ignored by cloud).
	NumCtx int
}

// params converts opts to llm.GenerationParams.
func (o ChatOptions) params() llm.GenerationParams {
	p := llm.GenerationParams{
		ModelOverride: o.Model,
		KeepAlive:     o.KeepAlive,
		JSONMode:      o.JSONMode,
	}
	if o.Temperature >= 0 {
		p.Temperature = llm.Float32Ptr(float32(o.Temperature))
	}
	if o.MaxTokens > 0 {
		p.MaxTokens = llm.IntPtr(o.MaxTokens)
	}
	if o.NumCtx > 0 {
		p.NumCtx = llm.IntPtr(o.NumCtx)
	}
	return p
}
