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
	"fmt"
	"log/slog"

	"github.com/AleutianAI/AleutianIELTS/services/llm"
)

// ollamaJSONSuffix is appended to the system text sent to local models.
const ollamaJSONSuffix = " Return valid JSON only."

// ProviderFactory creates the right adapters based on provider configuration.
//
// Thread Safety: ProviderFactory is safe for concurrent use after construction.
type ProviderFactory struct {
	logger *slog.Logger
}

// NewProviderFactory creates a new ProviderFactory.
//
// Inputs:
//   - logger: Nil uses slog.Default().
//
// Outputs:
//   - *ProviderFactory: Configured factory.
func NewProviderFactory(logger *slog.Logger) *ProviderFactory {
	if logger == nil {
		logger = slog.Default()
	}
	return &ProviderFactory{logger: logger}
}

// CreateProvider creates a Provider adapter for the given config.
//
// Inputs:
//   - cfg: Provider configuration specifying provider type and model.
//
// Outputs:
//   - Provider: The adapter for the specified provider.
//   - error: Wraps llm.ErrNotConfigured when Gemini has no API key, or
//     reports an unsupported provider.
//
// Example:
//
//	p, err := factory.CreateProvider(ProviderConfig{
//	    Provider: "gemini",
//	    Model:    "gemini-2.5-flash",
//	    APIKey:   "...",
//	})
func (f *ProviderFactory) CreateProvider(cfg ProviderConfig) (Provider, error) {
	limiter := newLimiter(cfg.RateLimit, cfg.Burst)

	switch cfg.Provider {
	case ProviderOllama:
		baseURL := cfg.BaseURL
		if baseURL == "" {
			baseURL = ResolveOllamaURL()
		}
		client := llm.NewOllamaClient(baseURL, cfg.Model)
		cfg.Model = client.Model()
		f.logger.Info("Ollama provider configured",
			slog.String("base_url", client.BaseURL()),
			slog.String("model", cfg.Model),
			slog.Float64("rate_limit", cfg.RateLimit),
		)
		return NewOllamaChatAdapter(client, cfg, limiter), nil

	case ProviderGemini:
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("GEMINI_API_KEY required for Gemini provider: %w", llm.ErrNotConfigured)
		}
		model := cfg.Model
		if model == "" {
			model = defaultGeminiModel
		}
		baseURL := cfg.BaseURL
		if baseURL == "" {
			baseURL = defaultGeminiURL
		}
		client := llm.NewGeminiClientWithConfig(cfg.APIKey, model, baseURL)
		f.logger.Info("Gemini provider configured",
			slog.String("model", model),
			slog.Float64("rate_limit", cfg.RateLimit),
		)
		return NewGeminiChatAdapter(client, model, limiter), nil

	default:
		return nil, fmt.Errorf("unsupported provider: %q (valid: %v)", cfg.Provider, ValidProviders)
	}
}

// CreateGenerator wraps p as a recovery generator with the provider's
// system-text conventions.
func (f *ProviderFactory) CreateGenerator(p Provider, cfg ProviderConfig) *ChatGenerator {
	g := NewChatGenerator(p)
	if p.Name() == ProviderOllama {
		g.SystemSuffix = ollamaJSONSuffix
	}
	g.JSONMode = cfg.JSONMode
	return g
}
