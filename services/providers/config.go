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
	"os"
	"slices"
	"strconv"

	"github.com/AleutianAI/AleutianIELTS/services/llm"
)

// Provider constants for supported LLM providers.
const (
	ProviderOllama = "ollama"
	ProviderGemini = "gemini"
)

const (
	defaultOllamaURL   = "http://localhost:11434"
	defaultGeminiModel = "gemini-2.5-flash"
	defaultGeminiURL   = "https://generativelanguage.googleapis.com/v1beta"
)

// ProviderConfig holds the configuration for a single LLM provider instance.
type ProviderConfig struct {
	// Provider is the backend to use: "ollama" or "gemini".
	Provider string

	// Model is the provider-specific model identifier.
	// Examples: "llama3.1:latest" (Ollama), "gemini-2.5-flash" (Gemini).
	Model string

	// BaseURL is an optional endpoint override.
	// For Ollama: defaults to OLLAMA_BASE_URL or http://localhost:11434.
	// For Gemini: the public v1beta endpoint.
	BaseURL string

	// APIKey is the authentication key for Gemini.
	APIKey string

	// KeepAlive controls model VRAM lifetime (Ollama-specific).
	KeepAlive string

	// NumCtx sets the context window size (Ollama-specific).
	NumCtx int

	// RateLimit is the upstream request rate in calls per second. Zero
	// disables limiting.
	RateLimit float64

	// Burst is the limiter bucket size. Values below one mean one.
	Burst int

	// JSONMode requests JSON-constrained output for object schemas.
	JSONMode bool
}

// ValidProviders contains the set of valid provider names.
var ValidProviders = []string{ProviderOllama, ProviderGemini}

// isValidProvider checks if a provider name is valid.
func isValidProvider(provider string) bool {
	return slices.Contains(ValidProviders, provider)
}

// ResolveOllamaURL resolves the Ollama server URL from environment variables.
//
// Description:
//
//	Resolution order:
//	  1. OLLAMA_BASE_URL (preferred)
//	  2. OLLAMA_URL (deprecated, emits warning)
//	  3. http://localhost:11434 (default)
//
// Outputs:
//   - string: The resolved Ollama URL.
func ResolveOllamaURL() string {
	if url := os.Getenv("OLLAMA_BASE_URL"); url != "" {
		return url
	}
	if url := os.Getenv("OLLAMA_URL"); url != "" {
		slog.Warn("OLLAMA_URL is deprecated, use OLLAMA_BASE_URL instead",
			slog.String("ollama_url", url))
		return url
	}
	return defaultOllamaURL
}

// LoadProviderConfig reads a provider's configuration from the environment.
//
// Description:
//
//	Ollama reads OLLAMA_BASE_URL, OLLAMA_MODEL, OLLAMA_KEEP_ALIVE and
//	OLLAMA_NUM_CTX. Gemini reads GEMINI_API_KEY (falling back to
//	GOOGLE_API_KEY), GEMINI_MODEL and GEMINI_BASE_URL. Both read
//	IELTS_RATE_LIMIT_RPS, IELTS_RATE_LIMIT_BURST and IELTS_JSON_MODE.
//	A missing Gemini key is not an error here; the factory reports it.
//
// Inputs:
//   - provider: One of ValidProviders.
//
// Outputs:
//   - ProviderConfig: The resolved configuration.
//   - error: Non-nil for an unknown provider or a malformed number.
func LoadProviderConfig(provider string) (ProviderConfig, error) {
	if !isValidProvider(provider) {
		return ProviderConfig{}, fmt.Errorf("unsupported provider: %q (valid: %v)", provider, ValidProviders)
	}

	cfg := ProviderConfig{Provider: provider}
	switch provider {
	case ProviderOllama:
		cfg.BaseURL = ResolveOllamaURL()
		cfg.Model = envOr("OLLAMA_MODEL", llm.DefaultOllamaModel)
		cfg.KeepAlive = os.Getenv("OLLAMA_KEEP_ALIVE")
		n, err := envInt("OLLAMA_NUM_CTX")
		if err != nil {
			return ProviderConfig{}, err
		}
		cfg.NumCtx = n
	case ProviderGemini:
		cfg.APIKey = os.Getenv("GEMINI_API_KEY")
		if cfg.APIKey == "" {
			cfg.APIKey = os.Getenv("GOOGLE_API_KEY")
		}
		cfg.Model = envOr("GEMINI_MODEL", defaultGeminiModel)
		cfg.BaseURL = envOr("GEMINI_BASE_URL", defaultGeminiURL)
	}

	if raw := os.Getenv("IELTS_RATE_LIMIT_RPS"); raw != "" {
		rps, err := strconv.ParseFloat(raw, 64)
		if err != nil || rps < 0 {
			return ProviderConfig{}, fmt.Errorf("invalid IELTS_RATE_LIMIT_RPS %q", raw)
		}
		cfg.RateLimit = rps
	}
	burst, err := envInt("IELTS_RATE_LIMIT_BURST")
	if err != nil {
		return ProviderConfig{}, err
	}
	cfg.Burst = burst

	if raw := os.Getenv("IELTS_JSON_MODE"); raw != "" {
		on, err := strconv.ParseBool(raw)
		if err != nil {
			return ProviderConfig{}, fmt.Errorf("invalid IELTS_JSON_MODE %q", raw)
		}
		cfg.JSONMode = on
	}

	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid %s %q", key, raw)
	}
	return n, nil
}
