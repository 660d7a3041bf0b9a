// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// DefaultOllamaModel is used when no model is configured.
const DefaultOllamaModel = "llama3.1:latest"

// OllamaClient implements LLMClient against a local Ollama server.
//
// Description:
//
//	Talks to the non-streaming /api/chat endpoint. Temperature, MaxTokens and
//	NumCtx are sent in the "options" map as temperature/num_predict/num_ctx.
//
// Thread Safety: OllamaClient is safe for concurrent use.
type OllamaClient struct {
	httpClient *http.Client
	baseURL    string
	model      string
}

// NewOllamaClient creates a client for the Ollama server at baseURL.
//
// Inputs:
//   - baseURL: Server root, e.g. "http://localhost:11434".
//   - model: Default model. Empty means DefaultOllamaModel.
//
// Outputs:
//   - *OllamaClient: The configured client.
func NewOllamaClient(baseURL, model string) *OllamaClient {
	if model == "" {
		model = DefaultOllamaModel
	}
	return &OllamaClient{
		// Local models can take several minutes on long rewrites.
		httpClient: &http.Client{Timeout: 5 * time.Minute},
		baseURL:    strings.TrimRight(baseURL, "/"),
		model:      model,
	}
}

// Model returns the default model name.
func (o *OllamaClient) Model() string { return o.model }

// BaseURL returns the server root the client talks to.
func (o *OllamaClient) BaseURL() string { return o.baseURL }

type ollamaChatRequest struct {
	Model     string                 `json:"model"`
	Messages  []Message              `json:"messages"`
	Stream    bool                   `json:"stream"`
	Format    string                 `json:"format,omitempty"`
	KeepAlive string                 `json:"keep_alive,omitempty"`
	Options   map[string]interface{} `json:"options,omitempty"`
}

type ollamaChatResponse struct {
	Model      string  `json:"model"`
	Message    Message `json:"message"`
	Done       bool    `json:"done"`
	DoneReason string  `json:"done_reason,omitempty"`
	Error      string  `json:"error,omitempty"`
}

type ollamaTagsResponse struct {
	Models []struct {
		Name string `json:"name"`
		Size int64  `json:"size"`
	} `json:"models"`
}

// Generate implements LLMClient.Generate as a single-turn chat.
func (o *OllamaClient) Generate(ctx context.Context, prompt string, params GenerationParams) (string, error) {
	return o.Chat(ctx, []Message{{Role: "user", Content: prompt}}, params)
}

// Chat implements LLMClient.Chat using /api/chat.
//
// Outputs:
//   - string: The assistant message content.
//   - error: Wraps ErrModelNotFound when the server reports an unknown model.
func (o *OllamaClient) Chat(ctx context.Context, messages []Message, params GenerationParams) (string, error) {
	model := o.model
	if params.ModelOverride != "" {
		model = params.ModelOverride
	}

	reqPayload := ollamaChatRequest{
		Model:     model,
		Messages:  messages,
		Stream:    false,
		KeepAlive: params.KeepAlive,
		Options:   buildOllamaOptions(params),
	}
	if params.JSONMode {
		reqPayload.Format = "json"
	}

	reqBody, err := json.Marshal(reqPayload)
	if err != nil {
		return "", fmt.Errorf("ollama: marshaling request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/api/chat", bytes.NewBuffer(reqBody))
	if err != nil {
		return "", fmt.Errorf("ollama: creating HTTP request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	slog.Debug("Sending request to Ollama",
		slog.String("model", model),
		slog.Int("message_count", len(messages)),
	)

	resp, err := o.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("ollama: HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("ollama: reading response body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		body := SafeLogString(string(bodyBytes))
		if resp.StatusCode == http.StatusNotFound || isModelMissing(body) {
			return "", fmt.Errorf("ollama: model %q: %s: %w", model, body, ErrModelNotFound)
		}
		return "", fmt.Errorf("ollama: API returned status %d: %s", resp.StatusCode, body)
	}

	var apiResp ollamaChatResponse
	if err := json.Unmarshal(bodyBytes, &apiResp); err != nil {
		return "", fmt.Errorf("ollama: parsing response JSON: %w", err)
	}
	if apiResp.Error != "" {
		return "", fmt.Errorf("ollama: API error: %s", SafeLogString(apiResp.Error))
	}
	if apiResp.Message.Content == "" {
		return "", &EmptyResponseError{Provider: "ollama", FinishReason: apiResp.DoneReason}
	}

	if apiResp.DoneReason == "length" {
		slog.Warn("Ollama response hit num_predict", slog.String("model", model))
	}

	return apiResp.Message.Content, nil
}

// ListModels returns the locally installed models from /api/tags.
func (o *OllamaClient) ListModels(ctx context.Context) ([]ModelInfo, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, o.baseURL+"/api/tags", nil)
	if err != nil {
		return nil, fmt.Errorf("ollama: creating HTTP request: %w", err)
	}

	resp, err := o.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("ollama: HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("ollama: API returned status %d: %s", resp.StatusCode, SafeLogString(string(body)))
	}

	var tags ollamaTagsResponse
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return nil, fmt.Errorf("ollama: parsing tags: %w", err)
	}

	models := make([]ModelInfo, 0, len(tags.Models))
	for _, m := range tags.Models {
		models = append(models, ModelInfo{Name: m.Name, Size: m.Size})
	}
	return models, nil
}

// Ping checks that the server is reachable.
func (o *OllamaClient) Ping(ctx context.Context) error {
	_, err := o.ListModels(ctx)
	return err
}

func buildOllamaOptions(params GenerationParams) map[string]interface{} {
	opts := map[string]interface{}{}
	if params.Temperature != nil {
		opts["temperature"] = *params.Temperature
	}
	if params.TopP != nil {
		opts["top_p"] = *params.TopP
	}
	if params.TopK != nil {
		opts["top_k"] = *params.TopK
	}
	if params.MaxTokens != nil {
		opts["num_predict"] = *params.MaxTokens
	}
	if params.NumCtx != nil {
		opts["num_ctx"] = *params.NumCtx
	}
	if len(params.Stop) > 0 {
		opts["stop"] = params.Stop
	}
	if len(opts) == 0 {
		return nil
	}
	return opts
}

func isModelMissing(body string) bool {
	lower := strings.ToLower(body)
	return strings.Contains(lower, "model") &&
		(strings.Contains(lower, "not found") || strings.Contains(lower, "does not exist"))
}
