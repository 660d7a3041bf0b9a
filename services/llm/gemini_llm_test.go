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
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func newTestGemini(server *httptest.Server) *GeminiClient {
	return &GeminiClient{
		httpClient: server.Client(),
		apiKey:     "test-key",
		model:      "gemini-2.5-flash",
		baseURL:    server.URL,
	}
}

func writeCandidate(w http.ResponseWriter, text, finish string) {
	resp := geminiResponse{
		Candidates: []geminiCandidate{
			{
				Content:      geminiContent{Role: "model", Parts: []geminiPart{{Text: text}}},
				FinishReason: finish,
			},
		},
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func TestNewGeminiClient_MissingAPIKey(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "")
	t.Setenv("GOOGLE_API_KEY", "")
	_, err := NewGeminiClient()
	if err == nil {
		t.Fatal("expected error for missing API key")
	}
	if !errors.Is(err, ErrNotConfigured) {
		t.Errorf("error should wrap ErrNotConfigured, got: %v", err)
	}
}

func TestNewGeminiClient_GoogleAPIKeyFallback(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "")
	t.Setenv("GOOGLE_API_KEY", "google-key")

	client, err := NewGeminiClient()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if client.apiKey != "google-key" {
		t.Errorf("apiKey = %q, want %q", client.apiKey, "google-key")
	}
}

func TestNewGeminiClient_DefaultModel(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "test-key")
	t.Setenv("GEMINI_MODEL", "")

	client, err := NewGeminiClient()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if client.model != defaultGeminiModel {
		t.Errorf("model = %q, want %q", client.model, defaultGeminiModel)
	}
}

func TestGeminiClient_Chat_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/models/gemini-2.5-flash:generateContent") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var req geminiRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("failed to decode request: %v", err)
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if len(req.Contents) == 0 {
			t.Error("expected at least one content block")
		}
		writeCandidate(w, `{"bandScore": 7}`, "STOP")
	}))
	defer server.Close()

	result, err := newTestGemini(server).Chat(context.Background(),
		[]Message{{Role: "user", Content: "Score this"}}, GenerationParams{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != `{"bandScore": 7}` {
		t.Errorf("result = %q", result)
	}
}

func TestGeminiClient_Chat_WithParams(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req geminiRequest
		json.NewDecoder(r.Body).Decode(&req)

		if req.GenerationConfig == nil {
			t.Error("expected generation config")
			writeCandidate(w, "ok", "STOP")
			return
		}
		if req.GenerationConfig.Temperature == nil || *req.GenerationConfig.Temperature != 0.3 {
			t.Error("expected temperature 0.3")
		}
		if req.GenerationConfig.MaxOutputTokens == nil || *req.GenerationConfig.MaxOutputTokens != 4096 {
			t.Error("expected max tokens 4096")
		}
		if req.GenerationConfig.ResponseMIMEType != "application/json" {
			t.Errorf("responseMimeType = %q", req.GenerationConfig.ResponseMIMEType)
		}
		writeCandidate(w, "ok", "STOP")
	}))
	defer server.Close()

	params := GenerationParams{
		Temperature: Float32Ptr(0.3),
		MaxTokens:   IntPtr(4096),
		JSONMode:    true,
	}
	if _, err := newTestGemini(server).Generate(context.Background(), "Hi", params); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestGeminiClient_Chat_ModelOverride(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "/models/gemini-2.5-pro:") {
			t.Errorf("override not applied, path = %s", r.URL.Path)
		}
		writeCandidate(w, "ok", "STOP")
	}))
	defer server.Close()

	_, err := newTestGemini(server).Generate(context.Background(), "Hi",
		GenerationParams{ModelOverride: "gemini-2.5-pro"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestGeminiClient_Chat_APIKeyInHeaderNotURL(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("x-goog-api-key"); got != "test-key" {
			t.Errorf("x-goog-api-key header = %q, want %q", got, "test-key")
		}
		if q := r.URL.Query().Get("key"); q != "" {
			t.Errorf("API key found in URL query parameter: %q", q)
		}
		writeCandidate(w, "OK", "STOP")
	}))
	defer server.Close()

	if _, err := newTestGemini(server).Generate(context.Background(), "Hi", GenerationParams{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestGeminiClient_Chat_ErrorBodyRedacted(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(`{"error": "forbidden for key=AIzaSyAbcDefGhiJklMnoPqrStUvWxYz0123456789extra"}`))
	}))
	defer server.Close()

	_, err := newTestGemini(server).Generate(context.Background(), "Hi", GenerationParams{})
	if err == nil {
		t.Fatal("expected error for 403 response")
	}
	if !strings.Contains(err.Error(), "gemini:") {
		t.Errorf("error message should include 'gemini:' prefix, got: %s", err)
	}
	if strings.Contains(err.Error(), "AIzaSy") {
		t.Errorf("error message should not contain raw API key, got: %s", err)
	}
}

func TestGeminiClient_Chat_EmptyCandidates(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(geminiResponse{})
	}))
	defer server.Close()

	if _, err := newTestGemini(server).Generate(context.Background(), "Hi", GenerationParams{}); err == nil {
		t.Fatal("expected error for empty candidates")
	}
}

func TestGeminiClient_Chat_SafetyStop(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeCandidate(w, "", "SAFETY")
	}))
	defer server.Close()

	_, err := newTestGemini(server).Generate(context.Background(), "Hi", GenerationParams{})
	if !errors.Is(err, ErrContentBlocked) {
		t.Fatalf("expected ErrContentBlocked, got %v", err)
	}
}

func TestGeminiClient_Chat_PromptBlocked(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"promptFeedback": {"blockReason": "OTHER"}}`))
	}))
	defer server.Close()

	_, err := newTestGemini(server).Generate(context.Background(), "Hi", GenerationParams{})
	if !errors.Is(err, ErrContentBlocked) {
		t.Fatalf("expected ErrContentBlocked, got %v", err)
	}
}

func TestGeminiClient_Chat_MaxTokensReturnsPartialText(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeCandidate(w, `{"corrected": "I went to`, "MAX_TOKENS")
	}))
	defer server.Close()

	result, err := newTestGemini(server).Generate(context.Background(), "Hi", GenerationParams{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != `{"corrected": "I went to` {
		t.Errorf("result = %q", result)
	}
}

func TestGeminiClient_Chat_EmptyTextIsTypedError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeCandidate(w, "", "STOP")
	}))
	defer server.Close()

	_, err := newTestGemini(server).Generate(context.Background(), "Hi", GenerationParams{})
	var empty *EmptyResponseError
	if !errors.As(err, &empty) {
		t.Fatalf("expected EmptyResponseError, got %v", err)
	}
	if empty.FinishReason != "STOP" {
		t.Errorf("FinishReason = %q", empty.FinishReason)
	}
}

func TestGeminiClient_BuildRequest_RoleMapping(t *testing.T) {
	client := &GeminiClient{model: "gemini-2.5-flash"}

	req := client.buildRequest([]Message{
		{Role: "system", Content: "You are an IELTS examiner."},
		{Role: "user", Content: "hello"},
		{Role: "assistant", Content: "hi"},
		{Role: "tool", Content: "bye"},
	}, GenerationParams{})

	if req.SystemInstruction == nil || req.SystemInstruction.Parts[0].Text != "You are an IELTS examiner." {
		t.Fatalf("systemInstruction = %+v", req.SystemInstruction)
	}
	if len(req.Contents) != 3 {
		t.Fatalf("contents = %d, want 3", len(req.Contents))
	}
	wantRoles := []string{"user", "model", "user"}
	for i, want := range wantRoles {
		if req.Contents[i].Role != want {
			t.Errorf("contents[%d].Role = %q, want %q", i, req.Contents[i].Role, want)
		}
	}
	if req.GenerationConfig != nil {
		t.Error("expected nil generation config when no params are set")
	}
}

func TestGeminiClient_Chat_SystemOnlyRejected(t *testing.T) {
	client := &GeminiClient{model: "gemini-2.5-flash"}
	_, err := client.Chat(context.Background(), []Message{{Role: "system", Content: "sys"}}, GenerationParams{})
	if err == nil {
		t.Fatal("expected error for request without user content")
	}
}

func TestGeminiClient_ListModels_FiltersGenerateContent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/models" {
			t.Errorf("path = %s", r.URL.Path)
		}
		w.Write([]byte(`{"models": [
			{"name": "models/gemini-2.5-flash", "displayName": "Gemini 2.5 Flash", "supportedGenerationMethods": ["generateContent", "countTokens"]},
			{"name": "models/text-embedding-004", "supportedGenerationMethods": ["embedContent"]}
		]}`))
	}))
	defer server.Close()

	models, err := newTestGemini(server).ListModels(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(models) != 1 {
		t.Fatalf("models = %d, want 1", len(models))
	}
	if models[0].Name != "gemini-2.5-flash" || models[0].DisplayName != "Gemini 2.5 Flash" {
		t.Errorf("model = %+v", models[0])
	}
}
