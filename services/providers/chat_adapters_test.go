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
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/AleutianAI/AleutianIELTS/services/llm"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"golang.org/x/time/rate"
)

const (
	testGeminiResp = `{"candidates":[{"content":{"parts":[{"text":"Hello from mock"}],"role":"model"},"finishReason":"STOP"}],"usageMetadata":{"promptTokenCount":50,"candidatesTokenCount":30}}`
	testOllamaResp = `{"model":"llama3.1:latest","message":{"role":"assistant","content":"Hello from mock"},"done":true,"done_reason":"stop"}`
)

// chatMockServer records request bodies and answers with a fixed response.
func chatMockServer(t *testing.T, status int, body string) (*httptest.Server, *[]map[string]any) {
	t.Helper()
	var (
		mu       sync.Mutex
		captured []map[string]any
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		var decoded map[string]any
		_ = json.Unmarshal(raw, &decoded)
		mu.Lock()
		captured = append(captured, decoded)
		mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		fmt.Fprint(w, body)
	}))
	t.Cleanup(server.Close)
	return server, &captured
}

func setupTestTracer(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSyncer(exporter),
	)
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		_ = tp.Shutdown(context.Background())
	})
	return exporter
}

// =============================================================================
// Nil Client Tests
// =============================================================================

func TestGeminiChatAdapter_NilClient(t *testing.T) {
	adapter := NewGeminiChatAdapter(nil, "gemini-2.5-flash", nil)
	if _, err := adapter.Chat(context.Background(), nil, ChatOptions{}); err == nil {
		t.Fatal("expected error for nil client")
	}
	if _, err := adapter.ListModels(context.Background()); err == nil {
		t.Fatal("expected error for nil client")
	}
}

func TestOllamaChatAdapter_NilClient(t *testing.T) {
	adapter := NewOllamaChatAdapter(nil, ProviderConfig{Model: "llama3.1"}, nil)
	_, err := adapter.Chat(context.Background(), nil, ChatOptions{})
	if err == nil {
		t.Fatal("expected error for nil client")
	}
	if got := classifyChatError(err); got != "nil_client" {
		t.Errorf("classifyChatError = %q, want nil_client", got)
	}
}

func TestOllamaChatAdapter_EmptyModel(t *testing.T) {
	server, _ := chatMockServer(t, http.StatusOK, testOllamaResp)
	adapter := &OllamaChatAdapter{client: llm.NewOllamaClient(server.URL, "x")}

	_, err := adapter.Chat(context.Background(), nil, ChatOptions{})
	if err == nil {
		t.Fatal("expected error for empty model")
	}
}

// =============================================================================
// Request Mapping Tests
// =============================================================================

func TestOllamaChatAdapter_AppliesDefaults(t *testing.T) {
	server, captured := chatMockServer(t, http.StatusOK, testOllamaResp)
	adapter := NewOllamaChatAdapter(
		llm.NewOllamaClient(server.URL, ""),
		ProviderConfig{Model: "llama3.1", KeepAlive: "10m", NumCtx: 8192},
		nil,
	)

	got, err := adapter.Chat(context.Background(),
		[]llm.Message{{Role: "user", Content: "Hello"}},
		ChatOptions{Temperature: 0.3, MaxTokens: 500, JSONMode: true},
	)
	if err != nil {
		t.Fatalf("Chat() error: %v", err)
	}
	if got != "Hello from mock" {
		t.Errorf("result = %q, want %q", got, "Hello from mock")
	}

	if len(*captured) != 1 {
		t.Fatalf("captured %d requests, want 1", len(*captured))
	}
	req := (*captured)[0]
	if req["model"] != "llama3.1" {
		t.Errorf("model = %v, want llama3.1", req["model"])
	}
	if req["keep_alive"] != "10m" {
		t.Errorf("keep_alive = %v, want 10m", req["keep_alive"])
	}
	if req["format"] != "json" {
		t.Errorf("format = %v, want json", req["format"])
	}
	opts, _ := req["options"].(map[string]any)
	if opts["num_predict"] != float64(500) {
		t.Errorf("num_predict = %v, want 500", opts["num_predict"])
	}
	if opts["num_ctx"] != float64(8192) {
		t.Errorf("num_ctx = %v, want 8192", opts["num_ctx"])
	}
}

func TestOllamaChatAdapter_ModelOverride(t *testing.T) {
	server, captured := chatMockServer(t, http.StatusOK, testOllamaResp)
	adapter := NewOllamaChatAdapter(llm.NewOllamaClient(server.URL, ""), ProviderConfig{Model: "llama3.1"}, nil)

	if _, err := adapter.Chat(context.Background(),
		[]llm.Message{{Role: "user", Content: "Hello"}},
		ChatOptions{Model: "mistral"},
	); err != nil {
		t.Fatalf("Chat() error: %v", err)
	}
	if (*captured)[0]["model"] != "mistral" {
		t.Errorf("model = %v, want mistral", (*captured)[0]["model"])
	}
}

func TestChatOptions_NegativeTemperatureOmitted(t *testing.T) {
	p := ChatOptions{Temperature: -1}.params()
	if p.Temperature != nil {
		t.Errorf("Temperature = %v, want nil", *p.Temperature)
	}
	if p.MaxTokens != nil {
		t.Errorf("MaxTokens = %v, want nil", *p.MaxTokens)
	}

	p = ChatOptions{Temperature: 0}.params()
	if p.Temperature == nil || *p.Temperature != 0 {
		t.Error("zero temperature should be sent explicitly")
	}
}

func TestGeminiChatAdapter_ContentBlocked(t *testing.T) {
	server, _ := chatMockServer(t, http.StatusOK, `{"promptFeedback":{"blockReason":"SAFETY"}}`)
	adapter := NewGeminiChatAdapter(llm.NewGeminiClientWithConfig("test-key", "gemini-2.5-flash", server.URL), "gemini-2.5-flash", nil)

	_, err := adapter.Chat(context.Background(), []llm.Message{{Role: "user", Content: "Hello"}}, ChatOptions{})
	if !errors.Is(err, llm.ErrContentBlocked) {
		t.Fatalf("err = %v, want ErrContentBlocked", err)
	}
}

func TestGeminiChatAdapter_ListModels(t *testing.T) {
	server, _ := chatMockServer(t, http.StatusOK, `{"models":[
		{"name":"models/gemini-2.5-flash","displayName":"Gemini 2.5 Flash","supportedGenerationMethods":["generateContent"]},
		{"name":"models/embedding-001","supportedGenerationMethods":["embedContent"]}
	]}`)
	adapter := NewGeminiChatAdapter(llm.NewGeminiClientWithConfig("test-key", "gemini-2.5-flash", server.URL), "gemini-2.5-flash", nil)

	models, err := adapter.ListModels(context.Background())
	if err != nil {
		t.Fatalf("ListModels() error: %v", err)
	}
	if len(models) != 1 || models[0].Name != "gemini-2.5-flash" {
		t.Errorf("models = %+v, want only gemini-2.5-flash", models)
	}
	if err := adapter.Ping(context.Background()); err != nil {
		t.Errorf("Ping() error: %v", err)
	}
}

// =============================================================================
// Rate Limiting Tests
// =============================================================================

func TestChat_RateLimiterHonoursContext(t *testing.T) {
	server, captured := chatMockServer(t, http.StatusOK, testOllamaResp)
	limiter := rate.NewLimiter(rate.Every(time.Hour), 1)
	adapter := NewOllamaChatAdapter(llm.NewOllamaClient(server.URL, ""), ProviderConfig{Model: "llama3.1"}, limiter)
	msgs := []llm.Message{{Role: "user", Content: "Hello"}}

	if _, err := adapter.Chat(context.Background(), msgs, ChatOptions{}); err != nil {
		t.Fatalf("first Chat() error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := adapter.Chat(ctx, msgs, ChatOptions{}); err == nil {
		t.Fatal("expected limiter error once the burst is spent")
	}
	if len(*captured) != 1 {
		t.Errorf("upstream saw %d requests, want 1", len(*captured))
	}
}

func TestNewLimiter(t *testing.T) {
	if newLimiter(0, 5) != nil {
		t.Error("zero rate should disable limiting")
	}
	l := newLimiter(2, 0)
	if l == nil || l.Burst() != 1 {
		t.Errorf("burst = %v, want 1", l)
	}
}

// =============================================================================
// OTel Span Tests
// =============================================================================

func TestChat_SpanCreated_AllProviders(t *testing.T) {
	providers := []struct {
		name         string
		createClient func(url string) ChatClient
		mockResp     string
		spanName     string
	}{
		{
			name: ProviderGemini,
			createClient: func(url string) ChatClient {
				return NewGeminiChatAdapter(llm.NewGeminiClientWithConfig("test-key", "gemini-2.5-flash", url), "gemini-2.5-flash", nil)
			},
			mockResp: testGeminiResp,
			spanName: "providers.GeminiChatAdapter.Chat",
		},
		{
			name: ProviderOllama,
			createClient: func(url string) ChatClient {
				return NewOllamaChatAdapter(llm.NewOllamaClient(url, ""), ProviderConfig{Model: "llama3.1"}, nil)
			},
			mockResp: testOllamaResp,
			spanName: "providers.OllamaChatAdapter.Chat",
		},
	}

	for _, p := range providers {
		t.Run(p.name, func(t *testing.T) {
			exporter := setupTestTracer(t)
			server, _ := chatMockServer(t, http.StatusOK, p.mockResp)

			client := p.createClient(server.URL)
			messages := []llm.Message{{Role: "user", Content: "Hello"}}

			result, err := client.Chat(context.Background(), messages, ChatOptions{Temperature: 0.7})
			if err != nil {
				t.Fatalf("Chat() error: %v", err)
			}
			if result != "Hello from mock" {
				t.Errorf("result = %q, want %q", result, "Hello from mock")
			}

			foundSpan := false
			for _, s := range exporter.GetSpans() {
				if s.Name != p.spanName {
					continue
				}
				foundSpan = true
				for _, attr := range s.Attributes {
					if string(attr.Key) == "provider" && attr.Value.AsString() != p.name {
						t.Errorf("span provider = %q, want %q", attr.Value.AsString(), p.name)
					}
				}
			}
			if !foundSpan {
				t.Errorf("span %q not found", p.spanName)
			}
		})
	}
}

func TestChat_SpanRecordsError(t *testing.T) {
	exporter := setupTestTracer(t)
	server, _ := chatMockServer(t, http.StatusInternalServerError, `{"error":"server error"}`)

	client := NewOllamaChatAdapter(llm.NewOllamaClient(server.URL, ""), ProviderConfig{Model: "llama3.1"}, nil)
	_, err := client.Chat(context.Background(), []llm.Message{{Role: "user", Content: "Hello"}}, ChatOptions{})
	if err == nil {
		t.Fatal("expected error for 500 response")
	}

	foundSpan := false
	for _, s := range exporter.GetSpans() {
		if s.Name == "providers.OllamaChatAdapter.Chat" {
			foundSpan = true
			if s.Status.Code != codes.Error {
				t.Errorf("span status = %v, want %v", s.Status.Code, codes.Error)
			}
		}
	}
	if !foundSpan {
		t.Error("error span not found")
	}
}
