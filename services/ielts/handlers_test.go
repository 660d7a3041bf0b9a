// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ielts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/AleutianAI/AleutianIELTS/services/llm"
	"github.com/AleutianAI/AleutianIELTS/services/recovery"
	"github.com/gin-gonic/gin"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	goleak.VerifyTestMain(m)
}

// testServer wires a router with ollama on /api and gemini on /api/v2.
// A nil gemini provider leaves /api/v2 unconfigured.
type testServer struct {
	router *gin.Engine
	ollama *fakeProvider
	gemini *fakeProvider
}

func newTestServer(t *testing.T, ollama, gemini *fakeProvider) *testServer {
	t.Helper()
	cfg, err := recovery.GetConfig(context.Background())
	if err != nil {
		t.Fatalf("GetConfig: %v", err)
	}

	ollamaSvc, err := NewService(ServiceConfig{Name: "ollama", Provider: ollama, Recovery: cfg, Budgets: OllamaBudgets()})
	if err != nil {
		t.Fatalf("NewService(ollama): %v", err)
	}

	geminiCfg := ServiceConfig{
		Name:        "gemini",
		Recovery:    cfg,
		Budgets:     GeminiBudgets(),
		Unavailable: fmt.Errorf("GEMINI_API_KEY required: %w", llm.ErrNotConfigured),
	}
	var geminiProbe *Probe
	if gemini != nil {
		geminiCfg.Provider = gemini
		geminiProbe = NewProbe(gemini, "", nil)
	} else {
		geminiProbe = NewProbe(nil, "", geminiCfg.Unavailable)
	}
	geminiSvc, err := NewService(geminiCfg)
	if err != nil {
		t.Fatalf("NewService(gemini): %v", err)
	}

	root := NewRootHandlers(NewProbe(ollama, "http://localhost:11434", nil), geminiProbe, ollamaSvc.DefaultModel())
	router := NewRouter(root, NewHandlers(ollamaSvc), NewHandlers(geminiSvc), DefaultCORSOrigins)
	return &testServer{router: router, ollama: ollama, gemini: gemini}
}

func (s *testServer) do(method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		_ = json.NewEncoder(&buf).Encode(b)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("invalid JSON body %q: %v", w.Body.String(), err)
	}
	return out
}

func scoreResponder(system, _ string) (string, error) {
	if isGrammarCall(system) {
		return sampleGrammarJSON, nil
	}
	return `{"bandScore": 6.5, "pronunciationScore": 6, "grammarScore": 6.5, "vocabularyScore": 6, "fluencyScore": 7, "overallFeedback": "Solid answer."}`, nil
}

// =============================================================================
// Backend Routes
// =============================================================================

func TestHandleScore_V2(t *testing.T) {
	s := newTestServer(t, &fakeProvider{}, &fakeProvider{respond: scoreResponder})

	w := s.do(http.MethodPost, "/api/v2/score", ScoreRequest{Transcription: sampleTranscription})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if w.Header().Get(RequestIDHeader) == "" {
		t.Error("expected X-Request-ID on response")
	}

	body := decodeBody(t, w)
	if body["bandScore"] != 6.5 {
		t.Errorf("bandScore = %v, want 6.5", body["bandScore"])
	}
	if body["correctedTranscription"] != sampleCorrected {
		t.Errorf("correctedTranscription = %v", body["correctedTranscription"])
	}
	if _, ok := body["grammarCorrection"].(map[string]any); !ok {
		t.Errorf("grammarCorrection = %v, want object", body["grammarCorrection"])
	}
	if len(s.ollama.Calls()) != 0 {
		t.Error("v2 request must not reach the ollama backend")
	}
}

func TestHandleScore_V1UsesOllamaBudget(t *testing.T) {
	s := newTestServer(t, &fakeProvider{respond: scoreResponder}, nil)
	off := false

	w := s.do(http.MethodPost, "/api/score", ScoreRequest{Transcription: "I enjoy cooking.", IncludeGrammarCorrection: &off})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	body := decodeBody(t, w)
	if v, ok := body["grammarCorrection"]; !ok || v != nil {
		t.Errorf("grammarCorrection = %v, want explicit null", v)
	}
	calls := s.ollama.Calls()
	if len(calls) != 1 || calls[0].Opts.MaxTokens != 500 {
		t.Errorf("calls = %+v, want one call with 500 tokens", calls)
	}
}

func TestHandleScore_InvalidBody(t *testing.T) {
	s := newTestServer(t, &fakeProvider{}, nil)

	tests := []struct {
		name string
		body any
	}{
		{"malformed JSON", `{"transcription": `},
		{"missing transcription", map[string]any{"topic": "Food"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := s.do(http.MethodPost, "/api/score", tt.body)
			if w.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", w.Code)
			}
			detail, _ := decodeBody(t, w)["detail"].(string)
			if !strings.HasPrefix(detail, "Invalid request") {
				t.Errorf("detail = %q", detail)
			}
		})
	}
}

func TestHandleGrammar_BlankTranscription(t *testing.T) {
	s := newTestServer(t, &fakeProvider{}, &fakeProvider{})

	w := s.do(http.MethodPost, "/api/v2/grammar/correct", GrammarCorrectionRequest{Transcription: "  "})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
	if got := decodeBody(t, w)["detail"]; got != "Transcription cannot be empty" {
		t.Errorf("detail = %v", got)
	}
}

func TestHandleGrammar_ExhaustedRetries(t *testing.T) {
	truncated := &fakeProvider{respond: func(string, string) (string, error) {
		return `{"corrected": "I went."}`, nil
	}}
	s := newTestServer(t, truncated, nil)

	w := s.do(http.MethodPost, "/api/grammar/correct", GrammarCorrectionRequest{Transcription: sampleTranscription})
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500, body = %s", w.Code, w.Body.String())
	}
	detail, _ := decodeBody(t, w)["detail"].(string)
	if !strings.HasPrefix(detail, "Error processing grammar request") {
		t.Errorf("detail = %q", detail)
	}
	if n := len(truncated.Calls()); n != 3 {
		t.Errorf("calls = %d, want 3", n)
	}
}

func TestHandle_UnconfiguredBackend(t *testing.T) {
	s := newTestServer(t, &fakeProvider{}, nil)

	w := s.do(http.MethodPost, "/api/v2/generate/topics", TopicsRequest{})
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", w.Code)
	}
	detail, _ := decodeBody(t, w)["detail"].(string)
	if !strings.Contains(detail, "GEMINI_API_KEY") {
		t.Errorf("detail = %q", detail)
	}
}

func TestHandle_ContentBlocked(t *testing.T) {
	blocked := &fakeProvider{respond: func(string, string) (string, error) {
		return "", fmt.Errorf("gemini: prompt blocked (SAFETY): %w", llm.ErrContentBlocked)
	}}
	s := newTestServer(t, &fakeProvider{}, blocked)

	w := s.do(http.MethodPost, "/api/v2/generate/answers", AnswersRequest{Question: "Describe a person you admire."})
	if w.Code != http.StatusUnprocessableEntity {
		t.Errorf("status = %d, want 422", w.Code)
	}
}

func TestHandle_UpstreamFailure(t *testing.T) {
	down := &fakeProvider{respond: func(string, string) (string, error) {
		return "", errors.New("ollama: connection refused")
	}}
	s := newTestServer(t, down, nil)

	w := s.do(http.MethodPost, "/api/generate", GenerateRequest{Prompt: "hi"})
	if w.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", w.Code)
	}
}

func TestHandleGenerate_ReturnsDecodedObject(t *testing.T) {
	p := &fakeProvider{respond: func(string, string) (string, error) {
		return "Sure!\n{\"outline\": [\"intro\", \"body\"], \"_debug\": true}", nil
	}}
	s := newTestServer(t, p, nil)

	w := s.do(http.MethodPost, "/api/generate", GenerateRequest{Prompt: "Outline", TaskType: "outline"})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	body := decodeBody(t, w)
	if _, ok := body["outline"]; !ok {
		t.Errorf("body = %v, want outline key", body)
	}
	if _, ok := body["_debug"]; ok {
		t.Error("underscore keys must be stripped")
	}
}

func TestHandleModels(t *testing.T) {
	p := &fakeProvider{models: []llm.ModelInfo{{Name: "gemini-2.5-flash"}}}
	s := newTestServer(t, &fakeProvider{}, p)

	w := s.do(http.MethodGet, "/api/v2/models", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	body := decodeBody(t, w)
	if body["count"] != 1.0 || body["default_model"] != "fake-model" {
		t.Errorf("body = %v", body)
	}
}

// =============================================================================
// Root Routes
// =============================================================================

func TestHandleHealth(t *testing.T) {
	tests := []struct {
		name       string
		ollamaErr  error
		wantStatus string
	}{
		{"ollama up", nil, "healthy"},
		{"all down", errors.New("connection refused"), "degraded"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t, &fakeProvider{pingErr: tt.ollamaErr}, nil)
			body := decodeBody(t, s.do(http.MethodGet, "/health", nil))
			if body["status"] != tt.wantStatus {
				t.Errorf("status = %v, want %s", body["status"], tt.wantStatus)
			}
			if body["google_ai_available"] != false {
				t.Errorf("google_ai_available = %v, want false", body["google_ai_available"])
			}
		})
	}
}

func TestHandleRoot_ReportsErrors(t *testing.T) {
	s := newTestServer(t, &fakeProvider{}, nil)

	body := decodeBody(t, s.do(http.MethodGet, "/", nil))
	if body["status"] != "ok" || body["version"] != Version {
		t.Errorf("body = %v", body)
	}
	if body["ollama_url"] != "http://localhost:11434" {
		t.Errorf("ollama_url = %v", body["ollama_url"])
	}
	if e, _ := body["google_ai_error"].(string); !strings.Contains(e, "GEMINI_API_KEY") {
		t.Errorf("google_ai_error = %v", body["google_ai_error"])
	}
}

func TestHandleReconnect(t *testing.T) {
	p := &fakeProvider{pingErr: errors.New("dial tcp: connection refused")}
	s := newTestServer(t, p, nil)

	body := decodeBody(t, s.do(http.MethodPost, "/reconnect", nil))
	if body["success"] != false {
		t.Errorf("success = %v, want false", body["success"])
	}
	if e, _ := body["error"].(string); !strings.Contains(e, "connection refused") {
		t.Errorf("error = %v", body["error"])
	}

	p.pingErr = nil
	body = decodeBody(t, s.do(http.MethodPost, "/reconnect", nil))
	if body["success"] != true || body["error"] != nil {
		t.Errorf("body = %v, want success", body)
	}
}

func TestHandleInfo(t *testing.T) {
	s := newTestServer(t, &fakeProvider{}, nil)

	body := decodeBody(t, s.do(http.MethodGet, "/info", nil))
	endpoints, ok := body["endpoints"].(map[string]any)
	if !ok {
		t.Fatalf("endpoints = %v", body["endpoints"])
	}
	for _, key := range []string{"v1_score", "v2_list_models", "v2_grammar_correct", "reconnect"} {
		if _, ok := endpoints[key]; !ok {
			t.Errorf("missing endpoint %q", key)
		}
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t, &fakeProvider{}, nil)
	s.do(http.MethodGet, "/", nil)

	w := s.do(http.MethodGet, "/metrics", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "ielts_http_request_duration_seconds") {
		t.Error("expected http duration histogram in metrics output")
	}
}

// =============================================================================
// Middleware
// =============================================================================

func TestCORSMiddleware(t *testing.T) {
	s := newTestServer(t, &fakeProvider{}, nil)

	t.Run("preflight from allowed origin", func(t *testing.T) {
		w := s.do(http.MethodOptions, "/api/score", nil,
			"Origin", "http://localhost:3000",
			"Access-Control-Request-Method", "POST",
			"Access-Control-Request-Headers", "content-type",
		)
		if w.Code != http.StatusNoContent {
			t.Errorf("status = %d, want 204", w.Code)
		}
		if got := w.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:3000" {
			t.Errorf("Allow-Origin = %q", got)
		}
		if got := w.Header().Get("Access-Control-Allow-Headers"); got != "content-type" {
			t.Errorf("Allow-Headers = %q", got)
		}
	})

	t.Run("disallowed origin", func(t *testing.T) {
		w := s.do(http.MethodGet, "/", nil, "Origin", "http://evil.example")
		if got := w.Header().Get("Access-Control-Allow-Origin"); got != "" {
			t.Errorf("Allow-Origin = %q, want empty", got)
		}
	})
}

func TestCORSMiddleware_Wildcard(t *testing.T) {
	router := gin.New()
	router.Use(CORSMiddleware([]string{"*", "https://app.example"}))
	router.GET("/ping", func(c *gin.Context) { c.Status(http.StatusOK) })

	tests := []struct {
		name            string
		origin          string
		wantOrigin      string
		wantCredentials string
	}{
		{"listed origin keeps credentials", "https://app.example", "https://app.example", "true"},
		{"other origin gets wildcard", "http://evil.example", "*", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/ping", nil)
			req.Header.Set("Origin", tt.origin)
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			if got := w.Header().Get("Access-Control-Allow-Origin"); got != tt.wantOrigin {
				t.Errorf("Allow-Origin = %q, want %q", got, tt.wantOrigin)
			}
			if got := w.Header().Get("Access-Control-Allow-Credentials"); got != tt.wantCredentials {
				t.Errorf("Allow-Credentials = %q, want %q", got, tt.wantCredentials)
			}
		})
	}
}

func TestRequestIDMiddleware_ReusesIncoming(t *testing.T) {
	s := newTestServer(t, &fakeProvider{}, nil)
	w := s.do(http.MethodGet, "/", nil, RequestIDHeader, "req-123")
	if got := w.Header().Get(RequestIDHeader); got != "req-123" {
		t.Errorf("X-Request-ID = %q, want req-123", got)
	}
}

func TestCORSOriginsFromEnv(t *testing.T) {
	t.Setenv("IELTS_CORS_ORIGINS", "")
	if got := CORSOriginsFromEnv(); len(got) != len(DefaultCORSOrigins) {
		t.Errorf("got %v, want defaults", got)
	}
	t.Setenv("IELTS_CORS_ORIGINS", " https://app.example , ,https://admin.example")
	got := CORSOriginsFromEnv()
	if len(got) != 2 || got[0] != "https://app.example" || got[1] != "https://admin.example" {
		t.Errorf("got %v", got)
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"bad request", badRequest("nope"), http.StatusBadRequest},
		{"not configured", fmt.Errorf("x: %w", llm.ErrNotConfigured), http.StatusServiceUnavailable},
		{"blocked inside upstream", &recovery.UpstreamError{Task: "score", Err: llm.ErrContentBlocked}, http.StatusUnprocessableEntity},
		{"upstream", &recovery.UpstreamError{Task: "score", Err: errors.New("boom")}, http.StatusBadGateway},
		{"deadline", &recovery.UpstreamError{Task: "score", Err: context.DeadlineExceeded}, http.StatusGatewayTimeout},
		{"processing", &recovery.ProcessingError{Task: "grammar"}, http.StatusInternalServerError},
		{"shape", &shapeError{task: "topics", err: errors.New("bad")}, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := statusFor(tt.err); got != tt.want {
				t.Errorf("statusFor(%v) = %d, want %d", tt.err, got, tt.want)
			}
		})
	}
}

func TestStringList_Unmarshal(t *testing.T) {
	var l StringList
	if err := json.Unmarshal([]byte(`["a", {"q": 1}, 2]`), &l); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	want := StringList{"a", `{"q": 1}`, "2"}
	if len(l) != len(want) {
		t.Fatalf("got %v, want %v", l, want)
	}
	for i := range want {
		if l[i] != want[i] {
			t.Errorf("item %d = %q, want %q", i, l[i], want[i])
		}
	}
	if err := json.Unmarshal([]byte(`{"x": 1}`), &l); err == nil {
		t.Error("expected error for object")
	}
}
