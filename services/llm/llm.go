// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package llm contains raw REST clients for the generative backends used by
// the IELTS service: Google Gemini and a local Ollama server.
package llm

import (
	"context"
	"errors"
	"fmt"
)

// Message is one turn of a chat conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// GenerationParams controls a single generation call.
//
// Description:
//
//	Pointer fields are optional: nil means "let the backend decide". Backends
//	ignore fields they do not support (Gemini has no KeepAlive or NumCtx).
type GenerationParams struct {
	Temperature   *float32
	TopP          *float32
	TopK          *int
	MaxTokens     *int
	Stop          []string
	ModelOverride string
	KeepAlive     string
	NumCtx        *int
	// JSONMode asks the backend to constrain output to JSON where supported.
	JSONMode bool
}

// ModelInfo describes a model advertised by a backend.
type ModelInfo struct {
	Name        string `json:"name"`
	DisplayName string `json:"displayName,omitempty"`
	Description string `json:"description,omitempty"`
	Size        int64  `json:"size,omitempty"`
}

// LLMClient is the contract shared by all backend clients.
//
// Thread Safety: Implementations must be safe for concurrent use.
type LLMClient interface {
	Generate(ctx context.Context, prompt string, params GenerationParams) (string, error)
	Chat(ctx context.Context, messages []Message, params GenerationParams) (string, error)
	ListModels(ctx context.Context) ([]ModelInfo, error)
}

var (
	// ErrNotConfigured is returned when a backend lacks required credentials.
	ErrNotConfigured = errors.New("llm: backend not configured")

	// ErrContentBlocked is returned when the backend refuses to answer on
	// safety grounds.
	ErrContentBlocked = errors.New("llm: content blocked by backend")

	// ErrModelNotFound is returned when the requested model is not installed
	// or not served by the backend.
	ErrModelNotFound = errors.New("llm: model not found")
)

// EmptyResponseError is returned when a backend answers successfully but
// with no usable text.
type EmptyResponseError struct {
	Provider     string
	FinishReason string
}

func (e *EmptyResponseError) Error() string {
	if e.FinishReason == "" {
		return fmt.Sprintf("%s: returned empty text content", e.Provider)
	}
	return fmt.Sprintf("%s: returned empty text content (finish reason %s)", e.Provider, e.FinishReason)
}

// Float32Ptr returns a pointer to v.
func Float32Ptr(v float32) *float32 { return &v }

// IntPtr returns a pointer to v.
func IntPtr(v int) *int { return &v }
