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

	"github.com/AleutianAI/AleutianIELTS/services/llm"
	"github.com/AleutianAI/AleutianIELTS/services/recovery"
)

// ChatGenerator adapts a ChatClient to recovery.Generator.
//
// Description:
//
//	Each request becomes a system message (when System is set), the history
//	turns in order, and a final user message carrying the prompt.
//
// Thread Safety: Safe for concurrent use. Fields must not change after the
// first Generate call.
type ChatGenerator struct {
	client ChatClient

	// SystemSuffix is appended to a non-empty system text.
	SystemSuffix string

	// JSONMode forwards the request's JSON flag to the backend.
	JSONMode bool
}

// NewChatGenerator creates a generator over client.
func NewChatGenerator(client ChatClient) *ChatGenerator {
	return &ChatGenerator{client: client}
}

// Generate implements recovery.Generator.
func (g *ChatGenerator) Generate(ctx context.Context, req recovery.GenerationRequest) (string, error) {
	return g.client.Chat(ctx, g.messages(req), ChatOptions{
		Temperature: req.Temperature,
		MaxTokens:   req.MaxOutputTokens,
		Model:       req.Model,
		JSONMode:    g.JSONMode && req.JSON,
	})
}

func (g *ChatGenerator) messages(req recovery.GenerationRequest) []llm.Message {
	msgs := make([]llm.Message, 0, len(req.History)+2)
	if req.System != "" {
		msgs = append(msgs, llm.Message{Role: "system", Content: req.System + g.SystemSuffix})
	}
	for _, t := range req.History {
		msgs = append(msgs, llm.Message{Role: t.Role, Content: t.Content})
	}
	if req.Prompt != "" {
		msgs = append(msgs, llm.Message{Role: "user", Content: req.Prompt})
	}
	return msgs
}
