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
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianIELTS/services/providers"
	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"
)

// Version is reported by the root endpoints.
const Version = "2.0.0"

const (
	serviceName     = "llama"
	probeTimeout    = 5 * time.Second
	infoServiceName = "Llama IELTS Scoring Service"
	infoDescription = "IELTS speaking scoring using Ollama LLM and Google AI Studio"
)

// =============================================================================
// Availability Probe
// =============================================================================

// Probe tracks the last known availability of one provider.
//
// Thread Safety: Probe is safe for concurrent use.
type Probe struct {
	provider providers.Provider
	url      string

	mu        sync.RWMutex
	available bool
	lastErr   string
}

// NewProbe creates a probe. A nil provider is permanently unavailable with
// reason as its error.
func NewProbe(p providers.Provider, url string, reason error) *Probe {
	pr := &Probe{provider: p, url: url}
	if p == nil && reason != nil {
		pr.lastErr = reason.Error()
	}
	return pr
}

// Check pings the provider and records the result.
func (p *Probe) Check(ctx context.Context) bool {
	if p.provider == nil {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	err := p.provider.Ping(ctx)

	p.mu.Lock()
	defer p.mu.Unlock()
	p.available = err == nil
	p.lastErr = ""
	if err != nil {
		p.lastErr = err.Error()
		slog.Warn("provider unavailable",
			slog.String("provider", p.provider.Name()),
			slog.String("error", p.lastErr),
		)
	}
	return p.available
}

// Available returns the last recorded availability.
func (p *Probe) Available() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.available
}

// Err returns the last failure, or nil when available.
func (p *Probe) Err() *string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.available || p.lastErr == "" {
		return nil
	}
	e := p.lastErr
	return &e
}

// URL returns the provider endpoint reported by the root endpoints.
func (p *Probe) URL() string { return p.url }

// =============================================================================
// Root Handlers
// =============================================================================

// RootHandlers serves the service-level endpoints.
type RootHandlers struct {
	ollama       *Probe
	gemini       *Probe
	defaultModel string
}

// NewRootHandlers creates root handlers over the two provider probes.
func NewRootHandlers(ollama, gemini *Probe, defaultModel string) *RootHandlers {
	return &RootHandlers{ollama: ollama, gemini: gemini, defaultModel: defaultModel}
}

// CheckAll probes both providers concurrently.
func (h *RootHandlers) CheckAll(ctx context.Context) {
	var g errgroup.Group
	g.Go(func() error { h.ollama.Check(ctx); return nil })
	g.Go(func() error { h.gemini.Check(ctx); return nil })
	_ = g.Wait()
}

// HandleRoot handles GET /. It reports cached availability.
func (h *RootHandlers) HandleRoot(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":              "ok",
		"service":             serviceName,
		"version":             Version,
		"ollama_available":    h.ollama.Available(),
		"ollama_url":          h.ollama.URL(),
		"default_model":       h.defaultModel,
		"ollama_error":        h.ollama.Err(),
		"google_ai_available": h.gemini.Available(),
		"google_ai_error":     h.gemini.Err(),
	})
}

// HandleHealth handles GET /health.
//
// Response:
//
//	200 OK: status "healthy" when at least one provider answers, else
//	"degraded"
func (h *RootHandlers) HandleHealth(c *gin.Context) {
	h.CheckAll(c.Request.Context())
	ollamaUp, geminiUp := h.ollama.Available(), h.gemini.Available()

	status := "degraded"
	if ollamaUp || geminiUp {
		status = "healthy"
	}
	c.JSON(http.StatusOK, gin.H{
		"status":              status,
		"service":             serviceName,
		"version":             Version,
		"ollama_available":    ollamaUp,
		"google_ai_available": geminiUp,
	})
}

// HandleReconnect handles POST /reconnect by re-probing Ollama.
func (h *RootHandlers) HandleReconnect(c *gin.Context) {
	ok := h.ollama.Check(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{
		"success":          ok,
		"ollama_available": ok,
		"ollama_url":       h.ollama.URL(),
		"error":            h.ollama.Err(),
	})
}

// HandleInfo handles GET /info.
func (h *RootHandlers) HandleInfo(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"service":             infoServiceName,
		"version":             Version,
		"description":         infoDescription,
		"ollama_available":    h.ollama.Available(),
		"ollama_url":          h.ollama.URL(),
		"default_model":       h.defaultModel,
		"google_ai_available": h.gemini.Available(),
		"endpoints":           endpointIndex(),
	})
}

func endpointIndex() map[string]string {
	idx := map[string]string{
		"health":    "GET /health",
		"info":      "GET /info",
		"reconnect": "POST /reconnect",
		"metrics":   "GET /metrics",
	}
	for _, r := range backendRoutes {
		idx["v1_"+r.key] = r.method + " /api" + r.path + " (v1 - Ollama)"
		idx["v2_"+r.key] = r.method + " /api/v2" + r.path
	}
	return idx
}
