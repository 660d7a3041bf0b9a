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
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type backendRoute struct {
	key    string
	method string
	path   string
	handle func(*Handlers) gin.HandlerFunc
}

var backendRoutes = []backendRoute{
	{"score", http.MethodPost, "/score", func(h *Handlers) gin.HandlerFunc { return h.HandleScore }},
	{"chat", http.MethodPost, "/chat", func(h *Handlers) gin.HandlerFunc { return h.HandleChat }},
	{"generate_topics", http.MethodPost, "/generate/topics", func(h *Handlers) gin.HandlerFunc { return h.HandleTopics }},
	{"generate_questions", http.MethodPost, "/generate/questions", func(h *Handlers) gin.HandlerFunc { return h.HandleQuestions }},
	{"generate_answers", http.MethodPost, "/generate/answers", func(h *Handlers) gin.HandlerFunc { return h.HandleAnswers }},
	{"generate_structures", http.MethodPost, "/generate/structures", func(h *Handlers) gin.HandlerFunc { return h.HandleStructures }},
	{"generate_vocabulary", http.MethodPost, "/generate/vocabulary", func(h *Handlers) gin.HandlerFunc { return h.HandleVocabulary }},
	{"generate", http.MethodPost, "/generate", func(h *Handlers) gin.HandlerFunc { return h.HandleGenerate }},
	{"grammar_correct", http.MethodPost, "/grammar/correct", func(h *Handlers) gin.HandlerFunc { return h.HandleGrammar }},
	{"improve", http.MethodPost, "/improve", func(h *Handlers) gin.HandlerFunc { return h.HandleImprove }},
	{"list_models", http.MethodGet, "/models", func(h *Handlers) gin.HandlerFunc { return h.HandleModels }},
}

// RegisterBackendRoutes registers one backend's endpoints on rg.
//
// Description:
//
//	The router group should already carry any middleware. The same
//	endpoint set is served by every backend.
//
// Inputs:
//
//	rg - Gin router group (typically /api or /api/v2)
//	handlers - The backend's handlers
//
// Endpoints:
//
//	POST /score - Score a spoken response
//	POST /chat - Score the last user message of a chat payload
//	POST /generate/topics - Generate speaking topics
//	POST /generate/questions - Generate a cue card
//	POST /generate/answers - Generate a sample answer
//	POST /generate/structures - Generate sentence structures
//	POST /generate/vocabulary - Generate vocabulary items
//	POST /generate - Free-form generation by task type
//	POST /grammar/correct - Correct grammar in a transcription
//	POST /improve - Improve a transcription
//	GET  /models - List backend models
func RegisterBackendRoutes(rg *gin.RouterGroup, handlers *Handlers) {
	for _, r := range backendRoutes {
		rg.Handle(r.method, r.path, r.handle(handlers))
	}
}

// RegisterRootRoutes registers the service-level endpoints.
//
// Endpoints:
//
//	GET  / - Service status
//	GET  /health - Probe both providers
//	GET  /info - Service information and endpoint index
//	POST /reconnect - Re-probe Ollama
//	GET  /metrics - Prometheus metrics
func RegisterRootRoutes(router gin.IRoutes, handlers *RootHandlers) {
	router.GET("/", handlers.HandleRoot)
	router.GET("/health", handlers.HandleHealth)
	router.GET("/info", handlers.HandleInfo)
	router.POST("/reconnect", handlers.HandleReconnect)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
}

// NewRouter builds the full router: recovery, request IDs, CORS, and
// metrics middleware, the root routes, Ollama under /api, and Gemini under
// /api/v2.
//
// Tracing middleware is added by the caller so tests can build a router
// without a tracer provider.
func NewRouter(root *RootHandlers, ollama, gemini *Handlers, origins []string, extra ...gin.HandlerFunc) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(extra...)
	router.Use(RequestIDMiddleware(), CORSMiddleware(origins), MetricsMiddleware())

	RegisterRootRoutes(router, root)
	RegisterBackendRoutes(router.Group("/api"), ollama)
	RegisterBackendRoutes(router.Group("/api/v2"), gemini)
	return router
}
