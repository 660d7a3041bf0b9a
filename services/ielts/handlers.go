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
	"time"

	"github.com/gin-gonic/gin"
)

// Handlers serves one backend's route group.
//
// Thread Safety: Handlers is safe for concurrent use.
type Handlers struct {
	svc *Service
}

// NewHandlers creates handlers over svc.
func NewHandlers(svc *Service) *Handlers {
	return &Handlers{svc: svc}
}

// serveJSON binds the request body, runs op, and writes the result or the
// mapped error.
func serveJSON[Req, Resp any](c *gin.Context, h *Handlers, handler, action string, op func(context.Context, Req) (Resp, error)) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", handler, "backend", h.svc.Name())

	var req Req
	if err := c.ShouldBindJSON(&req); err != nil {
		logger.Warn("invalid request body", slog.String("error", err.Error()))
		writeError(c, action, badRequest("Invalid request: %v", err))
		return
	}

	start := time.Now()
	resp, err := op(c.Request.Context(), req)
	if err != nil {
		logger.Error("request failed",
			slog.String("error", err.Error()),
			slog.Int("status", statusFor(err)),
			slog.Duration("duration", time.Since(start)),
		)
		writeError(c, action, err)
		return
	}
	logger.Info("request completed", slog.Duration("duration", time.Since(start)))
	c.JSON(http.StatusOK, resp)
}

// HandleScore handles POST /score.
//
// Response:
//
//	200 OK: ScoreResponse
//	400 Bad Request: Missing transcription
//	502 Bad Gateway: Backend call failed
//	503 Service Unavailable: Backend not configured
func (h *Handlers) HandleScore(c *gin.Context) {
	serveJSON(c, h, "HandleScore", "processing score request", h.svc.Score)
}

// HandleChat handles POST /chat.
//
// Response:
//
//	200 OK: ScoreResult
//	400 Bad Request: No messages or no user message
func (h *Handlers) HandleChat(c *gin.Context) {
	serveJSON(c, h, "HandleChat", "processing chat request", h.svc.Chat)
}

// HandleTopics handles POST /generate/topics.
func (h *Handlers) HandleTopics(c *gin.Context) {
	serveJSON(c, h, "HandleTopics", "generating topics", h.svc.Topics)
}

// HandleQuestions handles POST /generate/questions.
func (h *Handlers) HandleQuestions(c *gin.Context) {
	serveJSON(c, h, "HandleQuestions", "generating questions", h.svc.Questions)
}

// HandleAnswers handles POST /generate/answers.
func (h *Handlers) HandleAnswers(c *gin.Context) {
	serveJSON(c, h, "HandleAnswers", "generating answers", h.svc.Answers)
}

// HandleStructures handles POST /generate/structures.
func (h *Handlers) HandleStructures(c *gin.Context) {
	serveJSON(c, h, "HandleStructures", "generating structures", h.svc.Structures)
}

// HandleVocabulary handles POST /generate/vocabulary.
func (h *Handlers) HandleVocabulary(c *gin.Context) {
	serveJSON(c, h, "HandleVocabulary", "generating vocabulary", h.svc.Vocabulary)
}

// HandleGenerate handles POST /generate.
//
// Response:
//
//	200 OK: The decoded object, or {"content": "..."} for prose answers
func (h *Handlers) HandleGenerate(c *gin.Context) {
	serveJSON(c, h, "HandleGenerate", "processing generation request", h.svc.Generate)
}

// HandleGrammar handles POST /grammar/correct.
//
// Response:
//
//	200 OK: GrammarCorrectionResponse
//	400 Bad Request: {"detail": "Transcription cannot be empty"}
//	500 Internal Server Error: The rewrite stayed incomplete after retries
func (h *Handlers) HandleGrammar(c *gin.Context) {
	serveJSON(c, h, "HandleGrammar", "processing grammar request", h.svc.CorrectGrammar)
}

// HandleImprove handles POST /improve.
func (h *Handlers) HandleImprove(c *gin.Context) {
	serveJSON(c, h, "HandleImprove", "processing improve request", h.svc.Improve)
}

// HandleModels handles GET /models.
func (h *Handlers) HandleModels(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleModels", "backend", h.svc.Name())

	resp, err := h.svc.Models(c.Request.Context())
	if err != nil {
		logger.Error("listing models failed", slog.String("error", err.Error()))
		writeError(c, "listing models", err)
		return
	}
	c.JSON(http.StatusOK, resp)
}
