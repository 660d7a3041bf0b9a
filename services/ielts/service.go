// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ielts serves the IELTS speaking endpoints over one LLM backend.
//
// Every generation endpoint builds a prompt, hands it to a
// recovery.Controller with the task's expected schema, and projects the
// finalized object into a typed response. The HTTP layer lives in
// handlers.go and routes.go.
package ielts

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/AleutianAI/AleutianIELTS/services/llm"
	"github.com/AleutianAI/AleutianIELTS/services/providers"
	"github.com/AleutianAI/AleutianIELTS/services/recovery"
	"golang.org/x/sync/errgroup"
)

const (
	defaultLanguage = "English"

	scoreTemperature      = 0.3
	generateTemperature   = 0.7
	vocabularyTemperature = 0.3
	grammarTemperature    = 0.2
	improveTemperature    = 0.3
)

// ServiceConfig wires one backend.
type ServiceConfig struct {
	// Name labels the backend in logs, e.g. "ollama".
	Name string

	// Provider answers model listing. Nil marks the backend unavailable.
	Provider providers.Provider

	// Generator produces raw model text. Defaults to a ChatGenerator over
	// Provider.
	Generator recovery.Generator

	// Recovery holds the retry policy and task schemas.
	Recovery *recovery.Config

	Budgets Budgets

	// Unavailable is reported when Provider is nil. It should wrap
	// llm.ErrNotConfigured.
	Unavailable error

	Logger *slog.Logger
}

// Service runs the IELTS operations against one backend.
//
// Thread Safety: Service is safe for concurrent use.
type Service struct {
	name        string
	provider    providers.Provider
	controller  *recovery.Controller
	config      *recovery.Config
	budgets     Budgets
	unavailable error
	logger      *slog.Logger
}

// NewService creates a Service.
//
// Inputs:
//   - cfg: Backend wiring. Recovery must be non-nil. A nil Provider with
//     no Generator yields a service whose operations all fail with
//     cfg.Unavailable.
//
// Outputs:
//   - *Service: The configured service.
//   - error: Non-nil when cfg.Recovery is nil.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Recovery == nil {
		return nil, fmt.Errorf("ielts: %s: recovery config is required", cfg.Name)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("backend", cfg.Name))

	s := &Service{
		name:        cfg.Name,
		provider:    cfg.Provider,
		config:      cfg.Recovery,
		budgets:     cfg.Budgets,
		unavailable: cfg.Unavailable,
		logger:      logger,
	}
	if s.unavailable == nil {
		s.unavailable = fmt.Errorf("%s backend: %w", cfg.Name, llm.ErrNotConfigured)
	}

	gen := cfg.Generator
	if gen == nil && cfg.Provider != nil {
		gen = providers.NewChatGenerator(cfg.Provider)
	}
	if gen != nil {
		s.controller = recovery.NewController(gen, cfg.Recovery.Policy, logger)
	}
	return s, nil
}

// Name returns the backend label.
func (s *Service) Name() string { return s.name }

// Available reports whether the backend was configured.
func (s *Service) Available() bool { return s.controller != nil }

// DefaultModel returns the provider's default model, or "" when the
// backend is unavailable.
func (s *Service) DefaultModel() string {
	if s.provider == nil {
		return ""
	}
	return s.provider.DefaultModel()
}

func (s *Service) run(ctx context.Context, task string, t recovery.Task) (*recovery.Outcome, error) {
	if s.controller == nil {
		return nil, s.unavailable
	}
	schema, err := s.config.Schema(task)
	if err != nil {
		return nil, err
	}
	t.Schema = schema
	out, err := s.controller.Run(ctx, t)
	if err != nil {
		return out, err
	}
	if out.Partial {
		s.logger.Warn("returning partial result",
			slog.String("task", task),
			slog.String("run_id", out.RunID),
			slog.Int("items", out.Verdict.ItemCount),
			slog.Int("requested", out.Verdict.RequestedCount),
		)
	}
	return out, nil
}

// runInto runs task and projects the result into dst.
func (s *Service) runInto(ctx context.Context, task string, t recovery.Task, dst any) error {
	out, err := s.run(ctx, task, t)
	if err != nil {
		return err
	}
	return project(task, out.Result, dst)
}

// =============================================================================
// Scoring
// =============================================================================

// Score evaluates a spoken response.
//
// Description:
//
//	Scoring and, unless disabled, grammar correction run concurrently.
//	A failed grammar pass is logged and leaves both grammar fields null.
//	A failed scoring pass fails the request and cancels the grammar pass.
//
// Inputs:
//   - ctx: Cancels both passes.
//   - req: The response to score. Topic and Level take defaults.
//
// Outputs:
//   - *ScoreResponse: Scores clamped to [0,9], with defaults filled in.
//   - error: Upstream, processing, or configuration failure.
func (s *Service) Score(ctx context.Context, req ScoreRequest) (*ScoreResponse, error) {
	req.applyDefaults()
	if strings.TrimSpace(req.Transcription) == "" {
		return nil, badRequest("Transcription cannot be empty")
	}

	var (
		resp    ScoreResponse
		grammar *GrammarCorrectionResponse
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.runInto(gctx, recovery.TaskScore, recovery.Task{
			System:      examinerSystem,
			Prompt:      BuildScorePrompt(req.Transcription, req.QuestionText, req.Topic, req.Level),
			Temperature: scoreTemperature,
			MaxTokens:   s.budgets.Score,
		}, &resp.ScoreResult)
	})
	if req.wantsGrammar() {
		g.Go(func() error {
			gr, err := s.CorrectGrammar(gctx, GrammarCorrectionRequest{
				Transcription: req.Transcription,
				TextQuestion:  req.QuestionText,
			})
			if err != nil {
				s.logger.Warn("grammar correction skipped", slog.String("error", err.Error()))
				return nil
			}
			grammar = gr
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if grammar != nil {
		resp.GrammarCorrection = grammar
		corrected := grammar.Corrected
		resp.CorrectedTranscription = &corrected
	}
	return &resp, nil
}

// Chat scores the last user message of a chat payload.
//
// Description:
//
//	When no system message mentions IELTS, the last user message is
//	treated as a transcription and the examiner prompt is built around it.
//	Otherwise the caller's messages are sent as is: system messages become
//	the system text, the last user message becomes the prompt, and every
//	other message is replayed as history.
func (s *Service) Chat(ctx context.Context, p ChatPayload) (*ScoreResult, error) {
	var (
		systems  []string
		lastUser = -1
	)
	for i, m := range p.Messages {
		switch m.Role {
		case "system":
			systems = append(systems, m.Content)
		case "user":
			lastUser = i
		}
	}
	if lastUser < 0 {
		return nil, badRequest("No user message found")
	}
	system := strings.Join(systems, "\n\n")

	t := recovery.Task{
		Temperature: scoreTemperature,
		MaxTokens:   s.budgets.Score,
		Model:       p.Model,
	}
	if system == "" || !strings.Contains(system, "IELTS") {
		t.System = examinerSystem
		t.Prompt = BuildScorePrompt(p.Messages[lastUser].Content, "", "General", "intermediate")
	} else {
		t.System = system
		t.Prompt = p.Messages[lastUser].Content
		for i, m := range p.Messages {
			if i == lastUser || m.Role == "system" {
				continue
			}
			t.History = append(t.History, recovery.Turn{Role: m.Role, Content: m.Content})
		}
	}

	var out ScoreResult
	if err := s.runInto(ctx, recovery.TaskScore, t, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// =============================================================================
// Generation
// =============================================================================

// Topics generates speaking topics with related questions. A short list is
// retried once and then returned as is.
func (s *Service) Topics(ctx context.Context, req TopicsRequest) (*TopicsResponse, error) {
	req.applyDefaults()
	prompt := req.Prompt
	if prompt == "" {
		prompt = buildTopicsPrompt(req)
	}
	var out TopicsResponse
	err := s.runInto(ctx, recovery.TaskTopics, recovery.Task{
		System:      topicsSystem,
		Prompt:      prompt,
		Temperature: generateTemperature,
		MaxTokens:   s.budgets.Topics,
		Input:       recovery.Input{RequestedCount: req.Count},
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Questions generates a cue card with a sample answer, vocabulary, and
// structures.
func (s *Service) Questions(ctx context.Context, req QuestionsRequest) (*QuestionsResponse, error) {
	req.applyDefaults()
	prompt := req.Prompt
	if prompt == "" {
		prompt = buildQuestionsPrompt(req)
	}
	var out QuestionsResponse
	err := s.runInto(ctx, recovery.TaskQuestions, recovery.Task{
		System:      questionsSystem,
		Prompt:      prompt,
		Temperature: generateTemperature,
		MaxTokens:   s.budgets.Questions,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Answers generates a short sample answer to one question.
func (s *Service) Answers(ctx context.Context, req AnswersRequest) (*AnswersResponse, error) {
	req.applyDefaults()
	var out AnswersResponse
	err := s.runInto(ctx, recovery.TaskAnswers, recovery.Task{
		System:      answersSystem,
		Prompt:      buildAnswersPrompt(req),
		Temperature: generateTemperature,
		MaxTokens:   s.budgets.Answers,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Structures generates sentence patterns for answering a question.
func (s *Service) Structures(ctx context.Context, req StructuresRequest) (*StructuresResponse, error) {
	req.applyDefaults()
	var out StructuresResponse
	err := s.runInto(ctx, recovery.TaskStructures, recovery.Task{
		System:      structuresSystem,
		Prompt:      buildStructuresPrompt(req),
		Temperature: generateTemperature,
		MaxTokens:   s.budgets.Structures,
		Input:       recovery.Input{RequestedCount: req.Count},
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Vocabulary generates exactly Count vocabulary items when the model
// cooperates. The token budget grows with the count.
func (s *Service) Vocabulary(ctx context.Context, req VocabularyRequest) (*VocabularyResponse, error) {
	req.applyDefaults()
	var out VocabularyResponse
	err := s.runInto(ctx, recovery.TaskVocabulary, recovery.Task{
		System:      vocabularySystem(req.Count),
		Prompt:      buildVocabularyPrompt(req),
		Temperature: vocabularyTemperature,
		MaxTokens:   s.budgets.vocabulary(req.Count),
		Input:       recovery.Input{RequestedCount: req.Count},
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Generate runs a free-form prompt. The result is the decoded object, or
// {"content": text} when the model answered in prose.
func (s *Service) Generate(ctx context.Context, req GenerateRequest) (map[string]any, error) {
	taskType := req.TaskType
	if taskType == "" {
		taskType = TaskTypeGeneral
	}
	out, err := s.run(ctx, recovery.TaskGeneric, recovery.Task{
		System:      GenericSystem(taskType),
		Prompt:      buildGenericPrompt(req),
		Temperature: generateTemperature,
		MaxTokens:   s.budgets.Generic,
	})
	if err != nil {
		return nil, err
	}
	return out.Result, nil
}

// =============================================================================
// Rewrites
// =============================================================================

// CorrectGrammar rewrites a transcription with every grammar error fixed.
//
// Description:
//
//	The transcription is trimmed and must not be blank. A rewrite much
//	shorter than the input is retried with a larger budget. The finalized
//	"original" always carries the full input.
func (s *Service) CorrectGrammar(ctx context.Context, req GrammarCorrectionRequest) (*GrammarCorrectionResponse, error) {
	transcription := strings.TrimSpace(req.Transcription)
	if transcription == "" {
		return nil, badRequest("Transcription cannot be empty")
	}
	language := req.Language
	if language == "" {
		language = defaultLanguage
	}

	var out GrammarCorrectionResponse
	err := s.runInto(ctx, recovery.TaskGrammar, recovery.Task{
		System:      grammarSystem(language),
		Prompt:      buildGrammarPrompt(transcription, strings.TrimSpace(req.TextQuestion)),
		Temperature: grammarTemperature,
		MaxTokens:   s.budgets.grammar(transcription),
		Input:       recovery.Input{Original: transcription},
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Improve rewrites a transcription with better grammar, vocabulary, and
// structure, plus vocabulary and structure suggestions.
func (s *Service) Improve(ctx context.Context, req ImproveRequest) (*ImproveResponse, error) {
	transcription := strings.TrimSpace(req.Transcription)
	if transcription == "" {
		return nil, badRequest("Transcription cannot be empty")
	}
	language := req.Language
	if language == "" {
		language = defaultLanguage
	}

	var out ImproveResponse
	err := s.runInto(ctx, recovery.TaskImprove, recovery.Task{
		System:      improveSystem,
		Prompt:      buildImprovePrompt(transcription, strings.TrimSpace(req.QuestionText), language),
		Temperature: improveTemperature,
		MaxTokens:   s.budgets.improve(transcription),
		Input:       recovery.Input{Original: transcription},
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// =============================================================================
// Models
// =============================================================================

// Models lists the backend's models.
func (s *Service) Models(ctx context.Context) (*ModelsResponse, error) {
	if s.provider == nil {
		return nil, s.unavailable
	}
	models, err := s.provider.ListModels(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: listing models: %w", recovery.ErrUpstreamUnavailable, s.name, err)
	}
	if models == nil {
		models = []llm.ModelInfo{}
	}
	return &ModelsResponse{
		Models:       models,
		Count:        len(models),
		DefaultModel: s.provider.DefaultModel(),
	}, nil
}
