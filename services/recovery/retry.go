// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Turn is one prior chat message sent between the system text and the prompt.
type Turn struct {
	Role    string
	Content string
}

// GenerationRequest is one model call.
type GenerationRequest struct {
	System string
	// History is sent in order before Prompt.
	History     []Turn
	Prompt      string
	Temperature float64
	// MaxOutputTokens of zero leaves the backend default.
	MaxOutputTokens int
	// Model overrides the backend's configured model when set.
	Model string
	// JSON is set when the schema expects an object rather than free text.
	JSON bool
}

// Generator produces raw model text. Implementations must be safe for
// concurrent use.
type Generator interface {
	Generate(ctx context.Context, req GenerationRequest) (string, error)
}

// GeneratorFunc adapts a function to Generator.
type GeneratorFunc func(ctx context.Context, req GenerationRequest) (string, error)

func (f GeneratorFunc) Generate(ctx context.Context, req GenerationRequest) (string, error) {
	return f(ctx, req)
}

// Policy bounds the retry loop.
type Policy struct {
	// MaxRetries is the number of calls after the first. Default 2.
	MaxRetries int `yaml:"max_retries" validate:"gte=0,lte=5"`
	// CountRetries caps retries spent on item-count shortfalls before the
	// partial result is accepted. Default 1.
	CountRetries int `yaml:"count_retries" validate:"gte=0"`

	TemperatureStep float64 `yaml:"temperature_step" validate:"gte=0,lte=1"`
	MaxTemperature  float64 `yaml:"max_temperature" validate:"gt=0,lte=2"`

	// TokenGrowth multiplies the previous budget after a length failure.
	TokenGrowth float64 `yaml:"token_growth" validate:"gte=1"`
	// TokensPerChar sizes the budget from the original text after a length
	// failure.
	TokensPerChar float64 `yaml:"tokens_per_char" validate:"gte=0"`
	// TokensPerItem sizes the budget from the requested count after a count
	// failure.
	TokensPerItem   int `yaml:"tokens_per_item" validate:"gte=0"`
	MaxOutputTokens int `yaml:"max_output_tokens" validate:"gt=0"`
}

// DefaultPolicy returns the built-in retry policy.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:      2,
		CountRetries:    1,
		TemperatureStep: 0.2,
		MaxTemperature:  1.0,
		TokenGrowth:     1.5,
		TokensPerChar:   2.5,
		TokensPerItem:   200,
		MaxOutputTokens: 8192,
	}
}

// Task is one recovery request.
type Task struct {
	Schema      *Schema
	System      string
	History     []Turn
	Prompt      string
	Temperature float64
	MaxTokens   int
	Model       string
	Input       Input
}

// Attempt records one model call and its evaluation.
type Attempt struct {
	Index       int
	Prompt      string
	Temperature float64
	MaxTokens   int
	Raw         string
	Strategy    Strategy
	Candidate   Candidate
	Verdict     Verdict
	Duration    time.Duration
}

// Outcome is the result of Controller.Run.
type Outcome struct {
	RunID string
	// Result is the finalized object. Nil when the run failed.
	Result   map[string]any
	Attempts []Attempt
	// Verdict is the verdict of the last attempt.
	Verdict Verdict
	// Partial is set when a count shortfall was accepted.
	Partial bool
}

type runState int

const (
	stateFirstAttempt runState = iota
	stateEvaluating
	stateRetry
	stateAccept
	stateFail
)

func (s runState) String() string {
	switch s {
	case stateFirstAttempt:
		return "first-attempt"
	case stateEvaluating:
		return "evaluating"
	case stateRetry:
		return "retry"
	case stateAccept:
		return "accept"
	default:
		return "fail"
	}
}

// Controller drives decode, reconcile and validate over bounded retries.
//
// Thread Safety: Safe for concurrent use. All per-run state lives in Run.
type Controller struct {
	gen    Generator
	policy Policy
	logger *slog.Logger
}

// NewController creates a Controller.
//
// Inputs:
//   - gen: Model backend. Must not be nil.
//   - policy: Retry bounds. See DefaultPolicy.
//   - logger: Nil uses slog.Default().
//
// Outputs:
//   - *Controller: Never nil.
func NewController(gen Generator, policy Policy, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{gen: gen, policy: policy, logger: logger}
}

// Policy returns the controller's retry policy.
func (c *Controller) Policy() Policy { return c.policy }

// Run produces a finalized object for t.
//
// Description:
//
//	States: first-attempt -> evaluating -> (retry -> evaluating)* ->
//	accept | fail. Each attempt calls the generator, decodes, reconciles and
//	validates the text. A complete verdict is accepted. A count shortfall
//	is retried up to CountRetries times and then accepted as partial.
//	Missing fields and length failures are retried up to MaxRetries times
//	and then fail. Each retry raises the temperature, resizes the token
//	budget, and appends a correction notice to the base prompt.
//
// Outputs:
//   - *Outcome: Always non-nil, with every attempt made.
//   - error: *UpstreamError when the generator fails (no retry),
//     *ProcessingError when the budget is exhausted, or the context error.
//
// Thread Safety: Safe for concurrent use.
func (c *Controller) Run(ctx context.Context, t Task) (*Outcome, error) {
	if t.Schema == nil {
		return &Outcome{}, fmt.Errorf("%w: nil schema", ErrUnknownTask)
	}
	task := t.Schema.Task
	runID := uuid.NewString()
	start := time.Now()

	ctx, span := recoveryTracer.Start(ctx, "recovery.Controller.Run",
		trace.WithAttributes(
			attribute.String("run_id", runID),
			attribute.String("task", task),
			attribute.Int("max_retries", c.policy.MaxRetries),
			attribute.Int("requested_count", t.Input.RequestedCount),
			attribute.Int("original_len", t.Input.OriginalLen()),
		),
	)
	defer span.End()

	logger := c.logger.With(slog.String("run_id", runID), slog.String("task", task))
	out := &Outcome{RunID: runID}

	var (
		state       = stateFirstAttempt
		prompt      = t.Prompt
		temperature = t.Temperature
		maxTokens   = t.MaxTokens
		countSpent  int
	)

	finish := func(outcome string) {
		recordRunMetrics(task, outcome, len(out.Attempts), time.Since(start))
		span.SetAttributes(
			attribute.String("outcome", outcome),
			attribute.Int("attempts", len(out.Attempts)),
		)
	}

	for {
		logger.Debug("recovery state", slog.String("state", state.String()), slog.Int("attempts", len(out.Attempts)))
		switch state {
		case stateFirstAttempt, stateRetry:
			if err := ctx.Err(); err != nil {
				finish(outcomeCanceled)
				span.RecordError(err)
				span.SetStatus(codes.Error, "canceled")
				return out, fmt.Errorf("recovery: %s: %w", task, err)
			}
			a, err := c.attempt(ctx, t, len(out.Attempts), prompt, temperature, maxTokens)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					finish(outcomeCanceled)
				} else {
					finish(outcomeUpstream)
				}
				span.RecordError(err)
				span.SetStatus(codes.Error, "upstream call failed")
				logger.Warn("recovery upstream call failed",
					slog.Int("attempt", len(out.Attempts)),
					slog.String("error", err.Error()),
				)
				return out, &UpstreamError{Task: task, Attempt: len(out.Attempts), Err: err}
			}
			out.Attempts = append(out.Attempts, a)
			out.Verdict = a.Verdict
			logger.Info("recovery attempt evaluated",
				slog.Int("attempt", a.Index),
				slog.String("strategy", a.Strategy.String()),
				slog.String("verdict", a.Verdict.String()),
				slog.Float64("temperature", a.Temperature),
				slog.Int("max_tokens", a.MaxTokens),
				slog.Duration("duration", a.Duration),
			)
			state = stateEvaluating

		case stateEvaluating:
			v := out.Verdict
			retriesUsed := len(out.Attempts) - 1
			canRetry := retriesUsed < c.policy.MaxRetries

			switch {
			case v.Complete():
				state = stateAccept
			case v.Soft():
				if canRetry && countSpent < c.policy.CountRetries {
					countSpent++
					state = stateRetry
				} else {
					out.Partial = true
					state = stateAccept
				}
			case canRetry:
				state = stateRetry
			default:
				state = stateFail
			}

			if state == stateRetry {
				prompt = BuildRetryPrompt(t.Prompt, v)
				temperature = c.nextTemperature(temperature)
				maxTokens = c.nextMaxTokens(maxTokens, v, t.Input)
				logger.Info("recovery retrying",
					slog.String("reason", string(v.Reason)),
					slog.Float64("temperature", temperature),
					slog.Int("max_tokens", maxTokens),
				)
			}

		case stateAccept:
			last := out.Attempts[len(out.Attempts)-1]
			out.Result = Finalize(last.Candidate, t.Schema, t.Input)
			if out.Partial {
				logger.Warn("recovery accepted partial result",
					slog.Int("items", out.Verdict.ItemCount),
					slog.Int("requested", out.Verdict.RequestedCount),
				)
				finish(outcomePartial)
			} else {
				finish(outcomeAccepted)
			}
			return out, nil

		case stateFail:
			perr := newProcessingError(task, out.Verdict, len(out.Attempts))
			finish(outcomeFailed)
			span.RecordError(perr)
			span.SetStatus(codes.Error, "retries exhausted")
			logger.Error("recovery failed",
				slog.Int("attempts", len(out.Attempts)),
				slog.String("verdict", out.Verdict.String()),
			)
			return out, perr
		}
	}
}

func (c *Controller) attempt(ctx context.Context, t Task, index int, prompt string, temperature float64, maxTokens int) (Attempt, error) {
	ctx, span := recoveryTracer.Start(ctx, "recovery.Controller.attempt",
		trace.WithAttributes(
			attribute.Int("attempt", index),
			attribute.Float64("temperature", temperature),
			attribute.Int("max_tokens", maxTokens),
		),
	)
	defer span.End()

	start := time.Now()
	raw, err := c.gen.Generate(ctx, GenerationRequest{
		System:          t.System,
		History:         t.History,
		Prompt:          prompt,
		Temperature:     temperature,
		MaxOutputTokens: maxTokens,
		Model:           t.Model,
		JSON:            !t.Schema.AllowText,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "generate failed")
		return Attempt{}, err
	}

	dec := Decode(raw, t.Schema)
	cand := Reconcile(dec.Value, t.Schema)
	verdict := Validate(cand, t.Schema, t.Input)
	recordAttemptMetrics(t.Schema.Task, dec.Strategy, verdict)

	span.SetAttributes(
		attribute.String("strategy", dec.Strategy.String()),
		attribute.String("verdict", verdict.Kind.String()),
		attribute.Int("response_len", len(raw)),
	)

	return Attempt{
		Index:       index,
		Prompt:      prompt,
		Temperature: temperature,
		MaxTokens:   maxTokens,
		Raw:         raw,
		Strategy:    dec.Strategy,
		Candidate:   cand,
		Verdict:     verdict,
		Duration:    time.Since(start),
	}, nil
}

func (c *Controller) nextTemperature(prev float64) float64 {
	return math.Min(c.policy.MaxTemperature, prev+c.policy.TemperatureStep)
}

// nextMaxTokens resizes the budget for the retry after v.
func (c *Controller) nextMaxTokens(prev int, v Verdict, in Input) int {
	next := prev
	switch v.Reason {
	case ReasonLength:
		grown := int(math.Ceil(float64(prev) * c.policy.TokenGrowth))
		sized := int(math.Ceil(float64(in.OriginalLen()) * c.policy.TokensPerChar))
		next = max(grown, sized)
	case ReasonCount:
		next = max(prev, v.RequestedCount*c.policy.TokensPerItem)
	}
	if c.policy.MaxOutputTokens > 0 && next > c.policy.MaxOutputTokens {
		next = c.policy.MaxOutputTokens
	}
	return next
}
