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
	"encoding/json"
	"fmt"

	"github.com/AleutianAI/AleutianIELTS/services/llm"
)

// =============================================================================
// Request Types
// =============================================================================

// ScoreRequest is the body of POST /score.
type ScoreRequest struct {
	Transcription string `json:"transcription" binding:"required"`
	QuestionText  string `json:"questionText,omitempty"`
	Topic         string `json:"topic,omitempty"`
	Level         string `json:"level,omitempty"`

	// IncludeGrammarCorrection defaults to true when absent.
	IncludeGrammarCorrection *bool `json:"includeGrammarCorrection,omitempty"`
}

func (r *ScoreRequest) applyDefaults() {
	if r.Topic == "" {
		r.Topic = "General"
	}
	if r.Level == "" {
		r.Level = "intermediate"
	}
}

func (r *ScoreRequest) wantsGrammar() bool {
	return r.IncludeGrammarCorrection == nil || *r.IncludeGrammarCorrection
}

// ChatMessage is one message of a chat payload.
type ChatMessage struct {
	Role    string `json:"role" binding:"required"`
	Content string `json:"content"`
}

// ChatPayload is the body of POST /chat.
type ChatPayload struct {
	Model    string         `json:"model,omitempty"`
	Messages []ChatMessage  `json:"messages" binding:"required,min=1,dive"`
	Format   map[string]any `json:"format,omitempty"`
}

// TopicsRequest is the body of POST /generate/topics.
type TopicsRequest struct {
	PartNumber      int    `json:"partNumber,omitempty" binding:"omitempty,min=1,max=3"`
	DifficultyLevel string `json:"difficultyLevel,omitempty"`
	Count           int    `json:"count,omitempty" binding:"omitempty,min=1,max=20"`
	TopicCategory   string `json:"topicCategory,omitempty"`
	Prompt          string `json:"prompt,omitempty"`
}

func (r *TopicsRequest) applyDefaults() {
	if r.PartNumber == 0 {
		r.PartNumber = 1
	}
	if r.DifficultyLevel == "" {
		r.DifficultyLevel = "intermediate"
	}
	if r.Count == 0 {
		r.Count = 5
	}
	if r.TopicCategory == "" {
		r.TopicCategory = "daily life and hobbies"
	}
}

// QuestionsRequest is the body of POST /generate/questions.
type QuestionsRequest struct {
	PartNumber      int    `json:"partNumber,omitempty" binding:"omitempty,min=1,max=3"`
	DifficultyLevel string `json:"difficultyLevel,omitempty"`
	Topic           string `json:"topic,omitempty"`
	Prompt          string `json:"prompt,omitempty"`
}

func (r *QuestionsRequest) applyDefaults() {
	if r.PartNumber == 0 {
		r.PartNumber = 2
	}
	if r.DifficultyLevel == "" {
		r.DifficultyLevel = "intermediate"
	}
}

// AnswersRequest is the body of POST /generate/answers.
type AnswersRequest struct {
	Question   string  `json:"question" binding:"required"`
	PartNumber int     `json:"partNumber,omitempty" binding:"omitempty,min=1,max=3"`
	TargetBand float64 `json:"targetBand,omitempty" binding:"omitempty,min=0,max=9"`
}

func (r *AnswersRequest) applyDefaults() {
	if r.PartNumber == 0 {
		r.PartNumber = 2
	}
	if r.TargetBand == 0 {
		r.TargetBand = 7.0
	}
}

// StructuresRequest is the body of POST /generate/structures.
type StructuresRequest struct {
	Question   string  `json:"question" binding:"required"`
	PartNumber int     `json:"partNumber,omitempty" binding:"omitempty,min=1,max=3"`
	TargetBand float64 `json:"targetBand,omitempty" binding:"omitempty,min=0,max=9"`
	Count      int     `json:"count,omitempty" binding:"omitempty,min=1,max=20"`
}

func (r *StructuresRequest) applyDefaults() {
	if r.PartNumber == 0 {
		r.PartNumber = 3
	}
	if r.TargetBand == 0 {
		r.TargetBand = 7.0
	}
	if r.Count == 0 {
		r.Count = 5
	}
}

// VocabularyRequest is the body of POST /generate/vocabulary.
type VocabularyRequest struct {
	Question   string  `json:"question" binding:"required"`
	TargetBand float64 `json:"targetBand,omitempty" binding:"omitempty,min=0,max=9"`
	Count      int     `json:"count,omitempty" binding:"omitempty,min=1,max=40"`
}

func (r *VocabularyRequest) applyDefaults() {
	if r.TargetBand == 0 {
		r.TargetBand = 7.0
	}
	if r.Count == 0 {
		r.Count = 10
	}
}

// GenerateRequest is the body of POST /generate.
type GenerateRequest struct {
	Prompt   string         `json:"prompt" binding:"required"`
	TaskType string         `json:"task_type,omitempty"`
	Context  map[string]any `json:"context,omitempty"`
	Format   string         `json:"format,omitempty"`
}

// GrammarCorrectionRequest is the body of POST /grammar/correct.
type GrammarCorrectionRequest struct {
	Transcription string `json:"transcription"`
	TextQuestion  string `json:"textQuestion,omitempty"`
	Language      string `json:"language,omitempty"`
}

// ImproveRequest is the body of POST /improve.
type ImproveRequest struct {
	Transcription string `json:"transcription"`
	QuestionText  string `json:"questionText,omitempty"`
	Language      string `json:"language,omitempty"`
}

// =============================================================================
// Response Types
// =============================================================================

// ScoreResult carries the band and the four sub-scores.
type ScoreResult struct {
	BandScore          float64 `json:"bandScore"`
	PronunciationScore float64 `json:"pronunciationScore"`
	GrammarScore       float64 `json:"grammarScore"`
	VocabularyScore    float64 `json:"vocabularyScore"`
	FluencyScore       float64 `json:"fluencyScore"`
	OverallFeedback    string  `json:"overallFeedback"`
}

// ScoreResponse is ScoreResult plus the optional grammar pass. Both grammar
// fields are null when the pass was skipped or failed.
type ScoreResponse struct {
	ScoreResult
	GrammarCorrection      *GrammarCorrectionResponse `json:"grammarCorrection"`
	CorrectedTranscription *string                    `json:"correctedTranscription"`
}

// Topic is one generated topic with its questions.
type Topic struct {
	Name      string     `json:"name"`
	Questions StringList `json:"questions"`
}

// TopicsResponse is the body returned by POST /generate/topics.
type TopicsResponse struct {
	Topics []Topic `json:"topics"`
}

// VocabularyItem is one word with its definition and usage.
type VocabularyItem struct {
	Word          string `json:"word"`
	Definition    string `json:"definition"`
	Example       string `json:"example"`
	Pronunciation string `json:"pronunciation,omitempty"`
}

// StructureItem is one sentence pattern.
type StructureItem struct {
	Pattern string `json:"pattern"`
	Example string `json:"example"`
	Usage   string `json:"usage,omitempty"`
}

// QuestionsResponse is the body returned by POST /generate/questions.
type QuestionsResponse struct {
	Question     string           `json:"question"`
	SampleAnswer string           `json:"sampleAnswer"`
	Vocabulary   []VocabularyItem `json:"vocabulary"`
	Structures   []StructureItem  `json:"structures"`
}

// AnswersResponse is the body returned by POST /generate/answers.
type AnswersResponse struct {
	Answer string `json:"answer"`
}

// StructuresResponse is the body returned by POST /generate/structures.
type StructuresResponse struct {
	Structures []StructureItem `json:"structures"`
}

// VocabularyResponse is the body returned by POST /generate/vocabulary.
type VocabularyResponse struct {
	Vocabulary []VocabularyItem `json:"vocabulary"`
}

// Correction is one grammar fix.
type Correction struct {
	Original  string `json:"original"`
	Corrected string `json:"corrected"`
	Reason    string `json:"reason,omitempty"`
}

// GrammarCorrectionResponse is the body returned by POST /grammar/correct.
type GrammarCorrectionResponse struct {
	Original    string       `json:"original"`
	Corrected   string       `json:"corrected"`
	Corrections []Correction `json:"corrections"`
	Explanation string       `json:"explanation"`
}

// Improvement is one change made by the improve pass.
type Improvement struct {
	Type     string `json:"type,omitempty"`
	Original string `json:"original"`
	Improved string `json:"improved"`
	Reason   string `json:"reason,omitempty"`
}

// ImproveResponse is the body returned by POST /improve.
type ImproveResponse struct {
	Original              string           `json:"original"`
	Improved              string           `json:"improved"`
	Improvements          []Improvement    `json:"improvements"`
	Explanation           string           `json:"explanation"`
	VocabularySuggestions []VocabularyItem `json:"vocabularySuggestions"`
	StructureSuggestions  []StructureItem  `json:"structureSuggestions"`
}

// ModelsResponse is the body returned by GET /models.
type ModelsResponse struct {
	Models       []llm.ModelInfo `json:"models"`
	Count        int             `json:"count"`
	DefaultModel string          `json:"default_model"`
}

// ErrorResponse is the body of every error reply.
type ErrorResponse struct {
	Detail string `json:"detail"`
}

// =============================================================================
// Helpers
// =============================================================================

// StringList decodes a list whose items may be strings or arbitrary values.
// Non-string items are rendered as compact JSON. A bare string becomes a
// one-element list.
type StringList []string

// UnmarshalJSON implements json.Unmarshaler.
func (l *StringList) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*l = StringList{single}
		return nil
	}
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("string list: %w", err)
	}
	out := make(StringList, 0, len(raw))
	for _, item := range raw {
		var s string
		if err := json.Unmarshal(item, &s); err == nil {
			out = append(out, s)
			continue
		}
		out = append(out, string(item))
	}
	*l = out
	return nil
}

// project copies a finalized result into a typed response.
func project(task string, result map[string]any, out any) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("ielts: %s: encoding result: %w", task, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return &shapeError{task: task, err: err}
	}
	return nil
}
