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
	"fmt"
	"sort"
	"strings"
)

// =============================================================================
// System Messages
// =============================================================================

const (
	examinerSystem   = "You are an expert IELTS speaking examiner. Always return valid JSON only."
	topicsSystem     = "You are an expert IELTS content creator. Generate IELTS speaking topics in JSON format."
	questionsSystem  = "You are an expert IELTS content creator. Generate IELTS speaking questions with sample answers, vocabulary, and structures in JSON format."
	structuresSystem = "You are an expert English teacher. Generate sample sentence structures and patterns in JSON format."

	answersSystem = "You are an expert IELTS speaking coach. Generate concise, high-quality sample answers. " +
		"You MUST return ONLY a JSON object with a single 'answer' field containing a SHORT answer text. " +
		"Do not include any other fields. Keep answers brief and focused."

	improveSystem = "You are an expert IELTS speaking coach. Improve FULL transcriptions by fixing grammar, " +
		"correcting mispronunciations, using advanced vocabulary, and improving structure. " +
		"You MUST process the ENTIRE transcription, not just parts of it. Return ONLY valid JSON format."
)

// Generic task types accepted by POST /generate.
const (
	TaskTypeGeneral    = "general"
	TaskTypeTopics     = "topics"
	TaskTypeQuestions  = "questions"
	TaskTypeOutline    = "outline"
	TaskTypeVocabulary = "vocabulary"
	TaskTypeStructures = "structures"
	TaskTypeRefine     = "refine"
	TaskTypeCompare    = "compare"
)

var genericSystems = map[string]string{
	TaskTypeTopics:     topicsSystem,
	TaskTypeQuestions:  questionsSystem,
	TaskTypeOutline:    "You are an expert IELTS speaking coach. Generate speaking outlines and structures in JSON format.",
	TaskTypeVocabulary: "You are an expert English teacher. Generate vocabulary lists with definitions, examples, and pronunciation in JSON format.",
	TaskTypeStructures: structuresSystem,
	TaskTypeRefine:     "You are an expert IELTS speaking coach. Refine and improve speaking responses while preserving the original style.",
	TaskTypeCompare:    "You are an expert IELTS speaking coach. Compare two versions of text and highlight improvements.",
	TaskTypeGeneral:    "You are a helpful AI assistant. Generate content in the requested format.",
}

// GenericSystem returns the system message for a task type. Unknown types
// get the general message.
func GenericSystem(taskType string) string {
	if s, ok := genericSystems[taskType]; ok {
		return s
	}
	return genericSystems[TaskTypeGeneral]
}

func vocabularySystem(count int) string {
	return fmt.Sprintf("You are an expert IELTS English teacher. Your task is to generate EXACTLY %d vocabulary items in JSON format. "+
		"You MUST count the items and ensure there are exactly %d items in the vocabulary array. "+
		"Return ONLY valid JSON, no explanations, no additional text before or after the JSON.", count, count)
}

func grammarSystem(language string) string {
	return fmt.Sprintf("You are an expert English grammar teacher specializing in correcting spoken %s transcriptions. "+
		"Your job is to identify and fix ALL grammatical errors while preserving the original meaning. "+
		"You MUST return ONLY valid JSON format with no additional text before or after. "+
		"Ensure the response contains the complete original and corrected text, not truncated versions.", language)
}

// =============================================================================
// Prompt Builders
// =============================================================================

// BuildScorePrompt builds the examiner prompt for one spoken response.
//
// Description:
//
//	When questionText is set, the prompt carries the question and asks the
//	examiner to penalize off-topic answers and say so in overallFeedback.
//
// Thread Safety: This function is safe for concurrent use.
func BuildScorePrompt(transcription, questionText, topic, level string) string {
	var b strings.Builder
	b.WriteString("You are an expert IELTS speaking examiner. Evaluate the following speaking response.\n\n")
	fmt.Fprintf(&b, "Topic: %s\nTarget Level: %s\n\n", topic, level)
	if questionText != "" {
		fmt.Fprintf(&b, "Question:\n%s\n\n", questionText)
	}
	fmt.Fprintf(&b, "Student's Response:\n%s\n\n", transcription)
	if questionText != "" {
		b.WriteString(`IMPORTANT: First check whether the student's response is relevant to the question asked. If it does not answer the question or is about a different topic, you MUST penalize the scores significantly:
- Band Score: reduce by 2-3 points if completely off-topic
- Fluency Score: reduce significantly, since the response lacks coherence with the question
- Vocabulary Score: may be less relevant if off-topic
- Grammar Score: can still be evaluated, but the overall band should reflect the irrelevance

If the response is off-topic, say so clearly in overallFeedback and explain why the scores are reduced.

`)
	}
	b.WriteString(`Please provide a detailed evaluation in the following JSON format:
{
    "bandScore": <decimal 0-9>,
    "pronunciationScore": <decimal 0-9>,
    "grammarScore": <decimal 0-9>,
    "vocabularyScore": <decimal 0-9>,
    "fluencyScore": <decimal 0-9>,
    "overallFeedback": "<a feedback paragraph on strengths and areas for improvement>"
}

Evaluation Criteria:
- Band Score: overall IELTS band (0-9)
- Pronunciation: clarity, intonation, stress patterns
- Grammar: accuracy, range, complexity
- Vocabulary: range, precision, collocations
- Fluency: coherence, hesitation, natural flow

Return ONLY valid JSON, no additional text.`)
	return b.String()
}

func buildTopicsPrompt(r TopicsRequest) string {
	return fmt.Sprintf(`Generate %d IELTS Speaking Part %d topics about %s.
Each topic should have 3-4 related questions.
Difficulty level: %s

Return JSON in this exact format:
{
    "topics": [
        {
            "name": "Topic name",
            "questions": ["Question 1", "Question 2", "Question 3"]
        }
    ]
}`, r.Count, r.PartNumber, r.TopicCategory, r.DifficultyLevel)
}

func buildQuestionsPrompt(r QuestionsRequest) string {
	about := ""
	if r.Topic != "" {
		about = fmt.Sprintf(" about '%s'", r.Topic)
	}
	return fmt.Sprintf(`Generate an IELTS Speaking Part %d cue card%s.
Include:
1. The question or prompt
2. A sample answer (2-3 minutes of speaking)
3. Key vocabulary with definitions, examples, and pronunciation
4. Useful sentence structures with examples

Difficulty level: %s

Return JSON in this exact format:
{
    "question": "The cue card question",
    "sampleAnswer": "A detailed sample answer",
    "vocabulary": [
        {"word": "word", "definition": "definition", "example": "example sentence", "pronunciation": "/pronunciation/"}
    ],
    "structures": [
        {"pattern": "sentence pattern", "example": "example sentence", "usage": "when to use this structure"}
    ]
}`, r.PartNumber, about, r.DifficultyLevel)
}

func buildAnswersPrompt(r AnswersRequest) string {
	return fmt.Sprintf(`Generate a concise sample answer for this IELTS Speaking Part %d question:

Question: %s

Requirements:
- Target band score: %.1f
- SHORT and CONCISE, about 30-60 seconds of speaking
- Advanced vocabulary and complex structures suited to the target band
- Natural, fluent, and to the point

You MUST return ONLY a JSON object with ONE field called "answer". Do not include vocabulary, structures, or any other field.

{
    "answer": "A concise sample answer"
}

Return ONLY valid JSON, with no text before or after it.`, r.PartNumber, r.Question, r.TargetBand)
}

func buildStructuresPrompt(r StructuresRequest) string {
	return fmt.Sprintf(`Generate %d useful sentence structures for answering this IELTS Speaking Part %d question:

Question: %s

Requirements:
- Target band score: %.1f
- Each structure fits the target band and helps answer the question

Each structure includes the pattern, an example sentence related to the question, and when to use it.

Return JSON in this exact format:
{
    "structures": [
        {"pattern": "sentence pattern", "example": "example sentence using the pattern", "usage": "when and how to use it"}
    ]
}`, r.Count, r.PartNumber, r.Question, r.TargetBand)
}

func buildVocabularyPrompt(r VocabularyRequest) string {
	return fmt.Sprintf(`You are generating a vocabulary list for IELTS Speaking preparation.

Question: %s
Target Band Score: %.1f
Required Number of Vocabulary Items: %d

CRITICAL REQUIREMENTS:
1. Generate EXACTLY %d vocabulary items, no more and no less.
2. Every item must be relevant to answering the question.
3. Vocabulary must suit band %.1f.
4. Mix single words, phrases, and idioms.

For EACH item provide:
- word: the vocabulary item
- definition: a clear definition
- example: an example sentence related to the question
- pronunciation: an IPA guide

Return a JSON object with a "vocabulary" array of EXACTLY %d items:
{
    "vocabulary": [
        {"word": "lend a hand", "definition": "to help someone", "example": "I offered to lend a hand with the groceries.", "pronunciation": "/lɛnd ə hænd/"}
    ]
}`, r.Question, r.TargetBand, r.Count, r.Count, r.TargetBand, r.Count)
}

// buildGenericPrompt appends the caller's context as sorted "k: v" pairs.
func buildGenericPrompt(r GenerateRequest) string {
	if len(r.Context) == 0 {
		return r.Prompt
	}
	keys := make([]string, 0, len(r.Context))
	for k := range r.Context {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, fmt.Sprintf("%s: %v", k, r.Context[k]))
	}
	return r.Prompt + "\n\nContext: " + strings.Join(pairs, ", ")
}

func buildGrammarPrompt(transcription, question string) string {
	var ctx string
	if question != "" {
		ctx = "\n\nContext/Question: " + question
	}
	return fmt.Sprintf(`You are an expert English grammar teacher. Correct ALL grammar errors in the COMPLETE transcription below.

TRANSCRIPTION TO CORRECT (process ALL of it):
%s%s

Requirements:
1. Fix every grammatical error in the entire transcription: agreement, tenses, articles, prepositions, punctuation, repetition, word order, conjunctions, and spelling.
2. Process the COMPLETE transcription. Do not truncate or skip any part.
3. Keep the original meaning, style, and tone.
4. Document EVERY correction in the corrections array.

Return JSON in this EXACT format with NO ADDITIONAL TEXT:
{
    "original": "the complete original transcription",
    "corrected": "the complete corrected version",
    "corrections": [
        {"original": "incorrect phrase", "corrected": "corrected phrase", "reason": "brief explanation"}
    ],
    "explanation": "a summary of the corrections made"
}

If no corrections are needed, return corrections=[] and explanation="No corrections needed. The transcription is grammatically correct."`, transcription, ctx)
}

func buildImprovePrompt(transcription, question, language string) string {
	var ctx string
	if question != "" {
		ctx = "\n\nQuestion/Context: " + question
	}
	return fmt.Sprintf(`Improve the following FULL transcription for IELTS Speaking in %s:

FULL ORIGINAL TRANSCRIPTION (improve ALL of it):
%s%s

Requirements:
1. Improve the ENTIRE transcription, not just part of it.
2. Fix all grammatical errors.
3. Correct mispronounced words and transcription errors.
4. Use more advanced vocabulary where suitable and improve sentence structure.
5. Keep the original meaning and roughly the same length.

Return JSON in this exact format:
{
    "original": "the original text",
    "improved": "the improved text",
    "improvements": [
        {"type": "grammar|vocabulary|structure|fluency", "original": "original phrase", "improved": "improved phrase", "reason": "brief explanation"}
    ],
    "explanation": "a brief explanation of the main improvements",
    "vocabularySuggestions": [
        {"word": "advanced word", "definition": "definition", "example": "example sentence", "pronunciation": "/pronunciation/"}
    ],
    "structureSuggestions": [
        {"pattern": "sentence pattern", "example": "example using the pattern", "usage": "when to use"}
    ]
}`, language, transcription, ctx)
}
