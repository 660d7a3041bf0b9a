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

import "unicode/utf8"

// Budgets holds the first-attempt output token limits of one backend.
//
// The *Floor fields are lower bounds for budgets that scale with input
// length or requested count. Ceiling caps every scaled budget.
type Budgets struct {
	Score      int
	Topics     int
	Questions  int
	Answers    int
	Structures int
	Generic    int

	VocabularyFloor int
	GrammarFloor    int
	ImproveFloor    int

	Ceiling int
}

// GeminiBudgets returns the limits used by the hosted backend.
func GeminiBudgets() Budgets {
	return Budgets{
		Score:           2048,
		Topics:          2048,
		Questions:       4096,
		Answers:         1024,
		Structures:      2048,
		Generic:         2048,
		VocabularyFloor: 2048,
		GrammarFloor:    2048,
		ImproveFloor:    4096,
		Ceiling:         8192,
	}
}

// OllamaBudgets returns the smaller limits used by the local backend.
func OllamaBudgets() Budgets {
	return Budgets{
		Score:           500,
		Topics:          1500,
		Questions:       2500,
		Answers:         1024,
		Structures:      1500,
		Generic:         2000,
		VocabularyFloor: 2000,
		GrammarFloor:    1500,
		ImproveFloor:    2500,
		Ceiling:         8000,
	}
}

func (b Budgets) clamp(n, floor int) int {
	n = max(n, floor)
	if b.Ceiling > 0 {
		n = min(n, b.Ceiling)
	}
	return n
}

// vocabulary scales with the requested count at 200 tokens per item.
func (b Budgets) vocabulary(count int) int {
	return b.clamp(count*200, b.VocabularyFloor)
}

// grammar scales with input length at 2.5 tokens per rune.
func (b Budgets) grammar(text string) int {
	return b.clamp(int(float64(utf8.RuneCountInString(text))*2.5), b.GrammarFloor)
}

// improve leaves 1000 tokens of headroom for suggestions.
func (b Budgets) improve(text string) int {
	return b.clamp(int(float64(utf8.RuneCountInString(text))*1.5)+1000, b.ImproveFloor)
}
