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

import "strings"

// Span is a balanced {...} region of a text. End is exclusive.
type Span struct {
	Start int
	End   int
	Text  string
}

// ScanBalanced finds the first '{' at or after from and returns the span
// through its matching '}'.
//
// Description:
//
//	Nested braces are counted. Braces inside double-quoted strings are
//	ignored, and backslash escapes inside strings are honoured, so a value
//	such as "use {curly} braces" does not desynchronise the depth count.
//	Quote tracking starts at the opening brace; prose before it is never
//	tokenised.
//
// Inputs:
//   - text: Arbitrary model output.
//   - from: Byte offset to start searching. Values past the end yield false.
//
// Outputs:
//   - Span: The balanced region.
//   - bool: False if there is no '{' or the braces never balance.
//
// Thread Safety: This function is safe for concurrent use.
func ScanBalanced(text string, from int) (Span, bool) {
	if from < 0 {
		from = 0
	}
	if from >= len(text) {
		return Span{}, false
	}
	rel := strings.IndexByte(text[from:], '{')
	if rel < 0 {
		return Span{}, false
	}
	start := from + rel

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]

		if escaped {
			escaped = false
			continue
		}
		if c == '\\' && inString {
			escaped = true
			continue
		}
		if c == '"' {
			inString = !inString
			continue
		}
		if inString {
			continue
		}

		switch c {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return Span{Start: start, End: i + 1, Text: text[start : i+1]}, true
			}
		}
	}
	return Span{}, false
}

// ScanAll enumerates independent balanced spans in text.
//
// Each search resumes at the end of the previous match. An opening brace
// that never balances (a truncated object) is skipped and the search
// resumes just after it, so complete objects nested inside a truncated
// outer object are still found.
func ScanAll(text string) []Span {
	var spans []Span
	pos := 0
	for pos < len(text) {
		span, ok := ScanBalanced(text, pos)
		if ok {
			spans = append(spans, span)
			pos = span.End
			continue
		}
		rel := strings.IndexByte(text[pos:], '{')
		if rel < 0 {
			break
		}
		pos += rel + 1
	}
	return spans
}
