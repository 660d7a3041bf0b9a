// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import (
	"regexp"
	"unicode/utf8"
)

// redactionPattern pairs a compiled regex with a replacement label.
type redactionPattern struct {
	Pattern     *regexp.Regexp
	Replacement string
}

// redactionPatterns is applied in order. Specific credential formats come
// before the generic key= and Bearer forms.
var redactionPatterns = []redactionPattern{
	// Gemini/Google API key: AIza<base62, 30+ chars>
	{
		Pattern:     regexp.MustCompile(`AIza[A-Za-z0-9_-]{30,}`),
		Replacement: "[REDACTED:gemini_key]",
	},
	// Google OAuth access token
	{
		Pattern:     regexp.MustCompile(`ya29\.[A-Za-z0-9._-]{20,}`),
		Replacement: "[REDACTED:google_token]",
	},
	{
		Pattern:     regexp.MustCompile(`Bearer\s+[A-Za-z0-9._-]{10,}`),
		Replacement: "[REDACTED:bearer_token]",
	},
	// API key in URL query parameter: key=<value>
	{
		Pattern:     regexp.MustCompile(`key=[A-Za-z0-9._-]{10,}`),
		Replacement: "key=[REDACTED]",
	},
	{
		Pattern:     regexp.MustCompile(`password=[^\s&]{3,}`),
		Replacement: "password=[REDACTED]",
	},
}

// maxLoggedBody caps the upstream text carried into errors and logs.
const maxLoggedBody = 2000

// SafeLogString redacts known secret patterns from an upstream body or
// message before it is logged or wrapped into an error.
//
// Description:
//
//	Each match is replaced with a labeled placeholder so the reader knows
//	which class of secret was present. Output longer than 2000 runes is
//	truncated with a trailing "...".
//
// Examples:
//
//	SafeLogString("key=AIzaSyAbcDefGhiJklMnoPqrStUvWxYz01234567 in URL")
//	// Returns: "key=[REDACTED] in URL"
//
// Limitations:
//   - Pattern-based detection only.
//   - A secret spanning multiple lines is not matched.
//
// Thread Safety: This function is safe for concurrent use.
func SafeLogString(s string) string {
	if s == "" {
		return s
	}
	for _, p := range redactionPatterns {
		s = p.Pattern.ReplaceAllString(s, p.Replacement)
	}
	if utf8.RuneCountInString(s) > maxLoggedBody {
		s = string([]rune(s)[:maxLoggedBody]) + "..."
	}
	return s
}
