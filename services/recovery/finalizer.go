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
	"encoding/json"
	"strconv"
	"strings"
	"unicode/utf8"
)

// truncationMarker is appended to free text cut at max_words.
const truncationMarker = "..."

// Finalize produces the object returned to callers.
//
// Description:
//
//	Applied to an accepted candidate (or a partial one):
//	 1. The rewrite original field is replaced by the input when it is
//	    shorter than echo_ratio times the input.
//	 2. Every declared field that is absent, null, of the wrong kind, or a
//	    blank string where a default exists gets its default. Summary defaults run last so they see final list
//	    lengths. A required field without a declared default gets the zero
//	    value of its kind.
//	 3. Numbers are coerced (float, json.Number, numeric string) and clamped
//	    to [min, max].
//	 4. Lists with item keys keep only well-formed records, optionally
//	    stringified.
//	 5. Strings with max_words are truncated and marked with "...".
//	 6. Keys starting with "_" are removed.
//	Unknown keys are preserved. The candidate is not mutated.
//
// Inputs:
//   - c: The accepted candidate.
//   - s: Compiled schema.
//   - in: Original text and requested count.
//
// Outputs:
//   - map[string]any: Carries every required key. Never nil.
//
// Thread Safety: This function is safe for concurrent use.
func Finalize(c Candidate, s *Schema, in Input) map[string]any {
	out := make(map[string]any, len(c)+len(s.Fields))
	for k, v := range c {
		out[k] = v
	}

	if r := s.Rewrite; r != nil && r.EchoRatio > 0 && in.Original != "" {
		orig, _ := out[r.OriginalField].(string)
		if float64(utf8.RuneCountInString(orig)) < r.EchoRatio*float64(in.OriginalLen()) {
			out[r.OriginalField] = in.Original
		}
	}

	var summaries []*Field
	for i := range s.Fields {
		f := &s.Fields[i]
		val, present := out[f.Name]
		usable := present && val != nil && s.typeMatches(f.Name, val)
		if present && f.Kind == KindNumber {
			_, usable = toFloat(val)
		}
		if usable && f.Kind == KindString && (f.Required || f.Default != nil) {
			str, _ := val.(string)
			usable = strings.TrimSpace(str) != ""
		}

		if !usable {
			if f.Default != nil && f.Default.Kind == DefaultSummary {
				summaries = append(summaries, f)
				continue
			}
			dv, ok := defaultValue(f, s, in, out)
			if !ok {
				delete(out, f.Name)
				continue
			}
			out[f.Name] = dv
		}
		out[f.Name] = normalizeField(f, out[f.Name])
	}

	for _, f := range summaries {
		out[f.Name] = summarize(s, in, out)
	}

	for k := range out {
		if strings.HasPrefix(k, "_") {
			delete(out, k)
		}
	}
	return out
}

// defaultValue returns the fallback of f. ok is false when an optional field
// has no default and should stay absent.
func defaultValue(f *Field, s *Schema, in Input, out map[string]any) (any, bool) {
	if f.Default == nil {
		if !f.Required {
			return nil, false
		}
		return zeroValue(f.Kind), true
	}
	switch f.Default.Kind {
	case DefaultEchoInput:
		if in.Original != "" {
			return in.Original, true
		}
		if s.Rewrite != nil {
			if orig, ok := out[s.Rewrite.OriginalField].(string); ok {
				return orig, true
			}
		}
		return "", true
	case DefaultEmptyList:
		return []any{}, true
	default:
		return normalizeLiteral(f.Default.Value), true
	}
}

func zeroValue(k FieldKind) any {
	switch k {
	case KindNumber:
		return float64(0)
	case KindList:
		return []any{}
	case KindRecord:
		return map[string]any{}
	default:
		return ""
	}
}

func normalizeField(f *Field, v any) any {
	switch f.Kind {
	case KindNumber:
		n, ok := toFloat(v)
		if !ok {
			return v
		}
		if f.Min != nil && n < *f.Min {
			n = *f.Min
		}
		if f.Max != nil && n > *f.Max {
			n = *f.Max
		}
		return n
	case KindList:
		list, ok := v.([]any)
		if !ok {
			return v
		}
		return filterItems(list, f.ItemKeys, f.Stringify)
	case KindString:
		str, ok := v.(string)
		if !ok || f.MaxWords <= 0 {
			return v
		}
		return truncateWords(str, f.MaxWords)
	}
	return v
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	}
	return 0, false
}

func filterItems(list []any, itemKeys []string, stringifyValues bool) []any {
	out := make([]any, 0, len(list))
	for _, it := range list {
		obj, isObj := it.(map[string]any)
		if !isObj {
			if len(itemKeys) > 0 || it == nil {
				continue
			}
			if stringifyValues {
				it = stringify(it)
			}
			out = append(out, it)
			continue
		}
		if !hasAllKeys(obj, itemKeys) {
			continue
		}
		if stringifyValues {
			cp := make(map[string]any, len(obj))
			for k, v := range obj {
				cp[k] = stringify(v)
			}
			obj = cp
		}
		out = append(out, obj)
	}
	return out
}

func truncateWords(s string, max int) string {
	words := strings.Fields(s)
	if len(words) <= max {
		return s
	}
	return strings.Join(words[:max], " ") + truncationMarker
}

// summarize writes an explanation from the consistency list: changes made,
// text changed without listed changes, or unchanged.
func summarize(s *Schema, in Input, out map[string]any) string {
	rule := s.Consistency
	if rule == nil {
		return ""
	}
	list, _ := out[rule.ListField].([]any)
	if n := len(list); n > 0 {
		return expandCount(rule.Changed, n)
	}
	if s.Rewrite != nil {
		original := in.Original
		if original == "" {
			original, _ = out[s.Rewrite.OriginalField].(string)
		}
		rewritten, _ := out[s.Rewrite.RewrittenField].(string)
		if strings.TrimSpace(original) != strings.TrimSpace(rewritten) {
			return rule.Minor
		}
	}
	return rule.Unchanged
}

// normalizeLiteral deep-copies a YAML literal and turns integers into
// float64 so defaults match decoded JSON.
func normalizeLiteral(v any) any {
	switch t := v.(type) {
	case int:
		return float64(t)
	case int64:
		return float64(t)
	case uint64:
		return float64(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = normalizeLiteral(e)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = normalizeLiteral(e)
		}
		return out
	}
	return v
}
