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
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"
)

// missingObject is reported when nothing could be decoded and the schema
// declares no required keys.
const missingObject = "<json object>"

// Validate judges whether a reconciled candidate is usable.
//
// Description:
//
//	Checks, in order:
//	 1. Presence: required keys exist, are non-null, have the declared
//	    kind, and strings meet min_length. Failure -> missing-fields.
//	 2. Length ratio (rewrite schemas): runes(rewritten)/runes(original)
//	    below min_ratio -> incomplete (ReasonLength).
//	 3. Count: fewer array items than requested -> incomplete
//	    (ReasonCount, soft).
//	 4. Consistency: a non-empty change list with an explanation that
//	    denies changes gets its explanation rewritten.
//	 5. Degenerate: identical original and rewrite with a non-empty change
//	    list gets the list cleared and the explanation normalised.
//	Steps 4 and 5 mutate c in place and are recorded in Verdict.Repairs.
//	They also run when presence fails.
//
// Inputs:
//   - c: Reconciled candidate. Mutated by repairs.
//   - s: Compiled schema.
//   - in: Original text and requested count.
//
// Outputs:
//   - Verdict: The classification. Repairs never change Kind.
//
// Thread Safety: Safe for concurrent use on distinct candidates.
func Validate(c Candidate, s *Schema, in Input) Verdict {
	v := Verdict{Kind: VerdictComplete, RequestedCount: in.RequestedCount}

	if missing := checkPresence(c, s); len(missing) > 0 {
		v.Kind = VerdictMissingFields
		v.Reason = ReasonMissing
		v.Missing = missing
		if s.Consistency != nil {
			repairConsistency(c, s, in, &v)
		}
		return v
	}

	if s.Rewrite != nil {
		checkLength(c, s.Rewrite, in, &v)
	}

	if s.ArrayField != "" {
		if list, ok := c[s.ArrayField].([]any); ok {
			v.ItemCount = len(list)
		}
		if v.Kind == VerdictComplete && in.RequestedCount > 0 && v.ItemCount < in.RequestedCount {
			v.Kind = VerdictIncomplete
			v.Reason = ReasonCount
		}
	}

	if s.Consistency != nil {
		repairConsistency(c, s, in, &v)
	}
	return v
}

func checkPresence(c Candidate, s *Schema) []string {
	required := s.RequiredKeys()
	_, raw := c[KeyRawValue]
	if (raw || c.IsParseFailure()) && !s.AllowText {
		if len(required) == 0 {
			return []string{missingObject}
		}
		return required
	}

	var missing []string
	for _, name := range required {
		val, ok := c[name]
		if !ok || val == nil {
			missing = append(missing, name)
			continue
		}
		f, _ := s.Field(name)
		if !s.typeMatches(name, val) {
			missing = append(missing, fmt.Sprintf("%s (expected %s)", name, f.Kind))
			continue
		}
		if str, isStr := val.(string); isStr && f.Kind == KindString {
			if strings.TrimSpace(str) == "" {
				missing = append(missing, name)
				continue
			}
			if f.MinLength > 0 && utf8.RuneCountInString(strings.TrimSpace(str)) < f.MinLength {
				missing = append(missing, fmt.Sprintf("%s (shorter than %d characters)", name, f.MinLength))
			}
		}
	}
	return missing
}

func checkLength(c Candidate, rule *RewriteRule, in Input, v *Verdict) {
	original := in.Original
	if original == "" {
		original, _ = c[rule.OriginalField].(string)
	}
	rewritten, _ := c[rule.RewrittenField].(string)

	v.OriginalLen = utf8.RuneCountInString(original)
	v.ObservedLen = utf8.RuneCountInString(rewritten)
	if v.OriginalLen == 0 {
		v.Ratio = 1
		return
	}
	v.Ratio = float64(v.ObservedLen) / float64(v.OriginalLen)

	if v.OriginalLen >= rule.MinOriginalLength && v.Ratio < rule.MinRatio {
		v.Kind = VerdictIncomplete
		v.Reason = ReasonLength
	}
}

func repairConsistency(c Candidate, s *Schema, in Input, v *Verdict) {
	rule := s.Consistency
	listField, _ := s.Field(rule.ListField)

	list, _ := c[rule.ListField].([]any)
	n := len(wellFormedItems(list, listField.ItemKeys))
	explanation, _ := c[rule.ExplanationField].(string)

	if n > 0 && containsAny(strings.ToLower(explanation), rule.Phrases) {
		c[rule.ExplanationField] = expandCount(rule.Contradiction, n)
		v.Repairs = append(v.Repairs, fmt.Sprintf("%s rewritten to match %d %s item(s)",
			rule.ExplanationField, n, rule.ListField))
	}

	if s.Rewrite == nil || len(list) == 0 {
		return
	}
	original := in.Original
	if original == "" {
		original, _ = c[s.Rewrite.OriginalField].(string)
	}
	rewritten, _ := c[s.Rewrite.RewrittenField].(string)
	if strings.TrimSpace(original) != "" && strings.TrimSpace(original) == strings.TrimSpace(rewritten) {
		c[rule.ListField] = []any{}
		c[rule.ExplanationField] = rule.Unchanged
		v.Repairs = append(v.Repairs, fmt.Sprintf("%s cleared: %s is identical to the original",
			rule.ListField, s.Rewrite.RewrittenField))
	}
}

// wellFormedItems keeps the records that carry every item key.
func wellFormedItems(list []any, itemKeys []string) []map[string]any {
	out := make([]map[string]any, 0, len(list))
	for _, it := range list {
		obj, ok := it.(map[string]any)
		if !ok || !hasAllKeys(obj, itemKeys) {
			continue
		}
		out = append(out, obj)
	}
	return out
}

func containsAny(s string, phrases []string) bool {
	for _, p := range phrases {
		if strings.Contains(s, strings.ToLower(p)) {
			return true
		}
	}
	return false
}

func expandCount(tmpl string, n int) string {
	return strings.ReplaceAll(tmpl, "{n}", strconv.Itoa(n))
}
