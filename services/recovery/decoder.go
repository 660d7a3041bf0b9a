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
	"errors"
	"math"
	"regexp"
	"strconv"
	"strings"
)

// previewRunes bounds the raw text kept on a parse-failure fallback.
const previewRunes = 500

// maxUnwrapDepth bounds {"content": "<json>"} unwrapping.
const maxUnwrapDepth = 3

var (
	fencePattern         = regexp.MustCompile("(?s)```(?:json|JSON)?\\s*(.*?)\\s*```")
	trailingCommaPattern = regexp.MustCompile(`,\s*([}\]])`)
	salvagePattern       = regexp.MustCompile(`\{[^{}]*(?:\{[^{}]*\}[^{}]*)*\}`)
)

// Decoded is the output of the decoder chain.
type Decoded struct {
	// Value is a map[string]any or []any. On failure it is the fallback
	// Candidate.
	Value    any
	Strategy Strategy
}

// strategy is one link of the chain. It returns ok=false to pass to the
// next link.
type strategy func(text string, s *Schema) (any, Strategy, bool)

// chain is tried in order; the first success wins.
var chain = []strategy{
	decodeDirect,
	decodeFenced,
	decodeBalanced,
	decodeSalvage,
	decodeFields,
}

// Decode runs the strategy chain over raw model text.
//
// Description:
//
//	Strategies, in order: whole-text parse (with content-string unwrap),
//	fenced code block, balanced-brace spans (with multi-object collection
//	and one trailing-comma repair), bounded regex salvage, and per-field
//	salvage when the schema enables it. If all fail, the result is a
//	fallback object {"content": text, "_parse_error": true,
//	"_response_preview": ...} with StrategyNone. Decode never fails.
//
// Inputs:
//   - text: Raw model output.
//   - s: Target schema. May be nil, which disables multi-object wrapping
//     and field salvage.
//
// Thread Safety: This function is safe for concurrent use.
func Decode(text string, s *Schema) Decoded {
	trimmed := strings.TrimSpace(text)
	if trimmed != "" {
		for _, try := range chain {
			if v, strat, ok := try(trimmed, s); ok {
				return Decoded{Value: v, Strategy: strat}
			}
		}
	}
	return Decoded{Value: map[string]any(parseFailure(text)), Strategy: StrategyNone}
}

func parseFailure(text string) Candidate {
	preview := text
	if r := []rune(text); len(r) > previewRunes {
		preview = string(r[:previewRunes])
	}
	return Candidate{
		KeyContent:         text,
		KeyParseError:      true,
		KeyResponsePreview: preview,
	}
}

// parseStructured parses s and accepts only objects and arrays.
func parseStructured(s string) (any, bool) {
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return nil, false
	}
	switch v.(type) {
	case map[string]any, []any:
		return v, true
	}
	return nil, false
}

func decodeDirect(text string, _ *Schema) (any, Strategy, bool) {
	v, ok := parseStructured(text)
	if !ok {
		return nil, StrategyNone, false
	}
	return unwrapContent(v, 0), StrategyDirect, true
}

// unwrapContent replaces {"content": "<json object>"} with the inner object.
func unwrapContent(v any, depth int) any {
	if depth >= maxUnwrapDepth {
		return v
	}
	obj, ok := v.(map[string]any)
	if !ok || len(obj) != 1 {
		return v
	}
	inner, ok := obj[KeyContent].(string)
	if !ok {
		return v
	}
	parsed, ok := parseStructured(strings.TrimSpace(inner))
	if !ok {
		if fenced, _, fok := decodeFenced(inner, nil); fok {
			parsed, ok = fenced, true
		}
	}
	if !ok {
		return v
	}
	if _, isObj := parsed.(map[string]any); !isObj {
		return v
	}
	return unwrapContent(parsed, depth+1)
}

func decodeFenced(text string, _ *Schema) (any, Strategy, bool) {
	for _, m := range fencePattern.FindAllStringSubmatch(text, -1) {
		if v, ok := parseStructured(m[1]); ok {
			return v, StrategyFenced, true
		}
	}
	return nil, StrategyNone, false
}

func decodeBalanced(text string, s *Schema) (any, Strategy, bool) {
	spans := ScanAll(text)
	if len(spans) == 0 {
		return nil, StrategyNone, false
	}

	if len(spans) > 1 && s != nil && s.ArrayField != "" && len(s.ItemKeys) > 0 {
		if items, ok := collectItems(spans, s.ItemKeys); ok {
			return map[string]any{s.ArrayField: items}, StrategyMultiObject, true
		}
	}

	first := spans[0].Text
	if v, ok := parseStructured(first); ok {
		return v, StrategyBalanced, true
	}
	if v, ok := parseStructured(stripTrailingCommas(first)); ok {
		return v, StrategyBalanced, true
	}
	return nil, StrategyNone, false
}

// collectItems decodes every span and succeeds only if each one is an
// object carrying all item keys.
func collectItems(spans []Span, itemKeys []string) ([]any, bool) {
	items := make([]any, 0, len(spans))
	for _, sp := range spans {
		v, ok := parseStructured(sp.Text)
		if !ok {
			v, ok = parseStructured(stripTrailingCommas(sp.Text))
		}
		if !ok {
			return nil, false
		}
		obj, isObj := v.(map[string]any)
		if !isObj || !hasAllKeys(obj, itemKeys) {
			return nil, false
		}
		items = append(items, obj)
	}
	return items, true
}

func stripTrailingCommas(s string) string {
	return trailingCommaPattern.ReplaceAllString(s, "$1")
}

func decodeSalvage(text string, _ *Schema) (any, Strategy, bool) {
	for _, m := range salvagePattern.FindAllString(text, -1) {
		if v, ok := parseStructured(m); ok {
			return v, StrategySalvage, true
		}
		if v, ok := parseStructured(stripTrailingCommas(m)); ok {
			return v, StrategySalvage, true
		}
	}
	return nil, StrategyNone, false
}

// decodeFields pulls individual "key": value pairs out of text that is too
// broken to parse as a whole. Enabled per schema.
func decodeFields(text string, s *Schema) (any, Strategy, bool) {
	if s == nil || !s.SalvageFields {
		return nil, StrategyNone, false
	}
	out := map[string]any{}
	for _, fs := range s.salvagers {
		m := fs.pattern.FindStringSubmatch(text)
		if m == nil {
			continue
		}
		switch fs.kind {
		case KindNumber:
			// Overflow saturates so the value stays encodable and is
			// clamped by the finalizer.
			n, err := strconv.ParseFloat(m[1], 64)
			if errors.Is(err, strconv.ErrRange) && math.IsInf(n, 0) {
				n, err = math.Copysign(math.MaxFloat64, n), nil
			}
			if err == nil {
				out[fs.name] = n
			}
		default:
			var str string
			if err := json.Unmarshal([]byte(`"`+m[1]+`"`), &str); err == nil {
				out[fs.name] = str
			}
		}
	}
	if len(out) == 0 {
		return nil, StrategyNone, false
	}
	return out, StrategyFields, true
}

func hasAllKeys(obj map[string]any, keys []string) bool {
	for _, k := range keys {
		if _, ok := obj[k]; !ok {
			return false
		}
	}
	return true
}
