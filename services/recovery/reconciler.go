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
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
)

// KeyRawValue holds a decoded value that is not an object and could not be
// wrapped. Validation reports every required key as missing. Raw-text
// schemas keep such values under KeyContent instead.
const KeyRawValue = "_value"

// Reconcile normalises a decoded value toward the schema.
//
// Description:
//
//	Rules, in order:
//	 1. Synonyms: each absent field is filled from its first present
//	    synonym path.
//	 2. Scalar-from-item: a lone list item (or a list of items) stands in
//	    for a requested scalar; the scalar is taken from the item's source
//	    field, or rendered from the template.
//	 3. Wrap: a bare list or a lone item is placed under the array field.
//	Unknown keys are preserved. Unrecoverable shapes pass through so the
//	validator can report them. The input is never mutated.
//
// Inputs:
//   - value: Decoded.Value.
//   - s: Target schema. Must be compiled.
//
// Outputs:
//   - Candidate: The reconciled object. Never nil.
//
// Thread Safety: This function is safe for concurrent use.
func Reconcile(value any, s *Schema) Candidate {
	shape := ClassifyShape(value, s)

	switch shape {
	case ShapeBareList:
		return Candidate{s.ArrayField: value}
	case ShapeUnrecoverable:
		if obj, ok := asObject(value); ok {
			return Candidate(obj).Clone()
		}
		if s != nil && s.AllowText {
			return Candidate{KeyContent: value}
		}
		return Candidate{KeyRawValue: value}
	}

	obj, _ := asObject(value)
	c := Candidate(obj).Clone()
	if s == nil {
		return c
	}

	applySynonyms(c, s)

	if sfi := s.ScalarFromItem; sfi != nil {
		applyScalarFromItem(c, sfi)
	}

	if shape == ShapeSingleItem && s.ArrayField != "" {
		if _, has := c[s.ArrayField]; !has && hasAllKeys(c, s.ItemKeys) {
			item := map[string]any(c.Clone())
			return Candidate{s.ArrayField: []any{item}}
		}
	}
	return c
}

func asObject(v any) (map[string]any, bool) {
	switch o := v.(type) {
	case map[string]any:
		return o, true
	case Candidate:
		return o, true
	}
	return nil, false
}

func applySynonyms(c Candidate, s *Schema) {
	var raw []byte
	for _, f := range s.Fields {
		if len(f.Synonyms) == 0 {
			continue
		}
		if _, has := c[f.Name]; has {
			continue
		}
		if raw == nil {
			b, err := json.Marshal(map[string]any(c))
			if err != nil {
				return
			}
			raw = b
		}
		for _, path := range f.Synonyms {
			res := gjson.GetBytes(raw, path)
			if !res.Exists() || res.Type == gjson.Null {
				continue
			}
			c[f.Name] = res.Value()
			break
		}
	}
}

func applyScalarFromItem(c Candidate, sfi *ScalarFromItem) {
	if _, has := c[sfi.Target]; has {
		return
	}

	if hasAllKeys(c, sfi.ItemKeys) {
		if src, ok := c[sfi.Source].(string); ok && strings.TrimSpace(src) != "" {
			c[sfi.Target] = src
			return
		}
		if sfi.Template != "" {
			c[sfi.Target] = renderTemplate(sfi.Template, c)
		}
		return
	}

	if sfi.FromList == "" {
		return
	}
	list, ok := c[sfi.FromList].([]any)
	if !ok || len(list) == 0 {
		return
	}
	first, ok := list[0].(map[string]any)
	if !ok {
		return
	}
	if src, ok := first[sfi.Source].(string); ok && strings.TrimSpace(src) != "" {
		c[sfi.Target] = src
	}
}

// renderTemplate replaces {key} with the string form of values[key].
func renderTemplate(tmpl string, values map[string]any) string {
	out := tmpl
	for k, v := range values {
		placeholder := "{" + k + "}"
		if !strings.Contains(out, placeholder) {
			continue
		}
		out = strings.ReplaceAll(out, placeholder, stringify(v))
	}
	return out
}

func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return formatNumber(t)
	case bool, int, int64:
		return fmt.Sprint(t)
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(b)
	}
}

func formatNumber(f float64) string {
	if f == float64(int64(f)) {
		return fmt.Sprintf("%d", int64(f))
	}
	return fmt.Sprintf("%g", f)
}
