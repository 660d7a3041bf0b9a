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

// ClassifyShape decides how a decoded value relates to the schema.
//
// Description:
//
//	Objects are conforming unless they look like one list item where the
//	schema expects the list (or a scalar synthesised from an item). Lists
//	are bare-list when the schema names an array field. Parse-failure
//	fallbacks, scalars, nil, and lists with nowhere to go are
//	unrecoverable. Raw-text schemas (AllowText) accept parse-failure
//	fallbacks as conforming.
//
// Thread Safety: This function is safe for concurrent use.
func ClassifyShape(value any, s *Schema) Shape {
	switch v := value.(type) {
	case map[string]any:
		return classifyObject(v, s)
	case Candidate:
		return classifyObject(v, s)
	case []any:
		if s != nil && s.ArrayField != "" {
			return ShapeBareList
		}
	}
	return ShapeUnrecoverable
}

func classifyObject(obj map[string]any, s *Schema) Shape {
	if Candidate(obj).IsParseFailure() {
		if s != nil && s.AllowText {
			return ShapeConforming
		}
		return ShapeUnrecoverable
	}
	if s == nil {
		return ShapeConforming
	}
	if s.ArrayField != "" && len(s.ItemKeys) > 0 {
		if _, has := obj[s.ArrayField]; !has && hasAllKeys(obj, s.ItemKeys) {
			return ShapeSingleItem
		}
	}
	if sfi := s.ScalarFromItem; sfi != nil {
		if _, has := obj[sfi.Target]; !has && hasAllKeys(obj, sfi.ItemKeys) {
			return ShapeSingleItem
		}
	}
	return ShapeConforming
}
