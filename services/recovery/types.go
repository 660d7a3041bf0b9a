// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package recovery turns raw generative-model text into complete,
// schema-conformant JSON objects.
//
// The pipeline is: Decode (ordered strategy chain) -> Reconcile (shape and
// key normalisation) -> Validate (presence, length ratio, count,
// consistency) -> Controller (bounded retry with amended prompts) ->
// Finalize (defaults, clamping, cleanup).
//
// Thread Safety:
//
//	Schemas and Policy are read-only after load. Every function in this
//	package is safe for concurrent use; a Controller holds no per-request
//	state.
package recovery

import (
	"fmt"
	"unicode/utf8"
)

// Candidate is a decoded JSON object, not yet validated.
type Candidate map[string]any

// Clone returns a shallow copy of c.
func (c Candidate) Clone() Candidate {
	out := make(Candidate, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

// Keys used on the parse-failure fallback object.
const (
	KeyContent         = "content"
	KeyParseError      = "_parse_error"
	KeyResponsePreview = "_response_preview"
)

// IsParseFailure reports whether c is the fallback produced when no decode
// strategy succeeded.
func (c Candidate) IsParseFailure() bool {
	v, ok := c[KeyParseError].(bool)
	return ok && v
}

// Strategy identifies which decoder succeeded. Diagnostics only.
type Strategy int

const (
	StrategyNone Strategy = iota
	StrategyDirect
	StrategyFenced
	StrategyBalanced
	StrategyMultiObject
	StrategySalvage
	StrategyFields
)

func (s Strategy) String() string {
	switch s {
	case StrategyDirect:
		return "direct"
	case StrategyFenced:
		return "fenced"
	case StrategyBalanced:
		return "balanced"
	case StrategyMultiObject:
		return "multi_object"
	case StrategySalvage:
		return "salvage"
	case StrategyFields:
		return "fields"
	default:
		return "none"
	}
}

// Shape is the structural class of a decoded value relative to a schema.
type Shape int

const (
	ShapeUnrecoverable Shape = iota
	ShapeConforming
	ShapeSingleItem
	ShapeBareList
)

func (s Shape) String() string {
	switch s {
	case ShapeConforming:
		return "conforming"
	case ShapeSingleItem:
		return "single-item"
	case ShapeBareList:
		return "bare-list"
	default:
		return "unrecoverable"
	}
}

// VerdictKind is the outcome class of Validate.
type VerdictKind int

const (
	VerdictComplete VerdictKind = iota
	VerdictIncomplete
	VerdictMissingFields
)

func (k VerdictKind) String() string {
	switch k {
	case VerdictComplete:
		return "complete"
	case VerdictIncomplete:
		return "incomplete"
	default:
		return "missing-fields"
	}
}

// Reason narrows a non-complete verdict.
type Reason string

const (
	ReasonNone    Reason = ""
	ReasonMissing Reason = "missing"
	ReasonLength  Reason = "length"
	ReasonCount   Reason = "count"
)

// Verdict is the result of validating one candidate.
type Verdict struct {
	Kind    VerdictKind
	Reason  Reason
	Missing []string

	// Length-ratio check, rewrite tasks only.
	Ratio       float64
	ObservedLen int
	OriginalLen int

	// Count check, array tasks only.
	ItemCount      int
	RequestedCount int

	// Repairs lists in-place consistency fixes. They never change Kind.
	Repairs []string
}

// Complete reports whether the verdict accepts the candidate outright.
func (v Verdict) Complete() bool { return v.Kind == VerdictComplete }

// Soft reports whether the deficiency may be accepted as a partial result.
func (v Verdict) Soft() bool { return v.Kind == VerdictIncomplete && v.Reason == ReasonCount }

func (v Verdict) String() string {
	switch v.Reason {
	case ReasonMissing:
		return fmt.Sprintf("%s %v", v.Kind, v.Missing)
	case ReasonLength:
		return fmt.Sprintf("%s: %d/%d chars (ratio %.2f)", v.Kind, v.ObservedLen, v.OriginalLen, v.Ratio)
	case ReasonCount:
		return fmt.Sprintf("%s: %d/%d items", v.Kind, v.ItemCount, v.RequestedCount)
	default:
		return v.Kind.String()
	}
}

// Input carries the per-request facts the validator and finalizer need.
type Input struct {
	// Original is the user text a rewrite task operates on.
	Original string
	// RequestedCount is the number of array items asked for. Zero disables
	// the count check.
	RequestedCount int
}

// OriginalLen is the rune length of Original.
func (in Input) OriginalLen() int { return utf8.RuneCountInString(in.Original) }
