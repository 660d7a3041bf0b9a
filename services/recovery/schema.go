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
	"regexp"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// FieldKind is the declared JSON type of a schema field.
type FieldKind string

const (
	KindString FieldKind = "string"
	KindNumber FieldKind = "number"
	KindList   FieldKind = "list"
	KindRecord FieldKind = "record"
	KindAny    FieldKind = "any"
)

// DefaultKind selects how the finalizer fills a missing field.
type DefaultKind string

const (
	// DefaultLiteral uses Default.Value as is.
	DefaultLiteral DefaultKind = "literal"
	// DefaultEchoInput uses Input.Original.
	DefaultEchoInput DefaultKind = "echo_input"
	// DefaultEmptyList uses [].
	DefaultEmptyList DefaultKind = "empty_list"
	// DefaultSummary builds a sentence from the consistency list count.
	DefaultSummary DefaultKind = "summary"
)

// Default describes a field's fallback value.
type Default struct {
	Kind  DefaultKind `yaml:"kind" validate:"required,oneof=literal echo_input empty_list summary"`
	Value any         `yaml:"value"`
}

// Field is one key of an ExpectedSchema.
type Field struct {
	Name     string    `yaml:"name" validate:"required"`
	Kind     FieldKind `yaml:"kind" validate:"required,oneof=string number list record any"`
	Required bool      `yaml:"required"`

	// Synonyms are gjson paths copied into Name when Name is absent.
	Synonyms []string `yaml:"synonyms"`

	// MinLength is the minimum rune length of a required string.
	MinLength int `yaml:"min_length" validate:"gte=0"`
	// MaxWords truncates free text in the finalizer. Zero disables.
	MaxWords int `yaml:"max_words" validate:"gte=0"`

	Min *float64 `yaml:"min"`
	Max *float64 `yaml:"max"`

	// ItemKeys makes a list item well-formed; malformed items are dropped.
	ItemKeys []string `yaml:"item_keys"`
	// Stringify converts item values to strings.
	Stringify bool `yaml:"stringify"`

	Default *Default `yaml:"default"`
}

// ScalarFromItem synthesises a scalar when a model answers with a list item
// instead of the requested scalar.
type ScalarFromItem struct {
	Target   string   `yaml:"target" validate:"required"`
	ItemKeys []string `yaml:"item_keys" validate:"required,min=1"`
	Source   string   `yaml:"source" validate:"required"`
	// Template is used when Source is empty. {key} is replaced by the
	// item's value for key.
	Template string `yaml:"template"`
	// FromList names a list whose first item's Source is used.
	FromList string `yaml:"from_list"`
}

// RewriteRule enables the length-ratio completeness check.
type RewriteRule struct {
	OriginalField     string  `yaml:"original_field"`
	RewrittenField    string  `yaml:"rewritten_field" validate:"required"`
	MinRatio          float64 `yaml:"min_ratio" validate:"gt=0,lte=1"`
	MinOriginalLength int     `yaml:"min_original_length" validate:"gte=0"`
	// EchoRatio replaces an original field shorter than EchoRatio times the
	// input with the input. Zero disables.
	EchoRatio float64 `yaml:"echo_ratio" validate:"gte=0,lte=1"`
}

// ConsistencyRule reconciles a change list with its explanation text.
type ConsistencyRule struct {
	ListField        string   `yaml:"list_field" validate:"required"`
	ExplanationField string   `yaml:"explanation_field" validate:"required"`
	Phrases          []string `yaml:"phrases" validate:"required,min=1"`
	// Contradiction replaces an explanation that denies changes. {n} is the
	// list length.
	Contradiction string `yaml:"contradiction" validate:"required"`
	// Unchanged is the explanation for an identical rewrite.
	Unchanged string `yaml:"unchanged" validate:"required"`
	// Changed and Minor are the summary defaults for a missing explanation.
	Changed string `yaml:"changed" validate:"required"`
	Minor   string `yaml:"minor" validate:"required"`
}

// Schema is the ExpectedSchema of one task. Immutable after Compile.
type Schema struct {
	Task   string  `yaml:"-"`
	Fields []Field `yaml:"fields" validate:"required,min=1,dive"`

	// ArrayField is the key a bare list or single item is wrapped under.
	ArrayField string `yaml:"array_field"`
	// ItemKeys are the leaf keys of one ArrayField item.
	ItemKeys []string `yaml:"item_keys"`

	ScalarFromItem *ScalarFromItem  `yaml:"scalar_from_item"`
	Rewrite        *RewriteRule     `yaml:"rewrite"`
	Consistency    *ConsistencyRule `yaml:"consistency"`
	SalvageFields  bool             `yaml:"salvage_fields"`
	AllowText      bool             `yaml:"allow_text"`

	byName    map[string]*Field
	typeCheck map[string]*jsonschema.Schema
	salvagers []fieldSalvager
}

type fieldSalvager struct {
	name    string
	kind    FieldKind
	pattern *regexp.Regexp
}

// Field returns the named field.
func (s *Schema) Field(name string) (*Field, bool) {
	f, ok := s.byName[name]
	return f, ok
}

// RequiredKeys lists required field names in declaration order.
func (s *Schema) RequiredKeys() []string {
	var keys []string
	for _, f := range s.Fields {
		if f.Required {
			keys = append(keys, f.Name)
		}
	}
	return keys
}

// IsRewrite reports whether the length-ratio check applies.
func (s *Schema) IsRewrite() bool { return s.Rewrite != nil }

// Compile prepares lookup tables, JSON Schema type checks and field
// salvage patterns. It must be called once before use.
func (s *Schema) Compile(task string) error {
	s.Task = task
	s.byName = make(map[string]*Field, len(s.Fields))
	s.typeCheck = make(map[string]*jsonschema.Schema)
	s.salvagers = nil

	for i := range s.Fields {
		f := &s.Fields[i]
		if _, dup := s.byName[f.Name]; dup {
			return fmt.Errorf("schema %s: duplicate field %q", task, f.Name)
		}
		s.byName[f.Name] = f

		if doc := kindSchema(f.Kind); doc != nil {
			compiled, err := compileKind(task, f.Name, doc)
			if err != nil {
				return err
			}
			s.typeCheck[f.Name] = compiled
		}

		if s.SalvageFields {
			if sv, ok := salvagerFor(f); ok {
				s.salvagers = append(s.salvagers, sv)
			}
		}
	}

	if s.Rewrite != nil {
		if s.Rewrite.OriginalField == "" {
			s.Rewrite.OriginalField = "original"
		}
		if _, ok := s.byName[s.Rewrite.RewrittenField]; !ok {
			return fmt.Errorf("schema %s: rewrite field %q is not declared", task, s.Rewrite.RewrittenField)
		}
	}
	if s.Consistency != nil {
		if _, ok := s.byName[s.Consistency.ListField]; !ok {
			return fmt.Errorf("schema %s: consistency list %q is not declared", task, s.Consistency.ListField)
		}
	}
	if s.ArrayField != "" {
		if _, ok := s.byName[s.ArrayField]; !ok {
			return fmt.Errorf("schema %s: array field %q is not declared", task, s.ArrayField)
		}
	}
	return nil
}

// numericPattern accepts numbers that models quote as strings ("7.5").
const numericPattern = `^\s*-?[0-9]+(\.[0-9]+)?\s*$`

func kindSchema(k FieldKind) map[string]any {
	switch k {
	case KindString:
		return map[string]any{"type": "string"}
	case KindNumber:
		return map[string]any{"anyOf": []any{
			map[string]any{"type": "number"},
			map[string]any{"type": "string", "pattern": numericPattern},
		}}
	case KindList:
		return map[string]any{"type": "array"}
	case KindRecord:
		return map[string]any{"type": "object"}
	}
	return nil
}

func compileKind(task, field string, doc map[string]any) (*jsonschema.Schema, error) {
	url := fmt.Sprintf("%s/%s.json", task, field)
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("schema %s: adding type check for %q: %w", task, field, err)
	}
	compiled, err := compiler.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("schema %s: compiling type check for %q: %w", task, field, err)
	}
	return compiled, nil
}

func salvagerFor(f *Field) (fieldSalvager, bool) {
	key := regexp.QuoteMeta(f.Name)
	switch f.Kind {
	case KindNumber:
		return fieldSalvager{
			name:    f.Name,
			kind:    KindNumber,
			pattern: regexp.MustCompile(`"` + key + `"\s*:\s*"?(-?[0-9]+(?:\.[0-9]+)?(?:[eE][+-]?[0-9]+)?)`),
		}, true
	case KindString:
		return fieldSalvager{
			name:    f.Name,
			kind:    KindString,
			pattern: regexp.MustCompile(`"` + key + `"\s*:\s*"((?:[^"\\]|\\.)*)"`),
		}, true
	}
	return fieldSalvager{}, false
}

// typeMatches reports whether v satisfies the field's declared kind.
func (s *Schema) typeMatches(name string, v any) bool {
	check, ok := s.typeCheck[name]
	if !ok {
		return true
	}
	return check.Validate(v) == nil
}
