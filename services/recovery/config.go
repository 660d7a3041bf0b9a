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
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"

	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel/attribute"
	"gopkg.in/yaml.v3"
)

// =============================================================================
// Embedded Default Recovery Config
// =============================================================================

//go:embed recovery.yaml
var defaultRecoveryYAML []byte

// MaxConfigSize bounds a recovery config file.
const MaxConfigSize = 1 << 20

// Task names shipped in the embedded config.
const (
	TaskScore      = "score"
	TaskTopics     = "topics"
	TaskQuestions  = "questions"
	TaskAnswers    = "answers"
	TaskStructures = "structures"
	TaskVocabulary = "vocabulary"
	TaskGrammar    = "grammar"
	TaskImprove    = "improve"
	TaskGeneric    = "generic"
)

// Config is the retry policy plus one schema per task.
//
// Thread Safety: Immutable after loading; safe for concurrent use.
type Config struct {
	Policy  Policy             `yaml:"policy"`
	Schemas map[string]*Schema `yaml:"schemas" validate:"required,min=1,dive,keys,required,endkeys,required"`
}

// Schema returns the compiled schema for task.
func (c *Config) Schema(task string) (*Schema, error) {
	s, ok := c.Schemas[task]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTask, task)
	}
	return s, nil
}

// Tasks lists the configured task names in sorted order.
func (c *Config) Tasks() []string {
	names := make([]string, 0, len(c.Schemas))
	for name := range c.Schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// =============================================================================
// Singleton Recovery Config
// =============================================================================

var (
	recoveryConfigMu      sync.RWMutex
	recoveryConfigOnce    sync.Once
	cachedRecoveryConfig  *Config
	recoveryConfigLoadErr error
)

// GetConfig returns the cached embedded configuration.
//
// Description:
//
//	Loads the embedded recovery.yaml on first call and caches it for
//	subsequent calls.
//
// Inputs:
//
//	ctx - Context for tracing. Must not be nil.
//
// Outputs:
//
//	*Config - The loaded configuration. Never nil on success.
//	error - Non-nil if loading or validation failed.
//
// Thread Safety: Safe for concurrent use via sync.Once.
func GetConfig(ctx context.Context) (*Config, error) {
	if ctx == nil {
		return nil, fmt.Errorf("GetConfig: ctx must not be nil")
	}

	recoveryConfigMu.RLock()
	if cachedRecoveryConfig != nil || recoveryConfigLoadErr != nil {
		cfg, err := cachedRecoveryConfig, recoveryConfigLoadErr
		recoveryConfigMu.RUnlock()
		return cfg, err
	}
	recoveryConfigMu.RUnlock()

	recoveryConfigMu.Lock()
	defer recoveryConfigMu.Unlock()

	if cachedRecoveryConfig != nil || recoveryConfigLoadErr != nil {
		return cachedRecoveryConfig, recoveryConfigLoadErr
	}

	recoveryConfigOnce.Do(func() {
		cachedRecoveryConfig, recoveryConfigLoadErr = LoadConfig(ctx, defaultRecoveryYAML)
	})

	return cachedRecoveryConfig, recoveryConfigLoadErr
}

// ResetConfig clears the cached config for testing.
//
// Thread Safety: Safe for concurrent use.
func ResetConfig() {
	recoveryConfigMu.Lock()
	defer recoveryConfigMu.Unlock()

	cachedRecoveryConfig = nil
	recoveryConfigLoadErr = nil
	recoveryConfigOnce = sync.Once{}
}

// LoadConfigFile loads a recovery config from disk.
func LoadConfigFile(ctx context.Context, path string) (*Config, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if info.Size() > MaxConfigSize {
		return nil, fmt.Errorf("%w: %s exceeds maximum size (%d > %d)", ErrInvalidConfig, path, info.Size(), MaxConfigSize)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return LoadConfig(ctx, data)
}

// LoadConfig parses, validates and compiles a recovery config.
//
// Description:
//
//	Unmarshals YAML over DefaultPolicy, so an omitted policy key keeps its
//	default. Struct tags are checked with validator/v10, then every schema
//	is compiled under its task name.
//
// Inputs:
//
//	ctx - Context for tracing.
//	data - Raw YAML bytes.
//
// Outputs:
//
//	*Config - The compiled configuration.
//	error - Wraps ErrInvalidConfig on any failure.
func LoadConfig(ctx context.Context, data []byte) (*Config, error) {
	_, span := recoveryTracer.Start(ctx, "recovery.LoadConfig")
	defer span.End()

	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty YAML data", ErrInvalidConfig)
	}
	if len(data) > MaxConfigSize {
		return nil, fmt.Errorf("%w: YAML data exceeds maximum size (%d > %d)", ErrInvalidConfig, len(data), MaxConfigSize)
	}

	cfg := Config{Policy: DefaultPolicy()}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("%w: parsing YAML: %v", ErrInvalidConfig, err)
	}

	if err := configValidator().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("%w: validation: %v", ErrInvalidConfig, err)
	}

	for _, name := range cfg.Tasks() {
		if err := cfg.Schemas[name].Compile(name); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
	}

	span.SetAttributes(
		attribute.Int("schemas", len(cfg.Schemas)),
		attribute.Int("max_retries", cfg.Policy.MaxRetries),
	)
	slog.Info("recovery config loaded",
		slog.Int("schemas", len(cfg.Schemas)),
		slog.Int("max_retries", cfg.Policy.MaxRetries),
		slog.Int("count_retries", cfg.Policy.CountRetries),
	)

	return &cfg, nil
}

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func configValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}
