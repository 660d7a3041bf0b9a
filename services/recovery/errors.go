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
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrUpstreamUnavailable matches failures of the model call itself.
	ErrUpstreamUnavailable = errors.New("recovery: upstream unavailable")

	// ErrProcessingFailed matches a retry budget exhausted without a usable
	// candidate.
	ErrProcessingFailed = errors.New("recovery: processing failed")

	// ErrInvalidConfig matches a recovery config that fails to load.
	ErrInvalidConfig = errors.New("recovery: invalid config")

	// ErrUnknownTask is returned for a task with no schema.
	ErrUnknownTask = errors.New("recovery: unknown task")
)

// UpstreamError wraps a generator failure. It matches both
// ErrUpstreamUnavailable and the underlying error.
type UpstreamError struct {
	Task    string
	Attempt int
	Err     error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("recovery: %s: upstream call failed on attempt %d: %v", e.Task, e.Attempt, e.Err)
}

func (e *UpstreamError) Unwrap() []error {
	return []error{ErrUpstreamUnavailable, e.Err}
}

// ProcessingError describes the last verdict of an exhausted run.
type ProcessingError struct {
	Task        string
	Reason      Reason
	Missing     []string
	ObservedLen int
	OriginalLen int
	Ratio       float64
	Attempts    int
}

func (e *ProcessingError) Error() string {
	switch e.Reason {
	case ReasonLength:
		return fmt.Sprintf(
			"recovery: %s: response incomplete after %d attempts: output has %d characters but the original has %d (ratio %.2f)",
			e.Task, e.Attempts, e.ObservedLen, e.OriginalLen, e.Ratio)
	case ReasonMissing:
		return fmt.Sprintf("recovery: %s: missing required fields after %d attempts: %s",
			e.Task, e.Attempts, strings.Join(e.Missing, ", "))
	default:
		return fmt.Sprintf("recovery: %s: no usable response after %d attempts", e.Task, e.Attempts)
	}
}

// Is matches ErrProcessingFailed.
func (e *ProcessingError) Is(target error) bool {
	return target == ErrProcessingFailed
}

func newProcessingError(task string, v Verdict, attempts int) *ProcessingError {
	return &ProcessingError{
		Task:        task,
		Reason:      v.Reason,
		Missing:     v.Missing,
		ObservedLen: v.ObservedLen,
		OriginalLen: v.OriginalLen,
		Ratio:       v.Ratio,
		Attempts:    attempts,
	}
}
