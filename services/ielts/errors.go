// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ielts

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/AleutianAI/AleutianIELTS/services/llm"
	"github.com/AleutianAI/AleutianIELTS/services/recovery"
	"github.com/gin-gonic/gin"
)

// ErrBadRequest marks a request the caller must fix.
var ErrBadRequest = errors.New("ielts: bad request")

// badRequest returns an error matching ErrBadRequest whose message is
// sent to the caller as is.
func badRequest(format string, args ...any) error {
	return &requestError{msg: fmt.Sprintf(format, args...)}
}

type requestError struct {
	msg string
}

func (e *requestError) Error() string        { return e.msg }
func (e *requestError) Is(target error) bool { return target == ErrBadRequest }

// shapeError reports a finalized result that does not fit the response type.
type shapeError struct {
	task string
	err  error
}

func (e *shapeError) Error() string {
	return fmt.Sprintf("ielts: %s: result does not match response shape: %v", e.task, e.err)
}

func (e *shapeError) Unwrap() []error { return []error{recovery.ErrProcessingFailed, e.err} }

// statusFor maps an error to its HTTP status.
//
// Content blocks are checked before upstream failures because an
// *recovery.UpstreamError can wrap llm.ErrContentBlocked.
func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, llm.ErrContentBlocked):
		return http.StatusUnprocessableEntity
	case errors.Is(err, llm.ErrNotConfigured):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, recovery.ErrUpstreamUnavailable):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// writeError sends err as {"detail": ...}. Bad requests carry their own
// message; everything else is prefixed with the action that failed.
func writeError(c *gin.Context, action string, err error) {
	status := statusFor(err)
	detail := err.Error()
	if status != http.StatusBadRequest {
		detail = fmt.Sprintf("Error %s: %s", action, llm.SafeLogString(err.Error()))
	}
	c.AbortWithStatusJSON(status, ErrorResponse{Detail: detail})
}
