// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package providers

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"
)

// newLimiter builds an upstream limiter. rps <= 0 disables limiting.
func newLimiter(rps float64, burst int) *rate.Limiter {
	if rps <= 0 {
		return nil
	}
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(rps), burst)
}

// waitLimiter blocks until the limiter admits one call or ctx ends.
// A nil limiter admits immediately.
func waitLimiter(ctx context.Context, provider string, limiter *rate.Limiter) error {
	if limiter == nil {
		return nil
	}
	start := time.Now()
	err := limiter.Wait(ctx)
	chatRateLimitWait.WithLabelValues(provider).Observe(time.Since(start).Seconds())
	if err != nil {
		return fmt.Errorf("%s: waiting for rate limiter: %w", provider, err)
	}
	return nil
}
