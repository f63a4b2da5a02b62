// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package collaborator

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"

	"github.com/hshk99/Autopack-sub025/services/executor/breaker"
)

// Guarded wraps a Collaborator with a circuit breaker and an optional rate
// limiter.
//
// # Description
//
// The limiter wait happens before the breaker decision, so time spent
// queued for a token does not count as a probe. Only errors returned by the
// inner collaborator trip the breaker.
//
// # Thread Safety
//
// Safe for concurrent use.
type Guarded struct {
	inner   Collaborator
	breaker *breaker.Breaker
	limiter *rate.Limiter
}

// NewGuarded wraps inner. limiter may be nil.
func NewGuarded(inner Collaborator, b *breaker.Breaker, limiter *rate.Limiter) *Guarded {
	return &Guarded{inner: inner, breaker: b, limiter: limiter}
}

// NewLimiter builds a limiter from requests per second and burst. A
// non-positive rps disables limiting.
func NewLimiter(rps float64, burst int) *rate.Limiter {
	if rps <= 0 {
		return nil
	}
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(rps), burst)
}

// Name returns the inner collaborator's name.
func (g *Guarded) Name() string {
	return g.inner.Name()
}

// Breaker returns the guarding breaker.
func (g *Guarded) Breaker() *breaker.Breaker {
	return g.breaker
}

// Execute rate-limits, then runs the inner call under the breaker.
func (g *Guarded) Execute(ctx context.Context, req Request) (*Result, error) {
	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limit wait for %s: %w", g.inner.Name(), err)
		}
	}

	var result *Result
	err := g.breaker.Execute(ctx, func(ctx context.Context) error {
		r, err := g.inner.Execute(ctx, req)
		result = r
		return err
	})
	if err != nil {
		return nil, err
	}
	if result == nil {
		return nil, fmt.Errorf("%w: %s returned no result", ErrMalformedResponse, g.inner.Name())
	}
	return result, nil
}

// Cancel forwards to the inner collaborator.
func (g *Guarded) Cancel(ctx context.Context, key string) error {
	return g.inner.Cancel(ctx, key)
}
