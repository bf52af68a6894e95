// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package retry provides bounded exponential backoff for calls to external
// collaborators and backing stores. Transient failures are retried up to a
// configured attempt count; the last error is returned once attempts exhaust.
package retry

import (
	"context"
	"fmt"
	"time"
)

// Policy bounds a retry loop.
type Policy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
}

// DefaultPolicy matches the pipeline's configured defaults.
var DefaultPolicy = Policy{
	MaxAttempts:    3,
	InitialBackoff: 500 * time.Millisecond,
	MaxBackoff:     10 * time.Second,
	Multiplier:     2,
}

// Backoff returns the delay before the given retry (attempt is zero-based:
// the delay after the first failure is Backoff(0)).
func (p Policy) Backoff(attempt int) time.Duration {
	d := p.InitialBackoff
	for i := 0; i < attempt; i++ {
		d = time.Duration(float64(d) * p.Multiplier)
		if d >= p.MaxBackoff {
			return p.MaxBackoff
		}
	}
	if d > p.MaxBackoff {
		return p.MaxBackoff
	}
	return d
}

// Do runs op until it succeeds, the policy's attempts exhaust, or the context
// is cancelled. The returned error wraps the last failure.
func Do(ctx context.Context, p Policy, op func(ctx context.Context) error) error {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}

		if attempt == p.MaxAttempts-1 {
			break
		}

		select {
		case <-time.After(p.Backoff(attempt)):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return fmt.Errorf("after %d attempts: %w", p.MaxAttempts, lastErr)
}
