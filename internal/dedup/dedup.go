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

// Package dedup provides publish idempotency using a Redis SET with TTL.
// A stage that crashed between publishing downstream and acknowledging its
// own message will redeliver; the filter recognises the repeated
// (stage, event) pair and suppresses the second downstream publish, even
// when the redelivered run would pick a different destination topic.
package dedup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// DefaultTTL is how long a publish key is remembered. Pipeline
	// redelivery happens within the visibility timeout, so hours of
	// memory is ample margin.
	DefaultTTL = 24 * time.Hour

	// keyPrefix namespaces publish keys in Redis.
	keyPrefix = "triage:pub:"
)

// Filter tracks which (stage, event) publishes have already happened, and
// which destination topic each one went to.
type Filter struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewFilter creates a publish-idempotency filter backed by Redis.
func NewFilter(rdb *redis.Client) *Filter {
	return &Filter{
		rdb: rdb,
		ttl: DefaultTTL,
	}
}

// FirstPublish returns true if stage has not yet recorded a publish for
// eventID, marking it atomically (SETNX) with the destination topic as the
// value. On a repeat it returns false plus the destination the original
// publish went to, so the caller can follow the recorded route instead of
// re-deciding.
func (f *Filter) FirstPublish(ctx context.Context, stage, eventID, destination string) (bool, string, error) {
	key := fmt.Sprintf("%s%s:%s", keyPrefix, stage, eventID)

	// SET NX = set only if key does not exist. Returns true if the key was set.
	set, err := f.rdb.SetNX(ctx, key, destination, f.ttl).Result()
	if err != nil {
		return false, "", fmt.Errorf("publish guard SETNX: %w", err)
	}
	if set {
		return true, destination, nil
	}

	recorded, err := f.rdb.Get(ctx, key).Result()
	if err != nil {
		// Key expired between SETNX and GET: no recorded route survives.
		if errors.Is(err, redis.Nil) {
			return false, "", nil
		}
		return false, "", fmt.Errorf("publish guard GET: %w", err)
	}
	return false, recorded, nil
}

// Release forgets a recorded publish. Called when the publish that claimed
// the key failed, so the retry is not suppressed.
func (f *Filter) Release(ctx context.Context, stage, eventID string) error {
	key := fmt.Sprintf("%s%s:%s", keyPrefix, stage, eventID)
	if err := f.rdb.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("publish guard DEL: %w", err)
	}
	return nil
}
