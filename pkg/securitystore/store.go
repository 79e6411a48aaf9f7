/*
Copyright 2025 MedTrack Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package securitystore provides the shared expiring key-value store the
// webhook security gates use for nonce replay detection, rate limiting
// and idempotency.
//
// Every write carries a mandatory TTL: the store holds only short-lived
// protocol state, never durable data. Production uses Redis; tests and
// single-node runs use the in-memory implementation.
package securitystore

import (
	"context"
	"time"
)

// Store is an expiring key-value store with the three primitives the
// security gates need.
type Store interface {
	// SetIfAbsent stores value under key only when the key does not
	// exist, returning whether the write won. TTL must be positive.
	SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	// Get returns the value and whether the key exists.
	Get(ctx context.Context, key string) (string, bool, error)
	// Incr atomically increments the counter at key, creating it at 1
	// with the TTL on first use, and returns the new value.
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)
}
