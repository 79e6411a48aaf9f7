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

// Package webhook guards the ingestion endpoints that upstream clinical
// systems push medication orders and monitoring events to.
//
// Every request passes four gates in a fixed order: HMAC signature,
// timestamp freshness with nonce replay detection, per-source rate
// limiting, and idempotency. Replay, rate and idempotency state live in
// the shared security store so the gates hold across replicas.
//
// Business Requirements:
// - BR-ING-001: Authenticated, replay-proof ingestion
// - BR-ING-002: Duplicate deliveries acknowledged without reprocessing
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/go-logr/logr"

	"github.com/medtrack/psymon/pkg/securitystore"
	"github.com/medtrack/psymon/pkg/shared/errkind"
)

// Request headers carried by upstream webhook deliveries.
const (
	HeaderSignature      = "X-Signature"
	HeaderTimestamp      = "X-Timestamp"
	HeaderNonce          = "X-Nonce"
	HeaderSourceSystem   = "X-Source-System"
	HeaderIdempotencyKey = "Idempotency-Key"
)

// SecurityConfig tunes the webhook gates.
type SecurityConfig struct {
	Secret              string
	TimestampTolerance  time.Duration
	ReplayTTL           time.Duration
	IdempotencyTTL      time.Duration
	RateLimitMaxPerHour int64
	RateLimitBurst      int64
}

// DefaultSecurityConfig returns the production gate profile (secret must
// still be supplied).
func DefaultSecurityConfig() SecurityConfig {
	return SecurityConfig{
		TimestampTolerance:  10 * time.Minute,
		ReplayTTL:           10 * time.Minute,
		IdempotencyTTL:      24 * time.Hour,
		RateLimitMaxPerHour: 100,
		RateLimitBurst:      20,
	}
}

// RequestMeta is the security-relevant envelope of one delivery.
type RequestMeta struct {
	Signature      string
	Timestamp      int64
	Nonce          string
	SourceSystem   string
	IdempotencyKey string
}

// Security validates webhook deliveries.
type Security struct {
	cfg    SecurityConfig
	store  securitystore.Store
	logger logr.Logger

	// Now supplies the current instant; tests pin it.
	Now func() time.Time
}

// NewSecurity constructs the webhook gate chain.
func NewSecurity(cfg SecurityConfig, store securitystore.Store, logger logr.Logger) *Security {
	return &Security{cfg: cfg, store: store, logger: logger, Now: time.Now}
}

// ValidateRequest runs the gates in order: HMAC, timestamp and nonce,
// rate limit, idempotency. A duplicate idempotency key is reported via
// the returned duplicate flag, not an error: duplicates are acknowledged
// upstream without reprocessing.
func (s *Security) ValidateRequest(ctx context.Context, body []byte, meta RequestMeta) (duplicate bool, err error) {
	if err := s.VerifyHMAC(body, meta.Signature); err != nil {
		return false, err
	}
	if err := s.VerifyTimestampAndNonce(ctx, meta.Timestamp, meta.Nonce); err != nil {
		return false, err
	}
	source := meta.SourceSystem
	if source == "" {
		source = "unknown"
	}
	if err := s.EnforceRateLimit(ctx, source); err != nil {
		return false, err
	}
	if meta.IdempotencyKey == "" {
		return false, errkind.New(errkind.Validation, "missing idempotency key")
	}
	fresh, err := s.EnforceIdempotency(ctx, meta.IdempotencyKey)
	if err != nil {
		return false, err
	}
	if !fresh {
		s.logger.V(1).Info("Duplicate webhook delivery", "source", source, "idempotency_key", meta.IdempotencyKey)
	}
	return !fresh, nil
}

// VerifyHMAC checks the body signature. An optional "sha256=" prefix on
// the header value is accepted.
func (s *Security) VerifyHMAC(body []byte, signature string) error {
	if s.cfg.Secret == "" {
		return errkind.New(errkind.Configuration, "webhook secret not configured")
	}
	signature = strings.TrimPrefix(signature, "sha256=")

	mac := hmac.New(sha256.New, []byte(s.cfg.Secret))
	mac.Write(body)
	computed := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(computed), []byte(signature)) {
		return errkind.New(errkind.Validation, "invalid webhook signature")
	}
	return nil
}

// VerifyTimestampAndNonce rejects stale deliveries and replayed nonces.
// The nonce key lives in the store for the replay TTL.
func (s *Security) VerifyTimestampAndNonce(ctx context.Context, timestamp int64, nonce string) error {
	if timestamp == 0 || nonce == "" {
		return errkind.New(errkind.Validation, "missing timestamp or nonce")
	}
	now := s.Now().Unix()
	skew := now - timestamp
	if skew < 0 {
		skew = -skew
	}
	if skew > int64(s.cfg.TimestampTolerance.Seconds()) {
		return errkind.New(errkind.Validation, "stale webhook request")
	}
	won, err := s.store.SetIfAbsent(ctx, fmt.Sprintf("nonce:%s", nonce), "1", s.cfg.ReplayTTL)
	if err != nil {
		return err
	}
	if !won {
		return errkind.New(errkind.Conflict, "replayed nonce")
	}
	return nil
}

// EnforceRateLimit counts deliveries per source in hourly buckets and
// rejects past max plus burst.
func (s *Security) EnforceRateLimit(ctx context.Context, source string) error {
	hourBucket := s.Now().Unix() / 3600
	key := fmt.Sprintf("rl:%s:%d", source, hourBucket)
	count, err := s.store.Incr(ctx, key, time.Hour)
	if err != nil {
		return err
	}
	if count > s.cfg.RateLimitMaxPerHour+s.cfg.RateLimitBurst {
		return errkind.New(errkind.Conflict, "rate limit exceeded for source %s", source)
	}
	return nil
}

// EnforceIdempotency claims the idempotency key; returns false when a
// previous delivery already claimed it within the TTL.
func (s *Security) EnforceIdempotency(ctx context.Context, idempotencyKey string) (bool, error) {
	return s.store.SetIfAbsent(ctx, fmt.Sprintf("idem:%s", idempotencyKey), "1", s.cfg.IdempotencyTTL)
}
