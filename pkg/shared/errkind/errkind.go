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

// Package errkind provides the shared error taxonomy used across all
// monitoring services.
//
// Business Requirements:
// - BR-ERR-001: Classified error surface for callers (retry vs fail-fast)
// - BR-ERR-002: No partial commits on INTERNAL errors
package errkind

import (
	"errors"
	"fmt"
)

// Kind classifies an error for caller-side handling.
type Kind string

const (
	// Configuration errors surface to the caller and are never retried
	// (missing ruleset category, invalid comparator type, missing key).
	Configuration Kind = "CONFIGURATION_ERROR"

	// Validation errors carry a pointer to the offending row or field.
	Validation Kind = "VALIDATION_ERROR"

	// NotFound maps to a 404-equivalent at the boundary.
	NotFound Kind = "NOT_FOUND"

	// Conflict covers duplicate source ids, replayed nonces and
	// already-acknowledged notifications. Not fatal.
	Conflict Kind = "CONFLICT"

	// DependencyUnavailable maps to a 503-equivalent; the daily sweep
	// backs off and retries on the next tick.
	DependencyUnavailable Kind = "DEPENDENCY_UNAVAILABLE"

	// Internal is the default for unexpected failures.
	Internal Kind = "INTERNAL"
)

// Error is a classified error. It wraps an optional cause so callers can
// use errors.Is/errors.As through it.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a classified error with a formatted message.
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap classifies an existing error. Returns nil if err is nil.
func Wrap(kind Kind, err error, format string, args ...interface{}) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

// KindOf extracts the Kind from an error chain. Unclassified errors are
// INTERNAL.
func KindOf(err error) Kind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return Internal
}

// Is reports whether the error chain carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
