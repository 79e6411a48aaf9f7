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

// Package log provides the shared zap-backed logr.Logger used by every
// service binary.
//
// DD-005: all components accept logr.Logger; zap stays behind this package.
package log

import (
	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options controls logger construction.
type Options struct {
	// Development enables console encoding and debug level.
	Development bool

	// Level is the minimum enabled logr V-level (0 = INFO).
	Level int

	// ServiceName tags every entry with the emitting service.
	ServiceName string
}

// NewLogger builds a logr.Logger backed by zap. Production config emits
// JSON; development config emits console lines.
func NewLogger(opts Options) logr.Logger {
	var cfg zap.Config
	if opts.Development {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(zapcore.Level(-opts.Level))

	zl, err := cfg.Build()
	if err != nil {
		// Logger construction only fails on invalid config; fall back to a
		// bare production logger rather than crashing before main wiring.
		zl = zap.NewNop()
	}
	if opts.ServiceName != "" {
		zl = zl.Named(opts.ServiceName)
	}
	return zapr.NewLogger(zl)
}

// Sync flushes buffered entries. Safe to defer in main.
func Sync(logger logr.Logger) {
	if underlier, ok := logger.GetSink().(zapr.Underlier); ok {
		_ = underlier.GetUnderlying().Sync()
	}
}
