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

// Package sweep schedules the daily monitoring sweep.
package sweep

import (
	"context"
	"time"

	"github.com/go-logr/logr"

	"github.com/medtrack/psymon/pkg/monitoring/orchestrator"
	"github.com/medtrack/psymon/pkg/shared/errkind"
)

// Sweeper runs one sweep pass.
type Sweeper interface {
	RunDailySweep(ctx context.Context) (*orchestrator.SweepReport, error)
}

// Config tunes the runner.
type Config struct {
	// Interval between sweep passes.
	Interval time.Duration
	// MaxRetries bounds retry attempts when a dependency is down.
	MaxRetries int
	// RetryBackoff is the initial backoff; it doubles per attempt.
	RetryBackoff time.Duration
}

// DefaultConfig returns the production sweep cadence.
func DefaultConfig() Config {
	return Config{
		Interval:     24 * time.Hour,
		MaxRetries:   5,
		RetryBackoff: 30 * time.Second,
	}
}

// Runner triggers sweeps on an interval, retrying with exponential
// backoff when a dependency is unavailable. Other failures are logged
// and left for the next interval.
type Runner struct {
	sweeper Sweeper
	cfg     Config
	logger  logr.Logger
}

// NewRunner constructs a sweep runner.
func NewRunner(sweeper Sweeper, cfg Config, logger logr.Logger) *Runner {
	if cfg.Interval <= 0 {
		cfg.Interval = 24 * time.Hour
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 30 * time.Second
	}
	return &Runner{sweeper: sweeper, cfg: cfg, logger: logger}
}

// Run sweeps immediately, then on every interval tick, until the context
// is cancelled.
func (r *Runner) Run(ctx context.Context) {
	r.sweepWithRetry(ctx)

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweepWithRetry(ctx)
		}
	}
}

func (r *Runner) sweepWithRetry(ctx context.Context) {
	backoff := r.cfg.RetryBackoff
	for attempt := 0; ; attempt++ {
		report, err := r.sweeper.RunDailySweep(ctx)
		if err == nil {
			r.logger.V(1).Info("Sweep pass complete",
				"orders_reconciled", report.OrdersReconciled,
				"marked_overdue", report.MarkedOverdue,
			)
			return
		}
		if !errkind.Is(err, errkind.DependencyUnavailable) || attempt >= r.cfg.MaxRetries {
			r.logger.Error(err, "Sweep pass failed", "attempt", attempt+1)
			return
		}
		r.logger.Info("Dependency unavailable, retrying sweep",
			"attempt", attempt+1,
			"backoff", backoff.String(),
		)
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
	}
}
