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

package sweep_test

import (
	"context"
	"sync"
	"time"

	"github.com/go-logr/logr"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/medtrack/psymon/internal/sweep"
	"github.com/medtrack/psymon/pkg/monitoring/orchestrator"
	"github.com/medtrack/psymon/pkg/shared/errkind"
)

// scriptedSweeper returns errors in order, then succeeds.
type scriptedSweeper struct {
	mu     sync.Mutex
	errs   []error
	calls  int
	report *orchestrator.SweepReport
}

func (s *scriptedSweeper) RunDailySweep(context.Context) (*orchestrator.SweepReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	if s.report != nil {
		return s.report, nil
	}
	return &orchestrator.SweepReport{}, nil
}

func (s *scriptedSweeper) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

var _ = Describe("Runner", func() {
	run := func(sweeper *scriptedSweeper, cfg sweep.Config) {
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		go func() {
			defer close(done)
			sweep.NewRunner(sweeper, cfg, logr.Discard()).Run(ctx)
		}()
		// Let the immediate sweep (and any retries) run, then stop.
		Eventually(sweeper.callCount).Should(BeNumerically(">=", 1))
		time.Sleep(50 * time.Millisecond)
		cancel()
		Eventually(done).Should(BeClosed())
	}

	cfg := sweep.Config{
		Interval:     time.Hour,
		MaxRetries:   2,
		RetryBackoff: time.Millisecond,
	}

	It("sweeps immediately on start", func() {
		sweeper := &scriptedSweeper{report: &orchestrator.SweepReport{OrdersReconciled: 3}}
		run(sweeper, cfg)
		Expect(sweeper.callCount()).To(Equal(1))
	})

	It("retries when a dependency is unavailable", func() {
		sweeper := &scriptedSweeper{errs: []error{
			errkind.New(errkind.DependencyUnavailable, "database down"),
			errkind.New(errkind.DependencyUnavailable, "database down"),
		}}
		run(sweeper, cfg)
		Expect(sweeper.callCount()).To(Equal(3))
	})

	It("gives up after the retry budget", func() {
		sweeper := &scriptedSweeper{errs: []error{
			errkind.New(errkind.DependencyUnavailable, "database down"),
			errkind.New(errkind.DependencyUnavailable, "database down"),
			errkind.New(errkind.DependencyUnavailable, "database down"),
			errkind.New(errkind.DependencyUnavailable, "database down"),
		}}
		run(sweeper, cfg)
		// Initial attempt plus MaxRetries, then wait for the next tick.
		Expect(sweeper.callCount()).To(Equal(3))
	})

	It("does not retry other failures", func() {
		sweeper := &scriptedSweeper{errs: []error{
			errkind.New(errkind.Internal, "ruleset rejected"),
		}}
		run(sweeper, cfg)
		Expect(sweeper.callCount()).To(Equal(1))
	})

	It("stops retrying when the context is cancelled", func() {
		sweeper := &scriptedSweeper{errs: []error{
			errkind.New(errkind.DependencyUnavailable, "database down"),
			errkind.New(errkind.DependencyUnavailable, "database down"),
			errkind.New(errkind.DependencyUnavailable, "database down"),
		}}
		ctx, cancel := context.WithCancel(context.Background())
		runner := sweep.NewRunner(sweeper, sweep.Config{
			Interval:     time.Hour,
			MaxRetries:   10,
			RetryBackoff: time.Hour, // retries would stall without cancellation
		}, logr.Discard())

		done := make(chan struct{})
		go func() {
			defer close(done)
			runner.Run(ctx)
		}()
		Eventually(sweeper.callCount).Should(Equal(1))
		cancel()
		Eventually(done).Should(BeClosed())
		Expect(sweeper.callCount()).To(Equal(1))
	})
})
