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

package audit

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
)

// Recorder accepts audit events. Engines depend on this narrow interface
// so tests can capture events in memory.
type Recorder interface {
	Record(event *Event)
}

// Sink persists batches of audit events (the Postgres repository in
// production).
type Sink interface {
	WriteBatch(ctx context.Context, events []*Event) error
}

// Config tunes the buffered store.
type Config struct {
	BufferSize    int
	BatchSize     int
	FlushInterval time.Duration
	WriteTimeout  time.Duration
}

// RecommendedConfig is the default buffering profile.
func RecommendedConfig() Config {
	return Config{
		BufferSize:    1000,
		BatchSize:     50,
		FlushInterval: 5 * time.Second,
		WriteTimeout:  10 * time.Second,
	}
}

// BufferedStore is a fire-and-forget audit store: Record never blocks and
// never fails the caller. A background worker batches events to the sink;
// Close flushes the remainder.
type BufferedStore struct {
	sink    Sink
	cfg     Config
	logger  logr.Logger
	ch      chan *Event
	done    chan struct{}
	wg      sync.WaitGroup
	dropped atomic.Int64
	closed  atomic.Bool
}

// NewBufferedStore starts the background flush worker.
func NewBufferedStore(sink Sink, cfg Config, logger logr.Logger) (*BufferedStore, error) {
	if sink == nil {
		return nil, fmt.Errorf("sink is required")
	}
	if cfg.BufferSize <= 0 || cfg.BatchSize <= 0 || cfg.FlushInterval <= 0 {
		return nil, fmt.Errorf("buffer_size, batch_size and flush_interval must be positive")
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	s := &BufferedStore{
		sink:   sink,
		cfg:    cfg,
		logger: logger,
		ch:     make(chan *Event, cfg.BufferSize),
		done:   make(chan struct{}),
	}
	s.wg.Add(1)
	go s.worker()
	return s, nil
}

// Record enqueues an event. Invalid events and buffer overflow are logged
// and dropped; audit must not take down the write path.
func (s *BufferedStore) Record(event *Event) {
	if s.closed.Load() {
		return
	}
	if err := event.Validate(); err != nil {
		s.logger.Error(err, "Dropping invalid audit event", "entity_type", event.EntityType)
		return
	}
	select {
	case s.ch <- event:
	default:
		dropped := s.dropped.Add(1)
		if dropped%100 == 1 {
			s.logger.Info("Audit buffer full, dropping events", "dropped_total", dropped)
		}
	}
}

// Dropped returns the number of events lost to buffer overflow.
func (s *BufferedStore) Dropped() int64 { return s.dropped.Load() }

// Close stops intake, flushes buffered events and waits for the worker.
func (s *BufferedStore) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(s.done)
	s.wg.Wait()
	return nil
}

func (s *BufferedStore) worker() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.FlushInterval)
	defer ticker.Stop()

	batch := make([]*Event, 0, s.cfg.BatchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.WriteTimeout)
		if err := s.sink.WriteBatch(ctx, batch); err != nil {
			s.logger.Error(err, "Failed to flush audit batch", "count", len(batch))
		}
		cancel()
		batch = batch[:0]
	}

	for {
		select {
		case event := <-s.ch:
			batch = append(batch, event)
			if len(batch) >= s.cfg.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-s.done:
			// Drain whatever is still queued, then final flush.
			for {
				select {
				case event := <-s.ch:
					batch = append(batch, event)
					if len(batch) >= s.cfg.BatchSize {
						flush()
					}
				default:
					flush()
					return
				}
			}
		}
	}
}

// NopRecorder discards events; useful in tests that do not assert audit.
type NopRecorder struct{}

func (NopRecorder) Record(*Event) {}
