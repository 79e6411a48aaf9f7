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

package epr

import (
	"context"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"github.com/medtrack/psymon/pkg/metrics"
	"github.com/medtrack/psymon/pkg/monitoring"
	"github.com/medtrack/psymon/pkg/shared/errkind"
)

// FetchTracker records on-demand fetches per patient.
type FetchTracker interface {
	IncrementFetch(ctx context.Context, patientID uuid.UUID, fetchedAt time.Time) (*monitoring.TrackedPatient, error)
}

// Record is one on-demand clinical record snapshot.
type Record struct {
	Patient      Resource   `json:"patient"`
	Observations []Resource `json:"observations"`
	Medications  []Resource `json:"medications"`
	FetchedAt    time.Time  `json:"fetched_at"`
}

// Service performs tracked on-demand record fetches.
type Service struct {
	client  *Client
	tracker FetchTracker
	metrics metrics.Recorder
	logger  logr.Logger

	// Now supplies the current instant; tests pin it.
	Now func() time.Time
}

// NewService constructs the fetch service.
func NewService(client *Client, tracker FetchTracker, recorder metrics.Recorder, logger logr.Logger) *Service {
	if recorder == nil {
		recorder = metrics.NopRecorder{}
	}
	return &Service{client: client, tracker: tracker, metrics: recorder, logger: logger, Now: time.Now}
}

// FetchRecord pulls a patient's upstream record and bumps the fetch
// counter. The counter is bumped only on success; a tripped breaker or
// upstream failure leaves it untouched.
func (s *Service) FetchRecord(ctx context.Context, patientID uuid.UUID, eprIdentifier string) (*Record, error) {
	patient, err := s.client.FetchPatient(ctx, eprIdentifier)
	if err != nil {
		s.recordOutcome(err)
		return nil, err
	}
	observations, err := s.client.FetchObservations(ctx, eprIdentifier)
	if err != nil {
		s.recordOutcome(err)
		return nil, err
	}
	medications, err := s.client.FetchMedications(ctx, eprIdentifier)
	if err != nil {
		s.recordOutcome(err)
		return nil, err
	}

	fetchedAt := s.Now().UTC()
	tracked, err := s.tracker.IncrementFetch(ctx, patientID, fetchedAt)
	if err != nil {
		return nil, err
	}
	s.metrics.RecordEPRFetch("success")
	s.logger.Info("Fetched clinical record",
		"patient_id", patientID,
		"observations", len(observations),
		"medications", len(medications),
		"fetch_count", tracked.FetchCount,
	)
	return &Record{
		Patient:      patient,
		Observations: observations,
		Medications:  medications,
		FetchedAt:    fetchedAt,
	}, nil
}

func (s *Service) recordOutcome(err error) {
	switch {
	case errkind.Is(err, errkind.NotFound):
		s.metrics.RecordEPRFetch("not_found")
	case errkind.Is(err, errkind.DependencyUnavailable):
		s.metrics.RecordEPRFetch("unavailable")
	default:
		s.metrics.RecordEPRFetch("error")
	}
}
