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

package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/medtrack/psymon/pkg/monitoring"
	"github.com/medtrack/psymon/pkg/shared/errkind"
)

// TrackedPatientRepository counts on-demand clinical record fetches per
// patient.
type TrackedPatientRepository struct {
	db     *sqlx.DB
	logger logr.Logger
}

// NewTrackedPatientRepository constructs a tracked patient repository.
func NewTrackedPatientRepository(db *sqlx.DB, logger logr.Logger) *TrackedPatientRepository {
	return &TrackedPatientRepository{db: db, logger: logger}
}

// IncrementFetch bumps the fetch counter, creating the row on first
// fetch, and returns the updated record.
func (r *TrackedPatientRepository) IncrementFetch(ctx context.Context, patientID uuid.UUID, fetchedAt time.Time) (*monitoring.TrackedPatient, error) {
	var tracked monitoring.TrackedPatient
	err := r.db.GetContext(ctx, &tracked, `
		INSERT INTO tracked_patients (patient_id, fetch_count, last_fetched_at)
		VALUES ($1, 1, $2)
		ON CONFLICT (patient_id) DO UPDATE SET
			fetch_count = tracked_patients.fetch_count + 1,
			last_fetched_at = EXCLUDED.last_fetched_at
		RETURNING patient_id, fetch_count, last_fetched_at`,
		patientID, fetchedAt)
	if err != nil {
		return nil, errkind.Wrap(errkind.Internal, err, "failed to track fetch for %s", patientID)
	}
	return &tracked, nil
}

// Get returns a patient's fetch record.
func (r *TrackedPatientRepository) Get(ctx context.Context, patientID uuid.UUID) (*monitoring.TrackedPatient, error) {
	var tracked monitoring.TrackedPatient
	err := r.db.GetContext(ctx, &tracked, `
		SELECT patient_id, fetch_count, last_fetched_at
		FROM tracked_patients WHERE patient_id = $1`, patientID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errkind.New(errkind.NotFound, "patient %s is not tracked", patientID)
	}
	if err != nil {
		return nil, errkind.Wrap(errkind.Internal, err, "failed to load tracked patient %s", patientID)
	}
	return &tracked, nil
}
