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

const eventColumns = `
	id, patient_id, medication_order_id, test_type, performed_date, value,
	unit, interpretation, attachment_url, source_system, source_id,
	recorded_by, abnormal_flag, abnormal_reason_code, reviewed_status,
	reviewed_by, reviewed_at`

// EventRepository persists monitoring events.
type EventRepository struct {
	db     *sqlx.DB
	logger logr.Logger
}

// NewEventRepository constructs an event repository.
func NewEventRepository(db *sqlx.DB, logger logr.Logger) *EventRepository {
	return &EventRepository{db: db, logger: logger}
}

// Insert stores an event. A second delivery of the same natural key
// (patient, test type, performed date, source system) is a conflict.
func (r *EventRepository) Insert(ctx context.Context, event *monitoring.MonitoringEvent) error {
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO monitoring_events
			(id, patient_id, medication_order_id, test_type, performed_date,
			 value, unit, interpretation, attachment_url, source_system,
			 source_id, recorded_by, abnormal_flag, abnormal_reason_code,
			 reviewed_status, reviewed_by, reviewed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		event.ID, event.PatientID, event.MedicationOrderID, event.TestType,
		event.PerformedDate, event.Value, event.Unit, event.Interpretation,
		event.AttachmentURL, event.SourceSystem, event.SourceID, event.RecordedBy,
		event.AbnormalFlag, event.AbnormalReasonCode, event.ReviewedStatus,
		event.ReviewedBy, event.ReviewedAt)
	if isUniqueViolation(err) {
		return errkind.Wrap(errkind.Conflict, err, "event already recorded for %s/%s on %s",
			event.TestType, event.SourceSystem, event.PerformedDate)
	}
	if err != nil {
		return errkind.Wrap(errkind.Internal, err, "failed to insert monitoring event")
	}
	return nil
}

// GetByID loads one event.
func (r *EventRepository) GetByID(ctx context.Context, id uuid.UUID) (*monitoring.MonitoringEvent, error) {
	var event monitoring.MonitoringEvent
	err := r.db.GetContext(ctx, &event, `SELECT `+eventColumns+` FROM monitoring_events WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errkind.New(errkind.NotFound, "monitoring event %s not found", id)
	}
	if err != nil {
		return nil, errkind.Wrap(errkind.Internal, err, "failed to load monitoring event %s", id)
	}
	return &event, nil
}

// Update rewrites an event's classification and review fields.
func (r *EventRepository) Update(ctx context.Context, event *monitoring.MonitoringEvent) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE monitoring_events SET
			abnormal_flag = $2, abnormal_reason_code = $3, unit = $4,
			reviewed_status = $5, reviewed_by = $6, reviewed_at = $7
		WHERE id = $1`,
		event.ID, event.AbnormalFlag, event.AbnormalReasonCode, event.Unit,
		event.ReviewedStatus, event.ReviewedBy, event.ReviewedAt)
	if err != nil {
		return errkind.Wrap(errkind.Internal, err, "failed to update monitoring event %s", event.ID)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return errkind.New(errkind.NotFound, "monitoring event %s not found", event.ID)
	}
	return nil
}

// ListEventsForPatient returns a patient's events, oldest first.
func (r *EventRepository) ListEventsForPatient(ctx context.Context, patientID uuid.UUID) ([]monitoring.MonitoringEvent, error) {
	var events []monitoring.MonitoringEvent
	err := r.db.SelectContext(ctx, &events, `
		SELECT `+eventColumns+` FROM monitoring_events
		WHERE patient_id = $1 ORDER BY performed_date, test_type`, patientID)
	if err != nil {
		return nil, errkind.Wrap(errkind.Internal, err, "failed to list events for %s", patientID)
	}
	return events, nil
}

// SetReviewed marks an event reviewed by an acknowledging clinician.
func (r *EventRepository) SetReviewed(ctx context.Context, eventID uuid.UUID, reviewedBy string, reviewedAt time.Time) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE monitoring_events SET reviewed_status = $2, reviewed_by = $3, reviewed_at = $4
		WHERE id = $1`,
		eventID, monitoring.ReviewDone, reviewedBy, reviewedAt)
	if err != nil {
		return errkind.Wrap(errkind.Internal, err, "failed to mark event %s reviewed", eventID)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return errkind.New(errkind.NotFound, "monitoring event %s not found", eventID)
	}
	return nil
}

// ListPendingReview returns abnormal events awaiting clinician review.
func (r *EventRepository) ListPendingReview(ctx context.Context) ([]monitoring.MonitoringEvent, error) {
	var events []monitoring.MonitoringEvent
	err := r.db.SelectContext(ctx, &events, `
		SELECT `+eventColumns+` FROM monitoring_events
		WHERE reviewed_status = $1 ORDER BY performed_date`, monitoring.ReviewPending)
	if err != nil {
		return nil, errkind.Wrap(errkind.Internal, err, "failed to list events pending review")
	}
	return events, nil
}
