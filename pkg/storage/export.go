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

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/medtrack/psymon/pkg/monitoring"
	"github.com/medtrack/psymon/pkg/shared/errkind"
)

// ExportReader serves the research extract queries. A nil patient filter
// means all patients; an empty filter means none.
type ExportReader struct {
	db     *sqlx.DB
	logger logr.Logger
}

// NewExportReader constructs an export reader.
func NewExportReader(db *sqlx.DB, logger logr.Logger) *ExportReader {
	return &ExportReader{db: db, logger: logger}
}

// ListTrackedPatientIDs returns the ids of patients with a fetch record.
func (r *ExportReader) ListTrackedPatientIDs(ctx context.Context) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	err := r.db.SelectContext(ctx, &ids, `SELECT patient_id FROM tracked_patients ORDER BY patient_id`)
	if err != nil {
		return nil, errkind.Wrap(errkind.Internal, err, "failed to list tracked patient ids")
	}
	return ids, nil
}

// ListPatients returns patients ordered by pseudonym, filtered when ids
// is non-nil.
func (r *ExportReader) ListPatients(ctx context.Context, patientIDs []uuid.UUID) ([]monitoring.Patient, error) {
	patients := []monitoring.Patient{}
	query := `SELECT id, pseudonym, sex, age_band, ethnicity, service FROM patients`
	if patientIDs != nil {
		if len(patientIDs) == 0 {
			return patients, nil
		}
		query += ` WHERE id = ANY($1)`
		err := r.db.SelectContext(ctx, &patients, query+` ORDER BY pseudonym`, patientIDs)
		if err != nil {
			return nil, errkind.Wrap(errkind.Internal, err, "failed to list patients for export")
		}
		return patients, nil
	}
	if err := r.db.SelectContext(ctx, &patients, query+` ORDER BY pseudonym`); err != nil {
		return nil, errkind.Wrap(errkind.Internal, err, "failed to list patients for export")
	}
	return patients, nil
}

// ListMedications returns medication orders by start date, filtered when
// ids is non-nil.
func (r *ExportReader) ListMedications(ctx context.Context, patientIDs []uuid.UUID) ([]monitoring.MedicationOrder, error) {
	var rows []medicationRow
	query := `SELECT ` + medicationColumns + ` FROM medication_orders`
	var err error
	if patientIDs != nil {
		if len(patientIDs) == 0 {
			return []monitoring.MedicationOrder{}, nil
		}
		err = r.db.SelectContext(ctx, &rows, query+` WHERE patient_id = ANY($1) ORDER BY start_date`, pq.Array(patientIDs))
	} else {
		err = r.db.SelectContext(ctx, &rows, query+` ORDER BY start_date`)
	}
	if err != nil {
		return nil, errkind.Wrap(errkind.Internal, err, "failed to list medications for export")
	}
	orders := make([]monitoring.MedicationOrder, len(rows))
	for i := range rows {
		orders[i] = rows[i].order()
	}
	return orders, nil
}

// ListEvents returns monitoring events by performed date, filtered when
// ids is non-nil.
func (r *ExportReader) ListEvents(ctx context.Context, patientIDs []uuid.UUID) ([]monitoring.MonitoringEvent, error) {
	events := []monitoring.MonitoringEvent{}
	query := `SELECT ` + eventColumns + ` FROM monitoring_events`
	var err error
	if patientIDs != nil {
		if len(patientIDs) == 0 {
			return events, nil
		}
		err = r.db.SelectContext(ctx, &events, query+` WHERE patient_id = ANY($1) ORDER BY performed_date`, pq.Array(patientIDs))
	} else {
		err = r.db.SelectContext(ctx, &events, query+` ORDER BY performed_date`)
	}
	if err != nil {
		return nil, errkind.Wrap(errkind.Internal, err, "failed to list events for export")
	}
	return events, nil
}
