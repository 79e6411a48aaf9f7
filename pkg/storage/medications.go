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

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/medtrack/psymon/pkg/monitoring"
	"github.com/medtrack/psymon/pkg/shared/errkind"
)

// MedicationRepository persists medication orders.
type MedicationRepository struct {
	db     *sqlx.DB
	logger logr.Logger
}

// NewMedicationRepository constructs a medication order repository.
func NewMedicationRepository(db *sqlx.DB, logger logr.Logger) *MedicationRepository {
	return &MedicationRepository{db: db, logger: logger}
}

type medicationRow struct {
	monitoring.MedicationOrder
	IsClozapine      bool `db:"is_clozapine"`
	IsOlanzapine     bool `db:"is_olanzapine"`
	IsChlorpromazine bool `db:"is_chlorpromazine"`
	IsHDAT           bool `db:"is_hdat"`
}

func (row *medicationRow) order() monitoring.MedicationOrder {
	m := row.MedicationOrder
	m.Flags = monitoring.MedicationFlags{
		IsClozapine:      row.IsClozapine,
		IsOlanzapine:     row.IsOlanzapine,
		IsChlorpromazine: row.IsChlorpromazine,
		IsHDAT:           row.IsHDAT,
	}
	return m
}

const medicationColumns = `
	id, patient_id, drug_name, drug_category, start_date, stop_date,
	dose, route, frequency, is_clozapine, is_olanzapine, is_chlorpromazine,
	is_hdat, source_system, source_id`

// UpsertBySource inserts the order or refreshes it keyed on
// (source_system, source_id), so webhook redeliveries converge on one
// row. Orders without source identity always insert.
func (r *MedicationRepository) UpsertBySource(ctx context.Context, m *monitoring.MedicationOrder) error {
	if m.StopDate != nil && m.StopDate.Before(m.StartDate) {
		return errkind.New(errkind.Validation, "stop_date %s precedes start_date %s", m.StopDate, m.StartDate)
	}
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	row := r.db.QueryRowxContext(ctx, `
		INSERT INTO medication_orders
			(id, patient_id, drug_name, drug_category, start_date, stop_date,
			 dose, route, frequency, is_clozapine, is_olanzapine,
			 is_chlorpromazine, is_hdat, source_system, source_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (source_system, source_id)
			WHERE source_system <> '' AND source_id <> ''
		DO UPDATE SET
			drug_name = EXCLUDED.drug_name,
			drug_category = EXCLUDED.drug_category,
			start_date = EXCLUDED.start_date,
			stop_date = EXCLUDED.stop_date,
			dose = EXCLUDED.dose,
			route = EXCLUDED.route,
			frequency = EXCLUDED.frequency,
			is_clozapine = EXCLUDED.is_clozapine,
			is_olanzapine = EXCLUDED.is_olanzapine,
			is_chlorpromazine = EXCLUDED.is_chlorpromazine,
			is_hdat = EXCLUDED.is_hdat
		RETURNING id`,
		m.ID, m.PatientID, m.DrugName, m.DrugCategory, m.StartDate, m.StopDate,
		m.Dose, m.Route, m.Frequency, m.Flags.IsClozapine, m.Flags.IsOlanzapine,
		m.Flags.IsChlorpromazine, m.Flags.IsHDAT, m.SourceSystem, m.SourceID)
	if err := row.Scan(&m.ID); err != nil {
		return errkind.Wrap(errkind.Internal, err, "failed to upsert medication order %s", m.DrugName)
	}
	return nil
}

// GetByID loads one medication order.
func (r *MedicationRepository) GetByID(ctx context.Context, id uuid.UUID) (*monitoring.MedicationOrder, error) {
	var row medicationRow
	err := r.db.GetContext(ctx, &row, `SELECT `+medicationColumns+` FROM medication_orders WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errkind.New(errkind.NotFound, "medication order %s not found", id)
	}
	if err != nil {
		return nil, errkind.Wrap(errkind.Internal, err, "failed to load medication order %s", id)
	}
	m := row.order()
	return &m, nil
}

// ListByPatient returns a patient's orders, newest start first.
func (r *MedicationRepository) ListByPatient(ctx context.Context, patientID uuid.UUID) ([]monitoring.MedicationOrder, error) {
	var rows []medicationRow
	err := r.db.SelectContext(ctx, &rows, `
		SELECT `+medicationColumns+` FROM medication_orders
		WHERE patient_id = $1 ORDER BY start_date DESC`, patientID)
	if err != nil {
		return nil, errkind.Wrap(errkind.Internal, err, "failed to list medication orders for %s", patientID)
	}
	orders := make([]monitoring.MedicationOrder, len(rows))
	for i := range rows {
		orders[i] = rows[i].order()
	}
	return orders, nil
}

// ListActive returns orders with no stop date or a stop date on or after
// today; the daily sweep reconciles these.
func (r *MedicationRepository) ListActive(ctx context.Context, today monitoring.Date) ([]monitoring.MedicationOrder, error) {
	var rows []medicationRow
	err := r.db.SelectContext(ctx, &rows, `
		SELECT `+medicationColumns+` FROM medication_orders
		WHERE stop_date IS NULL OR stop_date >= $1
		ORDER BY patient_id, start_date`, today)
	if err != nil {
		return nil, errkind.Wrap(errkind.Internal, err, "failed to list active medication orders")
	}
	orders := make([]monitoring.MedicationOrder, len(rows))
	for i := range rows {
		orders[i] = rows[i].order()
	}
	return orders, nil
}
