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

// ThresholdRepository persists reference thresholds.
type ThresholdRepository struct {
	db     *sqlx.DB
	logger logr.Logger
}

// NewThresholdRepository constructs a threshold repository.
func NewThresholdRepository(db *sqlx.DB, logger logr.Logger) *ThresholdRepository {
	return &ThresholdRepository{db: db, logger: logger}
}

type thresholdRow struct {
	monitoring.ReferenceThreshold
	CodedValues pq.StringArray `db:"coded_abnormal_values"`
}

func (row *thresholdRow) threshold() monitoring.ReferenceThreshold {
	t := row.ReferenceThreshold
	t.CodedAbnormalValues = []string(row.CodedValues)
	return t
}

const thresholdColumns = `
	id, monitoring_type, unit, comparator_type, sex, age_band,
	source_system_scope, low_critical, low_warning, high_warning,
	high_critical, coded_abnormal_values, enabled, version, updated_by`

// Upsert inserts or refreshes a threshold keyed on its scoping tuple.
func (r *ThresholdRepository) Upsert(ctx context.Context, t *monitoring.ReferenceThreshold) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	row := r.db.QueryRowxContext(ctx, `
		INSERT INTO reference_thresholds
			(id, monitoring_type, unit, comparator_type, sex, age_band,
			 source_system_scope, low_critical, low_warning, high_warning,
			 high_critical, coded_abnormal_values, enabled, version, updated_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT ON CONSTRAINT reference_thresholds_scope_key DO UPDATE SET
			low_critical = EXCLUDED.low_critical,
			low_warning = EXCLUDED.low_warning,
			high_warning = EXCLUDED.high_warning,
			high_critical = EXCLUDED.high_critical,
			coded_abnormal_values = EXCLUDED.coded_abnormal_values,
			enabled = EXCLUDED.enabled,
			version = EXCLUDED.version,
			updated_by = EXCLUDED.updated_by,
			updated_at = now()
		RETURNING id`,
		t.ID, t.MonitoringType, t.Unit, t.ComparatorType, t.Sex, t.AgeBand,
		t.SourceSystemScope, t.LowCritical, t.LowWarning, t.HighWarning,
		t.HighCritical, pq.StringArray(t.CodedAbnormalValues), t.Enabled,
		t.Version, t.UpdatedBy)
	if err := row.Scan(&t.ID); err != nil {
		return errkind.Wrap(errkind.Internal, err, "failed to upsert threshold for %s", t.MonitoringType)
	}
	return nil
}

// ListEnabled returns the enabled thresholds for a monitoring type, in
// stable id order so specificity ties resolve deterministically.
func (r *ThresholdRepository) ListEnabled(ctx context.Context, monitoringType string) ([]monitoring.ReferenceThreshold, error) {
	var rows []thresholdRow
	err := r.db.SelectContext(ctx, &rows, `
		SELECT `+thresholdColumns+` FROM reference_thresholds
		WHERE monitoring_type = $1 AND enabled
		ORDER BY id`, monitoringType)
	if err != nil {
		return nil, errkind.Wrap(errkind.Internal, err, "failed to list thresholds for %s", monitoringType)
	}
	thresholds := make([]monitoring.ReferenceThreshold, len(rows))
	for i := range rows {
		thresholds[i] = rows[i].threshold()
	}
	return thresholds, nil
}

// List returns all thresholds for export.
func (r *ThresholdRepository) List(ctx context.Context) ([]monitoring.ReferenceThreshold, error) {
	var rows []thresholdRow
	err := r.db.SelectContext(ctx, &rows, `
		SELECT `+thresholdColumns+` FROM reference_thresholds
		ORDER BY monitoring_type, id`)
	if err != nil {
		return nil, errkind.Wrap(errkind.Internal, err, "failed to list thresholds")
	}
	thresholds := make([]monitoring.ReferenceThreshold, len(rows))
	for i := range rows {
		thresholds[i] = rows[i].threshold()
	}
	return thresholds, nil
}
