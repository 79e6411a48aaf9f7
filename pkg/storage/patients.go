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

// PatientRepository persists patients and their risk flags.
type PatientRepository struct {
	db     *sqlx.DB
	logger logr.Logger
}

// NewPatientRepository constructs a patient repository.
func NewPatientRepository(db *sqlx.DB, logger logr.Logger) *PatientRepository {
	return &PatientRepository{db: db, logger: logger}
}

// Upsert inserts the patient or refreshes the demographic facets keyed
// on pseudonym. The stored ID wins on conflict; the caller's struct is
// updated to match.
func (r *PatientRepository) Upsert(ctx context.Context, p *monitoring.Patient) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	row := r.db.QueryRowxContext(ctx, `
		INSERT INTO patients (id, pseudonym, sex, age_band, ethnicity, service)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (pseudonym) DO UPDATE SET
			sex = EXCLUDED.sex,
			age_band = EXCLUDED.age_band,
			ethnicity = EXCLUDED.ethnicity,
			service = EXCLUDED.service
		RETURNING id`,
		p.ID, p.Pseudonym, p.Sex, p.AgeBand, p.Ethnicity, p.Service)
	if err := row.Scan(&p.ID); err != nil {
		return errkind.Wrap(errkind.Internal, err, "failed to upsert patient %s", p.Pseudonym)
	}
	return nil
}

// GetByID loads a patient with risk flags attached when present.
func (r *PatientRepository) GetByID(ctx context.Context, id uuid.UUID) (*monitoring.Patient, error) {
	var p monitoring.Patient
	err := r.db.GetContext(ctx, &p, `
		SELECT id, pseudonym, sex, age_band, ethnicity, service
		FROM patients WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errkind.New(errkind.NotFound, "patient %s not found", id)
	}
	if err != nil {
		return nil, errkind.Wrap(errkind.Internal, err, "failed to load patient %s", id)
	}

	flags, err := r.GetRiskFlags(ctx, id)
	if err != nil && !errkind.Is(err, errkind.NotFound) {
		return nil, err
	}
	p.RiskFlags = flags
	return &p, nil
}

// GetByPseudonym loads a patient by its pseudonymous identifier.
func (r *PatientRepository) GetByPseudonym(ctx context.Context, pseudonym string) (*monitoring.Patient, error) {
	var p monitoring.Patient
	err := r.db.GetContext(ctx, &p, `
		SELECT id, pseudonym, sex, age_band, ethnicity, service
		FROM patients WHERE pseudonym = $1`, pseudonym)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errkind.New(errkind.NotFound, "patient %q not found", pseudonym)
	}
	if err != nil {
		return nil, errkind.Wrap(errkind.Internal, err, "failed to load patient %q", pseudonym)
	}
	return &p, nil
}

// List returns all patients ordered by pseudonym.
func (r *PatientRepository) List(ctx context.Context) ([]monitoring.Patient, error) {
	var patients []monitoring.Patient
	err := r.db.SelectContext(ctx, &patients, `
		SELECT id, pseudonym, sex, age_band, ethnicity, service
		FROM patients ORDER BY pseudonym`)
	if err != nil {
		return nil, errkind.Wrap(errkind.Internal, err, "failed to list patients")
	}
	return patients, nil
}

// GetRiskFlags loads a patient's attested risk flags.
func (r *PatientRepository) GetRiskFlags(ctx context.Context, patientID uuid.UUID) (*monitoring.RiskFlags, error) {
	var flags monitoring.RiskFlags
	err := r.db.GetContext(ctx, &flags, `
		SELECT patient_id, ecg_indicated, cv_risk_present, family_history_cvd,
		       inpatient_admission, attested_by, attested_at
		FROM patient_risk_flags WHERE patient_id = $1`, patientID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errkind.New(errkind.NotFound, "no risk flags for patient %s", patientID)
	}
	if err != nil {
		return nil, errkind.Wrap(errkind.Internal, err, "failed to load risk flags for %s", patientID)
	}
	return &flags, nil
}

// SetRiskFlags replaces a patient's risk flags.
func (r *PatientRepository) SetRiskFlags(ctx context.Context, flags *monitoring.RiskFlags) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO patient_risk_flags
			(patient_id, ecg_indicated, cv_risk_present, family_history_cvd,
			 inpatient_admission, attested_by, attested_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (patient_id) DO UPDATE SET
			ecg_indicated = EXCLUDED.ecg_indicated,
			cv_risk_present = EXCLUDED.cv_risk_present,
			family_history_cvd = EXCLUDED.family_history_cvd,
			inpatient_admission = EXCLUDED.inpatient_admission,
			attested_by = EXCLUDED.attested_by,
			attested_at = EXCLUDED.attested_at`,
		flags.PatientID, flags.ECGIndicated, flags.CVRiskPresent, flags.FamilyHistoryCVD,
		flags.InpatientAdmission, flags.AttestedBy, flags.AttestedAt)
	if err != nil {
		return errkind.Wrap(errkind.Internal, err, "failed to set risk flags for %s", flags.PatientID)
	}
	return nil
}
