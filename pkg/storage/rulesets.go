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
	"github.com/medtrack/psymon/pkg/monitoring/ruleset"
	"github.com/medtrack/psymon/pkg/shared/errkind"
)

// RulesetRepository versions stored monitoring rulesets. The active
// ruleset is the newest effective document: latest effective_from not in
// the future, ties broken by creation time.
type RulesetRepository struct {
	db     *sqlx.DB
	logger logr.Logger
}

// NewRulesetRepository constructs a ruleset repository.
func NewRulesetRepository(db *sqlx.DB, logger logr.Logger) *RulesetRepository {
	return &RulesetRepository{db: db, logger: logger}
}

// Insert stores a new ruleset version after validating the document.
func (r *RulesetRepository) Insert(ctx context.Context, stored *ruleset.StoredRuleset) error {
	if _, err := ruleset.Parse(stored.Document); err != nil {
		return err
	}
	if stored.ID == uuid.Nil {
		stored.ID = uuid.New()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO monitoring_rulesets (id, version, effective_from, document, created_by)
		VALUES ($1, $2, $3, $4, $5)`,
		stored.ID, stored.Version, stored.EffectiveFrom, []byte(stored.Document), stored.CreatedBy)
	if err != nil {
		return errkind.Wrap(errkind.Internal, err, "failed to insert ruleset %s", stored.Version)
	}
	return nil
}

// GetActive returns the ruleset in effect on the given date.
func (r *RulesetRepository) GetActive(ctx context.Context, asOf monitoring.Date) (*ruleset.StoredRuleset, error) {
	var stored ruleset.StoredRuleset
	err := r.db.GetContext(ctx, &stored, `
		SELECT id, version, effective_from, document, created_at, created_by
		FROM monitoring_rulesets
		WHERE effective_from <= $1
		ORDER BY effective_from DESC, created_at DESC
		LIMIT 1`, asOf)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errkind.New(errkind.NotFound, "no ruleset effective on %s", asOf)
	}
	if err != nil {
		return nil, errkind.Wrap(errkind.Internal, err, "failed to load active ruleset")
	}
	return &stored, nil
}

// List returns all stored ruleset versions, newest first.
func (r *RulesetRepository) List(ctx context.Context) ([]ruleset.StoredRuleset, error) {
	var stored []ruleset.StoredRuleset
	err := r.db.SelectContext(ctx, &stored, `
		SELECT id, version, effective_from, document, created_at, created_by
		FROM monitoring_rulesets
		ORDER BY effective_from DESC, created_at DESC`)
	if err != nil {
		return nil, errkind.Wrap(errkind.Internal, err, "failed to list rulesets")
	}
	return stored, nil
}
