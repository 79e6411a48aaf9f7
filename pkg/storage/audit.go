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
	"encoding/json"

	"github.com/go-logr/logr"
	"github.com/jmoiron/sqlx"

	"github.com/medtrack/psymon/pkg/audit"
	"github.com/medtrack/psymon/pkg/shared/errkind"
)

// AuditSink writes audit event batches to Postgres for the buffered
// store.
type AuditSink struct {
	db     *sqlx.DB
	logger logr.Logger
}

// NewAuditSink constructs the Postgres audit sink.
func NewAuditSink(db *sqlx.DB, logger logr.Logger) *AuditSink {
	return &AuditSink{db: db, logger: logger}
}

// WriteBatch inserts a batch in one transaction. Duplicate event ids
// (redelivered batches) are ignored.
func (s *AuditSink) WriteBatch(ctx context.Context, events []*audit.Event) error {
	if len(events) == 0 {
		return nil
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return errkind.Wrap(errkind.Internal, err, "failed to begin audit batch")
	}
	defer tx.Rollback() //nolint:errcheck

	for _, event := range events {
		details := []byte("{}")
		if event.Details != nil {
			if details, err = json.Marshal(event.Details); err != nil {
				s.logger.Error(err, "Dropping unencodable audit details", "event_id", event.EventID)
				details = []byte("{}")
			}
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO audit_events
				(event_id, event_timestamp, actor, action, entity_type, entity_id, details)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (event_id) DO NOTHING`,
			event.EventID, event.EventTimestamp, event.Actor, event.Action,
			event.EntityType, event.EntityID, details)
		if err != nil {
			return errkind.Wrap(errkind.Internal, err, "failed to insert audit event %s", event.EventID)
		}
	}
	if err := tx.Commit(); err != nil {
		return errkind.Wrap(errkind.Internal, err, "failed to commit audit batch")
	}
	return nil
}

// auditRow carries the JSONB details column alongside the event.
type auditRow struct {
	audit.Event
	DetailsJSON []byte `db:"details"`
}

// ListForEntity returns an entity's audit trail, newest first.
func (s *AuditSink) ListForEntity(ctx context.Context, entityType, entityID string, limit int) ([]audit.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []auditRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT event_id, event_timestamp, actor, action, entity_type, entity_id, details
		FROM audit_events
		WHERE entity_type = $1 AND entity_id = $2
		ORDER BY event_timestamp DESC
		LIMIT $3`, entityType, entityID, limit)
	if err != nil {
		return nil, errkind.Wrap(errkind.Internal, err, "failed to list audit events for %s/%s", entityType, entityID)
	}
	events := make([]audit.Event, 0, len(rows))
	for i := range rows {
		event := rows[i].Event
		if len(rows[i].DetailsJSON) > 0 {
			if err := json.Unmarshal(rows[i].DetailsJSON, &event.Details); err != nil {
				s.logger.Error(err, "Corrupt audit details", "event_id", event.EventID)
			}
		}
		events = append(events, event)
	}
	return events, nil
}
