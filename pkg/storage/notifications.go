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
	"encoding/json"
	"errors"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/medtrack/psymon/pkg/monitoring"
	"github.com/medtrack/psymon/pkg/shared/errkind"
)

// NotificationRepository persists in-app notifications. The dedupe_key
// unique constraint is the deduplication mechanism: concurrent creation
// attempts for the same alert condition resolve to one winner here, not
// in application logic.
type NotificationRepository struct {
	db     *sqlx.DB
	logger logr.Logger
}

// NewNotificationRepository constructs a notification repository.
func NewNotificationRepository(db *sqlx.DB, logger logr.Logger) *NotificationRepository {
	return &NotificationRepository{db: db, logger: logger}
}

type notificationRow struct {
	monitoring.InAppNotification
	PayloadJSON []byte `db:"payload"`
}

func (row *notificationRow) notification() (monitoring.InAppNotification, error) {
	n := row.InAppNotification
	if len(row.PayloadJSON) > 0 {
		if err := json.Unmarshal(row.PayloadJSON, &n.Payload); err != nil {
			return n, errkind.Wrap(errkind.Internal, err, "corrupt notification payload for %s", n.ID)
		}
	}
	return n, nil
}

const notificationColumns = `
	id, recipient_type, recipient_id, notification_type, priority, status,
	title, message, payload, patient_id, task_id, event_id, dedupe_key,
	created_at, viewed_at, acked_at`

// Insert stores a notification; a dedupe-key collision returns a
// conflict for the engine to treat as already-alerted.
func (r *NotificationRepository) Insert(ctx context.Context, n *monitoring.InAppNotification) error {
	payload, err := json.Marshal(n.Payload)
	if err != nil {
		return errkind.Wrap(errkind.Validation, err, "unencodable notification payload")
	}
	if n.Payload == nil {
		payload = []byte("{}")
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO in_app_notifications
			(id, recipient_type, recipient_id, notification_type, priority,
			 status, title, message, payload, patient_id, task_id, event_id,
			 dedupe_key, created_at, viewed_at, acked_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		n.ID, n.RecipientType, n.RecipientID, n.Type, n.Priority, n.Status,
		n.Title, n.Message, payload, n.PatientID, n.TaskID, n.EventID,
		n.DedupeKey, n.CreatedAt, n.ViewedAt, n.AckedAt)
	if isUniqueViolation(err) {
		return errkind.Wrap(errkind.Conflict, err, "notification %s already exists", n.DedupeKey)
	}
	if err != nil {
		return errkind.Wrap(errkind.Internal, err, "failed to insert notification")
	}
	return nil
}

// GetByID loads one notification.
func (r *NotificationRepository) GetByID(ctx context.Context, id uuid.UUID) (*monitoring.InAppNotification, error) {
	var row notificationRow
	err := r.db.GetContext(ctx, &row, `SELECT `+notificationColumns+` FROM in_app_notifications WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errkind.New(errkind.NotFound, "notification %s not found", id)
	}
	if err != nil {
		return nil, errkind.Wrap(errkind.Internal, err, "failed to load notification %s", id)
	}
	n, err := row.notification()
	if err != nil {
		return nil, err
	}
	return &n, nil
}

// Update rewrites the notification lifecycle fields.
func (r *NotificationRepository) Update(ctx context.Context, n *monitoring.InAppNotification) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE in_app_notifications SET status = $2, viewed_at = $3, acked_at = $4
		WHERE id = $1`,
		n.ID, n.Status, n.ViewedAt, n.AckedAt)
	if err != nil {
		return errkind.Wrap(errkind.Internal, err, "failed to update notification %s", n.ID)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return errkind.New(errkind.NotFound, "notification %s not found", n.ID)
	}
	return nil
}

// ListForRecipient returns a recipient's notifications, newest first.
func (r *NotificationRepository) ListForRecipient(ctx context.Context, recipientType monitoring.RecipientType, recipientID string, unreadOnly bool) ([]monitoring.InAppNotification, error) {
	query := `SELECT ` + notificationColumns + ` FROM in_app_notifications
		WHERE recipient_type = $1 AND recipient_id = $2`
	args := []interface{}{recipientType, recipientID}
	if unreadOnly {
		query += ` AND status = $3`
		args = append(args, monitoring.NotificationUnread)
	}
	query += ` ORDER BY created_at DESC`

	var rows []notificationRow
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, errkind.Wrap(errkind.Internal, err, "failed to list notifications for %s/%s", recipientType, recipientID)
	}
	notifications := make([]monitoring.InAppNotification, 0, len(rows))
	for i := range rows {
		n, err := rows[i].notification()
		if err != nil {
			return nil, err
		}
		notifications = append(notifications, n)
	}
	return notifications, nil
}
