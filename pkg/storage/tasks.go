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
	"fmt"
	"strings"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/medtrack/psymon/pkg/monitoring"
	"github.com/medtrack/psymon/pkg/shared/errkind"
)

const taskColumns = `
	id, patient_id, medication_order_id, test_type, due_date, status,
	assigned_to, completed_at, waived_reason, waived_until`

// TaskRepository persists monitoring tasks.
type TaskRepository struct {
	db     *sqlx.DB
	logger logr.Logger
}

// NewTaskRepository constructs a task repository.
func NewTaskRepository(db *sqlx.DB, logger logr.Logger) *TaskRepository {
	return &TaskRepository{db: db, logger: logger}
}

// GetByID loads one task.
func (r *TaskRepository) GetByID(ctx context.Context, id uuid.UUID) (*monitoring.MonitoringTask, error) {
	var task monitoring.MonitoringTask
	err := r.db.GetContext(ctx, &task, `SELECT `+taskColumns+` FROM monitoring_tasks WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errkind.New(errkind.NotFound, "monitoring task %s not found", id)
	}
	if err != nil {
		return nil, errkind.Wrap(errkind.Internal, err, "failed to load monitoring task %s", id)
	}
	return &task, nil
}

// FindMatching returns the task with the same reconciliation identity:
// same patient, medication and test type, due within the symmetric
// window around dueDate. The closest due date wins.
func (r *TaskRepository) FindMatching(ctx context.Context, patientID, medicationOrderID uuid.UUID, testType string, dueDate monitoring.Date, windowDays int) (*monitoring.MonitoringTask, error) {
	var task monitoring.MonitoringTask
	err := r.db.GetContext(ctx, &task, `
		SELECT `+taskColumns+` FROM monitoring_tasks
		WHERE patient_id = $1 AND medication_order_id = $2 AND test_type = $3
		  AND due_date BETWEEN $4 AND $5
		ORDER BY abs(due_date - $6::date), due_date
		LIMIT 1`,
		patientID, medicationOrderID, testType,
		dueDate.AddDays(-windowDays), dueDate.AddDays(windowDays), dueDate)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errkind.Wrap(errkind.Internal, err, "failed to match monitoring task")
	}
	return &task, nil
}

// Insert stores a new task.
func (r *TaskRepository) Insert(ctx context.Context, task *monitoring.MonitoringTask) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO monitoring_tasks
			(id, patient_id, medication_order_id, test_type, due_date, status,
			 assigned_to, completed_at, waived_reason, waived_until)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		task.ID, task.PatientID, task.MedicationOrderID, task.TestType,
		task.DueDate, task.Status, task.AssignedTo, task.CompletedAt,
		task.WaivedReason, task.WaivedUntil)
	if err != nil {
		return errkind.Wrap(errkind.Internal, err, "failed to insert monitoring task")
	}
	return nil
}

// Update rewrites a task's mutable fields.
func (r *TaskRepository) Update(ctx context.Context, task *monitoring.MonitoringTask) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE monitoring_tasks SET
			due_date = $2, status = $3, assigned_to = $4, completed_at = $5,
			waived_reason = $6, waived_until = $7, updated_at = now()
		WHERE id = $1`,
		task.ID, task.DueDate, task.Status, task.AssignedTo,
		task.CompletedAt, task.WaivedReason, task.WaivedUntil)
	if err != nil {
		return errkind.Wrap(errkind.Internal, err, "failed to update monitoring task %s", task.ID)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return errkind.New(errkind.NotFound, "monitoring task %s not found", task.ID)
	}
	return nil
}

// ListOpenByPatient returns a patient's DUE and OVERDUE tasks.
func (r *TaskRepository) ListOpenByPatient(ctx context.Context, patientID uuid.UUID) ([]monitoring.MonitoringTask, error) {
	var tasks []monitoring.MonitoringTask
	err := r.db.SelectContext(ctx, &tasks, `
		SELECT `+taskColumns+` FROM monitoring_tasks
		WHERE patient_id = $1 AND status IN ($2, $3)
		ORDER BY due_date, test_type`,
		patientID, monitoring.TaskDue, monitoring.TaskOverdue)
	if err != nil {
		return nil, errkind.Wrap(errkind.Internal, err, "failed to list open tasks for %s", patientID)
	}
	return tasks, nil
}

// Worklist returns tasks joined with their medication order and patient
// for clinical display, optionally narrowed by task status and drug
// category, earliest due date first.
func (r *TaskRepository) Worklist(ctx context.Context, filter monitoring.WorklistFilter) ([]monitoring.WorklistItem, error) {
	query := `
		SELECT t.id AS task_id, t.patient_id, p.pseudonym, m.drug_name,
		       m.drug_category, m.start_date, m.is_hdat, t.test_type,
		       t.due_date, t.assigned_to, t.status
		FROM monitoring_tasks t
		JOIN medication_orders m ON m.id = t.medication_order_id
		JOIN patients p ON p.id = t.patient_id`
	var (
		clauses []string
		args    []interface{}
	)
	if filter.Status != "" {
		args = append(args, filter.Status)
		clauses = append(clauses, fmt.Sprintf("t.status = $%d", len(args)))
	}
	if filter.DrugCategory != "" {
		args = append(args, filter.DrugCategory)
		clauses = append(clauses, fmt.Sprintf("m.drug_category = $%d", len(args)))
	}
	if len(clauses) > 0 {
		query += "\n\t\tWHERE " + strings.Join(clauses, " AND ")
	}
	query += "\n\t\tORDER BY t.due_date, t.test_type"

	var items []monitoring.WorklistItem
	if err := r.db.SelectContext(ctx, &items, query, args...); err != nil {
		return nil, errkind.Wrap(errkind.Internal, err, "failed to build worklist")
	}
	return items, nil
}

// ListOverdue returns every OVERDUE task, oldest due date first.
func (r *TaskRepository) ListOverdue(ctx context.Context) ([]monitoring.MonitoringTask, error) {
	var tasks []monitoring.MonitoringTask
	err := r.db.SelectContext(ctx, &tasks, `
		SELECT `+taskColumns+` FROM monitoring_tasks
		WHERE status = $1 ORDER BY due_date, test_type`, monitoring.TaskOverdue)
	if err != nil {
		return nil, errkind.Wrap(errkind.Internal, err, "failed to list overdue tasks")
	}
	return tasks, nil
}

// MarkOverdue transitions DUE tasks past their due date to OVERDUE in a
// single statement; returns the number transitioned.
func (r *TaskRepository) MarkOverdue(ctx context.Context, today monitoring.Date) (int, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE monitoring_tasks SET status = $1, updated_at = now()
		WHERE status = $2 AND due_date < $3`,
		monitoring.TaskOverdue, monitoring.TaskDue, today)
	if err != nil {
		return 0, errkind.Wrap(errkind.Internal, err, "failed to mark overdue tasks")
	}
	n, _ := result.RowsAffected()
	return int(n), nil
}

// ListExpiredWaivers returns WAIVED tasks whose waiver ended before
// today.
func (r *TaskRepository) ListExpiredWaivers(ctx context.Context, today monitoring.Date) ([]monitoring.MonitoringTask, error) {
	var tasks []monitoring.MonitoringTask
	err := r.db.SelectContext(ctx, &tasks, `
		SELECT `+taskColumns+` FROM monitoring_tasks
		WHERE status = $1 AND waived_until IS NOT NULL AND waived_until < $2
		ORDER BY due_date`, monitoring.TaskWaived, today)
	if err != nil {
		return nil, errkind.Wrap(errkind.Internal, err, "failed to list expired waivers")
	}
	return tasks, nil
}
