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

// Package tasks drives the monitoring task state machine: reconciliation
// of calculated calendars against persisted tasks, manual completion and
// waiving, waiver expiry, overdue transitions, and auto-completion from
// observed events.
//
// State machine:
//
//	DUE -> OVERDUE        daily sweep, due_date < today
//	DUE/OVERDUE -> DONE   MarkTaskDone or AutoCompleteForEvent
//	DUE/OVERDUE -> WAIVED WaiveTask
//	WAIVED -> OVERDUE     daily sweep when waived_until < today
//	DONE                  terminal
//	ONGOING               never transitions automatically
//
// Business Requirements:
// - BR-MON-020: Reconciliation within the symmetric matching window
// - BR-MON-021: Terminal states never regress through reconcile
// - BR-MON-022: Auto-completion from events, glucose/HbA1c fuzzy included
package tasks

import (
	"context"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"github.com/medtrack/psymon/pkg/audit"
	"github.com/medtrack/psymon/pkg/monitoring"
)

// Repository is the persistence surface the generator needs. The
// FindMatching lookup is the serialization point for concurrent
// reconciles; the Postgres implementation runs it inside the reconcile
// transaction.
type Repository interface {
	GetByID(ctx context.Context, id uuid.UUID) (*monitoring.MonitoringTask, error)
	FindMatching(ctx context.Context, patientID, medicationOrderID uuid.UUID, testType string, dueDate monitoring.Date, windowDays int) (*monitoring.MonitoringTask, error)
	Insert(ctx context.Context, task *monitoring.MonitoringTask) error
	Update(ctx context.Context, task *monitoring.MonitoringTask) error
	ListOpenByPatient(ctx context.Context, patientID uuid.UUID) ([]monitoring.MonitoringTask, error)
	MarkOverdue(ctx context.Context, today monitoring.Date) (int, error)
	ListExpiredWaivers(ctx context.Context, today monitoring.Date) ([]monitoring.MonitoringTask, error)
}

// Generator reconciles calculated tasks and drives task lifecycle.
type Generator struct {
	repo       Repository
	auditor    audit.Recorder
	windowDays int
	logger     logr.Logger

	// Now supplies the current instant; tests pin it.
	Now func() time.Time
}

// NewGenerator constructs a task generator.
func NewGenerator(repo Repository, auditor audit.Recorder, windowDays int, logger logr.Logger) *Generator {
	return &Generator{
		repo:       repo,
		auditor:    auditor,
		windowDays: windowDays,
		logger:     logger,
		Now:        time.Now,
	}
}

func (g *Generator) today() monitoring.Date { return monitoring.DateOf(g.Now()) }

// ReconcileResult reports what a reconcile changed.
type ReconcileResult struct {
	Created []monitoring.MonitoringTask
	Updated []monitoring.MonitoringTask
}

// CreateOrUpdateTasks reconciles a calculated calendar against persisted
// tasks. Matching uses (patient, medication, test type, due date within
// the window). Terminal tasks are left alone; drifted due dates or
// statuses are updated in place; unmatched tasks are inserted.
func (g *Generator) CreateOrUpdateTasks(ctx context.Context, calculated []monitoring.MonitoringTask, actor string) (*ReconcileResult, error) {
	result := &ReconcileResult{}
	for i := range calculated {
		calc := calculated[i]
		if calc.Status == "" {
			if calc.DueDate.Before(g.today()) {
				calc.Status = monitoring.TaskOverdue
			} else {
				calc.Status = monitoring.TaskDue
			}
		}

		existing, err := g.repo.FindMatching(ctx, calc.PatientID, calc.MedicationOrderID, calc.TestType, calc.DueDate, g.windowDays)
		if err != nil {
			return nil, err
		}

		if existing != nil {
			if existing.IsTerminal() {
				continue
			}
			if existing.DueDate.Equal(calc.DueDate) && existing.Status == calc.Status {
				continue
			}
			existing.DueDate = calc.DueDate
			existing.Status = calc.Status
			if calc.CompletedAt != nil {
				existing.CompletedAt = calc.CompletedAt
			}
			if err := g.repo.Update(ctx, existing); err != nil {
				return nil, err
			}
			result.Updated = append(result.Updated, *existing)
			g.auditor.Record(audit.NewEvent(actor, audit.ActionUpdate, "MonitoringTask", existing.ID.String(),
				map[string]interface{}{"updated": true}))
			continue
		}

		if calc.ID == uuid.Nil {
			calc.ID = uuid.New()
		}
		if err := g.repo.Insert(ctx, &calc); err != nil {
			return nil, err
		}
		result.Created = append(result.Created, calc)
		g.auditor.Record(audit.NewEvent(actor, audit.ActionCreate, "MonitoringTask", calc.ID.String(),
			map[string]interface{}{"created": true}))
	}

	g.logger.V(1).Info("Reconciled monitoring tasks",
		"created", len(result.Created),
		"updated", len(result.Updated),
	)
	return result, nil
}

// UpdateTaskStatuses transitions DUE tasks past their due date to
// OVERDUE. Returns the number of transitions.
func (g *Generator) UpdateTaskStatuses(ctx context.Context) (int, error) {
	return g.repo.MarkOverdue(ctx, g.today())
}

// ReactivateExpiredWaivers returns expired waivers to OVERDUE, clearing
// the waiver reason and date. Returns the number reactivated.
func (g *Generator) ReactivateExpiredWaivers(ctx context.Context) (int, error) {
	expired, err := g.repo.ListExpiredWaivers(ctx, g.today())
	if err != nil {
		return 0, err
	}
	for i := range expired {
		task := &expired[i]
		task.Status = monitoring.TaskOverdue
		task.WaivedReason = ""
		task.WaivedUntil = nil
		if err := g.repo.Update(ctx, task); err != nil {
			return 0, err
		}
	}
	return len(expired), nil
}

// MarkTaskDone completes a task against an observed event. Completing an
// already-DONE task is idempotent. completed_at is the performed date at
// UTC midnight.
func (g *Generator) MarkTaskDone(ctx context.Context, taskID uuid.UUID, completedBy string, event *monitoring.MonitoringEvent) (*monitoring.MonitoringTask, error) {
	task, err := g.repo.GetByID(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.Status == monitoring.TaskDone {
		return task, nil
	}

	task.Status = monitoring.TaskDone
	completedAt := event.PerformedDate.Time()
	task.CompletedAt = &completedAt
	if err := g.repo.Update(ctx, task); err != nil {
		return nil, err
	}
	g.auditor.Record(audit.NewEvent(completedBy, audit.ActionUpdate, "MonitoringTask", task.ID.String(),
		map[string]interface{}{"status": string(monitoring.TaskDone)}))
	return task, nil
}

// WaiveTask moves a task to WAIVED with a reason and optional expiry.
func (g *Generator) WaiveTask(ctx context.Context, taskID uuid.UUID, waivedBy, reason string, waivedUntil *monitoring.Date) (*monitoring.MonitoringTask, error) {
	task, err := g.repo.GetByID(ctx, taskID)
	if err != nil {
		return nil, err
	}
	task.Status = monitoring.TaskWaived
	task.WaivedReason = reason
	task.WaivedUntil = waivedUntil
	if err := g.repo.Update(ctx, task); err != nil {
		return nil, err
	}
	g.auditor.Record(audit.NewEvent(waivedBy, audit.ActionWaive, "MonitoringTask", task.ID.String(),
		map[string]interface{}{"reason": reason}))
	return task, nil
}

// AutoCompleteForEvent closes every open task the event satisfies: test
// type matches (exact or glucose/HbA1c) and the due date lies within the
// symmetric window around the performed date.
func (g *Generator) AutoCompleteForEvent(ctx context.Context, event *monitoring.MonitoringEvent, actor string) ([]monitoring.MonitoringTask, error) {
	open, err := g.repo.ListOpenByPatient(ctx, event.PatientID)
	if err != nil {
		return nil, err
	}

	windowStart := event.PerformedDate.AddDays(-g.windowDays)
	windowEnd := event.PerformedDate.AddDays(g.windowDays)

	var completed []monitoring.MonitoringTask
	for i := range open {
		task := open[i]
		if !monitoring.MatchesTestType(task.TestType, event.TestType) {
			continue
		}
		if task.DueDate.Before(windowStart) || task.DueDate.After(windowEnd) {
			continue
		}
		task.Status = monitoring.TaskDone
		completedAt := event.PerformedDate.Time()
		task.CompletedAt = &completedAt
		if err := g.repo.Update(ctx, &task); err != nil {
			return nil, err
		}
		completed = append(completed, task)
		g.auditor.Record(audit.NewEvent(actor, audit.ActionUpdate, "MonitoringTask", task.ID.String(),
			map[string]interface{}{"status": string(monitoring.TaskDone), "auto_completed": true}))
	}

	if len(completed) > 0 {
		g.logger.Info("Auto-completed tasks from event",
			"event_id", event.ID,
			"test_type", event.TestType,
			"completed", len(completed),
		)
	}
	return completed, nil
}
