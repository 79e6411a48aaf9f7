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

// Package notifications creates, deduplicates and delivers in-app alerts
// for overdue monitoring tasks and abnormal monitoring events.
//
// Deduplication is database-enforced: every notification carries a
// deterministic dedupe key (TASK_OVERDUE:<task-id>, TASK_ESCALATED:
// <task-id>, EVENT_WARNING:<event-id>, EVENT_CRITICAL:<event-id>) with a
// unique constraint, so repeated sweeps and concurrent processors
// converge on a single row per condition.
//
// Business Requirements:
// - BR-MON-060: At most one notification per alert condition
// - BR-MON-061: Escalation after the configured overdue age
// - BR-MON-062: Acknowledging an abnormal-event alert marks the event reviewed
package notifications

import (
	"context"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"github.com/medtrack/psymon/pkg/audit"
	"github.com/medtrack/psymon/pkg/monitoring"
	"github.com/medtrack/psymon/pkg/monitoring/notifications/delivery"
	"github.com/medtrack/psymon/pkg/shared/errkind"
)

// Repository is the notification persistence surface. Insert must return
// an errkind.Conflict error when the dedupe key already exists.
type Repository interface {
	Insert(ctx context.Context, n *monitoring.InAppNotification) error
	GetByID(ctx context.Context, id uuid.UUID) (*monitoring.InAppNotification, error)
	Update(ctx context.Context, n *monitoring.InAppNotification) error
	ListForRecipient(ctx context.Context, recipientType monitoring.RecipientType, recipientID string, unreadOnly bool) ([]monitoring.InAppNotification, error)
}

// TaskSource supplies overdue tasks for the sweep and open tasks for
// recipient routing.
type TaskSource interface {
	ListOverdue(ctx context.Context) ([]monitoring.MonitoringTask, error)
	ListOpenByPatient(ctx context.Context, patientID uuid.UUID) ([]monitoring.MonitoringTask, error)
}

// EventReviewer flips an event's review state when its alert is
// acknowledged.
type EventReviewer interface {
	SetReviewed(ctx context.Context, eventID uuid.UUID, reviewedBy string, reviewedAt time.Time) error
}

// Options configures an Engine. Enabled gates all in-app notification
// creation; a disabled engine still serves the read/acknowledge
// lifecycle for existing notifications.
type Options struct {
	Repository              Repository
	Tasks                   TaskSource
	Events                  EventReviewer
	Auditor                 audit.Recorder
	Deliverer               *delivery.Registry
	Enabled                 bool
	TeamInboxID             string
	TeamLeadInboxID         string
	EscalationThresholdDays int
	Logger                  logr.Logger
}

// Engine drives notification creation and the read/acknowledge lifecycle.
type Engine struct {
	repo            Repository
	tasks           TaskSource
	events          EventReviewer
	auditor         audit.Recorder
	deliverer       *delivery.Registry
	enabled         bool
	teamInboxID     string
	teamLeadInboxID string
	escalationDays  int
	logger          logr.Logger

	// Now supplies the current instant; tests pin it.
	Now func() time.Time
}

// NewEngine constructs a notification engine.
func NewEngine(opts Options) *Engine {
	return &Engine{
		repo:            opts.Repository,
		tasks:           opts.Tasks,
		events:          opts.Events,
		auditor:         opts.Auditor,
		deliverer:       opts.Deliverer,
		enabled:         opts.Enabled,
		teamInboxID:     opts.TeamInboxID,
		teamLeadInboxID: opts.TeamLeadInboxID,
		escalationDays:  opts.EscalationThresholdDays,
		logger:          opts.Logger,
		Now:             time.Now,
	}
}

// SweepResult reports what an overdue sweep created.
type SweepResult struct {
	OverdueCreated   int
	EscalatedCreated int
	Deduplicated     int
}

// ProcessOverdueTasks creates one TASK_OVERDUE alert per overdue task and
// a TASK_ESCALATED alert once the task has been overdue for at least the
// escalation threshold. Re-running the sweep is a no-op for conditions
// already alerted.
func (e *Engine) ProcessOverdueTasks(ctx context.Context) (*SweepResult, error) {
	if !e.enabled {
		return &SweepResult{}, nil
	}
	overdue, err := e.tasks.ListOverdue(ctx)
	if err != nil {
		return nil, err
	}

	today := monitoring.DateOf(e.Now())
	result := &SweepResult{}
	for i := range overdue {
		task := &overdue[i]
		overdueDays := task.DueDate.DaysUntil(today)

		created, err := e.create(ctx, e.overdueNotification(task, overdueDays))
		if err != nil {
			return nil, err
		}
		if created {
			result.OverdueCreated++
		} else {
			result.Deduplicated++
		}

		if overdueDays >= e.escalationDays {
			created, err = e.create(ctx, e.escalationNotification(task, overdueDays))
			if err != nil {
				return nil, err
			}
			if created {
				result.EscalatedCreated++
			} else {
				result.Deduplicated++
			}
		}
	}

	e.logger.Info("Processed overdue task notifications",
		"overdue_tasks", len(overdue),
		"created", result.OverdueCreated,
		"escalated", result.EscalatedCreated,
		"deduplicated", result.Deduplicated,
	)
	return result, nil
}

// NotifyAbnormalEvent alerts on a warning or critical event
// classification. The alert goes to the clinician holding the patient's
// earliest-due assigned open task, or to the team inbox when no open
// task is assigned. Normal and unknown classifications produce nothing.
// Returns whether a new notification was created.
func (e *Engine) NotifyAbnormalEvent(ctx context.Context, event *monitoring.MonitoringEvent) (bool, error) {
	if !e.enabled {
		return false, nil
	}
	var notifType monitoring.NotificationType
	var priority monitoring.NotificationPriority
	switch event.AbnormalFlag {
	case monitoring.FlagOutsideWarning:
		notifType = monitoring.NotifyEventWarning
		priority = monitoring.PriorityWarning
	case monitoring.FlagOutsideCritical:
		notifType = monitoring.NotifyEventCritical
		priority = monitoring.PriorityCritical
	default:
		return false, nil
	}

	recipientType, recipientID, err := e.recipientForEvent(ctx, event.PatientID)
	if err != nil {
		return false, err
	}

	n := &monitoring.InAppNotification{
		ID:            uuid.New(),
		RecipientType: recipientType,
		RecipientID:   recipientID,
		Type:          notifType,
		Priority:      priority,
		Status:        monitoring.NotificationUnread,
		Title:         fmt.Sprintf("Abnormal result: %s", event.TestType),
		Message: fmt.Sprintf("%s result %q (%s) classified %s [%s]",
			event.TestType, event.Value, event.Unit, event.AbnormalFlag, event.AbnormalReasonCode),
		Payload: map[string]interface{}{
			"test_type":      event.TestType,
			"value":          event.Value,
			"abnormal_flag":  string(event.AbnormalFlag),
			"reason_code":    event.AbnormalReasonCode,
			"performed_date": event.PerformedDate.String(),
		},
		PatientID: &event.PatientID,
		EventID:   &event.ID,
		DedupeKey: fmt.Sprintf("%s:%s", notifType, event.ID),
		CreatedAt: e.Now().UTC(),
	}
	return e.create(ctx, n)
}

// MarkRead flips an UNREAD notification to READ. Reading again, or
// reading an acknowledged notification, is a no-op.
func (e *Engine) MarkRead(ctx context.Context, notificationID uuid.UUID, actor string) (*monitoring.InAppNotification, error) {
	n, err := e.repo.GetByID(ctx, notificationID)
	if err != nil {
		return nil, err
	}
	if n.Status != monitoring.NotificationUnread {
		return n, nil
	}
	now := e.Now().UTC()
	n.Status = monitoring.NotificationRead
	n.ViewedAt = &now
	if err := e.repo.Update(ctx, n); err != nil {
		return nil, err
	}
	e.auditor.Record(audit.NewEvent(actor, audit.ActionNotificationViewed, "InAppNotification", n.ID.String(), nil))
	return n, nil
}

// Acknowledge moves a notification to its terminal ACKED state. When the
// notification references an abnormal event, the event is marked
// REVIEWED by the acknowledging actor. Acknowledging twice is a no-op.
func (e *Engine) Acknowledge(ctx context.Context, notificationID uuid.UUID, actor string) (*monitoring.InAppNotification, error) {
	n, err := e.repo.GetByID(ctx, notificationID)
	if err != nil {
		return nil, err
	}
	if n.Status == monitoring.NotificationAcked {
		return n, nil
	}
	now := e.Now().UTC()
	n.Status = monitoring.NotificationAcked
	n.AckedAt = &now
	if n.ViewedAt == nil {
		n.ViewedAt = &now
	}
	if err := e.repo.Update(ctx, n); err != nil {
		return nil, err
	}

	if n.EventID != nil && e.events != nil {
		if err := e.events.SetReviewed(ctx, *n.EventID, actor, now); err != nil {
			return nil, err
		}
	}
	e.auditor.Record(audit.NewEvent(actor, audit.ActionNotificationAcked, "InAppNotification", n.ID.String(), nil))
	return n, nil
}

// ListForRecipient returns a recipient's notifications, optionally
// unread only.
func (e *Engine) ListForRecipient(ctx context.Context, recipientType monitoring.RecipientType, recipientID string, unreadOnly bool) ([]monitoring.InAppNotification, error) {
	return e.repo.ListForRecipient(ctx, recipientType, recipientID, unreadOnly)
}

// recipientForTask addresses a task alert to its assignee, falling back
// to the shared team inbox for unassigned tasks.
func (e *Engine) recipientForTask(task *monitoring.MonitoringTask) (monitoring.RecipientType, string) {
	if task.AssignedTo != "" {
		return monitoring.RecipientUser, task.AssignedTo
	}
	return monitoring.RecipientTeam, e.teamInboxID
}

// recipientForEvent routes an abnormal-result alert to the assignee of
// the patient's earliest-due open task.
func (e *Engine) recipientForEvent(ctx context.Context, patientID uuid.UUID) (monitoring.RecipientType, string, error) {
	open, err := e.tasks.ListOpenByPatient(ctx, patientID)
	if err != nil {
		return "", "", err
	}
	var earliest *monitoring.MonitoringTask
	for i := range open {
		task := &open[i]
		if task.AssignedTo == "" {
			continue
		}
		if earliest == nil || task.DueDate.Before(earliest.DueDate) {
			earliest = task
		}
	}
	if earliest != nil {
		return monitoring.RecipientUser, earliest.AssignedTo, nil
	}
	return monitoring.RecipientTeam, e.teamInboxID, nil
}

func (e *Engine) overdueNotification(task *monitoring.MonitoringTask, overdueDays int) *monitoring.InAppNotification {
	recipientType, recipientID := e.recipientForTask(task)
	return &monitoring.InAppNotification{
		ID:            uuid.New(),
		RecipientType: recipientType,
		RecipientID:   recipientID,
		Type:          monitoring.NotifyTaskOverdue,
		Priority:      monitoring.PriorityWarning,
		Status:        monitoring.NotificationUnread,
		Title:         fmt.Sprintf("Overdue: %s", task.TestType),
		Message:       fmt.Sprintf("%s due %s is %d days overdue", task.TestType, task.DueDate, overdueDays),
		Payload: map[string]interface{}{
			"test_type":    task.TestType,
			"due_date":     task.DueDate.String(),
			"overdue_days": overdueDays,
		},
		PatientID: &task.PatientID,
		TaskID:    &task.ID,
		DedupeKey: fmt.Sprintf("%s:%s", monitoring.NotifyTaskOverdue, task.ID),
		CreatedAt: e.Now().UTC(),
	}
}

func (e *Engine) escalationNotification(task *monitoring.MonitoringTask, overdueDays int) *monitoring.InAppNotification {
	return &monitoring.InAppNotification{
		ID:            uuid.New(),
		RecipientType: monitoring.RecipientTeam,
		RecipientID:   e.teamLeadInboxID,
		Type:          monitoring.NotifyTaskEscalated,
		Priority:      monitoring.PriorityCritical,
		Status:        monitoring.NotificationUnread,
		Title:         fmt.Sprintf("Escalated: %s", task.TestType),
		Message:       fmt.Sprintf("%s due %s has been overdue for %d days", task.TestType, task.DueDate, overdueDays),
		Payload: map[string]interface{}{
			"test_type":    task.TestType,
			"due_date":     task.DueDate.String(),
			"overdue_days": overdueDays,
		},
		PatientID: &task.PatientID,
		TaskID:    &task.ID,
		DedupeKey: fmt.Sprintf("%s:%s", monitoring.NotifyTaskEscalated, task.ID),
		CreatedAt: e.Now().UTC(),
	}
}

// create inserts a notification, treating a dedupe-key conflict as an
// already-alerted condition. New notifications are audited and handed to
// the delivery registry best-effort.
func (e *Engine) create(ctx context.Context, n *monitoring.InAppNotification) (bool, error) {
	if err := e.repo.Insert(ctx, n); err != nil {
		if errkind.Is(err, errkind.Conflict) {
			return false, nil
		}
		return false, err
	}
	e.auditor.Record(audit.NewEvent("system", audit.ActionNotificationCreated, "InAppNotification", n.ID.String(),
		map[string]interface{}{"dedupe_key": n.DedupeKey, "type": string(n.Type)}))
	if e.deliverer != nil {
		e.deliverer.Deliver(ctx, n)
	}
	return true, nil
}
