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

// Package orchestrator composes the engines into the three entry points
// of the system: medication order ingestion, monitoring event ingestion,
// and the daily sweep.
//
// The orchestrator owns ordering, not logic: schedule calculation,
// reconciliation, classification and alerting each live in their engine;
// this package sequences them and carries the cross-cutting concerns
// (tracing, metrics, audit actor attribution).
package orchestrator

import (
	"context"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/medtrack/psymon/pkg/audit"
	"github.com/medtrack/psymon/pkg/metrics"
	"github.com/medtrack/psymon/pkg/monitoring"
	"github.com/medtrack/psymon/pkg/monitoring/notifications"
	"github.com/medtrack/psymon/pkg/monitoring/scheduling"
	"github.com/medtrack/psymon/pkg/monitoring/tasks"
	"github.com/medtrack/psymon/pkg/monitoring/thresholds"
)

const tracerName = "github.com/medtrack/psymon/pkg/monitoring/orchestrator"

// PatientSource loads patients for ingestion and sweeps.
type PatientSource interface {
	GetByID(ctx context.Context, id uuid.UUID) (*monitoring.Patient, error)
}

// MedicationSource loads medication orders.
type MedicationSource interface {
	GetByID(ctx context.Context, id uuid.UUID) (*monitoring.MedicationOrder, error)
	ListActive(ctx context.Context, today monitoring.Date) ([]monitoring.MedicationOrder, error)
}

// EventStore persists and updates monitoring events.
type EventStore interface {
	Insert(ctx context.Context, event *monitoring.MonitoringEvent) error
	Update(ctx context.Context, event *monitoring.MonitoringEvent) error
}

// WorklistSource builds the joined clinical worklist.
type WorklistSource interface {
	Worklist(ctx context.Context, filter monitoring.WorklistFilter) ([]monitoring.WorklistItem, error)
}

// Options wires an Orchestrator.
type Options struct {
	Patients      PatientSource
	Medications   MedicationSource
	Events        EventStore
	Tasks         WorklistSource
	Scheduler     *scheduling.Engine
	Generator     *tasks.Generator
	Thresholds    *thresholds.Evaluator
	Notifications *notifications.Engine
	Auditor       audit.Recorder
	Metrics       metrics.Recorder
	Logger        logr.Logger
}

// Orchestrator sequences the engines.
type Orchestrator struct {
	patients      PatientSource
	medications   MedicationSource
	events        EventStore
	tasks         WorklistSource
	scheduler     *scheduling.Engine
	generator     *tasks.Generator
	thresholds    *thresholds.Evaluator
	notifications *notifications.Engine
	auditor       audit.Recorder
	metrics       metrics.Recorder
	logger        logr.Logger
	tracer        trace.Tracer

	// Now supplies the current instant; tests pin it.
	Now func() time.Time
}

// New constructs an orchestrator.
func New(opts Options) *Orchestrator {
	m := opts.Metrics
	if m == nil {
		m = metrics.NopRecorder{}
	}
	return &Orchestrator{
		patients:      opts.Patients,
		medications:   opts.Medications,
		events:        opts.Events,
		tasks:         opts.Tasks,
		scheduler:     opts.Scheduler,
		generator:     opts.Generator,
		thresholds:    opts.Thresholds,
		notifications: opts.Notifications,
		auditor:       opts.Auditor,
		metrics:       m,
		logger:        opts.Logger,
		tracer:        otel.Tracer(tracerName),
		Now:           time.Now,
	}
}

// OnMedicationOrder handles a newly ingested or updated medication
// order: calculate the calendar, then reconcile it against persisted
// tasks.
func (o *Orchestrator) OnMedicationOrder(ctx context.Context, medication *monitoring.MedicationOrder, actor string) (*tasks.ReconcileResult, error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.OnMedicationOrder",
		trace.WithAttributes(
			attribute.String("medication_order_id", medication.ID.String()),
			attribute.String("drug_name", medication.DrugName),
		))
	defer span.End()

	patient, err := o.patients.GetByID(ctx, medication.PatientID)
	if err != nil {
		return nil, err
	}

	calendar, err := o.scheduler.CalculateSchedule(ctx, medication, patient, nil)
	if err != nil {
		return nil, err
	}
	o.metrics.RecordScheduleCalculated(string(medication.DrugCategory), len(calendar))

	result, err := o.generator.CreateOrUpdateTasks(ctx, calendar, actor)
	if err != nil {
		return nil, err
	}
	o.metrics.RecordTasksReconciled(len(result.Created), len(result.Updated))

	o.logger.Info("Processed medication order",
		"medication_order_id", medication.ID,
		"drug_name", medication.DrugName,
		"tasks_created", len(result.Created),
		"tasks_updated", len(result.Updated),
	)
	return result, nil
}

// OnMonitoringEvent handles an ingested test result: persist, classify
// against thresholds, auto-complete satisfied tasks, and alert on
// abnormal classifications.
func (o *Orchestrator) OnMonitoringEvent(ctx context.Context, event *monitoring.MonitoringEvent, actor string) error {
	ctx, span := o.tracer.Start(ctx, "orchestrator.OnMonitoringEvent",
		trace.WithAttributes(
			attribute.String("test_type", event.TestType),
			attribute.String("source_system", event.SourceSystem),
		))
	defer span.End()

	patient, err := o.patients.GetByID(ctx, event.PatientID)
	if err != nil {
		return err
	}

	if err := o.events.Insert(ctx, event); err != nil {
		return err
	}
	o.metrics.RecordEventIngested(event.SourceSystem)
	o.auditor.Record(audit.NewEvent(actor, audit.ActionIngest, "MonitoringEvent", event.ID.String(),
		map[string]interface{}{"test_type": event.TestType, "source_system": event.SourceSystem}))

	eval, err := o.thresholds.EvaluateEvent(ctx, event, patient)
	if err != nil {
		return err
	}
	thresholds.ApplyEvaluation(event, eval)
	o.metrics.RecordClassification(string(event.AbnormalFlag))
	if err := o.events.Update(ctx, event); err != nil {
		return err
	}

	if _, err := o.generator.AutoCompleteForEvent(ctx, event, actor); err != nil {
		return err
	}

	created, err := o.notifications.NotifyAbnormalEvent(ctx, event)
	if err != nil {
		return err
	}
	if created {
		o.metrics.RecordNotificationCreated(string(notificationTypeForFlag(event.AbnormalFlag)))
	}
	return nil
}

// SweepReport summarizes one daily sweep.
type SweepReport struct {
	OrdersReconciled   int
	TasksCreated       int
	TasksUpdated       int
	MarkedOverdue      int
	WaiversReactivated int
	Notifications      *notifications.SweepResult
}

// RunDailySweep reconciles active orders against the current ruleset,
// advances task statuses, reactivates expired waivers, then raises
// overdue and escalation alerts. Order matters: alerts must see the
// statuses this sweep produced.
func (o *Orchestrator) RunDailySweep(ctx context.Context) (*SweepReport, error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.RunDailySweep")
	defer span.End()
	started := o.Now()

	report := &SweepReport{}
	today := monitoring.DateOf(o.Now())

	active, err := o.medications.ListActive(ctx, today)
	if err != nil {
		return nil, err
	}
	for i := range active {
		medication := &active[i]
		result, err := o.OnMedicationOrder(ctx, medication, "system:sweep")
		if err != nil {
			o.logger.Error(err, "Sweep reconcile failed for order; continuing",
				"medication_order_id", medication.ID)
			continue
		}
		report.OrdersReconciled++
		report.TasksCreated += len(result.Created)
		report.TasksUpdated += len(result.Updated)
	}

	if report.MarkedOverdue, err = o.generator.UpdateTaskStatuses(ctx); err != nil {
		return nil, err
	}
	if report.WaiversReactivated, err = o.generator.ReactivateExpiredWaivers(ctx); err != nil {
		return nil, err
	}
	if report.Notifications, err = o.notifications.ProcessOverdueTasks(ctx); err != nil {
		return nil, err
	}

	o.metrics.RecordSweepDuration(o.Now().Sub(started))
	o.logger.Info("Daily sweep complete",
		"orders_reconciled", report.OrdersReconciled,
		"marked_overdue", report.MarkedOverdue,
		"waivers_reactivated", report.WaiversReactivated,
		"overdue_alerts", report.Notifications.OverdueCreated,
		"escalations", report.Notifications.EscalatedCreated,
	)
	return report, nil
}

// Worklist returns tasks joined with their medication order and patient
// for clinical display, optionally narrowed by task status and drug
// category, earliest due date first.
func (o *Orchestrator) Worklist(ctx context.Context, filter monitoring.WorklistFilter) ([]monitoring.WorklistItem, error) {
	return o.tasks.Worklist(ctx, filter)
}

func notificationTypeForFlag(flag monitoring.AbnormalFlag) monitoring.NotificationType {
	if flag == monitoring.FlagOutsideCritical {
		return monitoring.NotifyEventCritical
	}
	return monitoring.NotifyEventWarning
}
