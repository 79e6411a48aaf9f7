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

package orchestrator_test

import (
	"context"
	"sort"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/medtrack/psymon/pkg/audit"
	"github.com/medtrack/psymon/pkg/monitoring"
	"github.com/medtrack/psymon/pkg/monitoring/notifications"
	"github.com/medtrack/psymon/pkg/monitoring/orchestrator"
	"github.com/medtrack/psymon/pkg/monitoring/ruleset"
	"github.com/medtrack/psymon/pkg/monitoring/scheduling"
	"github.com/medtrack/psymon/pkg/monitoring/tasks"
	"github.com/medtrack/psymon/pkg/monitoring/thresholds"
	"github.com/medtrack/psymon/pkg/shared/errkind"
)

type fakePatients struct {
	byID map[uuid.UUID]*monitoring.Patient
}

func (f *fakePatients) GetByID(_ context.Context, id uuid.UUID) (*monitoring.Patient, error) {
	p, ok := f.byID[id]
	if !ok {
		return nil, errkind.New(errkind.NotFound, "patient %s not found", id)
	}
	return p, nil
}

type fakeMedications struct {
	active []monitoring.MedicationOrder
}

func (f *fakeMedications) GetByID(_ context.Context, id uuid.UUID) (*monitoring.MedicationOrder, error) {
	for i := range f.active {
		if f.active[i].ID == id {
			return &f.active[i], nil
		}
	}
	return nil, errkind.New(errkind.NotFound, "medication order %s not found", id)
}

func (f *fakeMedications) ListActive(context.Context, monitoring.Date) ([]monitoring.MedicationOrder, error) {
	return f.active, nil
}

type fakeEvents struct {
	inserted []*monitoring.MonitoringEvent
	updated  []*monitoring.MonitoringEvent
}

func (f *fakeEvents) Insert(_ context.Context, event *monitoring.MonitoringEvent) error {
	copied := *event
	f.inserted = append(f.inserted, &copied)
	return nil
}

func (f *fakeEvents) Update(_ context.Context, event *monitoring.MonitoringEvent) error {
	copied := *event
	f.updated = append(f.updated, &copied)
	return nil
}

// fakeWorklist mirrors the Postgres worklist query's filtering and
// ordering in memory.
type fakeWorklist struct {
	items []monitoring.WorklistItem
}

func (f *fakeWorklist) Worklist(_ context.Context, filter monitoring.WorklistFilter) ([]monitoring.WorklistItem, error) {
	var out []monitoring.WorklistItem
	for _, item := range f.items {
		if filter.Status != "" && item.Status != filter.Status {
			continue
		}
		if filter.DrugCategory != "" && item.DrugCategory != filter.DrugCategory {
			continue
		}
		out = append(out, item)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DueDate.Before(out[j].DueDate) })
	return out, nil
}

// taskRepo mirrors the Postgres repository's matching and status
// semantics in memory.
type taskRepo struct {
	tasks map[uuid.UUID]*monitoring.MonitoringTask
}

func newTaskRepo() *taskRepo {
	return &taskRepo{tasks: map[uuid.UUID]*monitoring.MonitoringTask{}}
}

func (r *taskRepo) add(task monitoring.MonitoringTask) uuid.UUID {
	if task.ID == uuid.Nil {
		task.ID = uuid.New()
	}
	r.tasks[task.ID] = &task
	return task.ID
}

func (r *taskRepo) GetByID(_ context.Context, id uuid.UUID) (*monitoring.MonitoringTask, error) {
	task, ok := r.tasks[id]
	if !ok {
		return nil, errkind.New(errkind.NotFound, "task %s not found", id)
	}
	copied := *task
	return &copied, nil
}

func (r *taskRepo) FindMatching(_ context.Context, patientID, medicationOrderID uuid.UUID, testType string, dueDate monitoring.Date, windowDays int) (*monitoring.MonitoringTask, error) {
	var best *monitoring.MonitoringTask
	bestDist := windowDays + 1
	for _, task := range r.tasks {
		if task.PatientID != patientID || task.MedicationOrderID != medicationOrderID || task.TestType != testType {
			continue
		}
		dist := task.DueDate.DaysUntil(dueDate)
		if dist < 0 {
			dist = -dist
		}
		if dist <= windowDays && dist < bestDist {
			bestDist = dist
			best = task
		}
	}
	if best == nil {
		return nil, nil
	}
	copied := *best
	return &copied, nil
}

func (r *taskRepo) Insert(_ context.Context, task *monitoring.MonitoringTask) error {
	if task.ID == uuid.Nil {
		task.ID = uuid.New()
	}
	copied := *task
	r.tasks[task.ID] = &copied
	return nil
}

func (r *taskRepo) Update(_ context.Context, task *monitoring.MonitoringTask) error {
	if _, ok := r.tasks[task.ID]; !ok {
		return errkind.New(errkind.NotFound, "task %s not found", task.ID)
	}
	copied := *task
	r.tasks[task.ID] = &copied
	return nil
}

func (r *taskRepo) ListOpenByPatient(_ context.Context, patientID uuid.UUID) ([]monitoring.MonitoringTask, error) {
	var out []monitoring.MonitoringTask
	for _, task := range r.tasks {
		if task.PatientID == patientID && !task.IsTerminal() {
			out = append(out, *task)
		}
	}
	return out, nil
}

func (r *taskRepo) MarkOverdue(_ context.Context, today monitoring.Date) (int, error) {
	count := 0
	for _, task := range r.tasks {
		if task.Status == monitoring.TaskDue && task.DueDate.Before(today) {
			task.Status = monitoring.TaskOverdue
			count++
		}
	}
	return count, nil
}

func (r *taskRepo) ListExpiredWaivers(_ context.Context, today monitoring.Date) ([]monitoring.MonitoringTask, error) {
	var out []monitoring.MonitoringTask
	for _, task := range r.tasks {
		if task.Status == monitoring.TaskWaived && task.WaivedUntil != nil && task.WaivedUntil.Before(today) {
			out = append(out, *task)
		}
	}
	return out, nil
}

func (r *taskRepo) overdueTasks() []monitoring.MonitoringTask {
	var out []monitoring.MonitoringTask
	for _, task := range r.tasks {
		if task.Status == monitoring.TaskOverdue {
			out = append(out, *task)
		}
	}
	return out
}

func (r *taskRepo) byTestType(testType string) []*monitoring.MonitoringTask {
	var out []*monitoring.MonitoringTask
	for _, task := range r.tasks {
		if task.TestType == testType {
			out = append(out, task)
		}
	}
	return out
}

// overdueSource adapts the task repo to the notification engine.
type overdueSource struct {
	repo *taskRepo
}

func (s *overdueSource) ListOverdue(context.Context) ([]monitoring.MonitoringTask, error) {
	return s.repo.overdueTasks(), nil
}

func (s *overdueSource) ListOpenByPatient(ctx context.Context, patientID uuid.UUID) ([]monitoring.MonitoringTask, error) {
	return s.repo.ListOpenByPatient(ctx, patientID)
}

type notifRepo struct {
	byID  map[uuid.UUID]*monitoring.InAppNotification
	byKey map[string]uuid.UUID
}

func newNotifRepo() *notifRepo {
	return &notifRepo{
		byID:  map[uuid.UUID]*monitoring.InAppNotification{},
		byKey: map[string]uuid.UUID{},
	}
}

func (r *notifRepo) Insert(_ context.Context, n *monitoring.InAppNotification) error {
	if _, exists := r.byKey[n.DedupeKey]; exists {
		return errkind.New(errkind.Conflict, "duplicate dedupe key %s", n.DedupeKey)
	}
	copied := *n
	r.byID[n.ID] = &copied
	r.byKey[n.DedupeKey] = n.ID
	return nil
}

func (r *notifRepo) GetByID(_ context.Context, id uuid.UUID) (*monitoring.InAppNotification, error) {
	n, ok := r.byID[id]
	if !ok {
		return nil, errkind.New(errkind.NotFound, "notification %s not found", id)
	}
	copied := *n
	return &copied, nil
}

func (r *notifRepo) Update(_ context.Context, n *monitoring.InAppNotification) error {
	copied := *n
	r.byID[n.ID] = &copied
	return nil
}

func (r *notifRepo) ListForRecipient(_ context.Context, recipientType monitoring.RecipientType, recipientID string, unreadOnly bool) ([]monitoring.InAppNotification, error) {
	var out []monitoring.InAppNotification
	for _, n := range r.byID {
		if n.RecipientType != recipientType || n.RecipientID != recipientID {
			continue
		}
		if unreadOnly && n.ViewedAt != nil {
			continue
		}
		out = append(out, *n)
	}
	return out, nil
}

func (r *notifRepo) ofType(t monitoring.NotificationType) []*monitoring.InAppNotification {
	var out []*monitoring.InAppNotification
	for _, n := range r.byID {
		if n.Type == t {
			out = append(out, n)
		}
	}
	return out
}

type fakeReviewer struct {
	reviewed []uuid.UUID
}

func (f *fakeReviewer) SetReviewed(_ context.Context, eventID uuid.UUID, _ string, _ time.Time) error {
	f.reviewed = append(f.reviewed, eventID)
	return nil
}

type thresholdSource struct {
	thresholds []monitoring.ReferenceThreshold
}

func (s *thresholdSource) ListEnabled(_ context.Context, monitoringType string) ([]monitoring.ReferenceThreshold, error) {
	var out []monitoring.ReferenceThreshold
	for _, t := range s.thresholds {
		if t.MonitoringType == monitoringType {
			out = append(out, t)
		}
	}
	return out, nil
}

func f64(v float64) *float64 { return &v }

var _ = Describe("Orchestrator", func() {
	var (
		now        time.Time
		patient    monitoring.Patient
		medication monitoring.MedicationOrder
		patients   *fakePatients
		meds       *fakeMedications
		events     *fakeEvents
		worklist   *fakeWorklist
		repo       *taskRepo
		notifs     *notifRepo
		reviewer   *fakeReviewer
		orch       *orchestrator.Orchestrator
	)

	BeforeEach(func() {
		now = time.Date(2025, time.January, 10, 9, 0, 0, 0, time.UTC)

		patient = monitoring.Patient{ID: uuid.New(), Pseudonym: "P-0001", Sex: "F", AgeBand: "40-49"}
		medication = monitoring.MedicationOrder{
			ID:           uuid.New(),
			PatientID:    patient.ID,
			DrugName:     "Aripiprazole",
			DrugCategory: monitoring.CategoryStandard,
			StartDate:    monitoring.NewDate(2025, time.January, 6),
		}

		patients = &fakePatients{byID: map[uuid.UUID]*monitoring.Patient{patient.ID: &patient}}
		meds = &fakeMedications{active: []monitoring.MedicationOrder{medication}}
		events = &fakeEvents{}
		worklist = &fakeWorklist{}
		repo = newTaskRepo()
		notifs = newNotifRepo()
		reviewer = &fakeReviewer{}

		scheduler := scheduling.NewEngine(scheduling.Options{
			Rulesets:     ruleset.NewStatic(ruleset.Default()),
			WindowDays:   14,
			HorizonYears: 5,
			Logger:       logr.Discard(),
		})
		scheduler.Now = func() time.Time { return now }

		generator := tasks.NewGenerator(repo, audit.NopRecorder{}, 14, logr.Discard())
		generator.Now = func() time.Time { return now }

		notifEngine := notifications.NewEngine(notifications.Options{
			Repository:              notifs,
			Tasks:                   &overdueSource{repo: repo},
			Events:                  reviewer,
			Auditor:                 audit.NopRecorder{},
			Enabled:                 true,
			TeamInboxID:             "TEAM_INBOX",
			TeamLeadInboxID:         "TEAM_LEAD_INBOX",
			EscalationThresholdDays: 30,
			Logger:                  logr.Discard(),
		})
		notifEngine.Now = func() time.Time { return now }

		orch = orchestrator.New(orchestrator.Options{
			Patients:    patients,
			Medications: meds,
			Events:      events,
			Tasks:       worklist,
			Scheduler:   scheduler,
			Generator:   generator,
			Thresholds: thresholds.NewEvaluator(&thresholdSource{thresholds: []monitoring.ReferenceThreshold{{
				ID:             uuid.New(),
				MonitoringType: "Glucose",
				Unit:           "mmol/L",
				ComparatorType: monitoring.ComparatorNumeric,
				HighWarning:    f64(7.8),
				HighCritical:   f64(11.1),
				Enabled:        true,
			}}}, logr.Discard()),
			Notifications: notifEngine,
			Auditor:       audit.NopRecorder{},
			Logger:        logr.Discard(),
		})
		orch.Now = func() time.Time { return now }
	})

	Describe("OnMedicationOrder", func() {
		It("materializes the calculated calendar as tasks", func() {
			result, err := orch.OnMedicationOrder(context.Background(), &medication, "webhook:gp-connect")
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Created).NotTo(BeEmpty())
			Expect(result.Updated).To(BeEmpty())

			baseline := repo.byTestType("Weight/BMI")
			Expect(baseline).NotTo(BeEmpty())
		})

		It("is idempotent for an unchanged order", func() {
			first, err := orch.OnMedicationOrder(context.Background(), &medication, "webhook:gp-connect")
			Expect(err).NotTo(HaveOccurred())
			countAfterFirst := len(repo.tasks)

			second, err := orch.OnMedicationOrder(context.Background(), &medication, "webhook:gp-connect")
			Expect(err).NotTo(HaveOccurred())
			Expect(second.Created).To(BeEmpty())
			Expect(len(repo.tasks)).To(Equal(countAfterFirst))
			Expect(len(first.Created)).To(Equal(countAfterFirst))
		})

		It("refuses an order for an unknown patient", func() {
			orphan := medication
			orphan.PatientID = uuid.New()
			_, err := orch.OnMedicationOrder(context.Background(), &orphan, "webhook:gp-connect")
			Expect(errkind.KindOf(err)).To(Equal(errkind.NotFound))
			Expect(repo.tasks).To(BeEmpty())
		})
	})

	Describe("OnMonitoringEvent", func() {
		newEvent := func(value string) *monitoring.MonitoringEvent {
			return &monitoring.MonitoringEvent{
				ID:            uuid.New(),
				PatientID:     patient.ID,
				TestType:      "Glucose",
				PerformedDate: monitoring.NewDate(2025, time.January, 10),
				Value:         value,
				Unit:          "mmol/L",
				SourceSystem:  "lab-link",
			}
		}

		It("persists, classifies and alerts on a critical result", func() {
			Expect(orch.OnMonitoringEvent(context.Background(), newEvent("15.2"), "webhook:lab-link")).To(Succeed())

			Expect(events.inserted).To(HaveLen(1))
			Expect(events.updated).To(HaveLen(1))
			Expect(events.updated[0].AbnormalFlag).To(Equal(monitoring.FlagOutsideCritical))
			Expect(events.updated[0].ReviewedStatus).To(Equal(monitoring.ReviewPending))

			Expect(notifs.ofType(monitoring.NotifyEventCritical)).To(HaveLen(1))
		})

		It("stays quiet on a normal result", func() {
			Expect(orch.OnMonitoringEvent(context.Background(), newEvent("5.4"), "webhook:lab-link")).To(Succeed())
			Expect(events.updated[0].AbnormalFlag).To(Equal(monitoring.FlagNormal))
			Expect(notifs.byID).To(BeEmpty())
		})

		It("auto-completes the satisfied task", func() {
			taskID := repo.add(monitoring.MonitoringTask{
				PatientID:         patient.ID,
				MedicationOrderID: medication.ID,
				TestType:          "Glucose",
				DueDate:           monitoring.NewDate(2025, time.January, 12),
				Status:            monitoring.TaskDue,
			})

			Expect(orch.OnMonitoringEvent(context.Background(), newEvent("5.4"), "webhook:lab-link")).To(Succeed())

			task, err := repo.GetByID(context.Background(), taskID)
			Expect(err).NotTo(HaveOccurred())
			Expect(task.Status).To(Equal(monitoring.TaskDone))
		})

		It("rejects an event for an unknown patient", func() {
			event := newEvent("5.4")
			event.PatientID = uuid.New()
			err := orch.OnMonitoringEvent(context.Background(), event, "webhook:lab-link")
			Expect(errkind.KindOf(err)).To(Equal(errkind.NotFound))
			Expect(events.inserted).To(BeEmpty())
		})
	})

	Describe("RunDailySweep", func() {
		It("reconciles active orders and raises overdue alerts", func() {
			// A long-overdue ECG well past the escalation threshold.
			repo.add(monitoring.MonitoringTask{
				PatientID:         patient.ID,
				MedicationOrderID: medication.ID,
				TestType:          "ECG",
				DueDate:           monitoring.NewDate(2024, time.December, 1),
				Status:            monitoring.TaskDue,
			})

			report, err := orch.RunDailySweep(context.Background())
			Expect(err).NotTo(HaveOccurred())

			Expect(report.OrdersReconciled).To(Equal(1))
			Expect(report.TasksCreated).To(BeNumerically(">", 0))
			Expect(report.MarkedOverdue).To(BeNumerically(">=", 1))
			Expect(report.Notifications.OverdueCreated).To(BeNumerically(">=", 1))
			Expect(report.Notifications.EscalatedCreated).To(BeNumerically(">=", 1))

			escalations := notifs.ofType(monitoring.NotifyTaskEscalated)
			Expect(escalations).NotTo(BeEmpty())
			Expect(escalations[0].RecipientID).To(Equal("TEAM_LEAD_INBOX"))
		})

		It("addresses overdue alerts for assigned tasks to the assignee", func() {
			taskID := repo.add(monitoring.MonitoringTask{
				PatientID:         patient.ID,
				MedicationOrderID: medication.ID,
				TestType:          "ECG",
				DueDate:           monitoring.NewDate(2025, time.January, 5),
				Status:            monitoring.TaskDue,
				AssignedTo:        "dr.jones",
			})

			_, err := orch.RunDailySweep(context.Background())
			Expect(err).NotTo(HaveOccurred())

			var alert *monitoring.InAppNotification
			for _, n := range notifs.ofType(monitoring.NotifyTaskOverdue) {
				if n.TaskID != nil && *n.TaskID == taskID {
					alert = n
				}
			}
			Expect(alert).NotTo(BeNil())
			Expect(alert.RecipientType).To(Equal(monitoring.RecipientUser))
			Expect(alert.RecipientID).To(Equal("dr.jones"))
		})

		It("continues past orders that fail to reconcile", func() {
			orphan := monitoring.MedicationOrder{
				ID:           uuid.New(),
				PatientID:    uuid.New(), // no such patient
				DrugName:     "Quetiapine",
				DrugCategory: monitoring.CategoryStandard,
				StartDate:    monitoring.NewDate(2025, time.January, 6),
			}
			meds.active = append(meds.active, orphan)

			report, err := orch.RunDailySweep(context.Background())
			Expect(err).NotTo(HaveOccurred())
			Expect(report.OrdersReconciled).To(Equal(1))
		})

		It("is stable when re-run on the same day", func() {
			first, err := orch.RunDailySweep(context.Background())
			Expect(err).NotTo(HaveOccurred())

			second, err := orch.RunDailySweep(context.Background())
			Expect(err).NotTo(HaveOccurred())
			Expect(second.TasksCreated).To(BeZero())
			Expect(second.Notifications.OverdueCreated).To(BeZero())
			Expect(second.Notifications.Deduplicated).To(Equal(first.Notifications.OverdueCreated))
		})
	})

	Describe("Worklist", func() {
		item := func(testType string, due monitoring.Date, status monitoring.TaskStatus, category monitoring.DrugCategory) monitoring.WorklistItem {
			return monitoring.WorklistItem{
				TaskID:       uuid.New(),
				PatientID:    patient.ID,
				Pseudonym:    patient.Pseudonym,
				DrugName:     "Clozapine",
				DrugCategory: category,
				TestType:     testType,
				DueDate:      due,
				Status:       status,
			}
		}

		BeforeEach(func() {
			worklist.items = []monitoring.WorklistItem{
				item("FBC", monitoring.NewDate(2025, time.February, 3), monitoring.TaskDue, monitoring.CategorySpecialGroup),
				item("ECG", monitoring.NewDate(2025, time.January, 2), monitoring.TaskOverdue, monitoring.CategoryStandard),
				item("Weight/BMI", monitoring.NewDate(2025, time.January, 20), monitoring.TaskDue, monitoring.CategoryStandard),
			}
		})

		It("returns joined rows sorted by due date ascending", func() {
			list, err := orch.Worklist(context.Background(), monitoring.WorklistFilter{})
			Expect(err).NotTo(HaveOccurred())
			Expect(list).To(HaveLen(3))
			Expect(list[0].TestType).To(Equal("ECG"))
			Expect(list[1].TestType).To(Equal("Weight/BMI"))
			Expect(list[2].TestType).To(Equal("FBC"))
			Expect(list[0].Pseudonym).To(Equal("P-0001"))
			Expect(list[0].DrugName).To(Equal("Clozapine"))
		})

		It("filters by task status", func() {
			list, err := orch.Worklist(context.Background(), monitoring.WorklistFilter{Status: monitoring.TaskOverdue})
			Expect(err).NotTo(HaveOccurred())
			Expect(list).To(HaveLen(1))
			Expect(list[0].TestType).To(Equal("ECG"))
		})

		It("filters by drug category", func() {
			list, err := orch.Worklist(context.Background(), monitoring.WorklistFilter{DrugCategory: monitoring.CategorySpecialGroup})
			Expect(err).NotTo(HaveOccurred())
			Expect(list).To(HaveLen(1))
			Expect(list[0].TestType).To(Equal("FBC"))
		})
	})
})
