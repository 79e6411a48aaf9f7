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

package tasks_test

import (
	"context"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/medtrack/psymon/pkg/audit"
	"github.com/medtrack/psymon/pkg/monitoring"
	"github.com/medtrack/psymon/pkg/monitoring/tasks"
	"github.com/medtrack/psymon/pkg/shared/errkind"
)

// memRepo is an in-memory tasks.Repository with the same matching
// semantics as the Postgres implementation: closest due date within the
// window wins.
type memRepo struct {
	tasks map[uuid.UUID]*monitoring.MonitoringTask
}

func newMemRepo() *memRepo {
	return &memRepo{tasks: map[uuid.UUID]*monitoring.MonitoringTask{}}
}

func (r *memRepo) add(task monitoring.MonitoringTask) uuid.UUID {
	if task.ID == uuid.Nil {
		task.ID = uuid.New()
	}
	r.tasks[task.ID] = &task
	return task.ID
}

func (r *memRepo) GetByID(_ context.Context, id uuid.UUID) (*monitoring.MonitoringTask, error) {
	task, ok := r.tasks[id]
	if !ok {
		return nil, errkind.New(errkind.NotFound, "task %s not found", id)
	}
	copied := *task
	return &copied, nil
}

func (r *memRepo) FindMatching(_ context.Context, patientID, medicationOrderID uuid.UUID, testType string, dueDate monitoring.Date, windowDays int) (*monitoring.MonitoringTask, error) {
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

func (r *memRepo) Insert(_ context.Context, task *monitoring.MonitoringTask) error {
	copied := *task
	r.tasks[task.ID] = &copied
	return nil
}

func (r *memRepo) Update(_ context.Context, task *monitoring.MonitoringTask) error {
	if _, ok := r.tasks[task.ID]; !ok {
		return errkind.New(errkind.NotFound, "task %s not found", task.ID)
	}
	copied := *task
	r.tasks[task.ID] = &copied
	return nil
}

func (r *memRepo) ListOpenByPatient(_ context.Context, patientID uuid.UUID) ([]monitoring.MonitoringTask, error) {
	var out []monitoring.MonitoringTask
	for _, task := range r.tasks {
		if task.PatientID != patientID || task.IsTerminal() {
			continue
		}
		out = append(out, *task)
	}
	return out, nil
}

func (r *memRepo) MarkOverdue(_ context.Context, today monitoring.Date) (int, error) {
	n := 0
	for _, task := range r.tasks {
		if task.Status == monitoring.TaskDue && task.DueDate.Before(today) {
			task.Status = monitoring.TaskOverdue
			n++
		}
	}
	return n, nil
}

func (r *memRepo) ListExpiredWaivers(_ context.Context, today monitoring.Date) ([]monitoring.MonitoringTask, error) {
	var out []monitoring.MonitoringTask
	for _, task := range r.tasks {
		if task.Status == monitoring.TaskWaived && task.WaivedUntil != nil && task.WaivedUntil.Before(today) {
			out = append(out, *task)
		}
	}
	return out, nil
}

var _ = Describe("Generator", func() {
	var (
		repo      *memRepo
		generator *tasks.Generator
		patientID uuid.UUID
		orderID   uuid.UUID
		now       time.Time
	)

	newTask := func(testType string, due monitoring.Date, status monitoring.TaskStatus) monitoring.MonitoringTask {
		return monitoring.MonitoringTask{
			ID:                uuid.New(),
			PatientID:         patientID,
			MedicationOrderID: orderID,
			TestType:          testType,
			DueDate:           due,
			Status:            status,
		}
	}

	BeforeEach(func() {
		repo = newMemRepo()
		now = time.Date(2025, time.June, 15, 9, 0, 0, 0, time.UTC)
		generator = tasks.NewGenerator(repo, audit.NopRecorder{}, 14, logr.Discard())
		generator.Now = func() time.Time { return now }
		patientID = uuid.New()
		orderID = uuid.New()
	})

	Describe("CreateOrUpdateTasks", func() {
		It("inserts unmatched tasks", func() {
			calc := []monitoring.MonitoringTask{
				newTask("FBC", monitoring.NewDate(2025, time.July, 1), monitoring.TaskDue),
				newTask("LFTs", monitoring.NewDate(2025, time.July, 1), monitoring.TaskDue),
			}
			result, err := generator.CreateOrUpdateTasks(context.Background(), calc, "system:sweep")
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Created).To(HaveLen(2))
			Expect(result.Updated).To(BeEmpty())
			Expect(repo.tasks).To(HaveLen(2))
		})

		It("moves a drifted due date onto the matched task instead of duplicating", func() {
			existingID := repo.add(newTask("FBC", monitoring.NewDate(2025, time.July, 1), monitoring.TaskDue))

			calc := []monitoring.MonitoringTask{
				newTask("FBC", monitoring.NewDate(2025, time.July, 8), monitoring.TaskDue),
			}
			result, err := generator.CreateOrUpdateTasks(context.Background(), calc, "system:sweep")
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Created).To(BeEmpty())
			Expect(result.Updated).To(HaveLen(1))
			Expect(repo.tasks).To(HaveLen(1))
			Expect(repo.tasks[existingID].DueDate.String()).To(Equal("2025-07-08"))
		})

		It("leaves identical matches untouched", func() {
			repo.add(newTask("FBC", monitoring.NewDate(2025, time.July, 1), monitoring.TaskDue))
			calc := []monitoring.MonitoringTask{
				newTask("FBC", monitoring.NewDate(2025, time.July, 1), monitoring.TaskDue),
			}
			result, err := generator.CreateOrUpdateTasks(context.Background(), calc, "system:sweep")
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Created).To(BeEmpty())
			Expect(result.Updated).To(BeEmpty())
		})

		It("never regresses terminal tasks", func() {
			completedAt := time.Date(2025, time.June, 30, 0, 0, 0, 0, time.UTC)
			done := newTask("FBC", monitoring.NewDate(2025, time.July, 1), monitoring.TaskDone)
			done.CompletedAt = &completedAt
			doneID := repo.add(done)
			waivedID := repo.add(newTask("LFTs", monitoring.NewDate(2025, time.July, 1), monitoring.TaskWaived))

			calc := []monitoring.MonitoringTask{
				newTask("FBC", monitoring.NewDate(2025, time.July, 8), monitoring.TaskDue),
				newTask("LFTs", monitoring.NewDate(2025, time.July, 8), monitoring.TaskDue),
			}
			result, err := generator.CreateOrUpdateTasks(context.Background(), calc, "system:sweep")
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Created).To(BeEmpty())
			Expect(result.Updated).To(BeEmpty())
			Expect(repo.tasks[doneID].Status).To(Equal(monitoring.TaskDone))
			Expect(repo.tasks[waivedID].Status).To(Equal(monitoring.TaskWaived))
		})

		It("inserts a new task when the calculated date falls outside the window", func() {
			repo.add(newTask("FBC", monitoring.NewDate(2025, time.July, 1), monitoring.TaskDue))
			calc := []monitoring.MonitoringTask{
				newTask("FBC", monitoring.NewDate(2025, time.August, 1), monitoring.TaskDue),
			}
			result, err := generator.CreateOrUpdateTasks(context.Background(), calc, "system:sweep")
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Created).To(HaveLen(1))
			Expect(repo.tasks).To(HaveLen(2))
		})

		It("derives status from today when the calculated task has none", func() {
			calc := []monitoring.MonitoringTask{
				newTask("FBC", monitoring.NewDate(2025, time.May, 1), ""),
				newTask("LFTs", monitoring.NewDate(2025, time.August, 1), ""),
			}
			result, err := generator.CreateOrUpdateTasks(context.Background(), calc, "system:sweep")
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Created).To(HaveLen(2))
			byType := map[string]monitoring.TaskStatus{}
			for _, task := range result.Created {
				byType[task.TestType] = task.Status
			}
			Expect(byType["FBC"]).To(Equal(monitoring.TaskOverdue))
			Expect(byType["LFTs"]).To(Equal(monitoring.TaskDue))
		})
	})

	Describe("UpdateTaskStatuses", func() {
		It("marks past-due DUE tasks overdue and counts them", func() {
			repo.add(newTask("FBC", monitoring.NewDate(2025, time.June, 1), monitoring.TaskDue))
			repo.add(newTask("LFTs", monitoring.NewDate(2025, time.June, 20), monitoring.TaskDue))

			n, err := generator.UpdateTaskStatuses(context.Background())
			Expect(err).NotTo(HaveOccurred())
			Expect(n).To(Equal(1))
		})
	})

	Describe("ReactivateExpiredWaivers", func() {
		It("returns expired waivers to OVERDUE and clears waiver fields", func() {
			until := monitoring.NewDate(2025, time.June, 10)
			waived := newTask("FBC", monitoring.NewDate(2025, time.May, 1), monitoring.TaskWaived)
			waived.WaivedReason = "patient on leave"
			waived.WaivedUntil = &until
			id := repo.add(waived)

			n, err := generator.ReactivateExpiredWaivers(context.Background())
			Expect(err).NotTo(HaveOccurred())
			Expect(n).To(Equal(1))
			Expect(repo.tasks[id].Status).To(Equal(monitoring.TaskOverdue))
			Expect(repo.tasks[id].WaivedReason).To(BeEmpty())
			Expect(repo.tasks[id].WaivedUntil).To(BeNil())
		})

		It("leaves unexpired waivers alone", func() {
			until := monitoring.NewDate(2025, time.July, 10)
			waived := newTask("FBC", monitoring.NewDate(2025, time.May, 1), monitoring.TaskWaived)
			waived.WaivedUntil = &until
			id := repo.add(waived)

			n, err := generator.ReactivateExpiredWaivers(context.Background())
			Expect(err).NotTo(HaveOccurred())
			Expect(n).To(BeZero())
			Expect(repo.tasks[id].Status).To(Equal(monitoring.TaskWaived))
		})
	})

	Describe("MarkTaskDone", func() {
		event := func() *monitoring.MonitoringEvent {
			return &monitoring.MonitoringEvent{
				ID:            uuid.New(),
				TestType:      "FBC",
				PerformedDate: monitoring.NewDate(2025, time.June, 14),
			}
		}

		It("completes a task with the event's performed date", func() {
			id := repo.add(newTask("FBC", monitoring.NewDate(2025, time.June, 15), monitoring.TaskDue))
			task, err := generator.MarkTaskDone(context.Background(), id, "nurse.smith", event())
			Expect(err).NotTo(HaveOccurred())
			Expect(task.Status).To(Equal(monitoring.TaskDone))
			Expect(task.CompletedAt).NotTo(BeNil())
			Expect(task.CompletedAt.Equal(time.Date(2025, time.June, 14, 0, 0, 0, 0, time.UTC))).To(BeTrue())
		})

		It("is idempotent on an already-completed task", func() {
			completedAt := time.Date(2025, time.June, 1, 0, 0, 0, 0, time.UTC)
			done := newTask("FBC", monitoring.NewDate(2025, time.June, 1), monitoring.TaskDone)
			done.CompletedAt = &completedAt
			id := repo.add(done)

			task, err := generator.MarkTaskDone(context.Background(), id, "nurse.smith", event())
			Expect(err).NotTo(HaveOccurred())
			Expect(task.CompletedAt.Equal(completedAt)).To(BeTrue())
		})

		It("returns NOT_FOUND for an unknown task", func() {
			_, err := generator.MarkTaskDone(context.Background(), uuid.New(), "nurse.smith", event())
			Expect(errkind.KindOf(err)).To(Equal(errkind.NotFound))
		})
	})

	Describe("WaiveTask", func() {
		It("records the reason and expiry", func() {
			id := repo.add(newTask("FBC", monitoring.NewDate(2025, time.June, 20), monitoring.TaskDue))
			until := monitoring.NewDate(2025, time.July, 20)
			task, err := generator.WaiveTask(context.Background(), id, "dr.jones", "clinically inappropriate", &until)
			Expect(err).NotTo(HaveOccurred())
			Expect(task.Status).To(Equal(monitoring.TaskWaived))
			Expect(task.WaivedReason).To(Equal("clinically inappropriate"))
			Expect(task.WaivedUntil.Equal(until)).To(BeTrue())
		})
	})

	Describe("AutoCompleteForEvent", func() {
		It("completes open tasks of the matching type inside the window", func() {
			inside := repo.add(newTask("FBC", monitoring.NewDate(2025, time.June, 20), monitoring.TaskDue))
			outside := repo.add(newTask("FBC", monitoring.NewDate(2025, time.August, 1), monitoring.TaskDue))
			other := repo.add(newTask("LFTs", monitoring.NewDate(2025, time.June, 20), monitoring.TaskDue))

			event := &monitoring.MonitoringEvent{
				ID:            uuid.New(),
				PatientID:     patientID,
				TestType:      "FBC",
				PerformedDate: monitoring.NewDate(2025, time.June, 15),
			}
			completed, err := generator.AutoCompleteForEvent(context.Background(), event, "system:ingest")
			Expect(err).NotTo(HaveOccurred())
			Expect(completed).To(HaveLen(1))
			Expect(repo.tasks[inside].Status).To(Equal(monitoring.TaskDone))
			Expect(repo.tasks[outside].Status).To(Equal(monitoring.TaskDue))
			Expect(repo.tasks[other].Status).To(Equal(monitoring.TaskDue))
		})

		It("matches glucose tasks against HbA1c events", func() {
			id := repo.add(newTask("Fasting glucose/HbA1c", monitoring.NewDate(2025, time.June, 18), monitoring.TaskDue))
			event := &monitoring.MonitoringEvent{
				ID:            uuid.New(),
				PatientID:     patientID,
				TestType:      "HbA1c",
				PerformedDate: monitoring.NewDate(2025, time.June, 15),
			}
			completed, err := generator.AutoCompleteForEvent(context.Background(), event, "system:ingest")
			Expect(err).NotTo(HaveOccurred())
			Expect(completed).To(HaveLen(1))
			Expect(repo.tasks[id].Status).To(Equal(monitoring.TaskDone))
		})

		It("ignores terminal tasks", func() {
			id := repo.add(newTask("FBC", monitoring.NewDate(2025, time.June, 15), monitoring.TaskDone))
			event := &monitoring.MonitoringEvent{
				ID:            uuid.New(),
				PatientID:     patientID,
				TestType:      "FBC",
				PerformedDate: monitoring.NewDate(2025, time.June, 15),
			}
			completed, err := generator.AutoCompleteForEvent(context.Background(), event, "system:ingest")
			Expect(err).NotTo(HaveOccurred())
			Expect(completed).To(BeEmpty())
			Expect(repo.tasks[id].Status).To(Equal(monitoring.TaskDone))
		})
	})
})
