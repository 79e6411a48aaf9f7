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

// Package scheduling expands a medication order into its monitoring task
// calendar.
//
// Expansion is CPU-only and deterministic: ruleset blocks become dated
// milestones, milestones cross test types into tasks, the rule evaluator
// applies per-drug overrides, then the calendar is deduplicated, bounded
// by stop date, and sorted.
//
// Business Requirements:
// - BR-MON-001: Rule-driven calendar expansion
// - BR-MON-002: Tasks auto-complete from events within the matching window
// - BR-MON-003: Calendar bounded by stop date and horizon
package scheduling

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"github.com/medtrack/psymon/pkg/monitoring"
	"github.com/medtrack/psymon/pkg/monitoring/rules"
	"github.com/medtrack/psymon/pkg/monitoring/ruleset"
)

// specialGroupDrugs upgrade a declared STANDARD category by name.
var specialGroupDrugs = map[string]struct{}{
	"chlorpromazine": {},
	"clozapine":      {},
	"olanzapine":     {},
}

// EventSource loads a patient's observed monitoring events when the
// caller does not supply them.
type EventSource interface {
	ListEventsForPatient(ctx context.Context, patientID uuid.UUID) ([]monitoring.MonitoringEvent, error)
}

// milestone is one dated point in the expanded calendar.
type milestone struct {
	name    string
	dueDate monitoring.Date
	tests   []string
}

// Engine expands medication orders into monitoring tasks.
type Engine struct {
	rulesets     ruleset.Provider
	evaluator    *rules.Evaluator
	events       EventSource
	windowDays   int
	horizonYears int
	logger       logr.Logger

	// Now supplies the current instant; tests pin it.
	Now func() time.Time
}

// Options configures an Engine.
type Options struct {
	Rulesets     ruleset.Provider
	Events       EventSource
	WindowDays   int
	HorizonYears int
	Logger       logr.Logger
}

// NewEngine constructs a scheduling engine.
func NewEngine(opts Options) *Engine {
	e := &Engine{
		rulesets:     opts.Rulesets,
		evaluator:    rules.NewEvaluator(),
		events:       opts.Events,
		windowDays:   opts.WindowDays,
		horizonYears: opts.HorizonYears,
		logger:       opts.Logger,
		Now:          time.Now,
	}
	e.evaluator.Now = func() time.Time { return e.Now() }
	return e
}

// CalculateSchedule expands a medication order into its deduplicated,
// sorted task calendar. When existingEvents is nil the patient's events
// are loaded from the event source; pass an empty slice to skip matching.
func (e *Engine) CalculateSchedule(
	ctx context.Context,
	medication *monitoring.MedicationOrder,
	patient *monitoring.Patient,
	existingEvents []monitoring.MonitoringEvent,
) ([]monitoring.MonitoringTask, error) {
	category := e.determineCategory(medication)
	rs := e.rulesets.Current()
	categoryRules, err := rs.Category(category)
	if err != nil {
		return nil, err
	}

	ecgRequired := e.evaluator.ShouldRequireECG(medication, patient)

	if existingEvents == nil {
		if e.events == nil {
			existingEvents = []monitoring.MonitoringEvent{}
		} else {
			existingEvents, err = e.events.ListEventsForPatient(ctx, patient.ID)
			if err != nil {
				return nil, fmt.Errorf("failed to load events for patient %s: %w", patient.ID, err)
			}
		}
	}

	milestones := e.buildMilestones(medication, categoryRules)

	var tasks []monitoring.MonitoringTask
	for _, m := range milestones {
		tasks = append(tasks, e.milestoneTasks(medication, patient, m, existingEvents, ecgRequired)...)
	}

	tasks = e.evaluator.ApplyClozapineFBCSchedule(tasks, medication, e.horizonYears)
	tasks = e.evaluator.ApplyHDATExtraRules(tasks, medication)

	tasks = dedupe(tasks)

	if medication.StopDate != nil {
		bounded := tasks[:0]
		for _, task := range tasks {
			if !task.DueDate.After(*medication.StopDate) {
				bounded = append(bounded, task)
			}
		}
		tasks = bounded
	}

	sort.SliceStable(tasks, func(i, j int) bool {
		if !tasks[i].DueDate.Equal(tasks[j].DueDate) {
			return tasks[i].DueDate.Before(tasks[j].DueDate)
		}
		return tasks[i].TestType < tasks[j].TestType
	})

	e.logger.V(1).Info("Calculated monitoring schedule",
		"medication_order_id", medication.ID,
		"category", category,
		"task_count", len(tasks),
	)
	return tasks, nil
}

// determineCategory resolves the effective category: the HDAT flag or a
// declared HDAT category wins, then special-group drug names upgrade the
// declared category, otherwise the declaration stands.
func (e *Engine) determineCategory(medication *monitoring.MedicationOrder) monitoring.DrugCategory {
	if medication.Flags.IsHDAT || medication.DrugCategory == monitoring.CategoryHDAT {
		return monitoring.CategoryHDAT
	}
	drugLower := strings.ToLower(medication.DrugName)
	if _, ok := specialGroupDrugs[drugLower]; ok {
		return monitoring.CategorySpecialGroup
	}
	if medication.DrugCategory == monitoring.CategorySpecialGroup {
		return monitoring.CategorySpecialGroup
	}
	return monitoring.CategoryStandard
}

func (e *Engine) buildMilestones(medication *monitoring.MedicationOrder, categoryRules *ruleset.CategoryRules) []milestone {
	start := medication.StartDate
	drugLower := strings.ToLower(medication.DrugName)
	var milestones []milestone

	if len(categoryRules.Baseline) > 0 {
		milestones = append(milestones, milestone{
			name:    "baseline",
			dueDate: start,
			tests:   append([]string(nil), categoryRules.Baseline...),
		})
	}

	if weekly := categoryRules.Weekly; weekly != nil {
		for i := 0; i < weekly.Count; i++ {
			milestones = append(milestones, milestone{
				name:    fmt.Sprintf("week-%d", i+1),
				dueDate: start.AddWeeks((i + 1) * weekly.IntervalWeeks),
				tests:   append([]string(nil), weekly.Tests...),
			})
		}
	}

	for _, rule := range categoryRules.Milestones {
		tests := append([]string(nil), rule.Tests...)
		if exception, ok := rule.Exceptions[drugLower]; ok {
			for _, remove := range exception.RemoveTests {
				tests = removeTest(tests, remove)
			}
		}
		milestones = append(milestones, milestone{
			name:    fmt.Sprintf("month-%d", rule.Months),
			dueDate: AddMonths(start, rule.Months),
			tests:   tests,
		})
	}

	if annual := categoryRules.Annual; annual != nil {
		for year := 2; year <= e.horizonYears; year++ {
			milestones = append(milestones, milestone{
				name:    fmt.Sprintf("annual-year-%d", year),
				dueDate: AddMonths(start, 12*year),
				tests:   append([]string(nil), annual.Tests...),
			})
		}
	}

	milestones = append(milestones, e.recurring(start, "glucose", categoryRules.Every46Months, 16, 5)...)
	milestones = append(milestones, e.recurring(start, "quarter", categoryRules.Every3Months, 15, 3)...)
	milestones = append(milestones, e.recurring(start, "semiannual", categoryRules.Every6Months, 18, 6)...)

	return milestones
}

// recurring expands a cadence block from its first month offset through
// the horizon.
func (e *Engine) recurring(start monitoring.Date, name string, block *ruleset.TestsBlock, firstMonths, stepMonths int) []milestone {
	if block == nil {
		return nil
	}
	var out []milestone
	for current := firstMonths; current <= e.horizonYears*12; current += stepMonths {
		out = append(out, milestone{
			name:    fmt.Sprintf("%s-%dmo", name, current),
			dueDate: AddMonths(start, current),
			tests:   append([]string(nil), block.Tests...),
		})
	}
	return out
}

func (e *Engine) milestoneTasks(
	medication *monitoring.MedicationOrder,
	patient *monitoring.Patient,
	m milestone,
	existingEvents []monitoring.MonitoringEvent,
	ecgRequired bool,
) []monitoring.MonitoringTask {
	today := monitoring.DateOf(e.Now())
	var tasks []monitoring.MonitoringTask
	for _, testType := range m.tests {
		if testType == "ECG_if_indicated" {
			if !ecgRequired {
				continue
			}
			testType = "ECG"
		}

		task := monitoring.MonitoringTask{
			PatientID:         patient.ID,
			MedicationOrderID: medication.ID,
			TestType:          testType,
			DueDate:           m.dueDate,
		}

		if event := matchEvent(patient.ID, testType, m.dueDate, e.windowDays, existingEvents); event != nil {
			task.Status = monitoring.TaskDone
			completedAt := event.PerformedDate.Time() // UTC midnight
			task.CompletedAt = &completedAt
		} else if m.dueDate.Before(today) {
			task.Status = monitoring.TaskOverdue
		} else {
			task.Status = monitoring.TaskDue
		}
		tasks = append(tasks, task)
	}
	return tasks
}

// matchEvent finds an observed event satisfying a prospective task: same
// patient, matching test type, performed within the symmetric window
// around the due date.
func matchEvent(
	patientID uuid.UUID,
	testType string,
	dueDate monitoring.Date,
	windowDays int,
	events []monitoring.MonitoringEvent,
) *monitoring.MonitoringEvent {
	windowStart := dueDate.AddDays(-windowDays)
	windowEnd := dueDate.AddDays(windowDays)
	for i := range events {
		event := &events[i]
		if event.PatientID != patientID {
			continue
		}
		if !monitoring.MatchesTestType(testType, event.TestType) {
			continue
		}
		if event.PerformedDate.Before(windowStart) || event.PerformedDate.After(windowEnd) {
			continue
		}
		return event
	}
	return nil
}

func dedupe(tasks []monitoring.MonitoringTask) []monitoring.MonitoringTask {
	type key struct {
		testType string
		dueDate  string
		medID    uuid.UUID
	}
	seen := make(map[key]struct{}, len(tasks))
	out := tasks[:0]
	for _, task := range tasks {
		k := key{task.TestType, task.DueDate.String(), task.MedicationOrderID}
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, task)
	}
	return out
}

func removeTest(tests []string, remove string) []string {
	out := tests[:0]
	for _, t := range tests {
		if t != remove {
			out = append(out, t)
		}
	}
	return out
}
