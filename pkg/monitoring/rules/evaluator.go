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

// Package rules implements the per-drug special cases applied after
// generic ruleset expansion: ECG indication, the clozapine FBC schedule
// override, and the HDAT hydration add-on.
//
// These are a small, closed family of transformations; new category
// behavior belongs in the ruleset document, not here.
//
// Business Requirements:
// - BR-MON-010: ECG required for SPC-listed drugs or flagged CV risk
// - BR-MON-011: Clozapine FBC cadence replaces the generic FBC calendar
// - BR-MON-012: HDAT orders carry an open-ended hydration vigilance task
package rules

import (
	"strings"
	"time"

	"github.com/medtrack/psymon/pkg/monitoring"
)

// ecgRequiredDrugs lists drugs whose SPC mandates a pre-treatment ECG.
var ecgRequiredDrugs = map[string]struct{}{
	"haloperidol": {},
	"pimozide":    {},
	"sertindole":  {},
}

// Evaluator applies drug-specific scheduling rules.
type Evaluator struct {
	// Now supplies the current instant; tests pin it.
	Now func() time.Time
}

// NewEvaluator returns an evaluator on the real clock.
func NewEvaluator() *Evaluator {
	return &Evaluator{Now: time.Now}
}

func (e *Evaluator) today() monitoring.Date {
	return monitoring.DateOf(e.Now())
}

// ShouldRequireECG reports whether ECG monitoring is indicated for this
// medication and patient. True when the drug is SPC-listed or the patient
// carries any attested risk flag.
func (e *Evaluator) ShouldRequireECG(medication *monitoring.MedicationOrder, patient *monitoring.Patient) bool {
	drugLower := strings.ToLower(medication.DrugName)
	if _, ok := ecgRequiredDrugs[drugLower]; ok {
		return true
	}
	return patient.RiskFlags.Any()
}

// ApplyClozapineFBCSchedule replaces every FBC task in the calculated
// calendar with the explicit clozapine schedule: weekly for weeks 1-18,
// two-weekly for 17 occurrences from week 20, then four-weekly from week
// 52 through the horizon. Non-clozapine orders pass through untouched.
func (e *Evaluator) ApplyClozapineFBCSchedule(tasks []monitoring.MonitoringTask, medication *monitoring.MedicationOrder, horizonYears int) []monitoring.MonitoringTask {
	if !medication.Flags.IsClozapine && strings.ToLower(medication.DrugName) != "clozapine" {
		return tasks
	}

	out := make([]monitoring.MonitoringTask, 0, len(tasks))
	for _, task := range tasks {
		if task.TestType != "FBC" {
			out = append(out, task)
		}
	}

	addFBC := func(dueDate monitoring.Date) {
		status := monitoring.TaskDue
		if dueDate.Before(e.today()) {
			status = monitoring.TaskOverdue
		}
		out = append(out, monitoring.MonitoringTask{
			PatientID:         medication.PatientID,
			MedicationOrderID: medication.ID,
			TestType:          "FBC",
			DueDate:           dueDate,
			Status:            status,
		})
	}

	start := medication.StartDate

	// Weekly x18 (weeks 1-18).
	for week := 1; week <= 18; week++ {
		addFBC(start.AddWeeks(week))
	}

	// Two-weekly x17, starting at week 20.
	for i := 0; i < 17; i++ {
		addFBC(start.AddWeeks(20 + 2*i))
	}

	// Four-weekly from week 52 through the horizon. The week-52 entry
	// duplicates the final two-weekly occurrence; calendar dedup keeps one.
	endWeeks := horizonYears * 52
	for current := 52; current <= endWeeks; current += 4 {
		addFBC(start.AddWeeks(current))
	}

	return out
}

// ApplyHDATExtraRules appends the open-ended hydration vigilance task for
// high-dose therapy. The task sorts at the start date and stays ONGOING.
func (e *Evaluator) ApplyHDATExtraRules(tasks []monitoring.MonitoringTask, medication *monitoring.MedicationOrder) []monitoring.MonitoringTask {
	if !medication.Flags.IsHDAT && medication.DrugCategory != monitoring.CategoryHDAT {
		return tasks
	}
	return append(tasks, monitoring.MonitoringTask{
		PatientID:         medication.PatientID,
		MedicationOrderID: medication.ID,
		TestType:          "Hydration vigilance",
		DueDate:           medication.StartDate,
		Status:            monitoring.TaskOngoing,
	})
}
