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

// Package monitoring defines the domain model for physical-health
// monitoring of patients on antipsychotic medication: patients and their
// risk flags, medication orders, derived monitoring tasks, observed
// monitoring events, reference thresholds and in-app notifications.
//
// Business Requirements:
// - BR-MON-001: Rule-driven monitoring calendar per medication order
// - BR-MON-020: Event-to-task reconciliation within symmetric windows
// - BR-MON-040: Threshold classification of observed values
// - BR-MON-060: Deduplicated alerting on overdue and abnormal conditions
package monitoring

import (
	"time"

	"github.com/google/uuid"
)

// DrugCategory groups antipsychotics by monitoring regime.
type DrugCategory string

const (
	// CategoryStandard covers most antipsychotics.
	CategoryStandard DrugCategory = "STANDARD"
	// CategorySpecialGroup covers chlorpromazine, clozapine and olanzapine.
	CategorySpecialGroup DrugCategory = "SPECIAL_GROUP"
	// CategoryHDAT is high-dose antipsychotic therapy.
	CategoryHDAT DrugCategory = "HDAT"
)

// TaskStatus is the lifecycle state of a monitoring task.
type TaskStatus string

const (
	TaskDue     TaskStatus = "DUE"
	TaskOverdue TaskStatus = "OVERDUE"
	TaskDone    TaskStatus = "DONE"
	TaskWaived  TaskStatus = "WAIVED"
	// TaskOngoing marks open-ended vigilance (e.g. hydration); it has no
	// due-date semantics beyond sort order and never transitions
	// automatically.
	TaskOngoing TaskStatus = "ONGOING"
)

// AbnormalFlag classifies an event value against reference thresholds.
type AbnormalFlag string

const (
	FlagNormal          AbnormalFlag = "NORMAL"
	FlagOutsideWarning  AbnormalFlag = "OUTSIDE_WARNING"
	FlagOutsideCritical AbnormalFlag = "OUTSIDE_CRITICAL"
	FlagUnknown         AbnormalFlag = "UNKNOWN"
)

// ReviewStatus tracks clinician review of an abnormal event. Empty means
// no review is required.
type ReviewStatus string

const (
	ReviewNone    ReviewStatus = ""
	ReviewPending ReviewStatus = "PENDING_REVIEW"
	ReviewDone    ReviewStatus = "REVIEWED"
)

// Patient is identified solely by pseudonym; identifying fields never
// reach the core.
type Patient struct {
	ID        uuid.UUID `json:"id" db:"id"`
	Pseudonym string    `json:"pseudonym" db:"pseudonym"`
	Sex       string    `json:"sex,omitempty" db:"sex"`
	AgeBand   string    `json:"age_band,omitempty" db:"age_band"`
	Ethnicity string    `json:"ethnicity,omitempty" db:"ethnicity"`
	Service   string    `json:"service,omitempty" db:"service"`

	// RiskFlags is loaded on demand; nil means no flags recorded.
	RiskFlags *RiskFlags `json:"risk_flags,omitempty" db:"-"`
}

// RiskFlags carries attested cardiovascular risk indicators used by the
// ECG indication rule.
type RiskFlags struct {
	PatientID          uuid.UUID  `json:"patient_id" db:"patient_id"`
	ECGIndicated       bool       `json:"ecg_indicated" db:"ecg_indicated"`
	CVRiskPresent      bool       `json:"cv_risk_present" db:"cv_risk_present"`
	FamilyHistoryCVD   bool       `json:"family_history_cvd" db:"family_history_cvd"`
	InpatientAdmission bool       `json:"inpatient_admission" db:"inpatient_admission"`
	AttestedBy         string     `json:"attested_by,omitempty" db:"attested_by"`
	AttestedAt         *time.Time `json:"attested_at,omitempty" db:"attested_at"`
}

// Any reports whether any risk indicator is set.
func (f *RiskFlags) Any() bool {
	if f == nil {
		return false
	}
	return f.ECGIndicated || f.CVRiskPresent || f.FamilyHistoryCVD || f.InpatientAdmission
}

// MedicationFlags carries per-order drug flags from ingestion.
type MedicationFlags struct {
	IsClozapine      bool `json:"is_clozapine,omitempty"`
	IsOlanzapine     bool `json:"is_olanzapine,omitempty"`
	IsChlorpromazine bool `json:"is_chlorpromazine,omitempty"`
	IsHDAT           bool `json:"is_hdat,omitempty"`
}

// MedicationOrder is a prescription that owns its derived tasks.
//
// Invariant: StartDate <= StopDate when both are present.
type MedicationOrder struct {
	ID           uuid.UUID       `json:"id" db:"id"`
	PatientID    uuid.UUID       `json:"patient_id" db:"patient_id"`
	DrugName     string          `json:"drug_name" db:"drug_name"`
	DrugCategory DrugCategory    `json:"drug_category" db:"drug_category"`
	StartDate    Date            `json:"start_date" db:"start_date"`
	StopDate     *Date           `json:"stop_date,omitempty" db:"stop_date"`
	Dose         string          `json:"dose,omitempty" db:"dose"`
	Route        string          `json:"route,omitempty" db:"route"`
	Frequency    string          `json:"frequency,omitempty" db:"frequency"`
	Flags        MedicationFlags `json:"flags" db:"-"`
	SourceSystem string          `json:"source_system,omitempty" db:"source_system"`
	SourceID     string          `json:"source_id,omitempty" db:"source_id"`
}

// MonitoringTask is a derived obligation owned by exactly one medication
// order. Reconciliation identity is (patient, medication, test type,
// due date within the matching window).
type MonitoringTask struct {
	ID                uuid.UUID  `json:"id" db:"id"`
	PatientID         uuid.UUID  `json:"patient_id" db:"patient_id"`
	MedicationOrderID uuid.UUID  `json:"medication_order_id" db:"medication_order_id"`
	TestType          string     `json:"test_type" db:"test_type"`
	DueDate           Date       `json:"due_date" db:"due_date"`
	Status            TaskStatus `json:"status" db:"status"`
	AssignedTo        string     `json:"assigned_to,omitempty" db:"assigned_to"`
	CompletedAt       *time.Time `json:"completed_at,omitempty" db:"completed_at"`
	WaivedReason      string     `json:"waived_reason,omitempty" db:"waived_reason"`
	WaivedUntil       *Date      `json:"waived_until,omitempty" db:"waived_until"`
}

// IsTerminal reports whether the task is in a state reconcile must never
// overwrite.
func (t *MonitoringTask) IsTerminal() bool {
	return t.Status == TaskDone || t.Status == TaskWaived
}

// WorklistItem is one row of the clinical worklist: a task joined with
// its owning medication order and patient.
type WorklistItem struct {
	TaskID       uuid.UUID    `json:"task_id" db:"task_id"`
	PatientID    uuid.UUID    `json:"patient_id" db:"patient_id"`
	Pseudonym    string       `json:"patient" db:"pseudonym"`
	DrugName     string       `json:"drug_name" db:"drug_name"`
	DrugCategory DrugCategory `json:"drug_category" db:"drug_category"`
	StartDate    Date         `json:"start_date" db:"start_date"`
	IsHDAT       bool         `json:"hdat" db:"is_hdat"`
	TestType     string       `json:"test_type" db:"test_type"`
	DueDate      Date         `json:"due_date" db:"due_date"`
	AssignedTo   string       `json:"assigned_to,omitempty" db:"assigned_to"`
	Status       TaskStatus   `json:"status" db:"status"`
}

// WorklistFilter narrows the worklist; zero values leave the dimension
// unfiltered.
type WorklistFilter struct {
	Status       TaskStatus
	DrugCategory DrugCategory
}

// MonitoringEvent is an observed test result. Medication linkage is soft;
// events are patient-scoped.
type MonitoringEvent struct {
	ID                 uuid.UUID    `json:"id" db:"id"`
	PatientID          uuid.UUID    `json:"patient_id" db:"patient_id"`
	MedicationOrderID  *uuid.UUID   `json:"medication_order_id,omitempty" db:"medication_order_id"`
	TestType           string       `json:"test_type" db:"test_type"`
	PerformedDate      Date         `json:"performed_date" db:"performed_date"`
	Value              string       `json:"value,omitempty" db:"value"`
	Unit               string       `json:"unit,omitempty" db:"unit"`
	Interpretation     string       `json:"interpretation,omitempty" db:"interpretation"`
	AttachmentURL      string       `json:"attachment_url,omitempty" db:"attachment_url"`
	SourceSystem       string       `json:"source_system" db:"source_system"`
	SourceID           string       `json:"source_id,omitempty" db:"source_id"`
	RecordedBy         string       `json:"recorded_by,omitempty" db:"recorded_by"`
	AbnormalFlag       AbnormalFlag `json:"abnormal_flag" db:"abnormal_flag"`
	AbnormalReasonCode string       `json:"abnormal_reason_code,omitempty" db:"abnormal_reason_code"`
	ReviewedStatus     ReviewStatus `json:"reviewed_status,omitempty" db:"reviewed_status"`
	ReviewedBy         string       `json:"reviewed_by,omitempty" db:"reviewed_by"`
	ReviewedAt         *time.Time   `json:"reviewed_at,omitempty" db:"reviewed_at"`
}

// ComparatorType selects the threshold comparison strategy.
type ComparatorType string

const (
	ComparatorNumeric ComparatorType = "numeric"
	ComparatorCoded   ComparatorType = "coded"
)

// ReferenceThreshold is an operator-configured classification rule.
//
// Invariant: low_critical <= low_warning <= high_warning <= high_critical
// for the bounds that are present.
type ReferenceThreshold struct {
	ID             uuid.UUID      `json:"id" db:"id"`
	MonitoringType string         `json:"monitoring_type" db:"monitoring_type"`
	Unit           string         `json:"unit" db:"unit"`
	ComparatorType ComparatorType `json:"comparator_type" db:"comparator_type"`

	// Scoping facets; empty means "applies to everyone".
	Sex               string `json:"sex,omitempty" db:"sex"`
	AgeBand           string `json:"age_band,omitempty" db:"age_band"`
	SourceSystemScope string `json:"source_system_scope,omitempty" db:"source_system_scope"`

	LowCritical  *float64 `json:"low_critical,omitempty" db:"low_critical"`
	LowWarning   *float64 `json:"low_warning,omitempty" db:"low_warning"`
	HighWarning  *float64 `json:"high_warning,omitempty" db:"high_warning"`
	HighCritical *float64 `json:"high_critical,omitempty" db:"high_critical"`

	CodedAbnormalValues []string `json:"coded_abnormal_values,omitempty" db:"-"`

	Enabled   bool   `json:"enabled" db:"enabled"`
	Version   string `json:"version,omitempty" db:"version"`
	UpdatedBy string `json:"updated_by,omitempty" db:"updated_by"`
}

// HasBounds reports whether at least one numeric bound is defined.
func (t *ReferenceThreshold) HasBounds() bool {
	return t.LowCritical != nil || t.LowWarning != nil || t.HighWarning != nil || t.HighCritical != nil
}

// RecipientType addresses a notification to a user or a team inbox.
type RecipientType string

const (
	RecipientUser RecipientType = "USER"
	RecipientTeam RecipientType = "TEAM"
)

// NotificationType identifies the alert condition.
type NotificationType string

const (
	NotifyTaskOverdue   NotificationType = "TASK_OVERDUE"
	NotifyTaskEscalated NotificationType = "TASK_ESCALATED"
	NotifyEventWarning  NotificationType = "EVENT_WARNING"
	NotifyEventCritical NotificationType = "EVENT_CRITICAL"
)

// NotificationPriority orders notifications for display.
type NotificationPriority string

const (
	PriorityInfo     NotificationPriority = "INFO"
	PriorityWarning  NotificationPriority = "WARNING"
	PriorityCritical NotificationPriority = "CRITICAL"
)

// NotificationStatus is the read/acknowledge lifecycle.
type NotificationStatus string

const (
	NotificationUnread NotificationStatus = "UNREAD"
	NotificationRead   NotificationStatus = "READ"
	NotificationAcked  NotificationStatus = "ACKED"
)

// InAppNotification is a persisted, deduplicated alert. DedupeKey is
// globally unique; concurrent creation attempts resolve to one winner.
type InAppNotification struct {
	ID            uuid.UUID            `json:"id" db:"id"`
	RecipientType RecipientType        `json:"recipient_type" db:"recipient_type"`
	RecipientID   string               `json:"recipient_id" db:"recipient_id"`
	Type          NotificationType     `json:"notification_type" db:"notification_type"`
	Priority      NotificationPriority `json:"priority" db:"priority"`
	Status        NotificationStatus   `json:"status" db:"status"`

	Title   string                 `json:"title" db:"title"`
	Message string                 `json:"message,omitempty" db:"message"`
	Payload map[string]interface{} `json:"payload,omitempty" db:"-"`

	PatientID *uuid.UUID `json:"patient_id,omitempty" db:"patient_id"`
	TaskID    *uuid.UUID `json:"task_id,omitempty" db:"task_id"`
	EventID   *uuid.UUID `json:"event_id,omitempty" db:"event_id"`

	DedupeKey string     `json:"dedupe_key" db:"dedupe_key"`
	CreatedAt time.Time  `json:"created_at" db:"created_at"`
	ViewedAt  *time.Time `json:"viewed_at,omitempty" db:"viewed_at"`
	AckedAt   *time.Time `json:"acked_at,omitempty" db:"acked_at"`
}

// TrackedPatient counts on-demand EPR fetches for a patient.
type TrackedPatient struct {
	PatientID     uuid.UUID  `json:"patient_id" db:"patient_id"`
	FetchCount    int        `json:"fetch_count" db:"fetch_count"`
	LastFetchedAt *time.Time `json:"last_fetched_at,omitempty" db:"last_fetched_at"`
}
