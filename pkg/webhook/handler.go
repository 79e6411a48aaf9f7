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

package webhook

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-logr/logr"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/medtrack/psymon/pkg/metrics"
	"github.com/medtrack/psymon/pkg/monitoring"
	"github.com/medtrack/psymon/pkg/monitoring/tasks"
	"github.com/medtrack/psymon/pkg/shared/errkind"
)

const maxBodyBytes = 1 << 20

// PatientStore resolves and registers patients during ingestion.
type PatientStore interface {
	Upsert(ctx context.Context, p *monitoring.Patient) error
}

// MedicationStore persists ingested medication orders.
type MedicationStore interface {
	UpsertBySource(ctx context.Context, m *monitoring.MedicationOrder) error
}

// Processor is the orchestration surface ingestion hands off to.
type Processor interface {
	OnMedicationOrder(ctx context.Context, medication *monitoring.MedicationOrder, actor string) (*tasks.ReconcileResult, error)
	OnMonitoringEvent(ctx context.Context, event *monitoring.MonitoringEvent, actor string) error
}

// Handler serves the webhook ingestion endpoints.
type Handler struct {
	security         *Security
	patients         PatientStore
	medications      MedicationStore
	processor        Processor
	metrics          metrics.Recorder
	validate         *validator.Validate
	allowIdentifiers bool
	logger           logr.Logger
}

// NewHandler constructs the ingestion handler. With allowIdentifiers
// unset, payloads carrying identifier-like values are rejected.
func NewHandler(security *Security, patients PatientStore, medications MedicationStore, processor Processor, recorder metrics.Recorder, allowIdentifiers bool, logger logr.Logger) *Handler {
	if recorder == nil {
		recorder = metrics.NopRecorder{}
	}
	return &Handler{
		security:         security,
		patients:         patients,
		medications:      medications,
		processor:        processor,
		metrics:          recorder,
		validate:         validator.New(),
		allowIdentifiers: allowIdentifiers,
		logger:           logger,
	}
}

// Mount registers the ingestion routes.
func (h *Handler) Mount(router chi.Router) {
	router.Post("/webhooks/medication-orders", h.handleMedicationOrder)
	router.Post("/webhooks/monitoring-events", h.handleMonitoringEvent)
}

// medicationOrderPayload is the wire format for order deliveries.
type medicationOrderPayload struct {
	Patient struct {
		Pseudonym string `json:"pseudonym" validate:"required"`
		Sex       string `json:"sex"`
		AgeBand   string `json:"age_band"`
		Ethnicity string `json:"ethnicity"`
		Service   string `json:"service"`
	} `json:"patient" validate:"required"`
	DrugName     string                     `json:"drug_name" validate:"required"`
	DrugCategory monitoring.DrugCategory    `json:"drug_category" validate:"required,oneof=STANDARD SPECIAL_GROUP HDAT"`
	StartDate    monitoring.Date            `json:"start_date" validate:"required"`
	StopDate     *monitoring.Date           `json:"stop_date,omitempty"`
	Dose         string                     `json:"dose"`
	Route        string                     `json:"route"`
	Frequency    string                     `json:"frequency"`
	Flags        monitoring.MedicationFlags `json:"flags"`
	SourceSystem string                     `json:"source_system" validate:"required"`
	SourceID     string                     `json:"source_id" validate:"required"`
}

// monitoringEventPayload is the wire format for result deliveries.
type monitoringEventPayload struct {
	Pseudonym      string          `json:"pseudonym" validate:"required"`
	TestType       string          `json:"test_type" validate:"required"`
	PerformedDate  monitoring.Date `json:"performed_date" validate:"required"`
	Value          string          `json:"value"`
	Unit           string          `json:"unit"`
	Interpretation string          `json:"interpretation"`
	AttachmentURL  string          `json:"attachment_url"`
	SourceSystem   string          `json:"source_system" validate:"required"`
	SourceID       string          `json:"source_id"`
	RecordedBy     string          `json:"recorded_by"`
}

func (h *Handler) handleMedicationOrder(w http.ResponseWriter, r *http.Request) {
	body, duplicate, ok := h.gate(w, r)
	if !ok {
		return
	}
	if duplicate {
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "duplicate"})
		return
	}

	var payload medicationOrderPayload
	if !h.decode(w, body, &payload) {
		return
	}

	patient := monitoring.Patient{
		Pseudonym: payload.Patient.Pseudonym,
		Sex:       payload.Patient.Sex,
		AgeBand:   payload.Patient.AgeBand,
		Ethnicity: payload.Patient.Ethnicity,
		Service:   payload.Patient.Service,
	}
	if err := h.patients.Upsert(r.Context(), &patient); err != nil {
		h.fail(w, err)
		return
	}

	order := monitoring.MedicationOrder{
		ID:           uuid.New(),
		PatientID:    patient.ID,
		DrugName:     payload.DrugName,
		DrugCategory: payload.DrugCategory,
		StartDate:    payload.StartDate,
		StopDate:     payload.StopDate,
		Dose:         payload.Dose,
		Route:        payload.Route,
		Frequency:    payload.Frequency,
		Flags:        payload.Flags,
		SourceSystem: payload.SourceSystem,
		SourceID:     payload.SourceID,
	}
	if err := h.medications.UpsertBySource(r.Context(), &order); err != nil {
		h.fail(w, err)
		return
	}

	actor := "webhook:" + payload.SourceSystem
	result, err := h.processor.OnMedicationOrder(r.Context(), &order, actor)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"medication_order_id": order.ID,
		"tasks_created":       len(result.Created),
		"tasks_updated":       len(result.Updated),
	})
}

func (h *Handler) handleMonitoringEvent(w http.ResponseWriter, r *http.Request) {
	body, duplicate, ok := h.gate(w, r)
	if !ok {
		return
	}
	if duplicate {
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "duplicate"})
		return
	}

	var payload monitoringEventPayload
	if !h.decode(w, body, &payload) {
		return
	}

	patient := monitoring.Patient{Pseudonym: payload.Pseudonym}
	if err := h.patients.Upsert(r.Context(), &patient); err != nil {
		h.fail(w, err)
		return
	}

	event := monitoring.MonitoringEvent{
		ID:             uuid.New(),
		PatientID:      patient.ID,
		TestType:       payload.TestType,
		PerformedDate:  payload.PerformedDate,
		Value:          payload.Value,
		Unit:           payload.Unit,
		Interpretation: payload.Interpretation,
		AttachmentURL:  payload.AttachmentURL,
		SourceSystem:   payload.SourceSystem,
		SourceID:       payload.SourceID,
		RecordedBy:     payload.RecordedBy,
	}
	actor := "webhook:" + payload.SourceSystem
	if err := h.processor.OnMonitoringEvent(r.Context(), &event, actor); err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{"event_id": event.ID})
}

// gate runs the security chain and reports the outcome; on failure the
// response has already been written.
func (h *Handler) gate(w http.ResponseWriter, r *http.Request) (body []byte, duplicate, ok bool) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, "unreadable body", http.StatusBadRequest)
		return nil, false, false
	}

	timestamp, _ := strconv.ParseInt(r.Header.Get(HeaderTimestamp), 10, 64)
	duplicate, err = h.security.ValidateRequest(r.Context(), body, RequestMeta{
		Signature:      r.Header.Get(HeaderSignature),
		Timestamp:      timestamp,
		Nonce:          r.Header.Get(HeaderNonce),
		SourceSystem:   r.Header.Get(HeaderSourceSystem),
		IdempotencyKey: r.Header.Get(HeaderIdempotencyKey),
	})
	if err != nil {
		h.metrics.RecordWebhookRejected(string(errkind.KindOf(err)))
		h.fail(w, err)
		return nil, false, false
	}
	return body, duplicate, true
}

func (h *Handler) decode(w http.ResponseWriter, body []byte, payload interface{}) bool {
	if err := json.Unmarshal(body, payload); err != nil {
		h.fail(w, errkind.Wrap(errkind.Validation, err, "malformed payload"))
		return false
	}
	if err := h.validate.Struct(payload); err != nil {
		h.fail(w, errkind.Wrap(errkind.Validation, err, "invalid payload"))
		return false
	}
	if !h.allowIdentifiers {
		var raw interface{}
		if err := json.Unmarshal(body, &raw); err == nil {
			if found := ScanForIdentifiers(raw); len(found) > 0 {
				h.metrics.RecordWebhookRejected(string(errkind.Validation))
				h.fail(w, errkind.New(errkind.Validation, "identifier-like values rejected: %s", describeMatches(found)))
				return false
			}
		}
	}
	return true
}

func describeMatches(matches []IdentifierMatch) string {
	parts := make([]string, len(matches))
	for i, m := range matches {
		parts[i] = m.Path + " (" + m.Pattern + ")"
	}
	return strings.Join(parts, ", ")
}

func (h *Handler) fail(w http.ResponseWriter, err error) {
	status := statusFor(errkind.KindOf(err))
	if status >= 500 {
		h.logger.Error(err, "Webhook request failed")
	} else {
		h.logger.V(1).Info("Webhook request rejected", "reason", err.Error())
	}
	writeJSON(w, status, map[string]string{"error": err.Error(), "kind": string(errkind.KindOf(err))})
}

func statusFor(kind errkind.Kind) int {
	switch kind {
	case errkind.Validation:
		return http.StatusBadRequest
	case errkind.NotFound:
		return http.StatusNotFound
	case errkind.Conflict:
		return http.StatusConflict
	case errkind.DependencyUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
