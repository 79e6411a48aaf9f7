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

// Package audit provides the shared audit event type and the buffered
// fire-and-forget store every engine records through.
//
// Audit writes must never block or fail a clinical operation: events are
// buffered and flushed in batches by a background worker, and a full
// buffer drops the event with a counter rather than stalling the caller.
package audit

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Action is the audited operation on an entity.
type Action string

const (
	ActionCreate              Action = "CREATE"
	ActionUpdate              Action = "UPDATE"
	ActionWaive               Action = "WAIVE"
	ActionNotificationCreated Action = "NOTIFICATION_CREATED"
	ActionNotificationViewed  Action = "NOTIFICATION_VIEWED"
	ActionNotificationAcked   Action = "NOTIFICATION_ACKED"
	ActionIngest              Action = "INGEST"
	ActionExport              Action = "EXPORT"
)

// Event is a single audit record.
type Event struct {
	EventID        uuid.UUID              `json:"event_id" db:"event_id"`
	EventTimestamp time.Time              `json:"event_timestamp" db:"event_timestamp"`
	Actor          string                 `json:"actor" db:"actor"`
	Action         Action                 `json:"action" db:"action"`
	EntityType     string                 `json:"entity_type" db:"entity_type"`
	EntityID       string                 `json:"entity_id" db:"entity_id"`
	Details        map[string]interface{} `json:"details,omitempty" db:"-"`
}

// NewEvent creates an audit event with id and UTC timestamp populated.
func NewEvent(actor string, action Action, entityType, entityID string, details map[string]interface{}) *Event {
	return &Event{
		EventID:        uuid.New(),
		EventTimestamp: time.Now().UTC(),
		Actor:          actor,
		Action:         action,
		EntityType:     entityType,
		EntityID:       entityID,
		Details:        details,
	}
}

// Validate checks required fields.
func (e *Event) Validate() error {
	if e.Actor == "" {
		return fmt.Errorf("actor is required")
	}
	if e.Action == "" {
		return fmt.Errorf("action is required")
	}
	if e.EntityType == "" {
		return fmt.Errorf("entity_type is required")
	}
	if e.EntityID == "" {
		return fmt.Errorf("entity_id is required")
	}
	return nil
}
