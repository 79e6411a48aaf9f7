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

// Package delivery fans persisted notifications out to external channels.
//
// Delivery is strictly best-effort: the in-app notification row is the
// source of truth, channels are side effects. A failing channel is
// logged and skipped, never surfaced to the caller.
package delivery

import (
	"context"
	"sync"

	"github.com/go-logr/logr"

	"github.com/medtrack/psymon/pkg/monitoring"
)

// Channel delivers one notification to an external surface.
type Channel interface {
	// Name identifies the channel in logs and registration.
	Name() string
	// Send delivers the notification. Errors are logged by the registry.
	Send(ctx context.Context, n *monitoring.InAppNotification) error
}

// Registry holds the registered channels and fans deliveries out to all
// of them.
type Registry struct {
	mu       sync.RWMutex
	channels []Channel
	logger   logr.Logger
}

// NewRegistry constructs an empty channel registry.
func NewRegistry(logger logr.Logger) *Registry {
	return &Registry{logger: logger}
}

// Register adds a channel. Registration order is delivery order.
func (r *Registry) Register(ch Channel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.channels = append(r.channels, ch)
	r.logger.Info("Registered notification delivery channel", "channel", ch.Name())
}

// Deliver sends the notification through every registered channel.
// Failures are logged per channel and do not stop the fan-out.
func (r *Registry) Deliver(ctx context.Context, n *monitoring.InAppNotification) {
	r.mu.RLock()
	channels := make([]Channel, len(r.channels))
	copy(channels, r.channels)
	r.mu.RUnlock()

	for _, ch := range channels {
		if err := ch.Send(ctx, n); err != nil {
			r.logger.Error(err, "Notification delivery failed",
				"channel", ch.Name(),
				"notification_id", n.ID,
				"type", n.Type,
			)
		}
	}
}
