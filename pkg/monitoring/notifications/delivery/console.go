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

package delivery

import (
	"context"
	"fmt"
	"io"

	"github.com/go-logr/logr"

	"github.com/medtrack/psymon/pkg/monitoring"
)

// ConsoleChannel writes notifications to a writer, for development and
// demo runs.
type ConsoleChannel struct {
	out io.Writer
}

// NewConsoleChannel constructs a console channel writing to out.
func NewConsoleChannel(out io.Writer) *ConsoleChannel {
	return &ConsoleChannel{out: out}
}

func (c *ConsoleChannel) Name() string { return "console" }

func (c *ConsoleChannel) Send(_ context.Context, n *monitoring.InAppNotification) error {
	_, err := fmt.Fprintf(c.out, "[%s/%s] %s — %s\n", n.Priority, n.Type, n.Title, n.Message)
	return err
}

// LogChannel emits notifications as structured log lines; the default
// production side channel.
type LogChannel struct {
	logger logr.Logger
}

// NewLogChannel constructs a log channel.
func NewLogChannel(logger logr.Logger) *LogChannel {
	return &LogChannel{logger: logger}
}

func (l *LogChannel) Name() string { return "log" }

func (l *LogChannel) Send(_ context.Context, n *monitoring.InAppNotification) error {
	l.logger.Info("Notification created",
		"notification_id", n.ID,
		"type", n.Type,
		"priority", n.Priority,
		"recipient_type", n.RecipientType,
		"recipient_id", n.RecipientID,
		"title", n.Title,
	)
	return nil
}
