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
	"time"

	"github.com/go-logr/logr"
	"github.com/slack-go/slack"
	"github.com/sony/gobreaker"

	"github.com/medtrack/psymon/pkg/monitoring"
)

// slackPoster is the slice of the Slack client the channel uses.
type slackPoster interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
}

// SlackChannel posts notifications to a Slack channel behind a circuit
// breaker, so a Slack outage cannot slow the sweep down.
type SlackChannel struct {
	client    slackPoster
	channelID string
	breaker   *gobreaker.CircuitBreaker
	logger    logr.Logger
}

// NewSlackChannel constructs a Slack delivery channel.
func NewSlackChannel(token, channelID string, logger logr.Logger) *SlackChannel {
	s := &SlackChannel{
		client:    slack.New(token),
		channelID: channelID,
		logger:    logger,
	}
	s.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "slack-delivery",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Info("Circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
	return s
}

func (s *SlackChannel) Name() string { return "slack" }

func (s *SlackChannel) Send(ctx context.Context, n *monitoring.InAppNotification) error {
	_, err := s.breaker.Execute(func() (interface{}, error) {
		_, _, postErr := s.client.PostMessageContext(ctx, s.channelID,
			slack.MsgOptionText(fmt.Sprintf("*%s*\n%s", n.Title, n.Message), false),
			slack.MsgOptionAttachments(slack.Attachment{
				Color: priorityColor(n.Priority),
				Fields: []slack.AttachmentField{
					{Title: "Type", Value: string(n.Type), Short: true},
					{Title: "Priority", Value: string(n.Priority), Short: true},
				},
			}),
		)
		return nil, postErr
	})
	return err
}

func priorityColor(p monitoring.NotificationPriority) string {
	switch p {
	case monitoring.PriorityCritical:
		return "danger"
	case monitoring.PriorityWarning:
		return "warning"
	default:
		return "good"
	}
}
