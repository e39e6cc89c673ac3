// Package slackbus is an optional events.Publisher that posts a
// condensed message per lifecycle event to a Slack channel. It is
// wired in only when a bot token and channel are configured; publish
// failures are logged and swallowed, never surfaced to the caller.
package slackbus

import (
	"fmt"

	"github.com/go-logr/logr"
	"github.com/slack-go/slack"

	"github.com/kubernaut/workflow-engine/pkg/shared/logging"
	"github.com/kubernaut/workflow-engine/pkg/workflow/events"
)

// Publisher posts lifecycle events to a single Slack channel.
type Publisher struct {
	client  *slack.Client
	channel string
	log     logr.Logger
}

// New returns a Publisher that posts to channel using a bot token.
func New(token, channel string, log logr.Logger) *Publisher {
	return &Publisher{client: slack.New(token), channel: channel, log: log}
}

// Publish posts the event from its own goroutine, so the caller never
// waits on the Slack API.
func (p *Publisher) Publish(e events.Event) {
	text := format(e)
	go func() {
		_, _, err := p.client.PostMessage(p.channel, slack.MsgOptionText(text, false))
		if err != nil {
			fields := logging.NewFields().
				Component("events.slackbus").
				Workflow(e.WorkflowName).
				Instance(e.InstanceID)
			p.log.Error(err, "failed to publish event to slack", fields.KeysAndValues()...)
		}
	}()
}

func format(e events.Event) string {
	switch {
	case e.StepID != "" && e.Reason != "":
		return fmt.Sprintf("[%s] workflow=%s instance=%s step=%s: %s", e.Type, e.WorkflowName, e.InstanceID, e.StepID, e.Reason)
	case e.StepID != "":
		return fmt.Sprintf("[%s] workflow=%s instance=%s step=%s", e.Type, e.WorkflowName, e.InstanceID, e.StepID)
	case e.Reason != "":
		return fmt.Sprintf("[%s] workflow=%s instance=%s: %s", e.Type, e.WorkflowName, e.InstanceID, e.Reason)
	default:
		return fmt.Sprintf("[%s] workflow=%s instance=%s", e.Type, e.WorkflowName, e.InstanceID)
	}
}

var _ events.Publisher = (*Publisher)(nil)
