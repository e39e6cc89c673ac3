// Package logbus is the always-on events.Publisher: it logs every
// lifecycle event through a logr.Logger at Info level, tagging
// failure-type events with a "severity"="warning" field.
package logbus

import (
	"github.com/go-logr/logr"

	"github.com/kubernaut/workflow-engine/pkg/shared/logging"
	"github.com/kubernaut/workflow-engine/pkg/workflow/events"
)

// Publisher logs each event through a logr.Logger.
type Publisher struct {
	log logr.Logger
}

// New returns a logbus.Publisher writing through log.
func New(log logr.Logger) *Publisher {
	return &Publisher{log: log}
}

func (p *Publisher) Publish(e events.Event) {
	fields := logging.NewFields().
		Component("events.logbus").
		Workflow(e.WorkflowName).
		Instance(e.InstanceID)
	if e.StepID != "" {
		fields = fields.Step(e.StepID)
	}
	if e.Attempt > 0 {
		fields = fields.Attempt(e.Attempt)
	}
	if e.Reason != "" {
		fields = append(fields, "reason", e.Reason)
	}

	// logr has no Warn level; severity rides along as a field the way
	// a logr-backed codebase conventionally surfaces it.
	switch e.Type {
	case events.WorkflowFailed, events.StepFailed, events.CompensationStarted:
		p.log.Info(string(e.Type), append(fields, "severity", "warning").KeysAndValues()...)
	default:
		p.log.Info(string(e.Type), fields.KeysAndValues()...)
	}
}

var _ events.Publisher = (*Publisher)(nil)
