// Package events defines the lifecycle event port the coordinator
// publishes to. Publishing is fire-and-forget: a failed publish is
// logged and swallowed, never surfaced as a workflow failure.
package events

import "time"

// Type names a workflow or step lifecycle event.
type Type string

const (
	WorkflowStarted      Type = "WorkflowStarted"
	WorkflowCompleted    Type = "WorkflowCompleted"
	WorkflowFailed       Type = "WorkflowFailed"
	WorkflowPaused       Type = "WorkflowPaused"
	WorkflowResumed      Type = "WorkflowResumed"
	WorkflowCancelled    Type = "WorkflowCancelled"
	CompensationStarted  Type = "CompensationStarted"
	CompensationCompleted Type = "CompensationCompleted"
	StepStarted          Type = "StepStarted"
	StepCompleted        Type = "StepCompleted"
	StepFailed           Type = "StepFailed"
	StepRetried          Type = "StepRetried"
	StepSkipped          Type = "StepSkipped"
	StepCompensated      Type = "StepCompensated"
)

// Event is one lifecycle notification emitted after the corresponding
// state change has already been persisted, so observers never see an
// event whose effect is not yet durable.
type Event struct {
	Type         Type
	WorkflowName string
	InstanceID   string
	StepID       string
	Attempt      int
	Reason       string
	Timestamp    time.Time
}

// Publisher is the port the coordinator emits events through. A
// Publisher must never block the caller on a slow downstream and must
// never return an error the caller is expected to act on.
type Publisher interface {
	Publish(Event)
}

// Multi fans one Publish out to every publisher in order. Used to
// compose the always-on log publisher with optional ones (Slack).
type Multi []Publisher

func (m Multi) Publish(e Event) {
	for _, p := range m {
		p.Publish(e)
	}
}
