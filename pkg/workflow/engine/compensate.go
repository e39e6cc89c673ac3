package engine

import (
	"context"
	"encoding/json"

	"github.com/kubernaut/workflow-engine/pkg/workflow/definition"
	"github.com/kubernaut/workflow-engine/pkg/workflow/events"
	"github.com/kubernaut/workflow-engine/pkg/workflow/model"
	"github.com/kubernaut/workflow-engine/pkg/workflow/resilience"
)

// Compensate runs the saga rollback procedure over
// instanceID's COMPLETED step records, in reverse completion order,
// per def's CompensationStrategy. instanceID must be FAILED or
// CANCELLED.
func (e *Engine) Compensate(ctx context.Context, def *definition.Definition, instanceID string) error {
	inst, err := e.store.LoadInstance(ctx, instanceID)
	if err != nil {
		return err
	}
	if inst.Status != model.StatusFailed && inst.Status != model.StatusCancelled {
		return &InvalidStateTransitionError{InstanceID: instanceID, Reason: "compensate requires a FAILED or CANCELLED instance"}
	}

	inst.Status = model.StatusCompensating
	inst.Version++
	if err := e.store.SaveInstance(ctx, inst); err != nil {
		return err
	}
	e.publish(events.Event{Type: events.CompensationStarted, WorkflowName: def.Name, InstanceID: instanceID})

	records, err := e.store.ListStepExecutions(ctx, instanceID)
	if err != nil {
		return err
	}
	completed := completedSteps(def, records)
	finalContext := unmarshalContext(inst.Context)

	compErr := resilience.Compensate(def.CompensationStrategy, completed, finalContext, func(o resilience.CompensationOutcome) {
		e.recordCompensated(instanceID, def.Name, o)
	})

	inst, err = e.store.LoadInstance(ctx, instanceID)
	if err != nil {
		return err
	}
	if compErr != nil {
		inst.Status = model.StatusFailed
		inst.FailureReason = compErr.Error()
	} else {
		inst.Status = model.StatusCompensated
		e.met.WorkflowsCompensated.WithLabelValues(def.Name).Inc()
	}
	now := e.clk.Now()
	inst.CompletedAt = &now
	inst.Version++
	if err := e.store.SaveInstance(ctx, inst); err != nil {
		return err
	}
	e.publish(events.Event{Type: events.CompensationCompleted, WorkflowName: def.Name, InstanceID: instanceID})
	return compErr
}

// completedSteps builds the saga's input from the instance's latest
// step records, keeping only those that actually COMPLETED, and
// joining in the descriptor's Critical flag, compensation action, and
// declared insertion order for tie-breaking.
func completedSteps(def *definition.Definition, records []*model.StepExecutionRecord) []resilience.CompletedStep {
	latest := latestByStep(records)
	insertionIndex := make(map[string]int, len(def.Steps))
	for i, s := range def.Steps {
		insertionIndex[s.ID] = i
	}

	var out []resilience.CompletedStep
	for stepID, r := range latest {
		if r.Status != model.StepCompleted || r.CompletedAt == nil {
			continue
		}
		descriptor, ok := def.StepByID(stepID)
		if !ok {
			continue
		}
		var output map[string]interface{}
		_ = json.Unmarshal(r.Output, &output)
		out = append(out, resilience.CompletedStep{
			StepID:         stepID,
			Output:         output,
			CompletedAt:    *r.CompletedAt,
			InsertionIndex: insertionIndex[stepID],
			Critical:       descriptor.Critical,
			Action:         descriptor.Compensation,
		})
	}
	return out
}

func (e *Engine) recordCompensated(instanceID, workflowName string, o resilience.CompensationOutcome) {
	records, err := e.store.ListStepExecutions(context.Background(), instanceID)
	if err != nil {
		return
	}
	latest := latestByStep(records)
	r, ok := latest[o.StepID]
	if !ok {
		return
	}
	updated := *r
	updated.Status = model.StepCompensated
	if o.Err != nil {
		updated.ErrorMsg = o.Err.Error()
	}
	_ = e.store.UpdateStepExecution(context.Background(), &updated)

	e.met.StepsCompensated.WithLabelValues(workflowName, o.StepID).Inc()
	e.publish(events.Event{Type: events.StepCompensated, WorkflowName: workflowName, InstanceID: instanceID, StepID: o.StepID})
}
