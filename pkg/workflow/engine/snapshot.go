package engine

import (
	"context"
	"encoding/json"

	"github.com/kubernaut/workflow-engine/pkg/workflow/model"
)

// InstanceSnapshot is the read model returned by GetInstance: current
// status, progress counted from each step's latest execution record,
// and every execution record of every attempt.
type InstanceSnapshot struct {
	ID             string
	WorkflowName   string
	Status         model.Status
	TotalSteps     int
	CompletedSteps int
	SkippedSteps   int
	FailedSteps    int
	FailureReason  string
	LastFailedStep string
	Context        map[string]json.RawMessage
	Steps          []*model.StepExecutionRecord
}

// Progress returns the completed fraction (completed+skipped)/total.
func (s *InstanceSnapshot) Progress() float64 {
	if s.TotalSteps == 0 {
		return 1
	}
	return float64(s.CompletedSteps+s.SkippedSteps) / float64(s.TotalSteps)
}

// GetInstance reads instanceID's current status, progress, and all of
// its step execution records (every attempt, not only the latest).
func (e *Engine) GetInstance(ctx context.Context, instanceID string) (*InstanceSnapshot, error) {
	inst, err := e.store.LoadInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	records, err := e.store.ListStepExecutions(ctx, instanceID)
	if err != nil {
		return nil, err
	}

	latest := latestByStep(records)
	snap := &InstanceSnapshot{
		ID:             inst.ID,
		WorkflowName:   inst.WorkflowName,
		Status:         inst.Status,
		TotalSteps:     len(inst.StepIDs),
		FailureReason:  inst.FailureReason,
		LastFailedStep: inst.LastFailedStep,
		Context:        inst.Context,
	}
	for _, r := range latest {
		switch r.Status {
		case model.StepCompleted:
			snap.CompletedSteps++
		case model.StepSkipped:
			snap.SkippedSteps++
		case model.StepFailed, model.StepTimedOut:
			snap.FailedSteps++
		}
	}
	steps := make([]*model.StepExecutionRecord, 0, len(records))
	steps = append(steps, records...)
	snap.Steps = steps
	return snap, nil
}
