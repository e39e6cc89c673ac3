package main

import (
	"encoding/json"
	"time"

	"github.com/go-logr/logr"

	"github.com/kubernaut/workflow-engine/pkg/workflow/model"
)

func newTestLogger() logr.Logger {
	return logr.Discard()
}

func newRunningInstance(workflowName string, startedAt time.Time) *model.Instance {
	return &model.Instance{
		ID:           "sweep-" + workflowName,
		WorkflowName: workflowName,
		StepIDs:      []string{"only"},
		Status:       model.StatusRunning,
		CreatedAt:    startedAt,
		StartedAt:    &startedAt,
		Context:      map[string]json.RawMessage{},
		Version:      1,
	}
}
