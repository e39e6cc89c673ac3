package resilience

import (
	"fmt"
	"sort"
	"time"

	"github.com/kubernaut/workflow-engine/pkg/workflow/definition"
)

// CompletedStep is the slice of a Step Execution Record the saga
// needs to decide whether and in what order to compensate it.
type CompletedStep struct {
	StepID         string
	Output         map[string]interface{}
	CompletedAt    time.Time
	InsertionIndex int
	Critical       bool
	Action         definition.CompensationAction
}

// CompensationOutcome reports one compensation action's result so the
// caller can persist the step record transition to COMPENSATED.
type CompensationOutcome struct {
	StepID string
	Err    error
}

// FailedError is returned by Compensate when a compensation action
// fails under a strategy that doesn't tolerate it (anything but
// BEST_EFFORT).
type FailedError struct {
	StepID string
	Cause  error
}

func (e *FailedError) Error() string {
	return fmt.Sprintf("compensation failed for step %q: %s", e.StepID, e.Cause)
}

func (e *FailedError) Unwrap() error { return e.Cause }

// Compensate runs the saga rollback procedure over completed steps in
// reverse order of completion time (ties broken by insertion order,
// earliest-inserted first), per the strategy:
//   - ALL: compensate everything; first failure aborts.
//   - CRITICAL_ONLY: compensate only steps flagged Critical.
//   - BEST_EFFORT: compensate everything; swallow errors, never abort.
//   - NONE: no-op.
//
// onStep, if non-nil, is called after every attempted compensation so
// the caller can persist the COMPENSATED transition.
func Compensate(
	strategy definition.CompensationStrategy,
	completed []CompletedStep,
	finalContext map[string]interface{},
	onStep func(CompensationOutcome),
) error {
	if strategy == definition.CompensateNone {
		return nil
	}

	ordered := append([]CompletedStep(nil), completed...)
	sort.Slice(ordered, func(i, j int) bool {
		if !ordered[i].CompletedAt.Equal(ordered[j].CompletedAt) {
			return ordered[i].CompletedAt.After(ordered[j].CompletedAt)
		}
		return ordered[i].InsertionIndex < ordered[j].InsertionIndex
	})

	for _, step := range ordered {
		if strategy == definition.CompensateCriticalOnly && !step.Critical {
			continue
		}
		if step.Action == nil {
			continue
		}

		err := step.Action(step.Output, finalContext)
		if onStep != nil {
			onStep(CompensationOutcome{StepID: step.StepID, Err: err})
		}
		if err != nil && strategy != definition.CompensateBestEffort {
			return &FailedError{StepID: step.StepID, Cause: err}
		}
	}
	return nil
}
