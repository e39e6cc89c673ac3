package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/kubernaut/workflow-engine/pkg/workflow/definition"
	"github.com/kubernaut/workflow-engine/pkg/workflow/model"
)

// HealthCheck reports whether instanceID is making progress. A
// non-RUNNING instance is always healthy. A RUNNING instance is
// unhealthy if no step has started or completed for longer than
// DefaultStalenessMultiplier × the longest timeout among its steps.
func (e *Engine) HealthCheck(ctx context.Context, def *definition.Definition, instanceID string) (healthy bool, reason string, err error) {
	inst, err := e.store.LoadInstance(ctx, instanceID)
	if err != nil {
		return false, "", err
	}
	if inst.Status != model.StatusRunning {
		return true, "", nil
	}

	records, err := e.store.ListStepExecutions(ctx, instanceID)
	if err != nil {
		return false, "", err
	}

	lastProgress := inst.CreatedAt
	if inst.StartedAt != nil && inst.StartedAt.After(lastProgress) {
		lastProgress = *inst.StartedAt
	}
	for _, r := range records {
		if r.StartedAt.After(lastProgress) {
			lastProgress = r.StartedAt
		}
		if r.CompletedAt != nil && r.CompletedAt.After(lastProgress) {
			lastProgress = *r.CompletedAt
		}
	}

	var longestTimeout time.Duration
	for _, step := range def.Steps {
		if step.Timeout > longestTimeout {
			longestTimeout = step.Timeout
		}
	}
	if longestTimeout == 0 {
		return true, "", nil
	}

	threshold := time.Duration(float64(longestTimeout) * e.cfg.DefaultStalenessMultiplier)
	elapsed := e.clk.Now().Sub(lastProgress)
	if elapsed > threshold {
		return false, fmt.Sprintf("no step progress for %s, exceeding staleness threshold %s", elapsed, threshold), nil
	}
	return true, "", nil
}
