package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/kubernaut/workflow-engine/pkg/workflow/definition"
	"github.com/kubernaut/workflow-engine/pkg/workflow/events"
	"github.com/kubernaut/workflow-engine/pkg/workflow/model"
	"github.com/kubernaut/workflow-engine/pkg/workflow/resilience"
	"github.com/kubernaut/workflow-engine/pkg/workflow/resolver"
	"github.com/kubernaut/workflow-engine/pkg/workflow/store"
)

// stepOutcome is one wave member's dispatch result, paired with its
// descriptor so the loop can merge output under the right key.
type stepOutcome struct {
	step   definition.StepDescriptor
	result resilience.AttemptResult
}

// driveLoop runs the wave loop for instanceID until it settles
// into a terminal state, PAUSED, or is abandoned on an unrecoverable
// persistence error.
func (e *Engine) driveLoop(handle *runHandle, def *definition.Definition, instanceID string) {
	defer close(handle.done)
	defer e.unregisterHandle(instanceID)

	fields := e.logFields().Workflow(def.Name).Instance(instanceID)

	res := resolver.New(def)
	runCtx := handle.ctx
	var globalCancel context.CancelFunc
	if def.GlobalTimeout > 0 {
		runCtx, globalCancel = context.WithTimeout(runCtx, def.GlobalTimeout)
		defer globalCancel()
	}

	for {
		inst, err := e.store.LoadInstance(context.Background(), instanceID)
		if err != nil {
			e.log.Error(err, "failed to load instance in drive loop", fields.KeysAndValues()...)
			return
		}
		if inst.Status != model.StatusRunning {
			return
		}

		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			e.failInstance(instanceID, inst, def.Name, "", &GlobalTimeoutExceededError{InstanceID: instanceID})
			return
		}

		settled, err := e.settledSet(instanceID)
		if err != nil {
			e.log.Error(err, "failed to reconstruct settled step set", fields.KeysAndValues()...)
			return
		}

		if handle.cancelRequested.Load() {
			e.cancelInstance(instanceID, def.Name)
			return
		}
		if handle.pauseRequested.Load() {
			e.transitionTerminal(instanceID, model.StatusPaused)
			e.publish(events.Event{Type: events.WorkflowPaused, WorkflowName: def.Name, InstanceID: instanceID})
			return
		}

		wave, err := res.NextWave(settled, map[string]bool{})
		if err != nil {
			e.failInstance(instanceID, inst, def.Name, "", err)
			return
		}

		if len(wave) == 0 {
			e.completeInstance(instanceID, inst, def.Name)
			return
		}

		snapshot := unmarshalContext(inst.Context)

		var toRun []definition.StepDescriptor
		for _, step := range wave {
			if step.ShouldSkip != nil && step.ShouldSkip(snapshot) {
				e.recordSkipped(instanceID, def.Name, step)
				continue
			}
			toRun = append(toRun, step)
		}
		if len(toRun) == 0 {
			continue
		}

		outcomes := e.dispatchWave(runCtx, def.Name, instanceID, toRun, snapshot, def.Mode)

		failedStep, failErr := e.settleWave(instanceID, def.Name, outcomes)
		if failErr != nil {
			// A cancel requested while the wave was in flight settles the
			// instance as CANCELLED, not FAILED, once the steps observe it.
			if handle.cancelRequested.Load() {
				e.cancelInstance(instanceID, def.Name)
				return
			}
			if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
				failErr = &GlobalTimeoutExceededError{InstanceID: instanceID}
			}
			e.failInstance(instanceID, nil, def.Name, failedStep, failErr)
			return
		}
	}
}

// settledSet reconstructs the set of COMPLETED/SKIPPED step ids from
// persisted Step Execution Records, keeping only each step's latest
// attempt.
func (e *Engine) settledSet(instanceID string) (map[string]bool, error) {
	records, err := e.store.ListStepExecutions(context.Background(), instanceID)
	if err != nil {
		return nil, err
	}
	latest := latestByStep(records)
	settled := make(map[string]bool, len(latest))
	for stepID, r := range latest {
		if r.Status.Settled() {
			settled[stepID] = true
		}
	}
	return settled, nil
}

func latestByStep(records []*model.StepExecutionRecord) map[string]*model.StepExecutionRecord {
	latest := make(map[string]*model.StepExecutionRecord, len(records))
	for _, r := range records {
		if cur, ok := latest[r.StepID]; !ok || r.Attempt > cur.Attempt {
			latest[r.StepID] = r
		}
	}
	return latest
}

func (e *Engine) recordSkipped(instanceID, workflowName string, step definition.StepDescriptor) {
	now := e.clk.Now()
	rec := &model.StepExecutionRecord{
		ExecutionID: uuid.NewString(),
		InstanceID:  instanceID,
		StepID:      step.ID,
		Status:      model.StepSkipped,
		Attempt:     1,
		StartedAt:   now,
		CompletedAt: &now,
	}
	if err := e.store.AppendStepExecution(context.Background(), rec); err != nil {
		e.log.Error(err, "failed to persist skipped step record", e.logFields().Instance(instanceID).Step(step.ID).KeysAndValues()...)
	}
	e.met.StepsExecuted.WithLabelValues(workflowName, step.ID, "SKIPPED").Inc()
	e.publish(events.Event{Type: events.StepSkipped, WorkflowName: workflowName, InstanceID: instanceID, StepID: step.ID})
}

// dispatchWave runs steps through the resilience layer, honoring
// Sequential (one at a time, awaited) vs Parallel (all concurrently,
// bounded by the worker pool) dispatch.
func (e *Engine) dispatchWave(
	ctx context.Context,
	workflowName, instanceID string,
	steps []definition.StepDescriptor,
	snapshot map[string]interface{},
	mode definition.ExecutionMode,
) []stepOutcome {
	outcomes := make([]stepOutcome, len(steps))

	if mode == definition.Sequential {
		for i, step := range steps {
			outcomes[i] = e.dispatchStep(ctx, workflowName, instanceID, step, snapshot)
		}
		return outcomes
	}

	// errgroup coordinates the wave's fan-out: every member dispatches
	// through the bounded worker pool concurrently, and Wait settles
	// once they all have, without aborting the rest on one failure —
	// each outcome is captured independently and judged by the caller.
	g, groupCtx := errgroup.WithContext(ctx)
	for i, step := range steps {
		i, step := i, step
		g.Go(func() error {
			err := e.pool.Submit(groupCtx, func(taskCtx context.Context) {
				outcomes[i] = e.dispatchStep(taskCtx, workflowName, instanceID, step, snapshot)
			})
			if err != nil {
				outcomes[i] = stepOutcome{step: step, result: resilience.AttemptResult{Err: err, Outcome: resilience.OutcomeCancelled}}
			}
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}

// dispatchStep runs a single step through the resilience Runner,
// persisting a new Step Execution Record and emitting metrics/events
// for every attempt.
func (e *Engine) dispatchStep(
	ctx context.Context,
	workflowName, instanceID string,
	step definition.StepDescriptor,
	snapshot map[string]interface{},
) stepOutcome {
	e.publish(events.Event{Type: events.StepStarted, WorkflowName: workflowName, InstanceID: instanceID, StepID: step.ID})
	start := e.clk.Now()

	// attemptStart is stamped as each attempt's body begins so the
	// persisted record reflects when the attempt ran, not when it
	// settled. Execute invokes run and onAttempt from one goroutine.
	attemptStart := start
	onAttempt := func(r resilience.AttemptResult) {
		e.persistAttempt(instanceID, workflowName, step, r, attemptStart)
	}
	run := func(attemptCtx context.Context) (map[string]interface{}, error) {
		attemptStart = e.clk.Now()
		return step.Body(definition.StepContext{Context: attemptCtx, Snapshot: snapshot})
	}

	result := e.runner.Execute(ctx, step.Retry, step.Timeout, e.clk.Sleep, run, onAttempt)

	status := "FAILED"
	if result.Outcome == resilience.OutcomeSuccess {
		status = "COMPLETED"
	}
	e.met.StepDuration.WithLabelValues(workflowName, step.ID, status).Observe(e.timeSince(start).Seconds())

	return stepOutcome{step: step, result: result}
}

func (e *Engine) persistAttempt(instanceID, workflowName string, step definition.StepDescriptor, r resilience.AttemptResult, startedAt time.Time) {
	now := e.clk.Now()
	rec := &model.StepExecutionRecord{
		ExecutionID: uuid.NewString(),
		InstanceID:  instanceID,
		StepID:      step.ID,
		Attempt:     r.Number,
		StartedAt:   startedAt,
	}

	switch r.Outcome {
	case resilience.OutcomeSuccess:
		rec.Status = model.StepCompleted
		rec.CompletedAt = &now
		output, err := json.Marshal(r.Output)
		if err != nil {
			rec.Status = model.StepFailed
			rec.ErrorMsg = (&NonSerializableOutputError{StepID: step.ID, Cause: err}).Error()
		} else {
			rec.Output = output
		}
		e.met.StepsExecuted.WithLabelValues(workflowName, step.ID, string(rec.Status)).Inc()
		e.publish(events.Event{Type: events.StepCompleted, WorkflowName: workflowName, InstanceID: instanceID, StepID: step.ID, Attempt: r.Number})
	case resilience.OutcomeTimedOut:
		rec.Status = model.StepTimedOut
		rec.CompletedAt = &now
		if r.Err != nil {
			rec.ErrorMsg = r.Err.Error()
		}
	case resilience.OutcomeCancelled:
		rec.Status = model.StepFailed
		rec.CompletedAt = &now
		if r.Err != nil {
			rec.ErrorMsg = r.Err.Error()
		}
	default: // OutcomeFailed
		rec.Status = model.StepFailed
		if r.Err != nil {
			rec.ErrorMsg = r.Err.Error()
		}
	}

	if r.Number > 1 {
		e.met.StepsRetried.WithLabelValues(workflowName, step.ID).Inc()
	}

	if err := e.store.AppendStepExecution(context.Background(), rec); err != nil {
		e.log.Error(err, "failed to persist step execution record", e.logFields().Instance(instanceID).Step(step.ID).KeysAndValues()...)
	}

	// Events go out only after the attempt's record has been written.
	if rec.Status == model.StepCompleted {
		e.publish(events.Event{Type: events.StepCompleted, WorkflowName: workflowName, InstanceID: instanceID, StepID: step.ID, Attempt: r.Number})
	}
	if r.Number > 1 {
		e.publish(events.Event{Type: events.StepRetried, WorkflowName: workflowName, InstanceID: instanceID, StepID: step.ID, Attempt: r.Number})
	}
}

// settleWave merges every successful outcome's output into the
// instance's Context, bumping its version once for the whole wave,
// emits a StepFailed metric/event for each non-success outcome, and
// reports the first of those as the instance's failure.
func (e *Engine) settleWave(instanceID, workflowName string, outcomes []stepOutcome) (failedStep string, failErr error) {
	inst, err := e.store.LoadInstance(context.Background(), instanceID)
	if err != nil {
		return "", err
	}

	ctxValues := unmarshalContext(inst.Context)
	for _, o := range outcomes {
		if o.result.Outcome != resilience.OutcomeSuccess {
			continue
		}
		key := o.step.OutputKey
		if key == "" {
			key = o.step.ID
		}
		// A step that returns an entry named by its output key has that
		// entry's value stored under the key; otherwise the whole
		// returned map is stored there.
		if v, ok := o.result.Output[key]; ok {
			ctxValues[key] = v
		} else {
			ctxValues[key] = o.result.Output
		}
	}

	raw, err := marshalContext(ctxValues)
	if err != nil {
		return "", err
	}
	inst.Context = raw
	inst.Version++
	if err := e.retrySaveInstance(inst); err != nil {
		return "", err
	}

	// Every failing step gets its metric and StepFailed event; the
	// first (by wave order) becomes the instance's failure reason.
	for _, o := range outcomes {
		if o.result.Outcome == resilience.OutcomeSuccess {
			continue
		}
		reason := fmt.Sprintf("step %s: %v", o.step.ID, o.result.Err)
		e.met.StepsFailed.WithLabelValues(workflowName, o.step.ID).Inc()
		e.publish(events.Event{Type: events.StepFailed, WorkflowName: workflowName, InstanceID: instanceID, StepID: o.step.ID, Reason: reason})
		if failErr == nil {
			failedStep = o.step.ID
			failErr = errors.New(reason)
		}
	}
	return failedStep, failErr
}

// retrySaveInstance retries SaveInstance on optimistic-concurrency
// conflicts, reloading and reapplying the same already-computed
// instance fields up to PersistenceRetryMax times.
func (e *Engine) retrySaveInstance(inst *model.Instance) error {
	var lastErr error
	for attempt := 0; attempt < e.cfg.PersistenceRetryMax; attempt++ {
		err := e.store.SaveInstance(context.Background(), inst)
		if err == nil {
			return nil
		}
		var conflict *store.ConcurrencyConflictError
		if !errors.As(err, &conflict) {
			return err
		}
		lastErr = err
		current, loadErr := e.store.LoadInstance(context.Background(), inst.ID)
		if loadErr != nil {
			return loadErr
		}
		inst.Version = current.Version + 1
	}
	return lastErr
}

func (e *Engine) cancelInstance(instanceID, workflowName string) {
	e.transitionTerminal(instanceID, model.StatusCancelled)
	e.met.WorkflowsCancelled.WithLabelValues(workflowName).Inc()
	e.publish(events.Event{Type: events.WorkflowCancelled, WorkflowName: workflowName, InstanceID: instanceID})
}

func (e *Engine) transitionTerminal(instanceID string, status model.Status) {
	inst, err := e.store.LoadInstance(context.Background(), instanceID)
	if err != nil {
		e.log.Error(err, "failed to load instance for terminal transition", e.logFields().Instance(instanceID).KeysAndValues()...)
		return
	}
	if !model.CanTransition(inst.Status, status) {
		kvs := append(e.logFields().Instance(instanceID), "from", inst.Status, "to", status)
		e.log.Info("refusing illegal transition", kvs.KeysAndValues()...)
		return
	}
	inst.Status = status
	if status.Terminal() {
		now := e.clk.Now()
		inst.CompletedAt = &now
	}
	inst.Version++
	if err := e.retrySaveInstance(inst); err != nil {
		e.log.Error(err, "failed to persist terminal transition", e.logFields().Instance(instanceID).KeysAndValues()...)
	}
}

func (e *Engine) completeInstance(instanceID string, inst *model.Instance, workflowName string) {
	var started time.Time
	if inst.StartedAt != nil {
		started = *inst.StartedAt
	}
	inst.Status = model.StatusCompleted
	now := e.clk.Now()
	inst.CompletedAt = &now
	inst.Version++
	if err := e.retrySaveInstance(inst); err != nil {
		e.log.Error(err, "failed to persist completion", e.logFields().Instance(instanceID).KeysAndValues()...)
		return
	}
	e.met.WorkflowsCompleted.WithLabelValues(workflowName).Inc()
	if !started.IsZero() {
		e.met.WorkflowDuration.WithLabelValues(workflowName, "COMPLETED").Observe(e.timeSince(started).Seconds())
	}
	e.publish(events.Event{Type: events.WorkflowCompleted, WorkflowName: workflowName, InstanceID: instanceID})
}

// failInstance transitions instanceID to FAILED. inst may be nil (the
// caller already knows the failure happened mid-wave-settlement and
// didn't keep a fresh copy), in which case it is reloaded.
func (e *Engine) failInstance(instanceID string, inst *model.Instance, workflowName, lastFailedStep string, cause error) {
	if inst == nil {
		var err error
		inst, err = e.store.LoadInstance(context.Background(), instanceID)
		if err != nil {
			e.log.Error(err, "failed to load instance to record failure", e.logFields().Instance(instanceID).KeysAndValues()...)
			return
		}
	}
	if !model.CanTransition(inst.Status, model.StatusFailed) {
		return
	}

	var started time.Time
	if inst.StartedAt != nil {
		started = *inst.StartedAt
	}

	inst.Status = model.StatusFailed
	inst.FailureReason = cause.Error()
	inst.LastFailedStep = lastFailedStep
	now := e.clk.Now()
	inst.CompletedAt = &now
	inst.Version++
	if err := e.retrySaveInstance(inst); err != nil {
		e.log.Error(err, "failed to persist failure", e.logFields().Instance(instanceID).KeysAndValues()...)
		return
	}

	e.met.WorkflowsFailed.WithLabelValues(workflowName).Inc()
	if !started.IsZero() {
		e.met.WorkflowDuration.WithLabelValues(workflowName, "FAILED").Observe(e.timeSince(started).Seconds())
	}
	e.publish(events.Event{Type: events.WorkflowFailed, WorkflowName: workflowName, InstanceID: instanceID, StepID: lastFailedStep, Reason: cause.Error()})
}
