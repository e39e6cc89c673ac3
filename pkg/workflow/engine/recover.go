package engine

import (
	"context"

	"github.com/kubernaut/workflow-engine/pkg/workflow/config"
	"github.com/kubernaut/workflow-engine/pkg/workflow/definition"
	"github.com/kubernaut/workflow-engine/pkg/workflow/events"
	"github.com/kubernaut/workflow-engine/pkg/workflow/model"
)

// DefinitionProvider resolves a workflow name back to the Definition
// that produced an instance, so Recover can re-drive it under
// RESUME_ON_STARTUP. The host process is expected to register every
// Definition it runs under its Name before calling Recover.
type DefinitionProvider interface {
	Lookup(workflowName string) (*definition.Definition, bool)
}

// StaticDefinitions is the simplest DefinitionProvider: a fixed map
// built once at process start.
type StaticDefinitions map[string]*definition.Definition

func (s StaticDefinitions) Lookup(workflowName string) (*definition.Definition, bool) {
	d, ok := s[workflowName]
	return d, ok
}

// Recover implements the startup recovery sweep: it
// enumerates every instance left RUNNING by a prior process and
// either pauses it (PAUSE_ON_STARTUP, the default) or re-drives it
// from its next ready wave (RESUME_ON_STARTUP), per e's configured
// RecoveryPolicy. Call this once, before serving any new Start calls,
// after process restart.
//
// Instances left COMPENSATING are never re-driven automatically —
// re-entering a saga rollback mid-flight risks double-compensating a
// step — they are only logged; an operator must inspect and re-invoke
// Compensate explicitly.
func (e *Engine) Recover(ctx context.Context, defs DefinitionProvider) error {
	running, err := e.store.ListByStatus(ctx, model.StatusRunning)
	if err != nil {
		return err
	}
	compensating, err := e.store.ListByStatus(ctx, model.StatusCompensating)
	if err != nil {
		return err
	}

	for _, c := range compensating {
		e.log.Info("instance left COMPENSATING by a prior process; requires manual compensate",
			e.logFields().Workflow(c.WorkflowName).Instance(c.ID).KeysAndValues()...)
	}

	for _, inst := range running {
		switch e.cfg.RecoveryPolicy {
		case config.ResumeOnStartup:
			def, ok := defs.Lookup(inst.WorkflowName)
			if !ok {
				e.log.Info("no definition registered for RUNNING instance found at startup; pausing instead",
					e.logFields().Workflow(inst.WorkflowName).Instance(inst.ID).KeysAndValues()...)
				if err := e.pauseOnRecovery(ctx, inst); err != nil {
					return err
				}
				continue
			}
			handle := e.registerHandle(inst.ID)
			go e.driveLoop(handle, def, inst.ID)
		default: // PauseOnStartup
			if err := e.pauseOnRecovery(ctx, inst); err != nil {
				return err
			}
		}
	}
	return nil
}

func (e *Engine) pauseOnRecovery(ctx context.Context, inst *model.Instance) error {
	inst.Status = model.StatusPaused
	inst.Version++
	if err := e.store.SaveInstance(ctx, inst); err != nil {
		return err
	}
	e.publish(events.Event{Type: events.WorkflowPaused, WorkflowName: inst.WorkflowName, InstanceID: inst.ID})
	return nil
}
