// Package engine implements the execution coordinator: it drives a
// Workflow Instance through topological waves of a Definition,
// dispatching step bodies through the resilience layer, persisting
// every state transition, and exposing the lifecycle controls
// (start/pause/resume/cancel/compensate) and health/metrics reporting.
package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"

	sharederrors "github.com/kubernaut/workflow-engine/pkg/shared/errors"
	"github.com/kubernaut/workflow-engine/pkg/shared/logging"
	"github.com/kubernaut/workflow-engine/pkg/workflow/clock"
	"github.com/kubernaut/workflow-engine/pkg/workflow/config"
	"github.com/kubernaut/workflow-engine/pkg/workflow/definition"
	"github.com/kubernaut/workflow-engine/pkg/workflow/events"
	"github.com/kubernaut/workflow-engine/pkg/workflow/metrics"
	"github.com/kubernaut/workflow-engine/pkg/workflow/model"
	"github.com/kubernaut/workflow-engine/pkg/workflow/resilience"
	"github.com/kubernaut/workflow-engine/pkg/workflow/store"
	"github.com/kubernaut/workflow-engine/pkg/workflow/workerpool"
)

// runHandle tracks the in-memory control signals for one actively
// driven instance. Pause/Cancel only affect instances the current
// process is driving — a crashed-and-restarted instance must be
// explicitly Resumed.
type runHandle struct {
	pauseRequested  atomic.Bool
	cancelRequested atomic.Bool
	ctx             context.Context
	cancel          context.CancelFunc
	done            chan struct{}
}

// Engine is the execution coordinator. Construct one with New and
// reuse it for every workflow instance in the process.
type Engine struct {
	store store.Store
	clk   clock.Clock
	pub   events.Publisher
	met   *metrics.Metrics
	pool  *workerpool.Pool
	cfg   *config.Config
	log   logr.Logger
	runner *resilience.Runner

	mu      sync.Mutex
	handles map[string]*runHandle
}

// New wires an Engine from its ports. log is a zero-value-safe logr.Logger;
// pass logr.Discard() (the zero value) to drop engine logging entirely.
func New(st store.Store, clk clock.Clock, pub events.Publisher, met *metrics.Metrics, pool *workerpool.Pool, cfg *config.Config, log logr.Logger) *Engine {
	return &Engine{
		store:   st,
		clk:     clk,
		pub:     pub,
		met:     met,
		pool:    pool,
		cfg:     cfg,
		log:     log,
		runner:  resilience.NewRunner(nil),
		handles: make(map[string]*runHandle),
	}
}

func (e *Engine) publish(evt events.Event) {
	evt.Timestamp = e.clk.Now()
	e.pub.Publish(evt)
}

// Start creates a new Instance for def, persists it, transitions it
// to RUNNING, and begins driving it in a background goroutine. It
// returns the instance id without waiting for completion; call Wait
// to block until the instance reaches a terminal state.
func (e *Engine) Start(ctx context.Context, def *definition.Definition, initialContext map[string]interface{}) (string, error) {
	if def == nil {
		return "", &InvalidStateTransitionError{Reason: "definition must not be nil"}
	}

	rawContext, err := marshalContext(initialContext)
	if err != nil {
		return "", err
	}

	now := e.clk.Now()
	inst := &model.Instance{
		ID:           uuid.NewString(),
		WorkflowName: def.Name,
		StepIDs:      def.StepIDs(),
		Status:       model.StatusPending,
		CreatedAt:    now,
		Context:      rawContext,
		Version:      0,
	}
	if err := e.store.CreateInstance(ctx, inst); err != nil {
		return "", sharederrors.FailedToWithDetails("create workflow instance", inst.ID, err)
	}

	inst.Status = model.StatusRunning
	inst.StartedAt = &now
	inst.Version = 1
	if err := e.store.SaveInstance(ctx, inst); err != nil {
		return "", sharederrors.FailedToWithDetails("start workflow instance", inst.ID, err)
	}

	e.met.WorkflowsStarted.WithLabelValues(def.Name).Inc()
	e.publish(events.Event{Type: events.WorkflowStarted, WorkflowName: def.Name, InstanceID: inst.ID})

	handle := e.registerHandle(inst.ID)
	go e.driveLoop(handle, def, inst.ID)

	return inst.ID, nil
}

// Wait blocks until instanceID's drive loop exits (terminal state,
// paused, or cancelled), or ctx is done first.
func (e *Engine) Wait(ctx context.Context, instanceID string) error {
	e.mu.Lock()
	h, ok := e.handles[instanceID]
	e.mu.Unlock()
	if !ok {
		return nil
	}
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) registerHandle(instanceID string) *runHandle {
	ctx, cancel := context.WithCancel(context.Background())
	h := &runHandle{ctx: ctx, cancel: cancel, done: make(chan struct{})}
	e.mu.Lock()
	e.handles[instanceID] = h
	e.mu.Unlock()
	return h
}

func (e *Engine) unregisterHandle(instanceID string) {
	e.mu.Lock()
	delete(e.handles, instanceID)
	e.mu.Unlock()
}

// Pause requests that instanceID stop dispatching new waves once any
// in-flight steps settle. It only affects an instance this process is
// actively driving.
func (e *Engine) Pause(instanceID string) error {
	e.mu.Lock()
	h, ok := e.handles[instanceID]
	e.mu.Unlock()
	if !ok {
		return &InvalidStateTransitionError{InstanceID: instanceID, Reason: "not actively running in this process"}
	}
	h.pauseRequested.Store(true)
	return nil
}

// Cancel requests cooperative cancellation of instanceID: in-flight
// steps observe a cancelled Context, and no further waves dispatch.
func (e *Engine) Cancel(instanceID string) error {
	e.mu.Lock()
	h, ok := e.handles[instanceID]
	e.mu.Unlock()
	if !ok {
		return &InvalidStateTransitionError{InstanceID: instanceID, Reason: "not actively running in this process"}
	}
	h.cancelRequested.Store(true)
	h.cancel()
	return nil
}

// Resume reloads a PAUSED instance and resumes driving it from its
// next ready wave, reconstructing the completed-step set from
// persisted Step Execution Records.
func (e *Engine) Resume(ctx context.Context, def *definition.Definition, instanceID string) error {
	inst, err := e.store.LoadInstance(ctx, instanceID)
	if err != nil {
		return err
	}
	if inst.Status != model.StatusPaused {
		return &InvalidStateTransitionError{InstanceID: instanceID, Reason: "resume requires a PAUSED instance"}
	}

	inst.Status = model.StatusRunning
	inst.Version++
	if err := e.store.SaveInstance(ctx, inst); err != nil {
		return sharederrors.FailedToWithDetails("resume workflow instance", instanceID, err)
	}
	e.publish(events.Event{Type: events.WorkflowResumed, WorkflowName: def.Name, InstanceID: instanceID})

	handle := e.registerHandle(instanceID)
	go e.driveLoop(handle, def, instanceID)
	return nil
}

// timeSince returns the duration between start and the engine's
// clock's current time, used for duration metrics/histograms.
func (e *Engine) timeSince(start time.Time) time.Duration {
	return e.clk.Now().Sub(start)
}

func (e *Engine) logFields() logging.Fields {
	return logging.NewFields().Component("engine")
}
