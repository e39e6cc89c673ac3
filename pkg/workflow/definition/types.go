// Package definition describes the immutable shape of a workflow: its
// steps, their dependencies, and the policies that govern how it runs.
package definition

import "time"

// ExecutionMode controls how a ready wave of steps is dispatched.
type ExecutionMode string

const (
	// Sequential runs one step at a time in topological order.
	Sequential ExecutionMode = "SEQUENTIAL"
	// Parallel runs every step of a ready wave concurrently.
	Parallel ExecutionMode = "PARALLEL"
)

// CompensationStrategy controls which completed steps get rolled back
// on instance failure or cancellation.
type CompensationStrategy string

const (
	// CompensateAll rolls back every completed step.
	CompensateAll CompensationStrategy = "ALL"
	// CompensateCriticalOnly rolls back only steps flagged Critical.
	CompensateCriticalOnly CompensationStrategy = "CRITICAL_ONLY"
	// CompensateBestEffort rolls back everything, ignoring errors.
	CompensateBestEffort CompensationStrategy = "BEST_EFFORT"
	// CompensateNone performs no rollback.
	CompensateNone CompensationStrategy = "NONE"
)

// RetryClassifier decides whether an error is worth retrying. The
// default classifier retries everything except context.Canceled.
type RetryClassifier func(err error) bool

// RetryPolicy configures the resilience layer's retry behavior for a
// single step.
type RetryPolicy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Jitter       bool
	Classifier   RetryClassifier
}

// DefaultRetryPolicy returns a single-attempt (no-retry) policy,
// useful as a zero-config baseline.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:  1,
		InitialDelay: 0,
		MaxDelay:     0,
		Multiplier:   1,
	}
}

// CompensationAction undoes a completed step's effect. It receives the
// step's recorded output and the instance's final context.
type CompensationAction func(output, finalContext map[string]interface{}) error

// StepBody is the opaque unit of work a step runs. It receives a
// read-only snapshot of the context plus a cooperative cancellation
// signal, and returns its output map. On success the engine stores the
// map's entry named by the step's output key under that key, or the
// whole map when it has no such entry.
type StepBody func(ctx StepContext) (map[string]interface{}, error)

// SkipPredicate decides whether a step should be skipped given the
// pre-wave context snapshot.
type SkipPredicate func(snapshot map[string]interface{}) bool

// StepDescriptor is one node of the workflow DAG.
type StepDescriptor struct {
	ID           string
	Name         string
	DependsOn    []string
	Body         StepBody
	Timeout      time.Duration
	Retry        RetryPolicy
	Compensation CompensationAction
	Critical     bool
	OutputKey    string
	ShouldSkip   SkipPredicate
}

// Definition is the immutable, reusable description of a workflow's
// shape. Construct one via Builder; never mutate a built Definition.
type Definition struct {
	Name                 string
	Mode                 ExecutionMode
	CompensationStrategy CompensationStrategy
	GlobalTimeout        time.Duration
	Steps                []StepDescriptor

	stepIndex map[string]int
}

// StepByID returns the descriptor for id and whether it exists.
func (d *Definition) StepByID(id string) (StepDescriptor, bool) {
	idx, ok := d.stepIndex[id]
	if !ok {
		return StepDescriptor{}, false
	}
	return d.Steps[idx], true
}

// StepIDs returns every step identifier in insertion order.
func (d *Definition) StepIDs() []string {
	ids := make([]string, len(d.Steps))
	for i, s := range d.Steps {
		ids[i] = s.ID
	}
	return ids
}
