// Package resolver computes the next ready wave of steps for a
// workflow definition: the set of steps whose dependencies are all
// satisfied and which have not themselves run yet.
package resolver

import (
	"fmt"

	"github.com/kubernaut/workflow-engine/pkg/workflow/definition"
)

// CycleError is the resolver's defensive cycle check — it should be
// unreachable for any Definition built via definition.Builder, which
// rejects cycles at construction time.
type CycleError struct {
	Remaining []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("resolver detected a cycle among remaining steps: %v", e.Remaining)
}

// Resolver computes waves for a single Definition via Kahn's
// topological layering.
type Resolver struct {
	def *definition.Definition
}

// New builds a Resolver bound to def.
func New(def *definition.Definition) *Resolver {
	return &Resolver{def: def}
}

// NextWave returns the steps ready to run given the set of step IDs
// already settled (COMPLETED or SKIPPED) and the set currently
// in-flight (RUNNING). In Sequential mode only the first ready step
// (by insertion order) is returned; in Parallel mode the whole ready
// set is returned. The result preserves definition insertion order.
func (r *Resolver) NextWave(settled, inFlight map[string]bool) ([]definition.StepDescriptor, error) {
	var ready []definition.StepDescriptor
	remainingCount := 0

	for _, step := range r.def.Steps {
		if settled[step.ID] || inFlight[step.ID] {
			continue
		}
		remainingCount++
		depsSatisfied := true
		for _, dep := range step.DependsOn {
			if !settled[dep] {
				depsSatisfied = false
				break
			}
		}
		if depsSatisfied {
			ready = append(ready, step)
		}
	}

	if len(ready) == 0 && remainingCount > 0 && len(inFlight) == 0 {
		// Nothing is ready, nothing is in flight, yet steps remain:
		// the dependency graph cannot be resolved. A validated
		// Definition can't reach this, hence the defensive error.
		remaining := make([]string, 0, remainingCount)
		for _, step := range r.def.Steps {
			if !settled[step.ID] {
				remaining = append(remaining, step.ID)
			}
		}
		return nil, &CycleError{Remaining: remaining}
	}

	if r.def.Mode == definition.Sequential && len(ready) > 1 {
		ready = ready[:1]
	}
	return ready, nil
}

// Done reports whether every step has settled.
func (r *Resolver) Done(settled map[string]bool) bool {
	for _, step := range r.def.Steps {
		if !settled[step.ID] {
			return false
		}
	}
	return true
}
