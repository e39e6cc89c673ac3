package definition

import "time"

// Builder accumulates step descriptors and produces a validated,
// immutable Definition. Forward references to not-yet-added step IDs
// are permitted; validation at Build time confirms the final set is
// complete and acyclic.
type Builder struct {
	name                 string
	mode                 ExecutionMode
	compensationStrategy CompensationStrategy
	globalTimeout        time.Duration
	steps                []StepDescriptor
}

// NewBuilder starts a Definition under construction. mode and strategy
// default to Parallel / CompensateNone when left zero-valued.
func NewBuilder(name string) *Builder {
	return &Builder{
		name:                 name,
		mode:                 Parallel,
		compensationStrategy: CompensateNone,
	}
}

func (b *Builder) WithMode(mode ExecutionMode) *Builder {
	b.mode = mode
	return b
}

func (b *Builder) WithCompensationStrategy(strategy CompensationStrategy) *Builder {
	b.compensationStrategy = strategy
	return b
}

func (b *Builder) WithGlobalTimeout(d time.Duration) *Builder {
	b.globalTimeout = d
	return b
}

// AddStep appends a step descriptor. Order is preserved and used as
// the tie-break for deterministic wave/compensation ordering.
func (b *Builder) AddStep(step StepDescriptor) *Builder {
	b.steps = append(b.steps, step)
	return b
}

// Build validates the accumulated steps and returns an immutable
// Definition, or an *InvalidError / *CycleError describing the first
// problem found.
func (b *Builder) Build() (*Definition, error) {
	if b.name == "" {
		return nil, invalid("workflow name must not be empty")
	}
	if len(b.steps) == 0 {
		def := &Definition{
			Name:                 b.name,
			Mode:                 b.mode,
			CompensationStrategy: b.compensationStrategy,
			GlobalTimeout:        b.globalTimeout,
			Steps:                nil,
			stepIndex:            map[string]int{},
		}
		return def, nil
	}

	seen := make(map[string]int, len(b.steps))
	for i, s := range b.steps {
		if s.ID == "" {
			return nil, invalid("step at position %d has an empty id", i)
		}
		if _, dup := seen[s.ID]; dup {
			return nil, invalid("duplicate step id %q", s.ID)
		}
		seen[s.ID] = i
		if s.Timeout <= 0 {
			return nil, invalid("step %q: timeout must be positive", s.ID)
		}
		if s.Retry.MaxAttempts < 1 {
			return nil, invalid("step %q: retry policy max attempts must be >= 1", s.ID)
		}
	}
	for _, s := range b.steps {
		for _, dep := range s.DependsOn {
			if _, ok := seen[dep]; !ok {
				return nil, invalid("step %q depends on undefined step %q", s.ID, dep)
			}
		}
	}
	if b.globalTimeout < 0 {
		return nil, invalid("global timeout must not be negative")
	}

	if cyc := detectCycle(b.steps, seen); len(cyc) > 0 {
		return nil, &CycleError{Steps: cyc}
	}

	def := &Definition{
		Name:                 b.name,
		Mode:                 b.mode,
		CompensationStrategy: b.compensationStrategy,
		GlobalTimeout:        b.globalTimeout,
		Steps:                append([]StepDescriptor(nil), b.steps...),
		stepIndex:            seen,
	}
	return def, nil
}

// detectCycle runs Kahn's algorithm over the full step set; any step
// left with nonzero in-degree after peeling off zero-in-degree layers
// is part of a cycle.
func detectCycle(steps []StepDescriptor, index map[string]int) []string {
	inDegree := make(map[string]int, len(steps))
	dependents := make(map[string][]string, len(steps))
	for _, s := range steps {
		if _, ok := inDegree[s.ID]; !ok {
			inDegree[s.ID] = 0
		}
		for _, dep := range s.DependsOn {
			inDegree[s.ID]++
			dependents[dep] = append(dependents[dep], s.ID)
		}
	}

	var queue []string
	for _, s := range steps {
		if inDegree[s.ID] == 0 {
			queue = append(queue, s.ID)
		}
	}

	visited := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		visited++
		for _, dependent := range dependents[id] {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				queue = append(queue, dependent)
			}
		}
	}

	if visited == len(steps) {
		return nil
	}

	var remaining []string
	for _, s := range steps {
		if inDegree[s.ID] > 0 {
			remaining = append(remaining, s.ID)
		}
	}
	return remaining
}
