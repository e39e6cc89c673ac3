package definition

import "fmt"

// InvalidError is raised by the Builder when a Definition fails
// validation.
type InvalidError struct {
	Reason string
}

func (e *InvalidError) Error() string {
	return fmt.Sprintf("definition invalid: %s", e.Reason)
}

// CycleError is raised when the induced dependency graph contains a
// cycle. The Builder checks for this ahead of the resolver so the
// resolver's own check is purely defensive.
type CycleError struct {
	Steps []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("cycle detected among steps: %v", e.Steps)
}

func invalid(format string, args ...interface{}) *InvalidError {
	return &InvalidError{Reason: fmt.Sprintf(format, args...)}
}
