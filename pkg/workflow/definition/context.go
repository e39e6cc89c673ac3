package definition

import "context"

// StepContext is the read-only view a step body receives at dispatch:
// an immutable snapshot of the instance context taken before the wave
// started, plus a standard context.Context carrying the cooperative
// cancellation signal and the step's deadline.
type StepContext struct {
	context.Context
	Snapshot map[string]interface{}
}

// Get returns the value for key and whether it was present. Unknown
// keys return (nil, false) rather than panicking.
func (c StepContext) Get(key string) (interface{}, bool) {
	v, ok := c.Snapshot[key]
	return v, ok
}

// Require returns the value for key or a typed error if it is absent,
// per the context mutation discipline in the data model: a
// missing-but-required read must fail the step.
func (c StepContext) Require(key string) (interface{}, error) {
	v, ok := c.Snapshot[key]
	if !ok {
		return nil, &MissingContextKeyError{Key: key}
	}
	return v, nil
}

// MissingContextKeyError is raised by StepContext.Require when a step
// body asks for a key that was never populated.
type MissingContextKeyError struct {
	Key string
}

func (e *MissingContextKeyError) Error() string {
	return "required context key absent: " + e.Key
}
