// Package logging builds standard key/value vocabularies so log lines
// across the engine's components stay consistent when passed to a
// logr.Logger's structured Info/Error calls.
package logging

import "time"

// Fields is a fluent builder of logr keysAndValues pairs.
type Fields []interface{}

// NewFields returns an empty field set.
func NewFields() Fields {
	return Fields{}
}

func (f Fields) Component(name string) Fields {
	return append(f, "component", name)
}

func (f Fields) Operation(name string) Fields {
	return append(f, "operation", name)
}

func (f Fields) Workflow(name string) Fields {
	return append(f, "workflow", name)
}

func (f Fields) Instance(id string) Fields {
	return append(f, "instance", id)
}

func (f Fields) Step(id string) Fields {
	return append(f, "step", id)
}

func (f Fields) Attempt(n int) Fields {
	return append(f, "attempt", n)
}

func (f Fields) Resource(kind, name string) Fields {
	f = append(f, "resource_type", kind)
	if name != "" {
		f = append(f, "resource_name", name)
	}
	return f
}

func (f Fields) Duration(d time.Duration) Fields {
	return append(f, "duration_ms", d.Milliseconds())
}

// KeysAndValues returns the field set as logr's variadic
// keysAndValues, for use with Logger.Info or Logger.Error.
func (f Fields) KeysAndValues() []interface{} {
	return []interface{}(f)
}
