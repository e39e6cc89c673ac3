package engine

import "encoding/json"

func marshalContext(values map[string]interface{}) (map[string]json.RawMessage, error) {
	out := make(map[string]json.RawMessage, len(values))
	for k, v := range values {
		b, err := json.Marshal(v)
		if err != nil {
			return nil, &NonSerializableOutputError{StepID: k, Cause: err}
		}
		out[k] = b
	}
	return out, nil
}

func unmarshalContext(raw map[string]json.RawMessage) map[string]interface{} {
	out := make(map[string]interface{}, len(raw))
	for k, v := range raw {
		var val interface{}
		// A RawMessage written by marshalContext is always valid JSON;
		// a decode error here would mean the store corrupted the value.
		_ = json.Unmarshal(v, &val)
		out[k] = val
	}
	return out
}
