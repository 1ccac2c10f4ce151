package persistence

import "encoding/json"

// Execution state is JSON-shaped by construction: it is seeded from
// caller-supplied initial state and extended with interpolated strings
// and webhook response bodies. JSON round-trips it without type
// registration, which gob-style codecs would need for nested
// map[string]any values.

// EncodeState serializes an execution state mapping.
func EncodeState(state map[string]any) ([]byte, error) {
	if state == nil {
		return nil, nil
	}
	return json.Marshal(state)
}

// DecodeState deserializes an execution state mapping. Empty input
// decodes to nil.
func DecodeState(data []byte) (map[string]any, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var state map[string]any
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, err
	}
	return state, nil
}
