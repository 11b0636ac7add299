package state

import (
	"fmt"

	json "github.com/goccy/go-json"
)

// encodeObject serializes a value or metadata map.
// A nil map is stored as an empty object.
func encodeObject(m map[string]any) ([]byte, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode state object: %w", err)
	}
	return data, nil
}

// decodeObject deserializes bytes written by encodeObject.
func decodeObject(data []byte) (map[string]any, error) {
	if len(data) == 0 {
		return map[string]any{}, nil
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode state object: %w", err)
	}
	if m == nil {
		m = map[string]any{}
	}
	return m, nil
}

// decodeEntry builds an Entry from its stored columns.
func decodeEntry(key string, value, metadata []byte) (*Entry, error) {
	v, err := decodeObject(value)
	if err != nil {
		return nil, err
	}
	md, err := decodeObject(metadata)
	if err != nil {
		return nil, err
	}
	return &Entry{Key: key, Value: v, Metadata: md}, nil
}
