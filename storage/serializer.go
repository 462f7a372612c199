package storage

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrSerializationFailed wraps encoding errors.
var ErrSerializationFailed = errors.New("serialization failed")

// ErrDeserializationFailed wraps decoding errors, typically a corrupt record.
var ErrDeserializationFailed = errors.New("deserialization failed")

// Serializer encodes records for a persistent store.
type Serializer interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// JSONSerializer implements Serializer using JSON. Quote prices encode as
// decimal strings, so no precision is lost on a round trip.
type JSONSerializer struct{}

// NewJSONSerializer creates a new JSON serializer.
func NewJSONSerializer() *JSONSerializer {
	return &JSONSerializer{}
}

// Marshal serializes a value to JSON.
func (js *JSONSerializer) Marshal(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSerializationFailed, err)
	}
	return data, nil
}

// Unmarshal deserializes a value from JSON.
func (js *JSONSerializer) Unmarshal(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", ErrDeserializationFailed, err)
	}
	return nil
}

// GetSerializer returns a serializer for the given format.
func GetSerializer(format string) (Serializer, error) {
	switch format {
	case "", "json":
		return NewJSONSerializer(), nil
	default:
		return nil, fmt.Errorf("unsupported serialization format: %s", format)
	}
}
