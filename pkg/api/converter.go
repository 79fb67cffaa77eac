package api

import (
	"encoding/json"
	"fmt"
)

// DataConverter turns payloads into the opaque strings stored in history.
type DataConverter interface {
	Marshal(v any) (string, error)
	Unmarshal(data string, v any) error
}

// JSONConverter is the default DataConverter.
type JSONConverter struct{}

var _ DataConverter = JSONConverter{}

func (JSONConverter) Marshal(v any) (string, error) {
	if v == nil {
		return "", nil
	}
	if s, ok := v.(RawPayload); ok {
		return string(s), nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	return string(b), nil
}

func (JSONConverter) Unmarshal(data string, v any) error {
	if v == nil || data == "" {
		return nil
	}
	if raw, ok := v.(*RawPayload); ok {
		*raw = RawPayload(data)
		return nil
	}
	if err := json.Unmarshal([]byte(data), v); err != nil {
		return fmt.Errorf("unmarshal payload: %w", err)
	}
	return nil
}

// RawPayload bypasses the converter in both directions.
type RawPayload string
