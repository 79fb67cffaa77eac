package persistence

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// TimeLayout is the fixed-width UTC layout used for time properties. Being
// fixed width, stored times order correctly as plain strings, which is what
// the range filters of every backend rely on.
const TimeLayout = "2006-01-02T15:04:05.000000000Z"

// FormatTime renders t in TimeLayout.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// normalizeValue maps a Go value onto the small set of property types every
// backend round-trips: string, int64, float64 and bool. Times become
// TimeLayout strings.
func normalizeValue(v any) (any, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case string, bool, int64, float64:
		return x, nil
	case int:
		return int64(x), nil
	case int32:
		return int64(x), nil
	case uint32:
		return int64(x), nil
	case float32:
		return float64(x), nil
	case time.Time:
		return FormatTime(x), nil
	case *time.Time:
		if x == nil {
			return nil, nil
		}
		return FormatTime(*x), nil
	case json.Number:
		if n, err := x.Int64(); err == nil {
			return n, nil
		}
		f, err := x.Float64()
		if err != nil {
			return nil, fmt.Errorf("invalid number %q: %w", x.String(), err)
		}
		return f, nil
	}
	return nil, fmt.Errorf("unsupported property type %T", v)
}

// normalizeProperties returns a copy of props with every value normalized
// and nil values dropped.
func normalizeProperties(props map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(props))
	for k, v := range props {
		nv, err := normalizeValue(v)
		if err != nil {
			return nil, fmt.Errorf("property %s: %w", k, err)
		}
		if nv != nil {
			out[k] = nv
		}
	}
	return out, nil
}

// EncodeProperties serializes properties for storage in a document column.
func EncodeProperties(props map[string]any) ([]byte, error) {
	norm, err := normalizeProperties(props)
	if err != nil {
		return nil, err
	}
	return json.Marshal(norm)
}

// DecodeProperties is the inverse of EncodeProperties. JSON nulls, which a
// projection produces for absent properties, are dropped.
func DecodeProperties(data []byte) (map[string]any, error) {
	if len(data) == 0 {
		return map[string]any{}, nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode properties: %w", err)
	}
	return normalizeProperties(raw)
}

func asInt64(v any) (int64, bool) {
	switch x := v.(type) {
	case int64:
		return x, true
	case int:
		return int64(x), true
	case int32:
		return int64(x), true
	case float64:
		return int64(x), true
	case string:
		n, err := strconv.ParseInt(x, 10, 64)
		return n, err == nil
	}
	return 0, false
}
