package persistence

import (
	"maps"
	"time"
	"unicode/utf16"
)

// Entity is a row of a TableStore.
type Entity struct {
	PartitionKey string
	RowKey       string
	ETag         string
	Properties   map[string]any
}

// NewEntity returns an entity with an empty property bag.
func NewEntity(pk, rk string) *Entity {
	return &Entity{PartitionKey: pk, RowKey: rk, Properties: map[string]any{}}
}

// Set assigns a property; nil removes it.
func (e *Entity) Set(name string, v any) {
	if e.Properties == nil {
		e.Properties = map[string]any{}
	}
	if v == nil {
		delete(e.Properties, name)
		return
	}
	e.Properties[name] = v
}

func (e *Entity) Has(name string) bool {
	_, ok := e.Properties[name]
	return ok
}

func (e *Entity) GetString(name string) string {
	switch v := e.Properties[name].(type) {
	case string:
		return v
	case time.Time:
		return FormatTime(v)
	}
	return ""
}

func (e *Entity) GetInt(name string) int {
	n, _ := asInt64(e.Properties[name])
	return int(n)
}

// LookupInt is GetInt with a presence flag.
func (e *Entity) LookupInt(name string) (int, bool) {
	n, ok := asInt64(e.Properties[name])
	return int(n), ok
}

func (e *Entity) GetBool(name string) bool {
	switch v := e.Properties[name].(type) {
	case bool:
		return v
	case int64:
		return v != 0
	case string:
		return v == "true"
	}
	return false
}

// GetTime parses a TimeLayout property. Missing or malformed values yield
// the zero time.
func (e *Entity) GetTime(name string) time.Time {
	switch v := e.Properties[name].(type) {
	case time.Time:
		return v.UTC()
	case string:
		t, err := time.Parse(TimeLayout, v)
		if err == nil {
			return t
		}
		t, err = time.Parse(time.RFC3339Nano, v)
		if err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

// Clone returns a deep copy of e. Property values are immutable scalars.
func (e *Entity) Clone() *Entity {
	c := *e
	c.Properties = maps.Clone(e.Properties)
	if c.Properties == nil {
		c.Properties = map[string]any{}
	}
	return &c
}

// project keeps only the selected properties. A nil selection keeps all.
func (e *Entity) project(sel []string) *Entity {
	if sel == nil {
		return e
	}
	c := &Entity{PartitionKey: e.PartitionKey, RowKey: e.RowKey, ETag: e.ETag, Properties: make(map[string]any, len(sel))}
	for _, name := range sel {
		if v, ok := e.Properties[name]; ok {
			c.Properties[name] = v
		}
	}
	return c
}

// estimatedSize approximates the wire size of the entity, counting strings
// as UTF-16.
func (e *Entity) estimatedSize() int {
	size := 2 * (len(e.PartitionKey) + len(e.RowKey))
	for k, v := range e.Properties {
		size += 2 * len(k)
		switch x := v.(type) {
		case string:
			size += UTF16Len(x)
		default:
			size += 8
		}
	}
	return size
}

// UTF16Len is the byte length of s encoded as UTF-16.
func UTF16Len(s string) int {
	n := 0
	for _, r := range s {
		n += utf16.RuneLen(r)
	}
	return 2 * n
}
