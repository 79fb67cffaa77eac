package persistence

import (
	"encoding/base64"
	"fmt"
	"regexp"
	"strings"
)

// Property names addressing the row keys in filters.
const (
	PartitionKeyProperty = "PartitionKey"
	RowKeyProperty       = "RowKey"
)

// Filter is a predicate over entities. Backends translate it into their
// native query language.
type Filter interface {
	isFilter()
}

// CompareOp is a comparison operator.
type CompareOp string

const (
	OpEq CompareOp = "="
	OpNe CompareOp = "<>"
	OpGt CompareOp = ">"
	OpGe CompareOp = ">="
	OpLt CompareOp = "<"
	OpLe CompareOp = "<="
)

// Comparison compares a property with a constant. Rows lacking the
// property never match.
type Comparison struct {
	Property string
	Op       CompareOp
	Value    any
}

type AndFilter struct{ Filters []Filter }
type OrFilter struct{ Filters []Filter }

func (Comparison) isFilter() {}
func (AndFilter) isFilter()  {}
func (OrFilter) isFilter()   {}

func Eq(p string, v any) Filter { return Comparison{Property: p, Op: OpEq, Value: v} }
func Ne(p string, v any) Filter { return Comparison{Property: p, Op: OpNe, Value: v} }
func Gt(p string, v any) Filter { return Comparison{Property: p, Op: OpGt, Value: v} }
func Ge(p string, v any) Filter { return Comparison{Property: p, Op: OpGe, Value: v} }
func Lt(p string, v any) Filter { return Comparison{Property: p, Op: OpLt, Value: v} }
func Le(p string, v any) Filter { return Comparison{Property: p, Op: OpLe, Value: v} }

// And combines filters, dropping nils. It returns nil when nothing is left.
func And(fs ...Filter) Filter {
	kept := compact(fs)
	switch len(kept) {
	case 0:
		return nil
	case 1:
		return kept[0]
	}
	return AndFilter{Filters: kept}
}

// Or combines filters, dropping nils. It returns nil when nothing is left.
func Or(fs ...Filter) Filter {
	kept := compact(fs)
	switch len(kept) {
	case 0:
		return nil
	case 1:
		return kept[0]
	}
	return OrFilter{Filters: kept}
}

// In matches rows whose property equals one of values.
func In[T any](p string, values ...T) Filter {
	fs := make([]Filter, len(values))
	for i, v := range values {
		fs[i] = Eq(p, v)
	}
	return Or(fs...)
}

// HasPrefix matches string properties starting with prefix.
func HasPrefix(p, prefix string) Filter {
	if prefix == "" {
		return nil
	}
	return And(Ge(p, prefix), Lt(p, prefixEnd(prefix)))
}

func prefixEnd(prefix string) string {
	b := []byte(prefix)
	for i := len(b) - 1; i >= 0; i-- {
		if b[i] < 0xff {
			b[i]++
			return string(b[:i+1])
		}
	}
	return prefix + "\xff"
}

func compact(fs []Filter) []Filter {
	out := make([]Filter, 0, len(fs))
	for _, f := range fs {
		if f != nil {
			out = append(out, f)
		}
	}
	return out
}

var propertyNameRE = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

func validPropertyName(name string) error {
	if !propertyNameRE.MatchString(name) {
		return fmt.Errorf("invalid property name %q", name)
	}
	return nil
}

// matches evaluates f against e in memory.
func matches(f Filter, e *Entity) (bool, error) {
	switch x := f.(type) {
	case nil:
		return true, nil
	case Comparison:
		return compareEntity(x, e)
	case AndFilter:
		for _, sub := range x.Filters {
			ok, err := matches(sub, e)
			if err != nil || !ok {
				return false, err
			}
		}
		return true, nil
	case OrFilter:
		for _, sub := range x.Filters {
			ok, err := matches(sub, e)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	}
	return false, fmt.Errorf("unsupported filter %T", f)
}

func compareEntity(c Comparison, e *Entity) (bool, error) {
	want, err := normalizeValue(c.Value)
	if err != nil {
		return false, err
	}
	var have any
	switch c.Property {
	case PartitionKeyProperty:
		have = e.PartitionKey
	case RowKeyProperty:
		have = e.RowKey
	default:
		v, ok := e.Properties[c.Property]
		if !ok {
			return false, nil
		}
		have = v
	}

	cmp, ok := compareValues(have, want)
	if !ok {
		return false, nil
	}
	switch c.Op {
	case OpEq:
		return cmp == 0, nil
	case OpNe:
		return cmp != 0, nil
	case OpGt:
		return cmp > 0, nil
	case OpGe:
		return cmp >= 0, nil
	case OpLt:
		return cmp < 0, nil
	case OpLe:
		return cmp <= 0, nil
	}
	return false, fmt.Errorf("unsupported operator %q", c.Op)
}

// compareValues orders two normalized values of compatible types.
func compareValues(a, b any) (int, bool) {
	switch x := a.(type) {
	case string:
		y, ok := b.(string)
		if !ok {
			return 0, false
		}
		return strings.Compare(x, y), true
	case bool:
		y, ok := b.(bool)
		if !ok {
			return 0, false
		}
		switch {
		case x == y:
			return 0, true
		case !x:
			return -1, true
		}
		return 1, true
	case int64, float64:
		fa, _ := toFloat(a)
		fb, ok := toFloat(b)
		if !ok {
			return 0, false
		}
		switch {
		case fa < fb:
			return -1, true
		case fa > fb:
			return 1, true
		}
		return 0, true
	}
	return 0, false
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case int64:
		return float64(x), true
	case float64:
		return x, true
	}
	return 0, false
}

// Continuation tokens encode the last returned row key pair.

func encodeToken(pk, rk string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(pk + "\x00" + rk))
}

func decodeToken(token string) (pk, rk string, err error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return "", "", fmt.Errorf("invalid continuation token: %w", err)
	}
	pk, rk, ok := strings.Cut(string(raw), "\x00")
	if !ok {
		return "", "", fmt.Errorf("invalid continuation token")
	}
	return pk, rk, nil
}
