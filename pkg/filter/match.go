package filter

import (
	"reflect"
	"strings"
	"time"

	"github.com/ajitpratap0/tributary/pkg/errors"
	"github.com/ajitpratap0/tributary/pkg/json"
)

// Match evaluates expr against a row. A nil expression matches every row.
// A missing field only matches $eq null. Values of incomparable types do
// not match.
func Match(expr Expression, row map[string]interface{}) (bool, error) {
	switch e := expr.(type) {
	case nil:
		return true, nil
	case Simple:
		return matchSimple(e, row)
	case And:
		for _, c := range e.Children {
			ok, err := Match(c, row)
			if err != nil || !ok {
				return false, err
			}
		}
		return true, nil
	default:
		return false, errors.Newf(errors.ErrorTypeValidation, "unknown expression %T", expr)
	}
}

func matchSimple(s Simple, row map[string]interface{}) (bool, error) {
	actual, present := row[s.Field]
	if !present || actual == nil {
		return s.Op == OpEQ && s.Value == nil, nil
	}
	actual = scalar(actual)

	switch s.Op {
	case OpEQ:
		c, ok := compare(actual, s.Value)
		return ok && c == 0, nil
	case OpLT, OpLTE, OpGT, OpGTE:
		c, ok := compare(actual, s.Value)
		if !ok {
			return false, nil
		}
		switch s.Op {
		case OpLT:
			return c < 0, nil
		case OpLTE:
			return c <= 0, nil
		case OpGT:
			return c > 0, nil
		default:
			return c >= 0, nil
		}
	case OpContains:
		return contains(actual, s.Value), nil
	case OpMatchesAny:
		wants, err := valueList(s)
		if err != nil {
			return false, err
		}
		for _, want := range wants {
			if c, ok := compare(actual, want); ok && c == 0 {
				return true, nil
			}
			if isList(actual) && contains(actual, want) {
				return true, nil
			}
		}
		return false, nil
	case OpMatchesAll:
		wants, err := valueList(s)
		if err != nil {
			return false, err
		}
		for _, want := range wants {
			if !contains(actual, want) {
				return false, nil
			}
		}
		return true, nil
	default:
		return false, errors.Newf(errors.ErrorTypeValidation, "unknown operator %s", s.Op)
	}
}

func valueList(s Simple) ([]interface{}, error) {
	list, ok := s.Value.([]interface{})
	if !ok {
		return nil, errors.Newf(errors.ErrorTypeValidation, "%s on field %q expects an array", s.Op, s.Field)
	}
	return list, nil
}

// scalar converts row values decoded by drivers into the comparison domain.
func scalar(v interface{}) interface{} {
	switch n := v.(type) {
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i
		}
		if f, err := n.Float64(); err == nil {
			return f
		}
		return n.String()
	case []byte:
		return string(n)
	}
	return v
}

// compare orders a against b. The bool is false when they are incomparable.
func compare(a, b interface{}) (int, bool) {
	if ai, ok := asInt(a); ok {
		if bi, ok := asInt(b); ok {
			return cmp(ai, bi), true
		}
	}
	if af, ok := asFloat(a); ok {
		if bf, ok := asFloat(b); ok {
			return cmp(af, bf), true
		}
		return 0, false
	}

	switch av := a.(type) {
	case string:
		if bv, ok := b.(string); ok {
			return strings.Compare(av, bv), true
		}
	case bool:
		if bv, ok := b.(bool); ok {
			if av == bv {
				return 0, true
			}
			if !av {
				return -1, true
			}
			return 1, true
		}
	case time.Time:
		switch bv := b.(type) {
		case time.Time:
			return av.Compare(bv), true
		case string:
			t, err := time.Parse(time.RFC3339Nano, bv)
			if err != nil {
				return 0, false
			}
			return av.Compare(t), true
		}
	}
	return 0, false
}

func cmp[T int64 | float64](a, b T) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func asInt(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int8:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint8:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint32:
		return int64(n), true
	case uint64:
		return int64(n), true
	default:
		return 0, false
	}
}

func asFloat(v interface{}) (float64, bool) {
	if i, ok := asInt(v); ok {
		return float64(i), true
	}
	switch n := v.(type) {
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}

func isList(v interface{}) bool {
	if v == nil {
		return false
	}
	k := reflect.TypeOf(v).Kind()
	return k == reflect.Slice || k == reflect.Array
}

// contains reports whether a string contains a substring, or a list holds an element.
func contains(haystack, needle interface{}) bool {
	if s, ok := haystack.(string); ok {
		n, ok := needle.(string)
		return ok && strings.Contains(s, n)
	}
	if !isList(haystack) {
		return false
	}
	rv := reflect.ValueOf(haystack)
	for i := 0; i < rv.Len(); i++ {
		if c, ok := compare(scalar(rv.Index(i).Interface()), needle); ok && c == 0 {
			return true
		}
	}
	return false
}
