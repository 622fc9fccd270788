// Package filter implements table filter expressions: a small tree of
// comparisons joined by AND, parsed from a JSON or YAML document and
// evaluated either in memory or as a MongoDB query document.
package filter

import (
	"fmt"
	"sort"
	"strings"

	"github.com/ajitpratap0/tributary/pkg/errors"
	"github.com/ajitpratap0/tributary/pkg/json"
)

// Operator is a comparison operator.
type Operator string

const (
	OpLT         Operator = "$lt"
	OpLTE        Operator = "$lte"
	OpEQ         Operator = "$eq"
	OpGT         Operator = "$gt"
	OpGTE        Operator = "$gte"
	OpContains   Operator = "$contains"
	OpMatchesAny Operator = "$matches_any"
	OpMatchesAll Operator = "$matches_all"
)

// ParseOperator validates an operator name.
func ParseOperator(s string) (Operator, bool) {
	switch op := Operator(s); op {
	case OpLT, OpLTE, OpEQ, OpGT, OpGTE, OpContains, OpMatchesAny, OpMatchesAll:
		return op, true
	default:
		return "", false
	}
}

// Expression is either a Simple comparison or an And of expressions.
type Expression interface {
	fmt.Stringer
	expression()
}

// Simple compares one field with a value.
type Simple struct {
	Field string
	Op    Operator
	Value interface{}
}

// And holds when every child holds.
type And struct {
	Children []Expression
}

func (Simple) expression() {}
func (And) expression()    {}

func (s Simple) String() string {
	return fmt.Sprintf("%s %s %v", s.Field, s.Op, s.Value)
}

func (a And) String() string {
	parts := make([]string, len(a.Children))
	for i, c := range a.Children {
		parts[i] = c.String()
	}
	return "(" + strings.Join(parts, " AND ") + ")"
}

// Parse decodes a JSON filter document. An empty document yields a nil
// expression, which matches everything.
func Parse(data []byte) (Expression, error) {
	var doc map[string]interface{}
	if err := json.UnmarshalNumber(data, &doc); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeValidation, "invalid filter document")
	}
	return FromDocument(doc)
}

// FromDocument builds an expression from a decoded document:
//
//	{"a": 1}                      a $eq 1
//	{"a": {"$gt": 1, "$lt": 5}}   a $gt 1 AND a $lt 5
//	{"$and": [{...}, {...}]}      conjunction
//
// Several keys form an implicit conjunction, taken in key order.
func FromDocument(doc map[string]interface{}) (Expression, error) {
	if len(doc) == 0 {
		return nil, nil
	}

	keys := make([]string, 0, len(doc))
	for k := range doc {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var exprs []Expression
	for _, key := range keys {
		value := doc[key]
		if key == "$and" {
			children, err := parseAnd(value)
			if err != nil {
				return nil, err
			}
			exprs = append(exprs, children...)
			continue
		}
		if strings.HasPrefix(key, "$") {
			return nil, errors.Newf(errors.ErrorTypeValidation, "unexpected operator %q at document level", key)
		}

		fieldExprs, err := parseField(key, value)
		if err != nil {
			return nil, err
		}
		exprs = append(exprs, fieldExprs...)
	}

	if len(exprs) == 1 {
		return exprs[0], nil
	}
	return And{Children: exprs}, nil
}

func parseAnd(value interface{}) ([]Expression, error) {
	items, ok := value.([]interface{})
	if !ok {
		return nil, errors.New(errors.ErrorTypeValidation, "$and expects an array")
	}
	var out []Expression
	for _, item := range items {
		doc, ok := asDocument(item)
		if !ok {
			return nil, errors.New(errors.ErrorTypeValidation, "$and items must be documents")
		}
		expr, err := FromDocument(doc)
		if err != nil {
			return nil, err
		}
		if expr != nil {
			out = append(out, expr)
		}
	}
	return out, nil
}

func parseField(field string, value interface{}) ([]Expression, error) {
	ops, ok := asDocument(value)
	if !ok {
		v, err := normalize(value)
		if err != nil {
			return nil, err
		}
		return []Expression{Simple{Field: field, Op: OpEQ, Value: v}}, nil
	}

	names := make([]string, 0, len(ops))
	for k := range ops {
		names = append(names, k)
	}
	sort.Strings(names)

	out := make([]Expression, 0, len(names))
	for _, name := range names {
		op, ok := ParseOperator(name)
		if !ok {
			return nil, errors.Newf(errors.ErrorTypeValidation, "unknown operator %q on field %q", name, field).
				WithDetail("field", field)
		}
		v, err := normalize(ops[name])
		if err != nil {
			return nil, err
		}
		if op == OpMatchesAny || op == OpMatchesAll {
			if _, isList := v.([]interface{}); !isList {
				return nil, errors.Newf(errors.ErrorTypeValidation, "%s on field %q expects an array", op, field)
			}
		}
		out = append(out, Simple{Field: field, Op: op, Value: v})
	}
	return out, nil
}

func asDocument(v interface{}) (map[string]interface{}, bool) {
	switch d := v.(type) {
	case map[string]interface{}:
		return d, true
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(d))
		for k, val := range d {
			out[fmt.Sprint(k)] = val
		}
		return out, true
	default:
		return nil, false
	}
}

// normalize converts decoded numbers to int64 when they are integral and to
// float64 otherwise, recursively through arrays.
func normalize(v interface{}) (interface{}, error) {
	switch n := v.(type) {
	case nil, string, bool, int64, float64:
		return n, nil
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i, nil
		}
		f, err := n.Float64()
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeValidation, "invalid number in filter")
		}
		return f, nil
	case int:
		return int64(n), nil
	case int32:
		return int64(n), nil
	case uint:
		return int64(n), nil
	case uint32:
		return int64(n), nil
	case uint64:
		return int64(n), nil
	case float32:
		return float64(n), nil
	case []interface{}:
		out := make([]interface{}, len(n))
		for i, item := range n {
			nv, err := normalize(item)
			if err != nil {
				return nil, err
			}
			out[i] = nv
		}
		return out, nil
	default:
		return nil, errors.Newf(errors.ErrorTypeValidation, "unsupported filter value of type %T", v)
	}
}

// Fields returns the distinct fields an expression references, in order of appearance.
func Fields(expr Expression) []string {
	seen := make(map[string]bool)
	var out []string
	Walk(expr, func(s Simple) {
		if !seen[s.Field] {
			seen[s.Field] = true
			out = append(out, s.Field)
		}
	})
	return out
}

// HasOperator reports whether any comparison in expr uses op.
func HasOperator(expr Expression, op Operator) bool {
	found := false
	Walk(expr, func(s Simple) {
		if s.Op == op {
			found = true
		}
	})
	return found
}

// Walk calls fn for every Simple in expr, depth first.
func Walk(expr Expression, fn func(Simple)) {
	switch e := expr.(type) {
	case Simple:
		fn(e)
	case And:
		for _, c := range e.Children {
			Walk(c, fn)
		}
	}
}
