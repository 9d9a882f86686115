package query

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/c0deZ3R0/go-replica-kit/document"
)

// Matcher is a compiled selector predicate.
type Matcher func(document.Document) bool

// Compile turns a selector tree into a predicate. An empty or nil selector
// matches every document. Unknown operators are an error so that a typo in
// an access-control rewrite fails loudly instead of silently widening the
// visible set.
func Compile(sel Selector) (Matcher, error) {
	if len(sel) == 0 {
		return func(document.Document) bool { return true }, nil
	}
	preds := make([]Matcher, 0, len(sel))
	for key, cond := range sel {
		p, err := compileCondition(key, cond)
		if err != nil {
			return nil, err
		}
		preds = append(preds, p)
	}
	return andAll(preds), nil
}

func compileCondition(key string, cond any) (Matcher, error) {
	switch key {
	case "$and", "$or", "$nor":
		items, ok := cond.([]any)
		if !ok {
			return nil, fmt.Errorf("%s expects an array of selectors", key)
		}
		subs := make([]Matcher, 0, len(items))
		for _, item := range items {
			sub, ok := toSelector(item)
			if !ok {
				return nil, fmt.Errorf("%s expects selector objects", key)
			}
			m, err := Compile(sub)
			if err != nil {
				return nil, err
			}
			subs = append(subs, m)
		}
		switch key {
		case "$and":
			return andAll(subs), nil
		case "$or":
			return orAny(subs), nil
		default: // $nor
			or := orAny(subs)
			return func(d document.Document) bool { return !or(d) }, nil
		}
	case "$not":
		sub, ok := toSelector(cond)
		if !ok {
			return nil, fmt.Errorf("$not expects a selector object")
		}
		m, err := Compile(sub)
		if err != nil {
			return nil, err
		}
		return func(d document.Document) bool { return !m(d) }, nil
	default:
		if strings.HasPrefix(key, "$") {
			return nil, fmt.Errorf("unknown selector operator %q", key)
		}
		return compileField(key, cond)
	}
}

// compileField compiles a single field condition, either a bare value
// (equality) or an operator object like {"$gt": 5}.
func compileField(field string, cond any) (Matcher, error) {
	ops, ok := toSelector(cond)
	if !ok || !hasOperatorKeys(ops) {
		// Plain value: equality match.
		return func(d document.Document) bool {
			return compareValues(lookupPath(d, field), cond) == 0 && typeComparable(lookupPath(d, field), cond)
		}, nil
	}

	preds := make([]Matcher, 0, len(ops))
	for op, arg := range ops {
		p, err := compileOperator(field, op, arg)
		if err != nil {
			return nil, err
		}
		preds = append(preds, p)
	}
	return andAll(preds), nil
}

func compileOperator(field, op string, arg any) (Matcher, error) {
	switch op {
	case "$eq":
		return func(d document.Document) bool {
			v := lookupPath(d, field)
			return typeComparable(v, arg) && compareValues(v, arg) == 0
		}, nil
	case "$ne":
		return func(d document.Document) bool {
			v := lookupPath(d, field)
			return !typeComparable(v, arg) || compareValues(v, arg) != 0
		}, nil
	case "$gt":
		return ordered(field, arg, func(c int) bool { return c > 0 }), nil
	case "$gte":
		return ordered(field, arg, func(c int) bool { return c >= 0 }), nil
	case "$lt":
		return ordered(field, arg, func(c int) bool { return c < 0 }), nil
	case "$lte":
		return ordered(field, arg, func(c int) bool { return c <= 0 }), nil
	case "$in", "$nin":
		items, ok := arg.([]any)
		if !ok {
			return nil, fmt.Errorf("%s expects an array", op)
		}
		in := func(d document.Document) bool {
			v := lookupPath(d, field)
			for _, item := range items {
				if typeComparable(v, item) && compareValues(v, item) == 0 {
					return true
				}
			}
			return false
		}
		if op == "$in" {
			return in, nil
		}
		return func(d document.Document) bool { return !in(d) }, nil
	case "$exists":
		want, ok := arg.(bool)
		if !ok {
			return nil, fmt.Errorf("$exists expects a boolean")
		}
		return func(d document.Document) bool {
			_, found := lookupPathOK(d, field)
			return found == want
		}, nil
	case "$not":
		sub, ok := toSelector(arg)
		if !ok {
			return nil, fmt.Errorf("$not expects an operator object")
		}
		m, err := compileField(field, sub)
		if err != nil {
			return nil, err
		}
		return func(d document.Document) bool { return !m(d) }, nil
	default:
		return nil, fmt.Errorf("unknown selector operator %q", op)
	}
}

func ordered(field string, arg any, keep func(int) bool) Matcher {
	return func(d document.Document) bool {
		v := lookupPath(d, field)
		if !typeComparable(v, arg) {
			return false
		}
		return keep(compareValues(v, arg))
	}
}

func andAll(preds []Matcher) Matcher {
	return func(d document.Document) bool {
		for _, p := range preds {
			if !p(d) {
				return false
			}
		}
		return true
	}
}

func orAny(preds []Matcher) Matcher {
	return func(d document.Document) bool {
		for _, p := range preds {
			if p(d) {
				return true
			}
		}
		return false
	}
}

// lookupPath resolves a dotted field path ("_meta.lwt") through nested maps.
func lookupPath(d document.Document, path string) any {
	v, _ := lookupPathOK(d, path)
	return v
}

func lookupPathOK(d document.Document, path string) (any, bool) {
	var cur any = map[string]any(d)
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func toSelector(v any) (Selector, bool) {
	switch s := v.(type) {
	case Selector:
		return s, true
	default:
		return nil, false
	}
}

func hasOperatorKeys(s Selector) bool {
	for k := range s {
		if strings.HasPrefix(k, "$") {
			return true
		}
	}
	return false
}

// compareValues orders two JSON values of the same general type. Numbers are
// coerced to float64 so the int/float distinction after JSON decoding does
// not affect matching.
func compareValues(a, b any) int {
	an, aok := toFloat(a)
	bn, bok := toFloat(b)
	if aok && bok {
		switch {
		case an < bn:
			return -1
		case an > bn:
			return 1
		default:
			return 0
		}
	}
	as, aok := a.(string)
	bs, bok := b.(string)
	if aok && bok {
		return strings.Compare(as, bs)
	}
	ab, aok := a.(bool)
	bb, bok := b.(bool)
	if aok && bok {
		switch {
		case ab == bb:
			return 0
		case !ab:
			return -1
		default:
			return 1
		}
	}
	if a == nil && b == nil {
		return 0
	}
	// Mixed or composite types: fall back to canonical JSON comparison.
	ja, _ := json.Marshal(a)
	jb, _ := json.Marshal(b)
	return strings.Compare(string(ja), string(jb))
}

// typeComparable reports whether two values belong to the same comparable
// family for equality and ordering purposes.
func typeComparable(a, b any) bool {
	if _, ok := toFloat(a); ok {
		_, ok2 := toFloat(b)
		return ok2
	}
	if _, ok := a.(string); ok {
		_, ok2 := b.(string)
		return ok2
	}
	if _, ok := a.(bool); ok {
		_, ok2 := b.(bool)
		return ok2
	}
	if a == nil {
		return b == nil
	}
	return true
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
