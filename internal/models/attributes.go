package models

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Attributes is a nested key/value tree decoded from provider JSON. Numbers
// are expected as json.Number (decoders should call UseNumber).
type Attributes map[string]any

// Lookup walks a dotted path. Numeric segments index into arrays.
func (a Attributes) Lookup(path string) (any, bool) {
	if a == nil || path == "" {
		return nil, false
	}

	var cur any = map[string]any(a)
	for _, key := range strings.Split(path, ".") {
		switch node := cur.(type) {
		case map[string]any:
			v, ok := node[key]
			if !ok {
				return nil, false
			}
			cur = v
		case Attributes:
			v, ok := node[key]
			if !ok {
				return nil, false
			}
			cur = v
		case []any:
			i, err := strconv.Atoi(key)
			if err != nil || i < 0 || i >= len(node) {
				return nil, false
			}
			cur = node[i]
		default:
			return nil, false
		}
	}
	return cur, true
}

// Has reports whether path resolves to a non-nil value.
func (a Attributes) Has(path string) bool {
	v, ok := a.Lookup(path)
	return ok && v != nil
}

// String returns the value at path rendered as a string, or "".
func (a Attributes) String(path string) string {
	v, ok := a.Lookup(path)
	if !ok {
		return ""
	}
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case json.Number:
		return t.String()
	default:
		return fmt.Sprint(t)
	}
}

// Int returns the value at path as an integer, or 0.
func (a Attributes) Int(path string) int64 {
	v, ok := a.Lookup(path)
	if !ok {
		return 0
	}
	switch t := v.(type) {
	case json.Number:
		if n, err := t.Int64(); err == nil {
			return n
		}
		if f, err := t.Float64(); err == nil {
			return int64(f)
		}
	case float64:
		return int64(t)
	case int64:
		return t
	case int:
		return int64(t)
	case string:
		if n, err := strconv.ParseInt(t, 10, 64); err == nil {
			return n
		}
	}
	return 0
}

// Strings returns the value at path as a string slice. A scalar string yields
// a one-element slice.
func (a Attributes) Strings(path string) []string {
	v, ok := a.Lookup(path)
	if !ok || v == nil {
		return nil
	}
	switch t := v.(type) {
	case []any:
		out := make([]string, 0, len(t))
		for _, e := range t {
			if e == nil {
				continue
			}
			out = append(out, fmt.Sprint(e))
		}
		return out
	case []string:
		return t
	case string:
		if t == "" {
			return nil
		}
		return []string{t}
	}
	return nil
}

// Tree returns the subtree at path, or nil when absent or not an object.
func (a Attributes) Tree(path string) Attributes {
	v, ok := a.Lookup(path)
	if !ok {
		return nil
	}
	switch t := v.(type) {
	case map[string]any:
		return Attributes(t)
	case Attributes:
		return t
	}
	return nil
}
