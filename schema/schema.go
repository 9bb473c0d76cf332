// Package schema validates JSON values against a subset of JSON Schema
// (draft-07) and holds the schemas of the documents kept by tabsync.
package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/hashicorp/go-multierror"
)

// Schema is a decoded JSON Schema. Supported keywords:
//   - type (a name or a list of names)
//   - properties, required, additionalProperties
//   - items, minItems, maxItems
//   - minimum, maximum, exclusiveMinimum, exclusiveMaximum
//   - minLength, maxLength (in characters)
//   - enum
type Schema map[string]any

// ValidationError is one violation found in a value.
type ValidationError struct {
	// Path locates the value, "$" being the root.
	Path    string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Path + ": " + e.Message
}

// Validate checks v, a value as produced by encoding/json, against s. It
// reports every violation, each as a *ValidationError, in path order. A nil
// schema accepts everything.
func Validate(s Schema, v any) error {
	if s == nil {
		return nil
	}
	var c checker
	c.value(s, v, "$")
	return c.result()
}

// ValidateJSON decodes raw and validates it against s.
func ValidateJSON(s Schema, raw []byte) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return &ValidationError{Path: "$", Message: fmt.Sprintf("invalid JSON: %v", err)}
	}
	return Validate(s, v)
}

type checker struct {
	errs []*ValidationError
}

func (c *checker) fail(path, format string, args ...any) {
	c.errs = append(c.errs, &ValidationError{Path: path, Message: fmt.Sprintf(format, args...)})
}

func (c *checker) result() error {
	if len(c.errs) == 0 {
		return nil
	}
	if len(c.errs) == 1 {
		return c.errs[0]
	}
	sort.SliceStable(c.errs, func(i, j int) bool { return c.errs[i].Path < c.errs[j].Path })
	var merr *multierror.Error
	for _, e := range c.errs {
		merr = multierror.Append(merr, e)
	}
	return merr
}

func (c *checker) value(s Schema, v any, path string) {
	if t, ok := s["type"]; ok && !c.typeMatches(t, v, path) {
		// the remaining keywords assume the declared type
		return
	}
	if allowed, ok := s["enum"].([]any); ok && !inEnum(allowed, v) {
		c.fail(path, "value not in enum %v", allowed)
	}

	switch v := v.(type) {
	case map[string]any:
		c.object(s, v, path)
	case []any:
		c.array(s, v, path)
	case string:
		c.text(s, v, path)
	case float64:
		c.number(s, v, path)
	case json.Number:
		if f, err := v.Float64(); err == nil {
			c.number(s, f, path)
		}
	}
}

func (c *checker) typeMatches(t any, v any, path string) bool {
	var names []string
	switch t := t.(type) {
	case string:
		names = []string{t}
	case []any:
		for _, n := range t {
			if s, ok := n.(string); ok {
				names = append(names, s)
			}
		}
	case []string:
		names = t
	default:
		return true
	}
	for _, n := range names {
		if isType(n, v) {
			return true
		}
	}
	c.fail(path, "expected type %s, got %q", strings.Join(names, " or "), typeOf(v))
	return false
}

func isType(name string, v any) bool {
	actual := typeOf(v)
	switch name {
	case "integer":
		return isInteger(v)
	case "number":
		return actual == "number" || actual == "integer"
	}
	return actual == name
}

func isInteger(v any) bool {
	switch n := v.(type) {
	case float64:
		return n == float64(int64(n))
	case json.Number:
		if _, err := n.Int64(); err == nil {
			return true
		}
		f, err := n.Float64()
		return err == nil && f == float64(int64(f))
	case int, int64:
		return true
	}
	return false
}

func typeOf(v any) string {
	if v == nil {
		return "null"
	}
	switch v.(type) {
	case map[string]any:
		return "object"
	case []any:
		return "array"
	case string:
		return "string"
	case bool:
		return "boolean"
	case float64, json.Number:
		return "number"
	case int, int64:
		return "integer"
	default:
		return reflect.TypeOf(v).String()
	}
}

func inEnum(allowed []any, v any) bool {
	for _, a := range allowed {
		if reflect.DeepEqual(a, v) {
			return true
		}
		if n, ok := v.(json.Number); ok {
			if f, err := n.Float64(); err == nil && reflect.DeepEqual(a, f) {
				return true
			}
		}
	}
	return false
}

func (c *checker) object(s Schema, obj map[string]any, path string) {
	if req, ok := s["required"].([]any); ok {
		for _, r := range req {
			if field, ok := r.(string); ok {
				if _, exists := obj[field]; !exists {
					c.fail(path, "missing required field %q", field)
				}
			}
		}
	}

	props, _ := s["properties"].(map[string]any)
	fields := make([]string, 0, len(obj))
	for f := range obj {
		fields = append(fields, f)
	}
	sort.Strings(fields)

	var extra []string
	for _, field := range fields {
		ps, defined := props[field]
		if !defined {
			extra = append(extra, field)
			continue
		}
		if sub := asSchema(ps); sub != nil {
			c.value(sub, obj[field], path+"."+field)
		}
	}
	if len(extra) > 0 {
		switch ap := s["additionalProperties"].(type) {
		case bool:
			if !ap {
				c.fail(path, "additional properties not allowed: %s", strings.Join(extra, ", "))
			}
		default:
			if sub := asSchema(ap); sub != nil {
				for _, field := range extra {
					c.value(sub, obj[field], path+"."+field)
				}
			}
		}
	}
}

func (c *checker) array(s Schema, arr []any, path string) {
	if v, ok := toFloat(s["minItems"]); ok && float64(len(arr)) < v {
		c.fail(path, "array length %d is less than minItems %v", len(arr), v)
	}
	if v, ok := toFloat(s["maxItems"]); ok && float64(len(arr)) > v {
		c.fail(path, "array length %d is greater than maxItems %v", len(arr), v)
	}
	if items := asSchema(s["items"]); items != nil {
		for i, elem := range arr {
			c.value(items, elem, fmt.Sprintf("%s[%d]", path, i))
		}
	}
}

func (c *checker) text(s Schema, str string, path string) {
	n := utf8.RuneCountInString(str)
	if v, ok := toFloat(s["minLength"]); ok && float64(n) < v {
		c.fail(path, "string length %d is less than minLength %v", n, v)
	}
	if v, ok := toFloat(s["maxLength"]); ok && float64(n) > v {
		c.fail(path, "string length %d is greater than maxLength %v", n, v)
	}
}

func (c *checker) number(s Schema, n float64, path string) {
	if v, ok := toFloat(s["minimum"]); ok && n < v {
		c.fail(path, "%v is less than minimum %v", n, v)
	}
	if v, ok := toFloat(s["maximum"]); ok && n > v {
		c.fail(path, "%v is greater than maximum %v", n, v)
	}
	if v, ok := toFloat(s["exclusiveMinimum"]); ok && n <= v {
		c.fail(path, "%v is not greater than exclusiveMinimum %v", n, v)
	}
	if v, ok := toFloat(s["exclusiveMaximum"]); ok && n >= v {
		c.fail(path, "%v is not less than exclusiveMaximum %v", n, v)
	}
}

func asSchema(v any) Schema {
	switch s := v.(type) {
	case Schema:
		return s
	case map[string]any:
		return s
	}
	return nil
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}
