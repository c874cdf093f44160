package adapter

import (
	"fmt"
	"sort"
	"strings"
)

// Schema describes an adapter's argument shape: a flat JSON object with
// typed, optionally enumerated fields. Fields marked Secret are redacted in
// audit payloads and caller-facing responses.
type Schema struct {
	Fields   map[string]Field
	Required []string
}

// Field constrains one argument.
type Field struct {
	Type   string // string, number, integer, boolean, object, array
	Enum   []any
	Secret bool
}

// Violation reports a failed schema check with the JSON pointer of the
// offending value.
type Violation struct {
	Pointer string
	Message string
}

func (v *Violation) String() string {
	return fmt.Sprintf("%s: %s", v.Pointer, v.Message)
}

// Validate checks args against the schema and returns the first violation in
// deterministic order (required fields first, then declared fields sorted by
// name), or nil when args conform. Unknown keys are rejected: a tool call
// with arguments the adapter never declared is malformed, not ignorable.
func (s Schema) Validate(args map[string]any) *Violation {
	for _, name := range s.Required {
		if _, ok := args[name]; !ok {
			return &Violation{Pointer: "/" + name, Message: "required field missing"}
		}
	}
	for _, name := range sortedKeys(args) {
		f, ok := s.Fields[name]
		if !ok {
			return &Violation{Pointer: "/" + name, Message: "unknown field"}
		}
		if v := checkType(name, f, args[name]); v != nil {
			return v
		}
	}
	return nil
}

// SecretKeys returns the lower-cased names of fields marked secret, in the
// form the audit redactor consumes.
func (s Schema) SecretKeys() map[string]bool {
	var out map[string]bool
	for name, f := range s.Fields {
		if f.Secret {
			if out == nil {
				out = make(map[string]bool)
			}
			out[strings.ToLower(name)] = true
		}
	}
	return out
}

func checkType(name string, f Field, v any) *Violation {
	ptr := "/" + name
	switch f.Type {
	case "string":
		if _, ok := v.(string); !ok {
			return &Violation{Pointer: ptr, Message: "expected string"}
		}
	case "boolean":
		if _, ok := v.(bool); !ok {
			return &Violation{Pointer: ptr, Message: "expected boolean"}
		}
	case "number":
		if !isNumber(v) {
			return &Violation{Pointer: ptr, Message: "expected number"}
		}
	case "integer":
		if !isInteger(v) {
			return &Violation{Pointer: ptr, Message: "expected integer"}
		}
	case "object":
		if _, ok := v.(map[string]any); !ok {
			return &Violation{Pointer: ptr, Message: "expected object"}
		}
	case "array":
		if _, ok := v.([]any); !ok {
			return &Violation{Pointer: ptr, Message: "expected array"}
		}
	case "":
		// Untyped field: anything goes.
	default:
		return &Violation{Pointer: ptr, Message: "schema declares unknown type " + f.Type}
	}
	if len(f.Enum) > 0 && !enumContains(f.Enum, v) {
		return &Violation{Pointer: ptr, Message: "value not in enum"}
	}
	return nil
}

func isNumber(v any) bool {
	switch v.(type) {
	case float64, float32, int, int32, int64:
		return true
	}
	return false
}

func isInteger(v any) bool {
	switch n := v.(type) {
	case int, int32, int64:
		return true
	case float64:
		return n == float64(int64(n))
	case float32:
		return n == float32(int64(n))
	}
	return false
}

func enumContains(enum []any, v any) bool {
	for _, e := range enum {
		if fmt.Sprintf("%v", e) == fmt.Sprintf("%v", v) {
			return true
		}
	}
	return false
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
