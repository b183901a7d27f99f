package schema

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Rule names the constraint a value broke.
type Rule string

const (
	RuleType     Rule = "type"
	RuleEnum     Rule = "enum"
	RuleRequired Rule = "required"
)

const rootField = "arguments"

// ValidationError reports the first field that failed validation.
type ValidationError struct {
	Field    string
	Rule     Rule
	Expected string
	Actual   string
}

func (e *ValidationError) Error() string {
	switch e.Rule {
	case RuleRequired:
		return fmt.Sprintf("missing required field %q", e.Field)
	case RuleEnum:
		return fmt.Sprintf("field %q: value %s is not one of %s", e.Field, e.Actual, e.Expected)
	default:
		return fmt.Sprintf("field %q: expected %s, got %s", e.Field, e.Expected, e.Actual)
	}
}

// ValidateArgs validates the arguments object of a tool call. Absent arguments are treated as an
// empty object. The returned map is a fresh copy with defaults filled.
func ValidateArgs(s *Schema, args map[string]any) (map[string]any, error) {
	if args == nil {
		args = map[string]any{}
	}
	if s == nil {
		return copyValue(args).(map[string]any), nil
	}
	out, err := s.validate(rootField, args)
	if err != nil {
		return nil, err
	}
	m, _ := out.(map[string]any)
	return m, nil
}

// Validate checks value against the schema and returns a normalized copy.
func (s *Schema) Validate(value any) (any, error) {
	return s.validate(rootField, value)
}

func (s *Schema) validate(path string, value any) (any, error) {
	if s == nil {
		return copyValue(value), nil
	}
	if err := s.checkType(path, value); err != nil {
		return nil, err
	}
	if len(s.Enum) > 0 && !s.inEnum(value) {
		return nil, &ValidationError{Field: path, Rule: RuleEnum, Expected: describeEnum(s.Enum), Actual: describeValue(value)}
	}
	switch v := value.(type) {
	case map[string]any:
		if s.Type == TypeObject {
			return s.validateObject(path, v)
		}
	case []any:
		if s.Type == TypeArray {
			return s.validateArray(path, v)
		}
	}
	return copyValue(value), nil
}

func (s *Schema) validateObject(path string, in map[string]any) (any, error) {
	out := make(map[string]any, len(in)+len(s.Properties))
	for k, v := range in {
		out[k] = copyValue(v)
	}
	for _, prop := range s.Properties {
		field := joinField(path, prop.Name)
		v, ok := in[prop.Name]
		if !ok || v == nil {
			if s.isRequired(prop.Name) {
				return nil, &ValidationError{Field: field, Rule: RuleRequired}
			}
			if prop.Schema != nil && prop.Schema.Default != nil {
				out[prop.Name] = copyValue(prop.Schema.Default)
			}
			continue
		}
		nv, err := prop.Schema.validate(field, v)
		if err != nil {
			return nil, err
		}
		out[prop.Name] = nv
	}
	for _, name := range s.Required {
		if _, declared := s.Property(name); declared {
			continue
		}
		if v, ok := in[name]; !ok || v == nil {
			return nil, &ValidationError{Field: joinField(path, name), Rule: RuleRequired}
		}
	}
	return out, nil
}

func (s *Schema) validateArray(path string, in []any) (any, error) {
	out := make([]any, len(in))
	for i, item := range in {
		nv, err := s.Items.validate(fmt.Sprintf("%s[%d]", path, i), item)
		if err != nil {
			return nil, err
		}
		out[i] = nv
	}
	return out, nil
}

func (s *Schema) checkType(path string, value any) error {
	ok := true
	switch s.Type {
	case TypeAny:
	case TypeString:
		_, ok = value.(string)
	case TypeBoolean:
		_, ok = value.(bool)
	case TypeNumber:
		_, ok = toFloat(value)
	case TypeInteger:
		f, isNum := toFloat(value)
		ok = isNum && f == math.Trunc(f) && !math.IsInf(f, 0)
	case TypeObject:
		_, ok = value.(map[string]any)
	case TypeArray:
		_, ok = value.([]any)
	default:
		ok = false
	}
	if !ok {
		return &ValidationError{Field: path, Rule: RuleType, Expected: string(s.Type), Actual: typeName(value)}
	}
	return nil
}

func (s *Schema) inEnum(value any) bool {
	for _, candidate := range s.Enum {
		if equalScalar(candidate, value) {
			return true
		}
	}
	return false
}

func equalScalar(a, b any) bool {
	af, aNum := toFloat(a)
	bf, bNum := toFloat(b)
	if aNum && bNum {
		return af == bf
	}
	if aNum != bNum {
		return false
	}
	return a == b
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func typeName(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case string:
		return "string"
	case bool:
		return "boolean"
	case map[string]any:
		return "object"
	case []any:
		return "array"
	}
	if f, ok := toFloat(v); ok {
		if f == math.Trunc(f) {
			return "integer"
		}
		return "number"
	}
	return fmt.Sprintf("%T", v)
}

func describeValue(v any) string {
	if s, ok := v.(string); ok {
		return strconv.Quote(s)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(data)
}

func describeEnum(values []any) string {
	parts := make([]string, 0, len(values))
	for _, v := range values {
		parts = append(parts, describeValue(v))
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

func joinField(path, name string) string {
	if path == rootField {
		return name
	}
	return path + "." + name
}

// copyValue deep-copies JSON containers so defaults and caller data are never shared between calls.
func copyValue(v any) any {
	switch c := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(c))
		for k, item := range c {
			out[k] = copyValue(item)
		}
		return out
	case []any:
		out := make([]any, len(c))
		for i, item := range c {
			out[i] = copyValue(item)
		}
		return out
	}
	return v
}
