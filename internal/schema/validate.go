package schema

import (
	"encoding/json"
	"fmt"
	"maps"
	"math"
	"reflect"
	"slices"
	"strconv"
)

// FieldError describes the first argument that failed validation.
type FieldError struct {
	// Path locates the field, e.g. "filters[2].name". Empty for the root.
	Path   string
	Reason string
}

// Error implements the error interface.
func (e *FieldError) Error() string {
	if e.Path == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Path, e.Reason)
}

// Validate checks v against the schema. v is expected to be a decoded
// JSON value (map[string]any, []any, float64, string, bool, nil); Go
// integer types and json.Number are accepted as numbers too.
func (s *Schema) Validate(v any) error {
	if s == nil {
		return nil
	}
	return s.validate("", v)
}

func (s *Schema) validate(path string, v any) error {
	if v == nil {
		if s.Nullable || s.Type == TypeNull || s.Type == TypeAny {
			return nil
		}
		return &FieldError{Path: path, Reason: fmt.Sprintf("expected %s, got null", s.Type)}
	}

	switch s.Type {
	case TypeAny:
	case TypeString:
		if _, ok := v.(string); !ok {
			return typeMismatch(path, s.Type, v)
		}
	case TypeBoolean:
		if _, ok := v.(bool); !ok {
			return typeMismatch(path, s.Type, v)
		}
	case TypeNumber:
		if !isNumber(v) {
			return typeMismatch(path, s.Type, v)
		}
	case TypeInteger:
		if !isInteger(v) {
			return typeMismatch(path, s.Type, v)
		}
	case TypeNull:
		return typeMismatch(path, s.Type, v)
	case TypeArray:
		items, ok := v.([]any)
		if !ok {
			return typeMismatch(path, s.Type, v)
		}
		if s.Items != nil {
			for i, item := range items {
				if err := s.Items.validate(fmt.Sprintf("%s[%d]", path, i), item); err != nil {
					return err
				}
			}
		}
	case TypeObject:
		obj, ok := v.(map[string]any)
		if !ok {
			return typeMismatch(path, s.Type, v)
		}
		if err := s.validateObject(path, obj); err != nil {
			return err
		}
	}

	if len(s.Enum) > 0 && !inEnum(s.Enum, v) {
		return &FieldError{Path: path, Reason: fmt.Sprintf("value %v is not one of %v", v, s.Enum)}
	}
	return nil
}

func (s *Schema) validateObject(path string, obj map[string]any) error {
	for _, name := range s.Required {
		if _, ok := obj[name]; !ok {
			return &FieldError{Path: join(path, name), Reason: "required field is missing"}
		}
	}

	// Declared properties are checked in declaration order so the
	// reported error is stable across runs.
	for _, name := range s.PropertyNames() {
		val, ok := obj[name]
		if !ok {
			continue
		}
		prop, _ := s.Properties.Get(name)
		if err := prop.validate(join(path, name), val); err != nil {
			return err
		}
	}

	if s.AdditionalProperties != nil && !*s.AdditionalProperties {
		for _, name := range slices.Sorted(maps.Keys(obj)) {
			if _, declared := s.Property(name); !declared {
				return &FieldError{Path: join(path, name), Reason: "unknown field"}
			}
		}
	}
	return nil
}

func join(path, name string) string {
	if path == "" {
		return name
	}
	return path + "." + name
}

func typeMismatch(path string, want Type, v any) error {
	return &FieldError{Path: path, Reason: fmt.Sprintf("expected %s, got %s", want, describe(v))}
}

func describe(v any) string {
	switch v.(type) {
	case string:
		return "string"
	case bool:
		return "boolean"
	case map[string]any:
		return "object"
	case []any:
		return "array"
	case nil:
		return "null"
	}
	if isNumber(v) {
		return "number"
	}
	return fmt.Sprintf("%T", v)
}

func isNumber(v any) bool {
	switch n := v.(type) {
	case float32, float64,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64:
		return true
	case json.Number:
		_, err := n.Float64()
		return err == nil
	}
	return false
}

func isInteger(v any) bool {
	switch n := v.(type) {
	case int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64:
		return true
	case float32:
		return !math.IsInf(float64(n), 0) && math.Trunc(float64(n)) == float64(n)
	case float64:
		return !math.IsInf(n, 0) && math.Trunc(n) == n
	case json.Number:
		if _, err := n.Int64(); err == nil {
			return true
		}
		f, err := strconv.ParseFloat(n.String(), 64)
		return err == nil && math.Trunc(f) == f
	}
	return false
}

func inEnum(enum []any, v any) bool {
	for _, e := range enum {
		if equalJSON(e, v) {
			return true
		}
	}
	return false
}

// equalJSON compares two decoded JSON values, treating all numeric
// representations as float64.
func equalJSON(a, b any) bool {
	if isNumber(a) && isNumber(b) {
		return toFloat(a) == toFloat(b)
	}
	return reflect.DeepEqual(a, b)
}

func toFloat(v any) float64 {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Float32, reflect.Float64:
		return rv.Float()
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(rv.Int())
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return float64(rv.Uint())
	}
	if n, ok := v.(json.Number); ok {
		f, _ := n.Float64()
		return f
	}
	return math.NaN()
}
