// Package schema models the JSON-schema subset that MCP servers use to
// describe tool inputs. A Schema is an explicit tree of typed fields that
// tool arguments are validated against before dispatch, and it projects
// back to JSON in a fixed, declaration-ordered form so the model sees the
// same tool definitions on every run.
package schema

import (
	"bytes"
	"encoding/json"
	"fmt"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Type is a JSON-schema primitive type name.
type Type string

// Supported types. TypeAny means the schema declared no type.
const (
	TypeAny     Type = ""
	TypeObject  Type = "object"
	TypeString  Type = "string"
	TypeNumber  Type = "number"
	TypeInteger Type = "integer"
	TypeBoolean Type = "boolean"
	TypeArray   Type = "array"
	TypeNull    Type = "null"
)

func (t Type) valid() bool {
	switch t {
	case TypeObject, TypeString, TypeNumber, TypeInteger, TypeBoolean, TypeArray, TypeNull:
		return true
	}
	return false
}

// Schema is one node of a tool input schema.
type Schema struct {
	Type Type
	// Nullable is set for union types such as ["string", "null"].
	Nullable    bool
	Title       string
	Description string
	// Properties preserves the order the server declared them in.
	Properties *orderedmap.OrderedMap[string, *Schema]
	Required   []string
	Items      *Schema
	Enum       []any
	Default    any
	// AdditionalProperties is nil when unspecified.
	AdditionalProperties *bool
}

// Parse decodes a JSON schema document.
func Parse(data []byte) (*Schema, error) {
	if len(bytes.TrimSpace(data)) == 0 || bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		return nil, fmt.Errorf("empty schema")
	}
	var s Schema
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse schema: %w", err)
	}
	return &s, nil
}

// FromMap converts a decoded map into a Schema. Map iteration order is
// random in Go, so property order follows encoding/json's sorted keys.
func FromMap(m map[string]any) (*Schema, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode schema map: %w", err)
	}
	return Parse(data)
}

// Object returns an empty object schema for tools that take no input.
func Object() *Schema {
	return &Schema{Type: TypeObject, Properties: orderedmap.New[string, *Schema]()}
}

// Property returns the named property schema.
func (s *Schema) Property(name string) (*Schema, bool) {
	if s == nil || s.Properties == nil {
		return nil, false
	}
	return s.Properties.Get(name)
}

// PropertyNames returns property names in declaration order.
func (s *Schema) PropertyNames() []string {
	if s == nil || s.Properties == nil {
		return nil
	}
	names := make([]string, 0, s.Properties.Len())
	for pair := s.Properties.Oldest(); pair != nil; pair = pair.Next() {
		names = append(names, pair.Key)
	}
	return names
}

type rawSchema struct {
	Type                 json.RawMessage                         `json:"type"`
	Title                string                                  `json:"title"`
	Description          string                                  `json:"description"`
	Properties           *orderedmap.OrderedMap[string, *Schema] `json:"properties"`
	Required             []string                                `json:"required"`
	Items                *Schema                                 `json:"items"`
	Enum                 []any                                   `json:"enum"`
	Default              any                                     `json:"default"`
	AdditionalProperties json.RawMessage                         `json:"additionalProperties"`
}

// UnmarshalJSON implements json.Unmarshaler. Unknown keywords are
// ignored.
func (s *Schema) UnmarshalJSON(data []byte) error {
	var raw rawSchema
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	typ, nullable, err := parseType(raw.Type)
	if err != nil {
		return err
	}
	if typ == TypeAny && raw.Properties != nil {
		typ = TypeObject
	}

	*s = Schema{
		Type:        typ,
		Nullable:    nullable,
		Title:       raw.Title,
		Description: raw.Description,
		Properties:  raw.Properties,
		Required:    raw.Required,
		Items:       raw.Items,
		Enum:        raw.Enum,
		Default:     raw.Default,
	}

	if len(raw.AdditionalProperties) > 0 {
		var b bool
		if err := json.Unmarshal(raw.AdditionalProperties, &b); err == nil {
			s.AdditionalProperties = &b
		}
		// A schema-valued additionalProperties constrains extra fields
		// we do not model; treat it as unspecified.
	}

	if s.Properties != nil {
		for pair := s.Properties.Oldest(); pair != nil; pair = pair.Next() {
			if pair.Value == nil {
				return fmt.Errorf("property %q: null schema", pair.Key)
			}
		}
	}
	for _, name := range s.Required {
		if name == "" {
			return fmt.Errorf("empty name in required")
		}
	}
	return nil
}

func parseType(raw json.RawMessage) (Type, bool, error) {
	if len(raw) == 0 {
		return TypeAny, false, nil
	}

	var single string
	if err := json.Unmarshal(raw, &single); err == nil {
		t := Type(single)
		if !t.valid() {
			return "", false, fmt.Errorf("unsupported type %q", single)
		}
		return t, false, nil
	}

	var union []string
	if err := json.Unmarshal(raw, &union); err != nil {
		return "", false, fmt.Errorf("type must be a string or array of strings")
	}

	var (
		typ      Type
		nullable bool
	)
	for _, name := range union {
		t := Type(name)
		switch {
		case !t.valid():
			return "", false, fmt.Errorf("unsupported type %q", name)
		case t == TypeNull:
			nullable = true
		case typ == TypeAny:
			typ = t
		default:
			return "", false, fmt.Errorf("multi-type union %v is not supported", union)
		}
	}
	if typ == TypeAny && nullable {
		typ = TypeNull
		nullable = false
	}
	return typ, nullable, nil
}

// MarshalJSON emits keys in a fixed order: type, title, description,
// properties (declaration order), required, items, enum, default,
// additionalProperties.
func (s *Schema) MarshalJSON() ([]byte, error) {
	if s == nil {
		return []byte("null"), nil
	}

	var buf bytes.Buffer
	buf.WriteByte('{')
	first := true
	field := func(key string, value any) error {
		data, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("marshal %s: %w", key, err)
		}
		if !first {
			buf.WriteByte(',')
		}
		first = false
		k, _ := json.Marshal(key)
		buf.Write(k)
		buf.WriteByte(':')
		buf.Write(data)
		return nil
	}

	var err error
	if s.Type != TypeAny {
		if s.Nullable {
			err = field("type", []Type{s.Type, TypeNull})
		} else {
			err = field("type", s.Type)
		}
		if err != nil {
			return nil, err
		}
	}
	if s.Title != "" {
		if err := field("title", s.Title); err != nil {
			return nil, err
		}
	}
	if s.Description != "" {
		if err := field("description", s.Description); err != nil {
			return nil, err
		}
	}
	if s.Properties != nil {
		if err := field("properties", s.Properties); err != nil {
			return nil, err
		}
	} else if s.Type == TypeObject {
		if err := field("properties", struct{}{}); err != nil {
			return nil, err
		}
	}
	if len(s.Required) > 0 {
		if err := field("required", s.Required); err != nil {
			return nil, err
		}
	}
	if s.Items != nil {
		if err := field("items", s.Items); err != nil {
			return nil, err
		}
	}
	if len(s.Enum) > 0 {
		if err := field("enum", s.Enum); err != nil {
			return nil, err
		}
	}
	if s.Default != nil {
		if err := field("default", s.Default); err != nil {
			return nil, err
		}
	}
	if s.AdditionalProperties != nil {
		if err := field("additionalProperties", *s.AdditionalProperties); err != nil {
			return nil, err
		}
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// Clean returns a deep copy with every "title" removed. Some model APIs
// (Gemini function declarations) reject titles in parameter schemas.
func (s *Schema) Clean() *Schema {
	if s == nil {
		return nil
	}
	out := *s
	out.Title = ""
	if s.Properties != nil {
		out.Properties = orderedmap.New[string, *Schema]()
		for pair := s.Properties.Oldest(); pair != nil; pair = pair.Next() {
			out.Properties.Set(pair.Key, pair.Value.Clean())
		}
	}
	out.Items = s.Items.Clean()
	if s.Required != nil {
		out.Required = append([]string(nil), s.Required...)
	}
	if s.Enum != nil {
		out.Enum = append([]any(nil), s.Enum...)
	}
	if s.AdditionalProperties != nil {
		b := *s.AdditionalProperties
		out.AdditionalProperties = &b
	}
	return &out
}
