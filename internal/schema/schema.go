// Package schema describes tool input contracts and validates call arguments against them.
//
// A Schema is a small subset of JSON Schema: a type, an optional enum, array items, object
// properties in declaration order, a required list and a default value. Validation runs a single
// top-down pass, stops at the first offending field and fills missing optional fields with their
// defaults.
package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"
)

// Type is the JSON type a value must have. The empty type accepts any value.
type Type string

const (
	TypeAny     Type = ""
	TypeString  Type = "string"
	TypeNumber  Type = "number"
	TypeInteger Type = "integer"
	TypeBoolean Type = "boolean"
	TypeObject  Type = "object"
	TypeArray   Type = "array"
)

// Schema is a value contract.
type Schema struct {
	Type        Type
	Description string
	Enum        []any
	Items       *Schema
	Properties  []Property
	Required    []string
	Default     any
}

// Property is a named object member. Order is significant.
type Property struct {
	Name   string
	Schema *Schema
}

func Object(props ...Property) *Schema { return &Schema{Type: TypeObject, Properties: props} }
func String() *Schema                  { return &Schema{Type: TypeString} }
func Number() *Schema                  { return &Schema{Type: TypeNumber} }
func Integer() *Schema                 { return &Schema{Type: TypeInteger} }
func Boolean() *Schema                 { return &Schema{Type: TypeBoolean} }
func Any() *Schema                     { return &Schema{} }
func Array(items *Schema) *Schema      { return &Schema{Type: TypeArray, Items: items} }

// Prop pairs a property name with its schema.
func Prop(name string, s *Schema) Property { return Property{Name: name, Schema: s} }

func (s *Schema) Describe(description string) *Schema {
	s.Description = description
	return s
}

// WithDefault sets the value used when the property is absent.
func (s *Schema) WithDefault(v any) *Schema {
	s.Default = v
	return s
}

// WithEnum restricts the value to one of values.
func (s *Schema) WithEnum(values ...any) *Schema {
	s.Enum = values
	return s
}

// Require marks object properties as mandatory.
func (s *Schema) Require(names ...string) *Schema {
	for _, n := range names {
		if !slices.Contains(s.Required, n) {
			s.Required = append(s.Required, n)
		}
	}
	return s
}

// Property returns the schema of the named property.
func (s *Schema) Property(name string) (*Schema, bool) {
	for _, p := range s.Properties {
		if p.Name == name {
			return p.Schema, true
		}
	}
	return nil, false
}

func (s *Schema) isRequired(name string) bool {
	return slices.Contains(s.Required, name)
}

// MarshalJSON renders the schema as JSON Schema with properties in declaration order.
func (s *Schema) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	first := true
	field := func(name string, v any) error {
		if !first {
			buf.WriteByte(',')
		}
		first = false
		key, _ := json.Marshal(name)
		buf.Write(key)
		buf.WriteByte(':')
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("schema %s: %w", name, err)
		}
		buf.Write(data)
		return nil
	}

	if s.Type != TypeAny {
		if err := field("type", s.Type); err != nil {
			return nil, err
		}
	}
	if s.Description != "" {
		if err := field("description", s.Description); err != nil {
			return nil, err
		}
	}
	if len(s.Enum) > 0 {
		if err := field("enum", s.Enum); err != nil {
			return nil, err
		}
	}
	if s.Items != nil {
		if err := field("items", s.Items); err != nil {
			return nil, err
		}
	}
	if s.Type == TypeObject {
		if err := field("properties", orderedProperties(s.Properties)); err != nil {
			return nil, err
		}
	}
	if len(s.Required) > 0 {
		if err := field("required", s.Required); err != nil {
			return nil, err
		}
	}
	if s.Default != nil {
		if err := field("default", s.Default); err != nil {
			return nil, err
		}
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

type orderedProperties []Property

func (p orderedProperties) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, prop := range p {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, _ := json.Marshal(prop.Name)
		buf.Write(key)
		buf.WriteByte(':')
		data, err := json.Marshal(prop.Schema)
		if err != nil {
			return nil, err
		}
		buf.Write(data)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}
