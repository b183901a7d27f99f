package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Check compiles the schema as a JSON Schema document so a malformed contract is reported at
// registration. It also rejects required names that cannot be satisfied by a declared type.
func (s *Schema) Check(name string) error {
	if err := s.checkShape(name); err != nil {
		return err
	}
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode schema %s: %w", name, err)
	}
	loc := "mem://schemas/" + url.PathEscape(name) + ".json"
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(loc, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("load schema %s: %w", name, err)
	}
	if _, err := compiler.Compile(loc); err != nil {
		return fmt.Errorf("compile schema %s: %w", name, err)
	}
	return nil
}

func (s *Schema) checkShape(path string) error {
	switch s.Type {
	case TypeAny, TypeString, TypeNumber, TypeInteger, TypeBoolean, TypeObject, TypeArray:
	default:
		return fmt.Errorf("schema %s: unknown type %q", path, s.Type)
	}
	if s.Type == TypeArray && s.Items != nil {
		if err := s.Items.checkShape(path + "[]"); err != nil {
			return err
		}
	}
	seen := make(map[string]bool, len(s.Properties))
	for _, p := range s.Properties {
		if p.Schema == nil {
			return fmt.Errorf("schema %s: property %q has no schema", path, p.Name)
		}
		if seen[p.Name] {
			return fmt.Errorf("schema %s: property %q declared twice", path, p.Name)
		}
		seen[p.Name] = true
		if err := p.Schema.checkShape(path + "." + p.Name); err != nil {
			return err
		}
		if p.Schema.Default != nil {
			if _, err := p.Schema.Validate(p.Schema.Default); err != nil {
				return fmt.Errorf("schema %s: default of %q: %w", path, p.Name, err)
			}
		}
	}
	return nil
}
