// Package schema declares annotation output schemas and validates raw
// annotation responses against them. Parsing and validation are pure: any
// input yields either a fully typed value or a typed error, never a partial
// result.
package schema

import (
	"fmt"
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// FieldType enumerates the supported annotation field types.
type FieldType string

const (
	TypeString FieldType = "string"
	TypeBool   FieldType = "bool"
	TypeEnum   FieldType = "enum"
	TypeList   FieldType = "list"
)

// FieldSpec describes one expected field of the annotation output.
// Enum is required for TypeEnum; Fields describes the element object of a
// TypeList field.
type FieldSpec struct {
	Key      string      `yaml:"key"`
	Type     FieldType   `yaml:"type"`
	Required bool        `yaml:"required"`
	Enum     []string    `yaml:"enum,omitempty"`
	Fields   []FieldSpec `yaml:"fields,omitempty"`
}

// Schema is an ordered set of expected annotation fields.
type Schema struct {
	Name   string      `yaml:"name"`
	Fields []FieldSpec `yaml:"fields"`
}

// LoadFile reads and checks a schema document from a YAML file.
func LoadFile(path string) (Schema, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Schema{}, eris.Wrapf(err, "schema: read %s", path)
	}

	var s Schema
	if err := yaml.Unmarshal(data, &s); err != nil {
		return Schema{}, eris.Wrapf(err, "schema: parse %s", path)
	}

	if err := s.Check(); err != nil {
		return Schema{}, eris.Wrapf(err, "schema: invalid %s", path)
	}
	return s, nil
}

// Check verifies the schema declaration itself is well-formed.
func (s Schema) Check() error {
	if len(s.Fields) == 0 {
		return eris.New("schema has no fields")
	}
	return checkFields(s.Fields, "")
}

func checkFields(fields []FieldSpec, prefix string) error {
	seen := make(map[string]bool, len(fields))
	for _, f := range fields {
		path := f.Key
		if prefix != "" {
			path = prefix + "." + f.Key
		}
		if f.Key == "" {
			return eris.Errorf("field with empty key under %q", prefix)
		}
		if seen[f.Key] {
			return eris.Errorf("duplicate field key %q", path)
		}
		seen[f.Key] = true

		switch f.Type {
		case TypeString, TypeBool:
		case TypeEnum:
			if len(f.Enum) == 0 {
				return eris.Errorf("enum field %q has no values", path)
			}
		case TypeList:
			if len(f.Fields) == 0 {
				return eris.Errorf("list field %q has no element fields", path)
			}
			if err := checkFields(f.Fields, path); err != nil {
				return err
			}
		default:
			return eris.Errorf("field %q has unknown type %q", path, f.Type)
		}
	}
	return nil
}

// Outline renders a JSON skeleton of the schema for inclusion in prompts.
func (s Schema) Outline() string {
	var b strings.Builder
	writeOutline(&b, s.Fields, 0)
	return b.String()
}

func writeOutline(b *strings.Builder, fields []FieldSpec, depth int) {
	indent := strings.Repeat("  ", depth)
	b.WriteString("{\n")
	for i, f := range fields {
		fmt.Fprintf(b, "%s  %q: ", indent, f.Key)
		switch f.Type {
		case TypeString:
			b.WriteString(`"<string>"`)
		case TypeBool:
			b.WriteString("<true|false>")
		case TypeEnum:
			fmt.Fprintf(b, `"<one of: %s>"`, strings.Join(f.Enum, " | "))
		case TypeList:
			b.WriteString("[")
			writeOutline(b, f.Fields, depth+1)
			b.WriteString(", ...]")
		}
		if f.Required {
			b.WriteString("  // required")
		}
		if i < len(fields)-1 {
			b.WriteString(",")
		}
		b.WriteString("\n")
	}
	b.WriteString(indent + "}")
}
