package transform

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// Field types understood by the JSON writer.
const (
	TypeString  = "string"
	TypeNumber  = "number"
	TypeBoolean = "boolean"
)

// Stylesheet maps an XML document onto an ordered JSON object.
type Stylesheet struct {
	Root        string  `yaml:"root"`
	ContentType string  `yaml:"content_type"`
	Output      []Field `yaml:"output"`
}

// Field is one member of a JSON object.
//
// Select picks the element (or "@attr" of the current element) providing a
// scalar value. Object nests a JSON object evaluated against the selected
// element. Each turns the field into an array with one entry per matching
// element.
type Field struct {
	Name     string  `yaml:"name"`
	Select   string  `yaml:"select"`
	Each     string  `yaml:"each"`
	Object   []Field `yaml:"object"`
	Type     string  `yaml:"type"`
	Required bool    `yaml:"required"`
}

// ParseStylesheet decodes and checks a YAML stylesheet.
func ParseStylesheet(data []byte) (*Stylesheet, error) {
	var s Stylesheet
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse stylesheet: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Validate checks the stylesheet structure.
func (s *Stylesheet) Validate() error {
	if strings.TrimSpace(s.Root) == "" {
		return fmt.Errorf("stylesheet: root is required")
	}
	if len(s.Output) == 0 {
		return fmt.Errorf("stylesheet: output must declare at least one field")
	}
	if s.ContentType == "" {
		s.ContentType = "application/json"
	}
	return validateFields("output", s.Output)
}

func validateFields(path string, fields []Field) error {
	seen := make(map[string]bool, len(fields))
	for i, f := range fields {
		where := fmt.Sprintf("%s[%d]", path, i)
		if strings.TrimSpace(f.Name) == "" {
			return fmt.Errorf("stylesheet: %s: name is required", where)
		}
		if seen[f.Name] {
			return fmt.Errorf("stylesheet: %s: duplicate field %q", where, f.Name)
		}
		seen[f.Name] = true

		switch f.Type {
		case "", TypeString, TypeNumber, TypeBoolean:
		default:
			return fmt.Errorf("stylesheet: %s: unsupported type %q", where, f.Type)
		}
		if len(f.Object) > 0 && f.Type != "" {
			return fmt.Errorf("stylesheet: %s: type applies to scalar fields only", where)
		}
		if f.Select == "" && f.Each == "" && len(f.Object) == 0 {
			return fmt.Errorf("stylesheet: %s: one of select, each or object is required", where)
		}
		if f.Each != "" && strings.Contains(f.Each, "@") {
			return fmt.Errorf("stylesheet: %s: each must select elements", where)
		}
		if len(f.Object) > 0 && strings.Contains(f.Select, "@") {
			return fmt.Errorf("stylesheet: %s: object cannot be built from an attribute", where)
		}
		if len(f.Object) > 0 {
			if err := validateFields(where+"."+f.Name, f.Object); err != nil {
				return err
			}
		}
	}
	return nil
}
