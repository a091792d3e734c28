// Package extract turns rendered page content into values conforming to
// a caller-supplied schema, through interchangeable provider strategies.
package extract

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rmarchant/webextract/internal/hash/sha256"
)

// FieldType enumerates the schema type system.
type FieldType string

// Schema field types.
const (
	TypeString  FieldType = "string"
	TypeNumber  FieldType = "number"
	TypeBoolean FieldType = "boolean"
	TypeArray   FieldType = "array"
	TypeObject  FieldType = "object"
)

// Field describes one attribute of the target structure.
type Field struct {
	Name        string    `json:"name"`
	Type        FieldType `json:"type"`
	Description string    `json:"description,omitempty"`
	Optional    bool      `json:"optional,omitempty"`
	// Fields describes object members when Type is object.
	Fields []Field `json:"fields,omitempty"`
	// Items describes element structure when Type is array.
	Items *Field `json:"items,omitempty"`
}

// Schema is the data description of the extraction target. Being plain
// data keeps every strategy schema-agnostic.
type Schema struct {
	Name        string  `json:"name"`
	Description string  `json:"description,omitempty"`
	Fields      []Field `json:"fields"`
}

// ID returns a deterministic identity for cache keys: any change to the
// schema produces a different ID.
func (s Schema) ID() string {
	raw, err := json.Marshal(s)
	if err != nil {
		return s.Name
	}
	return s.Name + "-" + sha256.Digest(string(raw))[:16]
}

// Prompt renders the schema as instructions a model can follow.
func (s Schema) Prompt() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Respond with a single JSON object named %q", s.Name)
	if s.Description != "" {
		fmt.Fprintf(&b, " (%s)", s.Description)
	}
	b.WriteString(" with these fields:\n")
	writeFields(&b, s.Fields, 0)
	return b.String()
}

func writeFields(b *strings.Builder, fields []Field, depth int) {
	indent := strings.Repeat("  ", depth)
	for _, f := range fields {
		fmt.Fprintf(b, "%s- %s (%s", indent, f.Name, f.Type)
		if f.Optional {
			b.WriteString(", optional")
		}
		b.WriteString(")")
		if f.Description != "" {
			fmt.Fprintf(b, ": %s", f.Description)
		}
		b.WriteString("\n")
		if f.Type == TypeObject {
			writeFields(b, f.Fields, depth+1)
		}
		if f.Type == TypeArray && f.Items != nil {
			fmt.Fprintf(b, "%s  each element (%s):\n", indent, f.Items.Type)
			if f.Items.Type == TypeObject {
				writeFields(b, f.Items.Fields, depth+2)
			}
		}
	}
}

// Validate checks a decoded JSON document against the schema. It returns
// the first violation found.
func (s Schema) Validate(doc any) error {
	obj, ok := doc.(map[string]any)
	if !ok {
		return fmt.Errorf("expected a JSON object, got %T", doc)
	}
	return validateFields(s.Fields, obj, "")
}

func validateFields(fields []Field, obj map[string]any, path string) error {
	for _, f := range fields {
		fieldPath := f.Name
		if path != "" {
			fieldPath = path + "." + f.Name
		}
		val, present := obj[f.Name]
		if !present || val == nil {
			if f.Optional {
				continue
			}
			return fmt.Errorf("missing required field %q", fieldPath)
		}
		if err := validateValue(f, val, fieldPath); err != nil {
			return err
		}
	}
	return nil
}

func validateValue(f Field, val any, path string) error {
	switch f.Type {
	case TypeString:
		if _, ok := val.(string); !ok {
			return fmt.Errorf("field %q: expected string, got %T", path, val)
		}
	case TypeNumber:
		if _, ok := val.(float64); !ok {
			return fmt.Errorf("field %q: expected number, got %T", path, val)
		}
	case TypeBoolean:
		if _, ok := val.(bool); !ok {
			return fmt.Errorf("field %q: expected boolean, got %T", path, val)
		}
	case TypeObject:
		obj, ok := val.(map[string]any)
		if !ok {
			return fmt.Errorf("field %q: expected object, got %T", path, val)
		}
		return validateFields(f.Fields, obj, path)
	case TypeArray:
		arr, ok := val.([]any)
		if !ok {
			return fmt.Errorf("field %q: expected array, got %T", path, val)
		}
		if f.Items == nil {
			return nil
		}
		for i, elem := range arr {
			elemPath := fmt.Sprintf("%s[%d]", path, i)
			if err := validateValue(*f.Items, elem, elemPath); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("field %q: unknown schema type %q", path, f.Type)
	}
	return nil
}
