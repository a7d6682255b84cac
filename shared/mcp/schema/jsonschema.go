package schema

import (
	"fmt"
	"regexp"
	"strings"
)

// JSONSchemaProperty is the closed JSON-Schema subset used to describe
// tool inputs and outputs: object, array, string, number, integer,
// boolean, null, plus oneOf/anyOf/allOf composition. A type outside the
// subset makes validation fail with an "unsupported schema type" error;
// schemas are not checked when a tool is registered.
type JSONSchemaProperty struct {
	Type        string                         `json:"type,omitempty"`
	Title       string                         `json:"title,omitempty"`
	Description string                         `json:"description,omitempty"`
	Properties  map[string]*JSONSchemaProperty `json:"properties,omitempty"`
	Required    []string                       `json:"required,omitempty"`
	Items       *JSONSchemaProperty            `json:"items,omitempty"`
	Enum        []interface{}                  `json:"enum,omitempty"`
	MinLength   *int                           `json:"minLength,omitempty"`
	MaxLength   *int                           `json:"maxLength,omitempty"`
	Pattern     string                         `json:"pattern,omitempty"`
	Format      string                         `json:"format,omitempty"`
	Minimum     *float64                       `json:"minimum,omitempty"`
	Maximum     *float64                       `json:"maximum,omitempty"`
	OneOf       []*JSONSchemaProperty          `json:"oneOf,omitempty"`
	AnyOf       []*JSONSchemaProperty          `json:"anyOf,omitempty"`
	AllOf       []*JSONSchemaProperty          `json:"allOf,omitempty"`
	Default     interface{}                    `json:"default,omitempty"`
}

// Schema builder helpers. These are the explicit alternative to
// compile-time schema generation: callers construct the closed subset
// directly.

func NewObjectSchema(properties map[string]*JSONSchemaProperty, required []string) *JSONSchemaProperty {
	return &JSONSchemaProperty{Type: "object", Properties: properties, Required: required}
}

func NewArraySchema(items *JSONSchemaProperty) *JSONSchemaProperty {
	return &JSONSchemaProperty{Type: "array", Items: items}
}

func NewStringSchema(description string) *JSONSchemaProperty {
	return &JSONSchemaProperty{Type: "string", Description: description}
}

func NewNumberSchema(description string) *JSONSchemaProperty {
	return &JSONSchemaProperty{Type: "number", Description: description}
}

func NewIntegerSchema(description string) *JSONSchemaProperty {
	return &JSONSchemaProperty{Type: "integer", Description: description}
}

func NewBooleanSchema(description string) *JSONSchemaProperty {
	return &JSONSchemaProperty{Type: "boolean", Description: description}
}

func NewEnumSchema(values ...interface{}) *JSONSchemaProperty {
	return &JSONSchemaProperty{Type: "string", Enum: values}
}

// Validate checks a decoded JSON value (as produced by encoding/json:
// map[string]interface{}, []interface{}, string, float64, bool, nil)
// against the schema. The returned error message is suitable for a
// -32602 response.
func (p *JSONSchemaProperty) Validate(value interface{}) error {
	return p.validate(value, "$")
}

func (p *JSONSchemaProperty) validate(value interface{}, path string) error {
	if p == nil {
		return nil
	}

	if len(p.AllOf) > 0 {
		for i, sub := range p.AllOf {
			if err := sub.validate(value, path); err != nil {
				return fmt.Errorf("%s: allOf[%d]: %w", path, i, err)
			}
		}
	}
	if len(p.AnyOf) > 0 {
		var firstErr error
		ok := false
		for _, sub := range p.AnyOf {
			if err := sub.validate(value, path); err == nil {
				ok = true
				break
			} else if firstErr == nil {
				firstErr = err
			}
		}
		if !ok {
			return fmt.Errorf("%s: value matches no anyOf branch: %v", path, firstErr)
		}
	}
	if len(p.OneOf) > 0 {
		matches := 0
		for _, sub := range p.OneOf {
			if err := sub.validate(value, path); err == nil {
				matches++
			}
		}
		if matches != 1 {
			return fmt.Errorf("%s: value matches %d oneOf branches, expected exactly 1", path, matches)
		}
	}

	if len(p.Enum) > 0 {
		for _, allowed := range p.Enum {
			if value == allowed {
				return nil
			}
		}
		return fmt.Errorf("%s: value %v is not one of the allowed values", path, value)
	}

	switch p.Type {
	case "":
		return nil
	case "object":
		obj, ok := value.(map[string]interface{})
		if !ok {
			return fmt.Errorf("%s: expected object, got %s", path, typeName(value))
		}
		for _, req := range p.Required {
			if _, present := obj[req]; !present {
				return fmt.Errorf("%s: missing required property %q", path, req)
			}
		}
		for name, sub := range p.Properties {
			if v, present := obj[name]; present {
				if err := sub.validate(v, path+"."+name); err != nil {
					return err
				}
			}
		}
	case "array":
		arr, ok := value.([]interface{})
		if !ok {
			return fmt.Errorf("%s: expected array, got %s", path, typeName(value))
		}
		if p.Items != nil {
			for i, item := range arr {
				if err := p.Items.validate(item, fmt.Sprintf("%s[%d]", path, i)); err != nil {
					return err
				}
			}
		}
	case "string":
		s, ok := value.(string)
		if !ok {
			return fmt.Errorf("%s: expected string, got %s", path, typeName(value))
		}
		if p.MinLength != nil && len(s) < *p.MinLength {
			return fmt.Errorf("%s: string shorter than minLength %d", path, *p.MinLength)
		}
		if p.MaxLength != nil && len(s) > *p.MaxLength {
			return fmt.Errorf("%s: string longer than maxLength %d", path, *p.MaxLength)
		}
		if p.Pattern != "" {
			re, err := regexp.Compile(p.Pattern)
			if err != nil {
				return fmt.Errorf("%s: invalid pattern %q in schema", path, p.Pattern)
			}
			if !re.MatchString(s) {
				return fmt.Errorf("%s: string does not match pattern %q", path, p.Pattern)
			}
		}
	case "number":
		n, ok := value.(float64)
		if !ok {
			return fmt.Errorf("%s: expected number, got %s", path, typeName(value))
		}
		if err := p.checkRange(n, path); err != nil {
			return err
		}
	case "integer":
		n, ok := value.(float64)
		if !ok || n != float64(int64(n)) {
			return fmt.Errorf("%s: expected integer, got %s", path, typeName(value))
		}
		if err := p.checkRange(n, path); err != nil {
			return err
		}
	case "boolean":
		if _, ok := value.(bool); !ok {
			return fmt.Errorf("%s: expected boolean, got %s", path, typeName(value))
		}
	case "null":
		if value != nil {
			return fmt.Errorf("%s: expected null, got %s", path, typeName(value))
		}
	default:
		return fmt.Errorf("%s: unsupported schema type %q", path, p.Type)
	}
	return nil
}

func (p *JSONSchemaProperty) checkRange(n float64, path string) error {
	if p.Minimum != nil && n < *p.Minimum {
		return fmt.Errorf("%s: %v is below minimum %v", path, n, *p.Minimum)
	}
	if p.Maximum != nil && n > *p.Maximum {
		return fmt.Errorf("%s: %v is above maximum %v", path, n, *p.Maximum)
	}
	return nil
}

func typeName(value interface{}) string {
	switch value.(type) {
	case nil:
		return "null"
	case bool:
		return "boolean"
	case float64:
		return "number"
	case string:
		return "string"
	case []interface{}:
		return "array"
	case map[string]interface{}:
		return "object"
	default:
		return strings.TrimPrefix(fmt.Sprintf("%T", value), "*")
	}
}
