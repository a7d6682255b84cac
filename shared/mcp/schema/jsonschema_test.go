package schema

import "testing"

func TestJSONSchemaValidateObject(t *testing.T) {
	schema := NewObjectSchema(map[string]*JSONSchemaProperty{
		"a": NewNumberSchema("first addend"),
		"b": NewNumberSchema("second addend"),
	}, []string{"a", "b"})

	if err := schema.Validate(map[string]interface{}{"a": 5.0, "b": 3.0}); err != nil {
		t.Errorf("valid object rejected: %v", err)
	}
	if err := schema.Validate(map[string]interface{}{"a": 5.0}); err == nil {
		t.Error("missing required property accepted")
	}
	if err := schema.Validate(map[string]interface{}{"a": 5.0, "b": "three"}); err == nil {
		t.Error("wrong property type accepted")
	}
	if err := schema.Validate("not an object"); err == nil {
		t.Error("non-object accepted")
	}
}

func TestJSONSchemaValidateString(t *testing.T) {
	min, max := 2, 4
	schema := &JSONSchemaProperty{Type: "string", MinLength: &min, MaxLength: &max, Pattern: "^[a-z]+$"}

	if err := schema.Validate("abc"); err != nil {
		t.Errorf("valid string rejected: %v", err)
	}
	for _, bad := range []interface{}{"a", "abcde", "ABC", 3.0} {
		if err := schema.Validate(bad); err == nil {
			t.Errorf("invalid value %v accepted", bad)
		}
	}
}

func TestJSONSchemaValidateInteger(t *testing.T) {
	lo, hi := 0.0, 10.0
	schema := &JSONSchemaProperty{Type: "integer", Minimum: &lo, Maximum: &hi}

	if err := schema.Validate(7.0); err != nil {
		t.Errorf("valid integer rejected: %v", err)
	}
	if err := schema.Validate(7.5); err == nil {
		t.Error("fractional number accepted as integer")
	}
	if err := schema.Validate(11.0); err == nil {
		t.Error("out-of-range integer accepted")
	}
}

func TestJSONSchemaValidateComposition(t *testing.T) {
	schema := &JSONSchemaProperty{
		OneOf: []*JSONSchemaProperty{
			{Type: "string"},
			{Type: "number"},
		},
	}
	if err := schema.Validate("hello"); err != nil {
		t.Errorf("oneOf string rejected: %v", err)
	}
	if err := schema.Validate(1.0); err != nil {
		t.Errorf("oneOf number rejected: %v", err)
	}
	if err := schema.Validate(true); err == nil {
		t.Error("oneOf accepted a value matching no branch")
	}

	arr := NewArraySchema(NewStringSchema(""))
	if err := arr.Validate([]interface{}{"a", "b"}); err != nil {
		t.Errorf("valid array rejected: %v", err)
	}
	if err := arr.Validate([]interface{}{"a", 1.0}); err == nil {
		t.Error("array with wrong item type accepted")
	}
}

func TestJSONSchemaValidateEnum(t *testing.T) {
	schema := NewEnumSchema("red", "green", "blue")
	if err := schema.Validate("green"); err != nil {
		t.Errorf("enum member rejected: %v", err)
	}
	if err := schema.Validate("yellow"); err == nil {
		t.Error("non-member accepted")
	}
}
