package format

import "testing"

func TestSanitizeSchema_EmptySchemaGetsPlaceholder(t *testing.T) {
	got := SanitizeSchema(nil)
	if got["type"] != "object" {
		t.Fatalf("expected placeholder type object, got %v", got["type"])
	}
	props, ok := got["properties"].(map[string]interface{})
	if !ok || props["reason"] == nil {
		t.Errorf("expected a placeholder 'reason' property, got %v", got["properties"])
	}
}

func TestSanitizeSchema_ConstBecomesEnum(t *testing.T) {
	got := SanitizeSchema(map[string]interface{}{
		"type":  "string",
		"const": "fixed-value",
	})
	enum, ok := got["enum"].([]interface{})
	if !ok || len(enum) != 1 || enum[0] != "fixed-value" {
		t.Errorf("expected const to convert to a single-value enum, got %v", got["enum"])
	}
	if _, ok := got["const"]; ok {
		t.Error("expected const field to be removed after conversion")
	}
}

func TestSanitizeSchema_DropsDisallowedFields(t *testing.T) {
	got := SanitizeSchema(map[string]interface{}{
		"type":      "string",
		"pattern":   "^[a-z]+$",
		"$ref":      "#/$defs/Foo",
		"minLength": 1,
	})
	for _, disallowed := range []string{"pattern", "$ref", "minLength"} {
		if _, ok := got[disallowed]; ok {
			t.Errorf("expected %q to be dropped by the allowlist", disallowed)
		}
	}
}

func TestSanitizeSchema_ObjectWithNoPropertiesGetsPlaceholder(t *testing.T) {
	got := SanitizeSchema(map[string]interface{}{"type": "object"})
	props, ok := got["properties"].(map[string]interface{})
	if !ok || props["reason"] == nil {
		t.Errorf("expected an empty object schema to get the placeholder reason property, got %v", got["properties"])
	}
}

func TestCleanSchema_InlinesLocalRef(t *testing.T) {
	schema := map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"address": map[string]interface{}{
				"$ref": "#/$defs/Address",
			},
		},
		"$defs": map[string]interface{}{
			"Address": map[string]interface{}{
				"type":        "string",
				"description": "a mailing address",
			},
		},
	}

	got := CleanSchema(schema)
	props, ok := got["properties"].(map[string]interface{})
	if !ok {
		t.Fatalf("expected properties to survive cleaning, got %v", got)
	}
	addr, ok := props["address"].(map[string]interface{})
	if !ok {
		t.Fatalf("expected address property to be a map, got %v", props["address"])
	}
	if addr["type"] != "string" {
		t.Errorf("expected $ref to be inlined into the Address def's type, got %v", addr["type"])
	}
	if _, ok := addr["$ref"]; ok {
		t.Error("expected $ref to be removed after inlining")
	}
}

func TestCleanSchema_UnresolvedRefBecomesStringHint(t *testing.T) {
	schema := map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"mystery": map[string]interface{}{
				"$ref": "#/$defs/DoesNotExist",
			},
		},
	}

	got := CleanSchema(schema)
	props := got["properties"].(map[string]interface{})
	mystery := props["mystery"].(map[string]interface{})
	if mystery["type"] != "string" {
		t.Errorf("expected unresolved $ref to fall back to a string placeholder, got %v", mystery["type"])
	}
	desc, _ := mystery["description"].(string)
	if desc == "" {
		t.Error("expected an unresolved $ref to carry a description hint")
	}
}

func TestCleanSchema_DropsUnsupportedKeywords(t *testing.T) {
	schema := map[string]interface{}{
		"type":        "string",
		"$schema":     "http://json-schema.org/draft-07/schema#",
		"minLength":   1,
		"maxLength":   10,
		"pattern":     "^a",
		"description": "x",
	}
	got := CleanSchema(schema)
	for _, dropped := range []string{"$schema", "minLength", "maxLength", "pattern"} {
		if _, ok := got[dropped]; ok {
			t.Errorf("expected %q to be removed from the cleaned schema", dropped)
		}
	}
	if got["description"] != "x" {
		t.Error("expected description to survive cleaning")
	}
}

func TestCleanSchema_NilInputPassesThrough(t *testing.T) {
	if got := CleanSchema(nil); got != nil {
		t.Errorf("expected a nil schema to pass through unchanged, got %v", got)
	}
}
