package providers

import "testing"

func TestCleanSchemaForProviderFillsDefaults(t *testing.T) {
	out := CleanSchemaForProvider("anthropic", nil)
	if out["type"] != "object" {
		t.Fatalf("expected default type object, got %v", out["type"])
	}
	if _, ok := out["properties"]; !ok {
		t.Fatal("expected default empty properties map")
	}
}

func TestCleanSchemaForProviderDropsSchemaMarkerAndCopies(t *testing.T) {
	original := map[string]interface{}{
		"$schema": "http://json-schema.org/draft-07/schema#",
		"type":    "object",
		"properties": map[string]interface{}{
			"path": map[string]interface{}{"type": "string"},
		},
	}
	out := CleanSchemaForProvider("openai", original)
	if _, ok := out["$schema"]; ok {
		t.Fatal("expected $schema to be stripped")
	}
	// Mutating the returned copy must not affect the caller's schema.
	out["properties"].(map[string]interface{})["path"].(map[string]interface{})["type"] = "integer"
	origType := original["properties"].(map[string]interface{})["path"].(map[string]interface{})["type"]
	if origType != "string" {
		t.Fatalf("expected deep copy to isolate mutation, original type now %v", origType)
	}
}

func TestCleanToolSchemasWrapsAsFunctionType(t *testing.T) {
	tools := []ToolDefinition{
		{Function: ToolFunctionSchema{Name: "read_file", Description: "reads a file", Parameters: map[string]interface{}{
			"type":       "object",
			"properties": map[string]interface{}{"path": map[string]interface{}{"type": "string"}},
		}}},
	}
	out := CleanToolSchemas("openai", tools)
	if len(out) != 1 {
		t.Fatalf("expected 1 tool, got %d", len(out))
	}
	if out[0]["type"] != "function" {
		t.Fatalf("expected wire type function, got %v", out[0]["type"])
	}
	fn := out[0]["function"].(map[string]interface{})
	if fn["name"] != "read_file" {
		t.Fatalf("expected name read_file, got %v", fn["name"])
	}
}
