package tools

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// schemaCache compiles each tool's Parameters() schema once; tool schemas
// are static map literals so the marshaled form is a stable cache key.
var schemaCache sync.Map

func compileParamSchema(schema map[string]interface{}) (*jsonschema.Schema, error) {
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("encode schema: %w", err)
	}
	key := string(raw)
	if cached, ok := schemaCache.Load(key); ok {
		return cached.(*jsonschema.Schema), nil
	}
	compiled, err := jsonschema.CompileString("tool.params.schema.json", key)
	if err != nil {
		return nil, err
	}
	schemaCache.Store(key, compiled)
	return compiled, nil
}

// ValidateParams checks args against a tool's JSON Schema (types, enum,
// min/max, minLength/maxLength, required, nested properties, array items —
// all handled by the compiled schema itself).
func ValidateParams(schema map[string]interface{}, args map[string]interface{}) error {
	if len(schema) == 0 {
		return nil
	}
	compiled, err := compileParamSchema(schema)
	if err != nil {
		return fmt.Errorf("bad tool schema: %w", err)
	}

	raw, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("encode params: %w", err)
	}
	var decoded interface{}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return fmt.Errorf("decode params: %w", err)
	}
	if decoded == nil {
		decoded = map[string]interface{}{}
	}

	if err := compiled.Validate(decoded); err != nil {
		return err
	}
	return nil
}
