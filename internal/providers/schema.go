package providers

// CleanSchemaForProvider adapts a tool's JSON Schema parameters block to a
// specific provider's quirks. Anthropic and the OpenAI-compatible family both
// accept standard JSON Schema, but some OpenRouter/VLLM backends choke on a
// parameters object missing "type"/"properties", and none of them want a
// "$schema" draft marker. This is a defensive normalization pass, not a
// translation between schema dialects.
func CleanSchemaForProvider(provider string, params map[string]interface{}) map[string]interface{} {
	if params == nil {
		return map[string]interface{}{"type": "object", "properties": map[string]interface{}{}}
	}
	out := deepCopySchema(params)
	if _, ok := out["type"]; !ok {
		out["type"] = "object"
	}
	if _, ok := out["properties"]; !ok {
		out["properties"] = map[string]interface{}{}
	}
	delete(out, "$schema")
	return out
}

func deepCopySchema(v map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(v))
	for k, val := range v {
		out[k] = deepCopyValue(val)
	}
	return out
}

func deepCopyValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		return deepCopySchema(t)
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, e := range t {
			out[i] = deepCopyValue(e)
		}
		return out
	default:
		return v
	}
}

// CleanToolSchemas converts tool definitions to the OpenAI-compatible wire
// shape ({type:"function", function:{name, description, parameters}}),
// running each parameters block through CleanSchemaForProvider.
func CleanToolSchemas(provider string, tools []ToolDefinition) []map[string]interface{} {
	out := make([]map[string]interface{}, 0, len(tools))
	for _, t := range tools {
		out = append(out, map[string]interface{}{
			"type": "function",
			"function": map[string]interface{}{
				"name":        t.Function.Name,
				"description": t.Function.Description,
				"parameters":  CleanSchemaForProvider(provider, t.Function.Parameters),
			},
		})
	}
	return out
}
