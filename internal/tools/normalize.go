package tools

import "encoding/json"

// normalizeArguments repairs the one malformation models produce routinely:
// a nested object serialized as a JSON string ("{\"a\":1}" where {"a":1} was
// meant). Guided by the tool's schema, every property expecting type:object
// that arrived as a string is parsed and substituted when the parse yields
// an object; the walk recurses into nested objects and object-typed array
// items. Values that are already objects pass through untouched, which makes
// the operation idempotent.
func normalizeArguments(schema map[string]any, args map[string]any) map[string]any {
	if schema == nil || args == nil {
		return args
	}

	properties, ok := schema["properties"].(map[string]any)
	if !ok {
		return args
	}

	for name, value := range args {
		propSchema, ok := properties[name].(map[string]any)
		if !ok {
			continue
		}
		args[name] = normalizeValue(propSchema, value)
	}
	return args
}

func normalizeValue(propSchema map[string]any, value any) any {
	switch schemaType(propSchema) {
	case "object":
		if s, ok := value.(string); ok {
			var parsed map[string]any
			// Substitute only when the string parses to an object;
			// anything else stays a string.
			if err := json.Unmarshal([]byte(s), &parsed); err == nil && parsed != nil {
				value = parsed
			}
		}
		if m, ok := value.(map[string]any); ok {
			return normalizeArguments(propSchema, m)
		}
		return value

	case "array":
		items, ok := propSchema["items"].(map[string]any)
		if !ok {
			return value
		}
		arr, ok := value.([]any)
		if !ok {
			return value
		}
		for i, elem := range arr {
			arr[i] = normalizeValue(items, elem)
		}
		return arr

	default:
		return value
	}
}

func schemaType(schema map[string]any) string {
	t, _ := schema["type"].(string)
	return t
}
