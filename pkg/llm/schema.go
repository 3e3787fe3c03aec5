package llm

// SchemaParts splits a JSON-Schema parameters object into the pieces provider
// SDKs want: the properties map and the required-field list. The schema is
// passed through untouched otherwise.
func SchemaParts(parameters map[string]any) (properties map[string]any, required []string) {
	properties = map[string]any{}
	if parameters == nil {
		return properties, nil
	}
	if props, ok := parameters["properties"].(map[string]any); ok {
		properties = props
	}
	switch req := parameters["required"].(type) {
	case []string:
		required = req
	case []any:
		for _, v := range req {
			if s, ok := v.(string); ok {
				required = append(required, s)
			}
		}
	}
	return properties, required
}
