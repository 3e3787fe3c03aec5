package registry

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// ComputeSourceHash returns the SHA-256 of the canonical JSON encoding of a
// tool schema. encoding/json emits map keys sorted, so decode-then-encode is
// a stable canonical form regardless of upstream key order.
func ComputeSourceHash(schema map[string]any) (string, error) {
	canonical, err := json.Marshal(schema)
	if err != nil {
		return "", fmt.Errorf("failed to canonicalize schema: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// ValidateArguments checks arguments against the tool's JSON Schema. When the
// schema does not compile, validation degrades to a required-fields presence
// check rather than blocking the call.
func ValidateArguments(schemaJSON string, arguments map[string]any) error {
	if schemaJSON == "" || schemaJSON == "{}" {
		return nil
	}

	var schemaDoc map[string]any
	if err := json.Unmarshal([]byte(schemaJSON), &schemaDoc); err != nil {
		return fmt.Errorf("tool schema is not valid JSON: %w", err)
	}

	if arguments == nil {
		arguments = map[string]any{}
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("schema.json", schemaDoc); err != nil {
		return requiredFieldsCheck(schemaDoc, arguments)
	}
	schema, err := compiler.Compile("schema.json")
	if err != nil {
		return requiredFieldsCheck(schemaDoc, arguments)
	}

	// The validator wants the round-tripped representation of the instance.
	instanceJSON, err := json.Marshal(arguments)
	if err != nil {
		return fmt.Errorf("arguments not encodable: %w", err)
	}
	var instance any
	if err := json.Unmarshal(instanceJSON, &instance); err != nil {
		return fmt.Errorf("arguments not decodable: %w", err)
	}

	if err := schema.Validate(instance); err != nil {
		return fmt.Errorf("arguments do not match tool schema: %w", err)
	}
	return nil
}

// requiredFieldsCheck is the degraded validation path: every name in the
// schema's top-level required array must be present in the arguments.
func requiredFieldsCheck(schemaDoc map[string]any, arguments map[string]any) error {
	required, ok := schemaDoc["required"].([]any)
	if !ok {
		return nil
	}
	for _, raw := range required {
		name, ok := raw.(string)
		if !ok {
			continue
		}
		if _, present := arguments[name]; !present {
			return fmt.Errorf("missing required argument %q", name)
		}
	}
	return nil
}
