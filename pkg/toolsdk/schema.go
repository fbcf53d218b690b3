package toolsdk

import (
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
)

// SchemaFor reflects a JSON Schema from a tool's argument struct. Fields use
// their json tags for property names and jsonschema tags for descriptions
// and constraints; fields tagged jsonschema:"required" become required
// properties.
func SchemaFor[T any]() (json.RawMessage, error) {
	reflector := &jsonschema.Reflector{
		RequiredFromJSONSchemaTags: true,
		ExpandedStruct:             true,
		DoNotReference:             true,
	}
	schema := reflector.Reflect(new(T))

	data, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("toolsdk: marshal schema: %w", err)
	}

	// The reflector emits document-level keys the tool protocol has no use
	// for; strip them so schemas stay plain argument-object descriptions.
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("toolsdk: decode schema: %w", err)
	}
	delete(doc, "$schema")
	delete(doc, "$id")

	cleaned, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("toolsdk: marshal schema: %w", err)
	}
	return cleaned, nil
}

// MustSchemaFor is SchemaFor for registration-time use, panicking on
// reflection failure.
func MustSchemaFor[T any]() json.RawMessage {
	schema, err := SchemaFor[T]()
	if err != nil {
		panic(err)
	}
	return schema
}
