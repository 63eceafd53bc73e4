package config

import (
	"encoding/json"

	"github.com/invopop/jsonschema"
)

// Schema renders the JSON schema of the config file, for editor
// completion and validation.
func Schema() ([]byte, error) {
	reflector := &jsonschema.Reflector{
		DoNotReference:             true, // Inline all definitions instead of using $ref
		ExpandedStruct:             true,
		FieldNameTag:               "yaml",
		RequiredFromJSONSchemaTags: true,
	}
	schema := reflector.Reflect(&Config{})
	schema.Title = "agentbridge configuration"
	return json.MarshalIndent(schema, "", "  ")
}
