package mcpmgr

import (
	"encoding/json"
	"fmt"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

const draft202012 = "https://json-schema.org/draft/2020-12/schema"

// compileInputSchema resolves a tool's advertised input schema for argument
// validation. It returns nil when the tool has no schema or the schema cannot
// be used for validation; such tools are called unchecked.
func compileInputSchema(tool *mcp.Tool) (*jsonschema.Resolved, error) {
	if tool == nil || tool.InputSchema == nil {
		return nil, nil
	}
	raw, err := json.Marshal(tool.InputSchema)
	if err != nil {
		return nil, fmt.Errorf("marshal input schema: %w", err)
	}
	var schema jsonschema.Schema
	if err := json.Unmarshal(raw, &schema); err != nil {
		return nil, fmt.Errorf("decode input schema: %w", err)
	}
	// Older drafts share the keywords we care about; the validator refuses
	// them by name only.
	if schema.Schema != "" && schema.Schema != draft202012 {
		schema.Schema = ""
	}
	resolved, err := schema.Resolve(nil)
	if err != nil {
		return nil, fmt.Errorf("resolve input schema: %w", err)
	}
	return resolved, nil
}

// validateArguments checks args against a resolved schema. Args are
// normalised through JSON first so structs and maps validate alike.
func validateArguments(schema *jsonschema.Resolved, args any) error {
	if schema == nil {
		return nil
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("encode arguments: %w", err)
	}
	var instance any
	if err := json.Unmarshal(raw, &instance); err != nil {
		return fmt.Errorf("decode arguments: %w", err)
	}
	if instance == nil {
		instance = map[string]any{}
	}
	return schema.Validate(instance)
}
