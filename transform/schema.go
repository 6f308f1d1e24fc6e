package transform

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// CompileTargetSchema compiles a stored JSON Schema document. Transformed
// records must satisfy it (notably its required fields) before being
// considered successful.
func CompileTargetSchema(raw []byte) (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("parse target schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("target.json", doc); err != nil {
		return nil, fmt.Errorf("add target schema: %w", err)
	}
	schema, err := compiler.Compile("target.json")
	if err != nil {
		return nil, fmt.Errorf("compile target schema: %w", err)
	}
	return schema, nil
}

// ValidateOutput checks a transformed record against the target schema. The
// record is round-tripped through JSON so schema validation sees plain JSON
// values (decimals become numbers, not structs).
func ValidateOutput(schema *jsonschema.Schema, output map[string]any) error {
	encoded, err := json.Marshal(output)
	if err != nil {
		return err
	}
	value, err := jsonschema.UnmarshalJSON(bytes.NewReader(encoded))
	if err != nil {
		return err
	}
	return schema.Validate(value)
}
