package transformer

import (
	"bytes"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ValidationError reports a record that does not conform to its stream schema.
// The record is rejected; the stream continues.
type ValidationError struct {
	Stream string
	Line   int
	Err    error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: stream=%s line=%d: %v", e.Stream, e.Line, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// Validator checks records against a compiled draft-07 JSON schema.
type Validator struct {
	schema *jsonschema.Schema
}

// NewValidator compiles raw. Format assertions are enabled so an invalid
// "date-time" string is rejected here rather than in the warehouse.
func NewValidator(stream string, raw []byte) (*Validator, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft7
	c.AssertFormat = true

	const url = "schema.json"
	if err := c.AddResource(url, bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("validator %s: %w", stream, err)
	}
	s, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("validator %s: %w", stream, err)
	}
	return &Validator{schema: s}, nil
}

// Validate returns nil or the schema violation. rec must come from a JSON
// decoder (maps, slices, json.Number, string, bool, nil).
func (v *Validator) Validate(rec map[string]any) error {
	if v == nil {
		return nil
	}
	return v.schema.Validate(rec)
}
