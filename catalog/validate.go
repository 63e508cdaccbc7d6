package catalog

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/xraph/jobboard"
)

// ErrorTypeSchemaValidation is the error_type recorded for inputs that
// fail their item's schema.
const ErrorTypeSchemaValidation = "SchemaValidationError"

// ValidationError reports inputs that do not satisfy a schema.
type ValidationError struct {
	// Path is the JSON pointer of the offending value, "" for the root.
	Path    string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Path == "" {
		return e.Message
	}
	return e.Path + ": " + e.Message
}

// ErrorType implements status.Typed.
func (e *ValidationError) ErrorType() string { return ErrorTypeSchemaValidation }

// ErrorPath implements status.Pathed.
func (e *ValidationError) ErrorPath() string { return e.Path }

// Unwrap lets callers match jobboard.ErrSchemaValidation.
func (e *ValidationError) Unwrap() error { return jobboard.ErrSchemaValidation }

// ValidateManifest checks the required manifest fields. A manifest that
// names its item by id or name alone satisfies both.
func ValidateManifest(m Manifest) error {
	var missing []string
	if m.ItemID() == "" {
		missing = append(missing, "id", "name")
	}
	if m.Version == "" {
		missing = append(missing, "version")
	}
	if m.Entrypoint == "" {
		missing = append(missing, "entrypoint")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing field: %s", jobboard.ErrInvalidManifest, strings.Join(missing, ", "))
	}
	return nil
}

// ValidateSchema compiles schema as a draft-7 JSON Schema, which checks it
// against the draft-7 metaschema.
func ValidateSchema(schema map[string]any) error {
	_, err := compile(schema)
	return err
}

// ValidateInputs checks inputs against schema. A failure is returned as
// *ValidationError; an unusable schema wraps jobboard.ErrInvalidSchema.
func ValidateInputs(schema map[string]any, inputs any) error {
	sch, err := compile(schema)
	if err != nil {
		return err
	}

	doc, err := normalize(inputs)
	if err != nil {
		return &ValidationError{Message: "inputs are not a JSON document: " + err.Error()}
	}

	err = sch.Validate(doc)
	if err == nil {
		return nil
	}
	var verr *jsonschema.ValidationError
	if errors.As(err, &verr) {
		leaf := deepest(verr)
		return &ValidationError{Path: leaf.InstanceLocation, Message: leaf.Message}
	}
	return &ValidationError{Message: err.Error()}
}

func compile(schema map[string]any) (*jsonschema.Schema, error) {
	if schema == nil {
		return nil, fmt.Errorf("%w: schema is empty", jobboard.ErrInvalidSchema)
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", jobboard.ErrInvalidSchema, err)
	}

	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft7
	if err := c.AddResource("schema.json", bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("%w: %w", jobboard.ErrInvalidSchema, err)
	}
	sch, err := c.Compile("schema.json")
	if err != nil {
		return nil, fmt.Errorf("%w: %w", jobboard.ErrInvalidSchema, err)
	}
	return sch, nil
}

// normalize converts arbitrary Go values into the generic JSON shapes the
// validator accepts.
func normalize(v any) (any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}

func deepest(e *jsonschema.ValidationError) *jsonschema.ValidationError {
	for len(e.Causes) > 0 {
		e = e.Causes[0]
	}
	return e
}
