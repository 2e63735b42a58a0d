package template

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

//go:embed template.schema.json
var templateSchemaJSON string

const templateSchemaURL = "https://closing.pitabwire.dev/schemas/template.json"

// SchemaValidator checks the structure of a raw template document before it is
// decoded. It rejects unknown keys and wrongly typed values, which the
// semantic checks in Compile cannot see. It is safe for concurrent use.
type SchemaValidator struct {
	schema *jsonschema.Schema
}

// NewSchemaValidator compiles the embedded template schema.
func NewSchemaValidator() (*SchemaValidator, error) {
	c := jsonschema.NewCompiler()

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(templateSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal template schema: %w", err)
	}
	if err := c.AddResource(templateSchemaURL, doc); err != nil {
		return nil, fmt.Errorf("add template schema resource: %w", err)
	}
	sch, err := c.Compile(templateSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile template schema: %w", err)
	}
	return &SchemaValidator{schema: sch}, nil
}

// Validate checks a decoded YAML document. It returns one VError per schema
// violation, or nil.
func (v *SchemaValidator) Validate(doc any) ([]VError, error) {
	value, err := toJSONValue(doc)
	if err != nil {
		return nil, fmt.Errorf("converting template document: %w", err)
	}

	err = v.schema.Validate(value)
	if err == nil {
		return nil, nil
	}
	var verr *jsonschema.ValidationError
	if !errors.As(err, &verr) {
		return nil, err
	}
	return collectViolations(verr), nil
}

// toJSONValue round-trips a value through JSON so numbers become json.Number,
// which the schema library requires.
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

func collectViolations(verr *jsonschema.ValidationError) []VError {
	if len(verr.Causes) == 0 {
		path := "/"
		if len(verr.InstanceLocation) > 0 {
			path = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []VError{{Path: path, Code: CodeSchema, Message: verr.Error()}}
	}

	var out []VError
	for _, cause := range verr.Causes {
		out = append(out, collectViolations(cause)...)
	}
	return out
}
