// Package openapi holds the embedded OpenAPI document of the HTTP API and
// validates incoming requests against it before they reach a handler.
package openapi

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/getkin/kin-openapi/openapi3filter"
	"github.com/getkin/kin-openapi/routers"
	"github.com/getkin/kin-openapi/routers/legacy"

	"github.com/pitabwire/closing/model"
)

//go:embed api.yaml
var spec []byte

// Spec returns the raw OpenAPI document.
func Spec() []byte {
	out := make([]byte, len(spec))
	copy(out, spec)
	return out
}

// Validator checks requests against an OpenAPI document.
type Validator struct {
	doc    *openapi3.T
	router routers.Router
}

// NewValidator loads the embedded document.
func NewValidator() (*Validator, error) {
	return NewValidatorFromData(spec)
}

// NewValidatorFromData loads and validates an OpenAPI document.
func NewValidatorFromData(data []byte) (*Validator, error) {
	loader := openapi3.NewLoader()
	loader.IsExternalRefsAllowed = false

	doc, err := loader.LoadFromData(data)
	if err != nil {
		return nil, fmt.Errorf("openapi: loading document: %w", err)
	}
	if err := doc.Validate(context.Background()); err != nil {
		return nil, fmt.Errorf("openapi: validating document: %w", err)
	}

	router, err := legacy.NewRouter(doc)
	if err != nil {
		return nil, fmt.Errorf("openapi: building router: %w", err)
	}
	return &Validator{doc: doc, router: router}, nil
}

// Document returns the parsed OpenAPI document.
func (v *Validator) Document() *openapi3.T {
	return v.doc
}

// OperationIDs returns the operation IDs keyed by "METHOD path".
func (v *Validator) OperationIDs() map[string]string {
	out := make(map[string]string)
	for path, item := range v.doc.Paths.Map() {
		for method, op := range item.Operations() {
			if op.OperationID != "" {
				out[method+" "+path] = op.OperationID
			}
		}
	}
	return out
}

// ValidateRequest validates r against the matching operation. Requests that
// match no documented route are not validated and yield nil; routing them is
// left to the HTTP router. The request body is restored after reading.
// Failures are returned as a VALIDATION_ERROR envelope.
func (v *Validator) ValidateRequest(r *http.Request) error {
	route, pathParams, err := v.router.FindRoute(r)
	if err != nil {
		return nil
	}

	input := &openapi3filter.RequestValidationInput{
		Request:    r,
		PathParams: pathParams,
		Route:      route,
		Options: &openapi3filter.Options{
			MultiError:         true,
			AuthenticationFunc: openapi3filter.NoopAuthenticationFunc,
		},
	}
	if err := openapi3filter.ValidateRequest(r.Context(), input); err != nil {
		return model.NewValidationError(fieldErrors(err))
	}
	return nil
}

// fieldErrors flattens kin-openapi errors into field errors.
func fieldErrors(err error) []model.FieldError {
	switch e := err.(type) {
	case openapi3.MultiError:
		var out []model.FieldError
		for _, inner := range e {
			out = append(out, fieldErrors(inner)...)
		}
		return out

	case *openapi3filter.RequestError:
		field := "body"
		if e.Parameter != nil {
			field = e.Parameter.Name
		}
		if nested, ok := e.Err.(openapi3.MultiError); ok {
			out := make([]model.FieldError, 0, len(nested))
			for _, inner := range nested {
				out = append(out, schemaFieldError(field, inner))
			}
			return out
		}
		if e.Err != nil {
			return []model.FieldError{schemaFieldError(field, e.Err)}
		}
		return []model.FieldError{{Field: field, Code: "INVALID", Message: e.Reason}}
	}

	return []model.FieldError{{Field: "request", Code: "INVALID", Message: err.Error()}}
}

func schemaFieldError(field string, err error) model.FieldError {
	var schemaErr *openapi3.SchemaError
	if errors.As(err, &schemaErr) {
		if ptr := schemaErr.JSONPointer(); len(ptr) > 0 {
			field = field + "." + strings.Join(ptr, ".")
		}
		code := strings.ToUpper(schemaErr.SchemaField)
		if code == "" {
			code = "INVALID"
		}
		return model.FieldError{Field: field, Code: code, Message: schemaErr.Reason}
	}

	var parseErr *openapi3filter.ParseError
	if errors.As(err, &parseErr) {
		return model.FieldError{Field: field, Code: "MALFORMED", Message: parseErr.Error()}
	}
	return model.FieldError{Field: field, Code: "INVALID", Message: err.Error()}
}
