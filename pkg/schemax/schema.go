// Package schemax validates documents against JSON schemas.
package schemax

import (
	"errors"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// ErrSchemaViolation is wrapped by every validation failure.
var ErrSchemaViolation = errors.New("schema validation failed")

// Validator holds one compiled schema.
type Validator struct {
	schema *gojsonschema.Schema
}

// New compiles a schema given as a Go value, typically map[string]any.
func New(schema any) (*Validator, error) {
	return compile(gojsonschema.NewGoLoader(schema))
}

// NewBytes compiles a schema given as JSON text.
func NewBytes(schema []byte) (*Validator, error) {
	return compile(gojsonschema.NewBytesLoader(schema))
}

// MustNew is New for schemas fixed at compile time.
func MustNew(schema any) *Validator {
	return must(New(schema))
}

// MustNewBytes is NewBytes for schemas embedded in the binary.
func MustNewBytes(schema []byte) *Validator {
	return must(NewBytes(schema))
}

func must(v *Validator, err error) *Validator {
	if err != nil {
		panic(err)
	}
	return v
}

func compile(l gojsonschema.JSONLoader) (*Validator, error) {
	s, err := gojsonschema.NewSchema(l)
	if err != nil {
		return nil, fmt.Errorf("failed to compile schema: %w", err)
	}
	return &Validator{schema: s}, nil
}

// Validate checks doc, which is marshalled to JSON first. The returned
// error names every offending field.
func (v *Validator) Validate(doc any) error {
	res, err := v.schema.Validate(gojsonschema.NewGoLoader(doc))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSchemaViolation, err)
	}
	if res.Valid() {
		return nil
	}

	msgs := make([]string, 0, len(res.Errors()))
	for _, e := range res.Errors() {
		msgs = append(msgs, fmt.Sprintf("'%s' invalid due to %s", e.Field(), e.Description()))
	}
	return fmt.Errorf("%w: %s", ErrSchemaViolation, strings.Join(msgs, "; "))
}
