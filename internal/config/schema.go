package config

import (
	_ "embed"
	"fmt"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
)

//go:embed schema.cue
var schemaCUE string

// checkSchema validates a decoded YAML document against #Config.
func checkSchema(doc any) error {
	ctx := cuecontext.New()

	schema := ctx.CompileString(schemaCUE, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("compile config schema: %w", err)
	}
	def := schema.LookupPath(cue.ParsePath("#Config"))

	val := ctx.Encode(doc)
	if err := val.Err(); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	if err := def.Unify(val).Validate(cue.Concrete(true)); err != nil {
		return &SchemaError{Details: cueerrors.Details(err, nil)}
	}
	return nil
}

// SchemaError reports a config document that does not match the schema.
type SchemaError struct {
	Details string
}

func (e *SchemaError) Error() string {
	return "config does not match schema: " + e.Details
}
