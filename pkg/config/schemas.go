package config

import (
	"fmt"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"github.com/go-playground/validator/v10"
)

// DocumentValidator checks graph documents against the #Document CUE schema and the
// struct tags of the document types.
type DocumentValidator struct {
	ctx      *cue.Context
	schema   cue.Value
	validate *validator.Validate
}

// NewDocumentValidator compiles the built-in document schema.
func NewDocumentValidator() *DocumentValidator {
	ctx := cuecontext.New()
	val := ctx.CompileString(documentSchema, cue.Filename("document.cue"))
	if err := val.Err(); err != nil {
		panic(fmt.Sprintf("document schema does not compile: %v", err))
	}
	return &DocumentValidator{
		ctx:      ctx,
		schema:   val.LookupPath(cue.ParsePath("#Document")),
		validate: validator.New(),
	}
}

// Validate reports every schema violation of doc as ValidationErrors.
func (v *DocumentValidator) Validate(doc *GraphDocument) error {
	if err := v.validate.Struct(doc); err != nil {
		return fmt.Errorf("invalid document: %w", err)
	}

	dataVal := v.ctx.Encode(doc)
	if err := dataVal.Err(); err != nil {
		return fmt.Errorf("failed to encode document: %w", err)
	}
	unified := v.schema.Unify(dataVal)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return convertCUEErrors(err)
	}
	return nil
}

// Schema returns the CUE source of the document schema.
func Schema() string { return documentSchema }

// convertCUEErrors flattens a CUE error list into ValidationErrors.
func convertCUEErrors(err error) ValidationErrors {
	var out ValidationErrors
	for _, e := range errors.Errors(err) {
		ve := ValidationError{
			Path:    strings.Join(e.Path(), "."),
			Message: errors.Details(e, nil),
		}
		if pos := errors.Positions(e); len(pos) > 0 {
			ve.File = pos[0].Filename()
			ve.Line = pos[0].Line()
			ve.Column = pos[0].Column()
		}
		out = append(out, ve)
	}
	if len(out) == 0 {
		out = append(out, ValidationError{Message: err.Error()})
	}
	return out
}

const documentSchema = `
#ParamType: "null" | "bool" | "int" | "float" | "string" |
	"vec2i" | "vec3i" | "vec4i" | "vec2f" | "vec3f" | "vec4f" |
	"prim" | "dict" | "list" | "curve" | "heatmap"

#Param: {
	name:     string & =~"^[^:/]+$"
	type:     #ParamType
	socket?:  "readonly" | "clone" | "owning"
	default?: _
}

#Node: {
	name:  string & =~"^[^/]+$"
	class: string & !=""
	view?: bool
	pos?: [number, number]
	params?: {[string]: _}
	graph?: #Graph
}

#Edge: {
	from_node:  string & !=""
	from_param: string & !=""
	from_key?:  string
	to_node:    string & !=""
	to_param:   string & !=""
	to_key?:    string
	mode?:      "copy" | "reference"
}

#Graph: {
	nodes?: null | [...#Node]
	links?: null | [...#Edge]
}

#Asset: {
	name:     string & =~"^[^/]+$"
	inputs?:  [...#Param]
	outputs?: [...#Param]
	graph?:   #Graph
}

#Document: {
	version?: string
	variables?: {[string]: _}
	assets?: [...#Asset]
	main: #Graph
}
`
