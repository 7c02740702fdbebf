package protocol

import (
	"github.com/invopop/jsonschema"
)

// RequestSchema returns the JSON Schema of client to server messages.
func RequestSchema() *jsonschema.Schema {
	return reflectSchema(new(Request), "Request")
}

// ResponseSchema returns the JSON Schema of server to client messages.
func ResponseSchema() *jsonschema.Schema {
	return reflectSchema(new(Response), "Response")
}

func reflectSchema(v any, title string) *jsonschema.Schema {
	r := &jsonschema.Reflector{
		DoNotReference:            true,
		ExpandedStruct:            true,
		AllowAdditionalProperties: true,
	}
	s := r.Reflect(v)
	s.Title = title
	return s
}
