package protocol

import (
	"bytes"
	"encoding/json"

	"github.com/invopop/jsonschema"
)

// Optional is a JSON value that distinguishes an omitted field from an
// explicit null and from a concrete value. Fields of this type should be
// tagged with omitzero so that the absent state is physically dropped from
// the encoded payload.
type Optional[T any] struct {
	set  bool
	null bool
	v    T
}

// Some returns an Optional holding v.
func Some[T any](v T) Optional[T] {
	return Optional[T]{set: true, v: v}
}

// Null returns an Optional that encodes as JSON null.
func Null[T any]() Optional[T] {
	return Optional[T]{set: true, null: true}
}

// IsZero reports whether the value is absent.
func (o Optional[T]) IsZero() bool { return !o.set }

// Present reports whether the field was supplied, either as null or as a value.
func (o Optional[T]) Present() bool { return o.set }

// IsNull reports whether the field was supplied as an explicit null.
func (o Optional[T]) IsNull() bool { return o.set && o.null }

// Get returns the value and true when the field holds a non-null value.
func (o Optional[T]) Get() (T, bool) {
	if !o.set || o.null {
		var zero T
		return zero, false
	}
	return o.v, true
}

// Ptr returns a pointer to the value, or nil when absent or null.
func (o Optional[T]) Ptr() *T {
	if v, ok := o.Get(); ok {
		return &v
	}
	return nil
}

func (o Optional[T]) MarshalJSON() ([]byte, error) {
	if !o.set || o.null {
		return []byte("null"), nil
	}
	return json.Marshal(o.v)
}

func (o *Optional[T]) UnmarshalJSON(data []byte) error {
	o.set = true
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		o.null = true
		var zero T
		o.v = zero
		return nil
	}
	o.null = false
	return json.Unmarshal(data, &o.v)
}

// JSONSchema describes an Optional as either the schema of T or null.
func (Optional[T]) JSONSchema() *jsonschema.Schema {
	r := &jsonschema.Reflector{DoNotReference: true}
	inner := r.Reflect(new(T))
	inner.Version = ""
	inner.ID = ""
	return &jsonschema.Schema{
		OneOf: []*jsonschema.Schema{inner, {Type: "null"}},
	}
}
