package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Kind is the semantic category of a request.
type Kind int

const (
	KindInvalid Kind = iota
	KindClose
	KindOpen
	KindOp
)

func (k Kind) String() string {
	switch k {
	case KindClose:
		return "close"
	case KindOpen:
		return "open"
	case KindOp:
		return "op"
	default:
		return "invalid"
	}
}

// Request is a client to server message.
type Request struct {
	Doc         Optional[string]          `json:"doc,omitzero" jsonschema:"description=Document name; null requests a random name; omitted means the last name sent by this client"`
	Auth        Optional[json.RawMessage] `json:"auth,omitzero" jsonschema:"description=Credential presented during the handshake"`
	Open        Optional[bool]            `json:"open,omitzero"`
	Create      Optional[bool]            `json:"create,omitzero"`
	Snapshot    Optional[json.RawMessage] `json:"snapshot,omitzero" jsonschema:"description=Must be null to request a snapshot"`
	Type        Optional[string]          `json:"type,omitzero"`
	V           Optional[int64]           `json:"v,omitzero"`
	Op          json.RawMessage           `json:"op,omitempty"`
	Meta        json.RawMessage           `json:"meta,omitempty"`
	DupIfSource json.RawMessage           `json:"dupIfSource,omitempty"`

	invalid error
}

// UnmarshalJSON decodes a request. Field values of the wrong shape do not
// fail decoding; they are reported by Validate so that the message can still
// be buffered and attributed to its connection.
func (r *Request) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return fmt.Errorf("request must be a JSON object: %w", err)
	}
	*r = Request{}

	field := func(key string, dst any, msg string) {
		raw, ok := fields[key]
		if !ok {
			return
		}
		if err := json.Unmarshal(raw, dst); err != nil {
			r.fail(msg)
		}
	}

	field("doc", &r.Doc, "Invalid docName")
	field("auth", &r.Auth, "'auth' invalid")
	field("create", &r.Create, "'create' must be true or missing")
	field("open", &r.Open, "'open' must be true, false or missing")
	field("snapshot", &r.Snapshot, "'snapshot' must be null or missing")
	field("type", &r.Type, "'type' invalid")
	field("v", &r.V, "'v' invalid")

	r.Op = nonNull(fields["op"])
	r.Meta = nonNull(fields["meta"])
	r.DupIfSource = nonNull(fields["dupIfSource"])

	if name, ok := r.Doc.Get(); ok && name == "" {
		r.fail("Invalid docName")
	}
	if r.Create.Present() {
		if v, ok := r.Create.Get(); !ok || !v {
			r.fail("'create' must be true or missing")
		}
	}
	if r.Open.IsNull() {
		r.fail("'open' must be true, false or missing")
	}
	if r.Snapshot.Present() && !r.Snapshot.IsNull() {
		r.fail("'snapshot' must be null or missing")
	}
	if r.Type.IsNull() {
		r.fail("'type' invalid")
	}
	if r.V.IsNull() {
		r.fail("'v' invalid")
	} else if v, ok := r.V.Get(); ok && v < 0 {
		r.fail("'v' invalid")
	}
	return nil
}

func (r *Request) fail(msg string) {
	if r.invalid == nil {
		r.invalid = errors.New(msg)
	}
}

func nonNull(raw json.RawMessage) json.RawMessage {
	if raw == nil || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return nil
	}
	return raw
}

// Validate reports the first field that violates the wire shape.
func (r *Request) Validate() error {
	return r.invalid
}

// HasAuth reports whether the message carries an auth field, null included.
func (r *Request) HasAuth() bool {
	return r.Auth.Present()
}

// Kind classifies the request. The first matching rule wins.
func (r *Request) Kind() Kind {
	if open, ok := r.Open.Get(); ok && !open {
		return KindClose
	}
	if open, ok := r.Open.Get(); ok && open {
		return KindOpen
	}
	if r.Snapshot.IsNull() {
		return KindOpen
	}
	if create, ok := r.Create.Get(); ok && create {
		return KindOpen
	}
	if len(r.Op) > 0 || r.hasMetaPath() {
		return KindOp
	}
	return KindInvalid
}

func (r *Request) hasMetaPath() bool {
	m, err := r.MetaObject()
	return err == nil && m.HasPath()
}

// MetaObject decodes the meta field. A missing meta yields a nil Meta.
func (r *Request) MetaObject() (Meta, error) {
	if len(r.Meta) == 0 {
		return nil, nil
	}
	var m Meta
	if err := json.Unmarshal(r.Meta, &m); err != nil {
		return nil, ErrMetaNotObject
	}
	return m, nil
}

// Response is a server to client message.
type Response struct {
	Doc      Optional[string]          `json:"doc,omitzero"`
	Auth     Optional[string]          `json:"auth,omitzero" jsonschema:"description=Session id on success; null on failure"`
	Open     Optional[bool]            `json:"open,omitzero"`
	Create   Optional[bool]            `json:"create,omitzero"`
	Snapshot Optional[json.RawMessage] `json:"snapshot,omitzero"`
	Type     Optional[string]          `json:"type,omitzero"`
	V        Optional[int64]           `json:"v,omitzero"`
	Op       json.RawMessage           `json:"op,omitempty"`
	Meta     Meta                      `json:"meta,omitempty"`
	Error    string                    `json:"error,omitempty"`
}

// Meta is the free-form metadata attached to documents and operations.
type Meta map[string]any

// Source returns the session id of the connection that submitted the op.
func (m Meta) Source() string {
	s, _ := m["source"].(string)
	return s
}

// HasPath reports whether m addresses a metadata path.
func (m Meta) HasPath() bool {
	return m != nil && m["path"] != nil
}

// Clone returns a shallow copy of m.
func (m Meta) Clone() Meta {
	if m == nil {
		return nil
	}
	out := make(Meta, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// OpEnvelope is a submitted operation together with the version it was
// generated against.
type OpEnvelope struct {
	V           Optional[int64]
	Op          json.RawMessage
	Meta        Meta
	DupIfSource json.RawMessage
}

// IsMetaOp reports whether the envelope only carries a metadata change.
func (e OpEnvelope) IsMetaOp() bool {
	return len(e.Op) == 0 && e.Meta.HasPath()
}

// OpData is an accepted operation as delivered to listeners.
type OpData struct {
	V    int64           `json:"v"`
	Op   json.RawMessage `json:"op,omitempty"`
	Meta Meta            `json:"meta"`
}

// DocData is a document snapshot at a version.
type DocData struct {
	V        int64           `json:"v"`
	Type     string          `json:"type"`
	Snapshot json.RawMessage `json:"snapshot"`
	Meta     Meta            `json:"meta"`
}
