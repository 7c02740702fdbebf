package protocol

import "errors"

// Error is a domain error whose message is sent verbatim to the client in the
// error field of a reply. Wrap it with fmt.Errorf("...: %w") to add context
// for logs; ErrorMessage recovers the wire text.
type Error struct {
	Message string
}

func (e *Error) Error() string { return e.Message }

// NewError returns an Error carrying msg.
func NewError(msg string) *Error { return &Error{Message: msg} }

var (
	ErrDocNotFound        = NewError("Document does not exist")
	ErrDocExists          = NewError("Document already exists")
	ErrDocAlreadyOpen     = NewError("Document already open")
	ErrDocAlreadyClosed   = NewError("Doc already closed")
	ErrSessionClosed      = NewError("Session closed")
	ErrTypeMismatch       = NewError("Type mismatch")
	ErrTypeNotFound       = NewError("Type not found")
	ErrNoDocName          = NewError("No docName specified")
	ErrCreateRequiresType = NewError("create:true requires type specified")
	ErrMetaNotObject      = NewError("meta must be an object")
	ErrMissingVersion     = NewError("'v' missing")
	ErrFutureVersion      = NewError("Op at future version")
	ErrOpTooOld           = NewError("Op too old")
	ErrOpAlreadySubmitted = NewError("Op already submitted")
	ErrMissingPath        = NewError("Missing path")
	ErrPathNotArray       = NewError("path should be an array")
	ErrInvalidOp          = NewError("Op failed schema validation")
	ErrForbidden          = NewError("forbidden")
	ErrAuthTimeout        = NewError("Timeout waiting for client auth message")
)

// ErrorMessage returns the client-facing text for err.
func ErrorMessage(err error) string {
	if err == nil {
		return ""
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Message
	}
	return err.Error()
}
