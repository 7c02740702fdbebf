package auth

import (
	"context"
	"errors"
)

var (
	// ErrUnauthorized is returned for a missing, malformed, expired or
	// otherwise untrusted token.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrInsufficientScope is returned when the token is valid but does not
	// grant access to documents.
	ErrInsufficientScope = errors.New("insufficient scope")
)

// UserInfo identifies the user behind an accepted token.
type UserInfo interface {
	// UserID is the stable subject id. It is recorded on every op the user
	// submits.
	UserID() string
	// Claims decodes the token's claim set into ref.
	Claims(ref any) error
}

// Authenticator turns the credential from a client's auth message into a
// user. Implementations must be safe for concurrent use.
type Authenticator interface {
	CheckAuthentication(ctx context.Context, tok string) (UserInfo, error)
}
