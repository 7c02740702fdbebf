// Package authtest provides Authenticators for tests and local development.
package authtest

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ggoodman/sharedoc/auth"
)

// NoAuth accepts any non-empty token. The token itself becomes the user id
// unless UserID is set.
type NoAuth struct {
	UserID string
}

// NewNoAuth creates a NoAuth that reports every token as userID. An empty
// userID makes the token the user id.
func NewNoAuth(userID string) *NoAuth {
	return &NoAuth{UserID: userID}
}

// CheckAuthentication accepts tok unless it is empty.
func (n *NoAuth) CheckAuthentication(ctx context.Context, tok string) (auth.UserInfo, error) {
	if tok == "" {
		return nil, fmt.Errorf("%w: empty token", auth.ErrUnauthorized)
	}
	id := n.UserID
	if id == "" {
		id = tok
	}
	return User(id), nil
}

// User is a UserInfo with no claims beyond its id.
type User string

func (u User) UserID() string { return string(u) }

func (u User) Claims(ref any) error {
	return json.Unmarshal([]byte(fmt.Sprintf(`{"sub":%q}`, string(u))), ref)
}
