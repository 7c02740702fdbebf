package stdio

import "os/user"

// UserProvider names the local user on the other end of the streams. The
// name is exposed to the authenticator as the X-Local-User header.
type UserProvider interface {
	LocalUser() (string, error)
}

// OSUserProvider reports the login name of the process owner, or the numeric
// uid when the account has no name.
type OSUserProvider struct{}

func (OSUserProvider) LocalUser() (string, error) {
	cur, err := user.Current()
	switch {
	case err != nil:
		return "", err
	case cur.Username == "":
		return cur.Uid, nil
	default:
		return cur.Username, nil
	}
}

// StaticUser always reports the same name.
type StaticUser string

func (s StaticUser) LocalUser() (string, error) { return string(s), nil }
