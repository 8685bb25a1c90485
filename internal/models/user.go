package models

import "github.com/zeebo/errs"

// ErrBadUsername is returned for usernames that cannot name a directory.
var ErrBadUsername = errs.Class("bad username")

// Credential represents a login account
type Credential struct {
	Username     string
	PasswordHash string // argon2id PHC string
}

// ValidateUsername accepts names made of [A-Za-z0-9._-] other than "." and
// "..", since a username becomes a directory under personal/.
func ValidateUsername(name string) error {
	if name == "" || name == "." || name == ".." {
		return ErrBadUsername.New("%q", name)
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '.', c == '_', c == '-':
		default:
			return ErrBadUsername.New("%q contains %q", name, c)
		}
	}
	return nil
}
