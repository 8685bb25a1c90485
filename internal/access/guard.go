// Package access decides who may upload, read and delete photos.
package access

import (
	"github.com/zeebo/errs"

	"localphotos/internal/models"
)

var (
	// ErrAuthRequired is returned when the action needs an authenticated caller.
	ErrAuthRequired = errs.Class("auth required")
	// ErrForbidden is returned when the caller is not the owner.
	ErrForbidden = errs.Class("forbidden")
	// ErrForbiddenAnonymous is returned when deleting a photo that has no owner.
	ErrForbiddenAnonymous = errs.Class("forbidden anonymous")
)

// Caller is the identity established for a request.
type Caller struct {
	Subject       string
	Authenticated bool
}

// Anonymous is the caller of a request without a valid token.
var Anonymous = Caller{}

// known reports whether c names a user. An empty subject identifies nobody
// and is treated as anonymous.
func (c Caller) known() bool { return c.Authenticated && c.Subject != "" }

// Authenticated returns the caller identified by subject.
func Authenticated(subject string) Caller {
	return Caller{Subject: subject, Authenticated: true}
}

// Resource is the part of a photo record authorization looks at.
type Resource struct {
	Scope models.Scope
	Owner string
}

// ResourceOf returns the authorization view of p.
func ResourceOf(p *models.Photo) Resource {
	return Resource{Scope: p.Scope, Owner: p.Owner}
}

// Guard is a pure authorization policy.
type Guard struct {
	AllowAnonymousShared bool
}

// CanUpload authorizes an upload into scope and returns the owner the new
// photo gets: the caller's subject, or empty for anonymous shared uploads.
func (g Guard) CanUpload(scope models.Scope, c Caller) (owner string, err error) {
	switch scope {
	case models.ScopePersonal:
		if !c.known() {
			return "", ErrAuthRequired.New("personal upload")
		}
	case models.ScopeShared:
		if !c.known() && !g.AllowAnonymousShared {
			return "", ErrAuthRequired.New("shared upload")
		}
	default:
		return "", models.ErrBadScope.New("%q", scope)
	}
	if !c.known() {
		return "", nil
	}
	return c.Subject, nil
}

// CanRead authorizes reading one photo or listing it.
func (g Guard) CanRead(r Resource, c Caller) error {
	if r.Scope != models.ScopePersonal {
		return nil
	}
	if !c.known() {
		return ErrAuthRequired.New("personal photo")
	}
	if c.Subject != r.Owner {
		return ErrForbidden.New("not the owner")
	}
	return nil
}

// CanDelete authorizes deleting a photo. Photos without an owner can never be
// deleted here since no caller can prove ownership of them.
func (g Guard) CanDelete(r Resource, c Caller) error {
	if !c.known() {
		return ErrAuthRequired.New("delete")
	}
	if r.Owner == "" {
		return ErrForbiddenAnonymous.New("photo has no owner")
	}
	if c.Subject != r.Owner {
		return ErrForbidden.New("not the owner")
	}
	return nil
}
