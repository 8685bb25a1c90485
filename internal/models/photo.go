package models

import (
	"time"

	"github.com/zeebo/errs"
)

// ErrBadScope is returned when a scope is neither personal nor shared.
var ErrBadScope = errs.Class("bad scope")

// Scope is the visibility class of a photo
type Scope string

const (
	ScopePersonal Scope = "personal"
	ScopeShared   Scope = "shared"
)

// ParseScope validates a scope string taken from a request.
func ParseScope(s string) (Scope, error) {
	switch Scope(s) {
	case ScopePersonal, ScopeShared:
		return Scope(s), nil
	}
	return "", ErrBadScope.New("%q", s)
}

// Photo represents one stored photo row
type Photo struct {
	ID           string
	Owner        string
	Scope        Scope
	Date         string // YYYY-MM-DD, grouping key
	OrigFilename string
	StoragePath  string
	ThumbPath    string // empty when thumbnailing failed
	MetaPath     string
	CreatedAt    time.Time
}

// ThumbURL is the public thumbnail location of the photo.
func (p *Photo) ThumbURL() string { return "/thumbs/" + p.ID }

// FullURL is the public full-size location of the photo.
func (p *Photo) FullURL() string { return "/images/" + p.ID }

// Sidecar is the JSON metadata file written next to each photo
type Sidecar struct {
	ID       string `json:"id"`
	Img      string `json:"img"`
	Thumb    string `json:"thumb,omitempty"`
	OrigName string `json:"orig_name"`
	Owner    string `json:"owner"`
	Scope    Scope  `json:"scope"`
	Time     string `json:"time,omitempty"`  // minute precision, YYYY-MM-DDTHH:MM
	Taken    string `json:"taken,omitempty"` // EXIF capture time when available
}

// BlockPhoto is a photo as it appears inside a listing block
type BlockPhoto struct {
	ID        string    `json:"id"`
	Owner     string    `json:"owner"`
	Scope     Scope     `json:"scope"`
	ThumbURL  string    `json:"thumbUrl"`
	FullURL   string    `json:"fullUrl"`
	OrigName  string    `json:"origName"`
	CreatedAt time.Time `json:"createdAt"`
}

// Block groups the photos of one calendar day
type Block struct {
	Date   string       `json:"date"`
	Photos []BlockPhoto `json:"photos"`
}
