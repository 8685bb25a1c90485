// Package blocks builds the date-grouped photo listings.
package blocks

import (
	"context"
	"net/url"

	"github.com/zeebo/errs"

	"localphotos/internal/access"
	"localphotos/internal/models"
	"localphotos/internal/storage"
)

// Error is the error class for invalid listing queries.
var Error = errs.Class("blocks")

const (
	// DefaultCount is the number of dates returned when none is requested.
	DefaultCount = 5
	// MaxCount bounds the number of dates in one listing.
	MaxCount = 100
)

// Lister is the two-level query the builder consumes.
type Lister interface {
	ListDates(ctx context.Context, vis storage.Visibility, offset, limit int) ([]string, error)
	ListPhotosForDate(ctx context.Context, date string, vis storage.Visibility) ([]*models.Photo, error)
}

// Query selects one page of blocks.
type Query struct {
	Scope  models.Scope
	Caller access.Caller
	// Token is the credential the caller presented. For personal listings
	// it is appended to the photo URLs so that plain image tags can load
	// them.
	Token  string
	Offset int
	Count  int
}

// Builder turns stored rows into blocks.
type Builder struct {
	photos Lister
}

// NewBuilder returns a Builder reading from photos.
func NewBuilder(photos Lister) *Builder {
	return &Builder{photos: photos}
}

// Build returns the blocks of q, newest date first. Personal listings need an
// authenticated caller and only ever contain the caller's photos.
func (b *Builder) Build(ctx context.Context, q Query) ([]models.Block, error) {
	if q.Offset < 0 {
		return nil, Error.New("negative start %d", q.Offset)
	}
	switch {
	case q.Count <= 0:
		q.Count = DefaultCount
	case q.Count > MaxCount:
		q.Count = MaxCount
	}

	var vis storage.Visibility
	var suffix string
	switch q.Scope {
	case models.ScopePersonal:
		if !q.Caller.Authenticated {
			return nil, access.ErrAuthRequired.New("personal blocks")
		}
		vis = storage.Visibility{Scope: models.ScopePersonal, Owner: q.Caller.Subject}
		if q.Token != "" {
			suffix = "?t=" + url.QueryEscape(q.Token)
		}
	case models.ScopeShared:
		vis = storage.Visibility{Scope: models.ScopeShared}
	default:
		return nil, models.ErrBadScope.New("%q", q.Scope)
	}

	dates, err := b.photos.ListDates(ctx, vis, q.Offset, q.Count)
	if err != nil {
		return nil, err
	}

	blocks := make([]models.Block, 0, len(dates))
	for _, date := range dates {
		photos, err := b.photos.ListPhotosForDate(ctx, date, vis)
		if err != nil {
			return nil, err
		}
		block := models.Block{Date: date, Photos: make([]models.BlockPhoto, 0, len(photos))}
		for _, p := range photos {
			block.Photos = append(block.Photos, models.BlockPhoto{
				ID:        p.ID,
				Owner:     p.Owner,
				Scope:     p.Scope,
				ThumbURL:  p.ThumbURL() + suffix,
				FullURL:   p.FullURL() + suffix,
				OrigName:  p.OrigFilename,
				CreatedAt: p.CreatedAt,
			})
		}
		blocks = append(blocks, block)
	}
	return blocks, nil
}
