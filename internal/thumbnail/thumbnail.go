// Package thumbnail renders JPEG thumbnails of uploaded images.
package thumbnail

import (
	"bytes"
	"context"
	"image"
	_ "image/gif" // register decoders
	"image/jpeg"
	_ "image/png"

	"github.com/nfnt/resize"
	"github.com/zeebo/errs"
)

// Error is the default error class for the thumbnail package.
var Error = errs.Class("thumbnail")

// Generator turns source image bytes into an encoded JPEG whose larger side is
// at most maxDim pixels.
type Generator interface {
	Generate(ctx context.Context, src []byte, maxDim int) ([]byte, error)
}

// GeneratorFunc adapts a function to the Generator interface.
type GeneratorFunc func(ctx context.Context, src []byte, maxDim int) ([]byte, error)

// Generate calls f.
func (f GeneratorFunc) Generate(ctx context.Context, src []byte, maxDim int) ([]byte, error) {
	return f(ctx, src, maxDim)
}

// Resizer is the in-process Generator. Images are auto-oriented from their
// EXIF data before scaling.
type Resizer struct {
	Quality int
}

// NewResizer returns a Resizer encoding at quality 85.
func NewResizer() *Resizer { return &Resizer{Quality: 85} }

// Generate decodes, orients, scales and re-encodes src. It returns early with
// the context error when ctx is done first; the decode goroutine is left to
// finish on its own.
func (r *Resizer) Generate(ctx context.Context, src []byte, maxDim int) ([]byte, error) {
	if maxDim <= 0 {
		return nil, Error.New("invalid size %d", maxDim)
	}

	type result struct {
		data []byte
		err  error
	}
	done := make(chan result, 1)
	go func() {
		data, err := r.render(src, maxDim)
		done <- result{data, err}
	}()

	select {
	case res := <-done:
		return res.data, res.err
	case <-ctx.Done():
		return nil, Error.Wrap(ctx.Err())
	}
}

func (r *Resizer) render(src []byte, maxDim int) ([]byte, error) {
	img, _, err := image.Decode(bytes.NewReader(src))
	if err != nil {
		return nil, Error.Wrap(err)
	}
	img = orient(img, Orientation(src))

	thumb := resize.Thumbnail(uint(maxDim), uint(maxDim), img, resize.Lanczos3)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, thumb, &jpeg.Options{Quality: r.Quality}); err != nil {
		return nil, Error.Wrap(err)
	}
	return buf.Bytes(), nil
}
