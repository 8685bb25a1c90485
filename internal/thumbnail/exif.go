package thumbnail

import (
	"bytes"
	"image"
	"time"

	"github.com/rwcarlsen/goexif/exif"
)

// Orientation returns the EXIF orientation of src, 1 when absent.
func Orientation(src []byte) int {
	x, err := exif.Decode(bytes.NewReader(src))
	if err != nil {
		return 1
	}
	tag, err := x.Get(exif.Orientation)
	if err != nil {
		return 1
	}
	v, err := tag.Int(0)
	if err != nil || v < 1 || v > 8 {
		return 1
	}
	return v
}

// TakenAt returns the EXIF capture time of src.
func TakenAt(src []byte) (time.Time, bool) {
	x, err := exif.Decode(bytes.NewReader(src))
	if err != nil {
		return time.Time{}, false
	}
	t, err := x.DateTime()
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

func orient(img image.Image, orientation int) image.Image {
	switch orientation {
	case 2:
		return flipHorizontal(img)
	case 3:
		return rotate180(img)
	case 4:
		return flipVertical(img)
	case 5:
		return rotate90(flipHorizontal(img))
	case 6:
		return rotate90(img)
	case 7:
		return rotate270(flipHorizontal(img))
	case 8:
		return rotate270(img)
	}
	return img
}

// transform copies src into a new image of size w x h, mapping every
// destination pixel through at.
func transform(src image.Image, w, h int, at func(x, y int) (int, int)) image.Image {
	b := src.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			sx, sy := at(x, y)
			dst.Set(x, y, src.At(b.Min.X+sx, b.Min.Y+sy))
		}
	}
	return dst
}

// rotate90 rotates clockwise.
func rotate90(src image.Image) image.Image {
	w, h := src.Bounds().Dx(), src.Bounds().Dy()
	return transform(src, h, w, func(x, y int) (int, int) { return y, h - 1 - x })
}

func rotate180(src image.Image) image.Image {
	w, h := src.Bounds().Dx(), src.Bounds().Dy()
	return transform(src, w, h, func(x, y int) (int, int) { return w - 1 - x, h - 1 - y })
}

func rotate270(src image.Image) image.Image {
	w, h := src.Bounds().Dx(), src.Bounds().Dy()
	return transform(src, h, w, func(x, y int) (int, int) { return w - 1 - y, x })
}

func flipHorizontal(src image.Image) image.Image {
	w, h := src.Bounds().Dx(), src.Bounds().Dy()
	return transform(src, w, h, func(x, y int) (int, int) { return w - 1 - x, y })
}

func flipVertical(src image.Image) image.Image {
	w, h := src.Bounds().Dx(), src.Bounds().Dy()
	return transform(src, w, h, func(x, y int) (int, int) { return x, h - 1 - y })
}
