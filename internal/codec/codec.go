// Package codec encodes camera frames into image container formats.
package codec

import (
	"bytes"
	"fmt"
	"image/jpeg"
	"image/png"
	"strings"

	"golang.org/x/image/bmp"
	"golang.org/x/image/tiff"

	"github.com/philsphicas/camrelay/internal/camera"
)

// DefaultJPEGQuality is used when no quality is configured.
const DefaultJPEGQuality = 90

// Func is the signature of Encode, for callers that accept a codec.
type Func func(ext string, f camera.Frame) ([]byte, error)

// Supported reports whether ext names a format Encode can produce.
func Supported(ext string) bool {
	switch normalize(ext) {
	case ".png", ".jpg", ".jpeg", ".bmp", ".tif", ".tiff":
		return true
	}
	return false
}

// Encode encodes f in the container format named by ext (".png", ".jpg",
// ".jpeg", ".bmp", ".tif", ".tiff"; the dot is optional).
func Encode(ext string, f camera.Frame) ([]byte, error) {
	return Encoder{JPEGQuality: DefaultJPEGQuality}.Encode(ext, f)
}

// Encoder carries format options.
type Encoder struct {
	JPEGQuality int
}

// Encode encodes f in the format named by ext.
func (e Encoder) Encode(ext string, f camera.Frame) ([]byte, error) {
	img, err := f.Image()
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", ext, err)
	}
	var buf bytes.Buffer
	buf.Grow(f.Width * f.Height)
	switch normalize(ext) {
	case ".png":
		err = png.Encode(&buf, img)
	case ".jpg", ".jpeg":
		q := e.JPEGQuality
		if q <= 0 {
			q = DefaultJPEGQuality
		}
		err = jpeg.Encode(&buf, img, &jpeg.Options{Quality: q})
	case ".bmp":
		err = bmp.Encode(&buf, img)
	case ".tif", ".tiff":
		err = tiff.Encode(&buf, img, &tiff.Options{Compression: tiff.Deflate})
	default:
		return nil, fmt.Errorf("unsupported image format %q", ext)
	}
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", ext, err)
	}
	return buf.Bytes(), nil
}

func normalize(ext string) string {
	ext = strings.ToLower(strings.TrimSpace(ext))
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return ext
}
