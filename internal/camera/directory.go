package camera

import (
	"context"
	"fmt"
	"image"
	_ "image/jpeg" // register decoders
	_ "image/png"
	"os"
	"path/filepath"
	"slices"
	"strings"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
)

// Directory replays the image files of a directory in name order, looping
// forever. Files that fail to decode are reported as frame errors.
type Directory struct {
	files []string
	next  int
	seq   uint64
}

var imageExts = []string{".png", ".jpg", ".jpeg", ".bmp", ".tif", ".tiff"}

// OpenDirectory lists the images in dir.
func OpenDirectory(dir string) (*Directory, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("open image directory: %w", err)
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if slices.Contains(imageExts, strings.ToLower(filepath.Ext(e.Name()))) {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no images in %s", dir)
	}
	slices.Sort(files)
	return &Directory{files: files}, nil
}

// Frame decodes the next file.
func (d *Directory) Frame(ctx context.Context) (Frame, error) {
	if err := ctx.Err(); err != nil {
		return Frame{}, err
	}
	path := d.files[d.next]
	d.next = (d.next + 1) % len(d.files)

	f, err := os.Open(path)
	if err != nil {
		return Frame{}, err
	}
	defer f.Close() //nolint:errcheck // read-only
	img, _, err := image.Decode(f)
	if err != nil {
		return Frame{}, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	d.seq++
	return FromImage(img, d.seq), nil
}

// Close is a no-op.
func (d *Directory) Close() error { return nil }
