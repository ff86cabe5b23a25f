package camera

import (
	"context"
	"fmt"
	"image/png"
	"log/slog"
	"os"
	"path/filepath"
)

// Saver wraps a Source and writes every Nth captured frame to
// "<prefix>_<n>.png", keeping an on-vehicle record of what was relayed.
type Saver struct {
	src    Source
	every  int
	prefix string
	logger *slog.Logger
	count  int
}

// NewSaver saves one frame out of every captured frames under prefix. The
// parent directory of prefix is created.
func NewSaver(src Source, every int, prefix string, logger *slog.Logger) (*Saver, error) {
	if every < 1 {
		return nil, fmt.Errorf("save interval must be >= 1, got %d", every)
	}
	if logger == nil {
		logger = slog.Default()
	}
	if dir := filepath.Dir(prefix); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create log directory: %w", err)
		}
	}
	return &Saver{src: src, every: every, prefix: prefix, logger: logger}, nil
}

// Frame returns the next frame from the wrapped source. A failed save is
// logged and does not fail the capture.
func (s *Saver) Frame(ctx context.Context) (Frame, error) {
	f, err := s.src.Frame(ctx)
	if err != nil {
		return f, err
	}
	s.count++
	if s.count%s.every == 0 {
		path := fmt.Sprintf("%s_%d.png", s.prefix, s.count)
		if err := save(path, f); err != nil {
			s.logger.Warn("failed to save frame", "path", path, "error", err)
		} else {
			s.logger.Debug("frame saved", "path", path, "seq", f.Seq)
		}
	}
	return f, nil
}

// Close closes the wrapped source.
func (s *Saver) Close() error { return s.src.Close() }

func save(path string, f Frame) error {
	img, err := f.Image()
	if err != nil {
		return err
	}
	out, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := png.Encode(out, img); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
