package camera

import (
	"fmt"
	"log/slog"
	"strings"
)

// Kinds of frame source.
const (
	KindDevice    = "device"
	KindPattern   = "pattern"
	KindDirectory = "directory"
)

// Config selects and configures a frame source.
type Config struct {
	Kind   string // device | pattern | directory
	Index  int    // video device index (device)
	Path   string // image directory (directory)
	Width  int
	Height int

	// SaveEvery saves one of every SaveEvery frames under LogPrefix.
	// Zero or an empty LogPrefix disables saving.
	SaveEvery int
	LogPrefix string
}

// Open creates the configured source.
func Open(cfg Config, logger *slog.Logger) (Source, error) {
	var (
		src Source
		err error
	)
	switch strings.ToLower(cfg.Kind) {
	case KindDevice, "":
		src, err = OpenDevice(cfg.Index, cfg.Width, cfg.Height)
	case KindPattern:
		src = NewPattern(cfg.Width, cfg.Height)
	case KindDirectory:
		src, err = OpenDirectory(cfg.Path)
	default:
		return nil, fmt.Errorf("unknown camera source %q (want device, pattern or directory)", cfg.Kind)
	}
	if err != nil {
		return nil, err
	}
	if cfg.SaveEvery > 0 && cfg.LogPrefix != "" {
		saver, err := NewSaver(src, cfg.SaveEvery, cfg.LogPrefix, logger)
		if err != nil {
			_ = src.Close()
			return nil, err
		}
		return saver, nil
	}
	return src, nil
}
