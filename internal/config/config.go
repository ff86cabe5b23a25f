// Package config holds the camrelay configuration: defaults, an optional
// YAML file, and flag/environment overrides layered on top.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults.
const (
	DefaultMissionPlanner        = "tcp:127.0.0.1:14550"
	DefaultSystemID              = 255
	DefaultMissionPollDelay      = time.Second
	DefaultMissionPollTimeout    = 3 * time.Second
	DefaultMissionConnectTimeout = 10 * time.Second
	DefaultHost                  = "127.0.0.1"
	DefaultPort                  = 8080
	DefaultMaxCreateAttempts     = 3
	DefaultMaxConnectAttempts    = 5
	DefaultConnectRetryDelay     = time.Second
	DefaultConnectTimeout        = 10 * time.Second
	DefaultTCPKeepAlive          = 30 * time.Second
	DefaultCaptureDelay          = time.Second
	DefaultImageFormat           = ".png"
	DefaultLogDir                = "logs"
	DefaultCameraSource          = "device"
	DefaultCameraBufferSize      = 100
	DefaultFraming               = "length"
	DefaultListenAddr            = ":8080"
	DefaultMaxPayload            = 64 << 20
	DefaultViewerQueue           = 8
)

// Config is the complete configuration file.
type Config struct {
	LogLevel    string `yaml:"log_level"`
	MetricsAddr string `yaml:"metrics_addr"`

	Relay  RelayConfig  `yaml:"relay"`
	Listen ListenConfig `yaml:"listen"`
}

// RelayConfig configures the vehicle side.
type RelayConfig struct {
	// MissionPlanner is the flight controller address, e.g.
	// tcp:127.0.0.1:14550 or serial:/dev/ttyAMA0:921600.
	MissionPlanner        string        `yaml:"mission_planner"`
	SystemID              int           `yaml:"system_id"`
	MissionPollDelay      time.Duration `yaml:"mission_poll_delay"`
	MissionPollTimeout    time.Duration `yaml:"mission_poll_timeout"`
	MissionConnectTimeout time.Duration `yaml:"mission_connect_timeout"`

	Host               string        `yaml:"host"`
	Port               int           `yaml:"port"`
	MaxCreateAttempts  int           `yaml:"max_create_attempts"`
	MaxConnectAttempts int           `yaml:"max_connect_attempts"`
	ConnectRetryDelay  time.Duration `yaml:"connect_retry_delay"`
	ConnectTimeout     time.Duration `yaml:"connect_timeout"`
	WriteTimeout       time.Duration `yaml:"write_timeout"`
	TCPKeepAlive       time.Duration `yaml:"tcp_keepalive"`
	Reconnect          bool          `yaml:"reconnect"`
	Framing            string        `yaml:"framing"`

	CaptureDelay time.Duration `yaml:"capture_delay"`
	ImageFormat  string        `yaml:"image_format"`
	LogDir       string        `yaml:"log_dir"`

	Camera CameraConfig `yaml:"camera"`
}

// CameraConfig selects the frame source.
type CameraConfig struct {
	// Source is one of device | pattern | directory.
	Source string `yaml:"source"`
	Index  int    `yaml:"index"`
	Path   string `yaml:"path"`
	Width  int    `yaml:"width"`
	Height int    `yaml:"height"`

	// BufferSize saves one of every BufferSize frames under LogDir.
	// Zero disables saving.
	BufferSize int `yaml:"buffer_size"`
}

// ListenConfig configures the ground listener.
type ListenConfig struct {
	Addr        string `yaml:"addr"`
	Framing     string `yaml:"framing"`
	OutputDir   string `yaml:"output_dir"`
	MaxPayload  int    `yaml:"max_payload"`
	ViewAddr    string `yaml:"view_addr"`
	ViewerQueue int    `yaml:"viewer_queue"`

	// AllowList restricts relay sources (host:port, CIDR:port, CIDR:*).
	AllowList      []string      `yaml:"allow"`
	MaxConnections int           `yaml:"max_connections"`
	TCPKeepAlive   time.Duration `yaml:"tcp_keepalive"`
}

// Default returns a Config populated with default values.
func Default() *Config {
	return &Config{
		LogLevel: "info",
		Relay: RelayConfig{
			MissionPlanner:        DefaultMissionPlanner,
			SystemID:              DefaultSystemID,
			MissionPollDelay:      DefaultMissionPollDelay,
			MissionPollTimeout:    DefaultMissionPollTimeout,
			MissionConnectTimeout: DefaultMissionConnectTimeout,
			Host:                  DefaultHost,
			Port:                  DefaultPort,
			MaxCreateAttempts:     DefaultMaxCreateAttempts,
			MaxConnectAttempts:    DefaultMaxConnectAttempts,
			ConnectRetryDelay:     DefaultConnectRetryDelay,
			ConnectTimeout:        DefaultConnectTimeout,
			TCPKeepAlive:          DefaultTCPKeepAlive,
			Reconnect:             true,
			Framing:               DefaultFraming,
			CaptureDelay:          DefaultCaptureDelay,
			ImageFormat:           DefaultImageFormat,
			LogDir:                DefaultLogDir,
			Camera: CameraConfig{
				Source:     DefaultCameraSource,
				BufferSize: DefaultCameraBufferSize,
			},
		},
		Listen: ListenConfig{
			Addr:         DefaultListenAddr,
			Framing:      DefaultFraming,
			MaxPayload:   DefaultMaxPayload,
			ViewerQueue:  DefaultViewerQueue,
			TCPKeepAlive: DefaultTCPKeepAlive,
		},
	}
}

// Load reads the YAML file at path over the defaults. An empty path returns
// the defaults. The result is not validated; flags and environment may
// still override it.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse yaml: %w", err)
	}
	return cfg, nil
}

// LogPrefix is the path prefix for saved camera frames.
func (r RelayConfig) LogPrefix() string {
	if r.LogDir == "" {
		return ""
	}
	return filepath.Join(r.LogDir, "image")
}

// Validate checks the relay settings.
func (r RelayConfig) Validate() error {
	var errs []error
	if r.MissionPlanner == "" {
		errs = append(errs, errors.New("relay.mission_planner is required"))
	}
	if r.SystemID < 1 || r.SystemID > 255 {
		errs = append(errs, fmt.Errorf("relay.system_id %d is out of range [1, 255]", r.SystemID))
	}
	if r.Host == "" {
		errs = append(errs, errors.New("relay.host is required"))
	}
	if r.Port < 1 || r.Port > 65535 {
		errs = append(errs, fmt.Errorf("relay.port %d is out of range [1, 65535]", r.Port))
	}
	if r.MaxCreateAttempts < 1 {
		errs = append(errs, fmt.Errorf("relay.max_create_attempts must be >= 1, got %d", r.MaxCreateAttempts))
	}
	if r.MaxConnectAttempts < 1 {
		errs = append(errs, fmt.Errorf("relay.max_connect_attempts must be >= 1, got %d", r.MaxConnectAttempts))
	}
	for name, d := range map[string]time.Duration{
		"mission_poll_delay":      r.MissionPollDelay,
		"mission_poll_timeout":    r.MissionPollTimeout,
		"mission_connect_timeout": r.MissionConnectTimeout,
		"connect_retry_delay":     r.ConnectRetryDelay,
		"connect_timeout":         r.ConnectTimeout,
		"write_timeout":           r.WriteTimeout,
		"tcp_keepalive":           r.TCPKeepAlive,
		"capture_delay":           r.CaptureDelay,
	} {
		if d < 0 {
			errs = append(errs, fmt.Errorf("relay.%s must not be negative", name))
		}
	}
	if err := validateFraming("relay.framing", r.Framing); err != nil {
		errs = append(errs, err)
	}
	if !strings.HasPrefix(r.ImageFormat, ".") {
		errs = append(errs, fmt.Errorf("relay.image_format %q must start with '.'", r.ImageFormat))
	}
	switch strings.ToLower(r.Camera.Source) {
	case "device", "pattern":
	case "directory":
		if r.Camera.Path == "" {
			errs = append(errs, errors.New("relay.camera.path is required for the directory source"))
		}
	default:
		errs = append(errs, fmt.Errorf("relay.camera.source %q unknown: want device|pattern|directory", r.Camera.Source))
	}
	if r.Camera.BufferSize < 0 {
		errs = append(errs, errors.New("relay.camera.buffer_size must not be negative"))
	}
	return errors.Join(errs...)
}

// Validate checks the listener settings.
func (l ListenConfig) Validate() error {
	var errs []error
	if l.Addr == "" {
		errs = append(errs, errors.New("listen.addr is required"))
	}
	if err := validateFraming("listen.framing", l.Framing); err != nil {
		errs = append(errs, err)
	}
	if l.MaxPayload < 1 {
		errs = append(errs, fmt.Errorf("listen.max_payload must be >= 1, got %d", l.MaxPayload))
	}
	if l.ViewerQueue < 1 {
		errs = append(errs, fmt.Errorf("listen.viewer_queue must be >= 1, got %d", l.ViewerQueue))
	}
	if l.MaxConnections < 0 {
		errs = append(errs, fmt.Errorf("listen.max_connections must be >= 0, got %d", l.MaxConnections))
	}
	if l.TCPKeepAlive < 0 {
		errs = append(errs, errors.New("listen.tcp_keepalive must not be negative"))
	}
	return errors.Join(errs...)
}

func validateFraming(key, v string) error {
	switch v {
	case "length", "raw":
		return nil
	default:
		return fmt.Errorf("%s %q unknown: want length|raw", key, v)
	}
}
