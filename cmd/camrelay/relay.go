package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/philsphicas/camrelay/internal/camera"
	"github.com/philsphicas/camrelay/internal/config"
	"github.com/philsphicas/camrelay/internal/metrics"
	"github.com/philsphicas/camrelay/internal/mission"
	"github.com/philsphicas/camrelay/internal/protocol"
	"github.com/philsphicas/camrelay/internal/relay"
	"github.com/philsphicas/camrelay/internal/sender"
	"github.com/spf13/cobra"
)

func relayCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Wait for the end of the mission, then relay camera frames",
		Long: `Poll the flight controller until the vehicle is heading to the final
waypoint of its mission, open the camera, connect to the ground listener
and send one encoded frame per capture interval until interrupted.

Every flag can also be set with a CAMRELAY_* environment variable (for
example --max-connect-attempts as CAMRELAY_MAX_CONNECT_ATTEMPTS) or in the
relay section of the config file. Flags win over the environment, which
wins over the file.`,
		Args: cobra.NoArgs,
		RunE: runRelay,
	}

	d := config.Default().Relay
	f := cmd.Flags()
	f.String("mission-planner", d.MissionPlanner, "flight controller address (tcp:host:port, udp:host:port, udpin:host:port, serial:/dev/ttyX:baud)")
	f.Int("system-id", d.SystemID, "MAVLink system id used by the relay")
	f.Duration("mission-poll-delay", d.MissionPollDelay, "delay between mission polls")
	f.Duration("mission-poll-timeout", d.MissionPollTimeout, "timeout for a single mission poll")
	f.Duration("mission-connect-timeout", d.MissionConnectTimeout, "how long to wait for the flight controller link before giving up")
	f.String("host", d.Host, "ground listener host")
	f.Int("port", d.Port, "ground listener port")
	f.Int("max-create-attempts", d.MaxCreateAttempts, "max socket creation attempts")
	f.Int("max-connect-attempts", d.MaxConnectAttempts, "max connect attempts per socket")
	f.Duration("connect-retry-delay", d.ConnectRetryDelay, "delay between socket create/connect attempts")
	f.Duration("connect-timeout", d.ConnectTimeout, "timeout for a single connect attempt")
	f.Duration("write-timeout", d.WriteTimeout, "timeout for sending one frame (0 = none)")
	f.Duration("tcp-keepalive", d.TCPKeepAlive, "TCP keepalive interval")
	f.Bool("reconnect", d.Reconnect, "reconnect and resend once after a send failure")
	f.String("framing", d.Framing, "stream framing (length, raw)")
	f.Duration("capture-delay", d.CaptureDelay, "delay between captured frames")
	f.String("image-format", d.ImageFormat, "image encoding extension (.png, .jpg, .bmp, .tiff)")
	f.String("log-dir", d.LogDir, "directory for saved camera frames (empty disables saving)")
	f.String("camera-source", d.Camera.Source, "frame source (device, pattern, directory)")
	f.Int("camera-index", d.Camera.Index, "video device index")
	f.String("camera-path", d.Camera.Path, "image directory for the directory source")
	f.Int("camera-width", d.Camera.Width, "capture width (0 = source default)")
	f.Int("camera-height", d.Camera.Height, "capture height (0 = source default)")
	f.Int("camera-buffer-size", d.Camera.BufferSize, "save one of every N frames under --log-dir (0 disables)")

	return cmd
}

// resolveRelayConfig layers flags and CAMRELAY_* variables over the config
// file and validates the result.
func resolveRelayConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, o, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	r := &cfg.Relay
	o.String("mission-planner", &r.MissionPlanner)
	o.Int("system-id", &r.SystemID)
	o.Duration("mission-poll-delay", &r.MissionPollDelay)
	o.Duration("mission-poll-timeout", &r.MissionPollTimeout)
	o.Duration("mission-connect-timeout", &r.MissionConnectTimeout)
	o.String("host", &r.Host)
	o.Int("port", &r.Port)
	o.Int("max-create-attempts", &r.MaxCreateAttempts)
	o.Int("max-connect-attempts", &r.MaxConnectAttempts)
	o.Duration("connect-retry-delay", &r.ConnectRetryDelay)
	o.Duration("connect-timeout", &r.ConnectTimeout)
	o.Duration("write-timeout", &r.WriteTimeout)
	o.Duration("tcp-keepalive", &r.TCPKeepAlive)
	o.Bool("reconnect", &r.Reconnect)
	o.String("framing", &r.Framing)
	o.Duration("capture-delay", &r.CaptureDelay)
	o.String("image-format", &r.ImageFormat)
	o.String("log-dir", &r.LogDir)
	o.String("camera-source", &r.Camera.Source)
	o.Int("camera-index", &r.Camera.Index)
	o.String("camera-path", &r.Camera.Path)
	o.Int("camera-width", &r.Camera.Width)
	o.Int("camera-height", &r.Camera.Height)
	o.Int("camera-buffer-size", &r.Camera.BufferSize)
	if err := o.Err(); err != nil {
		return nil, err
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// senderConfig maps the validated relay settings onto sender.Config.
func senderConfig(r config.RelayConfig, logger *slog.Logger, m *metrics.Metrics) (sender.Config, error) {
	framing, err := protocol.ParseFraming(r.Framing)
	if err != nil {
		return sender.Config{}, err
	}
	ep := relay.Endpoint{Host: r.Host, Port: r.Port}
	if err := ep.Validate(); err != nil {
		return sender.Config{}, err
	}
	return sender.Config{
		Controller: mission.ControllerConfig{
			Address:        r.MissionPlanner,
			SystemID:       byte(r.SystemID),
			PollTimeout:    r.MissionPollTimeout,
			ConnectTimeout: r.MissionConnectTimeout,
			Logger:         logger,
		},
		PollDelay: r.MissionPollDelay,
		Camera: camera.Config{
			Kind:      r.Camera.Source,
			Index:     r.Camera.Index,
			Path:      r.Camera.Path,
			Width:     r.Camera.Width,
			Height:    r.Camera.Height,
			SaveEvery: r.Camera.BufferSize,
			LogPrefix: r.LogPrefix(),
		},
		Endpoint: ep,
		Budget: relay.Budget{
			MaxCreateAttempts:  r.MaxCreateAttempts,
			MaxConnectAttempts: r.MaxConnectAttempts,
			Delay:              r.ConnectRetryDelay,
		},
		ConnectTimeout: r.ConnectTimeout,
		WriteTimeout:   r.WriteTimeout,
		TCPKeepAlive:   r.TCPKeepAlive,
		Reconnect:      r.Reconnect,
		Framing:        framing,
		Ext:            r.ImageFormat,
		CaptureDelay:   r.CaptureDelay,
		Logger:         logger,
		Metrics:        m,
	}, nil
}

func runRelay(cmd *cobra.Command, args []string) error {
	cfg, err := resolveRelayConfig(cmd)
	if err != nil {
		return err
	}
	logger := newLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m, err := resolveMetrics(ctx, cfg.MetricsAddr, logger)
	if err != nil {
		return err
	}
	scfg, err := senderConfig(cfg.Relay, logger, m)
	if err != nil {
		return err
	}
	return sender.Run(ctx, scfg)
}
