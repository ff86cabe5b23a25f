// Package sender runs the vehicle side of camrelay: wait for the end of
// the mission, open the camera, connect to the ground listener and relay
// frames until shutdown.
package sender

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/philsphicas/camrelay/internal/camera"
	"github.com/philsphicas/camrelay/internal/codec"
	"github.com/philsphicas/camrelay/internal/metrics"
	"github.com/philsphicas/camrelay/internal/mission"
	"github.com/philsphicas/camrelay/internal/protocol"
	"github.com/philsphicas/camrelay/internal/relay"
)

// Setup stages, in the order Run executes them.
const (
	StageFlightController = "flight-controller"
	StageMissionGate      = "mission-gate"
	StageCamera           = "camera"
	StageConnect          = "connect"
	StageRelay            = "relay"
)

// Per-frame stages reported by Loop.
const (
	StageCapture = "capture"
	StageEncode  = "encode"
	StageFrame   = "frame"
	StageSend    = "send"
)

// StageError names the stage that failed.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string { return e.Stage + ": " + e.Err.Error() }

func (e *StageError) Unwrap() error { return e.Err }

// Exit codes returned by ExitCode.
const (
	ExitOK               = 0
	ExitFailure          = 1
	ExitFlightController = 2
	ExitMissionGate      = 3
	ExitCamera           = 4
	ExitConnect          = 5
	ExitRelay            = 6
)

// ExitCode maps an error returned by Run to a process exit status.
// Context cancellation (shutdown by signal) exits cleanly.
func ExitCode(err error) int {
	if err == nil || errors.Is(err, context.Canceled) {
		return ExitOK
	}
	var se *StageError
	if errors.As(err, &se) {
		switch se.Stage {
		case StageFlightController:
			return ExitFlightController
		case StageMissionGate:
			return ExitMissionGate
		case StageCamera:
			return ExitCamera
		case StageConnect:
			return ExitConnect
		case StageRelay:
			return ExitRelay
		}
	}
	return ExitFailure
}

// MissionSource answers mission-progress polls. *mission.Controller is
// the production MissionSource.
type MissionSource interface {
	IsAtFinalWaypoint(ctx context.Context) (bool, error)
	Close() error
}

// Config holds configuration for the relay.
type Config struct {
	Controller mission.ControllerConfig
	PollDelay  time.Duration

	Camera camera.Config

	Endpoint       relay.Endpoint
	Budget         relay.Budget
	ConnectTimeout time.Duration
	WriteTimeout   time.Duration
	TCPKeepAlive   time.Duration
	Reconnect      bool

	Framing      protocol.Framing
	Ext          string
	CaptureDelay time.Duration

	Logger  *slog.Logger
	Metrics *metrics.Metrics // optional; nil disables metrics

	// Overrides for tests. nil uses the production implementation.
	DialController func(mission.ControllerConfig) (MissionSource, error)
	OpenCamera     func(camera.Config, *slog.Logger) (camera.Source, error)
	Encode         codec.Func
	Sockets        relay.SocketFactory
	Sleep          func(ctx context.Context, d time.Duration) error
}

// Run executes the relay: flight controller, mission gate, camera,
// connection and then the relay loop until ctx is cancelled. Failures are
// returned as *StageError; pass the result to ExitCode.
func Run(ctx context.Context, cfg Config) error {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	logger := cfg.Logger
	if !codec.Supported(cfg.Ext) {
		return fmt.Errorf("unsupported image format %q", cfg.Ext)
	}
	if err := cfg.Endpoint.Validate(); err != nil {
		return err
	}
	if err := cfg.Budget.Validate(); err != nil {
		return err
	}

	dial := cfg.DialController
	if dial == nil {
		dial = func(c mission.ControllerConfig) (MissionSource, error) { return mission.Dial(c) }
	}
	if cfg.Controller.Logger == nil {
		cfg.Controller.Logger = logger
	}
	fc, err := dial(cfg.Controller)
	if err != nil {
		logger.Error("failed to create flight controller", "error", err)
		return &StageError{Stage: StageFlightController, Err: err}
	}
	defer fc.Close() //nolint:errcheck

	gate := &mission.Gate{
		Poll:   fc.IsAtFinalWaypoint,
		Delay:  cfg.PollDelay,
		Logger: logger,
		OnPoll: cfg.Metrics.MissionPoll,
		Sleep:  cfg.Sleep,
	}
	if err := gate.Wait(ctx); err != nil {
		return &StageError{Stage: StageMissionGate, Err: err}
	}

	open := cfg.OpenCamera
	if open == nil {
		open = camera.Open
	}
	cam, err := open(cfg.Camera, logger)
	if err != nil {
		logger.Error("failed to open camera", "error", err)
		return &StageError{Stage: StageCamera, Err: err}
	}
	defer cam.Close() //nolint:errcheck

	connector := &relay.Connector{
		Endpoint:       cfg.Endpoint,
		Budget:         cfg.Budget,
		Sockets:        cfg.Sockets,
		ConnectTimeout: cfg.ConnectTimeout,
		TCPKeepAlive:   cfg.TCPKeepAlive,
		WriteTimeout:   cfg.WriteTimeout,
		Logger:         logger,
		Sleep:          cfg.Sleep,
	}
	cfg.Metrics.InstrumentConnector(connector)
	tx, err := cfg.Metrics.InstrumentedConnect(ctx, connector)
	if err != nil {
		logger.Error("failed to connect", "endpoint", cfg.Endpoint, "error", err)
		return &StageError{Stage: StageConnect, Err: err}
	}

	sup := relay.NewSupervisor(tx, connector, cfg.Reconnect, logger)
	sup.OnReconnect = cfg.Metrics.Reconnect
	defer sup.Close() //nolint:errcheck

	loop := &Loop{
		Frames:  cam,
		Encode:  cfg.Encode,
		Ext:     cfg.Ext,
		Framing: cfg.Framing,
		Sink:    sup,
		Delay:   cfg.CaptureDelay,
		Logger:  logger,
		Metrics: cfg.Metrics,
		Sleep:   cfg.Sleep,
	}
	if err := loop.Run(ctx); err != nil {
		logger.Error("relay stopped", "error", err)
		return &StageError{Stage: StageRelay, Err: err}
	}
	logger.Info("relay shut down")
	return nil
}
