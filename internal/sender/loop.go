package sender

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/philsphicas/camrelay/internal/camera"
	"github.com/philsphicas/camrelay/internal/codec"
	"github.com/philsphicas/camrelay/internal/metrics"
	"github.com/philsphicas/camrelay/internal/protocol"
	"github.com/philsphicas/camrelay/internal/relay"
	"github.com/philsphicas/camrelay/internal/retry"
)

// Sink accepts one framed payload at a time. *relay.Supervisor is the
// production Sink.
type Sink interface {
	Send(ctx context.Context, payload []byte) error
}

// Loop is the steady-state capture, encode and transmit cycle.
type Loop struct {
	Frames  camera.Source
	Encode  codec.Func
	Ext     string
	Framing protocol.Framing
	Sink    Sink
	Delay   time.Duration

	Logger  *slog.Logger
	Metrics *metrics.Metrics // optional; nil disables metrics

	// Sleep overrides the pacing wait (tests).
	Sleep func(ctx context.Context, d time.Duration) error
}

// Run relays frames until ctx is cancelled, which returns nil. A failed
// capture, encode or send is logged and the iteration skipped; only a
// *relay.ConnectError (reconnect budget spent) ends the loop with an error.
func (l *Loop) Run(ctx context.Context) error {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	sleep := l.Sleep
	if sleep == nil {
		sleep = retry.SleepContext
	}
	encode := l.Encode
	if encode == nil {
		encode = codec.Encode
	}
	format := protocol.FormatFromExt(l.Ext)

	logger.Info("relaying frames", "format", l.Ext, "framing", l.Framing, "delay", l.Delay)
	var buf []byte
	for iteration := 1; ; iteration++ {
		if ctx.Err() != nil {
			return nil
		}
		var err error
		buf, err = l.step(ctx, logger, encode, format, buf)
		if err != nil {
			var ce *relay.ConnectError
			if errors.As(err, &ce) {
				return err
			}
			if ctx.Err() != nil {
				return nil
			}
			stage := "relay"
			var se *StageError
			if errors.As(err, &se) {
				stage = se.Stage
			}
			logger.Warn("frame skipped", "iteration", iteration, "stage", stage, "error", err)
			l.Metrics.StageError(stage)
		}
		if err := sleep(ctx, l.Delay); err != nil {
			return nil
		}
	}
}

// step runs one iteration and returns buf for reuse.
func (l *Loop) step(ctx context.Context, logger *slog.Logger, encode codec.Func, format protocol.Format, buf []byte) ([]byte, error) {
	frame, err := l.Frames.Frame(ctx)
	if err != nil {
		return buf, &StageError{Stage: StageCapture, Err: err}
	}

	start := time.Now()
	payload, err := encode(l.Ext, frame)
	if err != nil {
		return buf, &StageError{Stage: StageEncode, Err: err}
	}
	l.Metrics.ObserveEncode(time.Since(start).Seconds())

	out := payload
	if l.Framing == protocol.FramingLength {
		buf, err = protocol.AppendFrame(buf[:0], format, payload)
		if err != nil {
			return buf, &StageError{Stage: StageFrame, Err: err}
		}
		out = buf
	}

	start = time.Now()
	if err := l.Sink.Send(ctx, out); err != nil {
		var ce *relay.ConnectError
		if errors.As(err, &ce) {
			return buf, err
		}
		return buf, &StageError{Stage: StageSend, Err: err}
	}
	l.Metrics.FrameSent(len(out), time.Since(start).Seconds())
	logger.Debug("frame sent", "seq", frame.Seq, "bytes", len(out))
	return buf, nil
}
