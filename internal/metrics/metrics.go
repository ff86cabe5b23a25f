// Package metrics provides Prometheus metrics for camrelay.
package metrics

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/philsphicas/camrelay/internal/relay"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "camrelay"

const (
	ResultSuccess  = "success"
	ResultError    = "error"
	ResultNotFinal = "not_final"
	ResultFinal    = "final"
)

const (
	ReasonCreateExhausted  = "create_exhausted"
	ReasonConnectExhausted = "connect_exhausted"
	ReasonTimeout          = "timeout"
	ReasonCancelled        = "cancelled"
	ReasonInvalid          = "invalid"
)

// Metrics holds all Prometheus metrics for camrelay.
type Metrics struct {
	Registry *prometheus.Registry

	missionPolls    *prometheus.CounterVec
	connectAttempts *prometheus.CounterVec
	connectErrors   *prometheus.CounterVec
	connectDuration prometheus.Histogram
	reconnects      *prometheus.CounterVec
	connected       prometheus.Gauge
	stageErrors     *prometheus.CounterVec
	framesSent      prometheus.Counter
	bytesTotal      *prometheus.CounterVec
	payloadSize     *prometheus.HistogramVec
	encodeDuration  prometheus.Histogram
	sendDuration    prometheus.Histogram

	framesReceived    *prometheus.CounterVec
	activeConnections prometheus.Gauge
	viewers           prometheus.Gauge
	viewerDrops       prometheus.Counter
}

// New creates a new Metrics instance with a custom Prometheus registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	sizeBuckets := prometheus.ExponentialBuckets(1024, 4, 10) // 1 KiB .. 256 MiB

	m := &Metrics{
		Registry: reg,

		missionPolls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mission_polls_total",
			Help:      "Flight controller mission polls, by result.",
		}, []string{"result"}),

		connectAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connect_attempts_total",
			Help:      "Socket create and connect attempts, by stage and result.",
		}, []string{"stage", "result"}),

		connectErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connect_errors_total",
			Help:      "Connection setups that failed after the retry budget, by reason.",
		}, []string{"reason"}),

		connectDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "connect_duration_seconds",
			Help:      "Total time spent establishing the relay connection, including retry delays, in seconds.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}),

		reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnects_total",
			Help:      "Reconnects after a send failure, by result.",
		}, []string{"result"}),

		connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "relay_connected",
			Help:      "Whether the relay connection is established (1) or not (0).",
		}),

		stageErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_errors_total",
			Help:      "Skipped relay iterations, by failing stage.",
		}, []string{"stage"}),

		framesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_sent_total",
			Help:      "Encoded frames written to the relay connection.",
		}),

		bytesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_total",
			Help:      "Payload bytes transferred, by direction.",
		}, []string{"direction"}),

		payloadSize: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "payload_size_bytes",
			Help:      "Size of encoded payloads in bytes, by direction.",
			Buckets:   sizeBuckets,
		}, []string{"direction"}),

		encodeDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "encode_duration_seconds",
			Help:      "Time spent encoding a frame in seconds.",
			Buckets:   []float64{0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}),

		sendDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "send_duration_seconds",
			Help:      "Time spent writing a payload to the relay connection in seconds.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),

		framesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_received_total",
			Help:      "Payloads received by the ground listener, by format.",
		}, []string{"format"}),

		activeConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_connections",
			Help:      "Number of relay connections currently open on the ground listener.",
		}),

		viewers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "viewers",
			Help:      "Number of connected WebSocket viewers.",
		}),

		viewerDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "viewer_dropped_frames_total",
			Help:      "Frames dropped from slow viewer queues.",
		}),
	}

	reg.MustRegister(
		m.missionPolls,
		m.connectAttempts,
		m.connectErrors,
		m.connectDuration,
		m.reconnects,
		m.connected,
		m.stageErrors,
		m.framesSent,
		m.bytesTotal,
		m.payloadSize,
		m.encodeDuration,
		m.sendDuration,
		m.framesReceived,
		m.activeConnections,
		m.viewers,
		m.viewerDrops,
	)

	return m
}

func result(err error) string {
	if err != nil {
		return ResultError
	}
	return ResultSuccess
}

// MissionPoll records the outcome of one mission-state poll.
func (m *Metrics) MissionPoll(final bool, err error) {
	if m == nil {
		return
	}
	switch {
	case err != nil:
		m.missionPolls.WithLabelValues(ResultError).Inc()
	case final:
		m.missionPolls.WithLabelValues(ResultFinal).Inc()
	default:
		m.missionPolls.WithLabelValues(ResultNotFinal).Inc()
	}
}

// ConnectAttempt records one socket create or connect attempt.
func (m *Metrics) ConnectAttempt(stage relay.Stage, err error) {
	if m == nil {
		return
	}
	m.connectAttempts.WithLabelValues(string(stage), result(err)).Inc()
}

// ConnectReason classifies a Connector failure for the connect_errors
// metric.
func ConnectReason(err error) string {
	var ce *relay.ConnectError
	if errors.As(err, &ce) {
		if ce.Reason == relay.CreateExhausted {
			return ReasonCreateExhausted
		}
		return ReasonConnectExhausted
	}
	if errors.Is(err, context.Canceled) {
		return ReasonCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ReasonTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ReasonTimeout
	}
	return ReasonInvalid
}

// ConnectFailed records a connection setup that gave up.
func (m *Metrics) ConnectFailed(reason string) {
	if m == nil {
		return
	}
	m.connectErrors.WithLabelValues(reason).Inc()
}

// ObserveConnectDuration records how long one Connect call took.
func (m *Metrics) ObserveConnectDuration(seconds float64) {
	if m == nil {
		return
	}
	m.connectDuration.Observe(seconds)
}

// Reconnect records the outcome of a reconnect after a send failure.
func (m *Metrics) Reconnect(err error) {
	if m == nil {
		return
	}
	m.reconnects.WithLabelValues(result(err)).Inc()
	m.SetConnected(err == nil)
}

// SetConnected sets the relay connection gauge.
func (m *Metrics) SetConnected(up bool) {
	if m == nil {
		return
	}
	if up {
		m.connected.Set(1)
	} else {
		m.connected.Set(0)
	}
}

// StageError records a relay iteration skipped because stage failed.
func (m *Metrics) StageError(stage string) {
	if m == nil {
		return
	}
	m.stageErrors.WithLabelValues(stage).Inc()
}

// ObserveEncode records the time spent encoding one frame.
func (m *Metrics) ObserveEncode(seconds float64) {
	if m == nil {
		return
	}
	m.encodeDuration.Observe(seconds)
}

// FrameSent records a payload of n bytes written in seconds.
func (m *Metrics) FrameSent(n int, seconds float64) {
	if m == nil {
		return
	}
	m.framesSent.Inc()
	m.bytesTotal.WithLabelValues("sent").Add(float64(n))
	m.payloadSize.WithLabelValues("sent").Observe(float64(n))
	m.sendDuration.Observe(seconds)
}

// FrameReceived records a payload of n bytes read by the ground listener.
func (m *Metrics) FrameReceived(format string, n int) {
	if m == nil {
		return
	}
	m.framesReceived.WithLabelValues(format).Inc()
	m.bytesTotal.WithLabelValues("received").Add(float64(n))
	m.payloadSize.WithLabelValues("received").Observe(float64(n))
}

// ConnectionOpened increments the listener connection gauge and returns a
// func that decrements it. Safe to call on a nil receiver.
func (m *Metrics) ConnectionOpened() func() {
	if m == nil {
		return func() {}
	}
	m.activeConnections.Inc()
	return m.activeConnections.Dec
}

// SetViewers sets the WebSocket viewer gauge.
func (m *Metrics) SetViewers(n int) {
	if m == nil {
		return
	}
	m.viewers.Set(float64(n))
}

// ViewerDropped records a frame dropped from a slow viewer's queue.
func (m *Metrics) ViewerDropped() {
	if m == nil {
		return
	}
	m.viewerDrops.Inc()
}

// InstrumentConnector chains attempt recording onto c.OnAttempt.
// Safe to call on a nil receiver (c is left untouched).
func (m *Metrics) InstrumentConnector(c *relay.Connector) {
	if m == nil || c == nil {
		return
	}
	prev := c.OnAttempt
	c.OnAttempt = func(stage relay.Stage, attempt int, err error) {
		m.ConnectAttempt(stage, err)
		if prev != nil {
			prev(stage, attempt, err)
		}
	}
}

// InstrumentedConnect wraps c.Connect with duration, gauge and error
// metrics. Safe to call on a nil receiver (falls through to c.Connect
// directly).
func (m *Metrics) InstrumentedConnect(ctx context.Context, c *relay.Connector) (*relay.Transmitter, error) {
	start := time.Now()
	tx, err := c.Connect(ctx)
	m.ObserveConnectDuration(time.Since(start).Seconds())
	m.SetConnected(err == nil)
	if err != nil {
		m.ConnectFailed(ConnectReason(err))
		return nil, err
	}
	return tx, nil
}
