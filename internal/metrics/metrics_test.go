package metrics

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/philsphicas/camrelay/internal/relay"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestNew(t *testing.T) {
	m := New()
	if m == nil {
		t.Fatal("New() returned nil")
		return
	}
	if m.Registry == nil {
		t.Fatal("Registry is nil")
		return
	}

	// Trigger all metrics so they appear in Gather output.
	m.MissionPoll(false, nil)
	m.ConnectAttempt(relay.StageCreate, nil)
	m.ConnectFailed(ReasonConnectExhausted)
	m.ObserveConnectDuration(0.1)
	m.Reconnect(nil)
	m.StageError("encode")
	m.ObserveEncode(0.01)
	m.FrameSent(1024, 0.02)
	m.FrameReceived("png", 1024)
	m.ConnectionOpened()()
	m.SetViewers(2)
	m.ViewerDropped()

	fams, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}

	wantNames := []string{
		"camrelay_mission_polls_total",
		"camrelay_connect_attempts_total",
		"camrelay_connect_errors_total",
		"camrelay_connect_duration_seconds",
		"camrelay_reconnects_total",
		"camrelay_relay_connected",
		"camrelay_stage_errors_total",
		"camrelay_frames_sent_total",
		"camrelay_bytes_total",
		"camrelay_payload_size_bytes",
		"camrelay_encode_duration_seconds",
		"camrelay_send_duration_seconds",
		"camrelay_frames_received_total",
		"camrelay_active_connections",
		"camrelay_viewers",
		"camrelay_viewer_dropped_frames_total",
	}
	got := make(map[string]bool)
	for _, f := range fams {
		got[f.GetName()] = true
	}

	for _, name := range wantNames {
		if !got[name] {
			t.Errorf("expected metric %q not found in registry", name)
		}
	}
}

func TestMissionPoll(t *testing.T) {
	m := New()
	m.MissionPoll(false, errors.New("timeout"))
	m.MissionPoll(false, nil)
	m.MissionPoll(false, nil)
	m.MissionPoll(true, nil)

	for _, tt := range []struct {
		result string
		want   float64
	}{
		{ResultError, 1},
		{ResultNotFinal, 2},
		{ResultFinal, 1},
	} {
		if c := getCounter(t, m.missionPolls, tt.result); c != tt.want {
			t.Errorf("mission_polls{result=%s} = %v, want %v", tt.result, c, tt.want)
		}
	}
}

func TestFrameCounters(t *testing.T) {
	m := New()
	m.FrameSent(100, 0.01)
	m.FrameSent(300, 0.01)
	m.FrameReceived("jpeg", 50)

	if c := getScalarCounter(t, m.framesSent); c != 2 {
		t.Errorf("frames_sent = %v, want 2", c)
	}
	if c := getCounter(t, m.bytesTotal, "sent"); c != 400 {
		t.Errorf("bytes_total{sent} = %v, want 400", c)
	}
	if c := getCounter(t, m.bytesTotal, "received"); c != 50 {
		t.Errorf("bytes_total{received} = %v, want 50", c)
	}
	if c := getCounter(t, m.framesReceived, "jpeg"); c != 1 {
		t.Errorf("frames_received{jpeg} = %v, want 1", c)
	}
}

func TestConnectionOpened(t *testing.T) {
	m := New()
	done1 := m.ConnectionOpened()
	done2 := m.ConnectionOpened()
	if g := getScalarGauge(t, m.activeConnections); g != 2 {
		t.Errorf("active_connections = %v, want 2", g)
	}
	done1()
	done2()
	if g := getScalarGauge(t, m.activeConnections); g != 0 {
		t.Errorf("active_connections = %v, want 0", g)
	}
}

func TestConnectReason(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"create", &relay.ConnectError{Reason: relay.CreateExhausted}, ReasonCreateExhausted},
		{"connect", &relay.ConnectError{Reason: relay.ConnectExhausted}, ReasonConnectExhausted},
		{"wrapped", fmt.Errorf("relay: %w", &relay.ConnectError{Reason: relay.ConnectExhausted}), ReasonConnectExhausted},
		{"cancelled", context.Canceled, ReasonCancelled},
		{"deadline", fmt.Errorf("connect: %w", context.DeadlineExceeded), ReasonTimeout},
		{"net timeout", &net.OpError{Op: "dial", Err: &timeoutError{}}, ReasonTimeout},
		{"other", errors.New("max create attempts must be >= 1"), ReasonInvalid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ConnectReason(tt.err); got != tt.want {
				t.Errorf("ConnectReason = %q, want %q", got, tt.want)
			}
		})
	}
}

// timeoutError implements net.Error with Timeout() == true.
type timeoutError struct{}

func (e *timeoutError) Error() string   { return "i/o timeout" }
func (e *timeoutError) Timeout() bool   { return true }
func (e *timeoutError) Temporary() bool { return true }

// failSockets never constructs a socket.
type failSockets struct{}

func (failSockets) NewSocket(relay.Endpoint) (relay.Socket, error) {
	return nil, errors.New("EMFILE")
}

func TestInstrumentedConnect(t *testing.T) {
	m := New()
	var hooked int
	c := &relay.Connector{
		Endpoint:  relay.Endpoint{Host: "127.0.0.1", Port: 9},
		Budget:    relay.Budget{MaxCreateAttempts: 3, MaxConnectAttempts: 1},
		Sockets:   failSockets{},
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		OnAttempt: func(relay.Stage, int, error) { hooked++ },
	}
	m.InstrumentConnector(c)

	if _, err := m.InstrumentedConnect(context.Background(), c); err == nil {
		t.Fatal("expected error")
	}
	if hooked != 3 {
		t.Errorf("previous OnAttempt called %d times, want 3", hooked)
	}
	if n := getCounter(t, m.connectAttempts, "create", ResultError); n != 3 {
		t.Errorf("connect_attempts{create,error} = %v, want 3", n)
	}
	if n := getCounter(t, m.connectErrors, ReasonCreateExhausted); n != 1 {
		t.Errorf("connect_errors{create_exhausted} = %v, want 1", n)
	}
	if g := getScalarGauge(t, m.connected); g != 0 {
		t.Errorf("relay_connected = %v, want 0", g)
	}
}

func TestInstrumentedConnectSuccess(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			defer conn.Close()
			_, _ = io.Copy(io.Discard, conn)
		}
	}()

	ep, err := relay.ParseEndpoint(ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	m := New()
	c := &relay.Connector{
		Endpoint:       ep,
		Budget:         relay.Budget{MaxCreateAttempts: 1, MaxConnectAttempts: 1},
		ConnectTimeout: 2 * time.Second,
		Logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	m.InstrumentConnector(c)
	tx, err := m.InstrumentedConnect(context.Background(), c)
	if err != nil {
		t.Fatalf("InstrumentedConnect: %v", err)
	}
	defer tx.Close()

	if n := getCounter(t, m.connectAttempts, "connect", ResultSuccess); n != 1 {
		t.Errorf("connect_attempts{connect,success} = %v, want 1", n)
	}
	if g := getScalarGauge(t, m.connected); g != 1 {
		t.Errorf("relay_connected = %v, want 1", g)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	m := New()
	m.StageError("capture")
	m.FrameSent(500, 0.01)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()

	go func() {
		_ = m.Serve(ctx, ln, logger)
	}()

	// Wait for the server to start.
	var resp *http.Response
	for range 20 {
		time.Sleep(50 * time.Millisecond)
		resp, err = http.Get("http://" + addr + "/metrics")
		if err == nil {
			break
		}
	}
	if resp == nil {
		t.Fatal("metrics server did not start")
		return
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	text := string(body)

	for _, want := range []string{
		`camrelay_stage_errors_total{stage="capture"} 1`,
		`camrelay_bytes_total{direction="sent"} 500`,
		`camrelay_frames_sent_total 1`,
		"go_goroutines",
	} {
		if !strings.Contains(text, want) {
			t.Errorf("metrics response missing %q", want)
		}
	}
}

func TestServeHTTPShutdown(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- ServeHTTP(ctx, &http.Server{Handler: http.NotFoundHandler(), ReadHeaderTimeout: time.Second}, ln)
	}()
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("ServeHTTP = %v, want nil", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("ServeHTTP did not return after cancel")
	}
}

// helpers

func getCounter(t *testing.T, cv *prometheus.CounterVec, labels ...string) float64 {
	t.Helper()
	m := &dto.Metric{}
	if err := cv.WithLabelValues(labels...).Write(m); err != nil {
		t.Fatalf("write counter: %v", err)
	}
	return m.GetCounter().GetValue()
}

func getScalarCounter(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	m := &dto.Metric{}
	if err := c.Write(m); err != nil {
		t.Fatalf("write counter: %v", err)
	}
	return m.GetCounter().GetValue()
}

func getScalarGauge(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()
	m := &dto.Metric{}
	if err := g.Write(m); err != nil {
		t.Fatalf("write gauge: %v", err)
	}
	return m.GetGauge().GetValue()
}

func TestNilMetrics(t *testing.T) {
	// Calling methods on a nil *Metrics must not panic.
	var m *Metrics

	m.MissionPoll(true, nil)
	m.ConnectAttempt(relay.StageConnect, nil)
	m.ConnectFailed(ReasonTimeout)
	m.ObserveConnectDuration(0.1)
	m.Reconnect(errors.New("x"))
	m.SetConnected(true)
	m.StageError("encode")
	m.ObserveEncode(0.1)
	m.FrameSent(1, 0.1)
	m.FrameReceived("png", 1)
	m.ConnectionOpened()()
	m.SetViewers(1)
	m.ViewerDropped()

	c := &relay.Connector{}
	m.InstrumentConnector(c)
	if c.OnAttempt != nil {
		t.Error("InstrumentConnector on nil should leave OnAttempt nil")
	}
}
