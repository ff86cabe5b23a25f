// Package relay owns the vehicle-to-ground TCP stream: bounded-retry
// connection setup, the all-bytes transmitter, and the reconnecting
// supervisor wrapped around it.
package relay

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/philsphicas/camrelay/internal/retry"
)

// Budget bounds socket construction and connect attempts.
type Budget struct {
	MaxCreateAttempts  int
	MaxConnectAttempts int

	// Delay is slept between attempts of either kind. Zero retries
	// immediately.
	Delay time.Duration
}

// Validate checks that both attempt counts are at least 1.
func (b Budget) Validate() error {
	if b.MaxCreateAttempts < 1 {
		return fmt.Errorf("max create attempts must be >= 1, got %d", b.MaxCreateAttempts)
	}
	if b.MaxConnectAttempts < 1 {
		return fmt.Errorf("max connect attempts must be >= 1, got %d", b.MaxConnectAttempts)
	}
	if b.Delay < 0 {
		return fmt.Errorf("connect retry delay must be >= 0, got %v", b.Delay)
	}
	return nil
}

// Reason identifies which budget ran out.
type Reason int

const (
	// CreateExhausted means no socket could be constructed.
	CreateExhausted Reason = iota + 1
	// ConnectExhausted means sockets were constructed but none connected.
	ConnectExhausted
)

func (r Reason) String() string {
	switch r {
	case CreateExhausted:
		return "create exhausted"
	case ConnectExhausted:
		return "connect exhausted"
	default:
		return "unknown"
	}
}

// ConnectError is returned when the connection budget is spent.
type ConnectError struct {
	Endpoint        Endpoint
	Reason          Reason
	CreateAttempts  int
	ConnectAttempts int
	Err             error // last underlying failure
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect %s: %s after %d create and %d connect attempts: %v",
		e.Endpoint, e.Reason, e.CreateAttempts, e.ConnectAttempts, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// Stage names the step of connection setup an attempt belongs to.
type Stage string

const (
	StageCreate  Stage = "create"
	StageConnect Stage = "connect"
)

// Socket is a constructed but not yet connected stream socket.
//
// After a successful Connect the returned net.Conn owns the descriptor and
// Close becomes a no-op.
type Socket interface {
	Connect(ctx context.Context, ep Endpoint) (net.Conn, error)
	Close() error
}

// SocketFactory constructs sockets for an endpoint.
type SocketFactory interface {
	NewSocket(ep Endpoint) (Socket, error)
}

// Connector establishes the relay connection.
type Connector struct {
	Endpoint Endpoint
	Budget   Budget

	// Sockets constructs sockets. nil uses SystemSockets with ConnectTimeout.
	Sockets        SocketFactory
	ConnectTimeout time.Duration

	TCPKeepAlive time.Duration
	WriteTimeout time.Duration // applied to every Send on the returned Transmitter
	Logger       *slog.Logger

	// OnAttempt is called after every create and connect attempt, with
	// err nil on success. It may be nil.
	OnAttempt func(stage Stage, attempt int, err error)

	// Sleep overrides the wait between attempts (tests).
	Sleep func(ctx context.Context, d time.Duration) error
}

// Connect tries up to MaxCreateAttempts sockets, each with up to
// MaxConnectAttempts connects, and returns a Transmitter for the first one
// that connects. Exhaustion yields a *ConnectError; context cancellation is
// returned as is.
func (c *Connector) Connect(ctx context.Context) (*Transmitter, error) {
	if err := c.Budget.Validate(); err != nil {
		return nil, err
	}
	logger := c.Logger
	if logger == nil {
		logger = slog.Default()
	}
	sockets := c.Sockets
	if sockets == nil {
		sockets = SystemSockets{ConnectTimeout: c.ConnectTimeout}
	}

	var (
		createAttempts  int
		connectAttempts int
		constructed     bool
		conn            net.Conn
		lastErr         error
	)

	createPolicy := retry.Policy{MaxAttempts: c.Budget.MaxCreateAttempts, Delay: c.Budget.Delay, Sleep: c.Sleep}
	_, err := createPolicy.Do(ctx, func(attempt int) error {
		createAttempts++
		sock, err := sockets.NewSocket(c.Endpoint)
		c.attempt(StageCreate, attempt, err)
		if err != nil {
			logger.Warn("socket create failed", "endpoint", c.Endpoint, "attempt", attempt, "error", err)
			lastErr = err
			return err
		}
		constructed = true

		connectPolicy := retry.Policy{MaxAttempts: c.Budget.MaxConnectAttempts, Delay: c.Budget.Delay, Sleep: c.Sleep}
		_, err = connectPolicy.Do(ctx, func(attempt int) error {
			connectAttempts++
			cn, err := sock.Connect(ctx, c.Endpoint)
			c.attempt(StageConnect, attempt, err)
			if err != nil {
				logger.Warn("socket connect failed", "endpoint", c.Endpoint, "attempt", attempt, "error", err)
				lastErr = err
				return err
			}
			conn = cn
			return nil
		})
		if err != nil {
			_ = sock.Close()
			return err
		}
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		reason := ConnectExhausted
		if !constructed {
			reason = CreateExhausted
		}
		return nil, &ConnectError{
			Endpoint:        c.Endpoint,
			Reason:          reason,
			CreateAttempts:  createAttempts,
			ConnectAttempts: connectAttempts,
			Err:             lastErr,
		}
	}

	SetTCPKeepAlive(conn, c.TCPKeepAlive)
	logger.Info("connected", "endpoint", c.Endpoint, "create_attempts", createAttempts, "connect_attempts", connectAttempts)
	return NewTransmitter(conn, c.WriteTimeout), nil
}

func (c *Connector) attempt(stage Stage, attempt int, err error) {
	if c.OnAttempt != nil {
		c.OnAttempt(stage, attempt, err)
	}
}
