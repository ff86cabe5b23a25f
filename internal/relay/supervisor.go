package relay

import (
	"context"
	"errors"
	"log/slog"
)

// Supervisor sends through the current Transmitter and, when Reconnect is
// set, replaces it through the Connector after a send failure. At most one
// connection is open at any time.
type Supervisor struct {
	Connector *Connector
	Reconnect bool
	Logger    *slog.Logger

	// OnReconnect is called after every reconnect attempt with err nil on
	// success. It may be nil.
	OnReconnect func(err error)

	tx *Transmitter
}

// NewSupervisor returns a Supervisor that starts with tx.
func NewSupervisor(tx *Transmitter, c *Connector, reconnect bool, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{Connector: c, Reconnect: reconnect, Logger: logger, tx: tx}
}

// Send writes payload. A send failure is returned as *SendError, unless
// reconnecting is enabled: then the connection is replaced and payload is
// resent once on the new connection. If the Connector is exhausted the
// *ConnectError is returned and Send must not be called again.
func (s *Supervisor) Send(ctx context.Context, payload []byte) error {
	if s.tx == nil {
		if err := s.reconnect(ctx); err != nil {
			return err
		}
	}
	err := s.tx.Send(payload)
	if err == nil || !s.Reconnect {
		return err
	}

	s.Logger.Warn("send failed, reconnecting", "endpoint", s.Connector.Endpoint, "error", err)
	_ = s.tx.Close()
	s.tx = nil
	if rerr := s.reconnect(ctx); rerr != nil {
		return rerr
	}
	return s.tx.Send(payload)
}

func (s *Supervisor) reconnect(ctx context.Context) error {
	if s.Connector == nil {
		return errors.New("no connector configured")
	}
	tx, err := s.Connector.Connect(ctx)
	if s.OnReconnect != nil {
		s.OnReconnect(err)
	}
	if err != nil {
		return err
	}
	s.tx = tx
	return nil
}

// Close closes the current connection, if any.
func (s *Supervisor) Close() error {
	if s.tx == nil {
		return nil
	}
	err := s.tx.Close()
	s.tx = nil
	return err
}
