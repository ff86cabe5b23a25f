//go:build !linux

package relay

import (
	"context"
	"net"
	"time"
)

// SystemSockets constructs dialer-backed sockets. Outside Linux socket
// construction cannot fail separately from connect, so NewSocket never
// returns an error.
type SystemSockets struct {
	ConnectTimeout time.Duration
}

// NewSocket returns a socket that dials on Connect.
func (f SystemSockets) NewSocket(Endpoint) (Socket, error) {
	return &dialSocket{d: net.Dialer{Timeout: f.ConnectTimeout}}, nil
}

type dialSocket struct {
	d      net.Dialer
	closed bool
}

func (s *dialSocket) Connect(ctx context.Context, ep Endpoint) (net.Conn, error) {
	if s.closed {
		return nil, net.ErrClosed
	}
	conn, err := s.d.DialContext(ctx, "tcp", ep.String())
	if err != nil {
		return nil, err
	}
	s.closed = true
	return conn, nil
}

func (s *dialSocket) Close() error {
	s.closed = true
	return nil
}
