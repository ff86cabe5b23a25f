package relay

import (
	"fmt"
	"io"
	"net"
	"time"
)

// SendError reports a failed Send. Written bytes of the payload may have
// reached the peer.
type SendError struct {
	Written int
	Err     error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send failed after %d bytes: %v", e.Written, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

// Transmitter owns one established connection.
type Transmitter struct {
	conn         net.Conn
	writeTimeout time.Duration
}

// NewTransmitter wraps conn. writeTimeout bounds each Send; zero disables
// the deadline.
func NewTransmitter(conn net.Conn, writeTimeout time.Duration) *Transmitter {
	return &Transmitter{conn: conn, writeTimeout: writeTimeout}
}

// Send writes all of payload or returns a *SendError. Short writes are
// continued until the payload is complete; nothing is retried after an error.
func (t *Transmitter) Send(payload []byte) error {
	if t.writeTimeout > 0 {
		if err := t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout)); err != nil {
			return &SendError{Err: err}
		}
	}
	written := 0
	for written < len(payload) {
		n, err := t.conn.Write(payload[written:])
		written += n
		if err != nil {
			return &SendError{Written: written, Err: err}
		}
		if n == 0 {
			return &SendError{Written: written, Err: io.ErrShortWrite}
		}
	}
	return nil
}

// RemoteAddr returns the peer address.
func (t *Transmitter) RemoteAddr() net.Addr {
	return t.conn.RemoteAddr()
}

// Close closes the underlying connection.
func (t *Transmitter) Close() error {
	return t.conn.Close()
}
