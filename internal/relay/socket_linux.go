//go:build linux

package relay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// pollSlice bounds each poll(2) wait so context cancellation is noticed.
const pollSlice = 100 * time.Millisecond

// SystemSockets constructs kernel TCP sockets. Construction (socket(2)) and
// connection (connect(2)) are separate steps, so each can be retried on its
// own budget.
type SystemSockets struct {
	// ConnectTimeout bounds a single connect attempt. Zero waits for the
	// kernel or the context.
	ConnectTimeout time.Duration
}

// NewSocket creates a non-blocking TCP socket of the endpoint's address
// family. Hostnames are resolved to IPv4.
func (f SystemSockets) NewSocket(ep Endpoint) (Socket, error) {
	family := unix.AF_INET
	if ip := net.ParseIP(ep.Host); ip != nil && ip.To4() == nil {
		family = unix.AF_INET6
	}
	fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.IPPROTO_TCP)
	if err != nil {
		return nil, os.NewSyscallError("socket", err)
	}
	return &sysSocket{fd: fd, family: family, timeout: f.ConnectTimeout}, nil
}

type sysSocket struct {
	fd      int
	family  int
	timeout time.Duration
}

func (s *sysSocket) Connect(ctx context.Context, ep Endpoint) (net.Conn, error) {
	if s.fd < 0 {
		return nil, net.ErrClosed
	}
	sa, err := s.sockaddr(ctx, ep)
	if err != nil {
		return nil, &net.OpError{Op: "dial", Net: "tcp", Err: err}
	}
	if err := s.connect(ctx, sa); err != nil {
		return nil, &net.OpError{Op: "connect", Net: "tcp", Err: err}
	}

	// FileConn dups the descriptor; closing f releases ours.
	f := os.NewFile(uintptr(s.fd), "tcp:"+ep.String())
	s.fd = -1
	defer f.Close() //nolint:errcheck // dup is owned by the returned conn
	conn, err := net.FileConn(f)
	if err != nil {
		return nil, fmt.Errorf("wrap socket: %w", err)
	}
	return conn, nil
}

func (s *sysSocket) Close() error {
	if s.fd < 0 {
		return nil
	}
	err := unix.Close(s.fd)
	s.fd = -1
	if err != nil {
		return os.NewSyscallError("close", err)
	}
	return nil
}

func (s *sysSocket) sockaddr(ctx context.Context, ep Endpoint) (unix.Sockaddr, error) {
	ip := net.ParseIP(ep.Host)
	if ip == nil {
		addrs, err := net.DefaultResolver.LookupIP(ctx, "ip4", ep.Host)
		if err != nil {
			return nil, err
		}
		if len(addrs) == 0 {
			return nil, fmt.Errorf("no IPv4 address for %s", ep.Host)
		}
		ip = addrs[0]
	}
	if s.family == unix.AF_INET6 {
		return &unix.SockaddrInet6{Port: ep.Port, Addr: [16]byte(ip.To16())}, nil
	}
	ip4 := ip.To4()
	if ip4 == nil {
		return nil, fmt.Errorf("address %s is not IPv4", ip)
	}
	return &unix.SockaddrInet4{Port: ep.Port, Addr: [4]byte(ip4)}, nil
}

// connect starts a non-blocking connect and waits for it to finish. A
// connect that timed out is still in progress in the kernel; the next call
// resumes waiting on it (EALREADY).
func (s *sysSocket) connect(ctx context.Context, sa unix.Sockaddr) error {
	err := unix.Connect(s.fd, sa)
	if errors.Is(err, unix.ECONNABORTED) {
		// The previous connect on this fd failed. Linux reports that once
		// and resets the socket to unconnected, so issue a fresh SYN.
		err = unix.Connect(s.fd, sa)
	}
	switch {
	case err == nil, errors.Is(err, unix.EISCONN):
		return nil
	case errors.Is(err, unix.EINPROGRESS), errors.Is(err, unix.EALREADY), errors.Is(err, unix.EINTR):
	default:
		return os.NewSyscallError("connect", err)
	}

	var deadline time.Time
	if s.timeout > 0 {
		deadline = time.Now().Add(s.timeout)
	}
	if d, ok := ctx.Deadline(); ok && (deadline.IsZero() || d.Before(deadline)) {
		deadline = d
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		wait := pollSlice
		if !deadline.IsZero() {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				return os.ErrDeadlineExceeded
			}
			wait = min(wait, remaining)
		}
		fds := []unix.PollFd{{Fd: int32(s.fd), Events: unix.POLLOUT}}
		n, err := unix.Poll(fds, max(1, int(wait.Milliseconds())))
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return os.NewSyscallError("poll", err)
		}
		if n == 0 {
			continue
		}
		soerr, err := unix.GetsockoptInt(s.fd, unix.SOL_SOCKET, unix.SO_ERROR)
		if err != nil {
			return os.NewSyscallError("getsockopt", err)
		}
		if soerr != 0 {
			return os.NewSyscallError("connect", unix.Errno(soerr))
		}
		return nil
	}
}
