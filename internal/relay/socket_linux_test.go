//go:build linux

package relay

import (
	"context"
	"errors"
	"io"
	"net"
	"syscall"
	"testing"
	"time"
)

func TestSystemSocketsConnect(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close() //nolint:errcheck

	got := make(chan string, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close() //nolint:errcheck
		b, _ := io.ReadAll(conn)
		got <- string(b)
	}()

	ep, _ := ParseEndpoint(ln.Addr().String())
	sock, err := SystemSockets{ConnectTimeout: 2 * time.Second}.NewSocket(ep)
	if err != nil {
		t.Fatalf("NewSocket: %v", err)
	}
	conn, err := sock.Connect(context.Background(), ep)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := sock.Close(); err != nil {
		t.Errorf("Close after hand-off should be a no-op, got %v", err)
	}
	if _, ok := conn.(*net.TCPConn); !ok {
		t.Errorf("conn type = %T, want *net.TCPConn", conn)
	}
	if _, err := conn.Write([]byte("ping")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	_ = conn.Close()

	select {
	case s := <-got:
		if s != "ping" {
			t.Errorf("received %q, want %q", s, "ping")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no data received")
	}
}

func TestSystemSocketsRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()

	ep, _ := ParseEndpoint(addr)
	sock, err := SystemSockets{ConnectTimeout: time.Second}.NewSocket(ep)
	if err != nil {
		t.Fatalf("NewSocket: %v", err)
	}
	defer sock.Close() //nolint:errcheck

	// Every attempt on the same socket is a real connect, not a replay of
	// the previous failure.
	for i := 0; i < 3; i++ {
		_, err = sock.Connect(context.Background(), ep)
		if !errors.Is(err, syscall.ECONNREFUSED) {
			t.Fatalf("attempt %d: err = %v, want ECONNREFUSED", i+1, err)
		}
	}

	ln, err = net.Listen("tcp", addr)
	if err != nil {
		t.Skipf("re-listen on %s: %v", addr, err)
	}
	defer ln.Close() //nolint:errcheck

	conn, err := sock.Connect(context.Background(), ep)
	if err != nil {
		t.Fatalf("connect after listener appeared: %v", err)
	}
	_ = conn.Close()
}

func TestConnectorReachesLateListener(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()
	ep, _ := ParseEndpoint(addr)

	var (
		late     net.Listener
		attempts []error
	)
	defer func() {
		if late != nil {
			_ = late.Close()
		}
	}()
	c := &Connector{
		Endpoint:       ep,
		Budget:         Budget{MaxCreateAttempts: 1, MaxConnectAttempts: 2},
		ConnectTimeout: time.Second,
		Logger:         quietLogger(),
		Sleep:          noSleep,
		OnAttempt: func(stage Stage, attempt int, err error) {
			if stage != StageConnect {
				return
			}
			attempts = append(attempts, err)
			if attempt == 1 && late == nil {
				late, _ = net.Listen("tcp", addr)
			}
		},
	}
	tx, err := c.Connect(context.Background())
	if late == nil {
		t.Skipf("re-listen on %s failed", addr)
	}
	if err != nil {
		t.Fatalf("Connect: %v (attempts %v)", err, attempts)
	}
	defer tx.Close() //nolint:errcheck
	if len(attempts) != 2 || !errors.Is(attempts[0], syscall.ECONNREFUSED) || attempts[1] != nil {
		t.Errorf("connect attempts = %v, want [refused, nil]", attempts)
	}
}

func TestSystemSocketsClosed(t *testing.T) {
	ep := Endpoint{Host: "127.0.0.1", Port: 9}
	sock, err := SystemSockets{}.NewSocket(ep)
	if err != nil {
		t.Fatalf("NewSocket: %v", err)
	}
	if err := sock.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := sock.Connect(context.Background(), ep); !errors.Is(err, net.ErrClosed) {
		t.Errorf("err = %v, want net.ErrClosed", err)
	}
}
