// Package listener implements the ground side of camrelay: it accepts relay
// connections over TCP, optionally checks the source against an
// allowlist, splits each stream back into image payloads, stores them and
// hands them to the viewer Hub.
package listener

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/philsphicas/camrelay/internal/metrics"
	"github.com/philsphicas/camrelay/internal/protocol"
	"github.com/philsphicas/camrelay/internal/relay"
)

// Config holds ground listener configuration.
type Config struct {
	Addr       string
	Framing    protocol.Framing
	OutputDir  string // optional; empty disables saving
	MaxPayload int    // 0 = protocol.DefaultMaxPayload

	AllowList      []string // optional source allowlist (host:port, CIDR:port, CIDR:*)
	MaxConnections int      // 0 = unlimited
	TCPKeepAlive   time.Duration

	Hub     *Hub // optional; receives every payload
	Logger  *slog.Logger
	Metrics *metrics.Metrics // optional; nil disables metrics

	// OnPayload is called for every payload after it is stored. It may be
	// nil.
	OnPayload func(Payload)
}

// Payload is one image received from a relay.
type Payload struct {
	ConnID   string
	Seq      uint64
	Format   protocol.Format
	Data     []byte
	Received time.Time
}

// ListenAndServe listens on cfg.Addr and serves until ctx is cancelled.
func ListenAndServe(ctx context.Context, cfg Config) error {
	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.Addr, err)
	}
	return Serve(ctx, ln, cfg)
}

// Serve accepts relay connections on ln until ctx is cancelled. It closes
// ln and waits for open connections to finish before returning.
func Serve(ctx context.Context, ln net.Listener, cfg Config) error {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.TCPKeepAlive == 0 {
		cfg.TCPKeepAlive = 30 * time.Second
	}
	if cfg.OutputDir != "" {
		if err := os.MkdirAll(cfg.OutputDir, 0o755); err != nil {
			_ = ln.Close()
			return fmt.Errorf("create output directory: %w", err)
		}
	}
	if len(cfg.AllowList) == 0 {
		cfg.Logger.Warn("no allowlist configured, all sources will be accepted")
	}

	var wg sync.WaitGroup
	defer wg.Wait()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	sem := newConnSemaphore(cfg.MaxConnections)
	cfg.Logger.Info("listening for relays", "addr", ln.Addr(), "framing", cfg.Framing)
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}

		remote := conn.RemoteAddr().String()
		if len(cfg.AllowList) > 0 && !isAllowed(remote, cfg.AllowList) {
			cfg.Logger.Warn("source not allowed", "remote", remote)
			_ = conn.Close()
			continue
		}
		if !sem.tryAcquire() {
			cfg.Logger.Warn("max connections reached, dropping relay", "remote", remote)
			_ = conn.Close()
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer sem.release()
			handleConnection(ctx, conn, cfg)
		}()
	}
}

func handleConnection(ctx context.Context, conn net.Conn, cfg Config) {
	defer conn.Close() //nolint:errcheck // best-effort cleanup
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	relay.SetTCPKeepAlive(conn, cfg.TCPKeepAlive)
	done := cfg.Metrics.ConnectionOpened()
	defer done()

	id := uuid.NewString()
	logger := cfg.Logger.With("conn", id, "remote", conn.RemoteAddr().String())
	logger.Info("relay connected")

	dec := protocol.NewDecoder(cfg.Framing, conn, cfg.MaxPayload)
	var seq uint64
	for {
		format, data, err := dec.Next()
		if err != nil {
			switch {
			case errors.Is(err, io.EOF), ctx.Err() != nil:
				logger.Info("relay disconnected", "frames", seq)
			default:
				logger.Warn("closing relay connection", "frames", seq, "error", err)
			}
			return
		}
		seq++
		p := Payload{ConnID: id, Seq: seq, Format: format, Data: data, Received: time.Now()}
		cfg.Metrics.FrameReceived(format.String(), len(data))
		logger.Debug("frame received", "seq", seq, "format", format, "bytes", len(data))

		if cfg.OutputDir != "" {
			if err := save(cfg.OutputDir, p); err != nil {
				logger.Warn("failed to save frame", "seq", seq, "error", err)
			}
		}
		if cfg.Hub != nil {
			cfg.Hub.Publish(p)
		}
		if cfg.OnPayload != nil {
			cfg.OnPayload(p)
		}
	}
}

// FileName returns the name a payload is stored under.
func (p Payload) FileName() string {
	return fmt.Sprintf("%s_%d%s", p.ConnID, p.Seq, p.Format.Ext())
}

func save(dir string, p Payload) error {
	return os.WriteFile(filepath.Join(dir, p.FileName()), p.Data, 0o644)
}

// connSemaphore bounds concurrent connections. A nil semaphore is
// unlimited.
type connSemaphore chan struct{}

func newConnSemaphore(n int) connSemaphore {
	if n <= 0 {
		return nil
	}
	return make(connSemaphore, n)
}

func (s connSemaphore) tryAcquire() bool {
	if s == nil {
		return true
	}
	select {
	case s <- struct{}{}:
		return true
	default:
		return false
	}
}

func (s connSemaphore) release() {
	if s != nil {
		<-s
	}
}

// isAllowed checks if the source address matches the allowlist.
// Allowlist entries can be:
//   - "host:port": exact string match (no DNS resolution)
//   - "CIDR:port": CIDR match with exact port
//   - "CIDR:*": CIDR match with any port
//   - "*": allow everything
//
// Relays connect from ephemeral ports, so "CIDR:*" is the usual form.
func isAllowed(addr string, allowList []string) bool {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}

	ip := net.ParseIP(host)

	for _, entry := range allowList {
		if entry == "*" {
			return true
		}

		aHost, aPort, err := splitAllowEntry(entry)
		if err != nil {
			continue
		}

		if aPort != "*" && aPort != port {
			continue
		}

		// Check host: try CIDR first, then exact match.
		if _, cidr, err := net.ParseCIDR(aHost); err == nil {
			if ip != nil && cidr.Contains(ip) {
				return true
			}
		} else if host == aHost {
			return true
		}
	}
	return false
}

// splitAllowEntry parses "host:port" or "CIDR:port" from allowlist format.
// CIDR entries like "10.0.0.0/8:*" contain no other colon, but IPv6 CIDRs
// do, so the port is taken after the last colon.
func splitAllowEntry(entry string) (host, port string, err error) {
	i := strings.LastIndexByte(entry, ':')
	if i < 0 {
		return "", "", fmt.Errorf("no port in allowlist entry: %s", entry)
	}
	return entry[:i], entry[i+1:], nil
}
