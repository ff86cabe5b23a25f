package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/philsphicas/camrelay/internal/config"
	"github.com/philsphicas/camrelay/internal/listener"
	"github.com/philsphicas/camrelay/internal/metrics"
	"github.com/philsphicas/camrelay/internal/protocol"
	"github.com/spf13/cobra"
)

func listenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Receive relayed frames on the ground",
		Long: `Accept relay connections, split each stream back into images and save
them to --output-dir. With --view-addr, also serve the frames to browsers:
/ws streams binary frames over WebSocket and /latest returns the most
recent image. Optionally restrict sources with --allow.`,
		Args: cobra.NoArgs,
		RunE: runListen,
	}

	d := config.Default().Listen
	f := cmd.Flags()
	f.String("addr", d.Addr, "TCP address to accept relays on")
	f.String("framing", d.Framing, "stream framing (length, raw)")
	f.String("output-dir", d.OutputDir, "directory to save received frames (empty disables saving)")
	f.Int("max-payload", d.MaxPayload, "largest accepted frame in bytes")
	f.String("view-addr", d.ViewAddr, "HTTP address for the viewer endpoints; disabled if empty")
	f.Int("viewer-queue", d.ViewerQueue, "frames buffered per viewer before the oldest is dropped")
	f.StringSlice("allow", nil, "allowed relay sources (host:port, CIDR:port, CIDR:*)")
	f.Int("max-connections", d.MaxConnections, "max concurrent relay connections (0 = unlimited)")
	f.Duration("tcp-keepalive", d.TCPKeepAlive, "TCP keepalive interval")

	return cmd
}

func resolveListenConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, o, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	l := &cfg.Listen
	o.String("addr", &l.Addr)
	o.String("framing", &l.Framing)
	o.String("output-dir", &l.OutputDir)
	o.Int("max-payload", &l.MaxPayload)
	o.String("view-addr", &l.ViewAddr)
	o.Int("viewer-queue", &l.ViewerQueue)
	o.Strings("allow", &l.AllowList)
	o.Int("max-connections", &l.MaxConnections)
	o.Duration("tcp-keepalive", &l.TCPKeepAlive)
	if err := o.Err(); err != nil {
		return nil, err
	}
	if err := l.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func runListen(cmd *cobra.Command, args []string) error {
	cfg, err := resolveListenConfig(cmd)
	if err != nil {
		return err
	}
	logger := newLogger(cfg.LogLevel)
	framing, err := protocol.ParseFraming(cfg.Listen.Framing)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m, err := resolveMetrics(ctx, cfg.MetricsAddr, logger)
	if err != nil {
		return err
	}

	var hub *listener.Hub
	if cfg.Listen.ViewAddr != "" {
		if hub, err = startHub(ctx, cfg.Listen, logger, m); err != nil {
			return err
		}
	}
	logger = logger.With("role", "listener")

	return listener.ListenAndServe(ctx, listener.Config{
		Addr:           cfg.Listen.Addr,
		Framing:        framing,
		OutputDir:      cfg.Listen.OutputDir,
		MaxPayload:     cfg.Listen.MaxPayload,
		AllowList:      cfg.Listen.AllowList,
		MaxConnections: cfg.Listen.MaxConnections,
		TCPKeepAlive:   cfg.Listen.TCPKeepAlive,
		Hub:            hub,
		Logger:         logger,
		Metrics:        m,
	})
}

// startHub serves the viewer endpoints on l.ViewAddr for the lifetime of
// ctx.
func startHub(ctx context.Context, l config.ListenConfig, logger *slog.Logger, m *metrics.Metrics) (*listener.Hub, error) {
	ln, err := net.Listen("tcp", l.ViewAddr)
	if err != nil {
		return nil, fmt.Errorf("viewer listen on %s: %w", l.ViewAddr, err)
	}
	logger = logger.With("role", "viewer")
	hub := listener.NewHub(listener.HubConfig{QueueSize: l.ViewerQueue, Logger: logger, Metrics: m})
	go func() {
		if err := hub.Serve(ctx, ln); err != nil {
			logger.Error("viewer server failed", "error", err)
		}
	}()
	return hub, nil
}
