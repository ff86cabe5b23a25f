package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"

	// Automatically set GOMEMLIMIT based on cgroup memory limits (container
	// or systemd MemoryMax=). If no cgroup limit is detected, GOMEMLIMIT is
	// left at the Go default.
	"github.com/KimMachineGun/automemlimit/memlimit"

	"github.com/philsphicas/camrelay/internal/config"
	"github.com/philsphicas/camrelay/internal/metrics"
	"github.com/philsphicas/camrelay/internal/sender"
	"github.com/spf13/cobra"
)

var version = "dev"

func init() {
	_, _ = memlimit.SetGoMemLimitWithOpts(memlimit.WithLogger(nil))
}

func main() {
	err := newRootCmd().Execute()
	if code := sender.ExitCode(err); code != sender.ExitOK {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(code)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "camrelay",
		Short: "Relay vehicle camera imagery to a ground listener",
		Long: `Wait for the vehicle to reach the final waypoint of its mission, then
stream camera frames over TCP to a ground listener.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Global flags.
	rootCmd.PersistentFlags().String("config", "", "path to a YAML config file (env CAMRELAY_CONFIG)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("metrics-addr", "", "address for Prometheus metrics server (e.g. :9090); disabled if empty")

	rootCmd.AddCommand(relayCmd())
	rootCmd.AddCommand(listenCmd())
	rootCmd.AddCommand(versionCmd())
	return rootCmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}

// loadConfig reads the config file named by --config or CAMRELAY_CONFIG
// (defaults when neither is set) and applies the global flag overrides.
func loadConfig(cmd *cobra.Command) (*config.Config, *config.Overlay, error) {
	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		path = os.Getenv("CAMRELAY_CONFIG")
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, err
	}
	o := &config.Overlay{Flags: cmd.Flags()}
	o.String("log-level", &cfg.LogLevel)
	o.String("metrics-addr", &cfg.MetricsAddr)
	return cfg, o, nil
}

// resolveMetrics creates a Metrics instance and starts the HTTP server if
// addr is set. Returns nil if metrics are disabled. The provided context
// controls the server's lifetime; when cancelled the server shuts down
// gracefully.
func resolveMetrics(ctx context.Context, addr string, logger *slog.Logger) (*metrics.Metrics, error) {
	if addr == "" {
		return nil, nil
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("metrics listen on %s: %w", addr, err)
	}
	m := metrics.New()
	go func() {
		if err := m.Serve(ctx, ln, logger); err != nil {
			logger.Error("metrics server failed", "error", err)
		}
	}()
	return m, nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
