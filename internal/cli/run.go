// Package cli wires command-line entry points to the station daemon.
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/geogram-dev/station/internal/config"
	ilog "github.com/geogram-dev/station/internal/log"
	"github.com/geogram-dev/station/internal/server"
	"github.com/geogram-dev/station/internal/store/sqlite"
	"github.com/geogram-dev/station/internal/version"
)

// Run dispatches the subcommand and returns the process exit code.
func Run(args []string) int {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if len(args) == 0 {
		return runServe(ctx, nil)
	}

	switch args[0] {
	case "serve":
		return runServe(ctx, args[1:])
	case "version":
		fmt.Println("station", version.String())
		return 0
	case "-h", "--help", "help":
		printUsage()
		return 0
	default:
		// Bare flags go to serve, matching `station --listen :9090`.
		return runServe(ctx, args)
	}
}

func runServe(ctx context.Context, args []string) int {
	cfg, err := config.ParseFlags(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		return 2
	}
	logger := ilog.New(cfg.LogLevel)

	store, err := sqlite.Open(cfg.DBPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "db error:", err)
		return 1
	}
	defer func() { _ = store.Close() }()

	s := server.New(cfg, store, logger, version.String())
	if err := s.Run(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "server error:", err)
		return 1
	}
	return 0
}

func printUsage() {
	fmt.Print(`station - geogram station relay

Usage:
  station [serve] [flags]   run the relay daemon
  station version           print the build version

Serve flags:
  -listen addr          public listen address (default :8080)
  -domain host          public domain; enables ACME TLS when set
  -data-dir path        data directory for tiles and the database
  -db path              sqlite database path
  -name string          station display name
  -log-level level      debug|info|warn|error
  -pprof-addr addr      optional pprof listen address

Environment variables STATION_* provide defaults for every flag; a .env
file in the working directory is honored when present.
`)
}
