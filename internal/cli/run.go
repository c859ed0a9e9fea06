// Package cli wires configuration, logging, the optional request journal, and
// the tunnel session into the hookline command.
package cli

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hookline/hookline/internal/config"
	"github.com/hookline/hookline/internal/history"
	ilog "github.com/hookline/hookline/internal/log"
	"github.com/hookline/hookline/internal/tunnel"
)

func Run(args []string) int {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if len(args) == 0 {
		return runHTTP(ctx, nil)
	}

	switch args[0] {
	case "http":
		return runHTTP(ctx, args[1:])
	case "history":
		return runHistory(ctx, args[1:])
	case "-h", "--help", "help":
		printUsage()
		return 0
	default:
		return runHTTP(ctx, args)
	}
}

func runHTTP(ctx context.Context, args []string) int {
	cfg, err := config.ParseClientFlags(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		return 2
	}
	logger := ilog.New(cfg.LogLevel)

	var journal *history.Store
	if cfg.HistoryPath != "" {
		journal, err = history.Open(cfg.HistoryPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, "history error:", err)
			return 1
		}
		defer func() { _ = journal.Close() }()
	}

	events := tunnel.Events{
		OnConnect: func() {
			logger.Info("tunnel connected",
				"local", fmt.Sprintf("http://%s:%d", cfg.LocalHost, cfg.LocalPort))
		},
		OnDisconnect: func() {
			logger.Warn("tunnel disconnected")
		},
		OnError: func(err error) {
			logger.Warn("tunnel error", "err", err)
		},
	}
	if journal != nil {
		events.OnRequest = recordRequest(logger, journal)
	}

	session := tunnel.New(cfg, logger, events)
	if err := session.Open(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "tunnel error:", err)
		return 1
	}

	select {
	case <-ctx.Done():
		_ = session.Close()
		return 0
	case <-session.Done():
		// Terminal: reconnect budget exhausted.
		return 1
	}
}

const journalWriteTimeout = 5 * time.Second

// recordRequest returns an OnRequest subscriber appending to the journal.
// Writes run on their own context rather than the command's signal-bound one,
// so forwards that finish during shutdown are still recorded.
func recordRequest(logger *slog.Logger, journal *history.Store) func(method, path string, status int, durationMs int64) {
	return func(method, path string, status int, durationMs int64) {
		ctx, cancel := context.WithTimeout(context.Background(), journalWriteTimeout)
		defer cancel()
		err := journal.Record(ctx, history.Entry{
			Method:     method,
			Path:       path,
			Status:     status,
			DurationMs: durationMs,
		})
		if err != nil {
			logger.Warn("history record failed", "err", err)
		}
	}
}

func runHistory(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("history", flag.ContinueOnError)
	path := os.Getenv("HOOKLINE_HISTORY")
	limit := 50
	fs.StringVar(&path, "history", path, "SQLite request journal path")
	fs.IntVar(&limit, "limit", limit, "Max entries to print")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if path == "" {
		fmt.Fprintln(os.Stderr, "history error: missing --history or HOOKLINE_HISTORY")
		return 2
	}

	journal, err := history.Open(path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "history error:", err)
		return 1
	}
	defer func() { _ = journal.Close() }()

	entries, err := journal.Recent(ctx, limit)
	if err != nil {
		fmt.Fprintln(os.Stderr, "history error:", err)
		return 1
	}
	for _, e := range entries {
		fmt.Printf("%s  %-7s %-40s %d  %dms\n",
			e.At.Format("2006-01-02T15:04:05Z"), e.Method, e.Path, e.Status, e.DurationMs)
	}
	return 0
}

func printUsage() {
	fmt.Println(`hookline - forward relay traffic to a local HTTP server

Usage:
  hookline [flags] <port>          # default: tunnel mode
  hookline http [flags] <port>
  hookline history [flags]

Flags:
  --endpoint   Relay control channel URL (or HOOKLINE_ENDPOINT)
  --host       Local server host (default localhost)
  --port       Local server port (or HOOKLINE_PORT)
  --history    SQLite request journal path (optional)
  --log-level  debug|info|warn|error`)
}
