// Command browser-daemon runs the browser daemon: it launches (or attaches
// to) one Chrome instance and serves the control protocol on a unix socket
// until it receives a quit command, a signal, or the browser dies.
//
// Usage:
//
//	browser-daemon                                  # launch Chrome, default socket
//	browser-daemon -socket /tmp/b.sock              # explicit socket path
//	browser-daemon -config browserd.yaml            # full configuration
//	browser-daemon -remote-url ws://127.0.0.1:9222/...  # attach to a running Chrome
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hazyhaar/browserd/browserd"
	"github.com/hazyhaar/browserd/session"
)

func main() {
	configPath := flag.String("config", "", "path to browserd.yaml config file")
	socketPath := flag.String("socket", "", "unix socket to serve on (overrides config and $BROWSERD_SOCKET)")
	remoteURL := flag.String("remote-url", "", "attach to a running Chrome at this debugger URL instead of launching")
	stealth := flag.Bool("stealth", false, "open tabs with automation fingerprint masking")
	initName := flag.String("initial-context-name", "", "name of the browsing context opened at startup (default main)")
	initURL := flag.String("initial-context-url", "", "URL loaded in the initial context (default about:blank)")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	flag.Parse()

	var level slog.Level
	switch *logLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger, runOptions{
		configPath: *configPath,
		socketPath: *socketPath,
		remoteURL:  *remoteURL,
		stealth:    *stealth,
		initName:   *initName,
		initURL:    *initURL,
	}); err != nil {
		logger.Error("browser-daemon: fatal", "error", err)
		os.Exit(1)
	}
}

type runOptions struct {
	configPath string
	socketPath string
	remoteURL  string
	stealth    bool
	initName   string
	initURL    string
}

func run(ctx context.Context, logger *slog.Logger, opts runOptions) error {
	cfg := &browserd.Config{}
	if opts.configPath != "" {
		loaded, err := browserd.LoadFile(opts.configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	cfg.Socket = browserd.ResolveSocket(opts.socketPath, cfg)
	if opts.remoteURL != "" {
		cfg.Browser.Remote = opts.remoteURL
	}
	if opts.stealth {
		cfg.Browser.Stealth = true
	}
	if opts.initName != "" {
		cfg.InitialContext.Name = opts.initName
	}
	if opts.initURL != "" {
		cfg.InitialContext.URL = opts.initURL
	}

	d := browserd.New(cfg, logger)
	logger.Info("browser-daemon starting", "socket", cfg.Socket, "remote", cfg.Browser.Remote != "")

	err := d.Run(ctx)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, session.ErrSessionLost):
		return fmt.Errorf("browser died: %w", err)
	default:
		return err
	}
}
