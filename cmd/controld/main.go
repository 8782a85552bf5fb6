//go:build linux

// Command controld serves the control socket on top of the in-memory
// session table. It is the smallest daemon that makes the socket usable
// by management tools.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"

	"github.com/Zereker/control"
	"github.com/Zereker/control/internal/sessions"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "controld: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	cfg, err := parseFlags(args)
	if err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel}))
	store := sessions.New()
	if cfg.SessionsFile != "" {
		if err := store.LoadFile(cfg.SessionsFile); err != nil {
			return err
		}
		logger.Info("sessions loaded", "file", cfg.SessionsFile, "count", store.Len())
	}

	server, err := control.New(cfg.SocketPath,
		control.BackendOption(store),
		control.LoggerOption(logger),
		control.MessageMaxSize(cfg.MaxMessageSize),
		control.MaxConnectionsOption(cfg.MaxConnections),
		control.SocketModeOption(cfg.SocketMode),
	)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err = server.Serve(ctx)
	logger.Info("sessions configured at exit", "count", store.Len())
	if err != nil && err != context.Canceled {
		return err
	}
	return nil
}

func parseFlags(args []string) (config, error) {
	cfg := defaultConfig()

	flags := pflag.NewFlagSet("controld", pflag.ContinueOnError)
	configPath := flags.StringP("config", "c", "", "path to a TOML configuration file")
	socketPath := flags.StringP("socket", "s", "", "control socket path (default "+DefaultSocketPath+")")
	sessionsFile := flags.String("sessions", "", "JSONC file of sessions to configure at startup")
	socketMode := flags.String("socket-mode", "", "octal permission bits for the socket file")
	logLevel := flags.String("log-level", "", "debug, info, warn or error")
	maxMessage := flags.Int("max-message-size", 0, "largest accepted payload in bytes")
	maxConns := flags.Int("max-connections", 0, "maximum concurrent clients (0 = unlimited)")

	if err := flags.Parse(args); err != nil {
		return config{}, err
	}

	if *configPath != "" {
		if err := loadConfigFile(*configPath, &cfg); err != nil {
			return config{}, err
		}
	}

	// Flags win over the file.
	if flags.Changed("socket") {
		cfg.SocketPath = *socketPath
	}
	if flags.Changed("sessions") {
		cfg.SessionsFile = *sessionsFile
	}
	if flags.Changed("socket-mode") {
		mode, err := parseMode(*socketMode)
		if err != nil {
			return config{}, errors.Wrap(err, "--socket-mode")
		}
		cfg.SocketMode = mode
	}
	if flags.Changed("log-level") {
		lvl, err := parseLevel(*logLevel)
		if err != nil {
			return config{}, errors.Wrap(err, "--log-level")
		}
		cfg.LogLevel = lvl
	}
	if flags.Changed("max-message-size") {
		cfg.MaxMessageSize = *maxMessage
	}
	if flags.Changed("max-connections") {
		cfg.MaxConnections = *maxConns
	}

	if err := cfg.validate(); err != nil {
		return config{}, err
	}
	return cfg, nil
}
