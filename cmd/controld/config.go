//go:build linux

package main

import (
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
)

// DefaultSocketPath is where the control socket lives unless configured.
const DefaultSocketPath = "/var/run/bfdd.sock"

type config struct {
	SocketPath     string
	SessionsFile   string
	SocketMode     os.FileMode
	LogLevel       slog.Level
	MaxMessageSize int
	MaxConnections int
}

type fileConfig struct {
	SocketPath     string `toml:"socket_path"`
	SessionsFile   string `toml:"sessions_file"`
	SocketMode     string `toml:"socket_mode"`
	LogLevel       string `toml:"log_level"`
	MaxMessageSize int    `toml:"max_message_size"`
	MaxConnections int    `toml:"max_connections"`
}

func defaultConfig() config {
	return config{
		SocketPath: DefaultSocketPath,
		SocketMode: 0600,
		LogLevel:   slog.LevelInfo,
	}
}

// loadConfigFile overlays the keys present in the TOML file at path on cfg.
func loadConfigFile(path string, cfg *config) error {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return errors.Wrapf(err, "load config %s", path)
	}

	if keys := meta.Undecoded(); len(keys) > 0 {
		return errors.Errorf("config %s: unknown key %q", path, keys[0].String())
	}

	if meta.IsDefined("socket_path") {
		cfg.SocketPath = strings.TrimSpace(raw.SocketPath)
	}
	if meta.IsDefined("sessions_file") {
		cfg.SessionsFile = strings.TrimSpace(raw.SessionsFile)
	}
	if meta.IsDefined("socket_mode") {
		mode, err := parseMode(raw.SocketMode)
		if err != nil {
			return errors.Wrap(err, "parse socket_mode")
		}
		cfg.SocketMode = mode
	}
	if meta.IsDefined("log_level") {
		lvl, err := parseLevel(raw.LogLevel)
		if err != nil {
			return errors.Wrap(err, "parse log_level")
		}
		cfg.LogLevel = lvl
	}
	if meta.IsDefined("max_message_size") {
		cfg.MaxMessageSize = raw.MaxMessageSize
	}
	if meta.IsDefined("max_connections") {
		cfg.MaxConnections = raw.MaxConnections
	}
	return nil
}

func (c config) validate() error {
	if c.SocketPath == "" {
		return errors.New("socket path is empty")
	}
	if c.MaxMessageSize < 0 {
		return errors.New("max message size must not be negative")
	}
	if c.MaxConnections < 0 {
		return errors.New("max connections must not be negative")
	}
	return nil
}

func parseMode(raw string) (os.FileMode, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(raw), 8, 32)
	if err != nil {
		return 0, err
	}
	if v > 0777 {
		return 0, errors.Errorf("mode %q has bits outside 0777", raw)
	}
	return os.FileMode(v), nil
}

func parseLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, errors.Errorf("unknown log level %q", raw)
	}
}
