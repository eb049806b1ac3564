// Package config provides configuration loading and validation for the
// control server.
package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Config holds control server configuration loaded from environment variables.
type Config struct {
	// Port is the TCP port the server listens on (e.g. "3000").
	Port string

	// DBPath is the filesystem path to the SQLite database file.
	DBPath string

	// LogLevel controls application logging: debug, info, warn, error.
	LogLevel string

	// ShutdownTimeout is the timeout for graceful shutdown.
	ShutdownTimeout time.Duration

	// ResetInterval enables a periodic expired-lease reset when positive.
	// Zero keeps the startup-only recovery semantics.
	ResetInterval time.Duration
}

// Load reads configuration from environment variables via getenv, applies
// defaults and validates required values. Passing os.Getenv wires the real
// environment; tests inject their own lookup.
func Load(getenv func(string) string) (*Config, error) {
	cfg := &Config{
		Port:     strings.TrimSpace(getenv("PORT")),
		DBPath:   strings.TrimSpace(getenv("DATABASE_PATH")),
		LogLevel: strings.TrimSpace(getenv("LOG_LEVEL")),
	}

	if cfg.Port == "" {
		cfg.Port = "3000"
	}
	if n, err := strconv.Atoi(cfg.Port); err != nil || n <= 0 || n > 65535 {
		return nil, fmt.Errorf("invalid PORT %q", cfg.Port)
	}

	if cfg.DBPath == "" {
		cfg.DBPath = "./data/commands.db"
	}

	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	} else {
		cfg.LogLevel = strings.ToLower(cfg.LogLevel)
	}

	// Shutdown timeout (defaults to 30s)
	st := strings.TrimSpace(getenv("SHUTDOWN_TIMEOUT"))
	if st == "" {
		cfg.ShutdownTimeout = 30 * time.Second
	} else {
		d, err := time.ParseDuration(st)
		if err != nil {
			return nil, fmt.Errorf("invalid SHUTDOWN_TIMEOUT: %w", err)
		}
		cfg.ShutdownTimeout = d
	}

	// Optional periodic expired-lease reset, in milliseconds.
	if v := strings.TrimSpace(getenv("RESET_INTERVAL_MS")); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("invalid RESET_INTERVAL_MS: %q", v)
		}
		cfg.ResetInterval = time.Duration(n) * time.Millisecond
	}

	return cfg, nil
}
