// Package agent implements the worker agent: the claim-execute-report loop,
// the on-disk journal, the heartbeat task, and the two executors.
package agent

import (
	"crypto/rand"
	"encoding/hex"
	"strconv"
	"strings"
	"time"
)

// Defaults for agent configuration.
const (
	DefaultServerURL           = "http://localhost:3000"
	DefaultStateDir            = ".agent-state"
	DefaultMaxLeaseMs          = 30_000
	DefaultHeartbeatIntervalMs = 10_000
	DefaultPollIntervalMs      = 1_000
)

// Config holds agent configuration resolved from CLI arguments, environment
// variables and defaults, in that order of priority.
type Config struct {
	// AgentID is the stable agent identity; it determines the journal file
	// name. Auto-generated when not provided.
	AgentID string

	// ServerURL is the base URL of the control server.
	ServerURL string

	// StateDir is the directory holding the agent journal.
	StateDir string

	// MaxLeaseMs is the initial lease duration requested at claim.
	MaxLeaseMs int64

	// HeartbeatIntervalMs is the heartbeat period; each beat extends the
	// lease by three times this value.
	HeartbeatIntervalMs int64

	// PollIntervalMs is the delay between idle polls.
	PollIntervalMs int64

	// KillAfter terminates the agent after this duration when positive
	// (fault injection).
	KillAfter time.Duration

	// RandomFailures enables the probabilistic failure hook in the
	// executors (fault injection).
	RandomFailures bool
}

// ParseConfig resolves the agent configuration from CLI args and environment.
// CLI has priority over environment has priority over defaults. Unknown flags
// are ignored; malformed numeric values fall back to the default rather than
// aborting. Passing os.Getenv wires the real environment.
func ParseConfig(args []string, getenv func(string) string) *Config {
	cfg := &Config{
		AgentID:             strings.TrimSpace(getenv("AGENT_ID")),
		ServerURL:           strings.TrimSpace(getenv("SERVER_URL")),
		StateDir:            strings.TrimSpace(getenv("AGENT_STATE_DIR")),
		MaxLeaseMs:          envInt64(getenv, "MAX_LEASE_MS", DefaultMaxLeaseMs),
		HeartbeatIntervalMs: envInt64(getenv, "HEARTBEAT_INTERVAL_MS", DefaultHeartbeatIntervalMs),
		PollIntervalMs:      envInt64(getenv, "POLL_INTERVAL_MS", DefaultPollIntervalMs),
	}

	for _, arg := range args {
		switch {
		case strings.HasPrefix(arg, "--agent-id="):
			cfg.AgentID = strings.TrimPrefix(arg, "--agent-id=")
		case strings.HasPrefix(arg, "--server-url="):
			cfg.ServerURL = strings.TrimPrefix(arg, "--server-url=")
		case strings.HasPrefix(arg, "--state-dir="):
			cfg.StateDir = strings.TrimPrefix(arg, "--state-dir=")
		case strings.HasPrefix(arg, "--max-lease-ms="):
			cfg.MaxLeaseMs = parseInt64(strings.TrimPrefix(arg, "--max-lease-ms="), cfg.MaxLeaseMs)
		case strings.HasPrefix(arg, "--heartbeat-interval-ms="):
			cfg.HeartbeatIntervalMs = parseInt64(strings.TrimPrefix(arg, "--heartbeat-interval-ms="), cfg.HeartbeatIntervalMs)
		case strings.HasPrefix(arg, "--poll-interval-ms="):
			cfg.PollIntervalMs = parseInt64(strings.TrimPrefix(arg, "--poll-interval-ms="), cfg.PollIntervalMs)
		case strings.HasPrefix(arg, "--kill-after="):
			if sec, err := strconv.ParseFloat(strings.TrimPrefix(arg, "--kill-after="), 64); err == nil && sec > 0 {
				cfg.KillAfter = time.Duration(sec * float64(time.Second))
			}
		case arg == "--random-failures":
			cfg.RandomFailures = true
		default:
			// Unknown flags are ignored.
		}
	}

	if cfg.AgentID == "" {
		cfg.AgentID = generateAgentID()
	}
	if cfg.ServerURL == "" {
		cfg.ServerURL = DefaultServerURL
	}
	if cfg.StateDir == "" {
		cfg.StateDir = DefaultStateDir
	}
	if cfg.MaxLeaseMs <= 0 {
		cfg.MaxLeaseMs = DefaultMaxLeaseMs
	}
	if cfg.HeartbeatIntervalMs <= 0 {
		cfg.HeartbeatIntervalMs = DefaultHeartbeatIntervalMs
	}
	if cfg.PollIntervalMs <= 0 {
		cfg.PollIntervalMs = DefaultPollIntervalMs
	}

	return cfg
}

func envInt64(getenv func(string) string, key string, def int64) int64 {
	return parseInt64(strings.TrimSpace(getenv(key)), def)
}

func parseInt64(v string, def int64) int64 {
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

// generateAgentID returns a random identity of the form agent-xxxxxxxx.
func generateAgentID() string {
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		return "agent-00000000"
	}
	return "agent-" + hex.EncodeToString(b)
}
