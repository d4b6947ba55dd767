// Package config provides configuration management for rweave.
package config

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"time"
)

// Config holds all configuration for the rweave server.
type Config struct {
	// ServerAddr is the address the HTTP server listens on (e.g., ":7466").
	ServerAddr string

	// DataDir is the directory for persistent data (SQLite DB, session
	// working directories).
	DataDir string

	// DatabasePath is the full path to the SQLite database file.
	DatabasePath string

	// SessionsDir is the root under which per-session working directories
	// are created.
	SessionsDir string

	// Rscript is the R interpreter binary to invoke.
	Rscript string

	// LLM provider API keys. At most one is used; Anthropic wins when both
	// are set.
	AnthropicAPIKey string
	OpenAIAPIKey    string

	// Model overrides the provider's default model name.
	Model string

	// ExecTimeout bounds one R execution. Default: 2m.
	ExecTimeout time.Duration

	// SafetyReset is the window after which a stuck session is forced back
	// to ready. Default: 3m.
	SafetyReset time.Duration

	// Heartbeat is the liveness interval on open event streams. Default: 15s.
	Heartbeat time.Duration

	// IdleTTL evicts sessions with no activity for this long. Default: 30m.
	IdleTTL time.Duration

	// MaxSessions caps concurrently live sessions. Default: 20.
	MaxSessions int

	// MaxOutput caps captured interpreter output per run, in bytes.
	// Default: 256 KiB.
	MaxOutput int

	// QueueSize bounds each event stream's queue. Default: 64.
	QueueSize int

	// KeepWorkDirs disables working-directory purge on session destroy.
	KeepWorkDirs bool
}

// Load creates a Config from environment variables with sensible defaults.
func Load() (*Config, error) {
	dataDir := envOr("RWEAVE_DATA_DIR", defaultDataDir())
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	cfg := &Config{
		ServerAddr:      envOr("RWEAVE_ADDR", ":7466"),
		DataDir:         dataDir,
		DatabasePath:    filepath.Join(dataDir, "rweave.db"),
		SessionsDir:     envOr("RWEAVE_SESSIONS_DIR", filepath.Join(dataDir, "sessions")),
		Rscript:         envOr("RWEAVE_RSCRIPT", "Rscript"),
		AnthropicAPIKey: os.Getenv("ANTHROPIC_API_KEY"),
		OpenAIAPIKey:    os.Getenv("OPENAI_API_KEY"),
		Model:           os.Getenv("RWEAVE_MODEL"),
		ExecTimeout:     envOrDuration("RWEAVE_EXEC_TIMEOUT", 2*time.Minute),
		SafetyReset:     envOrDuration("RWEAVE_SAFETY_RESET", 3*time.Minute),
		Heartbeat:       envOrDuration("RWEAVE_HEARTBEAT", 15*time.Second),
		IdleTTL:         envOrDuration("RWEAVE_IDLE_TTL", 30*time.Minute),
		MaxSessions:     envOrInt("RWEAVE_MAX_SESSIONS", 20),
		MaxOutput:       envOrInt("RWEAVE_MAX_OUTPUT", 256*1024),
		QueueSize:       envOrInt("RWEAVE_QUEUE_SIZE", 64),
		KeepWorkDirs:    envOrBool("RWEAVE_KEEP_WORKDIRS", false),
	}

	if err := os.MkdirAll(cfg.SessionsDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating sessions directory: %w", err)
	}

	return cfg, nil
}

// Validate checks that the configuration can actually run executions.
func (c *Config) Validate() error {
	if _, err := exec.LookPath(c.Rscript); err != nil {
		return fmt.Errorf("Rscript not found (set RWEAVE_RSCRIPT): %w", err)
	}
	if c.ExecTimeout <= 0 {
		return fmt.Errorf("execution timeout must be positive")
	}
	if c.SafetyReset < c.ExecTimeout {
		return fmt.Errorf("safety reset window (%s) must not be shorter than the execution timeout (%s)", c.SafetyReset, c.ExecTimeout)
	}
	return nil
}

// LLMEnabled reports whether a language model provider is configured.
func (c *Config) LLMEnabled() bool {
	return c.AnthropicAPIKey != "" || c.OpenAIAPIKey != ""
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envOrInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envOrBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envOrDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".rweave"
	}
	return filepath.Join(home, ".rweave")
}
