// Package config handles configuration loading, validation, and hot reload
// for collabd.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Config holds the complete daemon configuration.
type Config struct {
	// Server configures the HTTP/websocket listener.
	Server ServerConfig `toml:"server" json:"server" yaml:"server"`

	// Heartbeat configures connection liveness.
	Heartbeat HeartbeatConfig `toml:"heartbeat" json:"heartbeat" yaml:"heartbeat"`

	// Presence configures the presence registry.
	Presence PresenceConfig `toml:"presence" json:"presence" yaml:"presence"`

	// Session configures participant and session behavior.
	Session SessionConfig `toml:"session" json:"session" yaml:"session"`

	// Locks configures field locking.
	Locks LockConfig `toml:"locks" json:"locks" yaml:"locks"`

	// Storage configures the change/comment archive.
	Storage StorageConfig `toml:"storage" json:"storage" yaml:"storage"`

	// Bridge configures the optional cross-process Redis fan-out.
	Bridge BridgeConfig `toml:"bridge" json:"bridge" yaml:"bridge"`

	// Logging configures log output.
	Logging LoggingConfig `toml:"logging" json:"logging" yaml:"logging"`
}

// ServerConfig holds the listener configuration.
type ServerConfig struct {
	// Addr is the host:port to listen on.
	Addr string `toml:"addr" json:"addr" yaml:"addr"`

	// AllowedOrigins limits websocket upgrades; empty allows all.
	AllowedOrigins []string `toml:"allowed_origins" json:"allowed_origins" yaml:"allowed_origins"`

	// WriteTimeoutSec bounds a single websocket write.
	WriteTimeoutSec int `toml:"write_timeout_sec" json:"write_timeout_sec" yaml:"write_timeout_sec"`

	// SendBuffer is the per-connection outbound queue length.
	SendBuffer int `toml:"send_buffer" json:"send_buffer" yaml:"send_buffer"`

	// MaxMessageBytes bounds a single inbound frame.
	MaxMessageBytes int64 `toml:"max_message_bytes" json:"max_message_bytes" yaml:"max_message_bytes"`

	// ShutdownTimeoutSec bounds graceful shutdown.
	ShutdownTimeoutSec int `toml:"shutdown_timeout_sec" json:"shutdown_timeout_sec" yaml:"shutdown_timeout_sec"`
}

// HeartbeatConfig holds connection liveness configuration.
type HeartbeatConfig struct {
	// IntervalSec is the ping/heartbeat interval in seconds.
	IntervalSec int `toml:"interval_sec" json:"interval_sec" yaml:"interval_sec"`

	// MissedLimit is how many intervals may pass silently before a
	// connection is forcibly closed.
	MissedLimit int `toml:"missed_limit" json:"missed_limit" yaml:"missed_limit"`
}

// PresenceConfig holds presence registry configuration.
type PresenceConfig struct {
	// OfflineGraceSec keeps a fully-disconnected user visible briefly so a
	// fast reconnect does not flicker.
	OfflineGraceSec int `toml:"offline_grace_sec" json:"offline_grace_sec" yaml:"offline_grace_sec"`

	// TypingTTLSec bounds a typing indicator without refresh.
	TypingTTLSec int `toml:"typing_ttl_sec" json:"typing_ttl_sec" yaml:"typing_ttl_sec"`
}

// SessionConfig holds session and participant configuration.
type SessionConfig struct {
	// IdleAfterSec moves a participant active -> idle.
	IdleAfterSec int `toml:"idle_after_sec" json:"idle_after_sec" yaml:"idle_after_sec"`

	// AwayAfterSec moves a participant idle -> away.
	AwayAfterSec int `toml:"away_after_sec" json:"away_after_sec" yaml:"away_after_sec"`

	// SweepIntervalSec drives participant and lock sweeps.
	SweepIntervalSec int `toml:"sweep_interval_sec" json:"sweep_interval_sec" yaml:"sweep_interval_sec"`
}

// LockConfig holds lock manager configuration.
type LockConfig struct {
	// TTLMin is the lock lifetime in minutes without release.
	TTLMin int `toml:"ttl_min" json:"ttl_min" yaml:"ttl_min"`
}

// StorageConfig holds the archive configuration.
type StorageConfig struct {
	// Type is "sqlite" or "memory".
	Type string `toml:"type" json:"type" yaml:"type"`

	// Path is the database file for sqlite.
	Path string `toml:"path" json:"path" yaml:"path"`

	// BusyTimeoutMs is the SQLite busy timeout in milliseconds.
	BusyTimeoutMs int `toml:"busy_timeout_ms" json:"busy_timeout_ms" yaml:"busy_timeout_ms"`
}

// BridgeConfig holds the optional Redis fan-out configuration.
type BridgeConfig struct {
	// Enabled turns the bridge on.
	Enabled bool `toml:"enabled" json:"enabled" yaml:"enabled"`

	// Addr is the Redis host:port.
	Addr string `toml:"addr" json:"addr" yaml:"addr"`

	// Password is the Redis auth password, if any.
	Password string `toml:"password" json:"password" yaml:"password"`

	// DB is the Redis database index.
	DB int `toml:"db" json:"db" yaml:"db"`

	// Prefix namespaces bridge channels.
	Prefix string `toml:"prefix" json:"prefix" yaml:"prefix"`
}

// LoggingConfig holds log output configuration.
type LoggingConfig struct {
	// Level is debug, info, warn or error.
	Level string `toml:"level" json:"level" yaml:"level"`

	// Format is text or json.
	Format string `toml:"format" json:"format" yaml:"format"`

	// Output is stdout, stderr, file or both.
	Output string `toml:"output" json:"output" yaml:"output"`

	// FilePath is the log file when output includes file.
	FilePath string `toml:"file_path" json:"file_path" yaml:"file_path"`
}

// DefaultConfig returns the daemon defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:               ":8470",
			WriteTimeoutSec:    10,
			SendBuffer:         64,
			MaxMessageBytes:    64 * 1024,
			ShutdownTimeoutSec: 10,
		},
		Heartbeat: HeartbeatConfig{
			IntervalSec: 30,
			MissedLimit: 2,
		},
		Presence: PresenceConfig{
			OfflineGraceSec: 10,
			TypingTTLSec:    5,
		},
		Session: SessionConfig{
			IdleAfterSec:     60,
			AwayAfterSec:     300,
			SweepIntervalSec: 30,
		},
		Locks: LockConfig{
			TTLMin: 30,
		},
		Storage: StorageConfig{
			Type:          "sqlite",
			Path:          filepath.Join(DataDir(), "collabd.db"),
			BusyTimeoutMs: 5000,
		},
		Bridge: BridgeConfig{
			Prefix: "collabd",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
	}
}

// DataDir returns the default data directory.
func DataDir() string {
	dataHome := os.Getenv("XDG_DATA_HOME")
	if dataHome == "" {
		home, _ := os.UserHomeDir()
		dataHome = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(dataHome, "collabd")
}

// ApplyEnvOverrides overlays COLLABD_* environment variables.
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("COLLABD_ADDR"); v != "" {
		c.Server.Addr = v
	}
	if v := os.Getenv("COLLABD_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("COLLABD_STORAGE_PATH"); v != "" {
		c.Storage.Path = v
	}
	if v := os.Getenv("COLLABD_STORAGE_TYPE"); v != "" {
		c.Storage.Type = v
	}
	if v := os.Getenv("COLLABD_REDIS_ADDR"); v != "" {
		c.Bridge.Addr = v
		c.Bridge.Enabled = true
	}
	if v := os.Getenv("COLLABD_LOCK_TTL_MIN"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Locks.TTLMin = n
		}
	}
}

// ValidationError reports one invalid configuration field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// ValidationErrors collects validation failures.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	msgs := make([]string, 0, len(e))
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// Validate checks every section and returns all problems at once.
func (c *Config) Validate() error {
	var errs ValidationErrors

	if c.Server.Addr == "" {
		errs = append(errs, ValidationError{"server.addr", "must not be empty"})
	}
	if c.Server.SendBuffer < 1 {
		errs = append(errs, ValidationError{"server.send_buffer", "must be at least 1"})
	}
	if c.Heartbeat.IntervalSec < 1 {
		errs = append(errs, ValidationError{"heartbeat.interval_sec", "must be at least 1"})
	}
	if c.Heartbeat.MissedLimit < 1 {
		errs = append(errs, ValidationError{"heartbeat.missed_limit", "must be at least 1"})
	}
	if c.Presence.TypingTTLSec < 1 {
		errs = append(errs, ValidationError{"presence.typing_ttl_sec", "must be at least 1"})
	}
	if c.Presence.OfflineGraceSec < 0 {
		errs = append(errs, ValidationError{"presence.offline_grace_sec", "must not be negative"})
	}
	if c.Session.IdleAfterSec < 1 {
		errs = append(errs, ValidationError{"session.idle_after_sec", "must be at least 1"})
	}
	if c.Session.AwayAfterSec <= c.Session.IdleAfterSec {
		errs = append(errs, ValidationError{"session.away_after_sec", "must exceed idle_after_sec"})
	}
	if c.Locks.TTLMin < 1 {
		errs = append(errs, ValidationError{"locks.ttl_min", "must be at least 1"})
	}
	switch c.Storage.Type {
	case "sqlite":
		if c.Storage.Path == "" {
			errs = append(errs, ValidationError{"storage.path", "required for sqlite storage"})
		}
	case "memory":
	default:
		errs = append(errs, ValidationError{"storage.type", fmt.Sprintf("unknown type %q", c.Storage.Type)})
	}
	if c.Bridge.Enabled && c.Bridge.Addr == "" {
		errs = append(errs, ValidationError{"bridge.addr", "required when bridge is enabled"})
	}
	switch c.Logging.Level {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, ValidationError{"logging.level", fmt.Sprintf("unknown level %q", c.Logging.Level)})
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// Duration helpers, so callers never re-derive units.

func (c *HeartbeatConfig) Interval() time.Duration { return time.Duration(c.IntervalSec) * time.Second }

func (c *PresenceConfig) OfflineGrace() time.Duration {
	return time.Duration(c.OfflineGraceSec) * time.Second
}

func (c *PresenceConfig) TypingTTL() time.Duration {
	return time.Duration(c.TypingTTLSec) * time.Second
}

func (c *SessionConfig) IdleAfter() time.Duration {
	return time.Duration(c.IdleAfterSec) * time.Second
}

func (c *SessionConfig) AwayAfter() time.Duration {
	return time.Duration(c.AwayAfterSec) * time.Second
}

func (c *SessionConfig) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalSec) * time.Second
}

func (c *LockConfig) TTL() time.Duration { return time.Duration(c.TTLMin) * time.Minute }

func (c *ServerConfig) WriteTimeout() time.Duration {
	return time.Duration(c.WriteTimeoutSec) * time.Second
}

func (c *ServerConfig) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutSec) * time.Second
}
