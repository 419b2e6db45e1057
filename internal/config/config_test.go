package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg == nil {
		t.Fatal("DefaultConfig returned nil")
	}

	if cfg.Server.Addr != ":8470" {
		t.Errorf("addr = %q", cfg.Server.Addr)
	}
	if cfg.Heartbeat.Interval() != 30*time.Second {
		t.Errorf("heartbeat interval = %v", cfg.Heartbeat.Interval())
	}
	if cfg.Locks.TTL() != 30*time.Minute {
		t.Errorf("lock ttl = %v", cfg.Locks.TTL())
	}
	if cfg.Storage.Type != "sqlite" {
		t.Errorf("storage type = %q", cfg.Storage.Type)
	}
	if !strings.Contains(cfg.Storage.Path, "collabd") {
		t.Errorf("storage path should live under the collabd data dir: %s", cfg.Storage.Path)
	}
	if cfg.Bridge.Enabled {
		t.Error("bridge should be off by default")
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	cfg, err := NewLoader("/nonexistent/collabd.toml").Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.Addr != ":8470" {
		t.Errorf("addr = %q, want default", cfg.Server.Addr)
	}
}

func TestLoadTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "collabd.toml")
	content := `
[server]
addr = ":9000"

[presence]
typing_ttl_sec = 3

[storage]
type = "memory"
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := NewLoader(path).Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.Addr != ":9000" {
		t.Errorf("addr = %q", cfg.Server.Addr)
	}
	if cfg.Presence.TypingTTL() != 3*time.Second {
		t.Errorf("typing ttl = %v", cfg.Presence.TypingTTL())
	}
	if cfg.Storage.Type != "memory" {
		t.Errorf("storage type = %q", cfg.Storage.Type)
	}
	// Untouched sections keep their defaults.
	if cfg.Heartbeat.IntervalSec != 30 {
		t.Errorf("heartbeat interval = %d", cfg.Heartbeat.IntervalSec)
	}
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "collabd.yaml")
	content := `
server:
  addr: ":9100"
locks:
  ttl_min: 5
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := NewLoader(path).Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.Addr != ":9100" {
		t.Errorf("addr = %q", cfg.Server.Addr)
	}
	if cfg.Locks.TTL() != 5*time.Minute {
		t.Errorf("lock ttl = %v", cfg.Locks.TTL())
	}
}

func TestLoadInvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "collabd.toml")
	content := `
[session]
idle_after_sec = 120
away_after_sec = 60

[storage]
type = "postgres"
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	_, err := NewLoader(path).Load()
	if err == nil {
		t.Fatal("expected validation error")
	}
	// Both problems reported at once.
	if !strings.Contains(err.Error(), "away_after_sec") || !strings.Contains(err.Error(), "storage.type") {
		t.Errorf("error = %v", err)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("COLLABD_ADDR", ":7000")
	t.Setenv("COLLABD_STORAGE_TYPE", "memory")
	t.Setenv("COLLABD_REDIS_ADDR", "127.0.0.1:6379")

	cfg, err := NewLoader("").Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.Addr != ":7000" {
		t.Errorf("addr = %q", cfg.Server.Addr)
	}
	if cfg.Storage.Type != "memory" {
		t.Errorf("storage type = %q", cfg.Storage.Type)
	}
	if !cfg.Bridge.Enabled || cfg.Bridge.Addr != "127.0.0.1:6379" {
		t.Errorf("bridge = %+v", cfg.Bridge)
	}
}

func TestValidateCatchesBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"empty addr", func(c *Config) { c.Server.Addr = "" }, "server.addr"},
		{"zero send buffer", func(c *Config) { c.Server.SendBuffer = 0 }, "server.send_buffer"},
		{"zero heartbeat", func(c *Config) { c.Heartbeat.IntervalSec = 0 }, "heartbeat.interval_sec"},
		{"away before idle", func(c *Config) { c.Session.AwayAfterSec = c.Session.IdleAfterSec }, "session.away_after_sec"},
		{"sqlite without path", func(c *Config) { c.Storage.Path = "" }, "storage.path"},
		{"bridge without addr", func(c *Config) { c.Bridge.Enabled = true }, "bridge.addr"},
		{"bad log level", func(c *Config) { c.Logging.Level = "loud" }, "logging.level"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tc.field) {
				t.Errorf("error %v does not mention %s", err, tc.field)
			}
		})
	}
}

func TestWatchReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "collabd.toml")
	if err := os.WriteFile(path, []byte("[server]\naddr = \":9000\"\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	loader := NewLoader(path)
	if _, err := loader.Load(); err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	reloaded := make(chan *Config, 1)
	loader.OnChange(func(c *Config) {
		select {
		case reloaded <- c:
		default:
		}
	})
	if err := loader.Watch(); err != nil {
		t.Fatalf("Watch failed: %v", err)
	}
	defer loader.Close()

	if err := os.WriteFile(path, []byte("[server]\naddr = \":9001\"\n"), 0o644); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}

	select {
	case cfg := <-reloaded:
		if cfg.Server.Addr != ":9001" {
			t.Errorf("reloaded addr = %q", cfg.Server.Addr)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no reload observed")
	}
}
