package config

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"
)

const sampleTOML = `
[server]
listen = "127.0.0.1:9000"

[logging]
level = "debug"
verbosity = 1

[session_pools.chat]
listen = ["127.0.0.1:2222"]
max_connections = 10
new_connection_idle_timeout = "5s"

[http_destinations.backend]
addresses = ["127.0.0.1:8000", "127.0.0.1:8001"]
backoff = "250ms"

[chat.tangle]
session_pool = "chat"
http_route = "backend"
authorize = "backend"
message_handlers = { "*" = "backend" }
`

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "chatproxy.toml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	return path
}

func TestLoadFile(t *testing.T) {
	cfg, err := LoadFile(writeFile(t, sampleTOML))
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}
	if cfg.Server.Listen != "127.0.0.1:9000" {
		t.Errorf("Expected listen 127.0.0.1:9000, got %s", cfg.Server.Listen)
	}
	p := cfg.SessionPools["chat"]
	if p.MaxConnections != 10 {
		t.Errorf("Expected max_connections 10, got %d", p.MaxConnections)
	}
	if p.NewConnectionIdleTimeout.Duration() != 5*time.Second {
		t.Errorf("Expected 5s idle timeout, got %v", p.NewConnectionIdleTimeout)
	}
	if p.ClientMaxIdleTimeout != DefaultSessionPool().ClientMaxIdleTimeout {
		t.Errorf("Unset field should take the default, got %v", p.ClientMaxIdleTimeout)
	}
	d := cfg.HTTPDestinations["backend"]
	if d.Backoff.Duration() != 250*time.Millisecond {
		t.Errorf("Expected 250ms backoff, got %v", d.Backoff)
	}
	if d.QueueLimit != DefaultHTTPDestination().QueueLimit {
		t.Errorf("Unset queue_limit should take the default, got %d", d.QueueLimit)
	}
	if route := cfg.Chat["tangle"].Route; route != "/tangle" {
		t.Errorf("Expected default route /tangle, got %s", route)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate failed: %v", err)
	}
}

func TestLoadPriority(t *testing.T) {
	path := writeFile(t, sampleTOML)
	t.Setenv("CHATPROXY_CONFIG", path)
	t.Setenv("CHATPROXY_LISTEN", "127.0.0.1:9100")
	t.Setenv("CHATPROXY_LOG_LEVEL", "warn")

	cfg, err := Load([]string{"--log-level", "error", "-vvv"})
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Path != path {
		t.Errorf("Expected path from env %s, got %s", path, cfg.Path)
	}
	if cfg.Server.Listen != "127.0.0.1:9100" {
		t.Errorf("Env should override TOML listen, got %s", cfg.Server.Listen)
	}
	if cfg.Logging.Level != "error" {
		t.Errorf("Flag should override env level, got %s", cfg.Logging.Level)
	}
	if cfg.Verbosity() != 3 {
		t.Errorf("Expected verbosity 3, got %d", cfg.Verbosity())
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	t.Setenv("CHATPROXY_CONFIG", filepath.Join(t.TempDir(), "absent.toml"))
	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.Listen != DefaultConfig().Server.Listen {
		t.Errorf("Expected default listen, got %s", cfg.Server.Listen)
	}
}

func TestLoadBadDuration(t *testing.T) {
	_, err := LoadFile(writeFile(t, "[session_pools.chat]\nlisten_error_timeout = \"soon\"\n"))
	if err == nil {
		t.Fatal("Expected error for invalid duration")
	}
}

func TestExpandVerbosityFlags(t *testing.T) {
	got := expandVerbosityFlags([]string{"-vv", "-verbose", "--listen", "x", "-v"})
	want := []string{"-v", "-v", "-verbose", "--listen", "x", "-v"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Expected %v, got %v", want, got)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		edit func(c *Config)
		want string
	}{
		{"unknown pool", func(c *Config) {
			c.Chat["x"] = Chat{SessionPool: "nope"}
		}, "unknown session pool"},
		{"unknown destination", func(c *Config) {
			ch := c.Chat["tangle"]
			ch.MessageHandlers = map[string]string{"*": "nowhere"}
			c.Chat["tangle"] = ch
		}, "unknown http destination"},
		{"no addresses", func(c *Config) {
			c.HTTPDestinations["empty"] = HTTPDestination{}
		}, "no addresses"},
		{"idle bounds", func(c *Config) {
			p := c.SessionPools["chat"]
			p.ClientMinIdleTimeout = Duration(time.Hour)
			p.ClientMaxIdleTimeout = Duration(time.Minute)
			c.SessionPools["chat"] = p
		}, "client_min_idle_timeout"},
		{"inactivity handler", func(c *Config) {
			p := c.SessionPools["chat"]
			p.InactivityHandlers = []string{"nowhere"}
			c.SessionPools["chat"] = p
		}, "inactivity handler"},
	}
	for _, tt := range tests {
		cfg, err := LoadFile(writeFile(t, sampleTOML))
		if err != nil {
			t.Fatalf("LoadFile failed: %v", err)
		}
		tt.edit(cfg)
		err = cfg.Validate()
		if err == nil || !strings.Contains(err.Error(), tt.want) {
			t.Errorf("%s: expected error containing %q, got %v", tt.name, tt.want, err)
		}
	}
}

func TestWatcherReloads(t *testing.T) {
	path := writeFile(t, sampleTOML)
	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}

	var mu sync.Mutex
	var reloaded *Config
	w, err := NewWatcher(cfg, func(next *Config) {
		mu.Lock()
		reloaded = next
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("NewWatcher failed: %v", err)
	}
	if err := w.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer w.Stop()

	updated := strings.Replace(sampleTOML, "max_connections = 10", "max_connections = 20", 1)
	if err := os.WriteFile(path, []byte(updated), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		next := reloaded
		mu.Unlock()
		if next != nil && next.SessionPools["chat"].MaxConnections == 20 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("Watcher did not deliver the updated config")
}

func TestWatcherKeepsConfigOnInvalidFile(t *testing.T) {
	path := writeFile(t, sampleTOML)
	cfg, _ := LoadFile(path)

	var mu sync.Mutex
	calls := 0
	w, err := NewWatcher(cfg, func(*Config) {
		mu.Lock()
		calls++
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("NewWatcher failed: %v", err)
	}
	if err := w.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer w.Stop()

	if err := os.WriteFile(path, []byte("[chat.x]\nsession_pool = \"missing\"\n"), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	time.Sleep(500 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if calls != 0 {
		t.Errorf("Invalid config should not be delivered, got %d reloads", calls)
	}
}
