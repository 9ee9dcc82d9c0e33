package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := Default("/tmp/changeflow.db", "/tmp/metadata", "/tmp/rules.toml")
	if cfg.Database.Path != "/tmp/changeflow.db" {
		t.Fatalf("unexpected db path %q", cfg.Database.Path)
	}
	if cfg.Metadata.Dir != "/tmp/metadata" || cfg.Rules.Path != "/tmp/rules.toml" {
		t.Fatalf("unexpected metadata/rules paths %#v", cfg)
	}
	if cfg.Dispatch.Mode != DispatchModeNone {
		t.Fatalf("unexpected dispatch mode %q", cfg.Dispatch.Mode)
	}
	if cfg.Dispatch.RetryMaxElapsed.Duration != 30*time.Second {
		t.Fatalf("unexpected retry window %s", cfg.Dispatch.RetryMaxElapsed)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate(defaults) error = %v", err)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	defaults := Default("/tmp/changeflow.db", "/tmp/metadata", "/tmp/rules.toml")
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.toml"), defaults)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Database.Path != defaults.Database.Path {
		t.Fatalf("expected default db path, got %q", cfg.Database.Path)
	}
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	content := `
[database]
path = "/custom/changeflow.db"

[logging]
level = "debug"

[dispatch]
mode = "redis"
retry_max_elapsed = "5s"

[dispatch.redis]
addr = "redis:6379"
db = 2

[server]
http_bind = "0.0.0.0:9000"
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	cfg, err := Load(path, Default("/tmp/default.db", "/tmp/metadata", "/tmp/rules.toml"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Database.Path != "/custom/changeflow.db" {
		t.Fatalf("unexpected db path %q", cfg.Database.Path)
	}
	if cfg.Logging.Level != "debug" {
		t.Fatalf("unexpected log level %q", cfg.Logging.Level)
	}
	if cfg.Dispatch.Mode != DispatchModeRedis || cfg.Dispatch.Redis.Addr != "redis:6379" || cfg.Dispatch.Redis.DB != 2 {
		t.Fatalf("unexpected dispatch config %#v", cfg.Dispatch)
	}
	if cfg.Dispatch.Redis.QueueKey != "changeflow:dispatch" {
		t.Fatalf("expected default queue key to survive, got %q", cfg.Dispatch.Redis.QueueKey)
	}
	if cfg.Dispatch.RetryMaxElapsed.Duration != 5*time.Second {
		t.Fatalf("unexpected retry window %s", cfg.Dispatch.RetryMaxElapsed)
	}
	if cfg.Server.HTTPBind != "0.0.0.0:9000" || cfg.Server.MCPEndpoint != "/mcp" {
		t.Fatalf("unexpected server config %#v", cfg.Server)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := map[string]string{
		"dispatch mode": "[dispatch]\nmode = \"kafka\"\n",
		"log level":     "[logging]\nlevel = \"loud\"\n",
		"endpoint":      "[server]\napi_endpoint = \"api\"\n",
		"duration":      "[dispatch]\nretry_max_elapsed = \"soon\"\n",
		"redis addr":    "[dispatch]\nmode = \"redis\"\n[dispatch.redis]\naddr = \"\"\n",
	}
	for name, content := range cases {
		path := filepath.Join(t.TempDir(), strings.ReplaceAll(name, " ", "-")+".toml")
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatalf("WriteFile() error = %v", err)
		}
		if _, err := Load(path, Default("/tmp/default.db", "/tmp/metadata", "/tmp/rules.toml")); err == nil {
			t.Fatalf("%s: expected load error", name)
		}
	}
}

func TestEnsureConfigDir(t *testing.T) {
	target := filepath.Join(t.TempDir(), "a", "b", "config.toml")
	if err := EnsureConfigDir(target); err != nil {
		t.Fatalf("EnsureConfigDir() error = %v", err)
	}
	if _, err := os.Stat(filepath.Dir(target)); err != nil {
		t.Fatalf("expected dir to exist, stat error %v", err)
	}
}
