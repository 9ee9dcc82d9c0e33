package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

// DispatchMode selects how automatic follow-up tasks are handed off.
type DispatchMode string

const (
	DispatchModeNone  DispatchMode = "none"
	DispatchModeRedis DispatchMode = "redis"
)

type Config struct {
	Database DatabaseConfig `toml:"database"`
	Logging  LoggingConfig  `toml:"logging"`
	Metadata MetadataConfig `toml:"metadata"`
	Rules    RulesConfig    `toml:"rules"`
	Engine   EngineConfig   `toml:"engine"`
	Dispatch DispatchConfig `toml:"dispatch"`
	Server   ServerConfig   `toml:"server"`
}

type DatabaseConfig struct {
	Path string `toml:"path"`
}

type LoggingConfig struct {
	Level   string        `toml:"level"`
	DevFile DevFileConfig `toml:"dev_file"`
}

type DevFileConfig struct {
	Enabled bool   `toml:"enabled"`
	Dir     string `toml:"dir"`
}

type MetadataConfig struct {
	Dir string `toml:"dir"`
}

type RulesConfig struct {
	Path string `toml:"path"`
}

type EngineConfig struct {
	PluginName string `toml:"plugin_name"`
}

type DispatchConfig struct {
	Mode  DispatchMode `toml:"mode"`
	Redis RedisConfig  `toml:"redis"`
	// RetryMaxElapsed bounds how long one push is retried.
	RetryMaxElapsed Duration `toml:"retry_max_elapsed"`
}

type RedisConfig struct {
	Addr     string `toml:"addr"`
	Password string `toml:"password"`
	DB       int    `toml:"db"`
	QueueKey string `toml:"queue_key"`
}

type ServerConfig struct {
	HTTPBind     string `toml:"http_bind"`
	APIEndpoint  string `toml:"api_endpoint"`
	MCPEndpoint  string `toml:"mcp_endpoint"`
	MetricsRoute string `toml:"metrics_endpoint"`
}

// Duration decodes TOML strings such as "30s".
type Duration struct {
	time.Duration
}

// UnmarshalText parses a Go duration string.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

// MarshalText renders the duration in Go syntax.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Default returns the configuration used when no file overrides it.
func Default(dbPath, metadataDir, rulesPath string) Config {
	return Config{
		Database: DatabaseConfig{
			Path: dbPath,
		},
		Logging: LoggingConfig{
			Level: "info",
			DevFile: DevFileConfig{
				Enabled: true,
				Dir:     ".changeflow/log",
			},
		},
		Metadata: MetadataConfig{
			Dir: metadataDir,
		},
		Rules: RulesConfig{
			Path: rulesPath,
		},
		Engine: EngineConfig{
			PluginName: "changeflow",
		},
		Dispatch: DispatchConfig{
			Mode: DispatchModeNone,
			Redis: RedisConfig{
				Addr:     "127.0.0.1:6379",
				QueueKey: "changeflow:dispatch",
			},
			RetryMaxElapsed: Duration{Duration: 30 * time.Second},
		},
		Server: ServerConfig{
			HTTPBind:     "127.0.0.1:8087",
			APIEndpoint:  "/api/v1",
			MCPEndpoint:  "/mcp",
			MetricsRoute: "/metrics",
		},
	}
}

// Load overlays the TOML file at path onto defaults. A missing or empty file yields defaults.
func Load(path string, defaults Config) (Config, error) {
	cfg := defaults
	if strings.TrimSpace(path) == "" {
		return cfg, nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if len(content) == 0 {
		return cfg, nil
	}

	if err := toml.Unmarshal(content, &cfg); err != nil {
		return Config{}, fmt.Errorf("decode toml: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Database.Path) == "" {
		return errors.New("database path is required")
	}
	switch strings.TrimSpace(strings.ToLower(c.Logging.Level)) {
	case "debug", "info", "warn", "error", "fatal":
	default:
		return fmt.Errorf("invalid logging.level: %q", c.Logging.Level)
	}
	if strings.TrimSpace(c.Metadata.Dir) == "" {
		return errors.New("metadata.dir is required")
	}
	if strings.TrimSpace(c.Engine.PluginName) == "" {
		return errors.New("engine.plugin_name is required")
	}

	switch c.Dispatch.Mode {
	case DispatchModeNone:
	case DispatchModeRedis:
		if strings.TrimSpace(c.Dispatch.Redis.Addr) == "" {
			return errors.New("dispatch.redis.addr is required when dispatch.mode is redis")
		}
		if strings.TrimSpace(c.Dispatch.Redis.QueueKey) == "" {
			return errors.New("dispatch.redis.queue_key is required when dispatch.mode is redis")
		}
		if c.Dispatch.Redis.DB < 0 {
			return fmt.Errorf("dispatch.redis.db must be >= 0, got %d", c.Dispatch.Redis.DB)
		}
	default:
		return fmt.Errorf("invalid dispatch.mode: %q", c.Dispatch.Mode)
	}
	if c.Dispatch.RetryMaxElapsed.Duration < 0 {
		return errors.New("dispatch.retry_max_elapsed must be >= 0")
	}

	for name, endpoint := range map[string]string{
		"server.api_endpoint":     c.Server.APIEndpoint,
		"server.mcp_endpoint":     c.Server.MCPEndpoint,
		"server.metrics_endpoint": c.Server.MetricsRoute,
	} {
		endpoint = strings.TrimSpace(endpoint)
		if endpoint != "" && !strings.HasPrefix(endpoint, "/") {
			return fmt.Errorf("%s must start with '/': %q", name, endpoint)
		}
	}
	return nil
}

func EnsureConfigDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
