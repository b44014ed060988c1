package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override, e.g. FIELDSYNC_SERVER_PORT.
const EnvPrefix = "FIELDSYNC_"

// Config holds all fieldsync configuration
type Config struct {
	// Local API server
	Server ServerConfig `json:"server" yaml:"server" toml:"server" envPrefix:"SERVER_"`

	// Durable queue backend
	Outbox OutboxConfig `json:"outbox" yaml:"outbox" toml:"outbox" envPrefix:"OUTBOX_"`

	// Remote delivery
	Sync SyncConfig `json:"sync" yaml:"sync" toml:"sync" envPrefix:"SYNC_"`

	// Reachability probing
	Connectivity ConnectivityConfig `json:"connectivity" yaml:"connectivity" toml:"connectivity" envPrefix:"CONNECTIVITY_"`

	// Cross-process notifications
	MQTT MQTTConfig `json:"mqtt" yaml:"mqtt" toml:"mqtt" envPrefix:"MQTT_"`

	// API authentication
	Auth AuthConfig `json:"auth" yaml:"auth" toml:"auth" envPrefix:"AUTH_"`
}

type ServerConfig struct {
	Port     int    `json:"port" yaml:"port" toml:"port" env:"PORT"`
	DataDir  string `json:"dataDir" yaml:"dataDir" toml:"dataDir" env:"DATA_DIR"`
	LogLevel string `json:"logLevel" yaml:"logLevel" toml:"logLevel" env:"LOG_LEVEL"`
}

type OutboxConfig struct {
	Backend string `json:"backend" yaml:"backend" toml:"backend" env:"BACKEND"` // "file", "sqlite", "memory"
	// RetentionHours is how long terminally failed entries are kept. 0 keeps them.
	RetentionHours int `json:"retentionHours" yaml:"retentionHours" toml:"retentionHours" env:"RETENTION_HOURS"`
}

type SyncConfig struct {
	BaseURL    string `json:"baseUrl" yaml:"baseUrl" toml:"baseUrl" env:"BASE_URL"`
	AuthToken  string `json:"authToken,omitempty" yaml:"authToken,omitempty" toml:"authToken,omitempty" env:"AUTH_TOKEN"`
	TimeoutSec int    `json:"timeoutSec" yaml:"timeoutSec" toml:"timeoutSec" env:"TIMEOUT_SEC"`
	// Schedule is a cron expression or @every spec for the periodic fallback run.
	Schedule string `json:"schedule" yaml:"schedule" toml:"schedule" env:"SCHEDULE"`
	// PurgeSchedule runs the terminal-entry purge.
	PurgeSchedule string `json:"purgeSchedule" yaml:"purgeSchedule" toml:"purgeSchedule" env:"PURGE_SCHEDULE"`
}

type ConnectivityConfig struct {
	ProbeURL    string `json:"probeUrl" yaml:"probeUrl" toml:"probeUrl" env:"PROBE_URL"`
	ProbeMethod string `json:"probeMethod,omitempty" yaml:"probeMethod,omitempty" toml:"probeMethod,omitempty" env:"PROBE_METHOD"`
}

type MQTTConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled" toml:"enabled" env:"ENABLED"`
	Host     string `json:"host" yaml:"host" toml:"host" env:"HOST"`
	Port     int    `json:"port" yaml:"port" toml:"port" env:"PORT"`
	Username string `json:"username,omitempty" yaml:"username,omitempty" toml:"username,omitempty" env:"USERNAME"`
	Password string `json:"password,omitempty" yaml:"password,omitempty" toml:"password,omitempty" env:"PASSWORD"`
	Topic    string `json:"topic,omitempty" yaml:"topic,omitempty" toml:"topic,omitempty" env:"TOPIC"`
	ClientID string `json:"clientId,omitempty" yaml:"clientId,omitempty" toml:"clientId,omitempty" env:"CLIENT_ID"`
}

type AuthConfig struct {
	// JWTSecret enables bearer auth on the API when set.
	JWTSecret string `json:"jwtSecret,omitempty" yaml:"jwtSecret,omitempty" toml:"jwtSecret,omitempty" env:"JWT_SECRET"`
}

// DefaultConfig returns a sensible default configuration
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:     8430,
			DataDir:  "./data",
			LogLevel: "info",
		},
		Outbox: OutboxConfig{
			Backend:        "file",
			RetentionHours: 24 * 30,
		},
		Sync: SyncConfig{
			TimeoutSec:    15,
			Schedule:      "@every 1m",
			PurgeSchedule: "0 3 * * *",
		},
		Connectivity: ConnectivityConfig{
			ProbeMethod: "HEAD",
		},
		MQTT: MQTTConfig{
			Host: "127.0.0.1",
			Port: 1883,
		},
	}
}

// Load reads config from a JSON, YAML or TOML file (chosen by extension),
// then applies FIELDSYNC_* environment overrides. An empty path means
// defaults plus environment.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := decode(path, data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := ApplyEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	// Ensure data directory exists
	if err := os.MkdirAll(cfg.Server.DataDir, 0750); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	return cfg, nil
}

func decode(path string, data []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yaml.Unmarshal(data, cfg)
	case ".toml":
		_, err := toml.Decode(string(data), cfg)
		return err
	default:
		return json.Unmarshal(data, cfg)
	}
}

// ApplyEnv overrides cfg with FIELDSYNC_* environment variables.
func ApplyEnv(cfg *Config) error {
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("parse environment: %w", err)
	}
	return nil
}

// Validate checks if configuration is valid
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port out of range: %d", c.Server.Port))
	}
	if c.Server.DataDir == "" {
		errs = append(errs, errors.New("server.dataDir required"))
	}
	if _, err := ParseLevel(c.Server.LogLevel); err != nil {
		errs = append(errs, err)
	}
	switch c.Outbox.Backend {
	case "", "file", "sqlite", "memory":
	default:
		errs = append(errs, fmt.Errorf("unknown outbox.backend: %s (use file, sqlite, or memory)", c.Outbox.Backend))
	}
	if c.Outbox.RetentionHours < 0 {
		errs = append(errs, errors.New("outbox.retentionHours must not be negative"))
	}
	if c.Sync.TimeoutSec < 0 {
		errs = append(errs, errors.New("sync.timeoutSec must not be negative"))
	}
	for name, spec := range map[string]string{"sync.schedule": c.Sync.Schedule, "sync.purgeSchedule": c.Sync.PurgeSchedule} {
		if spec == "" {
			continue
		}
		if _, err := cron.ParseStandard(spec); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	if c.MQTT.Enabled && c.MQTT.Host == "" {
		errs = append(errs, errors.New("mqtt.host required when mqtt is enabled"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// ParseLevel maps a config log level to slog.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level: %s", s)
	}
}

// Save writes config to a file in the format matching its extension
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	var (
		data []byte
		err  error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(c)
	case ".toml":
		var buf bytes.Buffer
		err = toml.NewEncoder(&buf).Encode(c)
		data = buf.Bytes()
	default:
		data, err = json.MarshalIndent(c, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0640)
}
