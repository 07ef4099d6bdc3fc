// Package config loads the daemon configuration from YAML, with environment
// overrides for the secrets that should not live in a file.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/amanahsoft/fieldsync/fieldsync"
)

// Config is the full daemon configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Auth     AuthConfig     `yaml:"auth"`
	Sync     SyncConfig     `yaml:"sync"`
	Logging  LoggingConfig  `yaml:"logging"`
}

type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type DatabaseConfig struct {
	URL      string `yaml:"url"` // FIELDSYNC_DATABASE_URL overrides
	MaxConns int32  `yaml:"max_conns"`
}

type AuthConfig struct {
	JWTSecret string        `yaml:"jwt_secret"` // FIELDSYNC_JWT_SECRET overrides
	TokenTTL  time.Duration `yaml:"token_ttl"`
}

type SyncConfig struct {
	SchemaVersion      int                   `yaml:"schema_version"`
	MaxPushBatchSize   int                   `yaml:"max_push_batch_size"`
	MaxPayloadBytes    int                   `yaml:"max_payload_bytes"`
	MaxApplyAttempts   int                   `yaml:"max_apply_attempts"`
	SessionIdleTimeout time.Duration         `yaml:"session_idle_timeout"`
	TombstoneTTL       time.Duration         `yaml:"tombstone_ttl"`
	SweepInterval      time.Duration         `yaml:"sweep_interval"`
	LogStageTimings    bool                  `yaml:"log_stage_timings"`
	Tables             []fieldsync.SyncTable `yaml:"tables"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // text | json
}

// Default returns the configuration used when a field is absent.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    60 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		Database: DatabaseConfig{MaxConns: 10},
		Auth:     AuthConfig{TokenTTL: 24 * time.Hour},
		Sync: SyncConfig{
			SchemaVersion:    1,
			MaxPushBatchSize: 500,
			MaxPayloadBytes:  1 << 20,
			SweepInterval:    time.Minute,
		},
		Logging: LoggingConfig{Level: "info", Format: "text"},
	}
}

// Load reads a YAML config file over the defaults. An empty path returns the
// defaults with environment overrides applied.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if v := os.Getenv("FIELDSYNC_DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("FIELDSYNC_JWT_SECRET"); v != "" {
		cfg.Auth.JWTSecret = v
	}

	if cfg.Database.URL == "" {
		return nil, fmt.Errorf("database url is required (database.url or FIELDSYNC_DATABASE_URL)")
	}
	if cfg.Auth.JWTSecret == "" {
		return nil, fmt.Errorf("jwt secret is required (auth.jwt_secret or FIELDSYNC_JWT_SECRET)")
	}
	if len(cfg.Sync.Tables) == 0 {
		return nil, fmt.Errorf("at least one syncable table must be configured (sync.tables)")
	}
	return cfg, nil
}

// ServiceConfig converts the sync section into the engine's config.
func (c *Config) ServiceConfig() *fieldsync.ServiceConfig {
	return &fieldsync.ServiceConfig{
		SchemaVersion:      c.Sync.SchemaVersion,
		AppName:            "fieldsyncd",
		Tables:             c.Sync.Tables,
		MaxPushBatchSize:   c.Sync.MaxPushBatchSize,
		MaxPayloadBytes:    c.Sync.MaxPayloadBytes,
		MaxApplyAttempts:   c.Sync.MaxApplyAttempts,
		SessionIdleTimeout: c.Sync.SessionIdleTimeout,
		TombstoneTTL:       c.Sync.TombstoneTTL,
		LogStageTimings:    c.Sync.LogStageTimings,
	}
}
