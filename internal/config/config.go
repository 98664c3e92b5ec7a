package config

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Environment variables that override secrets from the YAML file. They may
// also be supplied through a .env file next to the working directory.
const (
	EnvDatabaseURL  = "DATABASE_URL"
	EnvJWTSecret    = "JWT_SECRET"
	EnvRedisURL     = "REDIS_URL"
	EnvKafkaBrokers = "KAFKA_BROKERS"
)

// DatabaseConfig selects the booking store.
type DatabaseConfig struct {
	// Driver is "postgres" or "memory". The memory store keeps everything in
	// process and is meant for local runs and demos.
	Driver string `yaml:"driver" json:"driver"`
	DSN    string `yaml:"dsn" json:"-"`
}

// SyncConfig controls feed fetching and the scheduled refresh.
type SyncConfig struct {
	// Cron is the schedule for refreshing all URL-backed sources.
	Cron string `yaml:"cron" json:"cron"`

	FetchTimeout time.Duration `yaml:"fetch_timeout" json:"fetch_timeout"`
	RetryDelay   time.Duration `yaml:"retry_delay" json:"retry_delay"`
	CacheDir     string        `yaml:"cache_dir" json:"cache_dir"`

	// AttributionWindow is how recent an unmapped booking must be to be
	// treated as belonging to the feed being synced.
	AttributionWindow time.Duration `yaml:"attribution_window" json:"attribution_window"`
}

// RedisConfig enables the distributed per-source lock when URL is set.
type RedisConfig struct {
	URL     string        `yaml:"url" json:"-"`
	LockTTL time.Duration `yaml:"lock_ttl" json:"lock_ttl"`
}

// KafkaConfig enables sync-completed events when Brokers is non-empty.
type KafkaConfig struct {
	Brokers []string `yaml:"brokers" json:"brokers"`
	Topic   string   `yaml:"topic" json:"topic"`
}

type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret" json:"-"`
}

// Config is the top-level application configuration.
type Config struct {
	// Listen is the HTTP listen address for the API.
	Listen string `yaml:"listen" json:"listen"`

	// Timezone decides what "today" means when protecting past bookings.
	Timezone string `yaml:"timezone" json:"timezone"`

	LogLevel string `yaml:"log_level" json:"log_level"`

	Database DatabaseConfig `yaml:"database" json:"database"`
	Sync     SyncConfig     `yaml:"sync" json:"sync"`
	Redis    RedisConfig    `yaml:"redis" json:"redis"`
	Kafka    KafkaConfig    `yaml:"kafka" json:"kafka"`
	Auth     AuthConfig     `yaml:"auth" json:"auth"`
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	return &Config{
		Listen:   "127.0.0.1:8080",
		Timezone: "Asia/Kuala_Lumpur",
		LogLevel: "info",
		Database: DatabaseConfig{
			Driver: "postgres",
		},
		Sync: SyncConfig{
			Cron:              "0 2 * * *",
			FetchTimeout:      15 * time.Second,
			RetryDelay:        2 * time.Second,
			CacheDir:          "./var/ics-cache",
			AttributionWindow: 24 * time.Hour,
		},
		Redis: RedisConfig{
			LockTTL: 2 * time.Minute,
		},
		Kafka: KafkaConfig{
			Topic: "calendar.sync",
		},
	}
}

// Normalize fills in missing/zero values with defaults so that
// partially-filled configs still behave correctly.
func (c *Config) Normalize() {
	def := DefaultConfig()
	if c.Listen == "" {
		c.Listen = def.Listen
	}
	if c.Timezone == "" {
		c.Timezone = def.Timezone
	}
	if c.LogLevel == "" {
		c.LogLevel = def.LogLevel
	}
	switch c.Database.Driver {
	case "postgres", "memory":
	default:
		c.Database.Driver = def.Database.Driver
	}
	if c.Sync.Cron == "" {
		c.Sync.Cron = def.Sync.Cron
	}
	if c.Sync.FetchTimeout <= 0 {
		c.Sync.FetchTimeout = def.Sync.FetchTimeout
	}
	if c.Sync.RetryDelay < 0 {
		c.Sync.RetryDelay = def.Sync.RetryDelay
	}
	if c.Sync.CacheDir == "" {
		c.Sync.CacheDir = def.Sync.CacheDir
	}
	if c.Sync.AttributionWindow <= 0 {
		c.Sync.AttributionWindow = def.Sync.AttributionWindow
	}
	if c.Redis.LockTTL <= 0 {
		c.Redis.LockTTL = def.Redis.LockTTL
	}
	if c.Kafka.Topic == "" {
		c.Kafka.Topic = def.Kafka.Topic
	}
}

// ApplyEnv overrides secrets from the process environment. A .env file in
// the working directory is loaded first if present; existing variables win.
func (c *Config) ApplyEnv() {
	_ = godotenv.Load()

	if v := os.Getenv(EnvDatabaseURL); v != "" {
		c.Database.DSN = v
	}
	if v := os.Getenv(EnvJWTSecret); v != "" {
		c.Auth.JWTSecret = v
	}
	if v := os.Getenv(EnvRedisURL); v != "" {
		c.Redis.URL = v
	}
	if v := os.Getenv(EnvKafkaBrokers); v != "" {
		var brokers []string
		for _, b := range strings.Split(v, ",") {
			if b = strings.TrimSpace(b); b != "" {
				brokers = append(brokers, b)
			}
		}
		c.Kafka.Brokers = brokers
	}
}

// Location resolves Timezone, falling back to UTC for unknown names.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Load loads configuration from the given YAML path.
//
// Behavior:
//   - If the file does not exist:
//   - create parent directory if needed
//   - write a default config with 0600 perms
//   - return the default config
//   - If the file exists:
//   - read YAML and unmarshal into Config
//   - normalize defaults
//
// Environment overrides are applied in both cases and never written back.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			// First run: create default config file.
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				// Even if save fails, return cfg with error so caller can decide.
				cfg.ApplyEnv()
				return cfg, err
			}
			cfg.ApplyEnv()
			return cfg, nil
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	cfg.Normalize()
	cfg.ApplyEnv()

	return &cfg, nil
}

// Save writes the given configuration to the specified path.
//
// Implementation details:
//   - Ensures parent directory exists (0700).
//   - Marshals cfg to YAML.
//   - Writes atomically via a temp file + rename.
//   - Ensures final file permissions are 0600.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Normalize()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".calsync-config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}

	return os.Rename(tmpName, path)
}
