// Package config provides unified configuration loading for docuvision:
// YAML file defaults overridden by environment variables, matching
// SPEC_FULL.md §6.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the API, worker, and CLI processes.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Database      DatabaseConfig      `yaml:"database"`
	Cache         CacheConfig         `yaml:"cache"`
	Queue         QueueConfig         `yaml:"queue"`
	Upload        UploadConfig        `yaml:"upload"`
	Processing    ProcessingConfig    `yaml:"processing"`
	Vision        VisionConfig        `yaml:"vision"`
	Worker        WorkerConfig        `yaml:"worker"`
	Blob          BlobConfig          `yaml:"blob"`
	Observability ObservabilityConfig `yaml:"observability"`
}

type ServerConfig struct {
	Host             string        `yaml:"host"`
	Port             int           `yaml:"port"`
	ReadTimeout      time.Duration `yaml:"read_timeout"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
	IdleTimeout      time.Duration `yaml:"idle_timeout"`
	GracefulShutdown time.Duration `yaml:"graceful_shutdown"`
}

type DatabaseConfig struct {
	Driver   string         `yaml:"driver"` // sqlite or postgres
	SQLite   SQLiteConfig   `yaml:"sqlite"`
	Postgres PostgresConfig `yaml:"postgres"`
}

type SQLiteConfig struct {
	Path        string `yaml:"path"`
	JournalMode string `yaml:"journal_mode"`
}

type PostgresConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

type CacheConfig struct {
	Driver string      `yaml:"driver"` // memory or redis
	Redis  RedisConfig `yaml:"redis"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
}

// QueueConfig governs the JobQueue (SPEC_FULL.md §4.3).
type QueueConfig struct {
	VisibilityTimeout time.Duration `yaml:"visibility_timeout"`
	MaxAttempts       int           `yaml:"max_attempts"`
	ClaimPollInterval time.Duration `yaml:"claim_poll_interval"`
}

type UploadConfig struct {
	MaxUploadBytes int64 `yaml:"max_upload_bytes"`
}

type ProcessingConfig struct {
	MaxPages           int           `yaml:"max_pages"`
	HeartbeatTimeout   time.Duration `yaml:"heartbeat_timeout"`
	HeartbeatInterval  time.Duration `yaml:"heartbeat_interval"`
	WallClockTimeout   time.Duration `yaml:"wall_clock_timeout"`
	PerPageCallTimeout time.Duration `yaml:"per_page_call_timeout"`
	MaxPageRetries     int           `yaml:"max_page_retries"`
	MaxImageDimension  int           `yaml:"max_image_dimension"`
}

type VisionConfig struct {
	ModelName        string  `yaml:"model_name"`
	APIKey           string  `yaml:"api_key"`
	BaseURL          string  `yaml:"base_url"`
	RateLimitPerMin  int     `yaml:"rate_limit_per_minute"`
	DetectConfidence float64 `yaml:"detect_confidence_threshold"`
}

type WorkerConfig struct {
	Concurrency int `yaml:"concurrency"`
}

type BlobConfig struct {
	Backend string `yaml:"backend"` // local or s3
	RootDir string `yaml:"root_dir"`
}

type ObservabilityConfig struct {
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// Load reads configuration from an optional YAML file and applies
// environment-variable overrides (SPEC_FULL.md §6).
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns sensible defaults matching the values named in
// SPEC_FULL.md §6.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:             "0.0.0.0",
			Port:             8080,
			ReadTimeout:      30 * time.Second,
			WriteTimeout:     30 * time.Second,
			IdleTimeout:      120 * time.Second,
			GracefulShutdown: 10 * time.Second,
		},
		Database: DatabaseConfig{
			Driver: "sqlite",
			SQLite: SQLiteConfig{
				Path:        "./docuvision.db",
				JournalMode: "WAL",
			},
			Postgres: PostgresConfig{
				MaxOpenConns:    25,
				MaxIdleConns:    5,
				ConnMaxLifetime: 5 * time.Minute,
			},
		},
		Cache: CacheConfig{
			Driver: "redis",
			Redis: RedisConfig{
				Addr:     "localhost:6379",
				DB:       0,
				PoolSize: 10,
			},
		},
		Queue: QueueConfig{
			VisibilityTimeout: 2 * time.Minute,
			MaxAttempts:       3,
			ClaimPollInterval: 2 * time.Second,
		},
		Upload: UploadConfig{
			MaxUploadBytes: 104_857_600,
		},
		Processing: ProcessingConfig{
			MaxPages:           100,
			HeartbeatTimeout:   60 * time.Second,
			HeartbeatInterval:  20 * time.Second,
			WallClockTimeout:   time.Hour,
			PerPageCallTimeout: 120 * time.Second,
			MaxPageRetries:     2,
			MaxImageDimension:  2048,
		},
		Vision: VisionConfig{
			ModelName:        "google/gemini-2.5-flash-preview-09-2025",
			BaseURL:          "https://openrouter.ai/api/v1/chat/completions",
			RateLimitPerMin:  20,
			DetectConfidence: 0.5,
		},
		Worker: WorkerConfig{
			Concurrency: 2,
		},
		Blob: BlobConfig{
			Backend: "local",
			RootDir: "./blobs",
		},
		Observability: ObservabilityConfig{
			LogLevel:  "info",
			LogFormat: "json",
		},
	}
}

// Validate checks the configuration for internal consistency.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Database.Driver != "sqlite" && c.Database.Driver != "postgres" {
		return fmt.Errorf("invalid database driver: %s", c.Database.Driver)
	}
	if c.Blob.Backend != "local" && c.Blob.Backend != "s3" {
		return fmt.Errorf("invalid blob backend: %s", c.Blob.Backend)
	}
	if c.Queue.MaxAttempts < 1 {
		return fmt.Errorf("queue max_attempts must be >= 1")
	}
	if c.Processing.MaxPages < 1 {
		return fmt.Errorf("processing max_pages must be >= 1")
	}
	return nil
}

// DatabaseDSN returns the connection string for the configured driver.
func (c *Config) DatabaseDSN() string {
	if c.Database.Driver == "sqlite" {
		return c.Database.SQLite.Path
	}
	return c.Database.Postgres.DSN
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("SERVER_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		if strings.HasPrefix(v, "sqlite:") {
			cfg.Database.Driver = "sqlite"
			cfg.Database.SQLite.Path = strings.TrimPrefix(v, "sqlite:")
		} else if strings.HasPrefix(v, "postgres") {
			cfg.Database.Driver = "postgres"
			cfg.Database.Postgres.DSN = v
		}
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Cache.Driver = "redis"
		cfg.Cache.Redis.Addr = strings.TrimPrefix(v, "redis://")
	}
	if v := os.Getenv("MAX_UPLOAD_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Upload.MaxUploadBytes = n
		}
	}
	if v := os.Getenv("MAX_PAGES_PER_DOCUMENT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Processing.MaxPages = n
		}
	}
	if v := os.Getenv("VISION_MODEL_NAME"); v != "" {
		cfg.Vision.ModelName = v
	}
	if v := os.Getenv("VISION_API_KEY"); v != "" {
		cfg.Vision.APIKey = v
	}
	if v := os.Getenv("WORKER_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Worker.Concurrency = n
		}
	}
	if v := os.Getenv("PROCESSING_TIMEOUT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Processing.WallClockTimeout = time.Duration(n) * time.Second
		}
	}
	if v := os.Getenv("RATE_LIMIT_PER_MINUTE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Vision.RateLimitPerMin = n
		}
	}
	if v := os.Getenv("BLOB_BACKEND"); v != "" {
		cfg.Blob.Backend = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Observability.LogLevel = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Observability.LogFormat = v
	}
}
