// Package config provides unified configuration loading for convertx.
// Supports YAML files, environment variables, and programmatic overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"gopkg.in/yaml.v3"

	"github.com/spherical-ai/convertx/internal/domain"
)

// Config holds all configuration for the conversion service.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Database      DatabaseConfig      `yaml:"database"`
	Cache         CacheConfig         `yaml:"cache"`
	Storage       StorageConfig       `yaml:"storage"`
	Conversion    ConversionConfig    `yaml:"conversion"`
	Events        EventsConfig        `yaml:"events"`
	Antivirus     AntivirusConfig     `yaml:"antivirus"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host             string        `yaml:"host"`
	Port             int           `yaml:"port"`
	ReadTimeout      time.Duration `yaml:"read_timeout"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
	IdleTimeout      time.Duration `yaml:"idle_timeout"`
	RequestTimeout   time.Duration `yaml:"request_timeout"`
	GracefulShutdown time.Duration `yaml:"graceful_shutdown"`
	AllowedOrigins   []string      `yaml:"allowed_origins"`
}

// DatabaseConfig holds database connection settings.
type DatabaseConfig struct {
	Driver   string         `yaml:"driver"` // sqlite or postgres
	SQLite   SQLiteConfig   `yaml:"sqlite"`
	Postgres PostgresConfig `yaml:"postgres"`
}

// SQLiteConfig holds SQLite-specific settings.
type SQLiteConfig struct {
	Path         string `yaml:"path"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	JournalMode  string `yaml:"journal_mode"`
}

// PostgresConfig holds Postgres-specific settings.
type PostgresConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// CacheConfig holds cache settings.
type CacheConfig struct {
	Driver     string        `yaml:"driver"` // memory or redis
	TTL        time.Duration `yaml:"ttl"`
	MaxEntries int           `yaml:"max_entries"`
	Redis      RedisConfig   `yaml:"redis"`
}

// RedisConfig holds Redis-specific settings.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
}

// StorageConfig selects where uploads and converted outputs live.
type StorageConfig struct {
	Type  string      `yaml:"type"` // local, s3 or minio
	Local LocalConfig `yaml:"local"`
	S3    S3Config    `yaml:"s3"`
	Minio MinioConfig `yaml:"minio"`
}

// LocalConfig holds filesystem storage settings.
type LocalConfig struct {
	Path string `yaml:"path"`
}

// S3Config holds AWS S3 settings.
type S3Config struct {
	Bucket         string `yaml:"bucket"`
	Region         string `yaml:"region"`
	Endpoint       string `yaml:"endpoint"`
	ForcePathStyle bool   `yaml:"force_path_style"`
}

// MinioConfig holds MinIO settings.
type MinioConfig struct {
	Endpoint  string `yaml:"endpoint"`
	Bucket    string `yaml:"bucket"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	UseSSL    bool   `yaml:"use_ssl"`
}

// ConversionConfig holds job execution settings.
type ConversionConfig struct {
	MaxConcurrent   int           `yaml:"max_concurrent"` // 0 means number of CPUs
	QueueSize       int           `yaml:"queue_size"`
	Timeout         time.Duration `yaml:"timeout"`
	MaxRetries      int           `yaml:"max_retries"`
	RetryBackoff    time.Duration `yaml:"retry_backoff"`
	MaxUploadSize   int64         `yaml:"max_upload_size"`
	WorkDir         string        `yaml:"work_dir"`
	AutoDeleteAfter time.Duration `yaml:"auto_delete_after"` // 0 disables
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
	DisabledEngines []string      `yaml:"disabled_engines"`
	// TranslateService is the backend used by the PDF translation engines.
	TranslateService string `yaml:"translate_service"`
}

// EventsConfig holds progress fan-out settings.
type EventsConfig struct {
	Driver     string        `yaml:"driver"` // memory or redis
	BufferSize int           `yaml:"buffer_size"`
	Heartbeat  time.Duration `yaml:"heartbeat"`
}

// AntivirusConfig holds upload scanning settings. Scanning is available
// only when URL points at a ClamAV REST endpoint.
type AntivirusConfig struct {
	URL            string        `yaml:"url"`
	EnabledDefault bool          `yaml:"enabled_default"`
	Timeout        time.Duration `yaml:"timeout"`
}

// ObservabilityConfig holds logging settings.
type ObservabilityConfig struct {
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"`
	ServiceName string `yaml:"service_name"`
}

// Load reads configuration from a YAML file and applies environment overrides.
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

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns a configuration with sensible defaults for development.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:             "0.0.0.0",
			Port:             3001,
			ReadTimeout:      60 * time.Second,
			WriteTimeout:     0, // SSE streams stay open
			IdleTimeout:      120 * time.Second,
			RequestTimeout:   60 * time.Second,
			GracefulShutdown: 15 * time.Second,
			AllowedOrigins:   []string{"*"},
		},
		Database: DatabaseConfig{
			Driver: "sqlite",
			SQLite: SQLiteConfig{
				Path:         "./data/convertx.db",
				MaxOpenConns: 1,
				JournalMode:  "WAL",
			},
			Postgres: PostgresConfig{
				MaxOpenConns:    25,
				MaxIdleConns:    5,
				ConnMaxLifetime: 5 * time.Minute,
			},
		},
		Cache: CacheConfig{
			Driver:     "memory",
			TTL:        30 * time.Second,
			MaxEntries: 10000,
			Redis: RedisConfig{
				Addr:     "localhost:6379",
				DB:       0,
				PoolSize: 10,
			},
		},
		Storage: StorageConfig{
			Type: "local",
			Local: LocalConfig{
				Path: "./data/files",
			},
			S3: S3Config{
				Region: "us-east-1",
			},
		},
		Conversion: ConversionConfig{
			MaxConcurrent:    0,
			QueueSize:        1024,
			Timeout:          10 * time.Minute,
			MaxRetries:       0,
			RetryBackoff:     time.Second,
			MaxUploadSize:    100 * 1024 * 1024,
			WorkDir:          "",
			AutoDeleteAfter:  24 * time.Hour,
			CleanupInterval:  time.Hour,
			TranslateService: "google",
		},
		Events: EventsConfig{
			Driver:     "memory",
			BufferSize: 64,
			Heartbeat:  15 * time.Second,
		},
		Antivirus: AntivirusConfig{
			EnabledDefault: true,
			Timeout:        time.Minute,
		},
		Observability: ObservabilityConfig{
			LogLevel:    "info",
			LogFormat:   "json",
			ServiceName: "convertx",
		},
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return domain.ConfigError(fmt.Sprintf("invalid server port: %d", c.Server.Port), nil)
	}

	if c.Database.Driver != "sqlite" && c.Database.Driver != "postgres" {
		return domain.ConfigError(fmt.Sprintf("invalid database driver: %s", c.Database.Driver), nil)
	}

	if c.Database.Driver == "postgres" && c.Database.Postgres.DSN == "" {
		return domain.ConfigError("postgres driver requires a dsn", nil)
	}

	if c.Cache.Driver != "memory" && c.Cache.Driver != "redis" {
		return domain.ConfigError(fmt.Sprintf("invalid cache driver: %s", c.Cache.Driver), nil)
	}

	if c.Events.Driver != "memory" && c.Events.Driver != "redis" {
		return domain.ConfigError(fmt.Sprintf("invalid events driver: %s", c.Events.Driver), nil)
	}

	switch c.Storage.Type {
	case "local":
		if c.Storage.Local.Path == "" {
			return domain.ConfigError("local storage requires a path", nil)
		}
	case "s3":
		if c.Storage.S3.Bucket == "" {
			return domain.ConfigError("s3 storage requires a bucket", nil)
		}
	case "minio":
		if c.Storage.Minio.Endpoint == "" || c.Storage.Minio.Bucket == "" {
			return domain.ConfigError("minio storage requires an endpoint and a bucket", nil)
		}
	default:
		return domain.ConfigError(fmt.Sprintf("invalid storage type: %s", c.Storage.Type), nil)
	}

	if c.Events.Heartbeat <= 0 {
		return domain.ConfigError("events heartbeat must be positive", nil)
	}

	if c.Antivirus.URL != "" && c.Antivirus.Timeout <= 0 {
		return domain.ConfigError("antivirus timeout must be positive", nil)
	}

	if c.Conversion.MaxConcurrent < 0 {
		return domain.ConfigError("max_concurrent must not be negative", nil)
	}

	if c.Conversion.MaxUploadSize <= 0 {
		return domain.ConfigError("max_upload_size must be positive", nil)
	}

	if c.Conversion.AutoDeleteAfter > 0 && c.Conversion.CleanupInterval <= 0 {
		return domain.ConfigError("cleanup_interval must be positive when auto_delete_after is set", nil)
	}

	return nil
}

// DatabaseDSN returns the appropriate database connection string.
func (c *Config) DatabaseDSN() string {
	if c.Database.Driver == "sqlite" {
		return c.Database.SQLite.Path
	}
	return c.Database.Postgres.DSN
}

// UsesRedis reports whether any component needs a Redis connection.
func (c *Config) UsesRedis() bool {
	return c.Cache.Driver == "redis" || c.Events.Driver == "redis"
}

// applyEnvOverrides applies environment variable overrides to config.
// Malformed numbers are ignored; a malformed REDIS_URL is an error.
func applyEnvOverrides(cfg *Config) error {
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
		opt, err := redis.ParseURL(v)
		if err != nil {
			return domain.ConfigError("invalid REDIS_URL", err)
		}
		cfg.Cache.Driver = "redis"
		cfg.Events.Driver = "redis"
		cfg.Cache.Redis.Addr = opt.Addr
		cfg.Cache.Redis.Password = opt.Password
		cfg.Cache.Redis.DB = opt.DB
	}

	if v := os.Getenv("STORAGE_TYPE"); v != "" {
		cfg.Storage.Type = strings.ToLower(v)
	}

	if v := os.Getenv("LOCAL_STORAGE_PATH"); v != "" {
		cfg.Storage.Local.Path = v
	}

	if v := os.Getenv("S3_BUCKET_NAME"); v != "" {
		cfg.Storage.S3.Bucket = v
		cfg.Storage.Minio.Bucket = v
	}

	if v := os.Getenv("S3_REGION"); v != "" {
		cfg.Storage.S3.Region = v
	}

	if v := os.Getenv("S3_ENDPOINT"); v != "" {
		cfg.Storage.S3.Endpoint = v
		cfg.Storage.S3.ForcePathStyle = true
	}

	if v := os.Getenv("MINIO_ENDPOINT"); v != "" {
		cfg.Storage.Minio.Endpoint = v
	}

	if v := os.Getenv("MINIO_ACCESS_KEY"); v != "" {
		cfg.Storage.Minio.AccessKey = v
	}

	if v := os.Getenv("MINIO_SECRET_KEY"); v != "" {
		cfg.Storage.Minio.SecretKey = v
	}

	if v := os.Getenv("MAX_CONVERT_PROCESS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Conversion.MaxConcurrent = n
		}
	}

	if v := os.Getenv("AUTO_DELETE_EVERY_N_HOURS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Conversion.AutoDeleteAfter = time.Duration(n) * time.Hour
		}
	}

	if v := os.Getenv("MAX_FILE_SIZE"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Conversion.MaxUploadSize = n
		}
	}

	if v := os.Getenv("CONVERSION_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Conversion.Timeout = d
		}
	}

	if v := os.Getenv("TRANSLATE_SERVICE"); v != "" {
		cfg.Conversion.TranslateService = v
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Observability.LogLevel = v
	}

	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Observability.LogFormat = v
	}

	if v := os.Getenv("CLAMAV_URL"); v != "" {
		cfg.Antivirus.URL = v
	}

	if v := os.Getenv("ANTIVIRUS_ENABLED_DEFAULT"); v != "" {
		cfg.Antivirus.EnabledDefault = strings.EqualFold(v, "true")
	}
	return nil
}

// ResolveRelativePath resolves a path relative to the config file location.
func ResolveRelativePath(configPath, targetPath string) string {
	if filepath.IsAbs(targetPath) || configPath == "" {
		return targetPath
	}
	configDir := filepath.Dir(configPath)
	return filepath.Join(configDir, targetPath)
}
