package config

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the adstats service.
type Config struct {
	Server     ServerConfig
	Database   DatabaseConfig
	Redis      RedisConfig
	ClickHouse ClickHouseConfig
	Storage    StorageConfig
	Auth       AuthConfig
	RateLimit  RateLimitConfig
	Log        LogConfig
	Metrics    MetricsConfig
	Queue      QueueConfig
	Scheduler  SchedulerConfig
	Provider   ProviderConfig
}

type ServerConfig struct {
	Addr            string
	Env             string
	ShutdownTimeout time.Duration
}

type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
	MaxConns int
	MinConns int
}

// DSN returns the PostgreSQL connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.DBName, d.SSLMode,
	)
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// ClickHouseConfig configures the optional ClickHouse raw-stat log.
type ClickHouseConfig struct {
	Addr     string
	Database string
	User     string
	Password string
}

const (
	BackendMemory     = "memory"
	BackendPostgres   = "postgres"
	BackendClickHouse = "clickhouse"
)

// StorageConfig selects where entities, raw rows and summaries live.
type StorageConfig struct {
	// Backend is memory or postgres.
	Backend string
	// RawBackend is postgres or clickhouse; ignored for the memory backend.
	RawBackend string
}

type AuthConfig struct {
	Enabled   bool
	MasterKey string
	SkipPaths []string
}

type RateLimitConfig struct {
	Enabled         bool
	RPS             float64
	Burst           int
	// CleanupInterval is how often idle per-IP limiters are dropped.
	CleanupInterval time.Duration
}

type LogConfig struct {
	Level  string
	Format string
}

// MetricsConfig configures Prometheus metrics.
type MetricsConfig struct {
	Enabled   bool
	Path      string
	Namespace string
}

// QueueConfig configures the sync job queue.
type QueueConfig struct {
	Prefix          string
	Concurrency     int
	Attempts        int
	BackoffBase     time.Duration
	PollInterval    time.Duration
	KeepCompleted   int
	KeepFailed      int
	PromoteInterval time.Duration
	// StaleAfter is how long a job may stay claimed before it is re-queued.
	StaleAfter      time.Duration
}

type SchedulerConfig struct {
	Enabled  bool
	Interval time.Duration
}

const (
	ProviderSimulator = "simulator"
	ProviderLive      = "live"
)

// ProviderConfig configures the stats provider.
type ProviderConfig struct {
	Mode       string
	BaseURL    string
	APIVersion string
	Timeout    time.Duration
	MaxPages   int
	PageSize   int
	RPS        float64
	// CredentialKey is the 32-byte AES key, hex or base64 encoded.
	CredentialKey string
}

// Load reads configuration from environment variables with sensible defaults.
// A .env file in the working directory is loaded first when present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Server: ServerConfig{
			Addr:            getEnv("ADSTATS_HTTP_ADDR", ":8080"),
			Env:             getEnv("ADSTATS_ENV", "development"),
			ShutdownTimeout: getDurationEnv("ADSTATS_SHUTDOWN_TIMEOUT", 30*time.Second),
		},
		Database: DatabaseConfig{
			Host:     getEnv("ADSTATS_DB_HOST", "localhost"),
			Port:     getIntEnv("ADSTATS_DB_PORT", 5432),
			User:     getEnv("ADSTATS_DB_USER", "adstats"),
			Password: getEnv("ADSTATS_DB_PASSWORD", "adstats_secret"),
			DBName:   getEnv("ADSTATS_DB_NAME", "adstats"),
			SSLMode:  getEnv("ADSTATS_DB_SSLMODE", "disable"),
			MaxConns: getIntEnv("ADSTATS_DB_MAX_CONNS", 20),
			MinConns: getIntEnv("ADSTATS_DB_MIN_CONNS", 2),
		},
		Redis: RedisConfig{
			Addr:     getEnv("ADSTATS_REDIS_ADDR", "localhost:6379"),
			Password: getEnv("ADSTATS_REDIS_PASSWORD", ""),
			DB:       getIntEnv("ADSTATS_REDIS_DB", 0),
		},
		ClickHouse: ClickHouseConfig{
			Addr:     getEnv("ADSTATS_CLICKHOUSE_ADDR", "localhost:9000"),
			Database: getEnv("ADSTATS_CLICKHOUSE_DB", "adstats"),
			User:     getEnv("ADSTATS_CLICKHOUSE_USER", "default"),
			Password: getEnv("ADSTATS_CLICKHOUSE_PASSWORD", ""),
		},
		Storage: StorageConfig{
			Backend:    getEnv("ADSTATS_STORAGE_BACKEND", BackendPostgres),
			RawBackend: getEnv("ADSTATS_RAW_BACKEND", BackendPostgres),
		},
		Auth: AuthConfig{
			Enabled:   getBoolEnv("ADSTATS_AUTH_ENABLED", true),
			MasterKey: getEnv("ADSTATS_API_KEY_MASTER", ""),
			SkipPaths: getSliceEnv("ADSTATS_AUTH_SKIP_PATHS", []string{"/health", "/metrics"}),
		},
		RateLimit: RateLimitConfig{
			Enabled: getBoolEnv("ADSTATS_RATE_LIMIT_ENABLED", true),
			RPS:     getFloatEnv("ADSTATS_RATE_LIMIT_RPS", 20),
			Burst:   getIntEnv("ADSTATS_RATE_LIMIT_BURST", 10),

			CleanupInterval: getDurationEnv("ADSTATS_RATE_LIMIT_CLEANUP_INTERVAL", 10*time.Minute),
		},
		Log: LogConfig{
			Level:  getEnv("ADSTATS_LOG_LEVEL", "info"),
			Format: getEnv("ADSTATS_LOG_FORMAT", "json"),
		},
		Metrics: MetricsConfig{
			Enabled:   getBoolEnv("ADSTATS_METRICS_ENABLED", true),
			Path:      getEnv("ADSTATS_METRICS_PATH", "/metrics"),
			Namespace: getEnv("ADSTATS_METRICS_NAMESPACE", "adstats"),
		},
		Queue: QueueConfig{
			Prefix:          getEnv("ADSTATS_QUEUE_PREFIX", "adstats:sync"),
			Concurrency:     getIntEnv("ADSTATS_QUEUE_CONCURRENCY", 4),
			Attempts:        getIntEnv("ADSTATS_QUEUE_ATTEMPTS", 3),
			BackoffBase:     getDurationEnv("ADSTATS_QUEUE_BACKOFF", 30*time.Second),
			PollInterval:    getDurationEnv("ADSTATS_QUEUE_POLL_INTERVAL", time.Second),
			KeepCompleted:   getIntEnv("ADSTATS_QUEUE_KEEP_COMPLETED", 100),
			KeepFailed:      getIntEnv("ADSTATS_QUEUE_KEEP_FAILED", 500),
			PromoteInterval: getDurationEnv("ADSTATS_QUEUE_PROMOTE_INTERVAL", 5*time.Second),
			StaleAfter:      getDurationEnv("ADSTATS_QUEUE_STALE_AFTER", time.Hour),
		},
		Scheduler: SchedulerConfig{
			Enabled:  getBoolEnv("ADSTATS_SCHEDULER_ENABLED", true),
			Interval: getDurationEnv("ADSTATS_SCHEDULER_INTERVAL", 15*time.Minute),
		},
		Provider: ProviderConfig{
			Mode:          getEnv("ADSTATS_PROVIDER", ProviderSimulator),
			BaseURL:       getEnv("ADSTATS_PROVIDER_BASE_URL", "https://graph.facebook.com"),
			APIVersion:    getEnv("ADSTATS_PROVIDER_API_VERSION", "v19.0"),
			Timeout:       getDurationEnv("ADSTATS_PROVIDER_TIMEOUT", 5*time.Second),
			MaxPages:      getIntEnv("ADSTATS_PROVIDER_MAX_PAGES", 25),
			PageSize:      getIntEnv("ADSTATS_PROVIDER_PAGE_SIZE", 500),
			RPS:           getFloatEnv("ADSTATS_PROVIDER_RPS", 5),
			CredentialKey: getEnv("ADSTATS_CREDENTIAL_KEY", ""),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that required configuration is present and consistent.
func (c *Config) Validate() error {
	if c.Auth.Enabled && c.Auth.MasterKey == "" {
		return fmt.Errorf("ADSTATS_API_KEY_MASTER is required when auth is enabled")
	}
	switch c.Storage.Backend {
	case BackendMemory, BackendPostgres:
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}
	switch c.Storage.RawBackend {
	case BackendPostgres, BackendClickHouse:
	default:
		return fmt.Errorf("unknown raw backend %q", c.Storage.RawBackend)
	}
	switch c.Provider.Mode {
	case ProviderSimulator:
	case ProviderLive:
		if _, err := c.Provider.Key(); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown provider mode %q", c.Provider.Mode)
	}
	if c.Queue.Concurrency < 1 {
		return fmt.Errorf("ADSTATS_QUEUE_CONCURRENCY must be >= 1")
	}
	if c.Queue.Attempts < 1 {
		return fmt.Errorf("ADSTATS_QUEUE_ATTEMPTS must be >= 1")
	}
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("ADSTATS_SCHEDULER_INTERVAL must be positive")
	}
	return nil
}

// Key decodes the credential key. Hex is tried first, then standard base64.
// Length is checked by the credential cipher, not here.
func (p ProviderConfig) Key() ([]byte, error) {
	if p.CredentialKey == "" {
		return nil, fmt.Errorf("ADSTATS_CREDENTIAL_KEY is required for the live provider")
	}
	if b, err := hex.DecodeString(p.CredentialKey); err == nil {
		return b, nil
	}
	b, err := base64.StdEncoding.DecodeString(p.CredentialKey)
	if err != nil {
		return nil, fmt.Errorf("ADSTATS_CREDENTIAL_KEY is neither hex nor base64: %w", err)
	}
	return b, nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Server.Env == "development"
}

// Helper functions for reading environment variables

func getEnv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func getIntEnv(key string, def int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getFloatEnv(key string, def float64) float64 {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getBoolEnv(key string, def bool) bool {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getDurationEnv(key string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getSliceEnv(key string, def []string) []string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		parts := strings.Split(v, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				result = append(result, p)
			}
		}
		return result
	}
	return def
}
