package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds the application configuration
type Config struct {
	Server       ServerConfig       `json:"server"`
	Database     DatabaseConfig     `json:"database"`
	Redis        RedisConfig        `json:"redis"`
	Storage      StorageConfig      `json:"storage"`
	Offline      OfflineConfig      `json:"offline"`
	Connectivity ConnectivityConfig `json:"connectivity"`
	Errors       ErrorsConfig       `json:"errors"`
	Alerts       AlertsConfig       `json:"alerts"`
	Completion   CompletionConfig   `json:"completion"`
	Logging      LoggingConfig      `json:"logging"`
	Tracing      TracingConfig      `json:"tracing"`
	Metrics      MetricsConfig      `json:"metrics"`
}

// ServerConfig contains the operational HTTP server configuration
type ServerConfig struct {
	Host         string        `json:"host"`
	Port         int           `json:"port"`
	ReadTimeout  time.Duration `json:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout"`
	IdleTimeout  time.Duration `json:"idle_timeout"`
	CORSOrigins  []string      `json:"cors_origins"`

	// RateLimitPerMinute caps requests per client; 0 disables the limiter
	RateLimitPerMinute int `json:"rate_limit_per_minute"`
	RateLimitBurst     int `json:"rate_limit_burst"`
}

// DatabaseConfig contains document store connection configuration
type DatabaseConfig struct {
	Driver          string        `json:"driver"`
	Host            string        `json:"host"`
	Port            int           `json:"port"`
	Name            string        `json:"name"`
	User            string        `json:"user"`
	Password        string        `json:"password"`
	SSLMode         string        `json:"ssl_mode"`
	SQLitePath      string        `json:"sqlite_path"`
	MaxOpenConns    int           `json:"max_open_conns"`
	MaxIdleConns    int           `json:"max_idle_conns"`
	ConnMaxLifetime time.Duration `json:"conn_max_lifetime"`
	MigrateOnStart  bool          `json:"migrate_on_start"`
}

// RedisConfig contains Redis connection configuration
type RedisConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	PoolSize int    `json:"pool_size"`
}

// StorageConfig selects the persistent key/value backend for the offline store
type StorageConfig struct {
	Backend    string `json:"backend"` // memory, badger or redis
	BadgerPath string `json:"badger_path"`
	KeyPrefix  string `json:"key_prefix"`
}

// OfflineConfig contains offline cache and sync queue configuration
type OfflineConfig struct {
	CacheTTL      time.Duration `json:"cache_ttl"`
	MaxSizeBytes  int64         `json:"max_size_bytes"`
	SyncInterval  time.Duration `json:"sync_interval"`
	RetryAttempts int           `json:"retry_attempts"`
}

// ConnectivityConfig contains the reachability probe configuration
type ConnectivityConfig struct {
	ProbeURL      string        `json:"probe_url"`
	ProbeInterval time.Duration `json:"probe_interval"`
	ProbeTimeout  time.Duration `json:"probe_timeout"`
}

// ErrorsConfig contains error log configuration
type ErrorsConfig struct {
	MaxRecords int           `json:"max_records"`
	Retention  time.Duration `json:"retention"`
	Locale     string        `json:"locale"`
}

// AlertsConfig contains alerting thresholds and delivery configuration
type AlertsConfig struct {
	Window            time.Duration `json:"window"`
	CriticalThreshold int           `json:"critical_threshold"`
	HighThreshold     int           `json:"high_threshold"`
	CategoryThreshold int           `json:"category_threshold"`
	CheckInterval     time.Duration `json:"check_interval"`
	CleanupInterval   time.Duration `json:"cleanup_interval"`
	Retention         time.Duration `json:"retention"`
	PurgeUnresolved   bool          `json:"purge_unresolved"`
	WebhookURL        string        `json:"webhook_url"`
	SlackWebhookURL   string        `json:"slack_webhook_url"`
	EmailRecipients   []string      `json:"email_recipients"`
	DispatchPerSecond float64       `json:"dispatch_per_second"`
}

// CompletionConfig contains AI completion service configuration
type CompletionConfig struct {
	APIKey    string `json:"-"`
	BaseURL   string `json:"base_url"`
	Model     string `json:"model"`
	MaxTokens int    `json:"max_tokens"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
	Output string `json:"output"`
}

// TracingConfig contains tracing configuration
type TracingConfig struct {
	Enabled        bool    `json:"enabled"`
	JaegerEndpoint string  `json:"jaeger_endpoint"`
	SamplingRate   float64 `json:"sampling_rate"`
	Environment    string  `json:"environment"`
}

// MetricsConfig contains metrics configuration
type MetricsConfig struct {
	Enabled   bool   `json:"enabled"`
	Namespace string `json:"namespace"`
}

// Load reads an optional .env file and then builds the configuration from
// environment variables with sensible defaults.
func Load(envFiles ...string) (*Config, error) {
	if err := loadEnvFiles(envFiles...); err != nil {
		return nil, err
	}

	config := &Config{
		Server: ServerConfig{
			Host:         getEnvString("SERVER_HOST", "0.0.0.0"),
			Port:         getEnvInt("SERVER_PORT", 8080),
			ReadTimeout:  getEnvDuration("SERVER_READ_TIMEOUT", 30*time.Second),
			WriteTimeout: getEnvDuration("SERVER_WRITE_TIMEOUT", 30*time.Second),
			IdleTimeout:  getEnvDuration("SERVER_IDLE_TIMEOUT", 120*time.Second),
			CORSOrigins:  getEnvList("SERVER_CORS_ORIGINS", []string{"*"}),

			RateLimitPerMinute: getEnvInt("SERVER_RATE_LIMIT_PER_MINUTE", 600),
			RateLimitBurst:     getEnvInt("SERVER_RATE_LIMIT_BURST", 100),
		},
		Database: DatabaseConfig{
			Driver:          getEnvString("DB_DRIVER", "sqlite"),
			Host:            getEnvString("DB_HOST", "localhost"),
			Port:            getEnvInt("DB_PORT", 5432),
			Name:            getEnvString("DB_NAME", "chat"),
			User:            getEnvString("DB_USER", "chat"),
			Password:        getEnvString("DB_PASSWORD", ""),
			SSLMode:         getEnvString("DB_SSL_MODE", "disable"),
			SQLitePath:      getEnvString("DB_SQLITE_PATH", "chat.db"),
			MaxOpenConns:    getEnvInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    getEnvInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: getEnvDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
			MigrateOnStart:  getEnvBool("DB_MIGRATE_ON_START", true),
		},
		Redis: RedisConfig{
			Host:     getEnvString("REDIS_HOST", "localhost"),
			Port:     getEnvInt("REDIS_PORT", 6379),
			Password: getEnvString("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
			PoolSize: getEnvInt("REDIS_POOL_SIZE", 10),
		},
		Storage: StorageConfig{
			Backend:    getEnvString("STORAGE_BACKEND", "badger"),
			BadgerPath: getEnvString("STORAGE_BADGER_PATH", "data/offline"),
			KeyPrefix:  getEnvString("STORAGE_KEY_PREFIX", "chat:"),
		},
		Offline: OfflineConfig{
			CacheTTL:      getEnvDuration("OFFLINE_CACHE_TTL", 24*time.Hour),
			MaxSizeBytes:  getEnvInt64("OFFLINE_MAX_SIZE_BYTES", 50*1024*1024),
			SyncInterval:  getEnvDuration("OFFLINE_SYNC_INTERVAL", 30*time.Second),
			RetryAttempts: getEnvInt("OFFLINE_RETRY_ATTEMPTS", 3),
		},
		Connectivity: ConnectivityConfig{
			ProbeURL:      getEnvString("CONNECTIVITY_PROBE_URL", ""),
			ProbeInterval: getEnvDuration("CONNECTIVITY_PROBE_INTERVAL", 15*time.Second),
			ProbeTimeout:  getEnvDuration("CONNECTIVITY_PROBE_TIMEOUT", 3*time.Second),
		},
		Errors: ErrorsConfig{
			MaxRecords: getEnvInt("ERRORS_MAX_RECORDS", 1000),
			Retention:  getEnvDuration("ERRORS_RETENTION", 24*time.Hour),
			Locale:     getEnvString("ERRORS_LOCALE", "en"),
		},
		Alerts: AlertsConfig{
			Window:            getEnvDuration("ALERTS_WINDOW", 15*time.Minute),
			CriticalThreshold: getEnvInt("ALERTS_CRITICAL_THRESHOLD", 5),
			HighThreshold:     getEnvInt("ALERTS_HIGH_THRESHOLD", 10),
			CategoryThreshold: getEnvInt("ALERTS_CATEGORY_THRESHOLD", 5),
			CheckInterval:     getEnvDuration("ALERTS_CHECK_INTERVAL", time.Minute),
			CleanupInterval:   getEnvDuration("ALERTS_CLEANUP_INTERVAL", 24*time.Hour),
			Retention:         getEnvDuration("ALERTS_RETENTION", 24*time.Hour),
			PurgeUnresolved:   getEnvBool("ALERTS_PURGE_UNRESOLVED", false),
			WebhookURL:        getEnvString("ALERTS_WEBHOOK_URL", ""),
			SlackWebhookURL:   getEnvString("ALERTS_SLACK_WEBHOOK_URL", ""),
			EmailRecipients:   getEnvList("ALERTS_EMAIL_RECIPIENTS", nil),
			DispatchPerSecond: getEnvFloat("ALERTS_DISPATCH_PER_SECOND", 5),
		},
		Completion: CompletionConfig{
			APIKey:    getEnvString("OPENAI_API_KEY", ""),
			BaseURL:   getEnvString("OPENAI_BASE_URL", ""),
			Model:     getEnvString("OPENAI_MODEL", "gpt-4o-mini"),
			MaxTokens: getEnvInt("OPENAI_MAX_TOKENS", 1024),
		},
		Logging: LoggingConfig{
			Level:  getEnvString("LOG_LEVEL", "info"),
			Format: getEnvString("LOG_FORMAT", "json"),
			Output: getEnvString("LOG_OUTPUT", "stdout"),
		},
		Tracing: TracingConfig{
			Enabled:        getEnvBool("TRACING_ENABLED", false),
			JaegerEndpoint: getEnvString("JAEGER_ENDPOINT", "http://localhost:14268/api/traces"),
			SamplingRate:   getEnvFloat("TRACING_SAMPLING_RATE", 1.0),
			Environment:    getEnvString("ENVIRONMENT", "development"),
		},
		Metrics: MetricsConfig{
			Enabled:   getEnvBool("METRICS_ENABLED", true),
			Namespace: getEnvString("METRICS_NAMESPACE", "chat_resilience"),
		},
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return config, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "postgres":
		if c.Database.Password == "" {
			return fmt.Errorf("database password is required for postgres")
		}
	case "sqlite":
		if c.Database.SQLitePath == "" {
			return fmt.Errorf("sqlite path is required")
		}
	default:
		return fmt.Errorf("unsupported database driver: %s", c.Database.Driver)
	}

	switch c.Storage.Backend {
	case "memory", "redis":
	case "badger":
		if c.Storage.BadgerPath == "" {
			return fmt.Errorf("badger path is required")
		}
	default:
		return fmt.Errorf("unsupported storage backend: %s", c.Storage.Backend)
	}

	if c.Server.RateLimitPerMinute < 0 || c.Server.RateLimitBurst < 0 {
		return fmt.Errorf("rate limits must not be negative")
	}
	if c.Offline.RetryAttempts < 1 {
		return fmt.Errorf("offline retry attempts must be at least 1")
	}
	if c.Offline.MaxSizeBytes <= 0 {
		return fmt.Errorf("offline max size must be positive")
	}
	if c.Errors.MaxRecords < 1 {
		return fmt.Errorf("error log max records must be at least 1")
	}
	if c.Alerts.Window <= 0 || c.Alerts.CheckInterval <= 0 {
		return fmt.Errorf("alert window and check interval must be positive")
	}
	if c.Alerts.CriticalThreshold < 1 || c.Alerts.HighThreshold < 1 || c.Alerts.CategoryThreshold < 1 {
		return fmt.Errorf("alert thresholds must be at least 1")
	}

	return nil
}

// DatabaseURL returns the database connection URL for the configured driver
func (c *Config) DatabaseURL() string {
	if c.Database.Driver == "sqlite" {
		return c.Database.SQLitePath
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.Database.User,
		c.Database.Password,
		c.Database.Host,
		c.Database.Port,
		c.Database.Name,
		c.Database.SSLMode,
	)
}

// RedisAddr returns the Redis host:port address
func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

// loadEnvFiles loads the given .env files, or ".env" when none are given.
// Missing files are ignored; existing process variables win.
func loadEnvFiles(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, file := range files {
		if err := godotenv.Load(file); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("failed to load %s: %w", file, err)
		}
	}
	return nil
}

// Helper functions for environment variable parsing
func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
