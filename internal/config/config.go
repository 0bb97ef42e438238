package config

import (
	"flag"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/flowdash-app/flowdash-backend/internal/envutil"
	"github.com/flowdash-app/flowdash-backend/internal/slogging"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Auth      AuthConfig      `yaml:"auth"`
	Quota     QuotaConfig     `yaml:"quota"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Cache     CacheConfig     `yaml:"cache"`
	Upstream  UpstreamConfig  `yaml:"upstream"`
	Secrets   SecretsConfig   `yaml:"secrets"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            string        `yaml:"port" env:"SERVER_PORT"`
	Interface       string        `yaml:"interface" env:"SERVER_INTERFACE"`
	ReadTimeout     time.Duration `yaml:"read_timeout" env:"SERVER_READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"SERVER_WRITE_TIMEOUT"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" env:"SERVER_IDLE_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SERVER_SHUTDOWN_TIMEOUT"`
}

// DatabaseConfig holds record store and key-value store configuration
type DatabaseConfig struct {
	Type        string          `yaml:"type" env:"DATABASE_TYPE"`
	Postgres    PostgresConfig  `yaml:"postgres"`
	MySQL       MySQLConfig     `yaml:"mysql"`
	SQLServer   SQLServerConfig `yaml:"sqlserver"`
	SQLitePath  string          `yaml:"sqlite_path" env:"SQLITE_PATH"`
	AutoMigrate bool            `yaml:"auto_migrate" env:"DATABASE_AUTO_MIGRATE"`
	SeedPlans   bool            `yaml:"seed_plans" env:"DATABASE_SEED_PLANS"`
	Redis       RedisConfig     `yaml:"redis"`
}

// PostgresConfig holds PostgreSQL configuration
type PostgresConfig struct {
	Host     string `yaml:"host" env:"POSTGRES_HOST"`
	Port     string `yaml:"port" env:"POSTGRES_PORT"`
	User     string `yaml:"user" env:"POSTGRES_USER"`
	Password string `yaml:"password" env:"POSTGRES_PASSWORD"` //nolint:gosec // connection password
	Database string `yaml:"database" env:"POSTGRES_DATABASE"`
	SSLMode  string `yaml:"sslmode" env:"POSTGRES_SSL_MODE"`
}

// MySQLConfig holds MySQL configuration
type MySQLConfig struct {
	Host     string `yaml:"host" env:"MYSQL_HOST"`
	Port     string `yaml:"port" env:"MYSQL_PORT"`
	User     string `yaml:"user" env:"MYSQL_USER"`
	Password string `yaml:"password" env:"MYSQL_PASSWORD"` //nolint:gosec // connection password
	Database string `yaml:"database" env:"MYSQL_DATABASE"`
}

// SQLServerConfig holds SQL Server configuration
type SQLServerConfig struct {
	Host     string `yaml:"host" env:"SQLSERVER_HOST"`
	Port     string `yaml:"port" env:"SQLSERVER_PORT"`
	User     string `yaml:"user" env:"SQLSERVER_USER"`
	Password string `yaml:"password" env:"SQLSERVER_PASSWORD"` //nolint:gosec // connection password
	Database string `yaml:"database" env:"SQLSERVER_DATABASE"`
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host                string        `yaml:"host" env:"REDIS_HOST"`
	Port                string        `yaml:"port" env:"REDIS_PORT"`
	Password            string        `yaml:"password" env:"REDIS_PASSWORD"` //nolint:gosec // connection password
	DB                  int           `yaml:"db" env:"REDIS_DB"`
	DialTimeout         time.Duration `yaml:"dial_timeout" env:"REDIS_DIAL_TIMEOUT"`
	OpTimeout           time.Duration `yaml:"op_timeout" env:"REDIS_OP_TIMEOUT"`
	HealthCheckInterval time.Duration `yaml:"health_check_interval" env:"REDIS_HEALTH_CHECK_INTERVAL"`
	PoolSize            int           `yaml:"pool_size" env:"REDIS_POOL_SIZE"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	JWT           JWTConfig `yaml:"jwt"`
	AdminUserIDs  []string  `yaml:"admin_user_ids" env:"AUTH_ADMIN_USER_IDS"`
	WebhookSecret string    `yaml:"webhook_secret" env:"AUTH_WEBHOOK_SECRET"` //nolint:gosec // HMAC secret
}

// JWTConfig holds JWT configuration
type JWTConfig struct {
	Secret            string `yaml:"secret" env:"JWT_SECRET"` //nolint:gosec // HMAC secret
	Issuer            string `yaml:"issuer" env:"JWT_ISSUER"`
	ExpirationSeconds int    `yaml:"expiration_seconds" env:"JWT_EXPIRATION_SECONDS"`
	SigningMethod     string `yaml:"signing_method" env:"JWT_SIGNING_METHOD"`
}

// QuotaConfig holds quota accounting configuration
type QuotaConfig struct {
	LockHold        time.Duration `yaml:"lock_hold" env:"QUOTA_LOCK_HOLD"`
	LockWait        time.Duration `yaml:"lock_wait" env:"QUOTA_LOCK_WAIT"`
	HourlyFraction  float64       `yaml:"hourly_fraction" env:"QUOTA_HOURLY_FRACTION"`
	CatalogCacheTTL time.Duration `yaml:"catalog_cache_ttl" env:"QUOTA_CATALOG_CACHE_TTL"`
}

// RateLimitConfig holds request admission configuration
type RateLimitConfig struct {
	Enabled      bool     `yaml:"enabled" env:"RATE_LIMIT_ENABLED"`
	IPPerMinute  int      `yaml:"ip_per_minute" env:"RATE_LIMIT_IP_PER_MINUTE"`
	IPPerHour    int      `yaml:"ip_per_hour" env:"RATE_LIMIT_IP_PER_HOUR"`
	SkipPaths    []string `yaml:"skip_paths" env:"RATE_LIMIT_SKIP_PATHS"`
	SkipPrefixes []string `yaml:"skip_prefixes" env:"RATE_LIMIT_SKIP_PREFIXES"`
	// SerializeWindows runs each read-compare-increment under a window lock
	SerializeWindows bool `yaml:"serialize_windows" env:"RATE_LIMIT_SERIALIZE_WINDOWS"`
}

// CacheConfig holds response cache configuration
type CacheConfig struct {
	Enabled bool `yaml:"enabled" env:"CACHE_ENABLED"`
}

// UpstreamConfig holds n8n client configuration
type UpstreamConfig struct {
	Timeout       time.Duration `yaml:"timeout" env:"UPSTREAM_TIMEOUT"`
	CredentialKey string        `yaml:"credential_key" env:"UPSTREAM_CREDENTIAL_KEY"` //nolint:gosec // hex AES-256 key
	// PerInstanceRPS of 0 disables outbound shaping
	PerInstanceRPS   float64 `yaml:"per_instance_rps" env:"UPSTREAM_PER_INSTANCE_RPS"`
	PerInstanceBurst int     `yaml:"per_instance_burst" env:"UPSTREAM_PER_INSTANCE_BURST"`
}

// SecretsConfig selects where secrets are read from
type SecretsConfig struct {
	Provider      string `yaml:"provider" env:"SECRETS_PROVIDER"`
	AWSRegion     string `yaml:"aws_region" env:"SECRETS_AWS_REGION"`
	AWSSecretName string `yaml:"aws_secret_name" env:"SECRETS_AWS_SECRET_NAME"`
}

// TelemetryConfig toggles OpenTelemetry; exporter details come from OTEL_* variables
type TelemetryConfig struct {
	Enabled        bool   `yaml:"enabled" env:"TELEMETRY_ENABLED"`
	TracingEnabled bool   `yaml:"tracing_enabled" env:"TELEMETRY_TRACING_ENABLED"`
	MetricsEnabled bool   `yaml:"metrics_enabled" env:"TELEMETRY_METRICS_ENABLED"`
	ServiceName    string `yaml:"service_name" env:"TELEMETRY_SERVICE_NAME"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level            string `yaml:"level" env:"LOGGING_LEVEL"`
	IsDev            bool   `yaml:"is_dev" env:"LOGGING_IS_DEV"`
	IsTest           bool   `yaml:"is_test" env:"LOGGING_IS_TEST"`
	LogDir           string `yaml:"log_dir" env:"LOGGING_LOG_DIR"`
	MaxAgeDays       int    `yaml:"max_age_days" env:"LOGGING_MAX_AGE_DAYS"`
	MaxSizeMB        int    `yaml:"max_size_mb" env:"LOGGING_MAX_SIZE_MB"`
	MaxBackups       int    `yaml:"max_backups" env:"LOGGING_MAX_BACKUPS"`
	AlsoLogToConsole bool   `yaml:"also_log_to_console" env:"LOGGING_ALSO_LOG_TO_CONSOLE"`
}

// Load loads configuration from YAML file with environment variable overrides
func Load(configFile string) (*Config, error) {
	config := getDefaultConfig()

	if configFile != "" {
		if err := loadFromYAML(config, configFile); err != nil {
			return nil, fmt.Errorf("failed to load config from YAML: %w", err)
		}
	}

	if err := overrideWithEnv(config); err != nil {
		return nil, fmt.Errorf("failed to override with environment variables: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return config, nil
}

// LoadDotEnv loads variables from the given .env files (default ".env") into
// the process environment. Variables already set are kept. Missing files are
// not an error.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if _, err := os.Stat(f); err != nil {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return fmt.Errorf("failed to load %s: %w", f, err)
		}
	}
	return nil
}

// getDefaultConfig returns a configuration with default values
func getDefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            "8080",
			Interface:       "0.0.0.0",
			ReadTimeout:     5 * time.Second,
			WriteTimeout:    30 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Database: DatabaseConfig{
			Type: "postgres",
			Postgres: PostgresConfig{
				Host:     "localhost",
				Port:     "5432",
				User:     "postgres",
				Database: "flowdash",
				SSLMode:  "disable",
			},
			AutoMigrate: true,
			SeedPlans:   true,
			Redis: RedisConfig{
				Host:                "localhost",
				Port:                "6379",
				DialTimeout:         2 * time.Second,
				OpTimeout:           time.Second,
				HealthCheckInterval: 5 * time.Second,
				PoolSize:            10,
			},
		},
		Auth: AuthConfig{
			JWT: JWTConfig{
				Issuer:            "flowdash",
				ExpirationSeconds: 3600,
				SigningMethod:     "HS256",
			},
		},
		Quota: QuotaConfig{
			LockHold:        10 * time.Second,
			LockWait:        5 * time.Second,
			HourlyFraction:  0.25,
			CatalogCacheTTL: 5 * time.Minute,
		},
		RateLimit: RateLimitConfig{
			Enabled:      true,
			IPPerMinute:  30,
			IPPerHour:    500,
			SkipPaths:    []string{"/health", "/docs", "/openapi.json", "/redoc", "/metrics"},
			SkipPrefixes: []string{"/api/v1/webhooks"},
		},
		Cache: CacheConfig{
			Enabled: true,
		},
		Upstream: UpstreamConfig{
			Timeout:          15 * time.Second,
			PerInstanceRPS:   5,
			PerInstanceBurst: 10,
		},
		Secrets: SecretsConfig{
			Provider: "env",
		},
		Telemetry: TelemetryConfig{
			Enabled:        false,
			TracingEnabled: true,
			MetricsEnabled: true,
			ServiceName:    "flowdash-backend",
		},
		Logging: LoggingConfig{
			Level:            "info",
			IsDev:            true,
			LogDir:           "logs",
			MaxAgeDays:       7,
			MaxSizeMB:        100,
			MaxBackups:       10,
			AlsoLogToConsole: true,
		},
	}
}

// loadFromYAML loads configuration from a YAML file
func loadFromYAML(config *Config, filename string) error {
	data, err := os.ReadFile(filename) // #nosec G304
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", filename, err)
	}

	if err := yaml.Unmarshal(data, config); err != nil {
		return fmt.Errorf("failed to parse YAML config: %w", err)
	}

	return nil
}

// overrideWithEnv overrides configuration values with environment variables
func overrideWithEnv(config *Config) error {
	return overrideStructWithEnv(reflect.ValueOf(config).Elem())
}

// overrideStructWithEnv walks nested structs and applies every `env` tag that is set
func overrideStructWithEnv(v reflect.Value) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		if !field.CanSet() {
			continue
		}

		if field.Kind() == reflect.Struct && field.Type() != reflect.TypeOf(time.Duration(0)) {
			if err := overrideStructWithEnv(field); err != nil {
				return err
			}
			continue
		}

		envTag := fieldType.Tag.Get("env")
		if envTag == "" {
			continue
		}

		envValue := envutil.Get(envTag, "")
		if envValue == "" {
			continue
		}

		if err := setFieldFromString(field, envValue); err != nil {
			return fmt.Errorf("failed to set field %s from env %s: %w", fieldType.Name, envTag, err)
		}
	}

	return nil
}

// setFieldFromString sets a struct field value from a string based on the field type
func setFieldFromString(field reflect.Value, value string) error {
	switch field.Kind() {
	case reflect.String:
		field.SetString(value)
	case reflect.Bool:
		boolVal, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid bool value: %s", value)
		}
		field.SetBool(boolVal)
	case reflect.Int:
		intVal, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid int value: %s", value)
		}
		field.SetInt(int64(intVal))
	case reflect.Int64:
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			duration, err := time.ParseDuration(value)
			if err != nil {
				return fmt.Errorf("invalid duration value: %s", value)
			}
			field.SetInt(int64(duration))
			return nil
		}
		intVal, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid int64 value: %s", value)
		}
		field.SetInt(intVal)
	case reflect.Float64:
		floatVal, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Errorf("invalid float value: %s", value)
		}
		field.SetFloat(floatVal)
	case reflect.Slice:
		if field.Type().Elem().Kind() != reflect.String {
			return fmt.Errorf("unsupported slice type: %s", field.Type().Elem().Kind())
		}
		parts := strings.Split(value, ",")
		slice := make([]string, 0, len(parts))
		for _, part := range parts {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				slice = append(slice, trimmed)
			}
		}
		field.Set(reflect.ValueOf(slice))
	default:
		return fmt.Errorf("unsupported field type: %s", field.Kind())
	}
	return nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}

	switch c.Database.Type {
	case "postgres":
		if c.Database.Postgres.Host == "" || c.Database.Postgres.Port == "" {
			return fmt.Errorf("postgres host and port are required")
		}
		if c.Database.Postgres.User == "" || c.Database.Postgres.Database == "" {
			return fmt.Errorf("postgres user and database are required")
		}
	case "mysql":
		if c.Database.MySQL.Host == "" || c.Database.MySQL.Database == "" {
			return fmt.Errorf("mysql host and database are required")
		}
	case "sqlserver":
		if c.Database.SQLServer.Host == "" || c.Database.SQLServer.Database == "" {
			return fmt.Errorf("sqlserver host and database are required")
		}
	case "sqlite":
		if c.Database.SQLitePath == "" {
			return fmt.Errorf("sqlite path is required")
		}
	default:
		return fmt.Errorf("unsupported database type: %q", c.Database.Type)
	}

	if c.Database.Redis.Host == "" {
		return fmt.Errorf("redis host is required")
	}
	if c.Database.Redis.Port == "" {
		return fmt.Errorf("redis port is required")
	}

	if c.Auth.JWT.SigningMethod != "HS256" {
		return fmt.Errorf("unsupported jwt signing method: %s", c.Auth.JWT.SigningMethod)
	}

	if c.Quota.LockHold <= 0 {
		return fmt.Errorf("quota lock hold must be greater than 0")
	}
	if c.Quota.LockWait < 0 {
		return fmt.Errorf("quota lock wait cannot be negative")
	}
	if c.Quota.HourlyFraction <= 0 || c.Quota.HourlyFraction > 1 {
		return fmt.Errorf("quota hourly fraction must be in (0, 1], got %v", c.Quota.HourlyFraction)
	}

	if !validCap(c.RateLimit.IPPerMinute) || !validCap(c.RateLimit.IPPerHour) {
		return fmt.Errorf("ip rate limits must be positive or -1 for unlimited")
	}

	switch c.Secrets.Provider {
	case "env", "":
	case "aws":
		if c.Secrets.AWSSecretName == "" {
			return fmt.Errorf("aws secret name is required for the aws secrets provider")
		}
	default:
		return fmt.Errorf("unsupported secrets provider: %q", c.Secrets.Provider)
	}

	return nil
}

func validCap(n int) bool {
	return n > 0 || n == -1
}

// IsTestMode returns true if running in test mode
func (c *Config) IsTestMode() bool {
	return c.Logging.IsTest || isRunningInTest()
}

// isRunningInTest detects if we're running under 'go test'
func isRunningInTest() bool {
	return flag.Lookup("test.v") != nil
}

// GetLogLevel returns the parsed log level
func (c *Config) GetLogLevel() slogging.LogLevel {
	return slogging.ParseLogLevel(c.Logging.Level)
}

// RedisAddr returns host:port for the Redis connection
func (c *Config) RedisAddr() string {
	return c.Database.Redis.Host + ":" + c.Database.Redis.Port
}

// ListenAddr returns interface:port for the HTTP server
func (c *Config) ListenAddr() string {
	return c.Server.Interface + ":" + c.Server.Port
}

// GetJWTDuration returns the JWT expiration duration
func (c *Config) GetJWTDuration() time.Duration {
	return time.Duration(c.Auth.JWT.ExpirationSeconds) * time.Second
}

// IsAdmin reports whether userID is configured as an administrator
func (c *Config) IsAdmin(userID string) bool {
	for _, id := range c.Auth.AdminUserIDs {
		if id == userID {
			return true
		}
	}
	return false
}
