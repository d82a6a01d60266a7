package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. AMU_DATABASE_HOST.
const EnvPrefix = "AMU"

// Config represents the application configuration
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Compliance ComplianceConfig `mapstructure:"compliance"`
	Alerts     AlertsConfig     `mapstructure:"alerts"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// ServerConfig contains the operational HTTP listener settings
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	MetricsPort     int           `mapstructure:"metrics_port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DatabaseConfig contains database connection settings
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Database        string        `mapstructure:"database"`
	Username        string        `mapstructure:"username"`
	Password        string        `mapstructure:"password"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
	LogQueries      bool          `mapstructure:"log_queries"`
}

// RedisConfig contains Redis settings for distributed locks and alert fan-out
type RedisConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	Host          string        `mapstructure:"host"`
	Port          int           `mapstructure:"port"`
	Password      string        `mapstructure:"password"`
	Database      int           `mapstructure:"database"`
	PoolSize      int           `mapstructure:"pool_size"`
	LockPrefix    string        `mapstructure:"lock_prefix"`
	LockTTL       time.Duration `mapstructure:"lock_ttl"`
	LockRetry     time.Duration `mapstructure:"lock_retry"`
	LockWaitLimit time.Duration `mapstructure:"lock_wait_limit"`
}

// ComplianceConfig contains rule engine and traceability tuning
type ComplianceConfig struct {
	ExcessiveUseWindowDays int           `mapstructure:"excessive_use_window_days"`
	ExcessiveUseThreshold  int           `mapstructure:"excessive_use_threshold"`
	MaxAppendRetries       int           `mapstructure:"max_append_retries"`
	ReferenceCacheSize     int           `mapstructure:"reference_cache_size"`
	ReferenceCacheTTL      time.Duration `mapstructure:"reference_cache_ttl"`
	SeedReferenceData      bool          `mapstructure:"seed_reference_data"`
}

// AlertsConfig controls downstream alert publication
type AlertsConfig struct {
	StreamName   string `mapstructure:"stream_name"`
	StreamMaxLen int64  `mapstructure:"stream_max_len"`
}

// SchedulerConfig contains cron specs for background sweeps
type SchedulerConfig struct {
	Enabled              bool          `mapstructure:"enabled"`
	WithdrawalExpirySpec string        `mapstructure:"withdrawal_expiry_spec"`
	ChainAuditSpec       string        `mapstructure:"chain_audit_spec"`
	ChainAuditLookback   time.Duration `mapstructure:"chain_audit_lookback"`
}

// LoggingConfig contains logger settings
type LoggingConfig struct {
	Level       string `mapstructure:"level"`
	Format      string `mapstructure:"format"`
	ServiceName string `mapstructure:"service_name"`
}

// LoadConfig loads configuration from an optional file and environment variables
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// setDefaults sets default configuration values. Every key is registered
// here so AutomaticEnv can resolve it during Unmarshal.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.metrics_port", 9102)
	v.SetDefault("server.shutdown_timeout", "15s")

	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.database", "amu_tracking")
	v.SetDefault("database.username", "postgres")
	v.SetDefault("database.password", "")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.auto_migrate", true)
	v.SetDefault("database.log_queries", false)

	// Redis defaults
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.database", 0)
	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("redis.lock_prefix", "amu:lock:livestock:")
	v.SetDefault("redis.lock_ttl", "10s")
	v.SetDefault("redis.lock_retry", "25ms")
	v.SetDefault("redis.lock_wait_limit", "5s")

	// Compliance defaults
	v.SetDefault("compliance.excessive_use_window_days", 30)
	v.SetDefault("compliance.excessive_use_threshold", 3)
	v.SetDefault("compliance.max_append_retries", 3)
	v.SetDefault("compliance.reference_cache_size", 512)
	v.SetDefault("compliance.reference_cache_ttl", "1h")
	v.SetDefault("compliance.seed_reference_data", true)

	// Alert defaults
	v.SetDefault("alerts.stream_name", "amu:alerts")
	v.SetDefault("alerts.stream_max_len", 10000)

	// Scheduler defaults
	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.withdrawal_expiry_spec", "0 15 0 * * *")
	v.SetDefault("scheduler.chain_audit_spec", "0 0 */6 * * *")
	v.SetDefault("scheduler.chain_audit_lookback", "24h")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.service_name", "compliance-engine")
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.MetricsPort <= 0 || c.Server.MetricsPort > 65535 {
		return fmt.Errorf("invalid metrics port: %d", c.Server.MetricsPort)
	}

	if c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}

	if c.Database.Database == "" {
		return fmt.Errorf("database name is required")
	}

	if c.Compliance.ExcessiveUseWindowDays <= 0 {
		return fmt.Errorf("excessive use window must be positive: %d", c.Compliance.ExcessiveUseWindowDays)
	}

	if c.Compliance.ExcessiveUseThreshold <= 0 {
		return fmt.Errorf("excessive use threshold must be positive: %d", c.Compliance.ExcessiveUseThreshold)
	}

	if c.Compliance.MaxAppendRetries < 1 {
		return fmt.Errorf("max append retries must be at least 1: %d", c.Compliance.MaxAppendRetries)
	}

	if c.Redis.Enabled && c.Redis.LockTTL <= 0 {
		return fmt.Errorf("redis lock ttl must be positive")
	}

	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("unsupported log format: %s", c.Logging.Format)
	}

	return nil
}

// GetDatabaseDSN returns the database connection string
func (c *Config) GetDatabaseDSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Database.Host,
		c.Database.Port,
		c.Database.Username,
		c.Database.Password,
		c.Database.Database,
		c.Database.SSLMode,
	)
}

// GetRedisAddr returns the Redis connection address
func (c *Config) GetRedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}
