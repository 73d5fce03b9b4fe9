package config

import (
	"fmt"
	"strings"
	"time"
)

// Config represents the global configuration
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
	Log       LogConfig       `mapstructure:"log"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Tracing   TracingConfig   `mapstructure:"tracing"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Security  SecurityConfig  `mapstructure:"security"`
	Issuance  IssuanceConfig  `mapstructure:"issuance"`
	Outbox    OutboxConfig    `mapstructure:"outbox"`
}

// ServerConfig represents HTTP server configuration
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Mode            string        `mapstructure:"mode"` // debug, release, test
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	NodeID          int64         `mapstructure:"node_id"`
}

// DatabaseConfig represents database configuration
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"` // mysql, sqlite
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Username        string        `mapstructure:"username"`
	Password        string        `mapstructure:"password"`
	DBName          string        `mapstructure:"dbname"`
	Path            string        `mapstructure:"path"` // sqlite file
	Charset         string        `mapstructure:"charset"`
	ParseTime       bool          `mapstructure:"parse_time"`
	Loc             string        `mapstructure:"loc"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
	LogLevel        string        `mapstructure:"log_level"` // silent, error, warn, info
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// RedisConfig represents Redis configuration
type RedisConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
	MaxRetries   int           `mapstructure:"max_retries"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	PoolTimeout  time.Duration `mapstructure:"pool_timeout"`
}

// KafkaConfig represents event log configuration
type KafkaConfig struct {
	Driver       string        `mapstructure:"driver"` // kafka, memory
	Brokers      []string      `mapstructure:"brokers"`
	IssueTopic   string        `mapstructure:"issue_topic"`
	GroupID      string        `mapstructure:"group_id"`
	DLTGroupID   string        `mapstructure:"dlt_group_id"`
	Partitions   int           `mapstructure:"partitions"`
	Concurrency  int           `mapstructure:"concurrency"`
	MaxAttempts  int           `mapstructure:"max_attempts"`
	RetryBackoff time.Duration `mapstructure:"retry_backoff"`
}

// DLTTopic returns the dead-letter topic for issue requests
func (k *KafkaConfig) DLTTopic() string {
	return k.IssueTopic + ".DLT"
}

// LogConfig represents logging configuration
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Output     string `mapstructure:"output"`
	Filename   string `mapstructure:"filename"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxAge     int    `mapstructure:"max_age"`
	MaxBackups int    `mapstructure:"max_backups"`
	Compress   bool   `mapstructure:"compress"`
}

// MetricsConfig represents metrics configuration
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// TracingConfig represents tracing configuration
type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	ServiceName string  `mapstructure:"service_name"`
	Endpoint    string  `mapstructure:"endpoint"`
	SampleRate  float64 `mapstructure:"sample_rate"`
}

// LimitConfig is one rate limit rule
type LimitConfig struct {
	RPS    float64       `mapstructure:"rps"`
	Burst  int           `mapstructure:"burst"`
	Limit  int           `mapstructure:"limit"`
	Window time.Duration `mapstructure:"window"`
}

// RateLimitConfig represents rate limiting configuration
type RateLimitConfig struct {
	Enabled bool        `mapstructure:"enabled"`
	PerIP   LimitConfig `mapstructure:"per_ip"`
	Issue   LimitConfig `mapstructure:"issue"`
}

// SecurityConfig represents security configuration
type SecurityConfig struct {
	JWT struct {
		Secret string        `mapstructure:"secret"`
		Expire time.Duration `mapstructure:"expire"`
		Issuer string        `mapstructure:"issuer"`
	} `mapstructure:"jwt"`
	CORS struct {
		AllowOrigins     []string      `mapstructure:"allow_origins"`
		AllowCredentials bool          `mapstructure:"allow_credentials"`
		MaxAge           time.Duration `mapstructure:"max_age"`
	} `mapstructure:"cors"`
}

// Async issuance modes
const (
	AsyncModeQueue = "queue"
	AsyncModeLog   = "log"
)

// IssuanceConfig represents coupon issuance configuration
type IssuanceConfig struct {
	AsyncMode            string        `mapstructure:"async_mode"`
	LockWait             time.Duration `mapstructure:"lock_wait"`
	LockLease            time.Duration `mapstructure:"lock_lease"`
	WorkerInterval       time.Duration `mapstructure:"worker_interval"`
	RetryBackoff         time.Duration `mapstructure:"retry_backoff"`
	MaxRetry             int           `mapstructure:"max_retry"`
	ProcessTimeout       time.Duration `mapstructure:"process_timeout"`
	StatusTTL            time.Duration `mapstructure:"status_ttl"`
	QueueHealthInterval  time.Duration `mapstructure:"queue_health_interval"`
	QueueHealthThreshold int64         `mapstructure:"queue_health_threshold"`
	SoldOutCacheTTL      time.Duration `mapstructure:"soldout_cache_ttl"`
}

// OutboxConfig represents the event outbox dispatcher configuration
type OutboxConfig struct {
	Interval  time.Duration `mapstructure:"interval"`
	BatchSize int           `mapstructure:"batch_size"`
	Topic     string        `mapstructure:"topic"`
}

// GetAddr returns the server address
func (s *ServerConfig) GetAddr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// GetDSN returns the database DSN
func (d *DatabaseConfig) GetDSN() string {
	if d.Driver == "sqlite" {
		return d.Path
	}
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=%s&parseTime=%t&loc=%s",
		d.Username, d.Password, d.Host, d.Port, d.DBName, d.Charset, d.ParseTime, d.Loc)
}

// GetAddr returns the Redis address
func (r *RedisConfig) GetAddr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	switch c.Database.Driver {
	case "mysql":
		if c.Database.Host == "" || c.Database.Username == "" || c.Database.DBName == "" {
			return fmt.Errorf("database host, username and dbname are required for mysql")
		}
	case "sqlite":
		if c.Database.Path == "" {
			return fmt.Errorf("database path is required for sqlite")
		}
	default:
		return fmt.Errorf("unsupported database driver: %s", c.Database.Driver)
	}

	if c.Redis.Host == "" {
		return fmt.Errorf("redis host is required")
	}

	switch c.Kafka.Driver {
	case "kafka":
		if len(c.Kafka.Brokers) == 0 {
			return fmt.Errorf("kafka brokers are required")
		}
	case "memory":
	default:
		return fmt.Errorf("unsupported kafka driver: %s", c.Kafka.Driver)
	}
	if c.Kafka.Partitions <= 0 || c.Kafka.Concurrency <= 0 {
		return fmt.Errorf("kafka partitions and concurrency must be positive")
	}

	switch c.Issuance.AsyncMode {
	case AsyncModeQueue, AsyncModeLog:
	default:
		return fmt.Errorf("invalid issuance async_mode: %q", c.Issuance.AsyncMode)
	}
	if c.Issuance.LockWait <= 0 || c.Issuance.LockLease <= 0 {
		return fmt.Errorf("issuance lock_wait and lock_lease must be positive")
	}
	if c.Issuance.MaxRetry < 1 {
		return fmt.Errorf("issuance max_retry must be at least 1")
	}

	if c.Security.JWT.Secret == "" {
		return fmt.Errorf("JWT secret is required")
	}

	return nil
}

// SetDefaults sets default values for configuration
func (c *Config) SetDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.Mode == "" {
		c.Server.Mode = "debug"
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 30 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 30 * time.Second
	}
	if c.Server.IdleTimeout == 0 {
		c.Server.IdleTimeout = 60 * time.Second
	}
	if c.Server.RequestTimeout == 0 {
		c.Server.RequestTimeout = 10 * time.Second
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 30 * time.Second
	}

	c.Database.Driver = strings.ToLower(c.Database.Driver)
	if c.Database.Driver == "" {
		c.Database.Driver = "mysql"
	}
	if c.Database.Host == "" {
		c.Database.Host = "localhost"
	}
	if c.Database.Port == 0 {
		c.Database.Port = 3306
	}
	if c.Database.Charset == "" {
		c.Database.Charset = "utf8mb4"
	}
	if c.Database.Loc == "" {
		c.Database.Loc = "Local"
	}
	if c.Database.MaxOpenConns == 0 {
		c.Database.MaxOpenConns = 100
	}
	if c.Database.MaxIdleConns == 0 {
		c.Database.MaxIdleConns = 10
	}
	if c.Database.ConnMaxLifetime == 0 {
		c.Database.ConnMaxLifetime = time.Hour
	}
	if c.Database.ConnMaxIdleTime == 0 {
		c.Database.ConnMaxIdleTime = 10 * time.Minute
	}
	if c.Database.LogLevel == "" {
		c.Database.LogLevel = "warn"
	}

	if c.Redis.Host == "" {
		c.Redis.Host = "localhost"
	}
	if c.Redis.Port == 0 {
		c.Redis.Port = 6379
	}
	if c.Redis.PoolSize == 0 {
		c.Redis.PoolSize = 100
	}
	if c.Redis.MinIdleConns == 0 {
		c.Redis.MinIdleConns = 10
	}
	if c.Redis.MaxRetries == 0 {
		c.Redis.MaxRetries = 3
	}
	if c.Redis.DialTimeout == 0 {
		c.Redis.DialTimeout = 5 * time.Second
	}
	if c.Redis.ReadTimeout == 0 {
		c.Redis.ReadTimeout = 3 * time.Second
	}
	if c.Redis.WriteTimeout == 0 {
		c.Redis.WriteTimeout = 3 * time.Second
	}
	if c.Redis.PoolTimeout == 0 {
		c.Redis.PoolTimeout = 4 * time.Second
	}

	if c.Kafka.Driver == "" {
		c.Kafka.Driver = "kafka"
	}
	if len(c.Kafka.Brokers) == 0 {
		c.Kafka.Brokers = []string{"localhost:9092"}
	}
	if c.Kafka.IssueTopic == "" {
		c.Kafka.IssueTopic = "coupon-issue"
	}
	if c.Kafka.GroupID == "" {
		c.Kafka.GroupID = "coupon-issue-consumer-group"
	}
	if c.Kafka.DLTGroupID == "" {
		c.Kafka.DLTGroupID = "dlt-monitoring-group"
	}
	if c.Kafka.Partitions == 0 {
		c.Kafka.Partitions = 3
	}
	if c.Kafka.Concurrency == 0 {
		c.Kafka.Concurrency = 3
	}
	if c.Kafka.MaxAttempts == 0 {
		c.Kafka.MaxAttempts = 3
	}
	if c.Kafka.RetryBackoff == 0 {
		c.Kafka.RetryBackoff = time.Second
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Log.Output == "" {
		c.Log.Output = "stdout"
	}

	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = "coupon-service"
	}
	if c.Tracing.SampleRate == 0 {
		c.Tracing.SampleRate = 1
	}

	if c.RateLimit.PerIP.RPS == 0 {
		c.RateLimit.PerIP.RPS = 100
	}
	if c.RateLimit.PerIP.Burst == 0 {
		c.RateLimit.PerIP.Burst = 200
	}
	if c.RateLimit.Issue.Limit == 0 {
		c.RateLimit.Issue.Limit = 10
	}
	if c.RateLimit.Issue.Window == 0 {
		c.RateLimit.Issue.Window = time.Second
	}

	if c.Security.JWT.Expire == 0 {
		c.Security.JWT.Expire = 2 * time.Hour
	}
	if c.Security.JWT.Issuer == "" {
		c.Security.JWT.Issuer = "coupon-service"
	}
	if len(c.Security.CORS.AllowOrigins) == 0 {
		c.Security.CORS.AllowOrigins = []string{"*"}
	}
	if c.Security.CORS.MaxAge == 0 {
		c.Security.CORS.MaxAge = 12 * time.Hour
	}

	if c.Issuance.AsyncMode == "" {
		c.Issuance.AsyncMode = AsyncModeQueue
	}
	if c.Issuance.LockWait == 0 {
		c.Issuance.LockWait = 3 * time.Second
	}
	if c.Issuance.LockLease == 0 {
		c.Issuance.LockLease = 5 * time.Second
	}
	if c.Issuance.WorkerInterval == 0 {
		c.Issuance.WorkerInterval = time.Second
	}
	if c.Issuance.RetryBackoff == 0 {
		c.Issuance.RetryBackoff = time.Minute
	}
	if c.Issuance.MaxRetry == 0 {
		c.Issuance.MaxRetry = 3
	}
	if c.Issuance.ProcessTimeout == 0 {
		c.Issuance.ProcessTimeout = 30 * time.Second
	}
	if c.Issuance.StatusTTL == 0 {
		c.Issuance.StatusTTL = 24 * time.Hour
	}
	if c.Issuance.QueueHealthInterval == 0 {
		c.Issuance.QueueHealthInterval = 30 * time.Second
	}
	if c.Issuance.QueueHealthThreshold == 0 {
		c.Issuance.QueueHealthThreshold = 1000
	}
	if c.Issuance.SoldOutCacheTTL == 0 {
		c.Issuance.SoldOutCacheTTL = 10 * time.Minute
	}

	if c.Outbox.Interval == 0 {
		c.Outbox.Interval = time.Second
	}
	if c.Outbox.BatchSize == 0 {
		c.Outbox.BatchSize = 100
	}
	if c.Outbox.Topic == "" {
		c.Outbox.Topic = "coupon-events"
	}
}
