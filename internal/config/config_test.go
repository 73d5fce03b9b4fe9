package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const baseYAML = `
server:
  port: 9090
database:
  driver: mysql
  host: db.internal
  username: coupon
  password: secret
  dbname: coupon
redis:
  host: redis.internal
kafka:
  driver: memory
security:
  jwt:
    secret: test-secret
issuance:
  async_mode: log
  max_retry: 5
`

func writeConfig(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadConfig(t *testing.T) {
	t.Run("file values and defaults", func(t *testing.T) {
		path := writeConfig(t, t.TempDir(), "config.yaml", baseYAML)

		cfg, err := LoadConfig(path)
		require.NoError(t, err)

		assert.Equal(t, 9090, cfg.Server.Port)
		assert.Equal(t, "db.internal", cfg.Database.Host)
		assert.Equal(t, AsyncModeLog, cfg.Issuance.AsyncMode)
		assert.Equal(t, 5, cfg.Issuance.MaxRetry)

		assert.Equal(t, 3*time.Second, cfg.Issuance.LockWait)
		assert.Equal(t, 5*time.Second, cfg.Issuance.LockLease)
		assert.Equal(t, time.Minute, cfg.Issuance.RetryBackoff)
		assert.Equal(t, 24*time.Hour, cfg.Issuance.StatusTTL)
		assert.Equal(t, int64(1000), cfg.Issuance.QueueHealthThreshold)
		assert.Equal(t, "coupon-issue", cfg.Kafka.IssueTopic)
		assert.Equal(t, "coupon-issue.DLT", cfg.Kafka.DLTTopic())
		assert.Equal(t, 3, cfg.Kafka.Partitions)
		assert.Equal(t, "coupon-events", cfg.Outbox.Topic)
		assert.Same(t, cfg, GetConfig())
	})

	t.Run("environment file is merged", func(t *testing.T) {
		dir := t.TempDir()
		path := writeConfig(t, dir, "config.yaml", baseYAML)
		writeConfig(t, dir, "config.staging.yaml", "issuance:\n  lock_wait: 1s\n")
		t.Setenv("COUPON_ENV", "staging")

		cfg, err := LoadConfig(path)
		require.NoError(t, err)
		assert.Equal(t, time.Second, cfg.Issuance.LockWait)
		assert.Equal(t, 5, cfg.Issuance.MaxRetry)
	})

	t.Run("environment variables override", func(t *testing.T) {
		path := writeConfig(t, t.TempDir(), "config.yaml", baseYAML)
		t.Setenv("COUPON_ISSUANCE_ASYNC_MODE", "queue")
		t.Setenv("COUPON_OUTBOX_BATCH_SIZE", "25")
		t.Setenv("COUPON_KAFKA_BROKERS", "k1:9092,k2:9092")

		cfg, err := LoadConfig(path)
		require.NoError(t, err)
		assert.Equal(t, AsyncModeQueue, cfg.Issuance.AsyncMode)
		assert.Equal(t, 25, cfg.Outbox.BatchSize)
		assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	})

	t.Run("invalid file is rejected", func(t *testing.T) {
		path := writeConfig(t, t.TempDir(), "config.yaml", baseYAML+"\nissuance:\n  async_mode: carrier-pigeon\n")
		_, err := LoadConfig(path)
		assert.Error(t, err)
	})
}

func TestConfig_Validate(t *testing.T) {
	valid := func() *Config {
		cfg := &Config{}
		cfg.Database.Username = "coupon"
		cfg.Database.DBName = "coupon"
		cfg.Security.JWT.Secret = "s"
		cfg.SetDefaults()
		return cfg
	}

	require.NoError(t, valid().Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad port", func(c *Config) { c.Server.Port = 70000 }},
		{"unknown database driver", func(c *Config) { c.Database.Driver = "oracle" }},
		{"sqlite without path", func(c *Config) { c.Database.Driver = "sqlite" }},
		{"kafka without brokers", func(c *Config) { c.Kafka.Brokers = nil }},
		{"unknown async mode", func(c *Config) { c.Issuance.AsyncMode = "both" }},
		{"negative lock wait", func(c *Config) { c.Issuance.LockWait = -1 }},
		{"missing jwt secret", func(c *Config) { c.Security.JWT.Secret = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestGetDSN(t *testing.T) {
	d := DatabaseConfig{
		Driver:    "mysql",
		Host:      "db",
		Port:      3306,
		Username:  "u",
		Password:  "p",
		DBName:    "coupon",
		Charset:   "utf8mb4",
		ParseTime: true,
		Loc:       "Local",
	}
	assert.Equal(t, "u:p@tcp(db:3306)/coupon?charset=utf8mb4&parseTime=true&loc=Local", d.GetDSN())

	s := DatabaseConfig{Driver: "sqlite", Path: "coupon.db"}
	assert.Equal(t, "coupon.db", s.GetDSN())
}
