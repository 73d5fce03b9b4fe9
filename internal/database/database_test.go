package database

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm/logger"

	"coupon/internal/config"
)

func TestInit_SQLite(t *testing.T) {
	original := DB
	defer func() { DB = original }()

	cfg := &config.Config{}
	cfg.Database.Driver = "sqlite"
	cfg.Database.Path = filepath.Join(t.TempDir(), "coupon.db")
	cfg.Database.AutoMigrate = true
	cfg.Database.LogLevel = "silent"

	require.NoError(t, Init(cfg))
	defer Close()

	assert.NoError(t, Health(context.Background()))
	for _, table := range []string{"coupons", "user_coupons", "outbox_events"} {
		assert.True(t, DB.Migrator().HasTable(table), table)
	}
	assert.True(t, DB.Migrator().HasIndex("user_coupons", "uk_user_coupon"))
}

func TestHealth_NotInitialized(t *testing.T) {
	original := DB
	defer func() { DB = original }()

	DB = nil
	assert.Error(t, Health(context.Background()))
}

func TestGetLogLevel(t *testing.T) {
	assert.Equal(t, logger.Silent, getLogLevel("silent"))
	assert.Equal(t, logger.Error, getLogLevel("error"))
	assert.Equal(t, logger.Info, getLogLevel("info"))
	assert.Equal(t, logger.Warn, getLogLevel("warn"))
	assert.Equal(t, logger.Warn, getLogLevel(""))
}
