// Package testutil builds real backing stores for package tests.
package testutil

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"coupon/internal/database"
	"coupon/internal/model"
)

// NewSQLiteDB returns a migrated file-backed sqlite database. A single
// connection serialises transactions the way row locks would on MySQL.
func NewSQLiteDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "coupon.db")), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	require.NoError(t, database.AutoMigrate(db))
	return db
}

// NewPooledSQLiteDB returns a migrated sqlite database in WAL mode with up to
// conns connections. Transactions begin IMMEDIATE and wait on busy_timeout, so
// writers queue on the database lock while reads run on their own connections.
func NewPooledSQLiteDB(t *testing.T, conns int) *gorm.DB {
	t.Helper()

	dsn := filepath.Join(t.TempDir(), "coupon.db") + "?_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(conns)
	sqlDB.SetMaxIdleConns(conns)
	t.Cleanup(func() { sqlDB.Close() })

	require.NoError(t, database.AutoMigrate(db))
	return db
}

// NewRedis returns a miniredis server and a client connected to it
func NewRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()

	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { client.Close() })
	return s, client
}

// SeedCoupon inserts a coupon with the given capacity expiring at expiredAt
func SeedCoupon(t *testing.T, db *gorm.DB, total, issued int, expiredAt time.Time) *model.Coupon {
	t.Helper()

	now := expiredAt.Add(-24 * time.Hour)
	c := &model.Coupon{
		Name:           "Welcome 10",
		DiscountType:   model.DiscountTypeFixed,
		DiscountValue:  1000,
		TotalQuantity:  total,
		IssuedQuantity: issued,
		ExpiredAt:      expiredAt,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	require.NoError(t, db.Create(c).Error)
	return c
}
