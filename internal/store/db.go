package store

import (
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	gormlogger "gorm.io/gorm/logger"

	"gorm.io/gorm"
)

// PoolConfig bounds the underlying sql.DB connection pool — the handful
// of knobs gorm exposes directly, since this engine drives the pool
// through gorm rather than through a hand-rolled sql.Conn checkout.
type PoolConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxIdleTime time.Duration
	ConnMaxLifetime time.Duration
}

// DefaultPoolConfig returns conservative defaults for a single-process
// trade core.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxIdleTime: 5 * time.Minute,
		ConnMaxLifetime: time.Hour,
	}
}

// Connect opens a postgres connection at dsn and applies pool, returning a
// ready-to-use gorm.DB. An empty dsn opens an in-memory sqlite database
// instead, for local dry runs without a postgres instance.
func Connect(dsn string, pool PoolConfig, logger *zap.Logger) (*gorm.DB, error) {
	gormCfg := &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Warn)}

	var db *gorm.DB
	var err error
	if dsn == "" {
		db, err = gorm.Open(sqlite.Open("file::memory:?cache=shared"), gormCfg)
	} else {
		db, err = gorm.Open(postgres.Open(dsn), gormCfg)
	}
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("unwrap sql.DB: %w", err)
	}
	sqlDB.SetMaxOpenConns(pool.MaxOpenConns)
	sqlDB.SetMaxIdleConns(pool.MaxIdleConns)
	sqlDB.SetConnMaxIdleTime(pool.ConnMaxIdleTime)
	sqlDB.SetConnMaxLifetime(pool.ConnMaxLifetime)

	logger.Info("database connection established", zap.Bool("sqlite_memory", dsn == ""))
	return db, nil
}
