package store

import (
	"context"

	"github.com/hemanthHemu33/algoscalper-core/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Module provides the gorm connection and the Store built over it.
var Module = fx.Options(
	fx.Provide(NewDatabaseForFx),
	fx.Provide(New),
	fx.Invoke(registerHooks),
)

// NewDatabaseForFx opens the gorm connection named by cfg.Database and
// registers its shutdown with the fx lifecycle.
func NewDatabaseForFx(lc fx.Lifecycle, cfg *config.EngineConfig, logger *zap.Logger) (*gorm.DB, error) {
	pool := PoolConfig{
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxIdleTime: cfg.Database.ConnMaxIdleTime,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	}
	db, err := Connect(cfg.Database.DSN, pool, logger)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			sqlDB, err := db.DB()
			if err != nil {
				return err
			}
			return sqlDB.Close()
		},
	})
	return db, nil
}

func registerHooks(lc fx.Lifecycle, logger *zap.Logger, st *Store) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return st.EnsureIndexes(ctx)
		},
	})
}
