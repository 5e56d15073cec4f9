package db

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/buttermb/delviery-sub007/internal/config"
)

type Params struct {
	fx.In

	Config config.Config
	Log    *zap.Logger
}

// New opens the postgres connection pool. TranslateError is on so unique
// violations surface as gorm.ErrDuplicatedKey regardless of driver.
func New(lc fx.Lifecycle, p Params) (*gorm.DB, error) {
	log := p.Log.Named("db")

	conn, err := gorm.Open(postgres.Open(p.Config.Database.DSN()), &gorm.Config{
		TranslateError: true,
		Logger:         gormlogger.Default.LogMode(logLevel(p.Config.Database.LogLevel)),
		NowFunc:        func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	sqlDB, err := conn.DB()
	if err != nil {
		return nil, fmt.Errorf("access connection pool: %w", err)
	}
	sqlDB.SetMaxIdleConns(p.Config.Database.MaxIdleConns)
	sqlDB.SetMaxOpenConns(p.Config.Database.MaxOpenConns)
	sqlDB.SetConnMaxLifetime(p.Config.Database.ConnMaxLifetime)

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := sqlDB.PingContext(ctx); err != nil {
				return fmt.Errorf("ping database: %w", err)
			}
			log.Info("database connected",
				zap.String("host", p.Config.Database.Host),
				zap.String("name", p.Config.Database.Name),
			)
			return nil
		},
		OnStop: func(ctx context.Context) error {
			log.Info("closing database connection")
			return sqlDB.Close()
		},
	})

	return conn, nil
}

func logLevel(level string) gormlogger.LogLevel {
	switch level {
	case "silent":
		return gormlogger.Silent
	case "info":
		return gormlogger.Info
	case "error":
		return gormlogger.Error
	default:
		return gormlogger.Warn
	}
}

var Module = fx.Module("db",
	fx.Provide(New),
)
