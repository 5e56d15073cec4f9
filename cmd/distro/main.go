package main

import (
	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"gorm.io/gorm"

	"github.com/buttermb/delviery-sub007/internal/apikey"
	"github.com/buttermb/delviery-sub007/internal/audit"
	"github.com/buttermb/delviery-sub007/internal/authorization"
	"github.com/buttermb/delviery-sub007/internal/clock"
	"github.com/buttermb/delviery-sub007/internal/config"
	"github.com/buttermb/delviery-sub007/internal/credit"
	"github.com/buttermb/delviery-sub007/internal/customer"
	"github.com/buttermb/delviery-sub007/internal/events"
	"github.com/buttermb/delviery-sub007/internal/identity"
	"github.com/buttermb/delviery-sub007/internal/migration"
	"github.com/buttermb/delviery-sub007/internal/observability"
	"github.com/buttermb/delviery-sub007/internal/scheduler"
	"github.com/buttermb/delviery-sub007/internal/seed"
	"github.com/buttermb/delviery-sub007/internal/server"
	"github.com/buttermb/delviery-sub007/internal/tenant"
	"github.com/buttermb/delviery-sub007/pkg/db"
)

func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,

		fx.Invoke(func(conn *gorm.DB, cfg config.Config) error {
			sqlDB, err := conn.DB()
			if err != nil {
				return err
			}
			if err := migration.RunMigrations(sqlDB); err != nil {
				return err
			}
			if err := seed.EnsureActionCosts(conn); err != nil {
				return err
			}
			if err := seed.EnsureSuperAdmin(conn, cfg.Bootstrap.SuperAdminEmail); err != nil {
				return err
			}
			if !cfg.IsCloud() && cfg.Bootstrap.EnsureDefaultTenantAndOwner {
				return seed.EnsureMainTenantAndOwner(conn)
			}
			return nil
		}),

		audit.Module,
		authorization.Module,
		identity.Module,
		events.Module,
		tenant.Module,
		credit.Module,
		customer.Module,
		apikey.Module,
		scheduler.Module,
		server.Module,
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}
