package main

import (
	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"

	"github.com/buttermb/delviery-sub007/internal/apikey"
	"github.com/buttermb/delviery-sub007/internal/audit"
	"github.com/buttermb/delviery-sub007/internal/clock"
	"github.com/buttermb/delviery-sub007/internal/config"
	"github.com/buttermb/delviery-sub007/internal/credit"
	"github.com/buttermb/delviery-sub007/internal/events"
	"github.com/buttermb/delviery-sub007/internal/observability"
	"github.com/buttermb/delviery-sub007/internal/server"
	"github.com/buttermb/delviery-sub007/pkg/db"
)

// apps/api serves the machine surface only: API-key authenticated
// credit operations and the payment webhook. Schedulers and the
// session UI surface stay in cmd/distro.
func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,

		audit.Module,
		events.Module,
		credit.Module,
		apikey.Module,

		fx.Provide(server.NewEngine),
		fx.Provide(server.NewServer),
		fx.Invoke(func(s *server.Server) {
			s.RegisterAPIRoutes()
		}),
		fx.Invoke(server.RunHTTP),
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
