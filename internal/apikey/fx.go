package apikey

import (
	"go.uber.org/fx"

	"github.com/buttermb/delviery-sub007/internal/apikey/repository"
	"github.com/buttermb/delviery-sub007/internal/apikey/service"
)

var Module = fx.Module("apikey.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.New),
)
