package tenant

import (
	"go.uber.org/fx"

	"github.com/buttermb/delviery-sub007/internal/tenant/service"
)

var Module = fx.Module("tenant.service",
	fx.Provide(service.NewService),
)
