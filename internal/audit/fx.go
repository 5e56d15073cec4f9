package audit

import (
	"github.com/buttermb/delviery-sub007/internal/audit/repository"
	"github.com/buttermb/delviery-sub007/internal/audit/service"
	"go.uber.org/fx"
)

var Module = fx.Module("audit.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
