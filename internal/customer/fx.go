package customer

import (
	"go.uber.org/fx"

	"github.com/buttermb/delviery-sub007/internal/customer/service"
)

var Module = fx.Module("customer.service",
	fx.Provide(service.NewService),
)
