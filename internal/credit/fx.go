package credit

import (
	"go.uber.org/fx"

	"github.com/buttermb/delviery-sub007/internal/config"
	creditdomain "github.com/buttermb/delviery-sub007/internal/credit/domain"
	"github.com/buttermb/delviery-sub007/internal/credit/service"
)

var Module = fx.Module("credit.service",
	fx.Provide(provideConfig),
	fx.Provide(provideAbuseConfig),
	fx.Provide(service.NewService),
)

func provideConfig(cfg config.Config) creditdomain.Config {
	return creditdomain.Config{
		FreeGrantAmount: cfg.Credit.FreeGrantAmount,
		MaxGrantAmount:  cfg.Credit.MaxGrantAmount,
		GrantCooldown:   cfg.Credit.GrantCooldown,
		LowBalanceFloor: cfg.Credit.LowBalanceFloor,
		UnmeteredPlan:   cfg.Credit.UnmeteredPlanKey,
	}
}

func provideAbuseConfig(cfg config.Config) creditdomain.AbuseConfig {
	return creditdomain.AbuseConfig{
		BurstThreshold:  cfg.Abuse.BurstThreshold,
		BurstWindow:     cfg.Abuse.BurstWindow,
		RepeatThreshold: cfg.Abuse.RepeatThreshold,
		RepeatWindow:    cfg.Abuse.RepeatWindow,
	}
}
