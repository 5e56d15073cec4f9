package observability

import (
	"go.uber.org/fx"

	"github.com/buttermb/delviery-sub007/internal/config"
	"github.com/buttermb/delviery-sub007/internal/observability/logger"
	"github.com/buttermb/delviery-sub007/internal/observability/metrics"
	"github.com/buttermb/delviery-sub007/internal/observability/tracing"
)

// Version is stamped at build time via -ldflags.
var Version = "dev"

// Module wires the logger, tracer provider, and metric collectors.
var Module = fx.Module("observability",
	logger.Module,
	fx.Provide(
		func(cfg config.Config) tracing.Config {
			return tracing.Config{
				Enabled:          cfg.Tracing.Enabled,
				ServiceName:      cfg.ServiceName,
				ServiceVersion:   Version,
				Environment:      cfg.Environment,
				ExporterEndpoint: cfg.Tracing.Endpoint,
				ExporterProtocol: cfg.Tracing.Protocol,
				Insecure:         cfg.Tracing.Insecure,
				SamplingRatio:    cfg.Tracing.SampleRatio,
			}
		},
		tracing.NewProvider,
		func(cfg config.Config) metrics.Config {
			return metrics.Config{ServiceName: cfg.ServiceName, Environment: cfg.Environment}
		},
		func(cfg metrics.Config) *metrics.HTTPMetrics {
			return metrics.HTTP(cfg)
		},
		func(cfg metrics.Config) *metrics.CreditMetrics {
			return metrics.CreditWithConfig(cfg)
		},
	),
)
