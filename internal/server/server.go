package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	apikeydomain "github.com/buttermb/delviery-sub007/internal/apikey/domain"
	auditdomain "github.com/buttermb/delviery-sub007/internal/audit/domain"
	"github.com/buttermb/delviery-sub007/internal/authorization"
	"github.com/buttermb/delviery-sub007/internal/config"
	creditdomain "github.com/buttermb/delviery-sub007/internal/credit/domain"
	customerdomain "github.com/buttermb/delviery-sub007/internal/customer/domain"
	"github.com/buttermb/delviery-sub007/internal/identity"
	"github.com/buttermb/delviery-sub007/internal/observability/logger"
	"github.com/buttermb/delviery-sub007/internal/observability/metrics"
	tenantdomain "github.com/buttermb/delviery-sub007/internal/tenant/domain"
)

// Server holds the HTTP surface's dependencies. Handlers live in
// sibling files, one file per resource.
type Server struct {
	cfg         config.Config
	db          *gorm.DB
	log         *zap.Logger
	resolver    identity.Resolver
	authzSvc    authorization.Service
	tenantSvc   tenantdomain.Service
	creditSvc   creditdomain.Service
	customerSvc customerdomain.Service
	apikeySvc   apikeydomain.Service
	auditSvc    auditdomain.Service
	engine      *gin.Engine
	limiter     *rateLimiter
}

type ServerParam struct {
	fx.In

	Cfg         config.Config
	DB          *gorm.DB
	Log         *zap.Logger
	Engine      *gin.Engine
	Resolver    identity.Resolver      `optional:"true"`
	AuthzSvc    authorization.Service  `optional:"true"`
	TenantSvc   tenantdomain.Service   `optional:"true"`
	CreditSvc   creditdomain.Service   `optional:"true"`
	CustomerSvc customerdomain.Service `optional:"true"`
	APIKeySvc   apikeydomain.Service   `optional:"true"`
	AuditSvc    auditdomain.Service    `optional:"true"`
}

func NewServer(p ServerParam) *Server {
	return &Server{
		cfg:         p.Cfg,
		db:          p.DB,
		log:         p.Log.Named("server"),
		resolver:    p.Resolver,
		authzSvc:    p.AuthzSvc,
		tenantSvc:   p.TenantSvc,
		creditSvc:   p.CreditSvc,
		customerSvc: p.CustomerSvc,
		apikeySvc:   p.APIKeySvc,
		auditSvc:    p.AuditSvc,
		engine:      p.Engine,
		limiter:     newRateLimiter(p.Cfg.RateLimit.Requests, p.Cfg.RateLimit.Window),
	}
}

// NewEngine builds the gin engine with the shared middleware chain.
// Route registration happens separately so the two binaries can mount
// different surfaces on the same chain.
func NewEngine(cfg config.Config, httpMetrics *metrics.HTTPMetrics) *gin.Engine {
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(logger.GinMiddleware(logger.MiddlewareConfig{
		SkipPaths: []string{"/healthz", "/metrics"},
	}))
	engine.Use(otelgin.Middleware(cfg.ServiceName))
	engine.Use(metrics.GinMiddleware(httpMetrics))
	return engine
}

// RegisterRoutes mounts the session-authenticated surface served by
// cmd/distro.
func (s *Server) RegisterRoutes() {
	s.engine.GET("/healthz", s.Healthz)
	s.engine.GET("/metrics", metrics.Handler())

	s.engine.POST("/webhooks/payments/:provider", s.APIKeyRequired(), s.PaymentWebhook)

	api := s.engine.Group("/api")
	api.Use(s.SessionRequired())
	{
		api.POST("/tenants", s.CreateTenant)
		api.GET("/tenants", s.ListTenants)

		tenants := api.Group("/tenants/:id")
		{
			tenants.GET("", s.GetTenant)
			tenants.PATCH("", s.UpdateTenant)

			tenants.GET("/members", s.ListTenantMembers)
			tenants.POST("/members", s.AddTenantMember)
			tenants.POST("/members/accept", s.AcceptTenantInvite)
			tenants.PATCH("/members/:memberID", s.UpdateTenantMemberRole)
			tenants.DELETE("/members/:memberID", s.RemoveTenantMember)

			tenants.GET("/credits", s.GetCreditBalance)
			tenants.GET("/credits/transactions", s.ListCreditTransactions)
			tenants.POST("/credits/consume", s.RateLimited(), s.ConsumeCredits)
			tenants.POST("/credits/grant", s.SuperAdminRequired(), s.GrantCredits)
			tenants.POST("/credits/adjust", s.SuperAdminRequired(), s.AdjustCredits)

			tenants.POST("/customers", s.CreateCustomer)
			tenants.GET("/customers", s.ListCustomers)
			tenants.GET("/customers/:customerID", s.GetCustomer)
			tenants.PATCH("/customers/:customerID", s.UpdateCustomer)
			tenants.DELETE("/customers/:customerID", s.ArchiveCustomer)

			tenants.GET("/api-keys", s.ListAPIKeys)
			tenants.POST("/api-keys", s.CreateAPIKey)
			tenants.POST("/api-keys/:keyID/rotate", s.RotateAPIKey)
			tenants.DELETE("/api-keys/:keyID", s.RevokeAPIKey)

			tenants.GET("/audit-logs", s.ListAuditLogs)
		}

		api.GET("/credits/action-costs", s.ListActionCosts)
		api.PUT("/credits/action-costs/:actionKey", s.SuperAdminRequired(), s.UpsertActionCost)
	}

	if !s.cfg.IsProduction() {
		s.engine.POST("/internal/test/cleanup", s.TestCleanup)
	}
}

// RegisterAPIRoutes mounts the API-key surface served by apps/api.
func (s *Server) RegisterAPIRoutes() {
	s.engine.GET("/healthz", s.Healthz)
	s.engine.GET("/metrics", metrics.Handler())

	v1 := s.engine.Group("/v1")
	v1.Use(s.APIKeyRequired())
	{
		v1.GET("/credits", s.APIGetCreditBalance)
		v1.GET("/credits/transactions", s.APIListCreditTransactions)
		v1.POST("/credits/consume", s.RateLimited(), s.APIConsumeCredits)
	}

	s.engine.POST("/webhooks/payments/:provider", s.APIKeyRequired(), s.PaymentWebhook)
}

func (s *Server) Healthz(c *gin.Context) {
	sqlDB, err := s.db.DB()
	if err != nil || sqlDB.PingContext(c.Request.Context()) != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// RunHTTP starts the HTTP listener under the fx lifecycle with graceful
// shutdown.
func RunHTTP(lc fx.Lifecycle, engine *gin.Engine, cfg config.Config, log *zap.Logger) {
	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           engine,
		ReadHeaderTimeout: cfg.HTTP.ReadHeaderTimeout,
	}

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				log.Info("http server listening", zap.String("addr", cfg.HTTP.Addr))
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error("http server stopped", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, cfg.HTTP.ShutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

var Module = fx.Module("server",
	fx.Provide(NewEngine),
	fx.Provide(NewServer),
	fx.Invoke(func(s *Server) { s.RegisterRoutes() }),
	fx.Invoke(RunHTTP),
)
