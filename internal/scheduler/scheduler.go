package scheduler

import (
	"context"
	"net/http"
	"sync"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/buttermb/delviery-sub007/internal/clock"
	"github.com/buttermb/delviery-sub007/internal/config"
	creditdomain "github.com/buttermb/delviery-sub007/internal/credit/domain"
	"github.com/buttermb/delviery-sub007/internal/events"
	"github.com/buttermb/delviery-sub007/internal/observability/metrics"
)

// Scheduler hosts the background loops: the monthly grant sweep, the
// daily counter reset with a balance reconciliation pass, and the outbox
// publisher. Every loop claims its work with row locks so running more
// than one process stays safe.
type Scheduler struct {
	db        *gorm.DB
	log       *zap.Logger
	cfg       config.Config
	clock     clock.Clock
	creditSvc creditdomain.Service
	outbox    *events.Outbox
	metrics   *metrics.CreditMetrics
	client    *http.Client
}

type Params struct {
	fx.In

	DB        *gorm.DB
	Log       *zap.Logger
	Cfg       config.Config
	Clock     clock.Clock
	CreditSvc creditdomain.Service
	Outbox    *events.Outbox
	Metrics   *metrics.CreditMetrics `optional:"true"`
}

func New(p Params) *Scheduler {
	return &Scheduler{
		db:        p.DB,
		log:       p.Log.Named("scheduler"),
		cfg:       p.Cfg,
		clock:     p.Clock,
		creditSvc: p.CreditSvc,
		outbox:    p.Outbox,
		metrics:   p.Metrics,
		client:    &http.Client{Timeout: p.Cfg.Events.RequestTimeout},
	}
}

// RunGrantsForever polls for tenants whose grant cooldown has elapsed
// and applies the scheduled free grant in batches.
func (s *Scheduler) RunGrantsForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Scheduler.GrantPollInterval)
	defer ticker.Stop()

	for {
		if err := s.RunGrantsOnce(ctx); err != nil {
			s.log.Warn("scheduled grant sweep failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunGrantsOnce drains due accounts batch by batch. A partial batch
// means the backlog is empty.
func (s *Scheduler) RunGrantsOnce(ctx context.Context) error {
	batch := s.cfg.Scheduler.GrantBatchSize
	if batch <= 0 {
		batch = 100
	}

	total := 0
	for {
		processed, err := s.creditSvc.RunScheduledGrants(ctx, batch)
		if err != nil {
			return err
		}
		total += processed
		if processed < batch {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
	if total > 0 {
		s.log.Info("scheduled grants applied", zap.Int("count", total))
	}

	if s.metrics != nil {
		backlog, err := s.grantBacklog(ctx)
		if err != nil {
			s.log.Warn("grant backlog probe failed", zap.Error(err))
		} else {
			s.metrics.SetGrantBacklog(backlog)
		}
	}
	return nil
}

func (s *Scheduler) grantBacklog(ctx context.Context) (int, error) {
	cutoff := s.clock.Now().Add(-s.cfg.Credit.GrantCooldown)
	var count int64
	err := s.db.WithContext(ctx).Raw(
		`SELECT COUNT(1)
		 FROM credit_accounts a
		 JOIN tenants t ON t.id = a.tenant_id
		 WHERE t.status = 'active'
		   AND a.is_free_tier = TRUE
		   AND (a.last_free_grant_at IS NULL OR a.last_free_grant_at <= ?)`,
		cutoff,
	).Scan(&count).Error
	if err != nil {
		return 0, err
	}
	return int(count), nil
}

// RunDailyResetForever zeroes per-day usage counters once per UTC day at
// the configured hour, then sweeps balances against their transaction
// sums.
func (s *Scheduler) RunDailyResetForever(ctx context.Context) {
	for {
		delay := s.untilNextReset()
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		if err := s.RunDailyResetOnce(ctx); err != nil {
			s.log.Warn("daily reset failed", zap.Error(err))
		}
	}
}

func (s *Scheduler) RunDailyResetOnce(ctx context.Context) error {
	reset, err := s.creditSvc.ResetDailyUsage(ctx)
	if err != nil {
		return err
	}
	s.log.Info("daily usage counters reset", zap.Int("accounts", reset))

	report, err := s.creditSvc.ReconcileBalances(ctx)
	if err != nil {
		return err
	}
	if report.Drifted > 0 {
		s.log.Error("balance reconciliation found drift",
			zap.Int("checked", report.Checked),
			zap.Int("drifted", report.Drifted),
			zap.Strings("tenant_ids", report.TenantIDs),
		)
	} else {
		s.log.Info("balance reconciliation clean", zap.Int("checked", report.Checked))
	}
	if s.metrics != nil {
		s.metrics.SetReconcileDrift(report.Drifted)
	}
	return nil
}

func (s *Scheduler) untilNextReset() time.Duration {
	now := s.clock.Now().UTC()
	hour := s.cfg.Scheduler.CounterResetHour
	if hour < 0 || hour > 23 {
		hour = 0
	}
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, 0, 0, 0, time.UTC)
	if !next.After(now) {
		next = next.Add(24 * time.Hour)
	}
	return next.Sub(now)
}

// Run wires the loops into the fx lifecycle. Loops only start when the
// scheduler is enabled; the API-only deployment leaves it off.
func Run(lc fx.Lifecycle, s *Scheduler) {
	if !s.cfg.Scheduler.Enabled {
		s.log.Info("scheduler disabled")
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			wg.Add(3)
			go func() { defer wg.Done(); s.RunGrantsForever(ctx) }()
			go func() { defer wg.Done(); s.RunDailyResetForever(ctx) }()
			go func() { defer wg.Done(); s.RunPublisherForever(ctx) }()
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			done := make(chan struct{})
			go func() { wg.Wait(); close(done) }()
			select {
			case <-done:
				return nil
			case <-stopCtx.Done():
				return stopCtx.Err()
			}
		},
	})
}

var Module = fx.Module("scheduler",
	fx.Provide(New),
	fx.Invoke(Run),
)
