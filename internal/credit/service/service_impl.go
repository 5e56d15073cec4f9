package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	auditdomain "github.com/buttermb/delviery-sub007/internal/audit/domain"
	"github.com/buttermb/delviery-sub007/internal/clock"
	creditdomain "github.com/buttermb/delviery-sub007/internal/credit/domain"
	"github.com/buttermb/delviery-sub007/internal/events"
	"github.com/buttermb/delviery-sub007/internal/observability/metrics"
	pkgdb "github.com/buttermb/delviery-sub007/pkg/db"
	"github.com/buttermb/delviery-sub007/pkg/db/option"
	"github.com/buttermb/delviery-sub007/pkg/db/pagination"
	"github.com/buttermb/delviery-sub007/pkg/repository"
)

// errIdempotentReplay aborts a transaction when a unique index caught a
// replay the in-tx check missed. The caller re-reads the original row.
var errIdempotentReplay = errors.New("idempotent_replay")

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	clock clock.Clock

	cfg      creditdomain.Config
	abuse    *abuseDetector
	outbox   *events.Outbox
	metrics  *metrics.CreditMetrics
	auditSvc auditdomain.Service

	txrepo   repository.Repository[creditdomain.Transaction]
	costrepo repository.Repository[creditdomain.ActionCost]
}

type ServiceParam struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	GenID    *snowflake.Node
	Clock    clock.Clock
	Cfg      creditdomain.Config
	AbuseCfg creditdomain.AbuseConfig
	Outbox   *events.Outbox
	Metrics  *metrics.CreditMetrics `optional:"true"`
	AuditSvc auditdomain.Service    `optional:"true"`
}

func NewService(p ServiceParam) creditdomain.Service {
	return &Service{
		db:       p.DB,
		log:      p.Log.Named("credit.service"),
		genID:    p.GenID,
		clock:    p.Clock,
		cfg:      p.Cfg,
		abuse:    newAbuseDetector(p.AbuseCfg),
		outbox:   p.Outbox,
		metrics:  p.Metrics,
		auditSvc: p.AuditSvc,
		txrepo:   repository.ProvideStore[creditdomain.Transaction](p.DB),
		costrepo: repository.ProvideStore[creditdomain.ActionCost](p.DB),
	}
}

// EnsureAccount creates the tenant's credit account if it does not exist.
func (s *Service) EnsureAccount(ctx context.Context, tenantID snowflake.ID) error {
	if tenantID == 0 {
		return creditdomain.ErrInvalidTenant
	}
	return s.ensureAccountTx(ctx, s.db, tenantID)
}

// ensureAccountTx provisions the account row on first touch. The free
// tier flag is stamped from the tenant plan at creation time; inserting
// from the tenants table means an unknown tenant inserts nothing.
func (s *Service) ensureAccountTx(ctx context.Context, tx *gorm.DB, tenantID snowflake.ID) error {
	now := s.clock.Now()
	return tx.WithContext(ctx).Exec(
		`INSERT INTO credit_accounts (tenant_id, balance, lifetime_earned, lifetime_spent, is_free_tier, daily_usage_count, created_at, updated_at)
		 SELECT t.id, 0, 0, 0, t.plan <> ?, 0, ?, ?
		 FROM tenants t
		 WHERE t.id = ?
		 ON CONFLICT (tenant_id) DO NOTHING`,
		s.cfg.UnmeteredPlan, now, now, tenantID,
	).Error
}

// GrantFreeCredits issues the recurring free allotment. Cadence and the
// per-month ledger key make retries and scheduler overlap harmless.
func (s *Service) GrantFreeCredits(ctx context.Context, tenantID snowflake.ID, req creditdomain.GrantRequest) (*creditdomain.OperationResult, error) {
	defer s.observe("grant", s.clock.Now())
	if tenantID == 0 {
		return nil, creditdomain.ErrInvalidTenant
	}

	amount := req.Amount
	if amount == 0 {
		amount = s.cfg.FreeGrantAmount
	}
	if amount < 0 {
		return s.failure("grant", creditdomain.ReasonInvalidAmount), nil
	}
	if amount > s.cfg.MaxGrantAmount {
		return s.failure("grant", creditdomain.ReasonExceedsMaxGrant), nil
	}

	now := s.clock.Now()
	var result *creditdomain.OperationResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		account, err := s.lockAccount(ctx, tx, tenantID)
		if err != nil {
			return err
		}
		result, err = s.grantLocked(ctx, tx, account, req, amount, now)
		return err
	})
	if errors.Is(err, errIdempotentReplay) {
		return s.replayResult(ctx, "grant", tenantID, creditdomain.ActionTypeFreeGrant, monthKey(tenantID, now))
	}
	if err != nil {
		s.count("grant", "error")
		return nil, err
	}
	s.finish(ctx, "grant", tenantID, result)
	return result, nil
}

// grantLocked applies one grant to an already locked account row. Shared
// by the direct call path and the scheduler batch.
func (s *Service) grantLocked(ctx context.Context, tx *gorm.DB, account *creditdomain.Account, req creditdomain.GrantRequest, amount int64, now time.Time) (*creditdomain.OperationResult, error) {
	next := account.NextFreeGrantAt
	if next == nil && account.LastFreeGrantAt != nil {
		at := account.LastFreeGrantAt.Add(s.cfg.GrantCooldown)
		next = &at
	}
	if next != nil && now.Before(*next) {
		result := s.failure("grant", creditdomain.ReasonTooSoon)
		result.Balance = account.Balance
		result.NextGrantAt = next
		return result, nil
	}

	key := monthKey(account.TenantID, now)
	prior, err := s.findTransaction(ctx, tx, account.TenantID, creditdomain.ActionTypeFreeGrant, key)
	if err != nil {
		return nil, err
	}
	if prior != nil {
		result := s.duplicate(prior)
		result.Reason = creditdomain.ReasonAlreadyGranted
		return result, nil
	}

	balanceAfter := account.Balance + amount
	if err := s.applyBalance(ctx, tx, account.TenantID, amount, now); err != nil {
		return nil, err
	}
	nextAt := now.Add(s.cfg.GrantCooldown)
	if err := s.stampGrant(ctx, tx, account.TenantID, now, nextAt); err != nil {
		return nil, err
	}

	record := creditdomain.Transaction{
		ID:            s.genID.Generate(),
		TenantID:      account.TenantID,
		Type:          creditdomain.TransactionTypeFreeGrant,
		ActionType:    ptr(creditdomain.ActionTypeFreeGrant),
		Amount:        amount,
		BalanceAfter:  balanceAfter,
		ReferenceType: ptr("grant_period"),
		ReferenceID:   ptr(key),
		ActorType:     req.Actor.Type,
		ActorID:       req.Actor.ID,
		Note:          grantNote(req.Source),
		CreatedAt:     now,
	}
	if err := tx.WithContext(ctx).Create(&record).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, errIdempotentReplay
		}
		return nil, err
	}

	if err := s.outbox.PublishTx(ctx, tx, events.Event{
		TenantID:  account.TenantID,
		Type:      events.EventCreditGranted,
		DedupeKey: "grant:" + key,
		Payload: events.CreditPayload{
			TransactionID: record.ID.String(),
			TenantID:      account.TenantID.String(),
			Type:          string(record.Type),
			Amount:        amount,
			Balance:       balanceAfter,
			ReferenceID:   key,
		}.ToMap(),
	}); err != nil {
		return nil, err
	}

	account.Balance = balanceAfter
	account.LifetimeEarned += amount
	account.LastFreeGrantAt = &now
	account.NextFreeGrantAt = &nextAt

	return &creditdomain.OperationResult{
		Success:       true,
		TransactionID: record.ID.String(),
		Amount:        amount,
		Balance:       balanceAfter,
		NextGrantAt:   &nextAt,
	}, nil
}

// PurchaseCredits applies a settled payment. The payment reference is the
// idempotency key and is unique across all tenants, so a replayed webhook
// can neither double-credit nor credit someone else.
func (s *Service) PurchaseCredits(ctx context.Context, tenantID snowflake.ID, req creditdomain.PurchaseRequest) (*creditdomain.OperationResult, error) {
	defer s.observe("purchase", s.clock.Now())
	if tenantID == 0 {
		return nil, creditdomain.ErrInvalidTenant
	}
	ref := strings.TrimSpace(req.PaymentRef)
	if ref == "" {
		return nil, creditdomain.ErrInvalidReference
	}
	if req.Amount <= 0 {
		return s.failure("purchase", creditdomain.ReasonInvalidAmount), nil
	}

	now := s.clock.Now()
	var result *creditdomain.OperationResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		account, err := s.lockAccount(ctx, tx, tenantID)
		if err != nil {
			return err
		}

		prior, err := s.findPurchaseByRef(ctx, tx, ref)
		if err != nil {
			return err
		}
		if prior != nil {
			if prior.TenantID != tenantID {
				s.log.Warn("payment reference already claimed by another tenant",
					zap.String("tenant_id", tenantID.String()),
					zap.String("payment_ref", ref),
				)
				result = s.failure("purchase", creditdomain.ReasonDuplicateReference)
				return nil
			}
			result = s.duplicate(prior)
			return nil
		}

		balanceAfter := account.Balance + req.Amount
		if err := s.applyBalance(ctx, tx, tenantID, req.Amount, now); err != nil {
			return err
		}

		record := creditdomain.Transaction{
			ID:            s.genID.Generate(),
			TenantID:      tenantID,
			Type:          creditdomain.TransactionTypePurchase,
			ActionType:    ptr(creditdomain.ActionTypePurchase),
			Amount:        req.Amount,
			BalanceAfter:  balanceAfter,
			ReferenceType: ptr("payment"),
			ReferenceID:   ptr(ref),
			ActorType:     req.Actor.Type,
			ActorID:       req.Actor.ID,
			Note:          purchaseNote(req.Provider),
			CreatedAt:     now,
		}
		if err := tx.WithContext(ctx).Create(&record).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return errIdempotentReplay
			}
			return err
		}

		if err := s.outbox.PublishTx(ctx, tx, events.Event{
			TenantID:  tenantID,
			Type:      events.EventCreditPurchased,
			DedupeKey: "purchase:" + ref,
			Payload: events.CreditPayload{
				TransactionID: record.ID.String(),
				TenantID:      tenantID.String(),
				Type:          string(record.Type),
				Amount:        req.Amount,
				Balance:       balanceAfter,
				ReferenceID:   ref,
			}.ToMap(),
		}); err != nil {
			return err
		}

		result = &creditdomain.OperationResult{
			Success:       true,
			TransactionID: record.ID.String(),
			Amount:        req.Amount,
			Balance:       balanceAfter,
		}
		return nil
	})
	if errors.Is(err, errIdempotentReplay) {
		return s.replayPurchase(ctx, tenantID, ref)
	}
	if err != nil {
		s.count("purchase", "error")
		return nil, err
	}
	s.finish(ctx, "purchase", tenantID, result)
	return result, nil
}

// ConsumeCredits debits one action's cost. Unmetered tenants bypass the
// ledger before any balance lookup. The debit is all-or-nothing.
func (s *Service) ConsumeCredits(ctx context.Context, tenantID snowflake.ID, req creditdomain.ConsumeRequest) (*creditdomain.OperationResult, error) {
	defer s.observe("consume", s.clock.Now())
	if tenantID == 0 {
		return nil, creditdomain.ErrInvalidTenant
	}
	actionKey := strings.TrimSpace(req.ActionKey)
	if actionKey == "" {
		return nil, creditdomain.ErrInvalidAction
	}
	quantity := req.Quantity
	if quantity == 0 {
		quantity = 1
	}
	if quantity < 0 {
		return nil, creditdomain.ErrInvalidQuantity
	}

	now := s.clock.Now()

	// Velocity windows count attempts, successful or not.
	flags := s.abuse.Record(tenantID, actionKey, now)
	s.reportAbuse(ctx, tenantID, flags)

	unmetered, err := s.isUnmetered(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if unmetered {
		s.count("consume", "unmetered")
		return &creditdomain.OperationResult{Success: true, Unmetered: true, Flags: flags}, nil
	}

	cost, err := s.actionCost(ctx, actionKey)
	if err != nil {
		return nil, err
	}
	var total int64
	if cost != nil && cost.Active && cost.Cost > 0 {
		// The product must stay inside int64 or the balance guard below
		// compares against a negative total.
		if quantity > math.MaxInt64/cost.Cost {
			return nil, creditdomain.ErrInvalidQuantity
		}
		total = cost.Cost * quantity
	}
	if total == 0 {
		// Unpriced, inactive, and zero-cost actions are free. They
		// succeed without touching the ledger.
		s.count("consume", "free")
		return &creditdomain.OperationResult{Success: true, Flags: flags}, nil
	}

	ref := strings.TrimSpace(req.ReferenceID)
	var result *creditdomain.OperationResult
	var crossedLowWater bool
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		account, err := s.lockAccount(ctx, tx, tenantID)
		if err != nil {
			return err
		}

		if ref != "" {
			prior, err := s.findTransaction(ctx, tx, tenantID, actionKey, ref)
			if err != nil {
				return err
			}
			if prior != nil {
				result = s.duplicate(prior)
				result.Cost = -prior.Amount
				return nil
			}
		}

		if account.Balance < total {
			result = s.failure("consume", creditdomain.ReasonInsufficientCredits)
			result.Balance = account.Balance
			result.Cost = total
			return nil
		}

		balanceAfter := account.Balance - total
		if err := s.applyBalance(ctx, tx, tenantID, -total, now); err != nil {
			return err
		}
		if err := s.bumpDailyUsage(ctx, tx, tenantID, now); err != nil {
			return err
		}

		metadata := datatypes.JSONMap{}
		for key, value := range req.Metadata {
			metadata[key] = value
		}
		metadata["quantity"] = quantity
		metadata["unit_cost"] = cost.Cost

		record := creditdomain.Transaction{
			ID:           s.genID.Generate(),
			TenantID:     tenantID,
			Type:         creditdomain.TransactionTypeUsage,
			ActionType:   ptr(actionKey),
			Amount:       -total,
			BalanceAfter: balanceAfter,
			ActorType:    req.Actor.Type,
			ActorID:      req.Actor.ID,
			Metadata:     metadata,
			CreatedAt:    now,
		}
		if ref != "" {
			record.ReferenceType = ptr("action")
			record.ReferenceID = ptr(ref)
		}
		if err := tx.WithContext(ctx).Create(&record).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return errIdempotentReplay
			}
			return err
		}

		if err := s.outbox.PublishTx(ctx, tx, events.Event{
			TenantID:  tenantID,
			Type:      events.EventCreditConsumed,
			DedupeKey: consumeDedupe(tenantID, actionKey, ref),
			Payload: events.CreditPayload{
				TransactionID: record.ID.String(),
				TenantID:      tenantID.String(),
				Type:          string(record.Type),
				ActionKey:     actionKey,
				Amount:        -total,
				Balance:       balanceAfter,
				ReferenceID:   ref,
			}.ToMap(),
		}); err != nil {
			return err
		}

		crossedLowWater = account.Balance >= s.cfg.LowBalanceFloor && balanceAfter < s.cfg.LowBalanceFloor
		if crossedLowWater {
			if err := s.outbox.PublishTx(ctx, tx, events.Event{
				TenantID: tenantID,
				Type:     events.EventCreditLow,
				Payload: events.CreditPayload{
					TenantID: tenantID.String(),
					Balance:  balanceAfter,
					Amount:   -total,
				}.ToMap(),
			}); err != nil {
				return err
			}
		}

		result = &creditdomain.OperationResult{
			Success:       true,
			TransactionID: record.ID.String(),
			Amount:        -total,
			Cost:          total,
			Balance:       balanceAfter,
		}
		return nil
	})
	if errors.Is(err, errIdempotentReplay) {
		replay, replayErr := s.replayResult(ctx, "consume", tenantID, actionKey, ref)
		if replayErr == nil && replay != nil {
			replay.Cost = -replay.Amount
			replay.Flags = flags
		}
		return replay, replayErr
	}
	if err != nil {
		s.count("consume", "error")
		return nil, err
	}
	result.Flags = flags
	if crossedLowWater {
		s.log.Info("balance crossed low water mark",
			zap.String("tenant_id", tenantID.String()),
			zap.Int64("balance", result.Balance),
		)
	}
	s.finish(ctx, "consume", tenantID, result)
	return result, nil
}

// AdjustCredits applies a signed correction. Negative adjustments may not
// take the balance below zero.
func (s *Service) AdjustCredits(ctx context.Context, tenantID snowflake.ID, req creditdomain.AdjustRequest) (*creditdomain.OperationResult, error) {
	defer s.observe("adjust", s.clock.Now())
	if tenantID == 0 {
		return nil, creditdomain.ErrInvalidTenant
	}
	if strings.TrimSpace(req.Reason) == "" {
		return nil, creditdomain.ErrInvalidReason
	}
	if req.Amount == 0 {
		return s.failure("adjust", creditdomain.ReasonInvalidAmount), nil
	}

	now := s.clock.Now()
	ref := strings.TrimSpace(req.ReferenceID)
	var result *creditdomain.OperationResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		account, err := s.lockAccount(ctx, tx, tenantID)
		if err != nil {
			return err
		}

		if ref != "" {
			prior, err := s.findTransaction(ctx, tx, tenantID, creditdomain.ActionTypeAdjustment, ref)
			if err != nil {
				return err
			}
			if prior != nil {
				result = s.duplicate(prior)
				return nil
			}
		}

		balanceAfter := account.Balance + req.Amount
		if balanceAfter < 0 {
			result = s.failure("adjust", creditdomain.ReasonWouldGoNegative)
			result.Balance = account.Balance
			return nil
		}

		if err := s.applyBalance(ctx, tx, tenantID, req.Amount, now); err != nil {
			return err
		}

		record := creditdomain.Transaction{
			ID:           s.genID.Generate(),
			TenantID:     tenantID,
			Type:         creditdomain.TransactionTypeAdjustment,
			Amount:       req.Amount,
			BalanceAfter: balanceAfter,
			ActorType:    req.Actor.Type,
			ActorID:      req.Actor.ID,
			Note:         req.Reason,
			CreatedAt:    now,
		}
		if ref != "" {
			record.ActionType = ptr(creditdomain.ActionTypeAdjustment)
			record.ReferenceType = ptr("adjustment")
			record.ReferenceID = ptr(ref)
		}
		if err := tx.WithContext(ctx).Create(&record).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return errIdempotentReplay
			}
			return err
		}

		if err := s.outbox.PublishTx(ctx, tx, events.Event{
			TenantID: tenantID,
			Type:     events.EventCreditAdjusted,
			Payload: events.CreditPayload{
				TransactionID: record.ID.String(),
				TenantID:      tenantID.String(),
				Type:          string(record.Type),
				Amount:        req.Amount,
				Balance:       balanceAfter,
				ReferenceID:   ref,
			}.ToMap(),
		}); err != nil {
			return err
		}

		result = &creditdomain.OperationResult{
			Success:       true,
			TransactionID: record.ID.String(),
			Amount:        req.Amount,
			Balance:       balanceAfter,
		}
		return nil
	})
	if errors.Is(err, errIdempotentReplay) {
		return s.replayResult(ctx, "adjust", tenantID, creditdomain.ActionTypeAdjustment, ref)
	}
	if err != nil {
		s.count("adjust", "error")
		return nil, err
	}
	s.finish(ctx, "adjust", tenantID, result)

	if result.Success && !result.Duplicate {
		s.recordAudit(ctx, tenantID, req, result)
	}
	return result, nil
}

// GetBalance is a pure read. A tenant that never touched the ledger gets
// a zeroed view instead of a provisioned row.
func (s *Service) GetBalance(ctx context.Context, tenantID snowflake.ID) (*creditdomain.BalanceResponse, error) {
	if tenantID == 0 {
		return nil, creditdomain.ErrInvalidTenant
	}

	var account creditdomain.Account
	err := s.db.WithContext(ctx).First(&account, "tenant_id = ?", tenantID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		unmetered, uerr := s.isUnmetered(ctx, tenantID)
		if uerr != nil {
			return nil, uerr
		}
		return &creditdomain.BalanceResponse{
			TenantID:  tenantID.String(),
			Unmetered: unmetered,
		}, nil
	}
	if err != nil {
		return nil, err
	}

	resp := &creditdomain.BalanceResponse{
		TenantID:        tenantID.String(),
		Balance:         account.Balance,
		LifetimeEarned:  account.LifetimeEarned,
		LifetimeSpent:   account.LifetimeSpent,
		Unmetered:       !account.IsFreeTier,
		LastFreeGrantAt: account.LastFreeGrantAt,
		NextGrantAt:     account.NextFreeGrantAt,
	}
	if today := dayOf(s.clock.Now()); account.DailyUsageDate != nil && account.DailyUsageDate.Equal(today) {
		resp.DailyUsageCount = account.DailyUsageCount
	}
	return resp, nil
}

func (s *Service) ListTransactions(ctx context.Context, tenantID snowflake.ID, req creditdomain.ListTransactionsRequest) (creditdomain.ListTransactionsResponse, error) {
	if tenantID == 0 {
		return creditdomain.ListTransactionsResponse{}, creditdomain.ErrInvalidTenant
	}

	pageSize := req.PageSize
	if pageSize <= 0 {
		pageSize = 50
	}

	opts := []option.Option{
		option.ApplyPagination(pagination.Pagination{
			PageToken: req.PageToken,
			PageSize:  int(pageSize),
		}),
		option.WithSortBy(option.QuerySortBy{Allow: map[string]bool{"created_at": true}}),
	}
	if len(req.Types) > 0 {
		types := req.Types
		opts = append(opts, func(tx *gorm.DB) *gorm.DB {
			return tx.Where("type IN ?", types)
		})
	}

	items, err := s.txrepo.Find(ctx, &creditdomain.Transaction{TenantID: tenantID}, opts...)
	if err != nil {
		return creditdomain.ListTransactionsResponse{}, err
	}

	pageInfo := pagination.BuildCursorPageInfo(items, pageSize, func(record *creditdomain.Transaction) string {
		token, err := pagination.EncodeCursor(pagination.Cursor{
			ID:        record.ID.String(),
			CreatedAt: record.CreatedAt.Format(time.RFC3339Nano),
		})
		if err != nil {
			return ""
		}
		return token
	})
	if pageInfo != nil && pageInfo.HasMore && len(items) > int(pageSize) {
		items = items[:pageSize]
	}

	resp := creditdomain.ListTransactionsResponse{
		Transactions: make([]creditdomain.TransactionResponse, 0, len(items)),
	}
	for _, item := range items {
		if item == nil {
			continue
		}
		resp.Transactions = append(resp.Transactions, toTransactionResponse(item))
	}
	if pageInfo != nil {
		resp.PageInfo = *pageInfo
	}
	return resp, nil
}

func (s *Service) ListActionCosts(ctx context.Context) ([]creditdomain.ActionCostResponse, error) {
	items, err := s.costrepo.Find(ctx, nil, func(tx *gorm.DB) *gorm.DB {
		return tx.Order("action_key")
	})
	if err != nil {
		return nil, err
	}
	out := make([]creditdomain.ActionCostResponse, 0, len(items))
	for _, item := range items {
		if item == nil {
			continue
		}
		out = append(out, creditdomain.ActionCostResponse{
			ActionKey:   item.ActionKey,
			Cost:        item.Cost,
			Description: item.Description,
			Active:      item.Active,
		})
	}
	return out, nil
}

func (s *Service) UpsertActionCost(ctx context.Context, req creditdomain.UpsertActionCostRequest) (*creditdomain.ActionCostResponse, error) {
	key := strings.TrimSpace(req.ActionKey)
	if key == "" {
		return nil, creditdomain.ErrInvalidAction
	}
	if req.Cost < 0 {
		return nil, creditdomain.ErrInvalidCost
	}

	now := s.clock.Now()
	var saved creditdomain.ActionCost
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing creditdomain.ActionCost
		err := tx.First(&existing, "action_key = ?", key).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			saved = creditdomain.ActionCost{
				ActionKey:   key,
				Cost:        req.Cost,
				Description: strings.TrimSpace(req.Description),
				Active:      req.Active == nil || *req.Active,
				CreatedAt:   now,
				UpdatedAt:   now,
			}
			return tx.Create(&saved).Error
		}
		if err != nil {
			return err
		}

		existing.Cost = req.Cost
		if strings.TrimSpace(req.Description) != "" {
			existing.Description = strings.TrimSpace(req.Description)
		}
		if req.Active != nil {
			existing.Active = *req.Active
		}
		existing.UpdatedAt = now
		saved = existing
		return tx.Save(&existing).Error
	})
	if err != nil {
		return nil, err
	}
	return &creditdomain.ActionCostResponse{
		ActionKey:   saved.ActionKey,
		Cost:        saved.Cost,
		Description: saved.Description,
		Active:      saved.Active,
	}, nil
}

// RunScheduledGrants locks a batch of grant-eligible accounts and issues
// their free credits in one transaction. Returns the number granted.
func (s *Service) RunScheduledGrants(ctx context.Context, batchSize int) (int, error) {
	if batchSize <= 0 {
		batchSize = 100
	}
	now := s.clock.Now()

	granted := 0
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var accounts []creditdomain.Account
		query := tx.WithContext(ctx).
			Where("is_free_tier = ?", true).
			Where("next_free_grant_at IS NULL OR next_free_grant_at <= ?", now).
			Order("tenant_id").
			Limit(batchSize)
		if err := pkgdb.LockSkipLocked(query).Find(&accounts).Error; err != nil {
			return err
		}

		req := creditdomain.GrantRequest{
			Source: creditdomain.GrantSourceScheduled,
			Actor:  creditdomain.Actor{Type: creditdomain.ActorTypeSystem, ID: "scheduler"},
		}
		for i := range accounts {
			result, err := s.grantLocked(ctx, tx, &accounts[i], req, s.cfg.FreeGrantAmount, now)
			if err != nil {
				return err
			}
			if result.Success && !result.Duplicate {
				granted++
			}
		}
		return nil
	})
	if err != nil {
		return granted, err
	}

	if s.metrics != nil {
		var backlog int64
		if err := s.db.WithContext(ctx).Model(&creditdomain.Account{}).
			Where("is_free_tier = ?", true).
			Where("next_free_grant_at IS NULL OR next_free_grant_at <= ?", now).
			Count(&backlog).Error; err == nil {
			s.metrics.SetGrantBacklog(int(backlog))
		}
	}
	return granted, nil
}

// ResetDailyUsage zeroes usage counters that belong to a previous day.
// Counters for the current day are left alone so a late-running job
// cannot erase live data.
func (s *Service) ResetDailyUsage(ctx context.Context) (int, error) {
	now := s.clock.Now()
	res := s.db.WithContext(ctx).Exec(
		`UPDATE credit_accounts
		 SET daily_usage_count = 0, updated_at = ?
		 WHERE daily_usage_count <> 0 AND (daily_usage_date IS NULL OR daily_usage_date < ?)`,
		now, dayOf(now),
	)
	if res.Error != nil {
		return 0, res.Error
	}
	return int(res.RowsAffected), nil
}

// ReconcileBalances sweeps for accounts whose balance disagrees with
// lifetime totals. Drift means a bug or manual surgery; it is reported,
// never silently repaired.
func (s *Service) ReconcileBalances(ctx context.Context) (*creditdomain.ReconcileReport, error) {
	start := s.clock.Now()

	var checked int64
	if err := s.db.WithContext(ctx).Model(&creditdomain.Account{}).Count(&checked).Error; err != nil {
		return nil, err
	}

	var drifted []struct {
		TenantID snowflake.ID
	}
	if err := s.db.WithContext(ctx).Raw(
		`SELECT tenant_id
		 FROM credit_accounts
		 WHERE balance <> lifetime_earned - lifetime_spent
		 ORDER BY tenant_id
		 LIMIT 100`,
	).Scan(&drifted).Error; err != nil {
		return nil, err
	}

	report := &creditdomain.ReconcileReport{
		Checked:    int(checked),
		Drifted:    len(drifted),
		DurationMS: time.Since(start).Milliseconds(),
	}
	for _, row := range drifted {
		report.TenantIDs = append(report.TenantIDs, row.TenantID.String())
	}

	if s.metrics != nil {
		s.metrics.SetReconcileDrift(report.Drifted)
	}
	if report.Drifted > 0 {
		s.log.Error("credit balance drift detected",
			zap.Int("drifted", report.Drifted),
			zap.Strings("tenant_ids", report.TenantIDs),
		)
	}
	return report, nil
}

// lockAccount provisions the account row on first touch and takes the
// row lock every mutation runs under.
func (s *Service) lockAccount(ctx context.Context, tx *gorm.DB, tenantID snowflake.ID) (*creditdomain.Account, error) {
	if err := s.ensureAccountTx(ctx, tx, tenantID); err != nil {
		return nil, err
	}
	var account creditdomain.Account
	err := pkgdb.LockForUpdate(tx.WithContext(ctx)).
		First(&account, "tenant_id = ?", tenantID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		// ensure inserted nothing, so the tenant itself is unknown
		return nil, creditdomain.ErrInvalidTenant
	}
	if err != nil {
		return nil, err
	}
	return &account, nil
}

// applyBalance moves the balance with a guarded update. The WHERE clause
// re-checks the floor so a miscomputed delta can never commit a negative
// balance even if the row lock was somehow bypassed.
func (s *Service) applyBalance(ctx context.Context, tx *gorm.DB, tenantID snowflake.ID, delta int64, now time.Time) error {
	earnedDelta := int64(0)
	spentDelta := int64(0)
	if delta >= 0 {
		earnedDelta = delta
	} else {
		spentDelta = -delta
	}

	res := tx.WithContext(ctx).Exec(
		`UPDATE credit_accounts
		 SET balance = balance + ?,
		     lifetime_earned = lifetime_earned + ?,
		     lifetime_spent = lifetime_spent + ?,
		     updated_at = ?
		 WHERE tenant_id = ? AND balance + ? >= 0`,
		delta,
		earnedDelta,
		spentDelta,
		now,
		tenantID,
		delta,
	)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("balance update rejected for tenant %s", tenantID)
	}
	return nil
}

func (s *Service) stampGrant(ctx context.Context, tx *gorm.DB, tenantID snowflake.ID, grantedAt, nextAt time.Time) error {
	return tx.WithContext(ctx).Exec(
		`UPDATE credit_accounts
		 SET last_free_grant_at = ?, next_free_grant_at = ?, updated_at = ?
		 WHERE tenant_id = ?`,
		grantedAt, nextAt, grantedAt, tenantID,
	).Error
}

// bumpDailyUsage advances the per-day action counter, starting a fresh
// count when the stored day is stale.
func (s *Service) bumpDailyUsage(ctx context.Context, tx *gorm.DB, tenantID snowflake.ID, now time.Time) error {
	day := dayOf(now)
	return tx.WithContext(ctx).Exec(
		`UPDATE credit_accounts
		 SET daily_usage_count = CASE WHEN daily_usage_date = ? THEN daily_usage_count + 1 ELSE 1 END,
		     daily_usage_date = ?,
		     updated_at = ?
		 WHERE tenant_id = ?`,
		day, day, now, tenantID,
	).Error
}

// isUnmetered prefers the provisioned account flag and falls back to the
// tenant plan for tenants that never touched the ledger.
func (s *Service) isUnmetered(ctx context.Context, tenantID snowflake.ID) (bool, error) {
	var acct struct {
		IsFreeTier bool
	}
	res := s.db.WithContext(ctx).Raw(
		`SELECT is_free_tier FROM credit_accounts WHERE tenant_id = ?`, tenantID,
	).Scan(&acct)
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected > 0 {
		return !acct.IsFreeTier, nil
	}

	var row struct {
		Plan string
	}
	res = s.db.WithContext(ctx).Raw(
		`SELECT plan FROM tenants WHERE id = ?`, tenantID,
	).Scan(&row)
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected == 0 {
		return false, creditdomain.ErrInvalidTenant
	}
	return strings.EqualFold(row.Plan, s.cfg.UnmeteredPlan), nil
}

func (s *Service) actionCost(ctx context.Context, actionKey string) (*creditdomain.ActionCost, error) {
	var cost creditdomain.ActionCost
	err := s.db.WithContext(ctx).First(&cost, "action_key = ?", actionKey).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &cost, nil
}

func (s *Service) findTransaction(ctx context.Context, tx *gorm.DB, tenantID snowflake.ID, actionType, referenceID string) (*creditdomain.Transaction, error) {
	if referenceID == "" {
		return nil, nil
	}
	var record creditdomain.Transaction
	err := tx.WithContext(ctx).
		Where("tenant_id = ? AND action_type = ? AND reference_id = ?", tenantID, actionType, referenceID).
		First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &record, nil
}

func (s *Service) findPurchaseByRef(ctx context.Context, tx *gorm.DB, ref string) (*creditdomain.Transaction, error) {
	var record creditdomain.Transaction
	err := tx.WithContext(ctx).
		Where("type = ? AND reference_id = ?", creditdomain.TransactionTypePurchase, ref).
		First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &record, nil
}

// replayResult reloads the row a unique index pointed at and returns it
// as a duplicate success.
func (s *Service) replayResult(ctx context.Context, op string, tenantID snowflake.ID, actionType, referenceID string) (*creditdomain.OperationResult, error) {
	prior, err := s.findTransaction(ctx, s.db, tenantID, actionType, referenceID)
	if err != nil {
		return nil, err
	}
	if prior == nil {
		return nil, fmt.Errorf("replayed %s transaction not found for reference %s", op, referenceID)
	}
	s.count(op, "duplicate")
	return s.duplicate(prior), nil
}

func (s *Service) replayPurchase(ctx context.Context, tenantID snowflake.ID, ref string) (*creditdomain.OperationResult, error) {
	prior, err := s.findPurchaseByRef(ctx, s.db, ref)
	if err != nil {
		return nil, err
	}
	if prior == nil {
		return nil, fmt.Errorf("replayed purchase not found for reference %s", ref)
	}
	if prior.TenantID != tenantID {
		return s.failure("purchase", creditdomain.ReasonDuplicateReference), nil
	}
	s.count("purchase", "duplicate")
	return s.duplicate(prior), nil
}

func (s *Service) duplicate(prior *creditdomain.Transaction) *creditdomain.OperationResult {
	return &creditdomain.OperationResult{
		Success:       true,
		Duplicate:     true,
		TransactionID: prior.ID.String(),
		Amount:        prior.Amount,
		Balance:       prior.BalanceAfter,
	}
}

func toTransactionResponse(record *creditdomain.Transaction) creditdomain.TransactionResponse {
	resp := creditdomain.TransactionResponse{
		ID:           record.ID.String(),
		TenantID:     record.TenantID.String(),
		Type:         string(record.Type),
		Amount:       record.Amount,
		BalanceAfter: record.BalanceAfter,
		ActorType:    record.ActorType,
		ActorID:      record.ActorID,
		Note:         record.Note,
		CreatedAt:    record.CreatedAt.Format(time.RFC3339Nano),
	}
	if record.ActionType != nil {
		resp.ActionType = *record.ActionType
	}
	if record.ReferenceID != nil {
		resp.ReferenceID = *record.ReferenceID
	}
	if len(record.Metadata) > 0 {
		resp.Metadata = map[string]any(record.Metadata)
	}
	return resp
}

// failure builds a declined result and counts it once at the source.
func (s *Service) failure(op string, reason creditdomain.Reason) *creditdomain.OperationResult {
	s.count(op, string(reason))
	return &creditdomain.OperationResult{Success: false, Reason: reason}
}

// finish records metrics and logs for a completed operation. Declines
// were already counted where they were built.
func (s *Service) finish(ctx context.Context, op string, tenantID snowflake.ID, result *creditdomain.OperationResult) {
	if result == nil {
		return
	}
	switch {
	case result.Duplicate:
		s.count(op, "duplicate")
	case result.Success:
		s.count(op, "success")
		if s.metrics != nil {
			amount := result.Amount
			if amount < 0 {
				amount = -amount
			}
			s.metrics.AddAmount(op, amount)
		}
	default:
		s.log.Info("credit operation declined",
			zap.String("op", op),
			zap.String("tenant_id", tenantID.String()),
			zap.String("reason", string(result.Reason)),
		)
	}
}

func (s *Service) count(op, result string) {
	if s.metrics != nil {
		s.metrics.IncOperation(op, result)
	}
}

func (s *Service) observe(op string, start time.Time) {
	if s.metrics != nil {
		s.metrics.ObserveOperation(op, s.clock.Now().Sub(start))
	}
}

// reportAbuse logs, counts, and on first crossing publishes each flag.
func (s *Service) reportAbuse(ctx context.Context, tenantID snowflake.ID, flags []creditdomain.AbuseFlag) {
	for _, flag := range flags {
		s.log.Warn("consumption velocity flag",
			zap.String("tenant_id", tenantID.String()),
			zap.String("rule", flag.Rule),
			zap.String("action_key", flag.ActionKey),
			zap.Int("count", flag.Count),
			zap.Duration("window", flag.Window),
		)
		if s.metrics != nil {
			s.metrics.IncAbuseFlag(flag.Rule)
		}

		firstCrossing := (flag.Rule == creditdomain.AbuseRuleBurst && flag.Count == s.abuse.cfg.BurstThreshold+1) ||
			(flag.Rule == creditdomain.AbuseRuleRepeat && flag.Count == s.abuse.cfg.RepeatThreshold+1)
		if !firstCrossing {
			continue
		}
		if err := s.outbox.Publish(ctx, events.Event{
			TenantID: tenantID,
			Type:     events.EventAbuseFlagged,
			Payload: events.AbusePayload{
				TenantID:  tenantID.String(),
				Rule:      flag.Rule,
				ActionKey: flag.ActionKey,
				Count:     flag.Count,
				WindowMS:  flag.Window.Milliseconds(),
			}.ToMap(),
		}); err != nil {
			s.log.Warn("failed to publish abuse flag", zap.Error(err))
		}
	}
}

func (s *Service) recordAudit(ctx context.Context, tenantID snowflake.ID, req creditdomain.AdjustRequest, result *creditdomain.OperationResult) {
	if s.auditSvc == nil {
		return
	}
	s.auditSvc.Record(ctx, auditdomain.Entry{
		TenantID:     tenantID,
		Action:       "credit.adjust",
		ResourceType: "credit_transaction",
		ResourceID:   result.TransactionID,
		Metadata: map[string]any{
			"amount": req.Amount,
			"reason": req.Reason,
		},
	})
}

func monthKey(tenantID snowflake.ID, t time.Time) string {
	return fmt.Sprintf("%s:%s", tenantID.String(), t.UTC().Format("2006-01"))
}

func consumeDedupe(tenantID snowflake.ID, actionKey, ref string) string {
	if ref == "" {
		return ""
	}
	return fmt.Sprintf("consume:%s:%s:%s", tenantID.String(), actionKey, ref)
}

func grantNote(source string) string {
	switch source {
	case creditdomain.GrantSourceProvisioning:
		return "initial free credits"
	case creditdomain.GrantSourceScheduled:
		return "scheduled free credits"
	case creditdomain.GrantSourceManual:
		return "manual free credits"
	default:
		return "free credits"
	}
}

func purchaseNote(provider string) string {
	provider = strings.TrimSpace(provider)
	if provider == "" {
		return "credit purchase"
	}
	return "credit purchase via " + provider
}

// dayOf truncates to the UTC day boundary used by the usage counters.
func dayOf(t time.Time) time.Time {
	return t.UTC().Truncate(24 * time.Hour)
}

func ptr(value string) *string {
	return &value
}
