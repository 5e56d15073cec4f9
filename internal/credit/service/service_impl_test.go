package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/zap"
	"github.com/glebarez/sqlite"
	"gorm.io/gorm"

	creditdomain "github.com/buttermb/delviery-sub007/internal/credit/domain"
	tenantdomain "github.com/buttermb/delviery-sub007/internal/tenant/domain"
	"github.com/buttermb/delviery-sub007/internal/events"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func (c *fakeClock) Set(t time.Time) { c.now = t }

type creditFixture struct {
	svc   creditdomain.Service
	db    *gorm.DB
	clock *fakeClock
	node  *snowflake.Node
}

func setupCreditService(t *testing.T) *creditFixture {
	t.Helper()
	return setupCreditServiceWith(t, creditdomain.Config{
		FreeGrantAmount: 500,
		MaxGrantAmount:  10000,
		GrantCooldown:   25 * 24 * time.Hour,
		LowBalanceFloor: 50,
		UnmeteredPlan:   tenantdomain.PlanUnmetered,
	}, creditdomain.AbuseConfig{
		BurstThreshold:  50,
		BurstWindow:     5 * time.Minute,
		RepeatThreshold: 40,
		RepeatWindow:    time.Minute,
	})
}

func setupCreditServiceWith(t *testing.T, cfg creditdomain.Config, abuseCfg creditdomain.AbuseConfig) *creditFixture {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{TranslateError: true})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(
		&tenantdomain.Tenant{},
		&creditdomain.Account{},
		&creditdomain.Transaction{},
		&creditdomain.ActionCost{},
		&events.OutboxRecord{},
	); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	// The idempotency contract lives in partial unique indexes that
	// AutoMigrate cannot express. Mirror the production DDL.
	for _, ddl := range []string{
		`CREATE UNIQUE INDEX IF NOT EXISTS ux_credit_tx_idem
		 ON credit_transactions (tenant_id, action_type, reference_id)
		 WHERE action_type IS NOT NULL AND reference_id IS NOT NULL`,
		`CREATE UNIQUE INDEX IF NOT EXISTS ux_credit_tx_purchase_ref
		 ON credit_transactions (reference_id)
		 WHERE type = 'purchase'`,
		`CREATE UNIQUE INDEX IF NOT EXISTS ux_credit_events_dedupe
		 ON credit_events (tenant_id, dedupe_key)
		 WHERE dedupe_key IS NOT NULL`,
	} {
		if err := db.Exec(ddl).Error; err != nil {
			t.Fatalf("create index: %v", err)
		}
	}

	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("snowflake node: %v", err)
	}
	clk := &fakeClock{now: time.Date(2026, time.January, 5, 12, 0, 0, 0, time.UTC)}

	svc := NewService(ServiceParam{
		DB:       db,
		Log:      zap.NewNop(),
		GenID:    node,
		Clock:    clk,
		Cfg:      cfg,
		AbuseCfg: abuseCfg,
		Outbox:   events.NewOutbox(db, node),
	})
	return &creditFixture{svc: svc, db: db, clock: clk, node: node}
}

func (f *creditFixture) createTenant(t *testing.T, plan string) snowflake.ID {
	t.Helper()
	id := f.node.Generate()
	row := tenantdomain.Tenant{
		ID:     id,
		Slug:   "t-" + id.String(),
		Name:   "Tenant " + id.String(),
		Status: tenantdomain.TenantStatusActive,
		Plan:   plan,
	}
	if err := f.db.Create(&row).Error; err != nil {
		t.Fatalf("create tenant: %v", err)
	}
	return id
}

func (f *creditFixture) priceAction(t *testing.T, key string, cost int64) {
	t.Helper()
	row := creditdomain.ActionCost{ActionKey: key, Cost: cost, Active: true}
	if err := f.db.Create(&row).Error; err != nil {
		t.Fatalf("price action: %v", err)
	}
}

func (f *creditFixture) balance(t *testing.T, tenantID snowflake.ID) int64 {
	t.Helper()
	var account creditdomain.Account
	if err := f.db.First(&account, "tenant_id = ?", tenantID).Error; err != nil {
		t.Fatalf("load account: %v", err)
	}
	return account.Balance
}

func (f *creditFixture) countEvents(t *testing.T, eventType string) int64 {
	t.Helper()
	var count int64
	if err := f.db.Model(&events.OutboxRecord{}).
		Where("event_type = ?", eventType).
		Count(&count).Error; err != nil {
		t.Fatalf("count events: %v", err)
	}
	return count
}

func TestGrantFreeCreditsFirstGrant(t *testing.T) {
	f := setupCreditService(t)
	tenantID := f.createTenant(t, tenantdomain.PlanMetered)

	result, err := f.svc.GrantFreeCredits(context.Background(), tenantID, creditdomain.GrantRequest{
		Source: creditdomain.GrantSourceProvisioning,
		Actor:  creditdomain.Actor{Type: creditdomain.ActorTypeSystem, ID: "provisioning"},
	})
	if err != nil {
		t.Fatalf("grant: %v", err)
	}
	if !result.Success || result.Duplicate {
		t.Fatalf("unexpected result: %+v", result)
	}
	if result.Amount != 500 || result.Balance != 500 {
		t.Fatalf("amount = %d balance = %d, want 500/500", result.Amount, result.Balance)
	}
	wantNext := f.clock.Now().Add(25 * 24 * time.Hour)
	if result.NextGrantAt == nil || !result.NextGrantAt.Equal(wantNext) {
		t.Fatalf("next grant = %v, want %v", result.NextGrantAt, wantNext)
	}
	if got := f.balance(t, tenantID); got != 500 {
		t.Fatalf("stored balance = %d, want 500", got)
	}
	if got := f.countEvents(t, events.EventCreditGranted); got != 1 {
		t.Fatalf("granted events = %d, want 1", got)
	}
}

func TestGrantCadenceAndMonthlyDedupe(t *testing.T) {
	f := setupCreditService(t)
	tenantID := f.createTenant(t, tenantdomain.PlanMetered)
	req := creditdomain.GrantRequest{
		Source: creditdomain.GrantSourceScheduled,
		Actor:  creditdomain.Actor{Type: creditdomain.ActorTypeSystem, ID: "scheduler"},
	}

	if _, err := f.svc.GrantFreeCredits(context.Background(), tenantID, req); err != nil {
		t.Fatalf("first grant: %v", err)
	}

	// One day later the cooldown declines the retry and reports when
	// the next grant opens.
	f.clock.Advance(24 * time.Hour)
	result, err := f.svc.GrantFreeCredits(context.Background(), tenantID, req)
	if err != nil {
		t.Fatalf("early grant: %v", err)
	}
	if result.Success || result.Reason != creditdomain.ReasonTooSoon {
		t.Fatalf("expected too_soon, got %+v", result)
	}
	if result.NextGrantAt == nil || result.Balance != 500 {
		t.Fatalf("decline should carry next grant and balance: %+v", result)
	}

	// Past the cooldown but still in January: the month key already has
	// a ledger row, so the grant replays instead of double-crediting.
	f.clock.Set(time.Date(2026, time.January, 31, 12, 0, 0, 0, time.UTC))
	result, err = f.svc.GrantFreeCredits(context.Background(), tenantID, req)
	if err != nil {
		t.Fatalf("same-month grant: %v", err)
	}
	if !result.Duplicate || result.Reason != creditdomain.ReasonAlreadyGranted {
		t.Fatalf("expected already_granted replay, got %+v", result)
	}
	if got := f.balance(t, tenantID); got != 500 {
		t.Fatalf("balance after replay = %d, want 500", got)
	}

	// February opens a fresh month key.
	f.clock.Set(time.Date(2026, time.February, 2, 12, 0, 0, 0, time.UTC))
	result, err = f.svc.GrantFreeCredits(context.Background(), tenantID, req)
	if err != nil {
		t.Fatalf("next-month grant: %v", err)
	}
	if !result.Success || result.Duplicate || result.Balance != 1000 {
		t.Fatalf("expected fresh grant to 1000, got %+v", result)
	}
}

func TestGrantRejectsOversizedAmount(t *testing.T) {
	f := setupCreditService(t)
	tenantID := f.createTenant(t, tenantdomain.PlanMetered)

	result, err := f.svc.GrantFreeCredits(context.Background(), tenantID, creditdomain.GrantRequest{
		Amount: 20000,
		Source: creditdomain.GrantSourceManual,
		Actor:  creditdomain.Actor{Type: creditdomain.ActorTypeSuperAdmin, ID: "1"},
	})
	if err != nil {
		t.Fatalf("grant: %v", err)
	}
	if result.Success || result.Reason != creditdomain.ReasonExceedsMaxGrant {
		t.Fatalf("expected exceeds_max_grant, got %+v", result)
	}
}

func TestPurchaseReplayReturnsOriginal(t *testing.T) {
	f := setupCreditService(t)
	tenantID := f.createTenant(t, tenantdomain.PlanMetered)
	req := creditdomain.PurchaseRequest{
		Amount:     1000,
		PaymentRef: "pay_7001",
		Provider:   "stripe",
		Actor:      creditdomain.Actor{Type: creditdomain.ActorTypeAPIKey, ID: "k1"},
	}

	first, err := f.svc.PurchaseCredits(context.Background(), tenantID, req)
	if err != nil {
		t.Fatalf("purchase: %v", err)
	}
	if !first.Success || first.Balance != 1000 {
		t.Fatalf("unexpected purchase result: %+v", first)
	}

	replay, err := f.svc.PurchaseCredits(context.Background(), tenantID, req)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if !replay.Success || !replay.Duplicate {
		t.Fatalf("expected duplicate success, got %+v", replay)
	}
	if replay.TransactionID != first.TransactionID || replay.Balance != 1000 {
		t.Fatalf("replay should return the original row: %+v", replay)
	}
	if got := f.balance(t, tenantID); got != 1000 {
		t.Fatalf("balance = %d, want 1000", got)
	}
}

func TestPurchaseRefClaimedByAnotherTenant(t *testing.T) {
	f := setupCreditService(t)
	tenantA := f.createTenant(t, tenantdomain.PlanMetered)
	tenantB := f.createTenant(t, tenantdomain.PlanMetered)

	if _, err := f.svc.PurchaseCredits(context.Background(), tenantA, creditdomain.PurchaseRequest{
		Amount: 1000, PaymentRef: "pay_shared",
	}); err != nil {
		t.Fatalf("purchase: %v", err)
	}

	result, err := f.svc.PurchaseCredits(context.Background(), tenantB, creditdomain.PurchaseRequest{
		Amount: 1000, PaymentRef: "pay_shared",
	})
	if err != nil {
		t.Fatalf("cross-tenant purchase: %v", err)
	}
	if result.Success || result.Reason != creditdomain.ReasonDuplicateReference {
		t.Fatalf("expected duplicate_reference decline, got %+v", result)
	}
	if got := f.balance(t, tenantB); got != 0 {
		t.Fatalf("tenant B balance = %d, want 0", got)
	}
}

func TestConsumeDebitsCostTimesQuantity(t *testing.T) {
	f := setupCreditService(t)
	tenantID := f.createTenant(t, tenantdomain.PlanMetered)
	f.priceAction(t, "order_create", 25)
	if _, err := f.svc.GrantFreeCredits(context.Background(), tenantID, creditdomain.GrantRequest{}); err != nil {
		t.Fatalf("grant: %v", err)
	}

	result, err := f.svc.ConsumeCredits(context.Background(), tenantID, creditdomain.ConsumeRequest{
		ActionKey: "order_create",
		Quantity:  2,
		Actor:     creditdomain.Actor{Type: creditdomain.ActorTypeUser, ID: "u1"},
	})
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if !result.Success || result.Amount != -50 || result.Cost != 50 || result.Balance != 450 {
		t.Fatalf("unexpected consume result: %+v", result)
	}

	balance, err := f.svc.GetBalance(context.Background(), tenantID)
	if err != nil {
		t.Fatalf("get balance: %v", err)
	}
	if balance.Balance != 450 || balance.LifetimeSpent != 50 || balance.DailyUsageCount != 1 {
		t.Fatalf("unexpected balance view: %+v", balance)
	}
}

func TestConsumeIdempotentReference(t *testing.T) {
	f := setupCreditService(t)
	tenantID := f.createTenant(t, tenantdomain.PlanMetered)
	f.priceAction(t, "order_create", 25)
	if _, err := f.svc.GrantFreeCredits(context.Background(), tenantID, creditdomain.GrantRequest{}); err != nil {
		t.Fatalf("grant: %v", err)
	}

	req := creditdomain.ConsumeRequest{ActionKey: "order_create", ReferenceID: "order_42"}
	first, err := f.svc.ConsumeCredits(context.Background(), tenantID, req)
	if err != nil {
		t.Fatalf("consume: %v", err)
	}

	replay, err := f.svc.ConsumeCredits(context.Background(), tenantID, req)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if !replay.Success || !replay.Duplicate || replay.TransactionID != first.TransactionID {
		t.Fatalf("expected replay of original debit, got %+v", replay)
	}
	if replay.Cost != 25 || replay.Balance != 475 {
		t.Fatalf("replay cost/balance = %d/%d, want 25/475", replay.Cost, replay.Balance)
	}
	if got := f.balance(t, tenantID); got != 475 {
		t.Fatalf("balance = %d, want 475", got)
	}
}

func TestConsumeInsufficientCredits(t *testing.T) {
	f := setupCreditService(t)
	tenantID := f.createTenant(t, tenantdomain.PlanMetered)
	f.priceAction(t, "order_create", 25)
	if _, err := f.svc.AdjustCredits(context.Background(), tenantID, creditdomain.AdjustRequest{
		Amount: 10, Reason: "seed",
	}); err != nil {
		t.Fatalf("seed adjust: %v", err)
	}

	result, err := f.svc.ConsumeCredits(context.Background(), tenantID, creditdomain.ConsumeRequest{
		ActionKey: "order_create",
	})
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if result.Success || result.Reason != creditdomain.ReasonInsufficientCredits {
		t.Fatalf("expected insufficient_credits, got %+v", result)
	}
	if result.Cost != 25 || result.Balance != 10 {
		t.Fatalf("decline should report cost 25 and balance 10: %+v", result)
	}

	var usageRows int64
	if err := f.db.Model(&creditdomain.Transaction{}).
		Where("tenant_id = ? AND type = ?", tenantID, creditdomain.TransactionTypeUsage).
		Count(&usageRows).Error; err != nil {
		t.Fatalf("count usage rows: %v", err)
	}
	if usageRows != 0 {
		t.Fatalf("declined consume left %d usage rows", usageRows)
	}
}

func TestConsumeUnmeteredBypassesLedger(t *testing.T) {
	f := setupCreditService(t)
	tenantID := f.createTenant(t, tenantdomain.PlanUnmetered)

	result, err := f.svc.ConsumeCredits(context.Background(), tenantID, creditdomain.ConsumeRequest{
		ActionKey: "order_create",
	})
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if !result.Success || !result.Unmetered {
		t.Fatalf("expected unmetered bypass, got %+v", result)
	}

	var rows int64
	if err := f.db.Model(&creditdomain.Transaction{}).Where("tenant_id = ?", tenantID).Count(&rows).Error; err != nil {
		t.Fatalf("count rows: %v", err)
	}
	if rows != 0 {
		t.Fatalf("unmetered consume wrote %d ledger rows", rows)
	}

	balance, err := f.svc.GetBalance(context.Background(), tenantID)
	if err != nil {
		t.Fatalf("get balance: %v", err)
	}
	if !balance.Unmetered {
		t.Fatalf("balance view should report unmetered: %+v", balance)
	}
}

func TestConsumeUnpricedActionIsFree(t *testing.T) {
	f := setupCreditService(t)
	tenantID := f.createTenant(t, tenantdomain.PlanMetered)

	result, err := f.svc.ConsumeCredits(context.Background(), tenantID, creditdomain.ConsumeRequest{
		ActionKey: "never_priced",
	})
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if !result.Success || result.Cost != 0 || result.TransactionID != "" {
		t.Fatalf("unpriced action should succeed without a ledger row: %+v", result)
	}
}

func TestConsumeInactiveActionIsFree(t *testing.T) {
	f := setupCreditService(t)
	tenantID := f.createTenant(t, tenantdomain.PlanMetered)
	row := creditdomain.ActionCost{ActionKey: "retired_action", Cost: 25, Active: false}
	if err := f.db.Create(&row).Error; err != nil {
		t.Fatalf("create cost: %v", err)
	}
	// Active carries a default:true tag, so GORM substitutes the default
	// for the zero value on Create; flip the column explicitly.
	if err := f.db.Model(&creditdomain.ActionCost{}).
		Where("action_key = ?", row.ActionKey).
		Update("active", false).Error; err != nil {
		t.Fatalf("deactivate cost: %v", err)
	}

	result, err := f.svc.ConsumeCredits(context.Background(), tenantID, creditdomain.ConsumeRequest{
		ActionKey: "retired_action",
	})
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if !result.Success || result.TransactionID != "" {
		t.Fatalf("inactive action should not debit: %+v", result)
	}
}

func TestConsumeEmitsLowBalanceEventOnce(t *testing.T) {
	f := setupCreditService(t)
	tenantID := f.createTenant(t, tenantdomain.PlanMetered)
	f.priceAction(t, "order_create", 25)
	if _, err := f.svc.AdjustCredits(context.Background(), tenantID, creditdomain.AdjustRequest{
		Amount: 60, Reason: "seed",
	}); err != nil {
		t.Fatalf("seed adjust: %v", err)
	}

	// 60 -> 35 crosses the floor of 50; 35 -> 10 stays below it.
	for i := 0; i < 2; i++ {
		if _, err := f.svc.ConsumeCredits(context.Background(), tenantID, creditdomain.ConsumeRequest{
			ActionKey: "order_create",
		}); err != nil {
			t.Fatalf("consume %d: %v", i, err)
		}
	}

	if got := f.countEvents(t, events.EventCreditLow); got != 1 {
		t.Fatalf("low balance events = %d, want 1", got)
	}
}

func TestConsumeReturnsAbuseFlags(t *testing.T) {
	f := setupCreditServiceWith(t, creditdomain.Config{
		FreeGrantAmount: 500,
		MaxGrantAmount:  10000,
		GrantCooldown:   25 * 24 * time.Hour,
		LowBalanceFloor: 50,
		UnmeteredPlan:   tenantdomain.PlanUnmetered,
	}, creditdomain.AbuseConfig{
		BurstThreshold: 2,
		BurstWindow:    time.Minute,
	})
	tenantID := f.createTenant(t, tenantdomain.PlanMetered)

	var last *creditdomain.OperationResult
	for i := 0; i < 3; i++ {
		result, err := f.svc.ConsumeCredits(context.Background(), tenantID, creditdomain.ConsumeRequest{
			ActionKey: "never_priced",
		})
		if err != nil {
			t.Fatalf("consume %d: %v", i, err)
		}
		last = result
	}
	if !last.Success {
		t.Fatalf("flags must not block the operation: %+v", last)
	}
	if len(last.Flags) != 1 || last.Flags[0].Rule != creditdomain.AbuseRuleBurst {
		t.Fatalf("expected one burst flag, got %+v", last.Flags)
	}
	if got := f.countEvents(t, events.EventAbuseFlagged); got != 1 {
		t.Fatalf("abuse events = %d, want 1", got)
	}
}

func TestAdjustNeverGoesNegative(t *testing.T) {
	f := setupCreditService(t)
	tenantID := f.createTenant(t, tenantdomain.PlanMetered)
	if _, err := f.svc.AdjustCredits(context.Background(), tenantID, creditdomain.AdjustRequest{
		Amount: 100, Reason: "seed",
	}); err != nil {
		t.Fatalf("seed adjust: %v", err)
	}

	result, err := f.svc.AdjustCredits(context.Background(), tenantID, creditdomain.AdjustRequest{
		Amount: -200, Reason: "clawback",
	})
	if err != nil {
		t.Fatalf("adjust: %v", err)
	}
	if result.Success || result.Reason != creditdomain.ReasonWouldGoNegative {
		t.Fatalf("expected would_go_negative, got %+v", result)
	}
	if got := f.balance(t, tenantID); got != 100 {
		t.Fatalf("balance = %d, want 100", got)
	}

	result, err = f.svc.AdjustCredits(context.Background(), tenantID, creditdomain.AdjustRequest{
		Amount: -50, Reason: "clawback",
	})
	if err != nil {
		t.Fatalf("adjust: %v", err)
	}
	if !result.Success || result.Balance != 50 {
		t.Fatalf("expected balance 50, got %+v", result)
	}
}

func TestAdjustRequiresReason(t *testing.T) {
	f := setupCreditService(t)
	tenantID := f.createTenant(t, tenantdomain.PlanMetered)

	_, err := f.svc.AdjustCredits(context.Background(), tenantID, creditdomain.AdjustRequest{Amount: 10})
	if !errors.Is(err, creditdomain.ErrInvalidReason) {
		t.Fatalf("expected invalid_reason, got %v", err)
	}
}

func TestAdjustIdempotentReference(t *testing.T) {
	f := setupCreditService(t)
	tenantID := f.createTenant(t, tenantdomain.PlanMetered)
	req := creditdomain.AdjustRequest{Amount: 75, Reason: "support credit", ReferenceID: "ticket_9"}

	first, err := f.svc.AdjustCredits(context.Background(), tenantID, req)
	if err != nil {
		t.Fatalf("adjust: %v", err)
	}
	replay, err := f.svc.AdjustCredits(context.Background(), tenantID, req)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if !replay.Duplicate || replay.TransactionID != first.TransactionID {
		t.Fatalf("expected replay, got %+v", replay)
	}
	if got := f.balance(t, tenantID); got != 75 {
		t.Fatalf("balance = %d, want 75", got)
	}
}

func TestGetBalanceUnknownTenant(t *testing.T) {
	f := setupCreditService(t)

	_, err := f.svc.GetBalance(context.Background(), f.node.Generate())
	if !errors.Is(err, creditdomain.ErrInvalidTenant) {
		t.Fatalf("expected invalid_tenant, got %v", err)
	}
}

func TestListTransactionsFiltersAndPages(t *testing.T) {
	f := setupCreditService(t)
	tenantID := f.createTenant(t, tenantdomain.PlanMetered)
	f.priceAction(t, "order_create", 25)

	if _, err := f.svc.GrantFreeCredits(context.Background(), tenantID, creditdomain.GrantRequest{}); err != nil {
		t.Fatalf("grant: %v", err)
	}
	f.clock.Advance(time.Second)
	if _, err := f.svc.PurchaseCredits(context.Background(), tenantID, creditdomain.PurchaseRequest{
		Amount: 1000, PaymentRef: "pay_1",
	}); err != nil {
		t.Fatalf("purchase: %v", err)
	}
	f.clock.Advance(time.Second)
	if _, err := f.svc.ConsumeCredits(context.Background(), tenantID, creditdomain.ConsumeRequest{
		ActionKey: "order_create",
	}); err != nil {
		t.Fatalf("consume: %v", err)
	}

	page, err := f.svc.ListTransactions(context.Background(), tenantID, creditdomain.ListTransactionsRequest{PageSize: 2})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(page.Transactions) != 2 || !page.PageInfo.HasMore {
		t.Fatalf("expected first page of 2 with more, got %d hasMore=%v", len(page.Transactions), page.PageInfo.HasMore)
	}

	rest, err := f.svc.ListTransactions(context.Background(), tenantID, creditdomain.ListTransactionsRequest{
		PageSize:  2,
		PageToken: page.PageInfo.NextPageToken,
	})
	if err != nil {
		t.Fatalf("list rest: %v", err)
	}
	if len(rest.Transactions) != 1 || rest.PageInfo.HasMore {
		t.Fatalf("expected final page of 1, got %d hasMore=%v", len(rest.Transactions), rest.PageInfo.HasMore)
	}

	purchases, err := f.svc.ListTransactions(context.Background(), tenantID, creditdomain.ListTransactionsRequest{
		Types: []string{string(creditdomain.TransactionTypePurchase)},
	})
	if err != nil {
		t.Fatalf("list purchases: %v", err)
	}
	if len(purchases.Transactions) != 1 || purchases.Transactions[0].Type != string(creditdomain.TransactionTypePurchase) {
		t.Fatalf("expected one purchase row, got %+v", purchases.Transactions)
	}
	row := purchases.Transactions[0]
	if row.TenantID != tenantID.String() || row.Amount != 1000 || row.BalanceAfter != 1500 || row.ReferenceID != "pay_1" {
		t.Fatalf("unexpected purchase row mapping: %+v", row)
	}
}

func TestConsumeRejectsOverflowQuantity(t *testing.T) {
	f := setupCreditService(t)
	tenantID := f.createTenant(t, tenantdomain.PlanMetered)
	f.priceAction(t, "order_create", 100)
	if _, err := f.svc.GrantFreeCredits(context.Background(), tenantID, creditdomain.GrantRequest{}); err != nil {
		t.Fatalf("grant: %v", err)
	}

	// cost * quantity would wrap negative and sail past the balance check.
	_, err := f.svc.ConsumeCredits(context.Background(), tenantID, creditdomain.ConsumeRequest{
		ActionKey: "order_create",
		Quantity:  92233720368547759,
	})
	if !errors.Is(err, creditdomain.ErrInvalidQuantity) {
		t.Fatalf("expected invalid quantity, got %v", err)
	}
	if got := f.balance(t, tenantID); got != 500 {
		t.Fatalf("balance = %d, want 500 untouched", got)
	}

	var usageRows int64
	if err := f.db.Model(&creditdomain.Transaction{}).
		Where("tenant_id = ? AND type = ?", tenantID, creditdomain.TransactionTypeUsage).
		Count(&usageRows).Error; err != nil {
		t.Fatalf("count usage rows: %v", err)
	}
	if usageRows != 0 {
		t.Fatalf("rejected consume wrote %d usage rows", usageRows)
	}
}

func TestCompetingDebitsCannotOverdraw(t *testing.T) {
	f := setupCreditService(t)
	tenantID := f.createTenant(t, tenantdomain.PlanMetered)
	if _, err := f.svc.GrantFreeCredits(context.Background(), tenantID, creditdomain.GrantRequest{}); err != nil {
		t.Fatalf("grant: %v", err)
	}

	impl, ok := f.svc.(*Service)
	if !ok {
		t.Fatalf("unexpected service type %T", f.svc)
	}

	// Two debits that each saw a sufficient balance before either
	// committed. The conditional update serializes them: whichever lands
	// second must be rejected, never applied.
	ctx := context.Background()
	now := f.clock.Now()
	if err := impl.applyBalance(ctx, f.db, tenantID, -400, now); err != nil {
		t.Fatalf("first debit: %v", err)
	}
	if err := impl.applyBalance(ctx, f.db, tenantID, -400, now); err == nil {
		t.Fatalf("second debit should have been rejected")
	}
	if got := f.balance(t, tenantID); got != 100 {
		t.Fatalf("balance = %d, want 100", got)
	}
}

func TestUpsertActionCost(t *testing.T) {
	f := setupCreditService(t)

	created, err := f.svc.UpsertActionCost(context.Background(), creditdomain.UpsertActionCostRequest{
		ActionKey:   "ai_description",
		Cost:        10,
		Description: "Generate a product description",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.Cost != 10 || !created.Active {
		t.Fatalf("unexpected created cost: %+v", created)
	}

	inactive := false
	updated, err := f.svc.UpsertActionCost(context.Background(), creditdomain.UpsertActionCostRequest{
		ActionKey: "ai_description",
		Cost:      15,
		Active:    &inactive,
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Cost != 15 || updated.Active {
		t.Fatalf("unexpected updated cost: %+v", updated)
	}

	if _, err := f.svc.UpsertActionCost(context.Background(), creditdomain.UpsertActionCostRequest{
		ActionKey: "bad", Cost: -1,
	}); !errors.Is(err, creditdomain.ErrInvalidCost) {
		t.Fatalf("expected invalid_cost, got %v", err)
	}
}

func TestRunScheduledGrantsBatch(t *testing.T) {
	f := setupCreditService(t)
	meteredA := f.createTenant(t, tenantdomain.PlanMetered)
	meteredB := f.createTenant(t, tenantdomain.PlanMetered)
	unmetered := f.createTenant(t, tenantdomain.PlanUnmetered)
	for _, id := range []snowflake.ID{meteredA, meteredB, unmetered} {
		if err := f.svc.EnsureAccount(context.Background(), id); err != nil {
			t.Fatalf("ensure account: %v", err)
		}
	}

	granted, err := f.svc.RunScheduledGrants(context.Background(), 100)
	if err != nil {
		t.Fatalf("run grants: %v", err)
	}
	if granted != 2 {
		t.Fatalf("granted = %d, want 2", granted)
	}
	if f.balance(t, meteredA) != 500 || f.balance(t, meteredB) != 500 {
		t.Fatalf("metered tenants should each hold 500 credits")
	}
	if f.balance(t, unmetered) != 0 {
		t.Fatalf("unmetered tenant must not receive grants")
	}

	// Immediately rerunning finds nothing eligible.
	granted, err = f.svc.RunScheduledGrants(context.Background(), 100)
	if err != nil {
		t.Fatalf("rerun grants: %v", err)
	}
	if granted != 0 {
		t.Fatalf("rerun granted = %d, want 0", granted)
	}
}

func TestResetDailyUsageLeavesTodayAlone(t *testing.T) {
	f := setupCreditService(t)
	stale := f.createTenant(t, tenantdomain.PlanMetered)
	fresh := f.createTenant(t, tenantdomain.PlanMetered)
	for _, id := range []snowflake.ID{stale, fresh} {
		if err := f.svc.EnsureAccount(context.Background(), id); err != nil {
			t.Fatalf("ensure account: %v", err)
		}
	}

	today := f.clock.Now().Truncate(24 * time.Hour)
	yesterday := today.Add(-24 * time.Hour)
	if err := f.db.Model(&creditdomain.Account{}).Where("tenant_id = ?", stale).
		Updates(map[string]any{"daily_usage_count": 5, "daily_usage_date": yesterday}).Error; err != nil {
		t.Fatalf("stale update: %v", err)
	}
	if err := f.db.Model(&creditdomain.Account{}).Where("tenant_id = ?", fresh).
		Updates(map[string]any{"daily_usage_count": 3, "daily_usage_date": today}).Error; err != nil {
		t.Fatalf("fresh update: %v", err)
	}

	reset, err := f.svc.ResetDailyUsage(context.Background())
	if err != nil {
		t.Fatalf("reset: %v", err)
	}
	if reset != 1 {
		t.Fatalf("reset = %d, want 1", reset)
	}

	var account creditdomain.Account
	if err := f.db.First(&account, "tenant_id = ?", fresh).Error; err != nil {
		t.Fatalf("load fresh: %v", err)
	}
	if account.DailyUsageCount != 3 {
		t.Fatalf("today's counter was reset: %+v", account)
	}
}

func TestReconcileBalancesReportsDrift(t *testing.T) {
	f := setupCreditService(t)
	clean := f.createTenant(t, tenantdomain.PlanMetered)
	drifted := f.createTenant(t, tenantdomain.PlanMetered)
	for _, id := range []snowflake.ID{clean, drifted} {
		if _, err := f.svc.GrantFreeCredits(context.Background(), id, creditdomain.GrantRequest{}); err != nil {
			t.Fatalf("grant: %v", err)
		}
	}
	if err := f.db.Exec(
		`UPDATE credit_accounts SET balance = balance + 5 WHERE tenant_id = ?`, drifted,
	).Error; err != nil {
		t.Fatalf("induce drift: %v", err)
	}

	report, err := f.svc.ReconcileBalances(context.Background())
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if report.Checked != 2 || report.Drifted != 1 {
		t.Fatalf("checked/drifted = %d/%d, want 2/1", report.Checked, report.Drifted)
	}
	if len(report.TenantIDs) != 1 || report.TenantIDs[0] != drifted.String() {
		t.Fatalf("drift ids = %v, want [%s]", report.TenantIDs, drifted)
	}
}
