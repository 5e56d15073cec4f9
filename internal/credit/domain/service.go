package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"

	"github.com/buttermb/delviery-sub007/pkg/db/pagination"
)

// Service is the credit ledger engine. Business outcomes come back as
// OperationResult values; errors are reserved for invalid input and
// infrastructure failures.
type Service interface {
	EnsureAccount(ctx context.Context, tenantID snowflake.ID) error
	GrantFreeCredits(ctx context.Context, tenantID snowflake.ID, req GrantRequest) (*OperationResult, error)
	PurchaseCredits(ctx context.Context, tenantID snowflake.ID, req PurchaseRequest) (*OperationResult, error)
	ConsumeCredits(ctx context.Context, tenantID snowflake.ID, req ConsumeRequest) (*OperationResult, error)
	AdjustCredits(ctx context.Context, tenantID snowflake.ID, req AdjustRequest) (*OperationResult, error)

	GetBalance(ctx context.Context, tenantID snowflake.ID) (*BalanceResponse, error)
	ListTransactions(ctx context.Context, tenantID snowflake.ID, req ListTransactionsRequest) (ListTransactionsResponse, error)

	ListActionCosts(ctx context.Context) ([]ActionCostResponse, error)
	UpsertActionCost(ctx context.Context, req UpsertActionCostRequest) (*ActionCostResponse, error)

	RunScheduledGrants(ctx context.Context, batchSize int) (int, error)
	ResetDailyUsage(ctx context.Context) (int, error)
	ReconcileBalances(ctx context.Context) (*ReconcileReport, error)
}

// Actor identifies who initiated an operation for ledger attribution.
type Actor struct {
	Type string
	ID   string
}

const (
	ActorTypeUser       = "user"
	ActorTypeSuperAdmin = "super_admin"
	ActorTypeAPIKey     = "api_key"
	ActorTypeSystem     = "system"
)

type GrantRequest struct {
	// Amount of credits to grant. Zero means the configured default.
	Amount int64
	Source string
	Actor  Actor
}

const (
	GrantSourceProvisioning = "provisioning"
	GrantSourceScheduled    = "scheduled"
	GrantSourceManual       = "manual"
)

type PurchaseRequest struct {
	Amount     int64
	PaymentRef string
	Provider   string
	Actor      Actor
}

type ConsumeRequest struct {
	ActionKey   string
	ReferenceID string
	Quantity    int64
	Metadata    map[string]any
	Actor       Actor
}

type AdjustRequest struct {
	Amount      int64
	Reason      string
	ReferenceID string
	Actor       Actor
}

// Reason explains a failed or short-circuited operation.
type Reason string

const (
	ReasonTooSoon             Reason = "too_soon"
	ReasonAlreadyGranted      Reason = "already_granted_this_month"
	ReasonExceedsMaxGrant     Reason = "exceeds_max_grant"
	ReasonInvalidAmount       Reason = "invalid_amount"
	ReasonDuplicateReference  Reason = "duplicate_reference"
	ReasonInsufficientCredits Reason = "insufficient_credits"
	ReasonWouldGoNegative     Reason = "would_go_negative"
)

// AbuseFlag is an advisory velocity signal. Flags never block the
// operation they accompany.
type AbuseFlag struct {
	Rule      string        `json:"rule"`
	ActionKey string        `json:"action_key,omitempty"`
	Count     int           `json:"count"`
	Window    time.Duration `json:"window"`
}

const (
	AbuseRuleBurst  = "burst"
	AbuseRuleRepeat = "repeat"
)

// OperationResult is the structured outcome of a ledger operation.
// Cost is only populated by consume: the total the action would have
// debited, even when the debit was declined.
type OperationResult struct {
	Success       bool        `json:"success"`
	Reason        Reason      `json:"reason,omitempty"`
	Duplicate     bool        `json:"duplicate,omitempty"`
	Unmetered     bool        `json:"unmetered,omitempty"`
	TransactionID string      `json:"transaction_id,omitempty"`
	Amount        int64       `json:"amount"`
	Cost          int64       `json:"cost,omitempty"`
	Balance       int64       `json:"balance"`
	NextGrantAt   *time.Time  `json:"next_grant_at,omitempty"`
	Flags         []AbuseFlag `json:"flags,omitempty"`
}

type BalanceResponse struct {
	TenantID        string     `json:"tenant_id"`
	Balance         int64      `json:"balance"`
	LifetimeEarned  int64      `json:"lifetime_earned"`
	LifetimeSpent   int64      `json:"lifetime_spent"`
	Unmetered       bool       `json:"unmetered"`
	DailyUsageCount int64      `json:"daily_usage_count"`
	LastFreeGrantAt *time.Time `json:"last_free_grant_at,omitempty"`
	NextGrantAt     *time.Time `json:"next_grant_at,omitempty"`
}

type ListTransactionsRequest struct {
	Types     []string
	PageToken string
	PageSize  int32
}

type TransactionResponse struct {
	ID           string         `json:"id"`
	TenantID     string         `json:"tenant_id"`
	Type         string         `json:"type"`
	ActionType   string         `json:"action_type,omitempty"`
	Amount       int64          `json:"amount"`
	BalanceAfter int64          `json:"balance_after"`
	ReferenceID  string         `json:"reference_id,omitempty"`
	ActorType    string         `json:"actor_type,omitempty"`
	ActorID      string         `json:"actor_id,omitempty"`
	Note         string         `json:"note,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	CreatedAt    string         `json:"created_at"`
}

type ListTransactionsResponse struct {
	Transactions []TransactionResponse `json:"transactions"`
	PageInfo     pagination.PageInfo   `json:"page_info"`
}

type ActionCostResponse struct {
	ActionKey   string `json:"action_key"`
	Cost        int64  `json:"cost"`
	Description string `json:"description,omitempty"`
	Active      bool   `json:"active"`
}

type UpsertActionCostRequest struct {
	ActionKey   string
	Cost        int64
	Description string
	Active      *bool
}

// ReconcileReport summarizes the balance invariant sweep.
type ReconcileReport struct {
	Checked    int      `json:"checked"`
	Drifted    int      `json:"drifted"`
	TenantIDs  []string `json:"tenant_ids,omitempty"`
	DurationMS int64    `json:"duration_ms"`
}

// Config tunes grant cadence and sizing. Provided from the process
// configuration at wire-up.
type Config struct {
	FreeGrantAmount int64
	MaxGrantAmount  int64
	GrantCooldown   time.Duration
	LowBalanceFloor int64
	UnmeteredPlan   string
}

// AbuseConfig tunes the advisory velocity rules.
type AbuseConfig struct {
	BurstThreshold  int
	BurstWindow     time.Duration
	RepeatThreshold int
	RepeatWindow    time.Duration
}

var (
	ErrInvalidTenant    = errors.New("invalid_tenant")
	ErrInvalidAction    = errors.New("invalid_action")
	ErrInvalidCost      = errors.New("invalid_cost")
	ErrInvalidReference = errors.New("invalid_reference")
	ErrInvalidReason    = errors.New("invalid_reason")
	ErrInvalidQuantity  = errors.New("invalid_quantity")
	ErrAccountNotFound  = errors.New("account_not_found")
	ErrActionNotFound   = errors.New("action_not_found")
)
