package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// TransactionType categorizes ledger rows.
type TransactionType string

const (
	TransactionTypeFreeGrant  TransactionType = "free_grant"
	TransactionTypePurchase   TransactionType = "purchase"
	TransactionTypeUsage      TransactionType = "usage"
	TransactionTypeAdjustment TransactionType = "adjustment"
)

// Action types used as the idempotency scope for non-usage rows. Usage
// rows scope by their action key instead.
const (
	ActionTypeFreeGrant  = "free_grant"
	ActionTypePurchase   = "purchase"
	ActionTypeAdjustment = "adjustment"
)

// Account is one tenant's credit balance. Balance always equals
// LifetimeEarned minus LifetimeSpent; a CHECK constraint backs this up.
// IsFreeTier is stamped from the tenant plan when the row is provisioned
// and flipped by plan changes; unmetered tenants never touch the ledger.
type Account struct {
	TenantID        snowflake.ID `gorm:"primaryKey"`
	Balance         int64        `gorm:"not null;default:0"`
	LifetimeEarned  int64        `gorm:"not null;default:0"`
	LifetimeSpent   int64        `gorm:"not null;default:0"`
	IsFreeTier      bool         `gorm:"not null;default:true"`
	DailyUsageCount int64        `gorm:"not null;default:0"`
	DailyUsageDate  *time.Time
	LastFreeGrantAt *time.Time
	NextFreeGrantAt *time.Time
	CreatedAt       time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt       time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Account) TableName() string { return "credit_accounts" }

// Transaction is an immutable ledger row. Amount is positive for credits
// and negative for debits; BalanceAfter snapshots the account balance the
// row left behind.
type Transaction struct {
	ID            snowflake.ID    `gorm:"primaryKey"`
	TenantID      snowflake.ID    `gorm:"not null;index"`
	Type          TransactionType `gorm:"type:text;not null"`
	ActionType    *string         `gorm:"type:text"`
	Amount        int64           `gorm:"not null"`
	BalanceAfter  int64           `gorm:"not null"`
	ReferenceType *string         `gorm:"type:text"`
	ReferenceID   *string         `gorm:"type:text"`
	ActorType     string          `gorm:"type:text;not null;default:''"`
	ActorID       string          `gorm:"type:text;not null;default:''"`
	Note          string          `gorm:"type:text;not null;default:''"`
	Metadata      datatypes.JSONMap
	CreatedAt     time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Transaction) TableName() string { return "credit_transactions" }

// ActionCost prices one billable action key.
type ActionCost struct {
	ActionKey   string `gorm:"primaryKey;type:text"`
	Cost        int64  `gorm:"not null"`
	Description string `gorm:"type:text;not null;default:''"`
	Active      bool   `gorm:"not null;default:true"`
	CreatedAt   time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt   time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (ActionCost) TableName() string { return "credit_action_costs" }

// DefaultActionCosts seeds the cost table on first boot.
var DefaultActionCosts = []ActionCost{
	{ActionKey: "menu_create", Cost: 100, Description: "Publish a wholesale menu", Active: true},
	{ActionKey: "order_create", Cost: 25, Description: "Create a purchase order", Active: true},
	{ActionKey: "ai_description", Cost: 10, Description: "Generate a product description", Active: true},
	{ActionKey: "export_catalog", Cost: 5, Description: "Export the product catalog", Active: true},
}
