package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// ActorType represents who triggered an action.
type ActorType string

const (
	ActorTypeUser       ActorType = "user"
	ActorTypeSuperAdmin ActorType = "super_admin"
	ActorTypeSystem     ActorType = "system"
	ActorTypeAPIKey     ActorType = "api_key"
)

// AuditLog captures an immutable record of a security or ledger action.
// TenantID is nil for platform-level actions. Bypass marks writes made
// outside normal tenant scoping.
type AuditLog struct {
	ID           snowflake.ID      `gorm:"primaryKey"`
	TenantID     *snowflake.ID     `gorm:"index"`
	ActorType    string            `gorm:"type:text;not null"`
	ActorID      string            `gorm:"type:text;not null;default:''"`
	Action       string            `gorm:"type:text;not null;index"`
	ResourceType string            `gorm:"type:text;not null;default:''"`
	ResourceID   string            `gorm:"type:text;not null;default:''"`
	Bypass       bool              `gorm:"not null;default:false"`
	RequestID    string            `gorm:"type:text;not null;default:''"`
	IPAddress    string            `gorm:"type:text;not null;default:''"`
	UserAgent    string            `gorm:"type:text;not null;default:''"`
	Metadata     datatypes.JSONMap `gorm:"type:jsonb;not null;default:'{}'"`
	CreatedAt    time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (AuditLog) TableName() string { return "audit_logs" }
