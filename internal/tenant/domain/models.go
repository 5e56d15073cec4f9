package domain

import (
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// MemberRole is the per-tenant role stored on a membership row.
type MemberRole string

const (
	RoleViewer MemberRole = "viewer"
	RoleMember MemberRole = "member"
	RoleAdmin  MemberRole = "admin"
	RoleOwner  MemberRole = "owner"
)

// ParseRole normalizes a role string. Unknown values report false.
func ParseRole(value string) (MemberRole, bool) {
	switch MemberRole(strings.ToLower(strings.TrimSpace(value))) {
	case RoleViewer:
		return RoleViewer, true
	case RoleMember:
		return RoleMember, true
	case RoleAdmin:
		return RoleAdmin, true
	case RoleOwner:
		return RoleOwner, true
	default:
		return "", false
	}
}

const (
	TenantStatusActive    = "active"
	TenantStatusSuspended = "suspended"

	MemberStatusInvited = "invited"
	MemberStatusActive  = "active"
	MemberStatusRemoved = "removed"

	UserStatusActive = "active"
)

// Plan values select the credit policy for a tenant.
const (
	PlanMetered   = "metered"
	PlanUnmetered = "unmetered"
)

// Tenant is an isolated workspace. Plan selects the credit policy:
// metered tenants debit credits per action, unmetered tenants skip the
// ledger entirely.
type Tenant struct {
	ID        snowflake.ID      `gorm:"primaryKey"`
	Slug      string            `gorm:"type:text;not null;uniqueIndex:ux_tenants_slug"`
	Name      string            `gorm:"type:text;not null"`
	Status    string            `gorm:"type:text;not null;default:active"`
	Plan      string            `gorm:"type:text;not null;default:metered"`
	Settings  datatypes.JSONMap `gorm:"type:jsonb"`
	CreatedAt time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Tenant) TableName() string { return "tenants" }

// User is a platform account. Identity issuance happens upstream; rows
// here exist to anchor memberships and audit attribution.
type User struct {
	ID          snowflake.ID `gorm:"primaryKey"`
	Email       string       `gorm:"type:text;not null;uniqueIndex:ux_users_email"`
	DisplayName string       `gorm:"type:text;not null;default:''"`
	Status      string       `gorm:"type:text;not null;default:active"`
	CreatedAt   time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt   time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (User) TableName() string { return "users" }

// TenantMember links a user to a tenant with exactly one role.
type TenantMember struct {
	ID        snowflake.ID `gorm:"primaryKey"`
	TenantID  snowflake.ID `gorm:"not null;index;uniqueIndex:ux_tenant_members_tenant_user,priority:1"`
	UserID    snowflake.ID `gorm:"not null;index;uniqueIndex:ux_tenant_members_tenant_user,priority:2"`
	Role      MemberRole   `gorm:"type:text;not null"`
	Status    string       `gorm:"type:text;not null;default:active"`
	CreatedAt time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (TenantMember) TableName() string { return "tenant_members" }

// SuperAdmin marks a platform operator. Membership rows never grant this;
// the table is the only source of cross-tenant access.
type SuperAdmin struct {
	UserID    snowflake.ID `gorm:"primaryKey"`
	GrantedBy snowflake.ID
	Reason    string    `gorm:"type:text;not null;default:''"`
	CreatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (SuperAdmin) TableName() string { return "super_admins" }
