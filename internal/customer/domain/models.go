package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

const (
	StatusActive   = "active"
	StatusArchived = "archived"
)

// Customer is a wholesale buyer owned by exactly one tenant. Every read
// and write goes through the scoped query path; there is no unscoped
// accessor.
type Customer struct {
	ID        snowflake.ID      `gorm:"primaryKey"`
	TenantID  snowflake.ID      `gorm:"not null;index"`
	Name      string            `gorm:"type:text;not null"`
	Email     string            `gorm:"type:text;not null;default:''"`
	Phone     string            `gorm:"type:text;not null;default:''"`
	LicenseNo string            `gorm:"type:text;not null;default:''"`
	Status    string            `gorm:"type:text;not null;default:active"`
	Metadata  datatypes.JSONMap `gorm:"type:jsonb"`
	CreatedAt time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Customer) TableName() string { return "customers" }
