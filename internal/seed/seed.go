package seed

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"

	creditdomain "github.com/buttermb/delviery-sub007/internal/credit/domain"
	tenantdomain "github.com/buttermb/delviery-sub007/internal/tenant/domain"
)

const (
	defaultTenantName  = "Main"
	defaultTenantSlug  = "main"
	defaultOwnerEmail  = "owner@distro.local"
	defaultOwnerName   = "Distro Owner"
	superAdminReason   = "bootstrap"
)

// EnsureActionCosts inserts the default cost table rows that are missing.
// Existing rows are left alone so operator price changes survive restarts.
func EnsureActionCosts(db *gorm.DB) error {
	if db == nil {
		return errors.New("seed database handle is required")
	}

	ctx := context.Background()
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, cost := range creditdomain.DefaultActionCosts {
			var existing creditdomain.ActionCost
			err := tx.WithContext(ctx).
				Where("action_key = ?", cost.ActionKey).
				First(&existing).Error
			if err == nil {
				continue
			}
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				return err
			}
			now := time.Now().UTC()
			cost.CreatedAt = now
			cost.UpdatedAt = now
			if err := tx.WithContext(ctx).Create(&cost).Error; err != nil {
				if errors.Is(err, gorm.ErrDuplicatedKey) {
					continue
				}
				return err
			}
		}
		return nil
	})
}

// EnsureMainTenantAndOwner seeds the default tenant with an owner user
// for single-box bootstrap.
func EnsureMainTenantAndOwner(db *gorm.DB) error {
	if db == nil {
		return errors.New("seed database handle is required")
	}

	node, err := snowflake.NewNode(1)
	if err != nil {
		return err
	}

	ctx := context.Background()
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		tenant, err := ensureMainTenantTx(ctx, tx, node)
		if err != nil {
			return err
		}

		user, err := ensureUserTx(ctx, tx, node, defaultOwnerEmail, defaultOwnerName)
		if err != nil {
			return err
		}

		var member tenantdomain.TenantMember
		err = tx.WithContext(ctx).
			Where("tenant_id = ? AND user_id = ?", tenant.ID, user.ID).
			First(&member).Error
		if err == nil {
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		now := time.Now().UTC()
		member = tenantdomain.TenantMember{
			ID:        node.Generate(),
			TenantID:  tenant.ID,
			UserID:    user.ID,
			Role:      tenantdomain.RoleOwner,
			Status:    tenantdomain.MemberStatusActive,
			CreatedAt: now,
			UpdatedAt: now,
		}
		return tx.WithContext(ctx).Create(&member).Error
	})
}

// EnsureSuperAdmin grants platform access to the configured operator
// email, creating the user row when needed. An empty email is a no-op.
func EnsureSuperAdmin(db *gorm.DB, email string) error {
	if db == nil {
		return errors.New("seed database handle is required")
	}
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return nil
	}

	node, err := snowflake.NewNode(1)
	if err != nil {
		return err
	}

	ctx := context.Background()
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		user, err := ensureUserTx(ctx, tx, node, email, "")
		if err != nil {
			return err
		}

		var admin tenantdomain.SuperAdmin
		err = tx.WithContext(ctx).
			Where("user_id = ?", user.ID).
			First(&admin).Error
		if err == nil {
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		admin = tenantdomain.SuperAdmin{
			UserID:    user.ID,
			Reason:    superAdminReason,
			CreatedAt: time.Now().UTC(),
		}
		return tx.WithContext(ctx).Create(&admin).Error
	})
}

func ensureMainTenantTx(ctx context.Context, tx *gorm.DB, node *snowflake.Node) (tenantdomain.Tenant, error) {
	var tenant tenantdomain.Tenant
	err := tx.WithContext(ctx).Where("slug = ?", defaultTenantSlug).First(&tenant).Error
	if err == nil {
		return tenant, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return tenant, err
	}
	now := time.Now().UTC()
	tenant = tenantdomain.Tenant{
		ID:        node.Generate(),
		Slug:      defaultTenantSlug,
		Name:      defaultTenantName,
		Status:    tenantdomain.TenantStatusActive,
		Plan:      tenantdomain.PlanMetered,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := tx.WithContext(ctx).Create(&tenant).Error; err != nil {
		return tenant, err
	}

	account := creditdomain.Account{
		TenantID:   tenant.ID,
		IsFreeTier: true,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := tx.WithContext(ctx).Create(&account).Error; err != nil {
		return tenant, err
	}
	return tenant, nil
}

func ensureUserTx(ctx context.Context, tx *gorm.DB, node *snowflake.Node, email, displayName string) (tenantdomain.User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	var user tenantdomain.User
	err := tx.WithContext(ctx).Where("email = ?", email).First(&user).Error
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return user, err
	}
	now := time.Now().UTC()
	user = tenantdomain.User{
		ID:          node.Generate(),
		Email:       email,
		DisplayName: displayName,
		Status:      tenantdomain.UserStatusActive,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := tx.WithContext(ctx).Create(&user).Error; err != nil {
		return user, err
	}
	return user, nil
}
