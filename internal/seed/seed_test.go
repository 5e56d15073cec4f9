package seed

import (
	"testing"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"

	creditdomain "github.com/buttermb/delviery-sub007/internal/credit/domain"
	tenantdomain "github.com/buttermb/delviery-sub007/internal/tenant/domain"
)

func setupSeedDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{TranslateError: true})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(
		&tenantdomain.Tenant{},
		&tenantdomain.User{},
		&tenantdomain.TenantMember{},
		&tenantdomain.SuperAdmin{},
		&creditdomain.Account{},
		&creditdomain.ActionCost{},
	); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func TestEnsureActionCostsKeepsOperatorPrices(t *testing.T) {
	db := setupSeedDB(t)

	if err := EnsureActionCosts(db); err != nil {
		t.Fatalf("seed: %v", err)
	}
	var count int64
	if err := db.Model(&creditdomain.ActionCost{}).Count(&count).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != int64(len(creditdomain.DefaultActionCosts)) {
		t.Fatalf("costs = %d, want %d", count, len(creditdomain.DefaultActionCosts))
	}

	// An operator price change survives a reseed.
	if err := db.Model(&creditdomain.ActionCost{}).
		Where("action_key = ?", "order_create").
		Update("cost", 99).Error; err != nil {
		t.Fatalf("reprice: %v", err)
	}
	if err := EnsureActionCosts(db); err != nil {
		t.Fatalf("reseed: %v", err)
	}

	var cost creditdomain.ActionCost
	if err := db.First(&cost, "action_key = ?", "order_create").Error; err != nil {
		t.Fatalf("load: %v", err)
	}
	if cost.Cost != 99 {
		t.Fatalf("cost = %d, want 99 after reseed", cost.Cost)
	}
}

func TestEnsureMainTenantAndOwnerIsIdempotent(t *testing.T) {
	db := setupSeedDB(t)

	for i := 0; i < 2; i++ {
		if err := EnsureMainTenantAndOwner(db); err != nil {
			t.Fatalf("seed pass %d: %v", i, err)
		}
	}

	var tenants, users, members, accounts int64
	db.Model(&tenantdomain.Tenant{}).Count(&tenants)
	db.Model(&tenantdomain.User{}).Count(&users)
	db.Model(&tenantdomain.TenantMember{}).Count(&members)
	db.Model(&creditdomain.Account{}).Count(&accounts)
	if tenants != 1 || users != 1 || members != 1 || accounts != 1 {
		t.Fatalf("rows = %d/%d/%d/%d, want 1 each", tenants, users, members, accounts)
	}

	var member tenantdomain.TenantMember
	if err := db.First(&member).Error; err != nil {
		t.Fatalf("load member: %v", err)
	}
	if member.Role != tenantdomain.RoleOwner || member.Status != tenantdomain.MemberStatusActive {
		t.Fatalf("unexpected membership: %+v", member)
	}
}

func TestEnsureSuperAdmin(t *testing.T) {
	db := setupSeedDB(t)

	// Empty email is a no-op, not an error.
	if err := EnsureSuperAdmin(db, "  "); err != nil {
		t.Fatalf("empty email: %v", err)
	}
	var count int64
	db.Model(&tenantdomain.SuperAdmin{}).Count(&count)
	if count != 0 {
		t.Fatalf("no-op seeded %d admins", count)
	}

	for i := 0; i < 2; i++ {
		if err := EnsureSuperAdmin(db, "Ops@Example.Test"); err != nil {
			t.Fatalf("seed pass %d: %v", i, err)
		}
	}
	db.Model(&tenantdomain.SuperAdmin{}).Count(&count)
	if count != 1 {
		t.Fatalf("admins = %d, want 1", count)
	}

	var user tenantdomain.User
	if err := db.First(&user, "email = ?", "ops@example.test").Error; err != nil {
		t.Fatalf("user row should be lowercased: %v", err)
	}
}
