package identity

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/zap"
	"github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/buttermb/delviery-sub007/internal/cache"
	tenantdomain "github.com/buttermb/delviery-sub007/internal/tenant/domain"
)

func TestResolveBuildsMembershipScope(t *testing.T) {
	r, db := setupResolver(t)
	seedUser(t, db, 10, "owner@example.com")
	seedTenant(t, db, 1, "one", tenantdomain.TenantStatusActive)
	seedTenant(t, db, 2, "two", tenantdomain.TenantStatusActive)
	seedMember(t, db, 100, 1, 10, "owner", tenantdomain.MemberStatusActive)
	seedMember(t, db, 101, 2, 10, "viewer", tenantdomain.MemberStatusActive)

	ident, err := r.Resolve(context.Background(), 10)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if ident.SuperAdmin {
		t.Fatal("plain user resolved as super admin")
	}
	if len(ident.Memberships) != 2 {
		t.Fatalf("memberships = %d, want 2", len(ident.Memberships))
	}
	if ident.Memberships[1] != "owner" || ident.Memberships[2] != "viewer" {
		t.Fatalf("unexpected memberships: %v", ident.Memberships)
	}

	scope := ident.Scope()
	if scope.Unrestricted {
		t.Fatal("scope should not be unrestricted")
	}
	if !scope.Allows(1) || !scope.Allows(2) || scope.Allows(3) {
		t.Fatalf("scope allows wrong tenants: %v", scope.Roles)
	}
}

func TestResolveSkipsInactiveMemberships(t *testing.T) {
	r, db := setupResolver(t)
	seedUser(t, db, 11, "a@example.com")
	seedTenant(t, db, 1, "one", tenantdomain.TenantStatusActive)
	seedTenant(t, db, 2, "two", tenantdomain.TenantStatusSuspended)
	seedMember(t, db, 102, 1, 11, "member", tenantdomain.MemberStatusRemoved)
	seedMember(t, db, 103, 2, 11, "member", tenantdomain.MemberStatusActive)

	ident, err := r.Resolve(context.Background(), 11)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(ident.Memberships) != 0 {
		t.Fatalf("removed and suspended memberships leaked: %v", ident.Memberships)
	}
}

func TestResolveSuperAdmin(t *testing.T) {
	r, db := setupResolver(t)
	seedUser(t, db, 12, "ops@example.com")
	if err := db.Create(&tenantdomain.SuperAdmin{UserID: 12, Reason: "on-call"}).Error; err != nil {
		t.Fatalf("seed super admin: %v", err)
	}

	ident, err := r.Resolve(context.Background(), 12)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !ident.SuperAdmin {
		t.Fatal("super admin bit not set")
	}
	scope := ident.Scope()
	if !scope.Unrestricted || scope.ActorType != "super_admin" {
		t.Fatalf("unexpected scope: %+v", scope)
	}
}

func TestResolveUnknownOrInactiveUser(t *testing.T) {
	r, db := setupResolver(t)
	seedUser(t, db, 13, "gone@example.com")
	if err := db.Model(&tenantdomain.User{}).Where("id = ?", 13).Update("status", "disabled").Error; err != nil {
		t.Fatalf("disable user: %v", err)
	}

	if _, err := r.Resolve(context.Background(), 999); !errors.Is(err, ErrUnknownUser) {
		t.Fatalf("expected unknown user, got %v", err)
	}
	if _, err := r.Resolve(context.Background(), 13); !errors.Is(err, ErrUnknownUser) {
		t.Fatalf("expected unknown user for disabled account, got %v", err)
	}
}

func TestInvalidateDropsCachedGrant(t *testing.T) {
	r, db := setupResolver(t)
	seedUser(t, db, 14, "b@example.com")
	seedTenant(t, db, 1, "one", tenantdomain.TenantStatusActive)
	seedMember(t, db, 104, 1, 14, "admin", tenantdomain.MemberStatusActive)

	first, err := r.Resolve(context.Background(), 14)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if first.Memberships[1] != "admin" {
		t.Fatalf("unexpected role: %v", first.Memberships)
	}

	if err := db.Model(&tenantdomain.TenantMember{}).
		Where("id = ?", 104).
		Update("status", tenantdomain.MemberStatusRemoved).Error; err != nil {
		t.Fatalf("revoke member: %v", err)
	}

	// Still cached until the writer invalidates.
	cached, err := r.Resolve(context.Background(), 14)
	if err != nil {
		t.Fatalf("resolve cached: %v", err)
	}
	if len(cached.Memberships) != 1 {
		t.Fatalf("expected cached snapshot, got %v", cached.Memberships)
	}

	r.Invalidate(14)
	fresh, err := r.Resolve(context.Background(), 14)
	if err != nil {
		t.Fatalf("resolve fresh: %v", err)
	}
	if len(fresh.Memberships) != 0 {
		t.Fatalf("revoked membership survived invalidation: %v", fresh.Memberships)
	}
}

func setupResolver(t *testing.T) (Resolver, *gorm.DB) {
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
	); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	r := &resolver{
		db:    db,
		log:   zap.NewNop(),
		cache: cache.NewTTLCache[snowflake.ID, *Identity](),
		ttl:   time.Minute,
	}
	return r, db
}

func seedUser(t *testing.T, db *gorm.DB, id snowflake.ID, email string) {
	t.Helper()
	if err := db.Create(&tenantdomain.User{ID: id, Email: email, Status: tenantdomain.UserStatusActive}).Error; err != nil {
		t.Fatalf("seed user: %v", err)
	}
}

func seedTenant(t *testing.T, db *gorm.DB, id snowflake.ID, slug, status string) {
	t.Helper()
	if err := db.Create(&tenantdomain.Tenant{ID: id, Slug: slug, Name: slug, Status: status, Plan: "metered"}).Error; err != nil {
		t.Fatalf("seed tenant: %v", err)
	}
}

func seedMember(t *testing.T, db *gorm.DB, id, tenantID, userID snowflake.ID, role, status string) {
	t.Helper()
	if err := db.Create(&tenantdomain.TenantMember{
		ID:       id,
		TenantID: tenantID,
		UserID:   userID,
		Role:     tenantdomain.MemberRole(role),
		Status:   status,
	}).Error; err != nil {
		t.Fatalf("seed member: %v", err)
	}
}
