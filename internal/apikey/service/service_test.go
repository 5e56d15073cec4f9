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

	"github.com/buttermb/delviery-sub007/internal/apikey/domain"
	"github.com/buttermb/delviery-sub007/internal/apikey/repository"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func setupAPIKeyService(t *testing.T) (domain.Service, *fakeClock) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{TranslateError: true})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&domain.APIKey{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("snowflake node: %v", err)
	}
	clk := &fakeClock{now: time.Date(2026, time.April, 1, 0, 0, 0, 0, time.UTC)}
	svc := New(ServiceParam{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
		Clock: clk,
		Repo:  repository.Provide(),
	})
	return svc, clk
}

func TestCreateAndAuthenticate(t *testing.T) {
	svc, _ := setupAPIKeyService(t)

	created, err := svc.Create(context.Background(), 1, domain.CreateRequest{Name: "ci"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.Token == "" || created.Status != domain.StatusActive {
		t.Fatalf("unexpected created key: %+v", created)
	}

	authed, err := svc.Authenticate(context.Background(), created.Token)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if authed.TenantID != 1 || authed.KeyID != created.KeyID {
		t.Fatalf("unexpected identity: %+v", authed)
	}
}

func TestAuthenticateRejectsBadTokens(t *testing.T) {
	svc, _ := setupAPIKeyService(t)

	created, err := svc.Create(context.Background(), 1, domain.CreateRequest{Name: "ci"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// Wrong secret, unknown key id, and garbage all collapse into the
	// same error.
	for _, token := range []string{
		created.KeyID + ".wrongsecret",
		"dk_ffffffffffffffff.whatever",
		"garbage",
	} {
		if _, err := svc.Authenticate(context.Background(), token); !errors.Is(err, domain.ErrInvalidToken) {
			t.Fatalf("token %q: expected invalid_token, got %v", token, err)
		}
	}
}

func TestAuthenticateHonorsExpiry(t *testing.T) {
	svc, clk := setupAPIKeyService(t)

	expiresAt := clk.now.Add(time.Hour)
	created, err := svc.Create(context.Background(), 1, domain.CreateRequest{Name: "short-lived", ExpiresAt: &expiresAt})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := svc.Authenticate(context.Background(), created.Token); err != nil {
		t.Fatalf("authenticate before expiry: %v", err)
	}

	clk.now = clk.now.Add(2 * time.Hour)
	if _, err := svc.Authenticate(context.Background(), created.Token); !errors.Is(err, domain.ErrInvalidToken) {
		t.Fatalf("expected invalid_token after expiry, got %v", err)
	}
}

func TestRevokeStopsAuthentication(t *testing.T) {
	svc, _ := setupAPIKeyService(t)

	created, err := svc.Create(context.Background(), 1, domain.CreateRequest{Name: "ci"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	id, _ := snowflake.ParseString(created.ID)

	if err := svc.Revoke(context.Background(), 1, id); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if _, err := svc.Authenticate(context.Background(), created.Token); !errors.Is(err, domain.ErrInvalidToken) {
		t.Fatalf("expected invalid_token after revoke, got %v", err)
	}
	// Revoking again is harmless.
	if err := svc.Revoke(context.Background(), 1, id); err != nil {
		t.Fatalf("re-revoke: %v", err)
	}
}

func TestRevokeIsTenantScoped(t *testing.T) {
	svc, _ := setupAPIKeyService(t)

	created, err := svc.Create(context.Background(), 1, domain.CreateRequest{Name: "ci"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	id, _ := snowflake.ParseString(created.ID)

	if err := svc.Revoke(context.Background(), 2, id); !errors.Is(err, domain.ErrKeyNotFound) {
		t.Fatalf("expected key_not_found for foreign tenant, got %v", err)
	}
}

func TestRotateMintsReplacementAndKillsOld(t *testing.T) {
	svc, _ := setupAPIKeyService(t)

	expiresAt := time.Date(2026, time.June, 1, 0, 0, 0, 0, time.UTC)
	created, err := svc.Create(context.Background(), 1, domain.CreateRequest{Name: "ci", ExpiresAt: &expiresAt})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	id, _ := snowflake.ParseString(created.ID)

	rotated, err := svc.Rotate(context.Background(), 1, id)
	if err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if rotated.KeyID == created.KeyID || rotated.Name != "ci" || rotated.ExpiresAt != created.ExpiresAt {
		t.Fatalf("rotation should keep name and expiry with a fresh key id: %+v", rotated)
	}

	if _, err := svc.Authenticate(context.Background(), created.Token); !errors.Is(err, domain.ErrInvalidToken) {
		t.Fatalf("old token should stop working, got %v", err)
	}
	if _, err := svc.Authenticate(context.Background(), rotated.Token); err != nil {
		t.Fatalf("new token: %v", err)
	}

	keys, err := svc.List(context.Background(), 1)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(keys) != 2 {
		t.Fatalf("keys = %d, want 2", len(keys))
	}
}
