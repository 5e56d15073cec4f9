package server

import (
	"context"
	"net/http"
	"testing"

	"github.com/gin-gonic/gin"

	apikeydomain "github.com/buttermb/delviery-sub007/internal/apikey/domain"
)

// fakeAPIKeyService accepts exactly one token.
type fakeAPIKeyService struct {
	apikeydomain.Service

	token string
	key   apikeydomain.AuthenticatedKey
}

func (f *fakeAPIKeyService) Authenticate(_ context.Context, token string) (*apikeydomain.AuthenticatedKey, error) {
	if token != f.token {
		return nil, apikeydomain.ErrInvalidToken
	}
	key := f.key
	return &key, nil
}

func TestAPIKeyRequiredBindsTenant(t *testing.T) {
	s := newTestServer(t, nil)
	s.apikeySvc = &fakeAPIKeyService{
		token: "dk_abc123.secret",
		key:   apikeydomain.AuthenticatedKey{ID: 5, TenantID: 9, KeyID: "dk_abc123"},
	}

	s.engine.GET("/v1/probe", s.APIKeyRequired(), func(c *gin.Context) {
		tenantID, ok := apiKeyTenantFromContext(c)
		if !ok || tenantID != 9 {
			t.Errorf("tenant = %d ok=%v, want 9", tenantID, ok)
		}
		scope, ok := apiKeyScopeFromContext(c)
		if !ok || scope.Roles[9] != "member" {
			t.Errorf("unexpected scope: %+v", scope)
		}
		c.Status(http.StatusOK)
	})

	resp := performRequest(s, http.MethodGet, "/v1/probe", "Bearer dk_abc123.secret")
	if resp.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.Code)
	}
}

func TestAPIKeyRequiredRejectsBadToken(t *testing.T) {
	s := newTestServer(t, nil)
	s.apikeySvc = &fakeAPIKeyService{token: "dk_abc123.secret"}

	s.engine.GET("/v1/probe", s.APIKeyRequired(), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	for _, header := range []string{"", "Bearer dk_abc123.wrong", "Bearer garbage"} {
		resp := performRequest(s, http.MethodGet, "/v1/probe", header)
		if resp.Code != http.StatusUnauthorized {
			t.Errorf("header %q: status = %d, want 401", header, resp.Code)
		}
	}
}
