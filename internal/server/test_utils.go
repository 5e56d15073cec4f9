package server

import (
	"context"
	"net/http"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
)

type testCleanupRequest struct {
	Prefix string `json:"prefix"`
}

// TestCleanup deletes tenants whose slug starts with the prefix, along
// with everything they own. Never mounted in production.
func (s *Server) TestCleanup(c *gin.Context) {
	if s.cfg.IsProduction() {
		AbortWithError(c, ErrNotFound)
		return
	}

	var req testCleanupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	prefix := strings.TrimSpace(req.Prefix)
	if prefix == "" {
		AbortWithError(c, newValidationError("prefix", "required", "prefix is required"))
		return
	}

	ctx := c.Request.Context()
	tenantIDs, err := s.loadTenantIDsByPrefix(ctx, prefix)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if err := s.deleteTenantData(ctx, tenantIDs); err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok", "tenants": len(tenantIDs)})
}

func (s *Server) loadTenantIDsByPrefix(ctx context.Context, prefix string) ([]snowflake.ID, error) {
	like := prefix + "%"
	var tenantIDs []snowflake.ID
	if err := s.db.WithContext(ctx).
		Table("tenants").
		Select("id").
		Where("slug LIKE ?", like).
		Scan(&tenantIDs).Error; err != nil {
		return nil, err
	}
	return tenantIDs, nil
}

func (s *Server) deleteTenantData(ctx context.Context, tenantIDs []snowflake.ID) error {
	if len(tenantIDs) == 0 {
		return nil
	}
	queries := []string{
		`DELETE FROM credit_events WHERE tenant_id IN ?`,
		`DELETE FROM credit_transactions WHERE tenant_id IN ?`,
		`DELETE FROM credit_accounts WHERE tenant_id IN ?`,
		`DELETE FROM audit_logs WHERE tenant_id IN ?`,
		`DELETE FROM api_keys WHERE tenant_id IN ?`,
		`DELETE FROM customers WHERE tenant_id IN ?`,
		`DELETE FROM tenant_members WHERE tenant_id IN ?`,
		`DELETE FROM tenants WHERE id IN ?`,
	}
	for _, query := range queries {
		if err := s.db.WithContext(ctx).Exec(query, tenantIDs).Error; err != nil {
			return err
		}
	}
	return nil
}
