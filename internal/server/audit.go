package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	auditdomain "github.com/buttermb/delviery-sub007/internal/audit/domain"
	"github.com/buttermb/delviery-sub007/internal/authorization"
	"github.com/buttermb/delviery-sub007/pkg/db/pagination"
)

// ListAuditLogs exposes a tenant's audit trail to its admins. Bypass
// rows recorded against the tenant are included, so operators' reads
// into the tenant are visible to the tenant.
func (s *Server) ListAuditLogs(c *gin.Context) {
	tenantID, err := tenantIDParam(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	scope, ok := s.scopeFromContext(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}
	if err := s.authzSvc.Authorize(c.Request.Context(), scope, tenantID, authorization.ObjectAuditLog, authorization.ActionRead); err != nil {
		AbortWithError(c, err)
		return
	}

	var query struct {
		pagination.Pagination
		Action       string `form:"action"`
		ResourceType string `form:"resource_type"`
		ActorType    string `form:"actor_type"`
		BypassOnly   bool   `form:"bypass_only"`
	}
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.auditSvc.List(c.Request.Context(), auditdomain.ListRequest{
		TenantID:     tenantID,
		Action:       strings.TrimSpace(query.Action),
		ResourceType: strings.TrimSpace(query.ResourceType),
		ActorType:    strings.TrimSpace(query.ActorType),
		BypassOnly:   query.BypassOnly,
		PageToken:    query.PageToken,
		PageSize:     int32(query.PageSize),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}
