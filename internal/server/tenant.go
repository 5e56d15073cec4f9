package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/buttermb/delviery-sub007/internal/authorization"
	tenantdomain "github.com/buttermb/delviery-sub007/internal/tenant/domain"
)

type createTenantRequest struct {
	Name string `json:"name"`
	Slug string `json:"slug"`
	Plan string `json:"plan"`
}

func (s *Server) CreateTenant(c *gin.Context) {
	userID, ok := s.userIDFromSession(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	var req createTenantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.tenantSvc.Create(c.Request.Context(), userID, tenantdomain.CreateTenantRequest{
		Name: strings.TrimSpace(req.Name),
		Slug: strings.TrimSpace(req.Slug),
		Plan: strings.TrimSpace(req.Plan),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) ListTenants(c *gin.Context) {
	userID, ok := s.userIDFromSession(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	items, err := s.tenantSvc.ListByUser(c.Request.Context(), userID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": items})
}

func (s *Server) GetTenant(c *gin.Context) {
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
	if err := s.authzSvc.AuthorizeRead(c.Request.Context(), scope, tenantID); err != nil {
		AbortWithError(c, err)
		return
	}

	resp, err := s.tenantSvc.Get(c.Request.Context(), tenantID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

type updateTenantRequest struct {
	Name     *string        `json:"name"`
	Status   *string        `json:"status"`
	Plan     *string        `json:"plan"`
	Settings map[string]any `json:"settings"`
}

func (s *Server) UpdateTenant(c *gin.Context) {
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
	if err := s.authzSvc.Authorize(c.Request.Context(), scope, tenantID, authorization.ObjectTenant, authorization.ActionUpdate); err != nil {
		AbortWithError(c, err)
		return
	}

	var req updateTenantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.tenantSvc.Update(c.Request.Context(), tenantID, tenantdomain.UpdateTenantRequest{
		Name:     req.Name,
		Status:   req.Status,
		Plan:     req.Plan,
		Settings: req.Settings,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) ListTenantMembers(c *gin.Context) {
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
	if err := s.authzSvc.AuthorizeRead(c.Request.Context(), scope, tenantID); err != nil {
		AbortWithError(c, err)
		return
	}

	items, err := s.tenantSvc.ListMembers(c.Request.Context(), tenantID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": items})
}

type addMemberRequest struct {
	Email       string `json:"email"`
	DisplayName string `json:"display_name"`
	Role        string `json:"role"`
}

func (s *Server) AddTenantMember(c *gin.Context) {
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
	if err := s.authzSvc.Authorize(c.Request.Context(), scope, tenantID, authorization.ObjectMember, authorization.ActionCreate); err != nil {
		AbortWithError(c, err)
		return
	}

	var req addMemberRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	role, ok := tenantdomain.ParseRole(req.Role)
	if !ok {
		AbortWithError(c, newValidationError("role", "invalid_role", "role must be viewer, member, admin, or owner"))
		return
	}

	resp, err := s.tenantSvc.AddMember(c.Request.Context(), tenantID, tenantdomain.AddMemberRequest{
		Email:       strings.TrimSpace(req.Email),
		DisplayName: strings.TrimSpace(req.DisplayName),
		Role:        role,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

// AcceptTenantInvite flips the caller's own invited membership to
// active. No role check: the invite itself is the authorization.
func (s *Server) AcceptTenantInvite(c *gin.Context) {
	tenantID, err := tenantIDParam(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	userID, ok := s.userIDFromSession(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	resp, err := s.tenantSvc.AcceptInvite(c.Request.Context(), tenantID, userID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

type updateMemberRoleRequest struct {
	Role string `json:"role"`
}

func (s *Server) UpdateTenantMemberRole(c *gin.Context) {
	tenantID, err := tenantIDParam(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	memberID, err := idParam(c, "memberID")
	if err != nil {
		AbortWithError(c, err)
		return
	}
	scope, ok := s.scopeFromContext(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}
	if err := s.authzSvc.Authorize(c.Request.Context(), scope, tenantID, authorization.ObjectMember, authorization.ActionUpdate); err != nil {
		AbortWithError(c, err)
		return
	}

	var req updateMemberRoleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	role, ok := tenantdomain.ParseRole(req.Role)
	if !ok {
		AbortWithError(c, newValidationError("role", "invalid_role", "role must be viewer, member, admin, or owner"))
		return
	}

	resp, err := s.tenantSvc.UpdateMemberRole(c.Request.Context(), tenantID, memberID, role)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) RemoveTenantMember(c *gin.Context) {
	tenantID, err := tenantIDParam(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	memberID, err := idParam(c, "memberID")
	if err != nil {
		AbortWithError(c, err)
		return
	}
	scope, ok := s.scopeFromContext(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}
	if err := s.authzSvc.Authorize(c.Request.Context(), scope, tenantID, authorization.ObjectMember, authorization.ActionDelete); err != nil {
		AbortWithError(c, err)
		return
	}

	if err := s.tenantSvc.RemoveMember(c.Request.Context(), tenantID, memberID); err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
