package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	apikeydomain "github.com/buttermb/delviery-sub007/internal/apikey/domain"
	"github.com/buttermb/delviery-sub007/internal/authorization"
)

type createAPIKeyRequest struct {
	Name      string `json:"name"`
	ExpiresAt string `json:"expires_at"`
}

// CreateAPIKey mints a key and returns the token once. The secret is
// never retrievable again.
func (s *Server) CreateAPIKey(c *gin.Context) {
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
	if err := s.authzSvc.Authorize(c.Request.Context(), scope, tenantID, authorization.ObjectAPIKey, authorization.ActionCreate); err != nil {
		AbortWithError(c, err)
		return
	}

	var req createAPIKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	var expiresAt *time.Time
	if raw := strings.TrimSpace(req.ExpiresAt); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			AbortWithError(c, newValidationError("expires_at", "invalid_expires_at", "expires_at must be RFC3339"))
			return
		}
		expiresAt = &parsed
	}

	resp, err := s.apikeySvc.Create(c.Request.Context(), tenantID, apikeydomain.CreateRequest{
		Name:      strings.TrimSpace(req.Name),
		ExpiresAt: expiresAt,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) ListAPIKeys(c *gin.Context) {
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
	if err := s.authzSvc.Authorize(c.Request.Context(), scope, tenantID, authorization.ObjectAPIKey, authorization.ActionRead); err != nil {
		AbortWithError(c, err)
		return
	}

	items, err := s.apikeySvc.List(c.Request.Context(), tenantID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": items})
}

func (s *Server) RotateAPIKey(c *gin.Context) {
	tenantID, err := tenantIDParam(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	keyID, err := idParam(c, "keyID")
	if err != nil {
		AbortWithError(c, err)
		return
	}
	scope, ok := s.scopeFromContext(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}
	if err := s.authzSvc.Authorize(c.Request.Context(), scope, tenantID, authorization.ObjectAPIKey, authorization.ActionUpdate); err != nil {
		AbortWithError(c, err)
		return
	}

	resp, err := s.apikeySvc.Rotate(c.Request.Context(), tenantID, keyID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) RevokeAPIKey(c *gin.Context) {
	tenantID, err := tenantIDParam(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	keyID, err := idParam(c, "keyID")
	if err != nil {
		AbortWithError(c, err)
		return
	}
	scope, ok := s.scopeFromContext(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}
	if err := s.authzSvc.Authorize(c.Request.Context(), scope, tenantID, authorization.ObjectAPIKey, authorization.ActionUpdate); err != nil {
		AbortWithError(c, err)
		return
	}

	if err := s.apikeySvc.Revoke(c.Request.Context(), tenantID, keyID); err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
