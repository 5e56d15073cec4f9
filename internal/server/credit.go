package server

import (
	"net/http"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"

	"github.com/buttermb/delviery-sub007/internal/authorization"
	creditdomain "github.com/buttermb/delviery-sub007/internal/credit/domain"
	"github.com/buttermb/delviery-sub007/pkg/db/pagination"
)

func (s *Server) GetCreditBalance(c *gin.Context) {
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

	s.renderBalance(c, tenantID)
}

func (s *Server) ListCreditTransactions(c *gin.Context) {
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

	s.renderTransactions(c, tenantID)
}

type consumeCreditsRequest struct {
	ActionKey   string         `json:"action_key"`
	ReferenceID string         `json:"reference_id"`
	Quantity    int64          `json:"quantity"`
	Metadata    map[string]any `json:"metadata"`
}

func (s *Server) ConsumeCredits(c *gin.Context) {
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
	if err := s.authzSvc.Authorize(c.Request.Context(), scope, tenantID, authorization.ObjectCredit, authorization.ActionConsume); err != nil {
		AbortWithError(c, err)
		return
	}

	s.applyConsume(c, tenantID)
}

type grantCreditsRequest struct {
	Amount int64 `json:"amount"`
}

// GrantCredits applies a manual free grant. Super-admin only; the
// cadence and cap checks still apply.
func (s *Server) GrantCredits(c *gin.Context) {
	tenantID, err := tenantIDParam(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var req grantCreditsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	result, err := s.creditSvc.GrantFreeCredits(c.Request.Context(), tenantID, creditdomain.GrantRequest{
		Amount: req.Amount,
		Source: creditdomain.GrantSourceManual,
		Actor:  s.actorFromContext(c),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": result})
}

type adjustCreditsRequest struct {
	Amount      int64  `json:"amount"`
	Reason      string `json:"reason"`
	ReferenceID string `json:"reference_id"`
}

func (s *Server) AdjustCredits(c *gin.Context) {
	tenantID, err := tenantIDParam(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var req adjustCreditsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	result, err := s.creditSvc.AdjustCredits(c.Request.Context(), tenantID, creditdomain.AdjustRequest{
		Amount:      req.Amount,
		Reason:      strings.TrimSpace(req.Reason),
		ReferenceID: strings.TrimSpace(req.ReferenceID),
		Actor:       s.actorFromContext(c),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": result})
}

func (s *Server) ListActionCosts(c *gin.Context) {
	items, err := s.creditSvc.ListActionCosts(c.Request.Context())
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": items})
}

type upsertActionCostRequest struct {
	Cost        int64  `json:"cost"`
	Description string `json:"description"`
	Active      *bool  `json:"active"`
}

func (s *Server) UpsertActionCost(c *gin.Context) {
	actionKey := strings.TrimSpace(c.Param("actionKey"))
	if actionKey == "" {
		AbortWithError(c, newValidationError("actionKey", "missing_action_key", "action key is required"))
		return
	}

	var req upsertActionCostRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.creditSvc.UpsertActionCost(c.Request.Context(), creditdomain.UpsertActionCostRequest{
		ActionKey:   actionKey,
		Cost:        req.Cost,
		Description: strings.TrimSpace(req.Description),
		Active:      req.Active,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

// API-key surface. The tenant comes from the key row, so these skip the
// membership gate and go straight to the ledger.

func (s *Server) APIGetCreditBalance(c *gin.Context) {
	tenantID, ok := apiKeyTenantFromContext(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}
	s.renderBalance(c, tenantID)
}

func (s *Server) APIListCreditTransactions(c *gin.Context) {
	tenantID, ok := apiKeyTenantFromContext(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}
	s.renderTransactions(c, tenantID)
}

func (s *Server) APIConsumeCredits(c *gin.Context) {
	tenantID, ok := apiKeyTenantFromContext(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}
	s.applyConsume(c, tenantID)
}

func (s *Server) renderBalance(c *gin.Context, tenantID snowflake.ID) {
	resp, err := s.creditSvc.GetBalance(c.Request.Context(), tenantID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) renderTransactions(c *gin.Context, tenantID snowflake.ID) {
	var query struct {
		pagination.Pagination
		Types []string `form:"type"`
	}
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.creditSvc.ListTransactions(c.Request.Context(), tenantID, creditdomain.ListTransactionsRequest{
		Types:     query.Types,
		PageToken: query.PageToken,
		PageSize:  int32(query.PageSize),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) applyConsume(c *gin.Context, tenantID snowflake.ID) {
	var req consumeCreditsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	result, err := s.creditSvc.ConsumeCredits(c.Request.Context(), tenantID, creditdomain.ConsumeRequest{
		ActionKey:   strings.TrimSpace(req.ActionKey),
		ReferenceID: strings.TrimSpace(req.ReferenceID),
		Quantity:    req.Quantity,
		Metadata:    req.Metadata,
		Actor:       s.actorFromContext(c),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	status := http.StatusOK
	if !result.Success && result.Reason == creditdomain.ReasonInsufficientCredits {
		status = http.StatusPaymentRequired
	}
	c.JSON(status, gin.H{"data": result})
}
