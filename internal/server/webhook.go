package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	creditdomain "github.com/buttermb/delviery-sub007/internal/credit/domain"
)

type paymentWebhookRequest struct {
	PaymentRef string `json:"payment_ref"`
	Amount     int64  `json:"amount"`
}

// PaymentWebhook applies a completed payment as a credit purchase. The
// provider retries until it sees a 2xx, so the apply must be idempotent:
// a replayed payment_ref returns the original transaction with 200.
func (s *Server) PaymentWebhook(c *gin.Context) {
	provider := strings.TrimSpace(c.Param("provider"))
	if provider == "" {
		AbortWithError(c, newValidationError("provider", "missing_provider", "provider is required"))
		return
	}

	tenantID, ok := apiKeyTenantFromContext(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	var req paymentWebhookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	result, err := s.creditSvc.PurchaseCredits(c.Request.Context(), tenantID, creditdomain.PurchaseRequest{
		Amount:     req.Amount,
		PaymentRef: strings.TrimSpace(req.PaymentRef),
		Provider:   provider,
		Actor:      s.actorFromContext(c),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": result})
}
