package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	apikeydomain "github.com/buttermb/delviery-sub007/internal/apikey/domain"
	auditdomain "github.com/buttermb/delviery-sub007/internal/audit/domain"
	"github.com/buttermb/delviery-sub007/internal/authorization"
	creditdomain "github.com/buttermb/delviery-sub007/internal/credit/domain"
	customerdomain "github.com/buttermb/delviery-sub007/internal/customer/domain"
	"github.com/buttermb/delviery-sub007/internal/identity"
	"github.com/buttermb/delviery-sub007/internal/observability/logger"
	tenantdomain "github.com/buttermb/delviery-sub007/internal/tenant/domain"
	"github.com/buttermb/delviery-sub007/pkg/db/pagination"
)

// Surface-level sentinels used directly by middleware and handlers.
var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")
	ErrNotFound     = errors.New("not_found")
	ErrRateLimited  = errors.New("rate_limited")
)

// APIError is the uniform error body. Field is set for validation
// failures so clients can point at the offending input.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
}

func (e *APIError) Error() string { return e.Code }

func newValidationError(field, code, message string) *APIError {
	return &APIError{
		Status:  http.StatusBadRequest,
		Code:    code,
		Message: message,
		Field:   field,
	}
}

func invalidRequestError() *APIError {
	return &APIError{
		Status:  http.StatusBadRequest,
		Code:    "invalid_request",
		Message: "request body could not be parsed",
	}
}

// AbortWithError maps domain errors onto HTTP statuses. Out-of-scope
// reads arrive here as not-found sentinels and stay 404; a 403 is only
// ever produced for writes inside a visible tenant.
func AbortWithError(c *gin.Context, err error) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		c.AbortWithStatusJSON(apiErr.Status, gin.H{"error": apiErr})
		return
	}

	status := http.StatusInternalServerError
	code := "internal_error"

	switch {
	case isValidationError(err):
		status = http.StatusBadRequest
		code = err.Error()
	case errors.Is(err, ErrUnauthorized),
		errors.Is(err, apikeydomain.ErrInvalidToken),
		errors.Is(err, identity.ErrUnknownUser):
		status = http.StatusUnauthorized
		code = "unauthorized"
	case errors.Is(err, ErrForbidden),
		errors.Is(err, authorization.ErrForbidden):
		status = http.StatusForbidden
		code = "forbidden"
	case isNotFoundError(err):
		status = http.StatusNotFound
		code = "not_found"
	case isConflictError(err):
		status = http.StatusConflict
		code = err.Error()
	case errors.Is(err, ErrRateLimited):
		status = http.StatusTooManyRequests
		code = "rate_limited"
	}

	if status == http.StatusInternalServerError {
		logger.FromContext(c.Request.Context()).Error("request failed",
			zap.String("path", c.FullPath()),
			zap.Error(err),
		)
		c.AbortWithStatusJSON(status, gin.H{"error": &APIError{
			Status:  status,
			Code:    code,
			Message: "something went wrong",
		}})
		return
	}

	c.AbortWithStatusJSON(status, gin.H{"error": &APIError{
		Status:  status,
		Code:    code,
		Message: code,
	}})
}

func isValidationError(err error) bool {
	for _, candidate := range []error{
		tenantdomain.ErrInvalidName,
		tenantdomain.ErrInvalidSlug,
		tenantdomain.ErrInvalidPlan,
		tenantdomain.ErrInvalidStatus,
		tenantdomain.ErrInvalidEmail,
		tenantdomain.ErrInvalidRole,
		tenantdomain.ErrInvalidUser,
		creditdomain.ErrInvalidTenant,
		creditdomain.ErrInvalidAction,
		creditdomain.ErrInvalidCost,
		creditdomain.ErrInvalidReference,
		creditdomain.ErrInvalidReason,
		creditdomain.ErrInvalidQuantity,
		customerdomain.ErrInvalidName,
		customerdomain.ErrInvalidStatus,
		apikeydomain.ErrInvalidName,
		auditdomain.ErrInvalidAction,
		authorization.ErrInvalidTenant,
		authorization.ErrInvalidObject,
		authorization.ErrInvalidAction,
		pagination.ErrInvalidPageToken,
	} {
		if errors.Is(err, candidate) {
			return true
		}
	}
	return false
}

func isNotFoundError(err error) bool {
	for _, candidate := range []error{
		ErrNotFound,
		authorization.ErrNotFound,
		tenantdomain.ErrTenantNotFound,
		tenantdomain.ErrMemberNotFound,
		customerdomain.ErrCustomerNotFound,
		creditdomain.ErrAccountNotFound,
		creditdomain.ErrActionNotFound,
		apikeydomain.ErrKeyNotFound,
	} {
		if errors.Is(err, candidate) {
			return true
		}
	}
	return false
}

func isConflictError(err error) bool {
	for _, candidate := range []error{
		tenantdomain.ErrDuplicateSlug,
		tenantdomain.ErrDuplicateMember,
		tenantdomain.ErrLastOwner,
	} {
		if errors.Is(err, candidate) {
			return true
		}
	}
	return false
}
